package domain

import "github.com/google/uuid"

// AuthRequestID uniquely identifies an authorization request aggregate.
type AuthRequestID uuid.UUID

// NewAuthRequestID generates a new AuthRequestID.
func NewAuthRequestID() AuthRequestID {
	return AuthRequestID(uuid.New())
}

// ParseAuthRequestID parses a string into an AuthRequestID.
func ParseAuthRequestID(s string) (AuthRequestID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return AuthRequestID{}, err
	}
	return AuthRequestID(id), nil
}

// String returns the string representation.
func (id AuthRequestID) String() string {
	return uuid.UUID(id).String()
}

// IsZero returns true if the ID is the zero value.
func (id AuthRequestID) IsZero() bool {
	return uuid.UUID(id) == uuid.Nil
}

// UUID returns the underlying uuid.UUID.
func (id AuthRequestID) UUID() uuid.UUID {
	return uuid.UUID(id)
}

// RestaurantID identifies the restaurant that owns an authorization request.
type RestaurantID uuid.UUID

// ParseRestaurantID parses a string into a RestaurantID.
func ParseRestaurantID(s string) (RestaurantID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return RestaurantID{}, err
	}
	return RestaurantID(id), nil
}

// String returns the string representation.
func (id RestaurantID) String() string {
	return uuid.UUID(id).String()
}

// IsZero returns true if the ID is the zero value.
func (id RestaurantID) IsZero() bool {
	return uuid.UUID(id) == uuid.Nil
}

// UUID returns the underlying uuid.UUID.
func (id RestaurantID) UUID() uuid.UUID {
	return uuid.UUID(id)
}
