package domain

// Status is the read-model view of an authorization request's lifecycle.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusAuthorized Status = "AUTHORIZED"
	StatusDenied     Status = "DENIED"
	StatusFailed     Status = "FAILED"
	StatusVoided     Status = "VOIDED"
	StatusExpired    Status = "EXPIRED"
)

// Terminal reports whether no further outcome-producing events may follow.
func (s Status) Terminal() bool {
	switch s {
	case StatusAuthorized, StatusDenied, StatusFailed, StatusVoided, StatusExpired:
		return true
	default:
		return false
	}
}

// String returns the string representation.
func (s Status) String() string {
	return string(s)
}
