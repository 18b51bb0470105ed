package postgres

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"argent/internal/authorization/domain"
)

// uniqueViolation is the PostgreSQL error code for unique constraint violations.
const uniqueViolation = "23505"

// isUniqueViolation reports whether err is a unique constraint violation,
// optionally on a specific constraint name. An empty constraint matches any.
func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	if pgErr.Code != uniqueViolation {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}

// marshalMetadata encodes a metadata map for a JSONB column. A nil map is
// stored as an empty object so scans never see SQL NULL.
func marshalMetadata(metadata map[string]string) ([]byte, error) {
	if metadata == nil {
		metadata = map[string]string{}
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("marshaling metadata: %w", err)
	}
	return raw, nil
}

// unmarshalMetadata decodes a JSONB metadata column. NULL and empty values
// decode to nil.
func unmarshalMetadata(raw []byte) (map[string]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var metadata map[string]string
	if err := json.Unmarshal(raw, &metadata); err != nil {
		return nil, fmt.Errorf("%w: invalid metadata: %v", domain.ErrCorruptData, err)
	}
	if len(metadata) == 0 {
		return nil, nil
	}
	return metadata, nil
}
