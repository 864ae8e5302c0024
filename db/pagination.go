package db

import (
	serrors "github.com/sigil-dev/sigil/errors"
)

// MaxPageSize is the largest limit a paginated finder accepts.
const MaxPageSize = 1000

// ValidatePagination rejects out-of-range page parameters before any
// backend work happens.
func ValidatePagination(limit, offset int64) error {
	if limit <= 0 {
		return serrors.ValidationError("pagination limit %d must be positive", limit)
	}
	if limit > MaxPageSize {
		return serrors.ValidationError("pagination limit %d exceeds the maximum %d", limit, MaxPageSize)
	}
	if offset < 0 {
		return serrors.ValidationError("pagination offset %d must not be negative", offset)
	}
	return nil
}
