package persistence

import (
	"errors"

	"github.com/lib/pq"
)

const (
	pqUniqueViolation = "23505"
	pqUndefinedColumn = "42703"
)

// IsUniqueViolation reports whether err is a Postgres unique_violation.
func IsUniqueViolation(err error) bool {
	return pqCode(err) == pqUniqueViolation
}

// IsUndefinedColumn reports whether err is a Postgres undefined_column,
// which the read side treats as schema drift.
func IsUndefinedColumn(err error) bool {
	return pqCode(err) == pqUndefinedColumn
}

func pqCode(err error) string {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code)
	}
	return ""
}
