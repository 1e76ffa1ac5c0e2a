package db

import (
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"gorm.io/gorm"
)

const (
	pgUniqueViolation      = "23505"
	pgCheckViolation       = "23514"
	pgSerializationFailure = "40001"
	pgLockNotAvailable     = "55P03"
)

func IsDuplicateKeyErr(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	if pgCode(err) == pgUniqueViolation {
		return true
	}

	// MySQL (error code 1062)
	if strings.Contains(err.Error(), "Error 1062") {
		return true
	}

	// SQLite (error code 2067)
	if strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return true
	}

	return false
}

// IsPartitionMissingErr reports an insert into a partitioned table with no
// partition covering the row.
func IsPartitionMissingErr(err error) bool {
	if err == nil {
		return false
	}
	if pgCode(err) == pgCheckViolation && strings.Contains(strings.ToLower(err.Error()), "no partition") {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "no partition of relation")
}

func IsSerializationFailure(err error) bool {
	return pgCode(err) == pgSerializationFailure
}

func IsLockNotAvailable(err error) bool {
	return pgCode(err) == pgLockNotAvailable
}

// pgCode extracts the SQLSTATE from either driver the repo links.
func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code)
	}
	return ""
}
