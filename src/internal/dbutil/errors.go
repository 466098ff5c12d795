package dbutil

import (
	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"

	"github.com/pachyderm/troverepo/src/internal/errors"
)

// IsUniqueViolation returns true if the error is a UniqueContraintViolation
func IsUniqueViolation(err error) bool {
	pgErr := &pgconn.PgError{}
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.UniqueViolation
	}
	return false
}

// IsDatabaseLocked returns true if the transaction failed because of lock contention, and may
// succeed if run again from the beginning.
func IsDatabaseLocked(err error) bool {
	pgErr := &pgconn.PgError{}
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgerrcode.DeadlockDetected, pgerrcode.SerializationFailure, pgerrcode.LockNotAvailable:
			return true
		}
	}
	return false
}
