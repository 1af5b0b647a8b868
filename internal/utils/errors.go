package utils

import (
	"context"
	"errors"
	"strings"

	"github.com/lib/pq"
)

// transientSQLStates are Postgres error codes worth retrying in a fresh transaction.
var transientSQLStates = map[pq.ErrorCode]struct{}{
	"40001": {}, // serialization_failure
	"40P01": {}, // deadlock_detected
	"23505": {}, // unique_violation (concurrent first insert of a rollup row)
	"55P03": {}, // lock_not_available
}

// recoverableMessages are driver messages that indicate a busy, not broken, store.
var recoverableMessages = []string{
	"database is locked",
	"SQLITE_BUSY",
	"driver: bad connection",
}

// IsRecoverableError reports whether err is a transient store conflict that a
// bounded retry of the whole unit of work may resolve.
func IsRecoverableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		_, ok := transientSQLStates[pqErr.Code]
		return ok
	}

	msg := err.Error()
	for _, recoverable := range recoverableMessages {
		if strings.Contains(msg, recoverable) {
			return true
		}
	}
	return false
}
