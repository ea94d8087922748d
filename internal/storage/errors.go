package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

var (
	// ErrPoolTimeout is returned when no pooled handle becomes available in time.
	ErrPoolTimeout = errors.New("timed out waiting for a database connection")

	// ErrPoolClosed is returned when acquiring from a closed pool.
	ErrPoolClosed = errors.New("connection pool is closed")

	// ErrInvalidIdentifier is returned for table, column or type names that
	// cannot be safely interpolated into DDL.
	ErrInvalidIdentifier = errors.New("invalid SQL identifier")

	// ErrRollbackFailed marks a transaction whose ROLLBACK failed. The
	// handle may still hold an open transaction.
	ErrRollbackFailed = errors.New("rollback failed")
)

// maxQueryLen caps the query text carried in error messages.
const maxQueryLen = 200

// DatabaseError annotates a failed statement with the operation and query text.
type DatabaseError struct {
	Op    string
	Query string
	Err   error
}

func (e *DatabaseError) Error() string {
	if e.Query == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %v (query: %s)", e.Op, e.Err, sanitizeQuery(e.Query))
}

func (e *DatabaseError) Unwrap() error {
	return e.Err
}

// sanitizeQuery collapses whitespace and truncates long statements.
func sanitizeQuery(query string) string {
	q := strings.Join(strings.Fields(query), " ")
	if len(q) > maxQueryLen {
		q = q[:maxQueryLen] + "..."
	}
	return q
}

// IsRetryable reports whether err is transient lock contention that is worth
// retrying: SQLITE_BUSY, SQLITE_LOCKED, or a "database is locked" message.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return true
		}
	}

	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "sqlite_busy")
}

// ShouldDiscard decides what happens to a handle after use. Lock contention
// leaves the session intact and the handle is recycled; any other failure,
// including cancellation mid-statement or a failed rollback, discards it.
func ShouldDiscard(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRollbackFailed) {
		return true
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return !IsRetryable(err)
}
