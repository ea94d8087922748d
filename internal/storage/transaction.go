package storage

import (
	"context"
	"database/sql"
	"fmt"
)

// Querier is the statement surface available inside a transaction. It is
// satisfied by *sql.Conn and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	PrepareContext(ctx context.Context, query string) (*sql.Stmt, error)
}

// TxPolicy holds the retry policies used around a write transaction.
type TxPolicy struct {
	Begin     RetryPolicy
	Commit    RetryPolicy
	Statement RetryPolicy
}

// DefaultTxPolicy returns the default begin/commit/statement retry policies.
func DefaultTxPolicy() TxPolicy {
	return TxPolicy{
		Begin:     CommitRetry(),
		Commit:    CommitRetry(),
		Statement: StatementRetry(),
	}
}

// WithImmediateTx runs fn inside BEGIN IMMEDIATE on a pinned handle. The
// write lock is taken up front so statements inside fn do not hit lock
// upgrades. BEGIN and COMMIT are retried on lock contention. It commits on
// success and rolls back on error; a panic rolls back and is re-raised.
//
// The transaction is driven with plain statements rather than sql.Tx so a
// COMMIT that fails with SQLITE_BUSY can be retried while the transaction is
// still open.
func WithImmediateTx(ctx context.Context, conn *sql.Conn, policy TxPolicy, fn func(Querier) error) (err error) {
	if err := Retry(ctx, policy.Begin, func() error {
		_, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE")
		return err
	}); err != nil {
		return &DatabaseError{Op: "begin transaction", Err: err}
	}

	committed := false
	defer func() {
		if committed {
			return
		}
		// Rollback uses a fresh context so a cancelled ctx still releases the lock.
		_, rbErr := conn.ExecContext(context.Background(), "ROLLBACK")
		if p := recover(); p != nil {
			panic(p)
		}
		if rbErr != nil {
			err = fmt.Errorf("%w (%v) after: %w", ErrRollbackFailed, rbErr, err)
		}
	}()

	if err = fn(conn); err != nil {
		return err
	}

	if err = Retry(ctx, policy.Commit, func() error {
		_, err := conn.ExecContext(ctx, "COMMIT")
		return err
	}); err != nil {
		return &DatabaseError{Op: "commit transaction", Err: err}
	}

	committed = true
	return nil
}
