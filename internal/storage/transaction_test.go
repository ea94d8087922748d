package storage

import (
	"context"
	"database/sql"
	"errors"
	"testing"
)

func TestWithImmediateTxRollsBackOnError(t *testing.T) {
	pool := setupTestPool(t, 1)
	ctx := context.Background()
	boom := errors.New("boom")

	err := pool.With(ctx, func(conn *sql.Conn) error {
		return WithImmediateTx(ctx, conn, DefaultTxPolicy(), func(q Querier) error {
			if _, err := NewCardUpserter(StatementRetry()).Upsert(ctx, q, []*Card{testCard("uuid-1", "Shock", "M21")}); err != nil {
				return err
			}
			return boom
		})
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Expected boom, got %v", err)
	}

	count, err := CardCount(ctx, pool.DB())
	if err != nil {
		t.Fatalf("Failed to count cards: %v", err)
	}
	if count != 0 {
		t.Errorf("Expected rollback to leave 0 cards, got %d", count)
	}
}

func TestWithImmediateTxRollsBackOnPanic(t *testing.T) {
	pool := setupTestPool(t, 1)
	ctx := context.Background()

	conn, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("Failed to acquire: %v", err)
	}
	defer pool.Release(conn, nil)

	func() {
		defer func() {
			if r := recover(); r == nil {
				t.Error("Expected panic to be re-raised")
			}
		}()
		_ = WithImmediateTx(ctx, conn, DefaultTxPolicy(), func(q Querier) error {
			panic("boom")
		})
	}()

	// The handle must be usable for a new transaction after the rollback.
	err = WithImmediateTx(ctx, conn, DefaultTxPolicy(), func(q Querier) error {
		_, err := q.ExecContext(ctx, "SELECT 1")
		return err
	})
	if err != nil {
		t.Errorf("Expected connection to be reusable after panic rollback, got %v", err)
	}
}

func TestWithImmediateTxFailedRollbackDiscardsHandle(t *testing.T) {
	pool := setupTestPool(t, 1)
	ctx := context.Background()
	locked := errors.New("database is locked")

	// Ending the transaction inside fn makes the deferred ROLLBACK fail.
	err := pool.With(ctx, func(conn *sql.Conn) error {
		return WithImmediateTx(ctx, conn, DefaultTxPolicy(), func(q Querier) error {
			if _, err := q.ExecContext(ctx, "COMMIT"); err != nil {
				return err
			}
			return locked
		})
	})
	if !errors.Is(err, ErrRollbackFailed) || !errors.Is(err, locked) {
		t.Fatalf("Expected rollback failure wrapping the lock error, got %v", err)
	}

	if stats := pool.Stats(); stats.Live != 0 || stats.Idle != 0 {
		t.Errorf("Expected handle to be discarded, got %+v", stats)
	}

	// The next transaction gets a fresh handle.
	err = pool.With(ctx, func(conn *sql.Conn) error {
		return WithImmediateTx(ctx, conn, DefaultTxPolicy(), func(q Querier) error {
			_, err := q.ExecContext(ctx, "SELECT 1")
			return err
		})
	})
	if err != nil {
		t.Errorf("Expected a fresh handle to begin cleanly, got %v", err)
	}
}
