package storage

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"
)

// setupTestPool creates a migrated database in a temporary directory and a
// pool over it.
func setupTestPool(t *testing.T, maxConns int) *Pool {
	t.Helper()

	config := DefaultConfig(filepath.Join(t.TempDir(), "test.db"))
	config.MaxConnections = maxConns
	config.AcquireTimeout = 200 * time.Millisecond

	pool, err := NewPool(config, nil)
	if err != nil {
		t.Fatalf("Failed to create pool: %v", err)
	}
	t.Cleanup(func() {
		_ = pool.CloseAll()
	})

	if err := NewSchemaManager(pool, nil).Create(context.Background(), false); err != nil {
		t.Fatalf("Failed to create schema: %v", err)
	}

	return pool
}

func strPtr(s string) *string {
	return &s
}

func floatPtr(f float64) *float64 {
	return &f
}

func testCard(uuid, name, setCode string) *Card {
	return &Card{
		UUID:       uuid,
		Name:       strPtr(name),
		SetCode:    setCode,
		SetName:    strPtr("Test Set"),
		Rarity:     strPtr("common"),
		Colors:     strPtr(`["R"]`),
		Legalities: strPtr(`{"modern":"Legal"}`),
	}
}

// upsertCards writes cards in one immediate transaction.
func upsertCards(t *testing.T, pool *Pool, cards ...*Card) BatchResult {
	t.Helper()
	ctx := context.Background()

	var results []RecordResult
	err := pool.With(ctx, func(conn *sql.Conn) error {
		return WithImmediateTx(ctx, conn, DefaultTxPolicy(), func(q Querier) error {
			var err error
			results, err = NewCardUpserter(StatementRetry()).Upsert(ctx, q, cards)
			return err
		})
	})
	if err != nil {
		t.Fatalf("Failed to upsert cards: %v", err)
	}
	return Fold(results)
}
