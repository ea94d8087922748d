package storage

import (
	"context"
	"errors"
	"testing"
)

func TestFreshStartDropsData(t *testing.T) {
	pool := setupTestPool(t, 2)
	ctx := context.Background()

	upsertCards(t, pool,
		testCard("uuid-1", "Lightning Bolt", "LEA"),
		testCard("uuid-2", "Giant Growth", "LEA"),
	)

	sm := NewSchemaManager(pool, nil)

	// A normal start keeps existing rows.
	if err := sm.Create(ctx, false); err != nil {
		t.Fatalf("Failed to re-create schema: %v", err)
	}
	count, err := CardCount(ctx, pool.DB())
	if err != nil {
		t.Fatalf("Failed to count cards: %v", err)
	}
	if count != 2 {
		t.Fatalf("Expected 2 cards after normal start, got %d", count)
	}

	if err := sm.Create(ctx, true); err != nil {
		t.Fatalf("Failed to fresh-create schema: %v", err)
	}
	count, err = CardCount(ctx, pool.DB())
	if err != nil {
		t.Fatalf("Failed to count cards after fresh start: %v", err)
	}
	if count != 0 {
		t.Errorf("Expected 0 cards after fresh start, got %d", count)
	}

	for _, table := range []string{"cards", "card_prices"} {
		exists, err := sm.TableExists(ctx, table)
		if err != nil {
			t.Fatalf("Failed to check table %s: %v", table, err)
		}
		if !exists {
			t.Errorf("Expected table %s to be recreated", table)
		}
	}
}

func TestEnsureIndexes(t *testing.T) {
	pool := setupTestPool(t, 1)
	ctx := context.Background()

	var names []string
	err := pool.DB().SelectContext(ctx, &names,
		"SELECT name FROM sqlite_master WHERE type = 'index' AND name LIKE 'idx_%' ORDER BY name")
	if err != nil {
		t.Fatalf("Failed to list indexes: %v", err)
	}
	if len(names) != len(indexStatements) {
		t.Errorf("Expected %d indexes, got %d: %v", len(indexStatements), len(names), names)
	}

	// Re-asserting is idempotent.
	if err := NewSchemaManager(pool, nil).EnsureIndexes(ctx); err != nil {
		t.Errorf("Expected EnsureIndexes to be idempotent, got %v", err)
	}
}

func TestEnsureColumnExists(t *testing.T) {
	pool := setupTestPool(t, 1)
	ctx := context.Background()
	sm := NewSchemaManager(pool, nil)

	added, err := sm.EnsureColumnExists(ctx, "cards", "release_date", "TEXT")
	if err != nil {
		t.Fatalf("Failed to add column: %v", err)
	}
	if !added {
		t.Error("Expected first call to add the column")
	}

	added, err = sm.EnsureColumnExists(ctx, "cards", "release_date", "TEXT")
	if err != nil {
		t.Fatalf("Second call failed: %v", err)
	}
	if added {
		t.Error("Expected second call to be a no-op")
	}

	added, err = sm.EnsureColumnExists(ctx, "cards", "collection_name", "TEXT")
	if err != nil {
		t.Fatalf("Failed to check existing column: %v", err)
	}
	if added {
		t.Error("Expected existing column to be a no-op")
	}

	// Reads keep working with the extra column present.
	upsertCards(t, pool, testCard("uuid-1", "Lightning Bolt", "LEA"))
	if card, err := GetCard(ctx, pool.DB(), "uuid-1"); err != nil || card == nil {
		t.Errorf("Expected card read to succeed after column evolution, got %v", err)
	}
}

func TestEnsureColumnExistsRejectsBadInput(t *testing.T) {
	pool := setupTestPool(t, 1)
	ctx := context.Background()
	sm := NewSchemaManager(pool, nil)

	cases := []struct {
		table, column, colType string
	}{
		{"cards; DROP TABLE cards", "x", "TEXT"},
		{"cards", "bad column", "TEXT"},
		{"cards", "ok", "TEXT); DROP TABLE cards; --"},
	}
	for _, c := range cases {
		if _, err := sm.EnsureColumnExists(ctx, c.table, c.column, c.colType); !errors.Is(err, ErrInvalidIdentifier) {
			t.Errorf("EnsureColumnExists(%q, %q, %q) = %v, want ErrInvalidIdentifier", c.table, c.column, c.colType, err)
		}
	}

	if _, err := sm.EnsureColumnExists(ctx, "missing_table", "x", "TEXT"); err == nil {
		t.Error("Expected error for missing table")
	}
}
