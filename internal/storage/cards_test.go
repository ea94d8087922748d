package storage

import (
	"context"
	"database/sql"
	"errors"
	"testing"
)

func TestCardUpsertIsIdempotent(t *testing.T) {
	pool := setupTestPool(t, 2)
	ctx := context.Background()

	first := testCard("uuid-1", "Lightning Bolt", "LEA")
	result := upsertCards(t, pool, first)
	if result.Inserted != 1 || result.Updated != 0 || result.Skipped != 0 {
		t.Fatalf("Expected 1 new, 0 updated, 0 skipped on first write, got %+v", result)
	}

	second := testCard("uuid-1", "Lightning Bolt", "LEA")
	second.Rarity = strPtr("uncommon")
	second.Artist = strPtr("Christopher Rush")
	result = upsertCards(t, pool, second)
	if result.Inserted != 0 || result.Updated != 1 {
		t.Fatalf("Expected 0 new, 1 updated on second write, got %+v", result)
	}

	count, err := CardCount(ctx, pool.DB())
	if err != nil {
		t.Fatalf("Failed to count cards: %v", err)
	}
	if count != 1 {
		t.Errorf("Expected 1 row, got %d", count)
	}

	stored, err := GetCard(ctx, pool.DB(), "uuid-1")
	if err != nil {
		t.Fatalf("Failed to get card: %v", err)
	}
	if stored == nil {
		t.Fatal("Stored card is nil")
	}
	if stored.Rarity == nil || *stored.Rarity != "uncommon" {
		t.Errorf("Expected rarity from second write, got %v", stored.Rarity)
	}
	if stored.Artist == nil || *stored.Artist != "Christopher Rush" {
		t.Errorf("Expected artist from second write, got %v", stored.Artist)
	}
}

func TestCardUpsertReplacesWholeRow(t *testing.T) {
	pool := setupTestPool(t, 1)
	ctx := context.Background()

	first := testCard("uuid-1", "Shock", "M21")
	first.FlavorText = strPtr("Lightning in a bottle.")
	upsertCards(t, pool, first)

	second := testCard("uuid-1", "Shock", "M21")
	upsertCards(t, pool, second)

	stored, err := GetCard(ctx, pool.DB(), "uuid-1")
	if err != nil {
		t.Fatalf("Failed to get card: %v", err)
	}
	if stored.FlavorText != nil {
		t.Errorf("Expected flavor text to be cleared by replacement, got %q", *stored.FlavorText)
	}
}

func TestCardUpsertSkipsFailedRecord(t *testing.T) {
	pool := setupTestPool(t, 1)
	ctx := context.Background()

	broken := testCard("uuid-2", "", "LEA")
	broken.Name = nil // violates NOT NULL

	result := upsertCards(t, pool,
		testCard("uuid-1", "Lightning Bolt", "LEA"),
		broken,
		testCard("uuid-3", "Giant Growth", "LEA"),
	)

	if result.Inserted != 2 {
		t.Errorf("Expected 2 inserted, got %d", result.Inserted)
	}
	if result.Skipped != 1 {
		t.Fatalf("Expected 1 skipped, got %d", result.Skipped)
	}
	if result.Failures[0].Key != "uuid-2" {
		t.Errorf("Expected uuid-2 to be skipped, got %s", result.Failures[0].Key)
	}

	count, err := CardCount(ctx, pool.DB())
	if err != nil {
		t.Fatalf("Failed to count cards: %v", err)
	}
	if count != 2 {
		t.Errorf("Expected 2 rows, got %d", count)
	}
}

func TestCardListColumns(t *testing.T) {
	card := testCard("uuid-1", "Fire // Ice", "APC")
	card.Types = strPtr(`["Instant"]`)

	colors, err := card.List("colors")
	if err != nil {
		t.Fatalf("Failed to decode colors: %v", err)
	}
	if len(colors) != 1 || colors[0] != "R" {
		t.Errorf("Expected [R], got %v", colors)
	}

	keywords, err := card.List("keywords")
	if err != nil {
		t.Fatalf("Failed to decode keywords: %v", err)
	}
	if keywords != nil {
		t.Errorf("Expected nil keywords, got %v", keywords)
	}

	if _, err := card.List("name"); err == nil {
		t.Error("Expected error for non-list column")
	}

	legalities, err := card.LegalityMap()
	if err != nil {
		t.Fatalf("Failed to decode legalities: %v", err)
	}
	if legalities["modern"] != "Legal" {
		t.Errorf("Expected modern Legal, got %q", legalities["modern"])
	}
}

func TestPriceUpsert(t *testing.T) {
	pool := setupTestPool(t, 1)
	ctx := context.Background()

	upsertCards(t, pool, testCard("uuid-1", "Lightning Bolt", "LEA"))

	write := func(prices ...PriceRecord) BatchResult {
		t.Helper()
		var results []RecordResult
		err := pool.With(ctx, func(conn *sql.Conn) error {
			return WithImmediateTx(ctx, conn, DefaultTxPolicy(), func(q Querier) error {
				var err error
				results, err = NewPriceUpserter(StatementRetry()).Upsert(ctx, q, prices)
				return err
			})
		})
		if err != nil {
			t.Fatalf("Failed to upsert prices: %v", err)
		}
		return Fold(results)
	}

	result := write(
		PriceRecord{UUID: "uuid-1", AveragePrice: floatPtr(2.5), PriceDate: "2026-10-01"},
		PriceRecord{UUID: "unknown", AveragePrice: floatPtr(9.99), PriceDate: "2026-10-01"},
	)
	if result.Inserted != 1 || result.Skipped != 1 {
		t.Fatalf("Expected 1 inserted and 1 skipped, got %+v", result)
	}
	if !errors.Is(result.Failures[0].Err, ErrUnknownCard) {
		t.Errorf("Expected ErrUnknownCard, got %v", result.Failures[0].Err)
	}

	result = write(PriceRecord{UUID: "uuid-1", AveragePrice: floatPtr(3.0), PriceDate: "2026-10-01"})
	if result.Updated != 1 {
		t.Errorf("Expected same-date price to update, got %+v", result)
	}

	write(PriceRecord{UUID: "uuid-1", AveragePrice: floatPtr(4.0), PriceDate: "2026-10-02"})

	count, err := PriceCount(ctx, pool.DB())
	if err != nil {
		t.Fatalf("Failed to count prices: %v", err)
	}
	if count != 2 {
		t.Errorf("Expected 2 price rows, got %d", count)
	}

	latest, err := LatestPrice(ctx, pool.DB(), "uuid-1")
	if err != nil {
		t.Fatalf("Failed to get latest price: %v", err)
	}
	if latest == nil || latest.PriceDate != "2026-10-02" || *latest.AveragePrice != 4.0 {
		t.Errorf("Unexpected latest price: %+v", latest)
	}

	cleared, err := ClearPrices(ctx, pool.DB(), StatementRetry())
	if err != nil {
		t.Fatalf("Failed to clear prices: %v", err)
	}
	if cleared != 2 {
		t.Errorf("Expected 2 cleared rows, got %d", cleared)
	}
}

func TestExistingCardUUIDs(t *testing.T) {
	pool := setupTestPool(t, 1)

	upsertCards(t, pool,
		testCard("uuid-1", "Lightning Bolt", "LEA"),
		testCard("uuid-2", "Giant Growth", "LEA"),
	)

	uuids, err := ExistingCardUUIDs(context.Background(), pool.DB())
	if err != nil {
		t.Fatalf("Failed to load uuids: %v", err)
	}
	if len(uuids) != 2 {
		t.Fatalf("Expected 2 uuids, got %d", len(uuids))
	}
	if _, ok := uuids["uuid-2"]; !ok {
		t.Error("Expected uuid-2 in set")
	}
}
