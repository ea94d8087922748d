package export

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ramonehamilton/mtgjson-loader/internal/deckimport"
	"github.com/ramonehamilton/mtgjson-loader/internal/ingest"
	"github.com/ramonehamilton/mtgjson-loader/internal/storage"
)

func strPtr(s string) *string { return &s }

func floatPtr(f float64) *float64 { return &f }

func card(uuid, name, set, legalities string) *storage.Card {
	return &storage.Card{
		UUID:       uuid,
		Name:       strPtr(name),
		SetCode:    set,
		SetName:    strPtr(set + " Set"),
		Legalities: strPtr(legalities),
	}
}

// setupStore loads a small priced catalog.
func setupStore(t *testing.T) *storage.Pool {
	t.Helper()
	ctx := context.Background()

	config := storage.DefaultConfig(filepath.Join(t.TempDir(), "export.db"))
	config.MaxConnections = 2
	config.AcquireTimeout = 5 * time.Second
	pool, err := storage.NewPool(config, nil)
	if err != nil {
		t.Fatalf("Failed to create pool: %v", err)
	}
	t.Cleanup(func() { _ = pool.CloseAll() })

	if err := storage.NewSchemaManager(pool, nil).Create(ctx, false); err != nil {
		t.Fatalf("Failed to create schema: %v", err)
	}

	cards := []*storage.Card{
		card("lotus", "Black Lotus", "LEA", `{"vintage":"Restricted","legacy":"Banned"}`),
		card("bolt-lea", "Lightning Bolt", "LEA", `{"vintage":"Legal","legacy":"Legal","modern":"Legal"}`),
		card("bolt-m10", "Lightning Bolt", "M10", `{"vintage":"Legal","legacy":"Legal","modern":"Legal"}`),
		card("growth", "Giant Growth", "M10", `{"vintage":"Legal","modern":"Legal"}`),
		card("druid", "Heritage Druid", "MOR", `{"modern":"Legal"}`),
	}
	cardEngine := ingest.NewEngine[*storage.Card](pool, storage.NewCardUpserter(storage.StatementRetry()),
		ingest.DefaultOptions("cards", 10), nil, nil)
	if _, err := cardEngine.Run(ctx, cards); err != nil {
		t.Fatalf("Failed to load cards: %v", err)
	}

	prices := []storage.PriceRecord{
		{UUID: "lotus", AveragePrice: floatPtr(20000), PriceDate: "2026-01-01"},
		{UUID: "lotus", AveragePrice: floatPtr(25000), PriceDate: "2026-02-01"},
		{UUID: "bolt-lea", AveragePrice: floatPtr(350.5), PriceDate: "2026-02-01"},
		{UUID: "bolt-m10", AveragePrice: floatPtr(1.25), PriceDate: "2026-02-01"},
		{UUID: "growth", AveragePrice: floatPtr(0.10), PriceDate: "2026-02-01"},
	}
	priceEngine := ingest.NewEngine[storage.PriceRecord](pool, storage.NewPriceUpserter(storage.StatementRetry()),
		ingest.DefaultOptions("prices", 10), nil, nil)
	if _, err := priceEngine.Run(ctx, prices); err != nil {
		t.Fatalf("Failed to load prices: %v", err)
	}

	return pool
}

func names(rows []Row) string {
	out := make([]string, len(rows))
	for i, r := range rows {
		out[i] = r.Name + "/" + r.SetCode
	}
	return strings.Join(out, ",")
}

func TestTopCards(t *testing.T) {
	q := NewQuerier(setupStore(t), nil)
	ctx := context.Background()

	rows, err := q.TopCards(ctx, 2, Filter{})
	if err != nil {
		t.Fatalf("TopCards() error = %v", err)
	}
	if got := names(rows); got != "Black Lotus/LEA,Lightning Bolt/LEA" {
		t.Errorf("TopCards() = %s", got)
	}
	if *rows[0].Price != 25000 {
		t.Errorf("latest lotus price = %v, want 25000", *rows[0].Price)
	}
	if rows[0].SetName != "LEA Set" {
		t.Errorf("SetName = %q", rows[0].SetName)
	}
}

func TestTopCardsFilters(t *testing.T) {
	q := NewQuerier(setupStore(t), nil)
	ctx := context.Background()

	tests := []struct {
		name   string
		filter Filter
		want   string
	}{
		{"set filter", Filter{Sets: []string{"m10"}}, "Lightning Bolt/M10,Giant Growth/M10"},
		{"restricted counts as legal", Filter{Formats: []string{"Vintage"}}, "Black Lotus/LEA,Lightning Bolt/LEA,Lightning Bolt/M10,Giant Growth/M10"},
		{"every format must match", Filter{Formats: []string{"legacy", "modern"}}, "Lightning Bolt/LEA,Lightning Bolt/M10"},
		{"sets and formats", Filter{Sets: []string{"LEA"}, Formats: []string{"legacy"}}, "Lightning Bolt/LEA"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rows, err := q.TopCards(ctx, 10, tt.filter)
			if err != nil {
				t.Fatalf("TopCards() error = %v", err)
			}
			if got := names(rows); got != tt.want {
				t.Errorf("TopCards() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestTopCardsErrors(t *testing.T) {
	q := NewQuerier(setupStore(t), nil)
	ctx := context.Background()

	if _, err := q.TopCards(ctx, 0, Filter{}); err == nil {
		t.Error("limit 0 should be rejected")
	}
	if _, err := q.TopCards(ctx, MaxLimit+1, Filter{}); err == nil {
		t.Error("limit above MaxLimit should be rejected")
	}
	if _, err := q.TopCards(ctx, 5, Filter{Formats: []string{"modern'; DROP TABLE cards;--"}}); err == nil {
		t.Error("invalid format name should be rejected")
	}
	if _, err := q.TopCards(ctx, 5, Filter{Sets: []string{"ZZZ"}}); !errors.Is(err, ErrNoResults) {
		t.Errorf("error = %v, want ErrNoResults", err)
	}
}

func TestListCards(t *testing.T) {
	q := NewQuerier(setupStore(t), nil)
	ctx := context.Background()

	list := []string{"lightning bolt", "Lightning Bolt", "Heritage Druid", "Mox Pearl", "  Giant Growth "}
	result, err := q.ListCards(ctx, list, Filter{})
	if err != nil {
		t.Fatalf("ListCards() error = %v", err)
	}

	if got := names(result.Rows); got != "Giant Growth/M10,Heritage Druid/MOR,Lightning Bolt/LEA,Lightning Bolt/M10" {
		t.Errorf("ListCards() = %s", got)
	}
	if result.Requested != 4 {
		t.Errorf("Requested = %d, want 4", result.Requested)
	}
	if len(result.Missing) != 1 || result.Missing[0] != "Mox Pearl" {
		t.Errorf("Missing = %v", result.Missing)
	}
	if len(result.Unpriced) != 1 || result.Unpriced[0] != "Heritage Druid" {
		t.Errorf("Unpriced = %v, want the name with no priced printing", result.Unpriced)
	}
	if result.Rows[1].Price != nil {
		t.Errorf("unpriced card has price %v", *result.Rows[1].Price)
	}

	// The temp table is dropped so a second run on a reused handle works.
	if _, err := q.ListCards(ctx, []string{"Black Lotus"}, Filter{Sets: []string{"LEA"}}); err != nil {
		t.Errorf("second ListCards() error = %v", err)
	}
}

func TestListCardsErrors(t *testing.T) {
	q := NewQuerier(setupStore(t), nil)
	ctx := context.Background()

	if _, err := q.ListCards(ctx, []string{"", "  "}, Filter{}); !errors.Is(err, deckimport.ErrEmptyList) {
		t.Errorf("error = %v, want ErrEmptyList", err)
	}
	result, err := q.ListCards(ctx, []string{"Mox Pearl"}, Filter{})
	if !errors.Is(err, ErrNoResults) {
		t.Errorf("error = %v, want ErrNoResults", err)
	}
	if result == nil || len(result.Missing) != 1 {
		t.Errorf("result = %+v, want one missing name", result)
	}
}

func TestWriteCSV(t *testing.T) {
	rows := []Row{
		{Name: "Black Lotus", SetCode: "LEA", SetName: "Limited Edition Alpha", Price: floatPtr(25000)},
		{Name: "Borrowing 100,000 Arrows", SetCode: "PTK", SetName: "Portal Three Kingdoms", Price: floatPtr(1.5)},
		{Name: "Heritage Druid", SetCode: "MOR", SetName: "Morningtide"},
	}

	var buf bytes.Buffer
	if err := WriteCSV(&buf, rows); err != nil {
		t.Fatalf("WriteCSV() error = %v", err)
	}

	want := "Card Name,Set Code,Set Name,Price\n" +
		"Black Lotus,LEA,Limited Edition Alpha,25000.00\n" +
		"\"Borrowing 100,000 Arrows\",PTK,Portal Three Kingdoms,1.50\n" +
		"Heritage Druid,MOR,Morningtide,0.00\n"
	if buf.String() != want {
		t.Errorf("WriteCSV() =\n%s\nwant\n%s", buf.String(), want)
	}
}

func TestExporter(t *testing.T) {
	rows := []Row{{Name: "Shock", SetCode: "M21", SetName: "Core Set 2021", Price: floatPtr(0.25)}}
	dir := t.TempDir()

	csvPath := filepath.Join(dir, "nested", "out.csv")
	if err := NewExporter(Options{FilePath: csvPath}).Export(rows); err != nil {
		t.Fatalf("Export(csv) error = %v", err)
	}
	content, err := os.ReadFile(csvPath)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(content), "Shock,M21,Core Set 2021,0.25") {
		t.Errorf("csv content = %q", content)
	}

	if err := NewExporter(Options{FilePath: csvPath}).Export(rows); err == nil {
		t.Error("export over an existing file without Overwrite should fail")
	}

	jsonPath := filepath.Join(dir, "out.json")
	if err := NewExporter(Options{Format: FormatJSON, FilePath: jsonPath, Overwrite: true}).Export(rows); err != nil {
		t.Fatalf("Export(json) error = %v", err)
	}
	var decoded []Row
	data, _ := os.ReadFile(jsonPath)
	if err := json.Unmarshal(data, &decoded); err != nil || len(decoded) != 1 || decoded[0].Name != "Shock" {
		t.Errorf("json = %s, err = %v", data, err)
	}

	if err := NewExporter(Options{FilePath: filepath.Join(dir, "empty.csv")}).Export(nil); !errors.Is(err, ErrNoResults) {
		t.Errorf("Export(nil) error = %v, want ErrNoResults", err)
	}
}

func TestOutputPaths(t *testing.T) {
	if got := TopOutputPath(100); got != "top_100_cards.csv" {
		t.Errorf("TopOutputPath() = %q", got)
	}

	tests := []struct {
		input, output, want string
	}{
		{"lists/cube.txt", "", filepath.Join("lists", "cube_prices.csv")},
		{"deck.mtgsDeck", "", "deck_prices.csv"},
		{"cube.txt", "out/prices.tsv", "out/prices.csv"},
		{"cube.txt", "prices.CSV", "prices.CSV"},
		{"cube.txt", "prices", "prices.csv"},
	}
	for _, tt := range tests {
		if got := ListOutputPath(tt.input, tt.output); got != tt.want {
			t.Errorf("ListOutputPath(%q, %q) = %q, want %q", tt.input, tt.output, got, tt.want)
		}
	}
}

func TestPreview(t *testing.T) {
	rows := make([]Row, 12)
	for i := range rows {
		rows[i] = Row{Name: "Card", SetCode: "TST", Price: floatPtr(float64(12 - i))}
	}

	var buf bytes.Buffer
	Preview(&buf, rows, 10)
	out := buf.String()

	if !strings.Contains(out, "first 10 cards") || !strings.Contains(out, "...") || !strings.Contains(out, " 12. Card") {
		t.Errorf("Preview() =\n%s", out)
	}
}
