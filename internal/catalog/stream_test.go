package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

const catalogDoc = `{
	"meta": {"date": "2026-01-01", "version": "5.2.2"},
	"data": {
		"LEA": {
			"code": "LEA",
			"name": "Limited Edition Alpha",
			"cards": [
				{"uuid": "lea-1", "name": "Black Lotus", "rarity": "rare"},
				{"uuid": "lea-2", "name": "Giant Growth", "rarity": "common"}
			]
		},
		"EMPTY": {"code": "EMPTY", "name": "No Cards", "cards": []},
		"M10": {
			"code": "M10",
			"name": "Magic 2010",
			"cards": [
				{"uuid": "m10-1", "name": "Lightning Bolt"},
				{"name": "No Uuid"},
				{"uuid": "m10-3", "name": "Bad", "colors": 7}
			]
		}
	}
}`

const setDoc = `{
	"meta": {"date": "2026-01-01"},
	"data": {
		"baseSetSize": 2,
		"booster": {"default": {}},
		"cards": [
			{"uuid": "mor-1", "name": "Heritage Druid"},
			{"uuid": "mor-2", "name": "Taurean Mauler"}
		],
		"code": "MOR",
		"name": "Morningtide"
	}
}`

func collectSets(t *testing.T, doc string) []*Set {
	t.Helper()
	var sets []*Set
	err := StreamSets(context.Background(), strings.NewReader(doc), func(s *Set) error {
		sets = append(sets, s)
		return nil
	})
	if err != nil {
		t.Fatalf("StreamSets() error = %v", err)
	}
	return sets
}

func TestStreamSetsCatalog(t *testing.T) {
	sets := collectSets(t, catalogDoc)

	if len(sets) != 3 {
		t.Fatalf("sets = %d, want 3", len(sets))
	}
	want := []string{"LEA", "EMPTY", "M10"}
	for i, code := range want {
		if sets[i].Code != code {
			t.Errorf("sets[%d].Code = %q, want %q", i, sets[i].Code, code)
		}
	}
}

func TestStreamSetsSingleSet(t *testing.T) {
	sets := collectSets(t, setDoc)

	if len(sets) != 1 {
		t.Fatalf("sets = %d, want 1", len(sets))
	}
	if sets[0].Code != "MOR" || sets[0].Name != "Morningtide" || len(sets[0].Cards) != 2 {
		t.Errorf("set = %q %q with %d cards", sets[0].Code, sets[0].Name, len(sets[0].Cards))
	}
}

func TestStreamSetsLeadingBareSet(t *testing.T) {
	doc := `{"data": {
		"AAA": {"name": "No code yet"},
		"BBB": {"code": "BBB", "cards": [{"uuid": "bbb-1", "name": "Llanowar Elves"}]}
	}}`

	sets := collectSets(t, doc)
	if len(sets) != 2 {
		t.Fatalf("sets = %d, want 2", len(sets))
	}
	if sets[0].Code != "AAA" || len(sets[0].Cards) != 0 || sets[1].Code != "BBB" {
		t.Errorf("sets = %q (%d cards), %q", sets[0].Code, len(sets[0].Cards), sets[1].Code)
	}

	seq, done := Cards(context.Background(), strings.NewReader(doc), nil, nil)
	var uuids []string
	for card := range seq {
		uuids = append(uuids, card.UUID)
	}
	stats, err := done()
	if err != nil {
		t.Fatalf("stream error = %v", err)
	}
	if strings.Join(uuids, ",") != "bbb-1" || stats.Cards != 1 {
		t.Errorf("uuids = %v, stats = %+v", uuids, stats)
	}
}

func TestStreamSetsShapeDecidedLate(t *testing.T) {
	tests := []struct {
		name  string
		doc   string
		codes []string
	}{
		{
			name:  "single set with object fields first",
			doc:   `{"data": {"booster": {"default": {}}, "translations": {}, "code": "MOR", "cards": [{"uuid": "m"}]}}`,
			codes: []string{"MOR"},
		},
		{
			name:  "catalog of bare sets",
			doc:   `{"data": {"AAA": {}, "BBB": {"name": "B"}}}`,
			codes: []string{"AAA", "BBB"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var codes []string
			for _, s := range collectSets(t, tt.doc) {
				codes = append(codes, s.Code)
			}
			if strings.Join(codes, ",") != strings.Join(tt.codes, ",") {
				t.Errorf("codes = %v, want %v", codes, tt.codes)
			}
		})
	}
}

func TestStreamSetsErrors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"no data", `{"meta": {}}`},
		{"array root", `[]`},
		{"truncated", `{"data": {"LEA": {"code": "LEA", "cards": [`},
		{"scalar in catalog", `{"data": {"LEA": {"code": "LEA"}, "version": "5.2"}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := StreamSets(context.Background(), strings.NewReader(tt.doc), func(*Set) error { return nil })
			if err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestStreamSetsCallbackError(t *testing.T) {
	stop := errors.New("stop")
	err := StreamSets(context.Background(), strings.NewReader(catalogDoc), func(*Set) error { return stop })
	if !errors.Is(err, stop) {
		t.Errorf("error = %v, want callback error", err)
	}
}

func TestExtractSetSkipsInvalidCards(t *testing.T) {
	sets := collectSets(t, catalogDoc)

	cards, stats := ExtractSet(sets[2], nil, nil)
	if len(cards) != 1 || cards[0].UUID != "m10-1" {
		t.Errorf("cards = %v", cards)
	}
	if stats.Cards != 1 || stats.Skipped != 2 || stats.Sets != 1 {
		t.Errorf("stats = %+v", stats)
	}

	cards, stats = ExtractSet(sets[1], nil, nil)
	if len(cards) != 0 || stats.Sets != 0 {
		t.Errorf("empty set produced %d cards, stats %+v", len(cards), stats)
	}
}

func TestExtractCatalog(t *testing.T) {
	sets := collectSets(t, catalogDoc)

	cards, stats := ExtractCatalog(sets, nil)
	if len(cards) != 3 {
		t.Fatalf("cards = %d, want 3", len(cards))
	}
	if cards[0].UUID != "lea-1" || cards[2].UUID != "m10-1" {
		t.Errorf("order = %s, %s, %s", cards[0].UUID, cards[1].UUID, cards[2].UUID)
	}
	if stats.Sets != 2 || stats.Skipped != 2 {
		t.Errorf("stats = %+v", stats)
	}
	for _, c := range cards {
		if c.CollectionName != nil {
			t.Errorf("%s: CollectionName should be nil", c.UUID)
		}
	}
}

func TestCardsSequence(t *testing.T) {
	collection := "Modern Masters"
	seq, done := Cards(context.Background(), strings.NewReader(catalogDoc), &collection, nil)

	var uuids []string
	for card := range seq {
		uuids = append(uuids, card.UUID)
		if *card.CollectionName != collection {
			t.Errorf("%s: CollectionName = %v", card.UUID, card.CollectionName)
		}
	}

	stats, err := done()
	if err != nil {
		t.Fatalf("stream error = %v", err)
	}
	if strings.Join(uuids, ",") != "lea-1,lea-2,m10-1" {
		t.Errorf("uuids = %v", uuids)
	}
	if stats.Cards != 3 || stats.Skipped != 2 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestCardsSequenceEarlyBreak(t *testing.T) {
	seq, done := Cards(context.Background(), strings.NewReader(catalogDoc), nil, nil)

	n := 0
	for range seq {
		n++
		break
	}

	if _, err := done(); err != nil {
		t.Errorf("early break should not surface an error, got %v", err)
	}
	if n != 1 {
		t.Errorf("consumed %d cards, want 1", n)
	}
}

func TestSetDecodesRawCards(t *testing.T) {
	var set Set
	if err := json.Unmarshal([]byte(`{"code": "X", "cards": [{"uuid": "x"}]}`), &set); err != nil {
		t.Fatal(err)
	}
	if len(set.Cards) != 1 || string(set.Cards[0]["uuid"]) != `"x"` {
		t.Errorf("cards = %v", set.Cards)
	}
}
