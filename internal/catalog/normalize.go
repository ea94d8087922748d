// Package catalog turns MTGJSON set and catalog documents into card rows.
package catalog

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ramonehamilton/mtgjson-loader/internal/storage"
)

var (
	// ErrMalformedCard is returned when a card field has the wrong JSON type.
	ErrMalformedCard = errors.New("malformed card")

	// ErrMissingField is returned by Validate for a missing uuid or name.
	ErrMissingField = errors.New("missing required field")
)

// Set is one MTGJSON set object. Cards stay raw until normalized.
type Set struct {
	Code  string                       `json:"code"`
	Name  string                       `json:"name"`
	Cards []map[string]json.RawMessage `json:"cards"`
}

// listFields are MTGJSON array attributes stored as JSON text.
var listFields = []string{"colors", "colorIdentity", "printings", "types", "subtypes", "supertypes", "keywords"}

// Normalize maps a raw MTGJSON card object onto a card row. Structured
// attributes are re-encoded as compact JSON; absent or null fields map to
// NULL. Required fields are not checked here, see Validate.
func Normalize(raw map[string]json.RawMessage, setCode, setName string, collection *string) (*storage.Card, error) {
	f := fields{raw: raw}

	card := &storage.Card{
		SetCode:        setCode,
		SetName:        &setName,
		CollectionName: collection,
	}

	if uuid := f.str("uuid"); uuid != nil {
		card.UUID = *uuid
	}
	card.Name = f.str("name")
	card.Number = f.str("number")
	card.ManaCost = f.str("manaCost")
	card.ManaValue = f.float("manaValue")
	card.Type = f.str("type")
	card.Text = f.str("text")
	card.Power = f.str("power")
	card.Toughness = f.str("toughness")
	card.Loyalty = f.str("loyalty")
	card.Rarity = f.str("rarity")
	card.Artist = f.str("artist")
	card.FlavorText = f.str("flavorText")
	card.ConvertedManaCost = f.float("convertedManaCost")
	card.Layout = f.str("layout")
	card.FrameVersion = f.str("frameVersion")
	card.BorderColor = f.str("borderColor")
	card.PopularityRank = f.int("edhrecRank")
	card.SalienceScore = f.float("edhrecSaltiness")

	if f.bool("isReprint") {
		card.IsReprint = 1
	}

	lists := make(map[string]*string, len(listFields))
	for _, key := range listFields {
		lists[key] = f.compact(key, '[')
	}
	card.Colors = lists["colors"]
	card.ColorIdentity = lists["colorIdentity"]
	card.Printings = lists["printings"]
	card.Types = lists["types"]
	card.Subtypes = lists["subtypes"]
	card.Supertypes = lists["supertypes"]
	card.Keywords = lists["keywords"]
	card.Legalities = f.compact("legalities", '{')

	if len(f.errs) > 0 {
		return nil, fmt.Errorf("%w %s: %w", ErrMalformedCard, cardLabel(raw), errors.Join(f.errs...))
	}
	return card, nil
}

// Validate checks the fields the store requires.
func Validate(card *storage.Card) error {
	if card.UUID == "" {
		return fmt.Errorf("%w: uuid", ErrMissingField)
	}
	if card.Name == nil {
		return fmt.Errorf("%w: name", ErrMissingField)
	}
	return nil
}

// cardLabel names a raw card for log lines.
func cardLabel(raw map[string]json.RawMessage) string {
	var name string
	if v, ok := raw["name"]; ok && json.Unmarshal(v, &name) == nil && name != "" {
		return name
	}
	return "Unknown"
}

// fields decodes optional values from a raw card, collecting type errors.
type fields struct {
	raw  map[string]json.RawMessage
	errs []error
}

func (f *fields) get(key string) (json.RawMessage, bool) {
	v, ok := f.raw[key]
	if !ok || len(v) == 0 || bytes.Equal(v, []byte("null")) {
		return nil, false
	}
	return v, true
}

func (f *fields) fail(key string, err error) {
	f.errs = append(f.errs, fmt.Errorf("field %s: %w", key, err))
}

func (f *fields) str(key string) *string {
	v, ok := f.get(key)
	if !ok {
		return nil
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		f.fail(key, err)
		return nil
	}
	return &s
}

func (f *fields) float(key string) *float64 {
	v, ok := f.get(key)
	if !ok {
		return nil
	}
	var n float64
	if err := json.Unmarshal(v, &n); err != nil {
		f.fail(key, err)
		return nil
	}
	return &n
}

func (f *fields) int(key string) *int64 {
	v, ok := f.get(key)
	if !ok {
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(v, &n); err != nil {
		f.fail(key, err)
		return nil
	}
	i, err := n.Int64()
	if err != nil {
		fl, ferr := n.Float64()
		if ferr != nil {
			f.fail(key, err)
			return nil
		}
		i = int64(fl)
	}
	return &i
}

func (f *fields) bool(key string) bool {
	v, ok := f.get(key)
	if !ok {
		return false
	}
	var b bool
	if err := json.Unmarshal(v, &b); err != nil {
		f.fail(key, err)
		return false
	}
	return b
}

// compact re-encodes an array ('[') or object ('{') value.
func (f *fields) compact(key string, open byte) *string {
	v, ok := f.get(key)
	if !ok {
		return nil
	}
	trimmed := bytes.TrimSpace(v)
	if len(trimmed) == 0 || trimmed[0] != open {
		want := "array"
		if open == '{' {
			want = "object"
		}
		f.fail(key, fmt.Errorf("expected JSON %s", want))
		return nil
	}

	var buf bytes.Buffer
	if err := json.Compact(&buf, trimmed); err != nil {
		f.fail(key, err)
		return nil
	}
	s := buf.String()
	return &s
}
