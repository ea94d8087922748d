package storage

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Card is one printing of a card in one set or collection, in cards table
// column order. Pointer fields are nullable columns. Structured attributes
// hold compact JSON text.
type Card struct {
	UUID              string   `db:"uuid"`
	Name              *string  `db:"name"`
	SetCode           string   `db:"set_code"`
	SetName           *string  `db:"set_name"`
	CollectionName    *string  `db:"collection_name"`
	Number            *string  `db:"number"`
	ManaCost          *string  `db:"mana_cost"`
	ManaValue         *float64 `db:"mana_value"`
	Type              *string  `db:"type"`
	Text              *string  `db:"text"`
	Power             *string  `db:"power"`
	Toughness         *string  `db:"toughness"`
	Loyalty           *string  `db:"loyalty"`
	Colors            *string  `db:"colors"`
	ColorIdentity     *string  `db:"color_identity"`
	Rarity            *string  `db:"rarity"`
	Artist            *string  `db:"artist"`
	FlavorText        *string  `db:"flavor_text"`
	ConvertedManaCost *float64 `db:"converted_mana_cost"`
	Layout            *string  `db:"layout"`
	FrameVersion      *string  `db:"frame_version"`
	BorderColor       *string  `db:"border_color"`
	IsReprint         int      `db:"is_reprint"`
	Printings         *string  `db:"printings"`
	Types             *string  `db:"types"`
	Subtypes          *string  `db:"subtypes"`
	Supertypes        *string  `db:"supertypes"`
	Keywords          *string  `db:"keywords"`
	Legalities        *string  `db:"legalities"`
	PopularityRank    *int64   `db:"popularity_rank"`
	SalienceScore     *float64 `db:"salience_score"`
}

// CardColumns lists the cards table columns in tuple order.
var CardColumns = []string{
	"uuid", "name", "set_code", "set_name", "collection_name", "number",
	"mana_cost", "mana_value", "type", "text", "power", "toughness", "loyalty",
	"colors", "color_identity", "rarity", "artist", "flavor_text",
	"converted_mana_cost", "layout", "frame_version", "border_color",
	"is_reprint", "printings", "types", "subtypes", "supertypes", "keywords",
	"legalities", "popularity_rank", "salience_score",
}

// Values returns the card as a tuple matching CardColumns.
func (c *Card) Values() []any {
	return []any{
		c.UUID, c.Name, c.SetCode, c.SetName, c.CollectionName, c.Number,
		c.ManaCost, c.ManaValue, c.Type, c.Text, c.Power, c.Toughness, c.Loyalty,
		c.Colors, c.ColorIdentity, c.Rarity, c.Artist, c.FlavorText,
		c.ConvertedManaCost, c.Layout, c.FrameVersion, c.BorderColor,
		c.IsReprint, c.Printings, c.Types, c.Subtypes, c.Supertypes, c.Keywords,
		c.Legalities, c.PopularityRank, c.SalienceScore,
	}
}

// DisplayName returns the card name, or the uuid when the name is missing.
func (c *Card) DisplayName() string {
	if c.Name != nil && *c.Name != "" {
		return *c.Name
	}
	return c.UUID
}

// LegalityMap decodes the legalities column.
func (c *Card) LegalityMap() (map[string]string, error) {
	legalities := make(map[string]string)
	if c.Legalities == nil {
		return legalities, nil
	}
	if err := json.Unmarshal([]byte(*c.Legalities), &legalities); err != nil {
		return nil, fmt.Errorf("failed to decode legalities for %s: %w", c.UUID, err)
	}
	return legalities, nil
}

// List decodes one of the JSON array columns (colors, color_identity,
// printings, types, subtypes, supertypes, keywords).
func (c *Card) List(column string) ([]string, error) {
	var raw *string
	switch column {
	case "colors":
		raw = c.Colors
	case "color_identity":
		raw = c.ColorIdentity
	case "printings":
		raw = c.Printings
	case "types":
		raw = c.Types
	case "subtypes":
		raw = c.Subtypes
	case "supertypes":
		raw = c.Supertypes
	case "keywords":
		raw = c.Keywords
	default:
		return nil, fmt.Errorf("%s is not a list column", column)
	}

	if raw == nil {
		return nil, nil
	}

	var values []string
	if err := json.Unmarshal([]byte(*raw), &values); err != nil {
		return nil, fmt.Errorf("failed to decode %s for %s: %w", column, c.UUID, err)
	}
	return values, nil
}

// upsertCardSQL replaces the full row for a uuid.
var upsertCardSQL = fmt.Sprintf(
	"INSERT OR REPLACE INTO cards (%s) VALUES (%s)",
	strings.Join(CardColumns, ", "),
	strings.TrimSuffix(strings.Repeat("?, ", len(CardColumns)), ", "),
)
