// Package report runs read-only aggregate queries that confirm a load.
package report

import (
	"context"
	"fmt"

	"github.com/huandu/go-sqlbuilder"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/ramonehamilton/mtgjson-loader/internal/storage"
)

// SetCount is the number of cards in one set.
type SetCount struct {
	Code  string `db:"set_code"`
	Name  string `db:"set_name"`
	Count int    `db:"card_count"`
}

// RarityCount is the number of cards of one rarity.
type RarityCount struct {
	Rarity string `db:"rarity"`
	Count  int    `db:"card_count"`
}

// CardReport summarizes the cards table.
type CardReport struct {
	Total    int
	BySet    []SetCount    // ordered by set code
	ByRarity []RarityCount // most common first
}

// PricedCard is one card/price pair in a price sample.
type PricedCard struct {
	Name    string  `db:"name"`
	SetCode string  `db:"set_code"`
	Price   float64 `db:"average_price"`
}

// PriceReport summarizes the card_prices table. Min, Max and Mean are nil
// when no price is stored.
type PriceReport struct {
	Total         int      `db:"total"`
	Min           *float64 `db:"min_price"`
	Max           *float64 `db:"max_price"`
	Mean          *float64 `db:"avg_price"`
	DistinctCards int      `db:"unique_cards"`
	Top           []PricedCard
	Bottom        []PricedCard // lowest non-zero prices
	Unpriced      int          // cards with no price row
}

// SampleSize is the number of cards in the top and bottom samples.
const SampleSize = 5

// Verifier runs the verification queries.
type Verifier struct {
	db  *sqlx.DB
	log *zap.Logger
}

// NewVerifier creates a verifier over db. log may be nil.
func NewVerifier(db *sqlx.DB, log *zap.Logger) *Verifier {
	if log == nil {
		log = zap.NewNop()
	}
	return &Verifier{db: db, log: log.Named("report")}
}

// Cards builds the card report.
func (v *Verifier) Cards(ctx context.Context) (*CardReport, error) {
	r := &CardReport{}

	total, err := storage.CardCount(ctx, v.db)
	if err != nil {
		return nil, err
	}
	r.Total = total

	sets := sqlbuilder.SQLite.NewSelectBuilder()
	sets.Select("set_code", "COALESCE(set_name, '') AS set_name", "COUNT(*) AS card_count")
	sets.From("cards")
	sets.GroupBy("set_code")
	sets.OrderBy("set_code")
	if err := v.selectInto(ctx, &r.BySet, "cards by set", sets); err != nil {
		return nil, err
	}

	rarities := sqlbuilder.SQLite.NewSelectBuilder()
	rarities.Select("COALESCE(rarity, 'None') AS rarity", "COUNT(*) AS card_count")
	rarities.From("cards")
	rarities.GroupBy("rarity")
	rarities.OrderBy("card_count DESC", "rarity")
	if err := v.selectInto(ctx, &r.ByRarity, "cards by rarity", rarities); err != nil {
		return nil, err
	}

	v.log.Info("Card verification",
		zap.Int("total_cards", r.Total),
		zap.Int("total_sets", len(r.BySet)),
	)
	return r, nil
}

// Prices builds the price report.
func (v *Verifier) Prices(ctx context.Context) (*PriceReport, error) {
	r := &PriceReport{}

	agg := sqlbuilder.SQLite.NewSelectBuilder()
	agg.Select(
		"COUNT(*) AS total",
		"MIN(average_price) AS min_price",
		"MAX(average_price) AS max_price",
		"AVG(average_price) AS avg_price",
		"COUNT(DISTINCT uuid) AS unique_cards",
	)
	agg.From("card_prices")
	query, args := agg.Build()
	if err := v.db.GetContext(ctx, r, query, args...); err != nil {
		return nil, &storage.DatabaseError{Op: "price aggregates", Query: query, Err: err}
	}

	top := samplePrices()
	top.OrderBy("cp.average_price DESC", "c.name")
	if err := v.selectInto(ctx, &r.Top, "top prices", top); err != nil {
		return nil, err
	}

	bottom := samplePrices()
	bottom.Where(bottom.GreaterThan("cp.average_price", 0))
	bottom.OrderBy("cp.average_price ASC", "c.name")
	if err := v.selectInto(ctx, &r.Bottom, "bottom prices", bottom); err != nil {
		return nil, err
	}

	unpriced := sqlbuilder.SQLite.NewSelectBuilder()
	unpriced.Select("COUNT(*)")
	unpriced.From("cards c")
	unpriced.Where("NOT EXISTS (SELECT 1 FROM card_prices cp WHERE cp.uuid = c.uuid)")
	query, args = unpriced.Build()
	if err := v.db.GetContext(ctx, &r.Unpriced, query, args...); err != nil {
		return nil, &storage.DatabaseError{Op: "unpriced cards", Query: query, Err: err}
	}

	v.log.Info("Price verification",
		zap.Int("total_prices", r.Total),
		zap.Int("unique_cards_with_prices", r.DistinctCards),
		zap.Int("cards_without_prices", r.Unpriced),
	)
	return r, nil
}

func samplePrices() *sqlbuilder.SelectBuilder {
	sb := sqlbuilder.SQLite.NewSelectBuilder()
	sb.Select("c.name", "c.set_code", "cp.average_price")
	sb.From("card_prices cp")
	sb.Join("cards c", "cp.uuid = c.uuid")
	sb.Where(sb.IsNotNull("cp.average_price"))
	sb.Limit(SampleSize)
	return sb
}

func (v *Verifier) selectInto(ctx context.Context, dest any, op string, sb *sqlbuilder.SelectBuilder) error {
	query, args := sb.Build()
	if err := v.db.SelectContext(ctx, dest, query, args...); err != nil {
		return &storage.DatabaseError{Op: op, Query: query, Err: err}
	}
	return nil
}

// Report is the combined verification output.
type Report struct {
	Cards  *CardReport
	Prices *PriceReport
}

// Verify runs the card report and, when withPrices is set, the price
// report.
func (v *Verifier) Verify(ctx context.Context, withPrices bool) (*Report, error) {
	cards, err := v.Cards(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to verify cards: %w", err)
	}
	r := &Report{Cards: cards}

	if withPrices {
		prices, err := v.Prices(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to verify prices: %w", err)
		}
		r.Prices = prices
	}
	return r, nil
}
