package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// ErrUnknownCard marks a price for a uuid that has no card row.
var ErrUnknownCard = errors.New("no card with this uuid")

// PriceRecord is one (card, date) price observation.
type PriceRecord struct {
	UUID         string   `db:"uuid"`
	AveragePrice *float64 `db:"average_price"`
	PriceDate    string   `db:"price_date"`
}

// The insert only fires when the card exists, so prices for unknown uuids
// are never stored.
const upsertPriceSQL = `
	INSERT OR REPLACE INTO card_prices (uuid, average_price, price_date)
	SELECT ?, ?, ?
	WHERE EXISTS (SELECT 1 FROM cards WHERE uuid = ?)
`

// PriceUpserter writes price batches keyed by (uuid, price_date).
type PriceUpserter struct {
	policy RetryPolicy
}

// NewPriceUpserter creates a price upserter using policy for each statement.
func NewPriceUpserter(policy RetryPolicy) *PriceUpserter {
	return &PriceUpserter{policy: policy}
}

// Upsert writes prices in order. Prices for unknown cards are Skipped with
// ErrUnknownCard.
func (u *PriceUpserter) Upsert(ctx context.Context, q Querier, prices []PriceRecord) ([]RecordResult, error) {
	probe, err := q.PrepareContext(ctx, "SELECT 1 FROM card_prices WHERE uuid = ? AND price_date = ?")
	if err != nil {
		return nil, &DatabaseError{Op: "prepare price probe", Err: err}
	}
	defer probe.Close()

	insert, err := q.PrepareContext(ctx, upsertPriceSQL)
	if err != nil {
		return nil, &DatabaseError{Op: "prepare price upsert", Query: upsertPriceSQL, Err: err}
	}
	defer insert.Close()

	results := make([]RecordResult, 0, len(prices))
	for _, price := range prices {
		if err := ctx.Err(); err != nil {
			return results, err
		}

		outcome, err := probeOutcome(ctx, probe, price.UUID, price.PriceDate)
		if err != nil {
			return results, fmt.Errorf("failed to probe price %s@%s: %w", price.UUID, price.PriceDate, err)
		}

		var affected int64
		err = Retry(ctx, u.policy, func() error {
			res, err := insert.ExecContext(ctx, price.UUID, price.AveragePrice, price.PriceDate, price.UUID)
			if err != nil {
				return err
			}
			affected, err = res.RowsAffected()
			return err
		})
		switch {
		case err != nil && (IsRetryable(err) || ctx.Err() != nil):
			return results, fmt.Errorf("failed to upsert price %s: %w", price.UUID, err)
		case err != nil:
			results = append(results, RecordResult{Key: price.UUID, Outcome: Skipped, Err: err})
		case affected == 0:
			results = append(results, RecordResult{Key: price.UUID, Outcome: Skipped, Err: ErrUnknownCard})
		default:
			results = append(results, RecordResult{Key: price.UUID, Outcome: outcome})
		}
	}

	return results, nil
}

// ClearPrices deletes every price row and returns how many were removed.
func ClearPrices(ctx context.Context, db Execer, policy RetryPolicy) (int64, error) {
	res, err := ExecWithRetry(ctx, db, policy, "DELETE FROM card_prices")
	if err != nil {
		return 0, fmt.Errorf("failed to clear prices: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count cleared prices: %w", err)
	}
	return n, nil
}

// PriceCount returns the number of price rows.
func PriceCount(ctx context.Context, db *sqlx.DB) (int, error) {
	var count int
	if err := db.GetContext(ctx, &count, "SELECT COUNT(*) FROM card_prices"); err != nil {
		return 0, fmt.Errorf("failed to count prices: %w", err)
	}
	return count, nil
}

// LatestPrice returns the most recent price row for uuid, or nil.
func LatestPrice(ctx context.Context, db *sqlx.DB, uuid string) (*PriceRecord, error) {
	var prices []PriceRecord
	err := db.SelectContext(ctx, &prices, `
		SELECT uuid, average_price, price_date
		FROM card_prices
		WHERE uuid = ?
		ORDER BY price_date DESC
		LIMIT 1
	`, uuid)
	if err != nil {
		return nil, fmt.Errorf("failed to get latest price: %w", err)
	}
	if len(prices) == 0 {
		return nil, nil
	}
	return &prices[0], nil
}
