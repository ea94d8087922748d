package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
)

// ErrNilRecord marks a nil entry in a batch.
var ErrNilRecord = errors.New("nil record")

// CardUpserter writes card batches with INSERT OR REPLACE semantics.
type CardUpserter struct {
	policy RetryPolicy
}

// NewCardUpserter creates a card upserter using policy for each statement.
func NewCardUpserter(policy RetryPolicy) *CardUpserter {
	return &CardUpserter{policy: policy}
}

// Upsert writes cards in order. A record whose write fails is reported as
// Skipped and the batch continues; lock contention that outlives the retry
// policy and context cancellation abort the batch instead.
//
// The existence probe runs inside the caller's transaction and only decides
// between Inserted and Updated.
func (u *CardUpserter) Upsert(ctx context.Context, q Querier, cards []*Card) ([]RecordResult, error) {
	probe, err := q.PrepareContext(ctx, "SELECT 1 FROM cards WHERE uuid = ?")
	if err != nil {
		return nil, &DatabaseError{Op: "prepare card probe", Err: err}
	}
	defer probe.Close()

	insert, err := q.PrepareContext(ctx, upsertCardSQL)
	if err != nil {
		return nil, &DatabaseError{Op: "prepare card upsert", Query: upsertCardSQL, Err: err}
	}
	defer insert.Close()

	results := make([]RecordResult, 0, len(cards))
	for _, card := range cards {
		if err := ctx.Err(); err != nil {
			return results, err
		}

		if card == nil {
			results = append(results, RecordResult{Outcome: Skipped, Err: ErrNilRecord})
			continue
		}

		outcome, err := probeOutcome(ctx, probe, card.UUID)
		if err != nil {
			return results, fmt.Errorf("failed to probe card %s: %w", card.UUID, err)
		}

		err = Retry(ctx, u.policy, func() error {
			_, err := insert.ExecContext(ctx, card.Values()...)
			return err
		})
		if err != nil {
			if IsRetryable(err) || ctx.Err() != nil {
				return results, fmt.Errorf("failed to upsert card %s: %w", card.UUID, err)
			}
			results = append(results, RecordResult{
				Key:     card.UUID,
				Outcome: Skipped,
				Err:     fmt.Errorf("card %q: %w", card.DisplayName(), err),
			})
			continue
		}

		results = append(results, RecordResult{Key: card.UUID, Outcome: outcome})
	}

	return results, nil
}

// probeOutcome reports Updated when the probe finds a row.
func probeOutcome(ctx context.Context, probe *sql.Stmt, args ...any) (Outcome, error) {
	var one int
	err := probe.QueryRowContext(ctx, args...).Scan(&one)
	switch {
	case err == nil:
		return Updated, nil
	case errors.Is(err, sql.ErrNoRows):
		return Inserted, nil
	default:
		return Skipped, err
	}
}

// GetCard retrieves a card by uuid. It returns nil when no row matches.
func GetCard(ctx context.Context, db *sqlx.DB, uuid string) (*Card, error) {
	var card Card
	query := "SELECT " + strings.Join(CardColumns, ", ") + " FROM cards WHERE uuid = ?"
	err := db.GetContext(ctx, &card, query, uuid)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get card: %w", err)
	}
	return &card, nil
}

// CardCount returns the number of card rows.
func CardCount(ctx context.Context, db *sqlx.DB) (int, error) {
	var count int
	if err := db.GetContext(ctx, &count, "SELECT COUNT(*) FROM cards"); err != nil {
		return 0, fmt.Errorf("failed to count cards: %w", err)
	}
	return count, nil
}

// ExistingCardUUIDs loads every card uuid into a set.
func ExistingCardUUIDs(ctx context.Context, db *sqlx.DB) (map[string]struct{}, error) {
	var uuids []string
	if err := db.SelectContext(ctx, &uuids, "SELECT uuid FROM cards"); err != nil {
		return nil, fmt.Errorf("failed to load card uuids: %w", err)
	}

	set := make(map[string]struct{}, len(uuids))
	for _, id := range uuids {
		set[id] = struct{}{}
	}
	return set, nil
}
