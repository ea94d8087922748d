package ingest

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramonehamilton/mtgjson-loader/internal/storage"
)

func setupPool(t *testing.T, maxConns int) *storage.Pool {
	t.Helper()

	config := storage.DefaultConfig(filepath.Join(t.TempDir(), "ingest.db"))
	config.MaxConnections = maxConns
	config.AcquireTimeout = 5 * time.Second

	pool, err := storage.NewPool(config, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.CloseAll() })

	require.NoError(t, storage.NewSchemaManager(pool, nil).Create(context.Background(), false))
	return pool
}

func card(i int) *storage.Card {
	name := fmt.Sprintf("Card %d", i)
	setName := "Test Set"
	return &storage.Card{
		UUID:    fmt.Sprintf("uuid-%04d", i),
		Name:    &name,
		SetCode: "TST",
		SetName: &setName,
	}
}

func cards(n int) []*storage.Card {
	out := make([]*storage.Card, n)
	for i := range out {
		out[i] = card(i)
	}
	return out
}

func cardEngine(pool *storage.Pool, batchSize, workers int) *Engine[*storage.Card] {
	opts := DefaultOptions("cards", batchSize)
	opts.Workers = workers
	return NewEngine[*storage.Card](pool, storage.NewCardUpserter(storage.StatementRetry()), opts, nil, nil)
}

func TestEngineIdempotentUpsert(t *testing.T) {
	pool := setupPool(t, 2)
	ctx := context.Background()
	engine := cardEngine(pool, 10, 2)

	summary, err := engine.Run(ctx, []*storage.Card{card(1)})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Inserted)
	assert.Equal(t, 0, summary.Updated)

	replacement := card(1)
	artist := "Mark Poole"
	replacement.Artist = &artist

	summary, err = engine.Run(ctx, []*storage.Card{replacement})
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Inserted, "second write should not count as new")
	assert.Equal(t, 1, summary.Updated)

	count, err := storage.CardCount(ctx, pool.DB())
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	stored, err := storage.GetCard(ctx, pool.DB(), "uuid-0001")
	require.NoError(t, err)
	require.NotNil(t, stored.Artist)
	assert.Equal(t, "Mark Poole", *stored.Artist)
}

func TestEngineRetriesAcrossContendingPools(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shared.db")
	ctx := context.Background()

	openPool := func() *storage.Pool {
		config := storage.DefaultConfig(path)
		config.MaxConnections = 4
		config.BusyTimeout = time.Millisecond
		config.AcquireTimeout = 5 * time.Second
		pool, err := storage.NewPool(config, nil)
		require.NoError(t, err)
		t.Cleanup(func() { _ = pool.CloseAll() })
		return pool
	}

	first, second := openPool(), openPool()
	require.NoError(t, storage.NewSchemaManager(first, nil).Create(ctx, false))

	records := cards(8000)
	halves := [][]*storage.Card{records[:4000], records[4000:]}

	type outcome struct {
		summary *Summary
		err     error
	}
	results := make(chan outcome, 2)
	for i, pool := range []*storage.Pool{first, second} {
		go func() {
			summary, err := cardEngine(pool, 100, 4).Run(ctx, halves[i])
			results <- outcome{summary, err}
		}()
	}

	for range 2 {
		r := <-results
		require.NoError(t, r.err)
		assert.Equal(t, 4000, r.summary.Inserted)
		assert.Equal(t, 0, r.summary.Skipped)
		assert.Equal(t, 0, r.summary.FailedBatches)
	}

	count, err := storage.CardCount(ctx, first.DB())
	require.NoError(t, err)
	assert.Equal(t, 8000, count)
}

func TestEngineIsolatesRecordFailures(t *testing.T) {
	pool := setupPool(t, 1)
	ctx := context.Background()

	records := cards(5)
	records[2].Name = nil // NOT NULL violation

	summary, err := cardEngine(pool, 5, 1).Run(ctx, records)
	require.NoError(t, err)
	assert.Equal(t, 4, summary.Inserted)
	assert.Equal(t, 1, summary.Skipped)
	assert.Equal(t, 0, summary.FailedBatches)
	assert.Equal(t, 1, summary.Batches)

	count, err := storage.CardCount(ctx, pool.DB())
	require.NoError(t, err)
	assert.Equal(t, 4, count)
}

func TestEnginePartitionsAndParallelizes(t *testing.T) {
	pool := setupPool(t, 4)
	ctx := context.Background()

	summary, err := cardEngine(pool, 100, 4).Run(ctx, cards(1050))
	require.NoError(t, err)
	assert.Equal(t, 11, summary.Batches)
	assert.Equal(t, 1050, summary.Total)
	assert.Equal(t, 1050, summary.Inserted)
	assert.Greater(t, summary.Throughput(), 0.0)
	assert.Greater(t, summary.P95BatchLatency, time.Duration(0))

	count, err := storage.CardCount(ctx, pool.DB())
	require.NoError(t, err)
	assert.Equal(t, 1050, count)
	assert.LessOrEqual(t, pool.Stats().Live, 4)
}

func TestEngineRunSeq(t *testing.T) {
	pool := setupPool(t, 2)
	ctx := context.Background()

	seq := func(yield func(*storage.Card) bool) {
		for i := 0; i < 25; i++ {
			if !yield(card(i)) {
				return
			}
		}
	}

	summary, err := cardEngine(pool, 10, 2).RunSeq(ctx, seq)
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Batches)
	assert.Equal(t, 25, summary.Inserted)
}

var errPoisoned = errors.New("poisoned batch")

// poisonUpserter fails any batch containing the poisoned key after writing it.
type poisonUpserter struct {
	inner  *storage.CardUpserter
	poison string
	delay  time.Duration
}

func (p *poisonUpserter) Upsert(ctx context.Context, q storage.Querier, records []*storage.Card) ([]storage.RecordResult, error) {
	if p.delay > 0 {
		time.Sleep(p.delay)
	}
	results, err := p.inner.Upsert(ctx, q, records)
	if err != nil {
		return results, err
	}
	for _, r := range records {
		if r.UUID == p.poison {
			return results, errPoisoned
		}
	}
	return results, nil
}

func TestEngineRollsBackFailedBatchOnly(t *testing.T) {
	pool := setupPool(t, 2)
	ctx := context.Background()

	up := &poisonUpserter{inner: storage.NewCardUpserter(storage.StatementRetry()), poison: card(12).UUID}
	opts := DefaultOptions("cards", 10)
	opts.Workers = 2
	engine := NewEngine[*storage.Card](pool, up, opts, nil, nil)

	summary, err := engine.Run(ctx, cards(30))
	require.Error(t, err)
	assert.ErrorIs(t, err, errPoisoned)
	assert.Equal(t, 1, summary.FailedBatches)
	assert.Equal(t, 10, summary.Failed)
	assert.Equal(t, 20, summary.Inserted)

	count, err := storage.CardCount(ctx, pool.DB())
	require.NoError(t, err)
	assert.Equal(t, 20, count, "rolled-back batch must leave no rows")

	missing, err := storage.GetCard(ctx, pool.DB(), card(15).UUID)
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestEngineStopsOnCancel(t *testing.T) {
	pool := setupPool(t, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	summary, err := cardEngine(pool, 10, 1).Run(ctx, cards(20))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, summary.Inserted)
}

func TestSummaryString(t *testing.T) {
	s := &Summary{Inserted: 10, Updated: 5, Skipped: 1, Total: 16, Duration: 2 * time.Second}
	assert.Equal(t, "10 new, 5 updated, 1 skipped in 2.00s (8 items/sec)", s.String())

	s.Merge(&Summary{Inserted: 1, Total: 1, FailedBatches: 1, Failed: 3})
	assert.Equal(t, 11, s.Inserted)
	assert.Contains(t, s.String(), "1 failed batches (3 records)")
}
