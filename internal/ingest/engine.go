// Package ingest writes normalized records to SQLite in parallel batches.
package ingest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"slices"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ramonehamilton/mtgjson-loader/internal/metrics"
	"github.com/ramonehamilton/mtgjson-loader/internal/storage"
)

// Upserter writes one batch of records inside an open transaction and
// reports a result per record. A returned error aborts the batch.
type Upserter[T any] interface {
	Upsert(ctx context.Context, q storage.Querier, records []T) ([]storage.RecordResult, error)
}

// Options configures an Engine.
type Options struct {
	// Kind labels logs and metrics ("cards", "prices").
	Kind string

	// BatchSize is the maximum number of records per transaction.
	BatchSize int

	// Workers bounds the number of batches written concurrently.
	Workers int

	// Tx holds the begin/commit retry policies.
	Tx storage.TxPolicy
}

// DefaultOptions returns options with 4 workers.
func DefaultOptions(kind string, batchSize int) Options {
	return Options{
		Kind:      kind,
		BatchSize: batchSize,
		Workers:   4,
		Tx:        storage.DefaultTxPolicy(),
	}
}

// Engine partitions records into batches and writes them through pooled
// connections with bounded parallelism. Each batch is one transaction;
// a failed batch is rolled back without affecting the others.
type Engine[T any] struct {
	pool     *storage.Pool
	upserter Upserter[T]
	opts     Options
	log      *zap.Logger
	metrics  *metrics.Collector
}

// NewEngine creates an engine. log and m may be nil.
func NewEngine[T any](pool *storage.Pool, upserter Upserter[T], opts Options, log *zap.Logger, m *metrics.Collector) *Engine[T] {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 1000
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine[T]{
		pool:     pool,
		upserter: upserter,
		opts:     opts,
		log:      log.Named("ingest").With(zap.String("kind", opts.Kind)),
		metrics:  m,
	}
}

// Run writes records and returns the aggregate summary. The error joins
// every batch-level failure; the summary is valid either way.
func (e *Engine[T]) Run(ctx context.Context, records []T) (*Summary, error) {
	return e.RunSeq(ctx, slices.Values(records))
}

// RunSeq consumes seq, cutting contiguous batches of at most BatchSize.
// Producing blocks while all workers are busy.
func (e *Engine[T]) RunSeq(ctx context.Context, seq iter.Seq[T]) (*Summary, error) {
	start := time.Now()

	var g errgroup.Group
	g.SetLimit(e.opts.Workers)

	acc := newTally()
	index := 0
	dispatch := func(batch []T) {
		n := index
		index++
		g.Go(func() error {
			e.runBatch(ctx, n, batch, acc)
			return nil
		})
	}

	batch := make([]T, 0, e.opts.BatchSize)
	for record := range seq {
		if ctx.Err() != nil {
			break
		}
		batch = append(batch, record)
		if len(batch) == e.opts.BatchSize {
			dispatch(batch)
			batch = make([]T, 0, e.opts.BatchSize)
		}
	}
	if len(batch) > 0 && ctx.Err() == nil {
		dispatch(batch)
	}

	_ = g.Wait()

	summary, errs := acc.snapshot(e.opts.Kind, time.Since(start))
	if err := ctx.Err(); err != nil {
		errs = append(errs, err)
	}

	e.log.Info("Batch run complete",
		zap.String("summary", summary.String()),
		zap.Int("batches", summary.Batches),
		zap.Int("failed_batches", summary.FailedBatches),
		zap.Duration("p95_batch", summary.P95BatchLatency),
	)

	return summary, errors.Join(errs...)
}

func (e *Engine[T]) runBatch(ctx context.Context, index int, batch []T, acc *tally) {
	start := time.Now()

	results, err := writeBatch(ctx, e.pool, e.upserter, e.opts.Tx, batch)
	if err != nil {
		err = fmt.Errorf("%s batch %d (%d records): %w", e.opts.Kind, index, len(batch), err)
		e.log.Error("Batch rolled back", zap.Int("batch", index), zap.Int("records", len(batch)), zap.Error(err))
		e.metrics.ObserveFailedBatch(e.opts.Kind, len(batch))
		acc.fail(len(batch), err)
		return
	}

	br := storage.Fold(results)
	logFailures(e.log, index, br)
	elapsed := time.Since(start)
	e.metrics.ObserveBatch(e.opts.Kind, elapsed, br.Inserted, br.Updated, br.Skipped)
	acc.add(br, elapsed)

	e.log.Debug("Batch committed",
		zap.Int("batch", index),
		zap.Int("inserted", br.Inserted),
		zap.Int("updated", br.Updated),
		zap.Int("skipped", br.Skipped),
		zap.Duration("elapsed", elapsed),
	)
}

// writeBatch runs one batch in an immediate transaction on a pooled handle.
func writeBatch[T any](ctx context.Context, pool *storage.Pool, up Upserter[T], policy storage.TxPolicy, batch []T) ([]storage.RecordResult, error) {
	var results []storage.RecordResult
	err := pool.With(ctx, func(conn *sql.Conn) error {
		return storage.WithImmediateTx(ctx, conn, policy, func(q storage.Querier) error {
			var err error
			results, err = up.Upsert(ctx, q, batch)
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

func logFailures(log *zap.Logger, index int, br storage.BatchResult) {
	for _, f := range br.Failures {
		log.Warn("Skipped record", zap.Int("batch", index), zap.String("key", f.Key), zap.Error(f.Err))
	}
}
