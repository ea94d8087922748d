package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ramonehamilton/mtgjson-loader/internal/metrics"
	"github.com/ramonehamilton/mtgjson-loader/internal/storage"
)

var (
	// ErrQueueFull is returned when Submit cannot enqueue within its timeout.
	ErrQueueFull = errors.New("write queue is full")

	// ErrWriterStopped is returned by Submit after Stop was called.
	ErrWriterStopped = errors.New("writer is stopped")

	// ErrDrainTimeout is returned by Stop when queued records were still
	// pending after the grace timeout.
	ErrDrainTimeout = errors.New("timed out draining write queue")
)

// AsyncOptions configures an AsyncWriter.
type AsyncOptions struct {
	Kind          string
	BatchSize     int
	BufferSize    int           // queue capacity, default 10000
	SubmitTimeout time.Duration // default 10s
	StopTimeout   time.Duration // drain grace period, default 30s
	FlushInterval time.Duration // partial batch flush, default 1s
	Tx            storage.TxPolicy
}

// DefaultAsyncOptions returns the default queue sizes and timeouts.
func DefaultAsyncOptions(kind string, batchSize int) AsyncOptions {
	return AsyncOptions{
		Kind:          kind,
		BatchSize:     batchSize,
		BufferSize:    10000,
		SubmitTimeout: 10 * time.Second,
		StopTimeout:   30 * time.Second,
		FlushInterval: time.Second,
		Tx:            storage.DefaultTxPolicy(),
	}
}

// AsyncWriter is a queue-fed background writer. Producers Submit records;
// a single goroutine groups them into batches and writes each batch in its
// own transaction.
type AsyncWriter[T any] struct {
	pool     *storage.Pool
	upserter Upserter[T]
	opts     AsyncOptions
	log      *zap.Logger
	metrics  *metrics.Collector

	queue chan T
	stop  chan struct{}
	done  chan struct{}

	// cancel aborts the in-flight batch when the drain grace period expires.
	cancel context.CancelFunc

	mu      sync.RWMutex
	stopped bool
	started bool

	acc   *tally
	start time.Time
}

// NewAsyncWriter creates a writer. Call Start before Submit.
func NewAsyncWriter[T any](pool *storage.Pool, upserter Upserter[T], opts AsyncOptions, log *zap.Logger, m *metrics.Collector) *AsyncWriter[T] {
	defaults := DefaultAsyncOptions(opts.Kind, opts.BatchSize)
	if opts.BatchSize <= 0 {
		opts.BatchSize = 1000
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = defaults.BufferSize
	}
	if opts.SubmitTimeout <= 0 {
		opts.SubmitTimeout = defaults.SubmitTimeout
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = defaults.StopTimeout
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = defaults.FlushInterval
	}
	if log == nil {
		log = zap.NewNop()
	}

	return &AsyncWriter[T]{
		pool:     pool,
		upserter: upserter,
		opts:     opts,
		log:      log.Named("async").With(zap.String("kind", opts.Kind)),
		metrics:  m,
		queue:    make(chan T, opts.BufferSize),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		acc:      newTally(),
	}
}

// Start launches the background goroutine.
func (w *AsyncWriter[T]) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return
	}
	w.started = true
	w.start = time.Now()

	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	go w.run(runCtx)
}

// Submit enqueues one record, waiting up to SubmitTimeout for space.
func (w *AsyncWriter[T]) Submit(ctx context.Context, record T) error {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if w.stopped || !w.started {
		return ErrWriterStopped
	}

	select {
	case w.queue <- record:
		return nil
	default:
	}

	timer := time.NewTimer(w.opts.SubmitTimeout)
	defer timer.Stop()

	select {
	case w.queue <- record:
		return nil
	case <-timer.C:
		return fmt.Errorf("%w after %s", ErrQueueFull, w.opts.SubmitTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending returns the number of queued records.
func (w *AsyncWriter[T]) Pending() int {
	return len(w.queue)
}

// Stop signals the writer to finish, waits for queued records to be written
// up to StopTimeout, and returns the run summary with any batch errors.
func (w *AsyncWriter[T]) Stop() (*Summary, error) {
	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		return &Summary{Kind: w.opts.Kind}, nil
	}
	alreadyStopped := w.stopped
	w.stopped = true
	w.mu.Unlock()

	if !alreadyStopped {
		close(w.stop)
	}

	timer := time.NewTimer(w.opts.StopTimeout)
	defer timer.Stop()

	var drainErr error
	select {
	case <-w.done:
	case <-timer.C:
		w.cancel()
		<-w.done
		drainErr = fmt.Errorf("%w: %d records left after %s", ErrDrainTimeout, len(w.queue), w.opts.StopTimeout)
	}
	w.cancel()

	summary, errs := w.acc.snapshot(w.opts.Kind, time.Since(w.start))
	if drainErr != nil {
		errs = append(errs, drainErr)
	}
	w.log.Info("Async writer stopped", zap.String("summary", summary.String()))
	return summary, errors.Join(errs...)
}

func (w *AsyncWriter[T]) run(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.opts.FlushInterval)
	defer ticker.Stop()

	batch := make([]T, 0, w.opts.BatchSize)
	index := 0
	flush := func() {
		if len(batch) == 0 {
			return
		}
		w.write(ctx, index, batch)
		index++
		batch = make([]T, 0, w.opts.BatchSize)
	}

	for {
		select {
		case record := <-w.queue:
			batch = append(batch, record)
			if len(batch) >= w.opts.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-w.stop:
			// Drain what producers already queued, then exit.
			for {
				if ctx.Err() != nil {
					return
				}
				select {
				case record := <-w.queue:
					batch = append(batch, record)
					if len(batch) >= w.opts.BatchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

func (w *AsyncWriter[T]) write(ctx context.Context, index int, batch []T) {
	start := time.Now()

	results, err := writeBatch(ctx, w.pool, w.upserter, w.opts.Tx, batch)
	if err != nil {
		err = fmt.Errorf("%s async batch %d (%d records): %w", w.opts.Kind, index, len(batch), err)
		w.log.Error("Batch rolled back", zap.Int("batch", index), zap.Error(err))
		w.metrics.ObserveFailedBatch(w.opts.Kind, len(batch))
		w.acc.fail(len(batch), err)
		return
	}

	br := storage.Fold(results)
	logFailures(w.log, index, br)
	elapsed := time.Since(start)
	w.metrics.ObserveBatch(w.opts.Kind, elapsed, br.Inserted, br.Updated, br.Skipped)
	w.acc.add(br, elapsed)
}
