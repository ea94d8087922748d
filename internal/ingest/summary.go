package ingest

import (
	"fmt"
	"sync"
	"time"

	"github.com/ramonehamilton/mtgjson-loader/internal/metrics"
	"github.com/ramonehamilton/mtgjson-loader/internal/storage"
)

// Summary aggregates the outcome of a run across all batches.
type Summary struct {
	Kind          string
	Total         int
	Inserted      int
	Updated       int
	Skipped       int
	Failed        int // records in rolled-back batches
	Batches       int
	FailedBatches int
	Duration      time.Duration

	// P95BatchLatency is the 95th percentile commit latency of successful
	// batches.
	P95BatchLatency time.Duration
}

// Throughput returns records per second over the run.
func (s *Summary) Throughput() float64 {
	if s.Duration <= 0 {
		return 0
	}
	return float64(s.Total) / s.Duration.Seconds()
}

// Merge adds o's counts and duration into s.
func (s *Summary) Merge(o *Summary) {
	if o == nil {
		return
	}
	s.Total += o.Total
	s.Inserted += o.Inserted
	s.Updated += o.Updated
	s.Skipped += o.Skipped
	s.Failed += o.Failed
	s.Batches += o.Batches
	s.FailedBatches += o.FailedBatches
	s.Duration += o.Duration
	s.P95BatchLatency = max(s.P95BatchLatency, o.P95BatchLatency)
}

func (s *Summary) String() string {
	line := fmt.Sprintf("%d new, %d updated, %d skipped in %.2fs (%.0f items/sec)",
		s.Inserted, s.Updated, s.Skipped, s.Duration.Seconds(), s.Throughput())
	if s.FailedBatches > 0 {
		line += fmt.Sprintf(", %d failed batches (%d records)", s.FailedBatches, s.Failed)
	}
	return line
}

// tally is the mutex-guarded accumulator shared by workers.
type tally struct {
	mu      sync.Mutex
	summary Summary
	errs    []error
	latency *metrics.Histogram
}

func newTally() *tally {
	return &tally{latency: metrics.NewHistogram(0)}
}

func (t *tally) add(br storage.BatchResult, elapsed time.Duration) {
	t.latency.Record(elapsed)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.summary.Batches++
	t.summary.Total += br.Total()
	t.summary.Inserted += br.Inserted
	t.summary.Updated += br.Updated
	t.summary.Skipped += br.Skipped
}

func (t *tally) fail(n int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.summary.Batches++
	t.summary.FailedBatches++
	t.summary.Total += n
	t.summary.Failed += n
	t.errs = append(t.errs, err)
}

func (t *tally) snapshot(kind string, d time.Duration) (*Summary, []error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.summary
	s.Kind = kind
	s.Duration = d
	s.P95BatchLatency = t.latency.Percentile(95)
	return &s, append([]error(nil), t.errs...)
}
