// Package metrics provides Prometheus metrics for loader runs.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "mtgjson_loader"

// Collector holds the loader's metrics on a private registry. A nil
// *Collector is valid and records nothing.
type Collector struct {
	registry *prometheus.Registry

	// RecordsTotal counts upserted records by kind and outcome.
	RecordsTotal *prometheus.CounterVec

	// BatchDuration tracks batch write duration in seconds.
	BatchDuration *prometheus.HistogramVec

	// BatchesFailed counts batches rolled back after a batch-level error.
	BatchesFailed *prometheus.CounterVec

	// RetriesTotal counts statement retries after lock contention.
	RetriesTotal prometheus.Counter

	// PoolWait tracks how long workers waited for a pooled connection.
	PoolWait prometheus.Histogram

	// PricesExtracted counts price extraction results.
	PricesExtracted *prometheus.CounterVec

	// DownloadsTotal counts downloads by result (fetched, unchanged, failed).
	DownloadsTotal *prometheus.CounterVec
}

// New creates a collector with all metrics registered.
func New() *Collector {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Collector{
		registry: reg,
		RecordsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "records_total",
				Help:      "Total number of records processed by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		BatchDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "batch_duration_seconds",
				Help:      "Duration of batch writes in seconds",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"kind"},
		),
		BatchesFailed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "batches_failed_total",
				Help:      "Total number of batches rolled back",
			},
			[]string{"kind"},
		),
		RetriesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "storage",
				Name:      "retries_total",
				Help:      "Total number of statement retries after lock contention",
			},
		),
		PoolWait: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "storage",
				Name:      "pool_wait_seconds",
				Help:      "Time spent waiting for a pooled connection",
				Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 30},
			},
		),
		PricesExtracted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "pricing",
				Name:      "extracted_total",
				Help:      "Total number of price entries by extraction result",
			},
			[]string{"result"},
		),
		DownloadsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "download",
				Name:      "files_total",
				Help:      "Total number of source files by download result",
			},
			[]string{"result"},
		),
	}
}

// Registry returns the collector's registry.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// ObserveBatch records one written batch.
func (c *Collector) ObserveBatch(kind string, d time.Duration, inserted, updated, skipped int) {
	if c == nil {
		return
	}
	c.BatchDuration.WithLabelValues(kind).Observe(d.Seconds())
	c.RecordsTotal.WithLabelValues(kind, "inserted").Add(float64(inserted))
	c.RecordsTotal.WithLabelValues(kind, "updated").Add(float64(updated))
	c.RecordsTotal.WithLabelValues(kind, "skipped").Add(float64(skipped))
}

// ObserveFailedBatch records a rolled-back batch of n records.
func (c *Collector) ObserveFailedBatch(kind string, n int) {
	if c == nil {
		return
	}
	c.BatchesFailed.WithLabelValues(kind).Inc()
	c.RecordsTotal.WithLabelValues(kind, "failed").Add(float64(n))
}

// ObserveRetry records one statement retry.
func (c *Collector) ObserveRetry(error, time.Duration) {
	if c == nil {
		return
	}
	c.RetriesTotal.Inc()
}

// ObservePoolWait records a blocked Acquire.
func (c *Collector) ObservePoolWait(d time.Duration) {
	if c == nil {
		return
	}
	c.PoolWait.Observe(d.Seconds())
}

// ObservePrice records a price extraction result ("priced", "no_price",
// "unknown").
func (c *Collector) ObservePrice(result string) {
	if c == nil {
		return
	}
	c.PricesExtracted.WithLabelValues(result).Inc()
}

// ObserveDownload records a download result.
func (c *Collector) ObserveDownload(result string) {
	if c == nil {
		return
	}
	c.DownloadsTotal.WithLabelValues(result).Inc()
}

// WriteTextfile writes all metrics in the node-exporter textfile format.
func (c *Collector) WriteTextfile(path string) error {
	if c == nil || path == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, c.registry); err != nil {
		return fmt.Errorf("failed to write metrics textfile: %w", err)
	}
	return nil
}
