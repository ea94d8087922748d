package metrics

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilCollectorIsNoop(t *testing.T) {
	var c *Collector
	c.ObserveBatch("cards", time.Second, 1, 2, 3)
	c.ObserveFailedBatch("cards", 10)
	c.ObserveRetry(nil, time.Millisecond)
	c.ObservePoolWait(time.Millisecond)
	c.ObservePrice("priced")
	c.ObserveDownload("fetched")
	if err := c.WriteTextfile("ignored.prom"); err != nil {
		t.Errorf("Expected nil collector to ignore textfile writes, got %v", err)
	}
}

func TestObserveBatch(t *testing.T) {
	c := New()
	c.ObserveBatch("cards", 10*time.Millisecond, 3, 2, 1)
	c.ObserveBatch("cards", 10*time.Millisecond, 1, 0, 0)
	c.ObserveFailedBatch("prices", 5)

	if got := testutil.ToFloat64(c.RecordsTotal.WithLabelValues("cards", "inserted")); got != 4 {
		t.Errorf("Expected 4 inserted, got %v", got)
	}
	if got := testutil.ToFloat64(c.RecordsTotal.WithLabelValues("cards", "skipped")); got != 1 {
		t.Errorf("Expected 1 skipped, got %v", got)
	}
	if got := testutil.ToFloat64(c.BatchesFailed.WithLabelValues("prices")); got != 1 {
		t.Errorf("Expected 1 failed batch, got %v", got)
	}
	if got := testutil.ToFloat64(c.RecordsTotal.WithLabelValues("prices", "failed")); got != 5 {
		t.Errorf("Expected 5 failed records, got %v", got)
	}
}

func TestWriteTextfile(t *testing.T) {
	c := New()
	c.ObserveRetry(nil, 0)
	c.ObservePrice("priced")

	path := filepath.Join(t.TempDir(), "loader.prom")
	if err := c.WriteTextfile(path); err != nil {
		t.Fatalf("Failed to write textfile: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read textfile: %v", err)
	}
	if !strings.Contains(string(data), "mtgjson_loader_storage_retries_total 1") {
		t.Errorf("Expected retries metric in textfile, got:\n%s", data)
	}
}
