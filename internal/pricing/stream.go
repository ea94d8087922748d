package pricing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"time"

	"go.uber.org/zap"

	"github.com/ramonehamilton/mtgjson-loader/internal/metrics"
	"github.com/ramonehamilton/mtgjson-loader/internal/storage"
)

var errStopped = errors.New("stream stopped")

// StreamPrices decodes the "data" object of an AllPrices document one
// uuid at a time and calls fn with the decoded price tree.
func StreamPrices(ctx context.Context, r io.Reader, fn func(uuid string, prices any) error) error {
	dec := json.NewDecoder(r)

	if err := expectDelim(dec, '{'); err != nil {
		return fmt.Errorf("prices: read document start: %w", err)
	}

	found := false
	for dec.More() {
		key, err := objectKey(dec)
		if err != nil {
			return err
		}
		if key != "data" {
			var skip json.RawMessage
			if err := dec.Decode(&skip); err != nil {
				return fmt.Errorf("prices: skip %q: %w", key, err)
			}
			continue
		}

		found = true
		if err := expectDelim(dec, '{'); err != nil {
			return fmt.Errorf("prices: read data start: %w", err)
		}
		for dec.More() {
			if err := ctx.Err(); err != nil {
				return err
			}
			uuid, err := objectKey(dec)
			if err != nil {
				return err
			}
			var prices any
			if err := dec.Decode(&prices); err != nil {
				return fmt.Errorf("prices: decode %s: %w", uuid, err)
			}
			if err := fn(uuid, prices); err != nil {
				return err
			}
		}
		if _, err := dec.Token(); err != nil {
			return fmt.Errorf("prices: read data end: %w", err)
		}
	}

	if !found {
		return errors.New(`prices: document has no "data" member`)
	}
	return nil
}

func expectDelim(dec *json.Decoder, want json.Delim) error {
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != want {
		return fmt.Errorf("expected %q, got %v", want, tok)
	}
	return nil
}

func objectKey(dec *json.Decoder) (string, error) {
	tok, err := dec.Token()
	if err != nil {
		return "", fmt.Errorf("prices: read key: %w", err)
	}
	key, ok := tok.(string)
	if !ok {
		return "", fmt.Errorf("prices: expected object key, got %v", tok)
	}
	return key, nil
}

// Stats counts price extraction outcomes.
type Stats struct {
	Seen    int // uuids in the document
	Priced  int // records produced
	NoPrice int // no price under the provider path
	Unknown int // uuid not in the card table
}

// Today returns the price date for a load started now: the UTC date in
// ISO format.
func Today() string {
	return time.Now().UTC().Format(time.DateOnly)
}

// RecordsOptions configures Records.
type RecordsOptions struct {
	Extractor *Extractor
	Date      string

	// Known filters uuids to cards already stored. Nil keeps every uuid.
	Known func(uuid string) bool

	Log     *zap.Logger
	Metrics *metrics.Collector
}

// Records adapts a streamed AllPrices document to a sequence of price
// records. Only uuids with a price are produced. The returned function
// reports stats and the stream error once the sequence is consumed.
func Records(ctx context.Context, r io.Reader, opts RecordsOptions) (iter.Seq[storage.PriceRecord], func() (Stats, error)) {
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	date := opts.Date
	if date == "" {
		date = Today()
	}

	var (
		stats Stats
		err   error
	)

	seq := func(yield func(storage.PriceRecord) bool) {
		err = StreamPrices(ctx, r, func(uuid string, prices any) error {
			stats.Seen++
			if opts.Known != nil && !opts.Known(uuid) {
				stats.Unknown++
				opts.Metrics.ObservePrice("unknown")
				return nil
			}
			avg := opts.Extractor.Extract(prices)
			if avg == nil {
				stats.NoPrice++
				opts.Metrics.ObservePrice("no_price")
				return nil
			}
			stats.Priced++
			opts.Metrics.ObservePrice("priced")
			if !yield(storage.PriceRecord{UUID: uuid, AveragePrice: avg, PriceDate: date}) {
				return errStopped
			}
			return nil
		})
		if errors.Is(err, errStopped) {
			err = nil
		}
		log.Debug("Price stream finished",
			zap.Int("seen", stats.Seen),
			zap.Int("priced", stats.Priced),
			zap.Int("no_price", stats.NoPrice),
			zap.Int("unknown", stats.Unknown),
		)
	}

	return seq, func() (Stats, error) { return stats, err }
}
