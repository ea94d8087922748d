package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"

	"go.uber.org/zap"

	"github.com/ramonehamilton/mtgjson-loader/internal/storage"
)

// errStopped ends a stream when the consumer stops pulling.
var errStopped = errors.New("stream stopped")

// StreamSets decodes the "data" member of an MTGJSON document one set at a
// time, in document order. Both catalog documents ({"data": {code: set}})
// and single-set documents ({"data": {"code": ..., "cards": [...]}}) are
// accepted.
func StreamSets(ctx context.Context, r io.Reader, fn func(*Set) error) error {
	dec := json.NewDecoder(r)

	if err := expectDelim(dec, '{'); err != nil {
		return fmt.Errorf("catalog: read document start: %w", err)
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
				return fmt.Errorf("catalog: skip %q: %w", key, err)
			}
			continue
		}
		found = true
		if err := streamData(ctx, dec, fn); err != nil {
			return err
		}
	}

	if !found {
		return errors.New(`catalog: document has no "data" member`)
	}
	return nil
}

// streamData decodes the members of "data". Catalog entries are all
// objects, so the first non-object value marks a single-set document.
// Objects seen before the shape is known are held until it is.
func streamData(ctx context.Context, dec *json.Decoder, fn func(*Set) error) error {
	if err := expectDelim(dec, '{'); err != nil {
		return fmt.Errorf("catalog: read data start: %w", err)
	}

	const (
		modeUndecided = iota
		modeCatalog
		modeSingle
	)
	mode := modeUndecided
	var pending []dataEntry
	fields := make(map[string]json.RawMessage)

	emit := func(e dataEntry) error {
		set := &Set{}
		if err := json.Unmarshal(e.value, set); err != nil {
			return fmt.Errorf("catalog: decode set %q: %w", e.key, err)
		}
		if set.Code == "" {
			set.Code = e.key
		}
		return fn(set)
	}

	for dec.More() {
		if err := ctx.Err(); err != nil {
			return err
		}

		key, err := objectKey(dec)
		if err != nil {
			return err
		}
		var value json.RawMessage
		if err := dec.Decode(&value); err != nil {
			return fmt.Errorf("catalog: decode %q: %w", key, err)
		}
		entry := dataEntry{key: key, value: value}

		switch mode {
		case modeSingle:
			fields[key] = value
			continue
		case modeCatalog:
			if !isObject(value) {
				return fmt.Errorf("catalog: set %q is not an object", key)
			}
			if err := emit(entry); err != nil {
				return err
			}
			continue
		}

		switch {
		case !isObject(value):
			mode = modeSingle
			for _, p := range pending {
				fields[p.key] = p.value
			}
			fields[key] = value
			pending = nil
		case looksLikeSet(value):
			mode = modeCatalog
			for _, p := range append(pending, entry) {
				if err := emit(p); err != nil {
					return err
				}
			}
			pending = nil
		default:
			pending = append(pending, entry)
		}
	}

	if _, err := dec.Token(); err != nil {
		return fmt.Errorf("catalog: read data end: %w", err)
	}

	if mode == modeSingle {
		set, err := setFromFields(fields)
		if err != nil {
			return err
		}
		return fn(set)
	}
	// Only objects without code or cards were seen: a catalog of empty sets.
	for _, p := range pending {
		if err := emit(p); err != nil {
			return err
		}
	}
	return nil
}

type dataEntry struct {
	key   string
	value json.RawMessage
}

func isObject(value json.RawMessage) bool {
	value = bytes.TrimSpace(value)
	return len(value) > 0 && value[0] == '{'
}

// looksLikeSet reports whether a data entry is itself a set object.
func looksLikeSet(value json.RawMessage) bool {
	if !isObject(value) {
		return false
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(value, &obj); err != nil {
		return false
	}
	_, hasCards := obj["cards"]
	_, hasCode := obj["code"]
	return hasCards || hasCode
}

func setFromFields(fields map[string]json.RawMessage) (*Set, error) {
	set := &Set{}
	for key, dst := range map[string]any{"code": &set.Code, "name": &set.Name, "cards": &set.Cards} {
		v, ok := fields[key]
		if !ok || bytes.Equal(v, []byte("null")) {
			continue
		}
		if err := json.Unmarshal(v, dst); err != nil {
			return nil, fmt.Errorf("catalog: decode set %s: %w", key, err)
		}
	}
	return set, nil
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
		return "", fmt.Errorf("catalog: read key: %w", err)
	}
	key, ok := tok.(string)
	if !ok {
		return "", fmt.Errorf("catalog: expected object key, got %v", tok)
	}
	return key, nil
}

// Cards adapts a streamed document to a card sequence. The returned
// function reports extraction stats and the stream error once the
// sequence has been consumed.
func Cards(ctx context.Context, r io.Reader, collection *string, log *zap.Logger) (iter.Seq[*storage.Card], func() (Stats, error)) {
	if log == nil {
		log = zap.NewNop()
	}

	var (
		total Stats
		err   error
	)

	seq := func(yield func(*storage.Card) bool) {
		err = StreamSets(ctx, r, func(set *Set) error {
			stats, more := eachCard(set, collection, log, yield)
			total.Add(stats)
			if stats.Sets > 0 {
				log.Debug("Extracted set", zap.String("set", set.Code), zap.Int("cards", stats.Cards), zap.Int("skipped", stats.Skipped))
			}
			if !more {
				return errStopped
			}
			return nil
		})
		if errors.Is(err, errStopped) {
			err = nil
		}
	}

	return seq, func() (Stats, error) { return total, err }
}
