package catalog

import (
	"errors"

	"go.uber.org/zap"

	"github.com/ramonehamilton/mtgjson-loader/internal/storage"
)

// Stats counts what an extraction produced.
type Stats struct {
	Sets    int // sets with at least one card
	Cards   int // cards normalized and valid
	Skipped int // malformed or invalid cards
}

// Add accumulates o into s.
func (s *Stats) Add(o Stats) {
	s.Sets += o.Sets
	s.Cards += o.Cards
	s.Skipped += o.Skipped
}

// ExtractSet normalizes every card of one set. collection is non-nil only
// for sets read from a named collection file. Sets without cards yield
// nothing. Malformed or invalid cards are logged and skipped.
func ExtractSet(set *Set, collection *string, log *zap.Logger) ([]*storage.Card, Stats) {
	if log == nil {
		log = zap.NewNop()
	}
	var out []*storage.Card
	stats, _ := eachCard(set, collection, log, func(c *storage.Card) bool {
		out = append(out, c)
		return true
	})
	return out, stats
}

// ExtractCatalog normalizes a whole catalog in source order with no
// collection name.
func ExtractCatalog(sets []*Set, log *zap.Logger) ([]*storage.Card, Stats) {
	if log == nil {
		log = zap.NewNop()
	}
	var (
		out   []*storage.Card
		total Stats
	)
	for _, set := range sets {
		cards, stats := ExtractSet(set, nil, log)
		out = append(out, cards...)
		total.Add(stats)
	}
	log.Info("Extracted catalog", zap.Int("sets", total.Sets), zap.Int("cards", total.Cards), zap.Int("skipped", total.Skipped))
	return out, total
}

// eachCard yields the set's valid cards until yield returns false. The
// second result reports whether iteration ran to the end.
func eachCard(set *Set, collection *string, log *zap.Logger, yield func(*storage.Card) bool) (Stats, bool) {
	var stats Stats
	if set == nil || len(set.Cards) == 0 {
		return stats, true
	}
	stats.Sets = 1

	for _, raw := range set.Cards {
		card, err := Normalize(raw, set.Code, set.Name, collection)
		if err == nil {
			err = Validate(card)
		}
		if err != nil {
			stats.Skipped++
			level := log.Warn
			if errors.Is(err, ErrMalformedCard) {
				level = log.Error
			}
			level("Skipping card",
				zap.String("set", set.Code),
				zap.String("card", cardLabel(raw)),
				zap.Error(err),
			)
			continue
		}

		stats.Cards++
		if !yield(card) {
			return stats, false
		}
	}
	return stats, true
}
