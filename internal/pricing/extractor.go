// Package pricing reduces MTGJSON per-card price trees to a single
// average retail price.
package pricing

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/jmespath/go-jmespath"
)

// DefaultProvider is the paper vendor whose retail prices are averaged.
const DefaultProvider = "tcgplayer"

// Extractor navigates paper -> <provider> -> retail -> normal and averages
// the date -> price mapping found there.
type Extractor struct {
	provider string
	path     *jmespath.JMESPath
}

// NewExtractor compiles the navigation path for provider. An empty
// provider selects DefaultProvider.
func NewExtractor(provider string) (*Extractor, error) {
	if provider == "" {
		provider = DefaultProvider
	}
	expression := fmt.Sprintf("paper.%s.retail.normal", strconv.Quote(provider))

	path, err := jmespath.Compile(expression)
	if err != nil {
		return nil, fmt.Errorf("invalid price provider %q: %w", provider, err)
	}
	return &Extractor{provider: provider, path: path}, nil
}

// Provider returns the vendor this extractor reads.
func (e *Extractor) Provider() string {
	return e.provider
}

// Extract returns the mean of the non-null prices under the path, or nil
// when any key is missing or no price is present.
func (e *Extractor) Extract(prices any) *float64 {
	if prices == nil {
		return nil
	}
	result, err := e.path.Search(prices)
	if err != nil || result == nil {
		return nil
	}
	byDate, ok := result.(map[string]any)
	if !ok {
		return nil
	}
	return Average(byDate)
}

// Average is the arithmetic mean over the numeric values of byDate.
// Null and non-numeric values are ignored; nil means no price.
func Average(byDate map[string]any) *float64 {
	var (
		sum float64
		n   int
	)
	for _, v := range byDate {
		price, ok := number(v)
		if !ok {
			continue
		}
		sum += price
		n++
	}
	if n == 0 {
		return nil
	}
	avg := sum / float64(n)
	return &avg
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
