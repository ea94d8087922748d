package report

import (
	"fmt"
	"io"
	"strings"
)

const width = 50

func header(w io.Writer, title string) {
	fmt.Fprintf(w, "\n%s\n%s\n%s\n", strings.Repeat("=", width), title, strings.Repeat("=", width))
}

func money(p *float64) float64 {
	if p == nil {
		return 0
	}
	return *p
}

// Render writes the card report for an operator.
func (r *CardReport) Render(w io.Writer) {
	header(w, "DATABASE VERIFICATION")
	fmt.Fprintf(w, "\nTotal cards in database: %d\n", r.Total)

	if len(r.BySet) > 0 {
		fmt.Fprintf(w, "\nCards per set (%d sets):\n", len(r.BySet))
		for _, s := range r.BySet {
			fmt.Fprintf(w, "  %-6s %-30.30s %4d cards\n", s.Code, s.Name, s.Count)
		}
	}

	fmt.Fprintln(w, "\nRarity distribution:")
	for _, rc := range r.ByRarity {
		fmt.Fprintf(w, "  %-12s %5d cards\n", rc.Rarity, rc.Count)
	}
}

// Render writes the price report for an operator.
func (r *PriceReport) Render(w io.Writer) {
	header(w, "PRICE DATA VERIFICATION")
	fmt.Fprintf(w, "\nTotal price records: %d\n", r.Total)
	fmt.Fprintf(w, "Unique cards with prices: %d\n", r.DistinctCards)
	fmt.Fprintf(w, "Price range: $%.2f - $%.2f\n", money(r.Min), money(r.Max))
	fmt.Fprintf(w, "Average price: $%.2f\n", money(r.Mean))

	sample := func(title string, cards []PricedCard) {
		if len(cards) == 0 {
			return
		}
		fmt.Fprintf(w, "\n%s:\n", title)
		for _, c := range cards {
			fmt.Fprintf(w, "  $%8.2f - %s (%s)\n", c.Price, c.Name, c.SetCode)
		}
	}
	sample(fmt.Sprintf("Top %d most expensive cards", SampleSize), r.Top)
	sample(fmt.Sprintf("Bottom %d least expensive cards (>$0)", SampleSize), r.Bottom)

	fmt.Fprintf(w, "\nCards without price data: %d\n", r.Unpriced)
}

// Render writes every section that was produced.
func (r *Report) Render(w io.Writer) {
	if r.Cards != nil {
		r.Cards.Render(w)
	}
	if r.Prices != nil {
		r.Prices.Render(w)
	}
}

// CollectionStats summarizes the prices of a list export. Unpriced rows
// count as zero.
type CollectionStats struct {
	Cards      int
	Requested  int
	TotalValue float64
	Average    float64
	Max        float64
	MinNonZero float64 // 0 when every row is unpriced
}

// Collection computes stats over prices, one per exported row.
func Collection(prices []*float64, requested int) CollectionStats {
	s := CollectionStats{Cards: len(prices), Requested: requested}
	for _, p := range prices {
		v := money(p)
		s.TotalValue += v
		s.Max = max(s.Max, v)
		if v > 0 && (s.MinNonZero == 0 || v < s.MinNonZero) {
			s.MinNonZero = v
		}
	}
	if s.Cards > 0 {
		s.Average = s.TotalValue / float64(s.Cards)
	}
	return s
}

// Render writes the collection summary.
func (s CollectionStats) Render(w io.Writer) {
	if s.Cards == 0 {
		fmt.Fprintln(w, "No cards found with prices")
		return
	}
	fmt.Fprintln(w, "\nSummary:")
	fmt.Fprintf(w, "  Total cards with prices: %d/%d\n", s.Cards, s.Requested)
	fmt.Fprintf(w, "  Total value: $%.2f\n", s.TotalValue)
	fmt.Fprintf(w, "  Average value: $%.2f\n", s.Average)
	fmt.Fprintf(w, "  Most expensive card: $%.2f\n", s.Max)
	if s.MinNonZero > 0 {
		fmt.Fprintf(w, "  Least expensive card: $%.2f\n", s.MinNonZero)
	}
}
