// Package export queries priced cards and writes them to CSV or JSON.
package export

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ErrNoResults is returned when an export query matches no cards.
var ErrNoResults = errors.New("no cards matched the export")

// Format represents the export format.
type Format string

const (
	// FormatCSV represents CSV export format.
	FormatCSV Format = "csv"
	// FormatJSON represents JSON export format.
	FormatJSON Format = "json"
)

// Header is the fixed CSV header.
var Header = []string{"Card Name", "Set Code", "Set Name", "Price"}

// Row is one exported printing. Price is nil when the card has no price.
type Row struct {
	Name    string   `db:"name" json:"name"`
	SetCode string   `db:"set_code" json:"set_code"`
	SetName string   `db:"set_name" json:"set_name"`
	Price   *float64 `db:"price" json:"price"`
}

// PriceValue returns the price, or 0 when unpriced.
func (r Row) PriceValue() float64 {
	if r.Price == nil {
		return 0
	}
	return *r.Price
}

// Record returns the CSV fields for r.
func (r Row) Record() []string {
	return []string{r.Name, r.SetCode, r.SetName, fmt.Sprintf("%.2f", r.PriceValue())}
}

// Options holds configuration for export operations.
type Options struct {
	Format     Format
	FilePath   string
	PrettyJSON bool
	Overwrite  bool
}

// Exporter writes rows to a file.
type Exporter struct {
	opts Options
}

// NewExporter creates a new Exporter with the given options.
func NewExporter(opts Options) *Exporter {
	if opts.Format == "" {
		opts.Format = FormatCSV
	}
	return &Exporter{opts: opts}
}

// Export writes rows to the configured file.
func (e *Exporter) Export(rows []Row) (err error) {
	if len(rows) == 0 {
		return ErrNoResults
	}

	file, err := e.createFile()
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := file.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	return ExportToWriter(file, e.opts.Format, rows, e.opts.PrettyJSON)
}

// createFile creates the output file, handling overwrite settings.
func (e *Exporter) createFile() (*os.File, error) {
	dir := filepath.Dir(e.opts.FilePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	if _, err := os.Stat(e.opts.FilePath); err == nil && !e.opts.Overwrite {
		return nil, fmt.Errorf("file already exists: %s (use overwrite option to replace)", e.opts.FilePath)
	}

	file, err := os.Create(e.opts.FilePath)
	if err != nil {
		return nil, fmt.Errorf("failed to create file: %w", err)
	}
	return file, nil
}

// ExportToWriter writes rows to w in format.
func ExportToWriter(w io.Writer, format Format, rows []Row, prettyJSON bool) error {
	switch format {
	case FormatCSV:
		return WriteCSV(w, rows)
	case FormatJSON:
		encoder := json.NewEncoder(w)
		if prettyJSON {
			encoder.SetIndent("", "  ")
		}
		return encoder.Encode(rows)
	default:
		return fmt.Errorf("unsupported export format: %s", format)
	}
}

// WriteCSV writes the header and one record per row, prices to two
// decimals.
func WriteCSV(w io.Writer, rows []Row) error {
	writer := csv.NewWriter(w)

	if err := writer.Write(Header); err != nil {
		return fmt.Errorf("failed to write CSV header: %w", err)
	}
	for i, row := range rows {
		if err := writer.Write(row.Record()); err != nil {
			return fmt.Errorf("failed to write CSV row %d: %w", i, err)
		}
	}

	writer.Flush()
	return writer.Error()
}

// TopOutputPath is the default file name for a top-N export.
func TopOutputPath(limit int) string {
	return fmt.Sprintf("top_%d_cards.csv", limit)
}

// ListOutputPath resolves the output file for a list export. An explicit
// output always gets a .csv extension; otherwise the file is written next
// to the input as <stem>_prices.csv.
func ListOutputPath(input, output string) string {
	if output != "" {
		if strings.EqualFold(filepath.Ext(output), ".csv") {
			return output
		}
		return strings.TrimSuffix(output, filepath.Ext(output)) + ".csv"
	}
	base := filepath.Base(input)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	return filepath.Join(filepath.Dir(input), stem+"_prices.csv")
}

// Preview writes the first limit rows, then the last row when rows were
// elided.
func Preview(w io.Writer, rows []Row, limit int) {
	if len(rows) == 0 {
		fmt.Fprintln(w, "No data to preview")
		return
	}

	shown := min(limit, len(rows))
	fmt.Fprintf(w, "\nPreview (first %d cards):\n", shown)
	fmt.Fprintln(w, strings.Repeat("-", 70))

	line := func(i int, r Row) {
		fmt.Fprintf(w, "%3d. %-30.30s %-6s $%.2f\n", i, r.Name, r.SetCode, r.PriceValue())
	}
	for i, r := range rows[:shown] {
		line(i+1, r)
	}
	if len(rows) > shown {
		fmt.Fprintln(w, "...")
		line(len(rows), rows[len(rows)-1])
	}
}
