package export

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/huandu/go-sqlbuilder"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/ramonehamilton/mtgjson-loader/internal/deckimport"
	"github.com/ramonehamilton/mtgjson-loader/internal/storage"
)

const (
	// DefaultLimit is the top-N size when none is given.
	DefaultLimit = 100

	// MaxLimit caps top-N exports.
	MaxLimit = 100000
)

var formatName = regexp.MustCompile(`^[a-z0-9_]+$`)

// latestPrice joins a card to its most recent price row.
const latestPrice = "cp.price_date = (SELECT MAX(p.price_date) FROM card_prices p WHERE p.uuid = c.uuid)"

// Filter narrows an export by set code and format legality.
type Filter struct {
	Sets    []string // set codes, case-insensitive
	Formats []string // card must be Legal or Restricted in every format
}

// Validate normalizes set codes to upper case and format names to lower
// case and rejects format names that are not plain identifiers.
func (f *Filter) Validate() error {
	for i, s := range f.Sets {
		f.Sets[i] = strings.ToUpper(strings.TrimSpace(s))
	}
	for i, format := range f.Formats {
		format = strings.ToLower(strings.TrimSpace(format))
		if !formatName.MatchString(format) {
			return fmt.Errorf("invalid format name %q", format)
		}
		f.Formats[i] = format
	}
	return nil
}

func (f Filter) apply(sb *sqlbuilder.SelectBuilder) {
	if len(f.Sets) > 0 {
		sb.Where(sb.In("c.set_code", sqlbuilder.Flatten(f.Sets)...))
	}
	for _, format := range f.Formats {
		sb.Where(fmt.Sprintf("json_extract(c.legalities, %s) IN (%s, %s)",
			sb.Var("$."+format), sb.Var("Legal"), sb.Var("Restricted")))
	}
}

// ValidateLimit checks a top-N size.
func ValidateLimit(limit int) error {
	if limit < 1 || limit > MaxLimit {
		return fmt.Errorf("number of cards must be between 1 and %d, got %d", MaxLimit, limit)
	}
	return nil
}

// Querier runs export queries against the card store.
type Querier struct {
	pool *storage.Pool
	log  *zap.Logger
}

// NewQuerier creates a querier. log may be nil.
func NewQuerier(pool *storage.Pool, log *zap.Logger) *Querier {
	if log == nil {
		log = zap.NewNop()
	}
	return &Querier{pool: pool, log: log.Named("export")}
}

// TopCards returns the limit most expensive printings by their latest
// price, highest first.
func (q *Querier) TopCards(ctx context.Context, limit int, filter Filter) ([]Row, error) {
	if err := ValidateLimit(limit); err != nil {
		return nil, err
	}
	if err := filter.Validate(); err != nil {
		return nil, err
	}

	sb := sqlbuilder.SQLite.NewSelectBuilder()
	sb.Select("c.name", "c.set_code", "COALESCE(c.set_name, '') AS set_name", "cp.average_price AS price")
	sb.From("cards c")
	sb.Join("card_prices cp", "cp.uuid = c.uuid", latestPrice)
	sb.Where(sb.IsNotNull("cp.average_price"))
	filter.apply(sb)
	sb.OrderBy("cp.average_price DESC", "c.name", "c.set_code")
	sb.Limit(limit)

	query, args := sb.Build()
	q.log.Debug("Top cards query", zap.String("query", query), zap.Int("limit", limit))

	var rows []Row
	if err := q.pool.DB().SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, &storage.DatabaseError{Op: "select top cards", Query: query, Err: err}
	}
	if len(rows) == 0 {
		return nil, ErrNoResults
	}
	return rows, nil
}

// ListResult is the outcome of a list export.
type ListResult struct {
	Rows      []Row
	Requested int      // distinct names in the list
	Missing   []string // listed names with no card row
	Unpriced  []string // listed names whose matched printings have no price
}

// ListCards returns every printing of the listed names with its latest
// price (nil when unpriced), ordered by name and set. Names match
// case-insensitively after trimming.
func (q *Querier) ListCards(ctx context.Context, names []string, filter Filter) (*ListResult, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}

	unique := dedupe(names)
	if len(unique) == 0 {
		return nil, deckimport.ErrEmptyList
	}
	result := &ListResult{Requested: len(unique)}

	err := q.pool.With(ctx, func(conn *sql.Conn) error {
		if _, err := conn.ExecContext(ctx, "CREATE TEMP TABLE IF NOT EXISTS card_list (name TEXT NOT NULL, key TEXT PRIMARY KEY)"); err != nil {
			return &storage.DatabaseError{Op: "create card list", Err: err}
		}
		defer func() {
			_, _ = conn.ExecContext(context.Background(), "DROP TABLE IF EXISTS temp.card_list")
		}()

		if _, err := conn.ExecContext(ctx, "DELETE FROM card_list"); err != nil {
			return &storage.DatabaseError{Op: "reset card list", Err: err}
		}
		if err := fillCardList(ctx, conn, unique); err != nil {
			return err
		}

		rows, err := q.selectList(ctx, conn, filter)
		if err != nil {
			return err
		}
		result.Rows = rows

		missing, err := selectMissing(ctx, conn)
		if err != nil {
			return err
		}
		result.Missing = missing
		return nil
	})
	if err != nil {
		return nil, err
	}

	result.Unpriced = unpricedNames(unique, result.Rows)

	if len(result.Missing) > 0 {
		q.log.Warn("Cards not found in database", zap.Int("count", len(result.Missing)), zap.Strings("names", result.Missing))
	}
	if len(result.Unpriced) > 0 {
		q.log.Warn("Cards without prices", zap.Int("count", len(result.Unpriced)), zap.Strings("names", result.Unpriced))
	}
	if len(result.Rows) == 0 {
		return result, ErrNoResults
	}
	return result, nil
}

// unpricedNames returns the listed names that matched rows, none of
// which carry a price, sorted.
func unpricedNames(names []string, rows []Row) []string {
	priced := make(map[string]bool, len(rows))
	for _, row := range rows {
		key := nameKey(row.Name)
		priced[key] = priced[key] || row.Price != nil
	}

	var out []string
	for _, name := range names {
		if p, found := priced[nameKey(name)]; found && !p {
			out = append(out, name)
		}
	}
	slices.Sort(out)
	return out
}

func fillCardList(ctx context.Context, conn *sql.Conn, names []string) error {
	stmt, err := conn.PrepareContext(ctx, "INSERT OR IGNORE INTO card_list (name, key) VALUES (?, ?)")
	if err != nil {
		return &storage.DatabaseError{Op: "prepare card list insert", Err: err}
	}
	defer stmt.Close()

	for _, name := range names {
		if _, err := stmt.ExecContext(ctx, name, nameKey(name)); err != nil {
			return &storage.DatabaseError{Op: "insert card list", Err: err}
		}
	}
	return nil
}

func (q *Querier) selectList(ctx context.Context, conn *sql.Conn, filter Filter) ([]Row, error) {
	sb := sqlbuilder.SQLite.NewSelectBuilder()
	sb.Select("c.name", "c.set_code", "COALESCE(c.set_name, '') AS set_name", "cp.average_price AS price")
	sb.From("cards c")
	sb.Join("card_list cl", "LOWER(TRIM(c.name)) = cl.key")
	sb.JoinWithOption(sqlbuilder.LeftJoin, "card_prices cp", "cp.uuid = c.uuid", latestPrice)
	filter.apply(sb)
	sb.OrderBy("c.name", "c.set_code")

	query, args := sb.Build()
	q.log.Debug("List cards query", zap.String("query", query))

	rows, err := conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &storage.DatabaseError{Op: "select list cards", Query: query, Err: err}
	}
	defer rows.Close()

	var out []Row
	if err := sqlx.StructScan(rows, &out); err != nil {
		return nil, &storage.DatabaseError{Op: "scan list cards", Query: query, Err: err}
	}
	return out, nil
}

func selectMissing(ctx context.Context, conn *sql.Conn) ([]string, error) {
	const query = `
		SELECT cl.name FROM card_list cl
		WHERE NOT EXISTS (SELECT 1 FROM cards c WHERE LOWER(TRIM(c.name)) = cl.key)
		ORDER BY cl.name`

	rows, err := conn.QueryContext(ctx, query)
	if err != nil {
		return nil, &storage.DatabaseError{Op: "select missing cards", Query: query, Err: err}
	}
	defer rows.Close()

	var missing []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		missing = append(missing, name)
	}
	return missing, rows.Err()
}

func nameKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// dedupe keeps the first spelling of each name.
func dedupe(names []string) []string {
	seen := make(map[string]bool, len(names))
	out := make([]string, 0, len(names))
	for _, name := range names {
		key := nameKey(name)
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, strings.TrimSpace(name))
	}
	return out
}
