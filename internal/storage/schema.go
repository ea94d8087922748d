package storage

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"

	"go.uber.org/zap"
)

var (
	identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	columnTypePattern = regexp.MustCompile(`^[A-Za-z]+( [A-Za-z]+)*(\(\d+\))?$`)
)

// indexStatements is the full index set, re-asserted on every start.
var indexStatements = []string{
	"CREATE INDEX IF NOT EXISTS idx_name ON cards(name)",
	"CREATE INDEX IF NOT EXISTS idx_set_code ON cards(set_code)",
	"CREATE INDEX IF NOT EXISTS idx_collection ON cards(collection_name)",
	"CREATE INDEX IF NOT EXISTS idx_rarity ON cards(rarity)",
	"CREATE INDEX IF NOT EXISTS idx_mana_value ON cards(mana_value)",
	"CREATE INDEX IF NOT EXISTS idx_type ON cards(type)",
	"CREATE INDEX IF NOT EXISTS idx_price_uuid ON card_prices(uuid)",
	"CREATE INDEX IF NOT EXISTS idx_price_date ON card_prices(price_date)",
}

// SchemaManager creates and evolves the loader schema.
type SchemaManager struct {
	pool   *Pool
	policy RetryPolicy
	log    *zap.Logger
}

// NewSchemaManager creates a schema manager operating through pool.
func NewSchemaManager(pool *Pool, log *zap.Logger) *SchemaManager {
	if log == nil {
		log = zap.NewNop()
	}
	return &SchemaManager{pool: pool, policy: StatementRetry(), log: log.Named("schema")}
}

// Create ensures the schema exists. With fresh set it first drops
// card_prices and then cards, destroying all loaded data.
func (sm *SchemaManager) Create(ctx context.Context, fresh bool) error {
	mgr, err := NewMigrationManager(sm.pool.config, sm.log)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := mgr.Close(); closeErr != nil {
			sm.log.Warn("Failed to close migration manager", zap.Error(closeErr))
		}
	}()

	if fresh {
		sm.log.Warn("Fresh start requested, dropping existing tables")
		if err := mgr.Down(); err != nil {
			return err
		}
		// Tables created outside the migration history are dropped directly.
		if err := sm.exec(ctx, "DROP TABLE IF EXISTS card_prices", "DROP TABLE IF EXISTS cards"); err != nil {
			return err
		}
	}

	if err := mgr.Up(); err != nil {
		return err
	}

	return sm.EnsureIndexes(ctx)
}

// EnsureIndexes creates any missing index.
func (sm *SchemaManager) EnsureIndexes(ctx context.Context) error {
	return sm.exec(ctx, indexStatements...)
}

// EnsureColumnExists adds column to table when it is missing. It reports
// whether the column was added; an existing column is a no-op.
func (sm *SchemaManager) EnsureColumnExists(ctx context.Context, table, column, columnType string) (bool, error) {
	if !identifierPattern.MatchString(table) || !identifierPattern.MatchString(column) {
		return false, fmt.Errorf("%w: %q.%q", ErrInvalidIdentifier, table, column)
	}
	if !columnTypePattern.MatchString(columnType) {
		return false, fmt.Errorf("%w: column type %q", ErrInvalidIdentifier, columnType)
	}

	added := false
	err := sm.pool.With(ctx, func(conn *sql.Conn) error {
		columns, err := tableColumns(ctx, conn, table)
		if err != nil {
			return err
		}
		if len(columns) == 0 {
			return fmt.Errorf("table %s does not exist", table)
		}
		if _, ok := columns[column]; ok {
			return nil
		}

		stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, columnType)
		if _, err := ExecWithRetry(ctx, conn, sm.policy, stmt); err != nil {
			return err
		}
		added = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to ensure column %s.%s: %w", table, column, err)
	}

	if added {
		sm.log.Info("Added column", zap.String("table", table), zap.String("column", column), zap.String("type", columnType))
	} else {
		sm.log.Debug("Column already present", zap.String("table", table), zap.String("column", column))
	}
	return added, nil
}

// TableExists reports whether table is present in the database.
func (sm *SchemaManager) TableExists(ctx context.Context, table string) (bool, error) {
	var count int
	err := sm.pool.DB().GetContext(ctx, &count,
		"SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?", table)
	if err != nil {
		return false, fmt.Errorf("failed to look up table %s: %w", table, err)
	}
	return count > 0, nil
}

func (sm *SchemaManager) exec(ctx context.Context, statements ...string) error {
	return sm.pool.With(ctx, func(conn *sql.Conn) error {
		for _, stmt := range statements {
			if _, err := ExecWithRetry(ctx, conn, sm.policy, stmt); err != nil {
				return err
			}
		}
		return nil
	})
}

// tableColumns reads the live column list via PRAGMA table_info.
func tableColumns(ctx context.Context, conn *sql.Conn, table string) (map[string]string, error) {
	rows, err := conn.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, &DatabaseError{Op: "table info", Err: err}
	}
	defer rows.Close()

	columns := make(map[string]string)
	for rows.Next() {
		var (
			cid       int
			name      string
			colType   string
			notNull   int
			dfltValue sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dfltValue, &pk); err != nil {
			return nil, fmt.Errorf("failed to scan column info: %w", err)
		}
		columns[name] = colType
	}
	return columns, rows.Err()
}
