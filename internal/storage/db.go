// Package storage provides SQLite persistence for the MTGJSON card catalog
// and its price history.
package storage

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

// DriverName is the database/sql driver registered by modernc.org/sqlite.
const DriverName = "sqlite"

// Config holds database configuration settings.
type Config struct {
	// Path is the file path to the SQLite database.
	Path string

	// MaxConnections bounds the number of live pooled handles.
	// Default: 4
	MaxConnections int

	// AcquireTimeout is how long Acquire waits for a handle when the pool is saturated.
	// Default: 30 seconds
	AcquireTimeout time.Duration

	// BusyTimeout sets how long SQLite itself waits on a locked database
	// before reporting SQLITE_BUSY.
	// Default: 5 seconds
	BusyTimeout time.Duration

	// JournalMode sets the SQLite journal mode applied to new handles.
	// Default: WAL
	JournalMode string

	// Synchronous sets the SQLite synchronous mode applied to new handles.
	// Default: NORMAL
	Synchronous string

	// CacheSize is the page cache size in pages.
	// Default: 10000
	CacheSize int

	// MmapSize is the memory-mapped I/O size in bytes.
	// Default: 256 MiB
	MmapSize int64
}

// DefaultConfig returns a Config with the loader's default values.
func DefaultConfig(path string) *Config {
	return &Config{
		Path:           path,
		MaxConnections: 4,
		AcquireTimeout: 30 * time.Second,
		BusyTimeout:    5 * time.Second,
		JournalMode:    "WAL",
		Synchronous:    "NORMAL",
		CacheSize:      10000,
		MmapSize:       256 << 20,
	}
}

// DSN builds the modernc.org/sqlite data source name for the config.
func (c *Config) DSN() string {
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", c.BusyTimeout.Milliseconds()))
	return "file:" + filepath.ToSlash(c.Path) + "?" + q.Encode()
}

// pragmas returns the per-handle performance settings.
func (c *Config) pragmas() []string {
	return []string{
		fmt.Sprintf("PRAGMA journal_mode=%s", c.JournalMode),
		fmt.Sprintf("PRAGMA synchronous=%s", c.Synchronous),
		fmt.Sprintf("PRAGMA cache_size=%d", c.CacheSize),
		"PRAGMA temp_store=MEMORY",
		fmt.Sprintf("PRAGMA mmap_size=%d", c.MmapSize),
	}
}

// Exists reports whether a database file is present at path.
func Exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// openDB opens the shared *sql.DB that pooled handles are drawn from.
func openDB(config *Config) (*sql.DB, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if config.Path == "" {
		return nil, fmt.Errorf("database path cannot be empty")
	}

	dir := filepath.Dir(config.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open(DriverName, config.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Pooled handles plus headroom for read-only report queries.
	db.SetMaxOpenConns(config.MaxConnections + 2)
	db.SetMaxIdleConns(2)

	if err := db.Ping(); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to close database after ping error: %w (original error: %v)", closeErr, err)
		}
		return nil, fmt.Errorf("failed to ping database %s: %w", config.Path, err)
	}

	return db, nil
}
