package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"

	"github.com/ramonehamilton/mtgjson-loader/internal/storage"
)

// DefaultFile is the config file read from the working directory when no
// --config is given.
const DefaultFile = "mtgjson-loader.toml"

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

var validate = validator.New(validator.WithRequiredStructEnabled())

// Config represents the application configuration.
type Config struct {
	Database DatabaseConfig `toml:"database"`
	Paths    PathsConfig    `toml:"paths"`
	Ingest   IngestConfig   `toml:"ingest"`
	Prices   PricesConfig   `toml:"prices"`
	Download DownloadConfig `toml:"download"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`
}

// DatabaseConfig contains SQLite settings. Path, when set, overrides
// Dir/Name.
type DatabaseConfig struct {
	Dir            string `toml:"dir" validate:"required_without=Path"`
	Name           string `toml:"name" validate:"required_without=Path"`
	Path           string `toml:"path"`
	MaxConnections int    `toml:"max_connections" validate:"gte=1,lte=64"`
	AcquireTimeout string `toml:"acquire_timeout"` // e.g. "30s"
	BusyTimeout    string `toml:"busy_timeout"`
	CacheSize      int    `toml:"cache_size" validate:"gte=0"`

	// BackupOnSetup copies an existing database before setup rebuilds it.
	BackupOnSetup bool   `toml:"backup_on_setup"`
	BackupDir     string `toml:"backup_dir"` // default <dir>/backups
	BackupKeep    int    `toml:"backup_keep" validate:"gte=0"`
}

// PathsConfig contains the data directory layout. Each source directory
// has gzipped/ and json/ subdirectories.
type PathsConfig struct {
	Data        string `toml:"data" validate:"required"`
	Sets        string `toml:"sets"`
	Prices      string `toml:"prices"`
	Collections string `toml:"collections"`
}

// IngestConfig contains batch writer settings.
type IngestConfig struct {
	BatchSize      int `toml:"batch_size" validate:"gte=1,lte=100000"`
	PriceBatchSize int `toml:"price_batch_size" validate:"gte=1,lte=100000"`
	Workers        int `toml:"workers" validate:"gte=1,lte=64"`

	// AsyncPrices feeds prices through a queued background writer that
	// drains within DrainTimeout when interrupted.
	AsyncPrices  bool   `toml:"async_prices"`
	DrainTimeout string `toml:"drain_timeout"`
}

// PricesConfig contains price extraction settings.
type PricesConfig struct {
	Provider string `toml:"provider" validate:"required"`
}

// DownloadConfig contains MTGJSON client settings.
type DownloadConfig struct {
	BaseURL    string `toml:"base_url" validate:"required,url"`
	RateLimit  string `toml:"rate_limit"` // minimum spacing between requests
	Timeout    string `toml:"timeout"`
	MaxRetries int    `toml:"max_retries" validate:"gte=0,lte=10"`
	Parallel   int    `toml:"parallel" validate:"gte=1,lte=16"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `toml:"level" validate:"oneof=debug info warn warning error critical"`
	File   string `toml:"file"`
	Format string `toml:"format" validate:"oneof=console json"`
}

// MetricsConfig contains metrics export settings.
type MetricsConfig struct {
	Textfile string `toml:"textfile"` // written after each command when set
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Dir:            "db",
			Name:           "cards.db",
			MaxConnections: 4,
			AcquireTimeout: "30s",
			BusyTimeout:    "5s",
			CacheSize:      10000,
			BackupOnSetup:  true,
			BackupKeep:     5,
		},
		Paths: PathsConfig{
			Data: "data",
		},
		Ingest: IngestConfig{
			BatchSize:      2000,
			PriceBatchSize: 1000,
			Workers:        4,
			DrainTimeout:   "30s",
		},
		Prices: PricesConfig{
			Provider: "tcgplayer",
		},
		Download: DownloadConfig{
			BaseURL:    "https://mtgjson.com/api/v5/",
			RateLimit:  "250ms",
			Timeout:    "30m",
			MaxRetries: 3,
			Parallel:   4,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load builds the configuration: defaults, then the TOML file at path,
// then .env and MTG_* environment variables. An empty path reads
// DefaultFile when it exists. The result is not validated so that CLI
// flags can still be applied.
func Load(path string) (*Config, error) {
	config := DefaultConfig()

	explicit := path != ""
	if !explicit {
		path = DefaultFile
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	case explicit || !os.IsNotExist(err):
		return nil, fmt.Errorf("read config file: %w", err)
	}

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	if err := config.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return config, nil
}

// Save writes the configuration as TOML.
func (c *Config) Save(path string) error {
	data, err := toml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

// ApplyEnv overrides settings from MTG_* variables found by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"MTG_DB_DIR":          &c.Database.Dir,
		"MTG_DB_NAME":         &c.Database.Name,
		"MTG_DB_PATH":         &c.Database.Path,
		"MTG_DATA_DIR":        &c.Paths.Data,
		"MTG_SETS_DIR":        &c.Paths.Sets,
		"MTG_PRICES_DIR":      &c.Paths.Prices,
		"MTG_COLLECTIONS_DIR": &c.Paths.Collections,
		"MTG_LOG_LEVEL":       &c.Log.Level,
		"MTG_LOG_FILE":        &c.Log.File,
		"MTG_PRICE_PROVIDER":  &c.Prices.Provider,
		"MTG_METRICS_FILE":    &c.Metrics.Textfile,
		"MTG_BACKUP_DIR":      &c.Database.BackupDir,
	}
	for key, dst := range strs {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}

	ints := map[string]*int{
		"MTG_BATCH_SIZE":       &c.Ingest.BatchSize,
		"MTG_PRICE_BATCH_SIZE": &c.Ingest.PriceBatchSize,
		"MTG_WORKERS":          &c.Ingest.Workers,
		"MTG_MAX_CONNECTIONS":  &c.Database.MaxConnections,
	}
	for key, dst := range ints {
		v, ok := lookup(key)
		if !ok || v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: %s=%q is not an integer", ErrInvalidConfig, key, v)
		}
		*dst = n
	}

	if v, ok := lookup("MTG_ASYNC_PRICES"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%w: MTG_ASYNC_PRICES=%q is not a boolean", ErrInvalidConfig, v)
		}
		c.Ingest.AsyncPrices = b
	}
	return nil
}

// Validate validates the configuration values and normalizes the log
// level to lower case.
func (c *Config) Validate() error {
	c.Log.Level = strings.ToLower(c.Log.Level)

	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, len(verrs))
			for i, fe := range verrs {
				msgs[i] = fmt.Sprintf("%s failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value())
			}
			return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(msgs, "; "))
		}
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	durations := map[string]string{
		"database.acquire_timeout": c.Database.AcquireTimeout,
		"database.busy_timeout":    c.Database.BusyTimeout,
		"download.rate_limit":      c.Download.RateLimit,
		"download.timeout":         c.Download.Timeout,
		"ingest.drain_timeout":     c.Ingest.DrainTimeout,
	}
	for name, value := range durations {
		if value == "" {
			continue
		}
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("%w: %s %q: %w", ErrInvalidConfig, name, value, err)
		}
	}
	return nil
}

func duration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || s == "" {
		return fallback
	}
	return d
}

// DatabasePath returns the SQLite file path.
func (c *Config) DatabasePath() string {
	if c.Database.Path != "" {
		return c.Database.Path
	}
	return filepath.Join(c.Database.Dir, c.Database.Name)
}

// BackupDir returns the directory database backups are written to.
func (c *Config) BackupDir() string {
	if c.Database.BackupDir != "" {
		return c.Database.BackupDir
	}
	return storage.DefaultBackupDir(c.DatabasePath())
}

// StorageConfig returns the pool configuration.
func (c *Config) StorageConfig() *storage.Config {
	sc := storage.DefaultConfig(c.DatabasePath())
	sc.MaxConnections = c.Database.MaxConnections
	sc.AcquireTimeout = duration(c.Database.AcquireTimeout, sc.AcquireTimeout)
	sc.BusyTimeout = duration(c.Database.BusyTimeout, sc.BusyTimeout)
	if c.Database.CacheSize > 0 {
		sc.CacheSize = c.Database.CacheSize
	}
	return sc
}

// SourceDirs is the gzipped/json pair of one data source.
type SourceDirs struct {
	Gzipped string
	JSON    string
}

func (c *Config) source(override, name string) SourceDirs {
	root := override
	if root == "" {
		root = filepath.Join(c.Paths.Data, name)
	}
	return SourceDirs{Gzipped: filepath.Join(root, "gzipped"), JSON: filepath.Join(root, "json")}
}

// SetsDirs returns the per-set and AllPrintings directories.
func (c *Config) SetsDirs() SourceDirs { return c.source(c.Paths.Sets, "sets") }

// PricesDirs returns the AllPrices directories.
func (c *Config) PricesDirs() SourceDirs { return c.source(c.Paths.Prices, "prices") }

// CollectionsDirs returns the collection file directories.
func (c *Config) CollectionsDirs() SourceDirs {
	return c.source(c.Paths.Collections, "collections")
}

// RateLimit returns the download request spacing.
func (c *Config) RateLimit() time.Duration { return duration(c.Download.RateLimit, 0) }

// DownloadTimeout returns the per-request download timeout.
func (c *Config) DownloadTimeout() time.Duration {
	return duration(c.Download.Timeout, 30*time.Minute)
}

// DrainTimeout returns how long the async price writer may spend writing
// queued records after it is stopped.
func (c *Config) DrainTimeout() time.Duration {
	return duration(c.Ingest.DrainTimeout, 30*time.Second)
}
