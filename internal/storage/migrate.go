package storage

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// migrationLogger adapts zap to migrate.Logger.
type migrationLogger struct {
	log *zap.Logger
}

func (l migrationLogger) Printf(format string, v ...any) {
	l.log.Debug(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func (l migrationLogger) Verbose() bool {
	return l.log.Core().Enabled(zap.DebugLevel)
}

// MigrationManager applies the embedded cards and card_prices migrations.
// It runs on its own handle so the pool's pinned sessions are untouched.
type MigrationManager struct {
	m *migrate.Migrate
}

// NewMigrationManager opens a migration handle on the database described
// by config. The handle uses the same DSN, and so the same busy timeout,
// as the pool.
func NewMigrationManager(config *Config, log *zap.Logger) (*MigrationManager, error) {
	if log == nil {
		log = zap.NewNop()
	}

	db, err := openDB(config)
	if err != nil {
		return nil, err
	}
	m, err := newMigrate(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	m.Log = migrationLogger{log: log.Named("migrate")}
	return &MigrationManager{m: m}, nil
}

func newMigrate(db *sql.DB) (*migrate.Migrate, error) {
	sub, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to access embedded migrations: %w", err)
	}
	source, err := iofs.New(sub, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to load embedded migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(db, &sqlite.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize migrations: %w", err)
	}
	return m, nil
}

// settled maps the "nothing to do" results of migrate to nil.
func settled(op string, err error) error {
	if err == nil || errors.Is(err, migrate.ErrNoChange) {
		return nil
	}
	return fmt.Errorf("migration %s: %w", op, err)
}

// Up applies all pending migrations.
func (mm *MigrationManager) Up() error {
	return settled("up", mm.m.Up())
}

// Down reverts every applied migration, newest first, so card_prices is
// dropped before cards. A database with nothing applied is left as is.
func (mm *MigrationManager) Down() error {
	err := mm.m.Down()
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return settled("down", err)
}

// Steps applies n migrations up, or -n down when n is negative.
func (mm *MigrationManager) Steps(n int) error {
	return settled(fmt.Sprintf("steps %d", n), mm.m.Steps(n))
}

// Version reports the applied version. An unmigrated database is
// version 0.
func (mm *MigrationManager) Version() (uint, bool, error) {
	version, dirty, err := mm.m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("migration version: %w", err)
	}
	return version, dirty, nil
}

// Force records version as applied and clears the dirty flag without
// running anything. It is the recovery path after a failed migration.
func (mm *MigrationManager) Force(version int) error {
	return settled(fmt.Sprintf("force %d", version), mm.m.Force(version))
}

// Close releases the migration handle.
func (mm *MigrationManager) Close() error {
	srcErr, dbErr := mm.m.Close()
	return errors.Join(srcErr, dbErr)
}
