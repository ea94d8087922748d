package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"
)

// BackupExt is the extension of backup files.
const BackupExt = ".db"

// BackupInfo describes a backup file.
type BackupInfo struct {
	Path    string
	Name    string
	Size    int64
	ModTime time.Time
}

// DefaultBackupDir returns the backups directory next to a database file.
func DefaultBackupDir(dbPath string) string {
	return filepath.Join(filepath.Dir(dbPath), "backups")
}

// Backup writes a consistent copy of the pool's database into dir with
// VACUUM INTO and verifies it. The file is named after the database and
// the given time.
func Backup(ctx context.Context, pool *Pool, dir string, now time.Time) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create backup directory: %w", err)
	}

	stem := strings.TrimSuffix(filepath.Base(pool.Path()), filepath.Ext(pool.Path()))
	path := filepath.Join(dir, fmt.Sprintf("%s_%s%s", stem, now.UTC().Format("20060102_150405"), BackupExt))
	if _, err := os.Stat(path); err == nil {
		return "", fmt.Errorf("backup %s already exists", path)
	}

	query := fmt.Sprintf("VACUUM INTO '%s'", strings.ReplaceAll(path, "'", "''"))
	err := pool.With(ctx, func(conn *sql.Conn) error {
		_, err := conn.ExecContext(ctx, query)
		return err
	})
	if err != nil {
		return "", &DatabaseError{Op: "backup", Query: query, Err: err}
	}

	if err := VerifyBackup(ctx, path); err != nil {
		_ = os.Remove(path)
		return "", fmt.Errorf("backup verification failed: %w", err)
	}
	pool.log.Info("Database backed up", zap.String("path", path))
	return path, nil
}

// VerifyBackup opens a backup read-only and runs an integrity check.
func VerifyBackup(ctx context.Context, path string) error {
	if !Exists(path) {
		return fmt.Errorf("backup file does not exist: %s", path)
	}
	db, err := sql.Open(DriverName, "file:"+filepath.ToSlash(path)+"?mode=ro")
	if err != nil {
		return fmt.Errorf("failed to open backup: %w", err)
	}
	defer func() { _ = db.Close() }()

	var result string
	if err := db.QueryRowContext(ctx, "PRAGMA quick_check").Scan(&result); err != nil {
		return fmt.Errorf("failed to check backup: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("backup integrity check: %s", result)
	}
	return nil
}

// ListBackups returns the backups in dir, newest first. A missing
// directory has no backups.
func ListBackups(dir string) ([]BackupInfo, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read backup directory: %w", err)
	}

	var backups []BackupInfo
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != BackupExt {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		backups = append(backups, BackupInfo{
			Path:    filepath.Join(dir, entry.Name()),
			Name:    entry.Name(),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}

	// Names embed a sortable timestamp.
	slices.SortFunc(backups, func(a, b BackupInfo) int { return strings.Compare(b.Name, a.Name) })
	return backups, nil
}

// PruneBackups removes all but the newest keep backups in dir and
// returns how many were removed. keep <= 0 keeps everything.
func PruneBackups(dir string, keep int, log *zap.Logger) (int, error) {
	if keep <= 0 {
		return 0, nil
	}
	if log == nil {
		log = zap.NewNop()
	}
	backups, err := ListBackups(dir)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, b := range backups[min(keep, len(backups)):] {
		if err := os.Remove(b.Path); err != nil {
			return removed, fmt.Errorf("failed to remove backup: %w", err)
		}
		log.Debug("Removed old backup", zap.String("path", b.Path))
		removed++
	}
	return removed, nil
}
