package mtgjson

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	// AllPrintingsFile is the complete card catalog.
	AllPrintingsFile = "AllPrintings.json.gz"

	// AllPricesFile is the price dump.
	AllPricesFile = "AllPrices.json.gz"
)

// Collections are the format collection files published by MTGJSON.
var Collections = []string{
	"Alchemy", "Commander", "Explorer", "Historic", "Legacy",
	"Modern", "Pioneer", "Standard", "Vintage",
}

var (
	// ErrHashMismatch is returned when a downloaded file does not match
	// its published sha256.
	ErrHashMismatch = errors.New("downloaded file hash mismatch")

	// ErrUnknownCollection is returned for a collection name MTGJSON does
	// not publish.
	ErrUnknownCollection = errors.New("unknown collection")

	// ErrNoSetCodes is returned when no usable set code was given.
	ErrNoSetCodes = errors.New("no set codes provided")
)

// SetFile returns the file name of one set.
func SetFile(code string) string {
	return strings.ToUpper(strings.TrimSpace(code)) + ".json.gz"
}

// CollectionFile resolves a collection name case-insensitively and returns
// its file name.
func CollectionFile(name string) (string, error) {
	for _, c := range Collections {
		if strings.EqualFold(c, strings.TrimSpace(name)) {
			return c + ".json.gz", nil
		}
	}
	return "", fmt.Errorf("%w %q (available: %s)", ErrUnknownCollection, name, strings.Join(Collections, ", "))
}

// SetCodes upper-cases and dedupes codes, keeping their order.
func SetCodes(codes []string) ([]string, error) {
	var out []string
	for _, code := range codes {
		code = strings.ToUpper(strings.TrimSpace(code))
		if code != "" && !slices.Contains(out, code) {
			out = append(out, code)
		}
	}
	if len(out) == 0 {
		return nil, ErrNoSetCodes
	}
	return out, nil
}

// FileHash returns the hex sha256 of the file at path.
func FileHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("failed to hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Download fetches name into destDir unconditionally and returns the
// file path. The file is written to a temp file and renamed into place.
func (c *Client) Download(ctx context.Context, name, destDir string) (string, error) {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create directory: %w", err)
	}
	path := filepath.Join(destDir, name)

	c.log.Info("Downloading file", zap.String("url", c.URL(name)))
	var written int64
	err := c.get(ctx, c.URL(name), func(body io.Reader) error {
		tmp, err := os.CreateTemp(destDir, name+".*.tmp")
		if err != nil {
			return fmt.Errorf("failed to create temp file: %w", err)
		}
		tmpPath := tmp.Name()

		written, err = io.Copy(tmp, body)
		if closeErr := tmp.Close(); err == nil {
			err = closeErr
		}
		if err != nil {
			_ = os.Remove(tmpPath)
			return fmt.Errorf("failed to write file: %w", err)
		}

		if err := os.Rename(tmpPath, path); err != nil {
			_ = os.Remove(tmpPath)
			return fmt.Errorf("failed to rename file: %w", err)
		}
		return nil
	})
	if err != nil {
		c.metrics.ObserveDownload("failed")
		return "", fmt.Errorf("failed to download %s: %w", name, err)
	}

	c.metrics.ObserveDownload("fetched")
	c.log.Info("Downloaded file",
		zap.String("path", path),
		zap.Float64("size_mb", float64(written)/(1024*1024)),
	)
	return path, nil
}

// SmartDownload fetches name only when the local copy differs from the
// published sha256, and verifies the new file against it. When the hash
// cannot be fetched the file is downloaded unverified. The bool reports
// whether a download happened.
func (c *Client) SmartDownload(ctx context.Context, name, destDir string) (string, bool, error) {
	path := filepath.Join(destDir, name)

	expected, err := c.Hash(ctx, name)
	if err != nil {
		if ctx.Err() != nil {
			return "", false, ctx.Err()
		}
		c.log.Warn("Hash check failed, downloading anyway", zap.String("file", name), zap.Error(err))
		path, err := c.Download(ctx, name, destDir)
		return path, err == nil, err
	}

	if local, err := FileHash(path); err == nil && local == expected {
		c.metrics.ObserveDownload("unchanged")
		c.log.Info("File is up to date", zap.String("file", name))
		return path, false, nil
	}

	if _, err := c.Download(ctx, name, destDir); err != nil {
		return "", false, err
	}

	actual, err := FileHash(path)
	if err != nil {
		return "", false, err
	}
	if actual != expected {
		_ = os.Remove(path)
		return "", false, fmt.Errorf("%w for %s: expected %s, got %s", ErrHashMismatch, name, expected, actual)
	}

	c.log.Info("Downloaded and verified file", zap.String("file", name))
	return path, true, nil
}

// Result is the outcome of one file in a batch download.
type Result struct {
	Name       string
	Path       string
	Downloaded bool
	Err        error
}

// DownloadAll fetches names into destDir with at most Options.Parallel
// downloads in flight. A failed file does not stop the others; the
// returned error joins every per-file failure. Results keep the order of
// names.
func (c *Client) DownloadAll(ctx context.Context, names []string, destDir string, smart bool) ([]Result, error) {
	results := make([]Result, len(names))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.Parallel)

	var mu sync.Mutex
	var failures []error

	for i, name := range names {
		g.Go(func() error {
			r := Result{Name: name}
			if smart {
				r.Path, r.Downloaded, r.Err = c.SmartDownload(gctx, name, destDir)
			} else {
				r.Path, r.Err = c.Download(gctx, name, destDir)
				r.Downloaded = r.Err == nil
			}
			results[i] = r

			if r.Err != nil {
				c.log.Error("Download failed", zap.String("file", name), zap.Error(r.Err))
				mu.Lock()
				failures = append(failures, r.Err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	ok := len(names) - len(failures)
	c.log.Info("Download complete", zap.Int("succeeded", ok), zap.Int("requested", len(names)))
	return results, errors.Join(failures...)
}

// DownloadSets fetches per-set files.
func (c *Client) DownloadSets(ctx context.Context, codes []string, destDir string) ([]Result, error) {
	codes, err := SetCodes(codes)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(codes))
	for i, code := range codes {
		names[i] = SetFile(code)
	}
	return c.DownloadAll(ctx, names, destDir, true)
}

// DownloadCollections fetches collection files.
func (c *Client) DownloadCollections(ctx context.Context, collections []string, destDir string) ([]Result, error) {
	names := make([]string, 0, len(collections))
	for _, collection := range collections {
		name, err := CollectionFile(collection)
		if err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return c.DownloadAll(ctx, names, destDir, true)
}

// ClearDir removes files in dir matching pattern. A missing dir is not an
// error.
func ClearDir(dir, pattern string, log *zap.Logger) error {
	matches, err := filepath.Glob(filepath.Join(dir, pattern))
	if err != nil {
		return err
	}
	removed := 0
	for _, path := range matches {
		info, err := os.Stat(path)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("failed to remove %s: %w", path, err)
		}
		removed++
	}
	if log != nil && removed > 0 {
		log.Info("Cleared files", zap.String("dir", dir), zap.Int("count", removed))
	}
	return nil
}
