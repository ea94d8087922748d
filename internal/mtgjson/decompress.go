package mtgjson

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"
)

// ErrSourceDir is returned when the gzip source directory is missing.
var ErrSourceDir = errors.New("source directory not found")

// JSONName returns the decompressed name of a gzip file.
func JSONName(gzPath string) string {
	return strings.TrimSuffix(filepath.Base(gzPath), ".gz")
}

// Decompress writes the contents of the gzip file src into destDir and
// returns the new path.
func Decompress(src, destDir string) (path string, err error) {
	in, err := os.Open(src)
	if err != nil {
		return "", err
	}
	defer in.Close()

	zr, err := gzip.NewReader(in)
	if err != nil {
		return "", fmt.Errorf("failed to create gzip reader for %s: %w", src, err)
	}
	defer zr.Close()

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create directory: %w", err)
	}

	path = filepath.Join(destDir, JSONName(src))
	tmp, err := os.CreateTemp(destDir, JSONName(src)+".*.tmp")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tmp.Name())
		}
	}()

	if _, err = io.Copy(tmp, zr); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("failed to decompress %s: %w", src, err)
	}
	if err = tmp.Close(); err != nil {
		return "", err
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("failed to rename file: %w", err)
	}
	return path, nil
}

// DecompressDir decompresses every *.json.gz in srcDir into destDir, in
// name order. A corrupt file is logged and skipped.
func DecompressDir(srcDir, destDir string, log *zap.Logger) ([]string, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if _, err := os.Stat(srcDir); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrSourceDir, srcDir)
	}

	files, err := filepath.Glob(filepath.Join(srcDir, "*.json.gz"))
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	if len(files) == 0 {
		log.Warn("No gzipped files found", zap.String("dir", srcDir))
		return nil, nil
	}

	log.Info("Decompressing files", zap.Int("count", len(files)), zap.String("dir", srcDir))
	var out []string
	for _, src := range files {
		path, err := Decompress(src, destDir)
		if err != nil {
			log.Error("Failed to decompress", zap.String("file", filepath.Base(src)), zap.Error(err))
			continue
		}
		log.Debug("Decompressed", zap.String("file", filepath.Base(src)))
		out = append(out, path)
	}
	log.Info("Decompressed files", zap.Int("count", len(out)))
	return out, nil
}

type gzipFile struct {
	*gzip.Reader
	file *os.File
}

func (g gzipFile) Close() error {
	return errors.Join(g.Reader.Close(), g.file.Close())
}

// Open opens a JSON document, transparently decompressing .gz files.
func Open(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(filepath.Ext(path), ".gz") {
		return f, nil
	}

	zr, err := gzip.NewReader(f)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("failed to create gzip reader for %s: %w", path, err)
	}
	return gzipFile{Reader: zr, file: f}, nil
}
