// Package watch decompresses gzip downloads as they land in a directory.
package watch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/ramonehamilton/mtgjson-loader/internal/mtgjson"
)

// Dir pairs a watched gzip directory with its output directory.
type Dir struct {
	Gzipped string
	JSON    string
}

// Config configures a Watcher.
type Config struct {
	Dirs []Dir

	// Settle is how long a file must go without events before it is
	// decompressed.
	Settle time.Duration

	// Initial decompresses files already present at start.
	Initial bool

	// OnDecompressed is called after each file is written. Optional.
	OnDecompressed func(path string)
}

// Watcher decompresses new or changed *.json.gz files.
type Watcher struct {
	config   Config
	log      *zap.Logger
	stopChan chan struct{}
	stopOnce sync.Once

	pending map[string]pendingFile // gz path -> last event
}

type pendingFile struct {
	dir  Dir
	seen time.Time
}

// New creates a watcher. log may be nil.
func New(config Config, log *zap.Logger) *Watcher {
	if config.Settle <= 0 {
		config.Settle = 500 * time.Millisecond
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Watcher{
		config:   config,
		log:      log.Named("watch"),
		stopChan: make(chan struct{}),
		pending:  make(map[string]pendingFile),
	}
}

// Start watches until ctx is done or Stop is called.
func (w *Watcher) Start(ctx context.Context) (err error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer func() {
		if closeErr := watcher.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	dirs := make(map[string]Dir, len(w.config.Dirs))
	for _, d := range w.config.Dirs {
		if err := os.MkdirAll(d.Gzipped, 0o755); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
		if err := watcher.Add(d.Gzipped); err != nil {
			return fmt.Errorf("failed to watch %s: %w", d.Gzipped, err)
		}
		dirs[filepath.Clean(d.Gzipped)] = d

		if w.config.Initial {
			w.decompressAll(d)
		}
	}
	w.log.Info("Watching for gzipped files", zap.Int("dirs", len(dirs)))

	ticker := time.NewTicker(w.config.Settle / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.stopChan:
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if !strings.HasSuffix(event.Name, ".json.gz") {
				continue
			}
			d, ok := dirs[filepath.Dir(event.Name)]
			if !ok {
				continue
			}
			w.pending[event.Name] = pendingFile{dir: d, seen: time.Now()}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("File watcher error", zap.Error(err))
		case now := <-ticker.C:
			w.flushSettled(now)
		}
	}
}

// Stop stops a running watcher.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.stopChan) })
}

func (w *Watcher) flushSettled(now time.Time) {
	for path, p := range w.pending {
		if now.Sub(p.seen) < w.config.Settle {
			continue
		}
		delete(w.pending, path)
		w.decompress(path, p.dir)
	}
}

func (w *Watcher) decompress(path string, d Dir) {
	out, err := mtgjson.Decompress(path, d.JSON)
	if err != nil {
		w.log.Error("Failed to decompress", zap.String("file", filepath.Base(path)), zap.Error(err))
		return
	}
	w.log.Info("Decompressed", zap.String("file", filepath.Base(path)), zap.String("output", out))
	if w.config.OnDecompressed != nil {
		w.config.OnDecompressed(out)
	}
}

func (w *Watcher) decompressAll(d Dir) {
	files, err := filepath.Glob(filepath.Join(d.Gzipped, "*.json.gz"))
	if err != nil {
		w.log.Warn("Failed to list gzipped files", zap.Error(err))
		return
	}
	for _, path := range files {
		w.decompress(path, d)
	}
}
