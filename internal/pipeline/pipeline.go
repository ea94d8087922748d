// Package pipeline runs the load commands: per-set, collection and
// catalog card loads, price loads, and the setup/update workflows that
// chain download, load and verification.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ramonehamilton/mtgjson-loader/internal/catalog"
	"github.com/ramonehamilton/mtgjson-loader/internal/config"
	"github.com/ramonehamilton/mtgjson-loader/internal/ingest"
	"github.com/ramonehamilton/mtgjson-loader/internal/metrics"
	"github.com/ramonehamilton/mtgjson-loader/internal/mtgjson"
	"github.com/ramonehamilton/mtgjson-loader/internal/pricing"
	"github.com/ramonehamilton/mtgjson-loader/internal/report"
	"github.com/ramonehamilton/mtgjson-loader/internal/storage"
)

var (
	// ErrSourceNotFound is returned when an input file or directory is
	// missing.
	ErrSourceNotFound = errors.New("source data not found")

	// ErrDatabaseMissing is returned by commands that need an existing
	// database.
	ErrDatabaseMissing = errors.New("database not found")
)

// Result is the outcome of one load command.
type Result struct {
	RunID   string
	Kind    string
	Files   int
	Summary *ingest.Summary
	Cards   catalog.Stats
	Prices  pricing.Stats
}

// Pipeline owns the pool for the duration of a command.
type Pipeline struct {
	config  *config.Config
	log     *zap.Logger
	metrics *metrics.Collector
	client  *mtgjson.Client
	pool    *storage.Pool
}

// New creates a pipeline. The database is opened on first use. log and m
// may be nil.
func New(cfg *config.Config, log *zap.Logger, m *metrics.Collector) *Pipeline {
	if log == nil {
		log = zap.NewNop()
	}
	client := mtgjson.NewClient(mtgjson.Options{
		BaseURL:    cfg.Download.BaseURL,
		RateLimit:  cfg.RateLimit(),
		Timeout:    cfg.DownloadTimeout(),
		MaxRetries: uint64(cfg.Download.MaxRetries),
		Parallel:   cfg.Download.Parallel,
	}, log, m)

	return &Pipeline{config: cfg, log: log.Named("pipeline"), metrics: m, client: client}
}

// Client returns the download client.
func (p *Pipeline) Client() *mtgjson.Client { return p.client }

// Close releases the pool.
func (p *Pipeline) Close() error {
	if p.pool == nil {
		return nil
	}
	err := p.pool.CloseAll()
	p.pool = nil
	return err
}

func (p *Pipeline) open() (*storage.Pool, error) {
	if p.pool != nil {
		return p.pool, nil
	}
	sc := p.config.StorageConfig()
	if err := os.MkdirAll(filepath.Dir(sc.Path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	pool, err := storage.NewPool(sc, p.log)
	if err != nil {
		return nil, err
	}
	pool.OnWait = p.metrics.ObservePoolWait
	p.pool = pool
	return pool, nil
}

// Store opens an existing database for reading.
func (p *Pipeline) Store() (*storage.Pool, error) {
	if p.pool == nil && !storage.Exists(p.config.DatabasePath()) {
		return nil, fmt.Errorf("%w at %s, load cards first", ErrDatabaseMissing, p.config.DatabasePath())
	}
	return p.open()
}

// prepare opens the pool and ensures the schema. fresh drops all data.
func (p *Pipeline) prepare(ctx context.Context, fresh bool) (*storage.Pool, error) {
	pool, err := p.open()
	if err != nil {
		return nil, err
	}
	if err := storage.NewSchemaManager(pool, p.log).Create(ctx, fresh); err != nil {
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return pool, nil
}

func (p *Pipeline) newRun(kind string) (*Result, *zap.Logger) {
	r := &Result{RunID: uuid.NewString(), Kind: kind, Summary: &ingest.Summary{Kind: kind}}
	return r, p.log.With(zap.String("run_id", r.RunID), zap.String("kind", kind))
}

// retry is the statement retry policy with retries counted in metrics.
func (p *Pipeline) retry() storage.RetryPolicy {
	policy := storage.StatementRetry()
	policy.OnRetry = p.metrics.ObserveRetry
	return policy
}

func (p *Pipeline) cardEngine(pool *storage.Pool, log *zap.Logger) *ingest.Engine[*storage.Card] {
	opts := ingest.DefaultOptions("cards", p.config.Ingest.BatchSize)
	opts.Workers = p.config.Ingest.Workers
	return ingest.NewEngine[*storage.Card](pool, storage.NewCardUpserter(p.retry()), opts, log, p.metrics)
}

func (p *Pipeline) priceEngine(pool *storage.Pool, log *zap.Logger) *ingest.Engine[storage.PriceRecord] {
	opts := ingest.DefaultOptions("prices", p.config.Ingest.PriceBatchSize)
	opts.Workers = p.config.Ingest.Workers
	return ingest.NewEngine[storage.PriceRecord](pool, storage.NewPriceUpserter(p.retry()), opts, log, p.metrics)
}

// writePricesAsync feeds records through a background writer. On
// cancellation it stops submitting and drains what is already queued
// within the configured drain timeout.
func (p *Pipeline) writePricesAsync(ctx context.Context, pool *storage.Pool, seq iter.Seq[storage.PriceRecord], log *zap.Logger) (*ingest.Summary, error) {
	opts := ingest.DefaultAsyncOptions("prices", p.config.Ingest.PriceBatchSize)
	opts.StopTimeout = p.config.DrainTimeout()
	w := ingest.NewAsyncWriter[storage.PriceRecord](pool, storage.NewPriceUpserter(p.retry()), opts, log, p.metrics)
	w.Start(context.WithoutCancel(ctx))

	var submitErr error
	for record := range seq {
		if submitErr = ctx.Err(); submitErr != nil {
			break
		}
		if submitErr = w.Submit(ctx, record); submitErr != nil {
			break
		}
	}
	if submitErr != nil {
		log.Warn("Stopping price writer early", zap.Int("pending", w.Pending()), zap.Error(submitErr))
	}

	summary, stopErr := w.Stop()
	return summary, errors.Join(submitErr, stopErr)
}

// loadCards streams one document into the cards table.
func (p *Pipeline) loadCards(ctx context.Context, engine *ingest.Engine[*storage.Card], path string, collection *string, log *zap.Logger, r *Result) error {
	f, err := mtgjson.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrSourceNotFound, path)
	}
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	seq, stats := catalog.Cards(ctx, f, collection, log)
	summary, runErr := engine.RunSeq(ctx, seq)
	extracted, streamErr := stats()

	r.Files++
	r.Summary.Merge(summary)
	r.Cards.Add(extracted)

	log.Info("Loaded file",
		zap.String("file", filepath.Base(path)),
		zap.Int("sets", extracted.Sets),
		zap.Int("cards", extracted.Cards),
		zap.Int("skipped", extracted.Skipped),
		zap.String("summary", summary.String()),
	)

	if streamErr != nil {
		return fmt.Errorf("failed to read %s: %w", path, streamErr)
	}
	return runErr
}

// ProcessSets loads per-set files. With no files given the sets gzip
// directory is decompressed and every set document in the json directory
// is loaded; the AllPrintings catalog is left to ProcessCatalog.
func (p *Pipeline) ProcessSets(ctx context.Context, files []string, fresh bool) (*Result, error) {
	if len(files) == 0 {
		var err error
		if files, err = p.decompressed(p.config.SetsDirs()); err != nil {
			return nil, err
		}
		files = slicesWithout(files, mtgjson.JSONName(mtgjson.AllPrintingsFile))
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%w: no set files", ErrSourceNotFound)
	}

	pool, err := p.prepare(ctx, fresh)
	if err != nil {
		return nil, err
	}

	r, log := p.newRun("cards")
	engine := p.cardEngine(pool, log)
	var errs []error
	for _, path := range files {
		if ctx.Err() != nil {
			break
		}
		if err := p.loadCards(ctx, engine, path, nil, log, r); err != nil {
			log.Error("Failed to load set file", zap.String("file", path), zap.Error(err))
			errs = append(errs, err)
		}
	}
	if err := ctx.Err(); err != nil {
		errs = append(errs, err)
	}

	log.Info("Card processing complete", zap.Int("files", r.Files), zap.String("summary", r.Summary.String()))
	return r, errors.Join(errs...)
}

// CollectionName derives a collection name from a file name.
func CollectionName(path string) string {
	base := filepath.Base(path)
	for _, ext := range []string{".gz", ".json"} {
		base = strings.TrimSuffix(base, ext)
	}
	return base
}

// ProcessCollections loads collection files, tagging each card with the
// file's collection name.
func (p *Pipeline) ProcessCollections(ctx context.Context, files []string, fresh bool) (*Result, error) {
	if len(files) == 0 {
		var err error
		if files, err = p.decompressed(p.config.CollectionsDirs()); err != nil {
			return nil, err
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%w: no collection files", ErrSourceNotFound)
	}

	pool, err := p.prepare(ctx, fresh)
	if err != nil {
		return nil, err
	}
	if _, err := storage.NewSchemaManager(pool, p.log).EnsureColumnExists(ctx, "cards", "collection_name", "TEXT"); err != nil {
		return nil, err
	}

	r, log := p.newRun("collections")
	engine := p.cardEngine(pool, log)
	var errs []error
	for _, path := range files {
		if ctx.Err() != nil {
			break
		}
		name := CollectionName(path)
		if err := p.loadCards(ctx, engine, path, &name, log.With(zap.String("collection", name)), r); err != nil {
			log.Error("Failed to load collection", zap.String("file", path), zap.Error(err))
			errs = append(errs, err)
		}
	}
	if err := ctx.Err(); err != nil {
		errs = append(errs, err)
	}

	log.Info("Collection processing complete", zap.Int("files", r.Files), zap.String("summary", r.Summary.String()))
	return r, errors.Join(errs...)
}

// ProcessCatalog loads AllPrintings, streaming it straight from the gzip
// file when present.
func (p *Pipeline) ProcessCatalog(ctx context.Context, fresh bool) (*Result, error) {
	source, err := sourceFile(p.config.SetsDirs(), mtgjson.AllPrintingsFile)
	if err != nil {
		return nil, err
	}

	pool, err := p.prepare(ctx, fresh)
	if err != nil {
		return nil, err
	}

	r, log := p.newRun("catalog")
	if err := p.loadCards(ctx, p.cardEngine(pool, log), source, nil, log, r); err != nil {
		return r, err
	}
	return r, nil
}

// ProcessPrices loads AllPrices for cards already in the database, dated
// today (UTC).
func (p *Pipeline) ProcessPrices(ctx context.Context) (*Result, error) {
	source, err := sourceFile(p.config.PricesDirs(), mtgjson.AllPricesFile)
	if err != nil {
		return nil, err
	}
	if p.pool == nil && !storage.Exists(p.config.DatabasePath()) {
		return nil, fmt.Errorf("%w at %s, load cards first", ErrDatabaseMissing, p.config.DatabasePath())
	}

	pool, err := p.prepare(ctx, false)
	if err != nil {
		return nil, err
	}

	known, err := storage.ExistingCardUUIDs(ctx, pool.DB())
	if err != nil {
		return nil, err
	}
	extractor, err := pricing.NewExtractor(p.config.Prices.Provider)
	if err != nil {
		return nil, err
	}

	r, log := p.newRun("prices")
	log.Info("Loading prices", zap.String("provider", extractor.Provider()), zap.Int("known_cards", len(known)))

	f, err := mtgjson.Open(source)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", source, err)
	}
	defer f.Close()

	seq, stats := pricing.Records(ctx, f, pricing.RecordsOptions{
		Extractor: extractor,
		Date:      pricing.Today(),
		Known: func(id string) bool {
			_, ok := known[id]
			return ok
		},
		Log:     log,
		Metrics: p.metrics,
	})
	var (
		summary *ingest.Summary
		runErr  error
	)
	if p.config.Ingest.AsyncPrices {
		summary, runErr = p.writePricesAsync(ctx, pool, seq, log)
	} else {
		summary, runErr = p.priceEngine(pool, log).RunSeq(ctx, seq)
	}
	priced, streamErr := stats()

	r.Files = 1
	r.Summary = summary
	r.Prices = priced

	log.Info("Price processing complete",
		zap.Int("seen", priced.Seen),
		zap.Int("priced", priced.Priced),
		zap.Int("no_price", priced.NoPrice),
		zap.Int("unknown", priced.Unknown),
		zap.String("summary", summary.String()),
	)

	if streamErr != nil {
		return r, fmt.Errorf("failed to read %s: %w", source, streamErr)
	}
	return r, runErr
}

// ClearPrices deletes all price rows.
func (p *Pipeline) ClearPrices(ctx context.Context) (int64, error) {
	pool, err := p.Store()
	if err != nil {
		return 0, err
	}
	n, err := storage.ClearPrices(ctx, pool.DB(), p.retry())
	if err != nil {
		return 0, err
	}
	p.log.Info("Cleared prices", zap.Int64("rows", n))
	return n, nil
}

// Verify runs the verification report.
func (p *Pipeline) Verify(ctx context.Context, withPrices bool) (*report.Report, error) {
	pool, err := p.Store()
	if err != nil {
		return nil, err
	}
	return report.NewVerifier(pool.DB(), p.log).Verify(ctx, withPrices)
}

// Downloads fetches the catalog and price dumps, skipping unchanged files.
// It reports whether anything new was downloaded.
func (p *Pipeline) Downloads(ctx context.Context) (bool, error) {
	targets := []struct {
		name string
		dir  string
	}{
		{mtgjson.AllPrintingsFile, p.config.SetsDirs().Gzipped},
		{mtgjson.AllPricesFile, p.config.PricesDirs().Gzipped},
	}

	changed := false
	for _, t := range targets {
		_, downloaded, err := p.client.SmartDownload(ctx, t.name, t.dir)
		if err != nil {
			return changed, err
		}
		changed = changed || downloaded
	}
	return changed, nil
}

// Workflow is the combined outcome of setup or update.
type Workflow struct {
	Cards   *Result
	Prices  *Result
	Cleared int64
	Report  *report.Report
	Backup  string // set when setup backed up an existing database
}

// Setup downloads everything and rebuilds the database from scratch. An
// existing database is backed up first when configured.
func (p *Pipeline) Setup(ctx context.Context) (*Workflow, error) {
	if _, err := p.Downloads(ctx); err != nil {
		return nil, fmt.Errorf("download failed: %w", err)
	}

	var backup string
	if p.config.Database.BackupOnSetup && storage.Exists(p.config.DatabasePath()) {
		var err error
		if backup, err = p.Backup(ctx); err != nil {
			return nil, err
		}
	}

	w, err := p.reload(ctx, true)
	if w != nil {
		w.Backup = backup
	}
	return w, err
}

// Backup copies the database into the backup directory and prunes old
// copies. It returns the new backup's path.
func (p *Pipeline) Backup(ctx context.Context) (string, error) {
	pool, err := p.Store()
	if err != nil {
		return "", err
	}
	dir := p.config.BackupDir()
	path, err := storage.Backup(ctx, pool, dir, time.Now())
	if err != nil {
		return "", err
	}
	if _, err := storage.PruneBackups(dir, p.config.Database.BackupKeep, p.log); err != nil {
		p.log.Warn("Failed to prune backups", zap.Error(err))
	}
	return path, nil
}

// Update refreshes downloads, upserts the catalog and replaces prices.
func (p *Pipeline) Update(ctx context.Context) (*Workflow, error) {
	changed, err := p.Downloads(ctx)
	if err != nil {
		return nil, fmt.Errorf("download failed: %w", err)
	}
	if !changed {
		p.log.Info("Source files unchanged, reloading anyway")
	}
	return p.reload(ctx, false)
}

func (p *Pipeline) reload(ctx context.Context, fresh bool) (*Workflow, error) {
	w := &Workflow{}
	var err error

	if w.Cards, err = p.ProcessCatalog(ctx, fresh); err != nil {
		return w, err
	}
	if !fresh {
		if w.Cleared, err = p.ClearPrices(ctx); err != nil {
			return w, err
		}
	}
	if w.Prices, err = p.ProcessPrices(ctx); err != nil {
		return w, err
	}
	if w.Report, err = p.Verify(ctx, true); err != nil {
		return w, err
	}
	return w, nil
}

// Decompress decompresses every source directory.
func (p *Pipeline) Decompress() ([]string, error) {
	var out []string
	for _, dirs := range []config.SourceDirs{p.config.SetsDirs(), p.config.PricesDirs(), p.config.CollectionsDirs()} {
		if _, err := os.Stat(dirs.Gzipped); err != nil {
			continue
		}
		paths, err := mtgjson.DecompressDir(dirs.Gzipped, dirs.JSON, p.log)
		if err != nil {
			return out, err
		}
		out = append(out, paths...)
	}
	return out, nil
}

// decompressed decompresses dirs and lists the resulting JSON files.
func (p *Pipeline) decompressed(dirs config.SourceDirs) ([]string, error) {
	if _, err := mtgjson.DecompressDir(dirs.Gzipped, dirs.JSON, p.log); err != nil {
		if errors.Is(err, mtgjson.ErrSourceDir) {
			return nil, fmt.Errorf("%w: %s", ErrSourceNotFound, dirs.Gzipped)
		}
		return nil, err
	}
	files, err := filepath.Glob(filepath.Join(dirs.JSON, "*.json"))
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

// sourceFile prefers the gzip download and falls back to a decompressed
// copy.
func sourceFile(dirs config.SourceDirs, name string) (string, error) {
	candidates := []string{
		filepath.Join(dirs.Gzipped, name),
		filepath.Join(dirs.JSON, mtgjson.JSONName(name)),
	}
	for _, path := range candidates {
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path, nil
		}
	}
	return "", fmt.Errorf("%w: %s (run the matching download command first)", ErrSourceNotFound, candidates[0])
}

func slicesWithout(paths []string, base string) []string {
	out := paths[:0]
	for _, path := range paths {
		if filepath.Base(path) != base {
			out = append(out, path)
		}
	}
	return out
}
