package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ramonehamilton/mtgjson-loader/internal/config"
	"github.com/ramonehamilton/mtgjson-loader/internal/logging"
	"github.com/ramonehamilton/mtgjson-loader/internal/metrics"
	"github.com/ramonehamilton/mtgjson-loader/internal/pipeline"
	"github.com/ramonehamilton/mtgjson-loader/internal/version"
)

// app holds the state shared by every command.
type app struct {
	configPath string
	dbPath     string
	logLevel   string
	logFile    string
	batchSize  int
	workers    int

	config  *config.Config
	log     *zap.Logger
	metrics *metrics.Collector
	cleanup func()
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := &app{log: zap.NewNop(), cleanup: func() {}}
	err := a.rootCommand().ExecuteContext(ctx)
	if err != nil {
		a.log.Error("Command failed", zap.Error(err))
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	a.cleanup()
	if err != nil {
		os.Exit(1)
	}
}

func (a *app) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "mtgjson-loader",
		Short:         "Load MTGJSON card and price data into SQLite and export priced card lists",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version.String(),
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.bootstrap(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return a.writeMetrics()
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.configPath, "config", "", "config file (default "+config.DefaultFile+" when present)")
	flags.StringVar(&a.dbPath, "db", "", "SQLite database path")
	flags.StringVar(&a.logLevel, "log-level", "", "log level (debug, info, warning, error, critical)")
	flags.StringVar(&a.logFile, "log-file", "", "also write JSON logs to this file")
	flags.IntVar(&a.batchSize, "batch-size", 0, "records per transaction")
	flags.IntVar(&a.workers, "workers", 0, "concurrent batch writers")

	root.AddCommand(
		a.setupCommand(),
		a.updateCommand(),
		a.processCardsCommand(),
		a.processCollectionsCommand(),
		a.processCatalogCommand(),
		a.processPricesCommand(),
		a.exportTopCommand(),
		a.exportListCommand(),
		a.verifyCommand(),
		a.backupCommand(),
		a.downloadSetsCommand(),
		a.downloadCollectionsCommand(),
		a.downloadFileCommand("download-prices", "Download AllPrices.json.gz", pricesTarget),
		a.downloadFileCommand("download-catalog", "Download AllPrintings.json.gz", catalogTarget),
		a.decompressCommand(),
		a.watchCommand(),
		versionCommand(),
	)
	return root
}

// bootstrap loads configuration, applies flag overrides and builds the logger.
func (a *app) bootstrap(cmd *cobra.Command) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	if flags.Changed("db") {
		cfg.Database.Path = a.dbPath
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = a.logLevel
	}
	if flags.Changed("log-file") {
		cfg.Log.File = a.logFile
	}
	if flags.Changed("batch-size") {
		cfg.Ingest.BatchSize = a.batchSize
		cfg.Ingest.PriceBatchSize = a.batchSize
	}
	if flags.Changed("workers") {
		cfg.Ingest.Workers = a.workers
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log, cleanup, err := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, File: cfg.Log.File})
	if err != nil {
		return err
	}

	a.config = cfg
	a.log = log
	a.cleanup = cleanup
	a.metrics = metrics.New()
	a.log.Debug("Configuration loaded",
		zap.String("command", cmd.Name()),
		zap.String("database", cfg.DatabasePath()),
		zap.Int("batch_size", cfg.Ingest.BatchSize),
		zap.Int("workers", cfg.Ingest.Workers),
	)
	return nil
}

func (a *app) writeMetrics() error {
	if a.config == nil || a.config.Metrics.Textfile == "" {
		return nil
	}
	if err := a.metrics.WriteTextfile(a.config.Metrics.Textfile); err != nil {
		a.log.Warn("Failed to write metrics", zap.Error(err))
	}
	return nil
}

// pipeline runs fn with a pipeline that is closed afterwards.
func (a *app) pipeline(fn func(*pipeline.Pipeline) error) error {
	p := pipeline.New(a.config, a.log, a.metrics)
	err := fn(p)
	if closeErr := p.Close(); closeErr != nil {
		err = errors.Join(err, closeErr)
	}
	return err
}

func versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return nil
		},
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "mtgjson-loader", version.String())
		},
	}
}
