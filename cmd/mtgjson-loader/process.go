package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/ramonehamilton/mtgjson-loader/internal/pipeline"
	"github.com/ramonehamilton/mtgjson-loader/internal/storage"
)

func printResult(w io.Writer, r *pipeline.Result) {
	if r == nil {
		return
	}
	switch r.Kind {
	case "prices":
		fmt.Fprintf(w, "Prices: %d priced, %d without price, %d unknown cards\n",
			r.Prices.Priced, r.Prices.NoPrice, r.Prices.Unknown)
	default:
		fmt.Fprintf(w, "Files: %d, sets: %d, cards: %d, skipped: %d\n",
			r.Files, r.Cards.Sets, r.Cards.Cards, r.Cards.Skipped)
	}
	fmt.Fprintf(w, "Processed %s: %s\n", r.Kind, r.Summary)
}

func printWorkflow(w io.Writer, wf *pipeline.Workflow) {
	if wf == nil {
		return
	}
	if wf.Backup != "" {
		fmt.Fprintf(w, "Backed up existing database to %s\n", wf.Backup)
	}
	printResult(w, wf.Cards)
	if wf.Cleared > 0 {
		fmt.Fprintf(w, "Cleared %d old price records\n", wf.Cleared)
	}
	printResult(w, wf.Prices)
	if wf.Report != nil {
		wf.Report.Render(w)
	}
}

func (a *app) setupCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Download the full catalog and prices and build a fresh database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.pipeline(func(p *pipeline.Pipeline) error {
				wf, err := p.Setup(cmd.Context())
				printWorkflow(cmd.OutOrStdout(), wf)
				return err
			})
		},
	}
}

func (a *app) updateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "update",
		Short: "Refresh downloads, upsert cards and replace prices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.pipeline(func(p *pipeline.Pipeline) error {
				wf, err := p.Update(cmd.Context())
				printWorkflow(cmd.OutOrStdout(), wf)
				return err
			})
		},
	}
}

func (a *app) processCardsCommand() *cobra.Command {
	var fresh bool
	cmd := &cobra.Command{
		Use:   "process-cards [set files...]",
		Short: "Load per-set files (default: every file in the sets directory)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.pipeline(func(p *pipeline.Pipeline) error {
				r, err := p.ProcessSets(cmd.Context(), args, fresh)
				printResult(cmd.OutOrStdout(), r)
				return err
			})
		},
	}
	cmd.Flags().BoolVar(&fresh, "fresh", false, "drop existing tables first (deletes all data)")
	return cmd
}

func (a *app) processCollectionsCommand() *cobra.Command {
	var fresh bool
	cmd := &cobra.Command{
		Use:   "process-collections [files...]",
		Short: "Load collection files, tagging cards with the collection name",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.pipeline(func(p *pipeline.Pipeline) error {
				r, err := p.ProcessCollections(cmd.Context(), args, fresh)
				printResult(cmd.OutOrStdout(), r)
				return err
			})
		},
	}
	cmd.Flags().BoolVar(&fresh, "fresh", false, "drop existing tables first (deletes all data)")
	return cmd
}

func (a *app) processCatalogCommand() *cobra.Command {
	var fresh bool
	cmd := &cobra.Command{
		Use:   "process-catalog",
		Short: "Load AllPrintings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.pipeline(func(p *pipeline.Pipeline) error {
				r, err := p.ProcessCatalog(cmd.Context(), fresh)
				printResult(cmd.OutOrStdout(), r)
				return err
			})
		},
	}
	cmd.Flags().BoolVar(&fresh, "fresh", false, "drop existing tables first (deletes all data)")
	return cmd
}

func (a *app) processPricesCommand() *cobra.Command {
	var clear, async bool
	cmd := &cobra.Command{
		Use:   "process-prices",
		Short: "Load today's prices from AllPrices for cards in the database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("async") {
				a.config.Ingest.AsyncPrices = async
			}
			return a.pipeline(func(p *pipeline.Pipeline) error {
				if clear {
					n, err := p.ClearPrices(cmd.Context())
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "Cleared %d old price records\n", n)
				}
				r, err := p.ProcessPrices(cmd.Context())
				printResult(cmd.OutOrStdout(), r)
				return err
			})
		},
	}
	cmd.Flags().BoolVar(&clear, "clear", false, "delete existing prices first")
	cmd.Flags().BoolVar(&async, "async", false, "write through the queued background writer (drains on interrupt)")
	return cmd
}

func (a *app) verifyCommand() *cobra.Command {
	var skipPrices bool
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Print card and price verification reports",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.pipeline(func(p *pipeline.Pipeline) error {
				rep, err := p.Verify(cmd.Context(), !skipPrices)
				if err != nil {
					return err
				}
				rep.Render(cmd.OutOrStdout())
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&skipPrices, "skip-prices", false, "only verify cards")
	return cmd
}

func (a *app) backupCommand() *cobra.Command {
	var list bool
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Back up the database, or list existing backups",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if list {
				backups, err := storage.ListBackups(a.config.BackupDir())
				if err != nil {
					return err
				}
				for _, b := range backups {
					fmt.Fprintf(out, "%s  %s  %d bytes\n", b.ModTime.Format("2006-01-02 15:04:05"), b.Path, b.Size)
				}
				return nil
			}
			return a.pipeline(func(p *pipeline.Pipeline) error {
				path, err := p.Backup(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "Backed up database to %s\n", path)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&list, "list", false, "list backups, newest first")
	return cmd
}
