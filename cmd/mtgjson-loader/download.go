package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ramonehamilton/mtgjson-loader/internal/config"
	"github.com/ramonehamilton/mtgjson-loader/internal/mtgjson"
	"github.com/ramonehamilton/mtgjson-loader/internal/pipeline"
	"github.com/ramonehamilton/mtgjson-loader/internal/watch"
)

type downloadTarget func(*config.Config) (name string, dirs config.SourceDirs)

func pricesTarget(c *config.Config) (string, config.SourceDirs) {
	return mtgjson.AllPricesFile, c.PricesDirs()
}

func catalogTarget(c *config.Config) (string, config.SourceDirs) {
	return mtgjson.AllPrintingsFile, c.SetsDirs()
}

func printResults(w io.Writer, results []mtgjson.Result) {
	for _, r := range results {
		switch {
		case r.Err != nil:
			fmt.Fprintf(w, "  FAILED     %s: %v\n", r.Name, r.Err)
		case r.Downloaded:
			fmt.Fprintf(w, "  downloaded %s\n", r.Name)
		default:
			fmt.Fprintf(w, "  up to date %s\n", r.Name)
		}
	}
}

// clearFlag adds --clear, which empties a source's gzipped and json
// directories before downloading.
func clearFlag(cmd *cobra.Command, clear *bool) {
	cmd.Flags().BoolVar(clear, "clear", false, "remove existing downloads and decompressed files first")
}

func clearSource(dirs config.SourceDirs, a *app) error {
	if err := mtgjson.ClearDir(dirs.Gzipped, "*.json.gz", a.log); err != nil {
		return err
	}
	return mtgjson.ClearDir(dirs.JSON, "*.json", a.log)
}

func (a *app) downloadSetsCommand() *cobra.Command {
	var clear bool
	cmd := &cobra.Command{
		Use:   "download-sets <SET> [SET...]",
		Short: "Download per-set files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dirs := a.config.SetsDirs()
			if clear {
				if err := clearSource(dirs, a); err != nil {
					return err
				}
			}
			return a.pipeline(func(p *pipeline.Pipeline) error {
				results, err := p.Client().DownloadSets(cmd.Context(), args, dirs.Gzipped)
				printResults(cmd.OutOrStdout(), results)
				return err
			})
		},
	}
	clearFlag(cmd, &clear)
	return cmd
}

func (a *app) downloadCollectionsCommand() *cobra.Command {
	var clear, list bool
	cmd := &cobra.Command{
		Use:   "download-collections [COLLECTION...]",
		Short: "Download format collection files (default: all)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if list {
				fmt.Fprintln(cmd.OutOrStdout(), strings.Join(mtgjson.Collections, "\n"))
				return nil
			}
			if len(args) == 0 {
				args = mtgjson.Collections
			}
			dirs := a.config.CollectionsDirs()
			if clear {
				if err := clearSource(dirs, a); err != nil {
					return err
				}
			}
			return a.pipeline(func(p *pipeline.Pipeline) error {
				results, err := p.Client().DownloadCollections(cmd.Context(), args, dirs.Gzipped)
				printResults(cmd.OutOrStdout(), results)
				return err
			})
		},
	}
	clearFlag(cmd, &clear)
	cmd.Flags().BoolVar(&list, "list", false, "list available collections")
	return cmd
}

func (a *app) downloadFileCommand(use, short string, target downloadTarget) *cobra.Command {
	var clear, force bool
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			name, dirs := target(a.config)
			if clear {
				if err := clearSource(dirs, a); err != nil {
					return err
				}
			}
			return a.pipeline(func(p *pipeline.Pipeline) error {
				results, err := p.Client().DownloadAll(cmd.Context(), []string{name}, dirs.Gzipped, !force)
				printResults(cmd.OutOrStdout(), results)
				return err
			})
		},
	}
	clearFlag(cmd, &clear)
	cmd.Flags().BoolVar(&force, "force", false, "download even when the local file matches the published hash")
	return cmd
}

func (a *app) decompressCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "decompress",
		Short: "Decompress every downloaded gzip file into its json directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.pipeline(func(p *pipeline.Pipeline) error {
				paths, err := p.Decompress()
				fmt.Fprintf(cmd.OutOrStdout(), "Decompressed %d files\n", len(paths))
				return err
			})
		},
	}
}

func (a *app) watchCommand() *cobra.Command {
	var initial bool
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Decompress gzip files as they are downloaded, until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var dirs []watch.Dir
			for _, d := range []config.SourceDirs{a.config.SetsDirs(), a.config.PricesDirs(), a.config.CollectionsDirs()} {
				dirs = append(dirs, watch.Dir{Gzipped: d.Gzipped, JSON: d.JSON})
			}
			w := watch.New(watch.Config{
				Dirs:    dirs,
				Initial: initial,
				OnDecompressed: func(path string) {
					fmt.Fprintf(cmd.OutOrStdout(), "Decompressed %s\n", path)
				},
			}, a.log)

			err := w.Start(cmd.Context())
			if cmd.Context().Err() != nil {
				return nil
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&initial, "initial", true, "decompress files already present at start")
	return cmd
}
