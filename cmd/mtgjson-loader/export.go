package main

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ramonehamilton/mtgjson-loader/internal/deckimport"
	"github.com/ramonehamilton/mtgjson-loader/internal/export"
	"github.com/ramonehamilton/mtgjson-loader/internal/pipeline"
	"github.com/ramonehamilton/mtgjson-loader/internal/report"
)

const previewRows = 10

type exportFlags struct {
	output string
	sets   []string
	format []string
}

func (f *exportFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.output, "output", "o", "", "output CSV file")
	cmd.Flags().StringSliceVar(&f.sets, "sets", nil, "only these set codes (comma separated)")
	cmd.Flags().StringSliceVar(&f.format, "formats", nil, "only cards legal or restricted in every listed format")
}

func (f *exportFlags) filter() export.Filter {
	return export.Filter{Sets: f.sets, Formats: f.format}
}

func (a *app) exportTopCommand() *cobra.Command {
	var flags exportFlags
	cmd := &cobra.Command{
		Use:   "export-top [N]",
		Short: fmt.Sprintf("Export the N most expensive cards (default %d)", export.DefaultLimit),
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			limit := export.DefaultLimit
			if len(args) == 1 {
				n, err := strconv.Atoi(args[0])
				if err != nil {
					return fmt.Errorf("invalid number of cards %q", args[0])
				}
				limit = n
			}
			if err := export.ValidateLimit(limit); err != nil {
				return err
			}

			output := flags.output
			if output == "" {
				output = export.TopOutputPath(limit)
			}

			return a.pipeline(func(p *pipeline.Pipeline) error {
				pool, err := p.Store()
				if err != nil {
					return err
				}
				rows, err := export.NewQuerier(pool, a.log).TopCards(cmd.Context(), limit, flags.filter())
				if err != nil {
					return err
				}
				if err := export.NewExporter(export.Options{FilePath: output, Overwrite: true}).Export(rows); err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Exported %d cards to %s\n", len(rows), output)
				export.Preview(out, rows, previewRows)
				a.log.Info("Exported top cards", zap.Int("rows", len(rows)), zap.String("output", output))
				return nil
			})
		},
	}
	flags.register(cmd)
	return cmd
}

func (a *app) exportListCommand() *cobra.Command {
	var flags exportFlags
	cmd := &cobra.Command{
		Use:   "export-list <file>",
		Short: "Export prices for the cards in a deck or card list file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			input := args[0]
			names, err := deckimport.NewParser(a.log).ParseFile(input)
			if err != nil {
				return err
			}
			output := export.ListOutputPath(input, flags.output)

			return a.pipeline(func(p *pipeline.Pipeline) error {
				pool, err := p.Store()
				if err != nil {
					return err
				}
				result, err := export.NewQuerier(pool, a.log).ListCards(cmd.Context(), names, flags.filter())
				out := cmd.OutOrStdout()
				if result != nil && len(result.Missing) > 0 {
					fmt.Fprintf(out, "%d cards not found in database\n", len(result.Missing))
				}
				if result != nil && len(result.Unpriced) > 0 {
					fmt.Fprintf(out, "%d cards found without prices\n", len(result.Unpriced))
				}
				if errors.Is(err, export.ErrNoResults) && result != nil {
					report.Collection(nil, result.Requested).Render(out)
				}
				if err != nil {
					return err
				}

				if err := export.NewExporter(export.Options{FilePath: output, Overwrite: true}).Export(result.Rows); err != nil {
					return err
				}

				prices := make([]*float64, len(result.Rows))
				for i, row := range result.Rows {
					prices[i] = row.Price
				}
				fmt.Fprintf(out, "Exported %d cards to %s\n", len(result.Rows), output)
				report.Collection(prices, result.Requested).Render(out)
				export.Preview(out, result.Rows, previewRows)
				return nil
			})
		},
	}
	flags.register(cmd)
	return cmd
}
