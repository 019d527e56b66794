package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/theirongolddev/tokmeter/internal/ipc"
)

var (
	flagExportGranularity string
	flagExportOutput      string
)

var exportCmd = &cobra.Command{
	Use:   "export [scope]",
	Short: "Export usage as CSV",
	Long: "Export usage as CSV.\n\n" +
		"Granularity records (default) writes one row per deduplicated message;\n" +
		"total, provider and model write aggregate rows.",
	Args: cobra.MaximumNArgs(1),
	RunE: runExport,
}

func init() {
	exportCmd.Flags().StringVarP(&flagExportGranularity, "granularity", "g", "records", "records, total, provider or model")
	exportCmd.Flags().StringVarP(&flagExportOutput, "output", "o", "", "Write to file instead of stdout")
	addScopeFlags(exportCmd)
	rootCmd.AddCommand(exportCmd)
}

func runExport(_ *cobra.Command, args []string) error {
	scope, err := scopeFromArgs(args)
	if err != nil {
		return err
	}
	p := ipc.ExportParams{ScopeParams: scope, Granularity: flagExportGranularity}
	return withAgent(requestTimeout(), func(ctx context.Context, c *ipc.Client) error {
		doc, err := c.ExportCSV(ctx, p)
		if err != nil {
			return err
		}
		if flagExportOutput == "" {
			fmt.Print(doc)
			return nil
		}
		if err := os.WriteFile(flagExportOutput, []byte(doc), 0o600); err != nil {
			return fmt.Errorf("writing export: %w", err)
		}
		fmt.Fprintf(os.Stderr, "  Wrote %s\n", flagExportOutput)
		return nil
	})
}
