package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/theirongolddev/tokmeter/internal/cli"
	"github.com/theirongolddev/tokmeter/internal/ipc"
	"github.com/theirongolddev/tokmeter/internal/model"
)

var flagBreakdownBy string

var breakdownCmd = &cobra.Command{
	Use:   "breakdown [scope]",
	Short: "Break usage down by provider or model",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runBreakdown,
}

func init() {
	breakdownCmd.Flags().StringVar(&flagBreakdownBy, "by", string(model.DimensionModel), "Dimension: provider or model")
	addScopeFlags(breakdownCmd)
	rootCmd.AddCommand(breakdownCmd)
}

func runBreakdown(_ *cobra.Command, args []string) error {
	scope, err := scopeFromArgs(args)
	if err != nil {
		return err
	}
	return withAgent(requestTimeout(), func(ctx context.Context, c *ipc.Client) error {
		view, err := c.Breakdown(ctx, scope, model.Dimension(flagBreakdownBy))
		if err != nil {
			return err
		}
		if flagJSON {
			return printJSON(view)
		}
		fmt.Println()
		fmt.Print(cli.RenderBreakdown(view, appLoc))
		return nil
	})
}
