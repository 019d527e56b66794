package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/theirongolddev/tokmeter/internal/cli"
	"github.com/theirongolddev/tokmeter/internal/ipc"
)

var trendCmd = &cobra.Command{
	Use:   "trend [scope]",
	Short: "Show usage over time (hourly for a day, daily otherwise)",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runTrend,
}

func init() {
	addScopeFlags(trendCmd)
	rootCmd.AddCommand(trendCmd)
}

func runTrend(_ *cobra.Command, args []string) error {
	scope, err := scopeFromArgs(args)
	if err != nil {
		return err
	}
	return withAgent(requestTimeout(), func(ctx context.Context, c *ipc.Client) error {
		view, err := c.Trend(ctx, scope)
		if err != nil {
			return err
		}
		if flagJSON {
			return printJSON(view)
		}
		fmt.Println()
		fmt.Print(cli.RenderTrend(view, appLoc))
		return nil
	})
}
