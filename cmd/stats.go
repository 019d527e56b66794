package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/theirongolddev/tokmeter/internal/cli"
	"github.com/theirongolddev/tokmeter/internal/ipc"
)

var statsCmd = &cobra.Command{
	Use:   "stats [scope]",
	Short: "Show token and cost totals for a scope",
	Long: "Show token and cost totals.\n\n" +
		"Scopes: today (default), last-7-days, this-month, all-time, current-session.\n" +
		"Use --start/--end (unix seconds) for an explicit [start, end) range.",
	Args: cobra.MaximumNArgs(1),
	RunE: runStats,
}

func addScopeFlags(cmd *cobra.Command) {
	cmd.Flags().Int64Var(&flagScopeStart, "start", 0, "Range start, unix seconds (inclusive)")
	cmd.Flags().Int64Var(&flagScopeEnd, "end", 0, "Range end, unix seconds (exclusive)")
}

func init() {
	addScopeFlags(statsCmd)
	rootCmd.AddCommand(statsCmd)
}

func runStats(_ *cobra.Command, args []string) error {
	scope, err := scopeFromArgs(args)
	if err != nil {
		return err
	}
	return withAgent(requestTimeout(), func(ctx context.Context, c *ipc.Client) error {
		view, err := c.Stats(ctx, scope)
		if err != nil {
			return err
		}
		if flagJSON {
			return printJSON(view)
		}
		fmt.Println()
		fmt.Print(cli.RenderStats(view, appLoc))
		return nil
	})
}
