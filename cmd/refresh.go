package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/theirongolddev/tokmeter/internal/ipc"
)

var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Ask the agent to scan now",
	RunE:  runRefresh,
}

func init() {
	rootCmd.AddCommand(refreshCmd)
}

func runRefresh(_ *cobra.Command, _ []string) error {
	return withAgent(requestTimeout(), func(ctx context.Context, c *ipc.Client) error {
		sum, err := c.Refresh(ctx)
		if err != nil {
			return err
		}
		return printScanSummary(sum)
	})
}
