package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/theirongolddev/tokmeter/internal/cli"
	"github.com/theirongolddev/tokmeter/internal/ipc"
)

var flagCheckSince int64

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check whether usage changed since a previous mutation timestamp",
	RunE:  runCheck,
}

func init() {
	checkCmd.Flags().Int64Var(&flagCheckSince, "since", 0, "Last seen mutation timestamp (unix ms)")
	rootCmd.AddCommand(checkCmd)
}

func runCheck(_ *cobra.Command, _ []string) error {
	return withAgent(requestTimeout(), func(ctx context.Context, c *ipc.Client) error {
		res, err := c.CheckUpdates(ctx, flagCheckSince)
		if err != nil {
			return err
		}
		if flagJSON {
			return printJSON(res)
		}
		fmt.Print(cli.RenderUpdates(res, appLoc))
		return nil
	})
}
