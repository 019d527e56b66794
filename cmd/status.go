package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/theirongolddev/tokmeter/internal/cli"
	"github.com/theirongolddev/tokmeter/internal/ipc"
)

var flagStatusEvents bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether the agent is scanning and when it last finished",
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().BoolVar(&flagStatusEvents, "events", false, "Also list recent scan events")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(_ *cobra.Command, _ []string) error {
	return withAgent(requestTimeout(), func(ctx context.Context, c *ipc.Client) error {
		st, err := c.Status(ctx)
		if err != nil {
			return err
		}
		var evs []ipc.Event
		if flagStatusEvents {
			if evs, err = c.Events(ctx, 0); err != nil {
				return err
			}
		}
		if flagJSON {
			return printJSON(struct {
				Status ipc.Status  `json:"status"`
				Events []ipc.Event `json:"events,omitempty"`
			}{st, evs})
		}
		fmt.Println()
		fmt.Print(cli.RenderStatus(st, appLoc))
		if flagStatusEvents {
			fmt.Println()
			fmt.Print(cli.RenderEvents(evs, appLoc))
		}
		return nil
	})
}
