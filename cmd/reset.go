package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/theirongolddev/tokmeter/internal/ipc"
	"github.com/theirongolddev/tokmeter/internal/store"
)

var flagResetYes bool

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Delete all stored records and rescan from scratch",
	Long: "Delete every stored record and the scan cursor. Records whose message\n" +
		"files are gone cannot be recovered. The next scan rebuilds the store\n" +
		"from the files still on disk.",
	RunE: runReset,
}

func init() {
	resetCmd.Flags().BoolVarP(&flagResetYes, "yes", "y", false, "Confirm the reset")
	rootCmd.AddCommand(resetCmd)
}

func runReset(_ *cobra.Command, _ []string) error {
	if !flagResetYes {
		return errors.New("reset deletes all stored records; rerun with --yes to confirm")
	}

	if !currentAgentLock().running() {
		st, err := store.Open(appCfg.StorePath())
		if err != nil {
			return fmt.Errorf("opening store: %w", err)
		}
		defer func() { _ = st.Close() }()
		if err := st.Reset(); err != nil {
			return err
		}
		fmt.Println("  Store reset")
		return nil
	}

	return withAgent(requestTimeout(), func(ctx context.Context, c *ipc.Client) error {
		res, err := c.Reset(ctx)
		if err != nil {
			return err
		}
		if flagJSON {
			return printJSON(res)
		}
		fmt.Println("  Store reset; the agent will rebuild it on its next scan")
		return nil
	})
}
