package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/theirongolddev/tokmeter/internal/cli"
	"github.com/theirongolddev/tokmeter/internal/pipeline"
	"github.com/theirongolddev/tokmeter/internal/source"
	"github.com/theirongolddev/tokmeter/internal/store"
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan the message root once without an agent",
	Long: "Scan the message root once, writing directly to the store.\n" +
		"When an agent is running the scan is delegated to it instead.",
	RunE: runScan,
}

func init() {
	rootCmd.AddCommand(scanCmd)
}

func runScan(cmd *cobra.Command, args []string) error {
	if currentAgentLock().running() {
		fmt.Fprintln(os.Stderr, "  Agent is running; asking it to refresh")
		return runRefresh(cmd, args)
	}

	st, err := store.Open(appCfg.StorePath())
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer func() { _ = st.Close() }()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	sc := pipeline.NewScanner(st, pipeline.ScanOptions{
		Root:         appCfg.General.MessageRoot,
		Workers:      appCfg.Scan.Workers,
		PendingGrace: appCfg.Scan.PendingGrace.Duration,
	})
	sum, err := sc.ScanOnce(ctx)
	if err != nil && !errors.Is(err, source.ErrRootMissing) {
		return err
	}
	return printScanSummary(sum)
}

func printScanSummary(sum pipeline.ScanSummary) error {
	if flagJSON {
		return printJSON(sum)
	}
	if !sum.RootAvailable {
		fmt.Printf("  Message root unavailable: %s\n", appCfg.General.MessageRoot)
		return nil
	}
	fmt.Printf("  Scanned %s files in %d sessions (%s)\n",
		cli.FormatNumber(int64(sum.FilesSeen)), sum.Sessions, sum.Duration.Round(1e6))
	fmt.Printf("  New rows: %s  Unchanged: %s  Skipped: %d  Pending: %d\n",
		cli.FormatNumber(int64(sum.Inserted)), cli.FormatNumber(int64(sum.Unchanged)), sum.Skipped, sum.Pending)
	if sum.Errors > 0 {
		fmt.Printf("  Errors: %d (see log)\n", sum.Errors)
	}
	return nil
}
