// Package cmd implements the tokmeter CLI commands.
package cmd

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/theirongolddev/tokmeter/internal/config"
)

var flagConfigInit bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show current configuration",
	RunE:  runConfig,
}

func init() {
	configCmd.Flags().BoolVar(&flagConfigInit, "init", false, "Write the effective configuration to the config file")
	rootCmd.AddCommand(configCmd)
}

func runConfig(_ *cobra.Command, _ []string) error {
	cfg := appCfg
	path := configPath()

	if flagConfigInit {
		if config.Exists(path) {
			return fmt.Errorf("%s already exists", path)
		}
		if err := config.Save(path, cfg); err != nil {
			return err
		}
		fmt.Printf("  Wrote %s\n", path)
		return nil
	}

	if flagJSON {
		return printJSON(cfg)
	}

	fmt.Printf("  Config file: %s\n", path)
	if config.Exists(path) {
		fmt.Println("  Status: loaded")
	} else {
		fmt.Println("  Status: using defaults (no config file)")
	}
	fmt.Println()

	fmt.Println("  [General]")
	fmt.Printf("    Message root: %s\n", cfg.General.MessageRoot)
	fmt.Printf("    Data dir:     %s\n", cfg.General.DataDir)
	fmt.Printf("    Timezone:     %s\n", cfg.General.Timezone)
	fmt.Println()

	fmt.Println("  [Scan]")
	fmt.Printf("    Interval:      %s\n", cfg.Scan.Interval.Duration)
	if cfg.Scan.Workers > 0 {
		fmt.Printf("    Workers:       %d\n", cfg.Scan.Workers)
	} else {
		fmt.Println("    Workers:       auto")
	}
	fmt.Printf("    Pending grace: %s\n", cfg.Scan.PendingGrace.Duration)
	fmt.Println()

	fmt.Println("  [IPC]")
	fmt.Printf("    Socket:          %s %s\n", cfg.IPC.Network, cfg.SocketAddress())
	fmt.Printf("    Request timeout: %s\n", cfg.IPC.RequestTimeout.Duration)
	fmt.Println()

	fmt.Println("  [Dedup]")
	fmt.Printf("    Tiebreak: %s\n", cfg.Dedup.Tiebreak)
	fmt.Println()

	fmt.Println("  [Pricing]")
	fmt.Printf("    Built-in models: %d\n", len(config.DefaultPricing))
	if len(cfg.Pricing.Models) == 0 {
		fmt.Println("    Overrides:       none")
	} else {
		keys := make([]string, 0, len(cfg.Pricing.Models))
		for k := range cfg.Pricing.Models {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			p := cfg.Pricing.Models[k]
			fmt.Printf("    %s: in $%g  out $%g  cache r/w $%g/$%g per MTok  request $%g\n",
				k, p.InputPerMTok, p.OutputPerMTok, p.CacheReadPerMTok, p.CacheWritePerMTok, p.Request)
		}
	}
	if cfg.Pricing.Default != nil {
		fmt.Println("    Unknown models:  priced with [pricing.default]")
	} else {
		fmt.Println("    Unknown models:  free")
	}
	fmt.Println()
	return nil
}
