package cmd

import (
	"fmt"
	"io"
	"os"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/theirongolddev/tokmeter/internal/config"
	"github.com/theirongolddev/tokmeter/internal/logging"
)

var (
	flagConfig      string
	flagMessageRoot string
	flagDataDir     string
	flagSocket      string
	flagTimezone    string
	flagLogLevel    string
	flagJSON        bool
)

// appCfg and appLoc are resolved once per invocation in loadConfig.
var (
	appCfg    config.Config
	appLoc    *time.Location
	logCloser io.Closer
)

var rootCmd = &cobra.Command{
	Use:   "tokmeter",
	Short: "Local token usage and cost meter",
	Long: "Track token usage and cost from per-session message files.\n" +
		"A background agent ingests new messages and answers queries over a local socket.",
	SilenceUsage:      true,
	PersistentPreRunE: loadConfig,
	PersistentPostRun: func(*cobra.Command, []string) {
		if logCloser != nil {
			_ = logCloser.Close()
		}
	},
	RunE: runStats,
}

// Execute is the main entry point called from main.go.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "Config file (default "+config.Path()+")")
	rootCmd.PersistentFlags().StringVar(&flagMessageRoot, "message-root", "", "Directory holding ses_*/msg_*.json files")
	rootCmd.PersistentFlags().StringVar(&flagDataDir, "data-dir", "", "Directory for the store, socket and pid file")
	rootCmd.PersistentFlags().StringVar(&flagSocket, "socket", "", "Agent socket path or host:port")
	rootCmd.PersistentFlags().StringVar(&flagTimezone, "tz", "", "Timezone for scopes and trend buckets (IANA name or local)")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "Print raw JSON instead of tables")
}

func configPath() string {
	if flagConfig != "" {
		return flagConfig
	}
	return config.Path()
}

// loadConfig reads the config file, applies flag overrides and sets up logging.
func loadConfig(cmd *cobra.Command, _ []string) error {
	cfg, err := config.LoadFile(configPath())
	if err != nil {
		return err
	}

	if flagMessageRoot != "" {
		cfg.General.MessageRoot = flagMessageRoot
	}
	if flagDataDir != "" {
		cfg.General.DataDir = flagDataDir
	}
	if flagSocket != "" {
		cfg.IPC.Address = flagSocket
	}
	if flagTimezone != "" {
		cfg.General.Timezone = flagTimezone
	}
	if flagLogLevel != "" {
		cfg.Log.Level = flagLogLevel
	}

	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	opts := logging.Options{Level: cfg.Log.Level, JSON: cfg.Log.JSON}
	// Only a detached agent writes to the log file; interactive commands log to stderr.
	if cmd.Name() == "agent" && flagAgentChild {
		opts.File = cfg.LogPath()
	}
	closer, err := logging.Setup(opts)
	if err != nil {
		return fmt.Errorf("setting up logging: %w", err)
	}

	appCfg, appLoc, logCloser = cfg, loc, closer
	log.WithField("config", configPath()).Debug("configuration loaded")
	return nil
}
