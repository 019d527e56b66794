package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/theirongolddev/tokmeter/internal/cli"
	"github.com/theirongolddev/tokmeter/internal/config"
	"github.com/theirongolddev/tokmeter/internal/daemon"
	"github.com/theirongolddev/tokmeter/internal/ipc"
	"github.com/theirongolddev/tokmeter/internal/pipeline"
	"github.com/theirongolddev/tokmeter/internal/store"
)

var (
	flagAgentDetach       bool
	flagAgentChild        bool
	flagAgentEventsBuffer int
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run the background agent that scans messages and serves queries",
	RunE:  runAgent,
}

var agentStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show agent process and scan status",
	RunE:  runAgentStatus,
}

var agentStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running agent",
	RunE:  runAgentStop,
}

func init() {
	agentCmd.Flags().BoolVar(&flagAgentDetach, "detach", false, "Run the agent as a background process")
	agentCmd.Flags().BoolVar(&flagAgentChild, "child", false, "Internal: mark detached child process")
	agentCmd.Flags().IntVar(&flagAgentEventsBuffer, "events-buffer", 200, "Max in-memory scan events retained")
	_ = agentCmd.Flags().MarkHidden("child")

	agentCmd.AddCommand(agentStatusCmd)
	agentCmd.AddCommand(agentStopCmd)
	rootCmd.AddCommand(agentCmd)
}

func runAgent(_ *cobra.Command, _ []string) error {
	if flagAgentDetach && flagAgentChild {
		return errors.New("invalid agent launch mode")
	}

	if flagAgentDetach {
		return startAgentDetached()
	}

	return runAgentForeground()
}

func startAgentDetached() error {
	lock := currentAgentLock()
	if err := lock.claim(); err != nil {
		return err
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable: %w", err)
	}

	args := filterDetachArg(os.Args[1:])
	args = append(args, "--child")

	if err := os.MkdirAll(appCfg.General.DataDir, 0o750); err != nil {
		return fmt.Errorf("create agent directory: %w", err)
	}

	// The child logs through the rotating log file; this only catches panics.
	crashPath := filepath.Join(appCfg.General.DataDir, "agent.stderr")
	//nolint:gosec // path is under the configured data dir
	crashf, err := os.OpenFile(crashPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("open agent stderr file: %w", err)
	}
	defer func() { _ = crashf.Close() }()

	cmd := exec.Command(exe, args...) //nolint:gosec // exe/args come from current process invocation
	cmd.Stdout = crashf
	cmd.Stderr = crashf
	cmd.Stdin = nil
	cmd.Env = os.Environ()

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start detached agent: %w", err)
	}

	fmt.Printf("  Started agent (pid %d)\n", cmd.Process.Pid)
	fmt.Printf("  Lock file: %s\n", lock.path)
	fmt.Printf("  Socket: %s %s\n", appCfg.IPC.Network, appCfg.SocketAddress())
	fmt.Printf("  Log: %s\n", appCfg.LogPath())
	return nil
}

func runAgentForeground() error {
	lock := currentAgentLock()
	if err := lock.claim(); err != nil {
		return err
	}

	if err := os.MkdirAll(appCfg.General.DataDir, 0o750); err != nil {
		return fmt.Errorf("create agent directory: %w", err)
	}

	st, err := store.Open(appCfg.StorePath())
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer func() { _ = st.Close() }()

	pid := os.Getpid()
	if err := lock.write(agentRuntimeState{
		PID:         pid,
		Network:     appCfg.IPC.Network,
		Addr:        appCfg.SocketAddress(),
		StartedAt:   time.Now(),
		MessageRoot: appCfg.General.MessageRoot,
		DataDir:     appCfg.General.DataDir,
	}); err != nil {
		return fmt.Errorf("writing agent lock: %w", err)
	}
	defer lock.release()

	svc := daemon.New(daemon.Config{
		MessageRoot:  appCfg.General.MessageRoot,
		Interval:     appCfg.Scan.Interval.Duration,
		Workers:      appCfg.Scan.Workers,
		PendingGrace: appCfg.Scan.PendingGrace.Duration,
		EventsBuffer: flagAgentEventsBuffer,
		Location:     appLoc,
		Tiebreak:     pipeline.TiebreakFromConfig(appCfg.Dedup.Tiebreak),
		IPC: ipc.ServerConfig{
			Network:        appCfg.IPC.Network,
			Address:        appCfg.SocketAddress(),
			RequestTimeout: appCfg.IPC.RequestTimeout.Duration,
			IdleTimeout:    appCfg.IPC.IdleTimeout.Duration,
		},
	}, st, config.NewPriceTable(appCfg.Pricing))

	if err := svc.Listen(); err != nil {
		return err
	}

	log.WithFields(log.Fields{
		"pid":      pid,
		"socket":   appCfg.SocketAddress(),
		"root":     appCfg.General.MessageRoot,
		"interval": appCfg.Scan.Interval.Duration,
		"store":    appCfg.StorePath(),
	}).Info("agent started")
	if !flagAgentChild {
		fmt.Printf("  tokmeter agent listening on %s\n", appCfg.SocketAddress())
		fmt.Printf("  Scanning every %s from %s\n", appCfg.Scan.Interval.Duration, appCfg.General.MessageRoot)
		fmt.Printf("  Stop with: tokmeter agent stop\n")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go reloadPricesOnHUP(ctx, svc)

	if err := svc.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("agent stopped")
	return nil
}

// reloadPricesOnHUP re-reads the config file on SIGHUP and swaps in its
// price table. Other settings need a restart.
func reloadPricesOnHUP(ctx context.Context, svc *daemon.Service) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			cfg, err := config.LoadFile(configPath())
			if err != nil {
				log.WithError(err).Warn("reloading prices: keeping current table")
				continue
			}
			svc.SetPrices(config.NewPriceTable(cfg.Pricing))
		}
	}
}

func runAgentStatus(_ *cobra.Command, _ []string) error {
	lock := currentAgentLock()
	state, err := lock.read()
	if err != nil {
		fmt.Printf("  Agent: not running (no lock file)\n")
		return nil
	}
	if !processAlive(state.PID) {
		fmt.Printf("  Agent: stale lock file (pid %d not alive)\n", state.PID)
		return nil
	}
	if state.Addr != "" {
		appCfg.IPC.Network = state.Network
		appCfg.IPC.Address = state.Addr
	}

	return withAgent(requestTimeout(), func(ctx context.Context, c *ipc.Client) error {
		st, err := c.Status(ctx)
		if err != nil {
			return err
		}
		if flagJSON {
			return printJSON(st)
		}
		fmt.Print(cli.RenderStatus(st, appLoc))
		return nil
	})
}

func runAgentStop(_ *cobra.Command, _ []string) error {
	lock := currentAgentLock()
	state, ok := lock.live()
	if !ok {
		return errors.New("agent is not running")
	}
	pid := state.PID
	if state.Addr != "" {
		appCfg.IPC.Network = state.Network
		appCfg.IPC.Address = state.Addr
	}

	// Ask politely over the socket first; fall back to a signal.
	askErr := withAgentQuiet(func(ctx context.Context, c *ipc.Client) error {
		return c.Shutdown(ctx)
	})
	if askErr != nil {
		proc, err := os.FindProcess(pid)
		if err != nil {
			return fmt.Errorf("find agent process: %w", err)
		}
		if err := proc.Signal(syscall.SIGTERM); err != nil {
			return fmt.Errorf("signal agent process: %w", err)
		}
	}

	deadline := time.Now().Add(8 * time.Second)
	for time.Now().Before(deadline) {
		if !processAlive(pid) {
			lock.release()
			fmt.Printf("  Stopped agent (pid %d)\n", pid)
			return nil
		}
		time.Sleep(150 * time.Millisecond)
	}

	return fmt.Errorf("agent (pid %d) did not exit in time", pid)
}

// withAgentQuiet is withAgent without the offline notice.
func withAgentQuiet(fn func(ctx context.Context, c *ipc.Client) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout())
	defer cancel()

	c, err := ipc.Dial(ctx, appCfg.IPC.Network, appCfg.SocketAddress())
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()
	return fn(ctx, c)
}

func filterDetachArg(args []string) []string {
	out := make([]string, 0, len(args))
	for _, a := range args {
		if a == "--detach" || strings.HasPrefix(a, "--detach=") {
			continue
		}
		out = append(out, a)
	}
	return out
}
