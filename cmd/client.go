package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/theirongolddev/tokmeter/internal/cli"
	"github.com/theirongolddev/tokmeter/internal/ipc"
	"github.com/theirongolddev/tokmeter/internal/pipeline"
)

var (
	flagScopeStart int64
	flagScopeEnd   int64
)

// withAgent connects to the running agent and calls fn. An unreachable
// agent is reported on stdout, not as a command failure.
func withAgent(timeout time.Duration, fn func(ctx context.Context, c *ipc.Client) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	c, err := ipc.Dial(ctx, appCfg.IPC.Network, appCfg.SocketAddress())
	if err != nil {
		if ipc.IsUnavailable(err) {
			fmt.Print(cli.RenderOffline(appCfg.SocketAddress()))
			return nil
		}
		return err
	}
	defer func() { _ = c.Close() }()

	err = fn(ctx, c)
	if ipc.IsUnavailable(err) {
		fmt.Print(cli.RenderOffline(appCfg.SocketAddress()))
		return nil
	}
	return err
}

func requestTimeout() time.Duration {
	return appCfg.IPC.RequestTimeout.Duration + 2*time.Second
}

// scopeFromArgs builds scope params from an optional positional scope name
// and the --start/--end flags. --start needs --end; a range has no open end.
func scopeFromArgs(args []string) (ipc.ScopeParams, error) {
	p := ipc.ScopeParams{Scope: pipeline.ScopeToday}
	if len(args) > 0 {
		p.Scope = args[0]
	}
	switch {
	case flagScopeEnd != 0:
		if len(args) > 0 && args[0] != pipeline.ScopeRange {
			return p, fmt.Errorf("scope %q cannot be combined with --start/--end", args[0])
		}
		p.Scope = pipeline.ScopeRange
		p.Start = flagScopeStart
		p.End = flagScopeEnd
	case flagScopeStart != 0:
		return p, errors.New("--start requires --end")
	}
	return p, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
