package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"
)

// agentRuntimeState is what a running agent records about itself so other
// invocations can find and stop it.
type agentRuntimeState struct {
	PID         int       `json:"pid"`
	Network     string    `json:"network"`
	Addr        string    `json:"addr"`
	StartedAt   time.Time `json:"started_at"`
	MessageRoot string    `json:"message_root"`
	DataDir     string    `json:"data_dir"`
}

// agentLock is the single-instance file of the agent. It holds the
// agentRuntimeState of the process that owns it.
type agentLock struct {
	path string
}

func currentAgentLock() agentLock {
	return agentLock{path: appCfg.LockPath()}
}

// read returns the recorded state. A missing file yields os.ErrNotExist.
func (l agentLock) read() (agentRuntimeState, error) {
	var st agentRuntimeState
	//nolint:gosec // lock path is under the configured data dir
	data, err := os.ReadFile(l.path)
	if err != nil {
		return st, err
	}
	if err := json.Unmarshal(data, &st); err != nil || st.PID <= 0 {
		return st, fmt.Errorf("invalid agent lock %s", l.path)
	}
	return st, nil
}

// live returns the state of the agent holding the lock, if that process
// is still alive.
func (l agentLock) live() (agentRuntimeState, bool) {
	st, err := l.read()
	if err != nil || !processAlive(st.PID) {
		return st, false
	}
	return st, true
}

func (l agentLock) running() bool {
	_, ok := l.live()
	return ok
}

// claim fails while a live agent holds the lock and clears a stale one.
func (l agentLock) claim() error {
	if st, ok := l.live(); ok {
		return fmt.Errorf("agent already running (pid %d)", st.PID)
	}
	l.release()
	return nil
}

func (l agentLock) write(st agentRuntimeState) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(l.path, append(data, '\n'), 0o600)
}

func (l agentLock) release() {
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "  Warning: removing %s: %v\n", l.path, err)
	}
}

func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}
