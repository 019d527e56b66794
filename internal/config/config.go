// Package config loads tokmeter configuration and the model price table.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/BurntSushi/toml"
)

// Tiebreak values for choosing a dedup group representative.
const (
	TiebreakMsgID     = "msg_id"
	TiebreakInsertion = "insertion"
)

// Config holds all tokmeter configuration.
type Config struct {
	General GeneralConfig `toml:"general"`
	Scan    ScanConfig    `toml:"scan"`
	IPC     IPCConfig     `toml:"ipc"`
	Dedup   DedupConfig   `toml:"dedup"`
	Log     LogConfig     `toml:"log"`
	Pricing PricingConfig `toml:"pricing"`
}

// GeneralConfig holds locations and locale settings.
type GeneralConfig struct {
	MessageRoot string `toml:"message_root,omitempty"`
	DataDir     string `toml:"data_dir,omitempty"`
	Timezone    string `toml:"timezone"`
}

// ScanConfig tunes the periodic scanner.
type ScanConfig struct {
	Interval     Duration `toml:"interval"`
	Workers      int      `toml:"workers,omitempty"`
	PendingGrace Duration `toml:"pending_grace"`
}

// IPCConfig controls the local agent socket.
type IPCConfig struct {
	Network        string   `toml:"network"`
	Address        string   `toml:"address,omitempty"`
	RequestTimeout Duration `toml:"request_timeout"`
	IdleTimeout    Duration `toml:"idle_timeout"`
}

// DedupConfig selects the representative tiebreak rule.
type DedupConfig struct {
	Tiebreak string `toml:"tiebreak"`
}

// LogConfig holds logging preferences.
type LogConfig struct {
	Level string `toml:"level"`
	File  string `toml:"file,omitempty"`
	JSON  bool   `toml:"json"`
}

// Duration is a time.Duration that reads and writes as a Go duration string.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// MinScanInterval is the floor applied to the scan interval.
const MinScanInterval = 500 * time.Millisecond

// DefaultTCPAddress is used where unix sockets are unavailable.
const DefaultTCPAddress = "127.0.0.1:47823"

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	network := "unix"
	if runtime.GOOS == "windows" {
		network = "tcp"
	}
	return Config{
		General: GeneralConfig{
			Timezone: "local",
		},
		Scan: ScanConfig{
			Interval:     Duration{2 * time.Second},
			PendingGrace: Duration{10 * time.Minute},
		},
		IPC: IPCConfig{
			Network:        network,
			RequestTimeout: Duration{10 * time.Second},
			IdleTimeout:    Duration{5 * time.Minute},
		},
		Dedup: DedupConfig{
			Tiebreak: TiebreakMsgID,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Dir returns the XDG-compliant config directory.
func Dir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "tokmeter")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "tokmeter")
}

// Path returns the full path to the default config file.
func Path() string {
	return filepath.Join(Dir(), "config.toml")
}

// DefaultDataDir returns the XDG-compliant data directory holding the store,
// the agent socket and its pid file.
func DefaultDataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "tokmeter")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "share", "tokmeter")
}

// DefaultMessageRoot returns the directory the upstream producer writes
// per-session message files into.
func DefaultMessageRoot() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "opencode", "storage", "message")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "share", "opencode", "storage", "message")
}

// Load reads the default config file, returning defaults if it doesn't exist.
func Load() (Config, error) {
	return LoadFile(Path())
}

// LoadFile reads the config at path, returning defaults if it doesn't exist.
func LoadFile(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path) //nolint:gosec // config path is chosen by the local user
	if err != nil {
		if os.IsNotExist(err) {
			return cfg.withDefaults(), nil
		}
		return cfg, fmt.Errorf("reading config: %w", err)
	}

	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}

	return cfg.withDefaults(), nil
}

// Validate rejects settings that cannot be defaulted.
func (c Config) Validate() error {
	switch c.Dedup.Tiebreak {
	case "", TiebreakMsgID, TiebreakInsertion:
	default:
		return fmt.Errorf("dedup.tiebreak must be %q or %q, got %q", TiebreakMsgID, TiebreakInsertion, c.Dedup.Tiebreak)
	}
	switch c.IPC.Network {
	case "", "unix", "tcp":
	default:
		return fmt.Errorf("ipc.network must be unix or tcp, got %q", c.IPC.Network)
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	for key, p := range c.Pricing.Models {
		if err := p.validate(); err != nil {
			return fmt.Errorf("pricing.models.%q: %w", key, err)
		}
	}
	if c.Pricing.Default != nil {
		if err := c.Pricing.Default.validate(); err != nil {
			return fmt.Errorf("pricing.default: %w", err)
		}
	}
	return nil
}

// withDefaults fills derived paths and clamps tunables.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.General.MessageRoot == "" {
		c.General.MessageRoot = DefaultMessageRoot()
	}
	if c.General.DataDir == "" {
		c.General.DataDir = DefaultDataDir()
	}
	if c.General.Timezone == "" {
		c.General.Timezone = def.General.Timezone
	}
	if c.Scan.Interval.Duration <= 0 {
		c.Scan.Interval = def.Scan.Interval
	}
	if c.Scan.Interval.Duration < MinScanInterval {
		c.Scan.Interval.Duration = MinScanInterval
	}
	if c.Scan.Workers < 0 {
		c.Scan.Workers = 0
	}
	if c.Scan.PendingGrace.Duration <= 0 {
		c.Scan.PendingGrace = def.Scan.PendingGrace
	}
	if c.IPC.Network == "" {
		c.IPC.Network = def.IPC.Network
	}
	if c.IPC.RequestTimeout.Duration <= 0 {
		c.IPC.RequestTimeout = def.IPC.RequestTimeout
	}
	if c.IPC.IdleTimeout.Duration <= 0 {
		c.IPC.IdleTimeout = def.IPC.IdleTimeout
	}
	if c.Dedup.Tiebreak == "" {
		c.Dedup.Tiebreak = TiebreakMsgID
	}
	if c.Log.Level == "" {
		c.Log.Level = def.Log.Level
	}
	return c
}

// SocketAddress returns the agent listen address for the configured network.
func (c Config) SocketAddress() string {
	if c.IPC.Address != "" {
		return c.IPC.Address
	}
	if c.IPC.Network == "tcp" {
		return DefaultTCPAddress
	}
	return filepath.Join(c.General.DataDir, "agent.sock")
}

// Location resolves the configured timezone. "local" and "" mean time.Local.
func (c Config) Location() (*time.Location, error) {
	switch c.General.Timezone {
	case "", "local":
		return time.Local, nil
	case "UTC", "utc":
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.General.Timezone)
	if err != nil {
		return nil, fmt.Errorf("general.timezone: %w", err)
	}
	return loc, nil
}

// StorePath returns the path of the SQLite record store.
func (c Config) StorePath() string {
	return filepath.Join(c.General.DataDir, "usage.db")
}

// LockPath returns the single-instance file of a running agent.
func (c Config) LockPath() string {
	return filepath.Join(c.General.DataDir, "agent.lock")
}

// LogPath returns the log file for a detached agent.
func (c Config) LogPath() string {
	if c.Log.File != "" {
		return c.Log.File
	}
	return filepath.Join(c.General.DataDir, "agent.log")
}

// Save writes the config to path.
func Save(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600) //nolint:gosec // config path is chosen by the local user
	if err != nil {
		return fmt.Errorf("creating config file: %w", err)
	}

	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		_ = f.Close()
		return fmt.Errorf("encoding config: %w", err)
	}
	return f.Close()
}

// Exists returns true if a config file exists at path.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
