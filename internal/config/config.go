package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	LogLevel   string           `yaml:"log_level"`
	LogFile    string           `yaml:"log_file"`
	Device     DeviceConfig     `yaml:"device"`
	Scan       ScanConfig       `yaml:"scan"`
	Link       LinkConfig       `yaml:"link"`
	Reassembly ReassemblyConfig `yaml:"reassembly"`
	Command    CommandConfig    `yaml:"command"`
	History    HistoryConfig    `yaml:"history"`
	Simulator  SimulatorConfig  `yaml:"simulator"`
}

// DeviceConfig selects the sensor.
type DeviceConfig struct {
	Address    string `yaml:"address"`     // connect automatically when seen
	NameFilter string `yaml:"name_filter"` // only list devices whose name contains this
}

// ScanConfig holds discovery settings.
type ScanConfig struct {
	Window      time.Duration `yaml:"window"`
	ServiceOnly bool          `yaml:"service_only"` // only report advertisers of the sensor service
}

// LinkConfig holds connection settings.
type LinkConfig struct {
	PreferredMTU    int           `yaml:"preferred_mtu"`
	StatusReadDelay time.Duration `yaml:"status_read_delay"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
	AutoReconnect   bool          `yaml:"auto_reconnect"`
	MaxBackoff      time.Duration `yaml:"max_backoff"`
}

// ReassemblyConfig holds notification reassembly settings.
type ReassemblyConfig struct {
	CompletionTimeout time.Duration `yaml:"completion_timeout"`
	MaxBuffer         int           `yaml:"max_buffer"`
	FieldScrape       bool          `yaml:"field_scrape"`
}

// CommandConfig holds gas change settings.
type CommandConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

// HistoryConfig holds reading history settings.
type HistoryConfig struct {
	Size         int           `yaml:"size"`
	RecentWindow time.Duration `yaml:"recent_window"`
}

// SimulatorConfig runs against a simulated sensor instead of the radio.
type SimulatorConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
	MTU      int           `yaml:"mtu"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "gasmon")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	home, _ := os.UserHomeDir()
	logFile := filepath.Join(home, ".local", "state", "gasmon", "gasmon.log")

	return &Config{
		LogLevel: "info",
		LogFile:  logFile,
		Scan: ScanConfig{
			Window: 30 * time.Second,
		},
		Link: LinkConfig{
			PreferredMTU:    517,
			StatusReadDelay: time.Second,
			ConnectTimeout:  15 * time.Second,
			MaxBackoff:      30 * time.Second,
		},
		Reassembly: ReassemblyConfig{
			CompletionTimeout: time.Second,
			MaxBuffer:         4096,
			FieldScrape:       true,
		},
		Command: CommandConfig{
			Timeout: 5 * time.Second,
		},
		History: HistoryConfig{
			Size:         60,
			RecentWindow: 10 * time.Second,
		},
		Simulator: SimulatorConfig{
			Interval: time.Second,
			MTU:      23,
		},
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. Tilde (~) in log_file is expanded to the user's home directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.LogFile = expandTilde(cfg.LogFile)

	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	if c.Scan.Window <= 0 {
		return fmt.Errorf("scan.window must be > 0")
	}

	// 23 is the ATT minimum, 517 the maximum.
	if c.Link.PreferredMTU < 23 || c.Link.PreferredMTU > 517 {
		return fmt.Errorf("link.preferred_mtu must be between 23 and 517, got %d", c.Link.PreferredMTU)
	}
	if c.Link.StatusReadDelay < 0 {
		return fmt.Errorf("link.status_read_delay must not be negative")
	}
	if c.Link.ConnectTimeout <= 0 {
		return fmt.Errorf("link.connect_timeout must be > 0")
	}
	if c.Link.AutoReconnect && c.Link.MaxBackoff <= 0 {
		return fmt.Errorf("link.max_backoff must be > 0 when link.auto_reconnect is set")
	}

	if c.Reassembly.CompletionTimeout <= 0 {
		return fmt.Errorf("reassembly.completion_timeout must be > 0")
	}
	if c.Reassembly.MaxBuffer < 64 {
		return fmt.Errorf("reassembly.max_buffer must be at least 64, got %d", c.Reassembly.MaxBuffer)
	}

	if c.Command.Timeout <= 0 {
		return fmt.Errorf("command.timeout must be > 0")
	}

	if c.History.Size <= 0 {
		return fmt.Errorf("history.size must be > 0")
	}
	if c.History.RecentWindow <= 0 {
		return fmt.Errorf("history.recent_window must be > 0")
	}

	if c.Simulator.Enabled {
		if c.Simulator.Interval <= 0 {
			return fmt.Errorf("simulator.interval must be > 0")
		}
		if c.Simulator.MTU < 23 {
			return fmt.Errorf("simulator.mtu must be at least 23, got %d", c.Simulator.MTU)
		}
	}

	return nil
}

// ParseLogLevel maps a log_level value to a slog level. Unknown values
// map to info.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

const defaultHeader = `# gasmon configuration
#
# device.address connects automatically when the sensor is seen.
# Durations use Go syntax: 500ms, 1s, 2m.

`

// WriteDefault writes the default config to DefaultConfigPath and returns
// the path. It returns ("", nil) without touching anything when a config
// file already exists.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}
	if err := os.WriteFile(path, append([]byte(defaultHeader), data...), 0644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
