package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/chaz8081/gasmon/internal/ble"
	"github.com/chaz8081/gasmon/internal/ble/protocol"
	"github.com/chaz8081/gasmon/internal/ble/sim"
	"github.com/chaz8081/gasmon/internal/command"
	"github.com/chaz8081/gasmon/internal/config"
	"github.com/chaz8081/gasmon/internal/session"
)

// CLI is the root command structure for gasmon.
type CLI struct {
	Config   string `short:"c" type:"path" help:"Path to config file (default: ~/.config/gasmon/config.yaml)"`
	Verbose  bool   `short:"v" help:"Enable debug logging"`
	Simulate bool   `help:"Use a simulated sensor instead of Bluetooth"`
	Device   string `short:"d" help:"Address of the sensor to connect to"`

	// Default command - TUI
	Monitor MonitorCmd `cmd:"" default:"withargs" help:"Interactive monitor (default)"`

	Scan       ScanCmd       `cmd:"" help:"List nearby sensors"`
	Watch      WatchCmd      `cmd:"" help:"Connect and print readings"`
	SetGas     SetGasCmd     `cmd:"" name:"set-gas" help:"Switch the gas the sensor measures"`
	Status     StatusCmd     `cmd:"" help:"Read the sensor status once"`
	InitConfig InitConfigCmd `cmd:"" name:"init-config" help:"Write the default config file"`
}

// env is what every device command needs.
type env struct {
	cfg     *config.Config
	adapter ble.Adapter
}

// setup loads the config, applies the global flags and builds the adapter.
func (g *CLI) setup() (*env, error) {
	cfg, err := loadConfig(g.Config)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if g.Verbose {
		cfg.LogLevel = "debug"
	}
	if g.Simulate {
		cfg.Simulator.Enabled = true
	}
	if g.Device != "" {
		cfg.Device.Address = g.Device
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return &env{cfg: cfg, adapter: newAdapter(cfg)}, nil
}

// installLogger sends slog output to w at the configured level.
func installLogger(w io.Writer, cfg *config.Config) {
	slog.SetDefault(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: config.ParseLogLevel(cfg.LogLevel),
	})))
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		return cfg, nil
	}

	return config.Default(), nil
}

// openLogFile opens the log file for appending, creating its directory.
func openLogFile(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening log file: %w", err)
	}
	return f, nil
}

func newAdapter(cfg *config.Config) ble.Adapter {
	if !cfg.Simulator.Enabled {
		return ble.NewPlatformAdapter(cfg.Scan.ServiceOnly)
	}
	opts := sim.DefaultOptions()
	opts.Interval = cfg.Simulator.Interval
	opts.MTU = cfg.Simulator.MTU
	return sim.New(opts)
}

// address returns the sensor to use, or "" to take the first match.
func (e *env) address() string {
	if e.cfg.Device.Address != "" {
		return e.cfg.Device.Address
	}
	if e.cfg.Simulator.Enabled {
		return sim.DefaultAddress
	}
	return ""
}

// canPickFirst reports whether the first discovered device can be assumed
// to be a sensor.
func (e *env) canPickFirst() bool {
	return e.cfg.Scan.ServiceOnly || e.cfg.Device.NameFilter != ""
}

func (e *env) sessionOptions() session.Options {
	cfg := e.cfg
	opts := session.DefaultOptions()
	opts.ScanWindow = cfg.Scan.Window
	opts.NameFilter = cfg.Device.NameFilter
	opts.AutoConnect = e.address()
	opts.AutoReconnect = cfg.Link.AutoReconnect
	opts.MaxBackoff = cfg.Link.MaxBackoff

	opts.Link.PreferredMTU = cfg.Link.PreferredMTU
	opts.Link.StatusReadDelay = cfg.Link.StatusReadDelay
	opts.Link.ConnectTimeout = cfg.Link.ConnectTimeout
	opts.Link.Reassembly = protocol.ReassemblerOptions{
		CompletionTimeout: cfg.Reassembly.CompletionTimeout,
		MaxBuffer:         cfg.Reassembly.MaxBuffer,
		FieldScrape:       cfg.Reassembly.FieldScrape,
	}

	opts.Command = command.Options{Timeout: cfg.Command.Timeout, InitialGas: protocol.GasCO}
	opts.HistorySize = cfg.History.Size
	opts.RecentWindow = cfg.History.RecentWindow
	return opts
}

func printBanner(w io.Writer, cfg *config.Config, address string) {
	source := "bluetooth"
	if cfg.Simulator.Enabled {
		source = fmt.Sprintf("simulator (mtu %d)", cfg.Simulator.MTU)
	}
	if address == "" {
		address = "first match"
		if cfg.Device.NameFilter != "" {
			address += fmt.Sprintf(" for %q", cfg.Device.NameFilter)
		}
	}
	fmt.Fprintln(w, "=== gasmon ===")
	fmt.Fprintf(w, "  Source:   %s\n", source)
	fmt.Fprintf(w, "  Sensor:   %s\n", address)
	fmt.Fprintf(w, "  Timeout:  %s (command)\n", cfg.Command.Timeout)
	fmt.Fprintf(w, "  Log:      %s\n", cfg.LogLevel)
	fmt.Fprintln(w, "==============")
}
