package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/chaz8081/gasmon/internal/ble"
	"github.com/chaz8081/gasmon/internal/ble/protocol"
	"github.com/chaz8081/gasmon/internal/command"
	"github.com/chaz8081/gasmon/internal/config"
	"github.com/chaz8081/gasmon/internal/session"
	"github.com/chaz8081/gasmon/internal/tui"
)

var errNoSensor = errors.New("no sensor selected: pass --device, or set device.name_filter or scan.service_only")

// --- Monitor Command ---

type MonitorCmd struct{}

func (c *MonitorCmd) Run(globals *CLI) error {
	e, err := globals.setup()
	if err != nil {
		return err
	}
	// The TUI owns the terminal, so logs go to the log file.
	f, err := openLogFile(e.cfg.LogFile)
	if err != nil {
		return err
	}
	defer f.Close()
	installLogger(f, e.cfg)

	s := session.New(e.adapter, e.sessionOptions(), nil)
	defer s.Close()
	return tui.Run(s, tui.Options{
		Title:   "gasmon",
		Address: e.address(),
		LogFile: e.cfg.LogFile,
	})
}

// --- Scan Command ---

type ScanCmd struct {
	Timeout time.Duration `default:"5s" help:"How long to scan"`
}

func (c *ScanCmd) Run(globals *CLI) error {
	e, err := globals.setup()
	if err != nil {
		return err
	}
	installLogger(os.Stderr, e.cfg)

	if err := e.adapter.Enable(); err != nil {
		return fmt.Errorf("enable adapter: %w", ble.Classify(err))
	}
	fmt.Fprintf(os.Stderr, "Scanning for %s...\n", c.Timeout)
	devices, err := ble.ScanForDevices(e.adapter, c.Timeout)
	if err != nil {
		return fmt.Errorf("scan: %w", ble.Classify(err))
	}
	printDevices(os.Stdout, filterDevices(devices, e.cfg.Device.NameFilter))
	return nil
}

func filterDevices(devices []ble.Device, nameFilter string) []ble.Device {
	if nameFilter == "" {
		return devices
	}
	var out []ble.Device
	for _, d := range devices {
		if strings.Contains(strings.ToLower(d.Name), strings.ToLower(nameFilter)) {
			out = append(out, d)
		}
	}
	return out
}

func printDevices(w io.Writer, devices []ble.Device) {
	if len(devices) == 0 {
		fmt.Fprintln(w, "No devices found")
		return
	}
	fmt.Fprintf(w, "%-20s %5s  %s\n", "ADDRESS", "RSSI", "NAME")
	for _, d := range devices {
		fmt.Fprintf(w, "%-20s %5d  %s\n", d.Address, d.RSSI, d.DisplayName())
	}
}

// --- Status Command ---

type StatusCmd struct {
	Timeout time.Duration `default:"10s" help:"Connect and read timeout"`
}

func (c *StatusCmd) Run(globals *CLI) error {
	e, err := globals.setup()
	if err != nil {
		return err
	}
	installLogger(os.Stderr, e.cfg)

	address := e.address()
	if address == "" {
		return fmt.Errorf("status needs a sensor address: pass --device or set device.address")
	}
	if err := e.adapter.Enable(); err != nil {
		return fmt.Errorf("enable adapter: %w", ble.Classify(err))
	}
	report, err := ble.Probe(e.adapter, address, c.Timeout)
	if err != nil {
		return err
	}
	fmt.Printf("Sensor:  %s\n", address)
	fmt.Printf("Status:  %s\n", report.Status)
	fmt.Printf("Gas:     %s (index %d)\n", report.CurrentGas, report.GasIndex)
	return nil
}

// --- Watch Command ---

type WatchCmd struct {
	For time.Duration `name:"for" help:"Stop after this long (default: until interrupted)"`
}

func (c *WatchCmd) Run(globals *CLI) error {
	e, err := globals.setup()
	if err != nil {
		return err
	}
	installLogger(os.Stderr, e.cfg)
	printBanner(os.Stderr, e.cfg, e.address())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if c.For > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.For)
		defer cancel()
	}

	h, s, err := startHeadless(e, os.Stdout, true)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := h.waitReady(ctx, connectDeadline(e.cfg)); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil
		}
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-h.failures:
			if !e.cfg.Link.AutoReconnect {
				return err
			}
		}
	}
}

// --- Set Gas Command ---

type SetGasCmd struct {
	Gas string `arg:"" help:"Gas to measure: CO, H2, LPG, CH4 or ALCOHOL"`
}

func (c *SetGasCmd) Run(globals *CLI) error {
	gas, ok := protocol.ParseGasType(c.Gas)
	if !ok {
		return fmt.Errorf("unknown gas %q: want one of CO, H2, LPG, CH4, ALCOHOL", c.Gas)
	}
	e, err := globals.setup()
	if err != nil {
		return err
	}
	installLogger(os.Stderr, e.cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	h, s, err := startHeadless(e, io.Discard, false)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := h.waitReady(ctx, connectDeadline(e.cfg)); err != nil {
		return err
	}

	// Learn the current gas first so an already-active gas is reported
	// as such instead of being written again.
	if err := s.ReadStatus(); err == nil {
		select {
		case <-h.statuses:
		case <-time.After(2 * time.Second):
			slog.Warn("[SESSION] no status report, assuming CO")
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	id, err := s.RequestGasChange(gas)
	if err != nil {
		if errors.Is(err, command.ErrAlreadyActive) {
			fmt.Printf("Sensor already measuring %s\n", gas)
			return nil
		}
		return err
	}

	for {
		var res command.Result
		select {
		case res = <-h.outcomes:
		case <-ctx.Done():
			return ctx.Err()
		}
		if res.RequestID != id {
			continue // reconciliation from the status read
		}
		switch res.Outcome {
		case command.Confirmed:
			fmt.Printf("Sensor now measuring %s\n", res.Confirmed)
			return nil
		case command.Unconfirmed:
			fmt.Printf("Sent %s; no confirmation within %s\n", res.Target, e.cfg.Command.Timeout)
			return nil
		default:
			if res.Err != nil {
				return fmt.Errorf("gas change %s: %w", res.Outcome, res.Err)
			}
			return fmt.Errorf("gas change %s", res.Outcome)
		}
	}
}

// --- Init Config Command ---

type InitConfigCmd struct{}

func (c *InitConfigCmd) Run(globals *CLI) error {
	path, err := config.WriteDefault()
	if err != nil {
		return err
	}
	if path == "" {
		fmt.Printf("Config already exists at %s\n", config.DefaultConfigPath())
		return nil
	}
	fmt.Printf("Wrote default config to %s\n", path)
	return nil
}

// connectDeadline bounds finding and connecting to the sensor.
func connectDeadline(cfg *config.Config) time.Duration {
	return cfg.Scan.Window + cfg.Link.ConnectTimeout
}

// headless adapts session callbacks for the non-interactive commands.
type headless struct {
	session.NopCallbacks

	s             *session.Session
	out           io.Writer
	printReadings bool
	pickFirst     bool
	picked        bool // delivery goroutine only

	ready    chan struct{}
	isReady  bool // delivery goroutine only
	failures chan error
	outcomes chan command.Result
	statuses chan string
}

// startHeadless creates a session reporting to a headless observer and
// starts scanning for the sensor.
func startHeadless(e *env, out io.Writer, printReadings bool) (*headless, *session.Session, error) {
	if e.address() == "" && !e.canPickFirst() {
		return nil, nil, errNoSensor
	}
	h := &headless{
		out:           out,
		printReadings: printReadings,
		pickFirst:     e.address() == "",
		ready:         make(chan struct{}),
		failures:      make(chan error, 8),
		outcomes:      make(chan command.Result, 8),
		statuses:      make(chan string, 8),
	}
	s := session.New(e.adapter, e.sessionOptions(), nil)
	h.s = s
	s.SetCallbacks(h)
	if err := s.StartScan(); err != nil {
		s.Close()
		return nil, nil, err
	}
	return h, s, nil
}

func (h *headless) waitReady(ctx context.Context, limit time.Duration) error {
	timer := time.NewTimer(limit)
	defer timer.Stop()
	select {
	case <-h.ready:
		return nil
	case err := <-h.failures:
		return err
	case <-timer.C:
		return fmt.Errorf("no sensor connected within %s", limit)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *headless) DeviceDiscovered(d ble.Device) {
	slog.Info("[SESSION] device found", "address", d.Address, "name", d.DisplayName(), "rssi", d.RSSI)
	if !h.pickFirst || h.picked {
		return
	}
	h.picked = true
	if err := h.s.Connect(d.Address); err != nil {
		h.fail(err)
	}
}

func (h *headless) ConnectionChanged(state ble.LinkState, err error) {
	if state == ble.StateReady && !h.isReady {
		h.isReady = true
		close(h.ready)
	}
	if state == ble.StateDisconnected && err != nil {
		h.fail(err)
	}
}

func (h *headless) ReadingReceived(r protocol.SensorReading, source protocol.Source) {
	if !h.printReadings || source == protocol.SourceScrape {
		return
	}
	fmt.Fprintln(h.out, formatReading(time.Now(), r))
}

func (h *headless) CommandOutcome(res command.Result) {
	select {
	case h.outcomes <- res:
	default:
	}
}

func (h *headless) StatusChanged(msg string) {
	slog.Info("[SESSION] " + msg)
	if strings.HasPrefix(msg, "Sensor ") {
		select {
		case h.statuses <- msg:
		default:
		}
	}
}

func (h *headless) fail(err error) {
	select {
	case h.failures <- err:
	default:
	}
}

func formatReading(at time.Time, r protocol.SensorReading) string {
	return fmt.Sprintf("%s  %-7s %8.1f ppm  ADC %4d  %.2f V",
		at.Format(time.TimeOnly), r.Gas, r.PPM, r.RawADC, r.Voltage)
}
