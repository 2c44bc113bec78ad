// Package session wires the scanner, link, reassembly and command tracking
// into one client for a gas-sensor peripheral. Applications drive it with
// the Session methods and observe it through a single Callbacks value, all
// of whose methods run in order on one delivery goroutine.
package session

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set"
	"github.com/google/uuid"

	"github.com/chaz8081/gasmon/internal/ble"
	"github.com/chaz8081/gasmon/internal/ble/protocol"
	"github.com/chaz8081/gasmon/internal/command"
)

var (
	// ErrUnknownDevice is returned by Connect for an address the scanner
	// has not seen.
	ErrUnknownDevice = errors.New("session: device not discovered")
	// ErrClosed is returned by operations on a closed Session.
	ErrClosed = errors.New("session: closed")
)

// Callbacks observes a Session. Methods run on the Session's delivery
// goroutine, one at a time, in event order. They may call Session methods
// other than Close. Embed NopCallbacks to implement a subset.
type Callbacks interface {
	// DeviceDiscovered reports the first sighting of a device in a scan.
	DeviceDiscovered(d ble.Device)
	// ConnectionChanged reports every link state transition; err is set
	// when the transition was caused by a failure. A requested disconnect
	// shows up here as StateDisconnected as soon as Disconnect runs; the
	// platform's later confirmation (or its confirm timeout) only produces
	// a "Disconnected" StatusChanged line.
	ConnectionChanged(state ble.LinkState, err error)
	// ReadingReceived reports a parsed reading and how it was recovered.
	ReadingReceived(r protocol.SensorReading, source protocol.Source)
	// CommandOutcome reports how a gas change request ended.
	CommandOutcome(res command.Result)
	// StatusChanged carries a human-readable status line.
	StatusChanged(msg string)
}

// NopCallbacks ignores every event.
type NopCallbacks struct{}

func (NopCallbacks) DeviceDiscovered(ble.Device)                             {}
func (NopCallbacks) ConnectionChanged(ble.LinkState, error)                  {}
func (NopCallbacks) ReadingReceived(protocol.SensorReading, protocol.Source) {}
func (NopCallbacks) CommandOutcome(command.Result)                           {}
func (NopCallbacks) StatusChanged(string)                                    {}

// Options configures a Session.
type Options struct {
	ScanWindow time.Duration
	// NameFilter hides devices whose name does not contain it
	// (case-insensitive). Empty shows everything.
	NameFilter string
	// AutoConnect is an address to connect to as soon as a scan finds it.
	AutoConnect string
	// AutoReconnect retries with exponential backoff, up to MaxBackoff,
	// after an unsolicited disconnect.
	AutoReconnect bool
	MaxBackoff    time.Duration

	Link         ble.LinkOptions
	Command      command.Options
	HistorySize  int
	RecentWindow time.Duration
}

// DefaultOptions returns the default configuration.
func DefaultOptions() Options {
	return Options{
		ScanWindow:   ble.DefaultScanWindow,
		MaxBackoff:   30 * time.Second,
		Link:         ble.DefaultLinkOptions(),
		Command:      command.Options{Timeout: command.DefaultTimeout, InitialGas: protocol.GasCO},
		HistorySize:  DefaultHistorySize,
		RecentWindow: DefaultRecentWindow,
	}
}

// Session is a client for one gas sensor at a time.
type Session struct {
	adapter ble.Adapter
	opts    Options
	scanner *ble.Scanner
	link    *ble.Link
	tracker *command.Tracker
	history *History
	queue   *eventQueue
	seen    mapset.Set // addresses reported in the current scan

	// mu is never held while calling into the scanner, link or tracker.
	mu       sync.Mutex
	cb       Callbacks
	enabled  bool
	closed   bool
	target   string // address the user asked to be connected to
	attempt  int    // reconnect attempts since the last connection
	retry    *time.Timer
	retryGen uint64
}

// New creates a Session on adapter. A nil cb ignores events until
// SetCallbacks is called.
func New(adapter ble.Adapter, opts Options, cb Callbacks) *Session {
	if adapter == nil {
		panic("session: New requires an adapter")
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = DefaultOptions().MaxBackoff
	}
	if cb == nil {
		cb = NopCallbacks{}
	}

	s := &Session{
		adapter: adapter,
		opts:    opts,
		history: NewHistory(opts.HistorySize, opts.RecentWindow),
		queue:   newEventQueue(),
		seen:    mapset.NewSet(),
		cb:      cb,
	}
	s.scanner = ble.NewScanner(adapter, opts.ScanWindow, ble.ScanEvents{
		DeviceDiscovered: s.onDiscovered,
		ScanFailed:       s.onScanFailed,
		ScanStopped:      s.onScanStopped,
	})
	s.link = ble.NewLink(adapter, opts.Link, ble.LinkEvents{
		StateChanged:      s.onLinkState,
		ConnectionChanged: s.onConnection,
		FrameReceived:     s.onFrame,
		Error:             s.onLinkError,
	})
	s.tracker = command.New(s.link, opts.Command, s.onCommandResult)
	return s
}

// SetCallbacks replaces the observer. Events already queued are delivered
// to the new one. nil installs NopCallbacks.
func (s *Session) SetCallbacks(cb Callbacks) {
	if cb == nil {
		cb = NopCallbacks{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cb = cb
}

// StartScan enables the adapter if needed and starts a scan, clearing the
// list of reported devices. Scanning stops by itself after the scan window.
func (s *Session) StartScan() error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := s.enable(); err != nil {
		return err
	}
	s.seen.Clear()
	if err := s.scanner.Start(); err != nil {
		s.status(describeError(err))
		return err
	}
	s.status("Scanning for sensors...")
	return nil
}

// StopScan stops a running scan. It is safe to call when not scanning.
func (s *Session) StopScan() {
	s.scanner.Stop()
}

// Connect stops scanning and connects to a device found by the current or
// a previous scan. Progress arrives through ConnectionChanged.
func (s *Session) Connect(address string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	d, ok := s.scanner.Lookup(address)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, address)
	}
	if err := s.enable(); err != nil {
		return err
	}
	s.scanner.Stop()

	s.mu.Lock()
	s.target = d.Address
	s.attempt = 0
	s.stopRetryLocked()
	s.mu.Unlock()

	if err := s.link.Connect(d.Address); err != nil {
		return err
	}
	slog.Info("[SESSION] connecting", "device", d.DisplayName(), "rssi", d.RSSI)
	return nil
}

// Disconnect drops the connection, cancels any pending gas change and
// stops reconnecting. Calling it while disconnected is a no-op.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	s.target = ""
	s.attempt = 0
	s.stopRetryLocked()
	s.mu.Unlock()

	err := s.link.Disconnect()
	s.tracker.Cancel()
	return err
}

// RequestGasChange asks the sensor to measure gas. The result arrives
// through CommandOutcome; the returned ID matches Result.RequestID.
func (s *Session) RequestGasChange(gas protocol.GasType) (uuid.UUID, error) {
	if err := s.checkOpen(); err != nil {
		return uuid.Nil, err
	}
	if st := s.link.State(); st != ble.StateReady {
		return uuid.Nil, fmt.Errorf("%w: gas change while %s", ble.ErrInvalidState, st)
	}
	return s.tracker.RequestChange(gas)
}

// ReadStatus reads the status characteristic; the report arrives through
// StatusChanged and may reconcile the confirmed gas.
func (s *Session) ReadStatus() error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.link.ReadStatus()
}

// Close stops scanning, disconnects and delivers every queued event before
// returning. It must not be called from a callback.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.target = ""
	s.stopRetryLocked()
	s.mu.Unlock()

	s.scanner.Stop()
	if err := s.link.Disconnect(); err != nil {
		slog.Warn("[SESSION] disconnect on close failed", "error", err)
	}
	s.tracker.Cancel()
	s.queue.close()
	slog.Debug("[SESSION] closed")
}

// LinkState returns the connection state.
func (s *Session) LinkState() ble.LinkState { return s.link.State() }

// Address returns the address of the current or last peripheral.
func (s *Session) Address() string { return s.link.Address() }

// MTU returns the negotiated ATT MTU.
func (s *Session) MTU() int { return s.link.MTU() }

// ConfirmedGas returns the gas the sensor is believed to be measuring.
func (s *Session) ConfirmedGas() protocol.GasType { return s.tracker.Confirmed() }

// PendingGas returns the target of a pending gas change and its deadline.
func (s *Session) PendingGas() (protocol.GasType, time.Time, bool) { return s.tracker.Pending() }

// Scanning reports whether a scan is running.
func (s *Session) Scanning() bool { return s.scanner.Scanning() }

// History returns the per-gas reading history.
func (s *Session) History() *History { return s.history }

// Devices returns the devices seen so far that pass the name filter,
// strongest signal first, with their latest RSSI.
func (s *Session) Devices() []ble.Device {
	all := s.scanner.Devices()
	out := all[:0]
	for _, d := range all {
		if s.matches(d) {
			out = append(out, d)
		}
	}
	return out
}

func (s *Session) matches(d ble.Device) bool {
	if s.opts.NameFilter == "" {
		return true
	}
	return strings.Contains(strings.ToLower(d.Name), strings.ToLower(s.opts.NameFilter))
}

func (s *Session) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

func (s *Session) enable() error {
	s.mu.Lock()
	enabled := s.enabled
	s.mu.Unlock()
	if enabled {
		return nil
	}
	if err := s.adapter.Enable(); err != nil {
		err = fmt.Errorf("session: enable adapter: %w", ble.Classify(err))
		s.status(describeError(err))
		return err
	}
	s.mu.Lock()
	s.enabled = true
	s.mu.Unlock()
	return nil
}

// deliver queues f for the delivery goroutine; f gets the callbacks
// installed when it runs.
func (s *Session) deliver(f func(Callbacks)) {
	s.queue.push(func() {
		s.mu.Lock()
		cb := s.cb
		s.mu.Unlock()
		f(cb)
	})
}

func (s *Session) status(msg string) {
	s.deliver(func(cb Callbacks) { cb.StatusChanged(msg) })
}

// Scanner and Link events arrive with their locks held: they only queue.

func (s *Session) onDiscovered(d ble.Device) {
	if !s.matches(d) {
		return
	}
	if !s.seen.Add(d.Address) {
		return
	}
	slog.Debug("[SESSION] device discovered", "address", d.Address, "name", d.Name, "rssi", d.RSSI)
	s.deliver(func(cb Callbacks) { cb.DeviceDiscovered(d) })
	if s.opts.AutoConnect != "" && strings.EqualFold(d.Address, s.opts.AutoConnect) {
		s.queue.push(func() { s.autoConnect(d.Address) })
	}
}

func (s *Session) onScanFailed(se *ble.ScanError) {
	s.status(describeError(se))
}

func (s *Session) onScanStopped() {
	s.status("Scan stopped")
}

func (s *Session) onLinkState(state ble.LinkState, err error) {
	s.deliver(func(cb Callbacks) { cb.ConnectionChanged(state, err) })
	switch state {
	case ble.StateConnecting:
		s.status("Connecting...")
	case ble.StateServicesDiscovering:
		s.status("Discovering services...")
	case ble.StateReady:
		s.status("Connected, receiving data")
	}
}

func (s *Session) onConnection(connected bool, err error) {
	s.queue.push(func() { s.handleConnection(connected, err) })
}

func (s *Session) onFrame(f protocol.Frame) {
	s.queue.push(func() { s.handleFrame(f) })
}

func (s *Session) onLinkError(err error) {
	s.status(describeError(err))
}

func (s *Session) onCommandResult(res command.Result) {
	s.deliver(func(cb Callbacks) { cb.CommandOutcome(res) })
	s.status(describeResult(res))
}

// The handlers below run on the delivery goroutine.

func (s *Session) autoConnect(address string) {
	if s.link.State() != ble.StateDisconnected {
		return
	}
	slog.Info("[SESSION] auto-connecting", "address", address)
	if err := s.Connect(address); err != nil {
		slog.Warn("[SESSION] auto-connect failed", "address", address, "error", err)
		s.status(describeError(err))
	}
}

func (s *Session) handleConnection(connected bool, err error) {
	if connected {
		s.mu.Lock()
		s.attempt = 0
		s.mu.Unlock()
		return
	}

	s.tracker.Cancel()
	switch {
	case err == nil:
		s.status("Disconnected")
	case errors.Is(err, ble.ErrPermissionDenied):
		s.status(describeError(err))
		s.mu.Lock()
		s.attempt = 0
		s.mu.Unlock()
	case errors.Is(err, ble.ErrConnectionLost):
		s.status(describeError(err))
		s.scheduleReconnect()
	default:
		s.status(describeError(err))
		s.mu.Lock()
		retrying := s.attempt > 0
		s.mu.Unlock()
		if retrying {
			s.scheduleReconnect()
		}
	}
}

func (s *Session) handleFrame(f protocol.Frame) {
	m, err := protocol.ParseMessage(f.Text)
	if err != nil {
		slog.Warn("[SESSION] malformed message", "source", f.Source, "text", f.Text, "error", err)
		s.status(describeError(err))
		return
	}
	s.tracker.HandleMessage(m)

	switch m.Kind {
	case protocol.KindReading:
		r := *m.Reading
		// Scraped frames usually duplicate a frame recovered whole.
		if f.Source != protocol.SourceScrape {
			s.history.Add(r.Gas, r, time.Now())
		}
		s.deliver(func(cb Callbacks) { cb.ReadingReceived(r, f.Source) })
	case protocol.KindGasChanged:
		slog.Debug("[SESSION] gas_changed", "to", m.GasChanged.To, "success", m.GasChanged.Success)
	case protocol.KindStatus:
		st := *m.Status
		s.status(fmt.Sprintf("Sensor %s, measuring %s", st.Status, st.CurrentGas))
	}
}

// scheduleReconnect arms the next reconnect attempt when auto-reconnect is
// on and the user still wants a connection.
func (s *Session) scheduleReconnect() {
	s.mu.Lock()
	if s.closed || !s.opts.AutoReconnect || s.target == "" {
		s.mu.Unlock()
		return
	}
	delay := ble.BackoffDelay(s.attempt, s.opts.MaxBackoff)
	s.attempt++
	attempt := s.attempt
	s.stopRetryLocked()
	gen := s.retryGen
	s.retry = time.AfterFunc(delay, func() { s.reconnect(gen) })
	s.mu.Unlock()

	slog.Info("[SESSION] reconnecting", "attempt", attempt, "delay", delay)
	s.status(fmt.Sprintf("Reconnecting in %s (attempt %d)", delay, attempt))
}

func (s *Session) reconnect(gen uint64) {
	s.mu.Lock()
	if gen != s.retryGen || s.closed || s.target == "" {
		s.mu.Unlock()
		return
	}
	s.retry = nil
	address := s.target
	s.mu.Unlock()

	if err := s.link.Connect(address); err != nil {
		slog.Warn("[SESSION] reconnect skipped", "error", err)
	}
}

// stopRetryLocked cancels a scheduled reconnect. Caller must hold mu.
func (s *Session) stopRetryLocked() {
	s.retryGen++
	if s.retry != nil {
		s.retry.Stop()
		s.retry = nil
	}
}

// describeError renders an error as a status line.
func describeError(err error) string {
	var se *ble.ScanError
	switch {
	case errors.As(err, &se):
		return fmt.Sprintf("Scan failed: %s", se.Reason)
	case errors.Is(err, ble.ErrPermissionDenied):
		return "Bluetooth permission denied"
	case errors.Is(err, ble.ErrDeviceUnavailable):
		return "Bluetooth adapter unavailable"
	case errors.Is(err, ble.ErrCharacteristicUnavailable):
		return fmt.Sprintf("Feature unavailable: %v", err)
	case errors.Is(err, ble.ErrConnectionLost):
		return "Connection lost"
	case errors.Is(err, protocol.ErrMalformedMessage):
		return "Malformed message ignored"
	case errors.Is(err, command.ErrBusy):
		return "A gas change is already pending"
	case errors.Is(err, command.ErrAlreadyActive):
		return "Gas already active"
	case errors.Is(err, ErrUnknownDevice):
		return "Device not found, scan again"
	default:
		return fmt.Sprintf("Error: %v", err)
	}
}

func describeResult(res command.Result) string {
	switch res.Outcome {
	case command.Confirmed:
		return fmt.Sprintf("Now measuring %s", res.Confirmed)
	case command.Unconfirmed:
		return fmt.Sprintf("No confirmation for %s, assuming it is active", res.Target)
	case command.Failed:
		return fmt.Sprintf("Change to %s failed: %v", res.Target, res.Err)
	case command.Cancelled:
		return fmt.Sprintf("Change to %s cancelled", res.Target)
	case command.Reconciled:
		return fmt.Sprintf("Sensor reports %s", res.Confirmed)
	default:
		return res.Outcome.String()
	}
}
