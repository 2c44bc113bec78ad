package ble

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/chaz8081/gasmon/internal/ble/protocol"
)

// LinkOptions configures a Link.
type LinkOptions struct {
	PreferredMTU    int           // MTU requested after connecting
	StatusReadDelay time.Duration // delay before the post-connect status read; 0 disables it
	ConnectTimeout  time.Duration // dial timeout
	// DisconnectConfirmTimeout bounds the wait for the platform to confirm
	// a requested disconnect before connected=false is reported anyway.
	DisconnectConfirmTimeout time.Duration
	Reassembly               protocol.ReassemblerOptions
}

// DefaultLinkOptions returns sensible defaults.
func DefaultLinkOptions() LinkOptions {
	return LinkOptions{
		PreferredMTU:             517,
		StatusReadDelay:          time.Second,
		ConnectTimeout:           15 * time.Second,
		DisconnectConfirmTimeout: 2 * time.Second,
		Reassembly:               protocol.DefaultReassemblerOptions(),
	}
}

// LinkEvents receives Link output. Callbacks run with the Link lock held,
// so they observe transitions in order; they must not block or call back
// into the Link. Nil fields are ignored.
type LinkEvents struct {
	StateChanged      func(state LinkState, err error)
	ConnectionChanged func(connected bool, err error)
	FrameReceived     func(frame protocol.Frame)
	Error             func(err error)
}

// CharacteristicSet holds the resolved characteristics. A nil entry means
// the peripheral did not expose it and the matching operation is
// unavailable.
type CharacteristicSet struct {
	Data    Characteristic
	Command Characteristic
	Status  Characteristic
}

// Link owns the GATT connection to one peripheral: the connection state
// machine, MTU request, characteristic discovery, notification
// subscription and reassembly, and command/status I/O. All state is
// guarded by mu; platform calls that may take a radio round trip run on
// their own goroutines so no method blocks on the radio.
type Link struct {
	adapter Adapter
	opts    LinkOptions
	events  LinkEvents
	now     func() time.Time

	mu         sync.Mutex
	state      LinkState
	epoch      uint64 // bumped on every Connect and Disconnect
	address    string
	conn       Connection
	chars      CharacteristicSet
	mtu        int
	reasm      *protocol.Reassembler
	dialCancel context.CancelFunc
	readTimer  *time.Timer

	// Requested disconnect awaiting platform confirmation.
	confirmEpoch uint64
	confirmTimer *time.Timer
	confirmSeen  bool // confirmation arrived before the platform call returned
}

// NewLink creates a disconnected Link.
func NewLink(adapter Adapter, opts LinkOptions, events LinkEvents) *Link {
	if adapter == nil {
		panic("ble: NewLink requires an adapter")
	}
	def := DefaultLinkOptions()
	if opts.PreferredMTU <= 0 {
		opts.PreferredMTU = def.PreferredMTU
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = def.ConnectTimeout
	}
	if opts.DisconnectConfirmTimeout <= 0 {
		opts.DisconnectConfirmTimeout = def.DisconnectConfirmTimeout
	}
	return &Link{
		adapter: adapter,
		opts:    opts,
		events:  events,
		now:     time.Now,
		mtu:     protocol.DefaultMTU,
		reasm:   protocol.NewReassembler(opts.Reassembly),
	}
}

// Connect starts connecting to address and returns immediately; progress
// is reported through StateChanged and ConnectionChanged. It is valid only
// from StateDisconnected.
func (l *Link) Connect(address string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state != StateDisconnected {
		return fmt.Errorf("%w: connect while %s", ErrInvalidState, l.state)
	}
	l.finishConfirmLocked()

	l.epoch++
	epoch := l.epoch
	l.address = address
	l.mtu = protocol.DefaultMTU
	l.reasm.Reset()

	ctx, cancel := context.WithTimeout(context.Background(), l.opts.ConnectTimeout)
	l.dialCancel = cancel
	l.setStateLocked(StateConnecting, nil)
	slog.Info("[BLE] connecting", "address", address)

	go l.dial(ctx, epoch, address)
	return nil
}

// Disconnect releases the connection and moves to StateDisconnected before
// it returns. ConnectionChanged(false) follows when the platform confirms.
// Calling it on a disconnected Link is a no-op. A platform error is
// returned after the state has still been reset.
func (l *Link) Disconnect() error {
	l.mu.Lock()
	if l.state == StateDisconnected || l.state == StateDisconnecting {
		l.mu.Unlock()
		return nil
	}
	conn := l.conn
	oldEpoch := l.epoch
	l.epoch++
	epoch := l.epoch

	l.setStateLocked(StateDisconnecting, nil)
	l.teardownLocked()
	if conn != nil {
		l.confirmEpoch = oldEpoch
		l.confirmSeen = false
	}
	l.mu.Unlock()

	// The platform call can take a radio round trip; notifications and
	// State must not wait on it.
	var err error
	if conn != nil {
		if derr := conn.Disconnect(); derr != nil {
			err = fmt.Errorf("ble: disconnect: %w", Classify(derr))
			slog.Warn("[BLE] platform disconnect failed", "error", derr)
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.epoch == epoch && l.state == StateDisconnecting {
		l.setStateLocked(StateDisconnected, nil)
	}
	slog.Info("[BLE] disconnected", "address", l.address)

	if conn == nil || err != nil {
		if l.confirmEpoch == oldEpoch {
			l.confirmEpoch = 0
		}
		l.emitConnection(false, err)
		return err
	}
	if l.confirmEpoch != oldEpoch {
		return nil // superseded by a newer disconnect
	}
	if l.confirmSeen {
		l.finishConfirmLocked()
		return nil
	}
	l.confirmTimer = time.AfterFunc(l.opts.DisconnectConfirmTimeout, func() { l.confirmExpired(oldEpoch) })
	return nil
}

// WriteCommand writes "<GAS>:<unixMillis>" to the command characteristic.
// It reports whether the write was submitted, not whether the peripheral
// acted on it.
func (l *Link) WriteCommand(gas protocol.GasType) error {
	l.mu.Lock()
	ch := l.chars.Command
	l.mu.Unlock()

	if ch == nil {
		return fmt.Errorf("%w: command characteristic", ErrCharacteristicUnavailable)
	}
	payload := protocol.EncodeGasCommand(gas, l.now())
	if err := ch.Write(payload); err != nil {
		return fmt.Errorf("ble: write command: %w", Classify(err))
	}
	slog.Debug("[BLE] command written", "payload", string(payload))
	return nil
}

// ReadStatus starts a read of the status characteristic. The value arrives
// as a FrameReceived event with SourceRead.
func (l *Link) ReadStatus() error {
	l.mu.Lock()
	ch := l.chars.Status
	epoch := l.epoch
	l.mu.Unlock()

	if ch == nil {
		return fmt.Errorf("%w: status characteristic", ErrCharacteristicUnavailable)
	}
	go l.readStatus(epoch, ch)
	return nil
}

// State returns the current LinkState.
func (l *Link) State() LinkState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Address returns the address of the current or last peripheral.
func (l *Link) Address() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.address
}

// MTU returns the ATT MTU in effect.
func (l *Link) MTU() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.mtu
}

// Buffered returns the number of bytes held for an incomplete message.
func (l *Link) Buffered() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reasm.Buffered()
}

// Characteristics returns the resolved characteristic set.
func (l *Link) Characteristics() CharacteristicSet {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.chars
}

func (l *Link) dial(ctx context.Context, epoch uint64, address string) {
	conn, err := l.adapter.Connect(ctx, address)

	l.mu.Lock()
	defer l.mu.Unlock()

	if epoch != l.epoch {
		// Disconnect ran while dialing.
		if err == nil {
			go func() { _ = conn.Disconnect() }()
		}
		return
	}
	l.dialCancel()
	l.dialCancel = nil

	if err != nil {
		err = Classify(err)
		slog.Warn("[BLE] connect failed", "address", address, "error", err)
		l.setStateLocked(StateDisconnected, err)
		l.emitConnection(false, err)
		return
	}

	l.conn = conn
	conn.OnDisconnect(func() { l.platformDisconnected(epoch) })
	l.setStateLocked(StateConnected, nil)
	l.emitConnection(true, nil)
	slog.Info("[BLE] connected", "address", address)

	go l.discover(epoch, conn)
}

// discover requests the MTU, resolves characteristics and subscribes to
// the data characteristic, then moves to StateReady.
func (l *Link) discover(epoch uint64, conn Connection) {
	mtu := protocol.DefaultMTU
	if got, err := conn.RequestMTU(l.opts.PreferredMTU); err != nil {
		slog.Warn("[BLE] MTU request failed, using default", "error", err, "mtu", mtu)
	} else if got > 0 {
		mtu = got
	}

	l.mu.Lock()
	if epoch != l.epoch {
		l.mu.Unlock()
		return
	}
	l.mtu = mtu
	l.setStateLocked(StateServicesDiscovering, nil)
	l.mu.Unlock()
	slog.Debug("[BLE] discovering characteristics", "mtu", mtu)

	var chars CharacteristicSet
	var errs []error
	for _, want := range []struct {
		uuid string
		name string
		dst  *Characteristic
	}{
		{DataCharUUID, "data", &chars.Data},
		{CommandCharUUID, "command", &chars.Command},
		{StatusCharUUID, "status", &chars.Status},
	} {
		ch, err := conn.DiscoverCharacteristic(ServiceUUID, want.uuid)
		if err != nil {
			slog.Warn("[BLE] characteristic not found", "characteristic", want.name, "error", err)
			errs = append(errs, fmt.Errorf("%w: %s: %w", ErrCharacteristicUnavailable, want.name, Classify(err)))
			continue
		}
		*want.dst = ch
	}

	if chars.Data != nil {
		if err := chars.Data.Subscribe(func(data []byte) { l.notified(epoch, data) }); err != nil {
			slog.Warn("[BLE] enable notifications failed", "error", err)
			errs = append(errs, fmt.Errorf("ble: enable notifications: %w", Classify(err)))
			chars.Data = nil
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if epoch != l.epoch {
		return
	}
	l.chars = chars
	l.setStateLocked(StateReady, nil)
	slog.Info("[BLE] link ready", "mtu", l.mtu,
		"data", chars.Data != nil, "command", chars.Command != nil, "status", chars.Status != nil)

	for _, err := range errs {
		l.emitError(err)
	}
	if chars.Data == nil {
		l.emitError(fmt.Errorf("%w: data streaming disabled", ErrCharacteristicUnavailable))
	}

	if chars.Status != nil && l.opts.StatusReadDelay > 0 {
		l.readTimer = time.AfterFunc(l.opts.StatusReadDelay, func() { l.delayedRead(epoch) })
	}
}

// notified handles one notification payload from the data characteristic.
func (l *Link) notified(epoch uint64, data []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if epoch != l.epoch || l.conn == nil {
		return
	}
	for _, f := range l.reasm.Feed(data, l.now()) {
		if l.events.FrameReceived != nil {
			l.events.FrameReceived(f)
		}
	}
}

func (l *Link) readStatus(epoch uint64, ch Characteristic) {
	data, err := ch.Read()

	l.mu.Lock()
	defer l.mu.Unlock()
	if epoch != l.epoch {
		return
	}
	if err != nil {
		l.emitError(fmt.Errorf("ble: read status: %w", Classify(err)))
		return
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		slog.Debug("[BLE] status read returned no data")
		return
	}
	if l.events.FrameReceived != nil {
		l.events.FrameReceived(protocol.Frame{Text: text, Source: protocol.SourceRead})
	}
}

func (l *Link) delayedRead(epoch uint64) {
	l.mu.Lock()
	if epoch != l.epoch {
		l.mu.Unlock()
		return
	}
	l.readTimer = nil
	l.mu.Unlock()

	if err := l.ReadStatus(); err != nil {
		slog.Debug("[BLE] post-connect status read skipped", "error", err)
	}
}

// platformDisconnected is the platform's disconnect callback for the
// connection opened in epoch.
func (l *Link) platformDisconnected(epoch uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if epoch == l.confirmEpoch {
		slog.Debug("[BLE] platform confirmed disconnect")
		if l.confirmTimer == nil {
			l.confirmSeen = true // Disconnect is still in the platform call
			return
		}
		l.finishConfirmLocked()
		return
	}
	if epoch != l.epoch {
		return
	}

	slog.Warn("[BLE] connection lost", "address", l.address, "state", l.state)
	l.epoch++
	l.teardownLocked()
	l.setStateLocked(StateDisconnected, ErrConnectionLost)
	l.emitConnection(false, ErrConnectionLost)
}

func (l *Link) confirmExpired(epoch uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if epoch != l.confirmEpoch {
		return
	}
	slog.Debug("[BLE] no disconnect confirmation from platform")
	l.finishConfirmLocked()
}

// finishConfirmLocked reports a pending requested disconnect as complete.
func (l *Link) finishConfirmLocked() {
	if l.confirmEpoch == 0 {
		return
	}
	l.confirmEpoch = 0
	if l.confirmTimer != nil {
		l.confirmTimer.Stop()
		l.confirmTimer = nil
	}
	l.emitConnection(false, nil)
}

// teardownLocked drops everything tied to the current connection.
func (l *Link) teardownLocked() {
	if l.dialCancel != nil {
		l.dialCancel()
		l.dialCancel = nil
	}
	if l.readTimer != nil {
		l.readTimer.Stop()
		l.readTimer = nil
	}
	l.conn = nil
	l.chars = CharacteristicSet{}
	l.mtu = protocol.DefaultMTU
	l.reasm.Reset()
}

func (l *Link) setStateLocked(s LinkState, err error) {
	l.state = s
	slog.Debug("[BLE] link state", "state", s)
	if l.events.StateChanged != nil {
		l.events.StateChanged(s, err)
	}
}

func (l *Link) emitConnection(connected bool, err error) {
	if l.events.ConnectionChanged != nil {
		l.events.ConnectionChanged(connected, err)
	}
}

func (l *Link) emitError(err error) {
	if l.events.Error != nil {
		l.events.Error(err)
	}
}
