package ble

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/chaz8081/gasmon/internal/ble/protocol"
)

type connEvent struct {
	connected bool
	err       error
}

// linkRecorder collects Link events.
type linkRecorder struct {
	mu     sync.Mutex
	states []LinkState
	errs   []error // StateChanged errors, aligned with states
	conns  []connEvent
	frames []protocol.Frame
	linkEr []error
}

func (r *linkRecorder) events() LinkEvents {
	return LinkEvents{
		StateChanged: func(s LinkState, err error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.states = append(r.states, s)
			r.errs = append(r.errs, err)
		},
		ConnectionChanged: func(connected bool, err error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.conns = append(r.conns, connEvent{connected, err})
		},
		FrameReceived: func(f protocol.Frame) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.frames = append(r.frames, f)
		},
		Error: func(err error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.linkEr = append(r.linkEr, err)
		},
	}
}

func (r *linkRecorder) connEvents() []connEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]connEvent(nil), r.conns...)
}

func (r *linkRecorder) frameTexts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.frames))
	for i, f := range r.frames {
		out[i] = f.Text
	}
	return out
}

func (r *linkRecorder) linkErrors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.linkEr...)
}

func (r *linkRecorder) stateLog() []LinkState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]LinkState(nil), r.states...)
}

func testLinkOpts() LinkOptions {
	opts := DefaultLinkOptions()
	opts.StatusReadDelay = 0
	opts.DisconnectConfirmTimeout = time.Second
	return opts
}

// readyLink connects a Link to a fresh mock connection and waits for Ready.
func readyLink(t *testing.T, adapter *mockAdapter, opts LinkOptions) (*Link, *linkRecorder) {
	t.Helper()
	rec := &linkRecorder{}
	link := NewLink(adapter, opts, rec.events())
	if err := link.Connect("AA:BB:CC:DD:EE:FF"); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	waitFor(t, "link ready", func() bool { return link.State() == StateReady })
	return link, rec
}

func TestLinkConnectReachesReady(t *testing.T) {
	adapter := newMockAdapter(nil)
	link, rec := readyLink(t, adapter, testLinkOpts())

	want := []LinkState{StateConnecting, StateConnected, StateServicesDiscovering, StateReady}
	got := rec.stateLog()
	if len(got) != len(want) {
		t.Fatalf("states = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("states[%d] = %v, want %v", i, got[i], want[i])
		}
	}
	if conns := rec.connEvents(); len(conns) != 1 || !conns[0].connected {
		t.Errorf("connection events = %+v, want one connected=true", conns)
	}
	if link.MTU() != 185 {
		t.Errorf("MTU() = %d, want 185", link.MTU())
	}
	chars := link.Characteristics()
	if chars.Data == nil || chars.Command == nil || chars.Status == nil {
		t.Errorf("characteristics not all resolved: %+v", chars)
	}
	if link.Address() != "AA:BB:CC:DD:EE:FF" {
		t.Errorf("Address() = %q", link.Address())
	}
}

func TestLinkConnectOnlyFromDisconnected(t *testing.T) {
	adapter := newMockAdapter(nil)
	link, _ := readyLink(t, adapter, testLinkOpts())

	err := link.Connect("11:22:33:44:55:66")
	if !errors.Is(err, ErrInvalidState) {
		t.Errorf("Connect() while ready error = %v, want ErrInvalidState", err)
	}
	if link.Address() != "AA:BB:CC:DD:EE:FF" {
		t.Errorf("rejected Connect changed address to %q", link.Address())
	}
}

func TestLinkMTUFailureNotFatal(t *testing.T) {
	adapter := newMockAdapter(nil)
	adapter.configure = func(c *mockConnection) { c.mtuErr = errors.New("mtu exchange rejected") }
	link, _ := readyLink(t, adapter, testLinkOpts())

	if link.MTU() != protocol.DefaultMTU {
		t.Errorf("MTU() = %d, want default %d", link.MTU(), protocol.DefaultMTU)
	}
}

func TestLinkNotificationsReassembled(t *testing.T) {
	adapter := newMockAdapter(nil)
	link, rec := readyLink(t, adapter, testLinkOpts())
	data := adapter.latestConnection().dataChar

	data.SimulateNotification([]byte(`{"ADC":120,"V":1.`))
	if link.Buffered() == 0 {
		t.Fatal("partial fragment not buffered")
	}
	data.SimulateNotification([]byte(`05,"ppm":12.3,"gas":"CO"}`))

	frames := rec.frameTexts()
	if len(frames) != 1 || frames[0] != `{"ADC":120,"V":1.05,"ppm":12.3,"gas":"CO"}` {
		t.Errorf("frames = %q", frames)
	}
}

func TestLinkMissingDataCharacteristic(t *testing.T) {
	adapter := newMockAdapter(nil)
	adapter.configure = func(c *mockConnection) { c.missing[DataCharUUID] = true }
	link, rec := readyLink(t, adapter, testLinkOpts())

	if link.Characteristics().Data != nil {
		t.Error("data characteristic should be unresolved")
	}
	found := false
	for _, err := range rec.linkErrors() {
		if errors.Is(err, ErrCharacteristicUnavailable) {
			found = true
		}
	}
	if !found {
		t.Errorf("errors = %v, want ErrCharacteristicUnavailable", rec.linkErrors())
	}
	if err := link.WriteCommand(protocol.GasH2); err != nil {
		t.Errorf("WriteCommand() in degraded mode error = %v", err)
	}
}

func TestLinkSubscribeFailureDegrades(t *testing.T) {
	adapter := newMockAdapter(nil)
	adapter.configure = func(c *mockConnection) { c.dataChar.subscribeErr = errors.New("cccd write failed") }
	link, rec := readyLink(t, adapter, testLinkOpts())

	if link.Characteristics().Data != nil {
		t.Error("data characteristic kept after failed subscribe")
	}
	if len(rec.linkErrors()) == 0 {
		t.Error("no error reported for failed subscribe")
	}
}

func TestLinkWriteCommandPayload(t *testing.T) {
	adapter := newMockAdapter(nil)
	link, _ := readyLink(t, adapter, testLinkOpts())
	link.now = func() time.Time { return time.UnixMilli(1700000000000) }

	if err := link.WriteCommand(protocol.GasH2); err != nil {
		t.Fatalf("WriteCommand() error = %v", err)
	}
	cmd := adapter.latestConnection().commandChar
	cmd.mu.Lock()
	defer cmd.mu.Unlock()
	if len(cmd.writes) != 1 || string(cmd.writes[0]) != "H2:1700000000000" {
		t.Errorf("writes = %q, want [%q]", cmd.writes, "H2:1700000000000")
	}
}

func TestLinkWriteCommandUnavailable(t *testing.T) {
	adapter := newMockAdapter(nil)
	adapter.configure = func(c *mockConnection) { c.missing[CommandCharUUID] = true }
	link, _ := readyLink(t, adapter, testLinkOpts())

	if err := link.WriteCommand(protocol.GasCO); !errors.Is(err, ErrCharacteristicUnavailable) {
		t.Errorf("WriteCommand() error = %v, want ErrCharacteristicUnavailable", err)
	}

	idle := NewLink(adapter, testLinkOpts(), LinkEvents{})
	if err := idle.WriteCommand(protocol.GasCO); !errors.Is(err, ErrCharacteristicUnavailable) {
		t.Errorf("WriteCommand() on disconnected link error = %v, want ErrCharacteristicUnavailable", err)
	}
	if err := idle.ReadStatus(); !errors.Is(err, ErrCharacteristicUnavailable) {
		t.Errorf("ReadStatus() on disconnected link error = %v, want ErrCharacteristicUnavailable", err)
	}
}

func TestLinkWriteCommandPermissionDenied(t *testing.T) {
	adapter := newMockAdapter(nil)
	adapter.configure = func(c *mockConnection) { c.commandChar.writeErr = errors.New("Operation not permitted") }
	link, _ := readyLink(t, adapter, testLinkOpts())

	if err := link.WriteCommand(protocol.GasCO); !errors.Is(err, ErrPermissionDenied) {
		t.Errorf("WriteCommand() error = %v, want ErrPermissionDenied", err)
	}
}

func TestLinkReadStatus(t *testing.T) {
	adapter := newMockAdapter(nil)
	link, rec := readyLink(t, adapter, testLinkOpts())

	if err := link.ReadStatus(); err != nil {
		t.Fatalf("ReadStatus() error = %v", err)
	}
	waitFor(t, "status frame", func() bool { return len(rec.frameTexts()) == 1 })

	rec.mu.Lock()
	f := rec.frames[0]
	rec.mu.Unlock()
	if f.Source != protocol.SourceRead || !strings.Contains(f.Text, `"current_gas":"CO"`) {
		t.Errorf("frame = %+v, want status read", f)
	}
}

func TestLinkPostConnectStatusRead(t *testing.T) {
	adapter := newMockAdapter(nil)
	opts := testLinkOpts()
	opts.StatusReadDelay = 10 * time.Millisecond
	_, rec := readyLink(t, adapter, opts)

	waitFor(t, "post-connect read", func() bool { return adapter.latestConnection().statusChar.readCount() == 1 })
	waitFor(t, "status frame", func() bool { return len(rec.frameTexts()) == 1 })
}

func TestLinkDisconnectCancelsStatusRead(t *testing.T) {
	adapter := newMockAdapter(nil)
	opts := testLinkOpts()
	opts.StatusReadDelay = 30 * time.Millisecond
	link, _ := readyLink(t, adapter, opts)
	conn := adapter.latestConnection()

	if err := link.Disconnect(); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	time.Sleep(80 * time.Millisecond)
	if n := conn.statusChar.readCount(); n != 0 {
		t.Errorf("status read %d times after disconnect, want 0", n)
	}
}

func TestLinkDisconnectIdempotent(t *testing.T) {
	adapter := newMockAdapter(nil)
	link, rec := readyLink(t, adapter, testLinkOpts())
	conn := adapter.latestConnection()
	conn.dataChar.SimulateNotification([]byte(`{"ADC":1,`))

	if err := link.Disconnect(); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	if link.State() != StateDisconnected {
		t.Errorf("State() = %v, want disconnected", link.State())
	}
	if link.Buffered() != 0 {
		t.Errorf("Buffered() = %d after disconnect, want 0", link.Buffered())
	}
	if link.Characteristics() != (CharacteristicSet{}) {
		t.Error("characteristics kept after disconnect")
	}
	if err := link.Disconnect(); err != nil {
		t.Errorf("second Disconnect() error = %v, want nil", err)
	}
	if conn.disconnectCount() != 1 {
		t.Errorf("platform Disconnect called %d times, want 1", conn.disconnectCount())
	}

	// connected=false is reported once the platform confirms.
	if n := len(rec.connEvents()); n != 1 {
		t.Fatalf("connection events before confirmation = %d, want 1", n)
	}
	conn.SimulateDisconnect()
	conns := rec.connEvents()
	if len(conns) != 2 || conns[1].connected || conns[1].err != nil {
		t.Errorf("connection events = %+v, want trailing connected=false", conns)
	}
	if link.State() != StateDisconnected {
		t.Errorf("State() = %v after confirmation", link.State())
	}
}

func TestLinkDisconnectConfirmTimeout(t *testing.T) {
	adapter := newMockAdapter(nil)
	opts := testLinkOpts()
	opts.DisconnectConfirmTimeout = 20 * time.Millisecond
	link, rec := readyLink(t, adapter, opts)

	if err := link.Disconnect(); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	waitFor(t, "unconfirmed disconnect report", func() bool { return len(rec.connEvents()) == 2 })
	if conns := rec.connEvents(); conns[1].connected {
		t.Errorf("connection events = %+v", conns)
	}
}

func TestLinkDisconnectDoesNotHoldLockDuringPlatformCall(t *testing.T) {
	adapter := newMockAdapter(nil)
	link, _ := readyLink(t, adapter, testLinkOpts())
	conn := adapter.latestConnection()

	var stateDuring LinkState
	blocked := false
	conn.mu.Lock()
	conn.disconnectHook = func() {
		got := make(chan LinkState, 1)
		go func() { got <- link.State() }()
		select {
		case stateDuring = <-got:
		case <-time.After(time.Second):
			blocked = true
		}
	}
	conn.mu.Unlock()

	if err := link.Disconnect(); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	if blocked {
		t.Fatal("State() blocked while the platform disconnect was in progress")
	}
	if stateDuring != StateDisconnecting {
		t.Errorf("State() during platform call = %v, want disconnecting", stateDuring)
	}
	if link.State() != StateDisconnected {
		t.Errorf("State() = %v, want disconnected", link.State())
	}
}

func TestLinkDisconnectConfirmedDuringPlatformCall(t *testing.T) {
	adapter := newMockAdapter(nil)
	opts := testLinkOpts()
	opts.DisconnectConfirmTimeout = 20 * time.Millisecond
	link, rec := readyLink(t, adapter, opts)
	conn := adapter.latestConnection()

	conn.mu.Lock()
	conn.disconnectHook = conn.SimulateDisconnect
	conn.mu.Unlock()

	if err := link.Disconnect(); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	conns := rec.connEvents()
	if len(conns) != 2 || conns[1].connected || conns[1].err != nil {
		t.Fatalf("connection events = %+v, want trailing connected=false", conns)
	}

	// The confirm timeout must not report the disconnect a second time.
	time.Sleep(60 * time.Millisecond)
	if n := len(rec.connEvents()); n != 2 {
		t.Errorf("connection events = %d after confirm timeout, want 2", n)
	}
}

func TestLinkDisconnectPlatformError(t *testing.T) {
	adapter := newMockAdapter(nil)
	adapter.configure = func(c *mockConnection) { c.disconnectErr = errors.New("not authorized") }
	link, rec := readyLink(t, adapter, testLinkOpts())

	err := link.Disconnect()
	if !errors.Is(err, ErrPermissionDenied) {
		t.Errorf("Disconnect() error = %v, want ErrPermissionDenied", err)
	}
	if link.State() != StateDisconnected {
		t.Errorf("State() = %v, want disconnected despite error", link.State())
	}
	conns := rec.connEvents()
	if len(conns) != 2 || conns[1].connected {
		t.Errorf("connection events = %+v, want immediate connected=false", conns)
	}
}

func TestLinkConnectionLost(t *testing.T) {
	adapter := newMockAdapter(nil)
	link, rec := readyLink(t, adapter, testLinkOpts())
	conn := adapter.latestConnection()
	conn.dataChar.SimulateNotification([]byte(`{"ADC":1,`))

	conn.SimulateDisconnect()

	if link.State() != StateDisconnected {
		t.Errorf("State() = %v, want disconnected", link.State())
	}
	if link.Buffered() != 0 {
		t.Errorf("Buffered() = %d, want 0", link.Buffered())
	}
	conns := rec.connEvents()
	last := conns[len(conns)-1]
	if last.connected || !errors.Is(last.err, ErrConnectionLost) {
		t.Errorf("last connection event = %+v, want lost", last)
	}

	// Stale notifications from the dropped connection are ignored.
	conn.dataChar.SimulateNotification([]byte(`{"ADC":1,"V":0.1}`))
	if frames := rec.frameTexts(); len(frames) != 0 {
		t.Errorf("frames after loss = %q", frames)
	}

	// A new connection is allowed afterwards.
	if err := link.Connect("AA:BB:CC:DD:EE:FF"); err != nil {
		t.Errorf("Connect() after loss error = %v", err)
	}
}

func TestLinkDisconnectWhileConnecting(t *testing.T) {
	adapter := newMockAdapter(nil)
	gate := make(chan struct{})
	adapter.connectGate = gate
	rec := &linkRecorder{}
	link := NewLink(adapter, testLinkOpts(), rec.events())

	if err := link.Connect("AA:BB:CC:DD:EE:FF"); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if link.State() != StateConnecting {
		t.Fatalf("State() = %v, want connecting", link.State())
	}
	if err := link.Disconnect(); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	if link.State() != StateDisconnected {
		t.Errorf("State() = %v, want disconnected", link.State())
	}
	conns := rec.connEvents()
	if len(conns) != 1 || conns[0].connected {
		t.Errorf("connection events = %+v, want one connected=false", conns)
	}

	close(gate)
	time.Sleep(20 * time.Millisecond)
	if link.State() != StateDisconnected {
		t.Errorf("late dial result changed state to %v", link.State())
	}
	if conn := adapter.latestConnection(); conn != nil {
		waitFor(t, "stale connection released", func() bool { return conn.disconnectCount() == 1 })
	}
}

func TestLinkConnectFailureClassified(t *testing.T) {
	adapter := newMockAdapter(nil)
	adapter.connectErr = errors.New("Permission denied by system")
	rec := &linkRecorder{}
	link := NewLink(adapter, testLinkOpts(), rec.events())

	if err := link.Connect("AA:BB:CC:DD:EE:FF"); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	waitFor(t, "connect failure", func() bool { return len(rec.connEvents()) == 1 })

	conns := rec.connEvents()
	if conns[0].connected || !errors.Is(conns[0].err, ErrPermissionDenied) {
		t.Errorf("connection event = %+v, want permission denied", conns[0])
	}
	if link.State() != StateDisconnected {
		t.Errorf("State() = %v, want disconnected", link.State())
	}
}

func TestLinkReconnectResetsBuffer(t *testing.T) {
	adapter := newMockAdapter(nil)
	link, rec := readyLink(t, adapter, testLinkOpts())
	adapter.latestConnection().dataChar.SimulateNotification([]byte(`{"ADC":120,"V":1.`))
	adapter.latestConnection().SimulateDisconnect()

	if err := link.Connect("AA:BB:CC:DD:EE:FF"); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	waitFor(t, "link ready", func() bool { return link.State() == StateReady })
	adapter.latestConnection().dataChar.SimulateNotification([]byte(`05,"ppm":12.3}`))
	if frames := rec.frameTexts(); len(frames) != 0 {
		t.Errorf("frames stitched across connections: %q", frames)
	}
}
