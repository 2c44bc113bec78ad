// Package sim is a simulated gas-sensor peripheral implementing ble.Adapter.
// It advertises, streams MTU-fragmented readings, answers gas commands with
// gas_changed confirmations and serves status reads, so the client runs and
// is tested without hardware.
package sim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/chaz8081/gasmon/internal/ble"
	"github.com/chaz8081/gasmon/internal/ble/protocol"
)

// DefaultAddress is the address of the default simulated sensor.
const DefaultAddress = "5E:ED:00:00:00:01"

// Options configures the simulated peripheral.
type Options struct {
	Interval     time.Duration // time between readings
	MTU          int           // largest MTU the peripheral accepts
	ConfirmDelay time.Duration // command processing time before confirming
	Devices      []ble.Device  // advertised peripherals
	InitialGas   protocol.GasType

	// DropConfirmations makes the peripheral switch gas silently, without
	// a gas_changed notification.
	DropConfirmations bool
	// OmitGasField sends readings without the "gas" field.
	OmitGasField bool
}

// DefaultOptions returns a single sensor at the BLE minimum MTU, so every
// reading arrives fragmented.
func DefaultOptions() Options {
	return Options{
		Interval:     time.Second,
		MTU:          protocol.DefaultMTU,
		ConfirmDelay: 150 * time.Millisecond,
		Devices:      []ble.Device{{Address: DefaultAddress, Name: "GasSensor-SIM", RSSI: -58}},
		InitialGas:   protocol.GasCO,
	}
}

// ErrUnknownAddress is returned when connecting to an address the
// simulator does not advertise.
var ErrUnknownAddress = errors.New("sim: no peripheral at address")

// Adapter is the simulated radio.
type Adapter struct {
	opts Options

	mu   sync.Mutex
	rng  *rand.Rand
	last *peripheral
}

// New creates a simulated adapter. Zero option fields use the defaults.
func New(opts Options) *Adapter {
	def := DefaultOptions()
	if opts.Interval <= 0 {
		opts.Interval = def.Interval
	}
	if opts.MTU < protocol.DefaultMTU {
		opts.MTU = def.MTU
	}
	if opts.ConfirmDelay < 0 {
		opts.ConfirmDelay = 0
	}
	if len(opts.Devices) == 0 {
		opts.Devices = def.Devices
	}
	if opts.InitialGas == protocol.GasUnknown {
		opts.InitialGas = def.InitialGas
	}
	return &Adapter{
		opts: opts,
		rng:  rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (a *Adapter) Enable() error { return nil }

// Scan advertises every simulated device every 250ms with a jittered RSSI.
func (a *Adapter) Scan(ctx context.Context, found func(ble.Device)) error {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		for _, d := range a.opts.Devices {
			a.mu.Lock()
			d.RSSI += a.rng.Intn(7) - 3
			a.mu.Unlock()
			found(d)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (a *Adapter) Connect(ctx context.Context, address string) (ble.Connection, error) {
	known := false
	for _, d := range a.opts.Devices {
		if d.Address == address {
			known = true
		}
	}
	if !known {
		return nil, fmt.Errorf("%w %s", ErrUnknownAddress, address)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(50 * time.Millisecond):
	}

	a.mu.Lock()
	seed := a.rng.Int63()
	a.mu.Unlock()
	p := newPeripheral(a.opts, seed)

	a.mu.Lock()
	a.last = p
	a.mu.Unlock()
	slog.Info("[SIM] central connected", "address", address)
	return p, nil
}

// DropConnection simulates the peripheral going out of range.
func (a *Adapter) DropConnection() {
	a.mu.Lock()
	p := a.last
	a.mu.Unlock()
	if p != nil {
		p.drop()
	}
}

// CurrentGas returns the gas the most recently connected peripheral is
// measuring.
func (a *Adapter) CurrentGas() protocol.GasType {
	a.mu.Lock()
	p := a.last
	a.mu.Unlock()
	if p == nil {
		return a.opts.InitialGas
	}
	return p.currentGas()
}

var _ ble.Adapter = (*Adapter)(nil)

// peripheral is one simulated GATT connection.
type peripheral struct {
	opts Options
	rng  *rand.Rand

	mu           sync.Mutex
	gas          protocol.GasType
	level        float64 // ppm
	mtu          int
	notify       func([]byte)
	disconnectCb func()
	streaming    bool
	closed       bool

	outbox chan []byte
	done   chan struct{}
}

func newPeripheral(opts Options, seed int64) *peripheral {
	return &peripheral{
		opts:   opts,
		rng:    rand.New(rand.NewSource(seed)),
		gas:    opts.InitialGas,
		level:  baseline(opts.InitialGas),
		mtu:    protocol.DefaultMTU,
		outbox: make(chan []byte, 8),
		done:   make(chan struct{}),
	}
}

func (p *peripheral) DiscoverCharacteristic(serviceUUID, charUUID string) (ble.Characteristic, error) {
	if serviceUUID != ble.ServiceUUID {
		return nil, fmt.Errorf("sim: unknown service %s", serviceUUID)
	}
	switch charUUID {
	case ble.DataCharUUID, ble.CommandCharUUID, ble.StatusCharUUID:
		return &characteristic{p: p, uuid: charUUID}, nil
	}
	return nil, fmt.Errorf("sim: unknown characteristic %s", charUUID)
}

func (p *peripheral) RequestMTU(mtu int) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.mtu = min(mtu, p.opts.MTU)
	if p.mtu < protocol.DefaultMTU {
		p.mtu = protocol.DefaultMTU
	}
	return p.mtu, nil
}

func (p *peripheral) Disconnect() error {
	if !p.close() {
		return nil
	}
	slog.Info("[SIM] central disconnected")
	p.fireDisconnect()
	return nil
}

func (p *peripheral) OnDisconnect(cb func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disconnectCb = cb
}

func (p *peripheral) drop() {
	if !p.close() {
		return
	}
	slog.Info("[SIM] link dropped")
	p.fireDisconnect()
}

// close stops streaming and reports whether this call closed it.
func (p *peripheral) close() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.closed = true
	close(p.done)
	return true
}

// fireDisconnect delivers the platform callback asynchronously, as a radio
// stack does.
func (p *peripheral) fireDisconnect() {
	p.mu.Lock()
	cb := p.disconnectCb
	p.mu.Unlock()
	if cb != nil {
		go cb()
	}
}

func (p *peripheral) currentGas() protocol.GasType {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.gas
}

func (p *peripheral) subscribe(cb func([]byte)) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return fmt.Errorf("sim: not connected")
	}
	p.notify = cb
	if !p.streaming {
		p.streaming = true
		go p.stream()
	}
	return nil
}

// stream is the peripheral's radio loop: periodic readings plus queued
// confirmations, sent one notification at a time so fragments never
// interleave.
func (p *peripheral) stream() {
	ticker := time.NewTicker(p.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.send(p.encodeReading(p.nextReading()))
		case msg := <-p.outbox:
			p.send(msg)
		}
	}
}

func (p *peripheral) send(msg []byte) {
	p.mu.Lock()
	cb := p.notify
	size := protocol.PayloadSize(p.mtu)
	p.mu.Unlock()
	if cb == nil {
		return
	}
	for _, chunk := range protocol.Fragment(msg, size) {
		select {
		case <-p.done:
			return
		default:
		}
		cb(chunk)
	}
}

func (p *peripheral) nextReading() protocol.SensorReading {
	p.mu.Lock()
	defer p.mu.Unlock()

	base := baseline(p.gas)
	p.level += (base-p.level)*0.2 + p.rng.NormFloat64()*base*0.05
	if p.level < 0 {
		p.level = 0
	}
	adc := int(math.Min(protocol.MaxADC, p.level/base*800))
	r := protocol.SensorReading{
		RawADC:  adc,
		Voltage: float64(adc) * 3.3 / protocol.MaxADC,
		PPM:     p.level,
		Gas:     p.gas,
	}
	return r
}

func (p *peripheral) encodeReading(r protocol.SensorReading) []byte {
	if p.opts.OmitGasField {
		return []byte(fmt.Sprintf(`{"ADC":%d,"V":%.2f,"ppm":%.1f}`, r.RawADC, r.Voltage, r.PPM))
	}
	return protocol.EncodeReading(r)
}

func (p *peripheral) command(data []byte) error {
	gas, stamp, err := protocol.DecodeGasCommand(data)
	if err != nil {
		slog.Warn("[SIM] rejected command", "payload", string(data), "error", err)
		return nil // write-without-response: the central never sees this
	}
	slog.Debug("[SIM] gas command", "gas", gas, "timestamp", stamp)

	time.AfterFunc(p.opts.ConfirmDelay, func() {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return
		}
		p.gas = gas
		p.level = baseline(gas)
		p.mu.Unlock()

		if p.opts.DropConfirmations {
			return
		}
		msg := protocol.EncodeGasChanged(protocol.GasChanged{
			To: gas, Requested: gas, Success: true, Timestamp: time.Now().UnixMilli(),
		})
		select {
		case p.outbox <- msg:
		default:
			slog.Warn("[SIM] outbox full, dropping confirmation")
		}
	})
	return nil
}

func (p *peripheral) status() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx := -1
	for i, g := range protocol.GasTypes {
		if g == p.gas {
			idx = i
		}
	}
	return protocol.EncodeStatus(protocol.StatusReport{Status: "ok", CurrentGas: p.gas, GasIndex: idx})
}

// baseline is the resting concentration the simulator drifts towards.
func baseline(g protocol.GasType) float64 {
	switch g {
	case protocol.GasH2:
		return 40
	case protocol.GasLPG:
		return 250
	case protocol.GasCH4:
		return 500
	case protocol.GasAlcohol:
		return 12
	default:
		return 9
	}
}

type characteristic struct {
	p    *peripheral
	uuid string
}

func (c *characteristic) Write(data []byte) error {
	if c.uuid != ble.CommandCharUUID {
		return fmt.Errorf("sim: characteristic %s is not writable", c.uuid)
	}
	return c.p.command(data)
}

func (c *characteristic) Read() ([]byte, error) {
	if c.uuid != ble.StatusCharUUID {
		return nil, fmt.Errorf("sim: characteristic %s is not readable", c.uuid)
	}
	return c.p.status(), nil
}

func (c *characteristic) Subscribe(cb func([]byte)) error {
	if c.uuid != ble.DataCharUUID {
		return fmt.Errorf("sim: characteristic %s does not notify", c.uuid)
	}
	return c.p.subscribe(cb)
}
