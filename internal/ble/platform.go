package ble

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"tinygo.org/x/bluetooth"
)

// PlatformAdapter wraps tinygo-org/bluetooth (BlueZ on Linux,
// CoreBluetooth on macOS, WinRT on Windows). On macOS device addresses are
// CoreBluetooth UUIDs rather than MAC addresses; both are handled as
// opaque strings.
type PlatformAdapter struct {
	adapter *bluetooth.Adapter
	// serviceOnly limits scan results to advertisements carrying the
	// gas-sensor service UUID.
	serviceOnly bool

	// mu protects the connections map.
	mu          sync.Mutex
	connections map[string]*platformConnection // keyed by device address
}

// NewPlatformAdapter creates an adapter for the default system radio.
func NewPlatformAdapter(serviceOnly bool) *PlatformAdapter {
	return &PlatformAdapter{
		adapter:     bluetooth.DefaultAdapter,
		serviceOnly: serviceOnly,
		connections: make(map[string]*platformConnection),
	}
}

func (a *PlatformAdapter) Enable() error {
	if err := a.adapter.Enable(); err != nil {
		return fmt.Errorf("ble: enable adapter: %w", Classify(err))
	}

	// Adapter-level handler; tinygo reports both unsolicited drops and
	// confirmed disconnects here.
	a.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		addr := device.Address.String()
		a.mu.Lock()
		conn, ok := a.connections[addr]
		delete(a.connections, addr)
		a.mu.Unlock()
		if ok {
			conn.fireDisconnect()
		}
	})
	return nil
}

func (a *PlatformAdapter) Scan(ctx context.Context, found func(Device)) error {
	svc, err := bluetooth.ParseUUID(ServiceUUID)
	if err != nil {
		return fmt.Errorf("ble: parse service UUID: %w", err)
	}

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = a.adapter.StopScan()
		case <-done:
		}
	}()

	err = a.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
		if a.serviceOnly && !result.HasServiceUUID(svc) {
			return
		}
		found(Device{
			Address: result.Address.String(),
			Name:    result.LocalName(),
			RSSI:    int(result.RSSI),
		})
	})
	close(done)

	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("ble: scan: %w", Classify(err))
	}
	return nil
}

func (a *PlatformAdapter) Connect(ctx context.Context, address string) (Connection, error) {
	var addr bluetooth.Address
	addr.Set(address)

	// tinygo's Connect blocks with its own timeout; wrap it so ctx
	// cancellation returns early.
	device, err := dialAbandonable(ctx,
		func() (bluetooth.Device, error) {
			return a.adapter.Connect(addr, bluetooth.ConnectionParams{})
		},
		func(d bluetooth.Device) {
			if err := d.Disconnect(); err != nil {
				slog.Warn("[BLE] releasing abandoned connection failed", "address", address, "error", err)
				return
			}
			slog.Info("[BLE] released connection that completed after cancel", "address", address)
		})
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("ble: connect to %s: %w", address, err)
		}
		return nil, fmt.Errorf("ble: connect to %s: %w", address, Classify(err))
	}

	conn := &platformConnection{device: device}
	a.mu.Lock()
	a.connections[address] = conn
	a.mu.Unlock()
	return conn, nil
}

// dialAbandonable runs connect in the background and returns its result, or
// ctx's error if ctx ends first. A connection that succeeds after ctx ended
// is handed to release so the platform does not keep it open.
func dialAbandonable[T any](ctx context.Context, connect func() (T, error), release func(T)) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := connect()
		ch <- result{v, err}
	}()

	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.err == nil {
				release(r.v)
			}
		}()
		var zero T
		return zero, ctx.Err()
	}
}

// Compile-time check that PlatformAdapter implements Adapter.
var _ Adapter = (*PlatformAdapter)(nil)

type platformConnection struct {
	device bluetooth.Device

	mu           sync.Mutex
	service      *bluetooth.DeviceService
	chars        []bluetooth.DeviceCharacteristic
	disconnectCb func()
}

func (c *platformConnection) DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error) {
	svc, err := c.discoverService(serviceUUID)
	if err != nil {
		return nil, err
	}
	want, err := bluetooth.ParseUUID(charUUID)
	if err != nil {
		return nil, err
	}

	chars, err := svc.DiscoverCharacteristics([]bluetooth.UUID{want})
	if err != nil {
		return nil, fmt.Errorf("ble: discover characteristics: %w", Classify(err))
	}
	if len(chars) == 0 {
		return nil, fmt.Errorf("%w: %s not found", ErrCharacteristicUnavailable, charUUID)
	}

	c.mu.Lock()
	c.chars = append(c.chars, chars[0])
	c.mu.Unlock()
	return &platformCharacteristic{char: chars[0]}, nil
}

// discoverService resolves the service once per connection.
func (c *platformConnection) discoverService(serviceUUID string) (*bluetooth.DeviceService, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.service != nil {
		return c.service, nil
	}

	uuid, err := bluetooth.ParseUUID(serviceUUID)
	if err != nil {
		return nil, err
	}
	svcs, err := c.device.DiscoverServices([]bluetooth.UUID{uuid})
	if err != nil {
		return nil, fmt.Errorf("ble: discover services: %w", Classify(err))
	}
	if len(svcs) == 0 {
		return nil, fmt.Errorf("%w: service %s not found", ErrCharacteristicUnavailable, serviceUUID)
	}
	c.service = &svcs[0]
	return c.service, nil
}

// RequestMTU reports the MTU the platform negotiated. tinygo exposes no
// explicit exchange request; BlueZ and CoreBluetooth negotiate the largest
// MTU both sides support on their own, so the preferred value is advisory.
func (c *platformConnection) RequestMTU(_ int) (int, error) {
	svc, err := c.discoverService(ServiceUUID)
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	known := append([]bluetooth.DeviceCharacteristic(nil), c.chars...)
	c.mu.Unlock()
	if len(known) == 0 {
		data, err := bluetooth.ParseUUID(DataCharUUID)
		if err != nil {
			return 0, err
		}
		known, err = svc.DiscoverCharacteristics([]bluetooth.UUID{data})
		if err != nil {
			return 0, fmt.Errorf("ble: get MTU: %w", Classify(err))
		}
		if len(known) == 0 {
			return 0, fmt.Errorf("%w: no characteristic to query MTU", ErrCharacteristicUnavailable)
		}
	}

	mtu, err := known[0].GetMTU()
	if err != nil {
		return 0, fmt.Errorf("ble: get MTU: %w", Classify(err))
	}
	return int(mtu), nil
}

func (c *platformConnection) Disconnect() error {
	return c.device.Disconnect()
}

func (c *platformConnection) OnDisconnect(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectCb = cb
}

func (c *platformConnection) fireDisconnect() {
	c.mu.Lock()
	cb := c.disconnectCb
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
}

type platformCharacteristic struct {
	char bluetooth.DeviceCharacteristic
}

func (c *platformCharacteristic) Write(data []byte) error {
	_, err := c.char.WriteWithoutResponse(data)
	return err
}

func (c *platformCharacteristic) Read() ([]byte, error) {
	buf := make([]byte, 512) // max attribute value length
	n, err := c.char.Read(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

func (c *platformCharacteristic) Subscribe(cb func([]byte)) error {
	return c.char.EnableNotifications(func(buf []byte) {
		cb(buf)
	})
}
