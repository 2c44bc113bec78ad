package ble

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/chaz8081/gasmon/internal/ble/protocol"
)

// ScanForDevices scans for timeout and returns the latest sighting of each
// device, strongest signal first. The adapter must already be enabled.
func ScanForDevices(adapter Adapter, timeout time.Duration) ([]Device, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var mu sync.Mutex
	seen := make(map[string]Device)
	err := adapter.Scan(ctx, func(d Device) {
		mu.Lock()
		seen[d.Address] = d
		mu.Unlock()
	})
	if err != nil {
		return nil, err
	}

	mu.Lock()
	defer mu.Unlock()
	devices := make([]Device, 0, len(seen))
	for _, d := range seen {
		devices = append(devices, d)
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].RSSI > devices[j].RSSI })
	return devices, nil
}

// Probe connects to address, reads the status characteristic once and
// disconnects. It is the one-shot counterpart of a Link for tooling that
// only needs the peripheral's current gas.
func Probe(adapter Adapter, address string, timeout time.Duration) (protocol.StatusReport, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	conn, err := adapter.Connect(ctx, address)
	if err != nil {
		return protocol.StatusReport{}, fmt.Errorf("ble: connect for probe: %w", Classify(err))
	}
	defer func() { _ = conn.Disconnect() }()

	statusChar, err := conn.DiscoverCharacteristic(ServiceUUID, StatusCharUUID)
	if err != nil {
		return protocol.StatusReport{}, fmt.Errorf("%w: status: %w", ErrCharacteristicUnavailable, err)
	}

	type readResult struct {
		data []byte
		err  error
	}
	ch := make(chan readResult, 1)
	go func() {
		data, err := statusChar.Read()
		ch <- readResult{data, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return protocol.StatusReport{}, fmt.Errorf("ble: read status: %w", Classify(r.err))
		}
		msg, err := protocol.ParseMessage(string(r.data))
		if err != nil {
			return protocol.StatusReport{}, err
		}
		if msg.Kind != protocol.KindStatus {
			return protocol.StatusReport{}, fmt.Errorf("%w: status read returned %s", protocol.ErrMalformedMessage, msg.Kind)
		}
		return *msg.Status, nil
	case <-ctx.Done():
		return protocol.StatusReport{}, fmt.Errorf("ble: probe timed out waiting for status")
	}
}
