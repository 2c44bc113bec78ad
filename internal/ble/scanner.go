package ble

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// DefaultScanWindow is how long a scan runs before it stops on its own.
const DefaultScanWindow = 30 * time.Second

// ScanEvents receives Scanner output. Callbacks run with the Scanner lock
// held and must not block or call back into the Scanner. Nil fields are
// ignored.
type ScanEvents struct {
	DeviceDiscovered func(Device)
	ScanFailed       func(*ScanError)
	ScanStopped      func()
}

// Scanner wraps platform advertisement scanning. Every platform sighting is
// reported, repeated ones included, so RSSI stays fresh; callers that want
// a unique list dedup by address. Scanner also keeps a registry of the last
// sighting per address for resolving a selection to a connectable Device.
type Scanner struct {
	adapter Adapter
	window  time.Duration
	events  ScanEvents

	mu      sync.Mutex
	gen     uint64
	cancel  context.CancelFunc
	timer   *time.Timer
	devices map[string]Device
	// done is closed when the latest run's platform scan has returned.
	done chan struct{}
}

// NewScanner creates a Scanner. A non-positive window uses
// DefaultScanWindow.
func NewScanner(adapter Adapter, window time.Duration, events ScanEvents) *Scanner {
	if window <= 0 {
		window = DefaultScanWindow
	}
	return &Scanner{
		adapter: adapter,
		window:  window,
		events:  events,
		devices: make(map[string]Device),
	}
}

// Start begins discovery. The scan stops by itself after the scan window;
// Stop ends it earlier. Starting while a scan runs restarts it and its
// window. Platform failures arrive as a ScanFailed event.
func (s *Scanner) Start() error {
	if s.adapter == nil {
		return ErrDeviceUnavailable
	}

	s.mu.Lock()
	if s.cancel != nil {
		slog.Debug("[SCAN] restarting scan")
		s.stopLocked()
	}
	s.gen++
	gen := s.gen
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.timer = time.AfterFunc(s.window, func() { s.expire(gen) })
	prev := s.done
	done := make(chan struct{})
	s.done = done
	s.mu.Unlock()

	slog.Info("[SCAN] scan started", "window", s.window)
	go s.run(ctx, gen, prev, done)
	return nil
}

// Stop ends the current scan. It is safe to call when not scanning.
func (s *Scanner) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopLocked() {
		slog.Info("[SCAN] scan stopped")
		s.emitStopped()
	}
}

// Scanning reports whether a scan is in progress.
func (s *Scanner) Scanning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

// Lookup returns the last sighting of address.
func (s *Scanner) Lookup(address string) (Device, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[address]
	return d, ok
}

// Devices returns every device seen so far, strongest signal first.
func (s *Scanner) Devices() []Device {
	s.mu.Lock()
	out := make([]Device, 0, len(s.devices))
	for _, d := range s.devices {
		out = append(out, d)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].RSSI != out[j].RSSI {
			return out[i].RSSI > out[j].RSSI
		}
		return out[i].Address < out[j].Address
	})
	return out
}

// run drives one platform scan until it is cancelled or fails. Platforms
// reject overlapping scans, so it first waits for the previous run's scan
// to return.
func (s *Scanner) run(ctx context.Context, gen uint64, prev, done chan struct{}) {
	defer close(done)
	if prev != nil {
		<-prev
	}
	if ctx.Err() != nil {
		return
	}
	err := s.adapter.Scan(ctx, func(d Device) { s.found(gen, d) })
	failed := err != nil && ctx.Err() == nil

	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen || s.cancel == nil {
		return // stopped or restarted; the stopper already reported it
	}
	s.stopLocked()

	if failed {
		se := classifyScanError(err)
		slog.Warn("[SCAN] scan failed", "reason", se.Reason, "error", err)
		if s.events.ScanFailed != nil {
			s.events.ScanFailed(se)
		}
		return
	}
	slog.Info("[SCAN] scan ended by platform")
	s.emitStopped()
}

func (s *Scanner) found(gen uint64, d Device) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen || s.cancel == nil {
		return
	}
	s.devices[d.Address] = d
	if s.events.DeviceDiscovered != nil {
		s.events.DeviceDiscovered(d)
	}
}

// expire is the scan window timer.
func (s *Scanner) expire(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen || s.cancel == nil {
		return
	}
	s.stopLocked()
	slog.Info("[SCAN] scan window elapsed", "window", s.window)
	s.emitStopped()
}

// stopLocked cancels the running scan and its timer and reports whether a
// scan was running. Caller must hold mu.
func (s *Scanner) stopLocked() bool {
	if s.cancel == nil {
		return false
	}
	s.cancel()
	s.cancel = nil
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	return true
}

func (s *Scanner) emitStopped() {
	if s.events.ScanStopped != nil {
		s.events.ScanStopped()
	}
}
