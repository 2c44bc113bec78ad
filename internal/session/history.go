package session

import (
	"sync"
	"time"

	"github.com/chaz8081/gasmon/internal/ble/protocol"
)

// DefaultHistorySize is the number of points kept per gas.
const DefaultHistorySize = 60

// DefaultRecentWindow is how old the newest point may be for a gas to
// count as having recent data.
const DefaultRecentWindow = 10 * time.Second

// Point is one recorded reading.
type Point struct {
	At      time.Time
	PPM     float64
	RawADC  int
	Voltage float64
}

// Stats summarises the points held for one gas.
type Stats struct {
	Count  int
	MinPPM float64
	MaxPPM float64
	MinADC int
	MaxADC int
	Latest Point
}

// History keeps the last readings per gas in fixed-size rings. It is
// in-memory only and safe for concurrent use.
type History struct {
	size   int
	recent time.Duration
	now    func() time.Time

	mu    sync.Mutex
	rings map[protocol.GasType]*ring
}

// NewHistory creates a History. Non-positive arguments use the defaults.
func NewHistory(size int, recent time.Duration) *History {
	if size <= 0 {
		size = DefaultHistorySize
	}
	if recent <= 0 {
		recent = DefaultRecentWindow
	}
	return &History{
		size:   size,
		recent: recent,
		now:    time.Now,
		rings:  make(map[protocol.GasType]*ring),
	}
}

// Add records r under gas. The oldest point is dropped when the ring for
// gas is full.
func (h *History) Add(gas protocol.GasType, r protocol.SensorReading, at time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	rg, ok := h.rings[gas]
	if !ok {
		rg = &ring{buf: make([]Point, 0, h.size)}
		h.rings[gas] = rg
	}
	rg.push(Point{At: at, PPM: r.PPM, RawADC: r.RawADC, Voltage: r.Voltage}, h.size)
}

// Points returns the points for gas, oldest first.
func (h *History) Points(gas protocol.GasType) []Point {
	h.mu.Lock()
	defer h.mu.Unlock()
	rg, ok := h.rings[gas]
	if !ok {
		return nil
	}
	return rg.ordered()
}

// Stats returns min/max and the latest point for gas; ok is false when
// nothing was recorded.
func (h *History) Stats(gas protocol.GasType) (Stats, bool) {
	pts := h.Points(gas)
	if len(pts) == 0 {
		return Stats{}, false
	}
	st := Stats{
		Count:  len(pts),
		MinPPM: pts[0].PPM,
		MaxPPM: pts[0].PPM,
		MinADC: pts[0].RawADC,
		MaxADC: pts[0].RawADC,
		Latest: pts[len(pts)-1],
	}
	for _, p := range pts[1:] {
		st.MinPPM = min(st.MinPPM, p.PPM)
		st.MaxPPM = max(st.MaxPPM, p.PPM)
		st.MinADC = min(st.MinADC, p.RawADC)
		st.MaxADC = max(st.MaxADC, p.RawADC)
	}
	return st, true
}

// HasRecentData reports whether gas has a point newer than the recent
// window.
func (h *History) HasRecentData(gas protocol.GasType) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	rg, ok := h.rings[gas]
	if !ok || len(rg.buf) == 0 {
		return false
	}
	return h.now().Sub(rg.latest().At) <= h.recent
}

// Gases returns the gases with recorded points, in protocol order.
func (h *History) Gases() []protocol.GasType {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []protocol.GasType
	for _, g := range protocol.GasTypes {
		if rg, ok := h.rings[g]; ok && len(rg.buf) > 0 {
			out = append(out, g)
		}
	}
	return out
}

// Clear drops every point.
func (h *History) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rings = make(map[protocol.GasType]*ring)
}

// ring is a fixed-capacity circular buffer; next is the slot the next
// point overwrites once buf is full.
type ring struct {
	buf  []Point
	next int
}

func (r *ring) push(p Point, size int) {
	if len(r.buf) < size {
		r.buf = append(r.buf, p)
		return
	}
	r.buf[r.next] = p
	r.next = (r.next + 1) % size
}

func (r *ring) latest() Point {
	if r.next == 0 {
		return r.buf[len(r.buf)-1]
	}
	return r.buf[r.next-1]
}

func (r *ring) ordered() []Point {
	out := make([]Point, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	return append(out, r.buf[:r.next]...)
}
