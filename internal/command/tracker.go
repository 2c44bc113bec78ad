// Package command correlates gas-change requests with the peripheral's
// asynchronous answers: explicit gas_changed confirmations, readings that
// report the new gas, status reads, timeouts and disconnects.
package command

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chaz8081/gasmon/internal/ble/protocol"
)

// DefaultTimeout is how long a request waits for confirmation.
const DefaultTimeout = 5 * time.Second

var (
	// ErrBusy rejects a request while another one is pending.
	ErrBusy = errors.New("command: a gas change is already pending")
	// ErrAlreadyActive rejects a request for the gas already confirmed.
	ErrAlreadyActive = errors.New("command: gas already active")
)

// Outcome is how a request, or a reconciliation, ended.
type Outcome int

const (
	// Confirmed: the peripheral confirmed the change, explicitly or by
	// reporting the target gas in a reading.
	Confirmed Outcome = iota + 1
	// Unconfirmed: nothing arrived before the timeout; the target is
	// assumed active and a status read was issued to check.
	Unconfirmed
	// Failed: the write failed or the peripheral answered success=false.
	Failed
	// Cancelled: the link went away while the request was pending.
	Cancelled
	// Reconciled: a status report changed the confirmed gas while idle.
	Reconciled
)

func (o Outcome) String() string {
	switch o {
	case Confirmed:
		return "confirmed"
	case Unconfirmed:
		return "unconfirmed"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	case Reconciled:
		return "reconciled"
	default:
		return "unknown"
	}
}

// Result reports the end of a request. RequestID is uuid.Nil for
// reconciliations, which have no request.
type Result struct {
	RequestID uuid.UUID
	Target    protocol.GasType
	Confirmed protocol.GasType // confirmed gas after this result
	Outcome   Outcome
	Err       error
	At        time.Time
}

// Sender is the link side the tracker drives.
type Sender interface {
	WriteCommand(gas protocol.GasType) error
	ReadStatus() error
}

// Options configures a Tracker.
type Options struct {
	Timeout    time.Duration
	InitialGas protocol.GasType // confirmed gas before any answer; CO by default
}

type pending struct {
	id          uuid.UUID
	target      protocol.GasType
	requestedAt time.Time
	deadline    time.Time
	timer       *time.Timer
}

// Tracker holds at most one pending gas change. It is safe for concurrent
// use; notify runs outside the lock.
type Tracker struct {
	sender Sender
	opts   Options
	notify func(Result)
	now    func() time.Time

	mu        sync.Mutex
	confirmed protocol.GasType
	pending   *pending
	gen       uint64
}

// New creates an idle Tracker.
func New(sender Sender, opts Options, notify func(Result)) *Tracker {
	if sender == nil {
		panic("command: New requires a sender")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.InitialGas == protocol.GasUnknown {
		opts.InitialGas = protocol.GasCO
	}
	if notify == nil {
		notify = func(Result) {}
	}
	return &Tracker{
		sender:    sender,
		opts:      opts,
		notify:    notify,
		now:       time.Now,
		confirmed: opts.InitialGas,
	}
}

// RequestChange asks the peripheral to measure gas. It returns ErrBusy
// while another request is pending and ErrAlreadyActive when gas is the
// confirmed gas; neither touches the pending request. A failed write
// returns the error, reports Failed and leaves the tracker idle.
func (t *Tracker) RequestChange(gas protocol.GasType) (uuid.UUID, error) {
	t.mu.Lock()
	if t.pending != nil {
		p := t.pending
		t.mu.Unlock()
		slog.Debug("[CMD] request rejected, busy", "requested", gas, "pending", p.target)
		return uuid.Nil, fmt.Errorf("%w: %s until %s", ErrBusy, p.target, p.deadline.Format(time.TimeOnly))
	}
	if gas == t.confirmed {
		t.mu.Unlock()
		return uuid.Nil, fmt.Errorf("%w: %s", ErrAlreadyActive, gas)
	}

	now := t.now()
	t.gen++
	gen := t.gen
	p := &pending{
		id:          uuid.New(),
		target:      gas,
		requestedAt: now,
		deadline:    now.Add(t.opts.Timeout),
	}
	p.timer = time.AfterFunc(t.opts.Timeout, func() { t.expire(gen) })
	t.pending = p
	t.mu.Unlock()

	slog.Info("[CMD] gas change requested", "id", p.id, "gas", gas)
	if err := t.sender.WriteCommand(gas); err != nil {
		t.mu.Lock()
		if t.gen != gen || t.pending != p {
			t.mu.Unlock()
			return p.id, err
		}
		p.timer.Stop()
		t.pending = nil
		res := t.resultLocked(p, Failed, err)
		t.mu.Unlock()

		slog.Warn("[CMD] command write failed", "id", p.id, "error", err)
		t.notify(res)
		return p.id, err
	}
	return p.id, nil
}

// HandleMessage applies a parsed message. Messages arriving while idle only
// matter when they are status reports.
func (t *Tracker) HandleMessage(m protocol.Message) {
	t.mu.Lock()
	p := t.pending

	var res *Result
	switch m.Kind {
	case protocol.KindGasChanged:
		if p == nil {
			slog.Debug("[CMD] ignoring late gas_changed", "to", m.GasChanged.To, "success", m.GasChanged.Success)
			break
		}
		c := m.GasChanged
		if c.Success {
			switch {
			case c.To == protocol.GasUnknown:
				slog.Warn("[CMD] confirmation names no known gas, assuming target", "target", p.target)
				t.confirmed = p.target
			case c.To != p.target:
				slog.Warn("[CMD] confirmation for a different gas", "target", p.target, "to", c.To)
				t.confirmed = c.To
			default:
				t.confirmed = c.To
			}
			res = t.resolveLocked(Confirmed, nil)
		} else {
			res = t.resolveLocked(Failed, fmt.Errorf("command: peripheral rejected change to %s", c.Requested))
		}

	case protocol.KindReading:
		r := m.Reading
		if p != nil && r.GasReported && r.Gas == p.target {
			t.confirmed = p.target
			res = t.resolveLocked(Confirmed, nil)
		}

	case protocol.KindStatus:
		s := m.Status
		if s.CurrentGas == protocol.GasUnknown {
			break
		}
		switch {
		case p != nil && s.CurrentGas == p.target:
			t.confirmed = p.target
			res = t.resolveLocked(Confirmed, nil)
		case p == nil && s.CurrentGas != t.confirmed:
			slog.Info("[CMD] status reconciled gas", "was", t.confirmed, "now", s.CurrentGas)
			t.confirmed = s.CurrentGas
			r := Result{Target: s.CurrentGas, Confirmed: s.CurrentGas, Outcome: Reconciled, At: t.now()}
			res = &r
		}
	}
	t.mu.Unlock()

	if res != nil {
		t.notify(*res)
	}
}

// Cancel drops the pending request, if any, without changing the confirmed
// gas. Used when the link disconnects.
func (t *Tracker) Cancel() {
	t.mu.Lock()
	res := t.resolveLocked(Cancelled, nil)
	t.mu.Unlock()
	if res != nil {
		t.notify(*res)
	}
}

// Confirmed returns the confirmed gas.
func (t *Tracker) Confirmed() protocol.GasType {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.confirmed
}

// Pending returns the pending target and its deadline.
func (t *Tracker) Pending() (gas protocol.GasType, deadline time.Time, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pending == nil {
		return protocol.GasUnknown, time.Time{}, false
	}
	return t.pending.target, t.pending.deadline, true
}

// expire is the timeout: the target is assumed active, reported as
// Unconfirmed, and one status read is issued to reconcile.
func (t *Tracker) expire(gen uint64) {
	t.mu.Lock()
	if t.gen != gen || t.pending == nil {
		t.mu.Unlock()
		return
	}
	t.confirmed = t.pending.target
	res := t.resolveLocked(Unconfirmed, nil)
	t.mu.Unlock()

	slog.Warn("[CMD] no confirmation before timeout, assuming change applied", "gas", res.Target, "timeout", t.opts.Timeout)
	t.notify(*res)
	if err := t.sender.ReadStatus(); err != nil {
		slog.Warn("[CMD] reconciling status read failed", "error", err)
	}
}

// resolveLocked clears the pending request and builds its Result; it
// returns nil when idle. Caller must hold mu.
func (t *Tracker) resolveLocked(o Outcome, err error) *Result {
	p := t.pending
	if p == nil {
		return nil
	}
	p.timer.Stop()
	t.pending = nil
	t.gen++
	res := t.resultLocked(p, o, err)
	slog.Info("[CMD] gas change resolved", "id", p.id, "outcome", o, "confirmed", t.confirmed,
		"elapsed", res.At.Sub(p.requestedAt))
	return &res
}

func (t *Tracker) resultLocked(p *pending, o Outcome, err error) Result {
	return Result{
		RequestID: p.id,
		Target:    p.target,
		Confirmed: t.confirmed,
		Outcome:   o,
		Err:       err,
		At:        t.now(),
	}
}
