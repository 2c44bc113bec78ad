package command

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/chaz8081/gasmon/internal/ble/protocol"
)

// fakeSender records commands and status reads.
type fakeSender struct {
	mu       sync.Mutex
	writes   []protocol.GasType
	reads    int
	writeErr error
}

func (s *fakeSender) WriteCommand(g protocol.GasType) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		return s.writeErr
	}
	s.writes = append(s.writes, g)
	return nil
}

func (s *fakeSender) ReadStatus() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads++
	return nil
}

func (s *fakeSender) counts() (writes, reads int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.writes), s.reads
}

type results struct {
	mu  sync.Mutex
	got []Result
}

func (r *results) add(res Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, res)
}

func (r *results) all() []Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Result(nil), r.got...)
}

func newTestTracker(timeout time.Duration) (*Tracker, *fakeSender, *results) {
	sender := &fakeSender{}
	res := &results{}
	return New(sender, Options{Timeout: timeout}, res.add), sender, res
}

func reading(g protocol.GasType, reported bool) protocol.Message {
	return protocol.Message{Kind: protocol.KindReading, Reading: &protocol.SensorReading{
		RawADC: 100, Voltage: 0.08, PPM: 5, Gas: g, GasReported: reported,
	}}
}

func gasChanged(to protocol.GasType, ok bool) protocol.Message {
	return protocol.Message{Kind: protocol.KindGasChanged, GasChanged: &protocol.GasChanged{
		To: to, Requested: to, Success: ok,
	}}
}

func status(g protocol.GasType) protocol.Message {
	return protocol.Message{Kind: protocol.KindStatus, Status: &protocol.StatusReport{
		Status: "ok", CurrentGas: g, GasIndex: -1,
	}}
}

func TestRequestChangeConfirmed(t *testing.T) {
	tr, sender, res := newTestTracker(time.Minute)

	id, err := tr.RequestChange(protocol.GasH2)
	if err != nil {
		t.Fatalf("RequestChange() error = %v", err)
	}
	if id == uuid.Nil {
		t.Error("RequestChange() returned nil request ID")
	}
	if g, _, ok := tr.Pending(); !ok || g != protocol.GasH2 {
		t.Errorf("Pending() = %v, %v; want H2 pending", g, ok)
	}
	if w, _ := sender.counts(); w != 1 {
		t.Errorf("writes = %d, want 1", w)
	}

	tr.HandleMessage(gasChanged(protocol.GasH2, true))

	got := res.all()
	if len(got) != 1 {
		t.Fatalf("results = %+v, want 1", got)
	}
	if got[0].Outcome != Confirmed || got[0].RequestID != id || got[0].Confirmed != protocol.GasH2 {
		t.Errorf("result = %+v", got[0])
	}
	if tr.Confirmed() != protocol.GasH2 {
		t.Errorf("Confirmed() = %v, want H2", tr.Confirmed())
	}
	if _, _, ok := tr.Pending(); ok {
		t.Error("still pending after confirmation")
	}
}

func TestRequestChangeBusyKeepsDeadline(t *testing.T) {
	tr, sender, _ := newTestTracker(time.Minute)

	if _, err := tr.RequestChange(protocol.GasH2); err != nil {
		t.Fatalf("RequestChange() error = %v", err)
	}
	_, before, _ := tr.Pending()

	_, err := tr.RequestChange(protocol.GasLPG)
	if !errors.Is(err, ErrBusy) {
		t.Fatalf("second RequestChange() error = %v, want ErrBusy", err)
	}
	g, after, ok := tr.Pending()
	if !ok || g != protocol.GasH2 || !after.Equal(before) {
		t.Errorf("pending changed to %v %v, want H2 %v", g, after, before)
	}
	if w, _ := sender.counts(); w != 1 {
		t.Errorf("writes = %d, want 1", w)
	}
}

func TestRequestChangeAlreadyActive(t *testing.T) {
	tr, sender, res := newTestTracker(time.Minute)

	if _, err := tr.RequestChange(protocol.GasCO); !errors.Is(err, ErrAlreadyActive) {
		t.Errorf("RequestChange(CO) error = %v, want ErrAlreadyActive", err)
	}
	if w, _ := sender.counts(); w != 0 {
		t.Errorf("writes = %d, want 0", w)
	}
	if len(res.all()) != 0 {
		t.Error("rejection produced a result")
	}
}

func TestReadingImplicitlyConfirms(t *testing.T) {
	tr, _, res := newTestTracker(time.Minute)

	if _, err := tr.RequestChange(protocol.GasH2); err != nil {
		t.Fatalf("RequestChange() error = %v", err)
	}
	tr.HandleMessage(reading(protocol.GasCO, true))
	if _, _, ok := tr.Pending(); !ok {
		t.Fatal("reading for another gas resolved the request")
	}

	tr.HandleMessage(reading(protocol.GasH2, true))
	if tr.Confirmed() != protocol.GasH2 {
		t.Errorf("Confirmed() = %v, want H2", tr.Confirmed())
	}

	// A late rejection for the same request is ignored.
	tr.HandleMessage(gasChanged(protocol.GasH2, false))
	got := res.all()
	if len(got) != 1 || got[0].Outcome != Confirmed {
		t.Errorf("results = %+v, want one Confirmed", got)
	}
	if tr.Confirmed() != protocol.GasH2 {
		t.Errorf("Confirmed() = %v after late rejection, want H2", tr.Confirmed())
	}
}

func TestDefaultedGasDoesNotConfirm(t *testing.T) {
	sender := &fakeSender{}
	tr := New(sender, Options{Timeout: time.Minute, InitialGas: protocol.GasH2}, nil)

	if _, err := tr.RequestChange(protocol.GasCO); err != nil {
		t.Fatalf("RequestChange() error = %v", err)
	}
	tr.HandleMessage(reading(protocol.GasCO, false))
	if _, _, ok := tr.Pending(); !ok {
		t.Error("reading without a gas field confirmed the request")
	}
}

func TestRejectedConfirmation(t *testing.T) {
	tr, _, res := newTestTracker(time.Minute)

	if _, err := tr.RequestChange(protocol.GasCH4); err != nil {
		t.Fatalf("RequestChange() error = %v", err)
	}
	tr.HandleMessage(gasChanged(protocol.GasCH4, false))

	got := res.all()
	if len(got) != 1 || got[0].Outcome != Failed || got[0].Err == nil {
		t.Fatalf("results = %+v, want one Failed with error", got)
	}
	if tr.Confirmed() != protocol.GasCO {
		t.Errorf("Confirmed() = %v, want unchanged CO", tr.Confirmed())
	}
	if _, _, ok := tr.Pending(); ok {
		t.Error("still pending after rejection")
	}
}

func TestConfirmationWithUnknownGasKeepsTarget(t *testing.T) {
	tr, _, res := newTestTracker(time.Minute)

	if _, err := tr.RequestChange(protocol.GasLPG); err != nil {
		t.Fatalf("RequestChange() error = %v", err)
	}
	tr.HandleMessage(gasChanged(protocol.GasUnknown, true))

	got := res.all()
	if len(got) != 1 || got[0].Outcome != Confirmed {
		t.Fatalf("results = %+v, want one Confirmed", got)
	}
	if got[0].Confirmed != protocol.GasLPG {
		t.Errorf("result Confirmed = %v, want LPG", got[0].Confirmed)
	}
	if tr.Confirmed() != protocol.GasLPG {
		t.Errorf("Confirmed() = %v, want LPG", tr.Confirmed())
	}
}

func TestTimeoutIsOptimistic(t *testing.T) {
	tr, sender, res := newTestTracker(20 * time.Millisecond)

	if _, err := tr.RequestChange(protocol.GasLPG); err != nil {
		t.Fatalf("RequestChange() error = %v", err)
	}
	time.Sleep(120 * time.Millisecond)

	got := res.all()
	if len(got) != 1 || got[0].Outcome != Unconfirmed {
		t.Fatalf("results = %+v, want one Unconfirmed", got)
	}
	if tr.Confirmed() != protocol.GasLPG {
		t.Errorf("Confirmed() = %v, want optimistic LPG", tr.Confirmed())
	}
	if _, reads := sender.counts(); reads != 1 {
		t.Errorf("status reads = %d, want exactly 1", reads)
	}

	// The reconciling status read disagrees: the confirmed gas follows it.
	tr.HandleMessage(status(protocol.GasCO))
	got = res.all()
	if len(got) != 2 || got[1].Outcome != Reconciled || tr.Confirmed() != protocol.GasCO {
		t.Errorf("results = %+v, confirmed = %v; want reconciliation to CO", got, tr.Confirmed())
	}
}

func TestResolvedRequestDoesNotTimeOut(t *testing.T) {
	tr, sender, res := newTestTracker(20 * time.Millisecond)

	if _, err := tr.RequestChange(protocol.GasH2); err != nil {
		t.Fatalf("RequestChange() error = %v", err)
	}
	tr.HandleMessage(gasChanged(protocol.GasH2, true))
	time.Sleep(60 * time.Millisecond)

	if got := res.all(); len(got) != 1 {
		t.Errorf("results = %+v, want only the confirmation", got)
	}
	if _, reads := sender.counts(); reads != 0 {
		t.Errorf("status reads = %d, want 0", reads)
	}
}

func TestCancel(t *testing.T) {
	tr, sender, res := newTestTracker(20 * time.Millisecond)

	tr.Cancel() // idle: nothing to report
	if len(res.all()) != 0 {
		t.Fatal("Cancel() while idle produced a result")
	}

	if _, err := tr.RequestChange(protocol.GasAlcohol); err != nil {
		t.Fatalf("RequestChange() error = %v", err)
	}
	tr.Cancel()
	time.Sleep(60 * time.Millisecond)

	got := res.all()
	if len(got) != 1 || got[0].Outcome != Cancelled {
		t.Fatalf("results = %+v, want one Cancelled", got)
	}
	if tr.Confirmed() != protocol.GasCO {
		t.Errorf("Confirmed() = %v, want unchanged CO", tr.Confirmed())
	}
	if _, reads := sender.counts(); reads != 0 {
		t.Errorf("status reads = %d after cancel, want 0", reads)
	}
}

func TestWriteFailure(t *testing.T) {
	tr, sender, res := newTestTracker(time.Minute)
	sender.writeErr = errors.New("characteristic unavailable")

	if _, err := tr.RequestChange(protocol.GasH2); err == nil {
		t.Fatal("RequestChange() error = nil, want write error")
	}
	got := res.all()
	if len(got) != 1 || got[0].Outcome != Failed {
		t.Errorf("results = %+v, want one Failed", got)
	}
	if _, _, ok := tr.Pending(); ok {
		t.Error("still pending after failed write")
	}

	sender.mu.Lock()
	sender.writeErr = nil
	sender.mu.Unlock()
	if _, err := tr.RequestChange(protocol.GasH2); err != nil {
		t.Errorf("RequestChange() after failure error = %v", err)
	}
}

func TestStatusWhilePending(t *testing.T) {
	tr, _, res := newTestTracker(time.Minute)

	if _, err := tr.RequestChange(protocol.GasH2); err != nil {
		t.Fatalf("RequestChange() error = %v", err)
	}
	tr.HandleMessage(status(protocol.GasCO)) // not yet switched
	if _, _, ok := tr.Pending(); !ok {
		t.Fatal("stale status resolved the request")
	}
	tr.HandleMessage(status(protocol.GasH2))
	if got := res.all(); len(got) != 1 || got[0].Outcome != Confirmed {
		t.Errorf("results = %+v, want Confirmed", got)
	}
}

func TestStatusWhileIdle(t *testing.T) {
	tr, _, res := newTestTracker(time.Minute)

	tr.HandleMessage(status(protocol.GasCO))
	if len(res.all()) != 0 {
		t.Error("matching status produced a result")
	}
	tr.HandleMessage(status(protocol.GasCH4))
	got := res.all()
	if len(got) != 1 || got[0].Outcome != Reconciled || got[0].RequestID != uuid.Nil {
		t.Errorf("results = %+v, want one Reconciled", got)
	}
	if tr.Confirmed() != protocol.GasCH4 {
		t.Errorf("Confirmed() = %v, want CH4", tr.Confirmed())
	}
}

func TestOutcomeString(t *testing.T) {
	for o, want := range map[Outcome]string{Confirmed: "confirmed", Unconfirmed: "unconfirmed", Cancelled: "cancelled"} {
		if o.String() != want {
			t.Errorf("%d.String() = %q, want %q", o, o.String(), want)
		}
	}
}
