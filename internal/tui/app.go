package tui

import (
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"

	"github.com/chaz8081/gasmon/internal/ble"
	"github.com/chaz8081/gasmon/internal/ble/protocol"
	"github.com/chaz8081/gasmon/internal/command"
	"github.com/chaz8081/gasmon/internal/session"
)

// Session is the part of *session.Session the TUI drives.
type Session interface {
	StartScan() error
	StopScan()
	Connect(address string) error
	Disconnect() error
	RequestGasChange(gas protocol.GasType) (uuid.UUID, error)
	ReadStatus() error
	SetCallbacks(cb session.Callbacks)

	LinkState() ble.LinkState
	Address() string
	MTU() int
	ConfirmedGas() protocol.GasType
	PendingGas() (protocol.GasType, time.Time, bool)
	Scanning() bool
	Devices() []ble.Device
	History() *session.History
}

var _ Session = (*session.Session)(nil)

// Options configures the TUI.
type Options struct {
	Title   string
	Address string // sensor the session auto-connects to, if any
	LogFile string
}

// Run starts the TUI application and blocks until the user quits.
func Run(s Session, opts Options) error {
	m := NewModel(s, opts)
	p := tea.NewProgram(m, tea.WithAltScreen())

	s.SetCallbacks(bridge{send: p.Send})
	defer s.SetCallbacks(nil)

	if _, err := p.Run(); err != nil {
		return fmt.Errorf("running TUI: %w", err)
	}
	return nil
}

// Messages forwarded from the session.
type (
	deviceMsg struct{ device ble.Device }
	linkMsg   struct {
		state ble.LinkState
		err   error
	}
	readingMsg struct {
		reading protocol.SensorReading
		source  protocol.Source
		at      time.Time
	}
	outcomeMsg struct{ result command.Result }
	statusMsg  struct{ text string }
	errMsg     struct{ err error }
	tickMsg    time.Time
)

// bridge turns session callbacks into program messages.
type bridge struct {
	send func(tea.Msg)
}

func (b bridge) DeviceDiscovered(d ble.Device) { b.send(deviceMsg{device: d}) }

func (b bridge) ConnectionChanged(state ble.LinkState, err error) {
	b.send(linkMsg{state: state, err: err})
}

func (b bridge) ReadingReceived(r protocol.SensorReading, source protocol.Source) {
	b.send(readingMsg{reading: r, source: source, at: time.Now()})
}

func (b bridge) CommandOutcome(res command.Result) { b.send(outcomeMsg{result: res}) }

func (b bridge) StatusChanged(msg string) { b.send(statusMsg{text: msg}) }
