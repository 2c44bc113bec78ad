package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/chaz8081/gasmon/internal/ble"
	"github.com/chaz8081/gasmon/internal/ble/protocol"
	"github.com/chaz8081/gasmon/internal/command"
)

// Model is the main Bubbletea model for the TUI.
type Model struct {
	session Session
	opts    Options

	keys    KeyMap
	help    help.Model
	spinner spinner.Model
	styles  Styles
	width   int

	// Scan
	devices []ble.Device
	cursor  int

	// Link
	state ble.LinkState

	// Data
	latest       *protocol.SensorReading
	latestSource protocol.Source
	latestAt     time.Time
	chartGas     protocol.GasType

	statusMsg string
	errorMsg  string
}

// NewModel creates a new TUI model.
func NewModel(s Session, opts Options) Model {
	h := help.New()
	h.ShowAll = false // Use ShortHelp for horizontal layout

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("#7D56F4"))

	if opts.Title == "" {
		opts.Title = "gasmon"
	}
	return Model{
		session:  s,
		opts:     opts,
		keys:     DefaultKeyMap(),
		help:     h,
		spinner:  sp,
		styles:   DefaultStyles(),
		state:    s.LinkState(),
		chartGas: s.ConfirmedGas(),
	}
}

// Init starts scanning and the refresh tick.
func (m Model) Init() tea.Cmd {
	cmds := []tea.Cmd{m.spinner.Tick, tick()}
	if m.state == ble.StateDisconnected {
		cmds = append(cmds, startScanCmd(m.session))
	}
	return tea.Batch(cmds...)
}

func tick() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func startScanCmd(s Session) tea.Cmd {
	return func() tea.Msg {
		if err := s.StartScan(); err != nil {
			return errMsg{err}
		}
		return nil
	}
}

func connectCmd(s Session, address string) tea.Cmd {
	return func() tea.Msg {
		if err := s.Connect(address); err != nil {
			return errMsg{err}
		}
		return nil
	}
}

func disconnectCmd(s Session) tea.Cmd {
	return func() tea.Msg {
		if err := s.Disconnect(); err != nil {
			return errMsg{err}
		}
		return nil
	}
}

func requestGasCmd(s Session, gas protocol.GasType) tea.Cmd {
	return func() tea.Msg {
		if _, err := s.RequestGasChange(gas); err != nil {
			return errMsg{err}
		}
		return nil
	}
}

func readStatusCmd(s Session) tea.Cmd {
	return func() tea.Msg {
		if err := s.ReadStatus(); err != nil {
			return errMsg{err}
		}
		return nil
	}
}

// Update handles messages and updates the model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.help.Width = msg.Width
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case tickMsg:
		// RSSI refresh and pending countdown.
		m.refreshDevices()
		return m, tick()

	case deviceMsg:
		m.refreshDevices()
		return m, nil

	case linkMsg:
		m.state = msg.state
		switch {
		case msg.err != nil:
			m.errorMsg = msg.err.Error()
		case msg.state == ble.StateReady:
			m.errorMsg = ""
			m.chartGas = m.session.ConfirmedGas()
		}
		return m, nil

	case readingMsg:
		r := msg.reading
		m.latest = &r
		m.latestSource = msg.source
		m.latestAt = msg.at
		return m, nil

	case outcomeMsg:
		switch msg.result.Outcome {
		case command.Confirmed, command.Unconfirmed, command.Reconciled:
			m.chartGas = msg.result.Confirmed
		}
		if msg.result.Outcome == command.Failed {
			m.errorMsg = fmt.Sprintf("Change to %s failed", msg.result.Target)
		}
		return m, nil

	case statusMsg:
		m.statusMsg = msg.text
		return m, nil

	case errMsg:
		m.errorMsg = msg.err.Error()
		return m, nil
	}
	return m, nil
}

func (m *Model) refreshDevices() {
	m.devices = m.session.Devices()
	if m.cursor >= len(m.devices) {
		m.cursor = max(0, len(m.devices)-1)
	}
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Quit):
		return m, tea.Quit

	case key.Matches(msg, m.keys.Help):
		m.help.ShowAll = !m.help.ShowAll
		return m, nil

	case key.Matches(msg, m.keys.Scan):
		if m.state != ble.StateDisconnected {
			return m, nil
		}
		m.devices = nil
		m.cursor = 0
		m.errorMsg = ""
		return m, startScanCmd(m.session)

	case key.Matches(msg, m.keys.Up):
		if m.cursor > 0 {
			m.cursor--
		}
		return m, nil

	case key.Matches(msg, m.keys.Down):
		if m.cursor < len(m.devices)-1 {
			m.cursor++
		}
		return m, nil

	case key.Matches(msg, m.keys.Connect):
		if m.state != ble.StateDisconnected || len(m.devices) == 0 {
			return m, nil
		}
		m.errorMsg = ""
		return m, connectCmd(m.session, m.devices[m.cursor].Address)

	case key.Matches(msg, m.keys.Disconnect):
		if m.state == ble.StateDisconnected {
			return m, nil
		}
		return m, disconnectCmd(m.session)

	case key.Matches(msg, m.keys.Status):
		if m.state != ble.StateReady {
			return m, nil
		}
		return m, readStatusCmd(m.session)

	case key.Matches(msg, m.keys.Gas):
		if m.state != ble.StateReady {
			return m, nil
		}
		i := int(msg.String()[0] - '1')
		if i < 0 || i >= len(protocol.GasTypes) {
			return m, nil
		}
		m.errorMsg = ""
		return m, requestGasCmd(m.session, protocol.GasTypes[i])

	case key.Matches(msg, m.keys.Left):
		m.chartGas = cycleGas(m.chartGas, -1)
		return m, nil

	case key.Matches(msg, m.keys.Right):
		m.chartGas = cycleGas(m.chartGas, 1)
		return m, nil
	}
	return m, nil
}

// cycleGas steps through protocol.GasTypes, wrapping at both ends.
func cycleGas(g protocol.GasType, step int) protocol.GasType {
	n := len(protocol.GasTypes)
	for i, t := range protocol.GasTypes {
		if t == g {
			return protocol.GasTypes[((i+step)%n+n)%n]
		}
	}
	return protocol.GasTypes[0]
}

// View renders the UI.
func (m Model) View() string {
	var b strings.Builder

	b.WriteString(m.renderTitleBar())
	b.WriteString("\n")

	if m.state == ble.StateDisconnected {
		b.WriteString(m.viewDevices())
	} else {
		b.WriteString(m.viewSensor())
	}

	if m.statusMsg != "" {
		b.WriteString("\n")
		b.WriteString(m.styles.Muted.Render(m.statusMsg))
	}
	if m.errorMsg != "" {
		b.WriteString("\n")
		b.WriteString(m.styles.Error.Render(m.errorMsg))
	}

	helpView := m.styles.Help.Render(m.help.View(m.keys))
	if m.help.ShowAll && m.opts.LogFile != "" {
		helpView += "\n" + m.styles.Muted.Render("Log: "+m.opts.LogFile)
	}
	return m.styles.App.Render(b.String() + "\n" + helpView)
}

func (m Model) renderTitleBar() string {
	parts := []string{m.styles.Title.Render(m.opts.Title)}

	switch m.state {
	case ble.StateReady:
		parts = append(parts, m.styles.StatusOnline.Render("● Connected"))
		parts = append(parts, m.styles.Muted.Render(m.session.Address()))
		parts = append(parts, m.styles.Muted.Render(fmt.Sprintf("MTU %d", m.session.MTU())))
	case ble.StateDisconnected:
		if m.session.Scanning() {
			parts = append(parts, m.spinner.View()+" "+m.styles.Warning.Render("Scanning..."))
		} else {
			parts = append(parts, m.styles.StatusOffline.Render("○ Offline"))
		}
	default:
		parts = append(parts, m.spinner.View()+" "+m.styles.Warning.Render(capitalize(m.state.String())+"..."))
	}
	return strings.Join(parts, "  ")
}

func (m Model) viewDevices() string {
	var b strings.Builder
	b.WriteString("\n")
	if m.opts.Address != "" {
		b.WriteString(m.styles.Muted.Render("Connecting to " + m.opts.Address + " when found"))
		b.WriteString("\n")
	}
	if len(m.devices) == 0 {
		if m.session.Scanning() {
			b.WriteString(m.styles.Muted.Render("Looking for sensors..."))
		} else {
			b.WriteString(m.styles.Muted.Render("No sensors found. Press s to scan."))
		}
		b.WriteString("\n")
		return b.String()
	}

	for i, d := range m.devices {
		line := fmt.Sprintf("%-24s %-18s %4d dBm", d.DisplayName(), d.Address, d.RSSI)
		if i == m.cursor {
			b.WriteString(m.styles.ItemSelected.Render("> " + line))
		} else {
			b.WriteString(m.styles.Item.Render(line))
		}
		b.WriteString("\n")
	}
	return b.String()
}

func (m Model) viewSensor() string {
	var b strings.Builder

	// Current reading
	var reading strings.Builder
	if m.latest == nil {
		reading.WriteString(m.styles.Muted.Render("Waiting for data..."))
	} else {
		r := m.latest
		reading.WriteString(m.styles.BigValue.Render(fmt.Sprintf("%.1f ppm", r.PPM)))
		reading.WriteString("  ")
		reading.WriteString(m.styles.Value.Render(r.Gas.String()))
		reading.WriteString("\n")
		reading.WriteString(m.field("ADC", fmt.Sprintf("%d", r.RawADC)))
		reading.WriteString(m.field("Voltage", fmt.Sprintf("%.2f V", r.Voltage)))
		reading.WriteString(m.field("Received", fmt.Sprintf("%s (%s)", m.latestAt.Format(time.TimeOnly), m.latestSource)))
	}
	b.WriteString(m.styles.Panel.Render(strings.TrimRight(reading.String(), "\n")))
	b.WriteString("\n")

	b.WriteString(m.viewGasSelector())
	b.WriteString("\n")
	b.WriteString(m.viewChart())
	return b.String()
}

func (m Model) field(label, value string) string {
	return m.styles.Label.Render(label) + m.styles.Value.Render(value) + "\n"
}

// viewGasSelector shows the five gases with the confirmed one highlighted,
// a pending target marked, and a dot on gases with recent history.
func (m Model) viewGasSelector() string {
	confirmed := m.session.ConfirmedGas()
	pending, deadline, isPending := m.session.PendingGas()
	hist := m.session.History()

	var parts []string
	for i, g := range protocol.GasTypes {
		label := fmt.Sprintf("%d %s", i+1, g)
		if hist.HasRecentData(g) {
			label += " •"
		}
		switch {
		case g == confirmed:
			parts = append(parts, m.styles.GasActive.Render(label))
		case isPending && g == pending:
			parts = append(parts, m.styles.GasPending.Render(label))
		default:
			parts = append(parts, m.styles.GasIdle.Render(label))
		}
	}
	line := "\n" + strings.Join(parts, " ")
	if isPending {
		left := time.Until(deadline).Round(time.Second)
		line += "\n" + m.styles.Warning.Render(fmt.Sprintf("Switching to %s... (%s)", pending, max(left, 0)))
	}
	return line
}

func (m Model) viewChart() string {
	hist := m.session.History()
	title := lipgloss.NewStyle().Foreground(gasColor(m.chartGas)).Bold(true).Render(m.chartGas.String() + " history")

	st, ok := hist.Stats(m.chartGas)
	if !ok {
		return m.styles.Panel.Render(title + "\n" + m.styles.Muted.Render("No data"))
	}

	width := 60
	if m.width > 10 {
		width = min(width, m.width-10)
	}
	pts := hist.Points(m.chartGas)
	values := make([]float64, len(pts))
	for i, p := range pts {
		values[i] = p.PPM
	}
	chart := lipgloss.NewStyle().Foreground(gasColor(m.chartGas)).Render(sparkline(values, width))
	stats := m.styles.Muted.Render(fmt.Sprintf("min %.1f  max %.1f ppm   ADC %d-%d   %d points",
		st.MinPPM, st.MaxPPM, st.MinADC, st.MaxADC, st.Count))
	return m.styles.Panel.Render(title + "\n" + chart + "\n" + stats)
}

var sparkBlocks = []rune("▁▂▃▄▅▆▇█")

// sparkline renders the last width values scaled between their min and max.
func sparkline(values []float64, width int) string {
	if len(values) > width {
		values = values[len(values)-width:]
	}
	if len(values) == 0 {
		return ""
	}
	lo, hi := values[0], values[0]
	for _, v := range values {
		lo = min(lo, v)
		hi = max(hi, v)
	}
	out := make([]rune, len(values))
	for i, v := range values {
		idx := 0
		if hi > lo {
			idx = int((v - lo) / (hi - lo) * float64(len(sparkBlocks)-1))
		}
		out[i] = sparkBlocks[idx]
	}
	return string(out)
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
