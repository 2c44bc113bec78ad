package tui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/chaz8081/gasmon/internal/ble/protocol"
)

// Styles contains all the lipgloss styles for the TUI.
type Styles struct {
	App lipgloss.Style

	Title lipgloss.Style

	// Device list
	Item         lipgloss.Style
	ItemSelected lipgloss.Style

	// Reading panel
	Panel    lipgloss.Style
	BigValue lipgloss.Style
	Label    lipgloss.Style
	Value    lipgloss.Style

	// Gas selector
	GasActive  lipgloss.Style
	GasPending lipgloss.Style
	GasIdle    lipgloss.Style

	StatusOnline  lipgloss.Style
	StatusOffline lipgloss.Style

	Muted   lipgloss.Style
	Error   lipgloss.Style
	Success lipgloss.Style
	Warning lipgloss.Style

	Help lipgloss.Style
}

// DefaultStyles returns the default color scheme.
func DefaultStyles() Styles {
	subtle := lipgloss.AdaptiveColor{Light: "#D9DCCF", Dark: "#383838"}
	highlight := lipgloss.AdaptiveColor{Light: "#874BFD", Dark: "#7D56F4"}
	special := lipgloss.AdaptiveColor{Light: "#43BF6D", Dark: "#73F59F"}
	muted := lipgloss.AdaptiveColor{Light: "#9B9B9B", Dark: "#5C5C5C"}
	text := lipgloss.AdaptiveColor{Light: "#343433", Dark: "#C1C6B2"}

	return Styles{
		App: lipgloss.NewStyle().
			Padding(1, 2),

		Title: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(highlight).
			Padding(0, 1),

		Item: lipgloss.NewStyle().
			PaddingLeft(2),

		ItemSelected: lipgloss.NewStyle().
			Foreground(highlight).
			Bold(true),

		Panel: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(subtle).
			Padding(0, 1).
			MarginTop(1),

		BigValue: lipgloss.NewStyle().
			Bold(true).
			Foreground(highlight),

		Label: lipgloss.NewStyle().
			Foreground(muted).
			Width(12),

		Value: lipgloss.NewStyle().
			Foreground(text),

		GasActive: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(highlight).
			Padding(0, 1),

		GasPending: lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFCC00")).
			Padding(0, 1),

		GasIdle: lipgloss.NewStyle().
			Foreground(text).
			Padding(0, 1),

		StatusOnline: lipgloss.NewStyle().
			Foreground(special).
			Bold(true),

		StatusOffline: lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B")).
			Bold(true),

		Muted: lipgloss.NewStyle().
			Foreground(muted),

		Error: lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B")),

		Success: lipgloss.NewStyle().
			Foreground(special),

		Warning: lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFCC00")),

		Help: lipgloss.NewStyle().
			Foreground(muted).
			MarginTop(1),
	}
}

// gasColor is the chart colour for each gas.
func gasColor(g protocol.GasType) lipgloss.Color {
	switch g {
	case protocol.GasCO:
		return lipgloss.Color("#FF6B6B")
	case protocol.GasH2:
		return lipgloss.Color("#4ECDC4")
	case protocol.GasLPG:
		return lipgloss.Color("#FFE66D")
	case protocol.GasCH4:
		return lipgloss.Color("#A8E6CF")
	case protocol.GasAlcohol:
		return lipgloss.Color("#C3A6FF")
	default:
		return lipgloss.Color("#9B9B9B")
	}
}
