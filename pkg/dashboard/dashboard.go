// Package dashboard is a terminal view of a running broker.
package dashboard

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/tomaslejdung/peeprelay/pkg/broker"
)

// Source is what the dashboard polls. *broker.Server satisfies it.
type Source interface {
	Stats() broker.StatsSnapshot
	Entries() []broker.EntryInfo
}

// Styles
var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("12"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("8"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("7"))

	valueStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("10"))

	warnStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("11"))

	idStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("14"))

	keyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("14"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("8"))

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("12")).
			Padding(0, 1)

	boxTitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("12"))
)

// maxRows caps the endpoint list so a busy broker does not scroll the view
const maxRows = 20

type tickMsg time.Time

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// Model is the bubbletea model for the dashboard
type Model struct {
	src     Source
	addr    string
	stats   broker.StatsSnapshot
	entries []broker.EntryInfo
	now     time.Time
	width   int
}

// New creates a dashboard over src. addr is shown in the header.
func New(src Source, addr string) Model {
	return Model{
		src:     src,
		addr:    addr,
		stats:   src.Stats(),
		entries: src.Entries(),
		now:     time.Now(),
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		tickCmd(),
		tea.SetWindowTitle("peeprelay broker"),
	)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
		return m, nil

	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil

	case tickMsg:
		m.now = time.Time(msg)
		m.stats = m.src.Stats()
		m.entries = m.src.Entries()
		return m, tickCmd()
	}
	return m, nil
}

func (m Model) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("peeprelay"))
	b.WriteString(dimStyle.Render(" - relay broker on " + m.addr))
	b.WriteString("\n\n")

	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top,
		m.renderCounters(),
		" ",
		m.renderEndpoints(),
	))
	b.WriteString("\n\n")

	b.WriteString(keyStyle.Render("q") + helpStyle.Render(" quit and stop the broker"))
	b.WriteString("\n")
	return b.String()
}

func (m Model) renderCounters() string {
	s := m.stats
	rows := []struct {
		label string
		value string
	}{
		{"uptime", formatDuration(m.now.Sub(s.StartedAt))},
		{"connections", fmt.Sprint(s.ActiveConnections)},
		{"registered", fmt.Sprint(s.Registered)},
		{"registrations", fmt.Sprint(s.Registrations)},
		{"sessions", fmt.Sprint(s.Sessions)},
		{"text forwards", fmt.Sprint(s.TextForwards)},
		{"binary forwards", fmt.Sprint(s.BinaryForwards)},
		{"relayed", formatBytes(s.BytesRelayed)},
	}

	var b strings.Builder
	b.WriteString(boxTitleStyle.Render("Relay"))
	b.WriteString("\n")
	for _, r := range rows {
		b.WriteString(labelStyle.Render(fmt.Sprintf("%-16s", r.label)))
		b.WriteString(valueStyle.Render(r.value))
		b.WriteString("\n")
	}

	// Problems only show up once they happen
	for _, r := range []struct {
		label string
		n     int64
	}{
		{"dropped", s.Dropped},
		{"malformed", s.Malformed},
		{"rejected", s.Rejected},
		{"write failures", s.WriteFailures},
	} {
		if r.n > 0 {
			b.WriteString(labelStyle.Render(fmt.Sprintf("%-16s", r.label)))
			b.WriteString(warnStyle.Render(fmt.Sprint(r.n)))
			b.WriteString("\n")
		}
	}
	return boxStyle.Render(strings.TrimRight(b.String(), "\n"))
}

func (m Model) renderEndpoints() string {
	var b strings.Builder
	b.WriteString(boxTitleStyle.Render(fmt.Sprintf("Endpoints (%d)", len(m.entries))))
	b.WriteString("\n")

	if len(m.entries) == 0 {
		b.WriteString(dimStyle.Render("none registered"))
		return boxStyle.Render(b.String())
	}

	for i, e := range m.entries {
		if i == maxRows {
			b.WriteString(dimStyle.Render(fmt.Sprintf("... %d more", len(m.entries)-maxRows)))
			break
		}
		b.WriteString(idStyle.Render(fmt.Sprintf("%-24s", e.ID)))
		b.WriteString(dimStyle.Render(fmt.Sprintf(" %8s  %s", formatDuration(m.now.Sub(e.RegisteredAt)), e.RemoteAddr)))
		b.WriteString("\n")
	}
	return boxStyle.Render(strings.TrimRight(b.String(), "\n"))
}

func formatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%d:%02d", m, s)
}

func formatBytes(b int64) string {
	switch {
	case b >= 1_000_000_000:
		return fmt.Sprintf("%.2f GB", float64(b)/1_000_000_000)
	case b >= 1_000_000:
		return fmt.Sprintf("%.1f MB", float64(b)/1_000_000)
	case b >= 1_000:
		return fmt.Sprintf("%.1f KB", float64(b)/1_000)
	}
	return fmt.Sprintf("%d B", b)
}

// Run shows the dashboard until the user quits or ctx is cancelled. Logging
// must already be redirected away from the terminal.
func Run(ctx context.Context, src Source, addr string) error {
	p := tea.NewProgram(
		New(src, addr),
		tea.WithAltScreen(),
		tea.WithContext(ctx),
	)
	if _, err := p.Run(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("dashboard: %w", err)
	}
	return nil
}
