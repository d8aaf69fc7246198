// Package top is a live terminal dashboard over the admin socket of a
// running daemon.
package top

import (
	"fmt"
	"strings"
	"time"

	"github.com/NimbleMarkets/ntcharts/barchart"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/tinytelemetry/ingress/internal/model"
)

// Source is the read side of the admin socket the dashboard polls.
type Source interface {
	Stats() (model.IngressStats, error)
	Sessions() ([]model.SessionInfo, error)
	TopSources(limit int, opts model.QueryOpts) ([]model.DimensionCount, error)
}

const (
	minInterval  = 250 * time.Millisecond
	maxInterval  = 10 * time.Second
	historySize  = 120
	topSourceMax = 5
)

type tickMsg time.Time

type snapshotMsg struct {
	at       time.Time
	stats    model.IngressStats
	sessions []model.SessionInfo
	sources  []model.DimensionCount
	err      error
}

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	helpStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))

	sectionStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("238")).
			Padding(0, 1)

	dispositionColors = map[string]lipgloss.Color{
		"accepted":           "35",
		"rejected_malformed": "208",
		"rejected_overload":  "220",
		"failed":             "196",
		"deadline_exceeded":  "201",
		"cancelled":          "244",
	}
)

// Model is the dashboard state.
type Model struct {
	src      Source
	keys     keyMap
	interval time.Duration
	paused   bool
	inFlight bool

	width, height int

	rates    *rateWindow
	stats    model.IngressStats
	sessions []model.SessionInfo
	sources  []model.DimensionCount
	updated  time.Time
	err      error

	sessionView viewport.Model
}

// New returns a dashboard polling src every interval.
func New(src Source, interval time.Duration) Model {
	return Model{
		src:         src,
		keys:        defaultKeys(),
		interval:    clampInterval(interval),
		rates:       newRateWindow(historySize),
		sessionView: viewport.New(80, 8),
	}
}

func clampInterval(d time.Duration) time.Duration {
	return min(max(d, minInterval), maxInterval)
}

func (m Model) Init() tea.Cmd {
	return m.fetch()
}

func (m Model) tick() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// fetch polls the daemon off the update loop.
func (m Model) fetch() tea.Cmd {
	src := m.src
	return func() tea.Msg {
		snap := snapshotMsg{at: time.Now()}
		if snap.stats, snap.err = src.Stats(); snap.err != nil {
			return snap
		}
		if snap.sessions, snap.err = src.Sessions(); snap.err != nil {
			return snap
		}
		// sinks that keep nothing cannot answer storage queries
		snap.sources, _ = src.TopSources(topSourceMax, model.QueryOpts{})
		return snap
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.sessionView.Width = max(msg.Width-4, 20)
		m.sessionView.Height = max(msg.Height-chartHeight-12, 3)
		m.sessionView.SetContent(m.renderSessions())
		return m, nil

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keys.Quit):
			return m, tea.Quit
		case key.Matches(msg, m.keys.Pause):
			m.paused = !m.paused
		case key.Matches(msg, m.keys.Faster):
			m.interval = clampInterval(m.interval / 2)
		case key.Matches(msg, m.keys.Slower):
			m.interval = clampInterval(m.interval * 2)
		case key.Matches(msg, m.keys.Up):
			m.sessionView.LineUp(1)
		case key.Matches(msg, m.keys.Down):
			m.sessionView.LineDown(1)
		}
		return m, nil

	case tickMsg:
		if m.paused || m.inFlight {
			return m, m.tick()
		}
		m.inFlight = true
		return m, m.fetch()

	case snapshotMsg:
		m.inFlight = false
		m.err = msg.err
		if msg.err == nil {
			m.stats, m.sessions, m.sources = msg.stats, msg.sessions, msg.sources
			m.updated = msg.at
			m.rates.observe(msg.stats, msg.at)
			m.sessionView.SetContent(m.renderSessions())
		}
		return m, m.tick()
	}
	return m, nil
}

const chartHeight = 8

func (m Model) View() string {
	width := max(m.width, 60)
	parts := []string{m.renderHeader(width)}
	if m.err != nil {
		parts = append(parts, errorStyle.Render("daemon: "+m.err.Error()))
	}
	parts = append(parts,
		sectionStyle.Width(width-2).Render(m.renderRates(width-6)),
		sectionStyle.Width(width-2).Render(
			titleStyle.Render("Sessions")+"\n"+m.sessionView.View()),
		sectionStyle.Width(width-2).Render(m.renderSources()),
		m.renderHelp(),
	)
	return lipgloss.JoinVertical(lipgloss.Left, parts...)
}

func (m Model) renderHeader(width int) string {
	left := titleStyle.Render("ingressd top")
	s := m.stats
	right := fmt.Sprintf("sessions %d/%d  inflight %d/%d  received %d  up %s",
		s.ActiveSessions, s.MaxSessions, s.ReservedInflight, s.MaxInflight, s.Received, s.Uptime)
	if m.paused {
		right = "[paused] " + right
	}
	right = labelStyle.Render(right)
	gap := width - lipgloss.Width(left) - lipgloss.Width(right)
	if gap < 1 {
		return left + "\n" + right
	}
	return left + strings.Repeat(" ", gap) + right
}

func (m Model) renderRates(width int) string {
	latest, ok := m.rates.latest()
	if !ok {
		return titleStyle.Render("Dispositions/s") + "\n" + helpStyle.Render("waiting for a second sample")
	}
	header := fmt.Sprintf("Dispositions/s  now %.1f  peak %.1f", latest.total(), m.rates.peak())

	bc := barchart.New(max(width, 20), chartHeight,
		barchart.WithBarGap(1),
		barchart.WithBarWidth(1),
		barchart.WithNoAxis(),
	)
	points := m.rates.points
	if bars := max(width, 20) / 2; len(points) > bars {
		points = points[len(points)-bars:]
	}
	for _, p := range points {
		values := make([]barchart.BarValue, 0, len(dispositionOrder))
		for _, d := range dispositionOrder {
			v := p.rates[d.String()]
			if v <= 0 {
				continue
			}
			c := dispositionColors[d.String()]
			values = append(values, barchart.BarValue{
				Name:  d.String(),
				Value: v,
				Style: lipgloss.NewStyle().Foreground(c).Background(c),
			})
		}
		bc.Push(barchart.BarData{Values: values})
	}
	bc.Draw()

	var legend []string
	for _, d := range dispositionOrder {
		c := dispositionColors[d.String()]
		legend = append(legend, lipgloss.NewStyle().Foreground(c).Render("■")+
			fmt.Sprintf(" %s %.1f", d, latest.rates[d.String()]))
	}
	return lipgloss.JoinVertical(lipgloss.Left,
		titleStyle.Render(header), bc.View(), strings.Join(legend, "  "))
}

func (m Model) renderSessions() string {
	if len(m.sessions) == 0 {
		return helpStyle.Render("no open sessions")
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-10s %-12s %-22s %-9s %10s %8s %7s\n",
		"ID", "RPC", "PRODUCER", "STATE", "RECEIVED", "PENDING", "CREDIT")
	for _, s := range m.sessions {
		fmt.Fprintf(&b, "%-10s %-12s %-22s %-9s %10d %8d %7d\n",
			truncate(s.ID, 10), s.RPC, truncate(s.Producer, 22), s.State,
			s.Received, s.Pending, s.Credit)
	}
	return strings.TrimSuffix(b.String(), "\n")
}

func (m Model) renderSources() string {
	out := titleStyle.Render("Top sources")
	if len(m.sources) == 0 {
		return out + "\n" + helpStyle.Render("nothing stored")
	}
	for _, s := range m.sources {
		out += fmt.Sprintf("\n%-32s %d", truncate(s.Value, 32), s.Count)
	}
	return out
}

func (m Model) renderHelp() string {
	var parts []string
	for _, b := range m.keys.help() {
		h := b.Help()
		parts = append(parts, h.Key+" "+h.Desc)
	}
	parts = append(parts, "every "+m.interval.String())
	if !m.updated.IsZero() {
		parts = append(parts, "updated "+m.updated.Format("15:04:05"))
	}
	return helpStyle.Render(strings.Join(parts, " • "))
}

func truncate(s string, n int) string {
	if len([]rune(s)) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n-1]) + "…"
}
