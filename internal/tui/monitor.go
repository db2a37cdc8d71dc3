// Package tui renders the live review queue monitor behind `newsgraph top`.
package tui

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/basket/newsgraph/internal/bus"
	"github.com/basket/newsgraph/internal/persistence"
	"github.com/basket/newsgraph/internal/shared"
)

// StatsFunc loads the current queue statistics.
type StatsFunc func(ctx context.Context) (persistence.QueueStats, error)

type MonitorConfig struct {
	Stats StatsFunc
	// Bus, when set, feeds the activity list from review state changes.
	Bus      *bus.Bus
	Interval time.Duration
	Clock    shared.Clock
}

var statusOrder = []string{"pending", "running", "done", "failed"}

type (
	tickMsg     struct{}
	ctxDoneMsg  struct{}
	busEventMsg struct{ event bus.Event }
	statsMsg    struct {
		stats persistence.QueueStats
		err   error
		at    time.Time
	}
)

type monitorModel struct {
	ctx      context.Context
	cfg      MonitorConfig
	sub      *bus.Subscription
	feed     *ActivityFeed
	stats    persistence.QueueStats
	loaded   bool
	lastErr  error
	updated  time.Time
	width    int
	quitting bool
}

func newMonitorModel(ctx context.Context, cfg MonitorConfig) monitorModel {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = shared.SystemClock{}
	}
	m := monitorModel{ctx: ctx, cfg: cfg, feed: NewActivityFeed()}
	if cfg.Bus != nil {
		m.sub = cfg.Bus.Subscribe("review.")
	}
	return m
}

// RunMonitor blocks until the user quits or ctx is canceled.
func RunMonitor(ctx context.Context, cfg MonitorConfig) error {
	defer saveTerminal()()

	m := newMonitorModel(ctx, cfg)
	defer cfg.Bus.Unsubscribe(m.sub)

	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithInput(os.Stdin), tea.WithOutput(os.Stdout))
	_, err := p.Run()
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}

func (m monitorModel) Init() tea.Cmd {
	cmds := []tea.Cmd{waitCtxDone(m.ctx), m.fetchStats()}
	if m.sub != nil {
		cmds = append(cmds, waitForBusEvent(m.sub))
	}
	return tea.Batch(cmds...)
}

func (m monitorModel) tick() tea.Cmd {
	return tea.Tick(m.cfg.Interval, func(time.Time) tea.Msg { return tickMsg{} })
}

func (m monitorModel) fetchStats() tea.Cmd {
	ctx, stats, clock := m.ctx, m.cfg.Stats, m.cfg.Clock
	return func() tea.Msg {
		cctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		s, err := stats(cctx)
		return statsMsg{stats: s, err: err, at: clock.Now()}
	}
}

func waitCtxDone(ctx context.Context) tea.Cmd {
	return func() tea.Msg {
		<-ctx.Done()
		return ctxDoneMsg{}
	}
}

func waitForBusEvent(sub *bus.Subscription) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-sub.Ch()
		if !ok {
			return nil
		}
		return busEventMsg{event: ev}
	}
}

func (m monitorModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case ctxDoneMsg:
		m.quitting = true
		return m, tea.Quit

	case tickMsg:
		return m, m.fetchStats()

	case statsMsg:
		if msg.err != nil {
			m.lastErr = msg.err
		} else {
			m.stats, m.loaded, m.lastErr = msg.stats, true, nil
		}
		m.updated = msg.at
		m.feed.CleanupOld(msg.at, time.Minute)
		return m, m.tick()

	case busEventMsg:
		m.feed.Observe(msg.event, m.cfg.Clock.Now())
		return m, waitForBusEvent(m.sub)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "a":
			m.feed.Toggle()
			return m, nil
		case "r":
			return m, m.fetchStats()
		}
	}
	return m, nil
}

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("63"))
	labelStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("245")).Width(10)
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	statusStyle = map[string]lipgloss.Style{
		"pending": lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		"running": lipgloss.NewStyle().Foreground(lipgloss.Color("39")),
		"done":    lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		"failed":  lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
	}
)

func (m monitorModel) View() string {
	if m.quitting {
		return ""
	}
	var b strings.Builder
	b.WriteString(titleStyle.Render("newsgraph review queue") + "\n\n")

	if !m.loaded && m.lastErr == nil {
		b.WriteString(dimStyle.Render("loading…") + "\n")
		return b.String()
	}

	b.WriteString(labelStyle.Render("status"))
	for _, st := range statusOrder {
		b.WriteString(statusStyle[st].Render(fmt.Sprintf("%s %-6d", st, m.stats.StatusCounts[st])))
	}
	b.WriteString("\n")

	for _, tt := range sortedKeys(m.stats.ByType) {
		counts := m.stats.ByType[tt]
		b.WriteString(labelStyle.Render(shortType(tt)))
		for _, st := range statusOrder {
			b.WriteString(fmt.Sprintf("%s %-6d", st, counts[st]))
		}
		b.WriteString("\n")
	}

	if len(m.stats.Decisions) > 0 {
		b.WriteString(labelStyle.Render("decisions"))
		for _, tt := range sortedKeys(m.stats.Decisions) {
			b.WriteString(fmt.Sprintf("%s %-6d", shortType(tt), m.stats.Decisions[tt]))
		}
		b.WriteString("\n")
	}

	if m.lastErr != nil {
		b.WriteString("\n" + errStyle.Render("⚠ "+humanError(m.lastErr)) + "\n")
	}
	if feed := m.feed.View(m.cfg.Clock.Now()); feed != "" {
		b.WriteString("\n" + feed)
	}

	b.WriteString("\n" + dimStyle.Render(fmt.Sprintf("updated %s · q quit · r refresh · a activity",
		m.updated.Format("15:04:05"))) + "\n")
	return b.String()
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
