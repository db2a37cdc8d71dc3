package tui

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/basket/newsgraph/internal/adjudicator"
	"github.com/basket/newsgraph/internal/bus"
	"github.com/basket/newsgraph/internal/llm"
	"github.com/basket/newsgraph/internal/persistence"
	"github.com/basket/newsgraph/internal/shared"
)

func sampleStats() persistence.QueueStats {
	return persistence.QueueStats{
		StatusCounts: map[string]int{"pending": 3, "running": 1, "done": 7, "failed": 2},
		ByType: map[string]map[string]int{
			"entity_merge_review":          {"pending": 2, "done": 5},
			"event_merge_or_evolve_review": {"pending": 1, "done": 2, "failed": 2},
		},
		Decisions: map[string]int{"entity_merge_review": 5},
	}
}

func newTestModel(stats StatsFunc, b *bus.Bus) monitorModel {
	return newMonitorModel(context.Background(), MonitorConfig{
		Stats: stats,
		Bus:   b,
		Clock: shared.NewFixedClock(t0),
	})
}

func TestMonitor_FetchAndRender(t *testing.T) {
	calls := 0
	m := newTestModel(func(context.Context) (persistence.QueueStats, error) {
		calls++
		return sampleStats(), nil
	}, nil)

	if !strings.Contains(m.View(), "loading") {
		t.Fatalf("initial view = %q", m.View())
	}
	msg := m.fetchStats()()
	updated, cmd := m.Update(msg)
	if cmd == nil {
		t.Fatal("stats should schedule the next tick")
	}
	view := updated.View()
	for _, want := range []string{"pending 3", "failed 2", "entity", "event", "decisions", "12:00:00"} {
		if !strings.Contains(view, want) {
			t.Fatalf("view missing %q:\n%s", want, view)
		}
	}
	if calls != 1 {
		t.Fatalf("calls = %d", calls)
	}
}

func TestMonitor_ErrorKeepsLastStats(t *testing.T) {
	fail := false
	m := newTestModel(func(context.Context) (persistence.QueueStats, error) {
		if fail {
			return persistence.QueueStats{}, errors.New("queue stats: database is locked")
		}
		return sampleStats(), nil
	}, nil)
	next, _ := m.Update(m.fetchStats()())
	m = next.(monitorModel)
	fail = true
	next, _ = m.Update(m.fetchStats()())
	view := next.View()
	if !strings.Contains(view, "Database is locked") || !strings.Contains(view, "pending 3") {
		t.Fatalf("view = %q", view)
	}
}

func TestMonitor_BusEventsFeedActivity(t *testing.T) {
	b := bus.New()
	m := newTestModel(func(context.Context) (persistence.QueueStats, error) { return sampleStats(), nil }, b)
	defer b.Unsubscribe(m.sub)

	b.Publish(bus.TopicReviewStateChanged, bus.TaskStateChangedEvent{TaskID: "task-42", TaskType: "entity_merge_review", NewStatus: "running"})
	msg := waitForBusEvent(m.sub)()
	next, cmd := m.Update(msg)
	if cmd == nil {
		t.Fatal("bus event should re-arm the subscription")
	}
	m = next.(monitorModel)
	if m.feed.Len() != 1 || !m.feed.HasActive() {
		t.Fatalf("feed len = %d", m.feed.Len())
	}
}

func TestMonitor_Keys(t *testing.T) {
	m := newTestModel(func(context.Context) (persistence.QueueStats, error) { return sampleStats(), nil }, nil)
	next, _ := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'a'}})
	if !next.(monitorModel).feed.collapsed {
		t.Fatal("a should collapse the activity feed")
	}
	next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'q'}})
	if cmd == nil || !next.(monitorModel).quitting {
		t.Fatal("q should quit")
	}
	if next.View() != "" {
		t.Fatal("quitting view should be empty")
	}
}

func TestMonitor_ContextCancelQuits(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	msg := waitCtxDone(ctx)()
	m := newTestModel(func(context.Context) (persistence.QueueStats, error) { return sampleStats(), nil }, nil)
	next, cmd := m.Update(msg)
	if cmd == nil || !next.(monitorModel).quitting {
		t.Fatal("context cancel should quit")
	}
}

func TestHumanError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"innermost", errors.New("a: b: connection refused"), "Connection refused"},
		{"locked", errors.New("queue stats: query: database is locked"), "Database is locked by another newsgraph process"},
		{"parse", fmt.Errorf("entity verdict: %w", adjudicator.ErrParse), "Model output could not be parsed as a verdict"},
		{"circuit", fmt.Errorf("openai: %w", llm.ErrCircuitOpen), "LLM provider unavailable (circuit open)"},
		{"all failed", fmt.Errorf("%w: openai: timeout", llm.ErrAllProvidersFailed), "All LLM providers failed"},
		{"task gone", fmt.Errorf("complete t1: %w", persistence.ErrTaskNotFound), "Review task no longer in the queue"},
		{"transition", fmt.Errorf("claim: %w", persistence.ErrInvalidTransition), "Review task already claimed or finished"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := humanError(tc.err); got != tc.want {
				t.Fatalf("humanError = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestSaveTerminal_NoTTY(t *testing.T) {
	// Test stdin is not a terminal; restore must still be callable.
	saveTerminal()()
}
