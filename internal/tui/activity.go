package tui

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/basket/newsgraph/internal/bus"
)

// ActivityItem is one review task as seen through its state changes.
type ActivityItem struct {
	ID        string
	Icon      string
	Message   string
	StartedAt time.Time
	DoneAt    *time.Time
}

// ActivityFeed keeps the most recent review tasks for the monitor.
type ActivityFeed struct {
	mu        sync.Mutex
	items     []ActivityItem
	collapsed bool
	maxItems  int
}

func NewActivityFeed() *ActivityFeed {
	return &ActivityFeed{maxItems: 10}
}

func (f *ActivityFeed) Add(item ActivityItem) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.items {
		if f.items[i].ID == item.ID {
			f.items[i] = item
			return
		}
	}
	f.items = append(f.items, item)
	if len(f.items) > f.maxItems {
		f.items = f.items[1:]
	}
}

func (f *ActivityFeed) Complete(id, icon string, at time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.items {
		if f.items[i].ID == id {
			f.items[i].Icon = icon
			f.items[i].DoneAt = &at
			return
		}
	}
}

// Observe folds a review bus event into the feed. It reports whether the
// event was relevant.
func (f *ActivityFeed) Observe(ev bus.Event, now time.Time) bool {
	switch p := ev.Payload.(type) {
	case bus.TaskStateChangedEvent:
		switch p.NewStatus {
		case "running":
			f.Add(ActivityItem{ID: p.TaskID, Icon: "⏳", Message: shortType(p.TaskType) + " " + shortID(p.TaskID), StartedAt: now})
		case "done":
			f.Complete(p.TaskID, "✅", now)
		case "failed":
			f.Complete(p.TaskID, "❌", now)
		case "pending":
			f.Complete(p.TaskID, "↺", now)
		default:
			return false
		}
		return true
	case bus.TaskEnqueuedEvent:
		return true
	}
	return false
}

func (f *ActivityFeed) Toggle() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.collapsed = !f.collapsed
}

func (f *ActivityFeed) HasActive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, it := range f.items {
		if it.DoneAt == nil {
			return true
		}
	}
	return false
}

func (f *ActivityFeed) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.items)
}

func (f *ActivityFeed) CleanupOld(now time.Time, maxAge time.Duration) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	kept := f.items[:0]
	removed := 0
	for _, it := range f.items {
		if it.DoneAt != nil && now.Sub(*it.DoneAt) >= maxAge {
			removed++
			continue
		}
		kept = append(kept, it)
	}
	f.items = kept
	return removed
}

func (f *ActivityFeed) View(now time.Time) string {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.items) == 0 {
		return ""
	}

	dim := lipgloss.NewStyle().Foreground(lipgloss.Color("240"))

	if f.collapsed {
		active := 0
		for _, it := range f.items {
			if it.DoneAt == nil {
				active++
			}
		}
		return dim.Render(fmt.Sprintf("── %d tasks in flight (a to expand) ──", active)) + "\n"
	}

	itemS := lipgloss.NewStyle().Foreground(lipgloss.Color("252"))

	var out strings.Builder
	out.WriteString(dim.Render("── Activity (a to collapse) ──") + "\n")
	for _, it := range f.items {
		line := fmt.Sprintf("%s %s", it.Icon, it.Message)
		if it.DoneAt != nil {
			dur := it.DoneAt.Sub(it.StartedAt).Truncate(100 * time.Millisecond)
			line += fmt.Sprintf(" (%s)", dur)
		} else {
			line += fmt.Sprintf(" (%s)", now.Sub(it.StartedAt).Truncate(time.Second))
		}
		out.WriteString(itemS.Render(line) + "\n")
	}
	return out.String()
}

func shortType(taskType string) string {
	switch taskType {
	case "entity_merge_review":
		return "entity"
	case "event_merge_or_evolve_review":
		return "event"
	}
	return taskType
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
