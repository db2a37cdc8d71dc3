package tui

import (
	"strings"
	"testing"
	"time"

	"github.com/basket/newsgraph/internal/bus"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func stateEvent(id, status string) bus.Event {
	return bus.Event{
		Topic:   bus.TopicReviewStateChanged,
		Payload: bus.TaskStateChangedEvent{TaskID: id, TaskType: "entity_merge_review", NewStatus: status},
	}
}

func TestActivityFeed_MaxItems(t *testing.T) {
	f := NewActivityFeed()
	f.maxItems = 3
	for i := 0; i < 5; i++ {
		f.Add(ActivityItem{ID: string(rune('a' + i)), StartedAt: t0})
	}
	if f.Len() != 3 {
		t.Fatalf("expected 3, got %d", f.Len())
	}
}

func TestActivityFeed_ObserveLifecycle(t *testing.T) {
	f := NewActivityFeed()
	if !f.Observe(stateEvent("task-0001-abcdef", "running"), t0) {
		t.Fatal("running transition should be observed")
	}
	if !f.HasActive() {
		t.Fatal("should have active")
	}
	f.Observe(stateEvent("task-0001-abcdef", "done"), t0.Add(1500*time.Millisecond))
	if f.HasActive() {
		t.Fatal("should have no active")
	}
	view := f.View(t0.Add(2 * time.Second))
	if !strings.Contains(view, "✅ entity task-000") || !strings.Contains(view, "(1.5s)") {
		t.Fatalf("view = %q", view)
	}
}

func TestActivityFeed_RerunReplacesItem(t *testing.T) {
	f := NewActivityFeed()
	f.Observe(stateEvent("t1", "running"), t0)
	f.Observe(stateEvent("t1", "failed"), t0.Add(time.Second))
	f.Observe(stateEvent("t1", "running"), t0.Add(2*time.Second))
	if f.Len() != 1 || !f.HasActive() {
		t.Fatalf("replayed task should be one active item, len=%d", f.Len())
	}
}

func TestActivityFeed_IgnoresOtherPayloads(t *testing.T) {
	f := NewActivityFeed()
	if f.Observe(bus.Event{Topic: bus.TopicSnapshotWritten, Payload: bus.SnapshotWrittenEvent{GraphType: "GE"}}, t0) {
		t.Fatal("snapshot events are not activity")
	}
	if f.Len() != 0 {
		t.Fatal("feed should be empty")
	}
}

func TestActivityFeed_CleanupOld(t *testing.T) {
	f := NewActivityFeed()
	done := t0.Add(10 * time.Second)
	f.Add(ActivityItem{ID: "old", StartedAt: t0, DoneAt: &done})
	f.Add(ActivityItem{ID: "active", StartedAt: t0})
	removed := f.CleanupOld(t0.Add(2*time.Minute), 30*time.Second)
	if removed != 1 || f.Len() != 1 {
		t.Fatalf("removed %d, len %d", removed, f.Len())
	}
}

func TestActivityFeed_CollapsedView(t *testing.T) {
	f := NewActivityFeed()
	f.Add(ActivityItem{ID: "x", Icon: "⏳", Message: "entity x", StartedAt: t0})
	f.Toggle()
	if view := f.View(t0); !strings.Contains(view, "1 tasks in flight") {
		t.Fatalf("collapsed view = %q", view)
	}
}
