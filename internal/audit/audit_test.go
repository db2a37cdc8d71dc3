package audit

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/basket/newsgraph/internal/bus"
	"github.com/basket/newsgraph/internal/shared"
)

var auditTime = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func TestRecordWritesAuditEntry(t *testing.T) {
	home := t.TempDir()
	l, err := Open(home, shared.NewFixedClock(auditTime))
	if err != nil {
		t.Fatalf("open audit: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })

	l.Record("graph.entity.merged", "ent-a -> ent-b", map[string]string{"decision_hash": "h1"})
	l.Record("review.decision.recorded", "task-1", nil)

	entries, err := ReadAll(home)
	if err != nil {
		t.Fatalf("read audit: %v", err)
	}
	if len(entries) != 2 || l.Count() != 2 {
		t.Fatalf("entries = %d count = %d", len(entries), l.Count())
	}
	first := entries[0]
	if first["action"] != "graph.entity.merged" || first["subject"] != "ent-a -> ent-b" {
		t.Fatalf("first entry = %#v", first)
	}
	if first["timestamp"] != "2025-03-01T12:00:00Z" {
		t.Fatalf("timestamp = %v", first["timestamp"])
	}
	if _, ok := entries[1]["detail"]; ok {
		t.Fatalf("nil detail should be omitted: %#v", entries[1])
	}
}

func TestAuditAppendOnly(t *testing.T) {
	home := t.TempDir()
	for i := 0; i < 2; i++ {
		l, err := Open(home, nil)
		if err != nil {
			t.Fatalf("open audit: %v", err)
		}
		l.Record("graph.ingest.batch", "run", nil)
		if err := l.Close(); err != nil {
			t.Fatalf("close: %v", err)
		}
	}
	entries, err := ReadAll(home)
	if err != nil {
		t.Fatalf("read audit: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("reopening must append, got %d entries", len(entries))
	}
}

func TestAuditRedactsSubject(t *testing.T) {
	home := t.TempDir()
	l, err := Open(home, nil)
	if err != nil {
		t.Fatalf("open audit: %v", err)
	}
	l.Record("llm.breaker.state_changed", "api_key=sk-abcdefghijklmnopqrstuvwxyz123456", nil)
	_ = l.Close()

	raw, err := os.ReadFile(Path(home))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if strings.Contains(string(raw), "sk-abcdefghijklmnopqrstuvwxyz123456") {
		t.Fatalf("secret leaked into audit log: %s", raw)
	}
}

func TestFollowRecordsGraphEventsOnly(t *testing.T) {
	home := t.TempDir()
	b := bus.New()
	l, err := Open(home, nil)
	if err != nil {
		t.Fatalf("open audit: %v", err)
	}
	l.Follow(b)

	b.Publish(bus.TopicReviewEnqueued, bus.TaskEnqueuedEvent{TaskID: "t1"})
	b.Publish(bus.TopicReviewDecision, bus.DecisionRecordedEvent{TaskID: "t1", Verdict: "merge"})
	b.Publish(bus.TopicApplyEntityMerge, bus.MergeAppliedEvent{FromID: "e2", ToID: "e1"})
	b.Publish(bus.TopicApplyEventEdge, bus.EdgeUpsertedEvent{FromEventID: "v1", ToEventID: "v2", EdgeType: "follows"})
	b.Publish(bus.TopicSnapshotWritten, bus.SnapshotWrittenEvent{GraphType: "GE"})

	// Close drains everything already published.
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	entries, err := ReadAll(home)
	if err != nil {
		t.Fatalf("read audit: %v", err)
	}
	var subjects []string
	for _, e := range entries {
		subjects = append(subjects, e["subject"].(string))
	}
	want := []string{"t1", "e2 -> e1", "v1 -follows-> v2"}
	if strings.Join(subjects, "|") != strings.Join(want, "|") {
		t.Fatalf("subjects = %v, want %v", subjects, want)
	}
	if b.SubscriberCount() != 0 {
		t.Fatalf("subscription not released")
	}
}
