package review_test

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/newsgraph/internal/adjudicator"
	"github.com/basket/newsgraph/internal/candidates"
	"github.com/basket/newsgraph/internal/export"
	"github.com/basket/newsgraph/internal/llm"
	"github.com/basket/newsgraph/internal/persistence"
	"github.com/basket/newsgraph/internal/review"
	"github.com/basket/newsgraph/internal/shared"
	"github.com/basket/newsgraph/internal/snapshot"
)

var baseTime = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func tp(t time.Time) *time.Time { return &t }

type fakeCompleter struct {
	content string
}

func (f fakeCompleter) Complete(_ context.Context, _ llm.Request) (llm.Response, error) {
	return llm.Response{Content: f.content, Model: "fake-model", Provider: "fake"}, nil
}

func newService(t *testing.T, content string) (*review.Service, *persistence.Store, string) {
	t.Helper()
	clock := shared.NewFixedClock(baseTime)
	store, err := persistence.Open(filepath.Join(t.TempDir(), "newsgraph.db"), nil, persistence.WithClock(clock))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	dir := t.TempDir()
	svc := review.New(review.Config{
		Store:       store,
		Adjudicator: adjudicator.New(adjudicator.Config{Completer: fakeCompleter{content: content}}),
		Exporter:    export.New(store, dir, nil),
		Projector:   snapshot.New(snapshot.Config{Store: store, Clock: clock}),
		SnapshotDir: filepath.Join(dir, "snapshots"),
		Workers:     2,
	})
	return svc, store, dir
}

func TestReviewEntityMergesEndToEnd(t *testing.T) {
	svc, store, _ := newService(t, `{"verdict":"merge","canonical_name":"Apple Inc.","confidence":0.95}`)
	ctx := context.Background()
	for _, n := range []string{"Apple Inc", "Apple Inc.", "Samsung"} {
		if _, err := store.UpsertEntity(ctx, persistence.EntityCanonical{Name: n, Sources: []string{"wire"}}); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}

	p := review.DefaultEndToEndParams()
	p.RatePerSec = 0
	res, err := svc.ReviewEntityMergesEndToEnd(ctx, p)
	if err != nil {
		t.Fatalf("end to end: %v", err)
	}
	if res.Candidates.Enqueued != 1 || res.Review.Done != 1 || res.Applied.Applied != 1 {
		t.Fatalf("result = %+v", res)
	}
	if _, err := store.GetEntity(ctx, shared.EntityID("Apple Inc")); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("merged entity should be gone: %v", err)
	}

	again, err := svc.ReviewEntityMergesEndToEnd(ctx, p)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if again.Candidates.Enqueued != 0 || again.Review.Done != 0 || again.Applied.Applied != 0 {
		t.Fatalf("second run should be a no-op: %+v", again)
	}
}

func TestFailedTasksAndReplay(t *testing.T) {
	svc, store, _ := newService(t, "no verdict here")
	ctx := context.Background()
	for _, n := range []string{"Acme", "Acme."} {
		if _, err := store.UpsertEntity(ctx, persistence.EntityCanonical{Name: n}); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}
	if _, err := svc.EnqueueEntityCandidates(ctx, candidates.DefaultEntityParams()); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	res, err := svc.RunReviewWorker(ctx, persistence.TaskEntityMerge, 5, 0)
	if err != nil {
		t.Fatalf("worker: %v", err)
	}
	if res.Failed != 1 {
		t.Fatalf("result = %+v", res)
	}

	failed, err := svc.FailedTasks(ctx, "", 10)
	if err != nil || len(failed) != 1 {
		t.Fatalf("failed tasks = %+v %v", failed, err)
	}
	if !strings.Contains(failed[0].Error, "parse verdict") {
		t.Fatalf("error summary = %q", failed[0].Error)
	}

	if err := svc.ReplayFailed(ctx, failed[0].TaskID); err != nil {
		t.Fatalf("replay: %v", err)
	}
	stats, err := svc.QueueStats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.StatusCounts["pending"] != 1 || stats.StatusCounts["failed"] != 0 {
		t.Fatalf("status counts = %v", stats.StatusCounts)
	}
	if err := svc.ReplayFailed(ctx, failed[0].TaskID); !errors.Is(err, persistence.ErrInvalidTransition) {
		t.Fatalf("replaying a pending task should be rejected: %v", err)
	}
}

func TestEventEvolutionFlow(t *testing.T) {
	svc, store, _ := newService(t, `{"verdict":"evolve","edge_type":"escalates","confidence":0.7}`)
	ctx := context.Background()
	for i, abs := range []string{"Union threatens strike", "Union begins strike"} {
		if _, err := store.UpsertEvent(ctx, persistence.EventCanonical{
			Abstract:  abs,
			StartTime: tp(baseTime.Add(time.Duration(i) * 48 * time.Hour)),
			Entities:  []string{"Union", "Ministry"},
		}); err != nil {
			t.Fatalf("upsert event: %v", err)
		}
	}
	sum, err := svc.EnqueueEventCandidates(ctx, candidates.DefaultEventParams())
	if err != nil || sum.Enqueued != 1 {
		t.Fatalf("enqueue events = %+v %v", sum, err)
	}
	if res, err := svc.RunReviewWorker(ctx, persistence.TaskEventMerge, 5, 0); err != nil || res.Done != 1 {
		t.Fatalf("worker = %+v %v", res, err)
	}
	applied, err := svc.ApplyEventDecisions(ctx, 10)
	if err != nil || applied.EdgesAdded != 1 {
		t.Fatalf("apply = %+v %v", applied, err)
	}

	stats, err := svc.EventEvolutionStats(ctx)
	if err != nil {
		t.Fatalf("evolution stats: %v", err)
	}
	if stats.EventEdges != 1 || stats.EventReviewDecisions != 1 || stats.Tasks["done"] != 1 {
		t.Fatalf("stats = %+v", stats)
	}

	paths, err := svc.WriteSnapshots(ctx)
	if err != nil {
		t.Fatalf("write snapshots: %v", err)
	}
	evo, err := snapshot.Read(paths[snapshot.GraphEventEvo])
	if err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if evo.Meta.EdgeCount != 1 || evo.Edges[0].Title != "escalates" {
		t.Fatalf("event evolution snapshot = %+v", evo)
	}
}

func TestRunReviewWorker_RejectsUnknownType(t *testing.T) {
	svc, _, _ := newService(t, "{}")
	if _, err := svc.RunReviewWorker(context.Background(), "bogus", 1, 0); err == nil {
		t.Fatal("expected error for unknown task type")
	}
}
