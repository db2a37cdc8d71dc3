package engine_test

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/basket/newsgraph/internal/adjudicator"
	"github.com/basket/newsgraph/internal/candidates"
	"github.com/basket/newsgraph/internal/engine"
	"github.com/basket/newsgraph/internal/llm"
	"github.com/basket/newsgraph/internal/persistence"
	"github.com/basket/newsgraph/internal/ratelimit"
	"github.com/basket/newsgraph/internal/shared"
)

var baseTime = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func openStoreForEngineTest(t *testing.T) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "newsgraph.db"), nil,
		persistence.WithClock(shared.NewFixedClock(baseTime)))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

type fakeCompleter struct {
	content string
	calls   atomic.Int32
}

func (f *fakeCompleter) Complete(_ context.Context, _ llm.Request) (llm.Response, error) {
	f.calls.Add(1)
	return llm.Response{Content: f.content, Model: "fake-model", Provider: "fake"}, nil
}

func enqueueEntities(t *testing.T, store *persistence.Store, pairs ...[2]string) []string {
	t.Helper()
	var ids []string
	for i, p := range pairs {
		id, created, err := store.Enqueue(context.Background(), persistence.TaskEntityMerge,
			candidates.EntityPayload{EntityA: p[0], EntityB: p[1], Similarity: 0.95, CandidateReason: "test"}, 100-i)
		if err != nil || !created {
			t.Fatalf("enqueue %v: %v created=%v", p, err, created)
		}
		ids = append(ids, id)
	}
	return ids
}

func newReviewEngine(store *persistence.Store, content string, workers int) (*engine.Engine, *fakeCompleter) {
	fc := &fakeCompleter{content: content}
	proc := &engine.ReviewProcessor{
		Store:       store,
		Adjudicator: adjudicator.New(adjudicator.Config{Completer: fc}),
	}
	return engine.New(store, proc, engine.Config{
		WorkerCount:  workers,
		PollInterval: 5 * time.Millisecond,
		TaskTimeout:  2 * time.Second,
		TaskType:     persistence.TaskEntityMerge,
	}), fc
}

func TestRunBatch_StoresDecisionAndCompletes(t *testing.T) {
	store := openStoreForEngineTest(t)
	ctx := context.Background()
	for _, n := range []string{"Apple Inc", "Apple Inc."} {
		if _, err := store.UpsertEntity(ctx, persistence.EntityCanonical{Name: n, Sources: []string{"wire"}}); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}
	ids := enqueueEntities(t, store, [2]string{"Apple Inc", "Apple Inc."})

	eng, fc := newReviewEngine(store, `{"verdict":"merge","canonical_name":"Apple Inc.","confidence":0.91}`, 2)
	res, err := eng.RunBatch(ctx, 10)
	if err != nil {
		t.Fatalf("run batch: %v", err)
	}
	if res.Done != 1 || res.Failed != 0 || fc.calls.Load() != 1 {
		t.Fatalf("result = %+v calls=%d", res, fc.calls.Load())
	}
	task, err := store.GetTask(ctx, ids[0])
	if err != nil || task.Status != persistence.TaskDone {
		t.Fatalf("task = %+v %v", task, err)
	}
	d, err := store.LatestDecision(ctx, persistence.TaskEntityMerge, task.InputHash)
	if err != nil || d == nil {
		t.Fatalf("decision missing: %v", err)
	}
	if d.Model != "fake-model" || d.PromptVersion != adjudicator.PromptVersion {
		t.Fatalf("decision provenance = %+v", d)
	}
	var out map[string]any
	if err := json.Unmarshal(d.Output, &out); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if out["verdict"] != "merge" || out["merge"] != true || out["canonical_name"] != "Apple Inc." {
		t.Fatalf("output = %v", out)
	}
	if st := eng.Status(); st.Done != 1 || st.ActiveTasks != 0 {
		t.Fatalf("status = %+v", st)
	}
}

func TestRunBatch_ParseFailureKeepsRawOutput(t *testing.T) {
	store := openStoreForEngineTest(t)
	ctx := context.Background()
	ids := enqueueEntities(t, store, [2]string{"Acme", "Acme Corp"})

	raw := "I am not sure these are the same company."
	eng, _ := newReviewEngine(store, raw, 1)
	res, err := eng.RunBatch(ctx, 5)
	if err != nil {
		t.Fatalf("run batch: %v", err)
	}
	if res.Done != 0 || res.Failed != 1 {
		t.Fatalf("result = %+v", res)
	}
	task, err := store.GetTask(ctx, ids[0])
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != persistence.TaskFailed || task.Output != raw || !strings.Contains(task.Error, "parse verdict") {
		t.Fatalf("failed task = %+v", task)
	}
	if d, _ := store.LatestDecision(ctx, persistence.TaskEntityMerge, task.InputHash); d != nil {
		t.Fatalf("no decision should be stored on parse failure: %+v", d)
	}
	if st := eng.Status(); st.LastError == "" {
		t.Fatalf("last error not recorded: %+v", st)
	}
}

func TestRunBatch_RespectsBudget(t *testing.T) {
	store := openStoreForEngineTest(t)
	ctx := context.Background()
	enqueueEntities(t, store,
		[2]string{"A1", "A2"}, [2]string{"B1", "B2"}, [2]string{"C1", "C2"},
		[2]string{"D1", "D2"}, [2]string{"E1", "E2"})

	eng, _ := newReviewEngine(store, `{"verdict":"separate","confidence":0.9}`, 3)
	res, err := eng.RunBatch(ctx, 2)
	if err != nil {
		t.Fatalf("run batch: %v", err)
	}
	if res.Done != 2 {
		t.Fatalf("result = %+v", res)
	}
	stats, err := store.QueueStats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.StatusCounts["pending"] != 3 || stats.StatusCounts["done"] != 2 {
		t.Fatalf("status counts = %v", stats.StatusCounts)
	}
}

func TestReviewProcessor_WaitsOnLimiter(t *testing.T) {
	store := openStoreForEngineTest(t)
	enqueueEntities(t, store, [2]string{"X1", "X2"})

	limiter := ratelimit.NewTokenBucket(0.001, 1)
	limiter.Allow() // drain the only token
	proc := &engine.ReviewProcessor{
		Store:       store,
		Adjudicator: adjudicator.New(adjudicator.Config{Completer: &fakeCompleter{content: `{"verdict":"merge","confidence":0.9}`}}),
		Limiter:     limiter,
	}
	eng := engine.New(store, proc, engine.Config{WorkerCount: 1, TaskTimeout: 50 * time.Millisecond})
	res, err := eng.RunBatch(context.Background(), 1)
	if err != nil {
		t.Fatalf("run batch: %v", err)
	}
	if res.Failed != 1 {
		t.Fatalf("limited task should time out, got %+v", res)
	}
}

type panickyProcessor struct {
	store *persistence.Store
}

func (p panickyProcessor) Process(ctx context.Context, task persistence.ReviewTask) error {
	var payload candidates.EntityPayload
	_ = json.Unmarshal(task.Payload, &payload)
	if payload.EntityA == "boom" {
		panic("bad record")
	}
	return p.store.Complete(ctx, task.TaskID, persistence.TaskDone, `{}`, "")
}

func TestEngine_PanicFailsOnlyThatTask(t *testing.T) {
	store := openStoreForEngineTest(t)
	ctx := context.Background()
	ids := enqueueEntities(t, store, [2]string{"boom", "crash"}, [2]string{"fine", "ok"})

	eng := engine.New(store, panickyProcessor{store: store}, engine.Config{WorkerCount: 1})
	res, err := eng.RunBatch(ctx, 10)
	if err != nil {
		t.Fatalf("run batch: %v", err)
	}
	if res.Done != 1 || res.Failed != 1 {
		t.Fatalf("result = %+v", res)
	}
	bad, _ := store.GetTask(ctx, ids[0])
	good, _ := store.GetTask(ctx, ids[1])
	if bad.Status != persistence.TaskFailed || !strings.Contains(bad.Error, "panic") {
		t.Fatalf("panicking task = %+v", bad)
	}
	if good.Status != persistence.TaskDone {
		t.Fatalf("other task = %+v", good)
	}
}

type countingProcessor struct {
	store       *persistence.Store
	sleep       time.Duration
	active      atomic.Int32
	maxObserved atomic.Int32
}

func (p *countingProcessor) Process(ctx context.Context, task persistence.ReviewTask) error {
	cur := p.active.Add(1)
	defer p.active.Add(-1)

	for {
		prev := p.maxObserved.Load()
		if cur <= prev || p.maxObserved.CompareAndSwap(prev, cur) {
			break
		}
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(p.sleep):
		return p.store.Complete(ctx, task.TaskID, persistence.TaskDone, `{}`, "")
	}
}

func TestEngine_BoundedConcurrency(t *testing.T) {
	store := openStoreForEngineTest(t)
	var pairs [][2]string
	for i := 0; i < 12; i++ {
		pairs = append(pairs, [2]string{"left" + string(rune('a'+i)), "right" + string(rune('a'+i))})
	}
	enqueueEntities(t, store, pairs...)

	proc := &countingProcessor{store: store, sleep: 30 * time.Millisecond}
	eng := engine.New(store, proc, engine.Config{
		WorkerCount:  2,
		PollInterval: 5 * time.Millisecond,
		TaskTimeout:  2 * time.Second,
	})

	runCtx, cancel := context.WithCancel(context.Background())
	eng.Start(runCtx)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		stats, err := store.QueueStats(context.Background())
		if err != nil {
			t.Fatalf("queue stats: %v", err)
		}
		if stats.StatusCounts["done"] == len(pairs) {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	cancel()
	eng.Wait()

	if got := proc.maxObserved.Load(); got > 2 {
		t.Fatalf("max concurrent workers exceeded limit: got %d want <= 2", got)
	}
	if st := eng.Status(); st.Done != int64(len(pairs)) {
		t.Fatalf("status = %+v", st)
	}
}

// blockingProcessor holds every task until its context ends.
type blockingProcessor struct {
	started chan string
}

func (b *blockingProcessor) Process(ctx context.Context, task persistence.ReviewTask) error {
	b.started <- task.TaskID
	<-ctx.Done()
	return ctx.Err()
}

func TestEngine_ShutdownRequeuesInFlight(t *testing.T) {
	store := openStoreForEngineTest(t)
	ids := enqueueEntities(t, store, [2]string{"Acme", "Acme Corp"})

	proc := &blockingProcessor{started: make(chan string, 1)}
	eng := engine.New(store, proc, engine.Config{
		WorkerCount:  1,
		PollInterval: 5 * time.Millisecond,
		TaskTimeout:  time.Minute,
		TaskType:     persistence.TaskEntityMerge,
	})
	ctx, stop := context.WithCancel(context.Background())
	eng.Start(ctx)

	select {
	case id := <-proc.started:
		if id != ids[0] {
			t.Fatalf("claimed %s, want %s", id, ids[0])
		}
	case <-time.After(2 * time.Second):
		stop()
		t.Fatal("task was never claimed")
	}

	// Same order as serve: cancel, then drain.
	stop()
	eng.Drain(2 * time.Second)

	task, err := store.GetTask(context.Background(), ids[0])
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != persistence.TaskPending {
		t.Fatalf("interrupted task status = %s (error %q), want pending", task.Status, task.Error)
	}
	if st := eng.Status(); st.Failed != 0 {
		t.Fatalf("shutdown must not count as failure: %+v", st)
	}
	again, err := store.ClaimNext(context.Background(), persistence.TaskEntityMerge)
	if err != nil || again == nil || again.TaskID != ids[0] {
		t.Fatalf("released task should be claimable again: %+v %v", again, err)
	}
}
