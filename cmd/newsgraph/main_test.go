package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/basket/newsgraph/internal/audit"
	"github.com/basket/newsgraph/internal/persistence"
	"github.com/basket/newsgraph/internal/snapshot"
)

// setTestHome points config loading at a fresh home with an optional
// config.yaml body.
func setTestHome(t *testing.T, configYAML string) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("NEWSGRAPH_HOME", home)
	if configYAML != "" {
		if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(configYAML), 0o644); err != nil {
			t.Fatalf("write config: %v", err)
		}
	}
	return home
}

const sampleDocs = `{"id":"d1","source":"wire","title":"Apple opens plant","content":"Apple Inc announced a new plant in Texas.","reported_at":"2025-03-01","entities":[{"name":"Apple Inc"}],"events":[{"abstract":"Apple opens Texas plant","event_start_time":"2025-03-01","entities":["Apple Inc","Texas"]}]}
{"id":"d2","source":"daily","title":"Plant opening","content":"Apple Inc. confirmed the factory will employ 500 workers in Austin.","reported_at":"2025-03-02","entities":[{"name":"Apple Inc."}],"events":[{"abstract":"Apple confirms Austin factory","event_start_time":"2025-03-02","entities":["Apple Inc.","Texas"]}]}
`

func openHomeStore(t *testing.T, home string) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(home, "newsgraph.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestDispatch_UnknownCommand(t *testing.T) {
	if code := dispatch(context.Background(), []string{"frobnicate"}); code != 2 {
		t.Fatalf("got exit code %d, want 2", code)
	}
}

func TestDispatch_UsageErrors(t *testing.T) {
	setTestHome(t, "")
	cases := [][]string{
		{"ingest"},
		{"candidates"},
		{"candidates", "people"},
		{"review"},
		{"review", "explode"},
		{"review", "run", "-type", "bogus"},
		{"review", "replay"},
		{"apply", "relations"},
		{"snapshot", "-type", "NOPE"},
		{"export", "extra"},
		{"backup"},
		{"doctor", "-verbose"},
	}
	for _, args := range cases {
		if code := dispatch(context.Background(), args); code != 2 {
			t.Errorf("%v: got exit code %d, want 2", args, code)
		}
	}
}

func TestParseTaskType(t *testing.T) {
	cases := map[string]persistence.TaskType{
		"entity":                       persistence.TaskEntityMerge,
		"events":                       persistence.TaskEventMerge,
		"entity_merge_review":          persistence.TaskEntityMerge,
		"event_merge_or_evolve_review": persistence.TaskEventMerge,
	}
	for in, want := range cases {
		got, err := parseTaskType(in)
		if err != nil || got != want {
			t.Errorf("parseTaskType(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	if _, err := parseTaskType("relation"); err == nil {
		t.Fatal("expected error for unknown type")
	}
}

func TestPipelineCommands(t *testing.T) {
	home := setTestHome(t, "")
	ctx := context.Background()

	docsPath := filepath.Join(t.TempDir(), "docs.jsonl")
	if err := os.WriteFile(docsPath, []byte(sampleDocs), 0o644); err != nil {
		t.Fatal(err)
	}

	steps := [][]string{
		{"ingest", docsPath},
		{"candidates", "entities"},
		{"candidates", "events", "-max", "10"},
		{"review", "stats"},
		{"review", "failed", "-type", "entity"},
		{"review", "requeue", "-minutes", "5"},
		{"apply", "entities"},
		{"apply", "events", "-max", "5"},
		{"export"},
		{"snapshot"},
		{"snapshot", "-type", "GE"},
		{"top", "-once"},
	}
	for _, args := range steps {
		if code := dispatch(ctx, args); code != 0 {
			t.Fatalf("%v: got exit code %d, want 0", args, code)
		}
	}

	store := openHomeStore(t, home)
	stats, err := store.QueueStats(ctx)
	if err != nil {
		t.Fatalf("queue stats: %v", err)
	}
	if stats.ByType[string(persistence.TaskEntityMerge)]["pending"] == 0 {
		t.Fatalf("expected queued entity review, stats = %+v", stats)
	}

	for _, name := range []string{"entities.json", "abstract_to_event_map.json"} {
		if _, err := os.Stat(filepath.Join(home, "data", name)); err != nil {
			t.Errorf("export file %s: %v", name, err)
		}
	}
	entries, err := audit.ReadAll(home)
	if err != nil || len(entries) == 0 {
		t.Fatalf("ingest batch not audited: %v", err)
	}
	if entries[0]["action"] != "graph.ingest.batch" {
		t.Fatalf("first audit entry = %#v", entries[0])
	}

	backupPath := filepath.Join(t.TempDir(), "copy.db")
	if code := dispatch(ctx, []string{"backup", backupPath}); code != 0 {
		t.Fatalf("backup: got exit code %d, want 0", code)
	}
	if code := dispatch(ctx, []string{"backup", backupPath}); code != 1 {
		t.Fatalf("backup over an existing file: got exit code %d, want 1", code)
	}
	copied, err := persistence.Open(backupPath, nil)
	if err != nil {
		t.Fatalf("open backup: %v", err)
	}
	copiedStats, err := copied.QueueStats(ctx)
	_ = copied.Close()
	if err != nil || copiedStats.ByType[string(persistence.TaskEntityMerge)]["pending"] == 0 {
		t.Fatalf("backup is missing queued reviews: %+v %v", copiedStats, err)
	}

	snap, err := snapshot.Read(filepath.Join(home, "data", "snapshots", "GE.json"))
	if err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if snap.Meta.NodeCount == 0 {
		t.Fatalf("GE snapshot has no nodes: %+v", snap.Meta)
	}
}

func TestReviewReplay_UnknownTask(t *testing.T) {
	setTestHome(t, "")
	if code := dispatch(context.Background(), []string{"review", "replay", "missing-task"}); code != 1 {
		t.Fatalf("got exit code %d, want 1", code)
	}
}

func TestReviewRun_NoProviders(t *testing.T) {
	setTestHome(t, "llm:\n  order: [unconfigured]\n")
	if code := dispatch(context.Background(), []string{"review", "run", "-max", "1"}); code != 1 {
		t.Fatalf("got exit code %d, want 1 without an adjudicator", code)
	}
}

func TestReviewBreakers_NoProviders(t *testing.T) {
	setTestHome(t, "llm:\n  order: [unconfigured]\n")
	if code := dispatch(context.Background(), []string{"review", "breakers", "-reset"}); code != 1 {
		t.Fatalf("got exit code %d, want 1 without providers", code)
	}
}

func TestRunStatusCommand_ExtraArgs(t *testing.T) {
	if code := runStatusCommand(context.Background(), []string{"extra"}); code != 2 {
		t.Fatalf("got exit code %d, want 2", code)
	}
}

func TestRunStatusCommand_HealthyServer(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/healthz" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}))
	defer ts.Close()

	setTestHome(t, "gateway:\n  bind_addr: "+ts.Listener.Addr().String()+"\n")
	if code := runStatusCommand(context.Background(), nil); code != 0 {
		t.Fatalf("got exit code %d, want 0", code)
	}
}

func TestRunStatusCommand_UnhealthyServer(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"unhealthy"}`))
	}))
	defer ts.Close()

	setTestHome(t, "gateway:\n  bind_addr: "+ts.Listener.Addr().String()+"\n")
	if code := runStatusCommand(context.Background(), nil); code != 1 {
		t.Fatalf("got exit code %d, want 1", code)
	}
}

func TestRunStatusCommand_ConnectionRefused(t *testing.T) {
	setTestHome(t, "gateway:\n  bind_addr: 127.0.0.1:1\n")
	if code := runStatusCommand(context.Background(), nil); code != 1 {
		t.Fatalf("got exit code %d, want 1 for connection refused", code)
	}
}

func TestHealthURL(t *testing.T) {
	cases := map[string]string{
		"":                     "http://127.0.0.1:18790/healthz",
		"0.0.0.0:9000":         "http://127.0.0.1:9000/healthz",
		":9000":                "http://127.0.0.1:9000/healthz",
		"[::1]:9000":           "http://[::1]:9000/healthz",
		"http://example.test/": "http://example.test/healthz",
		"https://example.test": "https://example.test/healthz",
	}
	for in, want := range cases {
		if got := healthURL(in); got != want {
			t.Errorf("healthURL(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestRunDoctorCommand_JSONOutput(t *testing.T) {
	setTestHome(t, "review:\n  workers: 2\n")
	// Provider and network checks depend on the environment; only the
	// JSON path is guaranteed to exit 0.
	if code := runDoctorCommand(context.Background(), []string{"-json"}); code != 0 {
		t.Fatalf("got exit code %d, want 0 for JSON output", code)
	}
}

func TestRunDoctorCommand_TextOutput(t *testing.T) {
	setTestHome(t, "review:\n  workers: 2\n")
	if code := runDoctorCommand(context.Background(), nil); code == 2 {
		t.Fatalf("unexpected exit code 2 (parse error)")
	}
}
