package gateway_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/newsgraph/internal/adjudicator"
	"github.com/basket/newsgraph/internal/bus"
	"github.com/basket/newsgraph/internal/candidates"
	"github.com/basket/newsgraph/internal/gateway"
	"github.com/basket/newsgraph/internal/llm"
	"github.com/basket/newsgraph/internal/persistence"
	"github.com/basket/newsgraph/internal/review"
	"github.com/basket/newsgraph/internal/shared"
	"github.com/basket/newsgraph/internal/snapshot"
)

const (
	gatewayTestAuthToken = "test-token"
	gatewayTestSecret    = "test-jwt-secret"
)

var baseTime = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeCompleter struct {
	content string
}

func (f fakeCompleter) Complete(_ context.Context, _ llm.Request) (llm.Response, error) {
	return llm.Response{Content: f.content, Model: "fake-model", Provider: "fake"}, nil
}

type fixture struct {
	ts    *httptest.Server
	store *persistence.Store
	svc   *review.Service
	bus   *bus.Bus
}

func newFixture(t *testing.T, verdict string, opts ...func(*gateway.Config)) *fixture {
	t.Helper()
	clock := shared.NewFixedClock(baseTime)
	b := bus.New()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "newsgraph.db"), b, persistence.WithClock(clock))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	svc := review.New(review.Config{
		Store:       store,
		Adjudicator: adjudicator.New(adjudicator.Config{Completer: fakeCompleter{content: verdict}}),
		Projector:   snapshot.New(snapshot.Config{Store: store, Clock: clock}),
		Workers:     1,
		Bus:         b,
	})
	cfg := gateway.Config{
		Review:            svc,
		Bus:               b,
		AuthToken:         gatewayTestAuthToken,
		JWTSecret:         gatewayTestSecret,
		EntityParams:      candidates.DefaultEntityParams(),
		EventParams:       candidates.DefaultEventParams(),
		ConfigFingerprint: "cfg-test",
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	ts := httptest.NewServer(gateway.New(cfg).Handler())
	t.Cleanup(ts.Close)
	return &fixture{ts: ts, store: store, svc: svc, bus: b}
}

func (f *fixture) seedEntities(t *testing.T, names ...string) {
	t.Helper()
	for _, n := range names {
		if _, err := f.store.UpsertEntity(context.Background(), persistence.EntityCanonical{Name: n, Sources: []string{"wire"}}); err != nil {
			t.Fatalf("upsert %s: %v", n, err)
		}
	}
}

func (f *fixture) do(t *testing.T, method, path, token, body string) (int, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, f.ts.URL+path, rd)
	if err != nil {
		t.Fatalf("new request %s: %v", path, err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	var out map[string]any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			t.Fatalf("decode %s: %v (%s)", path, err, raw)
		}
	}
	return resp.StatusCode, out
}

func TestHealthz_Unauthenticated(t *testing.T) {
	f := newFixture(t, `{"verdict":"separate","confidence":0.9}`)
	code, body := f.do(t, http.MethodGet, "/healthz", "", "")
	if code != http.StatusOK || body["healthy"] != true || body["config_fingerprint"] != "cfg-test" {
		t.Fatalf("healthz = %d %v", code, body)
	}
}

func TestAuth_TokenAndJWT(t *testing.T) {
	f := newFixture(t, `{"verdict":"separate","confidence":0.9}`)

	if code, _ := f.do(t, http.MethodGet, "/api/stats", "", ""); code != http.StatusUnauthorized {
		t.Fatalf("missing token = %d", code)
	}
	if code, _ := f.do(t, http.MethodGet, "/api/stats", "wrong", ""); code != http.StatusUnauthorized {
		t.Fatalf("wrong token = %d", code)
	}
	if code, _ := f.do(t, http.MethodGet, "/api/stats", gatewayTestAuthToken, ""); code != http.StatusOK {
		t.Fatalf("static token = %d", code)
	}

	jwtTok, err := gateway.IssueToken(gatewayTestSecret, "dashboard", time.Hour, time.Now())
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	if code, _ := f.do(t, http.MethodGet, "/api/stats", jwtTok, ""); code != http.StatusOK {
		t.Fatalf("jwt = %d", code)
	}

	expired, err := gateway.IssueToken(gatewayTestSecret, "dashboard", time.Minute, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	if code, _ := f.do(t, http.MethodGet, "/api/stats", expired, ""); code != http.StatusUnauthorized {
		t.Fatalf("expired jwt = %d", code)
	}

	forged, err := gateway.IssueToken("other-secret", "dashboard", time.Hour, time.Now())
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	if code, _ := f.do(t, http.MethodGet, "/api/stats", forged, ""); code != http.StatusUnauthorized {
		t.Fatalf("forged jwt = %d", code)
	}
}

func TestCandidatesStatsAndFailedReplay(t *testing.T) {
	f := newFixture(t, "not json at all")
	f.seedEntities(t, "Acme", "Acme.")

	code, body := f.do(t, http.MethodPost, "/api/candidates/entities", gatewayTestAuthToken, "")
	if code != http.StatusOK || body["enqueued"] != float64(1) {
		t.Fatalf("candidates = %d %v", code, body)
	}
	code, body = f.do(t, http.MethodGet, "/api/stats", gatewayTestAuthToken, "")
	if code != http.StatusOK {
		t.Fatalf("stats = %d", code)
	}
	queue := body["queue"].(map[string]any)
	if queue["status_counts"].(map[string]any)["pending"] != float64(1) {
		t.Fatalf("queue = %v", queue)
	}

	if _, err := f.svc.RunReviewWorker(context.Background(), persistence.TaskEntityMerge, 5, 0); err != nil {
		t.Fatalf("worker: %v", err)
	}
	code, body = f.do(t, http.MethodGet, "/api/tasks/failed?type=entity_merge_review", gatewayTestAuthToken, "")
	if code != http.StatusOK || body["count"] != float64(1) {
		t.Fatalf("failed = %d %v", code, body)
	}
	taskID := body["tasks"].([]any)[0].(map[string]any)["task_id"].(string)

	replay := `{"task_id":"` + taskID + `"}`
	if code, body = f.do(t, http.MethodPost, "/api/tasks/replay", gatewayTestAuthToken, replay); code != http.StatusOK {
		t.Fatalf("replay = %d %v", code, body)
	}
	if code, _ = f.do(t, http.MethodPost, "/api/tasks/replay", gatewayTestAuthToken, replay); code != http.StatusConflict {
		t.Fatalf("second replay = %d", code)
	}
	if code, _ = f.do(t, http.MethodPost, "/api/tasks/replay", gatewayTestAuthToken, `{"task_id":"missing"}`); code != http.StatusNotFound {
		t.Fatalf("unknown replay = %d", code)
	}
	if code, _ = f.do(t, http.MethodGet, "/api/tasks/failed?type=bogus", gatewayTestAuthToken, ""); code != http.StatusBadRequest {
		t.Fatalf("bad type = %d", code)
	}
}

func TestApplyAndRequeue(t *testing.T) {
	f := newFixture(t, `{"verdict":"merge","canonical_name":"Apple Inc.","confidence":0.95}`)
	f.seedEntities(t, "Apple Inc", "Apple Inc.")

	if code, _ := f.do(t, http.MethodPost, "/api/candidates/entities", gatewayTestAuthToken, `{"min_similarity":0.9}`); code != http.StatusOK {
		t.Fatalf("candidates = %d", code)
	}
	if _, err := f.svc.RunReviewWorker(context.Background(), persistence.TaskEntityMerge, 5, 0); err != nil {
		t.Fatalf("worker: %v", err)
	}
	code, body := f.do(t, http.MethodPost, "/api/apply/entities", gatewayTestAuthToken, `{"max_actions":10}`)
	if code != http.StatusOK || body["applied"] != float64(1) {
		t.Fatalf("apply = %d %v", code, body)
	}
	if code, _ = f.do(t, http.MethodPost, "/api/apply/entities", gatewayTestAuthToken, `{"max_actions":-1}`); code != http.StatusBadRequest {
		t.Fatalf("negative budget = %d", code)
	}
	if code, _ = f.do(t, http.MethodPost, "/api/apply/events", gatewayTestAuthToken, `{"bogus":1}`); code != http.StatusBadRequest {
		t.Fatalf("unknown field = %d", code)
	}
	code, body = f.do(t, http.MethodPost, "/api/requeue", gatewayTestAuthToken, "")
	if code != http.StatusOK || body["requeued"] != float64(0) {
		t.Fatalf("requeue = %d %v", code, body)
	}
	if code, _ = f.do(t, http.MethodGet, "/api/requeue", gatewayTestAuthToken, ""); code != http.StatusMethodNotAllowed {
		t.Fatalf("GET requeue = %d", code)
	}
}

func TestSnapshotEndpoint(t *testing.T) {
	f := newFixture(t, `{"verdict":"separate","confidence":0.9}`)
	f.seedEntities(t, "Alpha", "Beta")

	code, body := f.do(t, http.MethodGet, "/api/snapshots/GE", gatewayTestAuthToken, "")
	if code != http.StatusOK {
		t.Fatalf("snapshot = %d %v", code, body)
	}
	meta := body["meta"].(map[string]any)
	if meta["graph_type"] != "GE" || meta["schema_version"] != float64(snapshot.SchemaVersion) {
		t.Fatalf("meta = %v", meta)
	}
	if code, _ = f.do(t, http.MethodGet, "/api/snapshots/NOPE", gatewayTestAuthToken, ""); code != http.StatusNotFound {
		t.Fatalf("unknown type = %d", code)
	}
}

func TestRateLimit_PerClient(t *testing.T) {
	f := newFixture(t, `{"verdict":"separate","confidence":0.9}`, func(c *gateway.Config) {
		c.RatePerSecond = 0.001
		c.Burst = 2
	})
	for i := 0; i < 2; i++ {
		if code, _ := f.do(t, http.MethodGet, "/api/stats", gatewayTestAuthToken, ""); code != http.StatusOK {
			t.Fatalf("request %d = %d", i, code)
		}
	}
	if code, _ := f.do(t, http.MethodGet, "/api/stats", gatewayTestAuthToken, ""); code != http.StatusTooManyRequests {
		t.Fatalf("third request = %d", code)
	}
	// A different principal has its own bucket.
	jwtTok, err := gateway.IssueToken(gatewayTestSecret, "other", time.Hour, time.Now())
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if code, _ := f.do(t, http.MethodGet, "/api/stats", jwtTok, ""); code != http.StatusOK {
		t.Fatalf("other principal = %d", code)
	}
	// Health checks are never limited.
	if code, _ := f.do(t, http.MethodGet, "/healthz", "", ""); code != http.StatusOK {
		t.Fatalf("healthz = %d", code)
	}
}

func TestCORS_Preflight(t *testing.T) {
	f := newFixture(t, `{"verdict":"separate","confidence":0.9}`, func(c *gateway.Config) {
		c.AllowOrigins = []string{"http://dash.local"}
	})
	req, _ := http.NewRequest(http.MethodOptions, f.ts.URL+"/api/stats", nil)
	req.Header.Set("Origin", "http://dash.local")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("preflight: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent || resp.Header.Get("Access-Control-Allow-Origin") != "http://dash.local" {
		t.Fatalf("preflight = %d %v", resp.StatusCode, resp.Header)
	}
}

func TestWS_StreamsReviewEvents(t *testing.T) {
	f := newFixture(t, `{"verdict":"separate","confidence":0.9}`)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/ws"
	if _, _, err := websocket.Dial(ctx, wsURL, nil); err == nil {
		t.Fatalf("unauthenticated dial should fail")
	}
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + gatewayTestAuthToken}},
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	// The subscription is registered after the upgrade; publish until the
	// first event arrives.
	go func() {
		tick := time.NewTicker(20 * time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-tick.C:
				f.bus.Publish(bus.TopicApplyEventEdge, bus.EdgeUpsertedEvent{})
				f.bus.Publish(bus.TopicReviewEnqueued, bus.TaskEnqueuedEvent{TaskID: "t-ws", TaskType: string(persistence.TaskEntityMerge)})
			}
		}
	}()

	var ev struct {
		Topic   string         `json:"topic"`
		Payload map[string]any `json:"payload"`
	}
	if err := wsjson.Read(ctx, conn, &ev); err != nil {
		t.Fatalf("read: %v", err)
	}
	if ev.Topic != bus.TopicReviewEnqueued || ev.Payload["task_id"] != "t-ws" {
		t.Fatalf("event = %+v", ev)
	}
}
