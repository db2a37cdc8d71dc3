package snapshot_test

import (
	"context"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/basket/newsgraph/internal/bus"
	"github.com/basket/newsgraph/internal/persistence"
	"github.com/basket/newsgraph/internal/shared"
	"github.com/basket/newsgraph/internal/snapshot"
)

var baseTime = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func day(n int) time.Time { return baseTime.Add(time.Duration(n) * 24 * time.Hour) }

func tp(t time.Time) *time.Time { return &t }

// seedGraph builds three entities, three events, a few relations and one
// evolution edge.
func seedGraph(t *testing.T) (*persistence.Store, *shared.FixedClock) {
	t.Helper()
	ctx := context.Background()
	clock := shared.NewFixedClock(day(70))
	store, err := persistence.Open(filepath.Join(t.TempDir(), "newsgraph.db"), nil, persistence.WithClock(clock))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	ids := map[string]string{}
	for _, n := range []string{"Alpha", "Beta", "Gamma"} {
		e, err := store.UpsertEntity(ctx, persistence.EntityCanonical{Name: n, Sources: []string{"wire"}})
		if err != nil {
			t.Fatalf("upsert entity: %v", err)
		}
		ids[n] = e.EntityID
	}
	events := map[string]string{}
	for _, ev := range []struct {
		abstract string
		at       time.Time
	}{
		{"E1", day(0)},
		{"E2", day(1)},
		{"E3", day(60)},
	} {
		e, err := store.UpsertEvent(ctx, persistence.EventCanonical{
			Abstract:  ev.abstract,
			Summary:   ev.abstract + " summary",
			StartTime: tp(ev.at),
		})
		if err != nil {
			t.Fatalf("upsert event: %v", err)
		}
		events[ev.abstract] = e.EventID
	}
	for _, p := range []struct {
		event, entity string
		roles         []string
		at            time.Time
	}{
		{"E1", "Alpha", []string{"attacker"}, day(0)},
		{"E1", "Beta", []string{"target"}, day(0)},
		{"E2", "Alpha", []string{"actor"}, day(1)},
		{"E2", "Gamma", []string{"partner"}, day(1)},
		{"E3", "Beta", []string{"actor"}, day(60)},
	} {
		if err := store.AddParticipant(ctx, persistence.Participant{
			EventID: events[p.event], EntityID: ids[p.entity], Roles: p.roles, Time: p.at,
		}); err != nil {
			t.Fatalf("add participant: %v", err)
		}
	}
	for _, r := range []struct {
		subject, predicate, object string
		at                         time.Time
		evidence                   string
	}{
		{"Alpha", "partners", "Gamma", day(0), "memo"},
		{"Alpha", "partners", "Gamma", day(10), "press"},
		{"Alpha", "partners", "Gamma", day(100), "filing"},
		{"Alpha", "sues", "Beta", day(0), "court"},
	} {
		if _, err := store.AddRelation(ctx, persistence.RelationTriple{
			EventID: events["E1"], SubjectID: ids[r.subject], Predicate: r.predicate, ObjectID: ids[r.object],
			Time: r.at, Evidence: []string{r.evidence},
		}); err != nil {
			t.Fatalf("add relation: %v", err)
		}
	}
	if _, err := store.UpsertEventEdge(ctx, persistence.EventEdge{
		FromEventID: events["E1"], ToEventID: events["E2"], EdgeType: persistence.EdgeEscalates,
		Time: day(1), Confidence: 0.8, Evidence: []string{"follow-up report"},
	}); err != nil {
		t.Fatalf("add edge: %v", err)
	}
	return store, clock
}

func countEdges(s *snapshot.Snapshot, typ string) int {
	n := 0
	for _, e := range s.Edges {
		if e.Type == typ {
			n++
		}
	}
	return n
}

func findEdge(s *snapshot.Snapshot, from, to, typ string) (snapshot.Edge, bool) {
	for _, e := range s.Edges {
		if e.From == from && e.To == to && e.Type == typ {
			return e, true
		}
	}
	return snapshot.Edge{}, false
}

func TestBuildAll_ViewShapes(t *testing.T) {
	store, clock := seedGraph(t)
	p := snapshot.New(snapshot.Config{Store: store, Clock: clock})

	snaps, err := p.BuildAll(context.Background())
	if err != nil {
		t.Fatalf("build all: %v", err)
	}
	if len(snaps) != len(snapshot.AllGraphTypes) {
		t.Fatalf("expected %d snapshots, got %d", len(snapshot.AllGraphTypes), len(snaps))
	}
	byType := map[snapshot.GraphType]*snapshot.Snapshot{}
	for _, s := range snaps {
		byType[s.Meta.GraphType] = s
		if s.Meta.NodeCount != len(s.Nodes) || s.Meta.EdgeCount != len(s.Edges) {
			t.Fatalf("%s meta counts disagree with arrays: %+v", s.Meta.GraphType, s.Meta)
		}
		if s.Meta.SchemaVersion != snapshot.SchemaVersion || s.Meta.GeneratedAt != shared.FormatTime(day(70)) {
			t.Fatalf("%s meta = %+v", s.Meta.GraphType, s.Meta)
		}
	}

	ge := byType[snapshot.GraphGE]
	if len(ge.Nodes) != 6 || len(ge.Edges) != 5 {
		t.Fatalf("GE = %d nodes %d edges", len(ge.Nodes), len(ge.Edges))
	}
	if e, ok := findEdge(ge, "Beta", "EVT:E1", "involved_in"); !ok || e.Title != "target" {
		t.Fatalf("GE role title missing: %+v", e)
	}
	for _, n := range ge.Nodes {
		if n.ID == "EVT:E1" && (n.Label != "E1 summary" || n.Type != "event" || n.Time != shared.FormatTime(day(0))) {
			t.Fatalf("event node = %+v", n)
		}
	}

	get := byType[snapshot.GraphGET]
	if countEdges(get, "before") != 2 || countEdges(get, "involved_in") != 5 {
		t.Fatalf("GET edges = %+v", get.Edges)
	}
	if e, ok := findEdge(get, "EVT:E1", "EVT:E3", "before"); !ok || e.Time != shared.FormatTime(day(60)) {
		t.Fatalf("before edge should carry the later time: %+v", e)
	}

	ee := byType[snapshot.GraphEE]
	if len(ee.Edges) != 2 || len(ee.Nodes) != 3 {
		t.Fatalf("EE = %+v", ee)
	}
	rel, ok := findEdge(ee, "Alpha", "Gamma", "relation")
	if !ok || rel.Title != "partners" {
		t.Fatalf("EE relation = %+v", rel)
	}
	if rel.Attrs["time_first"] != shared.FormatTime(day(0)) || rel.Attrs["time_last"] != shared.FormatTime(day(100)) {
		t.Fatalf("EE time span = %+v", rel.Attrs)
	}
	if ev, _ := rel.Attrs["evidence"].([]string); !reflect.DeepEqual(ev, []string{"memo", "press", "filing"}) {
		t.Fatalf("EE evidence = %v", rel.Attrs["evidence"])
	}

	evo := byType[snapshot.GraphEEEvo]
	if countEdges(evo, "rel_in") != 3 || countEdges(evo, "rel_out") != 3 {
		t.Fatalf("EE_EVO edges = %+v", evo.Edges)
	}
	var states []snapshot.Node
	for _, n := range evo.Nodes {
		if n.Type == "relation_state" {
			states = append(states, n)
		}
	}
	if len(states) != 3 {
		t.Fatalf("expected partners split into two intervals plus sues, got %+v", states)
	}
	if states[0].ID != "REL:Alpha|partners|Gamma|0" || states[0].Attrs["valid_to"] != shared.FormatTime(day(10)) {
		t.Fatalf("first interval = %+v", states[0])
	}
	if states[1].ID != "REL:Alpha|partners|Gamma|1" || states[1].Attrs["valid_from"] != shared.FormatTime(day(100)) {
		t.Fatalf("second interval = %+v", states[1])
	}

	ev := byType[snapshot.GraphEventEvo]
	edge, ok := findEdge(ev, "EVT:E1", "EVT:E2", "event_edge")
	if !ok || edge.Title != persistence.EdgeEscalates || edge.Confidence == nil || *edge.Confidence != 0.8 {
		t.Fatalf("event edge = %+v", edge)
	}
	if _, ok := findEdge(ev, "EVT:E1", "Beta", "affects"); !ok {
		t.Fatalf("missing affects edge: %+v", ev.Edges)
	}
	if countEdges(ev, "affects") != 1 {
		t.Fatalf("only the target role should produce affects: %+v", ev.Edges)
	}
}

func TestBuild_PruningIsDegreeBasedAndDeterministic(t *testing.T) {
	store, clock := seedGraph(t)
	p := snapshot.New(snapshot.Config{
		Store:  store,
		Clock:  clock,
		Params: snapshot.Params{TopEntities: 1, TopEvents: 1},
	})
	ctx := context.Background()

	first, err := p.Build(ctx, snapshot.GraphGE)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	// Four nodes tie at degree two; the two seen first survive.
	if len(first.Nodes) != 2 || first.Nodes[0].ID != "EVT:E1" || first.Nodes[1].ID != "Alpha" {
		t.Fatalf("kept nodes = %+v", first.Nodes)
	}
	if len(first.Edges) != 1 || first.Edges[0].From != "Alpha" || first.Edges[0].To != "EVT:E1" {
		t.Fatalf("kept edges = %+v", first.Edges)
	}
	for i := 0; i < 3; i++ {
		again, err := p.Build(ctx, snapshot.GraphGE)
		if err != nil {
			t.Fatalf("rebuild: %v", err)
		}
		if !reflect.DeepEqual(first, again) {
			t.Fatalf("rebuild differs:\n%+v\n%+v", first, again)
		}
	}

	capped := snapshot.New(snapshot.Config{Store: store, Clock: clock, Params: snapshot.Params{MaxEdges: 2}})
	s, err := capped.Build(ctx, snapshot.GraphGET)
	if err != nil {
		t.Fatalf("build capped: %v", err)
	}
	if len(s.Edges) != 2 {
		t.Fatalf("max edges not applied: %d", len(s.Edges))
	}
}

func TestBuild_DaysWindow(t *testing.T) {
	store, clock := seedGraph(t)
	p := snapshot.New(snapshot.Config{Store: store, Clock: clock, Params: snapshot.Params{DaysWindow: 30}})

	s, err := p.Build(context.Background(), snapshot.GraphGE)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(s.Edges) != 1 || s.Edges[0].To != "EVT:E3" {
		t.Fatalf("window should keep only the recent participation: %+v", s.Edges)
	}
	ee, err := p.Build(context.Background(), snapshot.GraphEE)
	if err != nil {
		t.Fatalf("build EE: %v", err)
	}
	if len(ee.Edges) != 1 || ee.Edges[0].Attrs["time_first"] != shared.FormatTime(day(100)) {
		t.Fatalf("EE window = %+v", ee.Edges)
	}
}

func TestWriteAll_RoundTrip(t *testing.T) {
	store, clock := seedGraph(t)
	b := bus.New()
	sub := b.Subscribe(bus.TopicSnapshotWritten)
	defer b.Unsubscribe(sub)

	p := snapshot.New(snapshot.Config{Store: store, Clock: clock, Bus: b})
	dir := filepath.Join(t.TempDir(), "snapshots")
	paths, err := p.BuildAndWrite(context.Background(), dir)
	if err != nil {
		t.Fatalf("build and write: %v", err)
	}
	if len(paths) != len(snapshot.AllGraphTypes) {
		t.Fatalf("paths = %v", paths)
	}
	for _, gt := range snapshot.AllGraphTypes {
		path := paths[gt]
		if filepath.Base(path) != string(gt)+".json" {
			t.Fatalf("unexpected file name %s", path)
		}
		live, err := p.Build(context.Background(), gt)
		if err != nil {
			t.Fatalf("live build: %v", err)
		}
		got, err := snapshot.Read(path)
		if err != nil {
			t.Fatalf("read %s: %v", gt, err)
		}
		if got.Meta.NodeCount != live.Meta.NodeCount || got.Meta.EdgeCount != live.Meta.EdgeCount {
			t.Fatalf("%s: file %+v vs live %+v", gt, got.Meta, live.Meta)
		}
		if got.Meta.Params != p.Params() {
			t.Fatalf("%s params = %+v", gt, got.Meta.Params)
		}
	}

	select {
	case ev := <-sub.Ch():
		if ev.Topic != bus.TopicSnapshotWritten {
			t.Fatalf("unexpected topic %s", ev.Topic)
		}
	case <-time.After(time.Second):
		t.Fatal("no snapshot event published")
	}
}

func TestParseGraphType(t *testing.T) {
	if gt, err := snapshot.ParseGraphType("EE_EVO"); err != nil || gt != snapshot.GraphEEEvo {
		t.Fatalf("parse = %q %v", gt, err)
	}
	if _, err := snapshot.ParseGraphType("XX"); err == nil {
		t.Fatal("expected error for unknown type")
	}
}
