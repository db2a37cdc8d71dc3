package persistence_test

import (
	"context"
	"slices"
	"testing"
	"time"

	"github.com/basket/newsgraph/internal/persistence"
)

func seedMergeGraph(t *testing.T, store *persistence.Store) (from, to, other persistence.EntityCanonical, ev persistence.EventCanonical) {
	t.Helper()
	ctx := context.Background()
	from = mustEntity(t, store, "Apple Inc", "apple")
	to = mustEntity(t, store, "Apple Inc.", "Apple Computer")
	other = mustEntity(t, store, "Samsung")
	ev = mustEvent(t, store, "Apple sues Samsung", baseTime, "Apple Inc", "Samsung")

	if _, err := store.UpsertEvent(ctx, persistence.EventCanonical{
		Abstract:    "Apple sues Samsung",
		ReportedAt:  tp(baseTime),
		EntityRoles: map[string][]string{"Apple Inc": {"plaintiff"}},
	}); err != nil {
		t.Fatalf("seed roles: %v", err)
	}
	if err := store.AddParticipant(ctx, persistence.Participant{
		EventID: ev.EventID, EntityID: from.EntityID, Roles: []string{"plaintiff"}, Time: baseTime,
	}); err != nil {
		t.Fatalf("add participant: %v", err)
	}
	if err := store.AddParticipant(ctx, persistence.Participant{
		EventID: ev.EventID, EntityID: to.EntityID, Roles: []string{"accuser"}, Time: baseTime,
	}); err != nil {
		t.Fatalf("add participant: %v", err)
	}
	if _, err := store.AddRelation(ctx, persistence.RelationTriple{
		EventID: ev.EventID, SubjectID: from.EntityID, Predicate: "sues", ObjectID: other.EntityID,
		Time: baseTime, Evidence: []string{"court filing"},
	}); err != nil {
		t.Fatalf("add relation: %v", err)
	}
	if _, err := store.AddRelation(ctx, persistence.RelationTriple{
		EventID: ev.EventID, SubjectID: to.EntityID, Predicate: "sues", ObjectID: other.EntityID,
		Time: baseTime, Evidence: []string{"press"},
	}); err != nil {
		t.Fatalf("add relation: %v", err)
	}
	return from, to, other, ev
}

func TestMerge_EntityMergeIsIdempotent(t *testing.T) {
	store, _, _ := openTestStore(t)
	ctx := context.Background()
	from, to, _, ev := seedMergeGraph(t, store)

	mentionID, err := store.AddEntityMention(ctx, persistence.EntityMention{NameText: "Apple Inc", Source: "wire", ResolvedEntityID: from.EntityID})
	if err != nil {
		t.Fatalf("add mention: %v", err)
	}

	res, err := store.MergeEntities(ctx, from.EntityID, to.EntityID, "name_similarity", "hash-1")
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if res.Status != persistence.MergeApplied {
		t.Fatalf("expected merged, got %+v", res)
	}
	first, err := store.ReadGraph(ctx)
	if err != nil {
		t.Fatalf("read graph: %v", err)
	}

	res, err = store.MergeEntities(ctx, from.EntityID, to.EntityID, "name_similarity", "hash-1")
	if err != nil {
		t.Fatalf("replay merge: %v", err)
	}
	if res.Status != persistence.MergeSkipped || res.Reason != "from_missing" {
		t.Fatalf("replay should be skipped, got %+v", res)
	}
	redirects, err := store.EntityRedirects(ctx)
	if err != nil {
		t.Fatalf("list redirects: %v", err)
	}
	if len(redirects) != 1 || redirects[0].FromID != from.EntityID || redirects[0].ToID != to.EntityID ||
		redirects[0].DecisionHash != "hash-1" {
		t.Fatalf("expected one redirect from the applied merge, got %+v", redirects)
	}
	second, err := store.ReadGraph(ctx)
	if err != nil {
		t.Fatalf("read graph: %v", err)
	}
	if len(first.Entities) != len(second.Entities) || len(first.Relations) != len(second.Relations) ||
		len(first.Participants) != len(second.Participants) {
		t.Fatalf("replay changed state: %+v vs %+v", first, second)
	}

	if _, err := store.GetEntity(ctx, from.EntityID); err == nil {
		t.Fatal("merged-away entity still present")
	}
	merged, err := store.GetEntity(ctx, to.EntityID)
	if err != nil {
		t.Fatalf("get merged: %v", err)
	}
	if !slices.Contains(merged.Aliases, "Apple Inc") {
		t.Fatalf("from name should become an alias: %v", merged.Aliases)
	}
	for _, form := range []string{"Apple Computer", "apple"} {
		if !slices.Contains(merged.OriginalForms, form) {
			t.Fatalf("original form %q lost: %v", form, merged.OriginalForms)
		}
	}

	// The two "sues" triples collapse into one carrying both evidence items.
	if len(second.Relations) != 1 {
		t.Fatalf("expected collapsed relation, got %+v", second.Relations)
	}
	rel := second.Relations[0]
	if rel.SubjectID != to.EntityID || !slices.Contains(rel.Evidence, "court filing") || !slices.Contains(rel.Evidence, "press") {
		t.Fatalf("relation not re-pointed: %+v", rel)
	}
	if len(second.Participants) != 1 {
		t.Fatalf("expected one participant after merge, got %+v", second.Participants)
	}
	p := second.Participants[0]
	if p.EntityID != to.EntityID || !slices.Contains(p.Roles, "plaintiff") || !slices.Contains(p.Roles, "accuser") {
		t.Fatalf("participant roles not merged: %+v", p)
	}

	gotEvent, err := store.GetEvent(ctx, ev.EventID)
	if err != nil {
		t.Fatalf("get event: %v", err)
	}
	if slices.Contains(gotEvent.Entities, "Apple Inc") || !slices.Contains(gotEvent.Entities, "Apple Inc.") {
		t.Fatalf("event entity list not renamed: %v", gotEvent.Entities)
	}
	if _, ok := gotEvent.EntityRoles["Apple Inc."]; !ok {
		t.Fatalf("event roles not renamed: %v", gotEvent.EntityRoles)
	}

	m, err := store.GetEntityMention(ctx, mentionID)
	if err != nil || m.ResolvedEntityID != to.EntityID {
		t.Fatalf("mention not re-pointed: %+v %v", m, err)
	}

	// The old name now resolves through the redirect, and re-ingesting it
	// folds into the survivor instead of resurrecting the old row.
	id, err := store.CanonicalEntityID(ctx, "Apple Inc")
	if err != nil || id != to.EntityID {
		t.Fatalf("redirect not followed: %s %v", id, err)
	}
	if _, err := store.UpsertEntity(ctx, persistence.EntityCanonical{Name: "Apple Inc", Sources: []string{"late"}}); err != nil {
		t.Fatalf("re-upsert: %v", err)
	}
	if _, err := store.GetEntity(ctx, from.EntityID); err == nil {
		t.Fatal("re-upsert resurrected merged entity")
	}
}

func TestMerge_EntityMergeSkipsSelfAndMissingTarget(t *testing.T) {
	store, _, _ := openTestStore(t)
	ctx := context.Background()
	a := mustEntity(t, store, "Acme")

	res, err := store.MergeEntities(ctx, a.EntityID, a.EntityID, "", "")
	if err != nil || res.Status != persistence.MergeSkipped {
		t.Fatalf("self merge: %+v %v", res, err)
	}
	res, err = store.MergeEntities(ctx, a.EntityID, "missing", "", "")
	if err != nil || res.Status != persistence.MergeSkipped || res.Reason != "to_missing" {
		t.Fatalf("missing target: %+v %v", res, err)
	}
	if _, err := store.GetEntity(ctx, a.EntityID); err != nil {
		t.Fatalf("skipped merge must not delete: %v", err)
	}
}

func TestMerge_EventMergeMovesEdgesAndDropsSelfLoops(t *testing.T) {
	store, _, _ := openTestStore(t)
	ctx := context.Background()
	a := mustEvent(t, store, "Strike announced", baseTime, "Union")
	b := mustEvent(t, store, "Union announces strike", baseTime.Add(time.Hour), "Union", "Ministry")
	c := mustEvent(t, store, "Ministry responds", baseTime.Add(48*time.Hour), "Ministry")
	union := mustEntity(t, store, "Union")

	for _, p := range []persistence.Participant{
		{EventID: a.EventID, EntityID: union.EntityID, Roles: []string{"actor"}, Time: baseTime},
		{EventID: b.EventID, EntityID: union.EntityID, Roles: []string{"organizer"}, Time: baseTime.Add(time.Hour)},
	} {
		if err := store.AddParticipant(ctx, p); err != nil {
			t.Fatalf("add participant: %v", err)
		}
	}
	for _, e := range []persistence.EventEdge{
		{FromEventID: a.EventID, ToEventID: b.EventID, EdgeType: persistence.EdgeRelated, Time: baseTime},
		{FromEventID: b.EventID, ToEventID: c.EventID, EdgeType: persistence.EdgeRespondsTo, Time: baseTime.Add(48 * time.Hour)},
	} {
		if _, err := store.UpsertEventEdge(ctx, e); err != nil {
			t.Fatalf("add edge: %v", err)
		}
	}

	res, err := store.MergeEvents(ctx, b.EventID, a.EventID, "merge", "hash-e")
	if err != nil || res.Status != persistence.MergeApplied {
		t.Fatalf("merge events: %+v %v", res, err)
	}
	edges, err := store.ListEventEdges(ctx)
	if err != nil {
		t.Fatalf("list edges: %v", err)
	}
	if len(edges) != 1 {
		t.Fatalf("expected self loop dropped and one edge kept, got %+v", edges)
	}
	if edges[0].FromEventID != a.EventID || edges[0].ToEventID != c.EventID {
		t.Fatalf("edge not re-pointed: %+v", edges[0])
	}

	survivor, err := store.GetEvent(ctx, a.EventID)
	if err != nil {
		t.Fatalf("get survivor: %v", err)
	}
	if !slices.Contains(survivor.Entities, "Ministry") {
		t.Fatalf("entities not unioned: %v", survivor.Entities)
	}
	parts, err := store.EventParticipants(ctx, a.EventID)
	if err != nil || len(parts) != 1 || !slices.Contains(parts[0].Roles, "organizer") {
		t.Fatalf("participants not merged: %+v %v", parts, err)
	}

	res, err = store.MergeEvents(ctx, b.EventID, a.EventID, "merge", "hash-e")
	if err != nil || res.Status != persistence.MergeSkipped {
		t.Fatalf("replayed event merge should skip: %+v %v", res, err)
	}
	id, err := store.CanonicalEventID(ctx, "Union announces strike")
	if err != nil || id != a.EventID {
		t.Fatalf("event redirect not followed: %s %v", id, err)
	}
	byAbstract, err := store.GetEventByAbstract(ctx, "Union announces strike")
	if err != nil || byAbstract.EventID != a.EventID {
		t.Fatalf("lookup by merged-away abstract: %+v %v", byAbstract, err)
	}
}
