package snapshot

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/basket/newsgraph/internal/persistence"
	"github.com/basket/newsgraph/internal/shared"
)

// affectsMarkers flag participant roles that make an entity the target
// of an event.
var affectsMarkers = []string{"被", "受", "遭", "victim", "affected", "injured", "target"}

// graph accumulates nodes in first-seen order.
type graph struct {
	order []string
	nodes map[string]Node
	edges []Edge
}

func newGraph() *graph {
	return &graph{nodes: map[string]Node{}}
}

func (g *graph) addNode(n Node) {
	if _, ok := g.nodes[n.ID]; ok {
		return
	}
	g.nodes[n.ID] = n
	g.order = append(g.order, n.ID)
}

// prune keeps the k highest-degree nodes (ties keep the earlier node),
// drops edges touching anything else, and truncates to maxEdges.
func (g *graph) prune(k, maxEdges int) ([]Node, []Edge) {
	degree := make(map[string]int, len(g.order))
	for _, e := range g.edges {
		degree[e.From]++
		degree[e.To]++
	}
	ranked := make([]string, len(g.order))
	copy(ranked, g.order)
	sort.SliceStable(ranked, func(i, j int) bool { return degree[ranked[i]] > degree[ranked[j]] })
	if len(ranked) > k {
		ranked = ranked[:k]
	}
	keep := make(map[string]struct{}, len(ranked))
	for _, id := range ranked {
		keep[id] = struct{}{}
	}

	edges := make([]Edge, 0, min(len(g.edges), maxEdges))
	for _, e := range g.edges {
		if len(edges) >= maxEdges {
			break
		}
		_, okFrom := keep[e.From]
		_, okTo := keep[e.To]
		if okFrom && okTo {
			edges = append(edges, e)
		}
	}
	nodes := make([]Node, 0, len(keep))
	for _, id := range g.order {
		if _, ok := keep[id]; ok {
			nodes = append(nodes, g.nodes[id])
		}
	}
	return nodes, edges
}

// index resolves ids in one graph read.
type index struct {
	entityName map[string]string
	events     map[string]persistence.EventCanonical
	cutoff     time.Time // zero disables the window
}

func newIndex(rows *persistence.GraphRows, p Params, now time.Time) *index {
	ix := &index{
		entityName: make(map[string]string, len(rows.Entities)),
		events:     make(map[string]persistence.EventCanonical, len(rows.Events)),
	}
	for _, e := range rows.Entities {
		ix.entityName[e.EntityID] = e.Name
	}
	for _, e := range rows.Events {
		ix.events[e.EventID] = e
	}
	if p.DaysWindow > 0 {
		ix.cutoff = now.Add(-time.Duration(p.DaysWindow) * 24 * time.Hour)
	}
	return ix
}

func (ix *index) inWindow(t time.Time) bool {
	return ix.cutoff.IsZero() || !t.Before(ix.cutoff)
}

func eventNodeID(e persistence.EventCanonical) string {
	return "EVT:" + e.Abstract
}

func eventNode(e persistence.EventCanonical) Node {
	label := e.Summary
	if strings.TrimSpace(label) == "" {
		label = e.Abstract
	}
	t, _ := e.Time()
	return Node{
		ID:    eventNodeID(e),
		Label: truncateRunes(label, labelMaxRunes),
		Type:  "event",
		Color: colorEvent,
		Time:  shared.FormatTime(t),
	}
}

func entityNode(name string) Node {
	return Node{ID: name, Label: name, Type: "entity", Color: colorEntity}
}

func roleTitle(roles []string) string {
	var kept []string
	for _, r := range roles {
		if r = strings.TrimSpace(r); r != "" {
			kept = append(kept, r)
		}
		if len(kept) == maxRoleTitles {
			break
		}
	}
	if len(kept) == 0 {
		return "involved_in"
	}
	return strings.Join(kept, " / ")
}

// participation is one windowed participant row with names resolved.
type participation struct {
	entity string
	event  persistence.EventCanonical
	row    persistence.Participant
}

func (ix *index) participations(rows *persistence.GraphRows) []participation {
	out := make([]participation, 0, len(rows.Participants))
	for _, p := range rows.Participants {
		name, ok := ix.entityName[p.EntityID]
		if !ok {
			continue
		}
		ev, ok := ix.events[p.EventID]
		if !ok || ev.Abstract == "" {
			continue
		}
		if !ix.inWindow(p.Time) {
			continue
		}
		out = append(out, participation{entity: name, event: ev, row: p})
	}
	return out
}

func buildGE(rows *persistence.GraphRows, ix *index) *graph {
	g := newGraph()
	for _, p := range ix.participations(rows) {
		evID := eventNodeID(p.event)
		g.addNode(eventNode(p.event))
		g.addNode(entityNode(p.entity))
		g.edges = append(g.edges, Edge{
			From:  p.entity,
			To:    evID,
			Type:  "involved_in",
			Title: roleTitle(p.row.Roles),
			Time:  shared.FormatTime(p.row.Time),
		})
	}
	return g
}

func buildGET(rows *persistence.GraphRows, ix *index) *graph {
	g := buildGE(rows, ix)

	type step struct {
		t    time.Time
		node string
	}
	byEntity := map[string][]step{}
	for _, p := range ix.participations(rows) {
		byEntity[p.entity] = append(byEntity[p.entity], step{t: p.row.Time, node: eventNodeID(p.event)})
	}
	names := make([]string, 0, len(byEntity))
	for n := range byEntity {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, name := range names {
		seq := byEntity[name]
		sort.SliceStable(seq, func(i, j int) bool {
			if !seq[i].t.Equal(seq[j].t) {
				return seq[i].t.Before(seq[j].t)
			}
			return seq[i].node < seq[j].node
		})
		for i := 1; i < len(seq); i++ {
			if seq[i-1].node == seq[i].node {
				continue
			}
			g.edges = append(g.edges, Edge{
				From:  seq[i-1].node,
				To:    seq[i].node,
				Type:  "before",
				Title: "before",
				Time:  shared.FormatTime(seq[i].t),
			})
		}
	}
	return g
}

type relationKey struct {
	subject, predicate, object string
}

type relationGroup struct {
	key  relationKey
	rows []persistence.RelationTriple
}

// relationGroups buckets windowed relations by (subject, predicate,
// object) in first-seen order.
func (ix *index) relationGroups(rows *persistence.GraphRows) []*relationGroup {
	var groups []*relationGroup
	byKey := map[relationKey]*relationGroup{}
	for _, r := range rows.Relations {
		s, okS := ix.entityName[r.SubjectID]
		o, okO := ix.entityName[r.ObjectID]
		pred := strings.TrimSpace(r.Predicate)
		if !okS || !okO || pred == "" || !ix.inWindow(r.Time) {
			continue
		}
		k := relationKey{s, pred, o}
		grp, ok := byKey[k]
		if !ok {
			grp = &relationGroup{key: k}
			byKey[k] = grp
			groups = append(groups, grp)
		}
		grp.rows = append(grp.rows, r)
	}
	return groups
}

func evidenceOf(rows []persistence.RelationTriple) []string {
	var out []string
	seen := map[string]struct{}{}
	for _, r := range rows {
		for _, ev := range r.Evidence {
			ev = strings.TrimSpace(ev)
			if ev == "" {
				continue
			}
			if _, ok := seen[ev]; ok {
				continue
			}
			seen[ev] = struct{}{}
			out = append(out, ev)
		}
	}
	return capStrings(out, maxEvidence)
}

func buildEE(rows *persistence.GraphRows, ix *index) *graph {
	g := newGraph()
	for _, grp := range ix.relationGroups(rows) {
		first, last := grp.rows[0].Time, grp.rows[0].Time
		for _, r := range grp.rows[1:] {
			if r.Time.Before(first) {
				first = r.Time
			}
			if r.Time.After(last) {
				last = r.Time
			}
		}
		g.addNode(entityNode(grp.key.subject))
		g.addNode(entityNode(grp.key.object))
		g.edges = append(g.edges, Edge{
			From:  grp.key.subject,
			To:    grp.key.object,
			Type:  "relation",
			Title: grp.key.predicate,
			Time:  shared.FormatTime(first),
			Attrs: map[string]any{
				"time_first": shared.FormatTime(first),
				"time_last":  shared.FormatTime(last),
				"evidence":   evidenceOf(grp.rows),
			},
		})
	}
	return g
}

func buildEEEvo(rows *persistence.GraphRows, ix *index, gapDays int) *graph {
	g := newGraph()
	gap := time.Duration(gapDays) * 24 * time.Hour
	for _, grp := range ix.relationGroups(rows) {
		seq := append([]persistence.RelationTriple(nil), grp.rows...)
		sort.SliceStable(seq, func(i, j int) bool { return seq[i].Time.Before(seq[j].Time) })

		var intervals [][]persistence.RelationTriple
		cur := []persistence.RelationTriple{seq[0]}
		for _, r := range seq[1:] {
			if r.Time.Sub(cur[len(cur)-1].Time) > gap {
				intervals = append(intervals, cur)
				cur = nil
			}
			cur = append(cur, r)
		}
		intervals = append(intervals, cur)

		s, p, o := grp.key.subject, grp.key.predicate, grp.key.object
		g.addNode(entityNode(s))
		g.addNode(entityNode(o))
		for i, itv := range intervals {
			from := shared.FormatTime(itv[0].Time)
			to := shared.FormatTime(itv[len(itv)-1].Time)
			id := "REL:" + s + "|" + p + "|" + o + "|" + strconv.Itoa(i)
			g.addNode(Node{
				ID:    id,
				Label: p,
				Type:  "relation_state",
				Color: colorRelation,
				Time:  from,
				Attrs: map[string]any{
					"valid_from": from,
					"valid_to":   to,
					"evidence":   evidenceOf(itv),
				},
			})
			g.edges = append(g.edges,
				Edge{From: s, To: id, Type: "rel_in", Title: "rel", Time: from},
				Edge{From: id, To: o, Type: "rel_out", Title: "rel", Time: from},
			)
		}
	}
	return g
}

func buildEventEvo(rows *persistence.GraphRows, ix *index) *graph {
	g := newGraph()
	for _, e := range rows.Edges {
		a, okA := ix.events[e.FromEventID]
		b, okB := ix.events[e.ToEventID]
		if !okA || !okB || !ix.inWindow(e.Time) {
			continue
		}
		g.addNode(eventNode(a))
		g.addNode(eventNode(b))
		conf := e.Confidence
		g.edges = append(g.edges, Edge{
			From:       eventNodeID(a),
			To:         eventNodeID(b),
			Type:       "event_edge",
			Title:      e.EdgeType,
			Time:       shared.FormatTime(e.Time),
			Confidence: &conf,
			Evidence:   capStrings(e.Evidence, maxEvidence),
		})
	}
	for _, p := range ix.participations(rows) {
		if !affected(p.row.Roles) {
			continue
		}
		g.addNode(eventNode(p.event))
		g.addNode(entityNode(p.entity))
		g.edges = append(g.edges, Edge{
			From:  eventNodeID(p.event),
			To:    p.entity,
			Type:  "affects",
			Title: "affects",
			Time:  shared.FormatTime(p.row.Time),
		})
	}
	return g
}

func affected(roles []string) bool {
	for _, r := range roles {
		lower := strings.ToLower(r)
		for _, m := range affectsMarkers {
			if strings.Contains(lower, m) {
				return true
			}
		}
	}
	return false
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func capStrings(v []string, n int) []string {
	if len(v) > n {
		return v[:n]
	}
	return v
}
