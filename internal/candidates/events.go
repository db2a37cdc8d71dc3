package candidates

import (
	"sort"
	"time"

	"github.com/basket/newsgraph/internal/persistence"
	"github.com/basket/newsgraph/internal/shared"
)

// maxPayloadEntities bounds the entity list copied into a task payload.
const maxPayloadEntities = 30

type EventParams struct {
	SharedEntityMin int `json:"shared_entity_min" yaml:"shared_entity_min"`
	MaxPairs        int `json:"max_pairs" yaml:"max_pairs"`
	// DaysWindow drops pairs further apart than this; 0 disables the check.
	DaysWindow int `json:"days_window" yaml:"days_window"`
}

func DefaultEventParams() EventParams {
	return EventParams{SharedEntityMin: 2, MaxPairs: 200, DaysWindow: 14}
}

func (p EventParams) withDefaults() EventParams {
	if p.SharedEntityMin <= 0 {
		p.SharedEntityMin = 2
	}
	if p.MaxPairs <= 0 {
		p.MaxPairs = 200
	}
	if p.DaysWindow < 0 {
		p.DaysWindow = 0
	}
	return p
}

// EventRef is the event summary carried in a review payload.
type EventRef struct {
	EventID  string   `json:"event_id"`
	Abstract string   `json:"abstract"`
	Time     string   `json:"time"`
	Entities []string `json:"entities"`
}

type EventPayload struct {
	EventA         EventRef `json:"event_a"`
	EventB         EventRef `json:"event_b"`
	SharedEntities int      `json:"shared_entities"`
}

type EventPair struct {
	A      EventRef
	B      EventRef
	Shared int
}

func (p EventPair) Payload() EventPayload {
	return EventPayload{EventA: p.A, EventB: p.B, SharedEntities: p.Shared}
}

type eventItem struct {
	ref  EventRef
	t    time.Time
	hasT bool
	ents []string
}

// EventCandidates pairs events by the number of participant entities they
// share. Pairs are ordered by shared count descending, then by position.
func EventCandidates(events []persistence.EventCanonical, p EventParams) []EventPair {
	p = p.withDefaults()

	items := make([]eventItem, 0, len(events))
	for _, e := range events {
		ents := uniqueStrings(trimmed(e.Entities))
		t, ok := e.Time()
		items = append(items, eventItem{
			ref: EventRef{
				EventID:  e.EventID,
				Abstract: e.Abstract,
				Time:     shared.FormatTime(t),
				Entities: truncate(ents, maxPayloadEntities),
			},
			t:    t,
			hasT: ok,
			ents: ents,
		})
	}
	sort.SliceStable(items, func(i, j int) bool {
		if !items[i].t.Equal(items[j].t) {
			return items[i].t.Before(items[j].t)
		}
		return items[i].ref.EventID < items[j].ref.EventID
	})

	byEntity := map[string][]int{}
	for idx, it := range items {
		for _, e := range it.ents {
			byEntity[e] = append(byEntity[e], idx)
		}
	}
	scores := map[[2]int]int{}
	for _, idxs := range byEntity {
		for i := 0; i < len(idxs); i++ {
			for j := i + 1; j < len(idxs); j++ {
				a, b := idxs[i], idxs[j]
				if b < a {
					a, b = b, a
				}
				scores[[2]int{a, b}]++
			}
		}
	}

	window := time.Duration(p.DaysWindow) * 24 * time.Hour
	type scored struct {
		key    [2]int
		shared int
	}
	ranked := make([]scored, 0, len(scores))
	for k, n := range scores {
		if n < p.SharedEntityMin {
			continue
		}
		a, b := items[k[0]], items[k[1]]
		if window > 0 && a.hasT && b.hasT && absDuration(a.t.Sub(b.t)) > window {
			continue
		}
		ranked = append(ranked, scored{key: k, shared: n})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].shared != ranked[j].shared {
			return ranked[i].shared > ranked[j].shared
		}
		if ranked[i].key[0] != ranked[j].key[0] {
			return ranked[i].key[0] < ranked[j].key[0]
		}
		return ranked[i].key[1] < ranked[j].key[1]
	})
	if len(ranked) > p.MaxPairs {
		ranked = ranked[:p.MaxPairs]
	}

	out := make([]EventPair, 0, len(ranked))
	for _, r := range ranked {
		out = append(out, EventPair{A: items[r.key[0]].ref, B: items[r.key[1]].ref, Shared: r.shared})
	}
	return out
}

func uniqueStrings(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := values[:0:0]
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

func truncate(values []string, n int) []string {
	if len(values) > n {
		return values[:n]
	}
	return values
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
