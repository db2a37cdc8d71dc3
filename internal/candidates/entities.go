// Package candidates proposes entity merge and event merge-or-evolve pairs
// for the review queue.
package candidates

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/basket/newsgraph/internal/persistence"
	"github.com/basket/newsgraph/internal/shared"
)

const (
	ReasonFormsMatch     = "original_forms_match"
	ReasonNameSimilarity = "name_similarity"
	ReasonVector         = "vector_similarity"

	bucketPrefixRunes = 6
)

type EntityParams struct {
	MinSimilarity     float64 `json:"min_similarity" yaml:"min_similarity"`
	MaxPairs          int     `json:"max_pairs" yaml:"max_pairs"`
	SemanticThreshold float64 `json:"semantic_threshold" yaml:"semantic_threshold"`
	// SemanticMaxEntities bounds the quadratic semantic stage.
	SemanticMaxEntities int `json:"semantic_max_entities" yaml:"semantic_max_entities"`
}

func DefaultEntityParams() EntityParams {
	return EntityParams{
		MinSimilarity:       0.92,
		MaxPairs:            200,
		SemanticThreshold:   0.93,
		SemanticMaxEntities: 2000,
	}
}

func (p EntityParams) withDefaults() EntityParams {
	d := DefaultEntityParams()
	if p.MinSimilarity <= 0 {
		p.MinSimilarity = d.MinSimilarity
	}
	if p.MaxPairs <= 0 {
		p.MaxPairs = d.MaxPairs
	}
	if p.SemanticThreshold <= 0 {
		p.SemanticThreshold = d.SemanticThreshold
	}
	if p.SemanticMaxEntities <= 0 {
		p.SemanticMaxEntities = d.SemanticMaxEntities
	}
	return p
}

// EntityPair is one proposed merge. A sorts before B.
type EntityPair struct {
	A          string
	B          string
	Similarity float64
	Reason     string
}

// EntityPayload is the review task payload for an entity pair.
type EntityPayload struct {
	EntityA         string  `json:"entity_a"`
	EntityB         string  `json:"entity_b"`
	Similarity      float64 `json:"similarity"`
	CandidateReason string  `json:"candidate_reason"`
}

func (p EntityPair) Payload() EntityPayload {
	return EntityPayload{EntityA: p.A, EntityB: p.B, Similarity: p.Similarity, CandidateReason: p.Reason}
}

type pairSet struct {
	max   int
	seen  map[[2]string]struct{}
	pairs []EntityPair
}

func (s *pairSet) full() bool { return len(s.pairs) >= s.max }

func (s *pairSet) has(a, b string) bool {
	if b < a {
		a, b = b, a
	}
	_, ok := s.seen[[2]string{a, b}]
	return ok
}

func (s *pairSet) add(a, b string, sim float64, reason string) {
	if a == b || s.full() {
		return
	}
	if b < a {
		a, b = b, a
	}
	key := [2]string{a, b}
	if _, ok := s.seen[key]; ok {
		return
	}
	s.seen[key] = struct{}{}
	s.pairs = append(s.pairs, EntityPair{A: a, B: b, Similarity: sim, Reason: reason})
}

// EntityCandidates proposes merge pairs over entities. Stages run in order
// (shared surface form, bucketed name similarity, then the optional
// semantic matcher) and stop once MaxPairs is reached. Output depends only
// on the entity set and params.
func EntityCandidates(ctx context.Context, entities []persistence.EntityCanonical, p EntityParams, m Matcher) ([]EntityPair, error) {
	p = p.withDefaults()
	sorted := slices.Clone(entities)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	set := &pairSet{max: p.MaxPairs, seen: map[[2]string]struct{}{}}

	forms := map[string][]string{}
	for _, e := range sorted {
		for _, f := range append([]string{e.Name}, e.OriginalForms...) {
			key := shared.NormalizeName(f)
			if key == "" || slices.Contains(forms[key], e.Name) {
				continue
			}
			forms[key] = append(forms[key], e.Name)
		}
	}
	for _, key := range sortedKeys(forms) {
		group := forms[key]
		for i := 0; i < len(group) && !set.full(); i++ {
			for j := i + 1; j < len(group) && !set.full(); j++ {
				set.add(group[i], group[j], 1.0, ReasonFormsMatch)
			}
		}
	}

	buckets := map[string][]string{}
	for _, e := range sorted {
		norm := []rune(shared.NormalizeName(e.Name))
		if len(norm) > bucketPrefixRunes {
			norm = norm[:bucketPrefixRunes]
		}
		key := string(norm)
		buckets[key] = append(buckets[key], e.Name)
	}
	for _, key := range sortedKeys(buckets) {
		group := buckets[key]
		for i := 0; i < len(group) && !set.full(); i++ {
			for j := i + 1; j < len(group) && !set.full(); j++ {
				if set.has(group[i], group[j]) {
					continue
				}
				if sim := NameRatio(group[i], group[j]); sim >= p.MinSimilarity {
					set.add(group[i], group[j], sim, ReasonNameSimilarity)
				}
			}
		}
	}

	if m != nil && m.Available() && !set.full() && len(sorted) > 1 {
		names := make([]string, 0, len(sorted))
		for _, e := range sorted {
			if len(names) >= p.SemanticMaxEntities {
				break
			}
			names = append(names, e.Name)
		}
		vecs, err := m.Embed(ctx, names)
		if err != nil {
			return set.pairs, fmt.Errorf("semantic stage: %w", err)
		}
		if len(vecs) != len(names) {
			return set.pairs, fmt.Errorf("semantic stage: matcher returned %d vectors for %d names", len(vecs), len(names))
		}
		for i := 0; i < len(names) && !set.full(); i++ {
			for j := i + 1; j < len(names) && !set.full(); j++ {
				if set.has(names[i], names[j]) {
					continue
				}
				if sim := cosine01(vecs[i], vecs[j]); sim >= p.SemanticThreshold {
					set.add(names[i], names[j], sim, ReasonVector)
				}
			}
		}
	}
	return set.pairs, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func trimmed(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
