package candidates

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/basket/newsgraph/internal/persistence"
)

// Summary reports one enqueue pass. Enqueued counts tasks actually created;
// candidates already decided or already queued are not counted.
type Summary struct {
	Candidates int `json:"candidates"`
	Enqueued   int `json:"enqueued"`
}

// Generator reads the canonical store and feeds the review queue.
type Generator struct {
	store   *persistence.Store
	matcher Matcher
	logger  *slog.Logger
}

func NewGenerator(store *persistence.Store, matcher Matcher, logger *slog.Logger) *Generator {
	if matcher == nil {
		matcher = NoopMatcher{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{store: store, matcher: matcher, logger: logger.With("component", "candidates")}
}

func (g *Generator) EnqueueEntityCandidates(ctx context.Context, p EntityParams) (Summary, error) {
	entities, err := g.store.ListEntities(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("list entities: %w", err)
	}
	pairs, err := EntityCandidates(ctx, entities, p, g.matcher)
	if err != nil {
		// The lexical pairs are still usable without the semantic stage.
		g.logger.Warn("semantic candidate stage failed", "error", err)
	}
	sum := Summary{Candidates: len(pairs)}
	for _, pair := range pairs {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		priority := int(math.Round(pair.Similarity * 100))
		_, created, err := g.store.Enqueue(ctx, persistence.TaskEntityMerge, pair.Payload(), priority)
		if err != nil {
			g.logger.Error("enqueue entity candidate failed", "entity_a", pair.A, "entity_b", pair.B, "error", err)
			continue
		}
		if created {
			sum.Enqueued++
		}
	}
	g.logger.Info("entity candidates enqueued", "candidates", sum.Candidates, "enqueued", sum.Enqueued)
	return sum, nil
}

func (g *Generator) EnqueueEventCandidates(ctx context.Context, p EventParams) (Summary, error) {
	events, err := g.store.ListEvents(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("list events: %w", err)
	}
	pairs := EventCandidates(events, p)
	sum := Summary{Candidates: len(pairs)}
	for _, pair := range pairs {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		priority := min(100, pair.Shared*10)
		_, created, err := g.store.Enqueue(ctx, persistence.TaskEventMerge, pair.Payload(), priority)
		if err != nil {
			g.logger.Error("enqueue event candidate failed", "event_a", pair.A.EventID, "event_b", pair.B.EventID, "error", err)
			continue
		}
		if created {
			sum.Enqueued++
		}
	}
	g.logger.Info("event candidates enqueued", "candidates", sum.Candidates, "enqueued", sum.Enqueued)
	return sum, nil
}
