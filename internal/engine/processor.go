package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/basket/newsgraph/internal/adjudicator"
	"github.com/basket/newsgraph/internal/candidates"
	"github.com/basket/newsgraph/internal/otel"
	"github.com/basket/newsgraph/internal/persistence"
	"github.com/basket/newsgraph/internal/ratelimit"
)

const evidenceSamples = 3

// ReviewProcessor adjudicates one queued pair and stores the decision.
type ReviewProcessor struct {
	Store       *persistence.Store
	Adjudicator *adjudicator.Adjudicator
	// Limiter is shared by every worker; nil means unlimited.
	Limiter *ratelimit.TokenBucket
	Metrics *otel.Metrics
	Logger  *slog.Logger
}

func (p *ReviewProcessor) Process(ctx context.Context, task persistence.ReviewTask) error {
	switch task.Type {
	case persistence.TaskEntityMerge:
		return p.processEntity(ctx, task)
	case persistence.TaskEventMerge:
		return p.processEvent(ctx, task)
	default:
		return fmt.Errorf("unsupported task type %q", task.Type)
	}
}

func (p *ReviewProcessor) processEntity(ctx context.Context, task persistence.ReviewTask) error {
	var payload candidates.EntityPayload
	if err := json.Unmarshal(task.Payload, &payload); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	nameA := strings.TrimSpace(payload.EntityA)
	nameB := strings.TrimSpace(payload.EntityB)
	x, err := p.entityRecord(ctx, nameA)
	if err != nil {
		return err
	}
	y, err := p.entityRecord(ctx, nameB)
	if err != nil {
		return err
	}
	var ev adjudicator.Evidence
	if ev.A, err = p.samples(ctx, nameA); err != nil {
		return err
	}
	if ev.B, err = p.samples(ctx, nameB); err != nil {
		return err
	}

	if err := p.wait(ctx); err != nil {
		return err
	}
	verdict, err := p.Adjudicator.AdjudicateEntityMerge(ctx, x, y, ev)
	if err != nil {
		return err
	}
	return p.store(ctx, task, verdict, verdict.Model)
}

func (p *ReviewProcessor) processEvent(ctx context.Context, task persistence.ReviewTask) error {
	var payload candidates.EventPayload
	if err := json.Unmarshal(task.Payload, &payload); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	x, err := p.eventRecord(ctx, payload.EventA)
	if err != nil {
		return err
	}
	y, err := p.eventRecord(ctx, payload.EventB)
	if err != nil {
		return err
	}

	if err := p.wait(ctx); err != nil {
		return err
	}
	verdict, err := p.Adjudicator.AdjudicateEventMergeOrEvolve(ctx, x, y, adjudicator.Evidence{})
	if err != nil {
		return err
	}
	return p.store(ctx, task, verdict, verdict.Model)
}

func (p *ReviewProcessor) store(ctx context.Context, task persistence.ReviewTask, verdict any, model string) error {
	out, err := json.Marshal(verdict)
	if err != nil {
		return fmt.Errorf("encode verdict: %w", err)
	}
	if model == "" {
		model = "auto"
	}
	return p.Store.CompleteWithDecision(ctx, task.TaskID, persistence.MergeDecision{
		Type:          task.Type,
		InputHash:     task.InputHash,
		Output:        out,
		Model:         model,
		PromptVersion: adjudicator.PromptVersion,
	})
}

// entityRecord loads the canonical entity for name. A name that has since
// disappeared is still reviewed under its bare name.
func (p *ReviewProcessor) entityRecord(ctx context.Context, name string) (adjudicator.EntityRecord, error) {
	id, err := p.Store.CanonicalEntityID(ctx, name)
	if err != nil {
		return adjudicator.EntityRecord{}, fmt.Errorf("resolve entity %q: %w", name, err)
	}
	e, err := p.Store.GetEntity(ctx, id)
	switch {
	case errors.Is(err, persistence.ErrNotFound):
		return adjudicator.EntityRecord{Name: name}, nil
	case err != nil:
		return adjudicator.EntityRecord{}, fmt.Errorf("load entity %q: %w", name, err)
	}
	return adjudicator.EntityRecordOf(*e), nil
}

func (p *ReviewProcessor) samples(ctx context.Context, name string) ([]adjudicator.EventSample, error) {
	events, err := p.Store.EventsForEntity(ctx, name, evidenceSamples)
	if err != nil {
		return nil, fmt.Errorf("evidence for %q: %w", name, err)
	}
	out := make([]adjudicator.EventSample, 0, len(events))
	for _, e := range events {
		out = append(out, adjudicator.SampleOf(e))
	}
	return out, nil
}

func (p *ReviewProcessor) eventRecord(ctx context.Context, ref candidates.EventRef) (adjudicator.EventRecord, error) {
	fallback := adjudicator.EventRecord{
		EventID:  ref.EventID,
		Abstract: ref.Abstract,
		Time:     ref.Time,
		Entities: ref.Entities,
	}
	id := ref.EventID
	if ref.Abstract != "" {
		resolved, err := p.Store.CanonicalEventID(ctx, ref.Abstract)
		if err != nil {
			return adjudicator.EventRecord{}, fmt.Errorf("resolve event %q: %w", ref.Abstract, err)
		}
		id = resolved
	}
	e, err := p.Store.GetEvent(ctx, id)
	switch {
	case errors.Is(err, persistence.ErrNotFound):
		return fallback, nil
	case err != nil:
		return adjudicator.EventRecord{}, fmt.Errorf("load event %s: %w", id, err)
	}
	return adjudicator.EventRecordOf(*e), nil
}

func (p *ReviewProcessor) wait(ctx context.Context) error {
	if p.Limiter == nil {
		return nil
	}
	start := time.Now()
	if err := p.Limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if p.Metrics != nil {
		p.Metrics.RateLimitWait.Record(ctx, time.Since(start).Seconds())
	}
	return nil
}
