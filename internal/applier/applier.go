// Package applier executes stored review decisions against the canonical
// store. Every action is idempotent, so a pass can be re-run at any time.
package applier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/basket/newsgraph/internal/adjudicator"
	"github.com/basket/newsgraph/internal/bus"
	"github.com/basket/newsgraph/internal/candidates"
	"github.com/basket/newsgraph/internal/export"
	"github.com/basket/newsgraph/internal/otel"
	"github.com/basket/newsgraph/internal/persistence"
	"github.com/basket/newsgraph/internal/shared"
)

const DefaultMaxActions = 50

type Summary struct {
	Applied int `json:"applied"`
	Skipped int `json:"skipped"`
}

type EventSummary struct {
	Applied    int `json:"applied"`
	Merged     int `json:"merged"`
	EdgesAdded int `json:"edges_added"`
	Skipped    int `json:"skipped"`
}

type Config struct {
	Store *persistence.Store
	// Exporter, when set, refreshes the compat files after any change.
	Exporter *export.Exporter
	Bus      *bus.Bus
	Clock    shared.Clock
	Logger   *slog.Logger
	Metrics  *otel.Metrics
}

type Applier struct {
	store    *persistence.Store
	exporter *export.Exporter
	bus      *bus.Bus
	clock    shared.Clock
	logger   *slog.Logger
	metrics  *otel.Metrics
}

func New(cfg Config) *Applier {
	if cfg.Clock == nil {
		cfg.Clock = shared.SystemClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Applier{
		store:    cfg.Store,
		exporter: cfg.Exporter,
		bus:      cfg.Bus,
		clock:    cfg.Clock,
		logger:   cfg.Logger.With("component", "applier"),
		metrics:  cfg.Metrics,
	}
}

func (a *Applier) count(ctx context.Context, kind, outcome string) {
	if a.metrics == nil {
		return
	}
	a.metrics.ApplyActions.Add(ctx, 1, metric.WithAttributes(
		otel.AttrApplyKind.String(kind),
		attribute.String("outcome", outcome),
	))
}

// ApplyEntityDecisions merges entity pairs whose latest verdict is merge.
// The surviving side is the one named by canonical_name, else the longer
// name. Ties keep a.
func (a *Applier) ApplyEntityDecisions(ctx context.Context, maxActions int) (Summary, error) {
	if maxActions <= 0 {
		maxActions = DefaultMaxActions
	}
	decisions, err := a.store.ListLatestDecisions(ctx, persistence.TaskEntityMerge)
	if err != nil {
		return Summary{}, fmt.Errorf("apply entities: %w", err)
	}
	var sum Summary
	for _, d := range decisions {
		if sum.Applied >= maxActions {
			break
		}
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		merged, err := a.applyEntityDecision(ctx, d)
		if err != nil {
			a.logger.Warn("entity decision not applied", "input_hash", d.InputHash, "error", err)
		}
		if merged {
			sum.Applied++
			a.count(ctx, "entity_merge", persistence.MergeApplied)
		} else {
			sum.Skipped++
			a.count(ctx, "entity_merge", persistence.MergeSkipped)
		}
	}
	if sum.Applied > 0 {
		a.refreshExport(ctx)
	}
	a.logger.Info("entity decisions applied", "applied", sum.Applied, "skipped", sum.Skipped)
	return sum, nil
}

func (a *Applier) applyEntityDecision(ctx context.Context, d persistence.DecisionWithPayload) (bool, error) {
	v, err := adjudicator.DecodeEntityVerdict(string(d.Output))
	if err != nil {
		return false, err
	}
	if !v.Merge {
		return false, nil
	}
	var p candidates.EntityPayload
	if err := json.Unmarshal(d.Payload, &p); err != nil {
		return false, fmt.Errorf("decode payload: %w", err)
	}
	nameA, nameB := strings.TrimSpace(p.EntityA), strings.TrimSpace(p.EntityB)
	if nameA == "" || nameB == "" {
		return false, errors.New("payload missing entity names")
	}

	toName, fromName := pickSurvivor(nameA, nameB, strings.TrimSpace(v.CanonicalName))
	fromID, err := a.store.CanonicalEntityID(ctx, fromName)
	if err != nil {
		return false, err
	}
	toID, err := a.store.CanonicalEntityID(ctx, toName)
	if err != nil {
		return false, err
	}
	res, err := a.store.MergeEntities(ctx, fromID, toID, string(persistence.TaskEntityMerge), d.InputHash)
	if err != nil {
		return false, err
	}
	if res.Status != persistence.MergeApplied {
		a.logger.Debug("entity merge skipped", "from", fromName, "to", toName, "reason", res.Reason)
		return false, nil
	}
	return true, nil
}

func pickSurvivor(a, b, canonical string) (to, from string) {
	switch {
	case canonical == a:
		return a, b
	case canonical == b:
		return b, a
	case len([]rune(b)) > len([]rune(a)):
		return b, a
	default:
		return a, b
	}
}

// ApplyEventDecisions merges events judged the same and writes evolution
// edges for evolve verdicts. Re-applying an edge overwrites it in place
// and does not count against maxActions.
func (a *Applier) ApplyEventDecisions(ctx context.Context, maxActions int) (EventSummary, error) {
	if maxActions <= 0 {
		maxActions = DefaultMaxActions
	}
	decisions, err := a.store.ListLatestDecisions(ctx, persistence.TaskEventMerge)
	if err != nil {
		return EventSummary{}, fmt.Errorf("apply events: %w", err)
	}
	var sum EventSummary
	for _, d := range decisions {
		if sum.Applied >= maxActions {
			break
		}
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		outcome, err := a.applyEventDecision(ctx, d)
		if err != nil {
			a.logger.Warn("event decision not applied", "input_hash", d.InputHash, "error", err)
		}
		switch outcome {
		case outcomeMerged:
			sum.Merged++
			sum.Applied++
			a.count(ctx, "event_merge", persistence.MergeApplied)
		case outcomeEdge:
			sum.EdgesAdded++
			sum.Applied++
			a.count(ctx, "event_edge", persistence.MergeApplied)
		default:
			sum.Skipped++
			a.count(ctx, "event", persistence.MergeSkipped)
		}
	}
	if sum.Applied > 0 {
		a.refreshExport(ctx)
	}
	a.logger.Info("event decisions applied",
		"merged", sum.Merged, "edges_added", sum.EdgesAdded, "skipped", sum.Skipped)
	return sum, nil
}

type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeMerged
	outcomeEdge
)

func (a *Applier) applyEventDecision(ctx context.Context, d persistence.DecisionWithPayload) (outcome, error) {
	v, err := adjudicator.DecodeEventVerdict(string(d.Output))
	if err != nil {
		return outcomeSkipped, err
	}
	var p candidates.EventPayload
	if err := json.Unmarshal(d.Payload, &p); err != nil {
		return outcomeSkipped, fmt.Errorf("decode payload: %w", err)
	}
	if p.EventA.EventID == "" || p.EventB.EventID == "" {
		return outcomeSkipped, errors.New("payload missing event ids")
	}
	idA, err := a.resolveEvent(ctx, p.EventA)
	if err != nil {
		return outcomeSkipped, err
	}
	idB, err := a.resolveEvent(ctx, p.EventB)
	if err != nil {
		return outcomeSkipped, err
	}

	switch v.Verdict {
	case adjudicator.VerdictMerge:
		toID, fromID := idA, idB
		if c := strings.TrimSpace(v.CanonicalAbstract); c != "" && c == p.EventB.Abstract {
			toID, fromID = idB, idA
		}
		res, err := a.store.MergeEvents(ctx, fromID, toID, string(persistence.TaskEventMerge), d.InputHash)
		if err != nil {
			return outcomeSkipped, err
		}
		if res.Status != persistence.MergeApplied {
			return outcomeSkipped, nil
		}
		return outcomeMerged, nil

	case adjudicator.VerdictEvolve:
		if idA == idB {
			return outcomeSkipped, nil
		}
		for _, id := range []string{idA, idB} {
			if _, err := a.store.GetEvent(ctx, id); err != nil {
				if errors.Is(err, persistence.ErrNotFound) {
					return outcomeSkipped, nil
				}
				return outcomeSkipped, err
			}
		}
		edgeType := v.EdgeType
		if edgeType == "" {
			edgeType = persistence.EdgeRelated
		}
		created, err := a.store.UpsertEventEdge(ctx, persistence.EventEdge{
			FromEventID:       idA,
			ToEventID:         idB,
			EdgeType:          edgeType,
			Time:              a.edgeTime(p),
			Confidence:        v.Confidence,
			Evidence:          v.Evidence,
			DecisionInputHash: d.InputHash,
		})
		if err != nil {
			return outcomeSkipped, err
		}
		if !created {
			return outcomeSkipped, nil
		}
		a.bus.Publish(bus.TopicApplyEventEdge, bus.EdgeUpsertedEvent{
			FromEventID: idA, ToEventID: idB, EdgeType: edgeType,
		})
		return outcomeEdge, nil
	}
	return outcomeSkipped, nil
}

// resolveEvent maps a payload reference to the id of the event that
// currently holds it, following merge redirects.
func (a *Applier) resolveEvent(ctx context.Context, ref candidates.EventRef) (string, error) {
	if strings.TrimSpace(ref.Abstract) == "" {
		return ref.EventID, nil
	}
	return a.store.CanonicalEventID(ctx, ref.Abstract)
}

// edgeTime is event A's time, then event B's, then now.
func (a *Applier) edgeTime(p candidates.EventPayload) time.Time {
	for _, s := range []string{p.EventA.Time, p.EventB.Time} {
		if t, ok := shared.ParseTime(s); ok {
			return t
		}
	}
	return a.clock.Now()
}

func (a *Applier) refreshExport(ctx context.Context) {
	if a.exporter == nil {
		return
	}
	if _, err := a.exporter.Export(ctx); err != nil {
		a.logger.Error("compat export refresh failed", "error", err)
	}
}
