// Package review is the facade over candidate generation, adjudication and
// apply that the CLI, the gateway and the scheduler share.
package review

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/basket/newsgraph/internal/adjudicator"
	"github.com/basket/newsgraph/internal/applier"
	"github.com/basket/newsgraph/internal/bus"
	"github.com/basket/newsgraph/internal/candidates"
	"github.com/basket/newsgraph/internal/engine"
	"github.com/basket/newsgraph/internal/export"
	"github.com/basket/newsgraph/internal/otel"
	"github.com/basket/newsgraph/internal/persistence"
	"github.com/basket/newsgraph/internal/ratelimit"
	"github.com/basket/newsgraph/internal/snapshot"
)

const failedErrorMaxRunes = 300

var ErrNoAdjudicator = errors.New("review: no adjudicator configured")

type Config struct {
	Store       *persistence.Store
	Matcher     candidates.Matcher
	Adjudicator *adjudicator.Adjudicator
	Applier     *applier.Applier
	Exporter    *export.Exporter
	Projector   *snapshot.Projector
	// SnapshotDir is where WriteSnapshots puts the view files.
	SnapshotDir string
	// Limiter is the shared bucket used when a run does not set its own rate.
	Limiter     *ratelimit.TokenBucket
	Workers     int
	TaskTimeout time.Duration
	Bus         *bus.Bus
	Metrics     *otel.Metrics
	Tracer      trace.Tracer
	Logger      *slog.Logger
}

type Service struct {
	cfg       Config
	store     *persistence.Store
	generator *candidates.Generator
	applier   *applier.Applier
	logger    *slog.Logger
}

func New(cfg Config) *Service {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	app := cfg.Applier
	if app == nil {
		app = applier.New(applier.Config{
			Store:    cfg.Store,
			Exporter: cfg.Exporter,
			Bus:      cfg.Bus,
			Logger:   cfg.Logger,
			Metrics:  cfg.Metrics,
		})
	}
	return &Service{
		cfg:       cfg,
		store:     cfg.Store,
		generator: candidates.NewGenerator(cfg.Store, cfg.Matcher, cfg.Logger),
		applier:   app,
		logger:    cfg.Logger.With("component", "review"),
	}
}

func (s *Service) EnqueueEntityCandidates(ctx context.Context, p candidates.EntityParams) (candidates.Summary, error) {
	return s.generator.EnqueueEntityCandidates(ctx, p)
}

func (s *Service) EnqueueEventCandidates(ctx context.Context, p candidates.EventParams) (candidates.Summary, error) {
	return s.generator.EnqueueEventCandidates(ctx, p)
}

// RunReviewWorker adjudicates up to maxTasks of taskType. A positive
// ratePerSec gets its own bucket; otherwise the shared limiter applies.
func (s *Service) RunReviewWorker(ctx context.Context, taskType persistence.TaskType, maxTasks int, ratePerSec float64) (engine.BatchResult, error) {
	if !taskType.Valid() {
		return engine.BatchResult{}, fmt.Errorf("unsupported task type %q", taskType)
	}
	if s.cfg.Adjudicator == nil {
		return engine.BatchResult{}, ErrNoAdjudicator
	}
	limiter := s.cfg.Limiter
	if ratePerSec > 0 {
		limiter = ratelimit.NewTokenBucket(ratePerSec, 1)
	}
	eng := engine.New(s.store, s.Processor(limiter), engine.Config{
		WorkerCount: s.cfg.Workers,
		TaskTimeout: s.cfg.TaskTimeout,
		TaskType:    taskType,
		Bus:         s.cfg.Bus,
		Metrics:     s.cfg.Metrics,
		Tracer:      s.cfg.Tracer,
		Logger:      s.cfg.Logger,
	})
	return eng.RunBatch(ctx, maxTasks)
}

// Processor builds the adjudicating processor used by the worker pool.
func (s *Service) Processor(limiter *ratelimit.TokenBucket) *engine.ReviewProcessor {
	return &engine.ReviewProcessor{
		Store:       s.store,
		Adjudicator: s.cfg.Adjudicator,
		Limiter:     limiter,
		Metrics:     s.cfg.Metrics,
		Logger:      s.cfg.Logger,
	}
}

func (s *Service) ApplyEntityDecisions(ctx context.Context, maxActions int) (applier.Summary, error) {
	return s.applier.ApplyEntityDecisions(ctx, maxActions)
}

func (s *Service) ApplyEventDecisions(ctx context.Context, maxActions int) (applier.EventSummary, error) {
	return s.applier.ApplyEventDecisions(ctx, maxActions)
}

// RequeueStale returns tasks claimed more than maxAgeMinutes ago to pending.
func (s *Service) RequeueStale(ctx context.Context, maxAgeMinutes int) (int64, error) {
	if maxAgeMinutes <= 0 {
		maxAgeMinutes = 10
	}
	n, err := s.store.RequeueStale(ctx, time.Duration(maxAgeMinutes)*time.Minute)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Info("requeued stale tasks", "count", n, "max_age_minutes", maxAgeMinutes)
	}
	return n, nil
}

func (s *Service) QueueStats(ctx context.Context) (persistence.QueueStats, error) {
	return s.store.QueueStats(ctx)
}

// FailedTask is the operator view of a failed task.
type FailedTask struct {
	TaskID    string               `json:"task_id"`
	Type      persistence.TaskType `json:"type"`
	Error     string               `json:"error"`
	Attempts  int                  `json:"attempts"`
	UpdatedAt time.Time            `json:"updated_at"`
}

// FailedTasks lists recent failures; an empty taskType lists every type.
func (s *Service) FailedTasks(ctx context.Context, taskType persistence.TaskType, limit int) ([]FailedTask, error) {
	tasks, err := s.store.ListFailedTasks(ctx, taskType, limit)
	if err != nil {
		return nil, err
	}
	out := make([]FailedTask, 0, len(tasks))
	for _, t := range tasks {
		msg := []rune(t.Error)
		if len(msg) > failedErrorMaxRunes {
			msg = msg[:failedErrorMaxRunes]
		}
		out = append(out, FailedTask{
			TaskID:    t.TaskID,
			Type:      t.Type,
			Error:     string(msg),
			Attempts:  t.Attempts,
			UpdatedAt: t.UpdatedAt,
		})
	}
	return out, nil
}

func (s *Service) ReplayFailed(ctx context.Context, taskID string) error {
	if err := s.store.ReplayFailed(ctx, taskID); err != nil {
		return err
	}
	s.logger.Info("failed task replayed", "task_id", taskID)
	return nil
}

type EvolutionStats struct {
	EventEdges           int            `json:"event_edges"`
	EventReviewDecisions int            `json:"event_review_decisions"`
	Tasks                map[string]int `json:"tasks"`
}

func (s *Service) EventEvolutionStats(ctx context.Context) (EvolutionStats, error) {
	edges, err := s.store.ListEventEdges(ctx)
	if err != nil {
		return EvolutionStats{}, err
	}
	qs, err := s.store.QueueStats(ctx)
	if err != nil {
		return EvolutionStats{}, err
	}
	return EvolutionStats{
		EventEdges:           len(edges),
		EventReviewDecisions: qs.Decisions[string(persistence.TaskEventMerge)],
		Tasks:                qs.ByType[string(persistence.TaskEventMerge)],
	}, nil
}

type EndToEndParams struct {
	Candidates     candidates.EntityParams `json:"candidates"`
	MaxReviewTasks int                     `json:"max_review_tasks"`
	RatePerSec     float64                 `json:"rate_per_sec"`
	MaxApply       int                     `json:"max_apply"`
}

func DefaultEndToEndParams() EndToEndParams {
	return EndToEndParams{
		Candidates:     candidates.DefaultEntityParams(),
		MaxReviewTasks: 30,
		RatePerSec:     0.5,
		MaxApply:       30,
	}
}

type EndToEndResult struct {
	Candidates candidates.Summary `json:"candidates"`
	Review     engine.BatchResult `json:"review"`
	Applied    applier.Summary    `json:"applied"`
}

// ReviewEntityMergesEndToEnd enqueues entity candidates, reviews them and
// applies the resulting decisions.
func (s *Service) ReviewEntityMergesEndToEnd(ctx context.Context, p EndToEndParams) (EndToEndResult, error) {
	var res EndToEndResult
	var err error
	if res.Candidates, err = s.EnqueueEntityCandidates(ctx, p.Candidates); err != nil {
		return res, fmt.Errorf("enqueue: %w", err)
	}
	if res.Review, err = s.RunReviewWorker(ctx, persistence.TaskEntityMerge, p.MaxReviewTasks, p.RatePerSec); err != nil {
		return res, fmt.Errorf("review: %w", err)
	}
	if res.Applied, err = s.ApplyEntityDecisions(ctx, p.MaxApply); err != nil {
		return res, fmt.Errorf("apply: %w", err)
	}
	return res, nil
}

// Export rewrites the compat JSON files.
func (s *Service) Export(ctx context.Context) (export.Result, error) {
	if s.cfg.Exporter == nil {
		return export.Result{}, errors.New("review: no exporter configured")
	}
	return s.cfg.Exporter.Export(ctx)
}

// WriteSnapshots projects and writes all five views.
func (s *Service) WriteSnapshots(ctx context.Context) (map[snapshot.GraphType]string, error) {
	if s.cfg.Projector == nil {
		return nil, errors.New("review: no snapshot projector configured")
	}
	return s.cfg.Projector.BuildAndWrite(ctx, s.cfg.SnapshotDir)
}

// Projector exposes the configured projector, which may be nil.
func (s *Service) Projector() *snapshot.Projector { return s.cfg.Projector }
