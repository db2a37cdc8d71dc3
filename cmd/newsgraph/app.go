package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/basket/newsgraph/internal/adjudicator"
	"github.com/basket/newsgraph/internal/applier"
	"github.com/basket/newsgraph/internal/audit"
	"github.com/basket/newsgraph/internal/bus"
	"github.com/basket/newsgraph/internal/candidates"
	"github.com/basket/newsgraph/internal/config"
	"github.com/basket/newsgraph/internal/export"
	"github.com/basket/newsgraph/internal/ingest"
	"github.com/basket/newsgraph/internal/llm"
	"github.com/basket/newsgraph/internal/otel"
	"github.com/basket/newsgraph/internal/persistence"
	"github.com/basket/newsgraph/internal/ratelimit"
	"github.com/basket/newsgraph/internal/review"
	"github.com/basket/newsgraph/internal/snapshot"
	"github.com/basket/newsgraph/internal/telemetry"
)

// app holds the wired pipeline for one CLI invocation.
type app struct {
	cfg     config.Config
	logging *telemetry.Logging
	logger  *slog.Logger
	otel    *otel.Provider
	metrics *otel.Metrics
	bus     *bus.Bus
	store   *persistence.Store
	pool    *llm.Pool
	matcher candidates.Matcher
	limiter *ratelimit.TokenBucket
	ingest  *ingest.Ingestor
	review  *review.Service

	closers []func() error
}

type appOptions struct {
	// quiet keeps logs out of stdout so command output stays parseable.
	quiet bool
	// withLLM builds the provider pool; commands that never adjudicate skip it.
	withLLM bool
}

func newApp(ctx context.Context, opts appOptions) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("config load: %w", err)
	}
	logging, err := telemetry.New(cfg.HomeDir, cfg.LogLevel, opts.quiet)
	if err != nil {
		return nil, fmt.Errorf("logger init: %w", err)
	}
	a := &app{cfg: cfg, logging: logging, logger: logging.Logger}
	a.closers = append(a.closers, logging.Close)

	if err := a.wire(ctx, opts); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context, opts appOptions) error {
	cfg := a.cfg

	provider, err := otel.Init(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("otel init: %w", err)
	}
	a.otel = provider
	a.closers = append(a.closers, func() error { return provider.Shutdown(context.Background()) })
	if a.metrics, err = otel.NewMetrics(provider.Meter); err != nil {
		return fmt.Errorf("otel metrics: %w", err)
	}

	a.bus = bus.New()
	auditLog, err := audit.Open(cfg.HomeDir, nil)
	if err != nil {
		return fmt.Errorf("audit log: %w", err)
	}
	auditLog.Follow(a.bus)
	a.closers = append(a.closers, auditLog.Close)

	store, err := persistence.Open(cfg.DBPath, a.bus)
	if err != nil {
		return fmt.Errorf("store open: %w", err)
	}
	a.store = store
	a.closers = append(a.closers, store.Close)

	a.matcher = a.buildMatcher()

	var adj *adjudicator.Adjudicator
	if opts.withLLM {
		if pool := a.buildPool(ctx); pool != nil {
			a.pool = pool
			adj = adjudicator.New(adjudicator.Config{
				Completer:   pool,
				Logger:      a.logger,
				MaxTokens:   cfg.LLM.MaxTokens,
				Temperature: cfg.LLM.Temperature,
				Timeout:     cfg.Review.TaskTimeout(),
			})
		}
	}

	exporter := export.New(store, cfg.DataDir, a.logger)
	appl := applier.New(applier.Config{
		Store:    store,
		Exporter: exporter,
		Bus:      a.bus,
		Logger:   a.logger,
		Metrics:  a.metrics,
	})
	projector := snapshot.New(snapshot.Config{
		Store:   store,
		Params:  cfg.Snapshot.Params,
		Bus:     a.bus,
		Logger:  a.logger,
		Metrics: a.metrics,
		Tracer:  provider.Tracer,
	})
	a.limiter = ratelimit.NewTokenBucket(cfg.Review.RatePerSecond, cfg.Review.Burst)

	a.ingest = ingest.New(ingest.Config{
		Store:          store,
		Bus:            a.bus,
		Logger:         a.logger,
		DedupThreshold: cfg.Dedup.Threshold,
	})
	a.review = review.New(review.Config{
		Store:       store,
		Matcher:     a.matcher,
		Adjudicator: adj,
		Applier:     appl,
		Exporter:    exporter,
		Projector:   projector,
		SnapshotDir: cfg.Snapshot.Dir,
		Limiter:     a.limiter,
		Workers:     cfg.Review.Workers,
		TaskTimeout: cfg.Review.TaskTimeout(),
		Bus:         a.bus,
		Metrics:     a.metrics,
		Tracer:      provider.Tracer,
		Logger:      a.logger,
	})
	return nil
}

// buildMatcher loads the embedding model when semantic matching is on.
// Any failure degrades to lexical matching only.
func (a *app) buildMatcher() candidates.Matcher {
	sem := a.cfg.Candidates.Semantic
	if !sem.Enabled {
		return candidates.NoopMatcher{}
	}
	path, err := candidates.PrepareModel(sem.ModelDir, sem.Model)
	if err != nil {
		a.logger.Warn("semantic model unavailable; using lexical matching", "model", sem.Model, "error", err)
		return candidates.NoopMatcher{}
	}
	m, err := candidates.NewHugotMatcher(path)
	if err != nil {
		a.logger.Warn("semantic matcher init failed; using lexical matching", "path", filepath.Base(path), "error", err)
		return candidates.NoopMatcher{}
	}
	a.closers = append(a.closers, m.Close)
	return m
}

// buildPool returns nil when no configured provider has credentials.
func (a *app) buildPool(ctx context.Context) *llm.Pool {
	var members []llm.Member
	for _, spec := range a.cfg.ProviderSpecs() {
		if !llm.HasAPIKey(spec) {
			a.logger.Info("llm provider skipped; no api key", "provider", spec.Name)
			continue
		}
		p, err := llm.NewGenkitProvider(ctx, spec)
		if err != nil {
			a.logger.Warn("llm provider init failed", "provider", spec.Name, "error", err)
			continue
		}
		m := llm.Member{Provider: p}
		if spec.RatePerSecond > 0 {
			m.Limiter = ratelimit.NewTokenBucket(spec.RatePerSecond, 1)
		}
		members = append(members, m)
	}
	if len(members) == 0 {
		a.logger.Warn("no llm providers available; review commands are disabled")
		return nil
	}
	pool := llm.NewPool(llm.PoolConfig{
		Retry:   a.cfg.RetryConfig(),
		Breaker: a.cfg.BreakerConfig(),
		Logger:  a.logger,
		KV:      a.store,
		Bus:     a.bus,
		Metrics: a.metrics,
		Tracer:  a.otel.Tracer,
	}, members...)
	pool.LoadBreakerState(ctx)
	return pool
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
