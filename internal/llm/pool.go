package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/newsgraph/internal/bus"
	"github.com/basket/newsgraph/internal/otel"
	"github.com/basket/newsgraph/internal/pricing"
	"github.com/basket/newsgraph/internal/ratelimit"
	"github.com/basket/newsgraph/internal/tokenutil"
)

// KVStore persists breaker state across restarts.
type KVStore interface {
	KVSet(ctx context.Context, key, val string) error
	KVGet(ctx context.Context, key string) (string, error)
}

// Member is one pool entry. Limiter may be nil.
type Member struct {
	Provider Provider
	Breaker  *Breaker
	Limiter  *ratelimit.TokenBucket
}

// PoolConfig configures a Pool.
type PoolConfig struct {
	Retry   RetryConfig
	Breaker BreakerConfig
	Logger  *slog.Logger
	KV      KVStore
	Bus     *bus.Bus
	Metrics *otel.Metrics
	Tracer  trace.Tracer
	// Sleep overrides the backoff wait; used by tests.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Pool tries providers in order, skipping members whose breaker is open.
// Construct one per process and pass it to the adjudicator.
type Pool struct {
	cfg     PoolConfig
	logger  *slog.Logger
	members []Member
	byName  map[string]int

	kvMu sync.Mutex
}

// ProviderStats is the per-member view exposed by Stats.
type ProviderStats struct {
	Provider string          `json:"provider"`
	Breaker  BreakerSnapshot `json:"breaker"`
}

// NewPool wires the members in priority order. Members without a breaker
// get one built from cfg.Breaker.
func NewPool(cfg PoolConfig, members ...Member) *Pool {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepCtx
	}
	if cfg.Retry == (RetryConfig{}) {
		cfg.Retry = DefaultRetryConfig()
	}
	cfg.Retry = cfg.Retry.normalized()

	p := &Pool{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "llm-pool"),
		byName: make(map[string]int, len(members)),
	}
	for _, m := range members {
		if m.Provider == nil {
			continue
		}
		name := m.Provider.Name()
		if m.Breaker == nil {
			bcfg := cfg.Breaker
			bcfg.OnStateChange = p.breakerListener(name)
			m.Breaker = NewBreaker(bcfg)
		}
		p.byName[name] = len(p.members)
		p.members = append(p.members, m)
	}
	return p
}

// Providers returns member names in priority order.
func (p *Pool) Providers() []string {
	names := make([]string, len(p.members))
	for i, m := range p.members {
		names[i] = m.Provider.Name()
	}
	return names
}

// Complete runs req against the preferred provider first, then the rest
// in order. Transient errors are retried with backoff before the member's
// breaker records a single failure.
func (p *Pool) Complete(ctx context.Context, req Request) (Response, error) {
	if len(p.members) == 0 {
		return Response{}, ErrNoProviders
	}
	req = req.WithDefaults()

	var lastErr error
	for _, m := range p.ordered(req.Provider) {
		name := m.Provider.Name()
		if !m.Breaker.Allow() {
			p.logger.Info("failover: skipping tripped provider", "provider", name)
			lastErr = fmt.Errorf("%s: %w", name, ErrCircuitOpen)
			continue
		}

		resp, err := p.callWithRetry(ctx, m, req)
		if err == nil {
			m.Breaker.RecordSuccess()
			p.persist(m)
			return resp, nil
		}
		if errors.Is(ctx.Err(), context.Canceled) {
			return Response{}, ctx.Err()
		}

		lastErr = err
		m.Breaker.RecordFailure()
		p.persist(m)
		ec := ClassifyError(err)
		if ctx.Err() != nil {
			// The caller's deadline ran out mid-call: a timeout for this member.
			p.logger.Warn("failover: provider timed out", "provider", name, "error", err)
			p.countFailure(context.Background(), name, ErrorClassTimeout)
			return Response{}, fmt.Errorf("%s: %w", name, ctx.Err())
		}
		p.logger.Warn("failover: provider failed", "provider", name, "error_class", string(ec), "error", err)
		p.countFailure(ctx, name, ec)

		// The prompt is the same everywhere, so an overflow fails everywhere.
		if ec == ErrorClassContextOverflow {
			return Response{}, fmt.Errorf("failover: context overflow from %s: %w", name, err)
		}
	}
	return Response{}, fmt.Errorf("%w: %w", ErrAllProvidersFailed, lastErr)
}

func (p *Pool) ordered(preferred string) []Member {
	idx, ok := p.byName[preferred]
	if !ok || idx == 0 {
		return p.members
	}
	out := make([]Member, 0, len(p.members))
	out = append(out, p.members[idx])
	out = append(out, p.members[:idx]...)
	return append(out, p.members[idx+1:]...)
}

func (p *Pool) callWithRetry(ctx context.Context, m Member, req Request) (Response, error) {
	var lastErr error
	for attempt := 0; attempt <= p.cfg.Retry.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := p.cfg.Retry.Delay(attempt - 1)
			p.logger.Debug("retrying provider call", "provider", m.Provider.Name(), "attempt", attempt, "delay", delay)
			if err := p.cfg.Sleep(ctx, delay); err != nil {
				return Response{}, err
			}
		}
		if m.Limiter != nil {
			if err := m.Limiter.Wait(ctx); err != nil {
				return Response{}, err
			}
		}

		resp, err := p.callOnce(ctx, m.Provider, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if ctx.Err() != nil || !IsTransient(err) {
			break
		}
	}
	return Response{}, lastErr
}

// callTimeout keeps the per-call timeout inside the caller's deadline so
// the call times out on its own clock first.
func callTimeout(ctx context.Context, timeout time.Duration) time.Duration {
	deadline, ok := ctx.Deadline()
	if !ok {
		return timeout
	}
	remaining := time.Until(deadline)
	if remaining <= 0 || remaining > timeout {
		return timeout
	}
	return remaining - remaining/10
}

func (p *Pool) callOnce(ctx context.Context, provider Provider, req Request) (Response, error) {
	callCtx, cancel := context.WithTimeout(ctx, callTimeout(ctx, req.Timeout))
	defer cancel()

	if p.cfg.Tracer != nil {
		var span trace.Span
		callCtx, span = otel.StartClientSpan(callCtx, p.cfg.Tracer, "llm.generate", otel.AttrProvider.String(provider.Name()))
		defer span.End()
	}

	start := time.Now()
	resp, err := provider.Generate(callCtx, req)
	elapsed := time.Since(start)
	if err == nil && !resp.Success() {
		err = fmt.Errorf("%s: %w", provider.Name(), ErrEmptyResponse)
	}
	if err == nil {
		resp = withUsage(resp, req)
	}
	if p.cfg.Metrics != nil {
		attrs := metric.WithAttributes(otel.AttrProvider.String(provider.Name()))
		p.cfg.Metrics.LLMCallDuration.Record(ctx, elapsed.Seconds(), attrs)
		if err == nil {
			p.cfg.Metrics.TokensUsed.Add(ctx, int64(resp.Usage.PromptTokens+resp.Usage.CompletionTokens), attrs)
			p.cfg.Metrics.LLMCost.Add(ctx, resp.CostUSD, attrs)
		}
	}
	if err != nil {
		return Response{}, err
	}
	if resp.Provider == "" {
		resp.Provider = provider.Name()
	}
	if resp.LatencyMs == 0 {
		resp.LatencyMs = elapsed.Milliseconds()
	}
	return resp, nil
}

func (p *Pool) countFailure(ctx context.Context, name string, ec ErrorClass) {
	if p.cfg.Metrics == nil {
		return
	}
	p.cfg.Metrics.LLMFailures.Add(ctx, 1, metric.WithAttributes(
		otel.AttrProvider.String(name),
		otel.AttrErrorClass.String(string(ec)),
	))
}

func (p *Pool) breakerListener(name string) func(from, to BreakerState) {
	return func(from, to BreakerState) {
		if to == StateOpen {
			p.logger.Warn("failover: circuit breaker tripped", "provider", name, "from", string(from))
		} else {
			p.logger.Info("failover: circuit breaker state changed", "provider", name, "from", string(from), "to", string(to))
		}
		p.cfg.Bus.Publish(bus.TopicBreakerStateChanged, bus.BreakerStateChangedEvent{
			Provider: name,
			From:     string(from),
			To:       string(to),
		})
		if p.cfg.Metrics != nil {
			p.cfg.Metrics.BreakerTransitions.Add(context.Background(), 1, metric.WithAttributes(
				otel.AttrProvider.String(name),
				attribute.String("to", string(to)),
			))
		}
	}
}

func breakerKey(name string) string { return "cb:" + name }

func (p *Pool) persist(m Member) {
	if p.cfg.KV == nil {
		return
	}
	data, err := json.Marshal(m.Breaker.Snapshot())
	if err != nil {
		return
	}
	p.kvMu.Lock()
	defer p.kvMu.Unlock()
	if err := p.cfg.KV.KVSet(context.Background(), breakerKey(m.Provider.Name()), string(data)); err != nil {
		p.logger.Debug("persist breaker state failed", "provider", m.Provider.Name(), "error", err)
	}
}

// LoadBreakerState restores every member's breaker from the KV store.
func (p *Pool) LoadBreakerState(ctx context.Context) {
	if p.cfg.KV == nil {
		return
	}
	for _, m := range p.members {
		val, err := p.cfg.KV.KVGet(ctx, breakerKey(m.Provider.Name()))
		if err != nil || val == "" {
			continue
		}
		var snap BreakerSnapshot
		if err := json.Unmarshal([]byte(val), &snap); err != nil {
			continue
		}
		m.Breaker.Restore(snap)
	}
}

// Stats returns breaker state per provider in priority order.
func (p *Pool) Stats() []ProviderStats {
	out := make([]ProviderStats, len(p.members))
	for i, m := range p.members {
		out[i] = ProviderStats{Provider: m.Provider.Name(), Breaker: m.Breaker.Snapshot()}
	}
	return out
}

// ResetBreakers closes every breaker.
func (p *Pool) ResetBreakers() {
	for _, m := range p.members {
		m.Breaker.Reset()
		p.persist(m)
	}
}

// withUsage fills token counts the provider left out and prices the call.
func withUsage(resp Response, req Request) Response {
	if resp.Usage == (Usage{}) {
		resp.Usage = Usage{
			PromptTokens:     tokenutil.EstimateTokens(req.System) + tokenutil.EstimateTokens(req.Prompt),
			CompletionTokens: tokenutil.EstimateTokens(resp.Content),
			Estimated:        true,
		}
	}
	resp.CostUSD = pricing.EstimateCost(resp.Model, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
	return resp
}
