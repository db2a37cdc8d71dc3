package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all newsgraph metric instruments.
type Metrics struct {
	ReviewDuration     metric.Float64Histogram
	ReviewTasks        metric.Int64Counter
	ActiveWorkers      metric.Int64UpDownCounter
	LLMCallDuration    metric.Float64Histogram
	TokensUsed         metric.Int64Counter
	LLMCost            metric.Float64Counter
	LLMFailures        metric.Int64Counter
	BreakerTransitions metric.Int64Counter
	RateLimitWait      metric.Float64Histogram
	ApplyActions       metric.Int64Counter
	SnapshotDuration   metric.Float64Histogram
	RequestDuration    metric.Float64Histogram
	RateLimitRejects   metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.ReviewDuration, err = meter.Float64Histogram("newsgraph.review.duration",
		metric.WithDescription("Review task processing duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if m.ReviewTasks, err = meter.Int64Counter("newsgraph.review.tasks",
		metric.WithDescription("Review tasks completed, by type and status"),
	); err != nil {
		return nil, err
	}
	if m.ActiveWorkers, err = meter.Int64UpDownCounter("newsgraph.review.active",
		metric.WithDescription("Review tasks currently being adjudicated"),
	); err != nil {
		return nil, err
	}
	if m.LLMCallDuration, err = meter.Float64Histogram("newsgraph.llm.duration",
		metric.WithDescription("Adjudicator provider call duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if m.TokensUsed, err = meter.Int64Counter("newsgraph.llm.tokens",
		metric.WithDescription("Total tokens consumed"),
	); err != nil {
		return nil, err
	}
	if m.LLMCost, err = meter.Float64Counter("newsgraph.llm.cost",
		metric.WithDescription("Estimated adjudication spend in USD"),
		metric.WithUnit("USD"),
	); err != nil {
		return nil, err
	}
	if m.LLMFailures, err = meter.Int64Counter("newsgraph.llm.failures",
		metric.WithDescription("Provider call failures, by provider and error class"),
	); err != nil {
		return nil, err
	}
	if m.BreakerTransitions, err = meter.Int64Counter("newsgraph.breaker.transitions",
		metric.WithDescription("Circuit breaker state transitions"),
	); err != nil {
		return nil, err
	}
	if m.RateLimitWait, err = meter.Float64Histogram("newsgraph.ratelimit.wait",
		metric.WithDescription("Time spent waiting for an adjudicator token in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if m.ApplyActions, err = meter.Int64Counter("newsgraph.apply.actions",
		metric.WithDescription("Applier actions, by kind and outcome"),
	); err != nil {
		return nil, err
	}
	if m.SnapshotDuration, err = meter.Float64Histogram("newsgraph.snapshot.duration",
		metric.WithDescription("Snapshot projection duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if m.RequestDuration, err = meter.Float64Histogram("newsgraph.gateway.request.duration",
		metric.WithDescription("Gateway request duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if m.RateLimitRejects, err = meter.Int64Counter("newsgraph.gateway.ratelimit.rejects",
		metric.WithDescription("Gateway requests rejected by the rate limiter"),
	); err != nil {
		return nil, err
	}
	return m, nil
}
