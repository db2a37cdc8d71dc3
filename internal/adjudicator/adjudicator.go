// Package adjudicator asks an LLM whether two canonical records describe
// the same thing, and decodes the answer into a typed verdict.
package adjudicator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/basket/newsgraph/internal/llm"
	"github.com/basket/newsgraph/internal/persistence"
	"github.com/basket/newsgraph/internal/safety"
	"github.com/basket/newsgraph/internal/shared"
)

// PromptVersion is stored with every decision so prompt changes can be
// told apart in the decision log.
const PromptVersion = "review-v1"

const (
	VerdictMerge    = "merge"
	VerdictSeparate = "separate"
	VerdictEvolve   = "evolve"

	maxSamplesPerSide = 3
)

// Completer is satisfied by *llm.Pool.
type Completer interface {
	Complete(ctx context.Context, req llm.Request) (llm.Response, error)
}

// EntityRecord is the canonical entity as shown to the model.
type EntityRecord struct {
	Name          string   `json:"name"`
	Aliases       []string `json:"aliases,omitempty"`
	OriginalForms []string `json:"original_forms,omitempty"`
	Sources       []string `json:"sources,omitempty"`
	FirstSeen     string   `json:"first_seen,omitempty"`
	LastSeen      string   `json:"last_seen,omitempty"`
}

func EntityRecordOf(e persistence.EntityCanonical) EntityRecord {
	return EntityRecord{
		Name:          e.Name,
		Aliases:       e.Aliases,
		OriginalForms: e.OriginalForms,
		Sources:       e.Sources,
		FirstSeen:     shared.FormatTime(e.FirstSeen),
		LastSeen:      shared.FormatTime(e.LastSeen),
	}
}

// EventRecord is the canonical event as shown to the model.
type EventRecord struct {
	EventID     string              `json:"event_id"`
	Abstract    string              `json:"abstract"`
	Summary     string              `json:"event_summary,omitempty"`
	EventTypes  []string            `json:"event_types,omitempty"`
	Time        string              `json:"time,omitempty"`
	Entities    []string            `json:"entities,omitempty"`
	EntityRoles map[string][]string `json:"entity_roles,omitempty"`
	Sources     []string            `json:"sources,omitempty"`
}

func EventRecordOf(e persistence.EventCanonical) EventRecord {
	t, _ := e.Time()
	return EventRecord{
		EventID:     e.EventID,
		Abstract:    e.Abstract,
		Summary:     e.Summary,
		EventTypes:  e.EventTypes,
		Time:        shared.FormatTime(t),
		Entities:    e.Entities,
		EntityRoles: e.EntityRoles,
		Sources:     e.Sources,
	}
}

// EventSample is a related event quoted as context.
type EventSample struct {
	Abstract string   `json:"abstract"`
	Summary  string   `json:"event_summary,omitempty"`
	Time     string   `json:"time,omitempty"`
	Entities []string `json:"entities,omitempty"`
}

func SampleOf(e persistence.EventCanonical) EventSample {
	t, _ := e.Time()
	return EventSample{Abstract: e.Abstract, Summary: e.Summary, Time: shared.FormatTime(t), Entities: e.Entities}
}

// Evidence holds context samples for each side of a pair. At most three
// per side are sent.
type Evidence struct {
	A []EventSample
	B []EventSample
}

type EntityVerdict struct {
	Verdict       string   `json:"verdict"`
	Merge         bool     `json:"merge"`
	CanonicalName string   `json:"canonical_name"`
	Confidence    float64  `json:"confidence"`
	Reasons       []string `json:"reasons"`
	Evidence      []string `json:"evidence"`

	Model    string `json:"-"`
	Provider string `json:"-"`
	Raw      string `json:"-"`
}

type EventVerdict struct {
	Verdict           string   `json:"verdict"`
	Decision          string   `json:"decision"`
	CanonicalAbstract string   `json:"canonical_abstract"`
	EdgeType          string   `json:"edge_type"`
	Confidence        float64  `json:"confidence"`
	Reasons           []string `json:"reasons"`
	Evidence          []string `json:"evidence"`

	Model    string `json:"-"`
	Provider string `json:"-"`
	Raw      string `json:"-"`
}

type Config struct {
	Completer   Completer
	Logger      *slog.Logger
	MaxTokens   int
	// Temperature nil means 0.2. Zero is honored.
	Temperature *float64
	Timeout     time.Duration
	// Provider is the preferred pool member; empty uses pool order.
	Provider string
}

type Adjudicator struct {
	completer   Completer
	logger      *slog.Logger
	maxTokens   int
	temperature float64
	timeout     time.Duration
	provider    string
}

func New(cfg Config) *Adjudicator {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1400
	}
	temperature := 0.2
	if cfg.Temperature != nil && *cfg.Temperature >= 0 {
		temperature = *cfg.Temperature
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = llm.DefaultTimeout
	}
	return &Adjudicator{
		completer:   cfg.Completer,
		logger:      cfg.Logger.With("component", "adjudicator"),
		maxTokens:   cfg.MaxTokens,
		temperature: temperature,
		timeout:     cfg.Timeout,
		provider:    cfg.Provider,
	}
}

func (a *Adjudicator) complete(ctx context.Context, prompt string) (llm.Response, error) {
	resp, err := a.completer.Complete(ctx, llm.Request{
		Prompt:      prompt,
		System:      systemPrompt,
		MaxTokens:   a.maxTokens,
		Temperature: llm.Temp(a.temperature),
		Timeout:     a.timeout,
		Provider:    a.provider,
	})
	if err != nil {
		return llm.Response{}, fmt.Errorf("adjudicator call: %w", err)
	}
	if !resp.Success() {
		return llm.Response{}, &ParseError{Message: "empty model response"}
	}
	return resp, nil
}

func (a *Adjudicator) reportFindings(ctx context.Context, findings []safety.CheckResult) {
	for _, f := range findings {
		a.logger.Warn("suspicious text in quoted record",
			"trace_id", shared.TraceID(ctx), "task_id", shared.TaskID(ctx), "reason", f.Reason, "filtered", f.Action == safety.ActionBlock)
	}
}

// AdjudicateEntityMerge decides whether a and b name the same entity.
func (a *Adjudicator) AdjudicateEntityMerge(ctx context.Context, x, y EntityRecord, ev Evidence) (*EntityVerdict, error) {
	prompt, findings, err := entityPrompt(x, y, ev)
	if err != nil {
		return nil, err
	}
	a.reportFindings(ctx, findings)
	resp, err := a.complete(ctx, prompt)
	if err != nil {
		return nil, err
	}
	v, err := DecodeEntityVerdict(resp.Content)
	if err != nil {
		a.logger.Warn("entity verdict rejected",
			"trace_id", shared.TraceID(ctx), "provider", resp.Provider, "error", err)
		return nil, err
	}
	v.Model, v.Provider = resp.Model, resp.Provider
	return v, nil
}

// AdjudicateEventMergeOrEvolve decides whether two events are one event,
// one developing from the other, or unrelated.
func (a *Adjudicator) AdjudicateEventMergeOrEvolve(ctx context.Context, x, y EventRecord, ev Evidence) (*EventVerdict, error) {
	prompt, findings, err := eventPrompt(x, y, ev)
	if err != nil {
		return nil, err
	}
	a.reportFindings(ctx, findings)
	resp, err := a.complete(ctx, prompt)
	if err != nil {
		return nil, err
	}
	v, err := DecodeEventVerdict(resp.Content)
	if err != nil {
		a.logger.Warn("event verdict rejected",
			"trace_id", shared.TraceID(ctx), "provider", resp.Provider, "error", err)
		return nil, err
	}
	v.Model, v.Provider = resp.Model, resp.Provider
	return v, nil
}
