// Package llm is the provider-agnostic adjudicator boundary: a pool of
// LLM providers with retry, per-provider circuit breakers, and ordered
// failover.
package llm

import (
	"context"
	"time"
)

const (
	DefaultMaxTokens   = 2000
	DefaultTemperature = 0.7
	DefaultTimeout     = 120 * time.Second
)

// Request is one completion call.
type Request struct {
	Prompt      string
	System      string
	MaxTokens   int
	Temperature *float64
	Timeout     time.Duration
	// Provider names the preferred pool member; empty uses pool order.
	Provider string
}

// WithDefaults fills zero fields with the package defaults.
func (r Request) WithDefaults() Request {
	if r.MaxTokens <= 0 {
		r.MaxTokens = DefaultMaxTokens
	}
	if r.Temperature == nil {
		t := DefaultTemperature
		r.Temperature = &t
	}
	if r.Timeout <= 0 {
		r.Timeout = DefaultTimeout
	}
	return r
}

// Temp returns a pointer to t, for Request.Temperature literals.
func Temp(t float64) *float64 { return &t }

// Usage reports token consumption for one call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	// Estimated is set when the provider reported nothing and the counts
	// were derived from the text.
	Estimated bool `json:"estimated,omitempty"`
}

// Response is a completed call.
type Response struct {
	Content   string  `json:"content"`
	Model     string  `json:"model"`
	Provider  string  `json:"provider"`
	Usage     Usage   `json:"usage"`
	CostUSD   float64 `json:"cost_usd,omitempty"`
	LatencyMs int64   `json:"latency_ms"`
}

// Success reports whether the response carries usable content.
func (r Response) Success() bool {
	return r.Content != ""
}

// Provider is one LLM backend.
type Provider interface {
	Name() string
	Generate(ctx context.Context, req Request) (Response, error)
}

// Completer is the interface consumed by the adjudicator.
type Completer interface {
	Complete(ctx context.Context, req Request) (Response, error)
}
