package llm

import (
	"context"
	"errors"
	"strings"
)

var (
	// ErrCircuitOpen is returned without touching the network when a
	// provider's breaker rejects the call.
	ErrCircuitOpen = errors.New("circuit breaker is open")
	// ErrAllProvidersFailed wraps the last provider error once every
	// member of the pool has been tried.
	ErrAllProvidersFailed = errors.New("all LLM providers failed")
	// ErrEmptyResponse is returned when a provider answers with no content.
	ErrEmptyResponse = errors.New("empty response content")
	// ErrNoProviders is returned by a pool constructed without members.
	ErrNoProviders = errors.New("no LLM providers configured")
)

// ErrorClass categorizes provider errors for retry and failover decisions.
type ErrorClass string

const (
	ErrorClassAuth            ErrorClass = "AUTH"
	ErrorClassRateLimit       ErrorClass = "RATE_LIMIT"
	ErrorClassTimeout         ErrorClass = "TIMEOUT"
	ErrorClassBilling         ErrorClass = "BILLING"
	ErrorClassContextOverflow ErrorClass = "CONTEXT_OVERFLOW"
	ErrorClassNetwork         ErrorClass = "NETWORK"
	ErrorClassCircuitOpen     ErrorClass = "CIRCUIT_OPEN"
	ErrorClassUnknown         ErrorClass = "UNKNOWN"
)

// ClassifyError inspects err for known provider failure patterns and
// returns the most specific class that matches.
func ClassifyError(err error) ErrorClass {
	if err == nil {
		return ErrorClassUnknown
	}
	if errors.Is(err, ErrCircuitOpen) {
		return ErrorClassCircuitOpen
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorClassTimeout
	}
	msg := strings.ToLower(err.Error())

	switch {
	case containsAny(msg, "401", "unauthorized", "invalid key", "invalid api key", "forbidden", "403"):
		return ErrorClassAuth
	case containsAny(msg, "429", "rate limit", "rate_limit", "quota", "too many requests"):
		return ErrorClassRateLimit
	case containsAny(msg, "deadline exceeded", "timeout", "timed out"):
		return ErrorClassTimeout
	case containsAny(msg, "billing", "payment", "insufficient funds", "insufficient balance"):
		return ErrorClassBilling
	case containsAny(msg, "context_length", "context length", "token limit", "max tokens", "maximum context", "context window"):
		return ErrorClassContextOverflow
	case containsAny(msg, "connection refused", "connection reset", "no such host", "eof", "broken pipe", "502", "503", "504"):
		return ErrorClassNetwork
	}
	return ErrorClassUnknown
}

// IsTransient reports whether a call that failed with err may succeed if
// retried against the same provider.
func IsTransient(err error) bool {
	switch ClassifyError(err) {
	case ErrorClassRateLimit, ErrorClassTimeout, ErrorClassNetwork, ErrorClassUnknown:
		return true
	default:
		return false
	}
}

func containsAny(s string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}
