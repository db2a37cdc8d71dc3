package tui

import (
	"errors"
	"strings"

	"github.com/basket/newsgraph/internal/adjudicator"
	"github.com/basket/newsgraph/internal/llm"
	"github.com/basket/newsgraph/internal/persistence"
)

var knownErrors = []struct {
	target error
	text   string
}{
	{adjudicator.ErrParse, "Model output could not be parsed as a verdict"},
	{llm.ErrCircuitOpen, "LLM provider unavailable (circuit open)"},
	{llm.ErrAllProvidersFailed, "All LLM providers failed"},
	{llm.ErrNoProviders, "No LLM providers configured"},
	{llm.ErrMissingAPIKey, "LLM provider API key missing"},
	{persistence.ErrTaskNotFound, "Review task no longer in the queue"},
	{persistence.ErrInvalidTransition, "Review task already claimed or finished"},
}

// humanError turns an error chain into one line for the status bar.
// Known newsgraph failures get a fixed message; anything else falls back to
// the innermost message: "queue stats: query: database is locked" → "Database is locked".
func humanError(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range knownErrors {
		if errors.Is(err, k.target) {
			return k.text
		}
	}
	msg := err.Error()
	if strings.Contains(msg, "database is locked") {
		return "Database is locked by another newsgraph process"
	}
	if idx := strings.LastIndex(msg, ": "); idx != -1 && idx+2 < len(msg) {
		msg = msg[idx+2:]
	}
	return strings.ToUpper(msg[:1]) + msg[1:]
}
