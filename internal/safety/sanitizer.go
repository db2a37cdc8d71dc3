// Package safety screens untrusted article text before it is quoted in an
// adjudication prompt. Stored records are never modified.
package safety

import (
	"regexp"
	"strings"
)

// Action indicates the recommended response to a detected pattern.
type Action int

const (
	ActionAllow Action = iota
	// ActionWarn flags suspicious text that is still quoted as is.
	ActionWarn
	// ActionBlock marks text that is filtered out of the prompt.
	ActionBlock
)

// Placeholder replaces filtered spans.
const Placeholder = "[filtered]"

type CheckResult struct {
	Action  Action
	Reason  string
	Pattern string // which pattern matched (for logging)
}

// Sanitizer detects prompt injection phrases in quoted text.
type Sanitizer struct{}

func NewSanitizer() *Sanitizer {
	return &Sanitizer{}
}

type injectionPattern struct {
	re     *regexp.Regexp
	action Action
	reason string
}

var injectionPatterns = []injectionPattern{
	// Role manipulation.
	{
		re:     regexp.MustCompile(`(?i)\b(ignore\s+(all\s+)?(previous|above|prior)\s+(instructions?|prompts?|rules?))\b`),
		action: ActionBlock,
		reason: "role manipulation: ignore previous instructions",
	},
	{
		re:     regexp.MustCompile(`(?i)\b(you\s+are\s+now\s+(a|an|the)\s+\w+)`),
		action: ActionBlock,
		reason: "role manipulation: identity override",
	},
	{
		re:     regexp.MustCompile(`(?i)\b(new\s+instructions?|override\s+(system\s+)?prompt|system\s+prompt\s+override)\b`),
		action: ActionBlock,
		reason: "role manipulation: system prompt override",
	},
	{
		re:     regexp.MustCompile(`(?i)\b(forget\s+(everything|all|your)\s+(you|instructions?)?)`),
		action: ActionBlock,
		reason: "role manipulation: memory wipe",
	},
	// Attempts to dictate the adjudication outcome.
	{
		re:     regexp.MustCompile(`(?i)\b(set|force|change)\s+(the\s+)?verdict\s+to\b`),
		action: ActionBlock,
		reason: "verdict steering",
	},
	// Prompt leaking.
	{
		re:     regexp.MustCompile(`(?i)\b(reveal|show|display|print|output|repeat)\s+(\w+\s+)?(your\s+)?(system\s+)?(prompt|instructions?|rules?|guidelines?)\b`),
		action: ActionBlock,
		reason: "prompt leaking: system prompt extraction",
	},
	{
		re:     regexp.MustCompile(`(?i)\b(what\s+(are|is)\s+your\s+(system\s+)?(prompt|instructions?|rules?))\b`),
		action: ActionBlock,
		reason: "prompt leaking: system prompt query",
	},
	// Markers that are suspicious on their own.
	{
		re:     regexp.MustCompile(`(?i)\[\s*SYSTEM\s*\]`),
		action: ActionWarn,
		reason: "injection marker: [SYSTEM] tag",
	},
	{
		re:     regexp.MustCompile(`(?i)<\s*\|?\s*(system|im_start|im_end)\s*\|?\s*>`),
		action: ActionWarn,
		reason: "injection marker: chat template tag",
	},
	{
		re:     regexp.MustCompile(`(?i)(aWdub3Jl|SWdub3Jl)`), // base64 of "ignore"/"Ignore"
		action: ActionWarn,
		reason: "potential encoded injection",
	},
}

// Check returns the first pattern input matches.
func (s *Sanitizer) Check(input string) CheckResult {
	if strings.TrimSpace(input) == "" {
		return CheckResult{Action: ActionAllow}
	}
	for _, pat := range injectionPatterns {
		if pat.re.MatchString(input) {
			return CheckResult{Action: pat.action, Reason: pat.reason, Pattern: pat.re.String()}
		}
	}
	return CheckResult{Action: ActionAllow}
}

// Neutralize replaces every blocking match with Placeholder and reports
// all matches, blocking or not.
func (s *Sanitizer) Neutralize(input string) (string, []CheckResult) {
	if strings.TrimSpace(input) == "" {
		return input, nil
	}
	var findings []CheckResult
	out := input
	for _, pat := range injectionPatterns {
		if !pat.re.MatchString(out) {
			continue
		}
		findings = append(findings, CheckResult{Action: pat.action, Reason: pat.reason, Pattern: pat.re.String()})
		if pat.action == ActionBlock {
			out = pat.re.ReplaceAllLiteralString(out, Placeholder)
		}
	}
	return out, findings
}

// Blocked reports whether any finding filtered text.
func Blocked(findings []CheckResult) bool {
	for _, f := range findings {
		if f.Action == ActionBlock {
			return true
		}
	}
	return false
}
