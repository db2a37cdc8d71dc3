package adjudicator

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/basket/newsgraph/internal/safety"
)

const systemPrompt = "You are a knowledge graph curator. Answer with a single JSON object and nothing else."

type promptSide[R any] struct {
	Record  R             `json:"record"`
	Samples []EventSample `json:"related_events,omitempty"`
}

func capSamples(s []EventSample) []EventSample {
	if len(s) > maxSamplesPerSide {
		return s[:maxSamplesPerSide]
	}
	return s
}

var sanitizer = safety.NewSanitizer()

// sideJSON renders one side of the pair. Record text comes from articles,
// so injection phrases are filtered before it is quoted.
func sideJSON[R any](r R, samples []EventSample, findings *[]safety.CheckResult) (string, error) {
	b, err := json.MarshalIndent(promptSide[R]{Record: r, Samples: capSamples(samples)}, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode prompt record: %w", err)
	}
	out, found := sanitizer.Neutralize(string(b))
	*findings = append(*findings, found...)
	return out, nil
}

func entityPrompt(a, b EntityRecord, ev Evidence) (string, []safety.CheckResult, error) {
	var findings []safety.CheckResult
	left, err := sideJSON(a, ev.A, &findings)
	if err != nil {
		return "", nil, err
	}
	right, err := sideJSON(b, ev.B, &findings)
	if err != nil {
		return "", nil, err
	}
	var sb strings.Builder
	sb.WriteString("Decide whether the two entity records below refer to the same real-world entity.\n")
	sb.WriteString("Answer merge only when you are highly certain; otherwise answer separate.\n")
	sb.WriteString("When merging, give the most complete and official name as canonical_name.\n\n")
	sb.WriteString("Entity A:\n" + left + "\n\nEntity B:\n" + right + "\n\n")
	sb.WriteString(`Respond with JSON:
{
  "verdict": "merge" | "separate",
  "canonical_name": "",
  "confidence": 0.0,
  "reasons": [""],
  "evidence": [""]
}
`)
	return sb.String(), findings, nil
}

func eventPrompt(a, b EventRecord, ev Evidence) (string, []safety.CheckResult, error) {
	var findings []safety.CheckResult
	left, err := sideJSON(a, ev.A, &findings)
	if err != nil {
		return "", nil, err
	}
	right, err := sideJSON(b, ev.B, &findings)
	if err != nil {
		return "", nil, err
	}
	var sb strings.Builder
	sb.WriteString("Decide how the two events below relate.\n")
	sb.WriteString("merge: the same event reported differently.\n")
	sb.WriteString("evolve: distinct events where one follows, responds to, escalates or causes the other.\n")
	sb.WriteString("separate: no strong relation or not enough information.\n\n")
	sb.WriteString("Event A:\n" + left + "\n\nEvent B:\n" + right + "\n\n")
	sb.WriteString(`Respond with JSON:
{
  "verdict": "merge" | "evolve" | "separate",
  "canonical_abstract": "",
  "edge_type": "follows" | "responds_to" | "escalates" | "causes" | "related",
  "confidence": 0.0,
  "reasons": [""],
  "evidence": [""]
}
`)
	return sb.String(), findings, nil
}
