package adjudicator

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ErrParse marks model output that could not be turned into a verdict.
// Such tasks fail without automatic retry.
var ErrParse = errors.New("unparseable verdict")

// ParseError carries the raw model output alongside the reason.
type ParseError struct {
	Message string
	Raw     string
}

func (e *ParseError) Error() string { return "parse verdict: " + e.Message }

func (e *ParseError) Unwrap() error { return ErrParse }

//go:embed schema/*.json
var schemaFS embed.FS

var (
	schemasOnce  sync.Once
	schemasErr   error
	entitySchema *jsonschema.Schema
	eventSchema  *jsonschema.Schema
)

func compiledSchemas() (*jsonschema.Schema, *jsonschema.Schema, error) {
	schemasOnce.Do(func() {
		c := jsonschema.NewCompiler()
		for _, name := range []string{"entity_verdict.json", "event_verdict.json"} {
			raw, err := schemaFS.ReadFile("schema/" + name)
			if err != nil {
				schemasErr = fmt.Errorf("read schema %s: %w", name, err)
				return
			}
			doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
			if err != nil {
				schemasErr = fmt.Errorf("unmarshal schema %s: %w", name, err)
				return
			}
			if err := c.AddResource(name, doc); err != nil {
				schemasErr = fmt.Errorf("add schema %s: %w", name, err)
				return
			}
		}
		if entitySchema, schemasErr = c.Compile("entity_verdict.json"); schemasErr != nil {
			return
		}
		eventSchema, schemasErr = c.Compile("event_verdict.json")
	})
	return entitySchema, eventSchema, schemasErr
}

// DecodeEntityVerdict runs the extract, normalize, validate pipeline over
// raw model output. Legacy {"merge": bool} and {"decision": ...} shapes
// are accepted.
func DecodeEntityVerdict(raw string) (*EntityVerdict, error) {
	obj, err := extractObject(raw)
	if err != nil {
		return nil, err
	}
	normalizeVerdictKey(obj)
	if _, ok := obj["verdict"]; !ok {
		if m, isBool := obj["merge"].(bool); isBool {
			obj["verdict"] = VerdictSeparate
			if m {
				obj["verdict"] = VerdictMerge
			}
		}
	}
	normalizeLists(obj)

	schema, _, err := compiledSchemas()
	if err != nil {
		return nil, err
	}
	if err := schema.Validate(obj); err != nil {
		return nil, &ParseError{Message: fmt.Sprintf("schema validation failed: %s", err), Raw: raw}
	}
	var v EntityVerdict
	if err := remarshal(obj, &v); err != nil {
		return nil, &ParseError{Message: err.Error(), Raw: raw}
	}
	v.Merge = v.Verdict == VerdictMerge
	v.Raw = raw
	return &v, nil
}

// DecodeEventVerdict is DecodeEntityVerdict for merge-or-evolve output.
// An evolve verdict without an edge type becomes "related".
func DecodeEventVerdict(raw string) (*EventVerdict, error) {
	obj, err := extractObject(raw)
	if err != nil {
		return nil, err
	}
	normalizeVerdictKey(obj)
	if s, ok := obj["edge_type"].(string); ok {
		obj["edge_type"] = strings.ToLower(strings.TrimSpace(s))
	} else if obj["edge_type"] == nil {
		delete(obj, "edge_type")
	}
	normalizeLists(obj)

	_, schema, err := compiledSchemas()
	if err != nil {
		return nil, err
	}
	if err := schema.Validate(obj); err != nil {
		return nil, &ParseError{Message: fmt.Sprintf("schema validation failed: %s", err), Raw: raw}
	}
	var v EventVerdict
	if err := remarshal(obj, &v); err != nil {
		return nil, &ParseError{Message: err.Error(), Raw: raw}
	}
	if v.Verdict == VerdictEvolve && v.EdgeType == "" {
		v.EdgeType = "related"
	}
	v.Decision = v.Verdict
	v.Raw = raw
	return &v, nil
}

func extractObject(raw string) (map[string]any, error) {
	text := extractJSON(raw)
	if text == "" {
		return nil, &ParseError{Message: "response does not contain a JSON object", Raw: raw}
	}
	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(text))
	if err != nil {
		return nil, &ParseError{Message: fmt.Sprintf("invalid JSON: %s", err), Raw: raw}
	}
	obj, ok := parsed.(map[string]any)
	if !ok {
		return nil, &ParseError{Message: "verdict is not a JSON object", Raw: raw}
	}
	return obj, nil
}

// normalizeVerdictKey folds the older "decision" key into "verdict".
func normalizeVerdictKey(obj map[string]any) {
	if _, ok := obj["verdict"]; !ok {
		if d, ok := obj["decision"]; ok {
			obj["verdict"] = d
		}
	}
	if s, ok := obj["verdict"].(string); ok {
		obj["verdict"] = strings.ToLower(strings.TrimSpace(s))
	}
}

// normalizeLists coerces reasons and evidence into string arrays. A bare
// string becomes a one-item list and non-string items are JSON encoded.
func normalizeLists(obj map[string]any) {
	for _, key := range []string{"reasons", "evidence"} {
		switch v := obj[key].(type) {
		case nil:
			delete(obj, key)
		case string:
			if strings.TrimSpace(v) == "" {
				obj[key] = []any{}
			} else {
				obj[key] = []any{v}
			}
		case []any:
			out := make([]any, 0, len(v))
			for _, item := range v {
				switch s := item.(type) {
				case string:
					if strings.TrimSpace(s) != "" {
						out = append(out, s)
					}
				case nil:
				default:
					b, err := json.Marshal(s)
					if err == nil {
						out = append(out, string(b))
					}
				}
			}
			obj[key] = out
		}
	}
}

func remarshal(in any, out any) error {
	b, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("re-encode verdict: %w", err)
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("decode verdict: %w", err)
	}
	return nil
}

// extractJSON finds the verdict object in model output: a ```json fence,
// then a bare fence, then the first balanced object.
func extractJSON(text string) string {
	if idx := strings.Index(text, "```json"); idx >= 0 {
		start := idx + len("```json")
		if end := strings.Index(text[start:], "```"); end >= 0 {
			if candidate := strings.TrimSpace(text[start : start+end]); candidate != "" {
				return candidate
			}
		}
	}
	if idx := strings.Index(text, "```"); idx >= 0 {
		start := idx + 3
		if nl := strings.IndexByte(text[start:], '\n'); nl >= 0 {
			start += nl + 1
		}
		if end := strings.Index(text[start:], "```"); end >= 0 {
			if candidate := strings.TrimSpace(text[start : start+end]); json.Valid([]byte(candidate)) {
				return candidate
			}
		}
	}
	for i := 0; i < len(text); i++ {
		if text[i] != '{' {
			continue
		}
		if candidate := extractBalanced(text[i:]); candidate != "" && json.Valid([]byte(candidate)) {
			return candidate
		}
	}
	return ""
}

// extractBalanced returns the object starting at s[0], honoring strings
// and escapes, or "" when it never closes.
func extractBalanced(s string) string {
	depth := 0
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if escaped {
			escaped = false
			continue
		}
		if ch == '\\' && inString {
			escaped = true
			continue
		}
		if ch == '"' {
			inString = !inString
			continue
		}
		if inString {
			continue
		}
		switch ch {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[:i+1]
			}
		}
	}
	return ""
}
