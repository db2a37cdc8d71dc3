// Package ingest turns extracted news documents into mentions and
// canonical records.
package ingest

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// Document is one news item with its extraction output attached.
type Document struct {
	ID         string   `json:"id"`
	Source     string   `json:"source"`
	Title      string   `json:"title"`
	Content    string   `json:"content"`
	ReportedAt string   `json:"reported_at,omitempty"`
	Entities   []Entity `json:"entities,omitempty"`
	Events     []Event  `json:"events,omitempty"`
}

// Text is the body the deduplicator fingerprints.
func (d Document) Text() string {
	return d.Title + "\n" + d.Content
}

type Entity struct {
	Name          string   `json:"name"`
	OriginalForms []string `json:"original_forms,omitempty"`
}

type Event struct {
	Abstract  string              `json:"abstract"`
	Summary   string              `json:"event_summary,omitempty"`
	Types     []string            `json:"event_types,omitempty"`
	StartTime string              `json:"event_start_time,omitempty"`
	Entities  []string            `json:"entities,omitempty"`
	Roles     map[string][]string `json:"entity_roles,omitempty"`
	Relations []Relation          `json:"relations,omitempty"`
}

type Relation struct {
	Subject   string   `json:"subject"`
	Predicate string   `json:"predicate"`
	Object    string   `json:"object"`
	Time      string   `json:"time,omitempty"`
	Evidence  []string `json:"evidence,omitempty"`
}

// ReadJSONL decodes one Document per non-blank line.
func ReadJSONL(r io.Reader) ([]Document, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	var docs []Document
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		var d Document
		if err := json.Unmarshal([]byte(text), &d); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		docs = append(docs, d)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read jsonl: %w", err)
	}
	return docs, nil
}
