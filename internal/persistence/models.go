package persistence

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

// ErrMissingTime rejects time-bearing records that carry no time.
var ErrMissingTime = errors.New("missing time")

// ValidationError names the offending field of a rejected record.
type ValidationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("invalid %s: %v", e.Field, e.Err)
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return e.Err }

func missingTime(field string) error {
	return &ValidationError{Field: field, Reason: "missing time", Err: ErrMissingTime}
}

// EntityCanonical is the deduplicated identity for a named thing.
type EntityCanonical struct {
	EntityID      string    `json:"entity_id"`
	Name          string    `json:"name"`
	FirstSeen     time.Time `json:"first_seen"`
	LastSeen      time.Time `json:"last_seen"`
	Sources       []string  `json:"sources"`
	OriginalForms []string  `json:"original_forms"`
	Aliases       []string  `json:"aliases"`
}

// EventCanonical is the deduplicated identity for a happening.
type EventCanonical struct {
	EventID     string              `json:"event_id"`
	Abstract    string              `json:"abstract"`
	Summary     string              `json:"event_summary"`
	EventTypes  []string            `json:"event_types"`
	StartTime   *time.Time          `json:"event_start_time,omitempty"`
	ReportedAt  *time.Time          `json:"reported_at,omitempty"`
	FirstSeen   *time.Time          `json:"first_seen,omitempty"`
	LastSeen    *time.Time          `json:"last_seen,omitempty"`
	Sources     []string            `json:"sources"`
	Entities    []string            `json:"entities"`
	EntityRoles map[string][]string `json:"entity_roles"`
}

// Time resolves start, then reported, then first_seen.
func (e EventCanonical) Time() (time.Time, bool) {
	for _, t := range []*time.Time{e.StartTime, e.ReportedAt, e.FirstSeen} {
		if t != nil && !t.IsZero() {
			return *t, true
		}
	}
	return time.Time{}, false
}

func (e EventCanonical) Validate() error {
	if strings.TrimSpace(e.Abstract) == "" {
		return &ValidationError{Field: "abstract", Reason: "empty"}
	}
	if _, ok := e.Time(); !ok {
		return missingTime("event time")
	}
	return nil
}

type Participant struct {
	EventID  string    `json:"event_id"`
	EntityID string    `json:"entity_id"`
	Roles    []string  `json:"roles"`
	Time     time.Time `json:"time"`
}

func (p Participant) Validate() error {
	if p.EventID == "" || p.EntityID == "" {
		return &ValidationError{Field: "participant", Reason: "event_id and entity_id required"}
	}
	if p.Time.IsZero() {
		return missingTime("participant time")
	}
	return nil
}

type RelationTriple struct {
	ID        int64      `json:"id,omitempty"`
	EventID   string     `json:"event_id"`
	SubjectID string     `json:"subject_entity_id"`
	Predicate string     `json:"predicate"`
	ObjectID  string     `json:"object_entity_id"`
	Time      time.Time  `json:"time"`
	Reported  *time.Time `json:"reported_at,omitempty"`
	Evidence  []string   `json:"evidence"`
}

func (r RelationTriple) Validate() error {
	if r.EventID == "" || r.SubjectID == "" || r.ObjectID == "" {
		return &ValidationError{Field: "relation", Reason: "event, subject and object required"}
	}
	if strings.TrimSpace(r.Predicate) == "" {
		return &ValidationError{Field: "predicate", Reason: "empty"}
	}
	if r.Time.IsZero() {
		return missingTime("relation time")
	}
	return nil
}

const (
	EdgeFollows    = "follows"
	EdgeRespondsTo = "responds_to"
	EdgeEscalates  = "escalates"
	EdgeCauses     = "causes"
	EdgeRelated    = "related"
)

var edgeTypes = []string{EdgeFollows, EdgeRespondsTo, EdgeEscalates, EdgeCauses, EdgeRelated}

// ValidEdgeType reports whether t is one of the known evolution edge types.
func ValidEdgeType(t string) bool {
	return slices.Contains(edgeTypes, t)
}

type EventEdge struct {
	FromEventID       string    `json:"from_event_id"`
	ToEventID         string    `json:"to_event_id"`
	EdgeType          string    `json:"edge_type"`
	Time              time.Time `json:"time"`
	Confidence        float64   `json:"confidence"`
	Evidence          []string  `json:"evidence"`
	DecisionInputHash string    `json:"decision_input_hash,omitempty"`
}

func (e EventEdge) Validate() error {
	if e.FromEventID == "" || e.ToEventID == "" {
		return &ValidationError{Field: "edge", Reason: "from and to required"}
	}
	if !ValidEdgeType(e.EdgeType) {
		return &ValidationError{Field: "edge_type", Reason: fmt.Sprintf("unknown type %q", e.EdgeType)}
	}
	if e.Time.IsZero() {
		return missingTime("edge time")
	}
	return nil
}

// EntityMention is a raw surface form observed in one document.
type EntityMention struct {
	MentionID        string     `json:"mention_id"`
	NameText         string     `json:"name_text"`
	ReportedAt       *time.Time `json:"reported_at,omitempty"`
	Source           string     `json:"source"`
	ResolvedEntityID string     `json:"resolved_entity_id,omitempty"`
	Confidence       float64    `json:"confidence"`
	CreatedAt        time.Time  `json:"created_at"`
}

// EventMention is a raw event abstract observed in one document.
type EventMention struct {
	MentionID       string     `json:"mention_id"`
	AbstractText    string     `json:"abstract_text"`
	ReportedAt      *time.Time `json:"reported_at,omitempty"`
	Source          string     `json:"source"`
	ResolvedEventID string     `json:"resolved_event_id,omitempty"`
	Confidence      float64    `json:"confidence"`
	CreatedAt       time.Time  `json:"created_at"`
}

type TaskType string

const (
	TaskEntityMerge TaskType = "entity_merge_review"
	TaskEventMerge  TaskType = "event_merge_or_evolve_review"
)

func (t TaskType) Valid() bool {
	return t == TaskEntityMerge || t == TaskEventMerge
}

type TaskStatus string

const (
	TaskPending TaskStatus = "pending"
	TaskRunning TaskStatus = "running"
	TaskDone    TaskStatus = "done"
	TaskFailed  TaskStatus = "failed"
)

type ReviewTask struct {
	TaskID    string          `json:"task_id"`
	Type      TaskType        `json:"type"`
	InputHash string          `json:"input_hash"`
	Payload   json.RawMessage `json:"payload"`
	Status    TaskStatus      `json:"status"`
	Priority  int             `json:"priority"`
	Attempts  int             `json:"attempts"`
	ClaimedAt *time.Time      `json:"claimed_at,omitempty"`
	Output    string          `json:"output,omitempty"`
	Error     string          `json:"error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// TaskEvent is one lifecycle transition of a review task.
type TaskEvent struct {
	ID         int64      `json:"id"`
	TaskID     string     `json:"task_id"`
	FromStatus TaskStatus `json:"from_status"`
	ToStatus   TaskStatus `json:"to_status"`
	Reason     string     `json:"reason"`
	TraceID    string     `json:"trace_id"`
	CreatedAt  time.Time  `json:"created_at"`
}

// MergeDecision is an append-only adjudication record keyed by input hash.
type MergeDecision struct {
	ID            int64           `json:"id"`
	Type          TaskType        `json:"type"`
	InputHash     string          `json:"input_hash"`
	Output        json.RawMessage `json:"output"`
	Model         string          `json:"model"`
	PromptVersion string          `json:"prompt_version"`
	CreatedAt     time.Time       `json:"created_at"`
}

// DecisionWithPayload pairs the latest decision for a hash with the
// payload of the task that produced it.
type DecisionWithPayload struct {
	MergeDecision
	TaskID  string          `json:"task_id"`
	Payload json.RawMessage `json:"payload"`
}

func encodeStrings(v []string) string {
	if len(v) == 0 {
		return "[]"
	}
	b, _ := json.Marshal(v)
	return string(b)
}

func decodeStrings(s string) []string {
	if s == "" {
		return []string{}
	}
	var out []string
	if err := json.Unmarshal([]byte(s), &out); err != nil || out == nil {
		return []string{}
	}
	return out
}

func encodeRoles(v map[string][]string) string {
	if len(v) == 0 {
		return "{}"
	}
	b, _ := json.Marshal(v)
	return string(b)
}

func decodeRoles(s string) map[string][]string {
	out := map[string][]string{}
	if s != "" {
		_ = json.Unmarshal([]byte(s), &out)
	}
	return out
}

// unionStrings appends the members of extra missing from base, keeping
// first-seen order and skipping blanks.
func unionStrings(base []string, extra ...[]string) []string {
	out := make([]string, 0, len(base))
	seen := make(map[string]struct{}, len(base))
	add := func(v string) {
		if strings.TrimSpace(v) == "" {
			return
		}
		if _, ok := seen[v]; ok {
			return
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	for _, v := range base {
		add(v)
	}
	for _, list := range extra {
		for _, v := range list {
			add(v)
		}
	}
	return out
}

func unionRoles(base map[string][]string, extra map[string][]string) map[string][]string {
	out := make(map[string][]string, len(base)+len(extra))
	for k, v := range base {
		out[k] = unionStrings(v)
	}
	for k, v := range extra {
		out[k] = unionStrings(out[k], v)
	}
	return out
}

func minTime(a, b *time.Time) *time.Time {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	case b.Before(*a):
		return b
	default:
		return a
	}
}

func maxTime(a, b *time.Time) *time.Time {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	case b.After(*a):
		return b
	default:
		return a
	}
}
