// Package snapshot projects the canonical store into five bounded graph
// views for external consumers.
package snapshot

import "fmt"

// SchemaVersion is the snapshot file format version written to meta.
const SchemaVersion = 1

type GraphType string

const (
	GraphGE       GraphType = "GE"
	GraphGET      GraphType = "GET"
	GraphEE       GraphType = "EE"
	GraphEEEvo    GraphType = "EE_EVO"
	GraphEventEvo GraphType = "EVENT_EVO"
)

// AllGraphTypes lists the views in build order.
var AllGraphTypes = []GraphType{GraphGE, GraphGET, GraphEE, GraphEEEvo, GraphEventEvo}

func ParseGraphType(s string) (GraphType, error) {
	for _, gt := range AllGraphTypes {
		if string(gt) == s {
			return gt, nil
		}
	}
	return "", fmt.Errorf("unknown graph type %q", s)
}

const (
	colorEntity   = "#1f77b4"
	colorEvent    = "#ff7f0e"
	colorRelation = "#999999"

	labelMaxRunes = 80
	maxRoleTitles = 6
	maxEvidence   = 5
)

type Params struct {
	TopEntities int `json:"top_entities" yaml:"top_entities"`
	TopEvents   int `json:"top_events" yaml:"top_events"`
	MaxEdges    int `json:"max_edges" yaml:"max_edges"`
	// DaysWindow keeps only rows newer than now minus this many days; 0 keeps all.
	DaysWindow int `json:"days_window" yaml:"days_window"`
	// GapDays splits a relation into separate validity intervals.
	GapDays int `json:"gap_days" yaml:"gap_days"`
}

func DefaultParams() Params {
	return Params{TopEntities: 500, TopEvents: 500, MaxEdges: 5000, DaysWindow: 0, GapDays: 30}
}

func (p Params) withDefaults() Params {
	d := DefaultParams()
	if p.TopEntities <= 0 {
		p.TopEntities = d.TopEntities
	}
	if p.TopEvents <= 0 {
		p.TopEvents = d.TopEvents
	}
	if p.MaxEdges <= 0 {
		p.MaxEdges = d.MaxEdges
	}
	if p.DaysWindow < 0 {
		p.DaysWindow = 0
	}
	if p.GapDays <= 0 {
		p.GapDays = d.GapDays
	}
	return p
}

type Node struct {
	ID    string         `json:"id"`
	Label string         `json:"label"`
	Type  string         `json:"type"`
	Color string         `json:"color"`
	Time  string         `json:"time,omitempty"`
	Attrs map[string]any `json:"attrs,omitempty"`
}

type Edge struct {
	From       string         `json:"from"`
	To         string         `json:"to"`
	Type       string         `json:"type"`
	Title      string         `json:"title"`
	Time       string         `json:"time"`
	Confidence *float64       `json:"confidence,omitempty"`
	Evidence   []string       `json:"evidence,omitempty"`
	Attrs      map[string]any `json:"attrs,omitempty"`
}

type Meta struct {
	GraphType     GraphType `json:"graph_type"`
	GeneratedAt   string    `json:"generated_at"`
	Params        Params    `json:"params"`
	NodeCount     int       `json:"node_count"`
	EdgeCount     int       `json:"edge_count"`
	SchemaVersion int       `json:"schema_version"`
}

type Snapshot struct {
	Meta  Meta   `json:"meta"`
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}
