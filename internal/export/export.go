// Package export writes the flat compatibility JSON maps read by consumers
// that predate the canonical store.
package export

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/basket/newsgraph/internal/persistence"
	"github.com/basket/newsgraph/internal/shared"
)

const (
	EntitiesFile    = "entities.json"
	AbstractMapFile = "abstract_to_event_map.json"
)

type EntityEntry struct {
	FirstSeen     string   `json:"first_seen"`
	Sources       []string `json:"sources"`
	OriginalForms []string `json:"original_forms"`
}

type EventEntry struct {
	Entities       []string `json:"entities"`
	EventSummary   string   `json:"event_summary"`
	Sources        []string `json:"sources"`
	FirstSeen      string   `json:"first_seen"`
	EventID        string   `json:"event_id"`
	EventStartTime string   `json:"event_start_time,omitempty"`
	ReportedAt     string   `json:"reported_at,omitempty"`
}

// Result names the files written and their entry counts.
type Result struct {
	EntitiesPath string `json:"entities_path"`
	EventsPath   string `json:"events_path"`
	Entities     int    `json:"entities"`
	Events       int    `json:"events"`
}

// Build derives both maps from one graph read.
func Build(g *persistence.GraphRows) (map[string]EntityEntry, map[string]EventEntry) {
	entities := make(map[string]EntityEntry, len(g.Entities))
	for _, e := range g.Entities {
		entities[e.Name] = EntityEntry{
			FirstSeen:     shared.FormatTime(e.FirstSeen),
			Sources:       nonNil(e.Sources),
			OriginalForms: nonNil(e.OriginalForms),
		}
	}
	events := make(map[string]EventEntry, len(g.Events))
	for _, e := range g.Events {
		first := e.FirstSeen
		if first == nil {
			if t, ok := e.Time(); ok {
				first = &t
			}
		}
		events[e.Abstract] = EventEntry{
			Entities:       nonNil(e.Entities),
			EventSummary:   e.Summary,
			Sources:        nonNil(e.Sources),
			FirstSeen:      shared.FormatTimePtr(first),
			EventID:        e.EventID,
			EventStartTime: shared.FormatTimePtr(e.StartTime),
			ReportedAt:     shared.FormatTimePtr(e.ReportedAt),
		}
	}
	return entities, events
}

type Exporter struct {
	store  *persistence.Store
	dir    string
	logger *slog.Logger
}

func New(store *persistence.Store, dir string, logger *slog.Logger) *Exporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Exporter{store: store, dir: dir, logger: logger.With("component", "export")}
}

func (x *Exporter) Dir() string { return x.dir }

// Export rewrites both files from the current store contents.
func (x *Exporter) Export(ctx context.Context) (Result, error) {
	g, err := x.store.ReadGraph(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("export: %w", err)
	}
	entities, events := Build(g)
	res := Result{
		EntitiesPath: filepath.Join(x.dir, EntitiesFile),
		EventsPath:   filepath.Join(x.dir, AbstractMapFile),
		Entities:     len(entities),
		Events:       len(events),
	}
	if err := WriteJSONAtomic(res.EntitiesPath, entities); err != nil {
		return Result{}, err
	}
	if err := WriteJSONAtomic(res.EventsPath, events); err != nil {
		return Result{}, err
	}
	x.logger.Info("compat export written", "dir", x.dir, "entities", res.Entities, "events", res.Events)
	return res, nil
}

// WriteJSONAtomic encodes v with sorted map keys into a temp file beside
// path and renames it into place, so readers never see a partial file.
func WriteJSONAtomic(path string, v any) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write %s: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}

func nonNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}
