package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/newsgraph/internal/bus"
	"github.com/basket/newsgraph/internal/export"
	"github.com/basket/newsgraph/internal/otel"
	"github.com/basket/newsgraph/internal/persistence"
	"github.com/basket/newsgraph/internal/shared"
)

type Config struct {
	Store   *persistence.Store
	Params  Params
	Bus     *bus.Bus
	Clock   shared.Clock
	Logger  *slog.Logger
	Metrics *otel.Metrics
	Tracer  trace.Tracer
}

// Projector builds graph views from one consistent read of the store.
type Projector struct {
	store   *persistence.Store
	params  Params
	bus     *bus.Bus
	clock   shared.Clock
	logger  *slog.Logger
	metrics *otel.Metrics
	tracer  trace.Tracer
}

func New(cfg Config) *Projector {
	if cfg.Clock == nil {
		cfg.Clock = shared.SystemClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = nooptrace.NewTracerProvider().Tracer(otel.TracerName)
	}
	return &Projector{
		store:   cfg.Store,
		params:  cfg.Params.withDefaults(),
		bus:     cfg.Bus,
		clock:   cfg.Clock,
		logger:  cfg.Logger.With("component", "snapshot"),
		metrics: cfg.Metrics,
		tracer:  cfg.Tracer,
	}
}

func (p *Projector) Params() Params { return p.params }

// Build projects a single view.
func (p *Projector) Build(ctx context.Context, gt GraphType) (*Snapshot, error) {
	rows, err := p.store.ReadGraph(ctx)
	if err != nil {
		return nil, fmt.Errorf("read graph: %w", err)
	}
	return p.project(ctx, gt, rows, p.clock.Now())
}

// BuildAll projects every view from the same read, so all five agree.
func (p *Projector) BuildAll(ctx context.Context) ([]*Snapshot, error) {
	rows, err := p.store.ReadGraph(ctx)
	if err != nil {
		return nil, fmt.Errorf("read graph: %w", err)
	}
	now := p.clock.Now()
	out := make([]*Snapshot, 0, len(AllGraphTypes))
	for _, gt := range AllGraphTypes {
		snap, err := p.project(ctx, gt, rows, now)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, nil
}

func (p *Projector) project(ctx context.Context, gt GraphType, rows *persistence.GraphRows, now time.Time) (snap *Snapshot, err error) {
	_, span := otel.StartSpan(ctx, p.tracer, "snapshot.build", otel.AttrGraphType.String(string(gt)))
	defer func() { otel.EndSpan(span, err) }()
	start := time.Now()

	ix := newIndex(rows, p.params, now)
	k := p.params.TopEntities + p.params.TopEvents
	var g *graph
	switch gt {
	case GraphGE:
		g = buildGE(rows, ix)
	case GraphGET:
		g = buildGET(rows, ix)
	case GraphEE:
		g = buildEE(rows, ix)
		k = p.params.TopEntities
	case GraphEEEvo:
		g = buildEEEvo(rows, ix, p.params.GapDays)
	case GraphEventEvo:
		g = buildEventEvo(rows, ix)
	default:
		return nil, fmt.Errorf("unknown graph type %q", gt)
	}
	nodes, edges := g.prune(k, p.params.MaxEdges)

	snap = &Snapshot{
		Meta: Meta{
			GraphType:     gt,
			GeneratedAt:   shared.FormatTime(now),
			Params:        p.params,
			NodeCount:     len(nodes),
			EdgeCount:     len(edges),
			SchemaVersion: SchemaVersion,
		},
		Nodes: nodes,
		Edges: edges,
	}
	if p.metrics != nil {
		p.metrics.SnapshotDuration.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(otel.AttrGraphType.String(string(gt))))
	}
	p.logger.Debug("snapshot built", "graph_type", gt, "nodes", len(nodes), "edges", len(edges))
	return snap, nil
}

// WriteAll writes each snapshot to <dir>/<TYPE>.json and returns the paths
// keyed by graph type.
func (p *Projector) WriteAll(dir string, snaps []*Snapshot) (map[GraphType]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot dir: %w", err)
	}
	paths := make(map[GraphType]string, len(snaps))
	for _, s := range snaps {
		path := filepath.Join(dir, string(s.Meta.GraphType)+".json")
		if err := export.WriteJSONAtomic(path, s); err != nil {
			return paths, fmt.Errorf("write %s: %w", s.Meta.GraphType, err)
		}
		paths[s.Meta.GraphType] = path
		p.bus.Publish(bus.TopicSnapshotWritten, bus.SnapshotWrittenEvent{
			GraphType: string(s.Meta.GraphType),
			Path:      path,
			NodeCount: s.Meta.NodeCount,
			EdgeCount: s.Meta.EdgeCount,
		})
		p.logger.Info("snapshot written", "graph_type", s.Meta.GraphType, "path", path,
			"nodes", s.Meta.NodeCount, "edges", s.Meta.EdgeCount)
	}
	return paths, nil
}

// BuildAndWrite is the one-call form used by the CLI and cron.
func (p *Projector) BuildAndWrite(ctx context.Context, dir string) (map[GraphType]string, error) {
	snaps, err := p.BuildAll(ctx)
	if err != nil {
		return nil, err
	}
	return p.WriteAll(dir, snaps)
}

// Read loads a snapshot file. Counts in meta are recomputed from the
// arrays so a hand-edited file cannot lie about its size.
func Read(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", path, err)
	}
	s.Meta.NodeCount = len(s.Nodes)
	s.Meta.EdgeCount = len(s.Edges)
	return &s, nil
}
