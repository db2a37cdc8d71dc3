package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/basket/newsgraph/internal/bus"
	"github.com/basket/newsgraph/internal/dedup"
	"github.com/basket/newsgraph/internal/persistence"
	"github.com/basket/newsgraph/internal/shared"
)

// Result summarizes one IngestBatch call.
type Result struct {
	Documents    int      `json:"documents"`
	Duplicates   int      `json:"duplicates"`
	Entities     int      `json:"entities"`
	Events       int      `json:"events"`
	Relations    int      `json:"relations"`
	Participants int      `json:"participants"`
	Rejected     int      `json:"rejected"`
	Errors       []string `json:"errors,omitempty"`
}

type Config struct {
	Store          *persistence.Store
	Bus            *bus.Bus
	Logger         *slog.Logger
	Clock          shared.Clock
	DedupThreshold int
}

type Ingestor struct {
	store     *persistence.Store
	bus       *bus.Bus
	logger    *slog.Logger
	clock     shared.Clock
	threshold int
}

func New(cfg Config) *Ingestor {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = shared.SystemClock{}
	}
	return &Ingestor{
		store:     cfg.Store,
		bus:       cfg.Bus,
		logger:    cfg.Logger.With("component", "ingest"),
		clock:     cfg.Clock,
		threshold: cfg.DedupThreshold,
	}
}

// IngestBatch writes a batch of documents. Near-duplicates within the batch
// are dropped before anything is stored. A single bad record is logged and
// counted, never fatal to the batch; only context cancellation aborts.
func (i *Ingestor) IngestBatch(ctx context.Context, docs []Document) (Result, error) {
	runID := shared.NewRunID()
	ctx = shared.WithRunID(ctx, runID)
	d := dedup.New(i.threshold)
	var res Result

	for _, doc := range docs {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if d.IsDuplicate(doc.Text()) {
			res.Duplicates++
			i.logger.Debug("duplicate document dropped", "run_id", runID, "doc_id", doc.ID)
			continue
		}
		res.Documents++
		i.ingestDocument(ctx, doc, &res)
	}

	i.bus.Publish(bus.TopicIngestBatch, bus.IngestBatchEvent{
		RunID:      runID,
		Documents:  res.Documents,
		Duplicates: res.Duplicates,
		Rejected:   res.Rejected,
	})
	i.logger.Info("ingest batch complete",
		"run_id", runID,
		"documents", res.Documents,
		"duplicates", res.Duplicates,
		"rejected", res.Rejected,
	)
	return res, nil
}

func (i *Ingestor) reject(res *Result, docID string, err error) {
	res.Rejected++
	msg := fmt.Sprintf("%s: %v", docID, err)
	res.Errors = append(res.Errors, msg)
	i.logger.Warn("ingest record rejected", "doc_id", docID, "error", err)
}

func (i *Ingestor) ingestDocument(ctx context.Context, doc Document, res *Result) {
	reported := shared.ParseTimePtr(doc.ReportedAt)
	source := strings.TrimSpace(doc.Source)
	if source == "" {
		source = "unknown"
	}
	seen := i.clock.Now()
	if reported != nil {
		seen = *reported
	}

	// name -> entity id, including names only referenced by events.
	ids := map[string]string{}
	upsertEntity := func(name string, forms []string) (string, bool) {
		name = strings.TrimSpace(name)
		if name == "" {
			return "", false
		}
		if id, ok := ids[name]; ok && len(forms) == 0 {
			return id, true
		}
		mentionID, err := i.store.AddEntityMention(ctx, persistence.EntityMention{
			NameText: name, Source: source, ReportedAt: reported, Confidence: 1,
		})
		if err != nil {
			i.reject(res, doc.ID, err)
			return "", false
		}
		ent, err := i.store.UpsertEntity(ctx, persistence.EntityCanonical{
			Name:          name,
			FirstSeen:     seen,
			LastSeen:      seen,
			Sources:       []string{source},
			OriginalForms: forms,
		})
		if err != nil {
			i.reject(res, doc.ID, err)
			return "", false
		}
		if err := i.store.ResolveEntityMention(ctx, mentionID, ent.EntityID, 1); err != nil {
			i.logger.Warn("resolve entity mention failed", "mention_id", mentionID, "error", err)
		}
		if _, ok := ids[name]; !ok {
			res.Entities++
		}
		ids[name] = ent.EntityID
		return ent.EntityID, true
	}

	for _, e := range doc.Entities {
		upsertEntity(e.Name, e.OriginalForms)
	}

	for _, ev := range doc.Events {
		i.ingestEvent(ctx, doc, ev, source, reported, res, upsertEntity)
	}
}

func (i *Ingestor) ingestEvent(
	ctx context.Context,
	doc Document,
	ev Event,
	source string,
	reported *time.Time,
	res *Result,
	upsertEntity func(string, []string) (string, bool),
) {
	abstract := strings.TrimSpace(ev.Abstract)
	if abstract == "" {
		i.reject(res, doc.ID, &persistence.ValidationError{Field: "abstract", Reason: "empty"})
		return
	}
	start := shared.ParseTimePtr(ev.StartTime)
	canon := persistence.EventCanonical{
		Abstract:    abstract,
		Summary:     ev.Summary,
		EventTypes:  ev.Types,
		StartTime:   start,
		ReportedAt:  reported,
		FirstSeen:   reported,
		LastSeen:    reported,
		Sources:     []string{source},
		Entities:    ev.Entities,
		EntityRoles: ev.Roles,
	}
	if err := canon.Validate(); err != nil {
		i.reject(res, doc.ID, err)
		return
	}
	mentionID, err := i.store.AddEventMention(ctx, persistence.EventMention{
		AbstractText: abstract, Source: source, ReportedAt: reported, Confidence: 1,
	})
	if err != nil {
		i.reject(res, doc.ID, err)
		return
	}
	stored, err := i.store.UpsertEvent(ctx, canon)
	if err != nil {
		i.reject(res, doc.ID, err)
		return
	}
	res.Events++
	if err := i.store.ResolveEventMention(ctx, mentionID, stored.EventID, 1); err != nil {
		i.logger.Warn("resolve event mention failed", "mention_id", mentionID, "error", err)
	}

	// Dependent rows take the event time, then the document time.
	fallback, _ := canon.Time()

	for _, name := range ev.Entities {
		entityID, ok := upsertEntity(name, nil)
		if !ok {
			continue
		}
		p := persistence.Participant{
			EventID:  stored.EventID,
			EntityID: entityID,
			Roles:    ev.Roles[name],
			Time:     fallback,
		}
		if err := i.store.AddParticipant(ctx, p); err != nil {
			i.reject(res, doc.ID, err)
			continue
		}
		res.Participants++
	}

	for _, rel := range ev.Relations {
		subjectID, ok := upsertEntity(rel.Subject, nil)
		if !ok {
			continue
		}
		objectID, ok := upsertEntity(rel.Object, nil)
		if !ok {
			continue
		}
		t := fallback
		if parsed, ok := shared.ParseTime(rel.Time); ok {
			t = parsed
		}
		_, err := i.store.AddRelation(ctx, persistence.RelationTriple{
			EventID:   stored.EventID,
			SubjectID: subjectID,
			Predicate: strings.TrimSpace(rel.Predicate),
			ObjectID:  objectID,
			Time:      t,
			Reported:  reported,
			Evidence:  rel.Evidence,
		})
		if err != nil {
			if errors.Is(err, persistence.ErrMissingTime) {
				i.logger.Warn("relation without time rejected", "doc_id", doc.ID, "predicate", rel.Predicate)
			}
			i.reject(res, doc.ID, err)
			continue
		}
		res.Relations++
	}
}
