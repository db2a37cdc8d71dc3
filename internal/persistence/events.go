package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/basket/newsgraph/internal/shared"
)

const eventColumns = `event_id, abstract, event_summary, event_types_json, event_start_time, reported_at,
	first_seen, last_seen, sources_json, entities_json, entity_roles_json`

func scanEvent(row rowScanner) (EventCanonical, error) {
	var (
		e                               EventCanonical
		types, sources, entities, roles string
		start, reported, first, last    sql.NullString
	)
	if err := row.Scan(&e.EventID, &e.Abstract, &e.Summary, &types, &start, &reported,
		&first, &last, &sources, &entities, &roles); err != nil {
		return EventCanonical{}, err
	}
	e.EventTypes = decodeStrings(types)
	e.StartTime = shared.ParseTimePtr(start.String)
	e.ReportedAt = shared.ParseTimePtr(reported.String)
	e.FirstSeen = shared.ParseTimePtr(first.String)
	e.LastSeen = shared.ParseTimePtr(last.String)
	e.Sources = decodeStrings(sources)
	e.Entities = decodeStrings(entities)
	e.EntityRoles = decodeRoles(roles)
	return e, nil
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil || t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: shared.FormatTime(*t), Valid: true}
}

func getEventTx(ctx context.Context, q queryer, eventID string) (EventCanonical, error) {
	e, err := scanEvent(q.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE event_id = ?;`, eventID))
	if errors.Is(err, sql.ErrNoRows) {
		return EventCanonical{}, ErrNotFound
	}
	if err != nil {
		return EventCanonical{}, fmt.Errorf("get event %s: %w", eventID, err)
	}
	return e, nil
}

// mergeEventFields unions src into dst. dst keeps its abstract, and its
// summary unless that is empty.
func mergeEventFields(dst, src EventCanonical) EventCanonical {
	if strings.TrimSpace(dst.Summary) == "" {
		dst.Summary = src.Summary
	}
	dst.EventTypes = unionStrings(dst.EventTypes, src.EventTypes)
	dst.Sources = unionStrings(dst.Sources, src.Sources)
	dst.Entities = unionStrings(dst.Entities, src.Entities)
	dst.EntityRoles = unionRoles(dst.EntityRoles, src.EntityRoles)
	if dst.StartTime == nil {
		dst.StartTime = src.StartTime
	}
	dst.ReportedAt = minTime(dst.ReportedAt, src.ReportedAt)
	dst.FirstSeen = minTime(dst.FirstSeen, src.FirstSeen)
	dst.LastSeen = maxTime(dst.LastSeen, src.LastSeen)
	return dst
}

// UpsertEvent inserts the event or unions it into the existing row. The
// event must carry at least one of start, reported or first_seen.
func (s *Store) UpsertEvent(ctx context.Context, in EventCanonical) (EventCanonical, error) {
	in.Abstract = strings.TrimSpace(in.Abstract)
	if err := in.Validate(); err != nil {
		return EventCanonical{}, err
	}

	var out EventCanonical
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		id, err := resolveRedirectTx(ctx, tx, eventRedirectQuery, shared.EventID(in.Abstract))
		if err != nil {
			return err
		}
		existing, err := getEventTx(ctx, tx, id)
		switch {
		case errors.Is(err, ErrNotFound):
			out = mergeEventFields(EventCanonical{
				EventID:     shared.EventID(in.Abstract),
				Abstract:    in.Abstract,
				EntityRoles: map[string][]string{},
			}, in)
			if out.LastSeen == nil {
				if t, ok := out.Time(); ok {
					out.LastSeen = &t
				}
			}
			_, err = tx.ExecContext(ctx, `
				INSERT INTO events (`+eventColumns+`, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
			`, out.EventID, out.Abstract, out.Summary, encodeStrings(out.EventTypes),
				nullTime(out.StartTime), nullTime(out.ReportedAt), nullTime(out.FirstSeen), nullTime(out.LastSeen),
				encodeStrings(out.Sources), encodeStrings(out.Entities), encodeRoles(out.EntityRoles), s.nowText())
			if err != nil {
				return fmt.Errorf("insert event: %w", err)
			}
			return nil
		case err != nil:
			return err
		}
		out = mergeEventFields(existing, in)
		return s.updateEventTx(ctx, tx, out)
	})
	if err != nil {
		return EventCanonical{}, err
	}
	return out, nil
}

func (s *Store) updateEventTx(ctx context.Context, tx *sql.Tx, e EventCanonical) error {
	if _, ok := e.Time(); !ok {
		return missingTime("event time")
	}
	_, err := tx.ExecContext(ctx, `
		UPDATE events
		SET event_summary = ?, event_types_json = ?, event_start_time = ?, reported_at = ?,
			first_seen = ?, last_seen = ?, sources_json = ?, entities_json = ?, entity_roles_json = ?, updated_at = ?
		WHERE event_id = ?;
	`, e.Summary, encodeStrings(e.EventTypes), nullTime(e.StartTime), nullTime(e.ReportedAt),
		nullTime(e.FirstSeen), nullTime(e.LastSeen), encodeStrings(e.Sources), encodeStrings(e.Entities),
		encodeRoles(e.EntityRoles), s.nowText(), e.EventID)
	if err != nil {
		return fmt.Errorf("update event %s: %w", e.EventID, err)
	}
	return nil
}

func (s *Store) GetEvent(ctx context.Context, eventID string) (*EventCanonical, error) {
	e, err := getEventTx(ctx, s.db, eventID)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *Store) GetEventByAbstract(ctx context.Context, abstract string) (*EventCanonical, error) {
	id, err := s.CanonicalEventID(ctx, abstract)
	if err != nil {
		return nil, err
	}
	return s.GetEvent(ctx, id)
}

func (s *Store) CanonicalEventID(ctx context.Context, abstract string) (string, error) {
	return resolveRedirectTx(ctx, s.db, eventRedirectQuery, shared.EventID(abstract))
}

func (s *Store) ListEvents(ctx context.Context) ([]EventCanonical, error) {
	return listEventsTx(ctx, s.db)
}

func listEventsTx(ctx context.Context, q queryer) ([]EventCanonical, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+eventColumns+` FROM events ORDER BY abstract ASC;`)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return collectEvents(rows)
}

func collectEvents(rows *sql.Rows) ([]EventCanonical, error) {
	defer rows.Close()
	var out []EventCanonical
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// EventsForEntity returns the most recent events the named entity takes
// part in, newest first.
func (s *Store) EventsForEntity(ctx context.Context, name string, limit int) ([]EventCanonical, error) {
	if limit <= 0 {
		limit = 3
	}
	entityID, err := s.CanonicalEntityID(ctx, name)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.event_id, e.abstract, e.event_summary, e.event_types_json, e.event_start_time, e.reported_at,
			e.first_seen, e.last_seen, e.sources_json, e.entities_json, e.entity_roles_json
		FROM events e
		JOIN participants p ON p.event_id = e.event_id
		WHERE p.entity_id = ?
		ORDER BY COALESCE(e.event_start_time, e.reported_at, e.first_seen) DESC, e.event_id ASC
		LIMIT ?;
	`, entityID, limit)
	if err != nil {
		return nil, fmt.Errorf("events for entity: %w", err)
	}
	return collectEvents(rows)
}
