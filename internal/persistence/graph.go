package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/basket/newsgraph/internal/shared"
)

// AddParticipant links an entity to an event. Roles are unioned when the
// pair already exists; the original time is kept.
func (s *Store) AddParticipant(ctx context.Context, p Participant) error {
	if err := p.Validate(); err != nil {
		return err
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return upsertParticipantTx(ctx, tx, p)
	})
}

func upsertParticipantTx(ctx context.Context, tx *sql.Tx, p Participant) error {
	var rolesJSON string
	err := tx.QueryRowContext(ctx, `
		SELECT roles_json FROM participants WHERE event_id = ? AND entity_id = ?;
	`, p.EventID, p.EntityID).Scan(&rolesJSON)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO participants (event_id, entity_id, roles_json, time) VALUES (?, ?, ?, ?);
		`, p.EventID, p.EntityID, encodeStrings(unionStrings(p.Roles)), shared.FormatTime(p.Time)); err != nil {
			return fmt.Errorf("insert participant: %w", err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("lookup participant: %w", err)
	}
	roles := unionStrings(decodeStrings(rolesJSON), p.Roles)
	if _, err := tx.ExecContext(ctx, `
		UPDATE participants SET roles_json = ? WHERE event_id = ? AND entity_id = ?;
	`, encodeStrings(roles), p.EventID, p.EntityID); err != nil {
		return fmt.Errorf("update participant roles: %w", err)
	}
	return nil
}

func (s *Store) EventParticipants(ctx context.Context, eventID string) ([]Participant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, entity_id, roles_json, time FROM participants WHERE event_id = ? ORDER BY rowid ASC;
	`, eventID)
	if err != nil {
		return nil, fmt.Errorf("event participants: %w", err)
	}
	return collectParticipants(rows)
}

func collectParticipants(rows *sql.Rows) ([]Participant, error) {
	defer rows.Close()
	var out []Participant
	for rows.Next() {
		var p Participant
		var roles, ts string
		if err := rows.Scan(&p.EventID, &p.EntityID, &roles, &ts); err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		p.Roles = decodeStrings(roles)
		p.Time, _ = shared.ParseTime(ts)
		out = append(out, p)
	}
	return out, rows.Err()
}

// AddRelation records a time-stamped triple. Re-adding the same triple at
// the same time unions its evidence and returns the existing id.
func (s *Store) AddRelation(ctx context.Context, r RelationTriple) (int64, error) {
	if err := r.Validate(); err != nil {
		return 0, err
	}
	var id int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		id, err = upsertRelationTx(ctx, tx, r)
		return err
	})
	return id, err
}

func upsertRelationTx(ctx context.Context, tx *sql.Tx, r RelationTriple) (int64, error) {
	ts := shared.FormatTime(r.Time)
	var id int64
	var existing string
	err := tx.QueryRowContext(ctx, `
		SELECT id, evidence_json FROM relations
		WHERE event_id = ? AND subject_entity_id = ? AND predicate = ? AND object_entity_id = ? AND time = ?;
	`, r.EventID, r.SubjectID, r.Predicate, r.ObjectID, ts).Scan(&id, &existing)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		res, err := tx.ExecContext(ctx, `
			INSERT INTO relations (event_id, subject_entity_id, predicate, object_entity_id, time, reported_at, evidence_json)
			VALUES (?, ?, ?, ?, ?, ?, ?);
		`, r.EventID, r.SubjectID, r.Predicate, r.ObjectID, ts, nullTime(r.Reported), encodeStrings(unionStrings(r.Evidence)))
		if err != nil {
			return 0, fmt.Errorf("insert relation: %w", err)
		}
		return res.LastInsertId()
	case err != nil:
		return 0, fmt.Errorf("lookup relation: %w", err)
	}
	merged := unionStrings(decodeStrings(existing), r.Evidence)
	if _, err := tx.ExecContext(ctx, `UPDATE relations SET evidence_json = ? WHERE id = ?;`, encodeStrings(merged), id); err != nil {
		return 0, fmt.Errorf("update relation evidence: %w", err)
	}
	return id, nil
}

func collectRelations(rows *sql.Rows) ([]RelationTriple, error) {
	defer rows.Close()
	var out []RelationTriple
	for rows.Next() {
		var (
			r        RelationTriple
			ts       string
			reported sql.NullString
			evidence string
		)
		if err := rows.Scan(&r.ID, &r.EventID, &r.SubjectID, &r.Predicate, &r.ObjectID, &ts, &reported, &evidence); err != nil {
			return nil, fmt.Errorf("scan relation: %w", err)
		}
		r.Time, _ = shared.ParseTime(ts)
		r.Reported = shared.ParseTimePtr(reported.String)
		r.Evidence = decodeStrings(evidence)
		out = append(out, r)
	}
	return out, rows.Err()
}

// UpsertEventEdge writes an evolution edge keyed on (from, to, edge_type).
// created reports whether the edge is new.
func (s *Store) UpsertEventEdge(ctx context.Context, e EventEdge) (bool, error) {
	if err := e.Validate(); err != nil {
		return false, err
	}
	var created bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		created, err = s.upsertEventEdgeTx(ctx, tx, e)
		return err
	})
	return created, err
}

func (s *Store) upsertEventEdgeTx(ctx context.Context, tx *sql.Tx, e EventEdge) (bool, error) {
	var n int
	if err := tx.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM event_edges WHERE from_event_id = ? AND to_event_id = ? AND edge_type = ?;
	`, e.FromEventID, e.ToEventID, e.EdgeType).Scan(&n); err != nil {
		return false, fmt.Errorf("lookup edge: %w", err)
	}
	now := s.nowText()
	_, err := tx.ExecContext(ctx, `
		INSERT INTO event_edges (from_event_id, to_event_id, edge_type, time, confidence, evidence_json, decision_input_hash, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(from_event_id, to_event_id, edge_type) DO UPDATE SET
			time = excluded.time,
			confidence = excluded.confidence,
			evidence_json = excluded.evidence_json,
			decision_input_hash = excluded.decision_input_hash,
			updated_at = excluded.updated_at;
	`, e.FromEventID, e.ToEventID, e.EdgeType, shared.FormatTime(e.Time), e.Confidence,
		encodeStrings(e.Evidence), e.DecisionInputHash, now, now)
	if err != nil {
		return false, fmt.Errorf("upsert edge: %w", err)
	}
	return n == 0, nil
}

func collectEdges(rows *sql.Rows) ([]EventEdge, error) {
	defer rows.Close()
	var out []EventEdge
	for rows.Next() {
		var e EventEdge
		var ts, evidence string
		if err := rows.Scan(&e.FromEventID, &e.ToEventID, &e.EdgeType, &ts, &e.Confidence, &evidence, &e.DecisionInputHash); err != nil {
			return nil, fmt.Errorf("scan edge: %w", err)
		}
		e.Time, _ = shared.ParseTime(ts)
		e.Evidence = decodeStrings(evidence)
		out = append(out, e)
	}
	return out, rows.Err()
}

// ListEventEdges returns all evolution edges in insertion order.
func (s *Store) ListEventEdges(ctx context.Context) ([]EventEdge, error) {
	rows, err := s.db.QueryContext(ctx, edgeSelect)
	if err != nil {
		return nil, fmt.Errorf("list edges: %w", err)
	}
	return collectEdges(rows)
}

const (
	edgeSelect = `SELECT from_event_id, to_event_id, edge_type, time, confidence, evidence_json, decision_input_hash
		FROM event_edges ORDER BY rowid ASC;`
	relationSelect = `SELECT id, event_id, subject_entity_id, predicate, object_entity_id, time, reported_at, evidence_json
		FROM relations ORDER BY id ASC;`
	participantSelect = `SELECT event_id, entity_id, roles_json, time FROM participants ORDER BY rowid ASC;`
)

// GraphRows is one consistent read of the canonical graph.
type GraphRows struct {
	Entities     []EntityCanonical
	Events       []EventCanonical
	Participants []Participant
	Relations    []RelationTriple
	Edges        []EventEdge
}

// ReadGraph loads every canonical table inside one read transaction so a
// concurrent merge cannot tear the result.
func (s *Store) ReadGraph(ctx context.Context) (*GraphRows, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin read tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	g := &GraphRows{}
	if g.Entities, err = listEntitiesTx(ctx, tx); err != nil {
		return nil, err
	}
	if g.Events, err = listEventsTx(ctx, tx); err != nil {
		return nil, err
	}
	rows, err := tx.QueryContext(ctx, participantSelect)
	if err != nil {
		return nil, fmt.Errorf("read participants: %w", err)
	}
	if g.Participants, err = collectParticipants(rows); err != nil {
		return nil, err
	}
	rows, err = tx.QueryContext(ctx, relationSelect)
	if err != nil {
		return nil, fmt.Errorf("read relations: %w", err)
	}
	if g.Relations, err = collectRelations(rows); err != nil {
		return nil, err
	}
	rows, err = tx.QueryContext(ctx, edgeSelect)
	if err != nil {
		return nil, fmt.Errorf("read edges: %w", err)
	}
	if g.Edges, err = collectEdges(rows); err != nil {
		return nil, err
	}
	return g, nil
}
