package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/basket/newsgraph/internal/bus"
	"github.com/basket/newsgraph/internal/shared"
)

// Merge outcome statuses.
const (
	MergeApplied = "merged"
	MergeSkipped = "skipped"
)

// MergeResult reports what a merge did. A skipped merge changed nothing.
type MergeResult struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
	FromID string `json:"from_id"`
	ToID   string `json:"to_id"`
}

func skipped(fromID, toID, reason string) MergeResult {
	return MergeResult{Status: MergeSkipped, Reason: reason, FromID: fromID, ToID: toID}
}

// MergeEntities folds fromID into toID: aliases, sources and original
// forms are unioned, first_seen takes the minimum, every relation,
// participant, event entity list and mention is re-pointed, a redirect is
// recorded, and the from row is deleted. Merging a missing entity, or an
// entity into itself, is a skipped no-op, so replaying a decision is safe.
func (s *Store) MergeEntities(ctx context.Context, fromID, toID, reason, decisionHash string) (MergeResult, error) {
	var result MergeResult
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if fromID == toID {
			result = skipped(fromID, toID, "same_entity")
			return nil
		}
		from, err := getEntityTx(ctx, tx, fromID)
		if errors.Is(err, ErrNotFound) {
			result = skipped(fromID, toID, "from_missing")
			return nil
		}
		if err != nil {
			return err
		}
		to, err := getEntityTx(ctx, tx, toID)
		if errors.Is(err, ErrNotFound) {
			result = skipped(fromID, toID, "to_missing")
			return nil
		}
		if err != nil {
			return err
		}

		merged := to
		merged.Aliases = unionStrings(to.Aliases, []string{from.Name}, from.Aliases)
		merged.Sources = unionStrings(to.Sources, from.Sources)
		merged.OriginalForms = unionStrings(to.OriginalForms, from.OriginalForms)
		if from.FirstSeen.Before(merged.FirstSeen) {
			merged.FirstSeen = from.FirstSeen
		}
		if from.LastSeen.After(merged.LastSeen) {
			merged.LastSeen = from.LastSeen
		}
		if err := s.updateEntityTx(ctx, tx, merged); err != nil {
			return err
		}

		if err := s.repointRelationsTx(ctx, tx, `subject_entity_id = ? OR object_entity_id = ?`,
			[]any{fromID, fromID}, func(r *RelationTriple) {
				if r.SubjectID == fromID {
					r.SubjectID = toID
				}
				if r.ObjectID == fromID {
					r.ObjectID = toID
				}
			}); err != nil {
			return err
		}
		if err := s.repointParticipantsTx(ctx, tx, `entity_id = ?`, fromID, func(p *Participant) {
			p.EntityID = toID
		}); err != nil {
			return err
		}
		if err := s.renameEventEntitiesTx(ctx, tx, from.Name, to.Name); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE entity_mentions SET resolved_entity_id = ? WHERE resolved_entity_id = ?;
		`, toID, fromID); err != nil {
			return fmt.Errorf("repoint entity mentions: %w", err)
		}
		if err := s.recordRedirectTx(ctx, tx, "entity", fromID, toID, reason, decisionHash); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM entities WHERE entity_id = ?;`, fromID); err != nil {
			return fmt.Errorf("delete merged entity: %w", err)
		}
		result = MergeResult{Status: MergeApplied, FromID: fromID, ToID: toID}
		return nil
	})
	if err != nil {
		return MergeResult{}, err
	}
	if result.Status == MergeApplied {
		s.bus.Publish(bus.TopicApplyEntityMerge, bus.MergeAppliedEvent{FromID: fromID, ToID: toID, DecisionHash: decisionHash})
	}
	return result, nil
}

// MergeEvents folds fromID into toID. Entities, types, sources and roles
// are unioned; relations, participants and evolution edges move to toID.
// Edges that would become self loops are dropped, and on a key conflict
// the edge already attached to toID wins.
func (s *Store) MergeEvents(ctx context.Context, fromID, toID, reason, decisionHash string) (MergeResult, error) {
	var result MergeResult
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if fromID == toID {
			result = skipped(fromID, toID, "same_event")
			return nil
		}
		from, err := getEventTx(ctx, tx, fromID)
		if errors.Is(err, ErrNotFound) {
			result = skipped(fromID, toID, "from_missing")
			return nil
		}
		if err != nil {
			return err
		}
		to, err := getEventTx(ctx, tx, toID)
		if errors.Is(err, ErrNotFound) {
			result = skipped(fromID, toID, "to_missing")
			return nil
		}
		if err != nil {
			return err
		}

		if err := s.updateEventTx(ctx, tx, mergeEventFields(to, from)); err != nil {
			return err
		}
		if err := s.repointRelationsTx(ctx, tx, `event_id = ?`, []any{fromID}, func(r *RelationTriple) {
			r.EventID = toID
		}); err != nil {
			return err
		}
		if err := s.repointParticipantsTx(ctx, tx, `event_id = ?`, fromID, func(p *Participant) {
			p.EventID = toID
		}); err != nil {
			return err
		}
		if err := s.repointEdgesTx(ctx, tx, fromID, toID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE event_mentions SET resolved_event_id = ? WHERE resolved_event_id = ?;
		`, toID, fromID); err != nil {
			return fmt.Errorf("repoint event mentions: %w", err)
		}
		if err := s.recordRedirectTx(ctx, tx, "event", fromID, toID, reason, decisionHash); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM events WHERE event_id = ?;`, fromID); err != nil {
			return fmt.Errorf("delete merged event: %w", err)
		}
		result = MergeResult{Status: MergeApplied, FromID: fromID, ToID: toID}
		return nil
	})
	if err != nil {
		return MergeResult{}, err
	}
	if result.Status == MergeApplied {
		s.bus.Publish(bus.TopicApplyEventMerge, bus.MergeAppliedEvent{FromID: fromID, ToID: toID, DecisionHash: decisionHash})
	}
	return result, nil
}

// repointRelationsTx rewrites matching relations through rewrite. Rows are
// deleted and re-upserted so a rewrite that collides with an existing
// triple unions evidence instead of violating the unique key.
func (s *Store) repointRelationsTx(ctx context.Context, tx *sql.Tx, where string, args []any, rewrite func(*RelationTriple)) error {
	rows, err := tx.QueryContext(ctx, `
		SELECT id, event_id, subject_entity_id, predicate, object_entity_id, time, reported_at, evidence_json
		FROM relations WHERE `+where+` ORDER BY id ASC;`, args...)
	if err != nil {
		return fmt.Errorf("select relations to repoint: %w", err)
	}
	rels, err := collectRelations(rows)
	if err != nil {
		return err
	}
	for _, r := range rels {
		rewrite(&r)
		if err := r.Validate(); err != nil {
			return fmt.Errorf("repoint relation %d: %w", r.ID, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM relations WHERE id = ?;`, r.ID); err != nil {
			return fmt.Errorf("delete relation %d: %w", r.ID, err)
		}
		if _, err := upsertRelationTx(ctx, tx, r); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) repointParticipantsTx(ctx context.Context, tx *sql.Tx, where, id string, rewrite func(*Participant)) error {
	rows, err := tx.QueryContext(ctx, `SELECT event_id, entity_id, roles_json, time FROM participants WHERE `+where+` ORDER BY rowid ASC;`, id)
	if err != nil {
		return fmt.Errorf("select participants to repoint: %w", err)
	}
	parts, err := collectParticipants(rows)
	if err != nil {
		return err
	}
	for _, p := range parts {
		oldEvent, oldEntity := p.EventID, p.EntityID
		rewrite(&p)
		if err := p.Validate(); err != nil {
			return fmt.Errorf("repoint participant %s/%s: %w", oldEvent, oldEntity, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM participants WHERE event_id = ? AND entity_id = ?;`, oldEvent, oldEntity); err != nil {
			return fmt.Errorf("delete participant: %w", err)
		}
		if err := upsertParticipantTx(ctx, tx, p); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) repointEdgesTx(ctx context.Context, tx *sql.Tx, fromID, toID string) error {
	rows, err := tx.QueryContext(ctx, `
		SELECT from_event_id, to_event_id, edge_type, time, confidence, evidence_json, decision_input_hash
		FROM event_edges WHERE from_event_id = ? OR to_event_id = ? ORDER BY rowid ASC;
	`, fromID, fromID)
	if err != nil {
		return fmt.Errorf("select edges to repoint: %w", err)
	}
	edges, err := collectEdges(rows)
	if err != nil {
		return err
	}
	for _, e := range edges {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM event_edges WHERE from_event_id = ? AND to_event_id = ? AND edge_type = ?;
		`, e.FromEventID, e.ToEventID, e.EdgeType); err != nil {
			return fmt.Errorf("delete edge: %w", err)
		}
		if e.FromEventID == fromID {
			e.FromEventID = toID
		}
		if e.ToEventID == fromID {
			e.ToEventID = toID
		}
		if e.FromEventID == e.ToEventID {
			continue
		}
		if err := e.Validate(); err != nil {
			return fmt.Errorf("repoint edge: %w", err)
		}
		now := s.nowText()
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO event_edges (from_event_id, to_event_id, edge_type, time, confidence, evidence_json, decision_input_hash, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, e.FromEventID, e.ToEventID, e.EdgeType, shared.FormatTime(e.Time), e.Confidence,
			encodeStrings(e.Evidence), e.DecisionInputHash, now, now); err != nil {
			return fmt.Errorf("reinsert edge: %w", err)
		}
	}
	return nil
}

// renameEventEntitiesTx replaces oldName with newName in event entity
// lists and role maps, which are keyed by display name.
func (s *Store) renameEventEntitiesTx(ctx context.Context, tx *sql.Tx, oldName, newName string) error {
	if oldName == newName {
		return nil
	}
	quoted, err := json.Marshal(oldName)
	if err != nil {
		return fmt.Errorf("encode entity name: %w", err)
	}
	rows, err := tx.QueryContext(ctx, `
		SELECT `+eventColumns+` FROM events
		WHERE instr(entities_json, ?) > 0 OR instr(entity_roles_json, ?) > 0
		ORDER BY event_id ASC;
	`, string(quoted), string(quoted))
	if err != nil {
		return fmt.Errorf("select events naming %q: %w", oldName, err)
	}
	events, err := collectEvents(rows)
	if err != nil {
		return err
	}
	for _, ev := range events {
		renamed := make([]string, 0, len(ev.Entities))
		for _, name := range ev.Entities {
			if name == oldName {
				name = newName
			}
			renamed = append(renamed, name)
		}
		ev.Entities = unionStrings(renamed)
		if roles, ok := ev.EntityRoles[oldName]; ok {
			delete(ev.EntityRoles, oldName)
			ev.EntityRoles[newName] = unionStrings(ev.EntityRoles[newName], roles)
		}
		if err := s.updateEventTx(ctx, tx, ev); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) recordRedirectTx(ctx context.Context, tx *sql.Tx, kind, fromID, toID, reason, decisionHash string) error {
	table, fromCol, toCol := "entity_redirects", "from_entity_id", "to_entity_id"
	if kind == "event" {
		table, fromCol, toCol = "event_redirects", "from_event_id", "to_event_id"
	}
	// Collapse chains so every old id points straight at a live record.
	if _, err := tx.ExecContext(ctx, `UPDATE `+table+` SET `+toCol+` = ? WHERE `+toCol+` = ?;`, toID, fromID); err != nil {
		return fmt.Errorf("collapse %s redirects: %w", kind, err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO `+table+` (`+fromCol+`, `+toCol+`, reason, decision_hash, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(`+fromCol+`) DO UPDATE SET `+toCol+` = excluded.`+toCol+`,
			reason = excluded.reason, decision_hash = excluded.decision_hash, created_at = excluded.created_at;
	`, fromID, toID, reason, decisionHash, s.nowText()); err != nil {
		return fmt.Errorf("record %s redirect: %w", kind, err)
	}
	// A live record never redirects elsewhere.
	if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE `+fromCol+` = ?;`, toID); err != nil {
		return fmt.Errorf("clear %s redirect: %w", kind, err)
	}
	return nil
}

// Redirect is one merged-away id and where it now points.
type Redirect struct {
	FromID       string `json:"from_id"`
	ToID         string `json:"to_id"`
	Reason       string `json:"reason"`
	DecisionHash string `json:"decision_hash"`
}

// EntityRedirects lists every entity merge recorded so far.
func (s *Store) EntityRedirects(ctx context.Context) ([]Redirect, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT from_entity_id, to_entity_id, reason, decision_hash FROM entity_redirects ORDER BY created_at ASC, from_entity_id ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("list entity redirects: %w", err)
	}
	defer rows.Close()
	var out []Redirect
	for rows.Next() {
		var r Redirect
		if err := rows.Scan(&r.FromID, &r.ToID, &r.Reason, &r.DecisionHash); err != nil {
			return nil, fmt.Errorf("scan redirect: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
