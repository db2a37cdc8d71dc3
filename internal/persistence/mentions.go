package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/basket/newsgraph/internal/shared"
)

// AddEntityMention records a surface form. Mention ids are content
// addressed, so re-ingesting a document is a no-op. The id is returned.
func (s *Store) AddEntityMention(ctx context.Context, m EntityMention) (string, error) {
	text := strings.TrimSpace(m.NameText)
	if text == "" {
		return "", &ValidationError{Field: "name_text", Reason: "empty"}
	}
	if m.MentionID == "" {
		m.MentionID = shared.MentionID(text, m.Source, shared.FormatTimePtr(m.ReportedAt))
	}
	err := retryOnBusy(ctx, busyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT OR IGNORE INTO entity_mentions (mention_id, name_text, reported_at, source, resolved_entity_id, confidence, created_at)
			VALUES (?, ?, ?, ?, NULLIF(?, ''), ?, ?);
		`, m.MentionID, text, nullTime(m.ReportedAt), m.Source, m.ResolvedEntityID, m.Confidence, s.nowText())
		return err
	})
	if err != nil {
		return "", fmt.Errorf("add entity mention: %w", err)
	}
	return m.MentionID, nil
}

func (s *Store) AddEventMention(ctx context.Context, m EventMention) (string, error) {
	text := strings.TrimSpace(m.AbstractText)
	if text == "" {
		return "", &ValidationError{Field: "abstract_text", Reason: "empty"}
	}
	if m.MentionID == "" {
		m.MentionID = shared.MentionID(text, m.Source, shared.FormatTimePtr(m.ReportedAt))
	}
	err := retryOnBusy(ctx, busyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT OR IGNORE INTO event_mentions (mention_id, abstract_text, reported_at, source, resolved_event_id, confidence, created_at)
			VALUES (?, ?, ?, ?, NULLIF(?, ''), ?, ?);
		`, m.MentionID, text, nullTime(m.ReportedAt), m.Source, m.ResolvedEventID, m.Confidence, s.nowText())
		return err
	})
	if err != nil {
		return "", fmt.Errorf("add event mention: %w", err)
	}
	return m.MentionID, nil
}

func (s *Store) ResolveEntityMention(ctx context.Context, mentionID, entityID string, confidence float64) error {
	return s.resolveMention(ctx, `
		UPDATE entity_mentions SET resolved_entity_id = ?, confidence = ? WHERE mention_id = ?;
	`, mentionID, entityID, confidence)
}

func (s *Store) ResolveEventMention(ctx context.Context, mentionID, eventID string, confidence float64) error {
	return s.resolveMention(ctx, `
		UPDATE event_mentions SET resolved_event_id = ?, confidence = ? WHERE mention_id = ?;
	`, mentionID, eventID, confidence)
}

func (s *Store) resolveMention(ctx context.Context, query, mentionID, targetID string, confidence float64) error {
	return retryOnBusy(ctx, busyRetries, func() error {
		res, err := s.db.ExecContext(ctx, query, targetID, confidence, mentionID)
		if err != nil {
			return fmt.Errorf("resolve mention: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("resolve mention rows: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("resolve mention %s: %w", mentionID, ErrNotFound)
		}
		return nil
	})
}

// GetEntityMention is used by audits and tests to confirm resolution.
func (s *Store) GetEntityMention(ctx context.Context, mentionID string) (*EntityMention, error) {
	var (
		m                  EntityMention
		reported, resolved sql.NullString
		created            string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT mention_id, name_text, reported_at, source, resolved_entity_id, confidence, created_at
		FROM entity_mentions WHERE mention_id = ?;
	`, mentionID).Scan(&m.MentionID, &m.NameText, &reported, &m.Source, &resolved, &m.Confidence, &created)
	if err != nil {
		return nil, notFoundOr(err, "get entity mention")
	}
	m.ReportedAt = shared.ParseTimePtr(reported.String)
	m.ResolvedEntityID = resolved.String
	m.CreatedAt, _ = shared.ParseTime(created)
	return &m, nil
}

func (s *Store) GetEventMention(ctx context.Context, mentionID string) (*EventMention, error) {
	var (
		m                  EventMention
		reported, resolved sql.NullString
		created            string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT mention_id, abstract_text, reported_at, source, resolved_event_id, confidence, created_at
		FROM event_mentions WHERE mention_id = ?;
	`, mentionID).Scan(&m.MentionID, &m.AbstractText, &reported, &m.Source, &resolved, &m.Confidence, &created)
	if err != nil {
		return nil, notFoundOr(err, "get event mention")
	}
	m.ReportedAt = shared.ParseTimePtr(reported.String)
	m.ResolvedEventID = resolved.String
	m.CreatedAt, _ = shared.ParseTime(created)
	return &m, nil
}
