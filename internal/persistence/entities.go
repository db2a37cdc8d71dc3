package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/basket/newsgraph/internal/shared"
)

type rowScanner interface {
	Scan(dest ...any) error
}

const entityColumns = `entity_id, name, first_seen, last_seen, sources_json, original_forms_json, aliases_json`

func scanEntity(row rowScanner) (EntityCanonical, error) {
	var (
		e                       EntityCanonical
		firstSeen, lastSeen     string
		sources, forms, aliases string
	)
	if err := row.Scan(&e.EntityID, &e.Name, &firstSeen, &lastSeen, &sources, &forms, &aliases); err != nil {
		return EntityCanonical{}, err
	}
	e.FirstSeen, _ = shared.ParseTime(firstSeen)
	e.LastSeen, _ = shared.ParseTime(lastSeen)
	e.Sources = decodeStrings(sources)
	e.OriginalForms = decodeStrings(forms)
	e.Aliases = decodeStrings(aliases)
	return e, nil
}

func getEntityTx(ctx context.Context, q queryer, entityID string) (EntityCanonical, error) {
	e, err := scanEntity(q.QueryRowContext(ctx, `SELECT `+entityColumns+` FROM entities WHERE entity_id = ?;`, entityID))
	if errors.Is(err, sql.ErrNoRows) {
		return EntityCanonical{}, ErrNotFound
	}
	if err != nil {
		return EntityCanonical{}, fmt.Errorf("get entity %s: %w", entityID, err)
	}
	return e, nil
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// UpsertEntity inserts the entity or unions it into the existing row with
// the same id. A name whose id was merged away is folded into the merge
// target instead of resurrecting the old row.
func (s *Store) UpsertEntity(ctx context.Context, in EntityCanonical) (EntityCanonical, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return EntityCanonical{}, &ValidationError{Field: "name", Reason: "empty"}
	}
	if in.FirstSeen.IsZero() {
		in.FirstSeen = s.now()
	}
	if in.LastSeen.IsZero() || in.LastSeen.Before(in.FirstSeen) {
		in.LastSeen = in.FirstSeen
	}

	var out EntityCanonical
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		id, err := resolveRedirectTx(ctx, tx, entityRedirectQuery, shared.EntityID(name))
		if err != nil {
			return err
		}
		existing, err := getEntityTx(ctx, tx, id)
		switch {
		case errors.Is(err, ErrNotFound):
			out = EntityCanonical{
				EntityID:      shared.EntityID(name),
				Name:          name,
				FirstSeen:     in.FirstSeen.UTC(),
				LastSeen:      in.LastSeen.UTC(),
				Sources:       unionStrings(in.Sources),
				OriginalForms: unionStrings(in.OriginalForms),
				Aliases:       unionStrings(in.Aliases),
			}
			_, err = tx.ExecContext(ctx, `
				INSERT INTO entities (`+entityColumns+`, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?);
			`, out.EntityID, out.Name, shared.FormatTime(out.FirstSeen), shared.FormatTime(out.LastSeen),
				encodeStrings(out.Sources), encodeStrings(out.OriginalForms), encodeStrings(out.Aliases), s.nowText())
			if err != nil {
				return fmt.Errorf("insert entity: %w", err)
			}
			return nil
		case err != nil:
			return err
		}

		out = existing
		if existing.Name != name {
			out.Aliases = unionStrings(out.Aliases, []string{name})
		}
		out.Sources = unionStrings(out.Sources, in.Sources)
		out.OriginalForms = unionStrings(out.OriginalForms, in.OriginalForms)
		out.Aliases = unionStrings(out.Aliases, in.Aliases)
		if in.FirstSeen.Before(out.FirstSeen) {
			out.FirstSeen = in.FirstSeen.UTC()
		}
		if in.LastSeen.After(out.LastSeen) {
			out.LastSeen = in.LastSeen.UTC()
		}
		return s.updateEntityTx(ctx, tx, out)
	})
	if err != nil {
		return EntityCanonical{}, err
	}
	return out, nil
}

func (s *Store) updateEntityTx(ctx context.Context, tx *sql.Tx, e EntityCanonical) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE entities
		SET first_seen = ?, last_seen = ?, sources_json = ?, original_forms_json = ?, aliases_json = ?, updated_at = ?
		WHERE entity_id = ?;
	`, shared.FormatTime(e.FirstSeen), shared.FormatTime(e.LastSeen),
		encodeStrings(e.Sources), encodeStrings(e.OriginalForms), encodeStrings(e.Aliases), s.nowText(), e.EntityID)
	if err != nil {
		return fmt.Errorf("update entity %s: %w", e.EntityID, err)
	}
	return nil
}

func (s *Store) GetEntity(ctx context.Context, entityID string) (*EntityCanonical, error) {
	e, err := getEntityTx(ctx, s.db, entityID)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// GetEntityByName resolves name through merge redirects.
func (s *Store) GetEntityByName(ctx context.Context, name string) (*EntityCanonical, error) {
	id, err := s.CanonicalEntityID(ctx, name)
	if err != nil {
		return nil, err
	}
	return s.GetEntity(ctx, id)
}

// CanonicalEntityID maps a name to the id of the entity that currently
// owns it, following redirects left by merges.
func (s *Store) CanonicalEntityID(ctx context.Context, name string) (string, error) {
	return resolveRedirectTx(ctx, s.db, entityRedirectQuery, shared.EntityID(name))
}

func (s *Store) ListEntities(ctx context.Context) ([]EntityCanonical, error) {
	return listEntitiesTx(ctx, s.db)
}

func listEntitiesTx(ctx context.Context, q queryer) ([]EntityCanonical, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+entityColumns+` FROM entities ORDER BY name ASC;`)
	if err != nil {
		return nil, fmt.Errorf("list entities: %w", err)
	}
	defer rows.Close()
	var out []EntityCanonical
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entity: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

const (
	entityRedirectQuery = `SELECT to_entity_id FROM entity_redirects WHERE from_entity_id = ?;`
	eventRedirectQuery  = `SELECT to_event_id FROM event_redirects WHERE from_event_id = ?;`
	maxRedirectHops     = 32
)

func resolveRedirectTx(ctx context.Context, q queryer, query, id string) (string, error) {
	current := id
	for range maxRedirectHops {
		var next string
		err := q.QueryRowContext(ctx, query, current).Scan(&next)
		if errors.Is(err, sql.ErrNoRows) {
			return current, nil
		}
		if err != nil {
			return "", fmt.Errorf("resolve redirect %s: %w", current, err)
		}
		if next == current {
			return current, nil
		}
		current = next
	}
	return current, nil
}
