package persistence

import (
	"context"
	"database/sql"
	"fmt"
)

type migration struct {
	version  int
	checksum string
	stmts    []string
}

// Applied migrations are immutable: a checksum change on an applied
// version is a hard error rather than a silent re-apply.
var migrations = []migration{
	{version: 1, checksum: "ng-v1-canonical-graph", stmts: schemaV1},
	{version: 2, checksum: "ng-v2-review-queue", stmts: schemaV2},
	{version: 3, checksum: "ng-v3-mentions-redirects", stmts: schemaV3},
}

// SchemaVersion is the latest migration version this binary knows.
func SchemaVersion() int {
	return migrations[len(migrations)-1].version
}

var schemaV1 = []string{
	`CREATE TABLE IF NOT EXISTS entities (
		entity_id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		first_seen TEXT NOT NULL CHECK (first_seen <> ''),
		last_seen TEXT NOT NULL CHECK (last_seen <> ''),
		sources_json TEXT NOT NULL DEFAULT '[]',
		original_forms_json TEXT NOT NULL DEFAULT '[]',
		aliases_json TEXT NOT NULL DEFAULT '[]',
		updated_at TEXT NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS events (
		event_id TEXT PRIMARY KEY,
		abstract TEXT NOT NULL UNIQUE,
		event_summary TEXT NOT NULL DEFAULT '',
		event_types_json TEXT NOT NULL DEFAULT '[]',
		event_start_time TEXT,
		reported_at TEXT,
		first_seen TEXT,
		last_seen TEXT,
		sources_json TEXT NOT NULL DEFAULT '[]',
		entities_json TEXT NOT NULL DEFAULT '[]',
		entity_roles_json TEXT NOT NULL DEFAULT '{}',
		updated_at TEXT NOT NULL,
		CHECK (COALESCE(NULLIF(event_start_time, ''), NULLIF(reported_at, ''), NULLIF(first_seen, '')) IS NOT NULL)
	);`,
	`CREATE TABLE IF NOT EXISTS participants (
		event_id TEXT NOT NULL REFERENCES events(event_id),
		entity_id TEXT NOT NULL REFERENCES entities(entity_id),
		roles_json TEXT NOT NULL DEFAULT '[]',
		time TEXT NOT NULL CHECK (time <> ''),
		PRIMARY KEY (event_id, entity_id)
	);`,
	`CREATE INDEX IF NOT EXISTS idx_participants_entity ON participants(entity_id);`,
	`CREATE TABLE IF NOT EXISTS relations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		event_id TEXT NOT NULL REFERENCES events(event_id),
		subject_entity_id TEXT NOT NULL REFERENCES entities(entity_id),
		predicate TEXT NOT NULL,
		object_entity_id TEXT NOT NULL REFERENCES entities(entity_id),
		time TEXT NOT NULL CHECK (time <> ''),
		reported_at TEXT,
		evidence_json TEXT NOT NULL DEFAULT '[]',
		UNIQUE (event_id, subject_entity_id, predicate, object_entity_id, time)
	);`,
	`CREATE INDEX IF NOT EXISTS idx_relations_subject ON relations(subject_entity_id);`,
	`CREATE INDEX IF NOT EXISTS idx_relations_object ON relations(object_entity_id);`,
	`CREATE TABLE IF NOT EXISTS event_edges (
		from_event_id TEXT NOT NULL REFERENCES events(event_id),
		to_event_id TEXT NOT NULL REFERENCES events(event_id),
		edge_type TEXT NOT NULL CHECK (edge_type IN ('follows','responds_to','escalates','causes','related')),
		time TEXT NOT NULL CHECK (time <> ''),
		confidence REAL NOT NULL DEFAULT 0,
		evidence_json TEXT NOT NULL DEFAULT '[]',
		decision_input_hash TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (from_event_id, to_event_id, edge_type)
	);`,
	`CREATE TABLE IF NOT EXISTS kv_store (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);`,
}

var schemaV2 = []string{
	`CREATE TABLE IF NOT EXISTS review_tasks (
		task_id TEXT PRIMARY KEY,
		type TEXT NOT NULL CHECK (type IN ('entity_merge_review','event_merge_or_evolve_review')),
		input_hash TEXT NOT NULL,
		payload_json TEXT NOT NULL,
		status TEXT NOT NULL CHECK (status IN ('pending','running','done','failed')),
		priority INTEGER NOT NULL DEFAULT 0,
		attempts INTEGER NOT NULL DEFAULT 0,
		claimed_at TEXT,
		output_json TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_review_tasks_claim ON review_tasks(type, status, priority DESC, created_at ASC);`,
	`CREATE INDEX IF NOT EXISTS idx_review_tasks_hash ON review_tasks(input_hash);`,
	`CREATE TABLE IF NOT EXISTS review_task_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id TEXT NOT NULL REFERENCES review_tasks(task_id),
		from_status TEXT NOT NULL,
		to_status TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		trace_id TEXT NOT NULL DEFAULT '',
		run_id TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_review_task_events_task ON review_task_events(task_id, id);`,
	`CREATE TABLE IF NOT EXISTS merge_decisions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		type TEXT NOT NULL,
		input_hash TEXT NOT NULL,
		output_json TEXT NOT NULL,
		model TEXT NOT NULL DEFAULT '',
		prompt_version TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_merge_decisions_hash ON merge_decisions(input_hash, id);`,
}

var schemaV3 = []string{
	`CREATE TABLE IF NOT EXISTS entity_mentions (
		mention_id TEXT PRIMARY KEY,
		name_text TEXT NOT NULL,
		reported_at TEXT,
		source TEXT NOT NULL DEFAULT '',
		resolved_entity_id TEXT,
		confidence REAL NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_entity_mentions_resolved ON entity_mentions(resolved_entity_id);`,
	`CREATE TABLE IF NOT EXISTS event_mentions (
		mention_id TEXT PRIMARY KEY,
		abstract_text TEXT NOT NULL,
		reported_at TEXT,
		source TEXT NOT NULL DEFAULT '',
		resolved_event_id TEXT,
		confidence REAL NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_event_mentions_resolved ON event_mentions(resolved_event_id);`,
	`CREATE TABLE IF NOT EXISTS entity_redirects (
		from_entity_id TEXT PRIMARY KEY,
		to_entity_id TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		decision_hash TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS event_redirects (
		from_event_id TEXT PRIMARY KEY,
		to_event_id TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		decision_hash TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);`,
}

func (s *Store) initSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at TEXT NOT NULL
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	applied := map[int]string{}
	rows, err := s.db.QueryContext(ctx, `SELECT version, checksum FROM schema_migrations;`)
	if err != nil {
		return fmt.Errorf("read schema_migrations: %w", err)
	}
	maxApplied := 0
	for rows.Next() {
		var v int
		var sum string
		if err := rows.Scan(&v, &sum); err != nil {
			rows.Close()
			return fmt.Errorf("scan schema_migrations: %w", err)
		}
		applied[v] = sum
		maxApplied = max(maxApplied, v)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate schema_migrations: %w", err)
	}
	if maxApplied > SchemaVersion() {
		return fmt.Errorf("database schema version %d is newer than supported %d", maxApplied, SchemaVersion())
	}

	for _, m := range migrations {
		if sum, ok := applied[m.version]; ok {
			if sum != m.checksum {
				return fmt.Errorf("schema checksum mismatch for version %d: have %q want %q", m.version, sum, m.checksum)
			}
			continue
		}
		if err := s.applyMigration(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) applyMigration(ctx context.Context, m migration) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, stmt := range m.stmts {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("apply migration %d: %w", m.version, err)
			}
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO schema_migrations (version, checksum, applied_at) VALUES (?, ?, ?);
		`, m.version, m.checksum, s.nowText()); err != nil {
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
		return nil
	})
}
