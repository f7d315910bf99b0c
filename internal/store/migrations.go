package store

import (
	"context"
	"database/sql"

	"github.com/rudiheydra/autobuildr/internal/apperr"
)

// migrate runs every migration in order. Each is individually idempotent
// (CREATE TABLE/INDEX IF NOT EXISTS) so repeated calls against an
// already-current database are a no-op, per spec.md §6's "schema
// evolution is additive" contract.
func migrate(ctx context.Context, db *sql.DB) error {
	migrations := []func(context.Context, *sql.DB) error{
		migrateCoreTables,
		migrateScheduleTables,
		migrateAgentSpecTables,
		migrateIndices,
	}
	for _, m := range migrations {
		if err := m(ctx, db); err != nil {
			return err
		}
	}
	return nil
}

func exec(ctx context.Context, db *sql.DB, stmt string) error {
	if _, err := db.ExecContext(ctx, stmt); err != nil {
		return apperr.Wrap(apperr.KindStorageFailure, "run migration", err)
	}
	return nil
}

// migrateCoreTables creates the features table, the only table never
// subject to destructive migration per spec.md §6.
func migrateCoreTables(ctx context.Context, db *sql.DB) error {
	return exec(ctx, db, `
CREATE TABLE IF NOT EXISTS features (
	id INTEGER PRIMARY KEY,
	priority INTEGER NOT NULL DEFAULT 999,
	category TEXT NOT NULL,
	name TEXT NOT NULL,
	description TEXT NOT NULL,
	steps TEXT NOT NULL DEFAULT '[]',
	passes INTEGER NOT NULL DEFAULT 0,
	in_progress INTEGER NOT NULL DEFAULT 0,
	dependencies TEXT
)`)
}

// migrateScheduleTables supplements the spec with the Schedule and
// ScheduleOverride tables from original_source/api/database.py, carried
// as a persistence-only contract (spec.md names no scheduler runtime in
// its core, but nothing forbids persisting its configuration).
func migrateScheduleTables(ctx context.Context, db *sql.DB) error {
	if err := exec(ctx, db, `
CREATE TABLE IF NOT EXISTS schedules (
	id INTEGER PRIMARY KEY,
	project_name TEXT NOT NULL,
	start_time TEXT NOT NULL,
	duration_minutes INTEGER NOT NULL CHECK (duration_minutes > 0),
	days_of_week INTEGER NOT NULL CHECK (days_of_week BETWEEN 0 AND 127),
	enabled INTEGER NOT NULL DEFAULT 1,
	yolo_mode INTEGER NOT NULL DEFAULT 0,
	model TEXT,
	max_concurrency INTEGER NOT NULL DEFAULT 3 CHECK (max_concurrency BETWEEN 1 AND 5),
	crash_count INTEGER NOT NULL DEFAULT 0 CHECK (crash_count >= 0)
)`); err != nil {
		return err
	}
	return exec(ctx, db, `
CREATE TABLE IF NOT EXISTS schedule_overrides (
	id INTEGER PRIMARY KEY,
	schedule_id INTEGER NOT NULL REFERENCES schedules(id) ON DELETE CASCADE,
	override_type TEXT NOT NULL CHECK (override_type IN ('start', 'stop')),
	expires_at TEXT
)`)
}

// migrateAgentSpecTables creates the five orchestrator tables of spec.md
// §6, named after original_source's _migrate_add_agentspec_tables.
func migrateAgentSpecTables(ctx context.Context, db *sql.DB) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS agent_specs (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			display_name TEXT NOT NULL,
			icon TEXT,
			spec_version TEXT NOT NULL DEFAULT 'v1',
			objective TEXT NOT NULL,
			task_type TEXT NOT NULL CHECK (task_type IN
				('coding','testing','refactoring','documentation','audit','custom')),
			context TEXT NOT NULL DEFAULT '{}',
			tool_policy TEXT NOT NULL,
			max_turns INTEGER NOT NULL CHECK (max_turns BETWEEN 1 AND 500),
			timeout_seconds INTEGER NOT NULL CHECK (timeout_seconds BETWEEN 60 AND 7200),
			parent_spec_id TEXT REFERENCES agent_specs(id),
			source_feature_id INTEGER,
			spec_path TEXT,
			priority INTEGER NOT NULL DEFAULT 999,
			tags TEXT NOT NULL DEFAULT '[]',
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS acceptance_specs (
			id TEXT PRIMARY KEY,
			agent_spec_id TEXT NOT NULL UNIQUE REFERENCES agent_specs(id) ON DELETE CASCADE,
			validators TEXT NOT NULL DEFAULT '[]',
			gate_mode TEXT NOT NULL CHECK (gate_mode IN ('all_pass','any_pass','weighted')),
			min_score REAL,
			retry_policy TEXT NOT NULL DEFAULT 'none' CHECK (retry_policy IN ('none','fixed','exponential')),
			max_retries INTEGER NOT NULL DEFAULT 0 CHECK (max_retries >= 0),
			fallback_spec_id TEXT REFERENCES agent_specs(id)
		)`,
		`CREATE TABLE IF NOT EXISTS agent_runs (
			id TEXT PRIMARY KEY,
			agent_spec_id TEXT NOT NULL REFERENCES agent_specs(id) ON DELETE CASCADE,
			status TEXT NOT NULL DEFAULT 'pending' CHECK (status IN
				('pending','running','paused','timeout','failed','completed')),
			started_at TEXT,
			completed_at TEXT,
			turns_used INTEGER NOT NULL DEFAULT 0 CHECK (turns_used >= 0),
			tokens_in INTEGER NOT NULL DEFAULT 0 CHECK (tokens_in >= 0),
			tokens_out INTEGER NOT NULL DEFAULT 0 CHECK (tokens_out >= 0),
			final_verdict TEXT CHECK (final_verdict IN ('passed','failed','error') OR final_verdict IS NULL),
			acceptance_results TEXT,
			error TEXT,
			retry_count INTEGER NOT NULL DEFAULT 0 CHECK (retry_count >= 0),
			created_at TEXT NOT NULL,
			policy_violations INTEGER NOT NULL DEFAULT 0 CHECK (policy_violations >= 0)
		)`,
		`CREATE TABLE IF NOT EXISTS artifacts (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL REFERENCES agent_runs(id) ON DELETE CASCADE,
			artifact_type TEXT NOT NULL CHECK (artifact_type IN
				('file_change','test_result','log','metric','snapshot')),
			path TEXT,
			content_ref TEXT,
			content_inline TEXT,
			content_hash VARCHAR(64) NOT NULL,
			size_bytes INTEGER NOT NULL,
			metadata TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS agent_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL REFERENCES agent_runs(id) ON DELETE CASCADE,
			sequence INTEGER NOT NULL,
			event_type TEXT NOT NULL,
			timestamp TEXT NOT NULL,
			payload TEXT,
			payload_truncated INTEGER,
			artifact_ref TEXT REFERENCES artifacts(id) ON DELETE SET NULL,
			tool_name TEXT,
			UNIQUE(run_id, sequence)
		)`,
	}
	for _, stmt := range statements {
		if err := exec(ctx, db, stmt); err != nil {
			return err
		}
	}
	return nil
}

// migrateIndices creates every index named in spec.md §6, matching the
// composite-index naming discipline of
// original_source's _migrate_add_agentrun_spec_status_index and
// _migrate_add_agent_event_run_event_type_index.
func migrateIndices(ctx context.Context, db *sql.DB) error {
	statements := []string{
		`CREATE INDEX IF NOT EXISTS ix_feature_status ON features(passes, in_progress)`,
		`CREATE INDEX IF NOT EXISTS ix_feature_priority ON features(priority)`,
		`CREATE INDEX IF NOT EXISTS ix_agentspec_source_feature ON agent_specs(source_feature_id)`,
		`CREATE INDEX IF NOT EXISTS ix_agentspec_task_type ON agent_specs(task_type)`,
		`CREATE INDEX IF NOT EXISTS ix_agentspec_created_at ON agent_specs(created_at)`,
		`CREATE INDEX IF NOT EXISTS ix_agentrun_spec ON agent_runs(agent_spec_id)`,
		`CREATE INDEX IF NOT EXISTS ix_agentrun_status ON agent_runs(status)`,
		`CREATE INDEX IF NOT EXISTS ix_agentrun_spec_status ON agent_runs(agent_spec_id, status)`,
		`CREATE INDEX IF NOT EXISTS ix_artifact_run ON artifacts(run_id)`,
		`CREATE INDEX IF NOT EXISTS ix_artifact_type ON artifacts(artifact_type)`,
		`CREATE INDEX IF NOT EXISTS ix_artifact_content_hash ON artifacts(content_hash)`,
		`CREATE INDEX IF NOT EXISTS ix_event_run_sequence ON agent_events(run_id, sequence)`,
		`CREATE INDEX IF NOT EXISTS ix_event_timestamp ON agent_events(timestamp)`,
		`CREATE INDEX IF NOT EXISTS ix_event_run_event_type ON agent_events(run_id, event_type)`,
	}
	for _, stmt := range statements {
		if err := exec(ctx, db, stmt); err != nil {
			return err
		}
	}
	return nil
}
