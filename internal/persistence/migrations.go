package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
)

type migration struct {
	version int
	name    string
	sql     []string
	// backfill runs after sql inside the same transaction.
	backfill func(ctx context.Context, tx *sql.Tx) error
}

// migrations are replayed strictly in order. Each step is idempotent and
// raises schema_version by exactly one.
var migrations = []migration{
	{
		version: 1,
		name:    "create_threads_events",
		sql: []string{
			`CREATE TABLE IF NOT EXISTS threads (
				id TEXT PRIMARY KEY,
				created_at DATETIME NOT NULL,
				updated_at DATETIME NOT NULL,
				metadata TEXT
			);`,
			`CREATE TABLE IF NOT EXISTS events (
				id TEXT PRIMARY KEY,
				thread_id TEXT NOT NULL REFERENCES threads(id) ON DELETE CASCADE,
				type TEXT NOT NULL,
				timestamp DATETIME NOT NULL,
				data TEXT NOT NULL DEFAULT '{}'
			);`,
		},
	},
	{
		version: 2,
		name:    "create_thread_versions",
		sql: []string{
			`CREATE TABLE IF NOT EXISTS thread_versions (
				canonical_id TEXT PRIMARY KEY,
				current_version_id TEXT NOT NULL,
				created_at DATETIME NOT NULL
			);`,
			`CREATE TABLE IF NOT EXISTS version_history (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				canonical_id TEXT NOT NULL,
				version_id TEXT NOT NULL,
				created_at DATETIME NOT NULL,
				reason TEXT NOT NULL DEFAULT ''
			);`,
		},
	},
	{
		version: 3,
		name:    "create_tasks",
		sql: []string{
			`CREATE TABLE IF NOT EXISTS tasks (
				id TEXT PRIMARY KEY,
				title TEXT NOT NULL,
				description TEXT NOT NULL DEFAULT '',
				prompt TEXT NOT NULL,
				status TEXT NOT NULL CHECK (status IN ('pending','in_progress','completed','blocked')),
				priority TEXT NOT NULL CHECK (priority IN ('high','medium','low')),
				assigned_to TEXT,
				created_by TEXT NOT NULL,
				thread_id TEXT NOT NULL,
				created_at DATETIME NOT NULL,
				updated_at DATETIME NOT NULL
			);`,
			`CREATE TABLE IF NOT EXISTS task_notes (
				id TEXT PRIMARY KEY,
				task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
				author TEXT NOT NULL,
				content TEXT NOT NULL,
				timestamp DATETIME NOT NULL
			);`,
		},
	},
	{
		version: 4,
		name:    "create_projects_sessions",
		sql: []string{
			`CREATE TABLE IF NOT EXISTS projects (
				id TEXT PRIMARY KEY,
				name TEXT NOT NULL,
				description TEXT NOT NULL DEFAULT '',
				working_directory TEXT NOT NULL DEFAULT '',
				configuration TEXT NOT NULL DEFAULT '{}',
				is_archived INTEGER NOT NULL DEFAULT 0,
				created_at DATETIME NOT NULL,
				last_used_at DATETIME NOT NULL
			);`,
			`CREATE TABLE IF NOT EXISTS sessions (
				id TEXT PRIMARY KEY,
				project_id TEXT REFERENCES projects(id) ON DELETE SET NULL,
				name TEXT NOT NULL DEFAULT '',
				description TEXT NOT NULL DEFAULT '',
				configuration TEXT NOT NULL DEFAULT '{}',
				status TEXT NOT NULL DEFAULT 'active',
				created_at DATETIME NOT NULL,
				updated_at DATETIME NOT NULL
			);`,
		},
	},
	{
		version: 5,
		name:    "threads_add_session_project",
		sql: []string{
			`ALTER TABLE threads ADD COLUMN session_id TEXT;`,
			`ALTER TABLE threads ADD COLUMN project_id TEXT;`,
		},
		backfill: backfillSessionsFromMetadata,
	},
	{
		version: 6,
		name:    "create_indexes",
		sql: []string{
			`CREATE INDEX IF NOT EXISTS idx_events_thread_ts ON events(thread_id, timestamp);`,
			`CREATE INDEX IF NOT EXISTS idx_version_history_canonical ON version_history(canonical_id, id);`,
			`CREATE INDEX IF NOT EXISTS idx_threads_session ON threads(session_id);`,
			`CREATE INDEX IF NOT EXISTS idx_tasks_thread ON tasks(thread_id);`,
			`CREATE INDEX IF NOT EXISTS idx_tasks_assigned ON tasks(assigned_to);`,
			`CREATE INDEX IF NOT EXISTS idx_tasks_created_by ON tasks(created_by);`,
			`CREATE INDEX IF NOT EXISTS idx_task_notes_task_ts ON task_notes(task_id, timestamp);`,
			`CREATE INDEX IF NOT EXISTS idx_sessions_project ON sessions(project_id);`,
		},
	},
}

// LatestSchemaVersion is the version a fully migrated store reports.
func LatestSchemaVersion() int {
	return migrations[len(migrations)-1].version
}

func (s *Store) applyMigrations(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME NOT NULL
		);
	`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}

	current, err := s.SchemaVersion(ctx)
	if err != nil {
		return err
	}
	if latest := LatestSchemaVersion(); current > latest {
		return fmt.Errorf("schema version %d is newer than supported %d", current, latest)
	}
	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if m.version != current+1 {
			return fmt.Errorf("migration gap: at version %d, next is %d", current, m.version)
		}
		if err := s.applyMigration(ctx, m); err != nil {
			return fmt.Errorf("migration %d (%s): %w", m.version, m.name, err)
		}
		s.logger.Info("schema migrated", "version", m.version, "name", m.name)
		current = m.version
	}
	return nil
}

func (s *Store) applyMigration(ctx context.Context, m migration) error {
	return s.withRetry(ctx, "migrate", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration tx: %w", err)
		}
		defer tx.Rollback()

		for _, stmt := range m.sql {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				if isDuplicateColumn(err) {
					continue
				}
				return err
			}
		}
		if m.backfill != nil {
			if err := m.backfill(ctx, tx); err != nil {
				return fmt.Errorf("backfill: %w", err)
			}
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO schema_version (version, applied_at) VALUES (?, ?);`,
			m.version, timeNow(),
		); err != nil {
			return fmt.Errorf("record schema version: %w", err)
		}
		return tx.Commit()
	})
}

// SchemaVersion returns the highest applied migration, 0 on a fresh or
// disabled store.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	if s.db == nil {
		return 0, nil
	}
	var v sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(version) FROM schema_version;`).Scan(&v); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return int(v.Int64), nil
}

// backfillSessionsFromMetadata promotes a "session"/"sessionId" key found
// in legacy thread metadata into a sessions row and threads.session_id.
func backfillSessionsFromMetadata(ctx context.Context, tx *sql.Tx) error {
	rows, err := tx.QueryContext(ctx, `
		SELECT id, metadata FROM threads
		WHERE session_id IS NULL AND metadata IS NOT NULL AND metadata != '';
	`)
	if err != nil {
		return err
	}
	type pending struct{ threadID, sessionID string }
	var todo []pending
	for rows.Next() {
		var id, raw string
		if err := rows.Scan(&id, &raw); err != nil {
			rows.Close()
			return err
		}
		var meta map[string]any
		if json.Unmarshal([]byte(raw), &meta) != nil {
			continue
		}
		for _, key := range []string{"sessionId", "session"} {
			if v, ok := meta[key].(string); ok && strings.TrimSpace(v) != "" {
				todo = append(todo, pending{threadID: id, sessionID: strings.TrimSpace(v)})
				break
			}
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	now := timeNow()
	for _, p := range todo {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO sessions (id, name, status, created_at, updated_at)
			VALUES (?, ?, 'active', ?, ?)
			ON CONFLICT(id) DO NOTHING;
		`, p.sessionID, p.sessionID, now, now); err != nil {
			return fmt.Errorf("insert session %s: %w", p.sessionID, err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE threads SET session_id = ? WHERE id = ?;`, p.sessionID, p.threadID,
		); err != nil {
			return fmt.Errorf("link thread %s: %w", p.threadID, err)
		}
	}
	return nil
}
