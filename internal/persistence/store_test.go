package persistence_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/agentcore/internal/persistence"
	"github.com/basket/agentcore/internal/shared"
	"github.com/google/go-cmp/cmp"
)

func openTestStore(t *testing.T) (*persistence.Store, string) {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "agentcore.db")
	store, err := persistence.Open(dbPath, persistence.Options{})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store, dbPath
}

func queryOneString(t *testing.T, db *sql.DB, q string) string {
	t.Helper()
	var out string
	if err := db.QueryRow(q).Scan(&out); err != nil {
		t.Fatalf("query %q: %v", q, err)
	}
	return out
}

func mustTx(t *testing.T, store *persistence.Store, fn func(tx *persistence.Tx) error) {
	t.Helper()
	if err := store.Transaction(context.Background(), fn); err != nil {
		t.Fatalf("transaction: %v", err)
	}
}

func TestStore_OpenConfiguresWALAndSchema(t *testing.T) {
	store, _ := openTestStore(t)
	db := store.DB()

	journal := queryOneString(t, db, "PRAGMA journal_mode;")
	if journal != "wal" {
		t.Fatalf("expected journal_mode=wal, got %q", journal)
	}

	var foreignKeys int
	if err := db.QueryRow("PRAGMA foreign_keys;").Scan(&foreignKeys); err != nil {
		t.Fatalf("pragma foreign_keys: %v", err)
	}
	if foreignKeys != 1 {
		t.Fatalf("expected foreign_keys=1, got %d", foreignKeys)
	}

	requiredTables := []string{"schema_version", "threads", "events", "thread_versions", "version_history", "tasks", "task_notes", "projects", "sessions"}
	for _, table := range requiredTables {
		var got string
		if err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name = ?", table).Scan(&got); err != nil {
			t.Fatalf("table %s not found: %v", table, err)
		}
	}
}

func TestStore_MigrationsReachLatestOnce(t *testing.T) {
	store, dbPath := openTestStore(t)
	ctx := context.Background()

	v, err := store.SchemaVersion(ctx)
	if err != nil {
		t.Fatalf("SchemaVersion: %v", err)
	}
	if v != 6 || v != persistence.LatestSchemaVersion() {
		t.Fatalf("schema version = %d, want 6", v)
	}
	var rows int
	if err := store.DB().QueryRow(`SELECT COUNT(*) FROM schema_version`).Scan(&rows); err != nil {
		t.Fatalf("count: %v", err)
	}
	if rows != 6 {
		t.Fatalf("schema_version rows = %d, want one per step", rows)
	}

	// Reopening applies nothing new.
	_ = store.Close()
	again, err := persistence.Open(dbPath, persistence.Options{})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer again.Close()
	if err := again.DB().QueryRow(`SELECT COUNT(*) FROM schema_version`).Scan(&rows); err != nil {
		t.Fatalf("count: %v", err)
	}
	if rows != 6 {
		t.Fatalf("schema_version rows after reopen = %d, want 6", rows)
	}
}

func TestStore_OpenRejectsFutureSchemaVersion(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "agentcore.db")

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		t.Fatalf("open raw db: %v", err)
	}
	if _, err := db.Exec(`
		CREATE TABLE schema_version (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME NOT NULL
		);
	`); err != nil {
		t.Fatalf("create schema_version: %v", err)
	}
	if _, err := db.Exec(`INSERT INTO schema_version(version, applied_at) VALUES(999, CURRENT_TIMESTAMP);`); err != nil {
		t.Fatalf("insert future version: %v", err)
	}
	_ = db.Close()

	_, err = persistence.Open(dbPath, persistence.Options{})
	if err == nil {
		t.Fatalf("expected error for future schema version")
	}
	if !strings.Contains(err.Error(), "newer than supported") {
		t.Fatalf("expected newer-version error, got %v", err)
	}
}

// A store left at version 4 with legacy session metadata is upgraded and
// the session promoted to a first-class row.
func TestStore_MigrationBackfillsSessions(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "legacy.db")

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		t.Fatalf("open raw db: %v", err)
	}
	stmts := []string{
		`CREATE TABLE schema_version (version INTEGER PRIMARY KEY, applied_at DATETIME NOT NULL);`,
		`CREATE TABLE threads (id TEXT PRIMARY KEY, created_at DATETIME NOT NULL, updated_at DATETIME NOT NULL, metadata TEXT);`,
		`CREATE TABLE events (id TEXT PRIMARY KEY, thread_id TEXT NOT NULL, type TEXT NOT NULL, timestamp DATETIME NOT NULL, data TEXT NOT NULL DEFAULT '{}');`,
		`CREATE TABLE thread_versions (canonical_id TEXT PRIMARY KEY, current_version_id TEXT NOT NULL, created_at DATETIME NOT NULL);`,
		`CREATE TABLE version_history (id INTEGER PRIMARY KEY AUTOINCREMENT, canonical_id TEXT NOT NULL, version_id TEXT NOT NULL, created_at DATETIME NOT NULL, reason TEXT NOT NULL DEFAULT '');`,
		`CREATE TABLE tasks (id TEXT PRIMARY KEY, title TEXT NOT NULL, description TEXT NOT NULL DEFAULT '', prompt TEXT NOT NULL, status TEXT NOT NULL, priority TEXT NOT NULL, assigned_to TEXT, created_by TEXT NOT NULL, thread_id TEXT NOT NULL, created_at DATETIME NOT NULL, updated_at DATETIME NOT NULL);`,
		`CREATE TABLE task_notes (id TEXT PRIMARY KEY, task_id TEXT NOT NULL, author TEXT NOT NULL, content TEXT NOT NULL, timestamp DATETIME NOT NULL);`,
		`CREATE TABLE projects (id TEXT PRIMARY KEY, name TEXT NOT NULL, description TEXT NOT NULL DEFAULT '', working_directory TEXT NOT NULL DEFAULT '', configuration TEXT NOT NULL DEFAULT '{}', is_archived INTEGER NOT NULL DEFAULT 0, created_at DATETIME NOT NULL, last_used_at DATETIME NOT NULL);`,
		`CREATE TABLE sessions (id TEXT PRIMARY KEY, project_id TEXT, name TEXT NOT NULL DEFAULT '', description TEXT NOT NULL DEFAULT '', configuration TEXT NOT NULL DEFAULT '{}', status TEXT NOT NULL DEFAULT 'active', created_at DATETIME NOT NULL, updated_at DATETIME NOT NULL);`,
		`INSERT INTO schema_version VALUES (1, CURRENT_TIMESTAMP), (2, CURRENT_TIMESTAMP), (3, CURRENT_TIMESTAMP), (4, CURRENT_TIMESTAMP);`,
		`INSERT INTO threads VALUES ('legacy-1', CURRENT_TIMESTAMP, CURRENT_TIMESTAMP, '{"sessionId":"sess-a"}');`,
		`INSERT INTO threads VALUES ('legacy-2', CURRENT_TIMESTAMP, CURRENT_TIMESTAMP, '{"session":"sess-b"}');`,
		`INSERT INTO threads VALUES ('legacy-3', CURRENT_TIMESTAMP, CURRENT_TIMESTAMP, 'not json');`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			t.Fatalf("seed %q: %v", stmt, err)
		}
	}
	_ = db.Close()

	store, err := persistence.Open(dbPath, persistence.Options{})
	if err != nil {
		t.Fatalf("open legacy: %v", err)
	}
	defer store.Close()
	ctx := context.Background()

	for threadID, sessionID := range map[string]string{"legacy-1": "sess-a", "legacy-2": "sess-b"} {
		th, err := store.GetThread(ctx, threadID)
		if err != nil || th == nil {
			t.Fatalf("GetThread(%s): %v", threadID, err)
		}
		if th.SessionID != sessionID {
			t.Fatalf("%s session = %q, want %q", threadID, th.SessionID, sessionID)
		}
		sess, err := store.GetSession(ctx, sessionID)
		if err != nil || sess == nil {
			t.Fatalf("GetSession(%s): %v", sessionID, err)
		}
	}
	th, err := store.GetThread(ctx, "legacy-3")
	if err != nil {
		t.Fatalf("GetThread(legacy-3): %v", err)
	}
	if th.SessionID != "" {
		t.Fatalf("malformed metadata must not produce a session, got %q", th.SessionID)
	}
}

func TestStore_OpenOrMemoryDegrades(t *testing.T) {
	// A directory path cannot be opened as a database file.
	store := persistence.OpenOrMemory(t.TempDir(), persistence.Options{})
	defer store.Close()
	if store.Enabled() {
		t.Fatal("expected disabled store")
	}
	ctx := context.Background()

	called := false
	if err := store.Transaction(ctx, func(tx *persistence.Tx) error {
		called = true
		return nil
	}); err != nil {
		t.Fatalf("transaction on disabled store: %v", err)
	}
	if called {
		t.Fatal("disabled store must not run write callbacks")
	}
	th, err := store.GetThread(ctx, "missing")
	if err != nil || th != nil {
		t.Fatalf("GetThread = %v, %v; want nil, nil", th, err)
	}
	events, err := store.ListEvents(ctx, "missing")
	if err != nil || len(events) != 0 {
		t.Fatalf("ListEvents = %v, %v; want empty", events, err)
	}
	tasks, err := store.ListTasks(ctx, persistence.TaskQuery{All: true})
	if err != nil || len(tasks) != 0 {
		t.Fatalf("ListTasks = %v, %v; want empty", tasks, err)
	}
}

func TestStore_EventsOrderedByTimestampThenInsertion(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	mustTx(t, store, func(tx *persistence.Tx) error {
		if err := tx.InsertThread(ctx, persistence.ThreadRecord{ID: "t1", CreatedAt: base, UpdatedAt: base}); err != nil {
			return err
		}
		for _, ev := range []persistence.EventRecord{
			{ID: "e-late", ThreadID: "t1", Type: "USER", Timestamp: base.Add(2 * time.Second)},
			{ID: "e-tie-a", ThreadID: "t1", Type: "USER", Timestamp: base.Add(time.Second)},
			{ID: "e-tie-b", ThreadID: "t1", Type: "AGENT", Timestamp: base.Add(time.Second)},
			{ID: "e-first", ThreadID: "t1", Type: "USER", Timestamp: base},
		} {
			if err := tx.InsertEvent(ctx, ev); err != nil {
				return err
			}
		}
		return nil
	})

	events, err := store.ListEvents(ctx, "t1")
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	var ids []string
	for _, ev := range events {
		ids = append(ids, ev.ID)
	}
	want := []string{"e-first", "e-tie-a", "e-tie-b", "e-late"}
	if diff := cmp.Diff(want, ids); diff != "" {
		t.Fatalf("event order mismatch (-want +got):\n%s", diff)
	}
	if string(events[0].Data) != "{}" {
		t.Fatalf("default data = %s, want {}", events[0].Data)
	}

	th, err := store.GetThread(ctx, "t1")
	if err != nil {
		t.Fatalf("GetThread: %v", err)
	}
	if !th.UpdatedAt.Equal(base.Add(2 * time.Second)) {
		t.Fatalf("updated_at = %v, want latest event time", th.UpdatedAt)
	}
}

func TestStore_VersionPointerAndHistory(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	history, err := store.VersionHistory(ctx, "never-compacted")
	if err != nil {
		t.Fatalf("VersionHistory: %v", err)
	}
	if history == nil || len(history) != 0 {
		t.Fatalf("expected empty non-nil history, got %#v", history)
	}

	for _, v := range []string{"v1", "v2"} {
		mustTx(t, store, func(tx *persistence.Tx) error {
			if err := tx.SetVersionPointer(ctx, "c1", v, now); err != nil {
				return err
			}
			return tx.AppendVersionHistory(ctx, "c1", v, "compaction", now)
		})
	}
	cur, err := store.CurrentVersion(ctx, "c1")
	if err != nil {
		t.Fatalf("CurrentVersion: %v", err)
	}
	if cur != "v2" {
		t.Fatalf("current = %q, want v2", cur)
	}
	history, err = store.VersionHistory(ctx, "c1")
	if err != nil {
		t.Fatalf("VersionHistory: %v", err)
	}
	if len(history) != 2 || history[0].VersionID != "v1" || history[1].VersionID != "v2" {
		t.Fatalf("history = %#v", history)
	}
	if history[0].ID >= history[1].ID {
		t.Fatalf("history ids must increase: %d, %d", history[0].ID, history[1].ID)
	}
	ids, err := store.CanonicalThreadIDs(ctx)
	if err != nil {
		t.Fatalf("CanonicalThreadIDs: %v", err)
	}
	if diff := cmp.Diff([]string{"c1"}, ids); diff != "" {
		t.Fatalf("canonical ids (-want +got):\n%s", diff)
	}
}

func TestStore_ThreadIDsWithPrefixEscapesWildcards(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	mustTx(t, store, func(tx *persistence.Tx) error {
		for _, id := range []string{"a_b", "a_b.1", "a_b.2", "axb.1", "A_B.3", "a_b.1.1"} {
			if err := tx.InsertThread(ctx, persistence.ThreadRecord{ID: id, CreatedAt: now, UpdatedAt: now}); err != nil {
				return err
			}
		}
		return nil
	})
	got, err := store.ThreadIDsWithPrefix(ctx, "a_b.")
	if err != nil {
		t.Fatalf("ThreadIDsWithPrefix: %v", err)
	}
	want := []string{"a_b.1", "a_b.1.1", "a_b.2"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("prefix match (-want +got):\n%s", diff)
	}
}

func TestStore_TaskPriorityOrdering(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC()

	mustTx(t, store, func(tx *persistence.Tx) error {
		for i, p := range []string{"low", "high", "medium", "high"} {
			at := base.Add(time.Duration(i) * time.Millisecond)
			if err := tx.InsertTask(ctx, persistence.TaskRecord{
				ID: "task-" + p + "-" + string(rune('a'+i)), Title: "t", Prompt: "p",
				Status: "pending", Priority: p, CreatedBy: "root", ThreadID: "root",
				CreatedAt: at, UpdatedAt: at,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	tasks, err := store.ListTasks(ctx, persistence.TaskQuery{CreatedBy: "root"})
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	var ids []string
	for _, task := range tasks {
		ids = append(ids, task.ID)
	}
	want := []string{"task-high-b", "task-high-d", "task-medium-c", "task-low-a"}
	if diff := cmp.Diff(want, ids); diff != "" {
		t.Fatalf("order mismatch (-want +got):\n%s", diff)
	}

	none, err := store.ListTasks(ctx, persistence.TaskQuery{})
	if err != nil {
		t.Fatalf("ListTasks empty query: %v", err)
	}
	if len(none) != 0 {
		t.Fatalf("empty query matched %d tasks", len(none))
	}
}

func TestStore_TaskUpdateNotesAndDelete(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC()

	mustTx(t, store, func(tx *persistence.Tx) error {
		return tx.InsertTask(ctx, persistence.TaskRecord{
			ID: "t1", Title: "title", Prompt: "prompt", Status: "pending", Priority: "medium",
			AssignedTo: "new:p/m", CreatedBy: "root", ThreadID: "root", CreatedAt: base, UpdatedAt: base,
		})
	})

	var applied bool
	mustTx(t, store, func(tx *persistence.Tx) error {
		var err error
		applied, err = tx.SetAssignee(ctx, "t1", "new:p/m", "root.1", base.Add(time.Second))
		return err
	})
	if !applied {
		t.Fatal("expected assignee rewrite to apply")
	}
	mustTx(t, store, func(tx *persistence.Tx) error {
		var err error
		applied, err = tx.SetAssignee(ctx, "t1", "new:p/m", "root.2", base.Add(2*time.Second))
		return err
	})
	if applied {
		t.Fatal("stale assignee rewrite must not apply")
	}

	status := "in_progress"
	mustTx(t, store, func(tx *persistence.Tx) error {
		_, err := tx.UpdateTask(ctx, "t1", persistence.TaskFields{Status: &status}, base.Add(3*time.Second))
		return err
	})
	mustTx(t, store, func(tx *persistence.Tx) error {
		if err := tx.InsertNote(ctx, persistence.NoteRecord{ID: "n2", TaskID: "t1", Author: "root.1", Content: "second", Timestamp: base.Add(5 * time.Second)}); err != nil {
			return err
		}
		return tx.InsertNote(ctx, persistence.NoteRecord{ID: "n1", TaskID: "t1", Author: "root", Content: "first", Timestamp: base.Add(4 * time.Second)})
	})

	task, err := store.GetTask(ctx, "t1")
	if err != nil || task == nil {
		t.Fatalf("GetTask: %v", err)
	}
	if task.AssignedTo != "root.1" || task.Status != "in_progress" {
		t.Fatalf("task = %+v", task)
	}
	if !task.UpdatedAt.Equal(base.Add(4 * time.Second)) {
		t.Fatalf("updated_at = %v, want last note write", task.UpdatedAt)
	}
	notes, err := store.ListNotes(ctx, "t1")
	if err != nil {
		t.Fatalf("ListNotes: %v", err)
	}
	if len(notes) != 2 || notes[0].ID != "n1" || notes[1].ID != "n2" {
		t.Fatalf("notes not in timestamp order: %+v", notes)
	}

	var deleted bool
	mustTx(t, store, func(tx *persistence.Tx) error {
		var err error
		deleted, err = tx.DeleteTask(ctx, "t1")
		return err
	})
	if !deleted {
		t.Fatal("expected delete to report a row")
	}
	task, err = store.GetTask(ctx, "t1")
	if err != nil || task != nil {
		t.Fatalf("GetTask after delete = %v, %v", task, err)
	}
}

func TestStore_ProjectsAndSessions(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	if _, err := store.CreateProject(ctx, persistence.Project{}); !shared.IsKind(err, shared.KindValidation) {
		t.Fatalf("expected validation error for empty name, got %v", err)
	}
	p, err := store.CreateProject(ctx, persistence.Project{
		Name:             "core",
		WorkingDirectory: "/work/core",
		Configuration:    json.RawMessage(`{"model":"m"}`),
	})
	if err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	got, err := store.GetProject(ctx, p.ID)
	if err != nil || got == nil {
		t.Fatalf("GetProject: %v", err)
	}
	if got.WorkingDirectory != "/work/core" || string(got.Configuration) != `{"model":"m"}` {
		t.Fatalf("project = %+v", got)
	}

	if _, err := store.CreateSession(ctx, persistence.Session{ProjectID: "missing"}); !shared.IsKind(err, shared.KindNotFound) {
		t.Fatalf("expected not found for unknown project, got %v", err)
	}
	sess, err := store.CreateSession(ctx, persistence.Session{ProjectID: p.ID, Name: "s1"})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if sess.Status != persistence.SessionActive {
		t.Fatalf("status = %q", sess.Status)
	}
	if err := store.UpdateSessionStatus(ctx, sess.ID, "bogus"); !shared.IsKind(err, shared.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if err := store.UpdateSessionStatus(ctx, sess.ID, persistence.SessionArchived); err != nil {
		t.Fatalf("UpdateSessionStatus: %v", err)
	}
	if err := store.UpdateSessionStatus(ctx, "nope", persistence.SessionArchived); !shared.IsKind(err, shared.KindNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	sessions, err := store.ListSessions(ctx, p.ID)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].Status != persistence.SessionArchived {
		t.Fatalf("sessions = %+v", sessions)
	}

	if err := store.ArchiveProject(ctx, p.ID); err != nil {
		t.Fatalf("ArchiveProject: %v", err)
	}
	if err := store.TouchProject(ctx, p.ID); err != nil {
		t.Fatalf("TouchProject: %v", err)
	}
	active, err := store.ListProjects(ctx, false)
	if err != nil {
		t.Fatalf("ListProjects: %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("archived project listed as active: %+v", active)
	}
	all, err := store.ListProjects(ctx, true)
	if err != nil {
		t.Fatalf("ListProjects(all): %v", err)
	}
	if len(all) != 1 || !all[0].IsArchived {
		t.Fatalf("projects = %+v", all)
	}
}
