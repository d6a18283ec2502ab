package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ThreadRecord is a row of the threads table.
type ThreadRecord struct {
	ID        string
	SessionID string
	ProjectID string
	CreatedAt time.Time
	UpdatedAt time.Time
	Metadata  map[string]any
}

// EventRecord is a row of the events table.
type EventRecord struct {
	ID        string
	ThreadID  string
	Type      string
	Timestamp time.Time
	Data      json.RawMessage
}

// VersionRecord is a row of version_history.
type VersionRecord struct {
	ID          int64
	CanonicalID string
	VersionID   string
	CreatedAt   time.Time
	Reason      string
}

// InsertThread creates a thread row. Duplicate ids fail.
func (t *Tx) InsertThread(ctx context.Context, th ThreadRecord) error {
	meta, err := encodeMetadata(th.Metadata)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO threads (id, session_id, project_id, created_at, updated_at, metadata)
		VALUES (?, ?, ?, ?, ?, ?);
	`, th.ID, nullString(th.SessionID), nullString(th.ProjectID), th.CreatedAt.UTC(), th.UpdatedAt.UTC(), meta)
	if err != nil {
		return fmt.Errorf("insert thread %s: %w", th.ID, err)
	}
	return nil
}

// InsertEvent appends one event and bumps the owning thread's updated_at.
func (t *Tx) InsertEvent(ctx context.Context, ev EventRecord) error {
	data := ev.Data
	if len(data) == 0 {
		data = json.RawMessage(`{}`)
	}
	if _, err := t.tx.ExecContext(ctx, `
		INSERT INTO events (id, thread_id, type, timestamp, data)
		VALUES (?, ?, ?, ?, ?);
	`, ev.ID, ev.ThreadID, ev.Type, ev.Timestamp.UTC(), string(data)); err != nil {
		return fmt.Errorf("insert event %s: %w", ev.ID, err)
	}
	if _, err := t.tx.ExecContext(ctx,
		`UPDATE threads SET updated_at = MAX(updated_at, ?) WHERE id = ?;`,
		ev.Timestamp.UTC(), ev.ThreadID,
	); err != nil {
		return fmt.Errorf("touch thread %s: %w", ev.ThreadID, err)
	}
	return nil
}

// SetVersionPointer upserts the canonical -> current version mapping.
func (t *Tx) SetVersionPointer(ctx context.Context, canonicalID, versionID string, at time.Time) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO thread_versions (canonical_id, current_version_id, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT(canonical_id) DO UPDATE SET
			current_version_id = excluded.current_version_id,
			created_at = excluded.created_at;
	`, canonicalID, versionID, at.UTC())
	if err != nil {
		return fmt.Errorf("set version pointer %s: %w", canonicalID, err)
	}
	return nil
}

// AppendVersionHistory records a compaction in the audit trail.
func (t *Tx) AppendVersionHistory(ctx context.Context, canonicalID, versionID, reason string, at time.Time) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO version_history (canonical_id, version_id, created_at, reason)
		VALUES (?, ?, ?, ?);
	`, canonicalID, versionID, at.UTC(), reason)
	if err != nil {
		return fmt.Errorf("append version history %s: %w", canonicalID, err)
	}
	return nil
}

// ThreadExists reports whether a thread row exists inside the transaction.
func (t *Tx) ThreadExists(ctx context.Context, id string) (bool, error) {
	return threadExists(ctx, t.tx, id)
}

// CurrentVersion returns the version pointer for canonicalID inside the
// transaction, or "" when none.
func (t *Tx) CurrentVersion(ctx context.Context, canonicalID string) (string, error) {
	return currentVersion(ctx, t.tx, canonicalID)
}

// VersionHistory lists history rows inside the transaction, oldest first.
func (t *Tx) VersionHistory(ctx context.Context, canonicalID string) ([]VersionRecord, error) {
	return versionHistory(ctx, t.tx, canonicalID)
}

// DeleteVersion removes a version's events, its thread row, and its
// history rows.
func (t *Tx) DeleteVersion(ctx context.Context, canonicalID, versionID string) error {
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM events WHERE thread_id = ?;`, versionID); err != nil {
		return fmt.Errorf("delete events of %s: %w", versionID, err)
	}
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM threads WHERE id = ?;`, versionID); err != nil {
		return fmt.Errorf("delete thread %s: %w", versionID, err)
	}
	if _, err := t.tx.ExecContext(ctx,
		`DELETE FROM version_history WHERE canonical_id = ? AND version_id = ?;`, canonicalID, versionID,
	); err != nil {
		return fmt.Errorf("delete history of %s: %w", versionID, err)
	}
	return nil
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func threadExists(ctx context.Context, q queryer, id string) (bool, error) {
	var one int
	err := q.QueryRowContext(ctx, `SELECT 1 FROM threads WHERE id = ?;`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup thread %s: %w", id, err)
	}
	return true, nil
}

func currentVersion(ctx context.Context, q queryer, canonicalID string) (string, error) {
	var v string
	err := q.QueryRowContext(ctx,
		`SELECT current_version_id FROM thread_versions WHERE canonical_id = ?;`, canonicalID,
	).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("lookup version pointer %s: %w", canonicalID, err)
	}
	return v, nil
}

func versionHistory(ctx context.Context, q queryer, canonicalID string) ([]VersionRecord, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, canonical_id, version_id, created_at, reason
		FROM version_history WHERE canonical_id = ?
		ORDER BY id ASC;
	`, canonicalID)
	if err != nil {
		return nil, fmt.Errorf("query version history: %w", err)
	}
	defer rows.Close()

	out := []VersionRecord{}
	for rows.Next() {
		var v VersionRecord
		if err := rows.Scan(&v.ID, &v.CanonicalID, &v.VersionID, &v.CreatedAt, &v.Reason); err != nil {
			return nil, fmt.Errorf("scan version history: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// GetThread returns the thread row, or nil when it does not exist.
func (s *Store) GetThread(ctx context.Context, id string) (*ThreadRecord, error) {
	if s.db == nil {
		return nil, nil
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, project_id, created_at, updated_at, metadata
		FROM threads WHERE id = ?;
	`, id)
	th, err := scanThread(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get thread %s: %w", id, err)
	}
	return th, nil
}

// ThreadExists reports whether a thread row exists.
func (s *Store) ThreadExists(ctx context.Context, id string) (bool, error) {
	if s.db == nil {
		return false, nil
	}
	return threadExists(ctx, s.db, id)
}

// ListThreads returns thread rows, newest activity first. An empty
// sessionID lists every thread.
func (s *Store) ListThreads(ctx context.Context, sessionID string, limit int) ([]ThreadRecord, error) {
	if s.db == nil {
		return []ThreadRecord{}, nil
	}
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, session_id, project_id, created_at, updated_at, metadata FROM threads`
	args := []any{}
	if sessionID != "" {
		query += ` WHERE session_id = ?`
		args = append(args, sessionID)
	}
	query += ` ORDER BY updated_at DESC, id ASC LIMIT ?;`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	defer rows.Close()

	out := []ThreadRecord{}
	for rows.Next() {
		th, err := scanThread(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan thread: %w", err)
		}
		out = append(out, *th)
	}
	return out, rows.Err()
}

// CanonicalThreadIDs returns every canonical id that has a version pointer.
func (s *Store) CanonicalThreadIDs(ctx context.Context) ([]string, error) {
	if s.db == nil {
		return []string{}, nil
	}
	rows, err := s.db.QueryContext(ctx, `SELECT canonical_id FROM thread_versions ORDER BY canonical_id;`)
	if err != nil {
		return nil, fmt.Errorf("list canonical ids: %w", err)
	}
	defer rows.Close()
	out := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// ListEvents returns a thread's events ordered by timestamp, ties broken
// by insertion order.
func (s *Store) ListEvents(ctx context.Context, threadID string) ([]EventRecord, error) {
	if s.db == nil {
		return []EventRecord{}, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, thread_id, type, timestamp, data
		FROM events WHERE thread_id = ?
		ORDER BY timestamp ASC, rowid ASC;
	`, threadID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	out := []EventRecord{}
	for rows.Next() {
		var ev EventRecord
		var data string
		if err := rows.Scan(&ev.ID, &ev.ThreadID, &ev.Type, &ev.Timestamp, &data); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Data = json.RawMessage(data)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// CountEvents returns the number of events stored for a thread.
func (s *Store) CountEvents(ctx context.Context, threadID string) (int, error) {
	if s.db == nil {
		return 0, nil
	}
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events WHERE thread_id = ?;`, threadID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

// CurrentVersion returns the version the canonical id points at, or "".
func (s *Store) CurrentVersion(ctx context.Context, canonicalID string) (string, error) {
	if s.db == nil {
		return "", nil
	}
	return currentVersion(ctx, s.db, canonicalID)
}

// VersionHistory returns all compactions of canonicalID, oldest first.
// A thread never compacted yields an empty slice.
func (s *Store) VersionHistory(ctx context.Context, canonicalID string) ([]VersionRecord, error) {
	if s.db == nil {
		return []VersionRecord{}, nil
	}
	return versionHistory(ctx, s.db, canonicalID)
}

// ThreadIDsWithPrefix returns thread ids that start with prefix, sorted.
func (s *Store) ThreadIDsWithPrefix(ctx context.Context, prefix string) ([]string, error) {
	if s.db == nil {
		return []string{}, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM threads WHERE id LIKE ? ESCAPE '\' ORDER BY id;`,
		escapeLike(prefix)+"%",
	)
	if err != nil {
		return nil, fmt.Errorf("list threads by prefix: %w", err)
	}
	defer rows.Close()

	out := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		// LIKE is case-insensitive for ASCII; enforce an exact prefix.
		if strings.HasPrefix(id, prefix) {
			out = append(out, id)
		}
	}
	return out, rows.Err()
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func scanThread(scanFn func(dest ...any) error) (*ThreadRecord, error) {
	var (
		th        ThreadRecord
		sessionID sql.NullString
		projectID sql.NullString
		meta      sql.NullString
	)
	if err := scanFn(&th.ID, &sessionID, &projectID, &th.CreatedAt, &th.UpdatedAt, &meta); err != nil {
		return nil, err
	}
	th.SessionID = sessionID.String
	th.ProjectID = projectID.String
	if meta.Valid && meta.String != "" {
		if err := json.Unmarshal([]byte(meta.String), &th.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return &th, nil
}

func encodeMetadata(m map[string]any) (sql.NullString, error) {
	if len(m) == 0 {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encode metadata: %w", err)
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}
