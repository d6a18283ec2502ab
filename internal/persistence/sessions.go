package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/basket/agentcore/internal/shared"
	"github.com/google/uuid"
)

// Session statuses.
const (
	SessionActive   = "active"
	SessionArchived = "archived"
)

// Project is a row of the projects table.
type Project struct {
	ID               string
	Name             string
	Description      string
	WorkingDirectory string
	Configuration    json.RawMessage
	IsArchived       bool
	CreatedAt        time.Time
	LastUsedAt       time.Time
}

// Session is a row of the sessions table.
type Session struct {
	ID            string
	ProjectID     string
	Name          string
	Description   string
	Configuration json.RawMessage
	Status        string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// CreateProject inserts a project, assigning an id when p.ID is empty.
func (s *Store) CreateProject(ctx context.Context, p Project) (*Project, error) {
	if strings.TrimSpace(p.Name) == "" {
		return nil, shared.Validation("name", "project name is required")
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if len(p.Configuration) == 0 {
		p.Configuration = json.RawMessage(`{}`)
	}
	now := timeNow()
	p.CreatedAt, p.LastUsedAt = now, now
	if s.db == nil {
		return &p, nil
	}
	err := s.withRetry(ctx, "project.create", func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO projects (id, name, description, working_directory, configuration, is_archived, created_at, last_used_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?);
		`, p.ID, p.Name, p.Description, p.WorkingDirectory, string(p.Configuration), p.IsArchived, p.CreatedAt, p.LastUsedAt)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("insert project: %w", err)
	}
	return &p, nil
}

// GetProject returns the project or nil when missing.
func (s *Store) GetProject(ctx context.Context, id string) (*Project, error) {
	if s.db == nil {
		return nil, nil
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, description, working_directory, configuration, is_archived, created_at, last_used_at
		FROM projects WHERE id = ?;
	`, id)
	p, err := scanProject(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get project %s: %w", id, err)
	}
	return p, nil
}

// ListProjects returns projects most recently used first.
func (s *Store) ListProjects(ctx context.Context, includeArchived bool) ([]Project, error) {
	if s.db == nil {
		return []Project{}, nil
	}
	query := `SELECT id, name, description, working_directory, configuration, is_archived, created_at, last_used_at FROM projects`
	if !includeArchived {
		query += ` WHERE is_archived = 0`
	}
	query += ` ORDER BY last_used_at DESC, id ASC;`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	out := []Project{}
	for rows.Next() {
		p, err := scanProject(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// ArchiveProject marks a project archived.
func (s *Store) ArchiveProject(ctx context.Context, id string) error {
	return s.execExpectRow(ctx, "project.archive", "project", id,
		`UPDATE projects SET is_archived = 1 WHERE id = ?;`, id)
}

// TouchProject bumps last_used_at.
func (s *Store) TouchProject(ctx context.Context, id string) error {
	return s.execExpectRow(ctx, "project.touch", "project", id,
		`UPDATE projects SET last_used_at = ? WHERE id = ?;`, timeNow(), id)
}

// CreateSession inserts a session. A non-empty ProjectID must exist.
func (s *Store) CreateSession(ctx context.Context, sess Session) (*Session, error) {
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	if sess.Status == "" {
		sess.Status = SessionActive
	}
	if sess.Status != SessionActive && sess.Status != SessionArchived {
		return nil, shared.Validation("status", "invalid session status %q", sess.Status)
	}
	if len(sess.Configuration) == 0 {
		sess.Configuration = json.RawMessage(`{}`)
	}
	now := timeNow()
	sess.CreatedAt, sess.UpdatedAt = now, now
	if s.db == nil {
		return &sess, nil
	}
	if sess.ProjectID != "" {
		p, err := s.GetProject(ctx, sess.ProjectID)
		if err != nil {
			return nil, err
		}
		if p == nil {
			return nil, shared.NotFound("project", sess.ProjectID)
		}
	}
	err := s.withRetry(ctx, "session.create", func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO sessions (id, project_id, name, description, configuration, status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?);
		`, sess.ID, nullString(sess.ProjectID), sess.Name, sess.Description, string(sess.Configuration),
			sess.Status, sess.CreatedAt, sess.UpdatedAt)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}
	return &sess, nil
}

// GetSession returns the session or nil when missing.
func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	if s.db == nil {
		return nil, nil
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, name, description, configuration, status, created_at, updated_at
		FROM sessions WHERE id = ?;
	`, id)
	sess, err := scanSession(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	return sess, nil
}

// ListSessions returns sessions newest first. An empty projectID lists all.
func (s *Store) ListSessions(ctx context.Context, projectID string) ([]Session, error) {
	if s.db == nil {
		return []Session{}, nil
	}
	query := `SELECT id, project_id, name, description, configuration, status, created_at, updated_at FROM sessions`
	var args []any
	if projectID != "" {
		query += ` WHERE project_id = ?`
		args = append(args, projectID)
	}
	query += ` ORDER BY updated_at DESC, id ASC;`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	out := []Session{}
	for rows.Next() {
		sess, err := scanSession(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, *sess)
	}
	return out, rows.Err()
}

// UpdateSessionStatus sets a session's status.
func (s *Store) UpdateSessionStatus(ctx context.Context, id, status string) error {
	if status != SessionActive && status != SessionArchived {
		return shared.Validation("status", "invalid session status %q", status)
	}
	return s.execExpectRow(ctx, "session.status", "session", id,
		`UPDATE sessions SET status = ?, updated_at = ? WHERE id = ?;`, status, timeNow(), id)
}

func (s *Store) execExpectRow(ctx context.Context, op, entity, id, query string, args ...any) error {
	if s.db == nil {
		return nil
	}
	var affected int64
	err := s.withRetry(ctx, op, func() error {
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if affected == 0 {
		return shared.NotFound(entity, id)
	}
	return nil
}

func scanProject(scanFn func(dest ...any) error) (*Project, error) {
	var (
		p   Project
		cfg string
	)
	if err := scanFn(&p.ID, &p.Name, &p.Description, &p.WorkingDirectory, &cfg, &p.IsArchived, &p.CreatedAt, &p.LastUsedAt); err != nil {
		return nil, err
	}
	p.Configuration = json.RawMessage(cfg)
	return &p, nil
}

func scanSession(scanFn func(dest ...any) error) (*Session, error) {
	var (
		sess      Session
		projectID sql.NullString
		cfg       string
	)
	if err := scanFn(&sess.ID, &projectID, &sess.Name, &sess.Description, &cfg, &sess.Status, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
		return nil, err
	}
	sess.ProjectID = projectID.String
	sess.Configuration = json.RawMessage(cfg)
	return &sess, nil
}
