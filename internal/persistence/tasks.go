package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// TaskRecord is a row of the tasks table. Status and Priority hold the
// wire strings validated by the task manager.
type TaskRecord struct {
	ID          string
	Title       string
	Description string
	Prompt      string
	Status      string
	Priority    string
	AssignedTo  string
	CreatedBy   string
	ThreadID    string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// NoteRecord is a row of task_notes.
type NoteRecord struct {
	ID        string
	TaskID    string
	Author    string
	Content   string
	Timestamp time.Time
}

// TaskQuery selects tasks. Non-empty fields are OR-ed together; an empty
// query matches nothing unless All is set.
type TaskQuery struct {
	AssignedTo string
	ThreadID   string
	CreatedBy  string
	All        bool
}

// TaskFields is a partial update; nil fields are left unchanged.
type TaskFields struct {
	Title       *string
	Description *string
	Prompt      *string
	Status      *string
	Priority    *string
	AssignedTo  *string
}

const taskColumns = `id, title, description, prompt, status, priority, assigned_to, created_by, thread_id, created_at, updated_at`

// InsertTask creates a task row.
func (t *Tx) InsertTask(ctx context.Context, task TaskRecord) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
	`, task.ID, task.Title, task.Description, task.Prompt, task.Status, task.Priority,
		nullString(task.AssignedTo), task.CreatedBy, task.ThreadID,
		task.CreatedAt.UTC(), task.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert task %s: %w", task.ID, err)
	}
	return nil
}

// GetTask reads a task inside the transaction; nil when missing.
func (t *Tx) GetTask(ctx context.Context, id string) (*TaskRecord, error) {
	return getTask(ctx, t.tx, id)
}

// UpdateTask applies fields and sets updated_at. It reports whether a row
// matched.
func (t *Tx) UpdateTask(ctx context.Context, id string, f TaskFields, at time.Time) (bool, error) {
	sets := []string{"updated_at = ?"}
	args := []any{at.UTC()}
	add := func(col string, v *string) {
		if v != nil {
			sets = append(sets, col+" = ?")
			args = append(args, *v)
		}
	}
	add("title", f.Title)
	add("description", f.Description)
	add("prompt", f.Prompt)
	add("status", f.Status)
	add("priority", f.Priority)
	if f.AssignedTo != nil {
		sets = append(sets, "assigned_to = ?")
		args = append(args, nullString(*f.AssignedTo))
	}
	args = append(args, id)

	res, err := t.tx.ExecContext(ctx,
		`UPDATE tasks SET `+strings.Join(sets, ", ")+` WHERE id = ?;`, args...)
	if err != nil {
		return false, fmt.Errorf("update task %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// SetAssignee rewrites only assigned_to and updated_at, and only while the
// row still carries the expected assignee. It reports whether it applied.
func (t *Tx) SetAssignee(ctx context.Context, id, expected, assignee string, at time.Time) (bool, error) {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE tasks SET assigned_to = ?, updated_at = ?
		WHERE id = ? AND assigned_to = ?;
	`, assignee, at.UTC(), id, expected)
	if err != nil {
		return false, fmt.Errorf("set assignee %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// InsertNote appends a note and bumps the task's updated_at.
func (t *Tx) InsertNote(ctx context.Context, n NoteRecord) error {
	if _, err := t.tx.ExecContext(ctx, `
		INSERT INTO task_notes (id, task_id, author, content, timestamp)
		VALUES (?, ?, ?, ?, ?);
	`, n.ID, n.TaskID, n.Author, n.Content, n.Timestamp.UTC()); err != nil {
		return fmt.Errorf("insert note %s: %w", n.ID, err)
	}
	if _, err := t.tx.ExecContext(ctx,
		`UPDATE tasks SET updated_at = ? WHERE id = ?;`, n.Timestamp.UTC(), n.TaskID,
	); err != nil {
		return fmt.Errorf("touch task %s: %w", n.TaskID, err)
	}
	return nil
}

// DeleteTask removes a task and its notes. It reports whether a row existed.
func (t *Tx) DeleteTask(ctx context.Context, id string) (bool, error) {
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM task_notes WHERE task_id = ?;`, id); err != nil {
		return false, fmt.Errorf("delete notes of %s: %w", id, err)
	}
	res, err := t.tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?;`, id)
	if err != nil {
		return false, fmt.Errorf("delete task %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// GetTask returns the task row, or nil when it does not exist.
func (s *Store) GetTask(ctx context.Context, id string) (*TaskRecord, error) {
	if s.db == nil {
		return nil, nil
	}
	return getTask(ctx, s.db, id)
}

func getTask(ctx context.Context, q queryer, id string) (*TaskRecord, error) {
	row := q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?;`, id)
	task, err := scanTask(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return task, nil
}

// ListTasks returns tasks matching q ordered by priority (high first),
// then creation time, then insertion order.
func (s *Store) ListTasks(ctx context.Context, q TaskQuery) ([]TaskRecord, error) {
	if s.db == nil {
		return []TaskRecord{}, nil
	}
	var conds []string
	var args []any
	if q.AssignedTo != "" {
		conds = append(conds, "assigned_to = ?")
		args = append(args, q.AssignedTo)
	}
	if q.ThreadID != "" {
		conds = append(conds, "thread_id = ?")
		args = append(args, q.ThreadID)
	}
	if q.CreatedBy != "" {
		conds = append(conds, "created_by = ?")
		args = append(args, q.CreatedBy)
	}
	query := `SELECT ` + taskColumns + ` FROM tasks`
	switch {
	case q.All && len(conds) == 0:
	case len(conds) == 0:
		return []TaskRecord{}, nil
	default:
		query += ` WHERE ` + strings.Join(conds, " OR ")
	}
	query += `
		ORDER BY CASE priority WHEN 'high' THEN 0 WHEN 'medium' THEN 1 ELSE 2 END,
			created_at ASC, rowid ASC;`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	out := []TaskRecord{}
	for rows.Next() {
		task, err := scanTask(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, *task)
	}
	return out, rows.Err()
}

// ListNotes returns a task's notes ordered by timestamp, then insertion.
func (s *Store) ListNotes(ctx context.Context, taskID string) ([]NoteRecord, error) {
	if s.db == nil {
		return []NoteRecord{}, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, author, content, timestamp
		FROM task_notes WHERE task_id = ?
		ORDER BY timestamp ASC, rowid ASC;
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list notes: %w", err)
	}
	defer rows.Close()

	out := []NoteRecord{}
	for rows.Next() {
		var n NoteRecord
		if err := rows.Scan(&n.ID, &n.TaskID, &n.Author, &n.Content, &n.Timestamp); err != nil {
			return nil, fmt.Errorf("scan note: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func scanTask(scanFn func(dest ...any) error) (*TaskRecord, error) {
	var (
		t          TaskRecord
		assignedTo sql.NullString
	)
	if err := scanFn(&t.ID, &t.Title, &t.Description, &t.Prompt, &t.Status, &t.Priority,
		&assignedTo, &t.CreatedBy, &t.ThreadID, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.AssignedTo = assignedTo.String
	return &t, nil
}
