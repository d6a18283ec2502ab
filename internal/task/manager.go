package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/basket/agentcore/internal/bus"
	"github.com/basket/agentcore/internal/otel"
	"github.com/basket/agentcore/internal/persistence"
	"github.com/basket/agentcore/internal/shared"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

// DefaultMaxNoteLength caps note content in bytes.
const DefaultMaxNoteLength = 65536

// SystemAuthor signs notes written by the manager itself.
const SystemAuthor = "system"

// SpawnRequest asks for a new agent to work on Task.
type SpawnRequest struct {
	Provider string
	Model    string
	Task     Task
}

// AgentSpawner resolves a deferred assignee into a concrete thread id.
type AgentSpawner interface {
	Spawn(ctx context.Context, req SpawnRequest) (threadID string, err error)
}

// SpawnerFunc adapts a function to AgentSpawner.
type SpawnerFunc func(ctx context.Context, req SpawnRequest) (string, error)

func (f SpawnerFunc) Spawn(ctx context.Context, req SpawnRequest) (string, error) {
	return f(ctx, req)
}

type Options struct {
	Logger  *slog.Logger
	Bus     *bus.Bus
	Metrics *otel.Metrics
	// SyncSpawn resolves deferred assignees before CreateTask and
	// UpdateTask return.
	SyncSpawn     bool
	MaxNoteLength int
}

// Manager owns task lifecycle on top of the durable store.
type Manager struct {
	db      *persistence.Store
	bus     *bus.Bus
	metrics *otel.Metrics
	logger  *slog.Logger
	opts    Options
	now     func() time.Time

	spawnMu sync.RWMutex
	spawner AgentSpawner

	group   singleflight.Group
	pending sync.WaitGroup
}

func NewManager(db *persistence.Store, spawner AgentSpawner, opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MaxNoteLength <= 0 {
		opts.MaxNoteLength = DefaultMaxNoteLength
	}
	return &Manager{
		db:      db,
		bus:     opts.Bus,
		metrics: opts.Metrics,
		logger:  opts.Logger.With("component", "tasks"),
		opts:    opts,
		now:     func() time.Time { return time.Now().UTC() },
		spawner: spawner,
	}
}

// SetSpawner installs the spawner. The delegation layer needs the manager
// to build its spawner, so it is wired after construction.
func (m *Manager) SetSpawner(s AgentSpawner) {
	m.spawnMu.Lock()
	m.spawner = s
	m.spawnMu.Unlock()
}

func (m *Manager) getSpawner() AgentSpawner {
	m.spawnMu.RLock()
	defer m.spawnMu.RUnlock()
	return m.spawner
}

// Close waits for in-flight deferred spawns.
func (m *Manager) Close() {
	m.pending.Wait()
}

// CreateTask validates and stores a new pending task created by actor.
// A NewAgent assignee is recorded literally and then resolved, inline when
// SyncSpawn is set and in the background otherwise.
func (m *Manager) CreateTask(ctx context.Context, in NewTask, actor Actor) (*Task, error) {
	if actor.ID == "" {
		return nil, shared.Validation("createdBy", "actor id is required")
	}
	if strings.TrimSpace(in.Title) == "" {
		return nil, shared.Validation("title", "title is required")
	}
	if strings.TrimSpace(in.Prompt) == "" {
		return nil, shared.Validation("prompt", "prompt is required")
	}
	if in.Priority == "" {
		in.Priority = PriorityMedium
	}
	if !in.Priority.Valid() {
		return nil, shared.Validation("priority", "invalid priority %q", in.Priority)
	}
	if err := validateAssignee(in.Assignee); err != nil {
		return nil, err
	}
	threadID := in.ThreadID
	if threadID == "" {
		threadID = actor.thread()
	}

	now := m.now()
	t := Task{
		ID:          uuid.NewString(),
		Title:       strings.TrimSpace(in.Title),
		Description: in.Description,
		Prompt:      in.Prompt,
		Status:      StatusPending,
		Priority:    in.Priority,
		AssignedTo:  assigneeString(in.Assignee),
		CreatedBy:   actor.ID,
		ThreadID:    threadID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	err := m.db.Transaction(ctx, func(tx *persistence.Tx) error {
		return tx.InsertTask(ctx, toRecord(t))
	})
	if err != nil {
		return nil, err
	}
	m.logger.Info("task created", "task_id", t.ID, "assigned_to", t.AssignedTo, "created_by", t.CreatedBy)
	m.metrics.RecordTaskTransition(ctx, string(t.Status))
	m.publish(t)

	if spec, ok := in.Assignee.(NewAgent); ok {
		return m.dispatchSpawn(ctx, t, spec)
	}
	return &t, nil
}

// GetTask returns the task with its notes.
func (m *Manager) GetTask(ctx context.Context, id string) (*Task, error) {
	rec, err := m.db.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, shared.NotFound("task", id)
	}
	t := fromRecord(*rec)
	notes, err := m.ListNotes(ctx, id)
	if err != nil {
		return nil, err
	}
	t.Notes = notes
	return &t, nil
}

// ListTasks returns the tasks visible to actor through filter, high
// priority first, then oldest first. FilterAll is the union of the other
// three filters. Notes are not loaded.
func (m *Manager) ListTasks(ctx context.Context, filter Filter, actor Actor) ([]Task, error) {
	if !filter.Valid() {
		return nil, shared.Validation("filter", "invalid filter %q", filter)
	}
	if actor.ID == "" {
		return nil, shared.Validation("actor", "actor id is required")
	}
	var q persistence.TaskQuery
	switch filter {
	case FilterMine:
		q.AssignedTo = actor.ID
	case FilterThread:
		q.ThreadID = actor.thread()
	case FilterCreated:
		q.CreatedBy = actor.ID
	case FilterAll:
		q = persistence.TaskQuery{AssignedTo: actor.ID, ThreadID: actor.thread(), CreatedBy: actor.ID}
	}
	recs, err := m.db.ListTasks(ctx, q)
	if err != nil {
		return nil, err
	}
	out := make([]Task, 0, len(recs))
	for _, r := range recs {
		out = append(out, fromRecord(r))
	}
	return out, nil
}

// ListNotes returns a task's notes in timestamp order.
func (m *Manager) ListNotes(ctx context.Context, taskID string) ([]Note, error) {
	recs, err := m.db.ListNotes(ctx, taskID)
	if err != nil {
		return nil, err
	}
	out := make([]Note, 0, len(recs))
	for _, r := range recs {
		out = append(out, Note{ID: r.ID, Author: r.Author, Content: r.Content, Timestamp: r.Timestamp})
	}
	return out, nil
}

// UpdateTask applies a partial update. All input is validated before the
// write; updatedAt always changes.
func (m *Manager) UpdateTask(ctx context.Context, id string, u Update) (*Task, error) {
	var f persistence.TaskFields
	if u.Title != nil {
		title := strings.TrimSpace(*u.Title)
		if title == "" {
			return nil, shared.Validation("title", "title must not be empty")
		}
		f.Title = &title
	}
	if u.Prompt != nil {
		if strings.TrimSpace(*u.Prompt) == "" {
			return nil, shared.Validation("prompt", "prompt must not be empty")
		}
		f.Prompt = u.Prompt
	}
	f.Description = u.Description
	if u.Priority != nil {
		if !u.Priority.Valid() {
			return nil, shared.Validation("priority", "invalid priority %q", *u.Priority)
		}
		p := string(*u.Priority)
		f.Priority = &p
	}
	if u.Status != nil && !u.Status.Valid() {
		return nil, shared.Validation("status", "invalid status %q", *u.Status)
	}
	if u.ClearAssignee && u.Assignee != nil {
		return nil, shared.Validation("assignedTo", "cannot both set and clear the assignee")
	}
	if err := validateAssignee(u.Assignee); err != nil {
		return nil, err
	}
	if u.Assignee != nil || u.ClearAssignee {
		a := assigneeString(u.Assignee)
		f.AssignedTo = &a
	}

	var updated Task
	err := m.db.Transaction(ctx, func(tx *persistence.Tx) error {
		cur, err := tx.GetTask(ctx, id)
		if err != nil {
			return err
		}
		if cur == nil {
			return shared.NotFound("task", id)
		}
		if u.Status != nil {
			if err := CheckTransition(Status(cur.Status), *u.Status); err != nil {
				return err
			}
			s := string(*u.Status)
			f.Status = &s
		}
		at := m.now()
		if _, err := tx.UpdateTask(ctx, id, f, at); err != nil {
			return err
		}
		next, err := tx.GetTask(ctx, id)
		if err != nil {
			return err
		}
		if next == nil {
			return shared.NotFound("task", id)
		}
		updated = fromRecord(*next)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if updated.ID == "" {
		return nil, shared.NotFound("task", id)
	}
	if u.Status != nil {
		m.metrics.RecordTaskTransition(ctx, string(updated.Status))
	}
	m.logger.Info("task updated", "task_id", id, "status", updated.Status, "assigned_to", updated.AssignedTo)
	m.publish(updated)

	if spec, ok := u.Assignee.(NewAgent); ok {
		return m.dispatchSpawn(ctx, updated, spec)
	}
	return &updated, nil
}

// AddNote appends a note by actor. It does not change status.
func (m *Manager) AddNote(ctx context.Context, id string, actor Actor, content string) (*Note, error) {
	if err := m.validateNote(actor, content); err != nil {
		return nil, err
	}
	n := Note{ID: uuid.NewString(), Author: actor.ID, Content: content, Timestamp: m.now()}
	err := m.db.Transaction(ctx, func(tx *persistence.Tx) error {
		cur, err := tx.GetTask(ctx, id)
		if err != nil {
			return err
		}
		if cur == nil {
			return shared.NotFound("task", id)
		}
		return tx.InsertNote(ctx, toNoteRecord(id, n))
	})
	if err != nil {
		return nil, err
	}
	m.logger.Debug("task note added", "task_id", id, "author", actor.ID, "bytes", len(content))
	return &n, nil
}

// CompleteTask appends message as a final note by actor and marks the
// task completed. A completed task cannot be completed again.
func (m *Manager) CompleteTask(ctx context.Context, id string, actor Actor, message string) (*Task, error) {
	if message != "" {
		if err := m.validateNote(actor, message); err != nil {
			return nil, err
		}
	}
	var done Task
	err := m.db.Transaction(ctx, func(tx *persistence.Tx) error {
		cur, err := tx.GetTask(ctx, id)
		if err != nil {
			return err
		}
		if cur == nil {
			return shared.NotFound("task", id)
		}
		if err := CheckTransition(Status(cur.Status), StatusCompleted); err != nil {
			return err
		}
		at := m.now()
		if message != "" {
			n := Note{ID: uuid.NewString(), Author: actor.ID, Content: message, Timestamp: at}
			if err := tx.InsertNote(ctx, toNoteRecord(id, n)); err != nil {
				return err
			}
		}
		status := string(StatusCompleted)
		if _, err := tx.UpdateTask(ctx, id, persistence.TaskFields{Status: &status}, at); err != nil {
			return err
		}
		next, err := tx.GetTask(ctx, id)
		if err != nil {
			return err
		}
		done = fromRecord(*next)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if done.ID == "" {
		return nil, shared.NotFound("task", id)
	}
	m.metrics.RecordTaskTransition(ctx, string(done.Status))
	m.logger.Info("task completed", "task_id", id, "by", actor.ID)
	m.publish(done)
	return &done, nil
}

// DeleteTask removes a task and its notes.
func (m *Manager) DeleteTask(ctx context.Context, id string) error {
	var creator string
	err := m.db.Transaction(ctx, func(tx *persistence.Tx) error {
		cur, err := tx.GetTask(ctx, id)
		if err != nil {
			return err
		}
		if cur == nil {
			return shared.NotFound("task", id)
		}
		creator = cur.CreatedBy
		_, err = tx.DeleteTask(ctx, id)
		return err
	})
	if err != nil {
		return err
	}
	m.logger.Info("task deleted", "task_id", id)
	if m.bus != nil {
		m.bus.Publish(bus.TopicTaskDeleted, DeletedEvent{TaskID: id, CreatorThreadID: creator})
	}
	return nil
}

// ResolveAssignee spawns the agent for a task still carrying a deferred
// assignee. Concurrent calls for the same task share one spawn.
func (m *Manager) ResolveAssignee(ctx context.Context, id string) (*Task, error) {
	t, err := m.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	spec, ok := t.Assignee().(NewAgent)
	if !ok {
		return t, nil
	}
	return m.resolve(ctx, *t, spec)
}

func (m *Manager) dispatchSpawn(ctx context.Context, t Task, spec NewAgent) (*Task, error) {
	if m.opts.SyncSpawn {
		return m.resolve(ctx, t, spec)
	}
	m.pending.Add(1)
	go func() {
		defer m.pending.Done()
		if _, err := m.resolve(context.WithoutCancel(ctx), t, spec); err != nil {
			m.logger.Error("deferred spawn failed", "task_id", t.ID, "assignee", spec.String(), "error", err)
		}
	}()
	return &t, nil
}

// resolve runs the spawner once per (task, spec). A spawn failure blocks
// the task with a system note; the returned task reflects that.
func (m *Manager) resolve(ctx context.Context, t Task, spec NewAgent) (*Task, error) {
	key := t.ID + "|" + spec.String()
	v, err, _ := m.group.Do(key, func() (any, error) {
		return m.spawnAndAssign(ctx, t, spec)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Task), nil
}

func (m *Manager) spawnAndAssign(ctx context.Context, t Task, spec NewAgent) (*Task, error) {
	spawner := m.getSpawner()
	if spawner == nil {
		return m.Block(ctx, t.ID, fmt.Sprintf("cannot start %s: no agent spawner configured", spec))
	}
	threadID, err := spawner.Spawn(ctx, SpawnRequest{Provider: spec.Provider, Model: spec.Model, Task: t})
	if err == nil && threadID == "" {
		err = errors.New("spawner returned an empty thread id")
	}
	if err != nil {
		m.logger.Warn("agent spawn failed", "task_id", t.ID, "assignee", spec.String(), "error", err)
		return m.Block(ctx, t.ID, fmt.Sprintf("failed to start %s: %v", spec, err))
	}

	var (
		out     Task
		applied bool
	)
	err = m.db.Transaction(ctx, func(tx *persistence.Tx) error {
		ok, err := tx.SetAssignee(ctx, t.ID, spec.String(), threadID, m.now())
		if err != nil {
			return err
		}
		applied = ok
		cur, err := tx.GetTask(ctx, t.ID)
		if err != nil {
			return err
		}
		if cur == nil {
			return shared.NotFound("task", t.ID)
		}
		out = fromRecord(*cur)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if out.ID == "" {
		return nil, shared.NotFound("task", t.ID)
	}
	if applied {
		m.logger.Info("deferred assignee resolved", "task_id", t.ID, "spec", spec.String(), "thread_id", threadID)
		m.publish(out)
	}
	return &out, nil
}

// Block moves a task to blocked and records reason as a system note. A
// task that already completed is left alone.
func (m *Manager) Block(ctx context.Context, id, reason string) (*Task, error) {
	var (
		out     Task
		changed bool
	)
	err := m.db.Transaction(ctx, func(tx *persistence.Tx) error {
		cur, err := tx.GetTask(ctx, id)
		if err != nil {
			return err
		}
		if cur == nil {
			return shared.NotFound("task", id)
		}
		out = fromRecord(*cur)
		if out.Status == StatusBlocked || CheckTransition(out.Status, StatusBlocked) != nil {
			return nil
		}
		at := m.now()
		n := Note{ID: uuid.NewString(), Author: SystemAuthor, Content: reason, Timestamp: at}
		if err := tx.InsertNote(ctx, toNoteRecord(id, n)); err != nil {
			return err
		}
		status := string(StatusBlocked)
		if _, err := tx.UpdateTask(ctx, id, persistence.TaskFields{Status: &status}, at); err != nil {
			return err
		}
		out.Status = StatusBlocked
		out.UpdatedAt = at
		changed = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if out.ID == "" {
		return nil, shared.NotFound("task", id)
	}
	if changed {
		m.metrics.RecordTaskTransition(ctx, string(StatusBlocked))
		m.publish(out)
	}
	return &out, nil
}

func (m *Manager) validateNote(actor Actor, content string) error {
	if actor.ID == "" {
		return shared.Validation("author", "note author is required")
	}
	if strings.TrimSpace(content) == "" {
		return shared.Validation("content", "note content is required")
	}
	if len(content) > m.opts.MaxNoteLength {
		return shared.Validation("content", "note is %d bytes; limit is %d", len(content), m.opts.MaxNoteLength)
	}
	return nil
}

func (m *Manager) publish(t Task) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(bus.TopicTaskUpdated, UpdatedEvent{Task: t, CreatorThreadID: t.CreatedBy})
}

func toRecord(t Task) persistence.TaskRecord {
	return persistence.TaskRecord{
		ID:          t.ID,
		Title:       t.Title,
		Description: t.Description,
		Prompt:      t.Prompt,
		Status:      string(t.Status),
		Priority:    string(t.Priority),
		AssignedTo:  t.AssignedTo,
		CreatedBy:   t.CreatedBy,
		ThreadID:    t.ThreadID,
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
	}
}

func fromRecord(r persistence.TaskRecord) Task {
	return Task{
		ID:          r.ID,
		Title:       r.Title,
		Description: r.Description,
		Prompt:      r.Prompt,
		Status:      Status(r.Status),
		Priority:    Priority(r.Priority),
		AssignedTo:  r.AssignedTo,
		CreatedBy:   r.CreatedBy,
		ThreadID:    r.ThreadID,
		CreatedAt:   r.CreatedAt.UTC(),
		UpdatedAt:   r.UpdatedAt.UTC(),
	}
}

func toNoteRecord(taskID string, n Note) persistence.NoteRecord {
	return persistence.NoteRecord{ID: n.ID, TaskID: taskID, Author: n.Author, Content: n.Content, Timestamp: n.Timestamp}
}
