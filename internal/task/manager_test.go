package task

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/basket/agentcore/internal/bus"
	"github.com/basket/agentcore/internal/persistence"
	"github.com/basket/agentcore/internal/shared"
	"github.com/google/go-cmp/cmp"
)

var (
	parent = Actor{ID: "root"}
	child  = Actor{ID: "root.1", ThreadID: "root"}
)

func newTestManager(t *testing.T, spawner AgentSpawner, opts Options) (*Manager, *bus.Bus) {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "tasks.db"), persistence.Options{})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	if opts.Bus == nil {
		opts.Bus = bus.New()
	}
	m := NewManager(store, spawner, opts)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var tick atomic.Int64
	m.now = func() time.Time { return base.Add(time.Duration(tick.Add(1)) * time.Second) }
	t.Cleanup(m.Close)
	return m, opts.Bus
}

func mustCreate(t *testing.T, m *Manager, in NewTask, actor Actor) *Task {
	t.Helper()
	task, err := m.CreateTask(context.Background(), in, actor)
	if err != nil {
		t.Fatalf("CreateTask(%q): %v", in.Title, err)
	}
	return task
}

func TestCreateTask_Validation(t *testing.T) {
	m, _ := newTestManager(t, nil, Options{})
	ctx := context.Background()
	tests := []struct {
		name  string
		in    NewTask
		actor Actor
		field string
	}{
		{"empty title", NewTask{Title: " ", Prompt: "p"}, parent, "title"},
		{"empty prompt", NewTask{Title: "t"}, parent, "prompt"},
		{"bad priority", NewTask{Title: "t", Prompt: "p", Priority: "urgent"}, parent, "priority"},
		{"bad assignee", NewTask{Title: "t", Prompt: "p", Assignee: NewAgent{Provider: "p"}}, parent, "assignedTo"},
		{"no actor", NewTask{Title: "t", Prompt: "p"}, Actor{}, "createdBy"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.CreateTask(ctx, tt.in, tt.actor)
			var serr *shared.Error
			if !errors.As(err, &serr) || serr.Kind != shared.KindValidation || serr.Field != tt.field {
				t.Fatalf("err = %v, want validation on %s", err, tt.field)
			}
		})
	}
	all, err := m.ListTasks(ctx, FilterAll, parent)
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if len(all) != 0 {
		t.Fatalf("validation failures must not write, found %d tasks", len(all))
	}
}

func TestCreateTask_DefaultsAndEvent(t *testing.T) {
	m, b := newTestManager(t, nil, Options{})
	sub := b.Subscribe(bus.TopicTaskUpdated)
	defer b.Unsubscribe(sub)

	task := mustCreate(t, m, NewTask{Title: " write docs ", Prompt: "do it", Assignee: ExistingAgent{ThreadID: "root.1"}}, parent)
	if task.Status != StatusPending || task.Priority != PriorityMedium {
		t.Fatalf("defaults: %+v", task)
	}
	if task.Title != "write docs" || task.ThreadID != "root" || task.CreatedBy != "root" {
		t.Fatalf("fields: %+v", task)
	}
	select {
	case ev := <-sub.Ch():
		got := ev.Payload.(UpdatedEvent)
		if got.Task.ID != task.ID || got.CreatorThreadID != "root" {
			t.Fatalf("event = %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("no task:updated event")
	}
}

func TestListTasks_PriorityOrder(t *testing.T) {
	m, _ := newTestManager(t, nil, Options{})
	var ids []string
	for i, p := range []Priority{PriorityLow, PriorityHigh, PriorityMedium, PriorityHigh} {
		task := mustCreate(t, m, NewTask{Title: string(p) + string(rune('0'+i)), Prompt: "x", Priority: p}, parent)
		ids = append(ids, task.ID)
	}
	got, err := m.ListTasks(context.Background(), FilterCreated, parent)
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	var gotIDs []string
	for _, task := range got {
		gotIDs = append(gotIDs, task.ID)
	}
	want := []string{ids[1], ids[3], ids[2], ids[0]}
	if diff := cmp.Diff(want, gotIDs); diff != "" {
		t.Fatalf("order mismatch (-want +got):\n%s", diff)
	}
}

func TestListTasks_Filters(t *testing.T) {
	m, _ := newTestManager(t, nil, Options{})
	ctx := context.Background()
	mine := mustCreate(t, m, NewTask{Title: "for child", Prompt: "x", Assignee: ExistingAgent{ThreadID: "root.1"}}, parent)
	own := mustCreate(t, m, NewTask{Title: "child made", Prompt: "x", ThreadID: "other"}, child)
	other := mustCreate(t, m, NewTask{Title: "unrelated", Prompt: "x"}, Actor{ID: "solo"})

	count := func(f Filter, a Actor) []string {
		t.Helper()
		tasks, err := m.ListTasks(ctx, f, a)
		if err != nil {
			t.Fatalf("ListTasks(%s): %v", f, err)
		}
		var out []string
		for _, task := range tasks {
			out = append(out, task.ID)
		}
		return out
	}
	if got := count(FilterMine, child); len(got) != 1 || got[0] != mine.ID {
		t.Fatalf("mine = %v", got)
	}
	if got := count(FilterCreated, child); len(got) != 1 || got[0] != own.ID {
		t.Fatalf("created = %v", got)
	}
	// child's thread is root, which scopes the task parent created.
	if got := count(FilterThread, child); len(got) != 1 || got[0] != mine.ID {
		t.Fatalf("thread = %v", got)
	}
	if got := count(FilterAll, child); len(got) != 2 {
		t.Fatalf("all = %v", got)
	}
	for _, id := range count(FilterAll, child) {
		if id == other.ID {
			t.Fatal("all must not include unrelated tasks")
		}
	}
	if _, err := m.ListTasks(ctx, Filter("everything"), child); !shared.IsKind(err, shared.KindValidation) {
		t.Fatalf("bad filter err = %v", err)
	}
}

func TestUpdateTask_PartialAndTransitions(t *testing.T) {
	m, _ := newTestManager(t, nil, Options{})
	ctx := context.Background()
	task := mustCreate(t, m, NewTask{Title: "t", Prompt: "p"}, parent)

	inProgress := StatusInProgress
	got, err := m.UpdateTask(ctx, task.ID, Update{Status: &inProgress})
	if err != nil {
		t.Fatalf("UpdateTask: %v", err)
	}
	if got.Status != StatusInProgress || !got.UpdatedAt.After(task.UpdatedAt) || got.Title != "t" {
		t.Fatalf("after update: %+v", got)
	}

	// An update with no fields still bumps updatedAt.
	again, err := m.UpdateTask(ctx, task.ID, Update{})
	if err != nil {
		t.Fatalf("empty update: %v", err)
	}
	if !again.UpdatedAt.After(got.UpdatedAt) {
		t.Fatal("updatedAt must change on every update")
	}

	pending := StatusPending
	if _, err := m.UpdateTask(ctx, task.ID, Update{Status: &pending}); !shared.IsKind(err, shared.KindValidation) {
		t.Fatalf("backwards transition err = %v", err)
	}
	blocked := StatusBlocked
	if _, err := m.UpdateTask(ctx, task.ID, Update{Status: &blocked}); err != nil {
		t.Fatalf("to blocked: %v", err)
	}
	if _, err := m.UpdateTask(ctx, task.ID, Update{Status: &inProgress}); err != nil {
		t.Fatalf("blocked -> in_progress must be allowed: %v", err)
	}

	bad := Status("done")
	title := "renamed"
	if _, err := m.UpdateTask(ctx, task.ID, Update{Status: &bad, Title: &title}); !shared.IsKind(err, shared.KindValidation) {
		t.Fatalf("invalid status err = %v", err)
	}
	cur, err := m.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if cur.Title != "t" {
		t.Fatal("rejected update must not write any field")
	}

	if _, err := m.UpdateTask(ctx, "missing", Update{Title: &title}); !shared.IsKind(err, shared.KindNotFound) {
		t.Fatalf("missing task err = %v", err)
	}
}

func TestCompletedIsTerminal(t *testing.T) {
	m, _ := newTestManager(t, nil, Options{})
	ctx := context.Background()
	task := mustCreate(t, m, NewTask{Title: "t", Prompt: "p"}, parent)

	done, err := m.CompleteTask(ctx, task.ID, child, "finished")
	if err != nil {
		t.Fatalf("CompleteTask: %v", err)
	}
	if done.Status != StatusCompleted {
		t.Fatalf("status = %s", done.Status)
	}

	for _, s := range []Status{StatusInProgress, StatusPending, StatusBlocked, StatusCompleted} {
		s := s
		_, err := m.UpdateTask(ctx, task.ID, Update{Status: &s})
		var serr *shared.Error
		if !errors.As(err, &serr) || serr.Kind != shared.KindValidation || serr.Field != "status" {
			t.Fatalf("status %s on completed task: err = %v", s, err)
		}
	}
	if _, err := m.CompleteTask(ctx, task.ID, child, "again"); !shared.IsKind(err, shared.KindValidation) {
		t.Fatalf("second completion err = %v", err)
	}

	// Non-status edits and notes stay allowed.
	desc := "postscript"
	if _, err := m.UpdateTask(ctx, task.ID, Update{Description: &desc}); err != nil {
		t.Fatalf("description edit: %v", err)
	}
	if _, err := m.AddNote(ctx, task.ID, parent, "thanks"); err != nil {
		t.Fatalf("AddNote: %v", err)
	}
	final, err := m.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if final.Status != StatusCompleted || len(final.Notes) != 2 {
		t.Fatalf("final = %+v", final)
	}
	if final.Notes[0].Content != "finished" || final.Notes[0].Author != "root.1" {
		t.Fatalf("completion note = %+v", final.Notes[0])
	}
}

func TestAddNote(t *testing.T) {
	m, _ := newTestManager(t, nil, Options{MaxNoteLength: 10})
	ctx := context.Background()
	task := mustCreate(t, m, NewTask{Title: "t", Prompt: "p"}, parent)

	if _, err := m.AddNote(ctx, "missing", parent, "hi"); !shared.IsKind(err, shared.KindNotFound) {
		t.Fatalf("missing task err = %v", err)
	}
	if _, err := m.AddNote(ctx, task.ID, parent, strings.Repeat("x", 11)); !shared.IsKind(err, shared.KindValidation) {
		t.Fatalf("oversized note err = %v", err)
	}
	if _, err := m.AddNote(ctx, task.ID, parent, "  "); !shared.IsKind(err, shared.KindValidation) {
		t.Fatalf("blank note err = %v", err)
	}
	for _, c := range []string{"one", "two", "three"} {
		if _, err := m.AddNote(ctx, task.ID, child, c); err != nil {
			t.Fatalf("AddNote(%s): %v", c, err)
		}
	}
	got, err := m.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != StatusPending {
		t.Fatalf("notes must not change status, got %s", got.Status)
	}
	if !got.UpdatedAt.After(task.UpdatedAt) {
		t.Fatal("AddNote must bump updatedAt")
	}
	var contents []string
	for _, n := range got.Notes {
		contents = append(contents, n.Content)
	}
	if diff := cmp.Diff([]string{"one", "two", "three"}, contents); diff != "" {
		t.Fatalf("notes (-want +got):\n%s", diff)
	}
}

func TestDeleteTask(t *testing.T) {
	m, b := newTestManager(t, nil, Options{})
	ctx := context.Background()
	task := mustCreate(t, m, NewTask{Title: "t", Prompt: "p"}, parent)
	sub := b.Subscribe(bus.TopicTaskDeleted)
	defer b.Unsubscribe(sub)

	if err := m.DeleteTask(ctx, task.ID); err != nil {
		t.Fatalf("DeleteTask: %v", err)
	}
	if _, err := m.GetTask(ctx, task.ID); !shared.IsKind(err, shared.KindNotFound) {
		t.Fatalf("GetTask after delete err = %v", err)
	}
	if err := m.DeleteTask(ctx, task.ID); !shared.IsKind(err, shared.KindNotFound) {
		t.Fatalf("second delete err = %v", err)
	}
	select {
	case ev := <-sub.Ch():
		if ev.Payload.(DeletedEvent).TaskID != task.ID {
			t.Fatalf("event = %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no task:deleted event")
	}
}

func TestDeferredSpawn_Sync(t *testing.T) {
	var got SpawnRequest
	spawner := SpawnerFunc(func(_ context.Context, req SpawnRequest) (string, error) {
		got = req
		return "root.1", nil
	})
	m, _ := newTestManager(t, spawner, Options{SyncSpawn: true})
	task := mustCreate(t, m, NewTask{Title: "t", Prompt: "p", Assignee: NewAgent{Provider: "mockprovider", Model: "mockmodel"}}, parent)

	if task.AssignedTo != "root.1" {
		t.Fatalf("assignee = %q, want root.1", task.AssignedTo)
	}
	if got.Provider != "mockprovider" || got.Model != "mockmodel" || got.Task.ID != task.ID {
		t.Fatalf("spawn request = %+v", got)
	}
}

func TestDeferredSpawn_AsyncShowsSpecFirst(t *testing.T) {
	release := make(chan struct{})
	spawner := SpawnerFunc(func(ctx context.Context, _ SpawnRequest) (string, error) {
		<-release
		return "root.7", nil
	})
	m, b := newTestManager(t, spawner, Options{})
	sub := b.Subscribe(bus.TopicTaskUpdated)
	defer b.Unsubscribe(sub)

	task := mustCreate(t, m, NewTask{Title: "t", Prompt: "p", Assignee: NewAgent{Provider: "p", Model: "m"}}, parent)
	if task.AssignedTo != "new:p/m" || !task.Deferred() {
		t.Fatalf("caller should see the deferred spec, got %q", task.AssignedTo)
	}
	close(release)
	m.Close()

	cur, err := m.GetTask(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if cur.AssignedTo != "root.7" {
		t.Fatalf("assignee after spawn = %q", cur.AssignedTo)
	}

	var sawResolved bool
	for len(sub.Ch()) > 0 {
		ev := <-sub.Ch()
		if ev.Payload.(UpdatedEvent).Task.AssignedTo == "root.7" {
			sawResolved = true
		}
	}
	if !sawResolved {
		t.Fatal("resolution must publish task:updated")
	}
}

func TestDeferredSpawn_FailureBlocksTask(t *testing.T) {
	spawner := SpawnerFunc(func(context.Context, SpawnRequest) (string, error) {
		return "", errors.New("provider offline")
	})
	m, _ := newTestManager(t, spawner, Options{})
	task := mustCreate(t, m, NewTask{Title: "t", Prompt: "p", Assignee: NewAgent{Provider: "p", Model: "m"}}, parent)
	m.Close()

	cur, err := m.GetTask(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if cur.Status != StatusBlocked {
		t.Fatalf("status = %s, want blocked", cur.Status)
	}
	if len(cur.Notes) != 1 || cur.Notes[0].Author != SystemAuthor || !strings.Contains(cur.Notes[0].Content, "provider offline") {
		t.Fatalf("notes = %+v", cur.Notes)
	}
	if cur.AssignedTo != "new:p/m" {
		t.Fatalf("assignee should keep the spec, got %q", cur.AssignedTo)
	}
}

func TestDeferredSpawn_NoSpawnerBlocks(t *testing.T) {
	m, _ := newTestManager(t, nil, Options{SyncSpawn: true})
	task := mustCreate(t, m, NewTask{Title: "t", Prompt: "p", Assignee: NewAgent{Provider: "p", Model: "m"}}, parent)
	if task.Status != StatusBlocked {
		t.Fatalf("status = %s, want blocked", task.Status)
	}
}

func TestResolveAssignee_SharesConcurrentSpawns(t *testing.T) {
	var calls atomic.Int32
	gate := make(chan struct{})
	spawner := SpawnerFunc(func(context.Context, SpawnRequest) (string, error) {
		calls.Add(1)
		<-gate
		return "root.3", nil
	})
	m, _ := newTestManager(t, nil, Options{})
	task := mustCreate(t, m, NewTask{Title: "t", Prompt: "p", Assignee: NewAgent{Provider: "p", Model: "m"}}, parent)
	// No spawner yet, so the background attempt blocks the task; reset it.
	m.Close()
	inProgress := StatusInProgress
	if _, err := m.UpdateTask(context.Background(), task.ID, Update{Status: &inProgress}); err != nil {
		t.Fatalf("unblock: %v", err)
	}
	m.SetSpawner(spawner)

	var wg sync.WaitGroup
	results := make([]string, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got, err := m.ResolveAssignee(context.Background(), task.ID)
			if err == nil {
				results[i] = got.AssignedTo
			}
		}(i)
	}
	deadline := time.Now().Add(2 * time.Second)
	for calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()

	if calls.Load() != 1 {
		t.Fatalf("spawner called %d times, want 1", calls.Load())
	}
	for i, r := range results {
		if r != "root.3" {
			t.Fatalf("result[%d] = %q", i, r)
		}
	}
}

func TestReassignFollowsDeferredRule(t *testing.T) {
	spawner := SpawnerFunc(func(context.Context, SpawnRequest) (string, error) { return "root.9", nil })
	m, _ := newTestManager(t, spawner, Options{SyncSpawn: true})
	ctx := context.Background()
	task := mustCreate(t, m, NewTask{Title: "t", Prompt: "p"}, parent)

	got, err := m.UpdateTask(ctx, task.ID, Update{Assignee: NewAgent{Provider: "p", Model: "m"}})
	if err != nil {
		t.Fatalf("UpdateTask: %v", err)
	}
	if got.AssignedTo != "root.9" {
		t.Fatalf("assignee = %q", got.AssignedTo)
	}
	cleared, err := m.UpdateTask(ctx, task.ID, Update{ClearAssignee: true})
	if err != nil {
		t.Fatalf("clear: %v", err)
	}
	if cleared.AssignedTo != "" {
		t.Fatalf("assignee after clear = %q", cleared.AssignedTo)
	}
}
