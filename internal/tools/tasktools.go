package tools

import (
	"context"
	"encoding/json"

	"github.com/basket/agentcore/internal/shared"
	"github.com/basket/agentcore/internal/task"
)

// Task tool names.
const (
	TaskAddTool      = "task_add"
	TaskListTool     = "task_list"
	TaskUpdateTool   = "task_update"
	TaskAddNoteTool  = "task_add_note"
	TaskCompleteTool = "task_complete"
)

// TaskTools returns the task management tools bound to m.
func TaskTools(m *task.Manager) []Tool {
	return []Tool{
		&taskAdd{m: m},
		&taskList{m: m},
		&taskUpdate{m: m},
		&taskAddNote{m: m},
		&taskComplete{m: m},
	}
}

func actorFor(env Env) (task.Actor, error) {
	if env.ThreadID == "" {
		return task.Actor{}, shared.Validation("threadId", "tool call has no acting thread")
	}
	return task.Actor{ID: env.ThreadID}, nil
}

func decodeArgs(args json.RawMessage, v any) error {
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	if err := json.Unmarshal(args, v); err != nil {
		return shared.Validation("args", "decode arguments: %v", err)
	}
	return nil
}

// spawnAnnotations marks a task call safe unless its assignedTo asks for
// a new agent. Malformed assignees stay safe; the tool rejects them.
func spawnAnnotations(args json.RawMessage) Annotations {
	var in struct {
		AssignedTo *string `json:"assignedTo"`
	}
	if err := json.Unmarshal(args, &in); err != nil || in.AssignedTo == nil {
		return Annotations{Safe: true}
	}
	a, err := task.ParseAssignee(*in.AssignedTo)
	if err != nil {
		return Annotations{Safe: true}
	}
	if _, spawns := a.(task.NewAgent); spawns {
		return Annotations{}
	}
	return Annotations{Safe: true}
}

type taskAdd struct{ m *task.Manager }

type taskAddInput struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Prompt      string `json:"prompt"`
	Priority    string `json:"priority"`
	AssignedTo  string `json:"assignedTo"`
}

func (*taskAdd) Name() string { return TaskAddTool }
func (*taskAdd) Description() string {
	return "Create a task. assignedTo is an agent thread id or new:<provider>/<model> to start a fresh agent."
}
// Annotations is the worst case: a new:<provider>/<model> assignee starts
// an agent and must be approved.
func (*taskAdd) Annotations() Annotations { return Annotations{} }
func (*taskAdd) AnnotationsFor(args json.RawMessage) Annotations {
	return spawnAnnotations(args)
}
func (*taskAdd) InputSchema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"title": {"type": "string", "minLength": 1},
			"description": {"type": "string"},
			"prompt": {"type": "string", "minLength": 1},
			"priority": {"enum": ["high", "medium", "low"]},
			"assignedTo": {"type": "string"}
		},
		"required": ["title", "prompt"],
		"additionalProperties": false
	}`)
}

func (t *taskAdd) Execute(ctx context.Context, args json.RawMessage, env Env) (any, error) {
	var in taskAddInput
	if err := decodeArgs(args, &in); err != nil {
		return nil, err
	}
	actor, err := actorFor(env)
	if err != nil {
		return nil, err
	}
	assignee, err := task.ParseAssignee(in.AssignedTo)
	if err != nil {
		return nil, err
	}
	return t.m.CreateTask(ctx, task.NewTask{
		Title:       in.Title,
		Description: in.Description,
		Prompt:      in.Prompt,
		Priority:    task.Priority(in.Priority),
		Assignee:    assignee,
	}, actor)
}

type taskList struct{ m *task.Manager }

func (*taskList) Name() string { return TaskListTool }
func (*taskList) Description() string {
	return "List tasks: mine (assigned to me), thread (scoped to my thread), created (created by me) or all."
}
func (*taskList) Annotations() Annotations { return Annotations{Safe: true, ReadOnly: true} }
func (*taskList) InputSchema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"filter": {"enum": ["mine", "thread", "created", "all"]}
		},
		"additionalProperties": false
	}`)
}

func (t *taskList) Execute(ctx context.Context, args json.RawMessage, env Env) (any, error) {
	var in struct {
		Filter string `json:"filter"`
	}
	if err := decodeArgs(args, &in); err != nil {
		return nil, err
	}
	actor, err := actorFor(env)
	if err != nil {
		return nil, err
	}
	filter := task.Filter(in.Filter)
	if filter == "" {
		filter = task.FilterAll
	}
	tasks, err := t.m.ListTasks(ctx, filter, actor)
	if err != nil {
		return nil, err
	}
	return map[string]any{"tasks": tasks, "count": len(tasks)}, nil
}

type taskUpdate struct{ m *task.Manager }

type taskUpdateInput struct {
	ID          string  `json:"id"`
	Title       *string `json:"title"`
	Description *string `json:"description"`
	Prompt      *string `json:"prompt"`
	Status      *string `json:"status"`
	Priority    *string `json:"priority"`
	// An empty string unassigns.
	AssignedTo *string `json:"assignedTo"`
}

func (*taskUpdate) Name() string { return TaskUpdateTool }
func (*taskUpdate) Description() string {
	return "Update fields of a task. Completed tasks cannot change status."
}
func (*taskUpdate) Annotations() Annotations { return Annotations{} }
func (*taskUpdate) AnnotationsFor(args json.RawMessage) Annotations {
	return spawnAnnotations(args)
}
func (*taskUpdate) InputSchema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"id": {"type": "string", "minLength": 1},
			"title": {"type": "string"},
			"description": {"type": "string"},
			"prompt": {"type": "string"},
			"status": {"type": "string"},
			"priority": {"type": "string"},
			"assignedTo": {"type": "string"}
		},
		"required": ["id"],
		"additionalProperties": false
	}`)
}

func (t *taskUpdate) Execute(ctx context.Context, args json.RawMessage, _ Env) (any, error) {
	var in taskUpdateInput
	if err := decodeArgs(args, &in); err != nil {
		return nil, err
	}
	u := task.Update{Title: in.Title, Description: in.Description, Prompt: in.Prompt}
	if in.Status != nil {
		s := task.Status(*in.Status)
		u.Status = &s
	}
	if in.Priority != nil {
		p := task.Priority(*in.Priority)
		u.Priority = &p
	}
	if in.AssignedTo != nil {
		if *in.AssignedTo == "" {
			u.ClearAssignee = true
		} else {
			a, err := task.ParseAssignee(*in.AssignedTo)
			if err != nil {
				return nil, err
			}
			u.Assignee = a
		}
	}
	return t.m.UpdateTask(ctx, in.ID, u)
}

type taskAddNote struct{ m *task.Manager }

func (*taskAddNote) Name() string { return TaskAddNoteTool }
func (*taskAddNote) Description() string {
	return "Append a note to a task, e.g. progress or a partial result."
}
func (*taskAddNote) Annotations() Annotations { return Annotations{Safe: true} }
func (*taskAddNote) InputSchema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"id": {"type": "string", "minLength": 1},
			"content": {"type": "string", "minLength": 1}
		},
		"required": ["id", "content"],
		"additionalProperties": false
	}`)
}

func (t *taskAddNote) Execute(ctx context.Context, args json.RawMessage, env Env) (any, error) {
	var in struct {
		ID      string `json:"id"`
		Content string `json:"content"`
	}
	if err := decodeArgs(args, &in); err != nil {
		return nil, err
	}
	actor, err := actorFor(env)
	if err != nil {
		return nil, err
	}
	return t.m.AddNote(ctx, in.ID, actor, in.Content)
}

type taskComplete struct{ m *task.Manager }

func (*taskComplete) Name() string { return TaskCompleteTool }
func (*taskComplete) Description() string {
	return "Mark a task completed. The message is stored as the final note and becomes the delegation result."
}
func (*taskComplete) Annotations() Annotations { return Annotations{Safe: true} }
func (*taskComplete) InputSchema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"id": {"type": "string", "minLength": 1},
			"message": {"type": "string"}
		},
		"required": ["id"],
		"additionalProperties": false
	}`)
}

func (t *taskComplete) Execute(ctx context.Context, args json.RawMessage, env Env) (any, error) {
	var in struct {
		ID      string `json:"id"`
		Message string `json:"message"`
	}
	if err := decodeArgs(args, &in); err != nil {
		return nil, err
	}
	actor, err := actorFor(env)
	if err != nil {
		return nil, err
	}
	return t.m.CompleteTask(ctx, in.ID, actor, in.Message)
}
