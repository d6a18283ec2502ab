// Package task manages cross-agent work items: creation, assignment with
// deferred agent spawn, notes, and completion. Every status-affecting
// change is published on the bus as task:updated.
package task

import (
	"time"

	"github.com/basket/agentcore/internal/shared"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusBlocked    Status = "blocked"
)

func (s Status) Valid() bool {
	_, ok := statusRank[s]
	return ok
}

// statusRank orders statuses; transitions may only move forward, except
// blocked -> in_progress.
var statusRank = map[Status]int{
	StatusPending:    0,
	StatusInProgress: 1,
	StatusBlocked:    2,
	StatusCompleted:  3,
}

// CheckTransition reports whether from -> to is allowed. Completed is
// terminal, so any status write to a completed task fails.
func CheckTransition(from, to Status) error {
	if !to.Valid() {
		return shared.Validation("status", "invalid status %q", to)
	}
	if from == StatusCompleted {
		return shared.Validation("status", "task is completed; status %q not allowed", to)
	}
	if from == StatusBlocked && to == StatusInProgress {
		return nil
	}
	if statusRank[to] < statusRank[from] {
		return shared.Validation("status", "cannot move from %s to %s", from, to)
	}
	return nil
}

type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityHigh, PriorityMedium, PriorityLow:
		return true
	}
	return false
}

// Task is the read model of a work item.
type Task struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Prompt      string    `json:"prompt"`
	Status      Status    `json:"status"`
	Priority    Priority  `json:"priority"`
	AssignedTo  string    `json:"assignedTo,omitempty"`
	CreatedBy   string    `json:"createdBy"`
	ThreadID    string    `json:"threadId"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
	Notes       []Note    `json:"notes,omitempty"`
}

// Assignee parses AssignedTo. Stored values are always well formed.
func (t Task) Assignee() Assignee {
	a, _ := ParseAssignee(t.AssignedTo)
	return a
}

// Deferred reports whether the task still waits for a spawned agent.
func (t Task) Deferred() bool {
	_, ok := t.Assignee().(NewAgent)
	return ok
}

type Note struct {
	ID        string    `json:"id"`
	Author    string    `json:"author"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Actor is the agent acting on tasks. ThreadID defaults to ID.
type Actor struct {
	ID       string
	ThreadID string
}

func (a Actor) thread() string {
	if a.ThreadID != "" {
		return a.ThreadID
	}
	return a.ID
}

// NewTask is the input to CreateTask.
type NewTask struct {
	Title       string
	Description string
	Prompt      string
	Priority    Priority
	Assignee    Assignee
	// ThreadID scopes the task; defaults to the actor's thread.
	ThreadID string
}

// Update is a partial update; nil fields are unchanged. ClearAssignee
// unassigns the task.
type Update struct {
	Title         *string
	Description   *string
	Prompt        *string
	Status        *Status
	Priority      *Priority
	Assignee      Assignee
	ClearAssignee bool
}

type Filter string

const (
	FilterMine    Filter = "mine"
	FilterThread  Filter = "thread"
	FilterCreated Filter = "created"
	FilterAll     Filter = "all"
)

func (f Filter) Valid() bool {
	switch f {
	case FilterMine, FilterThread, FilterCreated, FilterAll:
		return true
	}
	return false
}

// UpdatedEvent is the payload of bus.TopicTaskUpdated.
type UpdatedEvent struct {
	Task            Task   `json:"task"`
	CreatorThreadID string `json:"creatorThreadId"`
}

// DeletedEvent is the payload of bus.TopicTaskDeleted.
type DeletedEvent struct {
	TaskID          string `json:"taskId"`
	CreatorThreadID string `json:"creatorThreadId"`
}
