package task

import (
	"regexp"
	"strings"

	"github.com/basket/agentcore/internal/shared"
)

const deferredPrefix = "new:"

var assigneePattern = regexp.MustCompile(`^(new:)?[a-zA-Z0-9_.-]+(/[a-zA-Z0-9_.-]+)?$`)

// Assignee is who a task is assigned to: an ExistingAgent or a NewAgent
// that is spawned when the task starts.
type Assignee interface {
	String() string
	isAssignee()
}

// ExistingAgent names a thread that already exists.
type ExistingAgent struct {
	ThreadID string
}

func (a ExistingAgent) String() string { return a.ThreadID }
func (ExistingAgent) isAssignee()      {}

// NewAgent is a deferred spawn of provider/model.
type NewAgent struct {
	Provider string
	Model    string
}

func (a NewAgent) String() string { return deferredPrefix + a.Provider + "/" + a.Model }
func (NewAgent) isAssignee()      {}

// ParseAssignee parses the wire form. "" yields nil (unassigned).
func ParseAssignee(s string) (Assignee, error) {
	if s == "" {
		return nil, nil
	}
	if !assigneePattern.MatchString(s) {
		return nil, shared.Validation("assignedTo",
			"assignee %q must match %s", s, assigneePattern.String())
	}
	rest, deferred := strings.CutPrefix(s, deferredPrefix)
	if !deferred {
		return ExistingAgent{ThreadID: s}, nil
	}
	provider, model, ok := strings.Cut(rest, "/")
	if !ok {
		return nil, shared.Validation("assignedTo",
			"deferred assignee %q must have the form new:<provider>/<model>", s)
	}
	return NewAgent{Provider: provider, Model: model}, nil
}

func assigneeString(a Assignee) string {
	if a == nil {
		return ""
	}
	return a.String()
}

func validateAssignee(a Assignee) error {
	switch v := a.(type) {
	case nil:
		return nil
	case ExistingAgent:
		if v.ThreadID == "" || strings.HasPrefix(v.ThreadID, deferredPrefix) {
			break
		}
		_, err := ParseAssignee(v.ThreadID)
		return err
	case NewAgent:
		if v.Provider == "" || v.Model == "" {
			break
		}
		_, err := ParseAssignee(v.String())
		return err
	}
	return shared.Validation("assignedTo", "invalid assignee %q", assigneeString(a))
}
