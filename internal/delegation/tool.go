package delegation

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/basket/agentcore/internal/shared"
	"github.com/basket/agentcore/internal/task"
	"github.com/basket/agentcore/internal/tools"
)

// maxToolTimeout caps timeout_seconds from the model.
const maxToolTimeout = 30 * time.Minute

// Tool exposes Service as the "delegate" tool.
type Tool struct {
	svc *Service
}

func NewTool(svc *Service) *Tool {
	return &Tool{svc: svc}
}

type toolInput struct {
	Title                  string `json:"title"`
	Prompt                 string `json:"prompt"`
	ExpectedResponseFormat string `json:"expected_response_format"`
	// Agent is "provider:model" or "provider/model".
	Agent          string `json:"agent"`
	Assignee       string `json:"assignee"`
	Priority       string `json:"priority"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

func (*Tool) Name() string { return DelegateToolName }

func (*Tool) Description() string {
	return "Hand a self-contained job to another agent and wait for its answer. " +
		"Use agent (provider:model) to start a new agent, or assignee for an existing one."
}

// Delegation starts agents, so it always goes through approval.
func (*Tool) Annotations() tools.Annotations { return tools.Annotations{} }

func (*Tool) InputSchema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"title": {"type": "string", "minLength": 1},
			"prompt": {"type": "string", "minLength": 1},
			"expected_response_format": {"type": "string"},
			"agent": {"type": "string", "pattern": "^[a-zA-Z0-9_.-]+[:/][a-zA-Z0-9_.-]+$"},
			"assignee": {"type": "string"},
			"priority": {"enum": ["high", "medium", "low"]},
			"timeout_seconds": {"type": "integer", "minimum": 0, "maximum": 1800}
		},
		"required": ["title", "prompt"],
		"additionalProperties": false
	}`)
}

func (t *Tool) Execute(ctx context.Context, args json.RawMessage, env tools.Env) (any, error) {
	var in toolInput
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, shared.Validation("args", "decode arguments: %v", err)
	}
	if env.ThreadID == "" {
		return nil, shared.Validation("threadId", "tool call has no acting thread")
	}
	req := Request{
		Title:                  in.Title,
		Prompt:                 in.Prompt,
		ExpectedResponseFormat: in.ExpectedResponseFormat,
		Priority:               task.Priority(in.Priority),
	}
	switch {
	case in.Agent != "" && in.Assignee != "":
		return nil, shared.Validation("agent", "give either agent or assignee, not both")
	case in.Agent != "":
		provider, model, ok := strings.Cut(strings.Replace(in.Agent, ":", "/", 1), "/")
		if !ok {
			return nil, shared.Validation("agent", "agent must be provider:model")
		}
		req.Assignee = task.NewAgent{Provider: provider, Model: model}
	case in.Assignee != "":
		a, err := task.ParseAssignee(in.Assignee)
		if err != nil {
			return nil, err
		}
		req.Assignee = a
	}
	req.Timeout = toolTimeout(in.TimeoutSeconds)
	return t.svc.Delegate(ctx, req, task.Actor{ID: env.ThreadID})
}

// toolTimeout converts timeout_seconds, clamping before the conversion so
// large values cannot overflow into a negative (unbounded) wait.
func toolTimeout(seconds int) time.Duration {
	switch {
	case seconds <= 0:
		return 0
	case seconds >= int(maxToolTimeout/time.Second):
		return maxToolTimeout
	}
	return time.Duration(seconds) * time.Second
}
