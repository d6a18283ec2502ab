package delegation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/basket/agentcore/internal/bus"
	"github.com/basket/agentcore/internal/otel"
	"github.com/basket/agentcore/internal/shared"
	"github.com/basket/agentcore/internal/task"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// pollInterval is the fallback check in case a bus event was dropped.
const pollInterval = time.Second

// Request describes one delegation.
type Request struct {
	Title                  string
	Prompt                 string
	ExpectedResponseFormat string
	Priority               task.Priority
	// Assignee is the agent to use. A nil Assignee means
	// NewAgent{Provider, Model} from the service defaults.
	Assignee task.Assignee
	// Timeout overrides the service default; zero keeps it, negative
	// waits without bound.
	Timeout time.Duration
}

// Result is a finished delegation.
type Result struct {
	TaskID     string `json:"taskId"`
	AssignedTo string `json:"assignedTo"`
	Output     string `json:"output"`
}

type Options struct {
	Logger  *slog.Logger
	Tracer  trace.Tracer
	Metrics *otel.Metrics
	// Timeout bounds each wait; zero waits without bound.
	Timeout         time.Duration
	DefaultProvider string
	DefaultModel    string
}

// Service runs the delegation protocol on top of the task manager.
type Service struct {
	tasks   *task.Manager
	bus     *bus.Bus
	opts    Options
	logger  *slog.Logger
	metrics *otel.Metrics
	tracer  trace.Tracer
}

func NewService(tasks *task.Manager, eventBus *bus.Bus, opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		tasks:   tasks,
		bus:     eventBus,
		opts:    opts,
		logger:  logger.With("component", "delegation"),
		metrics: opts.Metrics,
		tracer:  opts.Tracer,
	}
}

// Delegate creates a task on behalf of caller and waits for it. It
// returns the concatenated notes of everyone but caller once the task
// completes, a blocked error if it gets blocked, and a timeout error if
// the bound elapses first. A timed out task is left as it is.
func (s *Service) Delegate(ctx context.Context, req Request, caller task.Actor) (*Result, error) {
	assignee := req.Assignee
	if assignee == nil {
		if s.opts.DefaultProvider == "" || s.opts.DefaultModel == "" {
			return nil, shared.Validation("assignedTo", "no assignee given and no default provider/model configured")
		}
		assignee = task.NewAgent{Provider: s.opts.DefaultProvider, Model: s.opts.DefaultModel}
	}
	if a, ok := assignee.(task.ExistingAgent); ok && a.ThreadID == caller.ID {
		return nil, shared.Validation("assignedTo", "cannot delegate to yourself (%s)", caller.ID)
	}

	ctx, span := otel.StartSpan(ctx, s.tracer, "delegation.delegate",
		otel.AttrThreadID.String(caller.ID),
	)
	defer span.End()
	finish := s.metrics.DelegationStarted(ctx)
	outcome := "error"
	defer func() { finish(outcome) }()

	// Subscribe before the task exists so no transition is missed.
	var sub *bus.Subscription
	if s.bus != nil {
		sub = s.bus.Subscribe(bus.TopicTaskUpdated)
		defer s.bus.Unsubscribe(sub)
	}

	t, err := s.tasks.CreateTask(ctx, task.NewTask{
		Title:    req.Title,
		Prompt:   composePrompt(req.Prompt, req.ExpectedResponseFormat),
		Priority: req.Priority,
		Assignee: assignee,
	}, caller)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(otel.AttrTaskID.String(t.ID))
	s.logger.Info("delegation waiting", "task_id", t.ID, "assigned_to", t.AssignedTo, "caller", caller.ID)

	res, err := s.wait(ctx, sub, t.ID, caller.ID, s.timeoutFor(req))
	switch {
	case err == nil:
		outcome = "completed"
	case shared.IsKind(err, shared.KindTimeout):
		outcome = "timeout"
	case shared.IsKind(err, shared.KindBlocked):
		outcome = "blocked"
	case errors.Is(err, context.Canceled):
		outcome = "canceled"
	}
	span.SetAttributes(otel.AttrOutcome.String(outcome))
	if err != nil {
		span.SetStatus(codes.Error, outcome)
		s.logger.Info("delegation ended", "task_id", t.ID, "outcome", outcome, "error", err)
		return nil, err
	}
	s.logger.Info("delegation completed", "task_id", t.ID, "assigned_to", res.AssignedTo, "bytes", len(res.Output))
	return res, nil
}

func (s *Service) timeoutFor(req Request) time.Duration {
	switch {
	case req.Timeout > 0:
		return req.Timeout
	case req.Timeout < 0:
		return 0
	}
	return s.opts.Timeout
}

// wait follows subscribe-then-check: state is checked once after the
// subscription exists, then on every matching event and on each poll.
func (s *Service) wait(ctx context.Context, sub *bus.Subscription, taskID, creator string, timeout time.Duration) (*Result, error) {
	waitCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if res, err := s.check(ctx, taskID, creator); res != nil || err != nil {
		return res, err
	}

	var events <-chan bus.Event
	if sub != nil {
		events = sub.Ch()
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-waitCtx.Done():
			if err := ctx.Err(); err != nil {
				return nil, fmt.Errorf("delegation of task %s: %w", taskID, err)
			}
			return nil, shared.Timeout(taskID, "task not completed within %s", timeout)
		case <-ticker.C:
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			upd, match := ev.Payload.(task.UpdatedEvent)
			if !match || upd.Task.ID != taskID || upd.CreatorThreadID != creator {
				continue
			}
		}
		if res, err := s.check(ctx, taskID, creator); res != nil || err != nil {
			return res, err
		}
	}
}

// check reads the task and reports a terminal outcome, or nil, nil while
// it is still running.
func (s *Service) check(ctx context.Context, taskID, creator string) (*Result, error) {
	t, err := s.tasks.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	switch t.Status {
	case task.StatusCompleted:
		return &Result{TaskID: t.ID, AssignedTo: t.AssignedTo, Output: collectOutput(t.Notes, creator)}, nil
	case task.StatusBlocked:
		return nil, shared.Blocked(t.ID, "task is blocked%s", lastNote(t.Notes))
	}
	return nil, nil
}

// collectOutput joins the notes not written by creator in timestamp order.
func collectOutput(notes []task.Note, creator string) string {
	var parts []string
	for _, n := range notes {
		if n.Author == creator {
			continue
		}
		parts = append(parts, n.Content)
	}
	return strings.Join(parts, "\n\n")
}

func lastNote(notes []task.Note) string {
	if len(notes) == 0 {
		return ""
	}
	return ": " + notes[len(notes)-1].Content
}

func composePrompt(prompt, format string) string {
	prompt = strings.TrimSpace(prompt)
	format = strings.TrimSpace(format)
	if format == "" {
		return prompt
	}
	return prompt + "\n\nRespond in this format:\n" + format +
		"\n\nWhen finished, call task_complete with your response as the message."
}
