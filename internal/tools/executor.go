package tools

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/basket/agentcore/internal/approval"
	"github.com/basket/agentcore/internal/otel"
	"github.com/basket/agentcore/internal/shared"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Call is one tool invocation requested by an agent.
type Call struct {
	Tool string          `json:"tool"`
	Args json.RawMessage `json:"args,omitempty"`
	Env  Env             `json:"-"`
}

// Failure is the structured form of a recoverable error.
type Failure struct {
	Kind    shared.Kind `json:"kind"`
	Field   string      `json:"field,omitempty"`
	ID      string      `json:"id,omitempty"`
	Message string      `json:"message"`
}

// Result is what the agent sees after a call.
type Result struct {
	Tool     string          `json:"tool"`
	Output   json.RawMessage `json:"output,omitempty"`
	IsError  bool            `json:"isError,omitempty"`
	Failure  *Failure        `json:"failure,omitempty"`
	Decision approval.Result `json:"decision"`
}

// Executor validates, authorizes and runs tool calls.
type Executor struct {
	registry  *Registry
	approvals *approval.Engine
	tracer    trace.Tracer
	logger    *slog.Logger
}

type ExecutorOptions struct {
	Logger *slog.Logger
	Tracer trace.Tracer
}

func NewExecutor(registry *Registry, approvals *approval.Engine, opts ExecutorOptions) *Executor {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		registry:  registry,
		approvals: approvals,
		tracer:    opts.Tracer,
		logger:    logger.With("component", "tools"),
	}
}

func (e *Executor) Registry() *Registry { return e.registry }

func (e *Executor) Approvals() *approval.Engine { return e.approvals }

// Execute runs call. Unknown tools, invalid arguments and validation or
// not-found errors from the tool come back as a failed Result. Policy
// denials, timeouts, blocked tasks and store failures are returned as
// errors.
func (e *Executor) Execute(ctx context.Context, call Call) (Result, error) {
	ctx, span := otel.StartSpan(ctx, e.tracer, "tool.execute",
		otel.AttrToolName.String(call.Tool),
		otel.AttrThreadID.String(call.Env.ThreadID),
	)
	defer span.End()

	res := Result{Tool: call.Tool}
	tool, ok := e.registry.Get(call.Tool)
	if !ok {
		return recovered(res, shared.NotFound("tool", call.Tool)), nil
	}
	if err := e.registry.Validate(call.Tool, call.Args); err != nil {
		return recovered(res, err), nil
	}

	ann := annotationsFor(tool, call.Args)
	decision, err := e.approvals.Authorize(ctx, approval.Request{
		Tool:     call.Tool,
		Input:    call.Args,
		Safe:     ann.Safe,
		ReadOnly: ann.ReadOnly,
		ThreadID: call.Env.ThreadID,
	})
	res.Decision = decision
	span.SetAttributes(otel.AttrDecision.String(string(decision.Decision)), otel.AttrRule.String(string(decision.Rule)))
	if err != nil {
		span.SetStatus(codes.Error, "denied")
		return res, err
	}

	if call.Env.ThreadID != "" {
		ctx = shared.WithThreadID(ctx, call.Env.ThreadID)
	}
	start := time.Now()
	out, err := tool.Execute(ctx, call.Args, call.Env)
	e.logger.Debug("tool executed", "tool", call.Tool, "thread_id", call.Env.ThreadID,
		"duration_ms", time.Since(start).Milliseconds(), "error", err)
	if err != nil {
		switch shared.KindOf(err) {
		case shared.KindValidation, shared.KindNotFound:
			return recovered(res, err), nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return res, err
	}

	raw, err := json.Marshal(out)
	if err != nil {
		return res, &shared.Error{Kind: shared.KindInternal, ID: call.Tool, Message: "encode tool output", Err: err}
	}
	res.Output = raw
	return res, nil
}

func recovered(res Result, err error) Result {
	res.IsError = true
	var serr *shared.Error
	if errors.As(err, &serr) {
		res.Failure = &Failure{Kind: serr.Kind, Field: serr.Field, ID: serr.ID, Message: serr.Error()}
		return res
	}
	res.Failure = &Failure{Kind: shared.KindInternal, Message: err.Error()}
	return res
}
