// Package approval decides whether a tool call may run. Decisions follow
// a fixed precedence chain; ALLOW_SESSION grants are cached per engine.
package approval

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/basket/agentcore/internal/audit"
	"github.com/basket/agentcore/internal/otel"
	"github.com/basket/agentcore/internal/shared"
)

// Decision is the outcome of an approval check.
type Decision string

const (
	AllowOnce    Decision = "ALLOW_ONCE"
	AllowSession Decision = "ALLOW_SESSION"
	Deny         Decision = "DENY"
)

func (d Decision) Valid() bool {
	switch d {
	case AllowOnce, AllowSession, Deny:
		return true
	}
	return false
}

// Allowed reports whether the tool may run.
func (d Decision) Allowed() bool {
	return d == AllowOnce || d == AllowSession
}

// Rule names the link of the chain that produced a decision.
type Rule string

const (
	RuleSessionCache       Rule = "session_cache"
	RuleSafeAnnotation     Rule = "safe_annotation"
	RuleDisableAllTools    Rule = "disable_all_tools"
	RuleDisabledTool       Rule = "disabled_tool"
	RuleGuardrailsDisabled Rule = "guardrails_disabled"
	RuleAutoApprove        Rule = "auto_approve"
	RuleNonDestructive     Rule = "allow_non_destructive"
	RuleCallback           Rule = "callback"
	RuleNoCallback         Rule = "no_callback"
	RuleCallbackError      Rule = "callback_error"
)

// Request describes one tool invocation awaiting approval.
type Request struct {
	Tool     string          `json:"tool"`
	Input    json.RawMessage `json:"input,omitempty"`
	Safe     bool            `json:"safe,omitempty"`
	ReadOnly bool            `json:"readOnly,omitempty"`
	ThreadID string          `json:"threadId,omitempty"`
}

// Result is a decision with the rule that produced it.
type Result struct {
	Decision Decision `json:"decision"`
	Rule     Rule     `json:"rule"`
}

// DeniedError reports a DENY and the rule behind it.
type DeniedError struct {
	Tool string
	Rule Rule
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("tool %q denied by rule %s", e.Tool, e.Rule)
}

func (e *DeniedError) Unwrap() error {
	return &shared.Error{
		Kind:    shared.KindPolicyDenied,
		Field:   string(e.Rule),
		ID:      e.Tool,
		Message: "tool call denied",
	}
}

// Options carries the engine's optional collaborators.
type Options struct {
	Logger  *slog.Logger
	Audit   *audit.Log
	Metrics *otel.Metrics
}

// Engine evaluates the approval chain for one session. Each Engine owns
// its own ALLOW_SESSION cache.
type Engine struct {
	policy   Source
	callback Callback
	opts     Options
	logger   *slog.Logger

	mu     sync.Mutex
	grants map[string]struct{}
}

// NewEngine creates an engine. A nil policy means Default(); a nil
// callback denies everything the policy does not settle.
func NewEngine(policy Source, callback Callback, opts Options) *Engine {
	if policy == nil {
		policy = Default()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		policy:   policy,
		callback: callback,
		opts:     opts,
		logger:   logger.With("component", "approval"),
		grants:   make(map[string]struct{}),
	}
}

// HasCallback reports whether an interactive fallback is configured.
func (e *Engine) HasCallback() bool {
	return e.callback != nil
}

// Callback returns the configured fallback, or nil.
func (e *Engine) Callback() Callback {
	return e.callback
}

// Derive returns an engine sharing e's policy and collaborators with the
// given callback and an empty session cache.
func (e *Engine) Derive(callback Callback) *Engine {
	return NewEngine(e.policy, callback, e.opts)
}

// Decide runs the precedence chain for req. The first matching rule wins.
func (e *Engine) Decide(ctx context.Context, req Request) Result {
	res := e.decide(ctx, req)
	e.record(ctx, req, res)
	return res
}

func (e *Engine) decide(ctx context.Context, req Request) Result {
	key := normalizeTool(req.Tool)

	e.mu.Lock()
	_, granted := e.grants[key]
	e.mu.Unlock()
	if granted {
		return Result{Decision: AllowSession, Rule: RuleSessionCache}
	}
	if req.Safe {
		return Result{Decision: AllowOnce, Rule: RuleSafeAnnotation}
	}

	p := e.policy.Snapshot()
	switch {
	case p.DisableAllTools:
		return Result{Decision: Deny, Rule: RuleDisableAllTools}
	case p.IsDisabled(key):
		return Result{Decision: Deny, Rule: RuleDisabledTool}
	case p.DisableGuardrails:
		return Result{Decision: AllowOnce, Rule: RuleGuardrailsDisabled}
	case p.IsAutoApproved(key):
		return Result{Decision: AllowOnce, Rule: RuleAutoApprove}
	case p.AllowNonDestructive && req.ReadOnly:
		return Result{Decision: AllowOnce, Rule: RuleNonDestructive}
	}

	if e.callback == nil {
		return Result{Decision: Deny, Rule: RuleNoCallback}
	}
	decision, err := e.callback.RequestApproval(ctx, req)
	if err != nil {
		e.logger.Warn("approval callback failed", "tool", req.Tool, "error", err)
		return Result{Decision: Deny, Rule: RuleCallbackError}
	}
	if !decision.Valid() {
		e.logger.Warn("approval callback returned invalid decision", "tool", req.Tool, "decision", decision)
		return Result{Decision: Deny, Rule: RuleCallbackError}
	}
	if decision == AllowSession {
		e.mu.Lock()
		e.grants[key] = struct{}{}
		e.mu.Unlock()
	}
	return Result{Decision: decision, Rule: RuleCallback}
}

// Authorize is Decide that turns DENY into a *DeniedError.
func (e *Engine) Authorize(ctx context.Context, req Request) (Result, error) {
	res := e.Decide(ctx, req)
	if res.Decision == Deny {
		return res, &DeniedError{Tool: req.Tool, Rule: res.Rule}
	}
	return res, nil
}

// SessionGrants lists tools granted for the session, sorted.
func (e *Engine) SessionGrants() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.grants))
	for k := range e.grants {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// ResetSession drops all ALLOW_SESSION grants.
func (e *Engine) ResetSession() {
	e.mu.Lock()
	defer e.mu.Unlock()
	clear(e.grants)
}

func (e *Engine) record(ctx context.Context, req Request, res Result) {
	e.opts.Metrics.RecordApproval(ctx, string(res.Decision), string(res.Rule))
	e.opts.Audit.Record(audit.Entry{
		Decision:      string(res.Decision),
		Tool:          req.Tool,
		Rule:          string(res.Rule),
		PolicyVersion: e.policy.Snapshot().Version(),
		ThreadID:      req.ThreadID,
		TraceID:       shared.TraceID(ctx),
		Input:         string(req.Input),
	})
	level := slog.LevelDebug
	if res.Decision == Deny {
		level = slog.LevelInfo
	}
	e.logger.Log(ctx, level, "approval decided",
		"tool", req.Tool, "decision", res.Decision, "rule", res.Rule, "thread_id", req.ThreadID)
}
