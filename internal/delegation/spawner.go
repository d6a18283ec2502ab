package delegation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/basket/agentcore/internal/otel"
	"github.com/basket/agentcore/internal/shared"
	"github.com/basket/agentcore/internal/task"
	"github.com/basket/agentcore/internal/telemetry"
	"github.com/basket/agentcore/internal/thread"
	"go.opentelemetry.io/otel/trace"
)

// DefaultMaxDepth bounds how many delegate levels may sit below a root
// thread.
const DefaultMaxDepth = 3

// AgentConfig describes a sub-agent about to be started.
type AgentConfig struct {
	ThreadID     string
	ParentID     string
	Provider     string
	Model        string
	Capabilities Capabilities
}

// Agent works a single task to completion, usually by calling the task
// tools through its executor.
type Agent interface {
	Run(ctx context.Context, t task.Task) error
}

// AgentFunc adapts a function to Agent.
type AgentFunc func(ctx context.Context, t task.Task) error

func (f AgentFunc) Run(ctx context.Context, t task.Task) error { return f(ctx, t) }

// AgentFactory builds agents for a provider/model. This is the seam to
// the model-provider layer.
type AgentFactory interface {
	NewAgent(ctx context.Context, cfg AgentConfig) (Agent, error)
}

// AgentFactoryFunc adapts a function to AgentFactory.
type AgentFactoryFunc func(ctx context.Context, cfg AgentConfig) (Agent, error)

func (f AgentFactoryFunc) NewAgent(ctx context.Context, cfg AgentConfig) (Agent, error) {
	return f(ctx, cfg)
}

type SpawnerOptions struct {
	Logger   *slog.Logger
	Tracer   trace.Tracer
	MaxDepth int
}

// Spawner implements task.AgentSpawner. Each spawned agent gets its own
// thread "<parent>.<n>" and the restricted capabilities of its parent.
type Spawner struct {
	threads  *thread.Store
	tasks    *task.Manager
	factory  AgentFactory
	base     Capabilities
	logger   *slog.Logger
	tracer   trace.Tracer
	maxDepth int

	mu   sync.Mutex
	caps map[string]Capabilities

	running sync.WaitGroup
}

// NewSpawner creates a spawner. base is used for parents that were never
// registered.
func NewSpawner(threads *thread.Store, tasks *task.Manager, factory AgentFactory, base Capabilities, opts SpawnerOptions) *Spawner {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = DefaultMaxDepth
	}
	return &Spawner{
		threads:  threads,
		tasks:    tasks,
		factory:  factory,
		base:     base,
		logger:   logger.With("component", "spawner"),
		tracer:   opts.Tracer,
		maxDepth: opts.MaxDepth,
		caps:     make(map[string]Capabilities),
	}
}

// Register records the capabilities of a top-level agent.
func (s *Spawner) Register(threadID string, caps Capabilities) {
	s.mu.Lock()
	s.caps[threadID] = caps
	s.mu.Unlock()
}

// CapabilitiesFor returns what threadID may do.
func (s *Spawner) CapabilitiesFor(threadID string) Capabilities {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.caps[threadID]; ok {
		return c
	}
	return s.base
}

// Spawn creates the delegate thread, builds its agent and starts it on
// req.Task in the background.
func (s *Spawner) Spawn(ctx context.Context, req task.SpawnRequest) (string, error) {
	parent := req.Task.CreatedBy
	if depth := thread.DelegationDepth(parent) + 1; depth > s.maxDepth {
		return "", fmt.Errorf("delegation depth %d exceeds limit %d", depth, s.maxDepth)
	}
	ctx, span := otel.StartClientSpan(ctx, s.tracer, "delegation.spawn",
		otel.AttrTaskID.String(req.Task.ID),
		otel.AttrProvider.String(req.Provider),
		otel.AttrModel.String(req.Model),
	)
	defer span.End()

	id, caps, err := s.createThread(ctx, parent, req)
	if err != nil {
		span.RecordError(err)
		return "", err
	}
	agent, err := s.factory.NewAgent(ctx, AgentConfig{
		ThreadID:     id,
		ParentID:     parent,
		Provider:     req.Provider,
		Model:        req.Model,
		Capabilities: caps,
	})
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("build agent %s/%s: %w", req.Provider, req.Model, err)
	}
	span.SetAttributes(otel.AttrThreadID.String(id))

	t := req.Task
	t.AssignedTo = id
	runCtx := shared.WithThreadID(context.WithoutCancel(ctx), id)
	runCtx = shared.WithTaskID(runCtx, t.ID)
	runCtx = shared.WithDelegationDepth(runCtx, thread.DelegationDepth(id))
	s.running.Add(1)
	go func() {
		defer s.running.Done()
		s.run(runCtx, agent, t)
	}()
	s.logger.Info("delegate spawned", "thread_id", id, "parent", parent, "task_id", t.ID,
		"provider", req.Provider, "model", req.Model, "tools", caps.Tools.Len())
	return id, nil
}

func (s *Spawner) createThread(ctx context.Context, parent string, req task.SpawnRequest) (string, Capabilities, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := s.threads.NextDelegateID(ctx, parent)
	if err != nil {
		return "", Capabilities{}, err
	}
	th := thread.Thread{
		ID: id,
		Metadata: map[string]any{
			"parent":   parent,
			"provider": req.Provider,
			"model":    req.Model,
			"taskId":   req.Task.ID,
		},
	}
	if p, err := s.threads.Load(ctx, parent); err == nil && p != nil {
		th.SessionID = p.SessionID
		th.ProjectID = p.ProjectID
	}
	if _, err := s.threads.Create(ctx, th); err != nil {
		return "", Capabilities{}, fmt.Errorf("create delegate thread %s: %w", id, err)
	}

	parentCaps, ok := s.caps[parent]
	if !ok {
		parentCaps = s.base
	}
	caps := Restrict(parentCaps)
	s.caps[id] = caps
	return id, caps, nil
}

// run blocks the task if the agent fails before completing it.
func (s *Spawner) run(ctx context.Context, agent Agent, t task.Task) {
	err := agent.Run(ctx, t)
	if err == nil {
		return
	}
	logger := telemetry.WithContext(ctx, s.logger)
	logger.Warn("delegate failed", "error", err)
	if _, berr := s.tasks.Block(ctx, t.ID, fmt.Sprintf("agent %s failed: %v", t.AssignedTo, err)); berr != nil {
		logger.Error("block task after agent failure", "error", berr)
	}
}

// Wait blocks until every started agent has returned.
func (s *Spawner) Wait() {
	s.running.Wait()
}
