package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/basket/agentcore/internal/approval"
	"github.com/basket/agentcore/internal/audit"
	"github.com/basket/agentcore/internal/bus"
	"github.com/basket/agentcore/internal/config"
	"github.com/basket/agentcore/internal/cron"
	"github.com/basket/agentcore/internal/delegation"
	otelPkg "github.com/basket/agentcore/internal/otel"
	"github.com/basket/agentcore/internal/persistence"
	"github.com/basket/agentcore/internal/task"
	"github.com/basket/agentcore/internal/thread"
	"github.com/basket/agentcore/internal/tools"
)

// rootThreadID is the thread of the top-level agent driven by this process.
const rootThreadID = "root"

// startupError carries the reason code reported by fatalStartup.
type startupError struct {
	code string
	err  error
}

func (e *startupError) Error() string { return e.code + ": " + e.err.Error() }
func (e *startupError) Unwrap() error { return e.err }

func failStartup(code string, err error) error {
	return &startupError{code: code, err: err}
}

// runtime holds every long-lived component of the process.
type runtime struct {
	cfg    config.Config
	logger *slog.Logger

	otel    *otelPkg.Provider
	metrics *otelPkg.Metrics
	audit   *audit.Log
	store   *persistence.Store
	bus     *bus.Bus

	policy      *approval.LivePolicy
	policyPath  string
	interactive *approval.Interactive
	approvals   *approval.Engine

	threads   *thread.Store
	compactor *thread.Compactor
	tasks     *task.Manager
	registry  *tools.Registry
	executor  *tools.Executor
	delegator *delegation.Service
	spawner   *delegation.Spawner
	scheduler *cron.Scheduler
}

// noProviderFactory is the agent factory used until a model provider is
// plugged in: every spawn fails and the delegated task ends up blocked.
var noProviderFactory = delegation.AgentFactoryFunc(func(_ context.Context, cfg delegation.AgentConfig) (delegation.Agent, error) {
	return nil, fmt.Errorf("no model provider configured for %s/%s", cfg.Provider, cfg.Model)
})

// newRuntime assembles the components in dependency order. On error the
// components created so far are released.
func newRuntime(ctx context.Context, cfg config.Config, logger *slog.Logger, interactive bool) (_ *runtime, err error) {
	rt := &runtime{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			rt.Close()
		}
	}()

	rt.otel, err = otelPkg.Init(ctx, cfg.OTel)
	if err != nil {
		return nil, failStartup("E_OTEL_INIT", err)
	}
	rt.metrics, err = otelPkg.NewMetrics(rt.otel.Meter)
	if err != nil {
		return nil, failStartup("E_OTEL_METRICS", err)
	}

	rt.audit, err = audit.Open(cfg.HomeDir)
	if err != nil {
		return nil, failStartup("E_AUDIT_INIT", err)
	}

	rt.store = persistence.OpenOrMemory(cfg.DBPath, persistence.Options{
		Logger:     logger,
		Metrics:    rt.metrics,
		MaxRetries: cfg.DBMaxRetries,
	})
	logger.Info("startup phase", "phase", "schema_migrated", "persistent", rt.store.Enabled())

	rt.bus = bus.NewWithBuffer(cfg.Tasks.EventBuffer)

	rt.policyPath = config.PolicyPath(cfg.HomeDir)
	initial := cfg.Approval
	if _, statErr := os.Stat(rt.policyPath); statErr == nil {
		initial, err = approval.LoadPolicy(rt.policyPath)
		if err != nil {
			return nil, failStartup("E_POLICY_LOAD", err)
		}
	}
	rt.policy = approval.NewLivePolicy(initial, rt.policyPath)
	var callback approval.Callback = approval.DenyAll{}
	if interactive {
		rt.interactive = approval.NewInteractive(rt.bus)
		callback = rt.interactive
	}
	rt.approvals = approval.NewEngine(rt.policy, callback, approval.Options{
		Logger:  logger,
		Audit:   rt.audit,
		Metrics: rt.metrics,
	})
	logger.Info("startup phase", "phase", "policy_loaded", "policy_version", rt.policy.Snapshot().Version())

	rt.threads = thread.NewStore(rt.store, logger)
	rt.compactor = thread.NewCompactor(rt.threads, nil, thread.CompactorConfig{
		MaxEvents:  cfg.Compaction.MaxEvents,
		KeepRecent: cfg.Compaction.KeepRecent,
		KeepLast:   cfg.Compaction.KeepLast,
	}, logger).Instrument(rt.otel.Tracer, rt.metrics, rt.bus)
	if err := rt.ensureRootThread(ctx); err != nil {
		return nil, failStartup("E_ROOT_THREAD", err)
	}

	rt.tasks = task.NewManager(rt.store, nil, task.Options{
		Logger:        logger,
		Bus:           rt.bus,
		Metrics:       rt.metrics,
		SyncSpawn:     cfg.Tasks.SyncSpawn,
		MaxNoteLength: cfg.Tasks.MaxNoteLength,
	})
	rt.delegator = delegation.NewService(rt.tasks, rt.bus, delegation.Options{
		Logger:          logger,
		Tracer:          rt.otel.Tracer,
		Metrics:         rt.metrics,
		Timeout:         cfg.Delegation.Timeout(),
		DefaultProvider: cfg.Delegation.DefaultProvider,
		DefaultModel:    cfg.Delegation.DefaultModel,
	})
	all := append(tools.TaskTools(rt.tasks), delegation.NewTool(rt.delegator))
	rt.registry, err = tools.NewRegistry(all...)
	if err != nil {
		return nil, failStartup("E_TOOL_REGISTRY", err)
	}
	root := delegation.Capabilities{Tools: rt.registry, Approvals: rt.approvals}
	rt.executor = root.Executor(tools.ExecutorOptions{Logger: logger, Tracer: rt.otel.Tracer})

	rt.spawner = delegation.NewSpawner(rt.threads, rt.tasks, noProviderFactory, root, delegation.SpawnerOptions{
		Logger:   logger,
		Tracer:   rt.otel.Tracer,
		MaxDepth: cfg.Delegation.MaxDepth,
	})
	rt.spawner.Register(rootThreadID, root)
	rt.tasks.SetSpawner(rt.spawner)

	rt.scheduler, err = cron.NewScheduler(cron.Config{
		Threads:   rt.threads,
		Compactor: rt.compactor,
		Logger:    logger,
		Schedule:  cfg.Compaction.CleanupSchedule,
		KeepLast:  cfg.Compaction.KeepLast,
	})
	if err != nil {
		return nil, failStartup("E_SCHEDULER_INIT", err)
	}
	logger.Info("startup phase", "phase", "components_ready", "tools", rt.registry.Names())
	return rt, nil
}

func (rt *runtime) ensureRootThread(ctx context.Context) error {
	ok, err := rt.threads.Exists(ctx, rootThreadID)
	if err != nil || ok {
		return err
	}
	_, err = rt.threads.Create(ctx, thread.Thread{ID: rootThreadID})
	return err
}

// onReload applies a config watcher event. A rejected file keeps the
// previous settings.
func (rt *runtime) onReload(ev config.ReloadEvent) {
	if ev.IsPolicy() {
		if err := approval.ReloadFromFile(rt.policy, rt.policyPath); err != nil {
			rt.logger.Error("policy.yaml reload rejected; retaining previous policy", "error", err)
			return
		}
		rt.logger.Info("policy.yaml hot-reloaded", "policy_version", rt.policy.Snapshot().Version())
		return
	}

	next, err := config.LoadFrom(rt.cfg.HomeDir)
	if err != nil {
		rt.logger.Error("config.yaml reload rejected; retaining previous config", "error", err)
		return
	}
	if _, statErr := os.Stat(rt.policyPath); errors.Is(statErr, os.ErrNotExist) {
		rt.policy.Reload(next.Approval)
		rt.logger.Info("approval policy reloaded from config.yaml", "policy_version", rt.policy.Snapshot().Version())
	}
	if next.Fingerprint() != rt.cfg.Fingerprint() {
		rt.logger.Warn("config.yaml changed settings that take effect on restart")
	}
}

// Close releases components in reverse order of creation.
func (rt *runtime) Close() {
	if rt.scheduler != nil {
		rt.scheduler.Stop()
	}
	if rt.spawner != nil {
		rt.spawner.Wait()
	}
	if rt.tasks != nil {
		rt.tasks.Close()
	}
	if rt.store != nil {
		if err := rt.store.Close(); err != nil {
			rt.logger.Warn("close store", "error", err)
		}
	}
	if rt.audit != nil {
		_ = rt.audit.Close()
	}
	if rt.otel != nil {
		_ = rt.otel.Shutdown(context.Background())
	}
}
