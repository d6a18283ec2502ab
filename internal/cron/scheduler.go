// Package cron runs periodic thread maintenance: compaction of long
// threads and pruning of old shadow versions.
package cron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/agentcore/internal/thread"
)

// cronParser accepts standard 5-field expressions and descriptors such as
// "@hourly" or "@every 10m".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// DefaultSchedule is used when Config.Schedule is empty.
const DefaultSchedule = "@every 1h"

// defaultSweepLimit caps how many recently updated threads one sweep
// inspects for compaction.
const defaultSweepLimit = 500

// Config holds the dependencies for the scheduler.
type Config struct {
	Threads   *thread.Store
	Compactor *thread.Compactor // optional; without it sweeps only prune
	Logger    *slog.Logger
	Schedule  string
	KeepLast  int
	// SweepLimit bounds the threads considered for compaction per sweep.
	SweepLimit int
}

// Report summarizes one sweep.
type Report struct {
	Compacted int
	Pruned    int
	Failed    int
}

// Scheduler fires RunOnce on a cron schedule.
type Scheduler struct {
	threads    *thread.Store
	compactor  *thread.Compactor
	logger     *slog.Logger
	schedule   string
	keepLast   int
	sweepLimit int

	mu   sync.Mutex
	cron *cronlib.Cron
}

// NewScheduler validates the schedule expression and returns a stopped
// Scheduler.
func NewScheduler(cfg Config) (*Scheduler, error) {
	if cfg.Threads == nil {
		return nil, errors.New("cron: thread store is required")
	}
	schedule := cfg.Schedule
	if schedule == "" {
		schedule = DefaultSchedule
	}
	if _, err := cronParser.Parse(schedule); err != nil {
		return nil, fmt.Errorf("cron: parse schedule %q: %w", schedule, err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	keepLast := cfg.KeepLast
	if keepLast <= 0 {
		keepLast = thread.DefaultKeepLast
	}
	limit := cfg.SweepLimit
	if limit <= 0 {
		limit = defaultSweepLimit
	}
	return &Scheduler{
		threads:    cfg.Threads,
		compactor:  cfg.Compactor,
		logger:     logger.With("component", "cron"),
		schedule:   schedule,
		keepLast:   keepLast,
		sweepLimit: limit,
	}, nil
}

// Start registers the sweep with a cron runner and starts it. Sweeps do
// not overlap; a sweep still running when the next is due is skipped.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return errors.New("cron: scheduler already started")
	}

	logger := slogAdapter{s.logger}
	c := cronlib.New(
		cronlib.WithParser(cronParser),
		cronlib.WithLogger(logger),
		cronlib.WithChain(cronlib.Recover(logger), cronlib.SkipIfStillRunning(logger)),
	)
	if _, err := c.AddFunc(s.schedule, func() {
		if ctx.Err() != nil {
			return
		}
		if _, err := s.RunOnce(ctx); err != nil {
			s.logger.Error("maintenance sweep failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("cron: add sweep: %w", err)
	}
	c.Start()
	s.cron = c

	next, _ := NextRunTime(s.schedule, time.Now())
	s.logger.Info("cron scheduler started", "schedule", s.schedule, "next_run_at", next)
	return nil
}

// Stop halts the runner and waits for a running sweep to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
	s.logger.Info("cron scheduler stopped")
}

// RunOnce performs a single sweep: every non-shadow thread among the most
// recently updated ones is compacted if it exceeds the event limit, then
// every canonical thread is pruned to KeepLast versions. Per-thread
// failures are logged and counted; only a failure to enumerate threads
// is returned.
func (s *Scheduler) RunOnce(ctx context.Context) (Report, error) {
	var rep Report

	if s.compactor != nil {
		recent, err := s.threads.List(ctx, "", s.sweepLimit)
		if err != nil {
			return rep, fmt.Errorf("list threads: %w", err)
		}
		for _, th := range recent {
			if ctx.Err() != nil {
				return rep, ctx.Err()
			}
			if thread.IsShadowID(th.ID) {
				continue
			}
			res, err := s.compactor.CompactIfNeeded(ctx, th.ID)
			if err != nil {
				rep.Failed++
				s.logger.Warn("compaction failed", "thread_id", th.ID, "error", err)
				continue
			}
			if res.Compacted {
				rep.Compacted++
				rep.Pruned += res.Pruned
			}
		}
	}

	canonical, err := s.threads.CanonicalIDs(ctx)
	if err != nil {
		return rep, fmt.Errorf("list canonical threads: %w", err)
	}
	slices.Sort(canonical)
	for _, id := range canonical {
		if ctx.Err() != nil {
			return rep, ctx.Err()
		}
		n, err := s.threads.CleanupOldShadows(ctx, id, s.keepLast)
		if err != nil {
			rep.Failed++
			s.logger.Warn("shadow cleanup failed", "thread_id", id, "error", err)
			continue
		}
		rep.Pruned += n
	}

	s.logger.Info("maintenance sweep finished",
		"compacted", rep.Compacted, "pruned", rep.Pruned, "failed", rep.Failed)
	return rep, nil
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}

// slogAdapter satisfies cronlib.Logger.
type slogAdapter struct{ l *slog.Logger }

func (a slogAdapter) Info(msg string, keysAndValues ...any) {
	a.l.Debug(msg, keysAndValues...)
}

func (a slogAdapter) Error(err error, msg string, keysAndValues ...any) {
	a.l.Error(msg, append(keysAndValues, "error", err)...)
}
