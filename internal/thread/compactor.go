package thread

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/basket/agentcore/internal/bus"
	"github.com/basket/agentcore/internal/otel"
	"go.opentelemetry.io/otel/trace"
)

// Summarizer condenses older events into a single summary text.
type Summarizer interface {
	Summarize(ctx context.Context, events []Event) (string, error)
}

// SummarizerFunc adapts a function to Summarizer.
type SummarizerFunc func(ctx context.Context, events []Event) (string, error)

func (f SummarizerFunc) Summarize(ctx context.Context, events []Event) (string, error) {
	return f(ctx, events)
}

// DigestSummarizer is the deterministic default: one line per event with
// the type and a clipped rendering of its data.
type DigestSummarizer struct {
	MaxLineChars int
}

func (d DigestSummarizer) Summarize(_ context.Context, events []Event) (string, error) {
	limit := d.MaxLineChars
	if limit <= 0 {
		limit = 160
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Summary of %d earlier events:\n", len(events))
	for _, ev := range events {
		line := eventText(ev)
		if len(line) > limit {
			line = line[:limit] + "..."
		}
		fmt.Fprintf(&b, "- %s: %s\n", ev.Type, line)
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

// eventText prefers a "text" or "content" string field, falling back to
// the raw JSON.
func eventText(ev Event) string {
	var fields map[string]any
	if json.Unmarshal(ev.Data, &fields) == nil {
		for _, key := range []string{"text", "content", "message"} {
			if s, ok := fields[key].(string); ok {
				return strings.Join(strings.Fields(s), " ")
			}
		}
	}
	return strings.Join(strings.Fields(string(ev.Data)), " ")
}

// CompactorConfig holds configuration for the Compactor.
type CompactorConfig struct {
	MaxEvents  int // Compact when a thread holds more than this many events (default 200).
	KeepRecent int // Always keep N most recent events verbatim (default 20).
	KeepLast   int // Shadow versions retained after compaction (default 3).
}

// CompactResult describes one CompactIfNeeded call.
type CompactResult struct {
	Compacted  bool   `json:"compacted"`
	VersionID  string `json:"versionId,omitempty"`
	Summarized int    `json:"summarized"`
	Kept       int    `json:"kept"`
	Pruned     int    `json:"pruned"`
}

// CompactedEvent is published on bus.TopicThreadCompacted.
type CompactedEvent struct {
	CanonicalID string
	VersionID   string
	Summarized  int
}

// Compactor bounds thread length by replacing older events with a summary
// in a new shadow version.
type Compactor struct {
	threads    *Store
	summarizer Summarizer
	config     CompactorConfig
	logger     *slog.Logger
	tracer     trace.Tracer
	metrics    *otel.Metrics
	bus        *bus.Bus
}

// NewCompactor creates a Compactor. A nil summarizer uses DigestSummarizer.
func NewCompactor(threads *Store, summarizer Summarizer, cfg CompactorConfig, logger *slog.Logger) *Compactor {
	if cfg.MaxEvents <= 0 {
		cfg.MaxEvents = 200
	}
	if cfg.KeepRecent <= 0 {
		cfg.KeepRecent = 20
	}
	if cfg.KeepLast <= 0 {
		cfg.KeepLast = DefaultKeepLast
	}
	if summarizer == nil {
		summarizer = DigestSummarizer{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Compactor{
		threads:    threads,
		summarizer: summarizer,
		config:     cfg,
		logger:     logger.With("component", "compactor"),
	}
}

// Instrument attaches tracing, metrics and an event bus. Any may be nil.
func (c *Compactor) Instrument(tracer trace.Tracer, metrics *otel.Metrics, eventBus *bus.Bus) *Compactor {
	c.tracer = tracer
	c.metrics = metrics
	c.bus = eventBus
	return c
}

// Config returns the effective configuration.
func (c *Compactor) Config() CompactorConfig {
	return c.config
}

// CompactIfNeeded compacts canonicalID when it holds more than MaxEvents
// events: all but the KeepRecent newest events are summarized into one
// SUMMARY event, which together with the recent events becomes a new
// shadow version. Old shadows beyond KeepLast are then removed.
func (c *Compactor) CompactIfNeeded(ctx context.Context, canonicalID string) (CompactResult, error) {
	ctx, span := otel.StartSpan(ctx, c.tracer, "thread.compact", otel.AttrThreadID.String(canonicalID))
	defer span.End()

	th, err := c.threads.Load(ctx, canonicalID)
	if err != nil {
		span.RecordError(err)
		return CompactResult{}, fmt.Errorf("load thread for compaction: %w", err)
	}
	if th == nil || len(th.Events) <= c.config.MaxEvents {
		return CompactResult{}, nil
	}
	keep := c.config.KeepRecent
	if keep >= len(th.Events) {
		return CompactResult{}, nil
	}
	split := len(th.Events) - keep
	oldEvents := th.Events[:split]
	recent := th.Events[split:]

	c.logger.Info("thread exceeds event limit, compacting",
		"thread_id", canonicalID, "events", len(th.Events), "max_events", c.config.MaxEvents)

	summary, err := c.summarizer.Summarize(ctx, oldEvents)
	if err != nil {
		c.logger.Warn("summarization failed, falling back to truncation", "thread_id", canonicalID, "error", err)
		summary = fmt.Sprintf("[%d earlier events were truncated during compaction.]", len(oldEvents))
	}
	data, err := json.Marshal(map[string]any{
		"text":       summary,
		"summarized": len(oldEvents),
		"fromEvent":  oldEvents[0].ID,
		"toEvent":    oldEvents[len(oldEvents)-1].ID,
	})
	if err != nil {
		return CompactResult{}, fmt.Errorf("encode summary: %w", err)
	}

	events := make([]Event, 0, len(recent)+1)
	events = append(events, Event{
		Type:      EventSummary,
		Timestamp: oldEvents[len(oldEvents)-1].Timestamp,
		Data:      data,
	})
	events = append(events, recent...)

	shadow, err := c.threads.CreateShadowThread(ctx, Thread{
		SessionID: th.SessionID,
		ProjectID: th.ProjectID,
		Metadata:  th.Metadata,
		Events:    events,
	}, canonicalID, fmt.Sprintf("compaction: %d events summarized", len(oldEvents)))
	if err != nil {
		span.RecordError(err)
		return CompactResult{}, fmt.Errorf("create shadow thread: %w", err)
	}

	pruned, err := c.threads.CleanupOldShadows(ctx, canonicalID, c.config.KeepLast)
	if err != nil {
		// The new version is already live; a failed cleanup is retried by
		// the next compaction or the scheduled sweep.
		c.logger.Warn("shadow cleanup failed", "thread_id", canonicalID, "error", err)
	}

	c.metrics.RecordCompaction(ctx, pruned)
	if c.bus != nil {
		c.bus.Publish(bus.TopicThreadCompacted, CompactedEvent{
			CanonicalID: canonicalID,
			VersionID:   shadow.ID,
			Summarized:  len(oldEvents),
		})
	}
	return CompactResult{
		Compacted:  true,
		VersionID:  shadow.ID,
		Summarized: len(oldEvents),
		Kept:       len(recent),
		Pruned:     pruned,
	}, nil
}
