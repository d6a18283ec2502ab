package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all agentcore metric instruments. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	ApprovalDecisions  metric.Int64Counter
	StoreRetries       metric.Int64Counter
	TaskTransitions    metric.Int64Counter
	DelegationDuration metric.Float64Histogram
	ActiveDelegations  metric.Int64UpDownCounter
	Compactions        metric.Int64Counter
	ShadowsPruned      metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.ApprovalDecisions, err = meter.Int64Counter("agentcore.approval.decisions",
		metric.WithDescription("Approval decisions by decision and rule"),
	)
	if err != nil {
		return nil, err
	}

	m.StoreRetries, err = meter.Int64Counter("agentcore.store.retries",
		metric.WithDescription("Store writes retried after a busy error"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskTransitions, err = meter.Int64Counter("agentcore.task.transitions",
		metric.WithDescription("Task status transitions by target status"),
	)
	if err != nil {
		return nil, err
	}

	m.DelegationDuration, err = meter.Float64Histogram("agentcore.delegation.duration",
		metric.WithDescription("Delegation wait duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveDelegations, err = meter.Int64UpDownCounter("agentcore.delegation.active",
		metric.WithDescription("Number of delegations currently waiting"),
	)
	if err != nil {
		return nil, err
	}

	m.Compactions, err = meter.Int64Counter("agentcore.thread.compactions",
		metric.WithDescription("Thread compactions producing a new shadow version"),
	)
	if err != nil {
		return nil, err
	}

	m.ShadowsPruned, err = meter.Int64Counter("agentcore.thread.shadows_pruned",
		metric.WithDescription("Old shadow versions deleted by cleanup"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

func (m *Metrics) RecordApproval(ctx context.Context, decision, rule string) {
	if m == nil || m.ApprovalDecisions == nil {
		return
	}
	m.ApprovalDecisions.Add(ctx, 1, metric.WithAttributes(
		AttrDecision.String(decision),
		AttrRule.String(rule),
	))
}

func (m *Metrics) RecordStoreRetry(ctx context.Context, op string) {
	if m == nil || m.StoreRetries == nil {
		return
	}
	m.StoreRetries.Add(ctx, 1, metric.WithAttributes(AttrOperation.String(op)))
}

func (m *Metrics) RecordTaskTransition(ctx context.Context, status string) {
	if m == nil || m.TaskTransitions == nil {
		return
	}
	m.TaskTransitions.Add(ctx, 1, metric.WithAttributes(AttrStatus.String(status)))
}

// DelegationStarted increments the active gauge and returns a func that
// records the duration with the given outcome and decrements the gauge.
func (m *Metrics) DelegationStarted(ctx context.Context) func(outcome string) {
	if m == nil || m.ActiveDelegations == nil || m.DelegationDuration == nil {
		return func(string) {}
	}
	start := time.Now()
	m.ActiveDelegations.Add(ctx, 1)
	return func(outcome string) {
		m.ActiveDelegations.Add(ctx, -1)
		m.DelegationDuration.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(attribute.String("outcome", outcome)))
	}
}

func (m *Metrics) RecordCompaction(ctx context.Context, pruned int) {
	if m == nil {
		return
	}
	if m.Compactions != nil {
		m.Compactions.Add(ctx, 1)
	}
	if m.ShadowsPruned != nil && pruned > 0 {
		m.ShadowsPruned.Add(ctx, int64(pruned))
	}
}
