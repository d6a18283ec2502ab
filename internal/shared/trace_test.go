package shared

import (
	"context"
	"testing"
)

func TestDelegationDepth_RoundTrip(t *testing.T) {
	ctx := context.Background()
	if got := DelegationDepth(ctx); got != 0 {
		t.Fatalf("expected 0, got %d", got)
	}
	ctx = WithDelegationDepth(ctx, 2)
	if got := DelegationDepth(ctx); got != 2 {
		t.Fatalf("expected 2, got %d", got)
	}
}

func TestTraceID_DefaultsToDash(t *testing.T) {
	if got := TraceID(context.Background()); got != "-" {
		t.Fatalf("expected -, got %q", got)
	}
	ctx := WithTraceID(context.Background(), "trace-1")
	if got := TraceID(ctx); got != "trace-1" {
		t.Fatalf("expected trace-1, got %q", got)
	}
}

func TestThreadAndTaskID_RoundTrip(t *testing.T) {
	ctx := WithThreadID(context.Background(), "t-1")
	ctx = WithTaskID(ctx, "task-9")
	if ThreadID(ctx) != "t-1" {
		t.Fatalf("thread id = %q", ThreadID(ctx))
	}
	if TaskID(ctx) != "task-9" {
		t.Fatalf("task id = %q", TaskID(ctx))
	}
}
