package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/agentcore/internal/shared"
)

func lastEntry(t *testing.T, raw []byte) map[string]any {
	t.Helper()
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) == "" {
		t.Fatalf("expected at least one log line")
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[len(lines)-1]), &entry); err != nil {
		t.Fatalf("unmarshal log json: %v", err)
	}
	return entry
}

func TestNewLogger_EmitsStructuredSchema(t *testing.T) {
	home := t.TempDir()
	logger, closer, err := NewLogger(home, "debug", true)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer closer.Close()

	logger.Info("startup phase", "phase", "config_loaded", "task_id", "task-1")

	raw, err := os.ReadFile(filepath.Join(home, "logs", "system.jsonl"))
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	entry := lastEntry(t, raw)
	for _, key := range []string{"timestamp", "level", "msg", "component", "trace_id"} {
		if _, ok := entry[key]; !ok {
			t.Fatalf("missing required key %q in log entry: %#v", key, entry)
		}
	}
	if entry["component"] != "runtime" {
		t.Fatalf("expected component=runtime, got %#v", entry["component"])
	}
	if entry["trace_id"] != "-" {
		t.Fatalf("expected trace_id='-', got %#v", entry["trace_id"])
	}
	if entry["task_id"] != "task-1" {
		t.Fatalf("expected task_id propagation, got %#v", entry["task_id"])
	}
}

func TestNewLogger_RedactsSensitiveFields(t *testing.T) {
	var buf bytes.Buffer
	logger := newJSONLogger(&buf, "info")

	logger.Info("security check",
		"api_key", "abc123",
		"auth_header", "Authorization: Bearer super-secret-token",
		"prompt", "use sk-ant-REDACTED please",
		"title", "plain text",
	)

	entry := lastEntry(t, buf.Bytes())
	if entry["api_key"] != "[REDACTED]" {
		t.Fatalf("expected api_key redaction, got %#v", entry["api_key"])
	}
	if entry["auth_header"] != "[REDACTED]" {
		t.Fatalf("expected auth_header redaction, got %#v", entry["auth_header"])
	}
	if got := entry["prompt"].(string); strings.Contains(got, "sk-ant-") {
		t.Fatalf("provider key leaked: %q", got)
	}
	if entry["title"] != "plain text" {
		t.Fatalf("unexpected redaction of plain value: %#v", entry["title"])
	}
}

func TestNewLogger_LevelFilters(t *testing.T) {
	var buf bytes.Buffer
	logger := newJSONLogger(&buf, "warn")
	logger.Info("hidden")
	logger.Debug("hidden")
	if buf.Len() != 0 {
		t.Fatalf("info/debug must be filtered at warn: %s", buf.String())
	}
	logger.Warn("shown")
	if !strings.Contains(buf.String(), "shown") {
		t.Fatalf("warn line missing: %s", buf.String())
	}
}

func TestWithContext_AddsIDs(t *testing.T) {
	var buf bytes.Buffer
	logger := newJSONLogger(&buf, "info")

	ctx := shared.WithTraceID(context.Background(), "tr-1")
	ctx = shared.WithThreadID(ctx, "root.1")
	ctx = shared.WithTaskID(ctx, "task-9")
	ctx = shared.WithDelegationDepth(ctx, 2)
	WithContext(ctx, logger).Info("agent step")

	entry := lastEntry(t, buf.Bytes())
	if entry["trace_id"] != "tr-1" || entry["thread_id"] != "root.1" || entry["task_id"] != "task-9" {
		t.Fatalf("ids not attached: %#v", entry)
	}
	if entry["delegation_depth"] != float64(2) {
		t.Fatalf("delegation_depth = %#v", entry["delegation_depth"])
	}
}

func TestWithContext_EmptyContextKeepsLogger(t *testing.T) {
	logger := newJSONLogger(&bytes.Buffer{}, "info")
	if got := WithContext(context.Background(), logger); got != logger {
		t.Fatal("expected the same logger for a bare context")
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]string{"debug": "DEBUG", " WARNING ": "WARN", "error": "ERROR", "": "INFO", "nope": "INFO"}
	for in, want := range tests {
		if got := parseLevel(in).String(); got != want {
			t.Errorf("parseLevel(%q) = %s, want %s", in, got, want)
		}
	}
}
