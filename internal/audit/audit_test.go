package audit

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRecordWritesAuditEntry(t *testing.T) {
	home := t.TempDir()
	l, err := Open(home)
	if err != nil {
		t.Fatalf("open audit: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })

	l.Record(Entry{Decision: "DENY", Tool: "shell", Rule: "disable_all_tools", PolicyVersion: "policy-abc"})
	l.Record(Entry{Decision: "ALLOW_ONCE", Tool: "read_file", Rule: "auto_approve", PolicyVersion: "policy-abc"})

	path := filepath.Join(home, "logs", "audit.jsonl")
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read audit file: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected two audit entries, got %d", len(lines))
	}
	var first map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("unmarshal first audit entry: %v", err)
	}
	if first["decision"] != "DENY" || first["tool"] != "shell" || first["rule"] != "disable_all_tools" {
		t.Fatalf("unexpected entry: %#v", first)
	}
	if first["timestamp"] == "" {
		t.Fatalf("expected timestamp: %#v", first)
	}
	if l.DenyCount() != 1 {
		t.Fatalf("deny count = %d, want 1", l.DenyCount())
	}
}

func TestAuditAppendOnly(t *testing.T) {
	home := t.TempDir()
	l, err := Open(home)
	if err != nil {
		t.Fatalf("open audit: %v", err)
	}
	l.Record(Entry{Decision: "ALLOW_ONCE", Tool: "op1"})
	_ = l.Close()

	// Reopening appends rather than truncating.
	l2, err := Open(home)
	if err != nil {
		t.Fatalf("reopen audit: %v", err)
	}
	l2.Record(Entry{Decision: "DENY", Tool: "op2"})
	_ = l2.Close()

	raw, err := os.ReadFile(filepath.Join(home, "logs", "audit.jsonl"))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if n := strings.Count(string(raw), "\n"); n != 2 {
		t.Fatalf("expected 2 lines after reopen, got %d", n)
	}
}

func TestRecordRedactsInput(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf)
	l.Record(Entry{Decision: "DENY", Tool: "http", Input: `curl -H "api_key: abcdefghijklmnopqrstuvwxyz123456"`})
	if strings.Contains(buf.String(), "abcdefghijklmnopqrstuvwxyz123456") {
		t.Fatalf("secret leaked into audit log: %s", buf.String())
	}
}

func TestNilLogIsNoop(t *testing.T) {
	var l *Log
	l.Record(Entry{Decision: "DENY"})
	if l.DenyCount() != 0 {
		t.Fatal("nil log must count nothing")
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}
