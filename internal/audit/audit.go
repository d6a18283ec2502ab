// Package audit appends approval decisions to a JSONL file. A nil *Log
// records nothing.
package audit

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/agentcore/internal/shared"
)

// Entry is one audit line.
type Entry struct {
	Timestamp     string `json:"timestamp"`
	Decision      string `json:"decision"`
	Tool          string `json:"tool"`
	Rule          string `json:"rule"`
	PolicyVersion string `json:"policy_version,omitempty"`
	ThreadID      string `json:"thread_id,omitempty"`
	TraceID       string `json:"trace_id,omitempty"`
	Input         string `json:"input,omitempty"`
}

// Log is an append-only audit sink.
type Log struct {
	mu        sync.Mutex
	w         io.Writer
	closer    io.Closer
	denyCount atomic.Int64
	now       func() time.Time
}

// Open creates (or appends to) <homeDir>/logs/audit.jsonl.
func Open(homeDir string) (*Log, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	l := New(f)
	l.closer = f
	return l, nil
}

// New writes audit lines to w.
func New(w io.Writer) *Log {
	return &Log{w: w, now: time.Now}
}

func (l *Log) Close() error {
	if l == nil || l.closer == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	err := l.closer.Close()
	l.closer = nil
	l.w = io.Discard
	return err
}

// DenyCount returns the number of DENY decisions recorded.
func (l *Log) DenyCount() int64 {
	if l == nil {
		return 0
	}
	return l.denyCount.Load()
}

// Record appends e. Secrets in the input are redacted before writing.
func (l *Log) Record(e Entry) {
	if l == nil {
		return
	}
	if e.Decision == "DENY" {
		l.denyCount.Add(1)
	}
	e.Input = shared.Redact(e.Input)

	l.mu.Lock()
	defer l.mu.Unlock()
	if e.Timestamp == "" {
		e.Timestamp = l.now().UTC().Format(time.RFC3339Nano)
	}
	b, err := json.Marshal(e)
	if err != nil {
		return
	}
	_, _ = l.w.Write(append(b, '\n'))
}
