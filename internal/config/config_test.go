package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/agentcore/internal/config"
)

func writeConfig(t *testing.T, home, body string) {
	t.Helper()
	if err := os.MkdirAll(home, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(config.ConfigPath(home), []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func TestLoad_FromAgentcoreHome(t *testing.T) {
	home := filepath.Join(t.TempDir(), "ac")
	writeConfig(t, home, `
log_level: debug
delegation:
  timeout_seconds: 90
  default_provider: anthropic
  default_model: claude
tasks:
  sync_spawn: true
  max_note_length: 1024
compaction:
  max_events: 50
  keep_recent: 5
  cleanup_schedule: "@every 10m"
approval:
  disabled_tools: [" Shell "]
  auto_approve: [task_add]
`)
	t.Setenv("AGENTCORE_HOME", home)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.HomeDir != home {
		t.Fatalf("home = %q, want %q", cfg.HomeDir, home)
	}
	if cfg.NeedsInit {
		t.Fatal("NeedsInit must be false when config.yaml exists")
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("log_level = %q", cfg.LogLevel)
	}
	if cfg.Delegation.Timeout() != 90*time.Second {
		t.Fatalf("delegation timeout = %v", cfg.Delegation.Timeout())
	}
	if cfg.Delegation.DefaultProvider != "anthropic" || cfg.Delegation.DefaultModel != "claude" {
		t.Fatalf("delegation defaults = %+v", cfg.Delegation)
	}
	if !cfg.Tasks.SyncSpawn || cfg.Tasks.MaxNoteLength != 1024 {
		t.Fatalf("tasks = %+v", cfg.Tasks)
	}
	if cfg.Tasks.EventBuffer != 100 {
		t.Fatalf("event_buffer default = %d, want 100", cfg.Tasks.EventBuffer)
	}
	if cfg.Compaction.MaxEvents != 50 || cfg.Compaction.KeepRecent != 5 || cfg.Compaction.KeepLast != 3 {
		t.Fatalf("compaction = %+v", cfg.Compaction)
	}
	if cfg.Compaction.CleanupSchedule != "@every 10m" {
		t.Fatalf("cleanup_schedule = %q", cfg.Compaction.CleanupSchedule)
	}
	if !cfg.Approval.IsDisabled("shell") || !cfg.Approval.IsAutoApproved("TASK_ADD") {
		t.Fatalf("approval = %+v", cfg.Approval)
	}
}

func TestLoad_DefaultsWhenNoConfig(t *testing.T) {
	home := filepath.Join(t.TempDir(), "fresh")

	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if !cfg.NeedsInit {
		t.Fatal("expected NeedsInit with no config.yaml")
	}
	if _, err := os.Stat(home); err != nil {
		t.Fatalf("home dir not created: %v", err)
	}
	if cfg.DBPath != filepath.Join(home, "agentcore.db") {
		t.Fatalf("db_path = %q", cfg.DBPath)
	}
	if cfg.LogLevel != "info" || cfg.DBMaxRetries != 3 {
		t.Fatalf("defaults = %+v", cfg)
	}
	if cfg.Delegation.TimeoutSeconds != 0 || cfg.Delegation.MaxDepth != 3 {
		t.Fatalf("delegation defaults = %+v", cfg.Delegation)
	}
	if cfg.Tasks.MaxNoteLength != 65536 {
		t.Fatalf("max_note_length = %d", cfg.Tasks.MaxNoteLength)
	}
	if cfg.Compaction.CleanupSchedule != "@every 1h" {
		t.Fatalf("cleanup_schedule = %q", cfg.Compaction.CleanupSchedule)
	}
	if cfg.Approval.DisableAllTools || len(cfg.Approval.AutoApprove) != 0 {
		t.Fatalf("approval default = %+v", cfg.Approval)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	home := filepath.Join(t.TempDir(), "env")
	writeConfig(t, home, "log_level: info\ndelegation:\n  timeout_seconds: 30\n")
	dbPath := filepath.Join(t.TempDir(), "other.db")
	t.Setenv("AGENTCORE_HOME", home)
	t.Setenv("AGENTCORE_LOG_LEVEL", "WARN")
	t.Setenv("AGENTCORE_DB_PATH", dbPath)
	t.Setenv("AGENTCORE_DELEGATION_TIMEOUT_SECONDS", "7")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.LogLevel != "warn" {
		t.Fatalf("log_level = %q, want warn", cfg.LogLevel)
	}
	if cfg.DBPath != dbPath {
		t.Fatalf("db_path = %q", cfg.DBPath)
	}
	if cfg.Delegation.TimeoutSeconds != 7 {
		t.Fatalf("timeout_seconds = %d, want 7", cfg.Delegation.TimeoutSeconds)
	}
}

func TestLoad_IgnoresMalformedTimeoutEnv(t *testing.T) {
	home := filepath.Join(t.TempDir(), "env")
	writeConfig(t, home, "delegation:\n  timeout_seconds: 30\n")
	t.Setenv("AGENTCORE_DELEGATION_TIMEOUT_SECONDS", "soon")

	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Delegation.TimeoutSeconds != 30 {
		t.Fatalf("timeout_seconds = %d, want file value 30", cfg.Delegation.TimeoutSeconds)
	}
}

func TestLoad_Validation(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"bad yaml", "log_level: [", "parse config.yaml"},
		{"bad level", "log_level: loud\n", "log_level"},
		{"negative timeout", "delegation:\n  timeout_seconds: -1\n", "timeout_seconds"},
		{"provider without model", "delegation:\n  default_provider: anthropic\n", "set together"},
		{"keep_recent too large", "compaction:\n  max_events: 10\n  keep_recent: 10\n", "keep_recent"},
		{"empty tool name", "approval:\n  auto_approve: [\"  \"]\n", "empty tool name"},
		{"unknown exporter", "otel:\n  enabled: true\n  exporter: zipkin\n", "otel.exporter"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			home := filepath.Join(t.TempDir(), "bad")
			writeConfig(t, home, tt.body)
			_, err := config.LoadFrom(home)
			if err == nil {
				t.Fatalf("expected error containing %q", tt.want)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestFingerprint_ChangesWithRestartSettings(t *testing.T) {
	home := t.TempDir()
	a, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	b := a
	b.Delegation.TimeoutSeconds = 99
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatal("delegation timeout is hot-reloadable and must not change the fingerprint")
	}
	b.Tasks.EventBuffer = 7
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatal("event_buffer change must change the fingerprint")
	}
}
