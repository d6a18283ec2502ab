// Package doctor runs offline health checks against an agentcore home.
package doctor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/basket/agentcore/internal/approval"
	"github.com/basket/agentcore/internal/config"
	"github.com/basket/agentcore/internal/cron"
	"github.com/basket/agentcore/internal/persistence"
)

const (
	StatusPass = "PASS"
	StatusFail = "FAIL"
	StatusWarn = "WARN"
	StatusSkip = "SKIP"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == StatusFail {
			return true
		}
	}
	return false
}

type SystemInfo struct {
	OS   string `json:"os"`
	Arch string `json:"arch"`
	Go   string `json:"go_version"`
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:   runtime.GOOS,
			Arch: runtime.GOARCH,
			Go:   runtime.Version(),
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkPermissions,
		checkDatabase,
		checkPolicy,
		checkDelegation,
		checkSchedule,
	}
	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}
	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: "Configuration not loaded"}
	}
	if cfg.NeedsInit {
		return CheckResult{Name: "Config", Status: StatusWarn, Message: "No config.yaml; running on defaults",
			Detail: config.ConfigPath(cfg.HomeDir)}
	}
	return CheckResult{Name: "Config", Status: StatusPass, Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir)}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: StatusSkip, Message: "Config missing"}
	}
	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: StatusFail, Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	_ = os.Remove(testFile)
	return CheckResult{Name: "Permissions", Status: StatusPass, Message: "Home directory writable"}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: StatusSkip, Message: "Config missing"}
	}
	store, err := persistence.Open(cfg.DBPath, persistence.Options{})
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Open failed: %v", err),
			Detail: "the runtime would continue without persistence"}
	}
	defer store.Close()

	threads, err := store.ListThreads(ctx, "", 0)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Query failed: %v", err)}
	}
	compacted, err := store.CanonicalThreadIDs(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Query failed: %v", err)}
	}
	return CheckResult{
		Name:    "Database",
		Status:  StatusPass,
		Message: "Connection and schema valid",
		Detail:  fmt.Sprintf("path=%s recent_threads=%d compacted=%d", cfg.DBPath, len(threads), len(compacted)),
	}
}

func checkPolicy(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Policy", Status: StatusSkip, Message: "Config missing"}
	}
	p := cfg.Approval
	source := "config.yaml approval section"
	path := config.PolicyPath(cfg.HomeDir)
	if _, err := os.Stat(path); err == nil {
		loaded, err := approval.LoadPolicy(path)
		if err != nil {
			return CheckResult{Name: "Policy", Status: StatusFail, Message: fmt.Sprintf("policy.yaml invalid: %v", err)}
		}
		p, source = loaded, path
	}
	res := CheckResult{
		Name:    "Policy",
		Status:  StatusPass,
		Message: fmt.Sprintf("%s from %s", p.Version(), source),
	}
	switch {
	case p.DisableAllTools:
		res.Status = StatusWarn
		res.Detail = "disable_all_tools is set; only safe tools will run"
	case p.DisableGuardrails:
		res.Status = StatusWarn
		res.Detail = "disable_guardrails is set; every enabled tool runs without approval"
	}
	return res
}

func checkDelegation(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Delegation", Status: StatusSkip, Message: "Config missing"}
	}
	timeout := "unbounded"
	if cfg.Delegation.TimeoutSeconds > 0 {
		timeout = cfg.Delegation.Timeout().String()
	}
	detail := fmt.Sprintf("timeout=%s max_depth=%d sync_spawn=%t", timeout, cfg.Delegation.MaxDepth, cfg.Tasks.SyncSpawn)
	if cfg.Delegation.DefaultProvider == "" {
		return CheckResult{Name: "Delegation", Status: StatusWarn,
			Message: "No default agent; delegate calls must name an agent or assignee", Detail: detail}
	}
	return CheckResult{Name: "Delegation", Status: StatusPass,
		Message: fmt.Sprintf("Default agent %s/%s", cfg.Delegation.DefaultProvider, cfg.Delegation.DefaultModel),
		Detail:  detail}
}

func checkSchedule(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Maintenance", Status: StatusSkip, Message: "Config missing"}
	}
	next, err := cron.NextRunTime(cfg.Compaction.CleanupSchedule, time.Now())
	if err != nil {
		return CheckResult{Name: "Maintenance", Status: StatusFail,
			Message: fmt.Sprintf("cleanup_schedule %q invalid: %v", cfg.Compaction.CleanupSchedule, err)}
	}
	return CheckResult{
		Name:    "Maintenance",
		Status:  StatusPass,
		Message: fmt.Sprintf("Next sweep at %s", next.UTC().Format(time.RFC3339)),
		Detail: fmt.Sprintf("max_events=%d keep_recent=%d keep_last=%d",
			cfg.Compaction.MaxEvents, cfg.Compaction.KeepRecent, cfg.Compaction.KeepLast),
	}
}
