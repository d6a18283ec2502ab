package approval

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Policy is the serializable, process-wide part of the approval chain.
type Policy struct {
	DisableAllTools     bool     `yaml:"disable_all_tools"`
	DisabledTools       []string `yaml:"disabled_tools"`
	DisableGuardrails   bool     `yaml:"disable_guardrails"`
	AutoApprove         []string `yaml:"auto_approve"`
	AllowNonDestructive bool     `yaml:"allow_non_destructive"`
}

func Default() Policy {
	return Policy{}
}

// LoadPolicy reads a yaml policy file. A missing or empty file yields
// the default policy.
func LoadPolicy(path string) (Policy, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return Policy{}, fmt.Errorf("read policy: %w", err)
	}
	if len(data) == 0 {
		return Default(), nil
	}
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("parse policy: %w", err)
	}
	if err := p.validate(); err != nil {
		return Policy{}, err
	}
	return p.normalized(), nil
}

func (p Policy) validate() error {
	for _, name := range append(slices.Clone(p.DisabledTools), p.AutoApprove...) {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("policy contains an empty tool name")
		}
	}
	return nil
}

func (p Policy) normalized() Policy {
	norm := func(in []string) []string {
		out := make([]string, 0, len(in))
		for _, s := range in {
			s = normalizeTool(s)
			if !slices.Contains(out, s) {
				out = append(out, s)
			}
		}
		return out
	}
	p.DisabledTools = norm(p.DisabledTools)
	p.AutoApprove = norm(p.AutoApprove)
	return p
}

// IsDisabled reports whether tool is in the disable list.
func (p Policy) IsDisabled(tool string) bool {
	return containsNormalized(p.DisabledTools, normalizeTool(tool))
}

// IsAutoApproved reports whether tool is in the auto-approve list.
func (p Policy) IsAutoApproved(tool string) bool {
	return containsNormalized(p.AutoApprove, normalizeTool(tool))
}

// Version is a short stable hash of the policy content, recorded with
// every audited decision.
func (p Policy) Version() string {
	raw, err := yaml.Marshal(p.normalized())
	if err != nil {
		return "unknown"
	}
	h := fnv.New32a()
	_, _ = h.Write(raw)
	return fmt.Sprintf("policy-%08x", h.Sum32())
}

func normalizeTool(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// containsNormalized checks if a slice already contains a value (case-insensitive, trimmed).
func containsNormalized(slice []string, val string) bool {
	for _, s := range slice {
		if normalizeTool(s) == val {
			return true
		}
	}
	return false
}

// Source supplies the policy in force at decision time.
type Source interface {
	Snapshot() Policy
}

// Snapshot lets a plain Policy act as a Source.
func (p Policy) Snapshot() Policy { return p }

// LivePolicy wraps a Policy with thread-safe mutation and persistence.
type LivePolicy struct {
	mu   sync.RWMutex
	data Policy
	path string // file path for persistence; empty = no persistence
}

// NewLivePolicy creates a LivePolicy from an initial Policy snapshot.
// If path is non-empty, mutations are persisted to that file.
func NewLivePolicy(initial Policy, path string) *LivePolicy {
	return &LivePolicy{data: initial.normalized(), path: path}
}

func (lp *LivePolicy) Snapshot() Policy {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	p := lp.data
	p.DisabledTools = slices.Clone(p.DisabledTools)
	p.AutoApprove = slices.Clone(p.AutoApprove)
	return p
}

// Reload replaces the policy in memory.
func (lp *LivePolicy) Reload(p Policy) {
	lp.mu.Lock()
	defer lp.mu.Unlock()
	lp.data = p.normalized()
}

// AddAutoApprove adds a tool to the auto-approve list and persists the change.
func (lp *LivePolicy) AddAutoApprove(tool string) error {
	tool = normalizeTool(tool)
	if tool == "" {
		return fmt.Errorf("empty tool name")
	}
	lp.mu.Lock()
	defer lp.mu.Unlock()
	if containsNormalized(lp.data.AutoApprove, tool) {
		return nil
	}
	next := lp.data
	next.AutoApprove = append(slices.Clone(lp.data.AutoApprove), tool)
	return lp.commit(next)
}

// DisableTool adds a tool to the disable list and persists the change.
func (lp *LivePolicy) DisableTool(tool string) error {
	tool = normalizeTool(tool)
	if tool == "" {
		return fmt.Errorf("empty tool name")
	}
	lp.mu.Lock()
	defer lp.mu.Unlock()
	if containsNormalized(lp.data.DisabledTools, tool) {
		return nil
	}
	next := lp.data
	next.DisabledTools = append(slices.Clone(lp.data.DisabledTools), tool)
	return lp.commit(next)
}

// ReloadFromFile re-reads path into lp. On error lp keeps its previous
// policy.
func ReloadFromFile(lp *LivePolicy, path string) error {
	if lp == nil {
		return fmt.Errorf("nil live policy")
	}
	p, err := LoadPolicy(path)
	if err != nil {
		return err
	}
	lp.Reload(p)
	return nil
}

// commit persists next and only then makes it live, so a failed write
// leaves memory and file in agreement. Caller holds lp.mu.
func (lp *LivePolicy) commit(next Policy) error {
	if err := lp.persist(next); err != nil {
		return err
	}
	lp.data = next
	return nil
}

// persist writes p to disk.
func (lp *LivePolicy) persist(p Policy) error {
	if lp.path == "" {
		return nil
	}
	raw, err := yaml.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal policy: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(lp.path), 0o755); err != nil {
		return fmt.Errorf("create policy dir: %w", err)
	}
	tmp := lp.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write policy: %w", err)
	}
	return os.Rename(tmp, lp.path)
}
