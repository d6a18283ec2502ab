package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/agentcore/internal/approval"
	"github.com/basket/agentcore/internal/otel"
)

// DelegationConfig controls the delegate tool and sub-agent spawning.
type DelegationConfig struct {
	// TimeoutSeconds bounds a delegation wait. Zero means unbounded.
	TimeoutSeconds  int    `yaml:"timeout_seconds"`
	DefaultProvider string `yaml:"default_provider"`
	DefaultModel    string `yaml:"default_model"`
	MaxDepth        int    `yaml:"max_depth"`
}

// Timeout returns TimeoutSeconds as a duration.
func (d DelegationConfig) Timeout() time.Duration {
	return time.Duration(d.TimeoutSeconds) * time.Second
}

type TasksConfig struct {
	SyncSpawn     bool `yaml:"sync_spawn"`
	MaxNoteLength int  `yaml:"max_note_length"`
	EventBuffer   int  `yaml:"event_buffer"`
}

type CompactionConfig struct {
	MaxEvents       int    `yaml:"max_events"`
	KeepRecent      int    `yaml:"keep_recent"`
	KeepLast        int    `yaml:"keep_last"`
	CleanupSchedule string `yaml:"cleanup_schedule"`
}

type Config struct {
	HomeDir      string `yaml:"-"`
	LogLevel     string `yaml:"log_level"`
	DBPath       string `yaml:"db_path"`
	DBMaxRetries int    `yaml:"db_max_retries"`

	Approval   approval.Policy  `yaml:"approval"`
	Delegation DelegationConfig `yaml:"delegation"`
	Tasks      TasksConfig      `yaml:"tasks"`
	Compaction CompactionConfig `yaml:"compaction"`
	OTel       otel.Config      `yaml:"otel"`

	// NeedsInit is set when no config.yaml existed at load time.
	NeedsInit bool `yaml:"-"`
}

func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// PolicyPath is the approval policy file. When present it takes
// precedence over the approval section of config.yaml.
func PolicyPath(homeDir string) string {
	return filepath.Join(homeDir, "policy.yaml")
}

// Fingerprint identifies the settings that require a restart to change.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "db=%s|retries=%d|log=%s|sync=%t|buffer=%d|schedule=%s|otel=%t",
		c.DBPath, c.DBMaxRetries, c.LogLevel, c.Tasks.SyncSpawn, c.Tasks.EventBuffer,
		c.Compaction.CleanupSchedule, c.OTel.Enabled)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		LogLevel:     "info",
		DBMaxRetries: 3,
		Approval:     approval.Default(),
		Delegation: DelegationConfig{
			MaxDepth: 3,
		},
		Tasks: TasksConfig{
			MaxNoteLength: 65536,
			EventBuffer:   100,
		},
		Compaction: CompactionConfig{
			MaxEvents:       200,
			KeepRecent:      20,
			KeepLast:        3,
			CleanupSchedule: "@every 1h",
		},
		OTel: otel.Config{
			Exporter:    otel.ExporterStdout,
			ServiceName: "agentcore",
			SampleRate:  1.0,
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("AGENTCORE_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".agentcore")
}

// Load reads config.yaml from HomeDir.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom reads homeDir/config.yaml, creating homeDir if needed. Values
// resolve as defaults, then file, then environment.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create agentcore home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsInit = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "agentcore.db")
	}
	if cfg.DBMaxRetries <= 0 {
		cfg.DBMaxRetries = 3
	}
	if cfg.Delegation.MaxDepth <= 0 {
		cfg.Delegation.MaxDepth = 3
	}
	cfg.Delegation.DefaultProvider = strings.TrimSpace(cfg.Delegation.DefaultProvider)
	cfg.Delegation.DefaultModel = strings.TrimSpace(cfg.Delegation.DefaultModel)
	if cfg.Tasks.MaxNoteLength <= 0 {
		cfg.Tasks.MaxNoteLength = 65536
	}
	if cfg.Tasks.EventBuffer <= 0 {
		cfg.Tasks.EventBuffer = 100
	}
	if cfg.Compaction.MaxEvents <= 0 {
		cfg.Compaction.MaxEvents = 200
	}
	if cfg.Compaction.KeepRecent <= 0 {
		cfg.Compaction.KeepRecent = 20
	}
	if cfg.Compaction.KeepLast <= 0 {
		cfg.Compaction.KeepLast = 3
	}
	if strings.TrimSpace(cfg.Compaction.CleanupSchedule) == "" {
		cfg.Compaction.CleanupSchedule = "@every 1h"
	}
	if cfg.OTel.ServiceName == "" {
		cfg.OTel.ServiceName = "agentcore"
	}
}

func validate(cfg *Config) error {
	switch cfg.LogLevel {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("log_level %q must be one of debug, info, warn, error", cfg.LogLevel)
	}
	if cfg.Delegation.TimeoutSeconds < 0 {
		return fmt.Errorf("delegation.timeout_seconds must be >= 0, got %d", cfg.Delegation.TimeoutSeconds)
	}
	if (cfg.Delegation.DefaultProvider == "") != (cfg.Delegation.DefaultModel == "") {
		return fmt.Errorf("delegation.default_provider and delegation.default_model must be set together")
	}
	if cfg.Compaction.KeepRecent >= cfg.Compaction.MaxEvents {
		return fmt.Errorf("compaction.keep_recent (%d) must be < compaction.max_events (%d)",
			cfg.Compaction.KeepRecent, cfg.Compaction.MaxEvents)
	}
	for _, name := range append(append([]string{}, cfg.Approval.DisabledTools...), cfg.Approval.AutoApprove...) {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("approval policy contains an empty tool name")
		}
	}
	return cfg.OTel.Validate()
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("AGENTCORE_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("AGENTCORE_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv("AGENTCORE_DELEGATION_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Delegation.TimeoutSeconds = v
		}
	}
}
