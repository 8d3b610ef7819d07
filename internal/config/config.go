// Package config loads and persists the engine's on-disk configuration: the
// directory layout under a project's data root and the YAML-backed
// EngineConfig that tunes the scheduler, protocol intake, and notification
// policy.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EngineDir is the name of the directory created under a project's root to
// hold engine state (tasks, events, locks, config).
const EngineDir = ".aof"

const defaultEngineConfigYAML = `# aof engine configuration
version: 1

projectId: default

poll:
  intervalMs: 30000
  dryRun: false

scheduler:
  defaultLeaseTtlMs: 600000
  maxConcurrentDispatches: 5
  maxDispatchesPerPoll: 5
  minDispatchIntervalMs: 0
  stuckTaskThresholdMs: 86400000
  autoBlockStuckTasks: false
  maxRetries: 3
  retryBaseDelayMs: 60000
  retryCeilingMs: 900000
  retryJitter: 0.25
  circuitBreaker:
    failureThreshold: 3
    openTimeoutMs: 30000

notify:
  dedupeWindowMs: 300000
  stormBatcher:
    windowMs: 10000
    threshold: 5

intake:
  enabled: true
  host: 127.0.0.1
  port: 8765

logging:
  level: info
  metricsEnabled: true
`

// PollConfig governs the orchestration service's tick loop (§4.9).
type PollConfig struct {
	IntervalMs int  `yaml:"intervalMs"`
	DryRun     bool `yaml:"dryRun"`
}

// CircuitBreakerConfig tunes the scheduler's platform-limit breaker.
type CircuitBreakerConfig struct {
	FailureThreshold int `yaml:"failureThreshold"`
	OpenTimeoutMs    int `yaml:"openTimeoutMs"`
}

// SchedulerConfig mirrors scheduler.Config in wire form (§4.3 Inputs).
type SchedulerConfig struct {
	DefaultLeaseTTLMs       int                  `yaml:"defaultLeaseTtlMs"`
	MaxConcurrentDispatches int                  `yaml:"maxConcurrentDispatches"`
	MaxDispatchesPerPoll    int                  `yaml:"maxDispatchesPerPoll"`
	MinDispatchIntervalMs   int                  `yaml:"minDispatchIntervalMs"`
	StuckTaskThresholdMs    int                  `yaml:"stuckTaskThresholdMs"`
	AutoBlockStuckTasks     bool                 `yaml:"autoBlockStuckTasks"`
	MaxRetries              int                  `yaml:"maxRetries"`
	RetryBaseDelayMs        int                  `yaml:"retryBaseDelayMs"`
	RetryCeilingMs          int                  `yaml:"retryCeilingMs"`
	RetryJitter             float64              `yaml:"retryJitter"`
	CircuitBreaker          CircuitBreakerConfig `yaml:"circuitBreaker"`
}

// StormBatcherConfig tunes notification storm batching (§4.8).
type StormBatcherConfig struct {
	WindowMs  int `yaml:"windowMs"`
	Threshold int `yaml:"threshold"`
}

// NotifyConfig tunes the notification policy pipeline (§4.8).
type NotifyConfig struct {
	DedupeWindowMs int                `yaml:"dedupeWindowMs"`
	StormBatcher   StormBatcherConfig `yaml:"stormBatcher"`
}

// IntakeConfig controls the embedded HTTP protocol intake server (§4.6),
// shaped the same way the teacher's EventBridgeConfig controls its HTTP
// event bridge.
type IntakeConfig struct {
	Enabled *bool  `yaml:"enabled,omitempty"`
	Host    string `yaml:"host,omitempty"`
	Port    int    `yaml:"port,omitempty"`
}

// LoggingConfig controls operational logging and metrics export.
type LoggingConfig struct {
	Level          string `yaml:"level"`
	MetricsEnabled bool   `yaml:"metricsEnabled"`
}

// EngineConfig models `.aof/config.yaml`.
type EngineConfig struct {
	Version   int             `yaml:"version"`
	ProjectID string          `yaml:"projectId"`
	Poll      PollConfig      `yaml:"poll"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Notify    NotifyConfig    `yaml:"notify"`
	Intake    IntakeConfig    `yaml:"intake"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// Config holds the runtime configuration for one engine process.
type Config struct {
	// ProjectDir is the directory the engine was started against.
	ProjectDir string

	// EngineProjectDir is ProjectDir/.aof.
	EngineProjectDir string

	Engine EngineConfig
}

// InitEngineDir creates the .aof directory structure in projectDir:
//
// .aof/
// ├── tasks/     <- created lazily by task.NewStore, not here
// ├── events/    <- created lazily by eventlog.Open
// ├── locks/     <- advisory lock files
// └── config.yaml
func InitEngineDir(projectDir string) error {
	engineDir := filepath.Join(projectDir, EngineDir)
	dirs := []string{
		filepath.Join(engineDir, "locks"),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return ensureEngineConfig(filepath.Join(engineDir, "config.yaml"))
}

// NewConfig creates a new Config populated from projectDir's .aof/config.yaml,
// falling back to documented defaults for any field left unset.
func NewConfig(projectDir string) (*Config, error) {
	cfg := &Config{
		ProjectDir:       projectDir,
		EngineProjectDir: filepath.Join(projectDir, EngineDir),
		Engine:           defaultEngineConfig(),
	}
	if err := cfg.loadEngineConfig(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DataDir returns the directory the task store, event log, and locks live
// under.
func (c *Config) DataDir() string {
	return c.EngineProjectDir
}

// LockDir returns the directory advisory lock files are created in.
func (c *Config) LockDir() string {
	return filepath.Join(c.EngineProjectDir, "locks")
}

// ConfigPath returns the on-disk location of the engine config file.
func (c *Config) ConfigPath() string {
	return filepath.Join(c.EngineProjectDir, "config.yaml")
}

func (c *Config) loadEngineConfig() error {
	path := c.ConfigPath()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	var parsed EngineConfig
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	parsed.applyDefaults()
	if err := parsed.validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	c.Engine = parsed
	return nil
}

func defaultEngineConfig() EngineConfig {
	cfg := EngineConfig{Version: 1, ProjectID: "default"}
	cfg.applyDefaults()
	return cfg
}

func (e *EngineConfig) applyDefaults() {
	if e.Version == 0 {
		e.Version = 1
	}
	if strings.TrimSpace(e.ProjectID) == "" {
		e.ProjectID = "default"
	}
	if e.Poll.IntervalMs <= 0 {
		e.Poll.IntervalMs = 30_000
	}
	s := &e.Scheduler
	if s.DefaultLeaseTTLMs <= 0 {
		s.DefaultLeaseTTLMs = 600_000
	}
	if s.MaxConcurrentDispatches <= 0 {
		s.MaxConcurrentDispatches = 5
	}
	if s.MaxDispatchesPerPoll <= 0 {
		s.MaxDispatchesPerPoll = s.MaxConcurrentDispatches
	}
	if s.StuckTaskThresholdMs <= 0 {
		s.StuckTaskThresholdMs = 86_400_000
	}
	if s.MaxRetries <= 0 {
		s.MaxRetries = 3
	}
	if s.RetryBaseDelayMs <= 0 {
		s.RetryBaseDelayMs = 60_000
	}
	if s.RetryCeilingMs <= 0 {
		s.RetryCeilingMs = 900_000
	}
	if s.RetryJitter <= 0 {
		s.RetryJitter = 0.25
	}
	if s.CircuitBreaker.FailureThreshold <= 0 {
		s.CircuitBreaker.FailureThreshold = 3
	}
	if s.CircuitBreaker.OpenTimeoutMs <= 0 {
		s.CircuitBreaker.OpenTimeoutMs = 30_000
	}
	n := &e.Notify
	if n.DedupeWindowMs <= 0 {
		n.DedupeWindowMs = 300_000
	}
	if n.StormBatcher.WindowMs <= 0 {
		n.StormBatcher.WindowMs = 10_000
	}
	if n.StormBatcher.Threshold <= 0 {
		n.StormBatcher.Threshold = 5
	}
	e.Intake.normalize()
	if strings.TrimSpace(e.Logging.Level) == "" {
		e.Logging.Level = "info"
	}
}

func (e EngineConfig) validate() error {
	if e.Version < 1 {
		return fmt.Errorf("version must be >= 1")
	}
	if strings.TrimSpace(e.ProjectID) == "" {
		return fmt.Errorf("projectId is required")
	}
	if e.Poll.IntervalMs <= 0 {
		return fmt.Errorf("poll.intervalMs must be positive")
	}
	if e.Scheduler.RetryJitter < 0 || e.Scheduler.RetryJitter > 1 {
		return fmt.Errorf("scheduler.retryJitter must be in [0,1]")
	}
	if err := e.Intake.validate(); err != nil {
		return fmt.Errorf("intake: %w", err)
	}
	switch strings.ToLower(e.Logging.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not recognized", e.Logging.Level)
	}
	return nil
}

func (ic *IntakeConfig) normalize() {
	ic.Host = strings.TrimSpace(ic.Host)
	if ic.Host == "" {
		ic.Host = "127.0.0.1"
	}
	if ic.Port == 0 {
		ic.Port = 8765
	}
}

func (ic IntakeConfig) validate() error {
	if ic.Port < 0 || ic.Port > 65535 {
		return fmt.Errorf("port must be between 0 and 65535")
	}
	return nil
}

// LeaseTTL returns the resolved default lease TTL as a time.Duration.
func (c *Config) LeaseTTL() time.Duration {
	return time.Duration(c.Engine.Scheduler.DefaultLeaseTTLMs) * time.Millisecond
}

// PollInterval returns the resolved poll interval as a time.Duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Engine.Poll.IntervalMs) * time.Millisecond
}

// IntakeEnabled reports whether the HTTP intake server should start,
// defaulting to enabled when unset.
func (c *Config) IntakeEnabled() bool {
	if c.Engine.Intake.Enabled == nil {
		return true
	}
	return *c.Engine.Intake.Enabled
}

func ensureEngineConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return os.WriteFile(path, []byte(defaultEngineConfigYAML), 0o644)
}
