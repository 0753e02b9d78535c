// Package config handles configuration and the .factory directory structure.
// Every project driven by the engine gets a .factory/ folder in its root:
//
// .factory/
// ├── config.yaml       <- engine thresholds and workflow defaults
// ├── logs/             <- logbook output
// └── state/
//     └── missions/     <- one JSON snapshot per mission
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// FactoryDir is the name of the directory created in each project.
const FactoryDir = ".factory"

const defaultConfigYAML = `# factory engine configuration
version: 1

engine:
  # Retry policy. Delays grow as base * 2^(attempt-1) up to the cap, plus a
  # bounded random jitter.
  max_attempts: 3
  backoff_base_seconds: 30
  backoff_cap_seconds: 600
  backoff_jitter_seconds: 10

  # Per-phase execution timeout.
  phase_timeout_seconds: 600

watchdog:
  # How often the watchdog scans for paused and stalled missions.
  interval_seconds: 300
  # A running mission with no activity for this long is considered stalled.
  stall_threshold_seconds: 3600
  # How many missions one scan may resume, and how many may be resuming
  # at once across overlapping scans.
  resume_batch_size: 5
  max_concurrent_resumes: 10

workflows:
  default_pattern: sequential
`

// EngineConfig models the engine section of config.yaml.
type EngineConfig struct {
	MaxAttempts          int `yaml:"max_attempts"`
	BackoffBaseSeconds   int `yaml:"backoff_base_seconds"`
	BackoffCapSeconds    int `yaml:"backoff_cap_seconds"`
	BackoffJitterSeconds int `yaml:"backoff_jitter_seconds"`
	PhaseTimeoutSeconds  int `yaml:"phase_timeout_seconds"`
}

// WatchdogConfig models the watchdog section of config.yaml.
type WatchdogConfig struct {
	IntervalSeconds       int `yaml:"interval_seconds"`
	StallThresholdSeconds int `yaml:"stall_threshold_seconds"`
	ResumeBatchSize       int `yaml:"resume_batch_size"`
	MaxConcurrentResumes  int `yaml:"max_concurrent_resumes"`
}

// WorkflowConfig captures workflow preferences.
type WorkflowConfig struct {
	DefaultPattern string `yaml:"default_pattern"`
}

// ProjectConfig models .factory/config.yaml.
type ProjectConfig struct {
	Version   int            `yaml:"version"`
	Engine    EngineConfig   `yaml:"engine"`
	Watchdog  WatchdogConfig `yaml:"watchdog"`
	Workflows WorkflowConfig `yaml:"workflows"`
}

// Config holds the runtime configuration for the engine.
type Config struct {
	// ProjectDir is the directory the user ran the binary from.
	ProjectDir string
	// FactoryProjectDir is ProjectDir/.factory.
	FactoryProjectDir string

	Project ProjectConfig
}

// BackoffBase returns the retry backoff base as a duration.
func (c EngineConfig) BackoffBase() time.Duration {
	return time.Duration(c.BackoffBaseSeconds) * time.Second
}

// BackoffCap returns the retry backoff ceiling as a duration.
func (c EngineConfig) BackoffCap() time.Duration {
	return time.Duration(c.BackoffCapSeconds) * time.Second
}

// BackoffJitter returns the retry jitter bound as a duration.
func (c EngineConfig) BackoffJitter() time.Duration {
	return time.Duration(c.BackoffJitterSeconds) * time.Second
}

// PhaseTimeout returns the per-phase execution deadline.
func (c EngineConfig) PhaseTimeout() time.Duration {
	return time.Duration(c.PhaseTimeoutSeconds) * time.Second
}

// Interval returns the watchdog scan period.
func (c WatchdogConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

// StallThreshold returns the running-mission stall cutoff.
func (c WatchdogConfig) StallThreshold() time.Duration {
	return time.Duration(c.StallThresholdSeconds) * time.Second
}

// StateDir returns the mission snapshot directory.
func (c *Config) StateDir() string {
	return filepath.Join(c.FactoryProjectDir, "state", "missions")
}

// LogPath returns the logbook file location.
func (c *Config) LogPath() string {
	return filepath.Join(c.FactoryProjectDir, "logs", "factory.log")
}

// InitFactoryDir creates the .factory directory structure in the given
// project directory and seeds a default config.yaml when none exists.
func InitFactoryDir(projectDir string) error {
	factoryDir := filepath.Join(projectDir, FactoryDir)
	dirs := []string{
		filepath.Join(factoryDir, "logs"),
		filepath.Join(factoryDir, "state", "missions"),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("config: create %s: %w", dir, err)
		}
	}
	configPath := filepath.Join(factoryDir, "config.yaml")
	if _, err := os.Stat(configPath); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		if err := os.WriteFile(configPath, []byte(defaultConfigYAML), 0o644); err != nil {
			return fmt.Errorf("config: write default config: %w", err)
		}
	}
	return nil
}

// NewConfig loads .factory/config.yaml for the project, applies environment
// overrides, and validates the result. InitFactoryDir must have run first.
func NewConfig(projectDir string) (*Config, error) {
	factoryDir := filepath.Join(projectDir, FactoryDir)
	configPath := filepath.Join(factoryDir, "config.yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", configPath, err)
	}
	var project ProjectConfig
	if err := yaml.Unmarshal(data, &project); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", configPath, err)
	}
	applyDefaults(&project)
	applyEnvOverrides(&project)
	cfg := &Config{
		ProjectDir:        projectDir,
		FactoryProjectDir: factoryDir,
		Project:           project,
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the engine cannot run under.
func (c *Config) Validate() error {
	eng := c.Project.Engine
	if eng.MaxAttempts < 1 {
		return errors.New("config: engine.max_attempts must be at least 1")
	}
	if eng.BackoffBaseSeconds < 0 || eng.BackoffJitterSeconds < 0 {
		return errors.New("config: backoff values must not be negative")
	}
	if eng.BackoffCapSeconds < eng.BackoffBaseSeconds {
		return errors.New("config: engine.backoff_cap_seconds must be >= backoff_base_seconds")
	}
	if eng.PhaseTimeoutSeconds <= 0 {
		return errors.New("config: engine.phase_timeout_seconds must be positive")
	}
	wd := c.Project.Watchdog
	if wd.IntervalSeconds <= 0 || wd.StallThresholdSeconds <= 0 {
		return errors.New("config: watchdog periods must be positive")
	}
	if wd.ResumeBatchSize < 1 || wd.MaxConcurrentResumes < 1 {
		return errors.New("config: watchdog batch and concurrency limits must be at least 1")
	}
	return nil
}

func applyDefaults(p *ProjectConfig) {
	if p.Version == 0 {
		p.Version = 1
	}
	if p.Engine.MaxAttempts == 0 {
		p.Engine.MaxAttempts = 3
	}
	if p.Engine.BackoffBaseSeconds == 0 {
		p.Engine.BackoffBaseSeconds = 30
	}
	if p.Engine.BackoffCapSeconds == 0 {
		p.Engine.BackoffCapSeconds = 600
	}
	if p.Engine.BackoffJitterSeconds == 0 {
		p.Engine.BackoffJitterSeconds = 10
	}
	if p.Engine.PhaseTimeoutSeconds == 0 {
		p.Engine.PhaseTimeoutSeconds = 600
	}
	if p.Watchdog.IntervalSeconds == 0 {
		p.Watchdog.IntervalSeconds = 300
	}
	if p.Watchdog.StallThresholdSeconds == 0 {
		p.Watchdog.StallThresholdSeconds = 3600
	}
	if p.Watchdog.ResumeBatchSize == 0 {
		p.Watchdog.ResumeBatchSize = 5
	}
	if p.Watchdog.MaxConcurrentResumes == 0 {
		p.Watchdog.MaxConcurrentResumes = 10
	}
	if strings.TrimSpace(p.Workflows.DefaultPattern) == "" {
		p.Workflows.DefaultPattern = "sequential"
	}
}

// applyEnvOverrides lets deployments tune thresholds without editing the
// project config, mirroring the FACTORY_* environment convention.
func applyEnvOverrides(p *ProjectConfig) {
	overrideInt("FACTORY_MAX_ATTEMPTS", &p.Engine.MaxAttempts)
	overrideInt("FACTORY_BACKOFF_BASE_SECONDS", &p.Engine.BackoffBaseSeconds)
	overrideInt("FACTORY_BACKOFF_CAP_SECONDS", &p.Engine.BackoffCapSeconds)
	overrideInt("FACTORY_BACKOFF_JITTER_SECONDS", &p.Engine.BackoffJitterSeconds)
	overrideInt("FACTORY_PHASE_TIMEOUT_SECONDS", &p.Engine.PhaseTimeoutSeconds)
	overrideInt("FACTORY_WATCHDOG_INTERVAL_SECONDS", &p.Watchdog.IntervalSeconds)
	overrideInt("FACTORY_STALL_THRESHOLD_SECONDS", &p.Watchdog.StallThresholdSeconds)
	overrideInt("FACTORY_RESUME_BATCH_SIZE", &p.Watchdog.ResumeBatchSize)
	overrideInt("FACTORY_MAX_CONCURRENT_RESUMES", &p.Watchdog.MaxConcurrentResumes)
	if pattern := strings.TrimSpace(os.Getenv("FACTORY_DEFAULT_PATTERN")); pattern != "" {
		p.Workflows.DefaultPattern = pattern
	}
}

func overrideInt(key string, target *int) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return
	}
	*target = value
}
