package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v10"
	"gopkg.in/yaml.v3"

	"github.com/maxxentropy/claudeops/pkg/domain"
)

// Config holds all configuration for the orchestrator.
type Config struct {
	// Server configuration
	HTTPPort int    `env:"CLAUDEOPS_HTTP_PORT" envDefault:"8080" yaml:"http_port"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info" yaml:"log_level"`

	// Workspace root: agent directories, lock sentinels and state files
	// all live under it.
	Workspace string `env:"CLAUDEOPS_WORKSPACE" envDefault:"." yaml:"workspace"`

	Execution ExecutionConfig `yaml:"execution"`
	Locks     LockConfig      `yaml:"locks"`
	State     StateConfig     `yaml:"state"`
	Redis     RedisConfig     `yaml:"redis"`
}

// ExecutionConfig controls agent limits, timeouts and failure handling.
type ExecutionConfig struct {
	MaxParallelAgents int           `env:"CLAUDEOPS_MAX_PARALLEL_AGENTS" envDefault:"5" yaml:"max_parallel_agents"`
	MaxAgentsPerWave  int           `env:"CLAUDEOPS_MAX_AGENTS_PER_WAVE" envDefault:"5" yaml:"max_agents_per_wave"`
	PhaseTimeout      time.Duration `env:"CLAUDEOPS_PHASE_TIMEOUT" envDefault:"1h" yaml:"phase_timeout"`
	RetryLimit        int           `env:"CLAUDEOPS_RETRY_LIMIT" envDefault:"2" yaml:"retry_limit"`
	FailureStrategy   string        `env:"CLAUDEOPS_FAILURE_STRATEGY" envDefault:"retry" yaml:"failure_strategy"`
	InterWaveDelay    time.Duration `env:"CLAUDEOPS_INTER_WAVE_DELAY" envDefault:"5s" yaml:"inter_wave_delay"`

	// HealthPollInterval is how often phase supervision polls agent health.
	HealthPollInterval time.Duration `env:"CLAUDEOPS_HEALTH_POLL_INTERVAL" envDefault:"2s" yaml:"health_poll_interval"`

	// AgentCommand is the worker executable launched per phase. The worker
	// is opaque: it reads command.json from its agent directory and writes
	// response.json when done.
	AgentCommand string `env:"CLAUDEOPS_AGENT_COMMAND" envDefault:"claude" yaml:"agent_command"`

	// StaleAgentMaxAge bounds how long terminated agent bookkeeping is kept.
	StaleAgentMaxAge time.Duration `env:"CLAUDEOPS_STALE_AGENT_MAX_AGE" envDefault:"1h" yaml:"stale_agent_max_age"`
}

// LockConfig controls resource locking and deadlock detection.
type LockConfig struct {
	Timeout                 time.Duration `env:"CLAUDEOPS_LOCK_TIMEOUT" envDefault:"5m" yaml:"timeout"`
	RetryCount              int           `env:"CLAUDEOPS_LOCK_RETRY_COUNT" envDefault:"3" yaml:"retry_count"`
	RetryDelay              time.Duration `env:"CLAUDEOPS_LOCK_RETRY_DELAY" envDefault:"5s" yaml:"retry_delay"`
	DeadlockCheckInterval   time.Duration `env:"CLAUDEOPS_DEADLOCK_CHECK_INTERVAL" envDefault:"10s" yaml:"deadlock_check_interval"`
	ConflictResolution      string        `env:"CLAUDEOPS_CONFLICT_RESOLUTION" envDefault:"wait" yaml:"conflict_resolution"`
	EnableDeadlockDetection bool          `env:"CLAUDEOPS_DEADLOCK_DETECTION" envDefault:"true" yaml:"enable_deadlock_detection"`
}

// StateConfig controls checkpointing and crash recovery.
type StateConfig struct {
	// FilePath defaults to <workspace>/.claudeops/state.json.
	FilePath           string        `env:"CLAUDEOPS_STATE_FILE" yaml:"file_path"`
	CheckpointInterval time.Duration `env:"CLAUDEOPS_CHECKPOINT_INTERVAL" envDefault:"30s" yaml:"checkpoint_interval"`
	MaxBackups         int           `env:"CLAUDEOPS_STATE_MAX_BACKUPS" envDefault:"5" yaml:"max_backups"`
}

// RedisConfig holds the optional Redis connection used to mirror state
// checkpoints and stream events to external dashboards.
type RedisConfig struct {
	Enabled  bool   `env:"REDIS_ENABLED" envDefault:"false" yaml:"enabled"`
	Addr     string `env:"REDIS_ADDR" envDefault:"localhost:6379" yaml:"addr"`
	Password string `env:"REDIS_PASS" yaml:"password"`
	DB       int    `env:"REDIS_DB" envDefault:"0" yaml:"db"`

	PoolSize     int           `env:"REDIS_POOL_SIZE" envDefault:"10" yaml:"pool_size"`
	MinIdleConns int           `env:"REDIS_MIN_IDLE_CONNS" envDefault:"2" yaml:"min_idle_conns"`
	MaxRetries   int           `env:"REDIS_MAX_RETRIES" envDefault:"3" yaml:"max_retries"`
	DialTimeout  time.Duration `env:"REDIS_DIAL_TIMEOUT" envDefault:"5s" yaml:"dial_timeout"`
	ReadTimeout  time.Duration `env:"REDIS_READ_TIMEOUT" envDefault:"3s" yaml:"read_timeout"`
	WriteTimeout time.Duration `env:"REDIS_WRITE_TIMEOUT" envDefault:"3s" yaml:"write_timeout"`

	// StateTTL bounds how long mirrored checkpoints live.
	StateTTL time.Duration `env:"REDIS_STATE_TTL" envDefault:"24h" yaml:"state_ttl"`
}

// Load reads configuration from environment variables, then applies the
// optional YAML file named by CLAUDEOPS_CONFIG_FILE on top.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if path := os.Getenv("CLAUDEOPS_CONFIG_FILE"); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyFile overlays values from a YAML config file.
func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.State.FilePath == "" {
		c.State.FilePath = filepath.Join(c.Workspace, ".claudeops", "state.json")
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.HTTPPort)
	}

	if c.Execution.MaxParallelAgents < 1 {
		return fmt.Errorf("max parallel agents must be at least 1")
	}
	if c.Execution.MaxAgentsPerWave < 1 {
		return fmt.Errorf("max agents per wave must be at least 1")
	}
	if c.Execution.AgentCommand == "" {
		return fmt.Errorf("agent command is required")
	}

	switch domain.FailureStrategy(c.Execution.FailureStrategy) {
	case domain.FailureRetry, domain.FailureSkip, domain.FailureAbortWave, domain.FailureAbortAll:
	default:
		return fmt.Errorf("invalid failure strategy: %s (must be retry, skip, abort_wave, or abort_all)", c.Execution.FailureStrategy)
	}

	switch domain.ConflictResolution(c.Locks.ConflictResolution) {
	case domain.ResolutionWait, domain.ResolutionPreempt, domain.ResolutionShare, domain.ResolutionDefer, domain.ResolutionFail:
	default:
		return fmt.Errorf("invalid conflict resolution: %s", c.Locks.ConflictResolution)
	}

	if c.State.MaxBackups < 0 {
		return fmt.Errorf("max backups must not be negative")
	}

	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis address is required when redis is enabled")
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.LogLevel)
	}

	return nil
}

// GetHTTPAddr returns the HTTP server address.
func (c *Config) GetHTTPAddr() string {
	return fmt.Sprintf(":%d", c.HTTPPort)
}

// Snapshot captures the options persisted into execution state.
func (c *Config) Snapshot() domain.ConfigSnapshot {
	return domain.ConfigSnapshot{
		MaxParallelAgents:  c.Execution.MaxParallelAgents,
		MaxAgentsPerWave:   c.Execution.MaxAgentsPerWave,
		PhaseTimeout:       c.Execution.PhaseTimeout,
		RetryLimit:         c.Execution.RetryLimit,
		FailureStrategy:    domain.FailureStrategy(c.Execution.FailureStrategy),
		LockTimeout:        c.Locks.Timeout,
		LockRetryCount:     c.Locks.RetryCount,
		CheckpointInterval: c.State.CheckpointInterval,
		DeadlockInterval:   c.Locks.DeadlockCheckInterval,
		ConflictResolution: c.Locks.ConflictResolution,
		InterWaveDelay:     c.Execution.InterWaveDelay,
	}
}
