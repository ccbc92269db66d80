package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxxentropy/claudeops/pkg/domain"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CLAUDEOPS_CONFIG_FILE", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.HTTPPort)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 5, cfg.Execution.MaxParallelAgents)
	assert.Equal(t, 5, cfg.Execution.MaxAgentsPerWave)
	assert.Equal(t, time.Hour, cfg.Execution.PhaseTimeout)
	assert.Equal(t, "retry", cfg.Execution.FailureStrategy)
	assert.Equal(t, "claude", cfg.Execution.AgentCommand)
	assert.Equal(t, "wait", cfg.Locks.ConflictResolution)
	assert.Equal(t, 30*time.Second, cfg.State.CheckpointInterval)
	assert.False(t, cfg.Redis.Enabled)

	// The state file lands under the workspace by default.
	assert.Equal(t, filepath.Join(cfg.Workspace, ".claudeops", "state.json"), cfg.State.FilePath)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("CLAUDEOPS_HTTP_PORT", "9090")
	t.Setenv("CLAUDEOPS_WORKSPACE", "/tmp/claudeops-test")
	t.Setenv("CLAUDEOPS_MAX_PARALLEL_AGENTS", "12")
	t.Setenv("CLAUDEOPS_FAILURE_STRATEGY", "abort_wave")
	t.Setenv("CLAUDEOPS_PHASE_TIMEOUT", "90s")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.HTTPPort)
	assert.Equal(t, "/tmp/claudeops-test", cfg.Workspace)
	assert.Equal(t, 12, cfg.Execution.MaxParallelAgents)
	assert.Equal(t, "abort_wave", cfg.Execution.FailureStrategy)
	assert.Equal(t, 90*time.Second, cfg.Execution.PhaseTimeout)
}

func TestLoadAppliesConfigFileOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
http_port: 7070
execution:
  retry_limit: 9
locks:
  conflict_resolution: preempt
`), 0o644))
	t.Setenv("CLAUDEOPS_CONFIG_FILE", path)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 7070, cfg.HTTPPort)
	assert.Equal(t, 9, cfg.Execution.RetryLimit)
	assert.Equal(t, "preempt", cfg.Locks.ConflictResolution)
}

func TestLoadRejectsMissingConfigFile(t *testing.T) {
	t.Setenv("CLAUDEOPS_CONFIG_FILE", filepath.Join(t.TempDir(), "nope.yaml"))

	_, err := Load()
	require.Error(t, err)
}

func validConfig() *Config {
	return &Config{
		HTTPPort:  8080,
		LogLevel:  "info",
		Workspace: ".",
		Execution: ExecutionConfig{
			MaxParallelAgents: 5,
			MaxAgentsPerWave:  5,
			FailureStrategy:   "retry",
			AgentCommand:      "claude",
		},
		Locks: LockConfig{
			ConflictResolution: "wait",
		},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"bad port", func(c *Config) { c.HTTPPort = 0 }, "invalid HTTP port"},
		{"no agents", func(c *Config) { c.Execution.MaxParallelAgents = 0 }, "max parallel agents"},
		{"no wave agents", func(c *Config) { c.Execution.MaxAgentsPerWave = 0 }, "max agents per wave"},
		{"no command", func(c *Config) { c.Execution.AgentCommand = "" }, "agent command"},
		{"bad strategy", func(c *Config) { c.Execution.FailureStrategy = "explode" }, "invalid failure strategy"},
		{"bad resolution", func(c *Config) { c.Locks.ConflictResolution = "panic" }, "invalid conflict resolution"},
		{"negative backups", func(c *Config) { c.State.MaxBackups = -1 }, "max backups"},
		{"redis without addr", func(c *Config) { c.Redis.Enabled = true }, "redis address"},
		{"bad log level", func(c *Config) { c.LogLevel = "verbose" }, "invalid log level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestGetHTTPAddr(t *testing.T) {
	cfg := &Config{HTTPPort: 9191}
	assert.Equal(t, ":9191", cfg.GetHTTPAddr())
}

func TestSnapshot(t *testing.T) {
	cfg := validConfig()
	cfg.Execution.PhaseTimeout = 45 * time.Minute
	cfg.Execution.RetryLimit = 3
	cfg.Locks.Timeout = 2 * time.Minute
	cfg.State.CheckpointInterval = 15 * time.Second

	snap := cfg.Snapshot()
	assert.Equal(t, 5, snap.MaxParallelAgents)
	assert.Equal(t, 45*time.Minute, snap.PhaseTimeout)
	assert.Equal(t, 3, snap.RetryLimit)
	assert.Equal(t, domain.FailureRetry, snap.FailureStrategy)
	assert.Equal(t, 2*time.Minute, snap.LockTimeout)
	assert.Equal(t, 15*time.Second, snap.CheckpointInterval)
	assert.Equal(t, "wait", snap.ConflictResolution)
}
