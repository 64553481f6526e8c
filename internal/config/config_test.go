package config

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 2, cfg.Workflow.MaxParallelTasks)
	assert.Equal(t, 3, cfg.Workflow.TaskMaxAttempts)
	assert.Equal(t, BranchSingleQueue, cfg.Workflow.BranchStrategy)
	assert.Equal(t, FallbackLocalOnly, cfg.Workflow.FallbackArtifactMode)
	assert.Equal(t, []string{".env", "secrets/*", "production.config.*"}, cfg.Guardrails.ForbiddenPaths)
	assert.Equal(t, "notes", cfg.State.Backend)
	assert.Equal(t, 3*time.Second, cfg.State.LockTimeout.Duration())
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "zero parallelism",
			mutate:  func(c *Config) { c.Workflow.MaxParallelTasks = 0 },
			wantErr: "max_parallel_tasks",
		},
		{
			name:    "zero attempts",
			mutate:  func(c *Config) { c.Workflow.TaskMaxAttempts = 0 },
			wantErr: "task_max_attempts",
		},
		{
			name:    "unknown branch strategy",
			mutate:  func(c *Config) { c.Workflow.BranchStrategy = "octopus" },
			wantErr: "branch_strategy",
		},
		{
			name:    "unknown fallback mode",
			mutate:  func(c *Config) { c.Workflow.FallbackArtifactMode = "cloud" },
			wantErr: "fallback_artifact_mode",
		},
		{
			name:    "backoff cap below base",
			mutate:  func(c *Config) { c.Workflow.TaskRetryBackoffMaxSeconds = 1 },
			wantErr: "task_retry_backoff_max_seconds",
		},
		{
			name:    "coverage above 100",
			mutate:  func(c *Config) { c.Workflow.TestCoverageThreshold = 101 },
			wantErr: "test_coverage_threshold",
		},
		{
			name:    "unknown state backend",
			mutate:  func(c *Config) { c.State.Backend = "etcd" },
			wantErr: "state.backend",
		},
		{
			name: "redis without addr",
			mutate: func(c *Config) {
				c.State.Backend = "redis"
				c.State.RedisAddr = ""
			},
			wantErr: "redis_addr",
		},
		{
			name:    "missing primary backend",
			mutate:  func(c *Config) { c.Backend.Primary = nil },
			wantErr: "backend.primary",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfig_LeaseTTL(t *testing.T) {
	cfg := Default()
	cfg.Backend.Timeout = Duration(90 * time.Second)
	assert.Equal(t, 180*time.Second, cfg.LeaseTTL())
	assert.Equal(t, 60*time.Second, cfg.HeartbeatInterval())

	cfg.Backend.Timeout = Duration(5 * time.Second)
	assert.Equal(t, 30*time.Second, cfg.LeaseTTL(), "ttl has a 30s floor")

	cfg.Lease.TTLSeconds = 12
	assert.Equal(t, 12*time.Second, cfg.LeaseTTL())

	cfg.Lease.HeartbeatInterval = Duration(time.Second)
	assert.Equal(t, time.Second, cfg.HeartbeatInterval())
}

func TestWorkflowConfig_RetryBackoff(t *testing.T) {
	w := WorkflowConfig{TaskRetryBackoffSeconds: 0.5, TaskRetryBackoffMaxSeconds: 4}
	assert.Equal(t, 500*time.Millisecond, w.RetryBackoff())
	assert.Equal(t, 4*time.Second, w.RetryBackoffMax())
}

func TestDuration_Text(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("1m30s")))
	assert.Equal(t, 90*time.Second, d.Duration())

	out, err := d.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "1m30s", string(out))

	assert.Error(t, d.UnmarshalText([]byte("-1s")))
	assert.Error(t, d.UnmarshalText([]byte("soon")))
}

func TestWriteTOML(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteTOML(&buf, Default()))

	out := buf.String()
	assert.Contains(t, out, "[workflow]")
	assert.Contains(t, out, `branch_strategy = "single_branch_queue"`)
	assert.Contains(t, out, `lock_timeout = "3s"`)
}
