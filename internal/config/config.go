// Package config provides configuration loading for architect.
//
// Configuration is read from .architect/config.toml or .architect/config.yaml,
// then overridden by ARCHITECT_* environment variables, on top of the defaults
// returned by Default.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Config holds the complete architect configuration.
type Config struct {
	Project    ProjectConfig    `koanf:"project" toml:"project"`
	Workflow   WorkflowConfig   `koanf:"workflow" toml:"workflow"`
	Guardrails GuardrailsConfig `koanf:"guardrails" toml:"guardrails"`
	Backend    BackendConfig    `koanf:"backend" toml:"backend"`
	State      StateConfig      `koanf:"state" toml:"state"`
	Lease      LeaseConfig      `koanf:"lease" toml:"lease"`
	Events     EventsConfig     `koanf:"events" toml:"events"`
	HTTP       HTTPConfig       `koanf:"http" toml:"http"`
	Logging    LoggingConfig    `koanf:"logging" toml:"logging"`
	Telemetry  TelemetryConfig  `koanf:"telemetry" toml:"telemetry"`
}

// ProjectConfig describes the repository under orchestration.
type ProjectConfig struct {
	Name             string   `koanf:"name" toml:"name"`
	TestCommand      string   `koanf:"test_command" toml:"test_command"`
	LintCommand      string   `koanf:"lint_command" toml:"lint_command"`
	TypeCheckCommand string   `koanf:"type_check_command" toml:"type_check_command"`
	CommandTimeout   Duration `koanf:"command_timeout" toml:"command_timeout"`
}

// WorkflowConfig holds scheduling, retry and review policy.
type WorkflowConfig struct {
	MaxParallelTasks             int                  `koanf:"max_parallel_tasks" toml:"max_parallel_tasks"`
	TaskMaxAttempts              int                  `koanf:"task_max_attempts" toml:"task_max_attempts"`
	TaskRetryBackoffSeconds      float64              `koanf:"task_retry_backoff_seconds" toml:"task_retry_backoff_seconds"`
	TaskRetryBackoffMaxSeconds   float64              `koanf:"task_retry_backoff_max_seconds" toml:"task_retry_backoff_max_seconds"`
	MaxConflictCycles            int                  `koanf:"max_conflict_cycles" toml:"max_conflict_cycles"`
	MaxPatchesBeforeReview       int                  `koanf:"max_patches_before_review" toml:"max_patches_before_review"`
	RequireCriticApproval        bool                 `koanf:"require_critic_approval" toml:"require_critic_approval"`
	AutoLint                     bool                 `koanf:"auto_lint" toml:"auto_lint"`
	AutoTest                     bool                 `koanf:"auto_test" toml:"auto_test"`
	TestCoverageThreshold        int                  `koanf:"test_coverage_threshold" toml:"test_coverage_threshold"`
	ReviewMaxMajorFindings       int                  `koanf:"review_max_major_findings" toml:"review_max_major_findings"`
	ReviewRequireDocsUpdate      bool                 `koanf:"review_require_docs_update" toml:"review_require_docs_update"`
	ReviewRequireChangelogUpdate bool                 `koanf:"review_require_changelog_update" toml:"review_require_changelog_update"`
	ReviewDocsPatterns           []string             `koanf:"review_docs_patterns" toml:"review_docs_patterns"`
	ReviewChangelogPatterns      []string             `koanf:"review_changelog_patterns" toml:"review_changelog_patterns"`
	BranchStrategy               BranchStrategy       `koanf:"branch_strategy" toml:"branch_strategy"`
	FallbackArtifactMode         FallbackArtifactMode `koanf:"fallback_artifact_mode" toml:"fallback_artifact_mode"`
	TrackedFallbackDir           string               `koanf:"tracked_fallback_dir" toml:"tracked_fallback_dir"`
}

// RetryBackoff returns the base retry delay.
func (w WorkflowConfig) RetryBackoff() time.Duration {
	return time.Duration(w.TaskRetryBackoffSeconds * float64(time.Second))
}

// RetryBackoffMax returns the retry delay cap.
func (w WorkflowConfig) RetryBackoffMax() time.Duration {
	return time.Duration(w.TaskRetryBackoffMaxSeconds * float64(time.Second))
}

// GuardrailsConfig bounds what a single patch may touch.
type GuardrailsConfig struct {
	MaxFileChangesPerPatch int      `koanf:"max_file_changes_per_patch" toml:"max_file_changes_per_patch"`
	ForbiddenPaths         []string `koanf:"forbidden_paths" toml:"forbidden_paths"`
	RequireTestsFor        []string `koanf:"require_tests_for" toml:"require_tests_for"`
	SecretScan             bool     `koanf:"secret_scan" toml:"secret_scan"`
}

// BackendConfig configures the text-generating specialists.
type BackendConfig struct {
	Primary           []string `koanf:"primary" toml:"primary"`
	Fallback          []string `koanf:"fallback" toml:"fallback"`
	MaxRetries        int      `koanf:"max_retries" toml:"max_retries"`
	RetryBackoff      Duration `koanf:"retry_backoff" toml:"retry_backoff"`
	Timeout           Duration `koanf:"timeout" toml:"timeout"`
	RequestsPerSecond float64  `koanf:"requests_per_second" toml:"requests_per_second"`
	Burst             int      `koanf:"burst" toml:"burst"`
}

// StateConfig selects and tunes the state store backend.
type StateConfig struct {
	Backend     string   `koanf:"backend" toml:"backend"`
	BranchRef   string   `koanf:"branch_ref" toml:"branch_ref"`
	RedisAddr   string   `koanf:"redis_addr" toml:"redis_addr"`
	RedisPrefix string   `koanf:"redis_prefix" toml:"redis_prefix"`
	SQLitePath  string   `koanf:"sqlite_path" toml:"sqlite_path"`
	MaxRetries  int      `koanf:"max_retries" toml:"max_retries"`
	LockTimeout Duration `koanf:"lock_timeout" toml:"lock_timeout"`
}

// LeaseConfig controls run ownership.
type LeaseConfig struct {
	TTLSeconds        int      `koanf:"ttl_seconds" toml:"ttl_seconds"`
	HeartbeatInterval Duration `koanf:"heartbeat_interval" toml:"heartbeat_interval"`
	HeartbeatTimeout  Duration `koanf:"heartbeat_timeout" toml:"heartbeat_timeout"`
}

// EventsConfig configures run event publishing.
type EventsConfig struct {
	NATSURL       string `koanf:"nats_url" toml:"nats_url"`
	SubjectPrefix string `koanf:"subject_prefix" toml:"subject_prefix"`
}

// HTTPConfig configures the status API.
type HTTPConfig struct {
	Enabled bool   `koanf:"enabled" toml:"enabled"`
	Host    string `koanf:"host" toml:"host"`
	Port    int    `koanf:"port" toml:"port"`
}

// LoggingConfig is the subset of logging options exposed in the config file.
type LoggingConfig struct {
	Level  string `koanf:"level" toml:"level"`
	Format string `koanf:"format" toml:"format"`
	OTEL   bool   `koanf:"otel" toml:"otel"`
}

// TelemetryConfig is the subset of telemetry options exposed in the config file.
type TelemetryConfig struct {
	Enabled    bool    `koanf:"enabled" toml:"enabled"`
	Endpoint   string  `koanf:"endpoint" toml:"endpoint"`
	Protocol   string  `koanf:"protocol" toml:"protocol"`
	Insecure   bool    `koanf:"insecure" toml:"insecure"`
	SampleRate float64 `koanf:"sample_rate" toml:"sample_rate"`
}

// Default returns the configuration used when no file or env override is present.
func Default() *Config {
	return &Config{
		Project: ProjectConfig{
			Name:             "my-project",
			TestCommand:      "go test ./...",
			LintCommand:      "go vet ./...",
			TypeCheckCommand: "go build ./...",
			CommandTimeout:   Duration(10 * time.Minute),
		},
		Workflow: WorkflowConfig{
			MaxParallelTasks:           2,
			TaskMaxAttempts:            3,
			TaskRetryBackoffSeconds:    2,
			TaskRetryBackoffMaxSeconds: 300,
			MaxConflictCycles:          2,
			MaxPatchesBeforeReview:     5,
			RequireCriticApproval:      true,
			AutoLint:                   true,
			AutoTest:                   true,
			ReviewDocsPatterns:         []string{"docs/**", "**/*.md"},
			ReviewChangelogPatterns:    []string{"CHANGELOG*", "**/CHANGELOG*"},
			BranchStrategy:             BranchSingleQueue,
			FallbackArtifactMode:       FallbackLocalOnly,
			TrackedFallbackDir:         "docs/architect",
		},
		Guardrails: GuardrailsConfig{
			MaxFileChangesPerPatch: 10,
			ForbiddenPaths:         []string{".env", "secrets/*", "production.config.*"},
			RequireTestsFor:        []string{"src/**/*.go"},
			SecretScan:             true,
		},
		Backend: BackendConfig{
			Primary:           []string{"claude", "-p"},
			Fallback:          []string{"codex", "exec", "-"},
			MaxRetries:        1,
			RetryBackoff:      Duration(500 * time.Millisecond),
			Timeout:           Duration(90 * time.Second),
			RequestsPerSecond: 1,
			Burst:             2,
		},
		State: StateConfig{
			Backend:     "notes",
			BranchRef:   "architect/state",
			RedisAddr:   "localhost:6379",
			RedisPrefix: "architect",
			SQLitePath:  ".architect/state.db",
			MaxRetries:  4,
			LockTimeout: Duration(3 * time.Second),
		},
		Lease: LeaseConfig{
			HeartbeatTimeout: Duration(5 * time.Second),
		},
		Events: EventsConfig{
			SubjectPrefix: "architect",
		},
		HTTP: HTTPConfig{
			Host: "localhost",
			Port: 9191,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Telemetry: TelemetryConfig{
			Endpoint:   "localhost:4317",
			Protocol:   "grpc",
			Insecure:   true,
			SampleRate: 1.0,
		},
	}
}

// LeaseTTL returns the configured lease ttl, deriving max(30s, 2*backend timeout) when unset.
func (c *Config) LeaseTTL() time.Duration {
	if c.Lease.TTLSeconds > 0 {
		return time.Duration(c.Lease.TTLSeconds) * time.Second
	}
	ttl := 2 * c.Backend.Timeout.Duration()
	if ttl < 30*time.Second {
		ttl = 30 * time.Second
	}
	return ttl
}

// HeartbeatInterval returns the keepalive period, a third of the ttl when unset.
func (c *Config) HeartbeatInterval() time.Duration {
	if d := c.Lease.HeartbeatInterval.Duration(); d > 0 {
		return d
	}
	return c.LeaseTTL() / 3
}

var validStateBackends = map[string]bool{
	"notes":  true,
	"branch": true,
	"local":  true,
	"redis":  true,
	"sqlite": true,
	"memory": true,
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	var errs []error

	w := c.Workflow
	if w.MaxParallelTasks < 1 {
		errs = append(errs, fmt.Errorf("workflow.max_parallel_tasks must be >= 1, got %d", w.MaxParallelTasks))
	}
	if w.TaskMaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("workflow.task_max_attempts must be >= 1, got %d", w.TaskMaxAttempts))
	}
	if w.TaskRetryBackoffSeconds < 0 {
		errs = append(errs, errors.New("workflow.task_retry_backoff_seconds cannot be negative"))
	}
	if w.TaskRetryBackoffMaxSeconds < w.TaskRetryBackoffSeconds {
		errs = append(errs, errors.New("workflow.task_retry_backoff_max_seconds must be >= task_retry_backoff_seconds"))
	}
	if w.MaxConflictCycles < 0 {
		errs = append(errs, errors.New("workflow.max_conflict_cycles cannot be negative"))
	}
	if w.MaxPatchesBeforeReview < 1 {
		errs = append(errs, errors.New("workflow.max_patches_before_review must be >= 1"))
	}
	if w.TestCoverageThreshold < 0 || w.TestCoverageThreshold > 100 {
		errs = append(errs, fmt.Errorf("workflow.test_coverage_threshold must be within 0-100, got %d", w.TestCoverageThreshold))
	}
	if !w.BranchStrategy.Valid() {
		errs = append(errs, fmt.Errorf("workflow.branch_strategy must be %q or %q, got %q",
			BranchSingleQueue, BranchAuxiliary, w.BranchStrategy))
	}
	if !w.FallbackArtifactMode.Valid() {
		errs = append(errs, fmt.Errorf("workflow.fallback_artifact_mode must be %q or %q, got %q",
			FallbackLocalOnly, FallbackTracked, w.FallbackArtifactMode))
	}
	if w.FallbackArtifactMode == FallbackTracked && w.TrackedFallbackDir == "" {
		errs = append(errs, errors.New("workflow.tracked_fallback_dir is required in tracked mode"))
	}

	if c.Guardrails.MaxFileChangesPerPatch < 1 {
		errs = append(errs, errors.New("guardrails.max_file_changes_per_patch must be >= 1"))
	}

	if len(c.Backend.Primary) == 0 {
		errs = append(errs, errors.New("backend.primary command is required"))
	}
	if c.Backend.MaxRetries < 0 {
		errs = append(errs, errors.New("backend.max_retries cannot be negative"))
	}
	if c.Backend.Timeout.Duration() <= 0 {
		errs = append(errs, errors.New("backend.timeout must be positive"))
	}
	if c.Backend.RequestsPerSecond < 0 {
		errs = append(errs, errors.New("backend.requests_per_second cannot be negative"))
	}

	if !validStateBackends[c.State.Backend] {
		errs = append(errs, fmt.Errorf("state.backend %q is not supported", c.State.Backend))
	}
	if c.State.MaxRetries < 1 {
		errs = append(errs, errors.New("state.max_retries must be >= 1"))
	}
	if c.State.Backend == "redis" && c.State.RedisAddr == "" {
		errs = append(errs, errors.New("state.redis_addr is required for the redis backend"))
	}
	if c.State.Backend == "sqlite" && c.State.SQLitePath == "" {
		errs = append(errs, errors.New("state.sqlite_path is required for the sqlite backend"))
	}

	if c.Lease.TTLSeconds < 0 {
		errs = append(errs, errors.New("lease.ttl_seconds cannot be negative"))
	}

	if c.HTTP.Enabled && (c.HTTP.Port <= 0 || c.HTTP.Port > 65535) {
		errs = append(errs, fmt.Errorf("http.port out of range: %d", c.HTTP.Port))
	}

	return errors.Join(errs...)
}
