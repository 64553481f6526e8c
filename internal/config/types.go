// internal/config/types.go
package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Duration wraps time.Duration for text unmarshaling (YAML, TOML, env vars).
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	if parsed < 0 {
		return fmt.Errorf("duration cannot be negative: %s", text)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration().String()), nil
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Duration().String())
}

// Duration returns the underlying time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// BranchStrategy selects where patch amendments and run work land.
type BranchStrategy string

const (
	// BranchSingleQueue keeps every patch on the current branch.
	BranchSingleQueue BranchStrategy = "single_branch_queue"
	// BranchAuxiliary gives each run (and each amendment) its own branch.
	BranchAuxiliary BranchStrategy = "auxiliary_branches"
)

// Valid reports whether s is a known strategy.
func (s BranchStrategy) Valid() bool {
	return s == BranchSingleQueue || s == BranchAuxiliary
}

// FallbackArtifactMode controls what happens when a worker changes no files.
type FallbackArtifactMode string

const (
	// FallbackLocalOnly writes the artifact under .architect/runs and records no patch.
	FallbackLocalOnly FallbackArtifactMode = "local_only"
	// FallbackTracked commits the artifact under the tracked fallback directory.
	FallbackTracked FallbackArtifactMode = "tracked"
)

// Valid reports whether m is a known mode.
func (m FallbackArtifactMode) Valid() bool {
	return m == FallbackLocalOnly || m == FallbackTracked
}
