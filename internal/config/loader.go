package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	maxConfigFileSize = 1024 * 1024 // 1MB

	// EnvPrefix prefixes every environment override.
	EnvPrefix = "ARCHITECT_"

	// Dir is the per-repository runtime directory.
	Dir = ".architect"
)

// DefaultPaths returns the candidate config files under root, in lookup order.
func DefaultPaths(root string) []string {
	return []string{
		filepath.Join(root, Dir, "config.toml"),
		filepath.Join(root, Dir, "config.yaml"),
		filepath.Join(root, Dir, "config.yml"),
	}
}

// LoadFromDir loads the first config file found under root/.architect.
// Missing files are not an error; defaults and env overrides still apply.
func LoadFromDir(root string) (*Config, error) {
	for _, p := range DefaultPaths(root) {
		if _, err := os.Stat(p); err == nil {
			return Load(p)
		}
	}
	return Load("")
}

// Load reads configuration from path (TOML or YAML by extension), then
// overrides with environment variables.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (ARCHITECT_WORKFLOW_MAX_PARALLEL_TASKS, ...)
//  2. The config file
//  3. Default()
//
// Environment variables map to section.field on the first underscore after
// the prefix:
//
//	ARCHITECT_WORKFLOW_MAX_PARALLEL_TASKS -> workflow.max_parallel_tasks
//	ARCHITECT_STATE_BACKEND               -> state.backend
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := loadFile(k, path); err != nil {
			return nil, err
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := Default()
	// Slices present in the sources replace the defaults instead of merging index-wise.
	for key, field := range sliceFields(cfg) {
		if k.Exists(key) {
			*field = nil
		}
	}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func loadFile(k *koanf.Koanf, path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat config file: %w", err)
	}
	if info.Size() > maxConfigFileSize {
		return fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}

	content, err := io.ReadAll(f)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	var parser koanf.Parser
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		parser = TOMLParser()
	case ".yaml", ".yml":
		parser = yaml.Parser()
	default:
		return fmt.Errorf("unsupported config file extension: %s", path)
	}

	if err := k.Load(rawbytes.Provider(content), parser); err != nil {
		return fmt.Errorf("failed to load config file %s: %w", path, err)
	}
	return nil
}

// envKey strips the prefix and splits on the first underscore only
// (section.field_name pattern).
func envKey(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	parts := strings.SplitN(lower, "_", 2)
	if len(parts) == 1 {
		return lower
	}
	return parts[0] + "." + parts[1]
}

func sliceFields(cfg *Config) map[string]*[]string {
	return map[string]*[]string{
		"workflow.review_docs_patterns":      &cfg.Workflow.ReviewDocsPatterns,
		"workflow.review_changelog_patterns": &cfg.Workflow.ReviewChangelogPatterns,
		"guardrails.forbidden_paths":         &cfg.Guardrails.ForbiddenPaths,
		"guardrails.require_tests_for":       &cfg.Guardrails.RequireTestsFor,
		"backend.primary":                    &cfg.Backend.Primary,
		"backend.fallback":                   &cfg.Backend.Fallback,
	}
}
