package specialist

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/architect/internal/config"
)

// FromConfig assembles the production specialist: primary and fallback
// commands behind retries, then a rate limiter.
func FromConfig(cfg config.BackendConfig, dir string, logger *zap.Logger) (Specialist, error) {
	primary, err := NewCommand(cfg.Primary, dir, logger)
	if err != nil {
		return nil, fmt.Errorf("primary backend: %w", err)
	}
	var fallback Specialist
	if len(cfg.Fallback) > 0 {
		fb, err := NewCommand(cfg.Fallback, dir, logger)
		if err != nil {
			return nil, fmt.Errorf("fallback backend: %w", err)
		}
		fallback = fb
	}
	resilient := NewResilient(primary, fallback, RetryPolicy{
		MaxRetries: cfg.MaxRetries,
		Backoff:    cfg.RetryBackoff.Duration(),
		Timeout:    cfg.Timeout.Duration(),
	}, logger)
	return NewLimited(resilient, cfg.RequestsPerSecond, cfg.Burst), nil
}
