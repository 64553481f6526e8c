package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/architect/internal/config"
	"github.com/fyrsmithlabs/architect/internal/events"
	"github.com/fyrsmithlabs/architect/internal/logging"
	"github.com/fyrsmithlabs/architect/internal/metrics"
	"github.com/fyrsmithlabs/architect/internal/orchestrator"
	"github.com/fyrsmithlabs/architect/internal/secrets"
	"github.com/fyrsmithlabs/architect/internal/specialist"
	"github.com/fyrsmithlabs/architect/internal/statestore"
	"github.com/fyrsmithlabs/architect/internal/telemetry"
	"github.com/fyrsmithlabs/architect/internal/vcs"
)

// errBackendOffline is returned by the placeholder specialist of commands
// that never generate text.
var errBackendOffline = errors.New("specialist backend is not loaded for this command")

// app holds everything a command needs. close releases it in reverse order.
type app struct {
	root   string
	cfg    *config.Config
	logger *logging.Logger
	tel    *telemetry.Telemetry
	store  *statestore.Store
	events events.Publisher
	coord  *orchestrator.Coordinator
}

// openApp loads configuration and wires the coordinator for the repository
// at rootDir. withBackend selects the configured specialist; without it the
// coordinator can report and manage state but not run tasks.
func openApp(ctx context.Context, withBackend bool) (*app, error) {
	root, err := filepath.Abs(rootDir)
	if err != nil {
		return nil, fmt.Errorf("resolving root: %w", err)
	}
	cfg, err := config.LoadFromDir(root)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	a := &app{root: root, cfg: cfg, events: events.Nop{}}
	ok := false
	defer func() {
		if !ok {
			a.close()
		}
	}()

	a.tel, err = telemetry.New(ctx, telemetry.FromSettings(cfg.Telemetry, version))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	if a.logger, err = newLogger(cfg.Logging, a.tel); err != nil {
		return nil, err
	}
	zl := a.logger.Underlying()
	if h := a.tel.Health(); h.Degraded {
		zl.Warn("telemetry degraded, continuing without export", zap.String("reason", h.Reason))
	}

	repo, err := vcs.NewGit(ctx, root, zl)
	if err != nil {
		return nil, fmt.Errorf("opening repository: %w", err)
	}
	backend, err := statestore.OpenBackend(ctx, cfg.State, root, zl)
	if err != nil {
		return nil, fmt.Errorf("opening state backend: %w", err)
	}
	a.store = statestore.New(backend,
		statestore.WithLogger(zl),
		statestore.WithMetrics(metrics.Default()),
		statestore.WithTracer(a.tel.Tracer("github.com/fyrsmithlabs/architect/internal/statestore")),
		statestore.WithMaxRetries(cfg.State.MaxRetries))

	var spec specialist.Specialist
	if withBackend {
		if spec, err = specialist.FromConfig(cfg.Backend, root, zl); err != nil {
			return nil, fmt.Errorf("configuring specialist backend: %w", err)
		}
	} else {
		spec = specialist.NewStatic("offline", func(specialist.Request) ([]string, error) {
			return nil, errBackendOffline
		})
	}
	prompts, err := specialist.LoadPrompts(filepath.Join(root, config.Dir, "prompts"))
	if err != nil {
		return nil, fmt.Errorf("loading prompts: %w", err)
	}
	scanner, err := secrets.NewScanner(root)
	if err != nil {
		return nil, fmt.Errorf("initializing secret scanner: %w", err)
	}
	if a.events, err = events.Open(cfg.Events.NATSURL, cfg.Events.SubjectPrefix, zl); err != nil {
		return nil, fmt.Errorf("connecting to event bus: %w", err)
	}

	a.coord, err = orchestrator.NewCoordinator(orchestrator.Deps{
		Config:     cfg,
		Root:       root,
		Store:      a.store,
		VCS:        repo,
		Specialist: spec,
		Prompts:    prompts,
		Scanner:    scanner,
		Events:     a.events,
		Logger:     zl,
		Metrics:    metrics.Default(),
		Tracer:     a.tel.Tracer("github.com/fyrsmithlabs/architect/internal/orchestrator"),
	})
	if err != nil {
		return nil, err
	}
	ok = true
	return a, nil
}

func newLogger(s config.LoggingConfig, tel *telemetry.Telemetry) (*logging.Logger, error) {
	lc := logging.NewDefaultConfig()
	lvl, err := logging.ParseLevel(s.Level)
	if err != nil {
		return nil, err
	}
	lc.Level = lvl
	if s.Format != "" {
		lc.Format = s.Format
	}
	lc.Output.OTEL = s.OTEL
	logger, err := logging.NewLogger(lc, tel.LoggerProvider())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return logger, nil
}

func (a *app) close() {
	if a.events != nil {
		a.events.Close()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
	if a.tel != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = a.tel.Shutdown(ctx)
		cancel()
	}
	if a.logger != nil {
		_ = a.logger.Sync()
	}
}
