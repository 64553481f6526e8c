package orchestrator

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/architect/internal/metrics"
)

const instrumentationName = "github.com/fyrsmithlabs/architect/internal/orchestrator"

// Engine evaluates the gates registered for a phase.
type Engine struct {
	gates   map[Phase][]Gate
	records *Records
	logger  *zap.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
	now     func() time.Time
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithEngineLogger sets the engine logger.
func WithEngineLogger(l *zap.Logger) EngineOption { return func(e *Engine) { e.logger = l } }

// WithEngineMetrics records gate evaluations.
func WithEngineMetrics(m *metrics.Metrics) EngineOption { return func(e *Engine) { e.metrics = m } }

// WithEngineTracer sets the tracer for gate evaluation spans.
func WithEngineTracer(t trace.Tracer) EngineOption { return func(e *Engine) { e.tracer = t } }

// WithEngineClock overrides time.Now.
func WithEngineClock(now func() time.Time) EngineOption { return func(e *Engine) { e.now = now } }

// NewEngine creates an engine that persists results through records.
func NewEngine(records *Records, opts ...EngineOption) *Engine {
	e := &Engine{
		gates:   make(map[Phase][]Gate),
		records: records,
		logger:  zap.NewNop(),
		tracer:  otel.Tracer(instrumentationName),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RegisterGate registers a gate for its phase
func (e *Engine) RegisterGate(gates ...Gate) {
	for _, g := range gates {
		e.gates[g.Phase()] = append(e.gates[g.Phase()], g)
	}
}

// Gates returns the gates of phase in registration order.
func (e *Engine) Gates(phase Phase) []Gate { return e.gates[phase] }

// Evaluate runs every gate of phase in registration order and persists every
// result. If any gate failed the results are returned with a *GateFailure.
func (e *Engine) Evaluate(ctx context.Context, phase Phase, in GateInput) ([]GateResult, error) {
	ctx, span := e.tracer.Start(ctx, "gates.evaluate", trace.WithAttributes(
		attribute.String("phase", string(phase)),
		attribute.String("run_id", in.RunID),
		attribute.String("task_id", in.TaskID),
	))
	defer span.End()

	gates := e.gates[phase]
	results := make([]GateResult, 0, len(gates))
	var failed []GateResult
	at := e.now().UTC()
	for _, g := range gates {
		r := g.Evaluate(in)
		r.GateName = g.Name()
		r.Phase = phase
		r.RunID = in.RunID
		r.TaskID = in.TaskID
		r.EvaluatedAt = at
		if r.Artifacts == nil {
			r.Artifacts = map[string]string{}
		}
		results = append(results, r)
		e.metrics.GateEvaluated(r.GateName, r.Passed)
		if !r.Passed {
			failed = append(failed, r)
			e.logger.Warn("gate failed",
				zap.String("gate", r.GateName),
				zap.String("run_id", in.RunID),
				zap.String("task_id", in.TaskID),
				zap.Strings("reasons", r.Reasons))
		}
	}

	if len(results) > 0 {
		if err := e.records.appendGateResults(ctx, results); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return results, err
		}
	}
	span.SetAttributes(attribute.Int("gates", len(results)), attribute.Int("failed", len(failed)))
	if len(failed) > 0 {
		return results, &GateFailure{Phase: phase, TaskID: in.TaskID, Failed: failed}
	}
	return results, nil
}
