// Package telemetry wires OpenTelemetry tracing and metrics for architect.
//
// Spans are emitted around run phases, task execution and gate evaluation.
// Telemetry is disabled by default and degrades gracefully: exporter
// failures never stop a run.
//
//	tel, err := telemetry.New(ctx, telemetry.FromSettings(cfg.Telemetry, version))
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(ctx)
//
//	ctx, span := tel.Tracer("architect/orchestrator").Start(ctx, "task.execute")
//	defer span.End()
//
// Tests use NewTestTelemetry, which records spans in memory.
package telemetry
