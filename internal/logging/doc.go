// Package logging provides structured logging for architect.
//
// Logger wraps Zap with context-aware methods. Every call made with a context
// picks up correlation fields automatically:
//
//   - trace_id / span_id from the active OpenTelemetry span
//   - run.id and task.id attached with WithRunID / WithTaskID
//
// Usage:
//
//	logger, err := logging.NewLogger(logging.NewDefaultConfig(), nil)
//	if err != nil {
//	    return err
//	}
//	defer logger.Sync()
//
//	ctx = logging.WithRunID(ctx, runID)
//	logger.Info(ctx, "task dispatched", zap.String("task_id", id))
//
// Domain packages take a plain *zap.Logger (see Logger.Underlying) and log
// with explicit fields; the wrapper is for the command layer.
package logging
