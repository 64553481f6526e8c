package http

import (
	"context"
	"time"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const httpInstrumentationName = "github.com/fyrsmithlabs/architect/internal/http"

// apiMetrics instruments the status API. Instruments that fail to register
// stay nil and are skipped.
type apiMetrics struct {
	requests    metric.Int64Counter
	duration    metric.Float64Histogram
	inFlight    metric.Int64UpDownCounter
	pauseToggle metric.Int64Counter
}

func newAPIMetrics(meter metric.Meter, logger *zap.Logger) *apiMetrics {
	m := &apiMetrics{}
	warn := func(name string, err error) {
		if err != nil {
			logger.Warn("failed to register http instrument", zap.String("instrument", name), zap.Error(err))
		}
	}

	var err error
	m.requests, err = meter.Int64Counter("architect.http.requests_total",
		metric.WithDescription("Status API requests by method, route and status code."),
		metric.WithUnit("{request}"))
	warn("requests_total", err)

	m.duration, err = meter.Float64Histogram("architect.http.request_duration_seconds",
		metric.WithDescription("Status API request latency by method, route and status code."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5))
	warn("request_duration_seconds", err)

	m.inFlight, err = meter.Int64UpDownCounter("architect.http.active_requests",
		metric.WithDescription("Status API requests being served."),
		metric.WithUnit("{request}"))
	warn("active_requests", err)

	m.pauseToggle, err = meter.Int64Counter("architect.http.pause_toggles_total",
		metric.WithDescription("Pause and resume requests that updated the pause marker."),
		metric.WithUnit("{toggle}"))
	warn("pause_toggles_total", err)
	return m
}

// middleware records every request once it completes.
func (m *apiMetrics) middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()
			start := time.Now()
			if m.inFlight != nil {
				m.inFlight.Add(ctx, 1)
				defer m.inFlight.Add(ctx, -1)
			}

			err := next(c)
			if err != nil {
				// Let echo render the error so the recorded status is final.
				c.Error(err)
				err = nil
			}

			attrs := metric.WithAttributes(
				attribute.String("method", c.Request().Method),
				attribute.String("endpoint", routeLabel(c.Path())),
				attribute.Int("status", c.Response().Status),
			)
			if m.requests != nil {
				m.requests.Add(ctx, 1, attrs)
			}
			if m.duration != nil {
				m.duration.Record(ctx, time.Since(start).Seconds(), attrs)
			}
			return err
		}
	}
}

func (m *apiMetrics) pauseToggled(ctx context.Context, paused bool) {
	if m.pauseToggle != nil {
		m.pauseToggle.Add(ctx, 1, metric.WithAttributes(attribute.Bool("paused", paused)))
	}
}

// routeLabel maps the matched route pattern to a metric label. Every route
// is fixed, so only unmatched requests need a value of their own.
func routeLabel(path string) string {
	if path == "" {
		return "unmatched"
	}
	return path
}
