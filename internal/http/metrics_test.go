package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap"
)

func collect(t *testing.T, reader sdkmetric.Reader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := map[string]metricdata.Metrics{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func TestAPIMetrics_Middleware(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m := newAPIMetrics(mp.Meter(httpInstrumentationName), zap.NewNop())

	e := echo.New()
	e.Use(m.middleware())
	e.GET("/health", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	e.GET("/api/v1/patches", func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusBadRequest, "bad scope")
	})

	for _, target := range []string{"/health", "/health", "/api/v1/patches", "/nowhere"} {
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	}

	metrics := collect(t, reader)

	requests, ok := metrics["architect.http.requests_total"]
	require.True(t, ok, "requests counter not recorded")
	sum, ok := requests.Data.(metricdata.Sum[int64])
	require.True(t, ok)
	byRoute := map[string]int64{}
	statuses := map[int64]bool{}
	for _, dp := range sum.DataPoints {
		route, _ := dp.Attributes.Value("endpoint")
		status, _ := dp.Attributes.Value("status")
		byRoute[route.AsString()] += dp.Value
		statuses[status.AsInt64()] = true
	}
	assert.Equal(t, int64(2), byRoute["/health"])
	assert.Equal(t, int64(1), byRoute["/api/v1/patches"])
	assert.True(t, statuses[http.StatusBadRequest], "handler errors are recorded with their rendered status")

	duration, ok := metrics["architect.http.request_duration_seconds"]
	require.True(t, ok, "duration histogram not recorded")
	hist, ok := duration.Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	var count uint64
	for _, dp := range hist.DataPoints {
		count += dp.Count
	}
	assert.Equal(t, uint64(4), count)
}

func TestAPIMetrics_PauseToggled(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m := newAPIMetrics(mp.Meter(httpInstrumentationName), zap.NewNop())

	m.pauseToggled(context.Background(), true)
	m.pauseToggled(context.Background(), false)
	m.pauseToggled(context.Background(), true)

	toggles, ok := collect(t, reader)["architect.http.pause_toggles_total"]
	require.True(t, ok)
	sum := toggles.Data.(metricdata.Sum[int64])
	var paused int64
	for _, dp := range sum.DataPoints {
		if v, _ := dp.Attributes.Value("paused"); v.AsBool() {
			paused = dp.Value
		}
	}
	assert.Equal(t, int64(2), paused)
}

func TestRouteLabel(t *testing.T) {
	assert.Equal(t, "unmatched", routeLabel(""))
	assert.Equal(t, "/api/v1/status", routeLabel("/api/v1/status"))
}
