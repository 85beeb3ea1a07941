package monitoring

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ironchef/poolkeeper/pkg/config"
)

func stdoutTracing(t *testing.T) (*TracingManager, *bytes.Buffer) {
	t.Helper()
	cfg := config.DefaultConfig().Tracing
	cfg.Enabled = true
	cfg.Exporter = ExporterStdout

	var buf bytes.Buffer
	tm, err := newTracingManager(cfg, "testing", &buf)
	require.NoError(t, err)
	return tm, &buf
}

func TestNewTracingManager_Disabled(t *testing.T) {
	tm, err := NewTracingManager(config.DefaultConfig().Tracing, "development")
	require.NoError(t, err)
	assert.False(t, tm.Enabled())

	ctx := context.Background()
	spanCtx, span := tm.StartSpan(ctx, "noop")
	assert.Equal(t, ctx, spanCtx)
	assert.False(t, span.IsRecording())
	assert.NoError(t, tm.Shutdown(ctx))
}

func TestNewTracingManager_InvalidExporter(t *testing.T) {
	cfg := config.DefaultConfig().Tracing
	cfg.Enabled = true
	cfg.Exporter = "zipkin"

	_, err := NewTracingManager(cfg, "development")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported exporter type")
}

func TestNewTracingManager_Exporters(t *testing.T) {
	for _, exporter := range []string{ExporterJaeger, ExporterOTLP} {
		t.Run(exporter, func(t *testing.T) {
			cfg := config.DefaultConfig().Tracing
			cfg.Enabled = true
			cfg.Exporter = exporter

			tm, err := NewTracingManager(cfg, "development")
			require.NoError(t, err)
			assert.True(t, tm.Enabled())
		})
	}
}

func TestTracingManager_TraceOperation(t *testing.T) {
	tm, buf := stdoutTracing(t)

	err := tm.TraceOperation(context.Background(), "pool.warmup", func(ctx context.Context) error {
		return nil
	}, attribute.Int("pool.min_connections", 3))
	require.NoError(t, err)

	boom := errors.New("database is locked")
	err = tm.TraceOperation(context.Background(), "pool.health_check", func(ctx context.Context) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)

	require.NoError(t, tm.Shutdown(context.Background()))
	out := buf.String()
	assert.Contains(t, out, "pool.warmup")
	assert.Contains(t, out, "pool.health_check")
	assert.Contains(t, out, "database is locked")
}

func TestTracingManager_Middleware(t *testing.T) {
	tm, buf := stdoutTracing(t)

	handler := tm.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/pool/status", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	require.NoError(t, tm.Shutdown(context.Background()))
	assert.Contains(t, buf.String(), "GET /admin/pool/status")
}
