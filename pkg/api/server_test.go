package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ironchef/poolkeeper/pkg/config"
	"github.com/ironchef/poolkeeper/pkg/monitoring"
	"github.com/ironchef/poolkeeper/pkg/pool"
	"github.com/ironchef/poolkeeper/pkg/shutdown"
	"github.com/ironchef/poolkeeper/pkg/storage"
)

type stubConn struct{ id string }

func (c *stubConn) ID() string                     { return c.id }
func (c *stubConn) Ping(ctx context.Context) error { return ctx.Err() }
func (c *stubConn) Close() error                   { return nil }

type stubConnector struct {
	mu  sync.Mutex
	seq int
}

func (s *stubConnector) Driver() string { return "stub" }

func (s *stubConnector) Connect(ctx context.Context) (storage.Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	return &stubConn{id: fmt.Sprintf("stub-%d", s.seq)}, nil
}

type fixture struct {
	pool        *pool.Pool
	monitor     *monitoring.Monitor
	manager     *config.Manager
	coordinator *shutdown.Coordinator
	server      *Server
	http        *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Pool.MinConnections = 1
	cfg.Pool.MaxConnections = 4
	cfg.Pool.AcquireTimeout = 200 * time.Millisecond
	cfg.Pool.RetryDelay = 20 * time.Millisecond
	manager, err := config.NewManagerFromConfig(cfg)
	require.NoError(t, err)

	p, err := pool.New(cfg.Pool, &stubConnector{})
	require.NoError(t, err)
	t.Cleanup(func() { p.Shutdown(time.Second) })

	m := monitoring.NewMonitor(p, cfg.Monitoring)
	coord := shutdown.NewCoordinator(time.Second)

	srv := NewServer(config.AdminConfig{Enabled: true, Address: "127.0.0.1", Port: 0}, Deps{
		Pool:     p,
		Monitor:  m,
		Config:   manager,
		Shutdown: coord,
	}, zerolog.Nop())

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	return &fixture{pool: p, monitor: m, manager: manager, coordinator: coord, server: srv, http: ts}
}

func (f *fixture) saturate(t *testing.T) []*pool.Handle {
	t.Helper()
	var handles []*pool.Handle
	for i := 0; i < 4; i++ {
		h, err := f.pool.Acquire(context.Background(), time.Second)
		require.NoError(t, err)
		handles = append(handles, h)
	}
	t.Cleanup(func() {
		for _, h := range handles {
			h.Release()
		}
	})
	return handles
}

func doJSON(t *testing.T, method, url string, body interface{}, out interface{}) int {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestPoolEndpoints(t *testing.T) {
	f := newFixture(t)
	h, err := f.pool.Acquire(pool.WithBorrower(context.Background(), "recipe-import"), time.Second)
	require.NoError(t, err)
	defer h.Release()

	var status pool.Status
	assert.Equal(t, http.StatusOK, doJSON(t, http.MethodGet, f.http.URL+"/admin/pool/status", nil, &status))
	assert.Equal(t, 1, status.Active)
	assert.Equal(t, 4, status.MaxConnections)
	assert.Equal(t, "stub", status.Driver)

	var stats pool.Statistics
	assert.Equal(t, http.StatusOK, doJSON(t, http.MethodGet, f.http.URL+"/admin/pool/statistics", nil, &stats))
	assert.Equal(t, int64(1), stats.BorrowedTotal)

	var conns struct {
		Connections []pool.ConnectionInfo `json:"connections"`
	}
	assert.Equal(t, http.StatusOK, doJSON(t, http.MethodGet, f.http.URL+"/admin/pool/connections", nil, &conns))
	require.Len(t, conns.Connections, 1)
	assert.Equal(t, "recipe-import", conns.Connections[0].Owner)

	var leaks struct {
		Leaks []pool.LeakInfo `json:"leaks"`
		Count int             `json:"count"`
	}
	assert.Equal(t, http.StatusOK, doJSON(t, http.MethodGet, f.http.URL+"/admin/pool/leaks", nil, &leaks))
	assert.Zero(t, leaks.Count)
	assert.NotNil(t, leaks.Leaks)

	assert.Equal(t, http.StatusMethodNotAllowed, doJSON(t, http.MethodDelete, f.http.URL+"/admin/pool/status", nil, nil))
}

func TestHealthEndpoint(t *testing.T) {
	f := newFixture(t)

	var errResp ErrorResponse
	assert.Equal(t, http.StatusServiceUnavailable, doJSON(t, http.MethodGet, f.http.URL+"/admin/monitor/health", nil, &errResp))
	assert.Equal(t, "No health data collected yet", errResp.Error.Message)

	f.monitor.Collect()
	var health monitoring.HealthStatus
	assert.Equal(t, http.StatusOK, doJSON(t, http.MethodGet, f.http.URL+"/admin/monitor/health", nil, &health))
	assert.True(t, health.IsHealthy)

	f.saturate(t)
	f.monitor.Collect()
	assert.Equal(t, http.StatusServiceUnavailable, doJSON(t, http.MethodGet, f.http.URL+"/admin/monitor/health", nil, &health))
	assert.False(t, health.IsHealthy)
}

func TestAlertEndpoints(t *testing.T) {
	f := newFixture(t)
	f.saturate(t)
	f.monitor.Collect()

	var alerts struct {
		Alerts []monitoring.Alert `json:"alerts"`
		Count  int                `json:"count"`
	}
	assert.Equal(t, http.StatusOK, doJSON(t, http.MethodGet, f.http.URL+"/admin/monitor/alerts", nil, &alerts))
	require.Equal(t, 1, alerts.Count)
	assert.Equal(t, monitoring.SeverityCritical, alerts.Alerts[0].Severity)

	id := alerts.Alerts[0].ID
	assert.Equal(t, http.StatusOK, doJSON(t, http.MethodPost, f.http.URL+"/admin/monitor/alerts/"+id+"/resolve", nil, nil))
	assert.Equal(t, http.StatusNotFound, doJSON(t, http.MethodPost, f.http.URL+"/admin/monitor/alerts/"+id+"/resolve", nil, nil))

	assert.Equal(t, http.StatusOK, doJSON(t, http.MethodGet, f.http.URL+"/admin/monitor/alerts", nil, &alerts))
	assert.Zero(t, alerts.Count)

	assert.Equal(t, http.StatusOK, doJSON(t, http.MethodGet, f.http.URL+"/admin/monitor/alerts?history=1h", nil, &alerts))
	require.Equal(t, 1, alerts.Count)
	assert.True(t, alerts.Alerts[0].IsResolved)

	assert.Equal(t, http.StatusBadRequest, doJSON(t, http.MethodGet, f.http.URL+"/admin/monitor/alerts?history=soon", nil, nil))
}

func TestSummaryAndDashboard(t *testing.T) {
	f := newFixture(t)

	assert.Equal(t, http.StatusNotFound, doJSON(t, http.MethodGet, f.http.URL+"/admin/monitor/summary", nil, nil))
	assert.Equal(t, http.StatusBadRequest, doJSON(t, http.MethodGet, f.http.URL+"/admin/monitor/summary?window=-5m", nil, nil))

	f.monitor.Collect()
	f.monitor.Collect()

	var summary monitoring.PerformanceSummary
	assert.Equal(t, http.StatusOK, doJSON(t, http.MethodGet, f.http.URL+"/admin/monitor/summary?window=10m", nil, &summary))
	assert.Equal(t, 2, summary.SampleCount)
	assert.Equal(t, 10*time.Minute, summary.Duration)

	var dashboard map[string]interface{}
	assert.Equal(t, http.StatusOK, doJSON(t, http.MethodGet, f.http.URL+"/admin/monitor/dashboard", nil, &dashboard))
	assert.Contains(t, dashboard, "current_metrics")
	assert.Contains(t, dashboard, "pool_status")
}

func TestUpdateConfig(t *testing.T) {
	f := newFixture(t)

	var notified *config.Config
	f.manager.AddWatcher(func(old, next *config.Config) { notified = next })

	var resp map[string]interface{}
	status := doJSON(t, http.MethodPut, f.http.URL+"/admin/config", map[string]interface{}{
		"pool.max_connections":              8,
		"monitoring.thresholds.utilization": 85,
	}, &resp)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, 2.0, resp["updated"])
	assert.Equal(t, 8, f.manager.Config().Pool.MaxConnections)
	require.NotNil(t, notified)
	assert.Equal(t, 85.0, notified.Monitoring.Thresholds.Utilization)

	var errResp ErrorResponse
	status = doJSON(t, http.MethodPut, f.http.URL+"/admin/config", map[string]interface{}{
		"pool.min_connections": 20,
	}, &errResp)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "Configuration rejected", errResp.Error.Message)
	assert.NotEmpty(t, errResp.Error.Problems)
	assert.Equal(t, 8, f.manager.Config().Pool.MaxConnections)

	status = doJSON(t, http.MethodPut, f.http.URL+"/admin/config", map[string]interface{}{
		"pool.no_such_key": 1,
	}, nil)
	assert.Equal(t, http.StatusBadRequest, status)

	req, err := http.NewRequest(http.MethodPut, f.http.URL+"/admin/config", strings.NewReader("{not json"))
	require.NoError(t, err)
	raw, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	raw.Body.Close()
	assert.Equal(t, http.StatusBadRequest, raw.StatusCode)

	assert.Equal(t, http.StatusBadRequest, doJSON(t, http.MethodPut, f.http.URL+"/admin/config", map[string]interface{}{}, nil))
}

func TestShutdownEndpoints(t *testing.T) {
	f := newFixture(t)
	closed := make(chan struct{})
	f.coordinator.RegisterCleanup("pool", func(ctx context.Context) error {
		defer close(closed)
		return f.pool.Shutdown(time.Second)
	})

	var status shutdown.Status
	assert.Equal(t, http.StatusOK, doJSON(t, http.MethodGet, f.http.URL+"/admin/shutdown/status", nil, &status))
	assert.False(t, status.Started)
	assert.Equal(t, 1, status.CleanupsRegistered)

	assert.Equal(t, http.StatusAccepted, doJSON(t, http.MethodPost, f.http.URL+"/admin/shutdown", nil, nil))

	select {
	case <-f.coordinator.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown did not complete")
	}
	<-closed
	assert.True(t, f.pool.Closed())

	assert.Equal(t, http.StatusConflict, doJSON(t, http.MethodPost, f.http.URL+"/admin/shutdown", nil, nil))
	assert.Equal(t, http.StatusOK, doJSON(t, http.MethodGet, f.http.URL+"/admin/shutdown/status", nil, &status))
	assert.True(t, status.Complete)
}

func TestAlertStream(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.server.Start(context.Background()))
	stopped := false
	t.Cleanup(func() {
		if !stopped {
			f.server.Stop(context.Background())
		}
	})

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+f.server.Addr()+"/admin/alerts/stream", nil)
	require.NoError(t, err)
	defer conn.Close()

	received := make(chan monitoring.Alert, 1)
	go func() {
		var a monitoring.Alert
		conn.SetReadDeadline(time.Now().Add(3 * time.Second))
		if err := conn.ReadJSON(&a); err == nil {
			received <- a
		}
		close(received)
	}()

	// The subscription is registered after the upgrade completes
	f.saturate(t)
	var alert monitoring.Alert
	func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			f.monitor.Collect()
			select {
			case a, ok := <-received:
				require.True(t, ok, "no alert streamed")
				alert = a
				return
			case <-ticker.C:
			}
		}
	}()
	assert.Equal(t, monitoring.MetricUtilization, alert.MetricName)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, f.server.Stop(ctx))
	stopped = true

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err = conn.ReadMessage(); err != nil {
			break
		}
	}
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "unexpected error: %v", err)
}

func TestStart_ListenError(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.server.Start(context.Background()))
	defer f.server.Stop(context.Background())

	port := f.server.Addr()[strings.LastIndex(f.server.Addr(), ":")+1:]
	var p int
	_, err := fmt.Sscanf(port, "%d", &p)
	require.NoError(t, err)

	other := NewServer(config.AdminConfig{Address: "127.0.0.1", Port: p}, Deps{}, zerolog.Nop())
	assert.Error(t, other.Start(context.Background()))
}

func TestHistoryEndpoint(t *testing.T) {
	f := newFixture(t)

	var missing ErrorResponse
	assert.Equal(t, http.StatusNotFound, doJSON(t, http.MethodGet, f.http.URL+"/admin/monitor/history", nil, &missing))

	store, err := storage.OpenMetricsStore(filepath.Join(t.TempDir(), "metrics.db"))
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	require.NoError(t, store.RecordSample(ctx, storage.Sample{Timestamp: time.Now().Add(-3 * time.Hour), ActiveConnections: 1}))
	require.NoError(t, store.RecordSample(ctx, storage.Sample{Timestamp: time.Now(), ActiveConnections: 3, MaxConnections: 4}))
	require.NoError(t, store.RecordAlert(ctx, storage.AlertRecord{
		ID:        "a-1",
		Severity:  "WARNING",
		Metric:    "connection_utilization",
		Message:   "High connection utilization",
		Value:     85,
		Threshold: 80,
		Timestamp: time.Now(),
	}))

	srv := NewServer(config.AdminConfig{Enabled: true, Address: "127.0.0.1"}, Deps{
		Pool:     f.pool,
		Monitor:  f.monitor,
		Config:   f.manager,
		Shutdown: f.coordinator,
		History:  store,
	}, zerolog.Nop())
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	var body struct {
		Samples []storage.Sample      `json:"samples"`
		Alerts  []storage.AlertRecord `json:"alerts"`
	}
	assert.Equal(t, http.StatusOK, doJSON(t, http.MethodGet, ts.URL+"/admin/monitor/history?since=1h", nil, &body))
	require.Len(t, body.Samples, 1)
	assert.Equal(t, 3, body.Samples[0].ActiveConnections)
	require.Len(t, body.Alerts, 1)
	assert.Equal(t, "a-1", body.Alerts[0].ID)

	assert.Equal(t, http.StatusOK, doJSON(t, http.MethodGet, ts.URL+"/admin/monitor/history", nil, &body))
	assert.Len(t, body.Samples, 2)

	var bad ErrorResponse
	assert.Equal(t, http.StatusBadRequest, doJSON(t, http.MethodGet, ts.URL+"/admin/monitor/history?since=-1h", nil, &bad))
	assert.Equal(t, http.StatusBadRequest, doJSON(t, http.MethodGet, ts.URL+"/admin/monitor/history?since=soon", nil, &bad))
}
