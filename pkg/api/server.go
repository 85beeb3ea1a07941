// Package api serves the operational admin surface of the pool: status,
// statistics, monitor views, live config updates and the shutdown trigger.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ironchef/poolkeeper/pkg/config"
	"github.com/ironchef/poolkeeper/pkg/monitoring"
	"github.com/ironchef/poolkeeper/pkg/pool"
	"github.com/ironchef/poolkeeper/pkg/shutdown"
	"github.com/ironchef/poolkeeper/pkg/storage"
)

// PoolSource is the read side of a connection pool
type PoolSource interface {
	Status() pool.Status
	Statistics() pool.Statistics
	Connections() []pool.ConnectionInfo
	LeakedConnections() []pool.LeakInfo
}

// MonitorSource is the subset of the monitor the admin surface reads
type MonitorSource interface {
	HealthStatus() (monitoring.HealthStatus, bool)
	ActiveAlerts() []monitoring.Alert
	AlertHistory(d time.Duration) []monitoring.Alert
	ResolveAlert(id string) bool
	PerformanceSummary(d time.Duration) (monitoring.PerformanceSummary, error)
	DashboardData() monitoring.Dashboard
	Subscribe() (<-chan monitoring.Alert, func())
}

// ConfigUpdater applies dotted-key updates to the live configuration
type ConfigUpdater interface {
	Config() *config.Config
	UpdateConfig(updates map[string]interface{}) error
}

// HistorySource reads the persisted metric history
type HistorySource interface {
	Samples(ctx context.Context, since time.Time) ([]storage.Sample, error)
	Alerts(ctx context.Context, since time.Time) ([]storage.AlertRecord, error)
}

// ShutdownController exposes the process shutdown sequence
type ShutdownController interface {
	Status() shutdown.Status
	Shutdown(timeout time.Duration) shutdown.Report
}

// Deps are the collaborators served by the admin surface
type Deps struct {
	Pool     PoolSource
	Monitor  MonitorSource
	Config   ConfigUpdater
	Shutdown ShutdownController
	// History is nil when persistence is off
	History HistorySource
	Tracing *monitoring.TracingManager
}

const (
	defaultSummaryWindow = 30 * time.Minute
	defaultHistoryWindow = 24 * time.Hour
	wsWriteTimeout       = 10 * time.Second
	wsPingInterval       = 30 * time.Second
)

// Server is the admin HTTP server
type Server struct {
	config     config.AdminConfig
	deps       Deps
	router     *mux.Router
	httpServer *http.Server
	listener   net.Listener
	logger     zerolog.Logger
	upgrader   websocket.Upgrader

	mu       sync.Mutex
	stopping chan struct{}
	wg       sync.WaitGroup
}

func NewServer(cfg config.AdminConfig, deps Deps, logger zerolog.Logger) *Server {
	s := &Server{
		config: cfg,
		deps:   deps,
		router: mux.NewRouter(),
		logger: logger.With().Str("component", "admin").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		stopping: make(chan struct{}),
	}
	s.setupRoutes()
	return s
}

// Router returns the configured router
func (s *Server) Router() *mux.Router {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.Use(s.loggingMiddleware)
	if s.deps.Tracing != nil {
		s.router.Use(s.deps.Tracing.Middleware)
	}

	admin := s.router.PathPrefix("/admin").Subrouter()

	admin.HandleFunc("/pool/status", s.handlePoolStatus).Methods(http.MethodGet)
	admin.HandleFunc("/pool/statistics", s.handlePoolStatistics).Methods(http.MethodGet)
	admin.HandleFunc("/pool/connections", s.handlePoolConnections).Methods(http.MethodGet)
	admin.HandleFunc("/pool/leaks", s.handlePoolLeaks).Methods(http.MethodGet)

	admin.HandleFunc("/monitor/health", s.handleHealth).Methods(http.MethodGet)
	admin.HandleFunc("/monitor/alerts", s.handleAlerts).Methods(http.MethodGet)
	admin.HandleFunc("/monitor/alerts/{id}/resolve", s.handleResolveAlert).Methods(http.MethodPost)
	admin.HandleFunc("/monitor/summary", s.handleSummary).Methods(http.MethodGet)
	admin.HandleFunc("/monitor/dashboard", s.handleDashboard).Methods(http.MethodGet)
	admin.HandleFunc("/monitor/history", s.handleHistory).Methods(http.MethodGet)

	admin.HandleFunc("/config", s.handleUpdateConfig).Methods(http.MethodPut)

	admin.HandleFunc("/shutdown/status", s.handleShutdownStatus).Methods(http.MethodGet)
	admin.HandleFunc("/shutdown", s.handleShutdown).Methods(http.MethodPost)

	admin.HandleFunc("/alerts/stream", s.handleAlertStream).Methods(http.MethodGet)
}

// Start binds the listener and serves in the background
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.Address, s.config.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.mu.Lock()
	s.listener = ln
	s.httpServer = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	srv := s.httpServer
	s.mu.Unlock()

	s.logger.Info().Str("address", ln.Addr().String()).Msg("Starting admin server")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Admin server error")
		}
	}()
	return nil
}

// Addr returns the bound address once started
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop closes alert streams and drains in-flight requests within ctx
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	select {
	case <-s.stopping:
	default:
		close(s.stopping)
	}
	srv := s.httpServer
	s.mu.Unlock()

	s.logger.Info().Msg("Stopping admin server")

	var err error
	if srv != nil {
		if err = srv.Shutdown(ctx); err != nil {
			s.logger.Error().Err(err).Msg("Admin server shutdown error")
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}

	s.logger.Info().Msg("Admin server stopped")
	return err
}

// Pool handlers

func (s *Server) handlePoolStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.deps.Pool.Status())
}

func (s *Server) handlePoolStatistics(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.deps.Pool.Statistics())
}

func (s *Server) handlePoolConnections(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"connections": s.deps.Pool.Connections(),
	})
}

func (s *Server) handlePoolLeaks(w http.ResponseWriter, r *http.Request) {
	leaks := s.deps.Pool.LeakedConnections()
	if leaks == nil {
		leaks = []pool.LeakInfo{}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"leaks": leaks,
		"count": len(leaks),
	})
}

// Monitor handlers

// handleHealth answers 503 while the pool is unhealthy or not yet sampled
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health, ok := s.deps.Monitor.HealthStatus()
	if !ok {
		s.writeError(w, http.StatusServiceUnavailable, "No health data collected yet", nil)
		return
	}
	status := http.StatusOK
	if !health.IsHealthy {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, health)
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("history")
	if raw == "" {
		alerts := s.deps.Monitor.ActiveAlerts()
		s.writeJSON(w, http.StatusOK, map[string]interface{}{"alerts": alerts, "count": len(alerts)})
		return
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid history duration", err)
		return
	}
	alerts := s.deps.Monitor.AlertHistory(d)
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"alerts": alerts, "count": len(alerts)})
}

func (s *Server) handleResolveAlert(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !s.deps.Monitor.ResolveAlert(id) {
		s.writeError(w, http.StatusNotFound, "Alert not found or already resolved", nil)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"id": id, "resolved": true})
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	window := defaultSummaryWindow
	if raw := r.URL.Query().Get("window"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			s.writeError(w, http.StatusBadRequest, "Invalid summary window", err)
			return
		}
		window = d
	}

	summary, err := s.deps.Monitor.PerformanceSummary(window)
	if errors.Is(err, monitoring.ErrNoMetrics) {
		s.writeError(w, http.StatusNotFound, "No metrics available for window", err)
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "Failed to build summary", err)
		return
	}
	s.writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.deps.Monitor.DashboardData())
}

// handleHistory serves persisted samples and alerts newer than ?since=,
// a duration back from now
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.deps.History == nil {
		s.writeError(w, http.StatusNotFound, "Metric persistence is disabled", nil)
		return
	}
	window := defaultHistoryWindow
	if raw := r.URL.Query().Get("since"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			s.writeError(w, http.StatusBadRequest, "Invalid history window", err)
			return
		}
		window = d
	}
	since := time.Now().Add(-window)

	samples, err := s.deps.History.Samples(r.Context(), since)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "Failed to read samples", err)
		return
	}
	alerts, err := s.deps.History.Alerts(r.Context(), since)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "Failed to read alerts", err)
		return
	}
	if samples == nil {
		samples = []storage.Sample{}
	}
	if alerts == nil {
		alerts = []storage.AlertRecord{}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"since":   since,
		"samples": samples,
		"alerts":  alerts,
	})
}

// Config handlers

func (s *Server) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	var updates map[string]interface{}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&updates); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON body", err)
		return
	}
	if len(updates) == 0 {
		s.writeError(w, http.StatusBadRequest, "No updates supplied", nil)
		return
	}
	if err := s.deps.Config.UpdateConfig(updates); err != nil {
		var ce *config.ConfigurationError
		if errors.As(err, &ce) {
			s.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: Error{
				Code:      http.StatusBadRequest,
				Message:   "Configuration rejected",
				Details:   err.Error(),
				Problems:  ce.Problems,
				Timestamp: time.Now(),
			}})
			return
		}
		s.writeError(w, http.StatusInternalServerError, "Failed to update configuration", err)
		return
	}

	cfg := s.deps.Config.Config()
	s.logger.Info().Int("keys", len(updates)).Msg("Configuration updated through admin API")
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"updated":    len(updates),
		"pool":       cfg.Pool,
		"monitoring": cfg.Monitoring,
	})
}

// Shutdown handlers

func (s *Server) handleShutdownStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.deps.Shutdown.Status())
}

// handleShutdown starts the shutdown sequence in the background. The
// sequence stops this server, so the response is sent first.
func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	if s.deps.Shutdown.Status().Started {
		s.writeError(w, http.StatusConflict, "Shutdown already in progress", shutdown.ErrAlreadyShutdown)
		return
	}
	s.logger.Warn().Str("remote", r.RemoteAddr).Msg("Shutdown requested through admin API")
	go s.deps.Shutdown.Shutdown(0)
	s.writeJSON(w, http.StatusAccepted, map[string]interface{}{"shutdown_started": true})
}

// Alert stream

func (s *Server) handleAlertStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	s.wg.Add(1)
	defer s.wg.Done()
	defer conn.Close()

	alerts, cancel := s.deps.Monitor.Subscribe()
	defer cancel()

	s.logger.Info().Str("remote", r.RemoteAddr).Msg("Alert stream opened")

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					s.logger.Debug().Err(err).Msg("Alert stream read error")
				}
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			s.logger.Info().Str("remote", r.RemoteAddr).Msg("Alert stream closed by client")
			return
		case <-s.stopping:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return
		case a, ok := <-alerts:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(a); err != nil {
				s.logger.Warn().Err(err).Msg("Alert stream write failed")
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Middleware

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)

		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rw.statusCode).
			Dur("duration", time.Since(start)).
			Msg("Admin request")
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return hj.Hijack()
}

// Helpers

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: Error{
		Code:      status,
		Message:   message,
		Timestamp: time.Now(),
	}}
	if err != nil {
		resp.Error.Details = err.Error()
		s.logger.Warn().Err(err).Str("message", message).Msg("Admin API error")
	}
	s.writeJSON(w, status, resp)
}
