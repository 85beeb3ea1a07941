package monitoring

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ironchef/poolkeeper/pkg/config"
	"github.com/ironchef/poolkeeper/pkg/storage"
)

const (
	// stopTimeout bounds how long Stop waits for the collection loop
	stopTimeout = 5 * time.Second
	// pruneEvery spaces retention sweeps of the persisted history
	pruneEvery = 10 * time.Minute
)

var ErrMonitorRunning = errors.New("monitor is already running")

// AlertCallback receives every new alert, synchronously and in
// registration order
type AlertCallback func(Alert)

// MetricsRecorder persists samples and alerts and drops those past the
// retention window
type MetricsRecorder interface {
	RecordSample(ctx context.Context, s storage.Sample) error
	RecordAlert(ctx context.Context, a storage.AlertRecord) error
	Prune(ctx context.Context, retention time.Duration) (int64, error)
}

type callbackEntry struct {
	id int
	fn AlertCallback
}

// Option configures a Monitor
type Option func(*Monitor)

// WithRecorder persists every sample and alert
func WithRecorder(r MetricsRecorder) Option {
	return func(m *Monitor) {
		m.recorder = r
	}
}

// WithTracing records a span per collection cycle
func WithTracing(tm *TracingManager) Option {
	return func(m *Monitor) {
		m.tracing = tm
	}
}

// Monitor samples a pool on an interval, keeps bounded history, raises
// alerts and scores pool health
type Monitor struct {
	source   StatsSource
	recorder MetricsRecorder
	tracing  *TracingManager

	mu         sync.RWMutex
	cfg        config.MonitoringConfig
	history    *RingBuffer[PerformanceMetric]
	alerts     *RingBuffer[*Alert]
	health     *HealthStatus
	lastExport time.Time
	lastPrune  time.Time

	cbMu        sync.Mutex
	callbacks   []callbackEntry
	subscribers map[int]chan Alert
	nextID      int

	runMu   sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewMonitor creates a stopped monitor for source
func NewMonitor(source StatsSource, cfg config.MonitoringConfig, opts ...Option) *Monitor {
	m := &Monitor{
		source:      source,
		cfg:         cfg,
		history:     NewRingBuffer[PerformanceMetric](cfg.HistorySize),
		alerts:      NewRingBuffer[*Alert](cfg.HistorySize),
		subscribers: make(map[int]chan Alert),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start launches the collection loop. It does nothing when monitoring is
// disabled in the configuration.
func (m *Monitor) Start() error {
	m.runMu.Lock()
	defer m.runMu.Unlock()

	if m.running {
		return ErrMonitorRunning
	}
	cfg := m.config()
	if !cfg.Enabled {
		log.Info().Msg("Pool monitoring disabled")
		return nil
	}

	m.running = true
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	m.mu.Lock()
	m.lastExport = time.Now()
	m.mu.Unlock()

	go m.run(m.stopCh, m.doneCh)

	log.Info().
		Dur("collection_interval", cfg.CollectionInterval).
		Int("history_size", cfg.HistorySize).
		Msg("Pool monitoring started")
	return nil
}

// Stop signals the loop and waits for it, bounded
func (m *Monitor) Stop() {
	m.runMu.Lock()
	defer m.runMu.Unlock()

	if !m.running {
		return
	}
	m.running = false
	close(m.stopCh)

	select {
	case <-m.doneCh:
		log.Info().Msg("Pool monitoring stopped")
	case <-time.After(stopTimeout):
		log.Warn().Dur("timeout", stopTimeout).Msg("Pool monitoring loop did not stop in time")
	}
}

// Running reports whether the collection loop is active
func (m *Monitor) Running() bool {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	return m.running
}

func (m *Monitor) run(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	for {
		m.Collect()
		now := time.Now()
		m.maybeExport(now)
		m.maybePrune(now)

		timer := time.NewTimer(m.config().CollectionInterval)
		select {
		case <-stop:
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (m *Monitor) config() config.MonitoringConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// UpdateConfig retunes thresholds, interval and history capacity. The
// running loop picks the new interval up after its current wait.
func (m *Monitor) UpdateConfig(cfg config.MonitoringConfig) {
	m.mu.Lock()
	m.cfg = cfg
	m.history.Resize(cfg.HistorySize)
	m.alerts.Resize(cfg.HistorySize)
	m.mu.Unlock()

	log.Info().
		Dur("collection_interval", cfg.CollectionInterval).
		Float64("utilization_threshold", cfg.Thresholds.Utilization).
		Msg("Pool monitor configuration updated")
}

func (m *Monitor) sample(now time.Time) PerformanceMetric {
	status := m.source.Status()
	stats := m.source.Statistics()

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	return PerformanceMetric{
		Timestamp:             now,
		ActiveConnections:     status.Active,
		IdleConnections:       status.Idle,
		TotalConnections:      status.Total,
		MaxConnections:        status.MaxConnections,
		WaitingAcquirers:      status.Waiting,
		Utilization:           status.Utilization,
		ConnectionsCreated:    stats.ConnectionsCreated,
		ConnectionsBorrowed:   stats.BorrowedTotal,
		ConnectionsReturned:   stats.ReturnedTotal,
		ValidationFailures:    stats.ValidationFailures,
		TimeoutErrors:         stats.TimeoutErrors,
		CreationFailures:      stats.CreationFailures,
		AverageBorrowTime:     stats.AverageBorrowTime,
		PeakActiveConnections: stats.PeakActive,
		Goroutines:            runtime.NumGoroutine(),
		HeapAllocBytes:        mem.HeapAlloc,
	}
}

// Collect takes one sample, evaluates alert rules and recomputes health.
// A panicking source is logged and the cycle skipped.
func (m *Monitor) Collect() (metric PerformanceMetric, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("Panic while collecting pool metrics")
			ok = false
		}
	}()

	var span trace.Span
	if m.tracing != nil {
		_, span = m.tracing.StartSpan(context.Background(), "monitor.collect")
		defer span.End()
	}

	now := time.Now()
	metric = m.sample(now)

	m.mu.Lock()
	m.history.Push(metric)
	var fresh []Alert
	if m.cfg.AlertsEnabled {
		fresh = evaluateAlerts(metric, m.cfg.Thresholds, now)
		for i := range fresh {
			a := fresh[i]
			m.alerts.Push(&a)
		}
	}
	health := assessHealth(metric, m.history.Last(trendWindow), m.cfg.Thresholds, now)
	m.health = &health
	m.mu.Unlock()

	for _, a := range fresh {
		level := zerolog.WarnLevel
		if a.Severity == SeverityError || a.Severity == SeverityCritical {
			level = zerolog.ErrorLevel
		}
		log.WithLevel(level).
			Str("severity", string(a.Severity)).
			Str("metric", a.MetricName).
			Float64("value", a.CurrentValue).
			Float64("threshold", a.ThresholdValue).
			Msg("Pool alert: " + a.Message)
		m.dispatch(a)
	}

	if span != nil {
		span.SetAttributes(
			attribute.Int("pool.active_connections", metric.ActiveConnections),
			attribute.Float64("pool.utilization", metric.Utilization),
			attribute.Int("monitor.new_alerts", len(fresh)),
		)
	}

	m.persist(metric, fresh)
	return metric, true
}

func (m *Monitor) persist(metric PerformanceMetric, alerts []Alert) {
	if m.recorder == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := m.recorder.RecordSample(ctx, storage.Sample{
		Timestamp:          metric.Timestamp,
		ActiveConnections:  metric.ActiveConnections,
		IdleConnections:    metric.IdleConnections,
		TotalConnections:   metric.TotalConnections,
		MaxConnections:     metric.MaxConnections,
		Utilization:        metric.Utilization,
		PeakActive:         metric.PeakActiveConnections,
		BorrowedTotal:      metric.ConnectionsBorrowed,
		ReturnedTotal:      metric.ConnectionsReturned,
		ValidationFailures: metric.ValidationFailures,
		TimeoutErrors:      metric.TimeoutErrors,
		AvgBorrowTime:      metric.AverageBorrowTime,
	})
	if err != nil {
		log.Warn().Err(err).Msg("Failed to persist pool sample")
	}
	for _, a := range alerts {
		m.persistAlert(ctx, a)
	}
}

// maybePrune applies the retention window to the recorder, at most once
// per pruneEvery. The first sweep runs on the first cycle.
func (m *Monitor) maybePrune(now time.Time) {
	if m.recorder == nil {
		return
	}
	m.mu.Lock()
	retention := m.cfg.Retention
	due := retention > 0 && now.Sub(m.lastPrune) >= pruneEvery
	if due {
		m.lastPrune = now
	}
	m.mu.Unlock()
	if !due {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	deleted, err := m.recorder.Prune(ctx, retention)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to prune persisted pool metrics")
		return
	}
	if deleted > 0 {
		log.Info().Int64("deleted", deleted).Dur("retention", retention).Msg("Pruned persisted pool metrics")
	}
}

func (m *Monitor) persistAlert(ctx context.Context, a Alert) {
	if m.recorder == nil {
		return
	}
	rec := storage.AlertRecord{
		ID:        a.ID,
		Severity:  string(a.Severity),
		Metric:    a.MetricName,
		Message:   a.Message,
		Value:     a.CurrentValue,
		Threshold: a.ThresholdValue,
		Timestamp: a.Timestamp,
		Resolved:  a.IsResolved,
	}
	if a.ResolvedAt != nil {
		rec.ResolvedAt = *a.ResolvedAt
	}
	if err := m.recorder.RecordAlert(ctx, rec); err != nil {
		log.Warn().Err(err).Str("alert_id", a.ID).Msg("Failed to persist alert")
	}
}

// AddAlertCallback registers fn and returns an id for RemoveAlertCallback
func (m *Monitor) AddAlertCallback(fn AlertCallback) int {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	m.nextID++
	m.callbacks = append(m.callbacks, callbackEntry{id: m.nextID, fn: fn})
	return m.nextID
}

func (m *Monitor) RemoveAlertCallback(id int) {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	for i, cb := range m.callbacks {
		if cb.id == id {
			m.callbacks = append(m.callbacks[:i], m.callbacks[i+1:]...)
			return
		}
	}
}

// Subscribe returns a channel of new alerts and a cancel func. Alerts are
// dropped for a subscriber whose buffer is full.
func (m *Monitor) Subscribe() (<-chan Alert, func()) {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()

	m.nextID++
	id := m.nextID
	ch := make(chan Alert, 64)
	m.subscribers[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.cbMu.Lock()
			delete(m.subscribers, id)
			m.cbMu.Unlock()
			close(ch)
		})
	}
}

func (m *Monitor) dispatch(a Alert) {
	m.cbMu.Lock()
	callbacks := make([]callbackEntry, len(m.callbacks))
	copy(callbacks, m.callbacks)
	for id, ch := range m.subscribers {
		select {
		case ch <- a:
		default:
			log.Warn().Int("subscriber", id).Msg("Alert subscriber is full, dropping alert")
		}
	}
	m.cbMu.Unlock()

	for _, cb := range callbacks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error().Interface("panic", r).Int("callback", cb.id).Msg("Panic in alert callback")
				}
			}()
			cb.fn(a)
		}()
	}
}

// CurrentMetrics returns the newest sample
func (m *Monitor) CurrentMetrics() (PerformanceMetric, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.history.Newest()
}

// History returns samples newer than d, oldest first; d <= 0 returns all
func (m *Monitor) History(d time.Duration) []PerformanceMetric {
	m.mu.RLock()
	items := m.history.Items()
	m.mu.RUnlock()

	if d <= 0 {
		return items
	}
	cutoff := time.Now().Add(-d)
	for i, s := range items {
		if !s.Timestamp.Before(cutoff) {
			return items[i:]
		}
	}
	return nil
}

// HealthStatus returns the latest assessment
func (m *Monitor) HealthStatus() (HealthStatus, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.health == nil {
		return HealthStatus{}, false
	}
	return *m.health, true
}

// ActiveAlerts returns unresolved alerts, oldest first
func (m *Monitor) ActiveAlerts() []Alert {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []Alert{}
	for _, a := range m.alerts.Items() {
		if !a.IsResolved {
			out = append(out, *a)
		}
	}
	return out
}

// AlertHistory returns alerts raised within d; d <= 0 returns all retained
func (m *Monitor) AlertHistory(d time.Duration) []Alert {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var cutoff time.Time
	if d > 0 {
		cutoff = time.Now().Add(-d)
	}
	out := []Alert{}
	for _, a := range m.alerts.Items() {
		if a.Timestamp.Before(cutoff) {
			continue
		}
		out = append(out, *a)
	}
	return out
}

// ResolveAlert marks the alert resolved; false if unknown or already resolved
func (m *Monitor) ResolveAlert(id string) bool {
	m.mu.Lock()
	var resolved *Alert
	for _, a := range m.alerts.Items() {
		if a.ID == id && !a.IsResolved {
			now := time.Now()
			a.IsResolved = true
			a.ResolvedAt = &now
			cp := *a
			resolved = &cp
			break
		}
	}
	m.mu.Unlock()

	if resolved == nil {
		return false
	}
	log.Info().Str("alert_id", id).Str("metric", resolved.MetricName).Msg("Alert resolved")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	m.persistAlert(ctx, *resolved)
	return true
}
