package monitoring

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

var (
	// ErrNoMetrics is returned when a window holds no samples
	ErrNoMetrics         = errors.New("no metrics available")
	ErrUnsupportedFormat = errors.New("unsupported export format")
)

// dashboardWindow is the summary window shown on the dashboard
const dashboardWindow = 30 * time.Minute

// PerformanceSummary aggregates samples taken within d. Counter totals are
// the difference between the first and last sample of the window.
func (m *Monitor) PerformanceSummary(d time.Duration) (PerformanceSummary, error) {
	samples := m.History(d)
	if len(samples) == 0 {
		return PerformanceSummary{}, ErrNoMetrics
	}

	first, last := samples[0], samples[len(samples)-1]
	borrowed := last.ConnectionsBorrowed - first.ConnectionsBorrowed
	returned := last.ConnectionsReturned - first.ConnectionsReturned
	failures := last.ValidationFailures - first.ValidationFailures
	timeouts := last.TimeoutErrors - first.TimeoutErrors

	var activeSum int
	var borrowSum time.Duration
	peak := 0
	for _, s := range samples {
		activeSum += s.ActiveConnections
		borrowSum += s.AverageBorrowTime
		if s.ActiveConnections > peak {
			peak = s.ActiveConnections
		}
	}

	denom := borrowed
	if denom < 1 {
		denom = 1
	}
	summary := PerformanceSummary{
		Duration:             d,
		SampleCount:          len(samples),
		AverageActive:        round(float64(activeSum)/float64(len(samples)), 1),
		PeakActive:           peak,
		TotalBorrowed:        borrowed,
		TotalReturned:        returned,
		EfficiencyPercent:    round(rate(returned, denom), 2),
		AverageBorrowTime:    borrowSum / time.Duration(len(samples)),
		ValidationFailurePct: round(rate(failures, denom), 2),
		TimeoutErrorPct:      round(rate(timeouts, denom), 2),
		ActiveAlerts:         len(m.ActiveAlerts()),
		TotalAlerts:          len(m.AlertHistory(0)),
	}
	if h, ok := m.HealthStatus(); ok {
		summary.Health = &h
	}
	return summary, nil
}

func round(v float64, places int) float64 {
	pow := math.Pow(10, float64(places))
	return math.Round(v*pow) / pow
}

type exportDocument struct {
	ExportTimestamp   time.Time           `json:"export_timestamp"`
	DurationRequested *float64            `json:"duration_requested"`
	MetricsCount      int                 `json:"metrics_count"`
	Metrics           []PerformanceMetric `json:"metrics"`
	Alerts            []Alert             `json:"alerts"`
	HealthStatus      *HealthStatus       `json:"health_status"`
}

var csvHeader = []string{
	"timestamp", "active_connections", "idle_connections", "total_connections",
	"max_connections", "waiting_acquirers", "utilization", "connections_created",
	"connections_borrowed", "connections_returned", "validation_failures",
	"timeout_errors", "creation_failures", "average_borrow_time_ms",
	"peak_active_connections", "goroutines", "heap_alloc_bytes",
}

func csvRow(s PerformanceMetric) []string {
	i := func(v int64) string { return strconv.FormatInt(v, 10) }
	return []string{
		s.Timestamp.Format(time.RFC3339Nano),
		i(int64(s.ActiveConnections)),
		i(int64(s.IdleConnections)),
		i(int64(s.TotalConnections)),
		i(int64(s.MaxConnections)),
		i(int64(s.WaitingAcquirers)),
		strconv.FormatFloat(s.Utilization, 'f', 2, 64),
		i(s.ConnectionsCreated),
		i(s.ConnectionsBorrowed),
		i(s.ConnectionsReturned),
		i(s.ValidationFailures),
		i(s.TimeoutErrors),
		i(s.CreationFailures),
		strconv.FormatFloat(float64(s.AverageBorrowTime)/float64(time.Millisecond), 'f', 3, 64),
		i(int64(s.PeakActiveConnections)),
		i(int64(s.Goroutines)),
		strconv.FormatUint(s.HeapAllocBytes, 10),
	}
}

// Export writes samples within d (all when d <= 0) to path as "json"
// (samples, alerts and health) or "csv" (samples only)
func (m *Monitor) Export(path, format string, d time.Duration) error {
	samples := m.History(d)

	var write func(f *os.File) error
	switch strings.ToLower(format) {
	case "json":
		doc := exportDocument{
			ExportTimestamp: time.Now(),
			MetricsCount:    len(samples),
			Metrics:         samples,
			Alerts:          m.AlertHistory(d),
		}
		if doc.Metrics == nil {
			doc.Metrics = []PerformanceMetric{}
		}
		if d > 0 {
			secs := d.Seconds()
			doc.DurationRequested = &secs
		}
		if h, ok := m.HealthStatus(); ok {
			doc.HealthStatus = &h
		}
		write = func(f *os.File) error {
			enc := json.NewEncoder(f)
			enc.SetIndent("", "  ")
			return enc.Encode(doc)
		}
	case "csv":
		write = func(f *os.File) error {
			w := csv.NewWriter(f)
			if err := w.Write(csvHeader); err != nil {
				return err
			}
			for _, s := range samples {
				if err := w.Write(csvRow(s)); err != nil {
					return err
				}
			}
			w.Flush()
			return w.Error()
		}
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create export directory: %w", err)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create export file: %w", err)
	}
	if err := write(f); err != nil {
		f.Close()
		return fmt.Errorf("failed to write %s export: %w", format, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close export file: %w", err)
	}

	log.Info().Str("path", path).Str("format", format).Int("metrics", len(samples)).Msg("Exported pool metrics")
	return nil
}

// maybeExport writes a periodic JSON export once export_interval has passed
func (m *Monitor) maybeExport(now time.Time) {
	m.mu.Lock()
	cfg := m.cfg
	due := cfg.ExportInterval > 0 && cfg.ExportDirectory != "" && now.Sub(m.lastExport) >= cfg.ExportInterval
	if due {
		m.lastExport = now
	}
	m.mu.Unlock()

	if !due {
		return
	}
	name := fmt.Sprintf("pool_metrics_%s.json", now.Format("20060102_150405"))
	if err := m.Export(filepath.Join(cfg.ExportDirectory, name), "json", cfg.ExportInterval); err != nil {
		log.Warn().Err(err).Msg("Periodic metrics export failed")
	}
}

// DashboardData gathers the operator view in one call
func (m *Monitor) DashboardData() Dashboard {
	cfg := m.config()
	d := Dashboard{
		ActiveAlerts: m.ActiveAlerts(),
		PoolStatus:   m.source.Status(),
	}
	if cur, ok := m.CurrentMetrics(); ok {
		d.CurrentMetrics = &cur
	}
	if h, ok := m.HealthStatus(); ok {
		d.HealthStatus = &h
	}
	if s, err := m.PerformanceSummary(dashboardWindow); err == nil {
		d.RecentPerformance = &s
	}

	m.mu.RLock()
	d.MonitoringInfo = MonitoringInfo{
		CollectionInterval: cfg.CollectionInterval,
		HistorySize:        m.history.Len(),
		HistoryCapacity:    m.history.Cap(),
		Thresholds:         cfg.Thresholds,
	}
	m.mu.RUnlock()
	d.MonitoringInfo.Running = m.Running()
	return d
}
