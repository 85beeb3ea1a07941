package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
)

// Sample is one persisted pool snapshot
type Sample struct {
	Timestamp          time.Time     `json:"timestamp"`
	ActiveConnections  int           `json:"active_connections"`
	IdleConnections    int           `json:"idle_connections"`
	TotalConnections   int           `json:"total_connections"`
	MaxConnections     int           `json:"max_connections"`
	Utilization        float64       `json:"utilization"`
	PeakActive         int           `json:"peak_active_connections"`
	BorrowedTotal      int64         `json:"borrowed_total"`
	ReturnedTotal      int64         `json:"returned_total"`
	ValidationFailures int64         `json:"validation_failures"`
	TimeoutErrors      int64         `json:"timeout_errors"`
	AvgBorrowTime      time.Duration `json:"average_borrow_time"`
}

// AlertRecord is one persisted alert
type AlertRecord struct {
	ID         string    `json:"id"`
	Severity   string    `json:"severity"`
	Metric     string    `json:"metric_name"`
	Message    string    `json:"message"`
	Value      float64   `json:"current_value"`
	Threshold  float64   `json:"threshold_value"`
	Timestamp  time.Time `json:"timestamp"`
	Resolved   bool      `json:"is_resolved"`
	ResolvedAt time.Time `json:"resolved_at,omitempty"`
}

// MetricsStore keeps pool samples and alerts in SQLite so history
// survives restarts
type MetricsStore struct {
	db     *sql.DB
	path   string
	mu     sync.Mutex
	closed bool
}

const metricsSchema = `
CREATE TABLE IF NOT EXISTS pool_samples (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	ts INTEGER NOT NULL,
	active INTEGER NOT NULL,
	idle INTEGER NOT NULL,
	total INTEGER NOT NULL,
	max_connections INTEGER NOT NULL,
	utilization REAL NOT NULL,
	peak_active INTEGER NOT NULL,
	borrowed_total INTEGER NOT NULL,
	returned_total INTEGER NOT NULL,
	validation_failures INTEGER NOT NULL,
	timeout_errors INTEGER NOT NULL,
	avg_borrow_ns INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_pool_samples_ts ON pool_samples(ts);

CREATE TABLE IF NOT EXISTS pool_alerts (
	id TEXT PRIMARY KEY,
	severity TEXT NOT NULL,
	metric TEXT NOT NULL,
	message TEXT NOT NULL,
	value REAL NOT NULL,
	threshold REAL NOT NULL,
	ts INTEGER NOT NULL,
	resolved INTEGER NOT NULL DEFAULT 0,
	resolved_ts INTEGER
);
CREATE INDEX IF NOT EXISTS idx_pool_alerts_ts ON pool_alerts(ts);
`

// OpenMetricsStore opens (creating if needed) the metrics database at path
func OpenMetricsStore(path string) (*MetricsStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create metrics directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open metrics database: %w", err)
	}
	// Writes come from the single monitor goroutine.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping metrics database: %w", err)
	}
	if _, err := db.Exec(metricsSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize metrics schema: %w", err)
	}

	log.Info().Str("path", path).Msg("Metrics store opened")
	return &MetricsStore{db: db, path: path}, nil
}

// RecordSample appends a pool snapshot
func (m *MetricsStore) RecordSample(ctx context.Context, s Sample) error {
	if s.Timestamp.IsZero() {
		s.Timestamp = time.Now()
	}

	_, err := m.db.ExecContext(ctx, `
		INSERT INTO pool_samples (
			ts, active, idle, total, max_connections, utilization, peak_active,
			borrowed_total, returned_total, validation_failures, timeout_errors, avg_borrow_ns
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.Timestamp.UnixNano(), s.ActiveConnections, s.IdleConnections, s.TotalConnections,
		s.MaxConnections, s.Utilization, s.PeakActive, s.BorrowedTotal, s.ReturnedTotal,
		s.ValidationFailures, s.TimeoutErrors, int64(s.AvgBorrowTime))
	if err != nil {
		return fmt.Errorf("failed to insert sample: %w", err)
	}
	return nil
}

// RecordAlert inserts or updates an alert by id
func (m *MetricsStore) RecordAlert(ctx context.Context, a AlertRecord) error {
	var resolvedTS interface{}
	if a.Resolved && !a.ResolvedAt.IsZero() {
		resolvedTS = a.ResolvedAt.UnixNano()
	}

	_, err := m.db.ExecContext(ctx, `
		INSERT INTO pool_alerts (id, severity, metric, message, value, threshold, ts, resolved, resolved_ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET resolved = excluded.resolved, resolved_ts = excluded.resolved_ts`,
		a.ID, a.Severity, a.Metric, a.Message, a.Value, a.Threshold,
		a.Timestamp.UnixNano(), a.Resolved, resolvedTS)
	if err != nil {
		return fmt.Errorf("failed to record alert: %w", err)
	}
	return nil
}

// Samples returns samples taken at or after since, oldest first
func (m *MetricsStore) Samples(ctx context.Context, since time.Time) ([]Sample, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT ts, active, idle, total, max_connections, utilization, peak_active,
			borrowed_total, returned_total, validation_failures, timeout_errors, avg_borrow_ns
		FROM pool_samples WHERE ts >= ? ORDER BY ts ASC`, unixNanos(since))
	if err != nil {
		return nil, fmt.Errorf("failed to query samples: %w", err)
	}
	defer rows.Close()

	var samples []Sample
	for rows.Next() {
		var s Sample
		var ts, borrowNS int64
		if err := rows.Scan(&ts, &s.ActiveConnections, &s.IdleConnections, &s.TotalConnections,
			&s.MaxConnections, &s.Utilization, &s.PeakActive, &s.BorrowedTotal, &s.ReturnedTotal,
			&s.ValidationFailures, &s.TimeoutErrors, &borrowNS); err != nil {
			return nil, fmt.Errorf("failed to scan sample: %w", err)
		}
		s.Timestamp = time.Unix(0, ts)
		s.AvgBorrowTime = time.Duration(borrowNS)
		samples = append(samples, s)
	}
	return samples, rows.Err()
}

// Alerts returns alerts raised at or after since, oldest first
func (m *MetricsStore) Alerts(ctx context.Context, since time.Time) ([]AlertRecord, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT id, severity, metric, message, value, threshold, ts, resolved, resolved_ts
		FROM pool_alerts WHERE ts >= ? ORDER BY ts ASC`, unixNanos(since))
	if err != nil {
		return nil, fmt.Errorf("failed to query alerts: %w", err)
	}
	defer rows.Close()

	var alerts []AlertRecord
	for rows.Next() {
		var a AlertRecord
		var ts int64
		var resolvedTS sql.NullInt64
		if err := rows.Scan(&a.ID, &a.Severity, &a.Metric, &a.Message, &a.Value, &a.Threshold,
			&ts, &a.Resolved, &resolvedTS); err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		a.Timestamp = time.Unix(0, ts)
		if resolvedTS.Valid {
			a.ResolvedAt = time.Unix(0, resolvedTS.Int64)
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

func unixNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

// Prune deletes samples and resolved alerts older than the retention window
func (m *MetricsStore) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention).UnixNano()

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var total int64
	for _, stmt := range []string{
		"DELETE FROM pool_samples WHERE ts < ?",
		"DELETE FROM pool_alerts WHERE ts < ? AND resolved = 1",
	} {
		result, err := tx.ExecContext(ctx, stmt, cutoff)
		if err != nil {
			return 0, fmt.Errorf("failed to prune metrics: %w", err)
		}
		if n, err := result.RowsAffected(); err == nil {
			total += n
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit prune: %w", err)
	}

	log.Debug().Int64("deleted_count", total).Dur("retention", retention).Msg("Pruned metrics store")
	return total, nil
}

// Close is idempotent
func (m *MetricsStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true

	if err := m.db.Close(); err != nil {
		return fmt.Errorf("failed to close metrics database: %w", err)
	}
	log.Info().Str("path", m.path).Msg("Metrics store closed")
	return nil
}
