package monitoring

import (
	"time"

	"github.com/ironchef/poolkeeper/pkg/config"
	"github.com/ironchef/poolkeeper/pkg/pool"
)

// StatsSource is the read-only pool surface the monitor samples
type StatsSource interface {
	Status() pool.Status
	Statistics() pool.Statistics
}

// Severity of an alert
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityError    Severity = "ERROR"
	SeverityCritical Severity = "CRITICAL"
)

// Alert metric names
const (
	MetricUtilization        = "connection_utilization"
	MetricBorrowTime         = "average_borrow_time"
	MetricValidationFailures = "validation_failure_rate"
	MetricTimeoutErrors      = "timeout_error_rate"
	MetricConnectionErrors   = "connection_error_rate"
)

// PerformanceMetric is one immutable pool sample
type PerformanceMetric struct {
	Timestamp             time.Time     `json:"timestamp"`
	ActiveConnections     int           `json:"active_connections"`
	IdleConnections       int           `json:"idle_connections"`
	TotalConnections      int           `json:"total_connections"`
	MaxConnections        int           `json:"max_connections"`
	WaitingAcquirers      int           `json:"waiting_acquirers"`
	Utilization           float64       `json:"utilization"`
	ConnectionsCreated    int64         `json:"connections_created"`
	ConnectionsBorrowed   int64         `json:"connections_borrowed"`
	ConnectionsReturned   int64         `json:"connections_returned"`
	ValidationFailures    int64         `json:"validation_failures"`
	TimeoutErrors         int64         `json:"timeout_errors"`
	CreationFailures      int64         `json:"creation_failures"`
	AverageBorrowTime     time.Duration `json:"average_borrow_time"`
	PeakActiveConnections int           `json:"peak_active_connections"`
	Goroutines            int           `json:"goroutines"`
	HeapAllocBytes        uint64        `json:"heap_alloc_bytes"`
}

// Alert records one threshold breach
type Alert struct {
	ID             string     `json:"id"`
	Severity       Severity   `json:"severity"`
	Message        string     `json:"message"`
	Timestamp      time.Time  `json:"timestamp"`
	MetricName     string     `json:"metric_name"`
	CurrentValue   float64    `json:"current_value"`
	ThresholdValue float64    `json:"threshold_value"`
	IsResolved     bool       `json:"is_resolved"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
}

// HealthStatus is derived from the latest sample and never persisted
type HealthStatus struct {
	IsHealthy       bool      `json:"is_healthy"`
	HealthScore     float64   `json:"health_score"`
	Issues          []string  `json:"issues"`
	Warnings        []string  `json:"warnings"`
	Recommendations []string  `json:"recommendations"`
	LastCheck       time.Time `json:"last_check"`
}

// PerformanceSummary aggregates the samples of a time window
type PerformanceSummary struct {
	Duration             time.Duration `json:"duration"`
	SampleCount          int           `json:"sample_count"`
	AverageActive        float64       `json:"average_active"`
	PeakActive           int           `json:"peak_active"`
	TotalBorrowed        int64         `json:"total_borrowed"`
	TotalReturned        int64         `json:"total_returned"`
	EfficiencyPercent    float64       `json:"efficiency_percent"`
	AverageBorrowTime    time.Duration `json:"average_borrow_time"`
	ValidationFailurePct float64       `json:"validation_failure_rate_percent"`
	TimeoutErrorPct      float64       `json:"timeout_error_rate_percent"`
	Health               *HealthStatus `json:"health,omitempty"`
	ActiveAlerts         int           `json:"active_alerts"`
	TotalAlerts          int           `json:"total_alerts"`
}

// MonitoringInfo describes the monitor itself
type MonitoringInfo struct {
	Running            bool              `json:"is_monitoring"`
	CollectionInterval time.Duration     `json:"collection_interval"`
	HistorySize        int               `json:"history_size"`
	HistoryCapacity    int               `json:"history_capacity"`
	Thresholds         config.Thresholds `json:"alert_thresholds"`
}

// Dashboard bundles everything an operator view needs in one read
type Dashboard struct {
	CurrentMetrics    *PerformanceMetric  `json:"current_metrics"`
	HealthStatus      *HealthStatus       `json:"health_status"`
	ActiveAlerts      []Alert             `json:"active_alerts"`
	RecentPerformance *PerformanceSummary `json:"recent_performance"`
	PoolStatus        pool.Status         `json:"pool_status"`
	MonitoringInfo    MonitoringInfo      `json:"monitoring_info"`
}
