package monitoring

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ironchef/poolkeeper/pkg/config"
)

const (
	criticalUtilization = 90.0
	elevatedUtilization = 80.0
	elevatedBorrowTime  = 2 * time.Second
	healthyScore        = 70.0
	trendWindow         = 10
)

func rate(part, whole int64) float64 {
	if whole <= 0 {
		return 0
	}
	return float64(part) / float64(whole) * 100
}

func newAlert(severity Severity, metric, message string, value, threshold float64, now time.Time) Alert {
	return Alert{
		ID:             uuid.NewString(),
		Severity:       severity,
		Message:        message,
		Timestamp:      now,
		MetricName:     metric,
		CurrentValue:   value,
		ThresholdValue: threshold,
	}
}

// evaluateAlerts returns one alert per breached rule. Repeated breaches
// across samples produce repeated alerts.
func evaluateAlerts(m PerformanceMetric, th config.Thresholds, now time.Time) []Alert {
	var alerts []Alert

	if m.MaxConnections > 0 && m.Utilization > th.Utilization {
		severity := SeverityWarning
		if th.PoolExhaustion > 0 && m.Utilization >= th.PoolExhaustion {
			severity = SeverityCritical
		}
		alerts = append(alerts, newAlert(severity, MetricUtilization,
			fmt.Sprintf("High connection utilization: %.1f%%", m.Utilization),
			m.Utilization, th.Utilization, now))
	}

	if th.BorrowTime > 0 && m.AverageBorrowTime > th.BorrowTime {
		alerts = append(alerts, newAlert(SeverityWarning, MetricBorrowTime,
			fmt.Sprintf("High average borrow time: %.2fs", m.AverageBorrowTime.Seconds()),
			m.AverageBorrowTime.Seconds(), th.BorrowTime.Seconds(), now))
	}

	if m.ConnectionsBorrowed > 0 {
		if r := rate(m.ValidationFailures, m.ConnectionsBorrowed); r > th.ValidationFailureRate {
			alerts = append(alerts, newAlert(SeverityError, MetricValidationFailures,
				fmt.Sprintf("High validation failure rate: %.1f%%", r),
				r, th.ValidationFailureRate, now))
		}
		if r := rate(m.TimeoutErrors, m.ConnectionsBorrowed); r > th.TimeoutRate {
			alerts = append(alerts, newAlert(SeverityError, MetricTimeoutErrors,
				fmt.Sprintf("High timeout error rate: %.1f%%", r),
				r, th.TimeoutRate, now))
		}
	}

	if attempts := m.ConnectionsCreated + m.CreationFailures; attempts > 0 && th.ConnectionErrorRate > 0 {
		if r := rate(m.CreationFailures, attempts); r > th.ConnectionErrorRate {
			alerts = append(alerts, newAlert(SeverityError, MetricConnectionErrors,
				fmt.Sprintf("High connection error rate: %.1f%%", r),
				r, th.ConnectionErrorRate, now))
		}
	}

	return alerts
}

// assessHealth scores the latest sample. recent holds the newest samples,
// oldest first, and feeds the sizing recommendations.
func assessHealth(m PerformanceMetric, recent []PerformanceMetric, th config.Thresholds, now time.Time) HealthStatus {
	h := HealthStatus{
		HealthScore:     100,
		Issues:          []string{},
		Warnings:        []string{},
		Recommendations: []string{},
		LastCheck:       now,
	}

	switch {
	case m.Utilization > criticalUtilization:
		h.Issues = append(h.Issues, "Very high connection utilization")
		h.HealthScore -= 20
	case m.Utilization > elevatedUtilization:
		h.Warnings = append(h.Warnings, "High connection utilization")
		h.HealthScore -= 10
	}

	switch {
	case th.BorrowTime > 0 && m.AverageBorrowTime > th.BorrowTime:
		h.Issues = append(h.Issues, "High average connection borrow time")
		h.HealthScore -= 15
		h.Recommendations = append(h.Recommendations, "Consider increasing pool size")
	case m.AverageBorrowTime > elevatedBorrowTime:
		h.Warnings = append(h.Warnings, "Elevated connection borrow time")
		h.HealthScore -= 5
	}

	if m.ConnectionsBorrowed > 0 {
		if r := rate(m.ValidationFailures, m.ConnectionsBorrowed); r > th.ValidationFailureRate {
			h.Issues = append(h.Issues, fmt.Sprintf("High validation failure rate: %.1f%%", r))
			h.HealthScore -= 15
			h.Recommendations = append(h.Recommendations, "Check database connectivity and health")
		}
		if r := rate(m.TimeoutErrors, m.ConnectionsBorrowed); r > th.TimeoutRate {
			h.Issues = append(h.Issues, fmt.Sprintf("High timeout error rate: %.1f%%", r))
			h.HealthScore -= 10
			h.Recommendations = append(h.Recommendations, "Increase connection timeout or pool size")
		}
	}

	if maxConns := float64(m.MaxConnections); maxConns > 0 {
		if float64(m.PeakActiveConnections) > maxConns*0.9 {
			h.Recommendations = append(h.Recommendations, "Consider increasing maximum pool size")
		}
		if len(recent) >= trendWindow {
			var sum int
			for _, s := range recent[len(recent)-trendWindow:] {
				sum += s.ActiveConnections
			}
			if float64(sum)/trendWindow < maxConns*0.3 {
				h.Recommendations = append(h.Recommendations, "Consider reducing pool size to save resources")
			}
		}
	}

	if h.HealthScore < 0 {
		h.HealthScore = 0
	}
	h.IsHealthy = h.HealthScore >= healthyScore && len(h.Issues) == 0
	return h
}
