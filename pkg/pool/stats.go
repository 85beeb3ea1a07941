package pool

import (
	"time"
)

// emaAlpha weights the newest borrow time in the moving average
const emaAlpha = 0.1

// counters are guarded by Pool.mu
type counters struct {
	created            int64
	destroyed          int64
	borrowed           int64
	returned           int64
	validationFailures int64
	timeoutErrors      int64
	retryAttempts      int64
	creationFailures   int64
	leaksDetected      int64
	peakActive         int
	avgBorrowTime      time.Duration
}

func ema(current, sample time.Duration) time.Duration {
	if current == 0 {
		return sample
	}
	return time.Duration(emaAlpha*float64(sample) + (1-emaAlpha)*float64(current))
}

// Status is a point-in-time view of pool occupancy
type Status struct {
	Active         int       `json:"active_connections"`
	Idle           int       `json:"idle_connections"`
	Pending        int       `json:"pending_connections"`
	Waiting        int       `json:"waiting_acquirers"`
	Total          int       `json:"total_connections"`
	MinConnections int       `json:"min_connections"`
	MaxConnections int       `json:"max_connections"`
	Utilization    float64   `json:"utilization"`
	Closed         bool      `json:"closed"`
	Driver         string    `json:"driver"`
	Timestamp      time.Time `json:"timestamp"`
}

// Statistics holds lifetime counters plus current gauges. A snapshot is
// taken under the pool lock, so BorrowedTotal-ReturnedTotal equals
// ActiveConnections.
type Statistics struct {
	ConnectionsCreated    int64         `json:"connections_created"`
	ConnectionsDestroyed  int64         `json:"connections_destroyed"`
	BorrowedTotal         int64         `json:"borrowed_total"`
	ReturnedTotal         int64         `json:"returned_total"`
	ValidationFailures    int64         `json:"validation_failures"`
	TimeoutErrors         int64         `json:"timeout_errors"`
	RetryAttempts         int64         `json:"retry_attempts"`
	CreationFailures      int64         `json:"creation_failures"`
	LeaksDetected         int64         `json:"leaks_detected"`
	ActiveConnections     int           `json:"active_connections"`
	IdleConnections       int           `json:"idle_connections"`
	PeakActive            int           `json:"peak_active_connections"`
	AverageBorrowTime     time.Duration `json:"average_borrow_time"`
	AverageConnectionAge  time.Duration `json:"average_connection_age"`
	ValidationFailureRate float64       `json:"validation_failure_rate"`
	TimeoutErrorRate      float64       `json:"timeout_error_rate"`
	ConnectionErrorRate   float64       `json:"connection_error_rate"`
	Efficiency            float64       `json:"connection_efficiency"`
	Uptime                time.Duration `json:"uptime"`
	Timestamp             time.Time     `json:"timestamp"`
}

func percent(part, whole int64) float64 {
	if whole < 1 {
		whole = 1
	}
	return float64(part) / float64(whole) * 100
}

// Status returns current occupancy
func (p *Pool) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	active := len(p.active)
	s := Status{
		Active:         active,
		Idle:           len(p.idle),
		Pending:        p.pending,
		Waiting:        p.waiting,
		Total:          active + len(p.idle),
		MinConnections: p.cfg.MinConnections,
		MaxConnections: p.cfg.MaxConnections,
		Closed:         p.closed,
		Driver:         p.connector.Driver(),
		Timestamp:      time.Now(),
	}
	if p.cfg.MaxConnections > 0 {
		s.Utilization = float64(active) * 100 / float64(p.cfg.MaxConnections)
	}
	return s
}

// Statistics returns lifetime counters. With statistics disabled only the
// gauges are populated.
func (p *Pool) Statistics() Statistics {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	s := Statistics{
		ActiveConnections: len(p.active),
		IdleConnections:   len(p.idle),
		Uptime:            now.Sub(p.startedAt),
		Timestamp:         now,
	}
	if !p.cfg.EnableStatistics {
		return s
	}

	c := p.stats
	s.ConnectionsCreated = c.created
	s.ConnectionsDestroyed = c.destroyed
	s.BorrowedTotal = c.borrowed
	s.ReturnedTotal = c.returned
	s.ValidationFailures = c.validationFailures
	s.TimeoutErrors = c.timeoutErrors
	s.RetryAttempts = c.retryAttempts
	s.CreationFailures = c.creationFailures
	s.LeaksDetected = c.leaksDetected
	s.PeakActive = c.peakActive
	s.AverageBorrowTime = c.avgBorrowTime
	s.AverageConnectionAge = p.averageAgeLocked(now)
	s.ValidationFailureRate = percent(c.validationFailures, c.borrowed)
	s.TimeoutErrorRate = percent(c.timeoutErrors, c.borrowed)
	s.ConnectionErrorRate = percent(c.creationFailures, c.created+c.creationFailures)
	s.Efficiency = percent(c.returned, c.borrowed)
	return s
}

// Connections lists idle and active connections
func (p *Pool) Connections() []ConnectionInfo {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	out := make([]ConnectionInfo, 0, len(p.idle)+len(p.active))
	for _, pc := range p.idle {
		out = append(out, pc.info(now))
	}
	for _, pc := range p.active {
		out = append(out, pc.info(now))
	}
	return out
}

func (p *Pool) averageAgeLocked(now time.Time) time.Duration {
	n := len(p.idle) + len(p.active)
	if n == 0 {
		return 0
	}
	var sum time.Duration
	for _, pc := range p.idle {
		sum += pc.age(now)
	}
	for _, pc := range p.active {
		sum += pc.age(now)
	}
	return sum / time.Duration(n)
}
