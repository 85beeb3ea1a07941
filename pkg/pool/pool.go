package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ironchef/poolkeeper/pkg/config"
	"github.com/ironchef/poolkeeper/pkg/storage"
)

// workerJoinTimeout bounds how long Shutdown waits for the health worker
const workerJoinTimeout = 5 * time.Second

type borrowerKey struct{}

// WithBorrower tags ctx with the identity reported as the owner of any
// connection acquired with it
func WithBorrower(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, borrowerKey{}, name)
}

func borrowerFrom(ctx context.Context) string {
	if name, ok := ctx.Value(borrowerKey{}).(string); ok && name != "" {
		return name
	}
	return "unknown"
}

// Pool hands out connections from a bounded set. One mutex guards all
// state; waiters block on cond. A connection being validated or created
// outside the lock is counted in pending, so idle+active+pending never
// exceeds MaxConnections.
type Pool struct {
	mu        sync.Mutex
	cond      *sync.Cond
	cfg       config.PoolConfig
	connector storage.Connector

	idle    []*pooledConn
	active  map[string]*pooledConn
	pending int
	waiting int
	closed  bool

	stats     counters
	startedAt time.Time
	tracer    trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a pool without connecting and starts its health-check worker.
// Call Warmup to pre-create MinConnections.
func New(cfg config.PoolConfig, connector storage.Connector) (*Pool, error) {
	if connector == nil {
		return nil, errors.New("connector is required")
	}
	if err := validatePoolConfig(cfg); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		cfg:       cfg,
		connector: connector,
		active:    make(map[string]*pooledConn),
		startedAt: time.Now(),
		tracer:    otel.Tracer("github.com/ironchef/poolkeeper/pkg/pool"),
		ctx:       ctx,
		cancel:    cancel,
	}
	p.cond = sync.NewCond(&p.mu)

	p.wg.Add(1)
	go p.healthLoop()

	log.Info().
		Str("driver", connector.Driver()).
		Int("min_connections", cfg.MinConnections).
		Int("max_connections", cfg.MaxConnections).
		Dur("acquire_timeout", cfg.AcquireTimeout).
		Msg("Connection pool created")
	return p, nil
}

func validatePoolConfig(cfg config.PoolConfig) error {
	var problems []string
	if cfg.MinConnections < 1 {
		problems = append(problems, fmt.Sprintf("min_connections must be at least 1 (got %d)", cfg.MinConnections))
	}
	if cfg.MaxConnections < cfg.MinConnections {
		problems = append(problems, fmt.Sprintf("max_connections (%d) must be >= min_connections (%d)", cfg.MaxConnections, cfg.MinConnections))
	}
	if cfg.AcquireTimeout <= 0 || cfg.ValidationTimeout <= 0 || cfg.RetryDelay <= 0 || cfg.HealthCheckInterval <= 0 {
		problems = append(problems, "pool durations must be positive")
	}
	if len(problems) > 0 {
		return &config.ConfigurationError{Problems: problems}
	}
	return nil
}

// Config returns the active pool configuration
func (p *Pool) Config() config.PoolConfig {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg
}

func (p *Pool) totalLocked() int {
	return len(p.idle) + len(p.active) + p.pending
}

// wakeLocked frees one waiter, or all of them once the pool is closing so
// Shutdown sees the drain
func (p *Pool) wakeLocked() {
	if p.closed {
		p.cond.Broadcast()
		return
	}
	p.cond.Signal()
}

// waitLocked blocks until signalled, d elapses or ctx is done. Caller holds p.mu.
func (p *Pool) waitLocked(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	wake := func() {
		p.mu.Lock()
		p.cond.Broadcast()
		p.mu.Unlock()
	}
	timer := time.AfterFunc(d, wake)
	stop := context.AfterFunc(ctx, wake)

	p.waiting++
	p.cond.Wait()
	p.waiting--

	timer.Stop()
	stop()
}

// Warmup creates idle connections until MinConnections are idle, never
// exceeding MaxConnections. It is bounded by AcquireTimeout and reports
// whether every planned connection was created.
func (p *Pool) Warmup(ctx context.Context) bool {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return false
	}
	need := p.cfg.MinConnections - len(p.idle)
	if room := p.cfg.MaxConnections - p.totalLocked(); need > room {
		need = room
	}
	if need <= 0 {
		p.mu.Unlock()
		return true
	}
	p.pending += need
	timeout := p.cfg.AcquireTimeout
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	created := 0
	var lastErr error
	for i := 0; i < need; i++ {
		conn, err := p.connector.Connect(ctx)

		p.mu.Lock()
		p.pending--
		if err != nil {
			p.stats.creationFailures++
			lastErr = err
			p.wakeLocked()
			p.mu.Unlock()
			continue
		}
		p.stats.created++
		if p.closed {
			p.stats.destroyed++
			p.wakeLocked()
			p.mu.Unlock()
			closeConn(newPooledConn(conn))
			continue
		}
		p.idle = append(p.idle, newPooledConn(conn))
		p.cond.Signal()
		p.mu.Unlock()
		created++
	}

	if created < need {
		log.Warn().Err(lastErr).
			Int("created", created).
			Int("planned", need).
			Msg("Pool warmup incomplete")
		return false
	}
	log.Info().Int("created", created).Msg("Pool warmed up")
	return true
}

// Acquire borrows a connection, waiting up to timeout (AcquireTimeout when
// timeout <= 0). Validation failures and transient creation failures are
// retried inside the budget. The caller must Release the returned handle.
func (p *Pool) Acquire(ctx context.Context, timeout time.Duration) (*Handle, error) {
	if timeout <= 0 {
		timeout = p.Config().AcquireTimeout
	}
	borrower := borrowerFrom(ctx)

	ctx, span := p.tracer.Start(ctx, "pool.acquire", trace.WithAttributes(
		attribute.String("pool.driver", p.connector.Driver()),
		attribute.String("pool.borrower", borrower),
		attribute.Int64("pool.timeout_ms", timeout.Milliseconds()),
	))
	defer span.End()

	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	pc, err := p.acquire(ctx, borrower, start, timeout)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(
		attribute.String("pool.connection_id", pc.id),
		attribute.Int64("pool.wait_ms", time.Since(start).Milliseconds()),
	)
	return newHandle(p, pc), nil
}

func (p *Pool) acquire(ctx context.Context, borrower string, start time.Time, timeout time.Duration) (*pooledConn, error) {
	var (
		lastErr  error
		failures int
		discard  []*pooledConn
	)

	p.mu.Lock()
	defer func() {
		p.mu.Unlock()
		for _, pc := range discard {
			closeConn(pc)
		}
	}()

	for {
		if p.closed {
			return nil, ErrPoolClosed
		}
		if err := ctx.Err(); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil, fmt.Errorf("connection acquire cancelled: %w", err)
			}
			return nil, p.timeoutLocked(start, timeout, lastErr)
		}

		if n := len(p.idle); n > 0 {
			pc := p.idle[n-1]
			p.idle[n-1] = nil
			p.idle = p.idle[:n-1]

			if reason := retireReason(pc, time.Now(), p.cfg); reason != "" {
				p.destroyLocked(pc, reason)
				discard = append(discard, pc)
				continue
			}

			// Validate under the pool context; the caller's deadline only
			// decides whether the connection is handed out.
			validationTimeout := p.cfg.ValidationTimeout
			p.pending++
			p.mu.Unlock()
			err := validate(p.ctx, pc, validationTimeout)
			p.mu.Lock()
			p.pending--

			if p.closed {
				p.destroyLocked(pc, "pool closed")
				discard = append(discard, pc)
				p.cond.Broadcast()
				return nil, ErrPoolClosed
			}
			if err != nil {
				p.stats.validationFailures++
				lastErr = err
				p.destroyLocked(pc, "validation failed")
				discard = append(discard, pc)
				p.wakeLocked()
				continue
			}
			if ctx.Err() != nil {
				p.idle = append(p.idle, pc)
				p.wakeLocked()
				continue
			}
			p.checkoutLocked(pc, borrower)
			return pc, nil
		}

		if p.totalLocked() < p.cfg.MaxConnections {
			p.pending++
			p.mu.Unlock()
			conn, err := p.connector.Connect(ctx)
			p.mu.Lock()
			p.pending--

			if err != nil {
				failures++
				p.stats.creationFailures++
				lastErr = err
				p.wakeLocked()
				log.Debug().Err(err).Int("attempt", failures).Msg("Failed to create connection")
				if failures > p.cfg.RetryAttempts {
					return nil, &ResourceCreationError{Attempts: failures, Err: err}
				}
				p.waitLocked(ctx, p.cfg.RetryDelay)
				continue
			}

			pc := newPooledConn(conn)
			p.stats.created++
			if p.closed {
				p.destroyLocked(pc, "pool closed")
				discard = append(discard, pc)
				p.cond.Broadcast()
				return nil, ErrPoolClosed
			}
			p.checkoutLocked(pc, borrower)
			return pc, nil
		}

		// Saturated. Wait for a release or the next retry tick, whichever
		// comes first; ctx bounds the total.
		p.stats.retryAttempts++
		p.waitLocked(ctx, p.cfg.RetryDelay)
	}
}

func (p *Pool) timeoutLocked(start time.Time, timeout time.Duration, lastErr error) error {
	p.stats.timeoutErrors++
	// A signal consumed by this waiter must not be lost to the others.
	if len(p.idle) > 0 || p.totalLocked() < p.cfg.MaxConnections {
		p.cond.Signal()
	}
	waited := time.Since(start)
	log.Warn().
		Dur("timeout", timeout).
		Dur("waited", waited).
		Int("active", len(p.active)).
		Int("waiting", p.waiting).
		Msg("Connection acquire timed out")
	return &ResourceTimeoutError{Timeout: timeout, Waited: waited, LastErr: lastErr}
}

func validate(ctx context.Context, pc *pooledConn, timeout time.Duration) error {
	vctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := pc.conn.Ping(vctx); err != nil {
		return fmt.Errorf("%w: %v", errValidationFailed, err)
	}
	return nil
}

// retireReason is empty when pc may be handed out
func retireReason(pc *pooledConn, now time.Time, cfg config.PoolConfig) string {
	switch {
	case !pc.healthy:
		return "unhealthy"
	case cfg.ConnectionMaxAge > 0 && pc.age(now) > cfg.ConnectionMaxAge:
		return "expired"
	case cfg.MaxErrorCount > 0 && pc.errorCount > cfg.MaxErrorCount:
		return "error count exceeded"
	}
	return ""
}

func (p *Pool) checkoutLocked(pc *pooledConn, borrower string) {
	now := time.Now()
	pc.lastUsed = now
	pc.borrowedAt = now
	pc.usageCount++
	pc.owner = borrower
	pc.leakLogged = false

	p.active[pc.id] = pc
	p.stats.borrowed++
	if n := len(p.active); n > p.stats.peakActive {
		p.stats.peakActive = n
	}
}

func (p *Pool) destroyLocked(pc *pooledConn, reason string) {
	pc.healthy = false
	p.stats.destroyed++
	log.Debug().Str("connection_id", pc.id).Str("reason", reason).Msg("Retiring connection")
}

func closeConn(pc *pooledConn) {
	if err := pc.conn.Close(); err != nil {
		log.Warn().Err(err).Str("connection_id", pc.id).Msg("Failed to close connection")
	}
}

// release returns pc to idle or retires it. It never blocks on I/O while
// holding the lock and ignores connections the pool no longer tracks.
func (p *Pool) release(pc *pooledConn) {
	p.mu.Lock()
	if cur, ok := p.active[pc.id]; !ok || cur != pc {
		p.mu.Unlock()
		return
	}
	delete(p.active, pc.id)

	now := time.Now()
	p.stats.returned++
	p.stats.avgBorrowTime = ema(p.stats.avgBorrowTime, now.Sub(pc.borrowedAt))
	pc.lastUsed = now
	pc.owner = ""

	reason := retireReason(pc, now, p.cfg)
	switch {
	case p.closed:
		reason = "pool closed"
	case reason == "" && p.totalLocked() >= p.cfg.MaxConnections:
		reason = "over capacity"
	case reason == "" && len(p.idle) >= p.cfg.MinConnections:
		reason = "idle surplus"
	}

	if reason != "" {
		p.destroyLocked(pc, reason)
	} else {
		p.idle = append(p.idle, pc)
	}
	p.wakeLocked()
	p.mu.Unlock()

	if reason != "" {
		closeConn(pc)
	}
}

// Resize applies a new pool configuration. Idle connections beyond the new
// maximum are closed oldest first; active ones are retired on release.
func (p *Pool) Resize(cfg config.PoolConfig) error {
	if err := validatePoolConfig(cfg); err != nil {
		return err
	}

	p.mu.Lock()
	old := p.cfg
	p.cfg = cfg
	var excess []*pooledConn
	for len(p.idle) > 0 && p.totalLocked() > cfg.MaxConnections {
		pc := p.idle[0]
		p.idle[0] = nil
		p.idle = p.idle[1:]
		p.destroyLocked(pc, "pool resized")
		excess = append(excess, pc)
	}
	p.cond.Broadcast()
	p.mu.Unlock()

	for _, pc := range excess {
		closeConn(pc)
	}

	log.Info().
		Int("old_min", old.MinConnections).
		Int("old_max", old.MaxConnections).
		Int("min_connections", cfg.MinConnections).
		Int("max_connections", cfg.MaxConnections).
		Int("closed_idle", len(excess)).
		Msg("Connection pool resized")
	return nil
}

// Shutdown stops new acquisitions, waits up to timeout for borrowed
// connections to come back and force-closes the rest. Calling it again is
// a no-op.
func (p *Pool) Shutdown(timeout time.Duration) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	for _, pc := range idle {
		p.destroyLocked(pc, "pool shutdown")
	}
	p.cond.Broadcast()
	p.mu.Unlock()

	log.Info().Dur("timeout", timeout).Msg("Shutting down connection pool")

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	p.cancel()
	for _, pc := range idle {
		closeConn(pc)
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		log.Warn().Msg("Health-check worker did not stop in time")
	case <-time.After(workerJoinTimeout):
		log.Warn().Msg("Health-check worker did not stop in time")
	}

	p.mu.Lock()
	for len(p.active)+p.pending > 0 && ctx.Err() == nil {
		p.waitLocked(ctx, timeout)
	}
	outstanding := make([]*pooledConn, 0, len(p.active))
	for id, pc := range p.active {
		delete(p.active, id)
		// forced returns keep borrowed-returned equal to active
		p.stats.returned++
		p.destroyLocked(pc, "forced close")
		outstanding = append(outstanding, pc)
	}
	p.mu.Unlock()

	for _, pc := range outstanding {
		closeConn(pc)
	}

	if len(outstanding) > 0 {
		log.Warn().
			Int("outstanding", len(outstanding)).
			Dur("timeout", timeout).
			Msg("Force-closed borrowed connections at shutdown")
		return &ShutdownTimeoutError{Timeout: timeout, Outstanding: len(outstanding)}
	}

	log.Info().Msg("Connection pool shut down")
	return nil
}

// Closed reports whether Shutdown has started
func (p *Pool) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
