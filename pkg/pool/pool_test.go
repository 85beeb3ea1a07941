package pool

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ironchef/poolkeeper/pkg/config"
	"github.com/ironchef/poolkeeper/pkg/storage"
)

type fakeConn struct {
	id        string
	owner     *fakeConnector
	pingErr   atomic.Value
	pingDelay atomic.Int64
	closed    atomic.Bool
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Ping(ctx context.Context) error {
	if c.closed.Load() {
		return errors.New("connection closed")
	}
	if err, ok := c.pingErr.Load().(error); ok && err != nil {
		return err
	}
	if d := time.Duration(c.pingDelay.Load()); d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return ctx.Err()
}

func (c *fakeConn) Close() error {
	if c.closed.CompareAndSwap(false, true) {
		c.owner.open.Add(-1)
	}
	return nil
}

func (c *fakeConn) breakConn() {
	c.pingErr.Store(errors.New("broken pipe"))
}

type fakeConnector struct {
	mu         sync.Mutex
	seq        int
	conns      []*fakeConn
	connectErr error
	open       atomic.Int32
	maxOpen    atomic.Int32
}

func (f *fakeConnector) Driver() string { return "fake" }

func (f *fakeConnector) Connect(ctx context.Context) (storage.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		return nil, f.connectErr
	}
	f.seq++
	c := &fakeConn{id: fmt.Sprintf("conn-%d", f.seq), owner: f}
	f.conns = append(f.conns, c)

	n := f.open.Add(1)
	for {
		cur := f.maxOpen.Load()
		if n <= cur || f.maxOpen.CompareAndSwap(cur, n) {
			break
		}
	}
	return c, nil
}

func (f *fakeConnector) setConnectErr(err error) {
	f.mu.Lock()
	f.connectErr = err
	f.mu.Unlock()
}

func (f *fakeConnector) all() []*fakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeConn(nil), f.conns...)
}

func testConfig() config.PoolConfig {
	return config.PoolConfig{
		MinConnections:      2,
		MaxConnections:      5,
		AcquireTimeout:      time.Second,
		ValidationTimeout:   100 * time.Millisecond,
		RetryAttempts:       3,
		RetryDelay:          20 * time.Millisecond,
		HealthCheckInterval: time.Hour,
		ConnectionMaxAge:    time.Hour,
		MaxErrorCount:       3,
		LeakThreshold:       time.Minute,
		EnableStatistics:    true,
	}
}

func newTestPool(t *testing.T, cfg config.PoolConfig) (*Pool, *fakeConnector) {
	t.Helper()
	connector := &fakeConnector{}
	p, err := New(cfg, connector)
	require.NoError(t, err)
	t.Cleanup(func() { p.Shutdown(time.Second) })
	return p, connector
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// captureLogs redirects the global logger for the duration of the test
func captureLogs(t *testing.T) *syncBuffer {
	t.Helper()
	buf := &syncBuffer{}
	orig := log.Logger
	log.Logger = zerolog.New(buf)
	t.Cleanup(func() { log.Logger = orig })
	return buf
}

func acquireN(t *testing.T, p *Pool, n int) []*Handle {
	t.Helper()
	handles := make([]*Handle, 0, n)
	for i := 0; i < n; i++ {
		h, err := p.Acquire(context.Background(), 0)
		require.NoError(t, err)
		handles = append(handles, h)
	}
	return handles
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConnections = 1
	cfg.MinConnections = 3

	_, err := New(cfg, &fakeConnector{})
	require.Error(t, err)
	assert.True(t, config.IsConfigurationError(err))

	_, err = New(testConfig(), nil)
	assert.Error(t, err)
}

func TestWarmup(t *testing.T) {
	p, connector := newTestPool(t, testConfig())

	assert.Equal(t, 0, p.Status().Total, "New must not connect")
	assert.True(t, p.Warmup(context.Background()))

	status := p.Status()
	assert.Equal(t, 2, status.Idle)
	assert.Equal(t, 0, status.Active)
	assert.Len(t, connector.all(), 2)

	// Already at min, nothing more to do
	assert.True(t, p.Warmup(context.Background()))
	assert.Len(t, connector.all(), 2)
}

func TestWarmup_ConnectFailure(t *testing.T) {
	p, connector := newTestPool(t, testConfig())
	connector.setConnectErr(errors.New("database is locked"))

	assert.False(t, p.Warmup(context.Background()))
	status := p.Status()
	assert.Equal(t, 0, status.Idle)
	assert.Equal(t, 0, status.Pending)
	assert.Equal(t, int64(2), p.Statistics().CreationFailures)
}

func TestAcquireRelease(t *testing.T) {
	p, _ := newTestPool(t, testConfig())
	require.True(t, p.Warmup(context.Background()))

	h, err := p.Acquire(WithBorrower(context.Background(), "recipe-list"), 0)
	require.NoError(t, err)
	require.NotNil(t, h.Conn())
	assert.Equal(t, h.ID(), h.Conn().ID())

	status := p.Status()
	assert.Equal(t, 1, status.Active)
	assert.Equal(t, 1, status.Idle)
	assert.InDelta(t, 20.0, status.Utilization, 0.001)

	var owner string
	for _, info := range p.Connections() {
		if info.ID == h.ID() {
			owner = info.Owner
			assert.Equal(t, int64(1), info.UsageCount)
		}
	}
	assert.Equal(t, "recipe-list", owner)

	h.Release()
	h.Release()
	assert.Nil(t, h.Conn())

	status = p.Status()
	assert.Equal(t, 0, status.Active)
	assert.Equal(t, 2, status.Idle)

	stats := p.Statistics()
	assert.Equal(t, int64(1), stats.BorrowedTotal)
	assert.Equal(t, int64(1), stats.ReturnedTotal)
	assert.Equal(t, 100.0, stats.Efficiency)
	assert.Greater(t, stats.AverageBorrowTime, time.Duration(0))
}

func TestRelease_DestroysIdleSurplus(t *testing.T) {
	cfg := testConfig()
	cfg.MinConnections = 1
	p, connector := newTestPool(t, cfg)

	handles := acquireN(t, p, 2)
	for _, h := range handles {
		h.Release()
	}

	assert.Equal(t, 1, p.Status().Idle)
	assert.Equal(t, int64(1), p.Statistics().ConnectionsDestroyed)
	assert.Equal(t, int32(1), connector.open.Load())
}

func TestAcquire_TimesOutWhenSaturated(t *testing.T) {
	p, _ := newTestPool(t, testConfig())
	handles := acquireN(t, p, 5)
	defer func() {
		for _, h := range handles {
			h.Release()
		}
	}()

	start := time.Now()
	_, err := p.Acquire(context.Background(), 100*time.Millisecond)
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)
	var timeoutErr *ResourceTimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.Equal(t, 100*time.Millisecond, timeoutErr.Timeout)
	assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
	assert.Less(t, elapsed, 100*time.Millisecond+p.Config().RetryDelay+200*time.Millisecond)

	stats := p.Statistics()
	assert.Equal(t, int64(1), stats.TimeoutErrors)
	assert.Greater(t, stats.RetryAttempts, int64(0))
}

func TestAcquire_ReleaseUnblocksWaiter(t *testing.T) {
	cfg := testConfig()
	cfg.RetryDelay = time.Second
	p, _ := newTestPool(t, cfg)
	handles := acquireN(t, p, 5)

	type result struct {
		h   *Handle
		err error
	}
	done := make(chan result, 1)
	start := time.Now()
	go func() {
		h, err := p.Acquire(context.Background(), 2*time.Second)
		done <- result{h, err}
	}()

	require.Eventually(t, func() bool { return p.Status().Waiting == 1 }, time.Second, 5*time.Millisecond)
	handles[0].Release()

	select {
	case r := <-done:
		require.NoError(t, r.err)
		assert.Less(t, time.Since(start), time.Second)
		r.h.Release()
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was not woken by release")
	}
	for _, h := range handles[1:] {
		h.Release()
	}
}

func TestAcquire_CancelledContext(t *testing.T) {
	p, _ := newTestPool(t, testConfig())
	handles := acquireN(t, p, 5)
	defer func() {
		for _, h := range handles {
			h.Release()
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()
	_, err := p.Acquire(ctx, 5*time.Second)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrTimeout)
}

func TestAcquire_NeverExceedsMax(t *testing.T) {
	p, connector := newTestPool(t, testConfig())
	require.True(t, p.Warmup(context.Background()))

	var inUse, peak atomic.Int32
	var wg sync.WaitGroup
	for w := 0; w < 20; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			ctx := WithBorrower(context.Background(), fmt.Sprintf("worker-%d", worker))
			for i := 0; i < 25; i++ {
				h, err := p.Acquire(ctx, 5*time.Second)
				if !assert.NoError(t, err) {
					return
				}
				n := inUse.Add(1)
				for {
					cur := peak.Load()
					if n <= cur || peak.CompareAndSwap(cur, n) {
						break
					}
				}

				status := p.Status()
				assert.LessOrEqual(t, status.Active+status.Idle+status.Pending, 5)
				stats := p.Statistics()
				assert.Equal(t, stats.BorrowedTotal-stats.ReturnedTotal, int64(stats.ActiveConnections))

				time.Sleep(time.Millisecond)
				inUse.Add(-1)
				h.Release()
			}
		}(w)
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int32(5))
	assert.LessOrEqual(t, connector.maxOpen.Load(), int32(5))
	assert.LessOrEqual(t, p.Statistics().PeakActive, 5)

	stats := p.Statistics()
	assert.Equal(t, int64(500), stats.BorrowedTotal)
	assert.Equal(t, stats.BorrowedTotal, stats.ReturnedTotal)
	assert.Equal(t, 0, p.Status().Active)
}

func TestAcquire_SkipsExpiredConnections(t *testing.T) {
	cfg := testConfig()
	cfg.ConnectionMaxAge = 50 * time.Millisecond
	p, connector := newTestPool(t, cfg)
	require.True(t, p.Warmup(context.Background()))

	stale := map[string]bool{}
	for _, c := range connector.all() {
		stale[c.id] = true
	}
	time.Sleep(80 * time.Millisecond)

	h, err := p.Acquire(context.Background(), 0)
	require.NoError(t, err)
	defer h.Release()

	assert.False(t, stale[h.ID()], "expired connection handed out")
	for _, c := range connector.all() {
		if stale[c.id] {
			assert.True(t, c.closed.Load())
		}
	}
}

func TestAcquire_SkipsUnhealthyConnections(t *testing.T) {
	p, connector := newTestPool(t, testConfig())
	require.True(t, p.Warmup(context.Background()))

	broken := map[string]bool{}
	for _, c := range connector.all() {
		c.breakConn()
		broken[c.id] = true
	}

	h, err := p.Acquire(context.Background(), 0)
	require.NoError(t, err)
	defer h.Release()

	assert.False(t, broken[h.ID()], "connection failing validation was handed out")
	assert.Equal(t, int64(2), p.Statistics().ValidationFailures)
	assert.Equal(t, 0, p.Status().Idle)
}

func TestAcquire_RetiresConnectionsOverErrorLimit(t *testing.T) {
	cfg := testConfig()
	cfg.MinConnections = 1
	cfg.MaxErrorCount = 1
	p, _ := newTestPool(t, cfg)

	h, err := p.Acquire(context.Background(), 0)
	require.NoError(t, err)
	first := h.ID()
	h.ReportError(errors.New("disk I/O error"))
	h.ReportError(errors.New("disk I/O error"))
	h.Release()

	h, err = p.Acquire(context.Background(), 0)
	require.NoError(t, err)
	defer h.Release()
	assert.NotEqual(t, first, h.ID())
}

func TestAcquire_SlowValidationOutlivesCallerDeadline(t *testing.T) {
	cfg := testConfig()
	cfg.ValidationTimeout = 200 * time.Millisecond
	p, connector := newTestPool(t, cfg)
	require.True(t, p.Warmup(context.Background()))
	for _, c := range connector.all() {
		c.pingDelay.Store(int64(40 * time.Millisecond))
	}

	_, err := p.Acquire(context.Background(), 20*time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)

	stats := p.Statistics()
	assert.Zero(t, stats.ValidationFailures)
	assert.Zero(t, stats.ConnectionsDestroyed)
	assert.Equal(t, 2, p.Status().Idle)
	assert.Equal(t, int32(2), connector.open.Load())

	h, err := p.Acquire(context.Background(), time.Second)
	require.NoError(t, err)
	h.Release()
	assert.Zero(t, p.Statistics().ValidationFailures)
}

func TestAcquire_CreationError(t *testing.T) {
	cfg := testConfig()
	cfg.RetryAttempts = 2
	cfg.RetryDelay = 10 * time.Millisecond
	p, connector := newTestPool(t, cfg)
	connector.setConnectErr(errors.New("unable to open database file"))

	_, err := p.Acquire(context.Background(), time.Second)
	require.Error(t, err)

	var creationErr *ResourceCreationError
	require.ErrorAs(t, err, &creationErr)
	assert.Equal(t, 3, creationErr.Attempts)
	assert.Contains(t, err.Error(), "unable to open database file")
	assert.Equal(t, int64(3), p.Statistics().CreationFailures)
	assert.Equal(t, 0, p.Status().Pending)

	// A recovered store serves again.
	connector.setConnectErr(nil)
	h, err := p.Acquire(context.Background(), time.Second)
	require.NoError(t, err)
	h.Release()
}

func TestShutdown(t *testing.T) {
	p, connector := newTestPool(t, testConfig())
	require.True(t, p.Warmup(context.Background()))

	require.NoError(t, p.Shutdown(time.Second))
	assert.True(t, p.Closed())
	assert.True(t, p.Status().Closed)
	for _, c := range connector.all() {
		assert.True(t, c.closed.Load())
	}

	start := time.Now()
	_, err := p.Acquire(context.Background(), time.Second)
	assert.ErrorIs(t, err, ErrPoolClosed)
	assert.Less(t, time.Since(start), 100*time.Millisecond)

	assert.NoError(t, p.Shutdown(time.Second))
	assert.False(t, p.Warmup(context.Background()))
}

func TestShutdown_WaitsForRelease(t *testing.T) {
	p, connector := newTestPool(t, testConfig())
	h, err := p.Acquire(context.Background(), 0)
	require.NoError(t, err)

	go func() {
		time.Sleep(50 * time.Millisecond)
		h.Release()
	}()

	require.NoError(t, p.Shutdown(2*time.Second))
	assert.Eventually(t, func() bool { return connector.open.Load() == 0 }, time.Second, 5*time.Millisecond)
}

func TestShutdown_ForcesOutstanding(t *testing.T) {
	p, connector := newTestPool(t, testConfig())
	h, err := p.Acquire(context.Background(), 0)
	require.NoError(t, err)

	err = p.Shutdown(50 * time.Millisecond)
	require.Error(t, err)
	var shutdownErr *ShutdownTimeoutError
	require.ErrorAs(t, err, &shutdownErr)
	assert.Equal(t, 1, shutdownErr.Outstanding)
	assert.Equal(t, int32(0), connector.open.Load())

	// Late release of a force-closed connection is ignored.
	h.Release()
	stats := p.Statistics()
	assert.Equal(t, stats.BorrowedTotal, stats.ReturnedTotal)
	assert.Equal(t, 0, p.Status().Active)
}

func TestShutdown_WakesWaiters(t *testing.T) {
	p, _ := newTestPool(t, testConfig())
	handles := acquireN(t, p, 5)

	errCh := make(chan error, 1)
	go func() {
		_, err := p.Acquire(context.Background(), 5*time.Second)
		errCh <- err
	}()
	require.Eventually(t, func() bool { return p.Status().Waiting == 1 }, time.Second, 5*time.Millisecond)

	go func() {
		time.Sleep(20 * time.Millisecond)
		for _, h := range handles {
			h.Release()
		}
	}()
	require.NoError(t, p.Shutdown(time.Second))

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrPoolClosed)
	case <-time.After(time.Second):
		t.Fatal("waiter not woken by shutdown")
	}
}

func TestWith(t *testing.T) {
	p, _ := newTestPool(t, testConfig())

	var seen string
	err := p.With(context.Background(), 0, func(conn storage.Conn) error {
		seen = conn.ID()
		return nil
	})
	require.NoError(t, err)
	assert.NotEmpty(t, seen)
	assert.Equal(t, 0, p.Status().Active)

	queryErr := errors.New("no such table: recipes")
	err = p.With(context.Background(), 0, func(conn storage.Conn) error {
		return queryErr
	})
	assert.ErrorIs(t, err, queryErr)

	for _, info := range p.Connections() {
		if info.ID == seen {
			assert.Equal(t, 1, info.ErrorCount)
		}
	}
}

func TestWith_ReleasesOnPanic(t *testing.T) {
	p, _ := newTestPool(t, testConfig())

	assert.Panics(t, func() {
		_ = p.With(context.Background(), 0, func(conn storage.Conn) error {
			panic("template render failed")
		})
	})
	assert.Equal(t, 0, p.Status().Active)
	stats := p.Statistics()
	assert.Equal(t, stats.BorrowedTotal, stats.ReturnedTotal)
}

func TestLeakedConnections(t *testing.T) {
	cfg := testConfig()
	cfg.EnableLeakDetection = true
	cfg.LeakThreshold = 20 * time.Millisecond
	p, _ := newTestPool(t, cfg)

	h, err := p.Acquire(WithBorrower(context.Background(), "export-job"), 0)
	require.NoError(t, err)
	defer h.Release()

	assert.Empty(t, p.LeakedConnections())
	time.Sleep(40 * time.Millisecond)

	leaks := p.LeakedConnections()
	require.Len(t, leaks, 1)
	assert.Equal(t, h.ID(), leaks[0].ConnectionID)
	assert.Equal(t, "export-job", leaks[0].Owner)
	assert.GreaterOrEqual(t, leaks[0].HeldFor, 20*time.Millisecond)

	// Counted once per borrow
	p.LeakedConnections()
	p.HealthCheck(context.Background())
	assert.Equal(t, int64(1), p.Statistics().LeaksDetected)
}

func TestLeakedConnections_LogsNewLeaks(t *testing.T) {
	logs := captureLogs(t)
	cfg := testConfig()
	cfg.EnableLeakDetection = true
	cfg.LeakThreshold = 10 * time.Millisecond
	p, _ := newTestPool(t, cfg)

	h, err := p.Acquire(WithBorrower(context.Background(), "nightly-import"), 0)
	require.NoError(t, err)
	defer h.Release()
	time.Sleep(30 * time.Millisecond)

	require.Len(t, p.LeakedConnections(), 1)
	out := logs.String()
	assert.Contains(t, out, "Possible connection leak")
	assert.Contains(t, out, h.ID())
	assert.Contains(t, out, "nightly-import")

	p.HealthCheck(context.Background())
	assert.Equal(t, 1, strings.Count(logs.String(), "Possible connection leak"))
	assert.Equal(t, int64(1), p.Statistics().LeaksDetected)
}

func TestLeakDetection_ReclaimsDroppedHandle(t *testing.T) {
	cfg := testConfig()
	cfg.EnableLeakDetection = true
	p, _ := newTestPool(t, cfg)

	func() {
		_, err := p.Acquire(context.Background(), 0)
		require.NoError(t, err)
	}()

	assert.Eventually(t, func() bool {
		runtime.GC()
		return p.Status().Active == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(1), p.Statistics().LeaksDetected)
}

func TestHealthCheck(t *testing.T) {
	p, connector := newTestPool(t, testConfig())
	require.True(t, p.Warmup(context.Background()))

	conns := connector.all()
	conns[0].breakConn()

	evicted := p.HealthCheck(context.Background())
	assert.Equal(t, 1, evicted)
	assert.True(t, conns[0].closed.Load())
	assert.False(t, conns[1].closed.Load())

	// Refilled to min
	status := p.Status()
	assert.Equal(t, 2, status.Idle)
	assert.Len(t, connector.all(), 3)
}

func TestHealthLoop(t *testing.T) {
	cfg := testConfig()
	cfg.HealthCheckInterval = 20 * time.Millisecond
	p, connector := newTestPool(t, cfg)
	require.True(t, p.Warmup(context.Background()))

	for _, c := range connector.all() {
		c.breakConn()
	}
	assert.Eventually(t, func() bool {
		return p.Statistics().ConnectionsDestroyed >= 2 && p.Status().Idle == 2
	}, time.Second, 10*time.Millisecond)
}

func TestResize(t *testing.T) {
	cfg := testConfig()
	cfg.MinConnections = 4
	p, connector := newTestPool(t, cfg)
	require.True(t, p.Warmup(context.Background()))
	require.Equal(t, 4, p.Status().Idle)

	smaller := cfg
	smaller.MinConnections = 1
	smaller.MaxConnections = 2
	require.NoError(t, p.Resize(smaller))

	assert.Equal(t, 2, p.Config().MaxConnections)
	assert.Equal(t, 2, p.Status().Idle)
	assert.Equal(t, int32(2), connector.open.Load())

	invalid := smaller
	invalid.MinConnections = 3
	err := p.Resize(invalid)
	assert.True(t, config.IsConfigurationError(err))
	assert.Equal(t, 2, p.Config().MaxConnections)

	// Growth lets blocked callers proceed
	handles := acquireN(t, p, 2)
	done := make(chan error, 1)
	go func() {
		h, err := p.Acquire(context.Background(), 2*time.Second)
		if err == nil {
			h.Release()
		}
		done <- err
	}()
	require.Eventually(t, func() bool { return p.Status().Waiting == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, p.Resize(cfg))
	assert.NoError(t, <-done)
	for _, h := range handles {
		h.Release()
	}
}

func TestResize_ShrinksOnRelease(t *testing.T) {
	cfg := testConfig()
	p, connector := newTestPool(t, cfg)
	handles := acquireN(t, p, 5)

	smaller := cfg
	smaller.MaxConnections = 3
	require.NoError(t, p.Resize(smaller))
	assert.Equal(t, 5, p.Status().Total)

	for _, h := range handles {
		h.Release()
	}

	status := p.Status()
	assert.Equal(t, 0, status.Active)
	assert.Equal(t, 2, status.Idle)
	assert.Equal(t, int64(3), p.Statistics().ConnectionsDestroyed)
	assert.Equal(t, int32(2), connector.open.Load())
}

func TestStatistics_Disabled(t *testing.T) {
	cfg := testConfig()
	cfg.EnableStatistics = false
	p, _ := newTestPool(t, cfg)

	h, err := p.Acquire(context.Background(), 0)
	require.NoError(t, err)
	defer h.Release()

	stats := p.Statistics()
	assert.Equal(t, 1, stats.ActiveConnections)
	assert.Zero(t, stats.BorrowedTotal)
}

func TestPool_SQLite(t *testing.T) {
	dbCfg := config.DefaultConfig().Database
	dbCfg.Path = filepath.Join(t.TempDir(), "recipes.db")
	p, err := New(testConfig(), storage.NewSQLiteConnector(dbCfg))
	require.NoError(t, err)
	defer p.Shutdown(time.Second)

	require.True(t, p.Warmup(context.Background()))

	err = p.With(context.Background(), 0, func(conn storage.Conn) error {
		db := conn.(*storage.SQLiteConn).DB()
		if _, err := db.Exec("CREATE TABLE recipes (id INTEGER PRIMARY KEY, title TEXT)"); err != nil {
			return err
		}
		_, err := db.Exec("INSERT INTO recipes (title) VALUES (?)", "Shakshuka")
		return err
	})
	require.NoError(t, err)

	var count int
	err = p.With(context.Background(), 0, func(conn storage.Conn) error {
		return conn.(*storage.SQLiteConn).DB().QueryRow("SELECT COUNT(*) FROM recipes").Scan(&count)
	})
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
