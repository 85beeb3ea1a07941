package pool

import (
	"context"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ironchef/poolkeeper/pkg/storage"
)

// Handle is a borrowed connection. Release returns it to the pool and is
// safe to call more than once.
type Handle struct {
	pool     *Pool
	pc       *pooledConn
	released atomic.Bool
}

func newHandle(p *Pool, pc *pooledConn) *Handle {
	h := &Handle{pool: p, pc: pc}
	if p.Config().EnableLeakDetection {
		runtime.SetFinalizer(h, (*Handle).reclaim)
	}
	return h
}

// Conn returns the underlying connection, or nil once released
func (h *Handle) Conn() storage.Conn {
	if h.released.Load() {
		return nil
	}
	return h.pc.conn
}

// ID is the pooled connection id
func (h *Handle) ID() string {
	return h.pc.id
}

// ReportError counts a failure against the connection. Connections over
// MaxErrorCount are retired instead of being reused.
func (h *Handle) ReportError(err error) {
	if h.released.Load() {
		return
	}
	h.pool.mu.Lock()
	h.pc.errorCount++
	count := h.pc.errorCount
	h.pool.mu.Unlock()

	log.Debug().Err(err).Str("connection_id", h.pc.id).Int("error_count", count).Msg("Connection error reported")
}

// Release returns the connection to the pool
func (h *Handle) Release() {
	if !h.released.CompareAndSwap(false, true) {
		return
	}
	runtime.SetFinalizer(h, nil)
	h.pool.release(h.pc)
}

// reclaim runs when a handle became unreachable without Release
func (h *Handle) reclaim() {
	if h.released.Load() {
		return
	}
	h.pool.mu.Lock()
	h.pool.stats.leaksDetected++
	owner := h.pc.owner
	h.pool.mu.Unlock()

	log.Warn().
		Str("connection_id", h.pc.id).
		Str("owner", owner).
		Msg("Connection handle was garbage collected without release")
	h.Release()
}

// With runs fn with a borrowed connection and releases it on every path,
// including panics. An error from fn is reported against the connection.
func (p *Pool) With(ctx context.Context, timeout time.Duration, fn func(storage.Conn) error) error {
	h, err := p.Acquire(ctx, timeout)
	if err != nil {
		return err
	}
	defer h.Release()

	if err := fn(h.Conn()); err != nil {
		h.ReportError(err)
		return err
	}
	return nil
}
