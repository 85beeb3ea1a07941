package pool

import (
	"time"

	"github.com/ironchef/poolkeeper/pkg/storage"
)

// pooledConn wraps one physical connection. All fields are guarded by the
// owning Pool's mutex; while validating or creating, the connection is held
// by exactly one goroutine and counted in Pool.pending.
type pooledConn struct {
	conn       storage.Conn
	id         string
	createdAt  time.Time
	lastUsed   time.Time
	borrowedAt time.Time
	usageCount int64
	errorCount int
	healthy    bool
	owner      string
	leakLogged bool
}

func newPooledConn(conn storage.Conn) *pooledConn {
	now := time.Now()
	return &pooledConn{
		conn:      conn,
		id:        conn.ID(),
		createdAt: now,
		lastUsed:  now,
		healthy:   true,
	}
}

func (c *pooledConn) age(now time.Time) time.Duration {
	return now.Sub(c.createdAt)
}

// ConnectionInfo is a read-only view of one pooled connection
type ConnectionInfo struct {
	ID         string        `json:"id"`
	CreatedAt  time.Time     `json:"created_at"`
	LastUsed   time.Time     `json:"last_used"`
	UsageCount int64         `json:"usage_count"`
	ErrorCount int           `json:"error_count"`
	Healthy    bool          `json:"healthy"`
	Owner      string        `json:"owner,omitempty"`
	Age        time.Duration `json:"age"`
}

func (c *pooledConn) info(now time.Time) ConnectionInfo {
	return ConnectionInfo{
		ID:         c.id,
		CreatedAt:  c.createdAt,
		LastUsed:   c.lastUsed,
		UsageCount: c.usageCount,
		ErrorCount: c.errorCount,
		Healthy:    c.healthy,
		Owner:      c.owner,
		Age:        c.age(now),
	}
}

// LeakInfo describes a connection borrowed for longer than the leak threshold
type LeakInfo struct {
	ConnectionID string        `json:"connection_id"`
	Owner        string        `json:"owner"`
	BorrowedAt   time.Time     `json:"borrowed_at"`
	HeldFor      time.Duration `json:"held_for"`
}
