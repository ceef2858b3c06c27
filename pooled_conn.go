package connpool

import (
	"context"
	"time"

	"github.com/go-i2p/go-connpool/internal"
	"github.com/google/uuid"
)

// Connection is an opaque handle to one physical backend session.
// The pool only ever closes it.
type Connection interface {
	Close() error
}

// Factory produces a new physical connection on demand.
type Factory func(ctx context.Context) (Connection, error)

// PooledConn is a connection owned by a Pool and lent to one caller at a time.
type PooledConn struct {
	// raw is the physical connection
	raw Connection

	// id uniquely identifies the connection in logs
	id string

	// pool is the owning pool (back-reference only)
	pool *Pool

	// created is the time the factory produced the connection
	created time.Time

	// state is guarded by pool.mu
	state internal.ConnState

	// usage tracks checkout counters
	usage *internal.UsageMetrics
}

func newPooledConn(p *Pool, raw Connection, now time.Time) *PooledConn {
	return &PooledConn{
		raw:     raw,
		id:      uuid.New().String(),
		pool:    p,
		created: now,
		state:   internal.StateInUse,
		usage:   internal.NewUsageMetrics(now),
	}
}

// Raw returns the underlying physical connection
func (c *PooledConn) Raw() Connection {
	return c.raw
}

// ID returns the connection identifier
func (c *PooledConn) ID() string {
	return c.id
}

// CreatedAt returns the time the connection was created
func (c *PooledConn) CreatedAt() time.Time {
	return c.created
}

// Age returns how long ago the connection was created
func (c *PooledConn) Age() time.Duration {
	return c.pool.clock.Now().Sub(c.created)
}

// CheckoutCount returns how many times the connection has been handed out
func (c *PooledConn) CheckoutCount() int64 {
	checkouts, _, _ := c.usage.GetStats()
	return checkouts
}

// State returns the current lifecycle state
func (c *PooledConn) State() internal.ConnState {
	c.pool.mu.Lock()
	defer c.pool.mu.Unlock()
	return c.state
}

// Release returns the connection to its pool. It is shorthand for
// pool.Checkin(c).
func (c *PooledConn) Release() error {
	return c.pool.Checkin(c)
}

// expired reports whether the connection is older than lifetime
func (c *PooledConn) expired(lifetime time.Duration, now time.Time) bool {
	return lifetime > 0 && now.Sub(c.created) > lifetime
}

// idleTooLong reports whether the connection sat idle longer than maxIdle
func (c *PooledConn) idleTooLong(maxIdle time.Duration, now time.Time) bool {
	return maxIdle > 0 && now.Sub(c.usage.IdleSince()) > maxIdle
}
