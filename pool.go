package connpool

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/go-i2p/go-connpool/internal"
	"github.com/go-i2p/logger"
	"github.com/google/uuid"
	"github.com/samber/oops"
	"github.com/sirupsen/logrus"
)

// Pool is a bounded connection pool. It keeps up to CoreSize idle
// connections, allows MaxOverflow extra connections under load, makes
// callers wait up to CheckoutTimeout on a saturated pool and recycles
// connections older than MaxLifetime.
type Pool struct {
	// config is the validated pool policy
	config Config

	// factory creates physical connections
	factory Factory

	// clock is the time source for age and idle checks
	clock internal.Clock

	// logger for pool events
	logger *logger.Logger

	// mu guards every field below it
	mu sync.Mutex

	// idle is a LIFO stack of connections ready for reuse
	idle []*PooledConn

	// active counts live connections plus reserved creation slots
	active int

	// creating counts reserved creation slots
	creating int

	// waiters is the FIFO of blocked checkouts
	waiters *waitQueue

	// closed is set once by Shutdown
	closed bool

	// stats holds the cumulative counters
	stats counters

	// creates tracks reserved creation slots so Shutdown can wait for them
	creates sync.WaitGroup

	// stopReap stops the background sweep, nil when disabled
	stopReap chan struct{}

	// reapDone is closed when the background sweep exits
	reapDone chan struct{}
}

// counters are cumulative pool counters, guarded by Pool.mu
type counters struct {
	checkouts    uint64
	timeouts     uint64
	created      uint64
	createFailed uint64
	destroyed    uint64
	recycled     uint64
	overflowShed uint64
	waitCount    uint64
	waitDuration time.Duration
}

// Stats is a point-in-time snapshot of a pool
type Stats struct {
	Name         string
	CoreSize     int
	MaxOpen      int
	Active       int
	Idle         int
	InUse        int
	Creating     int
	Waiting      int
	Checkouts    uint64
	Timeouts     uint64
	Created      uint64
	CreateFailed uint64
	Destroyed    uint64
	Recycled     uint64
	OverflowShed uint64
	WaitCount    uint64
	WaitDuration time.Duration
}

// New creates a pool that obtains connections from factory.
// A nil config uses NewConfig() defaults.
func New(factory Factory, config *Config) (*Pool, error) {
	return newPool(factory, config, internal.SystemClock{})
}

func newPool(factory Factory, config *Config, clock internal.Clock) (*Pool, error) {
	if factory == nil {
		return nil, oops.
			Code("INVALID_FACTORY").
			In("connpool").
			Errorf("connection factory cannot be nil")
	}

	if config == nil {
		config = NewConfig()
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	cfg := *config
	if cfg.Name == "" {
		cfg.Name = "pool-" + uuid.New().String()[:8]
	}

	p := &Pool{
		config:  cfg,
		factory: factory,
		clock:   clock,
		logger:  log,
		idle:    make([]*PooledConn, 0, cfg.CoreSize),
		waiters: newWaitQueue(),
	}

	if cfg.ReapInterval > 0 {
		p.stopReap = make(chan struct{})
		p.reapDone = make(chan struct{})
		go p.reap()
	}

	p.logger.WithFields(logrus.Fields{
		"pool":             cfg.Name,
		"core_size":        cfg.CoreSize,
		"max_overflow":     cfg.MaxOverflow,
		"checkout_timeout": cfg.CheckoutTimeout.String(),
		"max_lifetime":     cfg.MaxLifetime.String(),
	}).Debug("connection pool created")

	return p, nil
}

// Checkout returns a connection that no other caller holds and that is
// younger than MaxLifetime. It reuses an idle connection when possible,
// creates one when below capacity and otherwise waits in FIFO order for up
// to CheckoutTimeout. ctx bounds the wait and is passed to the factory.
func (p *Pool) Checkout(ctx context.Context) (*PooledConn, error) {
	now := p.clock.Now()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, closedError(p.config.Name, "checkout")
	}

	pc, stale := p.popIdleLocked(now)
	if pc != nil {
		p.handOutLocked(pc, now)
		p.mu.Unlock()
		p.destroyAll(stale, "expired while idle")
		return pc, nil
	}

	if p.waiters.Len() == 0 && p.active < p.config.MaxOpen() {
		p.reserveSlotLocked()
		p.mu.Unlock()
		p.destroyAll(stale, "expired while idle")
		return p.fillSlot(ctx)
	}

	w := p.waiters.push(time.Now())
	p.stats.waitCount++
	waiting := p.waiters.Len()
	p.mu.Unlock()
	p.destroyAll(stale, "expired while idle")

	p.logger.WithFields(logrus.Fields{
		"pool":    p.config.Name,
		"waiting": waiting,
	}).Debug("pool saturated, waiting for connection")

	return p.wait(ctx, w)
}

// Checkin returns a connection obtained from Checkout. Connections past
// MaxLifetime, connections returned to a closed pool and overflow
// connections beyond CoreSize idle are destroyed. Otherwise the connection
// goes straight to the longest-waiting caller, or to the idle set.
func (p *Pool) Checkin(pc *PooledConn) error {
	if err := p.checkOwner(pc); err != nil {
		return err
	}

	now := p.clock.Now()

	p.mu.Lock()
	if pc.state != internal.StateInUse {
		state := pc.state
		p.mu.Unlock()
		return invalidConnError(p.config.Name, "connection is not checked out (state "+state.String()+")")
	}

	pc.usage.MarkCheckin(now)
	reason := p.putLocked(pc, now)
	p.mu.Unlock()

	if reason != "" {
		p.destroy(pc, reason)
	}
	return nil
}

// Discard destroys a checked out connection the caller knows to be broken.
// The freed capacity goes to the longest-waiting caller.
func (p *Pool) Discard(pc *PooledConn) error {
	if err := p.checkOwner(pc); err != nil {
		return err
	}

	p.mu.Lock()
	if pc.state != internal.StateInUse {
		state := pc.state
		p.mu.Unlock()
		return invalidConnError(p.config.Name, "connection is not checked out (state "+state.String()+")")
	}

	p.retireLocked(pc)
	p.mu.Unlock()

	p.destroy(pc, "discarded")
	return nil
}

// Check verifies the backend is reachable by checking a connection out and
// back in.
func (p *Pool) Check(ctx context.Context) error {
	pc, err := p.Checkout(ctx)
	if err != nil {
		return err
	}
	return p.Checkin(pc)
}

// Shutdown closes the pool. Idle connections are destroyed, waiting callers
// fail with ErrPoolClosed and connections still checked out are destroyed
// when returned. Shutdown returns once every in-flight connection creation
// has observed the closed state, or with SHUTDOWN_TIMEOUT when ctx is done
// first; such creations still close their connection when the factory
// returns. With WaitOnClose set it also waits, bounded by WaitOnClose and
// ctx, for borrowed connections to come back.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}

	p.closed = true

	idle := p.idle
	p.idle = nil
	for _, pc := range idle {
		pc.state = internal.StateClosed
		p.active--
		p.stats.destroyed++
	}

	waiters := 0
	for w := p.waiters.pop(); w != nil; w = p.waiters.pop() {
		close(w.ch)
		waiters++
	}

	borrowed := p.active - p.creating
	p.mu.Unlock()

	p.logger.WithFields(logrus.Fields{
		"pool":     p.config.Name,
		"idle":     len(idle),
		"borrowed": borrowed,
		"waiters":  waiters,
	}).Info("shutting down connection pool")

	p.stopReaper()
	p.destroyAll(idle, "pool shutdown")

	if err := p.waitForCreations(ctx); err != nil {
		return err
	}

	if p.config.WaitOnClose > 0 {
		return p.waitForReturns(ctx)
	}
	return nil
}

// Stats returns a snapshot of the pool
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	return Stats{
		Name:         p.config.Name,
		CoreSize:     p.config.CoreSize,
		MaxOpen:      p.config.MaxOpen(),
		Active:       p.active,
		Idle:         len(p.idle),
		InUse:        p.active - len(p.idle) - p.creating,
		Creating:     p.creating,
		Waiting:      p.waiters.Len(),
		Checkouts:    p.stats.checkouts,
		Timeouts:     p.stats.timeouts,
		Created:      p.stats.created,
		CreateFailed: p.stats.createFailed,
		Destroyed:    p.stats.destroyed,
		Recycled:     p.stats.recycled,
		OverflowShed: p.stats.overflowShed,
		WaitCount:    p.stats.waitCount,
		WaitDuration: p.stats.waitDuration,
	}
}

// ConnCount returns the number of open connections and the maximum allowed
func (p *Pool) ConnCount() (open, max int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active, p.config.MaxOpen()
}

// Closed reports whether Shutdown has been called
func (p *Pool) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Name returns the pool name
func (p *Pool) Name() string {
	return p.config.Name
}

// Config returns a copy of the pool configuration
func (p *Pool) Config() Config {
	return p.config
}

// checkOwner rejects nil handles and handles from other pools
func (p *Pool) checkOwner(pc *PooledConn) error {
	if pc == nil {
		return invalidConnError(p.config.Name, "nil connection")
	}
	if pc.pool != p {
		return invalidConnError(p.config.Name, "connection belongs to another pool")
	}
	return nil
}

// popIdleLocked pops the most recently returned usable idle connection.
// Expired connections found on the way are retired and returned as stale
// so the caller can close them outside the lock.
func (p *Pool) popIdleLocked(now time.Time) (*PooledConn, []*PooledConn) {
	var stale []*PooledConn

	for len(p.idle) > 0 {
		last := len(p.idle) - 1
		pc := p.idle[last]
		p.idle[last] = nil
		p.idle = p.idle[:last]

		if pc.expired(p.config.MaxLifetime, now) {
			p.stats.recycled++
			p.retireLocked(pc)
			stale = append(stale, pc)
			continue
		}

		if pc.idleTooLong(p.config.MaxIdleTime, now) {
			p.retireLocked(pc)
			stale = append(stale, pc)
			continue
		}

		return pc, stale
	}

	return nil, stale
}

// handOutLocked marks pc as lent to a caller
func (p *Pool) handOutLocked(pc *PooledConn, now time.Time) {
	pc.state = internal.StateInUse
	pc.usage.MarkCheckout(now)
	p.stats.checkouts++
}

// putLocked places a returned connection. It returns a non-empty reason
// when the connection was retired and must be closed by the caller.
func (p *Pool) putLocked(pc *PooledConn, now time.Time) string {
	if p.closed {
		p.retireLocked(pc)
		return "pool closed"
	}

	if pc.expired(p.config.MaxLifetime, now) {
		p.stats.recycled++
		p.retireLocked(pc)
		return "max lifetime exceeded"
	}

	if w := p.waiters.pop(); w != nil {
		p.handOutLocked(pc, now)
		w.ch <- grant{conn: pc}
		return ""
	}

	if len(p.idle) < p.config.CoreSize {
		pc.state = internal.StateIdle
		p.idle = append(p.idle, pc)
		return ""
	}

	p.stats.overflowShed++
	p.retireLocked(pc)
	return "overflow shed"
}

// retireLocked marks pc destroyed and frees its capacity
func (p *Pool) retireLocked(pc *PooledConn) {
	pc.state = internal.StateClosed
	p.stats.destroyed++
	p.freeCapacityLocked()
}

// freeCapacityLocked releases one unit of capacity. When a caller is
// waiting the unit becomes a creation slot handed to that caller.
func (p *Pool) freeCapacityLocked() {
	if !p.closed {
		if w := p.waiters.pop(); w != nil {
			p.creating++
			p.creates.Add(1)
			w.ch <- grant{}
			return
		}
	}
	p.active--
}

// reserveSlotLocked reserves capacity for one factory call
func (p *Pool) reserveSlotLocked() {
	p.active++
	p.creating++
	p.creates.Add(1)
}

// releaseSlotLocked gives back an unused creation slot. A waiting caller
// inherits it, otherwise the capacity is released.
func (p *Pool) releaseSlotLocked() {
	if !p.closed {
		if w := p.waiters.pop(); w != nil {
			w.ch <- grant{}
			return
		}
	}
	p.creating--
	p.active--
	p.creates.Done()
}

// fillSlot turns a reserved creation slot into a connection
func (p *Pool) fillSlot(ctx context.Context) (*PooledConn, error) {
	p.mu.Lock()
	if p.closed {
		p.releaseSlotLocked()
		p.mu.Unlock()
		return nil, closedError(p.config.Name, "checkout")
	}
	p.mu.Unlock()

	raw, err := p.factory(ctx)
	if err == nil && raw == nil {
		err = oops.
			Code("NIL_CONNECTION").
			In("connpool").
			Errorf("factory returned a nil connection")
	}

	now := p.clock.Now()

	p.mu.Lock()
	if err != nil {
		p.stats.createFailed++
		p.releaseSlotLocked()
		p.mu.Unlock()

		p.logger.WithError(err).WithField("pool", p.config.Name).
			Warn("connection factory failed")
		return nil, createError(p.config.Name, err)
	}

	if p.closed {
		p.stats.created++
		p.stats.destroyed++
		p.releaseSlotLocked()
		p.mu.Unlock()

		if cerr := raw.Close(); cerr != nil {
			p.logger.WithError(cerr).WithField("pool", p.config.Name).
				Warn("error closing connection created during shutdown")
		}
		return nil, closedError(p.config.Name, "checkout")
	}

	pc := newPooledConn(p, raw, now)
	p.creating--
	p.creates.Done()
	p.stats.created++
	p.handOutLocked(pc, now)
	active := p.active
	p.mu.Unlock()

	p.logger.WithFields(logrus.Fields{
		"pool":    p.config.Name,
		"conn_id": pc.id,
		"active":  active,
	}).Debug("created new connection")

	return pc, nil
}

// wait blocks a queued checkout until it is granted a connection or a
// creation slot, times out, is canceled or the pool shuts down.
func (p *Pool) wait(ctx context.Context, w *waiter) (*PooledConn, error) {
	timer := time.NewTimer(p.config.CheckoutTimeout)
	defer timer.Stop()

	select {
	case g, ok := <-w.ch:
		p.recordWait(w)
		if !ok {
			return nil, closedError(p.config.Name, "checkout")
		}
		if g.conn != nil {
			return g.conn, nil
		}
		return p.fillGrantedSlot(ctx, w)

	case <-timer.C:
		waited := time.Since(w.enqueued)
		err := timeoutError(p.config.Name, p.config.CheckoutTimeout, waited)
		return nil, p.abandon(w, err, true)

	case <-ctx.Done():
		return nil, p.abandon(w, canceledError(p.config.Name, ctx.Err()), false)
	}
}

// fillGrantedSlot creates a connection for a waiter that was handed a
// creation slot. The factory only gets what is left of CheckoutTimeout.
func (p *Pool) fillGrantedSlot(ctx context.Context, w *waiter) (*PooledConn, error) {
	deadline := w.enqueued.Add(p.config.CheckoutTimeout)
	fctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	pc, err := p.fillSlot(fctx)
	if err == nil || ctx.Err() != nil || errors.Is(err, ErrPoolClosed) ||
		!errors.Is(fctx.Err(), context.DeadlineExceeded) {
		return pc, err
	}

	p.mu.Lock()
	p.stats.timeouts++
	p.mu.Unlock()

	p.logger.WithError(err).WithFields(logrus.Fields{
		"pool":    p.config.Name,
		"timeout": p.config.CheckoutTimeout.String(),
	}).Warn("checkout timed out while creating connection")

	return nil, timeoutError(p.config.Name, p.config.CheckoutTimeout, time.Since(w.enqueued))
}

// abandon removes a waiter that gave up. If a grant raced with the give-up
// the grant is already buffered in the waiter's channel and is passed on
// to the next waiter or the idle set instead of leaking.
func (p *Pool) abandon(w *waiter, cause error, timedOut bool) error {
	p.mu.Lock()
	if timedOut {
		p.stats.timeouts++
	}
	p.stats.waitDuration += time.Since(w.enqueued)
	removed := p.waiters.remove(w)
	p.mu.Unlock()

	if !removed {
		g, ok := <-w.ch
		if !ok {
			return closedError(p.config.Name, "checkout")
		}
		p.requeue(g)
	}

	if timedOut {
		p.logger.WithFields(logrus.Fields{
			"pool":    p.config.Name,
			"timeout": p.config.CheckoutTimeout.String(),
		}).Warn("checkout timed out")
	}

	return cause
}

// requeue passes a grant nobody will use on to the next owner
func (p *Pool) requeue(g grant) {
	now := p.clock.Now()

	p.mu.Lock()
	if g.conn == nil {
		p.releaseSlotLocked()
		p.mu.Unlock()
		return
	}

	reason := p.putLocked(g.conn, now)
	p.mu.Unlock()

	if reason != "" {
		p.destroy(g.conn, reason)
	}
}

// recordWait accounts the time a granted waiter spent queued
func (p *Pool) recordWait(w *waiter) {
	p.mu.Lock()
	p.stats.waitDuration += time.Since(w.enqueued)
	p.mu.Unlock()
}

// destroy closes the physical connection of a retired pc
func (p *Pool) destroy(pc *PooledConn, reason string) {
	err := pc.raw.Close()

	fields := logrus.Fields{
		"pool":    p.config.Name,
		"conn_id": pc.id,
		"reason":  reason,
		"age":     p.clock.Now().Sub(pc.created).String(),
	}

	if err != nil {
		p.logger.WithError(err).WithFields(fields).Warn("error closing pooled connection")
		return
	}
	p.logger.WithFields(fields).Debug("destroyed pooled connection")
}

// destroyAll closes every connection in pcs
func (p *Pool) destroyAll(pcs []*PooledConn, reason string) {
	for _, pc := range pcs {
		p.destroy(pc, reason)
	}
}

// reap periodically sweeps expired idle connections
func (p *Pool) reap() {
	defer close(p.reapDone)

	ticker := time.NewTicker(p.config.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopReap:
			return
		case <-ticker.C:
			p.reapIdle()
		}
	}
}

// reapIdle removes idle connections past MaxLifetime or MaxIdleTime and
// returns how many were removed.
func (p *Pool) reapIdle() int {
	now := p.clock.Now()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0
	}

	var stale []*PooledConn
	kept := p.idle[:0]
	for _, pc := range p.idle {
		expired := pc.expired(p.config.MaxLifetime, now)
		if !expired && !pc.idleTooLong(p.config.MaxIdleTime, now) {
			kept = append(kept, pc)
			continue
		}
		if expired {
			p.stats.recycled++
		}
		p.retireLocked(pc)
		stale = append(stale, pc)
	}
	for i := len(kept); i < len(p.idle); i++ {
		p.idle[i] = nil
	}
	p.idle = kept
	p.mu.Unlock()

	p.destroyAll(stale, "reaped")

	if len(stale) > 0 {
		p.logger.WithFields(logrus.Fields{
			"pool":    p.config.Name,
			"removed": len(stale),
		}).Debug("reaped idle connections")
	}

	return len(stale)
}

// stopReaper stops the background sweep and waits for it to exit
func (p *Pool) stopReaper() {
	if p.stopReap == nil {
		return
	}
	close(p.stopReap)
	<-p.reapDone
}

// waitForCreations blocks until every reserved creation slot is resolved
// or ctx is done.
func (p *Pool) waitForCreations(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.creates.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
	}

	p.mu.Lock()
	creating := p.creating
	p.mu.Unlock()

	p.logger.WithFields(logrus.Fields{
		"pool":     p.config.Name,
		"creating": creating,
	}).Warn("shutdown deadline reached with connections still being created")

	return oops.
		Code("SHUTDOWN_TIMEOUT").
		In("connpool").
		With("pool", p.config.Name).
		With("creating", creating).
		Wrapf(ctx.Err(), "%d connection(s) still being created at shutdown deadline", creating)
}

// openBorrowed returns how many connections are still out after shutdown
func (p *Pool) openBorrowed() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// waitForReturns polls until every borrowed connection is back, WaitOnClose
// elapses or ctx is done.
func (p *Pool) waitForReturns(ctx context.Context) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	timeout := time.NewTimer(p.config.WaitOnClose)
	defer timeout.Stop()

	for {
		if p.openBorrowed() == 0 {
			return nil
		}

		select {
		case <-ticker.C:
		case <-timeout.C:
			return p.stillOpenError()
		case <-ctx.Done():
			return p.stillOpenError()
		}
	}
}

func (p *Pool) stillOpenError() error {
	open := p.openBorrowed()
	if open == 0 {
		return nil
	}
	return oops.
		Code("SHUTDOWN_TIMEOUT").
		In("connpool").
		With("pool", p.config.Name).
		With("open_connections", open).
		With("wait_on_close", p.config.WaitOnClose.String()).
		Errorf("%d connection(s) still open after waiting %v", open, p.config.WaitOnClose)
}
