package connpool

import (
	"context"
	"sync"
	"time"

	"github.com/go-i2p/logger"
	"github.com/sirupsen/logrus"
)

// ShutdownManager coordinates shutdown of several pools.
// Shutdown runs once and bounds the whole sequence by a single timeout.
type ShutdownManager struct {
	// ctx is canceled when shutdown starts
	ctx context.Context

	// cancel cancels ctx
	cancel context.CancelFunc

	// pools tracks the registered pools
	pools map[*Pool]struct{}

	// mu protects pools
	mu sync.RWMutex

	// shutdownTimeout bounds the whole shutdown sequence
	shutdownTimeout time.Duration

	// logger for shutdown events
	logger *logger.Logger

	// done is closed when shutdown completes
	done chan struct{}

	// once ensures shutdown only happens once
	once sync.Once
}

// NewShutdownManager creates a manager with the given timeout.
// If timeout is 0, a default of 30 seconds is used.
func NewShutdownManager(timeout time.Duration) *ShutdownManager {
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &ShutdownManager{
		ctx:             ctx,
		cancel:          cancel,
		pools:           make(map[*Pool]struct{}),
		shutdownTimeout: timeout,
		logger:          log,
		done:            make(chan struct{}),
	}
}

// Register adds a pool to be shut down by the manager
func (sm *ShutdownManager) Register(p *Pool) {
	if p == nil {
		return
	}

	sm.mu.Lock()
	defer sm.mu.Unlock()

	sm.pools[p] = struct{}{}
	sm.logger.WithFields(logrus.Fields{
		"pool":        p.Name(),
		"total_pools": len(sm.pools),
	}).Debug("registered pool for shutdown management")
}

// Unregister removes a pool, typically after the caller shut it down itself
func (sm *ShutdownManager) Unregister(p *Pool) {
	if p == nil {
		return
	}

	sm.mu.Lock()
	defer sm.mu.Unlock()

	delete(sm.pools, p)
	sm.logger.WithFields(logrus.Fields{
		"pool":        p.Name(),
		"total_pools": len(sm.pools),
	}).Debug("unregistered pool from shutdown management")
}

// Context returns a context that is canceled when shutdown starts.
// Long-running workers can select on it to stop checking out.
func (sm *ShutdownManager) Context() context.Context {
	return sm.ctx
}

// Shutdown shuts every registered pool down concurrently and returns the
// first error. Later calls return nil.
func (sm *ShutdownManager) Shutdown() error {
	var shutdownErr error

	sm.once.Do(func() {
		defer close(sm.done)

		pools := sm.snapshot()
		sm.logger.WithFields(logrus.Fields{
			"timeout": sm.shutdownTimeout.String(),
			"pools":   len(pools),
		}).Info("initiating graceful shutdown")

		sm.cancel()
		shutdownErr = sm.shutdownPools(pools)
		sm.logger.Info("graceful shutdown complete")
	})

	return shutdownErr
}

// Wait blocks until Shutdown has completed
func (sm *ShutdownManager) Wait() {
	<-sm.done
}

func (sm *ShutdownManager) snapshot() []*Pool {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	pools := make([]*Pool, 0, len(sm.pools))
	for p := range sm.pools {
		pools = append(pools, p)
	}
	return pools
}

func (sm *ShutdownManager) shutdownPools(pools []*Pool) error {
	ctx, cancel := context.WithTimeout(context.Background(), sm.shutdownTimeout)
	defer cancel()

	errs := make([]error, len(pools))
	var wg sync.WaitGroup
	for i, p := range pools {
		wg.Add(1)
		go func(i int, p *Pool) {
			defer wg.Done()
			errs[i] = p.Shutdown(ctx)
		}(i, p)
	}
	wg.Wait()

	var firstError error
	for i, err := range errs {
		if err == nil {
			continue
		}
		sm.logger.WithError(err).WithField("pool", pools[i].Name()).
			Error("error shutting down pool")
		if firstError == nil {
			firstError = err
		}
	}
	return firstError
}
