package connpool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-i2p/go-connpool/internal"
	"github.com/samber/oops"
	"github.com/stretchr/testify/require"
)

// mockConn is a Connection that records closes and concurrent holders
type mockConn struct {
	id       int
	closed   atomic.Bool
	holders  atomic.Int32
	closeErr error
}

func (m *mockConn) Close() error {
	m.closed.Store(true)
	return m.closeErr
}

// mockFactory hands out mockConns in creation order
type mockFactory struct {
	mu      sync.Mutex
	created []*mockConn
	err     error
	gate    chan struct{}
	started chan struct{}
}

func (f *mockFactory) New(ctx context.Context) (Connection, error) {
	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.err != nil {
		return nil, f.err
	}
	c := &mockConn{id: len(f.created) + 1}
	f.created = append(f.created, c)
	return c, nil
}

func (f *mockFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

// mock returns the mockConn behind a pooled connection
func mock(t *testing.T, pc *PooledConn) *mockConn {
	t.Helper()
	m, ok := pc.Raw().(*mockConn)
	require.True(t, ok, "expected *mockConn, got %T", pc.Raw())
	return m
}

// errCode returns the oops code carried by err
func errCode(t *testing.T, err error) string {
	t.Helper()
	oopsErr, ok := err.(oops.OopsError)
	require.True(t, ok, "expected oops error, got %T", err)
	return oopsErr.Code()
}

func newTestPool(t *testing.T, f *mockFactory, cfg *Config) *Pool {
	t.Helper()
	p, err := New(f.New, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })
	return p
}

func newClockedPool(t *testing.T, f *mockFactory, cfg *Config, clk internal.Clock) *Pool {
	t.Helper()
	p, err := newPool(f.New, cfg, clk)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })
	return p
}

type checkoutResult struct {
	pc  *PooledConn
	err error
}

// checkoutAsync starts a checkout and returns a channel with its result
func checkoutAsync(p *Pool) <-chan checkoutResult {
	ch := make(chan checkoutResult, 1)
	go func() {
		pc, err := p.Checkout(context.Background())
		ch <- checkoutResult{pc: pc, err: err}
	}()
	return ch
}

// waitForWaiters blocks until n checkouts are queued
func waitForWaiters(t *testing.T, p *Pool, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return p.Stats().Waiting == n
	}, 2*time.Second, 5*time.Millisecond)
}

func receive(t *testing.T, ch <-chan checkoutResult) checkoutResult {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("checkout did not complete")
		return checkoutResult{}
	}
}

var errBackendDown = errors.New("backend down")
