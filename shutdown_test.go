package connpool

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewShutdownManager(t *testing.T) {
	tests := []struct {
		name            string
		timeout         time.Duration
		expectedTimeout time.Duration
	}{
		{
			name:            "with custom timeout",
			timeout:         10 * time.Second,
			expectedTimeout: 10 * time.Second,
		},
		{
			name:            "with zero timeout uses default",
			timeout:         0,
			expectedTimeout: 30 * time.Second,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sm := NewShutdownManager(tt.timeout)

			assert.NotNil(t, sm)
			assert.Equal(t, tt.expectedTimeout, sm.shutdownTimeout)
			assert.NotNil(t, sm.ctx)
			assert.NotNil(t, sm.done)
			assert.NotNil(t, sm.pools)
			assert.NotNil(t, sm.logger)
		})
	}
}

func TestShutdownManagerContext(t *testing.T) {
	sm := NewShutdownManager(5 * time.Second)

	ctx := sm.Context()
	select {
	case <-ctx.Done():
		t.Fatal("context should not be cancelled initially")
	default:
	}

	go func() {
		sm.Shutdown()
	}()

	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("context should be cancelled after shutdown")
	}
}

func TestShutdownManagerRegister(t *testing.T) {
	sm := NewShutdownManager(time.Second)
	p := newTestPool(t, &mockFactory{}, NewConfig())

	sm.Register(nil)
	sm.Register(p)
	assert.Len(t, sm.pools, 1)

	sm.Unregister(nil)
	sm.Unregister(p)
	assert.Len(t, sm.pools, 0)

	require.NoError(t, sm.Shutdown())
	assert.False(t, p.Closed())
}

func TestShutdownManagerShutsDownPools(t *testing.T) {
	sm := NewShutdownManager(time.Second)

	pools := make([]*Pool, 0, 3)
	for i := 0; i < 3; i++ {
		p := newTestPool(t, &mockFactory{}, NewConfig())
		require.NoError(t, p.Check(context.Background()))
		sm.Register(p)
		pools = append(pools, p)
	}

	require.NoError(t, sm.Shutdown())
	sm.Wait()

	for _, p := range pools {
		assert.True(t, p.Closed())
		assert.Equal(t, 0, p.Stats().Active)
	}
}

func TestShutdownManagerReportsPoolError(t *testing.T) {
	sm := NewShutdownManager(100 * time.Millisecond)

	p := newTestPool(t, &mockFactory{}, NewConfig().WithWaitOnClose(time.Minute))
	_, err := p.Checkout(context.Background())
	require.NoError(t, err)
	sm.Register(p)

	err = sm.Shutdown()
	require.Error(t, err)
	assert.Equal(t, "SHUTDOWN_TIMEOUT", errCode(t, err))
}

func TestShutdownManagerTimeoutWithHangingFactory(t *testing.T) {
	f := &mockFactory{
		gate:    make(chan struct{}),
		started: make(chan struct{}, 1),
	}
	defer close(f.gate)

	p := newTestPool(t, f, NewConfig())
	pending := checkoutAsync(p)
	<-f.started

	sm := NewShutdownManager(100 * time.Millisecond)
	sm.Register(p)

	done := make(chan error, 1)
	go func() {
		done <- sm.Shutdown()
	}()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.Equal(t, "SHUTDOWN_TIMEOUT", errCode(t, err))
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown manager ignored its timeout")
	}
	assert.True(t, p.Closed())

	f.gate <- struct{}{}
	r := receive(t, pending)
	assert.True(t, IsClosed(r.err))
}

func TestShutdownManagerOnce(t *testing.T) {
	sm := NewShutdownManager(time.Second)
	sm.Register(newTestPool(t, &mockFactory{}, NewConfig()))

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, sm.Shutdown())
		}()
	}
	wg.Wait()

	done := make(chan struct{})
	go func() {
		sm.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Wait should return after shutdown")
	}
}
