package connpool

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryDelay(t *testing.T) {
	tests := []struct {
		name     string
		backoff  time.Duration
		attempt  int
		expected time.Duration
	}{
		{name: "no backoff", backoff: 0, attempt: 3, expected: 0},
		{name: "first retry", backoff: 100 * time.Millisecond, attempt: 0, expected: 100 * time.Millisecond},
		{name: "third retry", backoff: 100 * time.Millisecond, attempt: 2, expected: 400 * time.Millisecond},
		{name: "capped", backoff: time.Second, attempt: 10, expected: 30 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, retryDelay(tt.backoff, tt.attempt))
		})
	}
}

func TestShouldRetry(t *testing.T) {
	timeout := timeoutError("test", time.Second, time.Second)

	assert.True(t, shouldRetry(0, 3, timeout))
	assert.False(t, shouldRetry(3, 3, timeout))
	assert.True(t, shouldRetry(100, -1, timeout))
	assert.False(t, shouldRetry(0, 3, closedError("test", "checkout")))
	assert.False(t, shouldRetry(0, 3, createError("test", errBackendDown)))
}

func TestCheckoutWithRetrySucceedsAfterTimeout(t *testing.T) {
	f := &mockFactory{}
	p := newTestPool(t, f, NewConfig().
		WithCoreSize(1).
		WithMaxOverflow(0).
		WithCheckoutTimeout(50*time.Millisecond))

	held, err := p.Checkout(context.Background())
	require.NoError(t, err)

	go func() {
		time.Sleep(80 * time.Millisecond)
		_ = p.Checkin(held)
	}()

	pc, err := CheckoutWithRetry(context.Background(), p, RetryPolicy{
		MaxRetries: 5,
		Backoff:    10 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.Same(t, held, pc)
	assert.GreaterOrEqual(t, p.Stats().Timeouts, uint64(1))
}

func TestCheckoutWithRetryExhausted(t *testing.T) {
	p := newTestPool(t, &mockFactory{}, NewConfig().
		WithCoreSize(1).
		WithMaxOverflow(0).
		WithCheckoutTimeout(20*time.Millisecond))

	_, err := p.Checkout(context.Background())
	require.NoError(t, err)

	pc, err := CheckoutWithRetry(context.Background(), p, RetryPolicy{MaxRetries: 2})
	require.Error(t, err)
	assert.Nil(t, pc)
	assert.True(t, errors.Is(err, ErrPoolTimeout))
	assert.Contains(t, err.Error(), "3 attempts")
	assert.Equal(t, uint64(3), p.Stats().Timeouts)
}

func TestCheckoutWithRetryDoesNotRetryCreateFailure(t *testing.T) {
	f := &mockFactory{err: errBackendDown}
	p := newTestPool(t, f, NewConfig())

	_, err := CheckoutWithRetry(context.Background(), p, DefaultRetryPolicy())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConnectionCreate))
	assert.Equal(t, uint64(1), p.Stats().CreateFailed)
}

func TestCheckoutWithRetryClosedPool(t *testing.T) {
	p := newTestPool(t, &mockFactory{}, NewConfig())
	require.NoError(t, p.Shutdown(context.Background()))

	_, err := CheckoutWithRetry(context.Background(), p, DefaultRetryPolicy())
	assert.True(t, errors.Is(err, ErrPoolClosed))
}

func TestCheckoutWithRetryRespectsContext(t *testing.T) {
	p := newTestPool(t, &mockFactory{}, NewConfig().
		WithCoreSize(1).
		WithMaxOverflow(0).
		WithCheckoutTimeout(20*time.Millisecond))

	_, err := p.Checkout(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err = CheckoutWithRetry(ctx, p, RetryPolicy{MaxRetries: -1, Backoff: 10 * time.Millisecond})
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.False(t, errors.Is(err, ErrConnectionCreate))
}

func TestCheckoutWithRetryZeroRetries(t *testing.T) {
	p := newTestPool(t, &mockFactory{}, NewConfig())

	pc, err := CheckoutWithRetry(context.Background(), p, RetryPolicy{})
	require.NoError(t, err)
	assert.NotNil(t, pc)
}
