package connpool

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/samber/oops"
	"github.com/sirupsen/logrus"
)

// maxRetryDelay caps the exponential backoff between checkout attempts
const maxRetryDelay = 30 * time.Second

// RetryPolicy controls CheckoutWithRetry.
type RetryPolicy struct {
	// MaxRetries is the number of extra attempts after the first.
	// 0 disables retries, -1 retries until ctx is done.
	MaxRetries int

	// Backoff is the base delay, doubled after every attempt.
	// 0 retries immediately.
	Backoff time.Duration
}

// DefaultRetryPolicy returns a policy of 3 retries starting at 100ms
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 3,
		Backoff:    100 * time.Millisecond,
	}
}

// CheckoutWithRetry checks out a connection, retrying with exponential
// backoff while the pool reports ErrPoolTimeout. Factory failures, a closed
// pool and ctx cancellation are returned without retrying.
func CheckoutWithRetry(ctx context.Context, p *Pool, policy RetryPolicy) (*PooledConn, error) {
	if policy.MaxRetries == 0 {
		return p.Checkout(ctx)
	}

	attempt := 0
	for {
		pc, err := p.Checkout(ctx)
		if err == nil {
			logSuccessAfterRetries(p, attempt)
			return pc, nil
		}

		if !shouldRetry(attempt, policy.MaxRetries, err) {
			return nil, wrapRetryError(p, policy, err, attempt+1)
		}

		if werr := waitForRetry(ctx, p, policy, attempt); werr != nil {
			return nil, wrapRetryError(p, policy, werr, attempt+1)
		}

		attempt++
		p.logger.WithFields(logrus.Fields{
			"pool":       p.Name(),
			"attempt":    attempt + 1,
			"last_error": err.Error(),
		}).Warn("checkout timed out, retrying")
	}
}

// shouldRetry reports whether another attempt is allowed for err
func shouldRetry(attempt, maxRetries int, err error) bool {
	if maxRetries != -1 && attempt >= maxRetries {
		return false
	}
	return errors.Is(err, ErrPoolTimeout)
}

// retryDelay returns backoff * 2^attempt capped at maxRetryDelay
func retryDelay(backoff time.Duration, attempt int) time.Duration {
	if backoff <= 0 {
		return 0
	}
	delay := time.Duration(float64(backoff) * math.Pow(2, float64(attempt)))
	if delay > maxRetryDelay || delay <= 0 {
		delay = maxRetryDelay
	}
	return delay
}

func waitForRetry(ctx context.Context, p *Pool, policy RetryPolicy, attempt int) error {
	delay := retryDelay(policy.Backoff, attempt)
	if delay == 0 {
		return ctx.Err()
	}

	p.logger.WithFields(logrus.Fields{
		"pool":    p.Name(),
		"attempt": attempt + 1,
		"delay":   delay.String(),
	}).Debug("waiting before checkout retry")

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func logSuccessAfterRetries(p *Pool, attempt int) {
	if attempt > 0 {
		p.logger.WithFields(logrus.Fields{
			"pool":     p.Name(),
			"attempts": attempt + 1,
		}).Info("checkout succeeded after retries")
	}
}

func wrapRetryError(p *Pool, policy RetryPolicy, err error, totalAttempts int) error {
	return oops.
		Code("CHECKOUT_RETRY_FAILED").
		In("connpool").
		With("pool", p.Name()).
		With("total_attempts", totalAttempts).
		With("max_retries", policy.MaxRetries).
		Wrapf(err, "checkout failed after %d attempts", totalAttempts)
}
