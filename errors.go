package connpool

import (
	"errors"
	"time"

	"github.com/samber/oops"
)

// Sentinel errors returned (wrapped) by the pool. Match them with errors.Is.
var (
	// ErrPoolTimeout is returned when no connection became available within
	// the checkout timeout. It is the only condition a caller may retry.
	ErrPoolTimeout = errors.New("connection pool checkout timed out")

	// ErrPoolClosed is returned for operations on a pool that has been shut down.
	ErrPoolClosed = errors.New("connection pool is closed")

	// ErrConnectionCreate is returned when the connection factory fails.
	ErrConnectionCreate = errors.New("connection factory failed")

	// ErrInvalidConnection is returned when a handle is checked in that the
	// pool does not consider checked out.
	ErrInvalidConnection = errors.New("invalid pooled connection")
)

// IsTimeout reports whether err is a checkout timeout
func IsTimeout(err error) bool {
	return errors.Is(err, ErrPoolTimeout)
}

// IsClosed reports whether err was caused by a closed pool
func IsClosed(err error) bool {
	return errors.Is(err, ErrPoolClosed)
}

func timeoutError(pool string, timeout time.Duration, waited time.Duration) error {
	return oops.
		Code("POOL_TIMEOUT").
		In("connpool").
		With("pool", pool).
		With("timeout", timeout.String()).
		With("waited", waited.String()).
		Wrapf(ErrPoolTimeout, "no connection available within %s", timeout)
}

func closedError(pool, op string) error {
	return oops.
		Code("POOL_CLOSED").
		In("connpool").
		With("pool", pool).
		With("operation", op).
		Wrapf(ErrPoolClosed, "%s on closed pool", op)
}

func createError(pool string, err error) error {
	return oops.
		Code("CONNECTION_CREATE_FAILED").
		In("connpool").
		With("pool", pool).
		With("cause", err.Error()).
		Wrapf(errors.Join(ErrConnectionCreate, err), "failed to create connection")
}

func invalidConnError(pool, reason string) error {
	return oops.
		Code("INVALID_CONNECTION").
		In("connpool").
		With("pool", pool).
		With("reason", reason).
		Wrapf(ErrInvalidConnection, "%s", reason)
}

func canceledError(pool string, err error) error {
	return oops.
		Code("CHECKOUT_CANCELED").
		In("connpool").
		With("pool", pool).
		Wrapf(err, "checkout canceled while waiting")
}
