package connpool

import (
	"time"

	"github.com/samber/oops"
)

// Default pool settings. They match the sizing most services start with:
// five permanent connections, two overflow, a 30s wait and 30m recycling.
const (
	DefaultCoreSize        = 5
	DefaultMaxOverflow     = 2
	DefaultCheckoutTimeout = 30 * time.Second
	DefaultMaxLifetime     = 30 * time.Minute
)

// Config contains the admission, sizing and recycling policy of a Pool.
// It follows the builder pattern for optional configuration and validation.
type Config struct {
	// Name identifies the pool in logs and metrics.
	// Default: generated
	Name string

	// CoreSize is the number of permanent connections the pool keeps.
	// It is also the maximum number of idle connections.
	// Default: 5
	CoreSize int

	// MaxOverflow is the temporary extra capacity allowed beyond CoreSize.
	// Overflow connections are closed when returned while CoreSize are idle.
	// Default: 2
	MaxOverflow int

	// CheckoutTimeout is the maximum time Checkout waits on a saturated pool
	// Default: 30 seconds
	CheckoutTimeout time.Duration

	// MaxLifetime is the age after which a connection is destroyed rather
	// than reused. 0 disables recycling.
	// Default: 30 minutes
	MaxLifetime time.Duration

	// MaxIdleTime closes connections that sat idle longer than this.
	// Default: 0 (no idle limit)
	MaxIdleTime time.Duration

	// ReapInterval is how often a background sweep removes expired idle
	// connections. Expired connections are always removed lazily as well.
	// Default: 0 (no background sweep)
	ReapInterval time.Duration

	// WaitOnClose is how long Shutdown waits for checked out connections to
	// be returned before reporting them as still open.
	// Default: 0 (don't wait)
	WaitOnClose time.Duration
}

// NewConfig creates a new Config with sensible defaults.
func NewConfig() *Config {
	return &Config{
		CoreSize:        DefaultCoreSize,
		MaxOverflow:     DefaultMaxOverflow,
		CheckoutTimeout: DefaultCheckoutTimeout,
		MaxLifetime:     DefaultMaxLifetime,
	}
}

// WithName sets the pool name used in logs and metrics.
func (c *Config) WithName(name string) *Config {
	c.Name = name
	return c
}

// WithCoreSize sets the number of permanent connections.
func (c *Config) WithCoreSize(size int) *Config {
	c.CoreSize = size
	return c
}

// WithMaxOverflow sets the temporary capacity beyond the core size.
func (c *Config) WithMaxOverflow(overflow int) *Config {
	c.MaxOverflow = overflow
	return c
}

// WithCheckoutTimeout sets how long Checkout may wait.
func (c *Config) WithCheckoutTimeout(timeout time.Duration) *Config {
	c.CheckoutTimeout = timeout
	return c
}

// WithMaxLifetime sets the recycle age. Use 0 to disable recycling.
func (c *Config) WithMaxLifetime(lifetime time.Duration) *Config {
	c.MaxLifetime = lifetime
	return c
}

// WithMaxIdleTime sets the idle limit. Use 0 to disable it.
func (c *Config) WithMaxIdleTime(idle time.Duration) *Config {
	c.MaxIdleTime = idle
	return c
}

// WithReapInterval enables the background sweep of idle connections.
func (c *Config) WithReapInterval(interval time.Duration) *Config {
	c.ReapInterval = interval
	return c
}

// WithWaitOnClose sets how long Shutdown waits for borrowed connections.
func (c *Config) WithWaitOnClose(wait time.Duration) *Config {
	c.WaitOnClose = wait
	return c
}

// MaxOpen returns the hard limit on concurrent physical connections.
func (c *Config) MaxOpen() int {
	return c.CoreSize + c.MaxOverflow
}

// Validate checks if the configuration is valid and complete.
// Returns an error with context if validation fails.
func (c *Config) Validate() error {
	if err := c.validateCoreSize(); err != nil {
		return err
	}

	if err := c.validateMaxOverflow(); err != nil {
		return err
	}

	if err := c.validateCheckoutTimeout(); err != nil {
		return err
	}

	if err := c.validateDurations(); err != nil {
		return err
	}

	return nil
}

// validateCoreSize checks that the pool can hold at least one connection.
func (c *Config) validateCoreSize() error {
	if c.CoreSize < 1 {
		return oops.
			Code("INVALID_POOL_SIZE").
			In("connpool").
			With("core_size", c.CoreSize).
			With("pool", c.Name).
			Errorf("core size must be at least 1")
	}
	return nil
}

// validateMaxOverflow checks that the overflow is non-negative.
func (c *Config) validateMaxOverflow() error {
	if c.MaxOverflow < 0 {
		return oops.
			Code("INVALID_OVERFLOW").
			In("connpool").
			With("max_overflow", c.MaxOverflow).
			With("pool", c.Name).
			Errorf("max overflow must be non-negative")
	}
	return nil
}

// validateCheckoutTimeout checks that the checkout timeout is positive.
func (c *Config) validateCheckoutTimeout() error {
	if c.CheckoutTimeout <= 0 {
		return oops.
			Code("INVALID_TIMEOUT").
			In("connpool").
			With("timeout", c.CheckoutTimeout).
			With("pool", c.Name).
			Errorf("checkout timeout must be positive")
	}
	return nil
}

// validateDurations checks the optional durations are non-negative.
func (c *Config) validateDurations() error {
	durations := map[string]time.Duration{
		"max_lifetime":  c.MaxLifetime,
		"max_idle_time": c.MaxIdleTime,
		"reap_interval": c.ReapInterval,
		"wait_on_close": c.WaitOnClose,
	}

	for name, d := range durations {
		if d < 0 {
			return oops.
				Code("INVALID_DURATION").
				In("connpool").
				With("field", name).
				With("value", d).
				With("pool", c.Name).
				Errorf("%s must be non-negative", name)
		}
	}
	return nil
}
