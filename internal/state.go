package internal

import (
	"sync"
	"time"
)

// ConnState represents the lifecycle state of a pooled connection
type ConnState int

const (
	// StateIdle represents a connection sitting in the pool's idle set
	StateIdle ConnState = iota
	// StateInUse represents a connection handed out to a caller
	StateInUse
	// StateClosed represents a destroyed connection
	StateClosed
)

// String returns the string representation of the connection state
func (s ConnState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInUse:
		return "in_use"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// UsageMetrics holds per-connection usage data
type UsageMetrics struct {
	mu           sync.RWMutex
	Created      time.Time
	LastCheckout time.Time
	LastCheckin  time.Time
	Checkouts    int64
}

// NewUsageMetrics creates a new UsageMetrics instance created at now
func NewUsageMetrics(now time.Time) *UsageMetrics {
	return &UsageMetrics{
		Created:     now,
		LastCheckin: now,
	}
}

// MarkCheckout records a checkout at now
func (m *UsageMetrics) MarkCheckout(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.LastCheckout = now
	m.Checkouts++
}

// MarkCheckin records a checkin at now
func (m *UsageMetrics) MarkCheckin(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.LastCheckin = now
}

// IdleSince returns the time the connection was last returned.
// A connection that was never checked in reports its creation time.
func (m *UsageMetrics) IdleSince() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.LastCheckin
}

// GetStats returns current usage statistics
func (m *UsageMetrics) GetStats() (checkouts int64, lastCheckout, lastCheckin time.Time) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.Checkouts, m.LastCheckout, m.LastCheckin
}
