package internal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestConnStateString(t *testing.T) {
	tests := []struct {
		state ConnState
		want  string
	}{
		{StateIdle, "idle"},
		{StateInUse, "in_use"},
		{StateClosed, "closed"},
		{ConnState(42), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.state.String())
		})
	}
}

func TestUsageMetrics(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewUsageMetrics(start)

	assert.Equal(t, start, m.IdleSince(), "never checked in reports creation time")

	m.MarkCheckout(start.Add(time.Second))
	m.MarkCheckin(start.Add(2 * time.Second))
	m.MarkCheckout(start.Add(3 * time.Second))

	checkouts, lastOut, lastIn := m.GetStats()
	assert.Equal(t, int64(2), checkouts)
	assert.Equal(t, start.Add(3*time.Second), lastOut)
	assert.Equal(t, start.Add(2*time.Second), lastIn)
	assert.Equal(t, start.Add(2*time.Second), m.IdleSince())
}

func TestManualClock(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewManualClock(start)

	assert.Equal(t, start, c.Now())

	c.Advance(1801 * time.Second)
	assert.Equal(t, start.Add(1801*time.Second), c.Now())

	c.Set(start)
	assert.Equal(t, start, c.Now())
}

func TestSystemClock(t *testing.T) {
	before := time.Now()
	now := SystemClock{}.Now()
	assert.False(t, now.Before(before))
}
