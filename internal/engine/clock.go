package engine

import "sync/atomic"

// Clock is a monotonic logical clock. Events are ordered by the sequence
// numbers it hands out, never by wall time.
type Clock struct {
	seq atomic.Int64
}

// NewClock creates a clock at 0.
func NewClock() *Clock {
	return &Clock{}
}

// NewClockAt creates a clock positioned at start.
func NewClockAt(start int64) *Clock {
	c := &Clock{}
	c.seq.Store(start)
	return c
}

// Next advances the clock and returns the new value.
func (c *Clock) Next() int64 {
	return c.seq.Add(1)
}

// Current returns the last value handed out.
func (c *Clock) Current() int64 {
	return c.seq.Load()
}
