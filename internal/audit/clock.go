package audit

import "sync/atomic"

// Clock issues strictly increasing sequence numbers for events within a
// session. Wall-clock timestamps are recorded alongside but never used for
// ordering.
type Clock struct {
	seq atomic.Int64
}

func NewClock() *Clock {
	return &Clock{}
}

// NewClockAt returns a clock resumed at a specific sequence number. Used
// when appending to an existing session.
func NewClockAt(start int64) *Clock {
	c := &Clock{}
	c.seq.Store(start)
	return c
}

// Next returns the next sequence number. Safe for concurrent use.
func (c *Clock) Next() int64 {
	return c.seq.Add(1)
}

// Current returns the current sequence number without incrementing.
func (c *Clock) Current() int64 {
	return c.seq.Load()
}
