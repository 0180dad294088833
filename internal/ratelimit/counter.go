// Package ratelimit throttles repetitive log lines such as sink failures.
package ratelimit

import (
	"sync/atomic"
	"time"
)

// Counter counts events and allows one report per interval. Events that fall
// inside the interval are accumulated and handed to the next allowed report.
// It is safe for concurrent use.
type Counter struct {
	interval   time.Duration
	now        func() time.Time
	lastReport atomic.Int64
	total      atomic.Uint64
	suppressed atomic.Uint64
}

// NewCounter returns a Counter reporting at most once per interval.
// A zero or negative interval reports every event.
func NewCounter(interval time.Duration) *Counter {
	return &Counter{interval: interval, now: time.Now}
}

// Event is the outcome of one Inc call.
type Event struct {
	Total      uint64 // events since construction
	Suppressed uint64 // events swallowed since the previous report
	Report     bool
}

// Inc records one event. When Report is true the caller should log, mentioning
// Suppressed if it is non-zero.
func (c *Counter) Inc() Event {
	if c == nil {
		return Event{}
	}
	total := c.total.Add(1)
	if c.interval <= 0 {
		return Event{Total: total, Report: true}
	}
	now := c.now().UnixNano()
	last := c.lastReport.Load()
	if last != 0 && now-last < c.interval.Nanoseconds() {
		c.suppressed.Add(1)
		return Event{Total: total}
	}
	if !c.lastReport.CompareAndSwap(last, now) {
		c.suppressed.Add(1)
		return Event{Total: total}
	}
	return Event{Total: total, Suppressed: c.suppressed.Swap(0), Report: true}
}

// Total returns the number of events recorded.
func (c *Counter) Total() uint64 {
	if c == nil {
		return 0
	}
	return c.total.Load()
}
