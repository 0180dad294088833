package supervisor

import "time"

type backoff struct {
	base time.Duration
	cur  time.Duration
	max  time.Duration
}

// Purpose: Construct an exponential backoff timer.
// Key aspects: Normalizes base/max and starts at base delay.
// Upstream: runIdentity retry loop.
// Downstream: backoff.Next/Reset.
func newBackoff(base, max time.Duration) *backoff {
	if base <= 0 {
		base = time.Second
	}
	if max < base {
		max = base
	}
	return &backoff{base: base, cur: base, max: max}
}

// Next returns the delay to wait now and doubles the following one, capped
// at max.
func (b *backoff) Next() time.Duration {
	d := b.cur
	b.cur *= 2
	if b.cur > b.max {
		b.cur = b.max
	}
	return d
}

// Reset restarts the sequence at base; called once a session reached active.
func (b *backoff) Reset() {
	b.cur = b.base
}
