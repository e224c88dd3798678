package broker

import "time"

// Backoff is a doubling delay with an upper bound. The zero value is not
// usable; construct with NewBackoff. Not safe for concurrent use; the
// Manager guards it with its own mutex.
type Backoff struct {
	base    time.Duration
	max     time.Duration
	current time.Duration
}

// NewBackoff returns a Backoff starting at base and never exceeding max.
// A max below base is raised to base.
func NewBackoff(base, max time.Duration) Backoff {
	if max < base {
		max = base
	}
	return Backoff{base: base, max: max, current: base}
}

// Current is the delay to wait before the next attempt.
func (b *Backoff) Current() time.Duration { return b.current }

// Advance doubles the delay, capped at max, and returns the new value.
func (b *Backoff) Advance() time.Duration {
	next := b.current * 2
	if next > b.max || next <= 0 {
		next = b.max
	}
	b.current = next
	return next
}

// Reset returns the delay to base.
func (b *Backoff) Reset() { b.current = b.base }
