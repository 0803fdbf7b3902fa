package stream

import "time"

const (
	// DefaultBackoffBase is the delay after the first failure.
	DefaultBackoffBase = time.Second
	// DefaultBackoffMax caps the delay between reconnect attempts.
	DefaultBackoffMax = 30 * time.Second
)

// Backoff produces capped exponential reconnect delays: base, 2x, 4x, ...
// up to max. Reset returns it to base after a successful connection.
type Backoff struct {
	Base time.Duration
	Max  time.Duration

	attempt int
}

// Next returns the delay to wait before the next attempt and advances the
// sequence.
func (b *Backoff) Next() time.Duration {
	base := b.Base
	if base <= 0 {
		base = DefaultBackoffBase
	}
	max := b.Max
	if max <= 0 {
		max = DefaultBackoffMax
	}

	// Shifting past 62 bits would overflow long before any realistic cap.
	if b.attempt > 32 {
		return max
	}
	d := base << b.attempt
	b.attempt++
	if d > max || d <= 0 {
		return max
	}
	return d
}

// Reset returns the sequence to its base delay.
func (b *Backoff) Reset() {
	b.attempt = 0
}
