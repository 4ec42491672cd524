package channel

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	DefaultMaxAttempts = 5
	DefaultBaseDelay   = 1000 * time.Millisecond
)

var _ backoff.BackOff = (*LinearBackOff)(nil)

// LinearBackOff waits attempt*Base before each retry and stops after
// MaxAttempts. Growth is linear, not exponential.
type LinearBackOff struct {
	Base        time.Duration
	MaxAttempts int

	attempt int
}

func NewLinearBackOff(base time.Duration, maxAttempts int) *LinearBackOff {
	if base <= 0 {
		base = DefaultBaseDelay
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &LinearBackOff{Base: base, MaxAttempts: maxAttempts}
}

// NextBackOff advances the attempt counter and returns its delay, or
// backoff.Stop once MaxAttempts retries have been handed out.
func (b *LinearBackOff) NextBackOff() time.Duration {
	if b.attempt >= b.MaxAttempts {
		return backoff.Stop
	}
	b.attempt++
	return Delay(b.attempt, b.Base)
}

func (b *LinearBackOff) Reset() {
	b.attempt = 0
}

// Attempt is the number of retries handed out since the last Reset.
func (b *LinearBackOff) Attempt() int {
	return b.attempt
}

// Delay is the wait before reconnect attempt n.
func Delay(n int, base time.Duration) time.Duration {
	if n <= 0 {
		return 0
	}
	return time.Duration(n) * base
}
