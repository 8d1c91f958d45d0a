package xmv

import (
	"math/rand"
	"time"
)

// Default reconnection policy.
const (
	defaultReconnectBase    = 5 * time.Second
	defaultReconnectCeiling = 60 * time.Second
	defaultReconnectJitter  = 0.1
)

// BackoffPolicy configures reconnect delays.
type BackoffPolicy struct {
	// Base is the first delay. Default: 5 seconds.
	Base time.Duration

	// Ceiling caps every delay. Default: 60 seconds.
	Ceiling time.Duration

	// Jitter adds up to Jitter*delay of random extra wait, in [0, 1].
	// Jitter only ever lengthens a delay, so successive delays stay
	// non-decreasing until the ceiling. Default: 0.1.
	Jitter float64
}

// withDefaults fills zero fields.
func (p BackoffPolicy) withDefaults() BackoffPolicy {
	if p.Base <= 0 {
		p.Base = defaultReconnectBase
	}
	if p.Ceiling <= 0 {
		p.Ceiling = defaultReconnectCeiling
	}
	if p.Ceiling < p.Base {
		p.Ceiling = p.Base
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.Jitter > 1 {
		p.Jitter = 1
	}
	return p
}

// Backoff produces successive reconnect delays.
//
// delay(n) = min(Ceiling, Base * 2^n * (1 + Jitter*U[0,1)))
//
// Thread Safety: not safe for concurrent use; owned by the connection loop.
type Backoff struct {
	policy  BackoffPolicy
	attempt int
	random  func() float64
}

// NewBackoff creates a Backoff with defaults applied.
func NewBackoff(policy BackoffPolicy) *Backoff {
	return &Backoff{
		policy: policy.withDefaults(),
		random: rand.Float64,
	}
}

// Next returns the delay for the current attempt and advances the counter.
func (b *Backoff) Next() time.Duration {
	delay := b.policy.Base
	for i := 0; i < b.attempt && delay < b.policy.Ceiling; i++ {
		delay *= 2
	}
	b.attempt++

	if delay >= b.policy.Ceiling {
		return b.policy.Ceiling
	}

	if b.policy.Jitter > 0 {
		delay += time.Duration(float64(delay) * b.policy.Jitter * b.random())
	}
	if delay > b.policy.Ceiling {
		delay = b.policy.Ceiling
	}
	return delay
}

// Reset returns to the base delay. Called after every successful connect.
func (b *Backoff) Reset() {
	b.attempt = 0
}

// Attempt returns how many delays have been handed out since the last reset.
func (b *Backoff) Attempt() int {
	return b.attempt
}
