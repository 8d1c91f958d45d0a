package xmv

import (
	"testing"
	"time"
)

func TestBackoffDoublesToCeiling(t *testing.T) {
	b := NewBackoff(BackoffPolicy{Base: time.Second, Ceiling: 10 * time.Second, Jitter: 0})

	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		10 * time.Second,
		10 * time.Second,
	}
	for i, w := range want {
		if got := b.Next(); got != w {
			t.Errorf("Next() #%d = %v, want %v", i, got, w)
		}
	}
}

func TestBackoffResetReturnsToBase(t *testing.T) {
	b := NewBackoff(BackoffPolicy{Base: time.Second, Ceiling: time.Minute})
	b.random = func() float64 { return 0 }

	b.Next()
	b.Next()
	b.Next()
	if b.Attempt() != 3 {
		t.Errorf("Attempt() = %d, want 3", b.Attempt())
	}

	b.Reset()
	if got := b.Next(); got != time.Second {
		t.Errorf("Next() after Reset = %v, want base", got)
	}
}

func TestBackoffJitterBounds(t *testing.T) {
	policy := BackoffPolicy{Base: 5 * time.Second, Ceiling: 60 * time.Second, Jitter: 0.1}

	for _, u := range []float64{0, 0.5, 0.999} {
		b := NewBackoff(policy)
		b.random = func() float64 { return u }

		// Three consecutive failures: about base, 2x base, 4x base.
		for i, nominal := range []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second} {
			got := b.Next()
			upper := nominal + time.Duration(float64(nominal)*policy.Jitter)
			if got < nominal || got > upper {
				t.Errorf("u=%v delay #%d = %v, want within [%v, %v]", u, i, got, nominal, upper)
			}
		}
	}
}

func TestBackoffNonDecreasingUntilCeiling(t *testing.T) {
	policy := BackoffPolicy{Base: 5 * time.Second, Ceiling: 60 * time.Second, Jitter: 0.1}
	b := NewBackoff(policy)

	// Worst case jitter ordering: high then low.
	vals := []float64{0.999, 0}
	i := 0
	b.random = func() float64 {
		v := vals[i%len(vals)]
		i++
		return v
	}

	var prev time.Duration
	for n := 0; n < 12; n++ {
		d := b.Next()
		if d < prev {
			t.Fatalf("delay #%d = %v decreased from %v", n, d, prev)
		}
		if d > policy.Ceiling {
			t.Fatalf("delay #%d = %v exceeds ceiling", n, d)
		}
		prev = d
	}
	if prev != policy.Ceiling {
		t.Errorf("final delay = %v, want ceiling %v", prev, policy.Ceiling)
	}
}

func TestBackoffPolicyDefaults(t *testing.T) {
	p := BackoffPolicy{Jitter: 3}.withDefaults()

	if p.Base != defaultReconnectBase {
		t.Errorf("Base = %v, want %v", p.Base, defaultReconnectBase)
	}
	if p.Ceiling != defaultReconnectCeiling {
		t.Errorf("Ceiling = %v, want %v", p.Ceiling, defaultReconnectCeiling)
	}
	if p.Jitter != 1 {
		t.Errorf("Jitter = %v, want clamped to 1", p.Jitter)
	}

	p = BackoffPolicy{Base: time.Minute, Ceiling: time.Second}.withDefaults()
	if p.Ceiling != time.Minute {
		t.Errorf("Ceiling = %v, want raised to base", p.Ceiling)
	}
}
