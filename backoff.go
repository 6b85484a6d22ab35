package driftsync

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// RetryPolicy configures the delay schedule for failed deliveries.
// Immutable once a worker is constructed.
type RetryPolicy struct {
	// BaseDelay is the delay before the first retry.
	// Default: 1s
	BaseDelay time.Duration `json:"base_delay" yaml:"base_delay"`

	// MaxDelay caps the computed delay between retries.
	// Default: 30s
	MaxDelay time.Duration `json:"max_delay" yaml:"max_delay"`

	// Multiplier grows the delay after each attempt.
	// Default: 2.0
	Multiplier float64 `json:"multiplier" yaml:"multiplier"`

	// MaxAttempts is the delivery attempt budget. Zero or negative
	// means unlimited.
	// Default: 5
	MaxAttempts int `json:"max_attempts" yaml:"max_attempts"`

	// JitterFraction spreads delays to prevent thundering herd.
	// Value between 0 and 1, where 0.1 means ±10% jitter.
	// Default: 0.1
	JitterFraction float64 `json:"jitter_fraction" yaml:"jitter_fraction"`
}

// DefaultRetryPolicy returns a retry policy with sensible defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		BaseDelay:      time.Second,
		MaxDelay:       30 * time.Second,
		Multiplier:     2.0,
		MaxAttempts:    5,
		JitterFraction: 0.1,
	}
}

// Backoff computes retry delays from a RetryPolicy. Safe for concurrent
// use. Given a fixed seed the jittered sequence is reproducible.
type Backoff struct {
	policy RetryPolicy
	mu     sync.Mutex
	rng    *rand.Rand
}

// NewBackoff creates a Backoff with the given policy. A zero seed draws
// one from the clock; any other seed makes jitter deterministic.
func NewBackoff(policy RetryPolicy, seed int64) *Backoff {
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = time.Second
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = 30 * time.Second
	}
	if policy.MaxDelay < policy.BaseDelay {
		policy.MaxDelay = policy.BaseDelay
	}
	if policy.Multiplier <= 0 {
		policy.Multiplier = 2.0
	}
	if policy.JitterFraction < 0 || policy.JitterFraction > 1 {
		policy.JitterFraction = 0.1
	}
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Backoff{
		policy: policy,
		rng:    rand.New(rand.NewSource(seed)),
	}
}

// Policy returns the policy the Backoff was built with, after fixups.
func (b *Backoff) Policy() RetryPolicy {
	return b.policy
}

// NextDelay returns the delay before retry number attempts+1.
// attempts=0 yields BaseDelay; the raw delay grows by Multiplier per
// attempt and saturates at MaxDelay before jitter is applied.
func (b *Backoff) NextDelay(attempts int) time.Duration {
	return b.addJitter(b.rawDelay(attempts))
}

// rawDelay is the un-jittered schedule. Exponentiation is computed in
// float64 and clamped against MaxDelay, so large attempt counts saturate
// instead of overflowing.
func (b *Backoff) rawDelay(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	delay := float64(b.policy.BaseDelay) * math.Pow(b.policy.Multiplier, float64(attempts))
	if delay > float64(b.policy.MaxDelay) || math.IsInf(delay, 1) || math.IsNaN(delay) {
		delay = float64(b.policy.MaxDelay)
	}
	return time.Duration(delay)
}

func (b *Backoff) addJitter(d time.Duration) time.Duration {
	if b.policy.JitterFraction == 0 {
		return d
	}
	// Multiplicative jitter: d * (1 ± JitterFraction)
	jitterRange := float64(d) * b.policy.JitterFraction
	b.mu.Lock()
	jitter := (b.rng.Float64()*2 - 1) * jitterRange
	b.mu.Unlock()
	return time.Duration(float64(d) + jitter)
}

// ShouldRetry reports whether another delivery attempt fits the budget.
// A non-positive MaxAttempts means the budget is unlimited.
func (b *Backoff) ShouldRetry(attempts int) bool {
	if b.policy.MaxAttempts <= 0 {
		return true
	}
	return attempts < b.policy.MaxAttempts
}
