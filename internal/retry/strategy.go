package retry

import (
	"math"
	"math/rand"
	"time"
)

// Strategy computes the delay before a retry attempt.
type Strategy interface {
	// NextDelay returns the delay before attempt n (1-based: the delay
	// scheduled after the n-th attempt failed).
	NextDelay(attempt int) time.Duration

	// ShouldRetry reports whether attempt+1 may be scheduled.
	ShouldRetry(attempt, maxAttempts int) bool
}

// ExponentialBackoff doubles the delay per attempt, capped at MaxDelay.
type ExponentialBackoff struct {
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64
	Jitter     bool
}

// NewExponentialBackoff returns an exponential backoff with the given bounds.
func NewExponentialBackoff(baseDelay, maxDelay time.Duration, jitter bool) *ExponentialBackoff {
	return &ExponentialBackoff{
		BaseDelay:  baseDelay,
		MaxDelay:   maxDelay,
		Multiplier: 2.0,
		Jitter:     jitter,
	}
}

// DefaultTaskBackoff is the backoff applied to failed task attempts:
// 1s, 2s, 4s, ... capped at 60s, deterministic.
func DefaultTaskBackoff() *ExponentialBackoff {
	return NewExponentialBackoff(1*time.Second, 60*time.Second, false)
}

// NextDelay returns baseDelay * multiplier^(attempt-1), capped at MaxDelay,
// with optional ±25% jitter.
func (e *ExponentialBackoff) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(e.BaseDelay) * math.Pow(e.Multiplier, float64(attempt-1))
	if delay > float64(e.MaxDelay) {
		delay = float64(e.MaxDelay)
	}
	if e.Jitter {
		delay *= 0.75 + rand.Float64()*0.5
	}
	return time.Duration(delay)
}

// ShouldRetry reports whether the attempt budget allows another try.
func (e *ExponentialBackoff) ShouldRetry(attempt, maxAttempts int) bool {
	return attempt < maxAttempts
}

// FixedDelay waits the same duration between every attempt. Used when a
// task declares an explicit retry_delay instead of the default backoff.
type FixedDelay struct {
	Delay time.Duration
}

// NewFixedDelay returns a fixed-delay strategy.
func NewFixedDelay(delay time.Duration) *FixedDelay {
	return &FixedDelay{Delay: delay}
}

// NextDelay returns the configured delay regardless of attempt.
func (f *FixedDelay) NextDelay(int) time.Duration {
	return f.Delay
}

// ShouldRetry reports whether the attempt budget allows another try.
func (f *FixedDelay) ShouldRetry(attempt, maxAttempts int) bool {
	return attempt < maxAttempts
}
