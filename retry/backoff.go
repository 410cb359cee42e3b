package retry

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Default backoff bounds.
const (
	DefaultBase = 2 * time.Second
	DefaultMax  = 60 * time.Second
)

// Backoff computes delay_n = Base * 2^(n-1) * j with j drawn from [0.5, 1.5],
// capped at Max.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
	// Rand returns a value in [0, 1). Nil uses math/rand.
	Rand func() float64
}

// DefaultBackoff returns the standard reconnect backoff.
func DefaultBackoff() Backoff {
	return Backoff{Base: DefaultBase, Max: DefaultMax}
}

// Delay returns the wait before attempt n (1-based).
func (b Backoff) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	base := b.Base
	if base <= 0 {
		base = DefaultBase
	}
	max := b.Max
	if max <= 0 {
		max = DefaultMax
	}
	r := b.Rand
	if r == nil {
		//nolint:gosec // G404: jitter only
		r = rand.Float64
	}
	jitter := 0.5 + r()
	d := float64(base) * math.Pow(2, float64(n-1)) * jitter
	if d > float64(max) || math.IsInf(d, 0) || math.IsNaN(d) {
		return max
	}
	return time.Duration(d)
}

// Retrier counts consecutive failures against an attempt cap.
type Retrier struct {
	MaxAttempts int
	Backoff     Backoff

	mu       sync.Mutex
	attempts int
}

// NewRetrier returns a retrier allowing maxAttempts consecutive failures
// (values < 1 mean 1).
func NewRetrier(maxAttempts int, b Backoff) *Retrier {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Retrier{MaxAttempts: maxAttempts, Backoff: b}
}

// Fail records a failure. It returns the delay before the next attempt and
// false once the cap is reached.
func (r *Retrier) Fail() (time.Duration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts++
	if r.attempts >= r.MaxAttempts {
		return 0, false
	}
	return r.Backoff.Delay(r.attempts), true
}

// Reset clears the failure count after a success.
func (r *Retrier) Reset() {
	r.mu.Lock()
	r.attempts = 0
	r.mu.Unlock()
}

// Attempts returns the current consecutive failure count.
func (r *Retrier) Attempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts
}

// Exhausted reports whether the cap has been reached.
func (r *Retrier) Exhausted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts >= r.MaxAttempts
}

// Do runs op until it succeeds, returns a non-retryable error or the retrier
// is exhausted. onRetry, if set, is called before each wait.
func Do(ctx context.Context, clock clockwork.Clock, r *Retrier, op func(context.Context) error, onRetry func(attempt int, err error, wait time.Duration)) error {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	for {
		err := op(ctx)
		if err == nil {
			r.Reset()
			return nil
		}
		if !IsRetryable(err) {
			return err
		}
		wait, ok := r.Fail()
		if !ok {
			return err
		}
		if onRetry != nil {
			onRetry(r.Attempts(), err, wait)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-clock.After(wait):
		}
	}
}
