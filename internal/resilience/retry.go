package resilience

import (
	"context"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"
)

// Backoff yields exponentially growing delays capped at Max. Jitter spreads
// each delay over [d*(1-Jitter), d].
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64
}

// Delay returns the wait before retry number attempt (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := b.Base
	for i := 1; i < attempt && d < b.Max; i++ {
		d *= 2
	}
	if d > b.Max {
		d = b.Max
	}
	if b.Jitter > 0 {
		j := min(b.Jitter, 1)
		d -= time.Duration(rand.Float64() * j * float64(d))
	}
	return d
}

// RetryPolicy controls Retry.
type RetryPolicy struct {
	// Attempts is the total number of calls, the first included. Default: 3.
	Attempts int
	Backoff  Backoff
	// Retryable decides which errors are retried. Nil means IsTransient.
	Retryable func(error) bool
}

// DefaultRetryPolicy is used for lead store reads and writes.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts: 3,
		Backoff:  Backoff{Base: 200 * time.Millisecond, Max: 5 * time.Second, Jitter: 0.25},
	}
}

func (p RetryPolicy) normalize() RetryPolicy {
	def := DefaultRetryPolicy()
	if p.Attempts <= 0 {
		p.Attempts = def.Attempts
	}
	if p.Backoff.Base <= 0 {
		p.Backoff.Base = def.Backoff.Base
	}
	if p.Backoff.Max < p.Backoff.Base {
		p.Backoff.Max = max(def.Backoff.Max, p.Backoff.Base)
	}
	if p.Retryable == nil {
		p.Retryable = IsTransient
	}
	return p
}

// Retry calls fn until it succeeds, returns an error the policy does not
// retry, or runs out of attempts. The last error is returned unchanged.
// op names the operation in retry logs.
func Retry(ctx context.Context, p RetryPolicy, op string, fn func(context.Context) error) error {
	p = p.normalize()

	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if attempt >= p.Attempts || ctx.Err() != nil || !p.Retryable(err) {
			return err
		}

		delay := p.Backoff.Delay(attempt)
		zap.L().Warn("retrying operation",
			zap.String("operation", op),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
}
