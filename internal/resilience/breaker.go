// Package resilience guards calls to the geocoding API and the lead store:
// a breaker that stops hammering an upstream that keeps failing, and retries
// with capped, jittered backoff for transient store errors.
package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// BreakerState is the position of a Breaker.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrBreakerOpen is returned by Guard when the breaker rejects a call.
var ErrBreakerOpen = eris.New("resilience: breaker open")

// BreakerConfig tunes a Breaker.
type BreakerConfig struct {
	// Name identifies the guarded dependency in logs.
	Name string
	// Threshold is the number of consecutive counted failures that opens the
	// breaker. Default: 5.
	Threshold int
	// Cooldown is how long the breaker stays open before letting a single
	// trial call through. Default: 30s.
	Cooldown time.Duration
	// Counts decides which errors count as failures. Nil counts every error.
	Counts func(error) bool
}

// Breaker trips after a run of failures and rejects calls until its cooldown
// has passed. While half-open exactly one trial call is in flight; its
// outcome closes or reopens the breaker.
type Breaker struct {
	cfg BreakerConfig
	now func() time.Time

	mu       sync.Mutex
	state    BreakerState
	failures int
	openedAt time.Time
	probing  bool
	rejected int64
}

// NewBreaker creates a closed Breaker.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.Counts == nil {
		cfg.Counts = func(error) bool { return true }
	}
	return &Breaker{cfg: cfg, now: time.Now}
}

// Guard runs fn through b. A nil breaker runs fn unguarded. Calls that end
// because ctx was cancelled do not count either way.
func Guard[T any](ctx context.Context, b *Breaker, fn func(context.Context) (T, error)) (T, error) {
	if b == nil {
		return fn(ctx)
	}
	var zero T
	if !b.admit() {
		return zero, eris.Wrapf(ErrBreakerOpen, "resilience: %s", b.cfg.Name)
	}
	v, err := fn(ctx)
	b.record(err)
	return v, err
}

// State reports the breaker position. An open breaker whose cooldown has
// elapsed reports half-open.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerOpen && b.cooledDown() {
		return BreakerHalfOpen
	}
	return b.state
}

// Rejected returns how many calls the breaker has turned away.
func (b *Breaker) Rejected() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rejected
}

func (b *Breaker) cooledDown() bool {
	return b.now().Sub(b.openedAt) >= b.cfg.Cooldown
}

func (b *Breaker) admit() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if b.cooledDown() {
			b.moveTo(BreakerHalfOpen)
			b.probing = true
			return true
		}
	case BreakerHalfOpen:
		if !b.probing {
			b.probing = true
			return true
		}
	}
	b.rejected++
	return false
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if errors.Is(err, context.Canceled) {
		if b.state == BreakerHalfOpen {
			b.probing = false
		}
		return
	}
	failed := err != nil && b.cfg.Counts(err)

	switch b.state {
	case BreakerHalfOpen:
		b.probing = false
		if failed {
			b.open()
		} else {
			b.failures = 0
			b.moveTo(BreakerClosed)
		}
	case BreakerClosed:
		if !failed {
			b.failures = 0
			return
		}
		b.failures++
		if b.failures >= b.cfg.Threshold {
			b.open()
		}
	}
}

func (b *Breaker) open() {
	b.openedAt = b.now()
	b.moveTo(BreakerOpen)
}

func (b *Breaker) moveTo(to BreakerState) {
	if b.state == to {
		return
	}
	zap.L().Warn("breaker state changed",
		zap.String("breaker", b.cfg.Name),
		zap.Stringer("from", b.state),
		zap.Stringer("to", to),
		zap.Int("consecutive_failures", b.failures),
	)
	b.state = to
}
