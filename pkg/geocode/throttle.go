package geocode

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"
)

// Clock abstracts time so the throttle can be driven by a fake in tests.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

// SystemClock is the wall clock.
type SystemClock struct{}

// Now implements Clock.
func (SystemClock) Now() time.Time { return time.Now() }

// Sleep implements Clock, returning early with ctx.Err() on cancellation.
func (SystemClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Throttle is a process-wide gate spacing outbound calls at least Interval
// apart. Slots are reserved in arrival order, so concurrent callers are served
// FIFO: each call takes the next free slot immediately and then sleeps until
// it comes due.
type Throttle struct {
	limiter  *rate.Limiter
	clock    Clock
	interval time.Duration

	mu   sync.Mutex
	last time.Time // latest instant handed to the limiter
}

// NewThrottle creates a throttle with the given minimum interval. A
// non-positive interval disables throttling. A nil clock uses SystemClock.
func NewThrottle(interval time.Duration, clock Clock) *Throttle {
	if clock == nil {
		clock = SystemClock{}
	}
	limit := rate.Inf
	if interval > 0 {
		limit = rate.Every(interval)
	}
	return &Throttle{
		limiter:  rate.NewLimiter(limit, 1),
		clock:    clock,
		interval: interval,
	}
}

// Interval returns the configured minimum spacing.
func (t *Throttle) Interval() time.Duration { return t.interval }

// Wait blocks until the caller's slot comes due. If ctx ends first the slot
// is handed back so later callers are not delayed by it.
func (t *Throttle) Wait(ctx context.Context) error {
	now, r := t.reserve()
	if !r.OK() {
		return eris.New("geocode: throttle reservation rejected")
	}

	delay := r.DelayFrom(now)
	if delay <= 0 {
		return nil
	}
	if err := t.clock.Sleep(ctx, delay); err != nil {
		r.CancelAt(t.clock.Now())
		return eris.Wrap(err, "geocode: throttle wait")
	}
	return nil
}

// reserve reads the clock and takes a slot in one critical section. The
// limiter schedules from the instant it is given, so those instants must not
// go backwards between reservations.
func (t *Throttle) reserve() (time.Time, *rate.Reservation) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()
	at := now
	if at.Before(t.last) {
		at = t.last
	}
	t.last = at
	return now, t.limiter.ReserveN(at, 1)
}
