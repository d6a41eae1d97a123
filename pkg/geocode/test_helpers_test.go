package geocode

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

// fakeClock never blocks: Sleep records the requested delay and returns.
// Now stays fixed unless advanced, so every delay is measured from the same
// instant and equals the caller's slot offset.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sleeps = append(c.sleeps, d)
	return nil
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *fakeClock) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]time.Duration, len(c.sleeps))
	copy(out, c.sleeps)
	return out
}

// scriptedClock hands out queued readings in order and repeats the last one
// once the queue is drained. Sleeps are recorded against the reading that
// preceded them, so each call's due time is reading+sleep.
type scriptedClock struct {
	mu       sync.Mutex
	readings []time.Time
	last     time.Time
	due      []time.Time
}

func newScriptedClock(readings ...time.Time) *scriptedClock {
	return &scriptedClock{readings: readings}
}

func (c *scriptedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.readings) > 0 {
		c.last, c.readings = c.readings[0], c.readings[1:]
	}
	return c.last
}

func (c *scriptedClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.due = append(c.due, c.last.Add(d))
	return nil
}
