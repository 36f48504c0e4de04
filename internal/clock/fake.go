package clock

import (
	"context"
	"sync"
	"time"
)

// Fake provides deterministic time control. Sleep returns immediately after advancing the clock
// and invoking the registered hooks, so callers observe exactly the number of sleeps they asked for.
type Fake struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
	hooks  []func(n int)
}

// NewFake constructs a fake clock initialized to start.
func NewFake(start time.Time) *Fake {
	if start.IsZero() {
		start = time.Unix(0, 0)
	}
	return &Fake{now: start}
}

// Now returns the current fake time.
func (c *Fake) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the fake time forward.
func (c *Fake) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Set pins the fake time.
func (c *Fake) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// OnSleep registers a hook run after every Sleep with the 1-based sleep count.
func (c *Fake) OnSleep(hook func(n int)) {
	c.mu.Lock()
	c.hooks = append(c.hooks, hook)
	c.mu.Unlock()
}

// Sleep advances the clock by d and runs the sleep hooks.
func (c *Fake) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.sleeps = append(c.sleeps, d)
	n := len(c.sleeps)
	hooks := append([]func(int){}, c.hooks...)
	c.mu.Unlock()
	for _, hook := range hooks {
		hook(n)
	}
	return nil
}

// Sleeps returns the recorded sleep durations.
func (c *Fake) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.sleeps...)
}
