// Package clocktest wraps clockwork's fake clock so that AfterFunc callbacks
// falling due during Advance have returned before Advance does, and so that
// tests can count the timers still armed.
package clocktest

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Clock is a clockwork.FakeClock that tracks AfterFunc timers.
type Clock struct {
	*clockwork.FakeClock

	// advance orders scheduling against Advance so a timer's recorded
	// deadline matches the one the fake clock fires it at.
	advance sync.Mutex

	mu     sync.Mutex
	timers map[*timer]struct{}
}

type timer struct {
	clockwork.Timer
	clock *Clock
	at    time.Time
	done  chan struct{}
}

// New creates a Clock positioned at start.
func New(start time.Time) *Clock {
	return &Clock{
		FakeClock: clockwork.NewFakeClockAt(start),
		timers:    make(map[*timer]struct{}),
	}
}

// AfterFunc schedules f on the fake clock. The timer stays pending until f
// returns or the timer is stopped.
func (c *Clock) AfterFunc(d time.Duration, f func()) clockwork.Timer {
	c.advance.Lock()
	defer c.advance.Unlock()

	t := &timer{clock: c, done: make(chan struct{})}
	c.mu.Lock()
	t.at = c.FakeClock.Now().Add(d)
	c.timers[t] = struct{}{}
	c.mu.Unlock()

	t.Timer = c.FakeClock.AfterFunc(d, func() {
		defer c.finish(t)
		f()
	})
	return t
}

// Advance moves the clock forward by d and waits for every callback that
// fell due to return.
func (c *Clock) Advance(d time.Duration) {
	c.advance.Lock()
	c.FakeClock.Advance(d)
	now := c.FakeClock.Now()
	c.advance.Unlock()

	for {
		var due []chan struct{}
		c.mu.Lock()
		for t := range c.timers {
			if !t.at.After(now) {
				due = append(due, t.done)
			}
		}
		c.mu.Unlock()
		if len(due) == 0 {
			return
		}
		for _, done := range due {
			<-done
		}
	}
}

// Pending reports how many timers are armed or still running their callback.
func (c *Clock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

func (c *Clock) finish(t *timer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.timers[t]; ok {
		delete(c.timers, t)
		close(t.done)
	}
}

func (t *timer) Stop() bool {
	if !t.Timer.Stop() {
		return false
	}
	t.clock.finish(t)
	return true
}
