// Package debounce coalesces bursts of trigger calls into one delayed action.
package debounce

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Debouncer runs fn once, delay after the last Trigger of a burst. A
// Debouncer is safe for concurrent use.
type Debouncer struct {
	clk   clockwork.Clock
	delay time.Duration
	fn    func()

	mu    sync.Mutex
	timer clockwork.Timer
	gen   uint64
}

// New creates a Debouncer with the given default delay.
func New(clk clockwork.Clock, delay time.Duration, fn func()) *Debouncer {
	return &Debouncer{clk: clk, delay: delay, fn: fn}
}

// Trigger (re)starts the default delay.
func (d *Debouncer) Trigger() {
	d.TriggerAfter(d.delay)
}

// TriggerAfter (re)starts the countdown with an explicit delay. Any earlier
// pending run is cancelled.
func (d *Debouncer) TriggerAfter(delay time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timer != nil {
		d.timer.Stop()
	}
	d.gen++
	gen := d.gen
	d.timer = d.clk.AfterFunc(delay, func() {
		d.mu.Lock()
		// A real timer can fire concurrently with Stop; the generation check
		// drops runs that were superseded.
		if gen != d.gen {
			d.mu.Unlock()
			return
		}
		d.timer = nil
		d.mu.Unlock()
		d.fn()
	})
}

// Stop cancels a pending run, if any.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.gen++
}

// Pending reports whether a run is scheduled.
func (d *Debouncer) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.timer != nil
}
