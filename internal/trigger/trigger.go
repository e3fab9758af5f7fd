// Package trigger turns edge events (signals, button presses, interrupts)
// into deferred work. The event side only flips a flag and never blocks; the
// work runs later on a goroutine of its own.
package trigger

import (
	"context"
	"sync/atomic"
	"time"
)

// Deferred is a coalescing, optionally delayed work item. Firing it while it
// is already scheduled has no effect, so a burst of events collapses into a
// single run.
type Deferred struct {
	delay     time.Duration
	scheduled atomic.Bool
	signal    chan struct{}
	runs      atomic.Int64
}

// New creates a Deferred that runs delay after it was first fired.
func New(delay time.Duration) *Deferred {
	return &Deferred{
		delay:  max(delay, 0),
		signal: make(chan struct{}, 1),
	}
}

// Fire schedules the work. It never blocks and is safe to call from any
// goroutine, including signal handlers. It reports whether this call
// scheduled the work, as opposed to joining an already scheduled run.
func (d *Deferred) Fire() bool {
	if !d.scheduled.CompareAndSwap(false, true) {
		return false
	}
	select {
	case d.signal <- struct{}{}:
	default:
	}
	return true
}

// Pending reports whether a run is scheduled but has not started.
func (d *Deferred) Pending() bool { return d.scheduled.Load() }

// Runs returns how many times the work has run.
func (d *Deferred) Runs() int64 { return d.runs.Load() }

// Run executes fn once per scheduled run until ctx ends. It returns ctx.Err()
// and must be called from at most one goroutine.
func (d *Deferred) Run(ctx context.Context, fn func(context.Context)) error {
	var timer *time.Timer
	if d.delay > 0 {
		timer = time.NewTimer(d.delay)
		timer.Stop()
		defer timer.Stop()
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.signal:
		}

		if timer != nil {
			timer.Reset(d.delay)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-timer.C:
			}
		}

		// Events from here on schedule the next run.
		d.scheduled.Store(false)
		fn(ctx)
		d.runs.Add(1)
	}
}
