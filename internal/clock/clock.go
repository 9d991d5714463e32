// Package clock abstracts wall time and timers so that debounce windows,
// insight expiry and execution timeouts can be driven by a virtual clock in
// tests and by real timers in production.
package clock

import (
	"sync"
	"time"
)

// Clock provides the current time and one-shot timers
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a scheduled callback that can be cancelled
type Timer interface {
	// Stop prevents the callback from firing. It returns false if the timer
	// already fired or was stopped.
	Stop() bool
}

// Real returns a Clock backed by the time package
func Real() Clock {
	return realClock{}
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// After returns a channel that receives the clock's time once d has elapsed,
// and a Timer that releases the underlying callback early.
func After(c Clock, d time.Duration) (<-chan time.Time, Timer) {
	ch := make(chan time.Time, 1)
	t := c.AfterFunc(d, func() {
		ch <- c.Now()
	})
	return ch, t
}

// Every runs f each interval until the returned Timer is stopped. Runs never
// overlap: the next run is scheduled after the previous one returns.
func Every(c Clock, interval time.Duration, f func()) Timer {
	r := &repeater{clock: c, interval: interval, fn: f}
	r.schedule()
	return r
}

type repeater struct {
	clock    Clock
	interval time.Duration
	fn       func()

	mu      sync.Mutex
	current Timer
	stopped bool
}

func (r *repeater) schedule() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return
	}
	r.current = r.clock.AfterFunc(r.interval, func() {
		r.fn()
		r.schedule()
	})
}

func (r *repeater) Stop() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return false
	}
	r.stopped = true
	if r.current != nil {
		r.current.Stop()
	}
	return true
}
