// Package timer implements the per-section countdown clock.
//
// A Timer owns at most one run. Each run decrements a whole-second counter
// on every tick, fires a one-shot low-time warning once the counter drops to
// WarningThreshold, and fires an expiry event at zero before stopping itself.
// Nothing is persisted: a process restart loses the run.
package timer

import (
	"sync"
	"time"
)

// WarningThreshold is the remaining-seconds mark of the low-time warning.
const WarningThreshold = 300

// TickSource produces a tick channel for a new run and a func releasing it.
type TickSource func() (ticks <-chan time.Time, stop func())

// EverySecond is the production tick source.
func EverySecond() (<-chan time.Time, func()) {
	t := time.NewTicker(time.Second)
	return t.C, t.Stop
}

// Handlers receive run events. They are invoked from the run goroutine with
// no timer lock held, so they may call back into the Timer. A handler can
// observe an event of a run that was stopped concurrently; callers must
// check the section id against their own state.
type Handlers struct {
	OnTick    func(sectionID string, remaining int)
	OnWarning func(sectionID string, remaining int)
	OnExpire  func(sectionID string)
}

// Timer is a restartable countdown. The zero value is not usable; use New.
type Timer struct {
	mu       sync.Mutex
	ticks    TickSource
	handlers Handlers
	run      *run
}

type run struct {
	sectionID string
	remaining int
	warned    bool
	done      chan struct{}
	release   func()
}

// New creates a stopped timer. A nil source means EverySecond.
func New(source TickSource, h Handlers) *Timer {
	if source == nil {
		source = EverySecond
	}
	return &Timer{ticks: source, handlers: h}
}

// Start begins a countdown of durationMinutes for sectionID, replacing any
// active run.
func (t *Timer) Start(sectionID string, durationMinutes int) {
	t.mu.Lock()
	t.stopLocked()

	ch, release := t.ticks()
	r := &run{
		sectionID: sectionID,
		remaining: durationMinutes * 60,
		done:      make(chan struct{}),
		release:   release,
	}
	// A run that begins inside the warning window warns before its first tick.
	r.warned = r.remaining <= WarningThreshold
	t.run = r
	t.mu.Unlock()

	go t.loop(r, ch, r.warned)
}

// Stop ends the active run. Safe to call repeatedly or with no run.
func (t *Timer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopLocked()
}

func (t *Timer) stopLocked() {
	if t.run == nil {
		return
	}
	close(t.run.done)
	t.run.release()
	t.run = nil
}

// Remaining returns the active run's section and remaining seconds.
func (t *Timer) Remaining() (sectionID string, seconds int, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.run == nil {
		return "", 0, false
	}
	return t.run.sectionID, t.run.remaining, true
}

// Warned reports whether the active run has fired its low-time warning.
func (t *Timer) Warned() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.run != nil && t.run.warned
}

// Running reports whether a run is active.
func (t *Timer) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.run != nil
}

func (t *Timer) loop(r *run, ticks <-chan time.Time, warnNow bool) {
	if warnNow && t.handlers.OnWarning != nil {
		t.mu.Lock()
		active := t.run == r
		remaining := r.remaining
		t.mu.Unlock()
		if active {
			t.handlers.OnWarning(r.sectionID, max(remaining, 0))
		}
	}

	for {
		select {
		case <-r.done:
			return
		case <-ticks:
		}

		t.mu.Lock()
		if t.run != r {
			t.mu.Unlock()
			return
		}
		r.remaining--
		remaining := r.remaining
		warn := !r.warned && remaining <= WarningThreshold
		if warn {
			r.warned = true
		}
		expired := remaining <= 0
		if expired {
			t.stopLocked()
		}
		t.mu.Unlock()

		if t.handlers.OnTick != nil {
			t.handlers.OnTick(r.sectionID, max(remaining, 0))
		}
		if warn && t.handlers.OnWarning != nil {
			t.handlers.OnWarning(r.sectionID, max(remaining, 0))
		}
		if expired {
			if t.handlers.OnExpire != nil {
				t.handlers.OnExpire(r.sectionID)
			}
			return
		}
	}
}
