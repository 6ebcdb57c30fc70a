// Package timer multiplexes many named timers over a single polling loop.
// One central tick, not per-timer tickers, is what keeps pause/resume
// atomic across all registrations and avoids drift between them.
package timer

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// DefaultTick is the master loop's polling interval.
const DefaultTick = 100 * time.Millisecond

type registration struct {
	id       string
	callback func()
	interval time.Duration
	lastRun  time.Time
	enabled  bool
}

// Coordinator runs the master loop. The game-state predicate is shared by
// every registration: when it reports false a due timer is auto-disabled
// instead of fired, so no callback runs against a paused or finished game
// through a stale closure.
type Coordinator struct {
	clock     clockwork.Clock
	tick      time.Duration
	predicate func() bool

	mu     sync.Mutex
	timers map[string]*registration
	paused bool
	loop   chan struct{} // non-nil while the master loop runs; closed to stop it
}

// New creates a coordinator. predicate may be nil (always runnable).
func New(clock clockwork.Clock, tick time.Duration, predicate func() bool) *Coordinator {
	if tick <= 0 {
		tick = DefaultTick
	}
	return &Coordinator{
		clock:     clock,
		tick:      tick,
		predicate: predicate,
		timers:    make(map[string]*registration),
	}
}

// Register adds a timer, enabled, firing at most once per interval. The
// master loop starts lazily with the first registration. The returned
// function unregisters the timer.
func (c *Coordinator) Register(id string, interval time.Duration, callback func()) (unregister func()) {
	c.mu.Lock()
	c.timers[id] = &registration{
		id:       id,
		callback: callback,
		interval: interval,
		lastRun:  c.clock.Now(),
		enabled:  true,
	}
	c.startLoopLocked()
	c.mu.Unlock()

	log.Debug().Str("timer", id).Dur("interval", interval).Msg("timer registered")
	return func() { c.unregister(id) }
}

func (c *Coordinator) unregister(id string) {
	c.mu.Lock()
	delete(c.timers, id)
	if len(c.timers) == 0 {
		c.stopLoopLocked()
	}
	c.mu.Unlock()
}

// EnableTimer re-enables a registration and resets its window so it cannot
// double-fire immediately.
func (c *Coordinator) EnableTimer(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.timers[id]; ok {
		r.enabled = true
		r.lastRun = c.clock.Now()
	}
}

// DisableTimer stops a registration from firing without removing it.
func (c *Coordinator) DisableTimer(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.timers[id]; ok {
		r.enabled = false
	}
}

// PauseAll suspends every timer in one step.
func (c *Coordinator) PauseAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = true
}

// ResumeAll resumes firing and resets every lastRun to now so there is no
// catch-up burst of missed ticks.
func (c *Coordinator) ResumeAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = false
	now := c.clock.Now()
	for _, r := range c.timers {
		r.lastRun = now
	}
}

// Cleanup destroys all registrations and stops the master loop.
func (c *Coordinator) Cleanup() {
	c.mu.Lock()
	c.timers = make(map[string]*registration)
	c.stopLoopLocked()
	c.mu.Unlock()
}

// Len reports the registration count.
func (c *Coordinator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

func (c *Coordinator) startLoopLocked() {
	if c.loop != nil {
		return
	}
	stop := make(chan struct{})
	c.loop = stop
	go c.run(stop)
}

func (c *Coordinator) stopLoopLocked() {
	if c.loop != nil {
		close(c.loop)
		c.loop = nil
	}
}

func (c *Coordinator) run(stop <-chan struct{}) {
	ticker := c.clock.NewTicker(c.tick)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.Chan():
			c.pollOnce()
		}
	}
}

// pollOnce fires every due enabled timer. Callbacks run outside the lock
// and a panic in one is caught and logged, never allowed to stop the loop.
func (c *Coordinator) pollOnce() {
	now := c.clock.Now()
	runnable := c.predicate == nil || c.predicate()

	c.mu.Lock()
	if c.paused {
		c.mu.Unlock()
		return
	}
	var due []*registration
	for _, r := range c.timers {
		if !r.enabled || now.Sub(r.lastRun) < r.interval {
			continue
		}
		if !runnable {
			// The owning game left a runnable phase; park the timer
			// rather than firing a stale callback.
			r.enabled = false
			log.Debug().Str("timer", r.id).Msg("timer auto-disabled: game not runnable")
			continue
		}
		r.lastRun = now
		due = append(due, r)
	}
	c.mu.Unlock()

	for _, r := range due {
		c.fire(r)
	}
}

func (c *Coordinator) fire(r *registration) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error().Str("timer", r.id).Interface("panic", rec).Msg("timer callback panicked")
		}
	}()
	r.callback()
}
