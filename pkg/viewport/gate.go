package viewport

import (
	"math"
	"sync"
	"time"

	"github.com/paulmach/orb"
)

// Reference values used by the map page.
const (
	DefaultMinMoveDistance = 0.01 // degrees
	DefaultLoadDelay       = 1000 * time.Millisecond
)

// Timer is a cancelable scheduled task.
type Timer interface {
	Stop() bool
}

// Scheduler runs f once after d.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type realScheduler struct{}

func (realScheduler) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Gate is a trailing debounce in front of the data loader. Every movement
// cancels the pending load; a new one is scheduled only when the viewport
// centre drifted more than the threshold from the last loaded viewport.
type Gate struct {
	mu        sync.Mutex
	threshold float64
	delay     time.Duration
	sched     Scheduler

	enabled bool
	last    orb.Bound
	hasLast bool

	pending Timer
	seq     uint64 // identifies the pending task so a stale fire is a no-op
}

// GateOption tweaks a Gate.
type GateOption func(*Gate)

// WithScheduler replaces the wall-clock scheduler (tests use a fake clock).
func WithScheduler(s Scheduler) GateOption {
	return func(g *Gate) { g.sched = s }
}

// NewGate returns an enabled gate. Non-positive arguments fall back to the
// reference values.
func NewGate(threshold float64, delay time.Duration, opts ...GateOption) *Gate {
	if threshold <= 0 || math.IsNaN(threshold) {
		threshold = DefaultMinMoveDistance
	}
	if delay <= 0 {
		delay = DefaultLoadDelay
	}
	g := &Gate{threshold: threshold, delay: delay, sched: realScheduler{}, enabled: true}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Threshold returns the minimum centre movement in degrees.
func (g *Gate) Threshold() float64 { return g.threshold }

// Delay returns the debounce delay.
func (g *Gate) Delay() time.Duration { return g.delay }

// Moved handles one movement notification. It reports whether a load was
// scheduled; fire runs on the scheduler's goroutine once the delay elapses
// without a later movement superseding it.
func (g *Gate) Moved(current orb.Bound, fire func()) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.enabled {
		return false
	}
	g.cancelLocked()
	if !g.shouldLoadLocked(current) {
		return false
	}
	g.seq++
	seq := g.seq
	g.pending = g.sched.AfterFunc(g.delay, func() {
		g.mu.Lock()
		if g.seq != seq || g.pending == nil {
			g.mu.Unlock()
			return
		}
		g.pending = nil
		g.mu.Unlock()
		fire()
	})
	return true
}

// ShouldLoad reports whether current is far enough from the last loaded
// viewport. With nothing loaded yet the distance counts as infinite.
func (g *Gate) ShouldLoad(current orb.Bound) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.shouldLoadLocked(current)
}

func (g *Gate) shouldLoadLocked(current orb.Bound) bool {
	if !g.hasLast {
		return true
	}
	return CenterDistance(current, g.last) > g.threshold
}

// Loaded records b as the last loaded viewport.
func (g *Gate) Loaded(b orb.Bound) {
	g.mu.Lock()
	g.last = b
	g.hasLast = true
	g.mu.Unlock()
}

// LastLoaded returns the last loaded viewport, if any.
func (g *Gate) LastLoaded() (orb.Bound, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.last, g.hasLast
}

// Pending reports whether a scheduled load is outstanding.
func (g *Gate) Pending() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pending != nil
}

// Cancel drops the pending load, if any.
func (g *Gate) Cancel() {
	g.mu.Lock()
	g.cancelLocked()
	g.mu.Unlock()
}

func (g *Gate) cancelLocked() {
	if g.pending != nil {
		g.pending.Stop()
		g.pending = nil
	}
}

// SetEnabled toggles auto-loading. Disabling also cancels a pending load.
func (g *Gate) SetEnabled(enabled bool) {
	g.mu.Lock()
	g.enabled = enabled
	if !enabled {
		g.cancelLocked()
	}
	g.mu.Unlock()
}

// Enabled reports whether movements may schedule loads.
func (g *Gate) Enabled() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.enabled
}
