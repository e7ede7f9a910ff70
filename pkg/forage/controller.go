package forage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/paulmach/orb"

	"github.com/rubiojr/fruitmap/pkg/fruit"
	"github.com/rubiojr/fruitmap/pkg/logger"
	"github.com/rubiojr/fruitmap/pkg/overpass"
	"github.com/rubiojr/fruitmap/pkg/viewport"
)

// ErrStale is returned by Load when a newer load was issued before this one
// completed; its result was discarded.
var ErrStale = errors.New("load superseded by a newer request")

// Source fetches raw elements for a viewport.
type Source interface {
	Fetch(ctx context.Context, b orb.Bound) ([]overpass.Element, error)
}

// Display receives every rendered snapshot and the failures of loads started
// by map movement. Calls are made while the controller holds its lock, in
// mutation order, so implementations must not block or call back into the
// controller.
type Display interface {
	Render(Snapshot)
	Notify(err error)
}

// Controller is the single owner of the application state.
type Controller struct {
	mu         sync.Mutex
	state      *State
	gate       *viewport.Gate
	source     Source
	classifier *fruit.Classifier
	display    Display
	timeout    time.Duration

	generation uint64
	inFlight   int
}

// Option configures a Controller.
type Option func(*Controller)

// WithClassifier replaces the default rule set.
func WithClassifier(c *fruit.Classifier) Option {
	return func(ctl *Controller) { ctl.classifier = c }
}

// WithDisplay sets the render/notification sink.
func WithDisplay(d Display) Option {
	return func(ctl *Controller) { ctl.display = d }
}

// WithLoadTimeout bounds loads started by the movement gate.
func WithLoadTimeout(d time.Duration) Option {
	return func(ctl *Controller) { ctl.timeout = d }
}

// NewController wires a source and a gate together.
func NewController(src Source, gate *viewport.Gate, opts ...Option) *Controller {
	if gate == nil {
		gate = viewport.NewGate(0, 0)
	}
	ctl := &Controller{
		state:      NewState(),
		gate:       gate,
		source:     src,
		classifier: fruit.NewClassifier(nil),
		display:    nopDisplay{},
		timeout:    60 * time.Second,
	}
	for _, o := range opts {
		o(ctl)
	}
	return ctl
}

// Moved is the map movement notification. It reports whether a load was
// scheduled.
func (c *Controller) Moved(b orb.Bound) bool {
	return c.gate.Moved(b, func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		defer cancel()
		if err := c.Load(ctx, b); err != nil && !errors.Is(err, ErrStale) {
			c.mu.Lock()
			c.display.Notify(err)
			c.mu.Unlock()
		}
	})
}

// Load fetches, normalizes and applies the data for b. The previous records
// stay untouched on failure and the error goes back to the caller only. The last loaded viewport is recorded whether the
// fetch succeeded or not, unless a newer load superseded this one.
func (c *Controller) Load(ctx context.Context, b orb.Bound) error {
	id := uuid.NewString()[:8]
	c.mu.Lock()
	c.generation++
	gen := c.generation
	c.inFlight++
	c.renderLocked()
	c.mu.Unlock()

	logger.Debug("load %s gen=%d bbox=%s", id, gen, viewport.BBox(b))
	start := time.Now()
	elements, err := c.source.Fetch(ctx, b)
	var points []Point
	if err == nil {
		points = Normalize(elements, c.classifier)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.inFlight--
	if gen != c.generation {
		logger.Debug("load %s gen=%d discarded, latest=%d", id, gen, c.generation)
		c.renderLocked()
		return ErrStale
	}
	c.gate.Loaded(b)
	if err != nil {
		logger.Error("load %s bbox=%s failed: %v", id, viewport.BBox(b), err)
		c.renderLocked()
		return fmt.Errorf("load %s: %w", viewport.BBox(b), err)
	}
	c.state.Replace(points)
	logger.Info("load %s: %d points (%d elements) in %v", id, len(points), len(elements), time.Since(start).Round(time.Millisecond))
	c.renderLocked()
	return nil
}

// SetFilter adds or removes a category from the active filter set.
func (c *Controller) SetFilter(cat fruit.Category, on bool) error {
	if !cat.Valid() {
		return fmt.Errorf("unknown category %q", cat)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.SetFilter(cat, on) {
		c.renderLocked()
	}
	return nil
}

// ClearFilters shows every category again.
func (c *Controller) ClearFilters() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.ClearFilters()
	c.renderLocked()
}

// Clear discards the loaded records, counts and filters.
func (c *Controller) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.Clear()
	c.renderLocked()
}

// SetAutoLoad toggles movement driven loading.
func (c *Controller) SetAutoLoad(enabled bool) {
	c.gate.SetEnabled(enabled)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.renderLocked()
}

// AutoLoad reports whether movements may trigger loads.
func (c *Controller) AutoLoad() bool {
	return c.gate.Enabled()
}

// Snapshot returns the current rendered state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Visible returns the records that pass the active filter.
func (c *Controller) Visible() []Point {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Visible()
}

func (c *Controller) snapshotLocked() Snapshot {
	s := c.state.Snapshot()
	s.Loading = c.inFlight > 0
	s.AutoLoad = c.gate.Enabled()
	return s
}

func (c *Controller) renderLocked() {
	c.display.Render(c.snapshotLocked())
}

type nopDisplay struct{}

func (nopDisplay) Render(Snapshot) {}
func (nopDisplay) Notify(error)    {}
