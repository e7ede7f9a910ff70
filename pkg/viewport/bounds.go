// Package viewport deals with the visible map rectangle and decides when a
// moved viewport deserves a fresh data load.
package viewport

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
)

// ErrInvalidBounds is returned for rectangles outside WGS84 or inverted.
var ErrInvalidBounds = errors.New("invalid bounds")

// Rect is the JSON shape exchanged with the map page.
type Rect struct {
	South float64 `json:"south"`
	West  float64 `json:"west"`
	North float64 `json:"north"`
	East  float64 `json:"east"`
}

// Bound converts r after validating it.
func (r Rect) Bound() (orb.Bound, error) {
	return New(r.South, r.West, r.North, r.East)
}

// FromBound is the inverse of Rect.Bound.
func FromBound(b orb.Bound) Rect {
	return Rect{South: b.Bottom(), West: b.Left(), North: b.Top(), East: b.Right()}
}

// New builds a bound from south/west/north/east degrees.
func New(south, west, north, east float64) (orb.Bound, error) {
	for _, v := range []float64{south, west, north, east} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return orb.Bound{}, fmt.Errorf("%w: non-finite coordinate", ErrInvalidBounds)
		}
	}
	if south < -90 || north > 90 || south > north {
		return orb.Bound{}, fmt.Errorf("%w: latitude range %g..%g", ErrInvalidBounds, south, north)
	}
	if west < -180 || east > 180 || west > east {
		return orb.Bound{}, fmt.Errorf("%w: longitude range %g..%g", ErrInvalidBounds, west, east)
	}
	return orb.Bound{Min: orb.Point{west, south}, Max: orb.Point{east, north}}, nil
}

// Parse reads "south,west,north,east".
func Parse(s string) (orb.Bound, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return orb.Bound{}, fmt.Errorf("%w: want 4 comma separated values, got %d", ErrInvalidBounds, len(parts))
	}
	var v [4]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return orb.Bound{}, fmt.Errorf("%w: %v", ErrInvalidBounds, err)
		}
		v[i] = f
	}
	return New(v[0], v[1], v[2], v[3])
}

// BBox formats b as the "south,west,north,east" string Overpass expects.
func BBox(b orb.Bound) string {
	f := func(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }
	return f(b.Bottom()) + "," + f(b.Left()) + "," + f(b.Top()) + "," + f(b.Right())
}

// CenterDistance is the Euclidean distance in degrees between the centres of
// a and b, treating lat/lon as a flat plane.
func CenterDistance(a, b orb.Bound) float64 {
	return planar.Distance(a.Center(), b.Center())
}
