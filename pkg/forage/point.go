// Package forage owns the loaded foraging points, the category filter and the
// controller that ties viewport movement, loading and display together.
package forage

import (
	"github.com/paulmach/osm"

	"github.com/rubiojr/fruitmap/pkg/fruit"
	"github.com/rubiojr/fruitmap/pkg/overpass"
)

// Point is one classified point of interest.
type Point struct {
	ID       string            `json:"id"`
	Lat      float64           `json:"lat"`
	Lon      float64           `json:"lon"`
	Tags     map[string]string `json:"tags"`
	Kind     osm.Type          `json:"kind"`
	Category fruit.Category    `json:"category"`
}

// Normalize turns raw elements into classified points. Elements without a
// usable coordinate are dropped; a repeated id keeps its first occurrence.
func Normalize(elements []overpass.Element, c *fruit.Classifier) []Point {
	if c == nil {
		c = fruit.NewClassifier(nil)
	}
	seen := make(map[string]struct{}, len(elements))
	out := make([]Point, 0, len(elements))
	for _, e := range elements {
		loc, ok := e.Location()
		if !ok {
			continue
		}
		id := e.FeatureID().String()
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		tags := e.Tags
		if tags == nil {
			tags = map[string]string{}
		}
		out = append(out, Point{
			ID:       id,
			Lat:      loc.Lat(),
			Lon:      loc.Lon(),
			Tags:     tags,
			Kind:     e.Type,
			Category: c.Classify(tags),
		})
	}
	return out
}
