package forage

import (
	"fmt"
	"sort"

	"github.com/rubiojr/fruitmap/pkg/fruit"
)

// State is the in-memory result of the latest applied load plus the active
// category filter. The zero value is not usable; call NewState.
type State struct {
	points  []Point
	counts  map[fruit.Category]int
	filters map[fruit.Category]struct{}
}

// NewState returns an empty state with no filter.
func NewState() *State {
	return &State{
		counts:  make(map[fruit.Category]int),
		filters: make(map[fruit.Category]struct{}),
	}
}

// Replace swaps in a fresh record set and recomputes the counts from scratch.
func (s *State) Replace(points []Point) {
	s.points = points
	s.counts = make(map[fruit.Category]int, len(fruit.All()))
	for _, p := range points {
		s.counts[p.Category]++
	}
}

// Clear drops every record, resets counts and the filter set.
func (s *State) Clear() {
	s.Replace(nil)
	s.filters = make(map[fruit.Category]struct{})
}

// SetFilter adds (on) or removes a category from the active set. Both
// directions are idempotent. It reports whether the set changed.
func (s *State) SetFilter(c fruit.Category, on bool) bool {
	_, had := s.filters[c]
	if on {
		s.filters[c] = struct{}{}
	} else {
		delete(s.filters, c)
	}
	return had != on
}

// ClearFilters empties the active set (show everything).
func (s *State) ClearFilters() {
	s.filters = make(map[fruit.Category]struct{})
}

// Filters returns the active set in catalog order.
func (s *State) Filters() []fruit.Category {
	out := make([]fruit.Category, 0, len(s.filters))
	for _, info := range fruit.All() {
		if _, ok := s.filters[info.Category]; ok {
			out = append(out, info.Category)
		}
	}
	return out
}

// Total is the number of loaded records.
func (s *State) Total() int { return len(s.points) }

// Count is the number of loaded records in category c.
func (s *State) Count(c fruit.Category) int { return s.counts[c] }

// Visible derives the filtered view. An empty filter set shows everything.
func (s *State) Visible() []Point {
	if len(s.filters) == 0 {
		return append([]Point(nil), s.points...)
	}
	out := make([]Point, 0, len(s.points))
	for _, p := range s.points {
		if _, ok := s.filters[p.Category]; ok {
			out = append(out, p)
		}
	}
	return out
}

// CategoryCount is one sidebar row.
type CategoryCount struct {
	fruit.Info
	Count  int  `json:"count"`
	Active bool `json:"active"`
}

// Popup is the detail shown when a marker is opened.
type Popup struct {
	Emoji       string   `json:"emoji"`
	Title       string   `json:"title"`
	Name        string   `json:"name,omitempty"`
	Description string   `json:"description,omitempty"`
	Coordinates string   `json:"coordinates"`
	Tags        []string `json:"tags"`
}

// Marker is one rendered map marker.
type Marker struct {
	ID       string         `json:"id"`
	Lat      float64        `json:"lat"`
	Lon      float64        `json:"lon"`
	Category fruit.Category `json:"category"`
	Emoji    string         `json:"emoji"`
	Popup    Popup          `json:"popup"`
}

// Snapshot is everything the page needs to redraw.
type Snapshot struct {
	Total    int              `json:"total"`
	Visible  int              `json:"visible"`
	Loading  bool             `json:"loading"`
	AutoLoad bool             `json:"autoload"`
	Filters  []fruit.Category `json:"filters"`
	Counts   []CategoryCount  `json:"counts"`
	Markers  []Marker         `json:"markers"`
}

// Snapshot renders the current state. Loading and AutoLoad are filled in by
// the controller.
func (s *State) Snapshot() Snapshot {
	visible := s.Visible()
	snap := Snapshot{
		Total:   len(s.points),
		Visible: len(visible),
		Filters: s.Filters(),
		Counts:  make([]CategoryCount, 0, len(fruit.All())),
		Markers: make([]Marker, 0, len(visible)),
	}
	for _, info := range fruit.All() {
		_, active := s.filters[info.Category]
		snap.Counts = append(snap.Counts, CategoryCount{Info: info, Count: s.counts[info.Category], Active: active})
	}
	for _, p := range visible {
		snap.Markers = append(snap.Markers, NewMarker(p))
	}
	return snap
}

// NewMarker builds the marker and popup content for p.
func NewMarker(p Point) Marker {
	return Marker{
		ID:       p.ID,
		Lat:      p.Lat,
		Lon:      p.Lon,
		Category: p.Category,
		Emoji:    p.Category.Emoji(),
		Popup:    NewPopup(p),
	}
}

// NewPopup lists name and description first, then the remaining tags as
// sorted "key: value" pairs.
func NewPopup(p Point) Popup {
	pop := Popup{
		Emoji:       p.Category.Emoji(),
		Title:       p.Category.DisplayName(),
		Name:        p.Tags["name"],
		Description: p.Tags["description"],
		Coordinates: fmt.Sprintf("%.5f, %.5f", p.Lat, p.Lon),
		Tags:        make([]string, 0, len(p.Tags)),
	}
	keys := make([]string, 0, len(p.Tags))
	for k := range p.Tags {
		if k == "name" || k == "description" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		pop.Tags = append(pop.Tags, k+": "+p.Tags[k])
	}
	return pop
}
