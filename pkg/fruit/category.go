// Package fruit holds the fixed set of foraging categories and the
// heuristic that assigns one of them to a set of OSM tags.
package fruit

import (
	"fmt"
	"strings"
)

// Category is one of the closed set of fruit labels.
type Category string

const (
	Apple          Category = "apple"
	Pear           Category = "pear"
	Cherry         Category = "cherry"
	Plum           Category = "plum"
	Walnut         Category = "walnut"
	Hazelnut       Category = "hazelnut"
	Blackberry     Category = "blackberry"
	Raspberry      Category = "raspberry"
	Bilberry       Category = "bilberry"
	WildStrawberry Category = "wild_strawberry"
	Elderberry     Category = "elderberry"
	Rosehip        Category = "rosehip"
	Chestnut       Category = "chestnut"
	Mushroom       Category = "mushroom"
	Other          Category = "other"
)

// Info is the display metadata for a category.
type Info struct {
	Category Category `json:"category"`
	Emoji    string   `json:"emoji"`
	Name     string   `json:"name"`
}

// catalog is kept in sidebar display order.
var catalog = []Info{
	{Apple, "🍎", "Jablka"},
	{Pear, "🍐", "Hrušky"},
	{Cherry, "🍒", "Třešně"},
	{Plum, "🟣", "Švestky"},
	{Walnut, "🥜", "Ořechy"},
	{Hazelnut, "🌰", "Lískové ořechy"},
	{Blackberry, "🫐", "Ostružiny"},
	{Raspberry, "🍓", "Maliny"},
	{Bilberry, "🫐", "Lesní borůvky"},
	{WildStrawberry, "🍓", "Lesní jahody"},
	{Elderberry, "🟣", "Bezinky"},
	{Rosehip, "🌹", "Šípky"},
	{Chestnut, "🌰", "Kaštany"},
	{Mushroom, "🍄", "Houby"},
	{Other, "🌿", "Ostatní"},
}

var byCategory = func() map[Category]Info {
	m := make(map[Category]Info, len(catalog))
	for _, c := range catalog {
		m[c.Category] = c
	}
	return m
}()

// All returns every category in display order. The slice is a copy.
func All() []Info {
	return append([]Info(nil), catalog...)
}

// Lookup returns the display metadata for c.
func Lookup(c Category) (Info, bool) {
	i, ok := byCategory[c]
	return i, ok
}

// Valid reports whether c belongs to the enumeration.
func (c Category) Valid() bool {
	_, ok := byCategory[c]
	return ok
}

// Emoji returns the display glyph, falling back to the "other" glyph.
func (c Category) Emoji() string {
	if i, ok := byCategory[c]; ok {
		return i.Emoji
	}
	return byCategory[Other].Emoji
}

// DisplayName returns the Czech display name.
func (c Category) DisplayName() string {
	if i, ok := byCategory[c]; ok {
		return i.Name
	}
	return byCategory[Other].Name
}

// Parse converts a label such as "wild_strawberry" (case-insensitive,
// "-" accepted in place of "_") into a Category.
func Parse(s string) (Category, error) {
	c := Category(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_"))
	if !c.Valid() {
		return "", fmt.Errorf("unknown category %q", s)
	}
	return c, nil
}
