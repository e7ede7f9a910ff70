package fruit

import "strings"

// Rule maps any of its substrings to a category. Substrings are matched
// against the lower-cased search text, so they must be lower case.
type Rule struct {
	Category   Category
	Substrings []string
}

// DefaultRules is evaluated top to bottom and the first matching rule wins.
// The order is part of the contract: "rosa fragaria" is a wild strawberry
// because that rule precedes rosehip, and "prunus domestica" is a cherry.
// Matching is plain substring containment, so "pineapple" is an apple.
var DefaultRules = []Rule{
	{Apple, []string{"apple", "jablko", "malus"}},
	{Pear, []string{"pear", "hruška", "pyrus"}},
	{Cherry, []string{"cherry", "třešeň", "prunus"}},
	{Plum, []string{"plum", "švestka", "slíva"}},
	{Walnut, []string{"walnut", "ořech", "juglans"}},
	{Hazelnut, []string{"hazelnut", "lískový", "corylus"}},
	{Blackberry, []string{"blackberry", "ostružina", "rubus"}},
	{Raspberry, []string{"raspberry", "malina"}},
	{Bilberry, []string{"bilberry", "blueberry", "borůvka", "vaccinium", "myrtillus"}},
	{WildStrawberry, []string{"wild strawberry", "strawberry", "lesní jahoda", "jahoda", "fragaria"}},
	{Elderberry, []string{"elderberry", "bezinka", "sambucus"}},
	{Rosehip, []string{"rosehip", "šípek", "rosa"}},
	{Chestnut, []string{"chestnut", "kaštan", "castanea"}},
	{Mushroom, []string{"mushroom", "houba", "fungi"}},
}

// Tag keys that carry the primary descriptor, in order of preference.
var descriptorKeys = []string{"fruit", "produce", "understorey:plant"}

// Classifier assigns categories using an ordered rule list.
type Classifier struct {
	rules []Rule
}

// NewClassifier returns a classifier over rules. A nil slice means DefaultRules.
func NewClassifier(rules []Rule) *Classifier {
	if rules == nil {
		rules = DefaultRules
	}
	return &Classifier{rules: rules}
}

var defaultClassifier = NewClassifier(nil)

// Classify uses DefaultRules.
func Classify(tags map[string]string) Category {
	return defaultClassifier.Classify(tags)
}

// Classify returns the category of the first rule with a substring present in
// the tag search text, or Other.
func (c *Classifier) Classify(tags map[string]string) Category {
	return c.Match(SearchText(tags))
}

// Match runs the rules against an already lower-cased search string.
func (c *Classifier) Match(text string) Category {
	if strings.TrimSpace(text) == "" {
		return Other
	}
	for _, r := range c.rules {
		for _, s := range r.Substrings {
			if strings.Contains(text, s) {
				return r.Category
			}
		}
	}
	return Other
}

// SearchText joins the primary descriptor, species and name tags with single
// spaces and lower-cases the result. Missing tags contribute empty strings.
func SearchText(tags map[string]string) string {
	var descriptor string
	for _, k := range descriptorKeys {
		if v := tags[k]; v != "" {
			descriptor = v
			break
		}
	}
	return strings.ToLower(descriptor + " " + tags["species"] + " " + tags["name"])
}
