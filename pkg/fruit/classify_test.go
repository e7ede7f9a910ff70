package fruit

import "testing"

func TestClassifyUniqueSubstrings(t *testing.T) {
	tests := []struct {
		name string
		tags map[string]string
		want Category
	}{
		{"latin apple", map[string]string{"fruit": "Malus domestica"}, Apple},
		{"czech apple", map[string]string{"fruit": "Jablko"}, Apple},
		{"pear species", map[string]string{"species": "Pyrus communis"}, Pear},
		{"czech pear upper case", map[string]string{"name": "STARÁ HRUŠKA"}, Pear},
		{"cherry", map[string]string{"produce": "cherry"}, Cherry},
		{"czech cherry", map[string]string{"fruit": "třešeň"}, Cherry},
		{"plum", map[string]string{"fruit": "švestka"}, Plum},
		{"plum english", map[string]string{"fruit": "plums"}, Plum},
		{"walnut", map[string]string{"species": "Juglans regia"}, Walnut},
		{"hazelnut", map[string]string{"species": "Corylus avellana"}, Hazelnut},
		{"blackberry", map[string]string{"fruit": "ostružina"}, Blackberry},
		{"raspberry", map[string]string{"fruit": "Malina"}, Raspberry},
		{"bilberry latin", map[string]string{"understorey:plant": "Vaccinium myrtillus"}, Bilberry},
		{"blueberry synonym", map[string]string{"fruit": "Blueberry"}, Bilberry},
		{"wild strawberry", map[string]string{"fruit": "Fragaria vesca"}, WildStrawberry},
		{"czech strawberry", map[string]string{"name": "Lesní jahoda"}, WildStrawberry},
		{"elderberry", map[string]string{"species": "Sambucus nigra"}, Elderberry},
		{"rosehip", map[string]string{"species": "Rosa canina"}, Rosehip},
		{"chestnut", map[string]string{"species": "Castanea sativa"}, Chestnut},
		{"mushroom", map[string]string{"produce": "houba"}, Mushroom},
		{"fungi", map[string]string{"produce": "fungi"}, Mushroom},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.tags); got != tt.want {
				t.Errorf("Classify(%v) = %q, want %q", tt.tags, got, tt.want)
			}
		})
	}
}

func TestClassifyDefaultsToOther(t *testing.T) {
	tests := []struct {
		name string
		tags map[string]string
	}{
		{"nil tags", nil},
		{"empty tags", map[string]string{}},
		{"unrelated tags", map[string]string{"amenity": "bench"}},
		{"unknown berry", map[string]string{"fruit": "unknown berry"}},
		{"blank name", map[string]string{"name": "   "}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.tags); got != Other {
				t.Errorf("Classify(%v) = %q, want other", tt.tags, got)
			}
		})
	}
}

func TestClassifyFirstRuleWins(t *testing.T) {
	tests := []struct {
		name string
		tags map[string]string
		want Category
	}{
		{"strawberry before rosehip", map[string]string{"fruit": "rosa fragaria"}, WildStrawberry},
		{"cherry before plum", map[string]string{"species": "Prunus domestica"}, Cherry},
		{"blackberry before raspberry", map[string]string{"species": "Rubus idaeus"}, Blackberry},
		{"apple before pear across fields", map[string]string{"fruit": "pear", "name": "apple"}, Apple},
		{"substring false positive", map[string]string{"fruit": "pineapple"}, Apple},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.tags); got != tt.want {
				t.Errorf("Classify(%v) = %q, want %q", tt.tags, got, tt.want)
			}
		})
	}
}

func TestSearchTextDescriptorPrecedence(t *testing.T) {
	tests := []struct {
		name string
		tags map[string]string
		want string
	}{
		{"fruit wins", map[string]string{"fruit": "A", "produce": "B", "understorey:plant": "C"}, "a  "},
		{"produce when fruit empty", map[string]string{"fruit": "", "produce": "B"}, "b  "},
		{"understorey last", map[string]string{"understorey:plant": "C", "species": "S", "name": "N"}, "c s n"},
		{"nothing", nil, "  "},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SearchText(tt.tags); got != tt.want {
				t.Errorf("SearchText = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCustomRules(t *testing.T) {
	c := NewClassifier([]Rule{
		{Rosehip, []string{"rosa"}},
		{WildStrawberry, []string{"fragaria"}},
	})
	if got := c.Classify(map[string]string{"fruit": "rosa fragaria"}); got != Rosehip {
		t.Errorf("got %q, want rosehip when its rule is declared first", got)
	}
	if got := c.Classify(map[string]string{"fruit": "malus"}); got != Other {
		t.Errorf("got %q, want other", got)
	}
}

func TestDefaultRulesCoverEveryCategoryButOther(t *testing.T) {
	seen := map[Category]bool{}
	for _, r := range DefaultRules {
		if !r.Category.Valid() {
			t.Errorf("rule with unknown category %q", r.Category)
		}
		if seen[r.Category] {
			t.Errorf("category %q has two rules", r.Category)
		}
		seen[r.Category] = true
	}
	for _, info := range All() {
		if info.Category == Other {
			if seen[Other] {
				t.Error("other must not have a rule")
			}
			continue
		}
		if !seen[info.Category] {
			t.Errorf("category %q has no rule", info.Category)
		}
	}
}

func TestParse(t *testing.T) {
	tests := []struct {
		in      string
		want    Category
		wantErr bool
	}{
		{"apple", Apple, false},
		{" Wild-Strawberry ", WildStrawberry, false},
		{"other", Other, false},
		{"banana", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		got, err := Parse(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("Parse(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("Parse(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestCatalog(t *testing.T) {
	all := All()
	if len(all) != 15 {
		t.Fatalf("len(All()) = %d, want 15", len(all))
	}
	all[0].Name = "mutated"
	if Apple.DisplayName() != "Jablka" {
		t.Error("All() must return a copy")
	}
	if Category("nope").Emoji() != Other.Emoji() {
		t.Error("unknown category should fall back to the other glyph")
	}
}
