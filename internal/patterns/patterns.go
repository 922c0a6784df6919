package patterns

import (
	"fmt"
	"os"
	"regexp"
	"sort"
)

// Category groups failure patterns by the layer that failed.
type Category string

const (
	CategoryDependency    Category = "dependency"
	CategoryCompilation   Category = "compilation"
	CategoryRuntime       Category = "runtime"
	CategoryResource      Category = "resource"
	CategoryNetwork       Category = "network"
	CategoryConfiguration Category = "configuration"
	CategoryPermission    Category = "permission"
)

// FixCandidate is a named corrective action with a confidence score.
// Description is a template over the pattern's named groups, e.g.
// "Kill the process listening on port ${port}".
type FixCandidate struct {
	Name        string  `json:"name"`
	Confidence  float64 `json:"confidence"`
	Description string  `json:"description"`
}

// Describe renders the description with the captured groups. Unknown
// placeholders render empty.
func (f FixCandidate) Describe(groups map[string]string) string {
	return os.Expand(f.Description, func(key string) string {
		return groups[key]
	})
}

// Pattern maps a failure message matcher to a category and its fixes.
type Pattern struct {
	ID       string
	Category Category
	Matcher  *regexp.Regexp
	Fixes    []FixCandidate
}

// Match is the result of classifying a message.
type Match struct {
	PatternID string            `json:"pattern_id"`
	Category  Category          `json:"category"`
	Groups    map[string]string `json:"groups,omitempty"`
	Fixes     []FixCandidate    `json:"fixes"` // descending confidence
}

// Top returns the highest-confidence fix, if any.
func (m Match) Top() (FixCandidate, bool) {
	if len(m.Fixes) == 0 {
		return FixCandidate{}, false
	}
	return m.Fixes[0], true
}

// Info is the serializable view of a pattern for the admin surface.
type Info struct {
	ID       string         `json:"id"`
	Category Category       `json:"category"`
	Matcher  string         `json:"matcher"`
	Fixes    []FixCandidate `json:"fixes"`
}

// Library is an ordered, immutable pattern table. Match returns the first
// pattern in declared order whose matcher fires.
type Library struct {
	patterns []Pattern
	index    map[string]int
}

// New validates the table and builds a library. Each pattern's fixes are
// stored in descending confidence order.
func New(table []Pattern) (*Library, error) {
	l := &Library{
		patterns: make([]Pattern, 0, len(table)),
		index:    make(map[string]int, len(table)),
	}
	for _, p := range table {
		if p.ID == "" || p.Matcher == nil {
			return nil, fmt.Errorf("pattern %q: id and matcher are required", p.ID)
		}
		if _, dup := l.index[p.ID]; dup {
			return nil, fmt.Errorf("pattern %q declared twice", p.ID)
		}

		fixes := append([]FixCandidate(nil), p.Fixes...)
		sort.SliceStable(fixes, func(i, j int) bool { return fixes[i].Confidence > fixes[j].Confidence })
		for i, f := range fixes {
			if f.Confidence < 0 || f.Confidence > 1 {
				return nil, fmt.Errorf("pattern %q fix %q: confidence %v outside [0,1]", p.ID, f.Name, f.Confidence)
			}
			if i > 0 && fixes[i-1].Confidence == f.Confidence {
				return nil, fmt.Errorf("pattern %q: fixes %q and %q share confidence %v", p.ID, fixes[i-1].Name, f.Name, f.Confidence)
			}
		}
		p.Fixes = fixes

		l.index[p.ID] = len(l.patterns)
		l.patterns = append(l.patterns, p)
	}
	return l, nil
}

// NewDefault returns the built-in library.
func NewDefault() *Library {
	l, err := New(defaultPatterns())
	if err != nil {
		panic(err)
	}
	return l
}

// Match classifies message. The second return is false when no pattern
// recognizes it.
func (l *Library) Match(message string) (Match, bool) {
	for _, p := range l.patterns {
		sub := p.Matcher.FindStringSubmatch(message)
		if sub == nil {
			continue
		}
		groups := make(map[string]string)
		for i, name := range p.Matcher.SubexpNames() {
			if name != "" && i < len(sub) && sub[i] != "" {
				groups[name] = sub[i]
			}
		}
		return Match{
			PatternID: p.ID,
			Category:  p.Category,
			Groups:    groups,
			Fixes:     append([]FixCandidate(nil), p.Fixes...),
		}, true
	}
	return Match{}, false
}

// Get returns the pattern with the given ID.
func (l *Library) Get(id string) (Pattern, bool) {
	i, ok := l.index[id]
	if !ok {
		return Pattern{}, false
	}
	return l.patterns[i], true
}

// Patterns lists the table in declared order.
func (l *Library) Patterns() []Info {
	out := make([]Info, len(l.patterns))
	for i, p := range l.patterns {
		out[i] = Info{
			ID:       p.ID,
			Category: p.Category,
			Matcher:  p.Matcher.String(),
			Fixes:    append([]FixCandidate(nil), p.Fixes...),
		}
	}
	return out
}

func (l *Library) Len() int { return len(l.patterns) }
