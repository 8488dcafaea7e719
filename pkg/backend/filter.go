package backend

import (
	"fmt"

	"github.com/bmatcuk/doublestar/v4"
)

// RefFilter selects references by glob patterns over their full names
// (e.g. "refs/heads/**", "refs/tags/v*"). An empty filter accepts everything.
type RefFilter struct {
	patterns []string
}

// NewRefFilter validates the patterns.
func NewRefFilter(patterns []string) (*RefFilter, error) {
	for _, pattern := range patterns {
		if !doublestar.ValidatePattern(pattern) {
			return nil, fmt.Errorf("invalid ref pattern %q: %w", pattern, doublestar.ErrBadPattern)
		}
	}

	return &RefFilter{patterns: patterns}, nil
}

// Match reports whether name is selected.
func (f *RefFilter) Match(name string) bool {
	if f == nil || len(f.patterns) == 0 {
		return true
	}

	for _, pattern := range f.patterns {
		if ok, _ := doublestar.Match(pattern, name); ok {
			return true
		}
	}

	return false
}

// Apply returns the selected refs, preserving order.
func (f *RefFilter) Apply(refs []Ref) []Ref {
	if f == nil || len(f.patterns) == 0 {
		return refs
	}

	out := make([]Ref, 0, len(refs))

	for _, ref := range refs {
		if f.Match(ref.Name) {
			out = append(out, ref)
		}
	}

	return out
}
