// Package checkpoint persists sync progress so an interrupted run can resume
// without walking the commit graph again.
package checkpoint

import (
	"slices"
	"strings"

	"github.com/Sumatoshi-tech/forgemirror/pkg/backend"
)

// Phase is the last completed step of a sync run.
type Phase string

// Sync run phases.
const (
	// PhaseRefs means references were captured and the order computed.
	PhaseRefs Phase = "refs"
	// PhaseIndexing means at least one batch of commits was persisted.
	PhaseIndexing Phase = "indexing"
)

// Metadata is the small, frequently rewritten part of a checkpoint.
type Metadata struct {
	Version    int    `json:"version"`
	RepoID     string `json:"repo_id"`
	RepoHash   string `json:"repo_hash"`
	Phase      Phase  `json:"phase"`
	Processed  int    `json:"processed"`
	Total      int    `json:"total"`
	LastCommit string `json:"last_commit,omitempty"`
	CreatedAt  string `json:"created_at"`
	UpdatedAt  string `json:"updated_at"`
}

// Order is the captured reference set and the topological order derived
// from it. It is written once per run.
type Order struct {
	Refs  []backend.Ref
	Order []string
}

// State is a loaded checkpoint.
type State struct {
	Metadata

	Refs  []backend.Ref
	Order []string
}

// Matches reports whether refs equal the captured references, ignoring order.
func (s *State) Matches(refs []backend.Ref) bool {
	return slices.Equal(sortedRefs(s.Refs), sortedRefs(refs))
}

func sortedRefs(refs []backend.Ref) []backend.Ref {
	out := slices.Clone(refs)
	slices.SortFunc(out, func(a, b backend.Ref) int { return strings.Compare(a.Name, b.Name) })

	return out
}
