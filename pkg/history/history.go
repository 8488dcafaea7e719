// Package history walks the persisted commit graph without touching the
// backend.
package history

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/Sumatoshi-tech/forgemirror/pkg/store"
)

const tracerName = "github.com/Sumatoshi-tech/forgemirror/pkg/history"

// ErrUnknownCommit is returned for commits that are not indexed.
var ErrUnknownCommit = errors.New("unknown commit")

// ParentSource exposes the persisted commit graph. *store.Store implements it.
type ParentSource interface {
	// CommitParents returns the parents of an indexed commit, or
	// store.ErrNotFound.
	CommitParents(ctx context.Context, kind, oid string) ([]string, error)
	PrevCommits(ctx context.Context, kind, oid string) ([]string, error)
	NextCommits(ctx context.Context, kind, oid, repoID string) ([]string, error)
}

// Page is one slice of history.
type Page struct {
	IDs []string `json:"ids" yaml:"ids"`
	// Frontier seeds the next page: pass it back with skip 0.
	Frontier []string `json:"frontier" yaml:"frontier"`
}

// Log lists up to count commits reachable from seeds, skipping the first
// skip of them. Commits are emitted breadth first: candidates are taken in
// FIFO order and each visited commit appends its parents in merge order.
func Log(ctx context.Context, src ParentSource, kind string, seeds []string, skip, count int) (*Page, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "forgemirror.history.log", trace.WithAttributes(
		attribute.Int("history.seeds", len(seeds)),
		attribute.Int("history.skip", skip),
		attribute.Int("history.count", count),
	))
	defer span.End()

	parents := make(map[string][]string, len(seeds))

	for _, seed := range seeds {
		p, err := commitParents(ctx, src, kind, seed)
		if err != nil {
			return nil, err
		}

		parents[seed] = p
	}

	candidates := append([]string(nil), seeds...)
	seen := make(map[string]bool)
	page := &Page{IDs: []string{}}

	for count > 0 && len(candidates) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		oid := candidates[0]
		candidates = candidates[1:]

		if seen[oid] {
			continue
		}

		seen[oid] = true

		if skip > 0 {
			skip--
		} else {
			page.IDs = append(page.IDs, oid)
			count--
		}

		p, ok := parents[oid]
		if !ok {
			var err error
			if p, err = commitParents(ctx, src, kind, oid); err != nil {
				return nil, err
			}
		}

		candidates = append(candidates, p...)
	}

	page.Frontier = frontier(candidates, seen)
	span.SetAttributes(attribute.Int("history.emitted", len(page.IDs)))

	return page, nil
}

func frontier(candidates []string, seen map[string]bool) []string {
	out := make([]string, 0, len(candidates))

	for _, oid := range candidates {
		if seen[oid] {
			continue
		}

		seen[oid] = true

		out = append(out, oid)
	}

	return out
}

// Neighbours are the linked commits around one commit.
type Neighbours struct {
	Prev []string `json:"prev" yaml:"prev"`
	Next []string `json:"next" yaml:"next"`
}

// Context returns the linked predecessors and successors of oid. Successors
// are limited to commits reachable from repoID.
func Context(ctx context.Context, src ParentSource, kind, repoID, oid string) (*Neighbours, error) {
	if _, err := commitParents(ctx, src, kind, oid); err != nil {
		return nil, err
	}

	prev, err := src.PrevCommits(ctx, kind, oid)
	if err != nil {
		return nil, err
	}

	next, err := src.NextCommits(ctx, kind, oid, repoID)
	if err != nil {
		return nil, err
	}

	return &Neighbours{Prev: nonNil(prev), Next: nonNil(next)}, nil
}

func commitParents(ctx context.Context, src ParentSource, kind, oid string) ([]string, error) {
	parents, err := src.CommitParents(ctx, kind, oid)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCommit, oid)
	}

	if err != nil {
		return nil, err
	}

	return parents, nil
}

func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}

	return ids
}
