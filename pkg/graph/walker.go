// Package graph discovers the commits reachable from a set of tips and
// orders them so that every parent precedes its children.
package graph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/Sumatoshi-tech/forgemirror/pkg/backend"
	"github.com/Sumatoshi-tech/forgemirror/pkg/toposort"
)

const tracerName = "github.com/Sumatoshi-tech/forgemirror/pkg/graph"

// ErrStructuralCorruption is returned when the commit graph contains a cycle.
var ErrStructuralCorruption = errors.New("structural corruption")

// KnownFunc reports whether a commit and all of its ancestors are already
// persisted for the repository being walked. Known commits are kept in the
// result but their parents are not visited.
type KnownFunc func(ctx context.Context, oid string) (bool, error)

// Walker performs the frontier traversal.
type Walker struct {
	// Known prunes the traversal; nil walks the full history.
	Known  KnownFunc
	Logger *slog.Logger
}

// Result is the outcome of a walk.
type Result struct {
	// Order lists every visited commit, parents first, ties broken by id.
	Order []string
	// Pruned counts the commits whose parents were not expanded.
	Pruned int
}

// Walk visits every commit reachable from tips and returns them in
// topological order. Backend errors abort the walk unchanged; a cycle yields
// ErrStructuralCorruption.
func (w *Walker) Walk(ctx context.Context, port backend.Port, tips []string) (*Result, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "forgemirror.graph.walk",
		trace.WithAttributes(attribute.Int("graph.tips", len(tips))))
	defer span.End()

	g := toposort.NewGraph()
	visited := make(map[string]bool)
	frontier := make([]string, 0, len(tips))
	result := &Result{}

	for _, tip := range tips {
		if !visited[tip] {
			visited[tip] = true
			frontier = append(frontier, tip)
		}
	}

	for len(frontier) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		oid := frontier[len(frontier)-1]
		frontier = frontier[:len(frontier)-1]

		g.AddNode(oid)

		if w.Known != nil {
			known, err := w.Known(ctx, oid)
			if err != nil {
				return nil, fmt.Errorf("check commit %s: %w", oid, err)
			}

			if known {
				result.Pruned++

				continue
			}
		}

		info, err := port.GetCommit(ctx, oid)
		if err != nil {
			return nil, fmt.Errorf("walk commit %s: %w", oid, err)
		}

		for _, parent := range info.Parents {
			g.AddEdge(parent, oid)

			if !visited[parent] {
				visited[parent] = true
				frontier = append(frontier, parent)
			}
		}
	}

	order, ok := g.Toposort()
	if !ok {
		err := fmt.Errorf("%w: %s", ErrStructuralCorruption, describeCycle(g, order))
		span.RecordError(err)

		return nil, err
	}

	result.Order = order

	span.SetAttributes(attribute.Int("graph.commits", len(order)), attribute.Int("graph.pruned", result.Pruned))
	w.logger().DebugContext(ctx, "graph: walked history", "tips", len(tips), "commits", len(order), "pruned", result.Pruned)

	return result, nil
}

func (w *Walker) logger() *slog.Logger {
	if w.Logger != nil {
		return w.Logger
	}

	return slog.Default()
}

func describeCycle(g *toposort.Graph, sorted []string) string {
	for _, candidate := range g.Unsorted(sorted) {
		if cycle := g.FindCycle(candidate); len(cycle) > 0 {
			return "cycle " + strings.Join(append(cycle, cycle[0]), " -> ")
		}
	}

	return "cycle among unsorted commits"
}
