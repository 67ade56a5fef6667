// Package graph walks the bundle dependency DAG breadth-first.
package graph

import (
	"context"

	"github.com/franz/bundle-store/internal/util"
)

// Unbounded as a depth follows edges until the frontier is empty.
const Unbounded = -1

// Neighbors returns, for each node of the frontier, the nodes one hop away.
type Neighbors func(ctx context.Context, frontier []string) (map[string][]string, error)

// EdgeSource exposes both directions of the dependency edges.
type EdgeSource interface {
	// Children maps each parent uuid to the bundles that depend on it.
	Children(ctx context.Context, parents []string) (map[string][]string, error)
	// Parents maps each child uuid to the bundles it depends on.
	Parents(ctx context.Context, children []string) (map[string][]string, error)
}

// Layers expands seeds breadth-first for at most depth rounds and returns the
// seeds followed by one slice per round of newly discovered nodes. A node is
// reported once, in the first round that reaches it. depth is a round count
// or Unbounded; other negative values are rejected.
func Layers(ctx context.Context, next Neighbors, seeds []string, depth int) ([][]string, error) {
	if depth < Unbounded {
		return nil, util.Usagef(util.ErrInvalid, "invalid depth %d", depth)
	}
	visited := make(map[string]bool, len(seeds))
	var frontier []string
	for _, s := range seeds {
		if !visited[s] {
			visited[s] = true
			frontier = append(frontier, s)
		}
	}
	layers := [][]string{frontier}

	for len(frontier) > 0 && depth != 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		edges, err := next(ctx, frontier)
		if err != nil {
			return nil, err
		}
		var newFrontier []string
		for _, node := range frontier {
			for _, n := range edges[node] {
				if visited[n] {
					continue
				}
				visited[n] = true
				newFrontier = append(newFrontier, n)
			}
		}
		if len(newFrontier) > 0 {
			layers = append(layers, newFrontier)
		}
		frontier = newFrontier
		if depth > 0 {
			depth--
		}
	}
	return layers, nil
}

// Walk is Layers flattened: seeds first, then nodes in discovery order.
func Walk(ctx context.Context, next Neighbors, seeds []string, depth int) ([]string, error) {
	layers, err := Layers(ctx, next, seeds, depth)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, l := range layers {
		out = append(out, l...)
	}
	return out, nil
}

// Descendants returns the seeds and every bundle reachable through child
// edges within depth hops.
func Descendants(ctx context.Context, src EdgeSource, seeds []string, depth int) ([]string, error) {
	return Walk(ctx, src.Children, seeds, depth)
}

// Ancestors returns the seeds and every bundle reachable through parent
// edges within depth hops.
func Ancestors(ctx context.Context, src EdgeSource, seeds []string, depth int) ([]string, error) {
	return Walk(ctx, src.Parents, seeds, depth)
}
