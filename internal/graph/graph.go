// Package graph records which hosts exist and who can reach whom with
// what credential. Path queries drive jump-chain reconstruction; edge
// upserts are idempotent so concurrent workers can race safely.
package graph

import (
	"context"
	"errors"

	"github.com/gustycube/sshmap/internal/types"
)

var (
	ErrNoPath       = errors.New("graph: no path between hosts")
	ErrHostNotFound = errors.New("graph: host not found")
)

// Hop is one step of a reconstructed path: the edge to traverse and the
// hosts on either side.
type Hop struct {
	From string
	Edge types.AccessEdge
	To   string
}

type Store interface {
	// AddHost upserts a host by hostname. A repeat sighting refreshes
	// last_seen; empty interfaces or banner never clobber stored ones.
	AddHost(ctx context.Context, host types.Host) error
	// AddAccessEdge upserts an edge by its full identity; a repeat
	// success only refreshes last_success_time.
	AddAccessEdge(ctx context.Context, edge types.AccessEdge) error
	// FindPath returns the shortest hop sequence from start to end,
	// preferring fresher edges between equal-length paths. ErrNoPath
	// when unreachable.
	FindPath(ctx context.Context, start, end string) ([]Hop, error)
	GetHost(ctx context.Context, hostname string) (types.Host, error)
	AllHosts(ctx context.Context) ([]types.Host, error)
	EdgesFrom(ctx context.Context, hostname string) ([]types.AccessEdge, error)
	// MarkScanned and IsScanned track which target addresses a run has
	// already probed, independent of outcome.
	MarkScanned(ctx context.Context, ip string) error
	IsScanned(ctx context.Context, ip string) (bool, error)
	Ping(ctx context.Context) error
	Close() error
}

// shortestPath runs a breadth-first search over the edge set. Edges are
// grouped by source and expected to be pre-sorted freshest first, so
// the first route found to a node at a given depth is also the
// freshest one at that depth.
func shortestPath(edgesBySource map[string][]types.AccessEdge, start, end string) ([]Hop, error) {
	if start == end {
		return nil, nil
	}
	type link struct {
		prev string
		edge types.AccessEdge
	}
	back := map[string]link{}
	visited := map[string]bool{start: true}
	frontier := []string{start}

	for len(frontier) > 0 && !visited[end] {
		var next []string
		for _, node := range frontier {
			for _, e := range edgesBySource[node] {
				if visited[e.ToHost] {
					continue
				}
				visited[e.ToHost] = true
				back[e.ToHost] = link{prev: node, edge: e}
				next = append(next, e.ToHost)
			}
		}
		frontier = next
	}
	if !visited[end] {
		return nil, ErrNoPath
	}

	var path []Hop
	for node := end; node != start; {
		l := back[node]
		path = append([]Hop{{From: l.prev, Edge: l.edge, To: node}}, path...)
		node = l.prev
	}
	return path, nil
}
