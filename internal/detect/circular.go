package detect

import (
	"context"
	"fmt"
	"slices"
	"sort"

	"github.com/MrWong99/threadloom/pkg/store"
	"github.com/MrWong99/threadloom/pkg/types"
)

// circular flags argument cycles: chains of rebut edges that lead back to
// their starting topic, the smallest being a mutual rebut pair. Each cycle
// yields one finding anchored at its earliest-created member.
type circular struct {
	graph store.GraphStore
}

var _ Detector = (*circular)(nil)

// NewCircular builds the circular-argument detector reading from graph.
func NewCircular(graph store.GraphStore) Detector {
	return &circular{graph: graph}
}

func (c *circular) Kind() string { return "circular" }

func (c *circular) Analyze(ctx context.Context, conversationID string) ([]types.Finding, error) {
	nodes, err := c.graph.ListNodes(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}

	// Index the rebut subgraph by node name. Edges pointing at names the
	// model never materialized as nodes are skipped; they cannot close a
	// cycle.
	index := make(map[string]int, len(nodes))
	for i, n := range nodes {
		index[n.NodeName] = i
	}
	adj := make([][]int, len(nodes))
	for i, n := range nodes {
		for _, e := range n.EdgeRelations {
			if e.RelationType != types.RelationRebuts {
				continue
			}
			if j, ok := index[e.RelatedNode]; ok {
				adj[i] = append(adj[i], j)
			}
		}
	}

	var findings []types.Finding
	for _, comp := range stronglyConnected(adj) {
		// A single node is only cyclic when it rebuts itself.
		if len(comp) == 1 && !slices.Contains(adj[comp[0]], comp[0]) {
			continue
		}
		sort.Ints(comp)
		members := make([]string, len(comp))
		for i, idx := range comp {
			members[i] = nodes[idx].NodeName
		}
		findings = append(findings, types.Finding{
			NodeID:   nodes[comp[0]].NodeID,
			Kind:     c.Kind(),
			Severity: types.SeverityWarning,
			Payload: map[string]any{
				"cycle": members,
			},
		})
	}
	return findings, nil
}

// stronglyConnected runs Tarjan's algorithm over adj and returns every
// strongly connected component, including trivial single-node ones.
func stronglyConnected(adj [][]int) [][]int {
	const unvisited = -1

	n := len(adj)
	index := make([]int, n)
	low := make([]int, n)
	onStack := make([]bool, n)
	for i := range index {
		index[i] = unvisited
	}

	var (
		stack []int
		comps [][]int
		next  int
	)

	var connect func(v int)
	connect = func(v int) {
		index[v] = next
		low[v] = next
		next++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range adj[v] {
			if index[w] == unvisited {
				connect(w)
				if low[w] < low[v] {
					low[v] = low[w]
				}
			} else if onStack[w] && index[w] < low[v] {
				low[v] = index[w]
			}
		}

		if low[v] == index[v] {
			var comp []int
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				comp = append(comp, w)
				if w == v {
					break
				}
			}
			comps = append(comps, comp)
		}
	}

	for v := range n {
		if index[v] == unvisited {
			connect(v)
		}
	}
	return comps
}
