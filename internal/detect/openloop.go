package detect

import (
	"context"
	"fmt"

	"github.com/MrWong99/threadloom/pkg/store"
	"github.com/MrWong99/threadloom/pkg/types"
)

// openLoop flags questions the conversation never came back to: asks edges
// whose target topic has no temporal successor and never received a
// supports, clarifies or return_to_thread edge. Findings are anchored at
// the asking node.
type openLoop struct {
	graph store.GraphStore
}

var _ Detector = (*openLoop)(nil)

// NewOpenLoop builds the open-loop detector reading from graph.
func NewOpenLoop(graph store.GraphStore) Detector {
	return &openLoop{graph: graph}
}

func (o *openLoop) Kind() string { return "open_loop" }

func (o *openLoop) Analyze(ctx context.Context, conversationID string) ([]types.Finding, error) {
	nodes, err := o.graph.ListNodes(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}

	byName := make(map[string]*types.Node, len(nodes))
	for i := range nodes {
		byName[nodes[i].NodeName] = &nodes[i]
	}

	// answered marks topics some later node supported, clarified or
	// explicitly returned to.
	answered := make(map[string]bool)
	for _, n := range nodes {
		for _, e := range n.EdgeRelations {
			switch e.RelationType {
			case types.RelationSupports, types.RelationClarifies, types.RelationReturnToThread:
				answered[e.RelatedNode] = true
			}
		}
	}

	var findings []types.Finding
	for _, n := range nodes {
		for _, e := range n.EdgeRelations {
			if e.RelationType != types.RelationAsks {
				continue
			}
			target, ok := byName[e.RelatedNode]
			if !ok {
				// The question was raised but the topic never became a
				// node of its own; the discussion moved on immediately.
				findings = append(findings, types.Finding{
					NodeID:   n.NodeID,
					Kind:     o.Kind(),
					Severity: types.SeverityInfo,
					Payload: map[string]any{
						"asked":  e.RelatedNode,
						"reason": "topic never materialized",
					},
				})
				continue
			}
			if target.Successor != "" || answered[target.NodeName] {
				continue
			}
			findings = append(findings, types.Finding{
				NodeID:   n.NodeID,
				Kind:     o.Kind(),
				Severity: types.SeverityWarning,
				Payload: map[string]any{
					"asked":  target.NodeName,
					"reason": "no follow-up reached the topic",
				},
			})
		}
	}
	return findings, nil
}
