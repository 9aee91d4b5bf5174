package graph

import (
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/threadloom/pkg/types"
)

// RunningGraph is the session's in-memory view of the conversation graph:
// nodes keyed by name in insertion order, plus the text of every chunk that
// has been applied. The builder worker is the only writer; snapshot readers
// (hub replay, the done event) may call the exported accessors concurrently.
type RunningGraph struct {
	mu             sync.Mutex
	conversationID string
	byName         map[string]*types.Node
	order          []string
	chunkTexts     map[string]string
}

func newRunningGraph(conversationID string) *RunningGraph {
	return &RunningGraph{
		conversationID: conversationID,
		byName:         make(map[string]*types.Node),
		chunkTexts:     make(map[string]string),
	}
}

// Seed loads previously stored nodes into the graph, preserving their ids and
// creation times. Nodes whose name is already present are skipped. Call it
// before the first chunk is applied; seeding later would reorder the view.
func (g *RunningGraph) Seed(nodes []types.Node) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, n := range nodes {
		if n.NodeName == "" {
			continue
		}
		if _, ok := g.byName[n.NodeName]; ok {
			continue
		}
		cp := n
		cp.ChunkTrail = append([]string(nil), n.ChunkTrail...)
		cp.EdgeRelations = append([]types.EdgeRelation(nil), n.EdgeRelations...)
		g.byName[cp.NodeName] = &cp
		g.order = append(g.order, cp.NodeName)
	}
}

// apply merges one validated model reply for the chunks in chunkIDs (oldest
// first) and returns copies of every node the merge touched, in insertion
// order. The merge is idempotent: applying the same reply twice leaves the
// graph unchanged.
//
// Per returned node: upsert by name; non-empty summary, excerpt, speaker and
// temporal neighbours replace the stored values while empty ones keep them;
// display flags take the incoming value; contextual edges union by
// (related_node, relation_type) with the newer text winning; every chunk id
// is appended once to the node's trail, the last one becoming its ChunkID.
// Temporal neighbours are linked both ways when the named node exists.
func (g *RunningGraph) apply(res *response, chunkIDs []string, chunkTexts map[string]string, now time.Time) []types.Node {
	g.mu.Lock()
	defer g.mu.Unlock()

	primary := ""
	if len(chunkIDs) > 0 {
		primary = chunkIDs[len(chunkIDs)-1]
	}
	changed := make(map[string]bool)

	for _, nr := range res.Nodes {
		name := strings.TrimSpace(nr.NodeName)
		if name == "" {
			continue
		}
		n, ok := g.byName[name]
		if !ok {
			n = &types.Node{
				NodeID:         uuid.NewString(),
				ConversationID: g.conversationID,
				NodeName:       name,
				CreatedAt:      now,
			}
			g.byName[name] = n
			g.order = append(g.order, name)
		}

		if nr.Summary != "" {
			n.Summary = nr.Summary
		}
		if nr.SourceExcerpt != "" {
			n.SourceExcerpt = nr.SourceExcerpt
		}
		if nr.SpeakerID != "" {
			n.SpeakerID = nr.SpeakerID
		}
		if nr.Predecessor != "" {
			n.Predecessor = nr.Predecessor
		}
		if nr.Successor != "" {
			n.Successor = nr.Successor
		}
		n.IsBookmark = nr.IsBookmark
		n.IsContextualProgress = nr.IsContextualProgress

		for _, er := range nr.EdgeRelations {
			mergeEdge(n, er)
		}

		for _, cid := range chunkIDs {
			if !slices.Contains(n.ChunkTrail, cid) {
				n.ChunkTrail = append(n.ChunkTrail, cid)
			}
		}
		if primary != "" {
			n.ChunkID = primary
		}
		n.UpdatedAt = now
		changed[name] = true

		if nr.Predecessor != "" {
			if p, ok := g.byName[nr.Predecessor]; ok && p.Successor != name {
				p.Successor = name
				p.UpdatedAt = now
				changed[p.NodeName] = true
			}
		}
		if nr.Successor != "" {
			if s, ok := g.byName[nr.Successor]; ok && s.Predecessor != name {
				s.Predecessor = name
				s.UpdatedAt = now
				changed[s.NodeName] = true
			}
		}
	}

	for id, text := range chunkTexts {
		g.chunkTexts[id] = text
	}

	out := make([]types.Node, 0, len(changed))
	for _, name := range g.order {
		if changed[name] {
			out = append(out, copyNode(g.byName[name]))
		}
	}
	return out
}

// Nodes returns a snapshot of every node in insertion order. The slice is
// non-nil even when the graph is empty, matching the wire contract of the
// existing_json event.
func (g *RunningGraph) Nodes() []types.Node {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]types.Node, 0, len(g.order))
	for _, name := range g.order {
		out = append(out, copyNode(g.byName[name]))
	}
	return out
}

// NodeCount returns the number of nodes currently in the graph.
func (g *RunningGraph) NodeCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.order)
}

// ChunkTexts returns a snapshot of every applied chunk's text by id.
func (g *RunningGraph) ChunkTexts() map[string]string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[string]string, len(g.chunkTexts))
	for id, text := range g.chunkTexts {
		out[id] = text
	}
	return out
}

// compactSummary renders one line per node in insertion order: the name, the
// summary and the last three contextual edges. The prompt assembler trims
// these lines oldest-first to fit the token budget.
func (g *RunningGraph) compactSummary() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	lines := make([]string, 0, len(g.order))
	for _, name := range g.order {
		n := g.byName[name]
		var b strings.Builder
		b.WriteString("- ")
		b.WriteString(n.NodeName)
		b.WriteString(": ")
		b.WriteString(n.Summary)
		edges := n.EdgeRelations
		if len(edges) > 3 {
			edges = edges[len(edges)-3:]
		}
		for _, e := range edges {
			b.WriteString(" [")
			b.WriteString(string(e.RelationType))
			b.WriteString(" ")
			b.WriteString(e.RelatedNode)
			b.WriteString("]")
		}
		lines = append(lines, b.String())
	}
	return lines
}

// mergeEdge unions one returned edge into the node. Duplicate edges by
// (related node, relation type) refresh the text instead of appending.
func mergeEdge(n *types.Node, er edgeResult) {
	rt := types.RelationType(er.RelationType)
	if er.RelatedNode == "" || !types.ValidRelationType(rt) {
		return
	}
	for i, e := range n.EdgeRelations {
		if e.RelatedNode == er.RelatedNode && e.RelationType == rt {
			if er.RelationText != "" {
				n.EdgeRelations[i].RelationText = er.RelationText
			}
			return
		}
	}
	n.EdgeRelations = append(n.EdgeRelations, types.EdgeRelation{
		RelatedNode:  er.RelatedNode,
		RelationType: rt,
		RelationText: er.RelationText,
	})
}

func copyNode(n *types.Node) types.Node {
	cp := *n
	cp.ChunkTrail = append([]string(nil), n.ChunkTrail...)
	cp.EdgeRelations = append([]types.EdgeRelation(nil), n.EdgeRelations...)
	return cp
}
