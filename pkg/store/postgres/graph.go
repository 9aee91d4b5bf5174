package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/MrWong99/threadloom/pkg/types"
)

// ─────────────────────────────────────────────────────────────────────────────
// GraphStore — conversation graph nodes
// ─────────────────────────────────────────────────────────────────────────────

// UpsertNode implements [store.GraphStore]. On conflict the stored node_id
// and created_at survive; every other column takes the incoming value. The
// node's NodeID is only used for first insertion and is generated when empty.
func (s *Store) UpsertNode(ctx context.Context, n types.Node) error {
	edges := n.EdgeRelations
	if edges == nil {
		edges = []types.EdgeRelation{}
	}
	edgesJSON, err := json.Marshal(edges)
	if err != nil {
		return fmt.Errorf("graph store: marshal edge relations: %w", err)
	}

	nodeID := n.NodeID
	if nodeID == "" {
		nodeID = uuid.NewString()
	}
	// pgx encodes a nil slice as SQL NULL, which the column forbids.
	trail := n.ChunkTrail
	if trail == nil {
		trail = []string{}
	}

	const q = `
		WITH up AS (
		    INSERT INTO nodes
		        (node_id, conversation_id, node_name, summary, chunk_id, chunk_trail,
		         speaker_id, source_excerpt, predecessor, successor, edge_relations,
		         is_bookmark, is_contextual_progress, created_at, updated_at)
		    VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, now(), now())
		    ON CONFLICT (conversation_id, node_name) DO UPDATE SET
		        summary                = EXCLUDED.summary,
		        chunk_id               = EXCLUDED.chunk_id,
		        chunk_trail            = EXCLUDED.chunk_trail,
		        speaker_id             = EXCLUDED.speaker_id,
		        source_excerpt         = EXCLUDED.source_excerpt,
		        predecessor            = EXCLUDED.predecessor,
		        successor              = EXCLUDED.successor,
		        edge_relations         = EXCLUDED.edge_relations,
		        is_bookmark            = EXCLUDED.is_bookmark,
		        is_contextual_progress = EXCLUDED.is_contextual_progress,
		        updated_at             = now()
		    RETURNING conversation_id
		)
		UPDATE conversations c
		SET    updated_at = now()
		FROM   up
		WHERE  c.conversation_id = up.conversation_id`

	_, err = s.pool.Exec(ctx, q,
		nodeID,
		n.ConversationID,
		n.NodeName,
		n.Summary,
		n.ChunkID,
		trail,
		n.SpeakerID,
		n.SourceExcerpt,
		n.Predecessor,
		n.Successor,
		edgesJSON,
		n.IsBookmark,
		n.IsContextualProgress,
	)
	if err != nil {
		return fmt.Errorf("graph store: upsert node %q: %w", n.NodeName, err)
	}
	return nil
}

// ListNodes implements [store.GraphStore].
func (s *Store) ListNodes(ctx context.Context, conversationID string) ([]types.Node, error) {
	const q = `
		SELECT node_id, conversation_id, node_name, summary, chunk_id, chunk_trail,
		       speaker_id, source_excerpt, predecessor, successor, edge_relations,
		       is_bookmark, is_contextual_progress, created_at, updated_at
		FROM   nodes
		WHERE  conversation_id = $1
		ORDER  BY created_at, node_name`

	rows, err := s.pool.Query(ctx, q, conversationID)
	if err != nil {
		return nil, fmt.Errorf("graph store: list nodes: %w", err)
	}
	nodes, err := collectNodes(rows)
	if err != nil {
		return nil, fmt.Errorf("graph store: list nodes: %w", err)
	}
	return nodes, nil
}

// collectNodes scans pgx rows into a slice of Node values.
func collectNodes(rows pgx.Rows) ([]types.Node, error) {
	nodes, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.Node, error) {
		var (
			n         types.Node
			edgesJSON []byte
		)
		if err := row.Scan(
			&n.NodeID,
			&n.ConversationID,
			&n.NodeName,
			&n.Summary,
			&n.ChunkID,
			&n.ChunkTrail,
			&n.SpeakerID,
			&n.SourceExcerpt,
			&n.Predecessor,
			&n.Successor,
			&edgesJSON,
			&n.IsBookmark,
			&n.IsContextualProgress,
			&n.CreatedAt,
			&n.UpdatedAt,
		); err != nil {
			return types.Node{}, err
		}
		if len(edgesJSON) > 0 {
			if err := json.Unmarshal(edgesJSON, &n.EdgeRelations); err != nil {
				return types.Node{}, fmt.Errorf("unmarshal edge relations: %w", err)
			}
		}
		if n.EdgeRelations == nil {
			n.EdgeRelations = []types.EdgeRelation{}
		}
		return n, nil
	})
	if err != nil {
		return nil, err
	}
	if nodes == nil {
		nodes = []types.Node{}
	}
	return nodes, nil
}
