package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/MrWong99/threadloom/pkg/types"
)

// ─────────────────────────────────────────────────────────────────────────────
// GraphStore — conversation aggregates
// ─────────────────────────────────────────────────────────────────────────────

// EnsureConversation implements [store.GraphStore]. The upsert merges the
// participant sets of repeated attaches (sorted, de-duplicated) and only
// fills in source_type when it was previously unset, so the first session to
// declare a source wins.
func (s *Store) EnsureConversation(ctx context.Context, conversationID, sourceType string, participants []string) (types.Conversation, error) {
	// pgx encodes a nil slice as SQL NULL, which the column forbids.
	if participants == nil {
		participants = []string{}
	}

	const q = `
		WITH up AS (
		    INSERT INTO conversations (conversation_id, source_type, participants, started_at, updated_at)
		    VALUES ($1, $2, $3, now(), now())
		    ON CONFLICT (conversation_id) DO UPDATE SET
		        source_type  = CASE WHEN conversations.source_type = ''
		                            THEN EXCLUDED.source_type
		                            ELSE conversations.source_type END,
		        participants = ARRAY(SELECT DISTINCT p
		                             FROM   unnest(conversations.participants || EXCLUDED.participants) AS p
		                             ORDER  BY p),
		        updated_at   = now()
		    RETURNING conversation_id, source_type, participants, started_at, updated_at
		)
		SELECT up.conversation_id, up.source_type, up.participants, up.started_at, up.updated_at,
		       (SELECT count(*) FROM nodes             WHERE conversation_id = up.conversation_id),
		       (SELECT count(*) FROM transcript_events WHERE conversation_id = up.conversation_id)
		FROM   up`

	var c types.Conversation
	err := s.pool.QueryRow(ctx, q, conversationID, sourceType, participants).Scan(
		&c.ConversationID,
		&c.SourceType,
		&c.Participants,
		&c.StartedAt,
		&c.UpdatedAt,
		&c.NodeCount,
		&c.EventCount,
	)
	if err != nil {
		return types.Conversation{}, fmt.Errorf("graph store: ensure conversation %q: %w", conversationID, err)
	}
	return c, nil
}

// GetConversation implements [store.GraphStore]. Returns (nil, nil) when the
// conversation does not exist.
func (s *Store) GetConversation(ctx context.Context, conversationID string) (*types.Conversation, error) {
	const q = `
		SELECT c.conversation_id, c.source_type, c.participants, c.started_at, c.updated_at,
		       (SELECT count(*) FROM nodes             WHERE conversation_id = c.conversation_id),
		       (SELECT count(*) FROM transcript_events WHERE conversation_id = c.conversation_id)
		FROM   conversations c
		WHERE  c.conversation_id = $1`

	var c types.Conversation
	err := s.pool.QueryRow(ctx, q, conversationID).Scan(
		&c.ConversationID,
		&c.SourceType,
		&c.Participants,
		&c.StartedAt,
		&c.UpdatedAt,
		&c.NodeCount,
		&c.EventCount,
	)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("graph store: get conversation %q: %w", conversationID, err)
	}
	return &c, nil
}

// DeleteConversation implements [store.GraphStore]. Events, speaker revisions
// and nodes go with it via ON DELETE CASCADE. Deleting a non-existent
// conversation is not an error.
func (s *Store) DeleteConversation(ctx context.Context, conversationID string) error {
	const q = `DELETE FROM conversations WHERE conversation_id = $1`
	if _, err := s.pool.Exec(ctx, q, conversationID); err != nil {
		return fmt.Errorf("graph store: delete conversation %q: %w", conversationID, err)
	}
	return nil
}

// isNoRows reports whether err is the pgx "no rows" sentinel.
func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
