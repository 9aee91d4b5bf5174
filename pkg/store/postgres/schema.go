// Package postgres provides the PostgreSQL-backed implementation of the
// Threadloom persistence contracts ([store.EventStore] append-only transcript
// log, [store.GraphStore] conversation graph).
//
// All relations share a single [pgxpool.Pool] connection pool. [Migrate]
// creates the schema idempotently and is run automatically by [NewStore],
// so a fresh database needs no manual setup.
//
// Usage:
//
//	st, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer st.Close()
//
//	seq, err := st.AppendTranscriptEvent(ctx, event)
//	_ = st.UpsertNode(ctx, node)
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ─────────────────────────────────────────────────────────────────────────────
// DDL — conversations (aggregate root; every other relation cascades from it)
// ─────────────────────────────────────────────────────────────────────────────

const ddlConversations = `
CREATE TABLE IF NOT EXISTS conversations (
    conversation_id  TEXT         PRIMARY KEY,
    source_type      TEXT         NOT NULL DEFAULT '',
    participants     TEXT[]       NOT NULL DEFAULT '{}',
    started_at       TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at       TIMESTAMPTZ  NOT NULL DEFAULT now()
);
`

// ─────────────────────────────────────────────────────────────────────────────
// DDL — append-only transcript log (events + speaker revisions)
// ─────────────────────────────────────────────────────────────────────────────

const ddlTranscriptEvents = `
CREATE TABLE IF NOT EXISTS transcript_events (
    event_id             TEXT              PRIMARY KEY,
    session_id           TEXT              NOT NULL,
    conversation_id      TEXT              NOT NULL REFERENCES conversations (conversation_id) ON DELETE CASCADE,
    sequence_number      BIGINT            NOT NULL,
    kind                 TEXT              NOT NULL,
    text                 TEXT              NOT NULL,
    speaker_id           TEXT              NOT NULL DEFAULT '',
    speaker_confidence   DOUBLE PRECISION  NOT NULL DEFAULT 0,
    diarization_version  INT               NOT NULL DEFAULT 1,
    word_timings         JSONB             NOT NULL DEFAULT '[]',
    segment_start_ms     BIGINT            NOT NULL DEFAULT 0,
    segment_end_ms       BIGINT            NOT NULL DEFAULT 0,
    received_at          TIMESTAMPTZ       NOT NULL DEFAULT now(),
    metadata             JSONB             NOT NULL DEFAULT '{}',
    UNIQUE (session_id, sequence_number)
);

CREATE INDEX IF NOT EXISTS idx_transcript_events_conversation
    ON transcript_events (conversation_id, sequence_number);

CREATE INDEX IF NOT EXISTS idx_transcript_events_received_at
    ON transcript_events (received_at);
`

const ddlSpeakerUpdates = `
CREATE TABLE IF NOT EXISTS speaker_updates (
    update_id            TEXT              PRIMARY KEY,
    event_id             TEXT              NOT NULL REFERENCES transcript_events (event_id) ON DELETE CASCADE,
    session_id           TEXT              NOT NULL,
    new_speaker_id       TEXT              NOT NULL,
    new_confidence       DOUBLE PRECISION  NOT NULL DEFAULT 0,
    diarization_version  INT               NOT NULL,
    reason               TEXT              NOT NULL,
    created_at           TIMESTAMPTZ       NOT NULL DEFAULT now(),
    UNIQUE (event_id, diarization_version)
);

CREATE INDEX IF NOT EXISTS idx_speaker_updates_session
    ON speaker_updates (session_id, created_at);
`

// ─────────────────────────────────────────────────────────────────────────────
// DDL — conversation graph nodes
// ─────────────────────────────────────────────────────────────────────────────

const ddlNodes = `
CREATE TABLE IF NOT EXISTS nodes (
    node_id                 TEXT         PRIMARY KEY,
    conversation_id         TEXT         NOT NULL REFERENCES conversations (conversation_id) ON DELETE CASCADE,
    node_name               TEXT         NOT NULL,
    summary                 TEXT         NOT NULL DEFAULT '',
    chunk_id                TEXT         NOT NULL DEFAULT '',
    chunk_trail             TEXT[]       NOT NULL DEFAULT '{}',
    speaker_id              TEXT         NOT NULL DEFAULT '',
    source_excerpt          TEXT         NOT NULL DEFAULT '',
    predecessor             TEXT         NOT NULL DEFAULT '',
    successor               TEXT         NOT NULL DEFAULT '',
    edge_relations          JSONB        NOT NULL DEFAULT '[]',
    is_bookmark             BOOLEAN      NOT NULL DEFAULT FALSE,
    is_contextual_progress  BOOLEAN      NOT NULL DEFAULT FALSE,
    created_at              TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at              TIMESTAMPTZ  NOT NULL DEFAULT now(),
    UNIQUE (conversation_id, node_name)
);

CREATE INDEX IF NOT EXISTS idx_nodes_conversation
    ON nodes (conversation_id, created_at);
`

// ─────────────────────────────────────────────────────────────────────────────
// DDL — utterances view (reader-facing projection of the log)
// ─────────────────────────────────────────────────────────────────────────────

// The view resolves each final event's current speaker: the revision with the
// highest diarization version wins, falling back to the speaker recorded on
// the event itself.
const ddlUtterancesView = `
CREATE OR REPLACE VIEW utterances AS
SELECT e.event_id,
       e.conversation_id,
       COALESCE(u.new_speaker_id, e.speaker_id) AS speaker_id,
       e.text,
       e.received_at AS spoken_at
FROM   transcript_events e
LEFT   JOIN LATERAL (
           SELECT new_speaker_id
           FROM   speaker_updates
           WHERE  event_id = e.event_id
           ORDER  BY diarization_version DESC
           LIMIT  1
       ) u ON TRUE
WHERE  e.kind = 'final';
`

// Migrate creates or ensures all required tables, indexes and views exist.
// It is idempotent (CREATE TABLE IF NOT EXISTS / CREATE OR REPLACE VIEW) and
// safe to call on every application start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	statements := []string{
		ddlConversations,
		ddlTranscriptEvents,
		ddlSpeakerUpdates,
		ddlNodes,
		ddlUtterancesView,
	}

	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
