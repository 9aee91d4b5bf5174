package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/MrWong99/threadloom/pkg/store"
	"github.com/MrWong99/threadloom/pkg/types"
)

// ─────────────────────────────────────────────────────────────────────────────
// EventStore — append-only transcript log
// ─────────────────────────────────────────────────────────────────────────────

// AppendTranscriptEvent implements [store.EventStore]. The insert is guarded
// by the session's current maximum sequence number inside a single statement,
// so concurrent writers cannot interleave regressions; the UNIQUE constraint
// on (session_id, sequence_number) backstops the race where two writers pass
// the guard with the same number.
func (s *Store) AppendTranscriptEvent(ctx context.Context, e types.TranscriptEvent) (uint64, error) {
	timingsJSON, err := json.Marshal(e.WordTimings)
	if err != nil {
		return 0, fmt.Errorf("event store: marshal word timings: %w", err)
	}
	metaJSON, err := json.Marshal(e.Metadata)
	if err != nil {
		return 0, fmt.Errorf("event store: marshal metadata: %w", err)
	}

	receivedAt := e.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now()
	}

	const q = `
		WITH ins AS (
		    INSERT INTO transcript_events
		        (event_id, session_id, conversation_id, sequence_number, kind, text,
		         speaker_id, speaker_confidence, diarization_version, word_timings,
		         segment_start_ms, segment_end_ms, received_at, metadata)
		    SELECT $1, $2, $3, $4::bigint, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14
		    WHERE  $4::bigint > COALESCE((SELECT MAX(sequence_number)
		                                  FROM   transcript_events
		                                  WHERE  session_id = $2), 0)
		    RETURNING conversation_id
		), bump AS (
		    UPDATE conversations c
		    SET    updated_at = now()
		    FROM   ins
		    WHERE  c.conversation_id = ins.conversation_id
		)
		SELECT count(*) FROM ins`

	var inserted int64
	err = s.pool.QueryRow(ctx, q,
		e.EventID,
		e.SessionID,
		e.ConversationID,
		int64(e.SequenceNumber),
		string(e.Kind),
		e.Text,
		e.SpeakerID,
		e.SpeakerConfidence,
		e.DiarizationVersion,
		timingsJSON,
		e.SegmentStartMs,
		e.SegmentEndMs,
		receivedAt,
		metaJSON,
	).Scan(&inserted)
	if err != nil {
		return 0, fmt.Errorf("event store: append transcript event: %w", err)
	}
	if inserted == 0 {
		return 0, fmt.Errorf("event store: append transcript event: session %q sequence %d: %w",
			e.SessionID, e.SequenceNumber, store.ErrSequenceRegression)
	}
	return e.SequenceNumber, nil
}

// AppendSpeakerUpdate implements [store.EventStore]. The guard compares
// against the highest version already stored for the event, defaulting to 1
// because the event row itself carries the initial assignment at version 1.
func (s *Store) AppendSpeakerUpdate(ctx context.Context, u types.SpeakerUpdate) error {
	createdAt := u.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	const q = `
		WITH ins AS (
		    INSERT INTO speaker_updates
		        (update_id, event_id, session_id, new_speaker_id, new_confidence,
		         diarization_version, reason, created_at)
		    SELECT $1, $2, $3, $4, $5, $6::int, $7, $8
		    WHERE  $6::int > COALESCE((SELECT MAX(diarization_version)
		                               FROM   speaker_updates
		                               WHERE  event_id = $2), 1)
		    RETURNING update_id
		)
		SELECT count(*) FROM ins`

	var inserted int64
	err := s.pool.QueryRow(ctx, q,
		uuid.NewString(),
		u.EventID,
		u.SessionID,
		u.NewSpeakerID,
		u.NewConfidence,
		u.DiarizationVersion,
		string(u.Reason),
		createdAt,
	).Scan(&inserted)
	if err != nil {
		return fmt.Errorf("event store: append speaker update: %w", err)
	}
	if inserted == 0 {
		return fmt.Errorf("event store: append speaker update: event %q version %d: %w",
			u.EventID, u.DiarizationVersion, store.ErrVersionRegression)
	}
	return nil
}

// LoadSessionTail implements [store.EventStore].
func (s *Store) LoadSessionTail(ctx context.Context, sessionID string, sinceSeq uint64) (store.Tail, error) {
	const qEvents = `
		SELECT event_id, session_id, conversation_id, sequence_number, kind, text,
		       speaker_id, speaker_confidence, diarization_version, word_timings,
		       segment_start_ms, segment_end_ms, received_at, metadata
		FROM   transcript_events
		WHERE  session_id = $1 AND sequence_number > $2::bigint
		ORDER  BY sequence_number`

	rows, err := s.pool.Query(ctx, qEvents, sessionID, int64(sinceSeq))
	if err != nil {
		return store.Tail{}, fmt.Errorf("event store: load session tail: %w", err)
	}
	events, err := collectEvents(rows)
	if err != nil {
		return store.Tail{}, fmt.Errorf("event store: load session tail: %w", err)
	}

	// Latest revision per event, for the whole session: a reader that
	// disconnected mid-window may hold events whose attribution changed
	// after its last seen sequence number.
	const qUpdates = `
		SELECT DISTINCT ON (event_id)
		       event_id, session_id, new_speaker_id, new_confidence,
		       diarization_version, reason, created_at
		FROM   speaker_updates
		WHERE  session_id = $1
		ORDER  BY event_id, diarization_version DESC`

	rows, err = s.pool.Query(ctx, qUpdates, sessionID)
	if err != nil {
		return store.Tail{}, fmt.Errorf("event store: load session tail: %w", err)
	}
	updates, err := collectUpdates(rows)
	if err != nil {
		return store.Tail{}, fmt.Errorf("event store: load session tail: %w", err)
	}

	return store.Tail{Events: events, Updates: updates}, nil
}

// ListUtterances implements [store.EventStore]. It reads the utterances view,
// which projects final events with their current speaker attribution.
func (s *Store) ListUtterances(ctx context.Context, conversationID string) ([]types.Utterance, error) {
	const q = `
		SELECT event_id, conversation_id, speaker_id, text, spoken_at
		FROM   utterances
		WHERE  conversation_id = $1
		ORDER  BY spoken_at, event_id`

	rows, err := s.pool.Query(ctx, q, conversationID)
	if err != nil {
		return nil, fmt.Errorf("event store: list utterances: %w", err)
	}
	utterances, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.Utterance, error) {
		var u types.Utterance
		if err := row.Scan(
			&u.EventID,
			&u.ConversationID,
			&u.SpeakerID,
			&u.Text,
			&u.SpokenAt,
		); err != nil {
			return types.Utterance{}, err
		}
		return u, nil
	})
	if err != nil {
		return nil, fmt.Errorf("event store: list utterances: %w", err)
	}
	if utterances == nil {
		utterances = []types.Utterance{}
	}
	return utterances, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Private scan helpers
// ─────────────────────────────────────────────────────────────────────────────

// collectEvents scans pgx rows into a slice of TranscriptEvent values.
func collectEvents(rows pgx.Rows) ([]types.TranscriptEvent, error) {
	events, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.TranscriptEvent, error) {
		var (
			e           types.TranscriptEvent
			kind        string
			timingsJSON []byte
			metaJSON    []byte
		)
		if err := row.Scan(
			&e.EventID,
			&e.SessionID,
			&e.ConversationID,
			&e.SequenceNumber,
			&kind,
			&e.Text,
			&e.SpeakerID,
			&e.SpeakerConfidence,
			&e.DiarizationVersion,
			&timingsJSON,
			&e.SegmentStartMs,
			&e.SegmentEndMs,
			&e.ReceivedAt,
			&metaJSON,
		); err != nil {
			return types.TranscriptEvent{}, err
		}
		e.Kind = types.EventKind(kind)
		if len(timingsJSON) > 0 {
			if err := json.Unmarshal(timingsJSON, &e.WordTimings); err != nil {
				return types.TranscriptEvent{}, fmt.Errorf("unmarshal word timings: %w", err)
			}
		}
		if len(metaJSON) > 0 {
			if err := json.Unmarshal(metaJSON, &e.Metadata); err != nil {
				return types.TranscriptEvent{}, fmt.Errorf("unmarshal metadata: %w", err)
			}
		}
		return e, nil
	})
	if err != nil {
		return nil, err
	}
	if events == nil {
		events = []types.TranscriptEvent{}
	}
	return events, nil
}

// collectUpdates scans pgx rows into a slice of SpeakerUpdate values.
func collectUpdates(rows pgx.Rows) ([]types.SpeakerUpdate, error) {
	updates, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.SpeakerUpdate, error) {
		var (
			u      types.SpeakerUpdate
			reason string
		)
		if err := row.Scan(
			&u.EventID,
			&u.SessionID,
			&u.NewSpeakerID,
			&u.NewConfidence,
			&u.DiarizationVersion,
			&reason,
			&u.CreatedAt,
		); err != nil {
			return types.SpeakerUpdate{}, err
		}
		u.Reason = types.UpdateReason(reason)
		return u, nil
	})
	if err != nil {
		return nil, err
	}
	if updates == nil {
		updates = []types.SpeakerUpdate{}
	}
	return updates, nil
}
