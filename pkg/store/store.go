// Package store defines the persistence contracts for the Threadloom
// transcript log and conversation graph.
//
// Two narrow interfaces cover the two write paths:
//
//   - [EventStore]: the append-only transcript log. Events and speaker
//     revisions are immutable once written; the store enforces monotonic
//     ordering and serves reconnect replay via [EventStore.LoadSessionTail].
//   - [GraphStore]: conversation aggregates and the node graph built by the
//     LLM worker, mutated only through idempotent upserts.
//
// [Store] combines both for components that need the full surface. All
// interfaces are public so alternative backends (PostgreSQL, in-memory)
// can be supplied without depending on Threadloom internals.
//
// Every implementation must be safe for concurrent use.
package store

import (
	"context"
	"errors"

	"github.com/MrWong99/threadloom/pkg/types"
)

// ErrSequenceRegression is returned by [EventStore.AppendTranscriptEvent]
// when the event's sequence number is not strictly greater than every
// sequence number already stored for its session. Sequence numbers are
// allocated by the session owner; the store only verifies them.
var ErrSequenceRegression = errors.New("store: sequence number regression")

// ErrVersionRegression is returned by [EventStore.AppendSpeakerUpdate] when
// the revision's diarization version is not strictly greater than every
// version already stored for its event. The event itself carries version 1,
// so the first stored revision must be version 2 or higher.
var ErrVersionRegression = errors.New("store: diarization version regression")

// Tail is the replay payload for a reconnecting subscriber: the session's
// events after a known sequence number, plus the highest-version speaker
// revision for every event of the session that has one. Updates cover the
// whole session (not only the tail) so a reader that disconnected mid-window
// still converges on the current attribution.
type Tail struct {
	Events  []types.TranscriptEvent
	Updates []types.SpeakerUpdate
}

// EventStore is the append-only transcript log.
type EventStore interface {
	// AppendTranscriptEvent appends one transcript event and returns the
	// accepted sequence number. The event's SequenceNumber must be strictly
	// greater than every sequence number already stored for the session;
	// otherwise the event is rejected with [ErrSequenceRegression] and
	// nothing is written.
	AppendTranscriptEvent(ctx context.Context, e types.TranscriptEvent) (uint64, error)

	// AppendSpeakerUpdate appends one speaker revision for an already-stored
	// event. The revision's DiarizationVersion must be strictly greater than
	// every version already stored for the event; otherwise the revision is
	// rejected with [ErrVersionRegression] and nothing is written.
	AppendSpeakerUpdate(ctx context.Context, u types.SpeakerUpdate) error

	// LoadSessionTail returns every event of the session whose sequence
	// number is strictly greater than sinceSeq, in sequence order, together
	// with the latest speaker revisions as described on [Tail].
	// Both slices are empty (non-nil) when there is nothing to replay.
	LoadSessionTail(ctx context.Context, sessionID string, sinceSeq uint64) (Tail, error)

	// ListUtterances returns the conversation's final events with their
	// current speaker attribution (latest revision, falling back to the
	// event's own speaker), oldest first.
	// Returns an empty (non-nil) slice when the conversation has none.
	ListUtterances(ctx context.Context, conversationID string) ([]types.Utterance, error)
}

// GraphStore holds conversation aggregates and their node graphs.
type GraphStore interface {
	// EnsureConversation creates the conversation if it does not exist and
	// returns its current state, including node and event counts. Repeated
	// calls are idempotent: participants are merged into the existing set
	// and sourceType fills in only when previously unset.
	EnsureConversation(ctx context.Context, conversationID, sourceType string, participants []string) (types.Conversation, error)

	// GetConversation retrieves a conversation by ID.
	// Returns (nil, nil) when the conversation does not exist.
	GetConversation(ctx context.Context, conversationID string) (*types.Conversation, error)

	// DeleteConversation removes the conversation and, by cascade, all of
	// its events, speaker revisions and nodes. This is the only operation
	// that removes rows from the log. Deleting a non-existent conversation
	// is not an error.
	DeleteConversation(ctx context.Context, conversationID string) error

	// UpsertNode inserts or replaces the node identified by
	// (ConversationID, NodeName). On replace the stored NodeID and
	// CreatedAt are preserved and UpdatedAt is refreshed; every other
	// field takes the incoming value. Callers resolve merge policy before
	// upserting.
	UpsertNode(ctx context.Context, n types.Node) error

	// ListNodes returns the conversation's nodes in creation order.
	// Returns an empty (non-nil) slice when the conversation has none.
	ListNodes(ctx context.Context, conversationID string) ([]types.Node, error)
}

// Store is the full persistence surface used by the session pipeline.
type Store interface {
	EventStore
	GraphStore

	// Close releases the backing resources. The store is unusable afterwards.
	Close()
}
