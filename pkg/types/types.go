// Package types defines the shared domain types used across all Threadloom packages.
//
// These types form the lingua franca between the ingress adapters, the STT and LLM
// providers, the diarization reconciler, the accumulator, and the stores. They are
// intentionally minimal — each package defines its own internal types, but data
// structures that cross package boundaries live here to avoid circular imports.
package types

import "time"

// EventKind distinguishes interim from authoritative transcript events.
type EventKind string

const (
	// KindPartial marks an interim transcript. Partials are display-only:
	// they are never chunked and never referenced by nodes.
	KindPartial EventKind = "partial"

	// KindFinal marks an authoritative transcript event.
	KindFinal EventKind = "final"
)

// TranscriptEvent is one append-only row of the transcript log. Once written
// it is never updated or deleted; speaker revisions are expressed as separate
// [SpeakerUpdate] rows.
type TranscriptEvent struct {
	// EventID is the canonical idempotency key for this event (UUID v4).
	EventID string

	// SessionID identifies the live session that produced the event.
	SessionID string

	// ConversationID identifies the durable aggregate the event belongs to.
	// It may differ from SessionID: a conversation survives reconnects.
	ConversationID string

	// SequenceNumber is strictly monotonic within a session.
	SequenceNumber uint64

	// Kind is partial or final.
	Kind EventKind

	// Text is the transcribed content.
	Text string

	// SpeakerID is the initial speaker assignment. Empty when unknown.
	// The current assignment is computed by readers as the update with the
	// highest diarization version, defaulting to this field.
	SpeakerID string

	// SpeakerConfidence is the confidence of the initial assignment (0.0–1.0).
	SpeakerConfidence float64

	// DiarizationVersion is the version of the assignment carried by this row.
	// Always 1 on the event itself; revisions start at 2.
	DiarizationVersion int

	// WordTimings holds per-word detail when the provider reports it.
	WordTimings []WordTiming

	// SegmentStartMs and SegmentEndMs bound the utterance on the session's
	// monotonic audio clock, in milliseconds.
	SegmentStartMs int64
	SegmentEndMs   int64

	// ReceivedAt is the server receive time. It is the only basis for the
	// diarization reconciliation window; client timestamps are advisory.
	ReceivedAt time.Time

	// Metadata carries provider name, model, latency and correction telemetry.
	Metadata map[string]string
}

// WordTiming holds per-word metadata from STT providers that support it.
type WordTiming struct {
	Word       string  `json:"word"`
	StartMs    int64   `json:"start_ms"`
	EndMs      int64   `json:"end_ms"`
	Confidence float64 `json:"conf"`
}

// UpdateReason classifies why a speaker revision was emitted.
type UpdateReason string

const (
	// ReasonInitial is the first assignment for an event that arrived without
	// a speaker.
	ReasonInitial UpdateReason = "initial"

	// ReasonOverlapRefined replaces an earlier assignment after a later
	// diarized segment overlapped the event more convincingly.
	ReasonOverlapRefined UpdateReason = "overlap_refined"

	// ReasonClusterMerge is reserved for speaker-cluster merges. The shape is
	// part of the contract; no merge logic triggers it yet.
	ReasonClusterMerge UpdateReason = "cluster_merge"

	// ReasonReset is reserved for diarization resets.
	ReasonReset UpdateReason = "reset"
)

// SpeakerUpdate revises the speaker of an already-written transcript event.
// Updates are append-only; consumers replace the prior assignment by
// (EventID, DiarizationVersion).
type SpeakerUpdate struct {
	// EventID is the event being revised.
	EventID string

	// SessionID identifies the session the event belongs to.
	SessionID string

	// NewSpeakerID is the revised assignment.
	NewSpeakerID string

	// NewConfidence is the confidence of the revised assignment.
	NewConfidence float64

	// DiarizationVersion is strictly greater than every prior version for
	// this event.
	DiarizationVersion int

	// Reason classifies the revision.
	Reason UpdateReason

	// CreatedAt is the server time the revision was produced.
	CreatedAt time.Time
}

// SpeakerSegment is one speaker-attributed run of text inside a chunk.
type SpeakerSegment struct {
	SpeakerID string `json:"speaker_id"`
	Text      string `json:"text"`
}

// Chunk is a contiguous batch of finalized transcript text submitted as one
// LLM request. Chunks are immutable once emitted.
type Chunk struct {
	// ChunkID is stable within a session, of the form "chunk-<n>".
	ChunkID string

	// SessionID identifies the producing session.
	SessionID string

	// Text is the formatted chunk body. When any contributing event carries a
	// speaker, lines are prefixed "[<speaker_id>]: <text>".
	Text string

	// EventIDs lists the final events the chunk was built from.
	EventIDs []string

	// SpeakerSegments is the flattened per-speaker view of the chunk.
	SpeakerSegments []SpeakerSegment

	// SequenceNumber orders chunks within the session.
	SequenceNumber uint64

	// CreatedAt is when the chunk was emitted.
	CreatedAt time.Time
}

// RelationType enumerates the contextual edge kinds an LLM may produce
// between conversation nodes.
type RelationType string

const (
	RelationSupports       RelationType = "supports"
	RelationRebuts         RelationType = "rebuts"
	RelationClarifies      RelationType = "clarifies"
	RelationAsks           RelationType = "asks"
	RelationTangent        RelationType = "tangent"
	RelationReturnToThread RelationType = "return_to_thread"
	RelationContextual     RelationType = "contextual"
	RelationTemporalNext   RelationType = "temporal_next"
)

// ValidRelationType reports whether rt is one of the contract's edge kinds.
func ValidRelationType(rt RelationType) bool {
	switch rt {
	case RelationSupports, RelationRebuts, RelationClarifies, RelationAsks,
		RelationTangent, RelationReturnToThread, RelationContextual,
		RelationTemporalNext:
		return true
	}
	return false
}

// EdgeRelation is a typed contextual link between two nodes. Edges reference
// nodes by name; names resolve to ids at read time because conversation
// graphs contain cycles.
type EdgeRelation struct {
	RelatedNode  string       `json:"related_node"`
	RelationType RelationType `json:"relation_type"`
	RelationText string       `json:"relation_text"`
}

// Node is a topical unit in the conversation graph. Nodes are mutable, but
// only via upsert on (ConversationID, NodeName) by the owning session's LLM
// worker; names are unique within a conversation.
type Node struct {
	// NodeID is the storage identity (UUID v4).
	NodeID string `json:"node_id"`

	// ConversationID scopes the node.
	ConversationID string `json:"conversation_id"`

	// NodeName is the LLM-chosen topic name, unique within the conversation.
	NodeName string `json:"node_name"`

	// Summary is the LLM's short description of the topic.
	Summary string `json:"summary"`

	// ChunkID is the most recent chunk that touched this node; ChunkTrail is
	// every contributing chunk in order.
	ChunkID    string   `json:"chunk_id"`
	ChunkTrail []string `json:"chunk_trail,omitempty"`

	// SpeakerID attributes the node to a speaker when the LLM provides one.
	// Empty means unattributed; clients fall back to a neutral color.
	SpeakerID string `json:"speaker_id,omitempty"`

	// SourceExcerpt is a verbatim quote grounding the summary.
	SourceExcerpt string `json:"source_excerpt"`

	// Predecessor and Successor are temporal neighbours by node name.
	Predecessor string `json:"predecessor,omitempty"`
	Successor   string `json:"successor,omitempty"`

	// EdgeRelations holds the contextual edges leaving this node.
	EdgeRelations []EdgeRelation `json:"edge_relations"`

	// IsBookmark and IsContextualProgress are display hints from the LLM.
	IsBookmark           bool `json:"is_bookmark"`
	IsContextualProgress bool `json:"is_contextual_progress"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Conversation is the long-lived aggregate across sessions and reconnects.
type Conversation struct {
	ConversationID string
	SourceType     string
	Participants   []string
	StartedAt      time.Time
	NodeCount      int
	EventCount     int64
	UpdatedAt      time.Time
}

// Utterance is one materialized final event with its current speaker, the
// reader-facing view of the append-only log.
type Utterance struct {
	EventID        string
	ConversationID string
	SpeakerID      string
	Text           string
	SpokenAt       time.Time
}

// FindingSeverity grades detector output.
type FindingSeverity string

const (
	SeverityInfo    FindingSeverity = "info"
	SeverityWarning FindingSeverity = "warning"
	SeverityHigh    FindingSeverity = "high"
)

// Finding is one detector result over a conversation's node graph. Detectors
// are node-store consumers and never run on the live path.
type Finding struct {
	// NodeID is the node the finding is anchored to.
	NodeID string `json:"node_id"`

	// Kind names the detector that produced the finding.
	Kind string `json:"kind"`

	// Severity grades the finding.
	Severity FindingSeverity `json:"severity"`

	// Payload carries detector-specific detail.
	Payload map[string]any `json:"payload,omitempty"`
}
