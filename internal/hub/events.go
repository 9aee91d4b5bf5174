// Package hub fans ordered events out to the subscribers of a session.
//
// Every event published through the hub is stamped with the session id, a
// per-session monotone sequence number, and an RFC3339Nano timestamp before
// delivery. Subscribers receive events over a bounded channel; a subscriber
// that falls more than the queue size behind is disconnected rather than
// allowed to stall the session.
//
// A bounded ring of recent events is retained per session so that
// reconnecting subscribers can replay what they missed. Tails older than the
// ring must be re-derived by the caller from the transcript log.
package hub

import (
	"time"

	"github.com/MrWong99/threadloom/pkg/types"
)

// Event type discriminators carried in the envelope's "type" field.
const (
	TypeTranscriptPartial = "transcript_partial"
	TypeTranscriptFinal   = "transcript_final"
	TypeSpeakerUpdate     = "speaker_update"
	TypeExistingJSON      = "existing_json"
	TypeChunkDict         = "chunk_dict"
	TypeProcessingStatus  = "processing_status"
	TypeDone              = "done"
)

// Processing status levels (used in ProcessingStatus.Level).
const (
	LevelInfo    = "info"
	LevelWarning = "warning"
	LevelError   = "error"
)

// Envelope carries the fields common to every outbound event. Payload
// structs embed it; the hub fills it in at publish time.
type Envelope struct {
	Type           string `json:"type"`
	SessionID      string `json:"session_id"`
	SequenceNumber uint64 `json:"sequence_number"`
	Timestamp      string `json:"timestamp"` // RFC3339Nano
}

// Seq returns the stamped per-session sequence number.
func (e *Envelope) Seq() uint64 { return e.SequenceNumber }

func (e *Envelope) envelope() *Envelope { return e }

// Event is implemented by all hub event payloads. Payload structs embed
// [Envelope] and declare their type discriminator via EventType.
type Event interface {
	EventType() string
	Seq() uint64
	envelope() *Envelope
}

// TranscriptPartial is an interim transcript hypothesis. Later partials and
// the closing final for the same event id supersede it.
type TranscriptPartial struct {
	Envelope
	EventID           string  `json:"event_id"`
	Text              string  `json:"text"`
	SpeakerID         string  `json:"speaker_id,omitempty"`
	SpeakerConfidence float64 `json:"speaker_confidence,omitempty"`
	TStartMs          int64   `json:"t_start_ms"`
	TEndMs            int64   `json:"t_end_ms"`
}

// EventType implements [Event].
func (*TranscriptPartial) EventType() string { return TypeTranscriptPartial }

// TranscriptFinal is a committed transcript segment. Same shape as
// [TranscriptPartial]; the type discriminator is the only difference.
type TranscriptFinal struct {
	Envelope
	EventID           string  `json:"event_id"`
	Text              string  `json:"text"`
	SpeakerID         string  `json:"speaker_id,omitempty"`
	SpeakerConfidence float64 `json:"speaker_confidence,omitempty"`
	TStartMs          int64   `json:"t_start_ms"`
	TEndMs            int64   `json:"t_end_ms"`
}

// EventType implements [Event].
func (*TranscriptFinal) EventType() string { return TypeTranscriptFinal }

// SpeakerUpdate announces a revised speaker assignment for an already
// delivered transcript event.
type SpeakerUpdate struct {
	Envelope
	EventID            string  `json:"event_id"`
	SpeakerID          string  `json:"speaker_id"`
	Confidence         float64 `json:"confidence"`
	DiarizationVersion int     `json:"diarization_version"`
}

// EventType implements [Event].
func (*SpeakerUpdate) EventType() string { return TypeSpeakerUpdate }

// ExistingJSON carries the full current node list of the conversation so
// clients can reconcile their local graph idempotently.
type ExistingJSON struct {
	Envelope
	Data []types.Node `json:"data"`
}

// EventType implements [Event].
func (*ExistingJSON) EventType() string { return TypeExistingJSON }

// ChunkDict maps chunk ids to their text for the chunks behind the most
// recent graph update.
type ChunkDict struct {
	Envelope
	Data map[string]string `json:"data"`
}

// EventType implements [Event].
func (*ChunkDict) EventType() string { return TypeChunkDict }

// ProcessingStatus reports pipeline progress and recoverable errors.
type ProcessingStatus struct {
	Envelope
	Level   string         `json:"level"` // info, warning, error
	Message string         `json:"message"`
	Context map[string]any `json:"context,omitempty"`
}

// EventType implements [Event].
func (*ProcessingStatus) EventType() string { return TypeProcessingStatus }

// Done marks the end of a file-import pipeline run.
type Done struct {
	Envelope
	ConversationID string `json:"conversation_id"`
	NodeCount      int    `json:"node_count"`
}

// EventType implements [Event].
func (*Done) EventType() string { return TypeDone }

// NewStatus builds a [ProcessingStatus] with the stage recorded in its
// context map.
func NewStatus(level, message, stage string) *ProcessingStatus {
	return &ProcessingStatus{
		Level:   level,
		Message: message,
		Context: map[string]any{"stage": stage},
	}
}

// FromTranscriptEvent converts a stored transcript event into the matching
// hub payload (partial or final). Used both on the live path and when
// re-deriving replay tails from the transcript log.
func FromTranscriptEvent(e types.TranscriptEvent) Event {
	if e.Kind == types.KindFinal {
		return &TranscriptFinal{
			EventID:           e.EventID,
			Text:              e.Text,
			SpeakerID:         e.SpeakerID,
			SpeakerConfidence: e.SpeakerConfidence,
			TStartMs:          e.SegmentStartMs,
			TEndMs:            e.SegmentEndMs,
		}
	}
	return &TranscriptPartial{
		EventID:           e.EventID,
		Text:              e.Text,
		SpeakerID:         e.SpeakerID,
		SpeakerConfidence: e.SpeakerConfidence,
		TStartMs:          e.SegmentStartMs,
		TEndMs:            e.SegmentEndMs,
	}
}

// FromSpeakerUpdate converts a stored speaker revision into the matching
// hub payload.
func FromSpeakerUpdate(u types.SpeakerUpdate) *SpeakerUpdate {
	return &SpeakerUpdate{
		EventID:            u.EventID,
		SpeakerID:          u.NewSpeakerID,
		Confidence:         u.NewConfidence,
		DiarizationVersion: u.DiarizationVersion,
	}
}

// StampForReplay fills in ev's envelope for events re-derived from the
// transcript log rather than published through the hub. The hub never sees
// these events; they are delivered directly to one catching-up subscriber.
func StampForReplay(ev Event, sessionID string, seq uint64, ts time.Time) Event {
	env := ev.envelope()
	env.Type = ev.EventType()
	env.SessionID = sessionID
	env.SequenceNumber = seq
	env.Timestamp = ts.UTC().Format(time.RFC3339Nano)
	return ev
}
