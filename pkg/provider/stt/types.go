package stt

import "time"

// Transcript represents a speech-to-text result from an STT provider.
// Both partial (interim) and final transcripts use this type.
type Transcript struct {
	// Text is the transcribed speech content.
	Text string

	// IsFinal indicates whether this is a final (authoritative) or partial (interim) transcript.
	IsFinal bool

	// Confidence is the overall confidence score (0.0–1.0). May be zero if the provider
	// does not report confidence.
	Confidence float64

	// Words contains per-word detail when available (Deepgram, word-level HTTP
	// responses). May be nil for providers that don't support word-level output.
	Words []WordDetail

	// Segments contains speaker-attributed time ranges when the provider ran
	// diarization and at least one range carries a speaker label. Nil when no
	// speaker information came back; consumers must treat nil as "no
	// diarization for this result", not as an empty set of speakers.
	Segments []Segment

	// SpeakerID identifies the speaker when the provider attributes the whole
	// utterance to one speaker.
	SpeakerID string

	// Timestamp marks when the utterance started, relative to session start.
	Timestamp time.Duration

	// Duration is the length of the utterance.
	Duration time.Duration

	// ProviderLatency is the round-trip time of the provider call that
	// produced this result. Zero for streaming providers.
	ProviderLatency time.Duration
}

// WordDetail holds per-word metadata from STT providers that support it.
type WordDetail struct {
	Word       string
	Start      time.Duration
	End        time.Duration
	Confidence float64
}

// Segment is one diarized time range of a transcription result. Start and End
// are relative to the submitted audio, not the session clock; callers offset
// them by the flush position.
type Segment struct {
	Start   time.Duration
	End     time.Duration
	Text    string
	Speaker string
}

// KeywordBoost represents a keyword to boost in STT recognition.
// Used to improve recognition of project vocabulary and participant names.
type KeywordBoost struct {
	// Keyword is the text to boost (e.g., "Threadloom").
	Keyword string

	// Boost is the intensity of the boost (provider-specific scale).
	Boost float64
}
