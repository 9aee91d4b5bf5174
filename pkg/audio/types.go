package audio

import "time"

// AudioFrame represents a single frame of audio data flowing through the pipeline.
// Frames are the atomic unit of audio transport — received as binary WebSocket
// messages, buffered per session, gated by VAD, and flushed to STT providers.
type AudioFrame struct {
	// PCM audio data, little-endian signed 16-bit samples.
	Data []byte

	// SampleRate in Hz (e.g., 48000 for browser capture, 16000 for STT).
	SampleRate int

	// Channels: 1 for mono (STT input), 2 for stereo capture sources.
	Channels int

	// Timestamp marks when this frame starts on the session's monotonic
	// audio clock, relative to stream start.
	Timestamp time.Duration
}

// Duration returns the play time of the frame's PCM data, or zero when the
// frame's format fields are unset.
func (f AudioFrame) Duration() time.Duration {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	samples := len(f.Data) / (2 * f.Channels)
	return time.Duration(samples) * time.Second / time.Duration(f.SampleRate)
}
