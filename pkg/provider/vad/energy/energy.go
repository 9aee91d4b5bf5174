// Package energy implements vad.Engine with an RMS amplitude detector.
//
// The engine classifies a frame as speech when its root-mean-square amplitude
// crosses a fixed threshold, and reports a speech end once the configured
// silence hangover has elapsed below the threshold. It carries no model
// weights and costs one pass over the samples per frame, which keeps it cheap
// enough to run inline on every ingest path. The tradeoff is sensitivity to
// loud non-speech noise; tune Config.EnergyThreshold per capture setup.
package energy

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/MrWong99/threadloom/pkg/provider/vad"
)

// ErrSessionClosed is returned by ProcessFrame after Close.
var ErrSessionClosed = errors.New("vad/energy: session closed")

// Default thresholds for 16-bit speech capture.
const (
	DefaultEnergyThreshold   = 300.0
	DefaultSilenceHangoverMs = 300
)

// Engine creates energy-based VAD sessions. The zero value is ready to use.
type Engine struct{}

// New returns an energy VAD engine.
func New() *Engine {
	return &Engine{}
}

// NewSession validates cfg and returns a fresh session. EnergyThreshold and
// SilenceHangoverMs default when non-positive; SampleRate is required.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("vad/energy: sample rate must be positive, got %d", cfg.SampleRate)
	}
	if cfg.EnergyThreshold <= 0 {
		cfg.EnergyThreshold = DefaultEnergyThreshold
	}
	if cfg.SilenceHangoverMs <= 0 {
		cfg.SilenceHangoverMs = DefaultSilenceHangoverMs
	}
	return &session{
		sampleRate: cfg.SampleRate,
		threshold:  cfg.EnergyThreshold,
		hangover:   time.Duration(cfg.SilenceHangoverMs) * time.Millisecond,
	}, nil
}

var _ vad.Engine = (*Engine)(nil)

// session tracks speech state for one audio stream. Not safe for concurrent use.
type session struct {
	sampleRate int
	threshold  float64
	hangover   time.Duration

	inSpeech       bool
	silenceElapsed time.Duration
	closed         bool
}

// ProcessFrame classifies one frame of little-endian int16 mono PCM.
func (s *session) ProcessFrame(frame []byte) (vad.VADEvent, error) {
	if s.closed {
		return vad.VADEvent{}, ErrSessionClosed
	}
	if len(frame)%2 != 0 {
		return vad.VADEvent{}, fmt.Errorf("vad/energy: frame has odd byte count %d", len(frame))
	}
	samples := len(frame) / 2
	if samples == 0 {
		return vad.VADEvent{Type: vad.VADSilence}, nil
	}

	rms := rms16(frame)
	frameDur := time.Duration(samples) * time.Second / time.Duration(s.sampleRate)

	if rms >= s.threshold {
		s.silenceElapsed = 0
		if !s.inSpeech {
			s.inSpeech = true
			return vad.VADEvent{Type: vad.VADSpeechStart, Energy: rms}, nil
		}
		return vad.VADEvent{Type: vad.VADSpeechContinue, Energy: rms}, nil
	}

	if s.inSpeech {
		s.silenceElapsed += frameDur
		if s.silenceElapsed >= s.hangover {
			s.inSpeech = false
			s.silenceElapsed = 0
			return vad.VADEvent{Type: vad.VADSpeechEnd, Energy: rms}, nil
		}
		// Sub-hangover dip: still inside the utterance.
		return vad.VADEvent{Type: vad.VADSpeechContinue, Energy: rms}, nil
	}

	return vad.VADEvent{Type: vad.VADSilence, Energy: rms}, nil
}

// Reset clears speech state without closing the session.
func (s *session) Reset() {
	if s.closed {
		return
	}
	s.inSpeech = false
	s.silenceElapsed = 0
}

// Close marks the session closed. Idempotent.
func (s *session) Close() error {
	s.closed = true
	return nil
}

var _ vad.SessionHandle = (*session)(nil)

// rms16 computes the root-mean-square amplitude of little-endian int16 PCM.
func rms16(pcm []byte) float64 {
	samples := len(pcm) / 2
	if samples == 0 {
		return 0
	}
	var sum float64
	for i := range samples {
		s := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(samples))
}
