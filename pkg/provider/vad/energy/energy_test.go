package energy_test

import (
	"errors"
	"math"
	"testing"

	"github.com/MrWong99/threadloom/pkg/provider/vad"
	"github.com/MrWong99/threadloom/pkg/provider/vad/energy"
)

// ---- helpers ----

// speechFrame returns durMs of 440Hz sine at 16kHz mono, amplitude 10000.
// RMS is amplitude/sqrt(2) ≈ 7071, far above the default threshold of 300.
func speechFrame(durMs int) []byte {
	samples := 16000 * durMs / 1000
	buf := make([]byte, samples*2)
	for i := range samples {
		v := int16(10000 * math.Sin(2*math.Pi*440*float64(i)/16000))
		buf[i*2] = byte(v)
		buf[i*2+1] = byte(v >> 8)
	}
	return buf
}

// silenceFrame returns durMs of zero samples at 16kHz mono.
func silenceFrame(durMs int) []byte {
	samples := 16000 * durMs / 1000
	return make([]byte, samples*2)
}

func newSession(t *testing.T, cfg vad.Config) vad.SessionHandle {
	t.Helper()
	sess, err := energy.New().NewSession(cfg)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	return sess
}

func process(t *testing.T, sess vad.SessionHandle, frame []byte) vad.VADEvent {
	t.Helper()
	ev, err := sess.ProcessFrame(frame)
	if err != nil {
		t.Fatalf("ProcessFrame: %v", err)
	}
	return ev
}

// ---- tests ----

func TestNewSession_RequiresSampleRate(t *testing.T) {
	if _, err := energy.New().NewSession(vad.Config{}); err == nil {
		t.Fatal("expected error for zero sample rate")
	}
}

func TestSpeechStartAndContinue(t *testing.T) {
	sess := newSession(t, vad.Config{SampleRate: 16000})
	defer sess.Close()

	ev := process(t, sess, speechFrame(100))
	if ev.Type != vad.VADSpeechStart {
		t.Fatalf("first speech frame: got %v, want speech_start", ev.Type)
	}
	if ev.Energy < 6000 || ev.Energy > 8000 {
		t.Errorf("energy = %.0f, want ≈7071 for amplitude 10000 sine", ev.Energy)
	}

	ev = process(t, sess, speechFrame(100))
	if ev.Type != vad.VADSpeechContinue {
		t.Errorf("second speech frame: got %v, want speech_continue", ev.Type)
	}
}

func TestSilenceBeforeSpeech(t *testing.T) {
	sess := newSession(t, vad.Config{SampleRate: 16000})
	defer sess.Close()

	ev := process(t, sess, silenceFrame(100))
	if ev.Type != vad.VADSilence {
		t.Errorf("silence frame: got %v, want silence", ev.Type)
	}
}

func TestSpeechEndAfterHangover(t *testing.T) {
	sess := newSession(t, vad.Config{SampleRate: 16000, SilenceHangoverMs: 300})
	defer sess.Close()

	process(t, sess, speechFrame(200))

	// 100ms + 100ms silence is below the 300ms hangover: still in speech.
	ev := process(t, sess, silenceFrame(100))
	if ev.Type != vad.VADSpeechContinue {
		t.Fatalf("100ms silence: got %v, want speech_continue", ev.Type)
	}
	ev = process(t, sess, silenceFrame(100))
	if ev.Type != vad.VADSpeechContinue {
		t.Fatalf("200ms silence: got %v, want speech_continue", ev.Type)
	}

	// Third silent frame reaches 300ms: speech end.
	ev = process(t, sess, silenceFrame(100))
	if ev.Type != vad.VADSpeechEnd {
		t.Fatalf("300ms silence: got %v, want speech_end", ev.Type)
	}

	// After the end, further silence is plain silence.
	ev = process(t, sess, silenceFrame(100))
	if ev.Type != vad.VADSilence {
		t.Errorf("post-end silence: got %v, want silence", ev.Type)
	}
}

func TestIntraUtterancePauseDoesNotEndSpeech(t *testing.T) {
	sess := newSession(t, vad.Config{SampleRate: 16000, SilenceHangoverMs: 300})
	defer sess.Close()

	process(t, sess, speechFrame(200))
	process(t, sess, silenceFrame(200))

	// Speech resumes before the hangover elapses: the pause is swallowed and
	// the silence counter restarts.
	ev := process(t, sess, speechFrame(100))
	if ev.Type != vad.VADSpeechContinue {
		t.Fatalf("resumed speech: got %v, want speech_continue", ev.Type)
	}
	ev = process(t, sess, silenceFrame(200))
	if ev.Type != vad.VADSpeechContinue {
		t.Errorf("fresh 200ms silence: got %v, want speech_continue", ev.Type)
	}
}

func TestReset_ClearsSpeechState(t *testing.T) {
	sess := newSession(t, vad.Config{SampleRate: 16000})
	defer sess.Close()

	process(t, sess, speechFrame(100))
	sess.Reset()

	ev := process(t, sess, speechFrame(100))
	if ev.Type != vad.VADSpeechStart {
		t.Errorf("speech after reset: got %v, want speech_start", ev.Type)
	}
}

func TestProcessFrame_OddByteCount(t *testing.T) {
	sess := newSession(t, vad.Config{SampleRate: 16000})
	defer sess.Close()

	if _, err := sess.ProcessFrame([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected error for odd byte count")
	}
}

func TestProcessFrame_AfterClose(t *testing.T) {
	sess := newSession(t, vad.Config{SampleRate: 16000})
	if err := sess.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, err := sess.ProcessFrame(speechFrame(100)); !errors.Is(err, energy.ErrSessionClosed) {
		t.Errorf("ProcessFrame after Close: err = %v, want ErrSessionClosed", err)
	}
}

func TestEmptyFrameIsSilence(t *testing.T) {
	sess := newSession(t, vad.Config{SampleRate: 16000})
	defer sess.Close()

	ev := process(t, sess, nil)
	if ev.Type != vad.VADSilence {
		t.Errorf("empty frame: got %v, want silence", ev.Type)
	}
}
