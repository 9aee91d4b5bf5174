package resilience

import (
	"context"
	"errors"
	"testing"

	"github.com/MrWong99/threadloom/pkg/provider/stt"
	sttmock "github.com/MrWong99/threadloom/pkg/provider/stt/mock"
)

func TestSTTFallback_PrimaryOpensSession(t *testing.T) {
	primary := &sttmock.Provider{Session: &sttmock.Session{
		PartialsCh: make(chan stt.Transcript, 1),
		FinalsCh:   make(chan stt.Transcript, 1),
	}}
	secondary := &sttmock.Provider{}

	fb := NewSTTFallback(primary, "primary", FallbackConfig{})
	fb.AddFallback("secondary", secondary)

	handle, err := fb.StartStream(context.Background(), stt.StreamConfig{
		SampleRate: 16000,
		Channels:   1,
	})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	if handle == nil {
		t.Fatal("nil session handle")
	}
	defer handle.Close()

	if len(primary.StartStreamCalls) != 1 {
		t.Errorf("primary opened %d sessions; want 1", len(primary.StartStreamCalls))
	}
	if len(secondary.StartStreamCalls) != 0 {
		t.Errorf("secondary opened %d sessions; want none", len(secondary.StartStreamCalls))
	}
}

func TestSTTFallback_StartStreamFailsOver(t *testing.T) {
	primary := &sttmock.Provider{StartStreamErr: errors.New("primary down")}
	secondary := &sttmock.Provider{Session: &sttmock.Session{
		PartialsCh: make(chan stt.Transcript, 1),
		FinalsCh:   make(chan stt.Transcript, 1),
	}}

	fb := NewSTTFallback(primary, "primary", FallbackConfig{})
	fb.AddFallback("secondary", secondary)

	handle, err := fb.StartStream(context.Background(), stt.StreamConfig{
		SampleRate: 16000,
		Channels:   1,
	})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	defer handle.Close()

	if len(secondary.StartStreamCalls) != 1 {
		t.Errorf("secondary opened %d sessions; want 1", len(secondary.StartStreamCalls))
	}
}

func TestSTTFallback_StartStreamAllDown(t *testing.T) {
	primary := &sttmock.Provider{StartStreamErr: errors.New("primary down")}
	secondary := &sttmock.Provider{StartStreamErr: errors.New("secondary down")}

	fb := NewSTTFallback(primary, "primary", FallbackConfig{})
	fb.AddFallback("secondary", secondary)

	_, err := fb.StartStream(context.Background(), stt.StreamConfig{})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v; want ErrAllFailed", err)
	}
}

func TestSTTFallback_TranscribeFailsOver(t *testing.T) {
	primary := &sttmock.Provider{TranscribeErr: errors.New("primary down")}
	secondary := &sttmock.Provider{
		TranscribeResult: stt.Transcript{Text: "spoken words"},
	}

	fb := NewSTTFallback(primary, "primary", FallbackConfig{})
	fb.AddFallback("secondary", secondary)

	tr, err := fb.Transcribe(context.Background(), []byte{0x01, 0x02}, stt.StreamConfig{})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if tr.Text != "spoken words" {
		t.Errorf("text = %q; want the spare's transcript", tr.Text)
	}
	if len(primary.TranscribeCalls) != 1 || len(secondary.TranscribeCalls) != 1 {
		t.Errorf("calls = %d/%d; want 1/1",
			len(primary.TranscribeCalls), len(secondary.TranscribeCalls))
	}
}

func TestSTTFallback_OpenBreakerBypassesPrimary(t *testing.T) {
	primary := &sttmock.Provider{StartStreamErr: errors.New("primary down")}
	secondary := &sttmock.Provider{Session: &sttmock.Session{
		PartialsCh: make(chan stt.Transcript, 1),
		FinalsCh:   make(chan stt.Transcript, 1),
	}}

	fb := NewSTTFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 1},
	})
	fb.AddFallback("secondary", secondary)

	// The first attempt charges the primary a failure and trips its breaker.
	if _, err := fb.StartStream(context.Background(), stt.StreamConfig{}); err != nil {
		t.Fatalf("StartStream: %v", err)
	}

	// Subsequent sessions skip the primary entirely.
	if _, err := fb.StartStream(context.Background(), stt.StreamConfig{}); err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	if len(primary.StartStreamCalls) != 1 {
		t.Errorf("primary attempted %d times; want 1, breaker should hold it off",
			len(primary.StartStreamCalls))
	}
	if len(secondary.StartStreamCalls) != 2 {
		t.Errorf("secondary opened %d sessions; want 2", len(secondary.StartStreamCalls))
	}
}
