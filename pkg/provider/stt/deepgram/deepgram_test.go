package deepgram

import (
	"net/url"
	"testing"
	"time"

	"github.com/MrWong99/threadloom/pkg/provider/stt"
)

// ---- URL / query-param tests ----

func TestBuildURL_Defaults(t *testing.T) {
	p, err := New("test-key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	cfg := stt.StreamConfig{
		SampleRate: 16000,
		Channels:   1,
		Language:   "en",
	}

	rawURL, err := p.buildURL(cfg)
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("parse URL: %v", err)
	}
	q := u.Query()

	assertEqual(t, "model", "nova-3", q.Get("model"))
	assertEqual(t, "language", "en", q.Get("language"))
	assertEqual(t, "punctuate", "true", q.Get("punctuate"))
	assertEqual(t, "interim_results", "true", q.Get("interim_results"))
	assertEqual(t, "encoding", "linear16", q.Get("encoding"))
	assertEqual(t, "sample_rate", "16000", q.Get("sample_rate"))
	assertEqual(t, "channels", "1", q.Get("channels"))
}

func TestBuildURL_CustomModel(t *testing.T) {
	p, err := New("key", WithModel("base"), WithLanguage("de-DE"), WithSampleRate(48000))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rawURL, err := p.buildURL(stt.StreamConfig{})
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}

	u, _ := url.Parse(rawURL)
	q := u.Query()

	assertEqual(t, "model", "base", q.Get("model"))
	assertEqual(t, "language", "de-DE", q.Get("language"))
	assertEqual(t, "sample_rate", "48000", q.Get("sample_rate"))
}

func TestBuildURL_LanguageOverridenByCfg(t *testing.T) {
	// cfg.Language should take precedence over the provider-level default.
	p, err := New("key", WithLanguage("en"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rawURL, err := p.buildURL(stt.StreamConfig{Language: "fr-FR", SampleRate: 16000})
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}

	u, _ := url.Parse(rawURL)
	assertEqual(t, "language", "fr-FR", u.Query().Get("language"))
}

func TestBuildURL_Diarize(t *testing.T) {
	p, err := New("key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rawURL, err := p.buildURL(stt.StreamConfig{SampleRate: 16000, Diarize: true})
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}

	u, _ := url.Parse(rawURL)
	assertEqual(t, "diarize", "true", u.Query().Get("diarize"))
}

func TestBuildURL_NoDiarizeParamWhenDisabled(t *testing.T) {
	p, err := New("key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rawURL, err := p.buildURL(stt.StreamConfig{SampleRate: 16000})
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}

	u, _ := url.Parse(rawURL)
	if _, ok := u.Query()["diarize"]; ok {
		t.Error("expected no 'diarize' param when diarization is off")
	}
}

func TestBuildURL_Keywords(t *testing.T) {
	p, err := New("key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	cfg := stt.StreamConfig{
		SampleRate: 16000,
		Keywords: []stt.KeywordBoost{
			{Keyword: "Threadloom", Boost: 5},
			{Keyword: "Kanban", Boost: 3.5},
		},
	}

	rawURL, err := p.buildURL(cfg)
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}

	u, _ := url.Parse(rawURL)
	kws := u.Query()["keywords"]
	if len(kws) != 2 {
		t.Fatalf("expected 2 keywords, got %d: %v", len(kws), kws)
	}

	// Both keywords should be present (order may vary).
	found := map[string]bool{}
	for _, kw := range kws {
		found[kw] = true
	}
	if !found["Threadloom:5"] {
		t.Errorf("expected keyword 'Threadloom:5', got %v", kws)
	}
	if !found["Kanban:3.5"] {
		t.Errorf("expected keyword 'Kanban:3.5', got %v", kws)
	}
}

func TestBuildURL_NoKeywords(t *testing.T) {
	p, err := New("key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rawURL, err := p.buildURL(stt.StreamConfig{SampleRate: 16000})
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}

	u, _ := url.Parse(rawURL)
	if _, ok := u.Query()["keywords"]; ok {
		t.Error("expected no 'keywords' param when none provided")
	}
}

// ---- JSON parsing tests ----

func TestParseStreamResponse_Final(t *testing.T) {
	raw := []byte(`{
		"type": "Results",
		"is_final": true,
		"start": 4.5,
		"duration": 1.5,
		"channel": {
			"alternatives": [{
				"transcript": "Hello world",
				"confidence": 0.95,
				"words": [
					{"word": "Hello", "start": 4.6, "end": 5.0, "confidence": 0.97},
					{"word": "world", "start": 5.1, "end": 5.5, "confidence": 0.93}
				]
			}]
		}
	}`)

	tr, ok := parseStreamResponse(raw)
	if !ok {
		t.Fatal("expected ok=true for valid Results message")
	}

	if !tr.IsFinal {
		t.Error("expected IsFinal=true")
	}
	assertEqual(t, "text", "Hello world", tr.Text)
	if tr.Confidence != 0.95 {
		t.Errorf("expected confidence 0.95, got %f", tr.Confidence)
	}
	if len(tr.Words) != 2 {
		t.Fatalf("expected 2 words, got %d", len(tr.Words))
	}
	assertEqual(t, "word[0]", "Hello", tr.Words[0].Word)
	if tr.Words[0].Start != time.Duration(4.6*float64(time.Second)) {
		t.Errorf("unexpected start: %v", tr.Words[0].Start)
	}
	if tr.Timestamp != time.Duration(4.5*float64(time.Second)) {
		t.Errorf("unexpected timestamp: %v", tr.Timestamp)
	}
	if tr.Duration != time.Duration(1.5*float64(time.Second)) {
		t.Errorf("unexpected duration: %v", tr.Duration)
	}
	if tr.Segments != nil {
		t.Errorf("expected nil Segments without speaker labels, got %v", tr.Segments)
	}
}

func TestParseStreamResponse_Partial(t *testing.T) {
	raw := []byte(`{
		"type": "Results",
		"is_final": false,
		"channel": {
			"alternatives": [{
				"transcript": "Hello",
				"confidence": 0.7,
				"words": []
			}]
		}
	}`)

	tr, ok := parseStreamResponse(raw)
	if !ok {
		t.Fatal("expected ok=true")
	}
	if tr.IsFinal {
		t.Error("expected IsFinal=false for partial result")
	}
	assertEqual(t, "text", "Hello", tr.Text)
}

func TestParseStreamResponse_Diarized(t *testing.T) {
	raw := []byte(`{
		"type": "Results",
		"is_final": true,
		"channel": {
			"alternatives": [{
				"transcript": "we should ship it agreed",
				"confidence": 0.9,
				"words": [
					{"word": "we", "start": 0.0, "end": 0.2, "confidence": 0.9, "speaker": 0},
					{"word": "should", "start": 0.2, "end": 0.5, "confidence": 0.9, "speaker": 0},
					{"word": "ship", "start": 0.5, "end": 0.8, "confidence": 0.9, "speaker": 0},
					{"word": "it", "start": 0.8, "end": 0.9, "confidence": 0.9, "speaker": 0},
					{"word": "agreed", "start": 1.2, "end": 1.6, "confidence": 0.9, "speaker": 1}
				]
			}]
		}
	}`)

	tr, ok := parseStreamResponse(raw)
	if !ok {
		t.Fatal("expected ok=true")
	}
	if len(tr.Segments) != 2 {
		t.Fatalf("expected 2 segments, got %d: %v", len(tr.Segments), tr.Segments)
	}
	assertEqual(t, "segment[0].speaker", "S0", tr.Segments[0].Speaker)
	assertEqual(t, "segment[0].text", "we should ship it", tr.Segments[0].Text)
	assertEqual(t, "segment[1].speaker", "S1", tr.Segments[1].Speaker)
	assertEqual(t, "segment[1].text", "agreed", tr.Segments[1].Text)
	if tr.Segments[0].End != time.Duration(0.9*float64(time.Second)) {
		t.Errorf("segment[0].End = %v; want 0.9s", tr.Segments[0].End)
	}
}

func TestParseStreamResponse_NonResultsType(t *testing.T) {
	raw := []byte(`{"type":"Metadata","request_id":"abc"}`)
	_, ok := parseStreamResponse(raw)
	if ok {
		t.Error("expected ok=false for non-Results message")
	}
}

func TestParseStreamResponse_EmptyAlternatives(t *testing.T) {
	raw := []byte(`{"type":"Results","is_final":true,"channel":{"alternatives":[]}}`)
	_, ok := parseStreamResponse(raw)
	if ok {
		t.Error("expected ok=false when alternatives is empty")
	}
}

func TestParseStreamResponse_InvalidJSON(t *testing.T) {
	_, ok := parseStreamResponse([]byte(`{invalid`))
	if ok {
		t.Error("expected ok=false for invalid JSON")
	}
}

// ---- speaker folding tests ----

func TestSpeakerSegments_NoSpeakers_ReturnsNil(t *testing.T) {
	words := []wireWord{
		{Word: "hello", Start: 0, End: 0.5},
		{Word: "world", Start: 0.5, End: 1.0},
	}
	if got := speakerSegments(words); got != nil {
		t.Errorf("speakerSegments = %v; want nil when no word has a speaker", got)
	}
}

func TestSpeakerSegments_AlternatingSpeakers(t *testing.T) {
	s0, s1 := 0, 1
	words := []wireWord{
		{Word: "hi", Start: 0, End: 0.3, Speaker: &s0},
		{Word: "there", Start: 0.3, End: 0.6, Speaker: &s0},
		{Word: "hello", Start: 0.8, End: 1.1, Speaker: &s1},
		{Word: "back", Start: 1.5, End: 1.8, Speaker: &s0},
	}

	segs := speakerSegments(words)
	if len(segs) != 3 {
		t.Fatalf("expected 3 segments, got %d: %v", len(segs), segs)
	}
	assertEqual(t, "seg[0]", "hi there", segs[0].Text)
	assertEqual(t, "seg[0].speaker", "S0", segs[0].Speaker)
	assertEqual(t, "seg[1]", "hello", segs[1].Text)
	assertEqual(t, "seg[1].speaker", "S1", segs[1].Speaker)
	assertEqual(t, "seg[2]", "back", segs[2].Text)
	assertEqual(t, "seg[2].speaker", "S0", segs[2].Speaker)
}

// ---- Constructor tests ----

func TestNew_EmptyAPIKey(t *testing.T) {
	_, err := New("")
	if err == nil {
		t.Error("expected error for empty API key")
	}
}

func TestNew_Defaults(t *testing.T) {
	p, err := New("key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	assertEqual(t, "model", defaultModel, p.model)
	assertEqual(t, "language", defaultLanguage, p.language)
	if p.sampleRate != defaultSampleRate {
		t.Errorf("expected sampleRate %d, got %d", defaultSampleRate, p.sampleRate)
	}
}

// ---- helpers ----

func assertEqual(t *testing.T, label, want, got string) {
	t.Helper()
	if want != got {
		t.Errorf("%s: want %q, got %q", label, want, got)
	}
}
