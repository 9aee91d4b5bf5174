package ingress_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/threadloom/internal/config"
	"github.com/MrWong99/threadloom/internal/hub"
	"github.com/MrWong99/threadloom/pkg/provider/stt"
)

// importBody builds a multipart upload with the given form fields.
func importBody(t *testing.T, filename string, content []byte, fields map[string]string) (io.Reader, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatalf("WriteField %s: %v", k, err)
		}
	}
	if filename != "" {
		fw, err := mw.CreateFormFile("file", filename)
		if err != nil {
			t.Fatalf("CreateFormFile: %v", err)
		}
		if _, err := fw.Write(content); err != nil {
			t.Fatalf("write file part: %v", err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart writer: %v", err)
	}
	return &buf, mw.FormDataContentType()
}

// importFile posts an upload and returns the response.
func (e *env) importFile(filename string, content []byte, fields map[string]string) *http.Response {
	e.t.Helper()
	body, contentType := importBody(e.t, filename, content, fields)
	resp, err := e.ts.Client().Post(e.ts.URL+"/api/import/process-file", contentType, body)
	if err != nil {
		e.t.Fatalf("POST import: %v", err)
	}
	e.t.Cleanup(func() { resp.Body.Close() })
	return resp
}

// parseSSE splits a finished event stream into its decoded frames.
func parseSSE(t *testing.T, body []byte) []wsEvent {
	t.Helper()
	var out []wsEvent
	for _, line := range strings.Split(string(body), "\n") {
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		var ev wsEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			t.Fatalf("undecodable SSE frame %q: %v", data, err)
		}
		out = append(out, ev)
	}
	return out
}

// indexOf returns the position of the first frame pred accepts, or -1.
func indexOf(events []wsEvent, pred func(wsEvent) bool) int {
	for i, ev := range events {
		if pred(ev) {
			return i
		}
	}
	return -1
}

func TestImport_TextPipeline(t *testing.T) {
	e := newEnv(t, func(c *config.Config) { c.Providers.LLM.Name = "mock" })

	content := []byte("Budget planning starts now.\nWe review spending next week.\nFinal numbers land on Friday.\n")
	resp := e.importFile("notes.txt", content, map[string]string{
		"source_type":     "text",
		"conversation_id": "conv-up",
		"speaker_id":      "uploader",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %q", ct)
	}
	if resp.Header.Get("X-Accel-Buffering") != "no" {
		t.Error("X-Accel-Buffering not disabled")
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}
	events := parseSSE(t, raw)
	if len(events) == 0 {
		t.Fatal("no SSE frames")
	}

	upload := indexOf(events, func(ev wsEvent) bool {
		return ev.Type == hub.TypeProcessingStatus && ev.Context["stage"] == "upload"
	})
	analyze := indexOf(events, func(ev wsEvent) bool {
		return ev.Type == hub.TypeProcessingStatus && ev.Context["stage"] == "analyze"
	})
	graph := indexOf(events, typed(hub.TypeExistingJSON))
	chunks := indexOf(events, typed(hub.TypeChunkDict))
	if upload < 0 || analyze < 0 || graph < 0 || chunks < 0 {
		t.Fatalf("missing frames: upload %d analyze %d existing_json %d chunk_dict %d", upload, analyze, graph, chunks)
	}
	if !(upload < analyze && analyze < graph) {
		t.Errorf("frame order upload %d, analyze %d, existing_json %d", upload, analyze, graph)
	}

	// 14 words against a 6-word chunk target.
	if got := events[analyze].Context["chunks_total"]; got != float64(3) {
		t.Errorf("chunks_total = %v, want 3", got)
	}

	var finals []wsEvent
	for _, ev := range events {
		if ev.Type == hub.TypeTranscriptFinal {
			finals = append(finals, ev)
		}
	}
	if len(finals) != 3 {
		t.Fatalf("finals = %d, want one per line", len(finals))
	}
	if finals[0].Text != "Budget planning starts now." {
		t.Errorf("first final = %q", finals[0].Text)
	}
	for _, f := range finals {
		if f.SpeakerID != "uploader" {
			t.Errorf("final speaker = %q, want form speaker_id", f.SpeakerID)
		}
	}

	nodes := events[graph].nodes(t)
	if len(nodes) != 1 || nodes[0].NodeName != "Budget planning" {
		t.Errorf("graph nodes = %+v", nodes)
	}

	var dict map[string]string
	if err := json.Unmarshal(events[chunks].Data, &dict); err != nil {
		t.Fatalf("chunk_dict data: %v", err)
	}
	if len(dict) == 0 {
		t.Error("chunk_dict empty")
	}

	last := events[len(events)-1]
	if last.Type != hub.TypeDone {
		t.Fatalf("last frame = %q, want done", last.Type)
	}
	if last.ConversationID != "conv-up" || last.NodeCount != 1 {
		t.Errorf("done = %+v", last)
	}

	var prev uint64
	for _, ev := range events {
		if ev.SequenceNumber <= prev {
			t.Fatalf("sequence numbers not increasing: %d after %d (%s)", ev.SequenceNumber, prev, ev.Type)
		}
		prev = ev.SequenceNumber
	}

	stored, err := e.store.ListNodes(e.ctx, "conv-up")
	if err != nil {
		t.Fatalf("ListNodes: %v", err)
	}
	if len(stored) != 1 {
		t.Errorf("stored nodes = %d, want 1", len(stored))
	}
	utts, err := e.store.ListUtterances(e.ctx, "conv-up")
	if err != nil {
		t.Fatalf("ListUtterances: %v", err)
	}
	if len(utts) != 3 {
		t.Errorf("stored utterances = %d, want 3", len(utts))
	}
}

func TestImport_VTTSpeakerTags(t *testing.T) {
	e := newEnv(t, nil)

	content := []byte("WEBVTT\n\n" +
		"00:00:00.000 --> 00:00:02.000\n<v Alice>Hello from the meeting.\n\n" +
		"00:00:02.000 --> 00:00:04.000\n<v Bob>Replying with thoughts.\n")
	resp := e.importFile("meeting.vtt", content, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}
	events := parseSSE(t, raw)

	var finals []wsEvent
	for _, ev := range events {
		if ev.Type == hub.TypeTranscriptFinal {
			finals = append(finals, ev)
		}
	}
	if len(finals) != 2 {
		t.Fatalf("finals = %d, want 2", len(finals))
	}
	if finals[0].SpeakerID != "Alice" || finals[1].SpeakerID != "Bob" {
		t.Errorf("speakers = %q, %q", finals[0].SpeakerID, finals[1].SpeakerID)
	}
	if finals[0].TStartMs != 0 || finals[0].TEndMs != 2000 {
		t.Errorf("first cue timing = %d..%d ms", finals[0].TStartMs, finals[0].TEndMs)
	}
	if finals[1].TStartMs != 2000 {
		t.Errorf("second cue start = %d ms", finals[1].TStartMs)
	}

	// No analysis backend configured: the stream still terminates cleanly.
	last := events[len(events)-1]
	if last.Type != hub.TypeDone {
		t.Fatalf("last frame = %q, want done", last.Type)
	}
	if last.NodeCount != 0 {
		t.Errorf("node count = %d without analysis", last.NodeCount)
	}
	if indexOf(events, typed(hub.TypeExistingJSON)) != -1 {
		t.Error("existing_json frame without an analysis backend")
	}
}

func TestImport_VTTWithAnalysis(t *testing.T) {
	e := newEnv(t, func(c *config.Config) { c.Providers.LLM.Name = "mock" })

	content := []byte("WEBVTT\n\n" +
		"00:00:00.000 --> 00:00:02.000\n<v Alice>Budget planning starts now.\n\n" +
		"00:00:02.000 --> 00:00:04.000\n<v Bob>We review spending next week.\n\n" +
		"00:00:04.000 --> 00:00:06.000\n<v Alice>Final numbers land on Friday.\n")
	resp := e.importFile("meeting.vtt", content, map[string]string{"conversation_id": "conv-vtt"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}
	events := parseSSE(t, raw)

	upload := indexOf(events, func(ev wsEvent) bool {
		return ev.Type == hub.TypeProcessingStatus && ev.Context["stage"] == "upload"
	})
	analyze := indexOf(events, func(ev wsEvent) bool {
		return ev.Type == hub.TypeProcessingStatus && ev.Context["stage"] == "analyze"
	})
	graph := indexOf(events, typed(hub.TypeExistingJSON))
	chunks := indexOf(events, typed(hub.TypeChunkDict))
	if upload < 0 || analyze < 0 || graph < 0 || chunks < 0 {
		t.Fatalf("missing frames: upload %d analyze %d existing_json %d chunk_dict %d", upload, analyze, graph, chunks)
	}
	if !(upload < analyze && analyze < graph) {
		t.Errorf("frame order upload %d, analyze %d, existing_json %d", upload, analyze, graph)
	}
	if total, ok := events[analyze].Context["chunks_total"].(float64); !ok || total < 1 {
		t.Errorf("chunks_total = %v, want >= 1", events[analyze].Context["chunks_total"])
	}

	// Cue voices become the speaker attribution the analysis prompt sees.
	var dict map[string]string
	if err := json.Unmarshal(events[chunks].Data, &dict); err != nil {
		t.Fatalf("chunk_dict data: %v", err)
	}
	joined := ""
	for _, text := range dict {
		joined += text + "\n"
	}
	if !strings.Contains(joined, "[Alice]:") || !strings.Contains(joined, "[Bob]:") {
		t.Errorf("chunk text lost cue voices:\n%s", joined)
	}

	last := events[len(events)-1]
	if last.Type != hub.TypeDone {
		t.Fatalf("last frame = %q, want done", last.Type)
	}
	if last.ConversationID != "conv-vtt" || last.NodeCount < 1 {
		t.Errorf("done = %+v", last)
	}
}

func TestImport_AudioTranscription(t *testing.T) {
	e := newEnv(t, func(c *config.Config) { c.Providers.STT.Name = "mock" })
	e.stt.TranscribeResult = stt.Transcript{
		Text:    "Hello there. General remarks.",
		IsFinal: true,
		Segments: []stt.Segment{
			{Start: 0, End: 2 * time.Second, Text: "Hello there.", Speaker: "S0"},
			{Start: 2 * time.Second, End: 4 * time.Second, Text: "General remarks.", Speaker: "S1"},
		},
	}

	resp := e.importFile("talk.wav", []byte{0x52, 0x49, 0x46, 0x46, 0, 0, 0, 0}, map[string]string{
		"conversation_id": "conv-audio",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}
	events := parseSSE(t, raw)

	if got := len(e.stt.TranscribeCalls); got != 1 {
		t.Fatalf("Transcribe calls = %d, want 1", got)
	}
	if cfg := e.stt.TranscribeCalls[0].Cfg; !cfg.Diarize {
		t.Error("one-shot transcription without diarization")
	}

	var finals []wsEvent
	for _, ev := range events {
		if ev.Type == hub.TypeTranscriptFinal {
			finals = append(finals, ev)
		}
	}
	if len(finals) != 2 {
		t.Fatalf("finals = %d, want one per segment", len(finals))
	}
	if finals[0].SpeakerID != "S0" || finals[1].SpeakerID != "S1" {
		t.Errorf("speakers = %q, %q", finals[0].SpeakerID, finals[1].SpeakerID)
	}
	if finals[1].TStartMs != 2000 || finals[1].TEndMs != 4000 {
		t.Errorf("second segment timing = %d..%d ms", finals[1].TStartMs, finals[1].TEndMs)
	}
	if events[len(events)-1].Type != hub.TypeDone {
		t.Fatalf("last frame = %q, want done", events[len(events)-1].Type)
	}
}

func TestImport_AnalysisFailsOverToFallback(t *testing.T) {
	e := newEnv(t, func(c *config.Config) {
		c.Providers.LLM.Name = "flaky"
		c.Providers.LLMFallback.Name = "mock"
	})

	resp := e.importFile("notes.txt", []byte("The primary backend is down today.\n"), map[string]string{
		"source_type":     "text",
		"conversation_id": "conv-fb",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}
	events := parseSSE(t, raw)

	graph := indexOf(events, typed(hub.TypeExistingJSON))
	if graph < 0 {
		t.Fatal("no existing_json frame; fallback analysis never ran")
	}
	nodes := events[graph].nodes(t)
	if len(nodes) != 1 || nodes[0].NodeName != "Budget planning" {
		t.Errorf("graph nodes = %+v", nodes)
	}
	if e.llmDown.CompleteCallCount() == 0 {
		t.Error("primary backend never tried")
	}
	if e.llm.CompleteCallCount() == 0 {
		t.Error("fallback backend never tried")
	}
}

func TestImport_BodyLimit(t *testing.T) {
	e := newEnv(t, func(c *config.Config) { c.Limits.MaxBodyBytes = 1024 })

	resp := e.importFile("big.txt", bytes.Repeat([]byte("a"), 8<<10), map[string]string{
		"source_type": "text",
	})
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusRequestEntityTooLarge)
	}
}

func TestImport_BadRequests(t *testing.T) {
	e := newEnv(t, nil)

	cases := []struct {
		name     string
		filename string
		content  []byte
		fields   map[string]string
		want     int
	}{
		{
			name:     "unsupported source type",
			filename: "notes.txt",
			content:  []byte("hello"),
			fields:   map[string]string{"source_type": "doc"},
			want:     http.StatusBadRequest,
		},
		{
			name:   "missing file part",
			fields: map[string]string{"source_type": "text"},
			want:   http.StatusBadRequest,
		},
		{
			name:     "empty file",
			filename: "empty.txt",
			fields:   map[string]string{"source_type": "text"},
			want:     http.StatusBadRequest,
		},
		{
			name:     "audio without transcription backend",
			filename: "talk.wav",
			content:  []byte{1, 2, 3},
			fields:   map[string]string{"source_type": "audio"},
			want:     http.StatusUnprocessableEntity,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := e.importFile(tc.filename, tc.content, tc.fields)
			if resp.StatusCode != tc.want {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tc.want)
			}
		})
	}
}

func TestImport_ClientDisconnectTearsDown(t *testing.T) {
	e := newEnv(t, func(c *config.Config) { c.Providers.LLM.Name = "mock" })
	// Slow analysis keeps the stream open long enough to abandon it.
	e.llm.CompleteDelay = 3 * time.Second

	body, contentType := importBody(t, "notes.txt", []byte("Numbers hold steady this quarter.\n"), map[string]string{
		"source_type":     "text",
		"conversation_id": "conv-gone",
	})
	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.ts.URL+"/api/import/process-file", body)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("Content-Type", contentType)
	resp, err := e.ts.Client().Do(req)
	if err != nil {
		cancel()
		t.Fatalf("POST import: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		cancel()
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	// Wait for the stream to actually start, then walk away mid-analysis.
	br := bufio.NewReader(resp.Body)
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			cancel()
			t.Fatalf("stream ended early: %v", err)
		}
		if strings.HasPrefix(line, "data: ") {
			break
		}
	}
	cancel()
	resp.Body.Close()

	waitFor(t, 10*time.Second, func() bool { return e.mgr.Len() == 0 }, "import session torn down")
}
