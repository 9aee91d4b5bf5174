package ingress_test

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/threadloom/internal/config"
	"github.com/MrWong99/threadloom/internal/detect"
	"github.com/MrWong99/threadloom/internal/hub"
	"github.com/MrWong99/threadloom/internal/ingress"
	"github.com/MrWong99/threadloom/internal/observe"
	"github.com/MrWong99/threadloom/internal/session"
	"github.com/MrWong99/threadloom/pkg/provider/llm"
	llmmock "github.com/MrWong99/threadloom/pkg/provider/llm/mock"
	"github.com/MrWong99/threadloom/pkg/provider/stt"
	sttmock "github.com/MrWong99/threadloom/pkg/provider/stt/mock"
	"github.com/MrWong99/threadloom/pkg/store/memory"
	"github.com/MrWong99/threadloom/pkg/types"
)

// graphReply is a minimal valid analysis response.
const graphReply = `{"nodes":[{"node_name":"Budget planning","summary":"Quarterly budget discussion"}]}`

// closingHandle wraps the stt mock so Close also closes the transcript
// channels, the way real providers end their streams.
type closingHandle struct {
	*sttmock.Session
	once sync.Once
}

func newClosingHandle() *closingHandle {
	return &closingHandle{Session: &sttmock.Session{
		PartialsCh: make(chan stt.Transcript, 16),
		FinalsCh:   make(chan stt.Transcript, 16),
		ErrsCh:     make(chan error, 16),
	}}
}

func (h *closingHandle) Close() error {
	h.once.Do(func() {
		_ = h.Session.Close()
		close(h.Session.PartialsCh)
		close(h.Session.FinalsCh)
		close(h.Session.ErrsCh)
	})
	return nil
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider()
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

// env hosts a full ingress server over in-memory subsystems and mock
// providers. Provider entries named "mock" resolve to e.stt and e.llm;
// entries named "flaky" resolve to providers that fail every call, for
// failover tests.
type env struct {
	t       *testing.T
	ctx     context.Context
	cfg     *config.Config
	mgr     *session.Manager
	hub     *hub.Hub
	store   *memory.Store
	stt     *sttmock.Provider
	hndl    *closingHandle
	llm     *llmmock.Provider
	sttDown *sttmock.Provider
	llmDown *llmmock.Provider
	ts      *httptest.Server
}

func newEnv(t *testing.T, mutate func(*config.Config)) *env {
	t.Helper()
	m := testMetrics(t)
	st := memory.NewStore()
	hndl := newClosingHandle()
	e := &env{
		t:       t,
		ctx:     context.Background(),
		mgr:     session.NewManager(slog.Default()),
		hub:     hub.New(hub.Config{Metrics: m}),
		store:   st,
		stt:     &sttmock.Provider{Session: hndl},
		hndl:    hndl,
		llm:     &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: graphReply}},
		sttDown: &sttmock.Provider{StartStreamErr: errors.New("backend down"), TranscribeErr: errors.New("backend down")},
		llmDown: &llmmock.Provider{CompleteErr: errors.New("backend down")},
	}

	cfg := &config.Config{}
	cfg.Transcript.ChunkTargetWords = 6
	cfg.Transcript.ChunkOverlapWords = 2
	cfg.Session.IdleFlushSeconds = 0.05
	cfg.Session.DrainTimeoutSeconds = 2
	if mutate != nil {
		mutate(cfg)
	}
	e.cfg = cfg

	reg := config.NewRegistry()
	reg.RegisterSTT("mock", func(config.ProviderEntry, config.STTConfig) (stt.Provider, error) {
		return e.stt, nil
	})
	reg.RegisterLLM("mock", func(config.ProviderEntry, config.LLMConfig) (llm.Provider, error) {
		return e.llm, nil
	})
	reg.RegisterSTT("flaky", func(config.ProviderEntry, config.STTConfig) (stt.Provider, error) {
		return e.sttDown, nil
	})
	reg.RegisterLLM("flaky", func(config.ProviderEntry, config.LLMConfig) (llm.Provider, error) {
		return e.llmDown, nil
	})

	srv := ingress.New(ingress.Config{
		Manager:   e.mgr,
		Hub:       e.hub,
		Store:     st,
		Registry:  reg,
		Current:   func() *config.Config { return e.cfg },
		Detectors: detect.NewDefaultRegistry(st),
		Metrics:   m,
		Logger:    slog.Default(),
	})
	e.ts = httptest.NewServer(srv.Handler())
	t.Cleanup(e.ts.Close)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		e.mgr.CloseAll(ctx, "test cleanup")
	})
	return e
}

// get issues a GET against the test server and returns the response.
func (e *env) get(path string, header http.Header) *http.Response {
	e.t.Helper()
	req, err := http.NewRequest(http.MethodGet, e.ts.URL+path, nil)
	if err != nil {
		e.t.Fatalf("NewRequest: %v", err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := e.ts.Client().Do(req)
	if err != nil {
		e.t.Fatalf("GET %s: %v", path, err)
	}
	e.t.Cleanup(func() { resp.Body.Close() })
	return resp
}

// wsEvent is the union decode target for frames on both transports. Every
// payload field of every event type has a slot; tests pick the ones the
// asserted type carries.
type wsEvent struct {
	Type           string         `json:"type"`
	SessionID      string         `json:"session_id"`
	SequenceNumber uint64         `json:"sequence_number"`
	Timestamp      string         `json:"timestamp"`
	EventID        string         `json:"event_id"`
	Text           string         `json:"text"`
	SpeakerID      string         `json:"speaker_id"`
	TStartMs       int64          `json:"t_start_ms"`
	TEndMs         int64          `json:"t_end_ms"`
	Level          string         `json:"level"`
	Message        string         `json:"message"`
	Context        map[string]any `json:"context"`
	ConversationID string         `json:"conversation_id"`
	NodeCount      int            `json:"node_count"`

	// Data is type-dependent: a node array for existing_json, a string map
	// for chunk_dict. Kept raw so one struct can decode every frame.
	Data json.RawMessage `json:"data"`
}

// nodes decodes the existing_json payload.
func (ev *wsEvent) nodes(t *testing.T) []types.Node {
	t.Helper()
	var out []types.Node
	if err := json.Unmarshal(ev.Data, &out); err != nil {
		t.Fatalf("existing_json data: %v", err)
	}
	return out
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met: %s", msg)
}

func TestFindings_UnknownConversation(t *testing.T) {
	e := newEnv(t, nil)

	resp := e.get("/api/conversations/nope/findings", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusNotFound)
	}
}

func TestFindings_RunsDetectors(t *testing.T) {
	e := newEnv(t, nil)

	// A question edge pointing at a topic that never got a follow-up is the
	// open_loop detector's trigger.
	if _, err := e.store.EnsureConversation(e.ctx, "conv-f", "live", nil); err != nil {
		t.Fatalf("EnsureConversation: %v", err)
	}
	seed := []types.Node{
		{
			ConversationID: "conv-f",
			NodeName:       "Opening question",
			Summary:        "Asked about pricing",
			EdgeRelations: []types.EdgeRelation{
				{RelatedNode: "Pricing options", RelationType: types.RelationAsks},
			},
		},
		{
			ConversationID: "conv-f",
			NodeName:       "Pricing options",
			Summary:        "Raised but never resolved",
		},
	}
	for _, n := range seed {
		if err := e.store.UpsertNode(e.ctx, n); err != nil {
			t.Fatalf("UpsertNode: %v", err)
		}
	}

	resp := e.get("/api/conversations/conv-f/findings", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		t.Errorf("content type = %q", ct)
	}

	var body struct {
		ConversationID string          `json:"conversation_id"`
		Findings       []types.Finding `json:"findings"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.ConversationID != "conv-f" {
		t.Errorf("conversation_id = %q", body.ConversationID)
	}
	var open int
	for _, f := range body.Findings {
		if f.Kind == "open_loop" {
			open++
			if f.Severity != types.SeverityWarning {
				t.Errorf("open_loop severity = %q, want %q", f.Severity, types.SeverityWarning)
			}
		}
	}
	if open == 0 {
		t.Fatalf("no open_loop finding in %+v", body.Findings)
	}
}

func TestFindings_EmptyGraphIsNotNull(t *testing.T) {
	e := newEnv(t, nil)
	if _, err := e.store.EnsureConversation(e.ctx, "conv-empty", "live", nil); err != nil {
		t.Fatalf("EnsureConversation: %v", err)
	}

	resp := e.get("/api/conversations/conv-empty/findings", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	var body struct {
		Findings json.RawMessage `json:"findings"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if strings.TrimSpace(string(body.Findings)) == "null" {
		t.Error("findings serialized as null, want []")
	}
}

func TestAuth_TokenEnforced(t *testing.T) {
	e := newEnv(t, func(c *config.Config) { c.Server.AuthToken = "sesame" })
	if _, err := e.store.EnsureConversation(e.ctx, "conv-a", "live", nil); err != nil {
		t.Fatalf("EnsureConversation: %v", err)
	}

	cases := []struct {
		name   string
		header http.Header
		want   int
	}{
		{"missing", nil, http.StatusUnauthorized},
		{"malformed", http.Header{"Authorization": {"sesame"}}, http.StatusUnauthorized},
		{"wrong token", http.Header{"Authorization": {"Bearer wrong"}}, http.StatusUnauthorized},
		{"correct", http.Header{"Authorization": {"Bearer sesame"}}, http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := e.get("/api/conversations/conv-a/findings", tc.header)
			if resp.StatusCode != tc.want {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tc.want)
			}
			if tc.want == http.StatusUnauthorized && resp.Header.Get("WWW-Authenticate") == "" {
				t.Error("WWW-Authenticate header missing on 401")
			}
		})
	}
}

func TestAuth_ProbesAndMetricsStayOpen(t *testing.T) {
	e := newEnv(t, func(c *config.Config) { c.Server.AuthToken = "sesame" })

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		resp := e.get(path, nil)
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s = %d, want %d", path, resp.StatusCode, http.StatusOK)
		}
	}
}
