package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/MikeSquared-Agency/closewire/internal/harvest"
	"github.com/MikeSquared-Agency/closewire/internal/ingest"
	"github.com/MikeSquared-Agency/closewire/internal/store"
	"github.com/MikeSquared-Agency/closewire/internal/transcript"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeIngester struct {
	source string
	body   string
	err    error
}

func (f *fakeIngester) IngestBytes(_ context.Context, data []byte, sourceName string) (ingest.Result, error) {
	f.source, f.body = sourceName, string(data)
	if f.err != nil {
		return ingest.Result{}, f.err
	}
	return ingest.Result{SourceName: sourceName, Inserted: 1, Records: []harvest.NormalizedRecord{{Technique: "Reframing"}}}, nil
}

type fakeEmbedder struct {
	err error
}

func (f *fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	return []float32{1, 0}, f.err
}

type fakeNuggets struct {
	topK   int
	filter store.SearchFilter
	count  int
	err    error
}

func (f *fakeNuggets) SearchSimilar(_ context.Context, _ []float32, topK int, filter store.SearchFilter) ([]store.SimilarMatch, error) {
	f.topK, f.filter = topK, filter
	if f.err != nil {
		return nil, f.err
	}
	return []store.SimilarMatch{{TechniqueLabel: "Reframing", SemanticTrigger: "Fees", Distance: 0.12}}, nil
}

func (f *fakeNuggets) CountNuggets(context.Context) (int, error) {
	return f.count, f.err
}

func newTestServer(token string, deps Deps) *Server {
	return NewServer(8760, token, deps, discardLogger())
}

func do(t *testing.T, srv *Server, method, path, body string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return body
}

func TestHealthEndpoint(t *testing.T) {
	w := do(t, newTestServer("", Deps{}), "GET", "/health", "")
	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
	if body := decode(t, w); body["status"] != "ok" {
		t.Errorf("expected status ok, got %v", body["status"])
	}
}

func TestStatusEndpoint(t *testing.T) {
	srv := newTestServer("", Deps{LLMProvider: "gemini", NATSConnected: func() bool { return true }})
	w := do(t, srv, "GET", "/api/v1/closewire/status", "")
	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
	body := decode(t, w)
	if body["agent"] != "closewire" || body["llm_provider"] != "gemini" || body["nats_connected"] != true {
		t.Errorf("unexpected status body %v", body)
	}
}

func TestNotFoundEndpoint(t *testing.T) {
	w := do(t, newTestServer("", Deps{}), "GET", "/nonexistent", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestCountNuggets(t *testing.T) {
	w := do(t, newTestServer("", Deps{Nuggets: &fakeNuggets{count: 42}}), "GET", "/api/v1/nuggets/count", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if body := decode(t, w); body["count"] != float64(42) {
		t.Errorf("expected count 42, got %v", body["count"])
	}

	w = do(t, newTestServer("", Deps{Nuggets: &fakeNuggets{err: errors.New("db down")}}), "GET", "/api/v1/nuggets/count", "")
	if w.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", w.Code)
	}

	w = do(t, newTestServer("", Deps{}), "GET", "/api/v1/nuggets/count", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 without store, got %d", w.Code)
	}
}

func TestSearchNuggets(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		wantCode int
		wantTopK int
	}{
		{"defaults", `{"text": "The fees are too high."}`, http.StatusOK, 3},
		{"floor", `{"text": "fees", "top_k": -4}`, http.StatusOK, 1},
		{"cap", `{"text": "fees", "top_k": 1000}`, http.StatusOK, 50},
		{"missing text", `{"top_k": 2}`, http.StatusBadRequest, 0},
		{"bad json", `{`, http.StatusBadRequest, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			nuggets := &fakeNuggets{}
			srv := newTestServer("", Deps{Nuggets: nuggets, Embedder: &fakeEmbedder{}})
			w := do(t, srv, "POST", "/api/v1/nuggets/search", tt.body)
			if w.Code != tt.wantCode {
				t.Fatalf("expected %d, got %d", tt.wantCode, w.Code)
			}
			if tt.wantCode == http.StatusOK {
				if nuggets.topK != tt.wantTopK {
					t.Errorf("expected top_k %d, got %d", tt.wantTopK, nuggets.topK)
				}
				if body := decode(t, w); body["count"] != float64(1) {
					t.Errorf("unexpected body %v", body)
				}
			} else if body := decode(t, w); body["error"] == "" {
				t.Error("expected error message")
			}
		})
	}
}

func TestSearchNuggets_Filter(t *testing.T) {
	nuggets := &fakeNuggets{}
	srv := newTestServer("", Deps{Nuggets: nuggets, Embedder: &fakeEmbedder{}})
	w := do(t, srv, "POST", "/api/v1/nuggets/search", `{"text": "fees", "program_id_hash": "abc", "persona_archetype": "anxious_parent"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if nuggets.filter.ProgramIDHash != "abc" || nuggets.filter.PersonaArchetype != "anxious_parent" {
		t.Errorf("filter not passed through: %+v", nuggets.filter)
	}
}

func TestSearchNuggets_EmbeddingFailure(t *testing.T) {
	srv := newTestServer("", Deps{Nuggets: &fakeNuggets{}, Embedder: &fakeEmbedder{err: errors.New("azure down")}})
	w := do(t, srv, "POST", "/api/v1/nuggets/search", `{"text": "fees"}`)
	if w.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", w.Code)
	}
}

func TestIngestTranscript_Auth(t *testing.T) {
	tests := []struct {
		name     string
		header   []string
		wantCode int
	}{
		{"no header", nil, http.StatusUnauthorized},
		{"wrong token", []string{"Authorization", "Bearer nope"}, http.StatusUnauthorized},
		{"wrong scheme", []string{"Authorization", "Basic s3cret"}, http.StatusUnauthorized},
		{"valid", []string{"Authorization", "Bearer s3cret"}, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer("s3cret", Deps{Ingester: &fakeIngester{}})
			w := do(t, srv, "POST", "/api/v1/transcripts?source=trace.json", `{"transcript": []}`, tt.header...)
			if w.Code != tt.wantCode {
				t.Errorf("expected %d, got %d", tt.wantCode, w.Code)
			}
		})
	}
}

func TestIngestTranscript(t *testing.T) {
	ing := &fakeIngester{}
	srv := newTestServer("", Deps{Ingester: ing})

	w := do(t, srv, "POST", "/api/v1/transcripts?source=session_human_vs_ai.json", `{"transcript": []}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if ing.source != "session_human_vs_ai.json" || ing.body != `{"transcript": []}` {
		t.Errorf("unexpected ingest call source=%q body=%q", ing.source, ing.body)
	}
	if body := decode(t, w); body["inserted"] != float64(1) {
		t.Errorf("unexpected body %v", body)
	}

	do(t, srv, "POST", "/api/v1/transcripts", `{}`)
	if ing.source != "api-upload.json" {
		t.Errorf("expected default source name, got %q", ing.source)
	}
}

func TestIngestTranscript_Errors(t *testing.T) {
	tests := []struct {
		err      error
		wantCode int
	}{
		{fmt.Errorf("decode: %w", transcript.ErrInvalidTranscript), http.StatusBadRequest},
		{errors.New("persist nuggets: connection reset"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		srv := newTestServer("", Deps{Ingester: &fakeIngester{err: tt.err}})
		w := do(t, srv, "POST", "/api/v1/transcripts", `{"transcript": 1}`)
		if w.Code != tt.wantCode {
			t.Errorf("error %v: expected %d, got %d", tt.err, tt.wantCode, w.Code)
		}
	}
}

func TestParseTurn(t *testing.T) {
	srv := newTestServer("", Deps{})
	body := `{"text": "UPDATED_STATE: {\"trust_level\": 140}\nMESSAGE: Fine.\nCONFIDENCE_SCORE: 7/10", "state": {"skepticism": 20}}`

	w := do(t, srv, "POST", "/api/v1/turns/parse", body)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var resp struct {
		Fields struct {
			Message         string `json:"message"`
			ConfidenceScore *int   `json:"confidence_score"`
		} `json:"fields"`
		State map[string]int `json:"state"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Fields.Message != "Fine." || resp.Fields.ConfidenceScore == nil || *resp.Fields.ConfidenceScore != 7 {
		t.Errorf("unexpected fields %+v", resp.Fields)
	}
	if resp.State["trust_level"] != 100 || resp.State["skepticism"] != 20 || resp.State["financial_anxiety"] != 50 {
		t.Errorf("unexpected state %v", resp.State)
	}

	w = do(t, srv, "POST", "/api/v1/turns/parse", `not json`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}
