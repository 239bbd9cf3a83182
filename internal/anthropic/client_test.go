package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/MikeSquared-Agency/closewire/internal/harvest"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	c, err := New(Config{APIKey: "test-key", BaseURL: server.URL + "/"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return c
}

func TestNew(t *testing.T) {
	if _, err := New(Config{APIKey: "  "}); !errors.Is(err, ErrMissingAPIKey) {
		t.Errorf("expected ErrMissingAPIKey, got %v", err)
	}

	c, err := New(Config{APIKey: "k"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.Model() != DefaultModel {
		t.Errorf("expected default model, got %q", c.Model())
	}
	if c.endpoint != defaultBaseURL+"/v1/messages" {
		t.Errorf("unexpected endpoint %q", c.endpoint)
	}
	if c.maxTokens != defaultMaxTokens {
		t.Errorf("expected max tokens %d, got %d", defaultMaxTokens, c.maxTokens)
	}
}

func TestGenerate_Request(t *testing.T) {
	type seenRequest struct {
		path, apiKey, version string
		body                  messagesRequest
	}
	var seen seenRequest

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		seen.path = r.URL.Path
		seen.apiKey = r.Header.Get("x-api-key")
		seen.version = r.Header.Get("anthropic-version")
		if err := json.NewDecoder(r.Body).Decode(&seen.body); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Write([]byte(`{"content": [{"type": "text", "text": "ok"}], "stop_reason": "end_turn"}`))
	})

	out, err := c.Generate(context.Background(), "normalize this triad")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != "ok" {
		t.Errorf("unexpected output %q", out)
	}
	if seen.path != "/v1/messages" || seen.apiKey != "test-key" || seen.version != apiVersion {
		t.Errorf("unexpected request %+v", seen)
	}
	if seen.body.Model != DefaultModel || seen.body.MaxTokens != defaultMaxTokens || seen.body.System != normalizeSystem {
		t.Errorf("unexpected request body %+v", seen.body)
	}
	if len(seen.body.Messages) != 1 || seen.body.Messages[0] != (message{Role: "user", Content: "normalize this triad"}) {
		t.Errorf("expected one user message, got %+v", seen.body.Messages)
	}
}

func TestGenerate_Replies(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		want    string
		wantErr string
	}{
		{"joins text blocks", 200, `{"content": [{"type": "text", "text": "{\"trigger\": "}, {"type": "tool_use"}, {"type": "text", "text": "\"Fees\"}"}]}`, `{"trigger": "Fees"}`, ""},
		{"empty content", 200, `{"content": [], "stop_reason": "max_tokens"}`, "", "max_tokens"},
		{"blank text", 200, `{"content": [{"type": "text", "text": "  "}]}`, "", "empty response"},
		{"typed api error", 400, `{"error": {"type": "invalid_request_error", "message": "max_tokens is too large"}}`, "", "invalid_request_error: max_tokens is too large"},
		{"plain api error", 529, `overloaded`, "", "anthropic status 529: overloaded"},
		{"bad json", 200, `{"content":`, "", "decode response"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			})

			out, err := c.Generate(context.Background(), "hi")
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if out != tt.want {
				t.Errorf("got %q, want %q", out, tt.want)
			}
		})
	}
}

func TestGenerate_DrivesNormalizer(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		reply := "```json\n{\"trigger\": \"Fees feel high\", \"response\": \"EMI from 3k\", \"technique\": \"Reframing\"}\n```"
		json.NewEncoder(w).Encode(messagesResponse{Content: []contentBlock{{Type: "text", Text: reply}}})
	})

	triad := harvest.WinningTriad{
		Trigger:            harvest.TranscriptMessage{Agent: "student", Content: "The fees are too high."},
		CounsellorResponse: harvest.TranscriptMessage{Agent: "counsellor", Content: "We have EMI plans."},
		TrustDelta:         7,
	}
	got := harvest.NewNormalizer(c, nil).Normalize(context.Background(), triad)

	want := harvest.NormalizedTriad{Trigger: "Fees feel high", Response: "EMI from 3k", Technique: "Reframing"}
	if got != want {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestGenerate_ServerDownFallsBackInNormalizer(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	base := server.URL
	server.Close()

	c, err := New(Config{APIKey: "k", BaseURL: base})
	if err != nil {
		t.Fatal(err)
	}
	triad := harvest.WinningTriad{
		Trigger:            harvest.TranscriptMessage{Content: "Too costly"},
		CounsellorResponse: harvest.TranscriptMessage{Content: "Scholarships exist"},
	}
	if got := harvest.NewNormalizer(c, nil).Normalize(context.Background(), triad); got != harvest.Fallback(triad) {
		t.Errorf("expected fallback, got %+v", got)
	}
}
