// Package anthropic is the alternative text-generation backend for triad
// normalization, selected with LLM_PROVIDER=anthropic.
package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	DefaultModel   = "claude-sonnet-4-20250514"
	defaultBaseURL = "https://api.anthropic.com"
	apiVersion     = "2023-06-01"

	// Normalization replies are a small JSON object.
	defaultMaxTokens = 512
	normalizeSystem  = "You distill sales conversations into concise JSON. Reply with the JSON object only."
)

// ErrMissingAPIKey is returned by New when no API key is configured.
var ErrMissingAPIKey = errors.New("ANTHROPIC_API_KEY is required")

type Config struct {
	APIKey    string
	Model     string
	BaseURL   string
	MaxTokens int
	Timeout   time.Duration
}

type Client struct {
	apiKey     string
	model      string
	endpoint   string
	maxTokens  int
	httpClient *http.Client
}

func New(cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, ErrMissingAPIKey
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = DefaultModel
	}
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = defaultBaseURL
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Client{
		apiKey:     apiKey,
		model:      model,
		endpoint:   base + "/v1/messages",
		maxTokens:  maxTokens,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// Model returns the model used for generation.
func (c *Client) Model() string {
	return c.model
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesRequest struct {
	Model     string    `json:"model"`
	MaxTokens int       `json:"max_tokens"`
	System    string    `json:"system,omitempty"`
	Messages  []message `json:"messages"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type messagesResponse struct {
	Content    []contentBlock `json:"content"`
	StopReason string         `json:"stop_reason"`
}

type apiError struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// Generate sends prompt as a single user turn and returns the joined text
// blocks of the reply.
func (c *Client) Generate(ctx context.Context, prompt string) (string, error) {
	resp, err := c.send(ctx, messagesRequest{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		System:    normalizeSystem,
		Messages:  []message{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return "", err
	}

	var out strings.Builder
	for _, block := range resp.Content {
		if block.Type == "" || block.Type == "text" {
			out.WriteString(block.Text)
		}
	}
	if strings.TrimSpace(out.String()) == "" {
		return "", fmt.Errorf("empty response content (stop_reason %q)", resp.StopReason)
	}
	return out.String(), nil
}

func (c *Client) send(ctx context.Context, body messagesRequest) (messagesResponse, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return messagesResponse{}, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return messagesResponse{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", apiVersion)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return messagesResponse{}, fmt.Errorf("anthropic messages: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return messagesResponse{}, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr apiError
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error.Message != "" {
			return messagesResponse{}, fmt.Errorf("anthropic status %d: %s: %s", resp.StatusCode, apiErr.Error.Type, apiErr.Error.Message)
		}
		return messagesResponse{}, fmt.Errorf("anthropic status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var out messagesResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return messagesResponse{}, fmt.Errorf("decode response: %w", err)
	}
	return out, nil
}
