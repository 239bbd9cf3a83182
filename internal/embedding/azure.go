// Package embedding turns normalized triggers into vectors through an Azure
// OpenAI embedding deployment.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/azure"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
)

// Defaults for the Azure embedding deployment.
const (
	DefaultAPIVersion = "2024-02-01"
	DefaultDimensions = 1536
	defaultTimeout    = 60 * time.Second
)

// ErrMissingConfig is returned by New when the endpoint, key or deployment is empty.
var ErrMissingConfig = errors.New("missing Azure OpenAI embedding configuration")

type Config struct {
	Endpoint   string
	APIKey     string
	Deployment string
	APIVersion string
	Dimensions int
	Timeout    time.Duration
	MaxRetries int
}

type Client struct {
	client     oai.Client
	deployment string
	dimensions int
}

func New(cfg Config) (*Client, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	apiKey := strings.TrimSpace(cfg.APIKey)
	deployment := strings.TrimSpace(cfg.Deployment)
	if endpoint == "" || apiKey == "" || deployment == "" {
		return nil, ErrMissingConfig
	}

	apiVersion := strings.TrimSpace(cfg.APIVersion)
	if apiVersion == "" {
		apiVersion = DefaultAPIVersion
	}
	dims := cfg.Dimensions
	if dims <= 0 {
		dims = DefaultDimensions
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	client := oai.NewClient(
		azure.WithEndpoint(endpoint, apiVersion),
		azure.WithAPIKey(apiKey),
		option.WithHTTPClient(&http.Client{Timeout: timeout}),
		option.WithMaxRetries(cfg.MaxRetries),
	)
	return &Client{client: client, deployment: deployment, dimensions: dims}, nil
}

// Embed returns the embedding of text. A vector whose length differs from the
// configured dimension is an error.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	// Azure routes on the deployment name carried in the model field.
	resp, err := c.client.Embeddings.New(ctx, oai.EmbeddingNewParams{
		Model: c.deployment,
		Input: oai.EmbeddingNewParamsInputUnion{
			OfString: param.NewOpt(text),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("azure embeddings: %w", err)
	}
	if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
		return nil, fmt.Errorf("azure embeddings: empty response")
	}

	vec := float64ToFloat32(resp.Data[0].Embedding)
	if len(vec) != c.dimensions {
		return nil, fmt.Errorf("azure embeddings: expected %d dimensions, got %d", c.dimensions, len(vec))
	}
	return vec, nil
}

// Dimensions reports the expected vector length.
func (c *Client) Dimensions() int {
	return c.dimensions
}

func float64ToFloat32(in []float64) []float32 {
	out := make([]float32, len(in))
	for i, v := range in {
		out[i] = float32(v)
	}
	return out
}
