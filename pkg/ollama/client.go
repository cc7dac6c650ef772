package ollama

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ollama/ollama/api"

	"github.com/menta2k/preview-kit/pkg/client"
	"github.com/menta2k/preview-kit/pkg/types"
)

// DefaultTimeout bounds a single chat call when the caller sets no deadline
const DefaultTimeout = 300 * time.Second

// Client locates subjects through an Ollama vision model
type Client struct {
	client  *api.Client
	timeout time.Duration
}

// NewClient creates a new Ollama client for the server at ollamaURL
func NewClient(ollamaURL string) (*Client, error) {
	return NewClientWithHTTP(ollamaURL, http.DefaultClient)
}

// NewClientWithHTTP creates a client that talks through httpClient
func NewClientWithHTTP(ollamaURL string, httpClient *http.Client) (*Client, error) {
	parsedURL, err := url.Parse(ollamaURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if parsedURL.Scheme == "" || parsedURL.Host == "" {
		return nil, fmt.Errorf("invalid URL %q: scheme and host required", ollamaURL)
	}

	// paths like /api/chat are dropped; the SDK adds its own
	baseURL := &url.URL{Scheme: parsedURL.Scheme, Host: parsedURL.Host}
	return &Client{
		client:  api.NewClient(baseURL, httpClient),
		timeout: DefaultTimeout,
	}, nil
}

// SetTimeout overrides the per-call timeout
func (c *Client) SetTimeout(d time.Duration) {
	if d > 0 {
		c.timeout = d
	}
}

// SimpleQuery asks a free-form question about an image
func (c *Client) SimpleQuery(ctx context.Context, model, prompt, imgB64 string) (string, error) {
	return c.chat(ctx, model, prompt, imgB64, nil)
}

// AnalyzeImage asks the model for the primary subject box of an image
func (c *Client) AnalyzeImage(ctx context.Context, model, prompt, imgB64 string) (*types.AnalysisResult, error) {
	content, err := c.chat(ctx, model, prompt, imgB64, modelOptions(model))
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("empty response from ollama")
	}
	return client.ParseAnalysis(content), nil
}

func (c *Client) chat(ctx context.Context, model, prompt, imgB64 string, options map[string]any) (string, error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	msg := api.Message{Role: "user", Content: prompt}
	if imgB64 != "" {
		imgBytes, err := base64.StdEncoding.DecodeString(imgB64)
		if err != nil {
			return "", fmt.Errorf("failed to decode base64 image: %w", err)
		}
		msg.Images = []api.ImageData{api.ImageData(imgBytes)}
	}

	stream := false
	req := &api.ChatRequest{
		Model:    model,
		Messages: []api.Message{msg},
		Stream:   &stream,
		Options:  options,
	}

	var sb strings.Builder
	err := c.client.Chat(ctx, req, func(resp api.ChatResponse) error {
		sb.WriteString(resp.Message.Content)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("ollama chat error: %w", err)
	}
	return sb.String(), nil
}

// modelOptions returns sampling options tuned for known model families
func modelOptions(model string) map[string]any {
	m := strings.ToLower(model)
	if strings.Contains(m, "minicpm-v4") || strings.Contains(m, "minicpm-v-4") || strings.Contains(m, "minicpmv4") {
		return map[string]any{"temperature": 0.7, "top_p": 0.8, "num_ctx": 4096}
	}
	return nil
}
