package llamacpp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/menta2k/preview-kit/pkg/client"
	"github.com/menta2k/preview-kit/pkg/types"
)

const chatEndpoint = "/v1/chat/completions"

// Client talks to an OpenAI-compatible llama.cpp server
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Message is an OpenAI-compatible chat message
type Message struct {
	Role    string `json:"role"`
	Content any    `json:"content"` // string or []ContentPart
}

// ContentPart is one text or image part of a message
type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

type ImageURL struct {
	URL string `json:"url"`
}

// ChatCompletionRequest is an OpenAI-compatible chat completion request
type ChatCompletionRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	TopP        float64   `json:"top_p,omitempty"`
	Stream      bool      `json:"stream"`
}

// ChatCompletionResponse is an OpenAI-compatible chat completion response
type ChatCompletionResponse struct {
	ID      string   `json:"id"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
}

type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason,omitempty"`
}

// NewClient creates a client for serverURL, defaulting to localhost:8080
func NewClient(serverURL string) (*Client, error) {
	return NewClientWithHTTP(serverURL, &http.Client{Timeout: 5 * time.Minute})
}

// NewClientWithHTTP creates a client that talks through httpClient
func NewClientWithHTTP(serverURL string, httpClient *http.Client) (*Client, error) {
	if serverURL == "" {
		serverURL = "http://localhost:8080"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Minute}
	}
	return &Client{
		baseURL:    strings.TrimSuffix(serverURL, "/"),
		httpClient: httpClient,
	}, nil
}

// SimpleQuery asks a free-form question about an image
func (c *Client) SimpleQuery(ctx context.Context, model, prompt, imgB64 string) (string, error) {
	return c.complete(ctx, ChatCompletionRequest{
		Model:       model,
		Messages:    userMessage(prompt, imgB64),
		Temperature: 0.7,
		MaxTokens:   2048,
		TopP:        0.9,
	})
}

// AnalyzeImage asks the model for the primary subject box of an image
func (c *Client) AnalyzeImage(ctx context.Context, model, prompt, imgB64 string) (*types.AnalysisResult, error) {
	text, err := c.complete(ctx, ChatCompletionRequest{
		Model:       model,
		Messages:    userMessage(prompt, imgB64),
		Temperature: 0.7,
		MaxTokens:   4096,
		TopP:        0.8,
	})
	if err != nil {
		return nil, err
	}
	return client.ParseAnalysis(text), nil
}

func userMessage(prompt, imgB64 string) []Message {
	content := []ContentPart{{Type: "text", Text: prompt}}
	if imgB64 != "" {
		content = append(content, ContentPart{
			Type:     "image_url",
			ImageURL: &ImageURL{URL: "data:image/jpeg;base64," + imgB64},
		})
	}
	return []Message{{Role: "user", Content: content}}
}

func (c *Client) complete(ctx context.Context, req ChatCompletionRequest) (string, error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 300*time.Second)
		defer cancel()
	}

	body, err := c.sendRequest(ctx, chatEndpoint, req)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}

	var resp ChatCompletionResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("failed to parse response: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no choices in response")
	}

	text := messageText(resp.Choices[0].Message.Content)
	if text == "" {
		return "", fmt.Errorf("empty response from llama.cpp server")
	}
	return text, nil
}

// messageText extracts the text of a string or content-part message
func messageText(content any) string {
	switch v := content.(type) {
	case string:
		return v
	case []any:
		for _, item := range v {
			if part, ok := item.(map[string]any); ok {
				if text, ok := part["text"].(string); ok && text != "" {
					return text
				}
			}
		}
	}
	return ""
}

func (c *Client) sendRequest(ctx context.Context, endpoint string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(body))
	}
	return body, nil
}
