// Package generation submits styled preview requests to the remote rendering
// service, polls asynchronous jobs and wraps both in tiered timeouts and
// bounded retries.
package generation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/menta2k/preview-kit/pkg/types"
)

// AllowedAspectRatios lists the ratios the rendering service accepts
var AllowedAspectRatios = []string{"1:1", "2:3", "3:2", "3:4", "4:3", "4:5", "5:4", "9:16", "16:9"}

// maxErrorBody bounds how much of an error response ends up in messages
const maxErrorBody = 512

// Submitter performs one generation round trip
type Submitter interface {
	Submit(ctx context.Context, req types.GenerationRequest) (types.GenerationOutcome, error)
}

// StatusChecker reports the state of an asynchronous job
type StatusChecker interface {
	Status(ctx context.Context, jobID string) (types.PollState, error)
}

// Service is a remote rendering backend
type Service interface {
	Submitter
	StatusChecker
}

// ClientConfig configures the HTTP client
type ClientConfig struct {
	BaseURL    string
	APIKey     string
	SubmitPath string
	StatusPath string
	// Timeout is the transport-level ceiling; per-attempt budgets come from the context
	Timeout time.Duration
}

// DefaultClientConfig returns the standard endpoint layout
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		SubmitPath: "/generate-preview",
		StatusPath: "/preview-status",
		Timeout:    90 * time.Second,
	}
}

// Client is a stateless wrapper around the rendering service HTTP API
type Client struct {
	config     ClientConfig
	httpClient *http.Client
	logger     *zap.Logger
}

// envelope is the union of submit and status responses
type envelope struct {
	PreviewURL string `json:"preview_url"`
	RequestID  string `json:"request_id"`
	Status     string `json:"status"`
	Error      string `json:"error"`
}

// NewClient creates a client. A nil httpClient gets one with config.Timeout.
func NewClient(config ClientConfig, httpClient *http.Client) *Client {
	def := DefaultClientConfig()
	if config.SubmitPath == "" {
		config.SubmitPath = def.SubmitPath
	}
	if config.StatusPath == "" {
		config.StatusPath = def.StatusPath
	}
	if config.Timeout <= 0 {
		config.Timeout = def.Timeout
	}
	config.BaseURL = strings.TrimSuffix(config.BaseURL, "/")
	if httpClient == nil {
		httpClient = &http.Client{Timeout: config.Timeout}
	}
	return &Client{config: config, httpClient: httpClient, logger: zap.NewNop()}
}

// SetLogger sets the client logger
func (c *Client) SetLogger(logger *zap.Logger) {
	if logger != nil {
		c.logger = logger
	}
}

// ValidateRequest checks a request before it is sent
func ValidateRequest(req types.GenerationRequest) error {
	const op = "validate"
	if req.ImageURL == "" && req.ImageData == "" {
		return newError(KindValidation, op, "image is required", nil)
	}
	if strings.TrimSpace(req.Style) == "" {
		return newError(KindValidation, op, "style is required", nil)
	}
	if !slices.Contains(AllowedAspectRatios, req.AspectRatio) {
		return newError(KindValidation, op, fmt.Sprintf("unsupported aspect ratio %q", req.AspectRatio), nil)
	}
	switch req.Quality {
	case "", types.QualityPreview, types.QualityFinal:
	default:
		return newError(KindValidation, op, fmt.Sprintf("unknown quality tier %q", req.Quality), nil)
	}
	return nil
}

// Submit validates req and sends it. The service either answers with a
// preview URL or with a job id that must be polled.
func (c *Client) Submit(ctx context.Context, req types.GenerationRequest) (types.GenerationOutcome, error) {
	const op = "submit"
	if err := ValidateRequest(req); err != nil {
		return types.GenerationOutcome{}, err
	}
	if req.Quality == "" {
		req.Quality = types.QualityPreview
	}

	body, err := json.Marshal(req)
	if err != nil {
		return types.GenerationOutcome{}, newError(KindValidation, op, "encode request", err)
	}

	var env envelope
	if err := c.do(ctx, op, http.MethodPost, c.config.BaseURL+c.config.SubmitPath, body, &env); err != nil {
		return types.GenerationOutcome{}, err
	}

	switch {
	case env.Error != "":
		return types.GenerationOutcome{}, newError(KindTransport, op, env.Error, nil)
	case env.PreviewURL != "":
		c.logger.Debug("preview completed synchronously", zap.String("request_id", req.RequestID))
		return types.Complete(env.PreviewURL), nil
	case env.RequestID != "":
		if normalizeStatus(env.Status) == types.PollFailed {
			return types.GenerationOutcome{}, newError(KindJobFailed, op, "job rejected", nil)
		}
		c.logger.Debug("preview job accepted",
			zap.String("request_id", req.RequestID),
			zap.String("job_id", env.RequestID))
		return types.Processing(env.RequestID), nil
	}
	return types.GenerationOutcome{}, newError(KindTransport, op, "response has neither preview_url nor request_id", nil)
}

// Status queries the state of a job
func (c *Client) Status(ctx context.Context, jobID string) (types.PollState, error) {
	const op = "status"
	if jobID == "" {
		return types.PollState{}, newError(KindValidation, op, "job id is required", nil)
	}

	endpoint := c.config.BaseURL + c.config.StatusPath + "?request_id=" + url.QueryEscape(jobID)
	var env envelope
	if err := c.do(ctx, op, http.MethodGet, endpoint, nil, &env); err != nil {
		return types.PollState{}, err
	}

	state := types.PollState{
		JobID:        jobID,
		Status:       normalizeStatus(env.Status),
		PreviewURL:   env.PreviewURL,
		ErrorMessage: env.Error,
	}
	if env.RequestID != "" {
		state.JobID = env.RequestID
	}
	return state, nil
}

// normalizeStatus maps service status strings case-insensitively
func normalizeStatus(s string) types.PollStatus {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "succeeded", "complete", "completed":
		return types.PollSucceeded
	case "failed", "error":
		return types.PollFailed
	}
	return types.PollPending
}

func (c *Client) do(ctx context.Context, op, method, endpoint string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return newError(KindValidation, op, "build request", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return newError(KindTransport, op, "request failed", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return newError(KindTransport, op, "read response", err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		e := newError(KindTransport, op, fmt.Sprintf("service returned %d: %s", resp.StatusCode, serviceMessage(data)), nil)
		e.StatusCode = resp.StatusCode
		return e
	}

	if err := json.Unmarshal(data, out); err != nil {
		return newError(KindTransport, op, "malformed response", err)
	}
	return nil
}

// serviceMessage extracts {"error": ...} from an error body, or a trimmed body
func serviceMessage(data []byte) string {
	var env struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(data, &env) == nil {
		if env.Error != "" {
			return env.Error
		}
		if env.Message != "" {
			return env.Message
		}
	}
	msg := strings.TrimSpace(string(data))
	if len(msg) > maxErrorBody {
		msg = msg[:maxErrorBody]
	}
	return msg
}
