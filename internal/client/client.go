// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package client is a Go client for the ERIMTECH AI developer API (/v1).
//
// Transient failures (5xx responses and transport errors) are retried with
// exponential backoff. Quota and rate limit rejections (429) are returned
// immediately as *APIError.
package client

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

	"go.uber.org/zap"

	"github.com/jeranaias/erimtech/internal/logging"
)

const (
	// DefaultBaseURL is the local server started by `erimtech serve`.
	DefaultBaseURL = "http://127.0.0.1:8787"

	// DefaultTimeout bounds a single attempt.
	DefaultTimeout = 120 * time.Second

	// DefaultMaxRetries is the number of attempts for transient errors.
	DefaultMaxRetries = 3

	retryBaseDelay = 500 * time.Millisecond
	retryMaxDelay  = 10 * time.Second

	// MaxResponseSize caps the response body.
	MaxResponseSize = 10 << 20
)

var (
	// ErrNoAPIKey is returned when the client has no key.
	ErrNoAPIKey = errors.New("no API key configured")

	// ErrResponseTooLarge is returned when a body exceeds MaxResponseSize.
	ErrResponseTooLarge = fmt.Errorf("response exceeded maximum size of %d bytes", MaxResponseSize)

	// ErrMalformedResponse wraps a 2xx body that is not the expected JSON.
	ErrMalformedResponse = errors.New("malformed response")
)

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Type       string
	Message    string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("erimtech API error [%s] (HTTP %d): %s", e.Type, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("erimtech API error (HTTP %d): %s", e.StatusCode, e.Message)
}

// Temporary reports whether retrying may succeed.
func (e *APIError) Temporary() bool {
	return e.StatusCode >= 500
}

// errorEnvelope mirrors the server's error body.
type errorEnvelope struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    int    `json:"code"`
	} `json:"error"`
}

// Client calls the /v1 endpoints with a bearer API key.
type Client struct {
	baseURL    string
	apiKey     string
	http       *http.Client
	maxRetries int
	retryDelay time.Duration
	log        *zap.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option { return func(c *Client) { c.http = h } }

// WithMaxRetries sets the number of attempts. Values below 1 mean 1.
func WithMaxRetries(n int) Option { return func(c *Client) { c.maxRetries = max(n, 1) } }

// WithRetryDelay sets the base backoff delay.
func WithRetryDelay(d time.Duration) Option { return func(c *Client) { c.retryDelay = d } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(c *Client) { c.log = l } }

// New creates a Client for baseURL ("" means DefaultBaseURL).
func New(baseURL, apiKey string, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     strings.TrimSpace(apiKey),
		http:       &http.Client{Timeout: DefaultTimeout},
		maxRetries: DefaultMaxRetries,
		retryDelay: retryBaseDelay,
		log:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.Named("client")
	return c
}

// ============================================================================
// ENDPOINTS
// ============================================================================

// Chat sends a prompt, optionally grounded on a URL.
func (c *Client) Chat(ctx context.Context, prompt, url string) (string, error) {
	var out struct {
		Response string `json:"response"`
	}
	err := c.post(ctx, "/v1/chat", map[string]string{"prompt": prompt, "url": url}, &out)
	return out.Response, err
}

// GenerateCode describes the code wanted.
func (c *Client) GenerateCode(ctx context.Context, description, language string) (string, error) {
	var out struct {
		Code string `json:"code"`
	}
	err := c.post(ctx, "/v1/code/generate", map[string]string{"description": description, "language": language}, &out)
	return out.Code, err
}

// ExplainCode explains a snippet.
func (c *Client) ExplainCode(ctx context.Context, code, language string) (string, error) {
	var out struct {
		Explanation string `json:"explanation"`
	}
	err := c.post(ctx, "/v1/code/explain", map[string]string{"code": code, "language": language}, &out)
	return out.Explanation, err
}

// AnalyzeImage describes an image given as a data URI.
func (c *Client) AnalyzeImage(ctx context.Context, imageDataURI string) (string, error) {
	var out struct {
		Description string `json:"description"`
	}
	err := c.post(ctx, "/v1/image/analyze", map[string]string{"image": imageDataURI}, &out)
	return out.Description, err
}

// TranscribeAudio transcribes audio given as a data URI.
func (c *Client) TranscribeAudio(ctx context.Context, audioDataURI string) (string, error) {
	var out struct {
		Transcription string `json:"transcription"`
	}
	err := c.post(ctx, "/v1/audio/transcribe", map[string]string{"audio": audioDataURI}, &out)
	return out.Transcription, err
}

// SummarizeVideo summarizes the video at videoURL.
func (c *Client) SummarizeVideo(ctx context.Context, videoURL string) (string, error) {
	var out struct {
		Summary string `json:"summary"`
	}
	err := c.post(ctx, "/v1/video/summarize", map[string]string{"videoUrl": videoURL}, &out)
	return out.Summary, err
}

// AnalyzeURL summarizes and analyzes a web page.
func (c *Client) AnalyzeURL(ctx context.Context, url string) (string, error) {
	var out struct {
		Analysis string `json:"analysis"`
	}
	err := c.post(ctx, "/v1/url/analyze", map[string]string{"url": url}, &out)
	return out.Analysis, err
}

// ============================================================================
// TRANSPORT
// ============================================================================

// post sends body to path, retrying transient failures, and decodes the
// response into out.
func (c *Client) post(ctx context.Context, path string, body, out any) error {
	if c.apiKey == "" {
		return ErrNoAPIKey
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := c.backoff(attempt)
			c.log.Debug("retrying", zap.String("path", path), zap.Int("attempt", attempt), zap.Duration("delay", delay), zap.Error(lastErr))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		err := c.do(ctx, path, payload, out)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !retryable(err) {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

func (c *Client) do(ctx context.Context, path string, payload []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	c.log.Debug("response",
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", time.Since(start)),
		logging.Secret("key", c.apiKey))

	data, err := readResponse(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return parseError(resp.StatusCode, data)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedResponse, err)
	}
	return nil
}

// readResponse reads at most MaxResponseSize bytes.
func readResponse(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, MaxResponseSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if len(data) > MaxResponseSize {
		return nil, ErrResponseTooLarge
	}
	return data, nil
}

func parseError(status int, body []byte) error {
	var env errorEnvelope
	if err := json.Unmarshal(body, &env); err == nil && env.Error.Message != "" {
		return &APIError{StatusCode: status, Type: env.Error.Type, Message: env.Error.Message}
	}
	return &APIError{StatusCode: status, Message: strings.TrimSpace(string(body))}
}

// retryable reports whether err is a 5xx or a transport failure. Context
// cancellation, every 4xx including 429, and a 2xx that did not decode are
// final.
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrMalformedResponse) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Temporary()
	}
	return !errors.Is(err, ErrResponseTooLarge)
}

func (c *Client) backoff(attempt int) time.Duration {
	delay := c.retryDelay * time.Duration(1<<uint(attempt-1))
	return min(delay, retryMaxDelay)
}
