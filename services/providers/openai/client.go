// Package openai is the wire client for upstream OpenAI-compatible
// inference servers. It speaks POST {base_url}/chat/completions in both
// buffered and streaming (SSE) modes and classifies failures for the
// retry loop.
package openai

import (
	"bufio"
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

	"github.com/tiergate/tiergate/config"
	"github.com/tiergate/tiergate/services"
)

// Client invokes upstream endpoints. Safe for concurrent use.
type Client struct {
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient creates a Client. The underlying http.Client carries no
// global timeout; every call is bounded by its per-attempt context.
func NewClient(logger *zap.Logger) *Client {
	return &Client{
		httpClient: &http.Client{},
		logger:     logger,
	}
}

// Query sends a buffered chat completion to the endpoint and returns
// the full response text. The call is bounded by timeout; errors are
// classified per the retry taxonomy (timeout and 5xx/transport
// retryable, 4xx fatal).
func (c *Client) Query(ctx context.Context, ep config.Endpoint, prompt string, timeout time.Duration) (string, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := c.send(attemptCtx, ep, prompt, false)
	if err != nil {
		return "", c.classifyTransport(ctx, ep, err, timeout)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", c.classifyTransport(ctx, ep, err, timeout)
	}

	if resp.StatusCode != http.StatusOK {
		return "", classifyStatus(ep, resp.StatusCode, body)
	}

	var completion chatCompletionResponse
	if err := json.Unmarshal(body, &completion); err != nil {
		return "", services.Upstreamf(ep.BaseURL, err, "invalid completion payload from %s", ep.BaseURL)
	}
	if len(completion.Choices) == 0 {
		return "", services.Upstreamf(ep.BaseURL, nil, "completion from %s carried no choices", ep.BaseURL)
	}

	return completion.Choices[0].Message.Content, nil
}

// QueryStream sends a streaming chat completion and forwards each
// content delta to onChunk. A transport failure, or a stream that ends
// without its end-of-stream marker, surfaces as a retryable upstream
// error; chunks that fail to decode are logged and skipped. The caller
// decides whether bytes already forwarded make it non-retryable.
// onChunk receives each content delta; returning an error aborts the
// stream.
func (c *Client) QueryStream(ctx context.Context, ep config.Endpoint, prompt string, timeout time.Duration, onChunk func(content string) error) error {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := c.send(attemptCtx, ep, prompt, true)
	if err != nil {
		return c.classifyTransport(ctx, ep, err, timeout)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return classifyStatus(ep, resp.StatusCode, body)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	sawDone := false
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		if data == "[DONE]" {
			sawDone = true
			break
		}

		var chunk chatCompletionChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			c.logger.Warn("skipping undecodable stream chunk",
				zap.String("endpoint", ep.Name),
				zap.Error(err))
			continue
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		if content := chunk.Choices[0].Delta.Content; content != "" {
			if err := onChunk(content); err != nil {
				return err
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return c.classifyTransport(ctx, ep, err, timeout)
	}
	if !sawDone {
		return services.Upstreamf(ep.BaseURL, nil, "stream from %s ended before the end-of-stream marker", ep.BaseURL)
	}

	return nil
}

// Probe issues the liveness HEAD request against {base_url}/models.
func (c *Client) Probe(ctx context.Context, ep config.Endpoint, timeout time.Duration) error {
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// base_url already ends in /v1; appending /models yields the
	// OpenAI list-models path.
	req, err := http.NewRequestWithContext(probeCtx, http.MethodHead, ep.BaseURL+"/models", nil)
	if err != nil {
		return fmt.Errorf("build probe request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("probe %s/models: HTTP %d", ep.BaseURL, resp.StatusCode)
	}
	return nil
}

func (c *Client) send(ctx context.Context, ep config.Endpoint, prompt string, stream bool) (*http.Response, error) {
	payload := chatCompletionRequest{
		Model: ep.Model,
		Messages: []chatMessage{
			{Role: "user", Content: prompt},
		},
		MaxTokens:   ep.MaxTokens,
		Temperature: ep.Temperature,
		Stream:      stream,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal completion request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build completion request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.httpClient.Do(req)
}

// classifyTransport maps transport-level failures onto the retry
// taxonomy. The parent context distinguishes a per-attempt timeout from
// client disconnect.
func (c *Client) classifyTransport(parent context.Context, ep config.Endpoint, err error, timeout time.Duration) error {
	if parent.Err() != nil {
		return services.Internalf("request canceled while calling %s: %v", ep.BaseURL, parent.Err())
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return services.Timeoutf(ep.BaseURL, int(timeout.Seconds()))
	}
	return services.Upstreamf(ep.BaseURL, err, "request to %s failed: %v", ep.BaseURL, err)
}

// classifyStatus maps upstream HTTP status codes: 5xx is retryable on
// another endpoint, 4xx means the request itself is unacceptable.
func classifyStatus(ep config.Endpoint, status int, body []byte) error {
	message := upstreamErrorMessage(body)
	if status >= 500 {
		return services.Upstreamf(ep.BaseURL, nil, "HTTP %d from %s: %s", status, ep.BaseURL, message)
	}
	return services.UpstreamFatalf(ep.BaseURL, status, "HTTP %d from %s: %s", status, ep.BaseURL, message)
}

// upstreamErrorMessage extracts the error message from an OpenAI-style
// error body, falling back to a truncated raw body.
func upstreamErrorMessage(body []byte) string {
	var parsed struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error.Message != "" {
		return parsed.Error.Message
	}
	text := strings.TrimSpace(string(body))
	if len(text) > 200 {
		text = text[:200] + "..."
	}
	if text == "" {
		text = "no error body"
	}
	return text
}

// Wire types, OpenAI chat completions API.

type chatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index        int         `json:"index"`
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

type chatCompletionChunk struct {
	ID      string `json:"id"`
	Choices []struct {
		Delta struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
}
