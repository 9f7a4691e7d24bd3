package handlers

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tiergate/tiergate/services/routing"
)

// OpenAIMessage is one conversation turn on the /v1 surface.
type OpenAIMessage struct {
	Role    string `json:"role" validate:"required,oneof=system user assistant"`
	Content string `json:"content" validate:"required"`
}

// CompletionsRequest is the OpenAI-compatible request body. The model
// field selects routing behavior: "auto" engages the router, a tier
// name pins the tier, anything else names a specific endpoint.
type CompletionsRequest struct {
	Model       string          `json:"model" validate:"required"`
	Messages    []OpenAIMessage `json:"messages" validate:"required,min=1,dive"`
	Stream      bool            `json:"stream"`
	Temperature *float64        `json:"temperature,omitempty"`
	MaxTokens   *int            `json:"max_tokens,omitempty"`
	TopP        *float64        `json:"top_p,omitempty"`
	User        string          `json:"user,omitempty"`
}

// Prompt flattens the conversation into a single prompt string.
func (r *CompletionsRequest) Prompt() string {
	if len(r.Messages) == 1 && r.Messages[0].Role == "user" {
		return r.Messages[0].Content
	}

	var b strings.Builder
	for i, msg := range r.Messages {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "%s: %s", msg.Role, msg.Content)
	}
	return b.String()
}

// LastUserContent returns the content of the most recent user message.
func (r *CompletionsRequest) LastUserContent() string {
	for i := len(r.Messages) - 1; i >= 0; i-- {
		if r.Messages[i].Role == "user" {
			return r.Messages[i].Content
		}
	}
	return ""
}

// Metadata derives routing metadata. The /v1 surface has no importance
// or task_type fields, so the task type is inferred from the last user
// message.
func (r *CompletionsRequest) Metadata() routing.Metadata {
	return routing.Metadata{
		TokenEstimate: routing.EstimateTokens(r.Prompt()),
		Importance:    routing.ImportanceNormal,
		TaskType:      routing.InferTaskType(r.LastUserContent()),
	}
}

// Completion is the OpenAI-compatible buffered response body.
type Completion struct {
	ID       string             `json:"id"`
	Object   string             `json:"object"`
	Created  int64              `json:"created"`
	Model    string             `json:"model"`
	Choices  []CompletionChoice `json:"choices"`
	Usage    CompletionUsage    `json:"usage"`
	Warnings []string           `json:"warnings,omitempty"`
}

// CompletionChoice is one completion result.
type CompletionChoice struct {
	Index        int           `json:"index"`
	Message      OpenAIMessage `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

// CompletionUsage carries estimated token counts. Upstream servers do
// not always report usage, so the char/4 estimate is used throughout.
type CompletionUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// NewCompletion builds a buffered completion response.
func NewCompletion(content, model, prompt string, warnings []string) Completion {
	return Completion{
		ID:      newCompletionID(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []CompletionChoice{
			{
				Index:        0,
				Message:      OpenAIMessage{Role: "assistant", Content: content},
				FinishReason: "stop",
			},
		},
		Usage: CompletionUsage{
			PromptTokens:     routing.EstimateTokens(prompt),
			CompletionTokens: routing.EstimateTokens(content),
			TotalTokens:      routing.EstimateTokens(prompt) + routing.EstimateTokens(content),
		},
		Warnings: warnings,
	}
}

// CompletionChunk is one SSE event payload in a streamed completion.
type CompletionChunk struct {
	ID       string        `json:"id"`
	Object   string        `json:"object"`
	Created  int64         `json:"created"`
	Model    string        `json:"model"`
	Choices  []ChunkChoice `json:"choices"`
	Warnings []string      `json:"warnings,omitempty"`
}

// ChunkChoice is the delta element of a streamed chunk.
type ChunkChoice struct {
	Index        int        `json:"index"`
	Delta        ChunkDelta `json:"delta"`
	FinishReason *string    `json:"finish_reason"`
}

// ChunkDelta carries the incremental payload.
type ChunkDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

func newCompletionID() string {
	return "chatcmpl-" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// OpenAIError is the error body shape OpenAI SDKs expect.
type OpenAIError struct {
	Error OpenAIErrorBody `json:"error"`
}

// OpenAIErrorBody is the inner error object.
type OpenAIErrorBody struct {
	Message string  `json:"message"`
	Type    string  `json:"type"`
	Param   *string `json:"param"`
	Code    *string `json:"code"`
}

// NewOpenAIError builds an error body, choosing the error type from
// the HTTP status.
func NewOpenAIError(status int, message string) OpenAIError {
	errType := "server_error"
	if status >= 400 && status < 500 {
		errType = "invalid_request_error"
	}
	return OpenAIError{Error: OpenAIErrorBody{Message: message, Type: errType}}
}
