package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tiergate/tiergate/config"
	"github.com/tiergate/tiergate/services"
	"github.com/tiergate/tiergate/services/query"
	"github.com/tiergate/tiergate/services/registry"
	"github.com/tiergate/tiergate/services/routing"
)

func completionsConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{RequestTimeoutSeconds: 30},
		Models: config.ModelsConfig{
			Fast:     []config.Endpoint{testEndpoint("fast-1", config.TierFast)},
			Balanced: []config.Endpoint{testEndpoint("balanced-1", config.TierBalanced)},
			Deep:     []config.Endpoint{testEndpoint("deep-1", config.TierDeep)},
		},
	}
}

func newCompletionsHandler(t *testing.T, router routing.Router, executor Executor) *CompletionsHandler {
	t.Helper()
	reg := registry.New(completionsConfig())
	return NewCompletionsHandler(reg, router, executor, newMetrics(t), zap.NewNop())
}

func postCompletions(t *testing.T, h *CompletionsHandler, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.HandleCompletions(rec, req)
	return rec
}

func userMessage(content string) []OpenAIMessage {
	return []OpenAIMessage{{Role: "user", Content: content}}
}

func TestCompletionsAutoRouting(t *testing.T) {
	router := &fakeRouter{decision: routing.Decision{Target: config.TierBalanced, Strategy: routing.StrategyLlm}}
	executor := &fakeExecutor{result: query.Result{
		Content:  "routed answer",
		Endpoint: testEndpoint("balanced-1", config.TierBalanced),
		Tier:     config.TierBalanced,
		Strategy: routing.StrategyLlm,
	}}
	h := newCompletionsHandler(t, router, executor)

	rec := postCompletions(t, h, CompletionsRequest{Model: "auto", Messages: userMessage("Explain Go channels")})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp Completion
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "chat.completion", resp.Object)
	assert.True(t, strings.HasPrefix(resp.ID, "chatcmpl-"))
	assert.Equal(t, "balanced-1", resp.Model)
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, "assistant", resp.Choices[0].Message.Role)
	assert.Equal(t, "routed answer", resp.Choices[0].Message.Content)
	assert.Equal(t, "stop", resp.Choices[0].FinishReason)
	assert.Equal(t, 1, router.calls)
}

func TestCompletionsDirectTierBypassesRouter(t *testing.T) {
	router := &fakeRouter{}
	executor := &fakeExecutor{result: query.Result{
		Content:  "fast answer",
		Endpoint: testEndpoint("fast-1", config.TierFast),
		Tier:     config.TierFast,
		Strategy: routing.StrategyRule,
	}}
	h := newCompletionsHandler(t, router, executor)

	rec := postCompletions(t, h, CompletionsRequest{Model: "fast", Messages: userMessage("quick question")})
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, 0, router.calls, "tier pinning skips the router")
	assert.Equal(t, config.TierFast, executor.gotDecision.Target)
	assert.Equal(t, routing.StrategyRule, executor.gotDecision.Strategy)
	assert.Nil(t, executor.directEndpoint, "tier pinning still uses the retry loop")
}

func TestCompletionsSpecificEndpointNoRetry(t *testing.T) {
	router := &fakeRouter{}
	executor := &fakeExecutor{result: query.Result{
		Content:  "pinned answer",
		Endpoint: testEndpoint("deep-1", config.TierDeep),
		Tier:     config.TierDeep,
		Strategy: routing.StrategyRule,
	}}
	h := newCompletionsHandler(t, router, executor)

	rec := postCompletions(t, h, CompletionsRequest{Model: "deep-1", Messages: userMessage("hi")})
	require.Equal(t, http.StatusOK, rec.Code)

	require.NotNil(t, executor.directEndpoint, "named endpoint goes through the direct path")
	assert.Equal(t, "deep-1", executor.directEndpoint.Name)
	assert.Equal(t, 0, router.calls)
}

func TestCompletionsUnknownModel(t *testing.T) {
	h := newCompletionsHandler(t, &fakeRouter{}, &fakeExecutor{})

	rec := postCompletions(t, h, CompletionsRequest{Model: "gpt-99", Messages: userMessage("hi")})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var body OpenAIError
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "invalid_request_error", body.Error.Type)
	assert.Contains(t, body.Error.Message, "gpt-99")
}

func TestCompletionsValidation(t *testing.T) {
	h := newCompletionsHandler(t, &fakeRouter{}, &fakeExecutor{})

	t.Run("missing model", func(t *testing.T) {
		rec := postCompletions(t, h, map[string]interface{}{"messages": userMessage("hi")})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("empty messages", func(t *testing.T) {
		rec := postCompletions(t, h, map[string]interface{}{"model": "auto", "messages": []OpenAIMessage{}})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("bad role", func(t *testing.T) {
		rec := postCompletions(t, h, map[string]interface{}{
			"model":    "auto",
			"messages": []map[string]string{{"role": "robot", "content": "hi"}},
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestCompletionsErrorMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{services.ErrNoHealthyEndpoints, http.StatusServiceUnavailable},
		{services.Timeoutf("http://x/v1", 30), http.StatusGatewayTimeout},
		{services.Upstreamf("http://x/v1", nil, "boom"), http.StatusBadGateway},
	}

	for _, tc := range cases {
		router := &fakeRouter{decision: routing.Decision{Target: config.TierFast, Strategy: routing.StrategyRule}}
		executor := &fakeExecutor{err: tc.err}
		h := newCompletionsHandler(t, router, executor)

		rec := postCompletions(t, h, CompletionsRequest{Model: "auto", Messages: userMessage("hi")})
		assert.Equal(t, tc.status, rec.Code)

		var body OpenAIError
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
		assert.NotEmpty(t, body.Error.Message)
	}
}

func TestCompletionsStreaming(t *testing.T) {
	router := &fakeRouter{decision: routing.Decision{Target: config.TierFast, Strategy: routing.StrategyRule}}
	executor := &fakeExecutor{
		streamChunks: []string{"Hel", "lo"},
		streamInfo: query.StreamInfo{
			Endpoint: testEndpoint("fast-1", config.TierFast),
			Tier:     config.TierFast,
			Strategy: routing.StrategyRule,
		},
	}
	h := newCompletionsHandler(t, router, executor)

	rec := postCompletions(t, h, CompletionsRequest{Model: "auto", Stream: true, Messages: userMessage("hi")})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	body := rec.Body.String()
	events := parseSSE(t, body)

	// Role announcement first, then content deltas, then finish.
	require.GreaterOrEqual(t, len(events), 4)
	assert.Equal(t, "assistant", events[0].Choices[0].Delta.Role)
	assert.Equal(t, "Hel", events[1].Choices[0].Delta.Content)
	assert.Equal(t, "lo", events[2].Choices[0].Delta.Content)
	require.NotNil(t, events[3].Choices[0].FinishReason)
	assert.Equal(t, "stop", *events[3].Choices[0].FinishReason)

	assert.True(t, strings.HasSuffix(strings.TrimSpace(body), "data: [DONE]"))
}

func parseSSE(t *testing.T, body string) []CompletionChunk {
	t.Helper()
	var events []CompletionChunk
	for _, line := range strings.Split(body, "\n") {
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok || data == "[DONE]" {
			continue
		}
		var chunk CompletionChunk
		require.NoError(t, json.Unmarshal([]byte(data), &chunk))
		events = append(events, chunk)
	}
	return events
}

func TestCompletionsStreamingMidFlightError(t *testing.T) {
	router := &fakeRouter{decision: routing.Decision{Target: config.TierFast, Strategy: routing.StrategyRule}}
	executor := &fakeExecutor{
		streamChunks: []string{"partial"},
		streamInfo: query.StreamInfo{
			Endpoint: testEndpoint("fast-1", config.TierFast),
			Tier:     config.TierFast,
			Strategy: routing.StrategyRule,
		},
		streamErr: services.StreamInterruptedf("http://fast-1/v1", 7, nil),
	}
	h := newCompletionsHandler(t, router, executor)

	rec := postCompletions(t, h, CompletionsRequest{Model: "auto", Stream: true, Messages: userMessage("hi")})

	// Headers were already committed as 200; the break arrives as an
	// error event, and no [DONE] follows.
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "partial")
	assert.Contains(t, body, `"error"`)
	assert.NotContains(t, body, "[DONE]")
}

func TestCompletionsStreamingPreByteError(t *testing.T) {
	router := &fakeRouter{decision: routing.Decision{Target: config.TierFast, Strategy: routing.StrategyRule}}
	executor := &fakeExecutor{streamErr: services.ErrNoHealthyEndpoints}
	h := newCompletionsHandler(t, router, executor)

	rec := postCompletions(t, h, CompletionsRequest{Model: "auto", Stream: true, Messages: userMessage("hi")})

	// Nothing was streamed, so the failure is an ordinary JSON error.
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var body OpenAIError
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.NotEmpty(t, body.Error.Message)
}

func TestCompletionsWarningsInResponse(t *testing.T) {
	router := &fakeRouter{decision: routing.Decision{Target: config.TierFast, Strategy: routing.StrategyRule}}
	executor := &fakeExecutor{result: query.Result{
		Content:  "ok",
		Endpoint: testEndpoint("fast-1", config.TierFast),
		Tier:     config.TierFast,
		Strategy: routing.StrategyRule,
		Warnings: []string{"health tracking degraded"},
	}}
	h := newCompletionsHandler(t, router, executor)

	rec := postCompletions(t, h, CompletionsRequest{Model: "auto", Messages: userMessage("hi")})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp Completion
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, []string{"health tracking degraded"}, resp.Warnings)
}

func TestCompletionsPromptFlattening(t *testing.T) {
	req := &CompletionsRequest{
		Model: "auto",
		Messages: []OpenAIMessage{
			{Role: "system", Content: "You are helpful."},
			{Role: "user", Content: "Hello"},
		},
	}
	prompt := req.Prompt()
	assert.Contains(t, prompt, "system: You are helpful.")
	assert.Contains(t, prompt, "user: Hello")

	single := &CompletionsRequest{Model: "auto", Messages: userMessage("just this")}
	assert.Equal(t, "just this", single.Prompt())
}

func TestCompletionsMetadataInference(t *testing.T) {
	req := &CompletionsRequest{Model: "auto", Messages: userMessage("Please implement a function for me")}
	meta := req.Metadata()
	assert.Equal(t, routing.TaskCode, meta.TaskType)
	assert.Equal(t, routing.ImportanceNormal, meta.Importance)
	assert.Greater(t, meta.TokenEstimate, 0)
}
