package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/tiergate/tiergate/internal/observability"
	"github.com/tiergate/tiergate/services"
	"github.com/tiergate/tiergate/services/query"
	"github.com/tiergate/tiergate/services/routing"
	"github.com/tiergate/tiergate/utils"
)

// ChatRequest is the native chat request body.
type ChatRequest struct {
	Message    string `json:"message" validate:"required"`
	Importance string `json:"importance" validate:"omitempty,oneof=low normal high"`
	TaskType   string `json:"task_type" validate:"omitempty,oneof=casual_chat code creative_writing deep_analysis document_summary question_answer"`
}

// ChatResponse is the native chat response body.
type ChatResponse struct {
	Content         string   `json:"content"`
	ModelTier       string   `json:"model_tier"`
	ModelName       string   `json:"model_name"`
	RoutingStrategy string   `json:"routing_strategy"`
	Warnings        []string `json:"warnings,omitempty"`
}

// ChatHandler serves POST /chat.
type ChatHandler struct {
	router   routing.Router
	executor Executor
	metrics  *observability.Metrics
	logger   *zap.Logger
}

// NewChatHandler creates a ChatHandler.
func NewChatHandler(router routing.Router, executor Executor, metrics *observability.Metrics, logger *zap.Logger) *ChatHandler {
	return &ChatHandler{
		router:   router,
		executor: executor,
		metrics:  metrics,
		logger:   logger,
	}
}

// HandleChat handles POST /chat.
func (h *ChatHandler) HandleChat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetReqID(ctx)

	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Warn("failed to parse chat request",
			zap.String("request_id", requestID),
			zap.Error(err))
		_ = utils.WriteBadRequest(w, "invalid request body", nil)
		return
	}

	if err := utils.ValidateStruct(&req); err != nil {
		h.logger.Warn("chat request validation failed",
			zap.String("request_id", requestID),
			zap.Error(err))
		HandleServiceError(w, err, h.logger)
		return
	}

	meta, err := req.toMetadata()
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	routingStart := time.Now()
	decision, err := h.router.Route(ctx, req.Message, meta)
	if err != nil {
		h.logger.Error("routing failed",
			zap.String("request_id", requestID),
			zap.Error(err))
		HandleServiceError(w, err, h.logger)
		return
	}
	routingMs := float64(time.Since(routingStart).Microseconds()) / 1000.0

	decision.Warnings = append(decision.Warnings,
		query.RecordRoutingMetrics(h.metrics, h.logger, decision, routingMs)...)

	h.logger.Debug("routing decision",
		zap.String("request_id", requestID),
		zap.String("tier", string(decision.Target)),
		zap.String("strategy", string(decision.Strategy)),
		zap.Float64("routing_ms", routingMs))

	result, err := h.executor.Execute(ctx, decision, req.Message)
	if err != nil {
		h.logger.Error("chat execution failed",
			zap.String("request_id", requestID),
			zap.String("tier", string(decision.Target)),
			zap.Error(err))
		HandleServiceError(w, err, h.logger)
		return
	}

	h.logger.Info("chat completed",
		zap.String("request_id", requestID),
		zap.String("endpoint", result.Endpoint.Name),
		zap.String("tier", string(result.Tier)),
		zap.String("strategy", string(result.Strategy)),
		zap.Int("response_length", len(result.Content)))

	response := ChatResponse{
		Content:         result.Content,
		ModelTier:       string(result.Tier),
		ModelName:       result.Endpoint.Name,
		RoutingStrategy: string(result.Strategy),
		Warnings:        result.Warnings,
	}
	if err := utils.WriteOK(w, response); err != nil {
		h.logger.Error("failed to write chat response",
			zap.String("request_id", requestID),
			zap.Error(err))
	}
}

// toMetadata derives routing metadata from the request. Validation
// already constrained the enum fields; unparseable values are still
// rejected defensively.
func (req *ChatRequest) toMetadata() (routing.Metadata, error) {
	importance, ok := routing.ParseImportance(req.Importance)
	if !ok {
		return routing.Metadata{}, services.Validationf("invalid importance %q", req.Importance)
	}
	taskType, ok := routing.ParseTaskType(req.TaskType)
	if !ok {
		return routing.Metadata{}, services.Validationf("invalid task_type %q", req.TaskType)
	}

	return routing.Metadata{
		TokenEstimate: routing.EstimateTokens(req.Message),
		Importance:    importance,
		TaskType:      taskType,
	}, nil
}
