package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/tiergate/tiergate/config"
	"github.com/tiergate/tiergate/internal/observability"
	"github.com/tiergate/tiergate/services"
	"github.com/tiergate/tiergate/services/query"
	"github.com/tiergate/tiergate/services/registry"
	"github.com/tiergate/tiergate/services/routing"
	"github.com/tiergate/tiergate/utils"
)

// CompletionsHandler serves POST /v1/chat/completions.
type CompletionsHandler struct {
	registry *registry.Registry
	router   routing.Router
	executor Executor
	metrics  *observability.Metrics
	logger   *zap.Logger
}

// NewCompletionsHandler creates a CompletionsHandler.
func NewCompletionsHandler(reg *registry.Registry, router routing.Router, executor Executor, metrics *observability.Metrics, logger *zap.Logger) *CompletionsHandler {
	return &CompletionsHandler{
		registry: reg,
		router:   router,
		executor: executor,
		metrics:  metrics,
		logger:   logger,
	}
}

// modelTarget is the resolved meaning of the request's model field.
type modelTarget struct {
	decision routing.Decision
	// endpoint is set when the user named a specific endpoint; that
	// disables the retry loop.
	endpoint *config.Endpoint
}

// HandleCompletions handles POST /v1/chat/completions, dispatching to
// the streaming path when stream is set.
func (h *CompletionsHandler) HandleCompletions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetReqID(ctx)

	var req CompletionsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Warn("failed to parse completions request",
			zap.String("request_id", requestID),
			zap.Error(err))
		h.writeOpenAIError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	if err := utils.ValidateStruct(&req); err != nil {
		h.writeOpenAIError(w, http.StatusBadRequest, err.Error())
		return
	}

	prompt := req.Prompt()

	target, err := h.resolveModel(ctx, &req, prompt, requestID)
	if err != nil {
		h.logger.Error("model resolution failed",
			zap.String("request_id", requestID),
			zap.String("model", req.Model),
			zap.Error(err))
		h.writeOpenAIError(w, statusForError(err), err.Error())
		return
	}

	if req.Stream {
		h.streamCompletion(w, r, target, prompt, requestID)
		return
	}

	var result query.Result
	if target.endpoint != nil {
		// The user picked the endpoint; no retry on failure.
		result, err = h.executor.ExecuteDirect(ctx, *target.endpoint, target.decision.Strategy, prompt)
	} else {
		result, err = h.executor.Execute(ctx, target.decision, prompt)
	}
	if err != nil {
		h.logger.Error("completion failed",
			zap.String("request_id", requestID),
			zap.String("model", req.Model),
			zap.Error(err))
		h.writeOpenAIError(w, statusForError(err), err.Error())
		return
	}

	h.logger.Info("completion succeeded",
		zap.String("request_id", requestID),
		zap.String("endpoint", result.Endpoint.Name),
		zap.String("tier", string(result.Tier)),
		zap.Int("response_length", len(result.Content)))

	response := NewCompletion(result.Content, result.Endpoint.Name, prompt, result.Warnings)
	if err := utils.WriteOK(w, response); err != nil {
		h.logger.Error("failed to write completion response",
			zap.String("request_id", requestID),
			zap.Error(err))
	}
}

// resolveModel interprets the model field: "auto" routes, a tier name
// pins the tier, anything else must be a configured endpoint name.
// Pinned tiers and endpoints record strategy "rule" (the user decided,
// no LLM was involved).
func (h *CompletionsHandler) resolveModel(ctx context.Context, req *CompletionsRequest, prompt, requestID string) (modelTarget, error) {
	switch req.Model {
	case "auto":
		routingStart := time.Now()
		decision, err := h.router.Route(ctx, prompt, req.Metadata())
		if err != nil {
			return modelTarget{}, err
		}
		routingMs := float64(time.Since(routingStart).Microseconds()) / 1000.0

		h.logger.Info("routing decision",
			zap.String("request_id", requestID),
			zap.String("tier", string(decision.Target)),
			zap.String("strategy", string(decision.Strategy)),
			zap.Float64("routing_ms", routingMs))

		decision.Warnings = append(decision.Warnings,
			query.RecordRoutingMetrics(h.metrics, h.logger, decision, routingMs)...)
		return modelTarget{decision: decision}, nil

	case string(config.TierFast), string(config.TierBalanced), string(config.TierDeep):
		tier, _ := config.ParseTier(req.Model)
		decision := routing.Decision{Target: tier, Strategy: routing.StrategyRule}
		decision.Warnings = query.RecordRoutingMetrics(h.metrics, h.logger, decision, 0)

		h.logger.Info("direct tier selection",
			zap.String("request_id", requestID),
			zap.String("tier", string(tier)))
		return modelTarget{decision: decision}, nil

	default:
		ep, err := h.registry.EndpointByName(req.Model)
		if err != nil {
			return modelTarget{}, services.Validationf(
				"model %q not found; expected auto, fast, balanced, deep, or a configured endpoint name", req.Model)
		}
		decision := routing.Decision{Target: ep.Tier, Strategy: routing.StrategyRule}
		decision.Warnings = query.RecordRoutingMetrics(h.metrics, h.logger, decision, 0)

		h.logger.Info("specific endpoint selection",
			zap.String("request_id", requestID),
			zap.String("endpoint", ep.Name),
			zap.String("tier", string(ep.Tier)))
		return modelTarget{decision: decision, endpoint: &ep}, nil
	}
}

func (h *CompletionsHandler) writeOpenAIError(w http.ResponseWriter, status int, message string) {
	if err := utils.WriteJSON(w, status, NewOpenAIError(status, message)); err != nil {
		h.logger.Error("failed to write error response", zap.Error(err))
	}
}
