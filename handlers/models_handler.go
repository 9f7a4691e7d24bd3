package handlers

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/tiergate/tiergate/config"
	"github.com/tiergate/tiergate/services/registry"
	"github.com/tiergate/tiergate/utils"
)

// ModelStatus is one entry of the GET /models response.
type ModelStatus struct {
	Name                string `json:"name"`
	Tier                string `json:"tier"`
	Endpoint            string `json:"endpoint"`
	Healthy             bool   `json:"healthy"`
	LastCheckSecondsAgo int64  `json:"last_check_seconds_ago"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
}

// ModelsResponse is the GET /models response body.
type ModelsResponse struct {
	Models []ModelStatus `json:"models"`
}

// ModelsHandler serves the endpoint status surfaces.
type ModelsHandler struct {
	registry *registry.Registry
	logger   *zap.Logger
}

// NewModelsHandler creates a ModelsHandler.
func NewModelsHandler(reg *registry.Registry, logger *zap.Logger) *ModelsHandler {
	return &ModelsHandler{registry: reg, logger: logger}
}

// HandleModels handles GET /models: per-endpoint health state. During
// the first probe interval the values reflect the optimistic initial
// state, with last_check measured from process start.
func (h *ModelsHandler) HandleModels(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	endpoints := h.registry.AllEndpoints()
	models := make([]ModelStatus, 0, len(endpoints))

	for _, ep := range endpoints {
		snap, err := h.registry.Snapshot(ep.Name)
		if err != nil {
			// Registry built both maps from the same config; a miss
			// here is an internal inconsistency worth logging.
			h.logger.Error("missing health record", zap.String("endpoint", ep.Name), zap.Error(err))
			continue
		}
		models = append(models, ModelStatus{
			Name:                ep.Name,
			Tier:                string(ep.Tier),
			Endpoint:            ep.BaseURL,
			Healthy:             snap.Healthy,
			LastCheckSecondsAgo: snap.LastCheckSecondsAgo(now),
			ConsecutiveFailures: snap.ConsecutiveFailures,
		})
	}

	if err := utils.WriteOK(w, ModelsResponse{Models: models}); err != nil {
		h.logger.Error("failed to write models response", zap.Error(err))
	}
}

// OpenAIModel is one entry of the GET /v1/models list.
type OpenAIModel struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// OpenAIModelList is the GET /v1/models response body.
type OpenAIModelList struct {
	Object string        `json:"object"`
	Data   []OpenAIModel `json:"data"`
}

// HandleOpenAIModels handles GET /v1/models: the routing aliases plus
// every configured endpoint, in the OpenAI list shape.
func (h *ModelsHandler) HandleOpenAIModels(w http.ResponseWriter, r *http.Request) {
	created := time.Now().Unix()

	data := []OpenAIModel{
		{ID: "auto", Object: "model", Created: created, OwnedBy: "tiergate"},
		{ID: string(config.TierFast), Object: "model", Created: created, OwnedBy: "tiergate"},
		{ID: string(config.TierBalanced), Object: "model", Created: created, OwnedBy: "tiergate"},
		{ID: string(config.TierDeep), Object: "model", Created: created, OwnedBy: "tiergate"},
	}
	for _, ep := range h.registry.AllEndpoints() {
		data = append(data, OpenAIModel{ID: ep.Name, Object: "model", Created: created, OwnedBy: "tiergate"})
	}

	if err := utils.WriteOK(w, OpenAIModelList{Object: "list", Data: data}); err != nil {
		h.logger.Error("failed to write v1 models response", zap.Error(err))
	}
}
