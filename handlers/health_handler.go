package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/tiergate/tiergate/internal/observability"
	"github.com/tiergate/tiergate/services/health"
	"github.com/tiergate/tiergate/utils"
)

// HealthResponse is the GET /health response body.
type HealthResponse struct {
	Status                 string `json:"status"`
	HealthTrackingStatus   string `json:"health_tracking_status"`
	MetricsRecordingStatus string `json:"metrics_recording_status"`
	BackgroundTaskStatus   string `json:"background_task_status"`
	BackgroundTaskFailures uint64 `json:"background_task_failures"`
}

// HealthHandler serves GET /health.
type HealthHandler struct {
	checker *health.Checker
	metrics *observability.Metrics
	logger  *zap.Logger
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(checker *health.Checker, metrics *observability.Metrics, logger *zap.Logger) *HealthHandler {
	return &HealthHandler{checker: checker, metrics: metrics, logger: logger}
}

// HandleHealth reports subsystem status. The endpoint itself always
// answers 200: a degraded subsystem is operator information, not an
// outage.
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	healthTracking := health.StatusOperational
	if h.metrics.HealthTrackingFailureCount() > 0 {
		healthTracking = health.StatusDegraded
	}

	metricsRecording := health.StatusOperational
	if h.metrics.MetricsRecordingFailureCount() > 0 {
		metricsRecording = health.StatusDegraded
	}

	background := h.checker.Status()

	overall := health.StatusOperational
	if healthTracking != health.StatusOperational ||
		metricsRecording != health.StatusOperational ||
		background != health.StatusOperational {
		overall = health.StatusDegraded
	}

	response := HealthResponse{
		Status:                 overall,
		HealthTrackingStatus:   healthTracking,
		MetricsRecordingStatus: metricsRecording,
		BackgroundTaskStatus:   background,
		BackgroundTaskFailures: h.checker.RestartCount(),
	}

	if err := utils.WriteOK(w, response); err != nil {
		h.logger.Error("failed to write health response", zap.Error(err))
	}
}
