package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/tiergate/tiergate/services"
	"github.com/tiergate/tiergate/utils"
)

// HandleServiceError maps pipeline errors to HTTP responses with the
// body shape {"error": "..."}.
//
// Mapping: validation 400; config/internal 500; routing failures and
// upstream errors (including unparseable router output and broken
// streams) 502; empty selector 503; per-attempt timeout 504.
func HandleServiceError(w http.ResponseWriter, err error, logger *zap.Logger) {
	if err == nil {
		return
	}

	details := services.GetErrorDetails(err)

	switch {
	case utils.IsValidationError(err):
		fields := utils.GetValidationFields(err)
		d := make(map[string]interface{}, len(fields))
		for k, v := range fields {
			d[k] = v
		}
		writeErr(w, logger, utils.WriteBadRequest(w, err.Error(), d))

	case services.IsValidationError(err):
		writeErr(w, logger, utils.WriteBadRequest(w, err.Error(), details))

	case services.IsNoHealthyEndpointsError(err):
		writeErr(w, logger, utils.WriteServiceUnavailable(w, err.Error()))

	case services.IsTimeoutError(err):
		writeErr(w, logger, utils.WriteGatewayTimeout(w, err.Error(), details))

	case services.IsUpstreamError(err), services.IsUpstreamFatalError(err),
		services.IsStreamInterruptedError(err), services.IsRoutingError(err):
		writeErr(w, logger, utils.WriteBadGateway(w, err.Error(), details))

	case services.IsConfigError(err):
		logger.Error("configuration error at runtime", zap.Error(err))
		writeErr(w, logger, utils.WriteInternalServerError(w, err.Error()))

	default:
		logger.Error("unhandled error", zap.Error(err),
			zap.String("error_type", string(services.GetErrorType(err))))
		writeErr(w, logger, utils.WriteInternalServerError(w, "an unexpected error occurred"))
	}
}

func writeErr(w http.ResponseWriter, logger *zap.Logger, err error) {
	if err != nil {
		logger.Error("failed to write error response", zap.Error(err))
	}
}

// statusForError exposes the same mapping as a bare status code for
// the OpenAI-formatted error paths.
func statusForError(err error) int {
	switch {
	case utils.IsValidationError(err), services.IsValidationError(err):
		return http.StatusBadRequest
	case services.IsNoHealthyEndpointsError(err):
		return http.StatusServiceUnavailable
	case services.IsTimeoutError(err):
		return http.StatusGatewayTimeout
	case services.IsUpstreamError(err), services.IsUpstreamFatalError(err),
		services.IsStreamInterruptedError(err), services.IsRoutingError(err):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
