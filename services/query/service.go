// Package query is the shared execution layer behind every chat
// surface: it turns a routing decision into an upstream invocation
// with bounded retries, request-scoped endpoint exclusion, health
// bookkeeping, and a warning channel for non-fatal anomalies.
package query

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tiergate/tiergate/config"
	"github.com/tiergate/tiergate/internal/observability"
	"github.com/tiergate/tiergate/services"
	"github.com/tiergate/tiergate/services/registry"
	"github.com/tiergate/tiergate/services/routing"
	"github.com/tiergate/tiergate/services/selector"
)

// maxAttempts bounds distinct endpoints tried per request.
const maxAttempts = 3

// Invoker performs the actual wire calls. Satisfied by *openai.Client.
type Invoker interface {
	Query(ctx context.Context, ep config.Endpoint, prompt string, timeout time.Duration) (string, error)
	QueryStream(ctx context.Context, ep config.Endpoint, prompt string, timeout time.Duration, onChunk func(content string) error) error
}

// Result is a successful buffered execution.
type Result struct {
	Content  string
	Endpoint config.Endpoint
	Tier     config.Tier
	Strategy routing.Strategy
	Warnings []string
}

// StreamInfo describes the endpoint a stream is about to deliver from.
// Handed to the start callback right before the first chunk.
type StreamInfo struct {
	Endpoint config.Endpoint
	Tier     config.Tier
	Strategy routing.Strategy
	Warnings []string
}

// Executor runs routed queries against upstream endpoints.
type Executor struct {
	cfg      *config.Config
	selector *selector.Selector
	registry *registry.Registry
	invoker  Invoker
	metrics  *observability.Metrics
	logger   *zap.Logger
}

// NewExecutor builds the executor.
func NewExecutor(cfg *config.Config, sel *selector.Selector, reg *registry.Registry, invoker Invoker, metrics *observability.Metrics, logger *zap.Logger) *Executor {
	return &Executor{
		cfg:      cfg,
		selector: sel,
		registry: reg,
		invoker:  invoker,
		metrics:  metrics,
		logger:   logger,
	}
}

// Execute runs a buffered query: up to three attempts across distinct
// endpoints of the decided tier, each bounded by the tier timeout.
func (e *Executor) Execute(ctx context.Context, decision routing.Decision, prompt string) (Result, error) {
	exclude := selector.NewExclusionSet()
	warnings := append([]string(nil), decision.Warnings...)
	timeout := time.Duration(e.cfg.TimeoutForTier(decision.Target)) * time.Second

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		ep, ok := e.selector.Select(decision.Target, exclude)
		if !ok {
			return Result{}, e.noEndpointError(decision.Target, attempt, exclude, lastErr)
		}

		content, err := e.invoker.Query(ctx, ep, prompt, timeout)
		if err == nil && content == "" {
			err = services.Upstreamf(ep.BaseURL, nil, "empty response from %s", ep.BaseURL)
		}

		if err == nil {
			e.markSuccess(ep.Name, &warnings)
			e.recordInvocation(decision.Target, &warnings)

			e.logger.Info("query completed",
				zap.String("endpoint", ep.Name),
				zap.String("tier", string(decision.Target)),
				zap.Int("attempt", attempt),
				zap.Int("response_length", len(content)))

			return Result{
				Content:  content,
				Endpoint: ep,
				Tier:     decision.Target,
				Strategy: decision.Strategy,
				Warnings: warnings,
			}, nil
		}

		if !services.IsRetryable(err) {
			return Result{}, err
		}

		e.logger.Warn("endpoint query failed, excluding from retries",
			zap.String("endpoint", ep.Name),
			zap.Int("attempt", attempt),
			zap.Error(err))

		e.markFailure(ep.Name, &warnings)
		exclude.Add(ep.Name)
		lastErr = err
	}

	return Result{}, services.NewDomainError(services.ErrorTypeUpstream,
		fmt.Sprintf("retries exhausted after %d attempts", maxAttempts), lastErr)
}

// ExecuteStream runs a streamed query. Retries work exactly like the
// buffered path until the first chunk reaches onChunk; from then on
// the response is committed and a failure terminates the stream
// without another attempt.
//
// onStart runs once, before the first chunk of the winning attempt, so
// the caller can emit its preamble with endpoint info and any warnings
// gathered so far.
func (e *Executor) ExecuteStream(ctx context.Context, decision routing.Decision, prompt string, onStart func(StreamInfo), onChunk func(content string) error) error {
	exclude := selector.NewExclusionSet()
	warnings := append([]string(nil), decision.Warnings...)
	timeout := time.Duration(e.cfg.TimeoutForTier(decision.Target)) * time.Second

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		ep, ok := e.selector.Select(decision.Target, exclude)
		if !ok {
			return e.noEndpointError(decision.Target, attempt, exclude, lastErr)
		}

		bytesSent := 0
		err := e.invoker.QueryStream(ctx, ep, prompt, timeout, func(content string) error {
			if bytesSent == 0 {
				onStart(StreamInfo{
					Endpoint: ep,
					Tier:     decision.Target,
					Strategy: decision.Strategy,
					Warnings: warnings,
				})
			}
			bytesSent += len(content)
			return onChunk(content)
		})

		if err == nil {
			if bytesSent == 0 {
				// A stream that ends without producing anything is an
				// upstream failure, same as an empty buffered response.
				err = services.Upstreamf(ep.BaseURL, nil, "empty stream from %s", ep.BaseURL)
			} else {
				e.markSuccess(ep.Name, &warnings)
				e.recordInvocation(decision.Target, &warnings)
				return nil
			}
		}

		if bytesSent > 0 {
			// Bytes already reached the client; retrying would corrupt
			// the response. Mark the endpoint and surface the break.
			e.markFailure(ep.Name, &warnings)
			return services.StreamInterruptedf(ep.BaseURL, bytesSent, err)
		}

		if !services.IsRetryable(err) {
			return err
		}

		e.logger.Warn("stream attempt failed before first byte, retrying",
			zap.String("endpoint", ep.Name),
			zap.Int("attempt", attempt),
			zap.Error(err))

		e.markFailure(ep.Name, &warnings)
		exclude.Add(ep.Name)
		lastErr = err
	}

	return services.NewDomainError(services.ErrorTypeUpstream,
		fmt.Sprintf("retries exhausted after %d attempts", maxAttempts), lastErr)
}

// ExecuteDirect invokes one specific endpoint with no retry: the user
// picked it by name, so failing over to a different endpoint would
// silently override that choice.
func (e *Executor) ExecuteDirect(ctx context.Context, ep config.Endpoint, strategy routing.Strategy, prompt string) (Result, error) {
	var warnings []string
	timeout := time.Duration(e.cfg.TimeoutForTier(ep.Tier)) * time.Second

	content, err := e.invoker.Query(ctx, ep, prompt, timeout)
	if err == nil && content == "" {
		err = services.Upstreamf(ep.BaseURL, nil, "empty response from %s", ep.BaseURL)
	}
	if err != nil {
		if services.IsRetryable(err) {
			e.markFailure(ep.Name, &warnings)
		}
		return Result{}, err
	}

	e.markSuccess(ep.Name, &warnings)
	e.recordInvocation(ep.Tier, &warnings)

	return Result{
		Content:  content,
		Endpoint: ep,
		Tier:     ep.Tier,
		Strategy: strategy,
		Warnings: warnings,
	}, nil
}

// ExecuteDirectStream streams from one specific endpoint with no retry.
func (e *Executor) ExecuteDirectStream(ctx context.Context, ep config.Endpoint, strategy routing.Strategy, prompt string, onStart func(StreamInfo), onChunk func(content string) error) error {
	var warnings []string
	timeout := time.Duration(e.cfg.TimeoutForTier(ep.Tier)) * time.Second

	bytesSent := 0
	err := e.invoker.QueryStream(ctx, ep, prompt, timeout, func(content string) error {
		if bytesSent == 0 {
			onStart(StreamInfo{Endpoint: ep, Tier: ep.Tier, Strategy: strategy, Warnings: warnings})
		}
		bytesSent += len(content)
		return onChunk(content)
	})

	if err == nil && bytesSent == 0 {
		err = services.Upstreamf(ep.BaseURL, nil, "empty stream from %s", ep.BaseURL)
	}
	if err != nil {
		if services.IsRetryable(err) || bytesSent > 0 {
			e.markFailure(ep.Name, &warnings)
		}
		if bytesSent > 0 {
			return services.StreamInterruptedf(ep.BaseURL, bytesSent, err)
		}
		return err
	}

	e.markSuccess(ep.Name, &warnings)
	e.recordInvocation(ep.Tier, &warnings)
	return nil
}

// noEndpointError distinguishes "nothing was ever available" (503)
// from "we ran out of candidates mid-request" (the previous attempt's
// error stands).
func (e *Executor) noEndpointError(tier config.Tier, attempt int, exclude selector.ExclusionSet, lastErr error) error {
	e.logger.Error("no healthy endpoints for tier",
		zap.String("tier", string(tier)),
		zap.Int("attempt", attempt),
		zap.Int("configured", e.selector.EndpointCount(tier)),
		zap.Strings("excluded", exclude.Names()))

	if attempt > 1 && lastErr != nil {
		return lastErr
	}
	return services.NewDomainError(services.ErrorTypeNoHealthyEndpoints,
		fmt.Sprintf("no healthy endpoints for tier %s", tier), nil)
}

// markSuccess updates the health store after a successful invocation.
// A bookkeeping failure becomes a warning, never a request failure.
func (e *Executor) markSuccess(name string, warnings *[]string) {
	if err := e.registry.MarkSuccess(name); err != nil {
		e.logger.Warn("health tracking failed", zap.String("endpoint", name), zap.Error(err))
		e.metrics.HealthTrackingFailure(name, "unknown_endpoint")
		*warnings = append(*warnings, fmt.Sprintf("health tracking failed for %s: %v", name, err))
	}
}

func (e *Executor) markFailure(name string, warnings *[]string) {
	if err := e.registry.MarkFailure(name); err != nil {
		e.logger.Warn("health tracking failed", zap.String("endpoint", name), zap.Error(err))
		e.metrics.HealthTrackingFailure(name, "unknown_endpoint")
		*warnings = append(*warnings, fmt.Sprintf("health tracking failed for %s: %v", name, err))
	}
}

// recordInvocation counts a user-facing model invocation.
func (e *Executor) recordInvocation(tier config.Tier, warnings *[]string) {
	if err := e.metrics.RecordModelInvocation(string(tier)); err != nil {
		e.metrics.MetricsRecordingFailure("record_model_invocation")
		e.logger.Error("metrics recording failed", zap.Error(err))
		*warnings = append(*warnings, fmt.Sprintf("metrics recording failed: %v", err))
	}
}

// RecordRoutingMetrics records requests_total and routing_duration_ms
// for a completed routing decision. Failures degrade observability,
// never the request; they come back as warnings.
func RecordRoutingMetrics(m *observability.Metrics, logger *zap.Logger, decision routing.Decision, durationMs float64) []string {
	var warnings []string

	if err := m.RecordRequest(string(decision.Target), string(decision.Strategy)); err != nil {
		m.MetricsRecordingFailure("record_request")
		logger.Error("metrics recording failed", zap.Error(err))
		warnings = append(warnings, fmt.Sprintf("metrics recording failed: %v", err))
	}

	if err := m.RecordRoutingDuration(string(decision.Strategy), durationMs); err != nil {
		m.MetricsRecordingFailure("record_routing_duration")
		logger.Error("metrics recording failed", zap.Error(err))
		warnings = append(warnings, fmt.Sprintf("metrics recording failed: %v", err))
	}

	return warnings
}
