// Package handlers implements the HTTP surface: the native /chat
// endpoint, the OpenAI-compatible /v1 endpoints, and the operational
// /models, /health, and /metrics endpoints.
//
// Handlers stay thin: parse and validate, call the routing and query
// services, map errors to status codes.
package handlers

import (
	"context"

	"github.com/tiergate/tiergate/config"
	"github.com/tiergate/tiergate/services/query"
	"github.com/tiergate/tiergate/services/routing"
)

// Executor is the slice of the query executor the handlers need.
// Satisfied by *query.Executor; mocked in tests.
type Executor interface {
	Execute(ctx context.Context, decision routing.Decision, prompt string) (query.Result, error)
	ExecuteStream(ctx context.Context, decision routing.Decision, prompt string, onStart func(query.StreamInfo), onChunk func(content string) error) error
	ExecuteDirect(ctx context.Context, ep config.Endpoint, strategy routing.Strategy, prompt string) (query.Result, error)
	ExecuteDirectStream(ctx context.Context, ep config.Endpoint, strategy routing.Strategy, prompt string, onStart func(query.StreamInfo), onChunk func(content string) error) error
}
