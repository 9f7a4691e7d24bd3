// Package app wires the application together: configuration in,
// running services and handlers out. This is the central dependency
// injection point.
package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/tiergate/tiergate/config"
	"github.com/tiergate/tiergate/handlers"
	"github.com/tiergate/tiergate/internal/observability"
	"github.com/tiergate/tiergate/services/health"
	"github.com/tiergate/tiergate/services/providers/openai"
	"github.com/tiergate/tiergate/services/query"
	"github.com/tiergate/tiergate/services/registry"
	"github.com/tiergate/tiergate/services/routing"
	"github.com/tiergate/tiergate/services/selector"
)

// Dependencies holds every wired component of the router.
type Dependencies struct {
	Config   *config.Config
	Logger   *zap.Logger
	Metrics  *observability.Metrics
	Registry *registry.Registry
	Selector *selector.Selector
	Client   *openai.Client
	Router   routing.Router
	Executor *query.Executor
	Checker  *health.Checker

	// Handlers
	Chat        *handlers.ChatHandler
	Completions *handlers.CompletionsHandler
	Models      *handlers.ModelsHandler
	Health      *handlers.HealthHandler
}

// NewDependencies builds and wires all components from validated
// configuration. The health checker is constructed but not started;
// call Start to launch background work.
func NewDependencies(cfg *config.Config, logger *zap.Logger) (*Dependencies, error) {
	metrics, err := observability.NewMetrics()
	if err != nil {
		return nil, fmt.Errorf("initialize metrics: %w", err)
	}

	reg := registry.New(cfg)
	sel := selector.New(reg, logger)
	client := openai.NewClient(logger)
	router := routing.New(cfg, sel, reg, client, logger)
	executor := query.NewExecutor(cfg, sel, reg, client, metrics, logger)
	checker := health.New(reg, client, metrics, logger)

	deps := &Dependencies{
		Config:   cfg,
		Logger:   logger,
		Metrics:  metrics,
		Registry: reg,
		Selector: sel,
		Client:   client,
		Router:   router,
		Executor: executor,
		Checker:  checker,

		Chat:        handlers.NewChatHandler(router, executor, metrics, logger),
		Completions: handlers.NewCompletionsHandler(reg, router, executor, metrics, logger),
		Models:      handlers.NewModelsHandler(reg, logger),
		Health:      handlers.NewHealthHandler(checker, metrics, logger),
	}

	logger.Info("dependencies initialized",
		zap.Int("endpoints", len(reg.AllEndpoints())),
		zap.String("strategy", cfg.Routing.Strategy),
		zap.String("router_tier", string(cfg.RouterTier())))

	return deps, nil
}

// Start launches background work (the supervised health checker).
func (d *Dependencies) Start(ctx context.Context) {
	d.Checker.Start(ctx)
}
