package routing

import (
	"context"

	"go.uber.org/zap"

	"github.com/tiergate/tiergate/config"
	"github.com/tiergate/tiergate/services/registry"
	"github.com/tiergate/tiergate/services/selector"
)

// HybridRouter composes the rule engine with the LLM classifier: rules
// decide the unambiguous majority at zero latency, the LLM adjudicates
// the remainder.
type HybridRouter struct {
	rules  RuleRouter
	llm    *LLMRouter
	logger *zap.Logger
}

// NewHybridRouter builds the hybrid composition.
func NewHybridRouter(llm *LLMRouter, logger *zap.Logger) *HybridRouter {
	return &HybridRouter{llm: llm, logger: logger}
}

// Route tries the rules first and falls back to the LLM router. The
// decision carries the strategy that actually fired; "hybrid" is never
// a recorded label.
func (h *HybridRouter) Route(ctx context.Context, message string, meta Metadata) (Decision, error) {
	if tier, ok := h.rules.Evaluate(meta); ok {
		h.logger.Debug("rule matched",
			zap.String("target", string(tier)),
			zap.String("task_type", string(meta.TaskType)),
			zap.Int("token_estimate", meta.TokenEstimate))
		return Decision{Target: tier, Strategy: StrategyRule}, nil
	}

	h.logger.Debug("no rule matched, delegating to LLM router",
		zap.String("task_type", string(meta.TaskType)),
		zap.String("importance", string(meta.Importance)))

	return h.llm.Route(ctx, message, meta)
}

// New builds the Router matching [routing].strategy.
func New(cfg *config.Config, sel *selector.Selector, reg *registry.Registry, client routerClient, logger *zap.Logger) Router {
	switch cfg.Routing.Strategy {
	case config.StrategyRule:
		return &ruleStrategyRouter{selector: sel, logger: logger}
	case config.StrategyLlm:
		return NewLLMRouter(cfg, sel, reg, client, logger)
	default:
		return NewHybridRouter(NewLLMRouter(cfg, sel, reg, client, logger), logger)
	}
}
