package routing

import (
	"context"

	"go.uber.org/zap"

	"github.com/tiergate/tiergate/config"
	"github.com/tiergate/tiergate/services"
	"github.com/tiergate/tiergate/services/selector"
)

// RuleRouter is the deterministic fast path: pure pattern matching on
// request metadata, no I/O.
type RuleRouter struct{}

// Evaluate runs the rules in their fixed order and returns the first
// matching tier, or false when no rule fires.
//
// The order is load-bearing. Rule 2 must run before rule 4 or
// high-importance question_answer requests would land on Balanced
// instead of Deep. CasualChat with high importance deliberately falls
// through every rule so the LLM router can adjudicate it.
func (RuleRouter) Evaluate(meta Metadata) (config.Tier, bool) {
	// Rule 1: short casual chat that is not high importance.
	if meta.TaskType == TaskCasualChat && meta.TokenEstimate < 256 && meta.Importance != ImportanceHigh {
		return config.TierFast, true
	}

	// Rule 2: high importance (except casual chat) or inherently deep work.
	if (meta.Importance == ImportanceHigh && meta.TaskType != TaskCasualChat) ||
		meta.TaskType == TaskDeepAnalysis || meta.TaskType == TaskCreativeWriting {
		return config.TierDeep, true
	}

	// Rule 3: code splits on size.
	if meta.TaskType == TaskCode {
		if meta.TokenEstimate > 1024 {
			return config.TierDeep, true
		}
		return config.TierBalanced, true
	}

	// Rule 4: medium-depth Q&A and summaries.
	if meta.TokenEstimate >= 200 && meta.TokenEstimate < 2048 &&
		(meta.TaskType == TaskQuestionAnswer || meta.TaskType == TaskDocumentSummary) {
		return config.TierBalanced, true
	}

	return "", false
}

// ruleStrategyRouter serves [routing].strategy = "rule": rules first,
// falling back to the selector's default tier when nothing matches.
type ruleStrategyRouter struct {
	rules    RuleRouter
	selector *selector.Selector
	logger   *zap.Logger
}

func (r *ruleStrategyRouter) Route(_ context.Context, _ string, meta Metadata) (Decision, error) {
	if tier, ok := r.rules.Evaluate(meta); ok {
		return Decision{Target: tier, Strategy: StrategyRule}, nil
	}

	tier := r.selector.DefaultTier()

	// The default tier is only useful if something in it can actually
	// take the request right now.
	if _, ok := r.selector.Select(tier, selector.NewExclusionSet()); !ok {
		return Decision{}, services.Routingf(
			"no rule matched and default tier %s has no healthy endpoints", tier)
	}

	r.logger.Info("no rule matched, using default tier",
		zap.String("tier", string(tier)),
		zap.Int("token_estimate", meta.TokenEstimate),
		zap.String("task_type", string(meta.TaskType)))

	return Decision{Target: tier, Strategy: StrategyRule}, nil
}
