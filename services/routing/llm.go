package routing

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/tiergate/tiergate/config"
	"github.com/tiergate/tiergate/services"
	"github.com/tiergate/tiergate/services/registry"
	"github.com/tiergate/tiergate/services/selector"
)

// maxRouterAttempts bounds retries of the classification call across
// router-tier endpoints.
const maxRouterAttempts = 2

// maxPromptChars is the truncation limit for the user message embedded
// in the router prompt, measured in code points.
const maxPromptChars = 500

// maxRouterResponse caps the accepted router response size. The
// expected answer is one word; anything over 1 KiB means the model is
// not following instructions.
const maxRouterResponse = 1024

// refusalPatterns mark a router response as a refusal rather than a
// classification. Checked before keyword matching.
var refusalPatterns = []string{
	"CANNOT", "CAN'T", "UNABLE", "ERROR", "SORRY", "REFUSE", "FAILED", "TIMEOUT",
}

// routerClient is the slice of the upstream client the LLM router
// needs. Satisfied by *openai.Client.
type routerClient interface {
	Query(ctx context.Context, ep config.Endpoint, prompt string, timeout time.Duration) (string, error)
}

// LLMRouter asks a designated tier's model to classify the request
// into a target tier.
//
// Transport failures are retried on a different router-tier endpoint;
// unparseable or refused responses are systemic and fail immediately.
// Silent defaulting on garbled output is deliberately not done: a
// misbehaving router model should be visible, not papered over.
type LLMRouter struct {
	selector   *selector.Selector
	registry   *registry.Registry
	client     routerClient
	routerTier config.Tier
	timeout    time.Duration
	logger     *zap.Logger
}

// NewLLMRouter builds an LLM router using cfg's router tier and that
// tier's effective timeout.
func NewLLMRouter(cfg *config.Config, sel *selector.Selector, reg *registry.Registry, client routerClient, logger *zap.Logger) *LLMRouter {
	tier := cfg.RouterTier()
	return &LLMRouter{
		selector:   sel,
		registry:   reg,
		client:     client,
		routerTier: tier,
		timeout:    time.Duration(cfg.TimeoutForTier(tier)) * time.Second,
		logger:     logger,
	}
}

// Route classifies the request via the router tier.
func (r *LLMRouter) Route(ctx context.Context, message string, meta Metadata) (Decision, error) {
	prompt := buildRouterPrompt(message, meta)

	exclude := selector.NewExclusionSet()
	var warnings []string
	var lastErr error

	for attempt := 1; attempt <= maxRouterAttempts; attempt++ {
		ep, ok := r.selector.Select(r.routerTier, exclude)
		if !ok {
			return Decision{}, services.Routingf(
				"no healthy router endpoints in tier %s (attempt %d/%d)",
				r.routerTier, attempt, maxRouterAttempts)
		}

		response, err := r.client.Query(ctx, ep, prompt, r.timeout)
		if err != nil {
			if !services.IsRetryable(err) {
				return Decision{}, err
			}

			r.logger.Warn("router query failed, trying another endpoint",
				zap.String("endpoint", ep.Name),
				zap.Int("attempt", attempt),
				zap.Error(err))

			if herr := r.registry.MarkFailure(ep.Name); herr != nil {
				warnings = append(warnings, fmt.Sprintf("health tracking failed for %s: %v", ep.Name, herr))
			}
			exclude.Add(ep.Name)
			lastErr = err
			continue
		}

		if len(response) > maxRouterResponse {
			return Decision{}, services.Routingf(
				"router response from %s exceeded %d bytes (got %d); model not following instructions",
				ep.Name, maxRouterResponse, len(response))
		}

		tier, err := parseRoutingDecision(response)
		if err != nil {
			// Systemic: the endpoint answered, the model misbehaved.
			r.logger.Error("router response unparseable",
				zap.String("endpoint", ep.Name),
				zap.String("response", truncateForLog(response)),
				zap.Error(err))
			return Decision{}, err
		}

		if herr := r.registry.MarkSuccess(ep.Name); herr != nil {
			warnings = append(warnings, fmt.Sprintf("health tracking failed for %s: %v", ep.Name, herr))
		}

		r.logger.Info("router decision",
			zap.String("endpoint", ep.Name),
			zap.String("target", string(tier)),
			zap.Int("attempt", attempt))

		return Decision{Target: tier, Strategy: StrategyLlm, Warnings: warnings}, nil
	}

	if lastErr != nil {
		return Decision{}, services.Routingf("router attempts exhausted: %v", lastErr)
	}
	return Decision{}, services.Routingf("router attempts exhausted")
}

// buildRouterPrompt renders the classification prompt: fixed tier
// descriptions, the (truncated) user message, the metadata, and the
// one-word instruction.
func buildRouterPrompt(message string, meta Metadata) string {
	runes := []rune(message)
	if len(runes) > maxPromptChars {
		message = string(runes[:maxPromptChars]) + "... [truncated]"
	}

	return fmt.Sprintf(
		"You are a router that chooses which model tier should answer a request.\n\n"+
			"Available tiers:\n"+
			"- FAST: small model for simple chat, short questions, casual tasks.\n"+
			"- BALANCED: medium model for coding, summaries, explanations.\n"+
			"- DEEP: large model for creative writing, complex analysis, research.\n\n"+
			"User request:\n%s\n\n"+
			"Metadata:\n"+
			"- Estimated tokens: %d\n"+
			"- Importance: %s\n"+
			"- Task type: %s\n\n"+
			"Respond with exactly one of: FAST, BALANCED, DEEP.\n"+
			"Do not include explanations or other text.",
		message, meta.TokenEstimate, meta.Importance, meta.TaskType)
}

// parseRoutingDecision extracts the tier keyword from the router
// response. Matching is word-boundary aware so BREAKFAST does not
// match FAST; the leftmost keyword wins when several appear.
func parseRoutingDecision(response string) (config.Tier, error) {
	normalized := strings.ToUpper(strings.TrimSpace(response))

	if normalized == "" {
		return "", services.NewDomainError(services.ErrorTypeRouting,
			"router returned empty response", nil)
	}

	for _, pattern := range refusalPatterns {
		if strings.Contains(normalized, pattern) {
			return "", services.Routingf(
				"router refused or errored (contains %q): %s", pattern, truncateForLog(response))
		}
	}

	type match struct {
		pos  int
		tier config.Tier
	}
	best := match{pos: -1}
	for keyword, tier := range map[string]config.Tier{
		"FAST":     config.TierFast,
		"BALANCED": config.TierBalanced,
		"DEEP":     config.TierDeep,
	} {
		if pos, ok := findWord(normalized, keyword); ok {
			if best.pos < 0 || pos < best.pos {
				best = match{pos: pos, tier: tier}
			}
		}
	}

	if best.pos < 0 {
		return "", services.Routingf("router response unparseable: %s", truncateForLog(response))
	}
	return best.tier, nil
}

// findWord locates the first occurrence of word in text surrounded by
// word boundaries (non-alphanumeric or text edge).
func findWord(text, word string) (int, bool) {
	for start := 0; ; {
		idx := strings.Index(text[start:], word)
		if idx < 0 {
			return 0, false
		}
		pos := start + idx
		end := pos + len(word)

		beforeOK := pos == 0 || !isASCIIAlnum(text[pos-1])
		afterOK := end >= len(text) || !isASCIIAlnum(text[end])
		if beforeOK && afterOK {
			return pos, true
		}
		start = pos + 1
	}
}

func isASCIIAlnum(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9')
}

func truncateForLog(s string) string {
	runes := []rune(s)
	if len(runes) > 100 {
		return string(runes[:100]) + "..."
	}
	return s
}
