// Package config loads and validates the tiergate TOML configuration.
//
// Configuration is read once at startup, validated, and treated as
// immutable afterwards. Every other package receives a *Config (or a
// slice of it) and never mutates it.
package config

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

// Tier identifies a model size class. The set is closed: fast, balanced, deep.
type Tier string

const (
	TierFast     Tier = "fast"
	TierBalanced Tier = "balanced"
	TierDeep     Tier = "deep"
)

// Tiers lists all tiers in their canonical order.
var Tiers = []Tier{TierFast, TierBalanced, TierDeep}

// ParseTier converts a string to a Tier.
func ParseTier(s string) (Tier, error) {
	switch Tier(strings.ToLower(s)) {
	case TierFast:
		return TierFast, nil
	case TierBalanced:
		return TierBalanced, nil
	case TierDeep:
		return TierDeep, nil
	default:
		return "", fmt.Errorf("unknown tier %q (expected fast, balanced, or deep)", s)
	}
}

// Config is the root configuration structure.
type Config struct {
	Server        ServerConfig        `toml:"server"`
	Models        ModelsConfig        `toml:"models"`
	Routing       RoutingConfig       `toml:"routing"`
	Timeouts      TimeoutsConfig      `toml:"timeouts"`
	Observability ObservabilityConfig `toml:"observability"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host                  string `toml:"host"`
	Port                  int    `toml:"port"`
	RequestTimeoutSeconds int    `toml:"request_timeout_seconds"`
}

// Addr returns the host:port listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// ModelsConfig holds the endpoint lists for each tier.
type ModelsConfig struct {
	Fast     []Endpoint `toml:"fast"`
	Balanced []Endpoint `toml:"balanced"`
	Deep     []Endpoint `toml:"deep"`
}

// Endpoint describes one upstream OpenAI-compatible server.
//
// Endpoints are immutable after startup. Tier is filled in during
// normalization from the section the endpoint was declared in; Name is
// synthesized ("<tier>-<n>") when the operator leaves it empty.
type Endpoint struct {
	Name        string  `toml:"name"`
	BaseURL     string  `toml:"base_url"`
	Model       string  `toml:"model"`
	MaxTokens   int     `toml:"max_tokens"`
	Temperature float64 `toml:"temperature"`
	Weight      float64 `toml:"weight"`
	Priority    int     `toml:"priority"`
	Tier        Tier    `toml:"-"`
}

// RoutingConfig selects the routing strategy and the router tier.
type RoutingConfig struct {
	Strategy          string `toml:"strategy"`
	DefaultImportance string `toml:"default_importance"`
	RouterTier        string `toml:"router_tier"`
}

// Routing strategies accepted in [routing].strategy.
const (
	StrategyRule   = "rule"
	StrategyLlm    = "llm"
	StrategyHybrid = "hybrid"
)

// TimeoutsConfig carries optional per-tier timeout overrides in seconds.
// A nil field falls back to server.request_timeout_seconds.
type TimeoutsConfig struct {
	Fast     *int `toml:"fast"`
	Balanced *int `toml:"balanced"`
	Deep     *int `toml:"deep"`
}

// ObservabilityConfig holds logging settings.
type ObservabilityConfig struct {
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`
}

const (
	defaultRequestTimeoutSeconds = 30
	defaultTemperature           = 0.7
	defaultPriority              = 1

	// Per-attempt timeouts are bounded so that the worst case
	// (3 attempts x max timeout) stays predictable for operators.
	minTimeoutSeconds = 1
	maxTimeoutSeconds = 300
)

// Load reads, normalizes, and validates a TOML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config %s: %w", path, err)
	}

	return &cfg, nil
}

// normalize fills in defaults and derived fields after parsing.
func (c *Config) normalize() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 3000
	}
	if c.Server.RequestTimeoutSeconds == 0 {
		c.Server.RequestTimeoutSeconds = defaultRequestTimeoutSeconds
	}
	if c.Routing.Strategy == "" {
		c.Routing.Strategy = StrategyHybrid
	}
	if c.Routing.DefaultImportance == "" {
		c.Routing.DefaultImportance = "normal"
	}
	if c.Routing.RouterTier == "" {
		c.Routing.RouterTier = string(TierBalanced)
	}
	if c.Observability.LogLevel == "" {
		c.Observability.LogLevel = "info"
	}
	if c.Observability.LogFormat == "" {
		c.Observability.LogFormat = "json"
	}

	// Env overrides: explicit env beats file.
	if v := os.Getenv("TIERGATE_HOST"); v != "" {
		c.Server.Host = v
	}
	if v := os.Getenv("TIERGATE_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("TIERGATE_LOG_LEVEL"); v != "" {
		c.Observability.LogLevel = v
	}

	normalizeTier := func(tier Tier, endpoints []Endpoint) {
		for i := range endpoints {
			ep := &endpoints[i]
			ep.Tier = tier
			if ep.Name == "" {
				ep.Name = fmt.Sprintf("%s-%d", tier, i+1)
			}
			if ep.Model == "" {
				ep.Model = ep.Name
			}
			if ep.Temperature == 0 {
				ep.Temperature = defaultTemperature
			}
			if ep.Priority == 0 {
				ep.Priority = defaultPriority
			}
		}
	}
	normalizeTier(TierFast, c.Models.Fast)
	normalizeTier(TierBalanced, c.Models.Balanced)
	normalizeTier(TierDeep, c.Models.Deep)
}

// Validate checks semantic constraints after parsing.
//
// Catching configuration mistakes here means routing never fails at
// runtime for reasons an operator could have seen at startup.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range [1,65535]", c.Server.Port)
	}
	if c.Server.RequestTimeoutSeconds < minTimeoutSeconds || c.Server.RequestTimeoutSeconds > maxTimeoutSeconds {
		return fmt.Errorf("server.request_timeout_seconds %d out of range [%d,%d]",
			c.Server.RequestTimeoutSeconds, minTimeoutSeconds, maxTimeoutSeconds)
	}

	switch c.Routing.Strategy {
	case StrategyRule, StrategyLlm, StrategyHybrid:
	default:
		return fmt.Errorf("routing.strategy %q invalid (expected rule, llm, or hybrid)", c.Routing.Strategy)
	}

	switch c.Routing.DefaultImportance {
	case "low", "normal", "high":
	default:
		return fmt.Errorf("routing.default_importance %q invalid (expected low, normal, or high)", c.Routing.DefaultImportance)
	}

	if _, err := ParseTier(c.Routing.RouterTier); err != nil {
		return fmt.Errorf("routing.router_tier: %w", err)
	}

	seen := make(map[string]Tier)
	for _, tier := range Tiers {
		endpoints := c.EndpointsForTier(tier)
		if len(endpoints) == 0 {
			return fmt.Errorf("models.%s has no endpoints; every tier needs at least one", tier)
		}
		for _, ep := range endpoints {
			if err := validateEndpoint(ep); err != nil {
				return err
			}
			if prev, ok := seen[ep.Name]; ok {
				return fmt.Errorf("endpoint name %q duplicated across tiers %s and %s", ep.Name, prev, tier)
			}
			seen[ep.Name] = tier
		}
	}

	if err := validateTimeout("timeouts.fast", c.Timeouts.Fast); err != nil {
		return err
	}
	if err := validateTimeout("timeouts.balanced", c.Timeouts.Balanced); err != nil {
		return err
	}
	if err := validateTimeout("timeouts.deep", c.Timeouts.Deep); err != nil {
		return err
	}

	return nil
}

func validateEndpoint(ep Endpoint) error {
	if !strings.HasPrefix(ep.BaseURL, "http://") && !strings.HasPrefix(ep.BaseURL, "https://") {
		return fmt.Errorf("endpoint %q: base_url %q must start with http:// or https://", ep.Name, ep.BaseURL)
	}
	if !strings.HasSuffix(ep.BaseURL, "/v1") {
		return fmt.Errorf("endpoint %q: base_url %q must end with /v1 for OpenAI API compatibility", ep.Name, ep.BaseURL)
	}
	if ep.MaxTokens <= 0 {
		return fmt.Errorf("endpoint %q: max_tokens must be greater than 0", ep.Name)
	}
	if ep.Weight <= 0 || math.IsNaN(ep.Weight) || math.IsInf(ep.Weight, 0) {
		return fmt.Errorf("endpoint %q: weight %v must be a positive finite number", ep.Name, ep.Weight)
	}
	if ep.Temperature < 0 || ep.Temperature > 2 || math.IsNaN(ep.Temperature) {
		return fmt.Errorf("endpoint %q: temperature %v out of range [0,2]", ep.Name, ep.Temperature)
	}
	if ep.Priority < 0 {
		return fmt.Errorf("endpoint %q: priority must not be negative", ep.Name)
	}
	return nil
}

func validateTimeout(field string, v *int) error {
	if v == nil {
		return nil
	}
	if *v < minTimeoutSeconds || *v > maxTimeoutSeconds {
		return fmt.Errorf("%s %d out of range [%d,%d]", field, *v, minTimeoutSeconds, maxTimeoutSeconds)
	}
	return nil
}

// EndpointsForTier returns the configured endpoints for a tier in
// declaration order. The returned slice must not be mutated.
func (c *Config) EndpointsForTier(tier Tier) []Endpoint {
	switch tier {
	case TierFast:
		return c.Models.Fast
	case TierBalanced:
		return c.Models.Balanced
	case TierDeep:
		return c.Models.Deep
	default:
		return nil
	}
}

// AllEndpoints returns every endpoint across all tiers in tier order.
func (c *Config) AllEndpoints() []Endpoint {
	all := make([]Endpoint, 0, len(c.Models.Fast)+len(c.Models.Balanced)+len(c.Models.Deep))
	for _, tier := range Tiers {
		all = append(all, c.EndpointsForTier(tier)...)
	}
	return all
}

// TimeoutForTier returns the effective per-attempt timeout in seconds
// for a tier: the [timeouts] override when present, otherwise
// server.request_timeout_seconds.
func (c *Config) TimeoutForTier(tier Tier) int {
	var override *int
	switch tier {
	case TierFast:
		override = c.Timeouts.Fast
	case TierBalanced:
		override = c.Timeouts.Balanced
	case TierDeep:
		override = c.Timeouts.Deep
	}
	if override != nil {
		return *override
	}
	return c.Server.RequestTimeoutSeconds
}

// RouterTier returns the tier used for LLM routing decisions.
// Validation guarantees the value parses.
func (c *Config) RouterTier() Tier {
	tier, _ := ParseTier(c.Routing.RouterTier)
	return tier
}

// Template returns a commented configuration template for operators.
func Template() string {
	return `# tiergate configuration

[server]
host = "0.0.0.0"
port = 3000
# Global per-attempt timeout in seconds, overridable per tier below.
request_timeout_seconds = 30

# Each tier needs at least one endpoint. base_url must end with /v1.
[[models.fast]]
name = "fast-1"
base_url = "http://localhost:11434/v1"
model = "llama-3.1-8b-instruct"
max_tokens = 2048
weight = 1.0
priority = 1

[[models.balanced]]
name = "balanced-1"
base_url = "http://localhost:1234/v1"
model = "qwen2.5-32b-instruct"
max_tokens = 4096
weight = 1.0
priority = 1

[[models.deep]]
name = "deep-1"
base_url = "http://localhost:8080/v1"
model = "llama-3.1-70b-instruct"
max_tokens = 8192
weight = 1.0
priority = 1

[routing]
# rule, llm, or hybrid (rule first, LLM fallback for ambiguous requests)
strategy = "hybrid"
default_importance = "normal"
# Tier whose model classifies requests when the LLM router runs.
router_tier = "balanced"

# Optional per-tier timeout overrides in seconds (range 1-300).
[timeouts]
fast = 15
balanced = 30
deep = 60

[observability]
log_level = "info"
log_format = "json"
`
}
