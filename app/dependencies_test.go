package app

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tiergate/tiergate/config"
)

func testConfig() *config.Config {
	ep := func(name string, tier config.Tier) config.Endpoint {
		return config.Endpoint{Name: name, BaseURL: "http://localhost:1/v1", MaxTokens: 1024, Weight: 1, Priority: 1, Tier: tier}
	}
	return &config.Config{
		Server:  config.ServerConfig{Host: "127.0.0.1", Port: 3000, RequestTimeoutSeconds: 30},
		Routing: config.RoutingConfig{Strategy: config.StrategyHybrid, DefaultImportance: "normal", RouterTier: "balanced"},
		Models: config.ModelsConfig{
			Fast:     []config.Endpoint{ep("fast-1", config.TierFast)},
			Balanced: []config.Endpoint{ep("balanced-1", config.TierBalanced)},
			Deep:     []config.Endpoint{ep("deep-1", config.TierDeep)},
		},
	}
}

func TestNewDependenciesWiresEverything(t *testing.T) {
	deps, err := NewDependencies(testConfig(), zap.NewNop())
	require.NoError(t, err)

	assert.NotNil(t, deps.Registry)
	assert.NotNil(t, deps.Selector)
	assert.NotNil(t, deps.Router)
	assert.NotNil(t, deps.Executor)
	assert.NotNil(t, deps.Checker)
	assert.NotNil(t, deps.Metrics)
	assert.NotNil(t, deps.Chat)
	assert.NotNil(t, deps.Completions)
	assert.NotNil(t, deps.Models)
	assert.NotNil(t, deps.Health)

	assert.Len(t, deps.Registry.AllEndpoints(), 3)
}
