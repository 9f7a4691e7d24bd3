package registry

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tiergate/tiergate/config"
)

func testConfig() *config.Config {
	cfg := &config.Config{
		Models: config.ModelsConfig{
			Fast: []config.Endpoint{
				{Name: "fast-1", BaseURL: "http://localhost:1234/v1", MaxTokens: 2048, Weight: 1, Priority: 1, Tier: config.TierFast},
				{Name: "fast-2", BaseURL: "http://localhost:1235/v1", MaxTokens: 2048, Weight: 1, Priority: 1, Tier: config.TierFast},
			},
			Balanced: []config.Endpoint{
				{Name: "balanced-1", BaseURL: "http://localhost:1236/v1", MaxTokens: 4096, Weight: 1, Priority: 1, Tier: config.TierBalanced},
			},
			Deep: []config.Endpoint{
				{Name: "deep-1", BaseURL: "http://localhost:1237/v1", MaxTokens: 8192, Weight: 1, Priority: 1, Tier: config.TierDeep},
			},
		},
	}
	return cfg
}

func TestNewStartsAllHealthy(t *testing.T) {
	r := New(testConfig())

	for _, name := range []string{"fast-1", "fast-2", "balanced-1", "deep-1"} {
		snap, err := r.Snapshot(name)
		require.NoError(t, err)
		assert.True(t, snap.Healthy, name)
		assert.Equal(t, 0, snap.ConsecutiveFailures, name)
		assert.False(t, snap.LastCheck.IsZero(), name)
	}
}

func TestEndpointsStableOrder(t *testing.T) {
	r := New(testConfig())

	first := r.Endpoints(config.TierFast)
	second := r.Endpoints(config.TierFast)
	require.Len(t, first, 2)
	assert.Equal(t, "fast-1", first[0].Name)
	assert.Equal(t, "fast-2", first[1].Name)
	assert.Equal(t, first, second)
}

func TestEndpointByName(t *testing.T) {
	r := New(testConfig())

	ep, err := r.EndpointByName("balanced-1")
	require.NoError(t, err)
	assert.Equal(t, config.TierBalanced, ep.Tier)

	_, err = r.EndpointByName("nope")
	assert.ErrorIs(t, err, ErrUnknownEndpoint)
}

func TestMarkFailureThreshold(t *testing.T) {
	r := New(testConfig())

	require.NoError(t, r.MarkFailure("fast-1"))
	assert.True(t, r.IsHealthy("fast-1"))

	require.NoError(t, r.MarkFailure("fast-1"))
	assert.True(t, r.IsHealthy("fast-1"))

	require.NoError(t, r.MarkFailure("fast-1"))
	assert.False(t, r.IsHealthy("fast-1"), "third consecutive failure flips unhealthy")

	snap, err := r.Snapshot("fast-1")
	require.NoError(t, err)
	assert.Equal(t, 3, snap.ConsecutiveFailures)
}

func TestMarkSuccessRecoversImmediately(t *testing.T) {
	r := New(testConfig())

	for i := 0; i < 3; i++ {
		require.NoError(t, r.MarkFailure("fast-1"))
	}
	assert.False(t, r.IsHealthy("fast-1"))

	require.NoError(t, r.MarkSuccess("fast-1"))
	snap, err := r.Snapshot("fast-1")
	require.NoError(t, err)
	assert.True(t, snap.Healthy)
	assert.Equal(t, 0, snap.ConsecutiveFailures)
}

func TestMarkSuccessIdempotent(t *testing.T) {
	r := New(testConfig())

	require.NoError(t, r.MarkSuccess("deep-1"))
	first, err := r.Snapshot("deep-1")
	require.NoError(t, err)

	require.NoError(t, r.MarkSuccess("deep-1"))
	second, err := r.Snapshot("deep-1")
	require.NoError(t, err)

	assert.Equal(t, first.Healthy, second.Healthy)
	assert.Equal(t, first.ConsecutiveFailures, second.ConsecutiveFailures)
}

func TestSuccessResetsPartialFailures(t *testing.T) {
	r := New(testConfig())

	require.NoError(t, r.MarkFailure("fast-1"))
	require.NoError(t, r.MarkFailure("fast-1"))
	require.NoError(t, r.MarkSuccess("fast-1"))

	// Counter reset: three more failures needed to go unhealthy.
	require.NoError(t, r.MarkFailure("fast-1"))
	require.NoError(t, r.MarkFailure("fast-1"))
	assert.True(t, r.IsHealthy("fast-1"))
	require.NoError(t, r.MarkFailure("fast-1"))
	assert.False(t, r.IsHealthy("fast-1"))
}

func TestUnknownEndpointOperations(t *testing.T) {
	r := New(testConfig())

	assert.ErrorIs(t, r.MarkSuccess("ghost"), ErrUnknownEndpoint)
	assert.ErrorIs(t, r.MarkFailure("ghost"), ErrUnknownEndpoint)
	_, err := r.Snapshot("ghost")
	assert.ErrorIs(t, err, ErrUnknownEndpoint)
	assert.False(t, r.IsHealthy("ghost"))
}

func TestLastCheckSecondsAgo(t *testing.T) {
	snap := HealthSnapshot{LastCheck: time.Now().Add(-42 * time.Second)}
	assert.Equal(t, int64(42), snap.LastCheckSecondsAgo(time.Now()))
}

func TestConcurrentHealthUpdates(t *testing.T) {
	r := New(testConfig())

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = r.MarkFailure("fast-1")
		}()
		go func() {
			defer wg.Done()
			_ = r.MarkSuccess("fast-1")
		}()
	}
	wg.Wait()

	// Whatever the interleaving, the record is internally consistent:
	// unhealthy iff the trailing failure run reached the threshold.
	snap, err := r.Snapshot("fast-1")
	require.NoError(t, err)
	if snap.ConsecutiveFailures >= 3 {
		assert.False(t, snap.Healthy)
	}
	if snap.ConsecutiveFailures == 0 {
		assert.True(t, snap.Healthy)
	}
}

func TestAllEndpoints(t *testing.T) {
	r := New(testConfig())
	all := r.AllEndpoints()
	require.Len(t, all, 4)
	assert.Equal(t, "fast-1", all[0].Name)
	assert.Equal(t, "deep-1", all[3].Name)
}
