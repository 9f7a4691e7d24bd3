// Package health runs the background liveness probing of upstream
// endpoints and supervises its own loop.
package health

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tiergate/tiergate/config"
	"github.com/tiergate/tiergate/internal/observability"
	"github.com/tiergate/tiergate/services/registry"
)

// Prober issues a single liveness probe. Satisfied by *openai.Client.
type Prober interface {
	Probe(ctx context.Context, ep config.Endpoint, timeout time.Duration) error
}

// Subsystem status strings reported by GET /health.
const (
	StatusOperational = "operational"
	StatusDegraded    = "degraded"
)

const (
	defaultInterval     = 30 * time.Second
	defaultProbeTimeout = 5 * time.Second
	maxRestartAttempts  = 5
)

// Checker probes every endpoint on a fixed interval and feeds the
// results into the registry's health store.
//
// The probe loop runs under a supervisor: if it exits abnormally, it
// is restarted with exponential backoff (1, 2, 4, 8, 16 s). After five
// failed restarts the supervisor gives up for good and the server
// keeps serving with health state frozen at its last values. Stale
// health beats a crash.
type Checker struct {
	registry *registry.Registry
	prober   Prober
	metrics  *observability.Metrics
	logger   *zap.Logger

	interval     time.Duration
	probeTimeout time.Duration
	backoffBase  time.Duration

	done chan struct{} // closed when the supervisor exits
}

// New creates a Checker with the default 30 s interval.
func New(reg *registry.Registry, prober Prober, metrics *observability.Metrics, logger *zap.Logger) *Checker {
	return &Checker{
		registry:     reg,
		prober:       prober,
		metrics:      metrics,
		logger:       logger,
		interval:     defaultInterval,
		probeTimeout: defaultProbeTimeout,
		backoffBase:  time.Second,
		done:         make(chan struct{}),
	}
}

// SetInterval overrides the probe interval. Call before Start.
func (c *Checker) SetInterval(d time.Duration) {
	c.interval = d
}

// Start launches the supervised probe loop. It returns immediately;
// cancel ctx to stop the loop.
func (c *Checker) Start(ctx context.Context) {
	go c.supervise(ctx)
}

// Done reports supervisor termination, for tests and shutdown.
func (c *Checker) Done() <-chan struct{} {
	return c.done
}

// Status returns the background task status for GET /health.
func (c *Checker) Status() string {
	if c.metrics.BackgroundTaskFailureCount() >= maxRestartAttempts {
		return StatusDegraded
	}
	return StatusOperational
}

// RestartCount returns how many times the probe loop has been
// restarted since startup.
func (c *Checker) RestartCount() uint64 {
	return c.metrics.BackgroundTaskFailureCount()
}

func (c *Checker) supervise(ctx context.Context) {
	defer close(c.done)

	for restarts := uint64(0); ; {
		err := c.runProtected(ctx)
		if ctx.Err() != nil {
			c.logger.Info("health checker stopped")
			return
		}

		c.logger.Error("health check loop exited abnormally",
			zap.Uint64("restart_count", restarts),
			zap.Error(err))

		if restarts >= maxRestartAttempts {
			c.logger.Error("health check loop failed too many times, giving up",
				zap.Uint64("max_attempts", maxRestartAttempts),
				zap.String("consequence", "health state frozen until restart; server keeps serving"))
			return
		}

		restarts++
		c.metrics.BackgroundTaskFailure()

		backoff := c.backoffBase << (restarts - 1)
		c.logger.Warn("restarting health check loop",
			zap.Duration("backoff", backoff),
			zap.Uint64("restart_count", restarts))

		select {
		case <-ctx.Done():
			c.logger.Info("health checker stopped during backoff")
			return
		case <-time.After(backoff):
		}
	}
}

// runProtected converts a panic in the probe loop into an error so the
// supervisor can restart it.
func (c *Checker) runProtected(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("health check loop panicked: %v", r)
		}
	}()
	return c.run(ctx)
}

func (c *Checker) run(ctx context.Context) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.RunChecks(ctx)
		}
	}
}

// RunChecks probes every configured endpoint once and records the
// outcome in the health store.
func (c *Checker) RunChecks(ctx context.Context) {
	for _, ep := range c.registry.AllEndpoints() {
		if ctx.Err() != nil {
			return
		}

		probeErr := c.prober.Probe(ctx, ep, c.probeTimeout)

		var updateErr error
		if probeErr != nil {
			c.logger.Debug("health probe failed",
				zap.String("endpoint", ep.Name),
				zap.Error(probeErr))
			updateErr = c.registry.MarkFailure(ep.Name)
		} else {
			updateErr = c.registry.MarkSuccess(ep.Name)
		}

		if updateErr != nil {
			// Probing only covers endpoints the registry handed us,
			// so an unknown name here is an internal bug.
			c.logger.Error("health store update failed",
				zap.String("endpoint", ep.Name),
				zap.Error(updateErr))
			c.metrics.HealthTrackingFailure(ep.Name, "unknown_endpoint")
		}
	}
}
