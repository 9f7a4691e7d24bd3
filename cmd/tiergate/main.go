// tiergate routes chat requests across a fleet of self-hosted LLM
// endpoints, choosing a model tier per request and load-balancing
// within the tier.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/tiergate/tiergate/app"
	"github.com/tiergate/tiergate/config"
	"github.com/tiergate/tiergate/internal/observability"
	"github.com/tiergate/tiergate/routes"
)

func main() {
	configPath := flag.String("config", "config.toml", "path to the TOML configuration file")
	printConfig := flag.Bool("print-config", false, "print a configuration template and exit")
	flag.Parse()

	if *printConfig {
		fmt.Print(config.Template())
		return
	}

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "tiergate: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	// Optional .env for TIERGATE_* overrides.
	_ = godotenv.Load()

	if env := os.Getenv("TIERGATE_CONFIG"); env != "" {
		configPath = env
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := observability.NewLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	deps, err := app.NewDependencies(cfg, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	deps.Start(ctx)

	srv := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           routes.SetupRoutes(deps),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening",
			zap.String("addr", srv.Addr),
			zap.String("strategy", cfg.Routing.Strategy))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutdown signal received, draining")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	logger.Info("server stopped")
	return nil
}
