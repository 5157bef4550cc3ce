package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/srgjo27/event_ticketing/internal/app"
	"github.com/srgjo27/event_ticketing/internal/platform/config"
	"github.com/srgjo27/event_ticketing/internal/platform/logging"
	"github.com/srgjo27/event_ticketing/internal/platform/telemetry"
)

func main() {
	cfg, err := config.Load(".env")
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logger := logging.Init(cfg.LogLevel, cfg.Env == "dev")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logger.WithContext(ctx)

	shutdownTracer, err := telemetry.InitTracer(ctx, "event-ticketing", cfg.Env, cfg.OTLPEndpoint)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialise tracing")
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Warn().Err(err).Msg("Failed to flush traces")
		}
	}()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to start")
	}

	if err := a.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("Server exited with error")
		return
	}

	logger.Info().Msg("Server exiting")
}
