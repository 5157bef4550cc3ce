package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/srgjo27/event_ticketing/internal/adapter/events"
	"github.com/srgjo27/event_ticketing/internal/adapter/handler"
	"github.com/srgjo27/event_ticketing/internal/adapter/payment/fake"
	"github.com/srgjo27/event_ticketing/internal/adapter/payment/omisegw"
	"github.com/srgjo27/event_ticketing/internal/adapter/repository/memory"
	"github.com/srgjo27/event_ticketing/internal/adapter/repository/postgres"
	"github.com/srgjo27/event_ticketing/internal/adapter/repository/redisrepo"
	"github.com/srgjo27/event_ticketing/internal/core/ports"
	"github.com/srgjo27/event_ticketing/internal/core/services"
	"github.com/srgjo27/event_ticketing/internal/platform/config"
	"github.com/srgjo27/event_ticketing/internal/platform/database"
	"github.com/srgjo27/event_ticketing/internal/platform/logging"
	"github.com/srgjo27/event_ticketing/internal/worker"
)

type App struct {
	cfg     config.App
	logger  zerolog.Logger
	srv     *handler.Server
	sweeper *worker.Sweeper
	closers []func() error
}

// New wires adapters according to cfg. Everything it opened is closed again
// if wiring fails halfway.
func New(ctx context.Context, cfg config.App, logger zerolog.Logger) (_ *App, err error) {
	a := &App{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	var (
		db          *sqlx.DB
		redisClient *redis.Client
	)

	if cfg.InventoryBackend != "memory" {
		db, err = database.NewPostgresDB(ctx, database.Config{
			Host:     cfg.Database.Host,
			Port:     cfg.Database.Port,
			User:     cfg.Database.User,
			Password: cfg.Database.Password,
			DBName:   cfg.Database.Name,
		})
		if err != nil {
			return nil, fmt.Errorf("connect to postgres: %w", err)
		}
		a.closers = append(a.closers, db.Close)

		if err := postgres.InitializeDBSchema(ctx, db); err != nil {
			return nil, err
		}
	}

	if cfg.InventoryBackend != "memory" || cfg.EventSink == "redis" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		a.closers = append(a.closers, redisClient.Close)

		logger.Info().Str("addr", cfg.Redis.Addr).Msg("Connecting to Redis")
		if err := redisClient.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
	}

	var (
		store    ports.InventoryStore
		cache    ports.AvailabilityCache
		bookings ports.BookingRepository
		attempts ports.PaymentAttemptRepository
	)
	switch cfg.InventoryBackend {
	case "memory":
		store = memory.NewInventoryStore()
		bookings = memory.NewBookingRepository()
		attempts = memory.NewPaymentAttemptRepository()
	case "redis":
		store = redisrepo.NewInventoryStore(redisClient)
	default:
		store = postgres.NewInventoryRepository(db)
	}
	if db != nil {
		bookings = postgres.NewBookingRepository(db)
		attempts = postgres.NewPaymentAttemptRepository(db)
	}
	if redisClient != nil && cfg.InventoryBackend != "memory" {
		cache = redisrepo.NewAvailabilityCache(redisClient, cfg.AvailabilityTTL)
	}

	var gateway ports.PaymentGateway
	switch cfg.PaymentProvider {
	case "omise":
		client, err := omisegw.NewClient(cfg.OmisePublicKey, cfg.OmiseSecretKey)
		if err != nil {
			return nil, err
		}
		gateway = omisegw.NewGateway(client)
	default:
		logger.Warn().Msg("Using the in-process fake payment provider")
		gateway = fake.NewGateway()
	}

	var publisher ports.EventPublisher
	switch cfg.EventSink {
	case "redis":
		pub, err := events.NewRedisPublisher(logging.NewWatermillAdapter(logger), redisClient)
		if err != nil {
			return nil, fmt.Errorf("create redis stream publisher: %w", err)
		}
		a.closers = append(a.closers, pub.Close)
		publisher = events.NewOutcomePublisher(pub)
	case "amqp":
		pub, err := events.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			return nil, fmt.Errorf("create amqp publisher: %w", err)
		}
		a.closers = append(a.closers, pub.Close)
		publisher = pub
	}

	policy := services.DefaultRetryPolicy()
	policy.Attempts = cfg.RetryAttempts
	policy.InitialInterval = cfg.RetryInitialDelay

	ledger := services.NewInventoryLedger(store, cache)
	payments := services.NewPaymentOrchestrator(gateway, attempts, policy)
	svc := services.NewBookingService(ledger, payments, bookings, publisher,
		services.WithHoldWindow(cfg.HoldWindow),
		services.WithRetryPolicy(policy),
	)

	a.srv = handler.NewServer(cfg.HTTPAddr, svc, func(ctx context.Context) error {
		var errs []error
		if db != nil {
			errs = append(errs, db.PingContext(ctx))
		}
		if redisClient != nil {
			errs = append(errs, redisClient.Ping(ctx).Err())
		}
		return errors.Join(errs...)
	})
	a.sweeper = worker.NewSweeper(svc, cfg.SweepInterval, cfg.SweepBatchSize)

	return a, nil
}

// Run serves HTTP and sweeps until ctx is cancelled, then shuts the server
// down within the configured timeout.
func (a *App) Run(ctx context.Context) error {
	defer a.close()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.logger.Info().Str("addr", a.cfg.HTTPAddr).Msg("Server starting")
		return a.srv.Start()
	})

	g.Go(func() error {
		return a.sweeper.Run(a.logger.WithContext(gctx))
	})

	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info().Msg("Shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
		defer cancel()

		if err := a.srv.Stop(shutdownCtx); err != nil {
			a.logger.Err(err).Msg("Server forced to shutdown")
			return err
		}
		return nil
	})

	return g.Wait()
}

func (a *App) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn().Err(err).Msg("Error while closing a dependency")
		}
	}
	a.closers = nil
}
