// File: cmd/factory.go
package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/MangaiYashobeam/FMD/internal/browser"
	"github.com/MangaiYashobeam/FMD/internal/config"
	"github.com/MangaiYashobeam/FMD/internal/dispatcher"
	"github.com/MangaiYashobeam/FMD/internal/handler"
	"github.com/MangaiYashobeam/FMD/internal/pool"
	"github.com/MangaiYashobeam/FMD/internal/queue"
	"github.com/MangaiYashobeam/FMD/internal/registry"
	"github.com/MangaiYashobeam/FMD/internal/security"
	"github.com/MangaiYashobeam/FMD/internal/sessionstore"
	"github.com/MangaiYashobeam/FMD/internal/store"
	"github.com/MangaiYashobeam/FMD/internal/taskcodec"
)

// Components holds the initialized services a worker process needs. This
// struct centralizes lifecycle management so shutdown happens in one place,
// in the right order.
type Components struct {
	Redis      redis.UniversalClient
	DBPool     *pgxpool.Pool
	Codec      *taskcodec.Codec
	Queue      *queue.Queue
	Sessions   *sessionstore.Store
	Registry   *registry.Registry
	Engine     *browser.Engine
	Pool       *pool.Pool
	Store      *store.Store
	Dispatcher *dispatcher.Dispatcher

	logger *zap.Logger
}

// Shutdown releases resources the dispatcher does not own. The dispatcher's
// own shutdown sequence already drained in-flight tasks and persisted pool
// sessions before this runs.
func (c *Components) Shutdown(ctx context.Context) {
	if c.Engine != nil {
		if err := c.Engine.Shutdown(ctx); err != nil {
			c.logger.Warn("Error during browser engine shutdown", zap.Error(err))
		}
	}
	if c.DBPool != nil {
		c.DBPool.Close()
	}
	if c.Redis != nil {
		if err := c.Redis.Close(); err != nil {
			c.logger.Warn("Error closing redis client", zap.Error(err))
		}
	}
	c.logger.Info("All worker components shut down")
}

// registryObserver publishes pool instance lifecycle events to the fleet
// registry. The pool invokes observers while holding its mutex, so the
// Redis writes run on their own goroutine; they are best-effort liveness
// metadata and never block acquire or evict.
type registryObserver struct {
	workerID string
	fleet    *registry.Registry
	logger   *zap.Logger
}

func (o *registryObserver) InstanceCreated(instanceID, accountID string) {
	now := time.Now().UTC()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := o.fleet.RegisterInstance(ctx, registry.InstanceInfo{
			InstanceID:   instanceID,
			WorkerID:     o.workerID,
			AccountID:    accountID,
			CreatedAt:    now,
			LastActivity: now,
		}); err != nil {
			o.logger.Warn("Failed to register browser instance",
				zap.String("instance_id", instanceID), zap.Error(err))
		}
	}()
}

func (o *registryObserver) InstanceDestroyed(instanceID, accountID string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := o.fleet.UnregisterInstance(ctx, o.workerID, instanceID); err != nil {
			o.logger.Warn("Failed to unregister browser instance",
				zap.String("instance_id", instanceID), zap.Error(err))
		}
	}()
}

// engineAdapter narrows the chromedp engine's concrete session type to the
// pool's Session interface.
type engineAdapter struct {
	engine *browser.Engine
}

func (a engineAdapter) NewSession(ctx context.Context, accountID string, sessionBlob []byte) (pool.Session, error) {
	return a.engine.NewSession(ctx, accountID, sessionBlob)
}

// buildComponents wires the full worker from configuration. On a partial
// failure it tears down whatever was already created before returning the
// error.
func buildComponents(ctx context.Context, cfg *config.Config, workerID string, logger *zap.Logger) (*Components, error) {
	components := &Components{logger: logger}

	var initErr error
	defer func() {
		if initErr != nil {
			logger.Warn("Initialization failed, shutting down partially created components", zap.Error(initErr))
			components.Shutdown(context.Background())
		}
	}()

	// 1. Redis: queue, session store, and fleet registry all share one client.
	redisOpts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		initErr = fmt.Errorf("invalid redis url: %w", err)
		return nil, initErr
	}
	rdb := redis.NewClient(redisOpts)
	components.Redis = rdb
	if err := rdb.Ping(ctx).Err(); err != nil {
		initErr = fmt.Errorf("failed to ping redis: %w", err)
		return nil, initErr
	}
	logger.Debug("Redis client initialized", zap.String("addr", redisOpts.Addr))

	// 2. Task codec. Without a secret the worker can only run unsigned tasks,
	// which config validation permits only when require_signature is off.
	if cfg.Security.WorkerSecret != "" {
		codec, err := taskcodec.New(cfg.Security.WorkerSecret, cfg.EncryptionSecret(), cfg.Security.SignatureMaxAge, logger)
		if err != nil {
			initErr = fmt.Errorf("failed to initialize task codec: %w", err)
			return nil, initErr
		}
		components.Codec = codec
	}

	// 3. Queue and Redis-backed stores.
	components.Queue = queue.New(rdb, cfg.Worker.QueueName, cfg.Worker.MaxTaskRetries, logger)
	components.Sessions = sessionstore.New(rdb, cfg.Session.TTL, logger)
	components.Registry = registry.New(rdb, logger)

	// 4. Results archive (optional).
	if cfg.Postgres.URL != "" {
		dbPool, err := pgxpool.New(ctx, cfg.Postgres.URL)
		if err != nil {
			initErr = fmt.Errorf("failed to create database connection pool: %w", err)
			return nil, initErr
		}
		components.DBPool = dbPool

		dbStore, err := store.New(ctx, dbPool, logger)
		if err != nil {
			initErr = fmt.Errorf("failed to initialize results archive: %w", err)
			return nil, initErr
		}
		components.Store = dbStore
		logger.Debug("Results archive initialized")
	} else {
		logger.Info("No postgres url configured, task results will not be archived")
	}

	// 5. Browser engine and instance pool.
	engine, err := browser.NewEngine(ctx, cfg.Browser, logger)
	if err != nil {
		initErr = fmt.Errorf("failed to initialize browser engine: %w", err)
		return nil, initErr
	}
	components.Engine = engine

	components.Pool = pool.New(engineAdapter{engine: engine}, components.Sessions, pool.Options{
		MaxInstances: cfg.Worker.MaxConcurrentBrowsers,
		IdleTimeout:  cfg.Worker.IdleTimeout,
		ReapInterval: cfg.Worker.ReapInterval,
		ProbeTimeout: cfg.Browser.ProbeTimeout,
		Observer: &registryObserver{
			workerID: workerID,
			fleet:    components.Registry,
			logger:   logger.Named("registry_observer"),
		},
	}, logger)

	// 6. Task handlers. Site-specific posting handlers register here as they
	// are built; the session maintenance handlers are always available.
	mux := handler.NewMux(logger)
	sessionHandlers := handler.NewSessionHandlers(components.Sessions, cfg.Session.TargetURL, logger)
	sessionHandlers.RegisterOn(mux)

	// 7. Dispatcher.
	var verifier dispatcher.Verifier
	if components.Codec != nil {
		verifier = components.Codec
	}
	var archiver dispatcher.Archiver
	if components.Store != nil {
		archiver = components.Store
	}
	components.Dispatcher = dispatcher.New(
		dispatcher.Options{
			WorkerID:         workerID,
			QueueName:        cfg.Worker.QueueName,
			MaxConcurrent:    cfg.Worker.MaxConcurrentBrowsers,
			PollInterval:     cfg.Worker.PollInterval,
			TaskTimeout:      cfg.Worker.TaskTimeout,
			ShutdownGrace:    cfg.Worker.ShutdownGrace,
			RequireSignature: cfg.Security.RequireSignature,
		},
		components.Queue,
		verifier,
		components.Pool,
		mux,
		security.NewValidator(),
		security.NewRateLimiter(cfg.Security.RateLimitPerMin, cfg.Security.RateLimitBurst),
		security.NewMonitor(logger),
		archiver,
		components.Registry,
		logger,
	)

	logger.Info("All worker components initialized", zap.String("worker_id", workerID))
	return components, nil
}
