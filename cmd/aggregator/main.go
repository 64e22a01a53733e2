// Package main provides the aggrelog event aggregation service.
//
// The aggregator accepts published events over HTTP, buffers them in a durable
// Redis queue, and drains the queue with a worker pool into a deduplicating
// PostgreSQL store. The same binary serves the query and statistics endpoints.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/aggrelog-io/aggrelog/internal/api"
	"github.com/aggrelog-io/aggrelog/internal/api/middleware"
	"github.com/aggrelog-io/aggrelog/internal/config"
	"github.com/aggrelog-io/aggrelog/internal/queue"
	"github.com/aggrelog-io/aggrelog/internal/storage"
	"github.com/aggrelog-io/aggrelog/internal/worker"
	"github.com/aggrelog-io/aggrelog/migrations"
)

// Version information.
const (
	version = "1.0.0-dev"
	name    = "aggregator"
)

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	flag.Parse()

	if *versionFlag {
		log.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	serverConfig := api.LoadServerConfig()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: serverConfig.LogLevel,
	}))

	logger.Info("Starting aggrelog service",
		slog.String("service", name),
		slog.String("version", version),
	)

	logger.Info("Loaded server configuration",
		slog.String("host", serverConfig.Host),
		slog.Int("port", serverConfig.Port),
		slog.Duration("read_timeout", serverConfig.ReadTimeout),
		slog.Duration("write_timeout", serverConfig.WriteTimeout),
		slog.Duration("shutdown_timeout", serverConfig.ShutdownTimeout),
		slog.String("log_level", serverConfig.LogLevel.String()),
	)

	// Load rate limiter configuration
	middlewareConfig := middleware.LoadConfig()

	// Create rate limiter instance (graceful shutdown handled by server.shutdown())
	rateLimiter := middleware.NewInMemoryRateLimiter(middlewareConfig)

	logger.Info("Rate limiter initialized",
		slog.Int("global_rps", middlewareConfig.GlobalRPS),
		slog.Int("global_burst", middlewareConfig.GlobalBurst),
		slog.Int("client_rps", middlewareConfig.ClientRPS),
		slog.Int("client_burst", middlewareConfig.ClientBurst),
	)

	// Load storage configuration
	storageConfig := storage.LoadConfig()

	dbConn, err := storage.NewConnection(storageConfig)
	if err != nil {
		logger.Error("Failed to connect to database", slog.String("error", err.Error()))
		os.Exit(1)
	}

	defer func() {
		_ = dbConn.Close() // Ensure connection closes on normal shutdown
	}()

	// Bring the schema up to date before anything touches it
	if config.GetEnvBool("RUN_MIGRATIONS", true) {
		if err := migrations.Apply(dbConn.DB()); err != nil {
			logger.Error("Failed to apply database migrations", slog.String("error", err.Error()))

			_ = dbConn.Close()
			os.Exit(1)
		}

		logger.Info("Database schema up to date")
	} else {
		logger.Warn("Skipping database migrations",
			slog.String("note", "Schema must be migrated externally when RUN_MIGRATIONS is off"),
		)
	}

	store, err := storage.NewEventStore(dbConn)
	if err != nil {
		logger.Error("Failed to create event store", slog.String("error", err.Error()))

		_ = dbConn.Close()
		//nolint:gocritic // Explicit cleanup before os.Exit is intentional (defer won't run)
		os.Exit(1)
	}

	logger.Info("Event store initialized",
		slog.String("database_url", storageConfig.MaskDatabaseURL()),
		slog.Int("database_max_open_conns", storageConfig.MaxOpenConns),
		slog.Int("database_max_idle_conns", storageConfig.MaxIdleConns),
		slog.Duration("database_conn_max_lifetime", storageConfig.ConnMaxLifetime),
		slog.Duration("database_conn_max_idle_time", storageConfig.ConnMaxIdleTime),
	)

	// Select the queue backend: Redis by default, in-memory for tests and demos
	queueConfig := queue.LoadConfig()

	var eventQueue queue.Queue

	if queueConfig.UseInMemory {
		logger.Warn("Using in-memory queue",
			slog.String("note", "Queued events do not survive restarts; unset USE_INMEMORY_QUEUE for durability"),
		)

		eventQueue = queue.NewMemoryQueue()
	} else {
		eventQueue, err = queue.NewRedisQueue(context.Background(), queueConfig)
		if err != nil {
			logger.Error("Failed to connect to queue", slog.String("error", err.Error()))

			_ = dbConn.Close()
			os.Exit(1)
		}

		logger.Info("Redis queue initialized",
			slog.String("queue_key", queueConfig.Key),
			slog.Duration("dequeue_timeout", queueConfig.DequeueTimeout),
		)
	}

	defer func() {
		_ = eventQueue.Close()
	}()

	// Start the worker pool unless explicitly disabled (tests drive workers themselves)
	var pool *worker.Pool

	workersDisabled := config.GetEnvBool("DISABLE_WORKERS", false)
	if workersDisabled {
		logger.Warn("Worker pool disabled",
			slog.String("note", "Queued events accumulate until a worker process drains them"),
		)
	} else {
		workerConfig := worker.LoadConfig()
		pool = worker.NewPool(workerConfig, eventQueue, store)

		poolCtx, poolCancel := context.WithCancel(context.Background())
		defer poolCancel()

		if err := pool.Start(poolCtx); err != nil {
			logger.Error("Failed to start worker pool", slog.String("error", err.Error()))

			_ = eventQueue.Close()
			_ = dbConn.Close()
			os.Exit(1)
		}

		logger.Info("Worker pool started",
			slog.Int("worker_count", pool.Count()),
			slog.Duration("dequeue_timeout", workerConfig.DequeueTimeout),
			slog.Int("retry_budget", workerConfig.RetryBudget),
		)

		// Stop workers after the HTTP listener has drained, before the
		// deferred queue/connection closes run
		defer pool.Stop()
	}

	server := api.NewServer(serverConfig, store, eventQueue, pool, rateLimiter)

	if err := server.Start(); err != nil {
		logger.Error("Server failed to start",
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	logger.Info("aggrelog service stopped")
}
