// Package main provides the funnel analytics engine service.
//
// The service ingests e-commerce funnel events over HTTP and Kafka, maintains
// windowed funnel metrics, cohort retention and anomaly alerts in memory, and
// optionally archives finalized metrics to PostgreSQL.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/Parthchavann/ecommerce-funnel-dashboard/internal/api"
	"github.com/Parthchavann/ecommerce-funnel-dashboard/internal/api/middleware"
	"github.com/Parthchavann/ecommerce-funnel-dashboard/internal/clock"
	"github.com/Parthchavann/ecommerce-funnel-dashboard/internal/config"
	"github.com/Parthchavann/ecommerce-funnel-dashboard/internal/engine"
	"github.com/Parthchavann/ecommerce-funnel-dashboard/internal/feed"
	"github.com/Parthchavann/ecommerce-funnel-dashboard/internal/publish"
	"github.com/Parthchavann/ecommerce-funnel-dashboard/internal/storage"
)

// Version information.
const (
	version = "1.0.0-dev"
	name    = "funneld"
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

	logger.Info("Starting funnel analytics service",
		slog.String("service", name),
		slog.String("version", version),
	)

	engineConfig := config.LoadEngineConfig()
	if err := engineConfig.Validate(); err != nil {
		logger.Error("Invalid engine configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("Loaded engine configuration",
		slog.Duration("bucket_width", engineConfig.BucketWidth),
		slog.Duration("max_lateness", engineConfig.MaxLateness),
		slog.Duration("session_ttl", engineConfig.SessionTTL),
		slog.Duration("cohort_period", engineConfig.CohortPeriod),
		slog.Int("worker_count", engineConfig.WorkerCount),
	)

	eng, err := engine.New(*engineConfig, logger, clock.System{})
	if err != nil {
		logger.Error("Failed to build engine", slog.String("error", err.Error()))
		os.Exit(1)
	}

	eng.Start()

	// Load rate limiter configuration
	middlewareConfig := middleware.LoadConfig()

	// Create rate limiter instance (graceful shutdown handled by server.shutdown())
	rateLimiter := middleware.NewInMemoryRateLimiter(middlewareConfig)

	logger.Info("Rate limiter initialized",
		slog.Int("global_rps", middlewareConfig.GlobalRPS),
		slog.Int("producer_rps", middlewareConfig.ProducerRPS),
		slog.Int("unauth_rps", middlewareConfig.UnAuthRPS),
	)

	// Background consumers stop when the process exits; engine shutdown
	// flushes whatever they delivered.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	archive := setupArchive(ctx, eng, logger)

	apiKeyStore := setupKeyStore(ctx, logger)

	startFeed(ctx, eng, logger)

	server := api.NewServer(serverConfig, eng, archive, apiKeyStore, rateLimiter)

	if err := server.Start(); err != nil {
		logger.Error("Server failed to start",
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	logger.Info("Funnel analytics service stopped")
}

// setupArchive connects the PostgreSQL metrics archive when DATABASE_URL is
// configured and starts the archiver draining finalized buckets. Returns nil
// when the service runs in-memory only.
func setupArchive(ctx context.Context, eng *engine.Engine, logger *slog.Logger) *storage.BucketArchive {
	storageConfig := storage.LoadConfig()
	if err := storageConfig.Validate(); err != nil {
		logger.Warn("Metrics archive disabled - no database configured",
			slog.String("note", "Set DATABASE_URL to persist finalized metrics"),
		)

		return nil
	}

	dbConn, err := storage.NewConnection(storageConfig)
	if err != nil {
		logger.Error("Failed to connect to database", slog.String("error", err.Error()))
		os.Exit(1)
	}

	archive, err := storage.NewBucketArchive(dbConn)
	if err != nil {
		logger.Error("Failed to create metrics archive", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if err := archive.Bootstrap(ctx); err != nil {
		logger.Error("Failed to bootstrap archive tables", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("Metrics archive initialized",
		slog.String("database_url", storageConfig.MaskDatabaseURL()),
		slog.Int("database_max_open_conns", storageConfig.MaxOpenConns),
		slog.Int("database_max_idle_conns", storageConfig.MaxIdleConns),
	)

	archiver := storage.NewArchiver(
		archive,
		eng.Publisher().Subscribe(publish.AllSlices),
		eng.Cohorts(),
		logger,
	)

	go archiver.Run(ctx)

	return archive
}

// setupKeyStore builds the persistent API key store when authentication is
// enabled. Returns nil (authentication disabled) otherwise.
func setupKeyStore(ctx context.Context, logger *slog.Logger) storage.KeyStore {
	if !config.GetEnvBool("FUNNEL_AUTH_ENABLED", false) {
		logger.Warn("Producer authentication disabled",
			slog.String("security", "Only use in trusted networks (localhost, VPN, internal)"),
			slog.String("note", "Set FUNNEL_AUTH_ENABLED=true to enable API key authentication"),
		)

		return nil
	}

	storageConfig := storage.LoadConfig()
	if err := storageConfig.Validate(); err != nil {
		logger.Error("FUNNEL_AUTH_ENABLED requires DATABASE_URL", slog.String("error", err.Error()))
		os.Exit(1)
	}

	dbConn, err := storage.NewConnection(storageConfig)
	if err != nil {
		logger.Error("Failed to connect to database", slog.String("error", err.Error()))
		os.Exit(1)
	}

	keyStore, err := storage.NewPersistentKeyStore(dbConn)
	if err != nil {
		logger.Error("Failed to create persistent key store", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if err := keyStore.Bootstrap(ctx); err != nil {
		logger.Error("Failed to bootstrap key store tables", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("Producer authentication enabled",
		slog.String("database_url", storageConfig.MaskDatabaseURL()),
	)

	return keyStore
}

// startFeed launches the Kafka consumer when brokers are configured. Events
// flow into the engine exactly like HTTP-ingested ones.
func startFeed(ctx context.Context, eng *engine.Engine, logger *slog.Logger) {
	feedConfig := feed.LoadConfig()
	if len(feedConfig.Brokers) == 0 {
		logger.Info("Kafka feed disabled - no brokers configured",
			slog.String("note", "Set FUNNEL_KAFKA_BROKERS to consume events from Kafka"),
		)

		return
	}

	consumer, err := feed.NewConsumer(feedConfig, eng, logger)
	if err != nil {
		logger.Error("Failed to create Kafka consumer", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("Kafka feed initialized",
		slog.String("topic", feedConfig.Topic),
		slog.String("group_id", feedConfig.GroupID),
	)

	go func() {
		defer func() {
			_ = consumer.Close()
		}()

		if err := consumer.Run(ctx); err != nil {
			logger.Error("Kafka consumer stopped", slog.String("error", err.Error()))
		}
	}()
}
