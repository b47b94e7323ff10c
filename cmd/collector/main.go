package main

import (
	"context"

	"waterline/internal/collector/handlers"
	"waterline/internal/collector/store"
	"waterline/pkg/config"
	"waterline/pkg/database"
	"waterline/pkg/logging"
	"waterline/pkg/monitoring"
	"waterline/pkg/server"
	"waterline/pkg/version"
)

func main() {
	// Initialize logger
	logger := logging.NewLoggerWithService("collector")

	// Load environment variables
	config.LoadEnv(logger)

	logger.Info("Starting Collector")

	// Connect to database
	dbConfig := database.DefaultConfig()
	dbConfig.URL = config.GetEnv("DATABASE_URL", "")
	db := database.MustConnect(dbConfig, logger)
	defer db.Close()

	batchStore := store.New(db, logger)
	if err := batchStore.EnsureSchema(context.Background()); err != nil {
		logger.WithError(err).Fatal("Failed to ensure collector schema")
	}

	// Setup monitoring
	healthChecker := monitoring.NewHealthChecker("collector", version.Version)
	metricsCollector := monitoring.NewMetricsCollector("collector", version.Version, version.GitCommit)

	healthChecker.AddCheck("database", monitoring.DatabaseHealthCheck(db))
	healthChecker.AddCheck("config", monitoring.ConfigurationHealthCheck(map[string]string{
		"DATABASE_URL": config.GetEnv("DATABASE_URL", ""),
	}))

	// Initialize handlers
	h := handlers.New(batchStore, logger)

	// Setup router with unified monitoring
	router := server.SetupServiceRouter(logger, "collector", healthChecker, metricsCollector)

	// Batch intake from edge agents
	router.POST("/upload_batch", h.HandleUploadBatch)

	// Liveness document
	router.GET("/health", h.HandleHealth)

	// Start server
	serverConfig := server.DefaultConfig("collector", "9000")
	if err := server.Start(serverConfig, router, logger); err != nil {
		logger.WithError(err).Fatal("Server failed")
	}
}
