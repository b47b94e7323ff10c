package main

import (
	"context"

	agentconfig "waterline/internal/agent/config"
	"waterline/internal/agent/handlers"
	"waterline/internal/agent/orchestrator"
	"waterline/internal/agent/peers"
	"waterline/internal/agent/stages"
	"waterline/internal/agent/state"
	"waterline/internal/agent/store"
	"waterline/internal/agent/uploader"
	"waterline/pkg/clients/collector"
	"waterline/pkg/config"
	"waterline/pkg/logging"
	"waterline/pkg/monitoring"
	"waterline/pkg/server"
	"waterline/pkg/version"
)

func main() {
	// Initialize logger
	logger := logging.NewLoggerWithService("edgeagent")

	// Load environment variables
	config.LoadEnv(logger)

	cfg := agentconfig.Load()
	logger.WithFields(logging.Fields{
		"node_id":   cfg.NodeID,
		"node_type": cfg.NodeType,
		"peers":     len(cfg.Peers),
	}).Info("Starting Edge Agent")

	// Open the durable slot store
	slotStore, err := store.Open(cfg.DBPath, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to open slot store")
	}
	defer slotStore.Close()

	// Runtime state and stage clients
	agentState := state.New(cfg.IngestQueueSize, cfg.Peers)
	caller := stages.NewCaller(stages.Config{
		EstURL:         cfg.EstURL,
		DetURL:         cfg.DetURL,
		FineURL:        cfg.FineURL,
		HTTPTimeout:    cfg.HTTPTimeout,
		ExecuteTimeout: cfg.ExecuteTimeout,
	})
	collectorClient := collector.NewClient(collector.Config{
		BaseURL: cfg.CollectorURL,
		Timeout: cfg.ExecuteTimeout,
		Logger:  logger,
	})

	// Setup monitoring
	healthChecker := monitoring.NewHealthChecker("edgeagent", version.Version)
	metricsCollector := monitoring.NewMetricsCollector("edgeagent", version.Version, version.GitCommit)

	healthChecker.AddCheck("slot_store", monitoring.DatabaseHealthCheck(slotStore.DB()))
	healthChecker.AddCheck("config", monitoring.ConfigurationHealthCheck(map[string]string{
		"EST_URL":       cfg.EstURL,
		"DET_URL":       cfg.DetURL,
		"FINE_URL":      cfg.FineURL,
		"COLLECTOR_URL": cfg.CollectorURL,
	}))

	stageCalls, stageDuration := metricsCollector.CreateStageMetrics()

	orch := orchestrator.New(cfg.NodeID, agentState, slotStore, caller, logger, &orchestrator.Metrics{
		StageCalls:    stageCalls,
		StageDuration: stageDuration,
	})
	monitor := peers.NewMonitor(cfg.Peers, cfg.PeerRefreshInterval, cfg.HTTPTimeout, agentState, logger)
	batchUploader := uploader.New(uploader.Config{
		NodeID:        cfg.NodeID,
		NodeType:      cfg.NodeType,
		UploadEvery:   cfg.UploadEvery,
		CheckInterval: cfg.UploaderCheckInterval,
	}, agentState, slotStore, collectorClient, logger)

	// Background loops: ingest worker, peer monitor, uploader
	ctx, cancel := context.WithCancel(context.Background())
	go orch.Run(ctx)
	go monitor.Run(ctx)
	go batchUploader.Run(ctx)

	// Initialize handlers
	h := handlers.New(cfg.NodeID, cfg.NodeType, cfg.SlotSeconds, agentState, orch, logger)

	// Setup router with unified monitoring
	router := server.SetupServiceRouter(logger, "edgeagent", healthChecker, metricsCollector)

	// Ingest endpoint for sensors and replay clients
	router.POST("/ingest", h.HandleIngest)

	// Peer offload endpoint
	router.POST("/execute", h.HandleExecute)

	// Telemetry document consumed by peer monitors
	router.GET("/health", h.HandleHealth)

	// Start server
	serverConfig := server.DefaultConfig("edgeagent", "9100")
	if err := server.StartWithShutdown(serverConfig, router, logger, cancel); err != nil {
		logger.WithError(err).Fatal("Server failed")
	}
}
