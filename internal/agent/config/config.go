// Package config loads the edge agent's environment configuration.
package config

import (
	"strings"
	"time"

	"waterline/pkg/config"
)

// Config holds everything an edge agent needs to run.
type Config struct {
	// identity
	NodeID   string
	NodeType string // pi / up2 / jetson

	// workflow endpoints (local stage microservices)
	EstURL  string
	DetURL  string
	FineURL string

	// cluster / peers
	Peers        []string // base URLs of strong-node edge agents
	CollectorURL string   // collector base URL

	// storage / timing
	DBPath      string
	SlotSeconds int
	UploadEvery int

	// http timeouts
	HTTPTimeout    time.Duration
	ExecuteTimeout time.Duration

	// background loops
	PeerRefreshInterval   time.Duration
	UploaderCheckInterval time.Duration

	// ingest back-pressure
	IngestQueueSize int
}

// Load reads the agent configuration from the environment. The stage and
// collector URLs are required; everything else has defaults suitable for a
// single-node setup.
func Load() Config {
	return Config{
		NodeID:                config.GetEnv("NODE_ID", "node-unknown"),
		NodeType:              strings.ToLower(config.GetEnv("NODE_TYPE", "pi")),
		EstURL:                config.RequireEnv("EST_URL"),
		DetURL:                config.RequireEnv("DET_URL"),
		FineURL:               config.RequireEnv("FINE_URL"),
		Peers:                 splitList(config.GetEnv("PEERS", "")),
		CollectorURL:          config.RequireEnv("COLLECTOR_URL"),
		DBPath:                config.GetEnv("DB_PATH", "./edge_agent.db"),
		SlotSeconds:           config.GetEnvInt("SLOT_SECONDS", 300),
		UploadEvery:           config.GetEnvInt("UPLOAD_EVERY", 10),
		HTTPTimeout:           secondsEnv("HTTP_TIMEOUT", 10.0),
		ExecuteTimeout:        secondsEnv("EXECUTE_TIMEOUT", 15.0),
		PeerRefreshInterval:   secondsEnv("PEER_REFRESH_SECONDS", 2.0),
		UploaderCheckInterval: secondsEnv("UPLOADER_CHECK_SECONDS", 2.0),
		IngestQueueSize:       config.GetEnvInt("INGEST_QUEUE_SIZE", 2000),
	}
}

func secondsEnv(key string, defaultSeconds float64) time.Duration {
	return time.Duration(config.GetEnvFloat(key, defaultSeconds) * float64(time.Second))
}

func splitList(raw string) []string {
	var items []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			items = append(items, part)
		}
	}
	return items
}
