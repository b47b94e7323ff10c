// Package models holds the wire types shared by the edge agent, its peers,
// and the collector. Stage payloads are opaque JSON and stay untyped.
package models

// IngestRequest is the body of POST /ingest on an edge agent.
type IngestRequest struct {
	Payload   map[string]interface{} `json:"payload" binding:"required"`
	TraceID   string                 `json:"trace_id"`
	EventTime *float64               `json:"event_time"`
}

// IngestResponse acknowledges an accepted ingest event.
type IngestResponse struct {
	Accepted bool   `json:"accepted"`
	Slot     int64  `json:"slot"`
	TraceID  string `json:"trace_id"`
	QueueLen int    `json:"queue_len"`
}

// ExecuteRequest is the body of POST /execute, the peer-offload surface.
// Only the "fine" stage may be executed remotely.
type ExecuteRequest struct {
	Stage   string                 `json:"stage" binding:"required"`
	Slot    int64                  `json:"slot"`
	Payload map[string]interface{} `json:"payload"`
	TraceID string                 `json:"trace_id"`
	Origin  string                 `json:"origin"`
}

// ExecuteResponse reports the outcome of a remote fine execution.
type ExecuteResponse struct {
	OK         bool                   `json:"ok"`
	ExecutedOn string                 `json:"executed_on"`
	Slot       int64                  `json:"slot"`
	TraceID    string                 `json:"trace_id"`
	DurationMS float64                `json:"duration_ms"`
	Result     map[string]interface{} `json:"result"`
	Error      string                 `json:"error"`
}

// PeerInfo is the per-peer view published in an agent's /health document
// and consumed by other agents' peer monitors.
type PeerInfo struct {
	OK         bool               `json:"ok"`
	NodeID     string             `json:"node_id"`
	NodeType   string             `json:"node_type"`
	RTTMS      float64            `json:"rtt_ms"`
	AvgMS      map[string]float64 `json:"avg_ms"`
	InFlight   int                `json:"in_flight"`
	QueueLen   int                `json:"queue_len"`
	LastSeenTS float64            `json:"last_seen_ts"`
}

// HealthResponse is the agent's /health telemetry document.
type HealthResponse struct {
	NodeID     string              `json:"node_id"`
	NodeType   string              `json:"node_type"`
	StartedTS  float64             `json:"started_ts"`
	ActiveSlot *int64              `json:"active_slot"`
	QueueLen   int                 `json:"queue_len"`
	InFlight   int                 `json:"in_flight"`
	AvgMS      map[string]float64  `json:"avg_ms"`
	Peers      map[string]PeerInfo `json:"peers"`
}

// BaselineRecord is one exported baseline row.
type BaselineRecord struct {
	Slot      int64                  `json:"slot"`
	TraceID   string                 `json:"trace_id"`
	CreatedTS float64                `json:"created_ts"`
	Payload   map[string]interface{} `json:"payload"`
}

// DetectRecord is one exported detect row.
type DetectRecord struct {
	Slot      int64                  `json:"slot"`
	TraceID   string                 `json:"trace_id"`
	CreatedTS float64                `json:"created_ts"`
	Abnormal  int                    `json:"abnormal"`
	Payload   map[string]interface{} `json:"payload"`
}

// FineRecord is one exported fine row. Fine rows are append-only: a failed
// remote attempt and its local fallback both appear.
type FineRecord struct {
	Slot       int64                  `json:"slot"`
	TraceID    string                 `json:"trace_id"`
	CreatedTS  float64                `json:"created_ts"`
	Offloaded  int                    `json:"offloaded"`
	ExecutedOn string                 `json:"executed_on"`
	Origin     string                 `json:"origin"`
	OK         int                    `json:"ok"`
	DurationMS float64                `json:"duration_ms"`
	Payload    map[string]interface{} `json:"payload"`
}

// UploadBatch is the body of POST /upload_batch on the collector.
type UploadBatch struct {
	BatchID  string           `json:"batch_id"`
	SentTS   float64          `json:"sent_ts"`
	NodeID   string           `json:"node_id"`
	NodeType string           `json:"node_type"`
	Slots    []int64          `json:"slots"`
	Baseline []BaselineRecord `json:"baseline"`
	Detect   []DetectRecord   `json:"detect"`
	Fine     []FineRecord     `json:"fine"`
}

// UploadResponse acknowledges a received batch. Replays of a known batch_id
// are acknowledged without re-insertion.
type UploadResponse struct {
	OK         bool    `json:"ok"`
	ReceivedTS float64 `json:"received_ts"`
	BatchID    string  `json:"batch_id"`
	Slots      []int64 `json:"slots"`
}
