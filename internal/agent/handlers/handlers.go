// Package handlers implements the edge agent's HTTP surface: ingest,
// peer-offload execute, and the health/telemetry document.
package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"waterline/internal/agent/orchestrator"
	"waterline/internal/agent/slots"
	"waterline/internal/agent/state"
	"waterline/pkg/models"
)

// Handlers carries the agent's request-scoped dependencies.
type Handlers struct {
	nodeID      string
	nodeType    string
	slotSeconds int
	state       *state.AgentState
	orch        *orchestrator.Orchestrator
	logger      logrus.FieldLogger
}

// New creates the agent handler set.
func New(nodeID, nodeType string, slotSeconds int, st *state.AgentState, orch *orchestrator.Orchestrator, logger logrus.FieldLogger) *Handlers {
	return &Handlers{
		nodeID:      nodeID,
		nodeType:    nodeType,
		slotSeconds: slotSeconds,
		state:       st,
		orch:        orch,
		logger:      logger,
	}
}

// HandleIngest accepts one observation, assigns it a slot, and queues it for
// the orchestrator. The handler never runs stages itself.
func (h *Handlers) HandleIngest(c *gin.Context) {
	var req models.IngestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}

	traceID := req.TraceID
	if traceID == "" {
		traceID = uuid.New().String()
	}
	eventTime := float64(time.Now().UnixNano()) / 1e9
	if req.EventTime != nil {
		eventTime = *req.EventTime
	}
	slot := slots.Of(eventTime, h.slotSeconds)

	accepted := h.state.TryEnqueue(state.IngestItem{
		Slot:      slot,
		EventTime: eventTime,
		TraceID:   traceID,
		Payload:   req.Payload,
	})
	if !accepted {
		h.logger.WithFields(logrus.Fields{
			"slot":     slot,
			"trace_id": traceID,
		}).Warn("Ingest queue full, rejecting event")
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "ingest queue full"})
		return
	}

	c.JSON(http.StatusOK, models.IngestResponse{
		Accepted: true,
		Slot:     slot,
		TraceID:  traceID,
		QueueLen: h.state.QueueLen(),
	})
}

// HandleExecute runs the fine stage on behalf of a peer. Other stages are
// never offloaded.
func (h *Handlers) HandleExecute(c *gin.Context) {
	var req models.ExecuteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}
	if req.Stage != "fine" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported stage"})
		return
	}

	c.JSON(http.StatusOK, h.orch.ExecuteFine(c.Request.Context(), req))
}

// HandleHealth publishes the telemetry document peers score us by.
func (h *Handlers) HandleHealth(c *gin.Context) {
	var activeSlot *int64
	if slot, ok := h.state.ActiveSlot(); ok {
		activeSlot = &slot
	}

	peersOut := make(map[string]models.PeerInfo)
	for url, ps := range h.state.SnapshotPeers() {
		peersOut[url] = models.PeerInfo{
			OK:         ps.OK,
			NodeID:     ps.NodeID,
			NodeType:   ps.NodeType,
			RTTMS:      ps.LastRTTMS,
			AvgMS:      ps.AvgMS,
			InFlight:   ps.InFlight,
			QueueLen:   ps.QueueLen,
			LastSeenTS: ps.LastSeenTS,
		}
	}

	c.JSON(http.StatusOK, models.HealthResponse{
		NodeID:     h.nodeID,
		NodeType:   h.nodeType,
		StartedTS:  h.state.StartedTS,
		ActiveSlot: activeSlot,
		QueueLen:   h.state.QueueLen(),
		InFlight:   h.state.InFlight(),
		AvgMS:      h.state.AvgMS(),
		Peers:      peersOut,
	})
}
