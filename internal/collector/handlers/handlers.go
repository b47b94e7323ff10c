// Package handlers implements the collector's HTTP surface.
package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"waterline/internal/collector/store"
	"waterline/pkg/models"
)

// Handlers carries the collector's request-scoped dependencies.
type Handlers struct {
	store  *store.Store
	logger logrus.FieldLogger
}

// New creates the collector handler set.
func New(s *store.Store, logger logrus.FieldLogger) *Handlers {
	return &Handlers{store: s, logger: logger}
}

// HandleUploadBatch accepts one batch from an edge agent. A replayed
// batch_id is acknowledged without re-insertion so agents can retry freely.
func (h *Handlers) HandleUploadBatch(c *gin.Context) {
	var batch models.UploadBatch
	if err := c.ShouldBindJSON(&batch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}
	if batch.BatchID == "" || batch.NodeID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing batch_id or node_id"})
		return
	}

	inserted, err := h.store.InsertBatch(c.Request.Context(), &batch)
	if err != nil {
		h.logger.WithFields(logrus.Fields{
			"batch_id": batch.BatchID,
			"node_id":  batch.NodeID,
			"error":    err.Error(),
		}).Error("Failed to store batch")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to store batch"})
		return
	}

	h.logger.WithFields(logrus.Fields{
		"batch_id": batch.BatchID,
		"node_id":  batch.NodeID,
		"slots":    len(batch.Slots),
		"inserted": inserted,
	}).Info("Batch received")

	c.JSON(http.StatusOK, models.UploadResponse{
		OK:         true,
		ReceivedTS: float64(time.Now().UnixNano()) / 1e9,
		BatchID:    batch.BatchID,
		Slots:      batch.Slots,
	})
}

// HandleHealth is the simple liveness document agents can probe.
func (h *Handlers) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"ok": true,
		"ts": float64(time.Now().UnixNano()) / 1e9,
	})
}
