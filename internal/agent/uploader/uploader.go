// Package uploader ships closed slots to the collector in fixed-size
// batches. Upload marks are written only after the collector acknowledges,
// so a crash between send and mark re-ships the batch; the collector's
// batch_id dedup makes the replay harmless.
package uploader

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"waterline/internal/agent/state"
	"waterline/internal/agent/store"
	"waterline/pkg/models"
)

// BatchSender posts one batch to the collector.
type BatchSender interface {
	UploadBatch(ctx context.Context, batch *models.UploadBatch) (*models.UploadResponse, error)
}

// Uploader drains closed slots into collector batches.
type Uploader struct {
	nodeID        string
	nodeType      string
	uploadEvery   int
	checkInterval time.Duration

	state  *state.AgentState
	store  *store.Store
	sender BatchSender
	logger logrus.FieldLogger
}

// Config for an uploader.
type Config struct {
	NodeID        string
	NodeType      string
	UploadEvery   int
	CheckInterval time.Duration
}

// New creates an uploader.
func New(cfg Config, st *state.AgentState, slotStore *store.Store, sender BatchSender, logger logrus.FieldLogger) *Uploader {
	return &Uploader{
		nodeID:        cfg.NodeID,
		nodeType:      cfg.NodeType,
		uploadEvery:   cfg.UploadEvery,
		checkInterval: cfg.CheckInterval,
		state:         st,
		store:         slotStore,
		sender:        sender,
		logger:        logger,
	}
}

// Run wakes on slot-closure pulses or the periodic check and ships at most
// one batch per wake. Remaining slots ride the next wake.
func (u *Uploader) Run(ctx context.Context) {
	ticker := time.NewTicker(u.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-u.state.UploadSignal:
		case <-ticker.C:
		}
		if err := u.RunOnce(ctx); err != nil {
			u.logger.WithField("error", err.Error()).Warn("Upload attempt failed, will retry")
		}
	}
}

// RunOnce ships one batch if at least uploadEvery closed slots are waiting.
// Fewer than a full batch is not an error; the slots wait for more closures.
func (u *Uploader) RunOnce(ctx context.Context) error {
	slots, err := u.store.ListUnuploadedSlots()
	if err != nil {
		return err
	}
	if len(slots) < u.uploadEvery {
		return nil
	}
	batchSlots := slots[:u.uploadEvery]

	baselines, detects, fines, err := u.store.ExportBatch(batchSlots)
	if err != nil {
		return err
	}

	batch := &models.UploadBatch{
		BatchID:  uuid.New().String(),
		SentTS:   float64(time.Now().UnixNano()) / 1e9,
		NodeID:   u.nodeID,
		NodeType: u.nodeType,
		Slots:    batchSlots,
		Baseline: baselines,
		Detect:   detects,
		Fine:     fines,
	}

	if _, err := u.sender.UploadBatch(ctx, batch); err != nil {
		return err
	}
	if err := u.store.MarkUploaded(batchSlots, batch.BatchID); err != nil {
		return err
	}

	u.logger.WithFields(logrus.Fields{
		"batch_id": batch.BatchID,
		"slots":    len(batchSlots),
	}).Info("Batch uploaded")
	return nil
}
