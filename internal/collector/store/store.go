// Package store persists uploaded batches on the collector's Postgres.
// Dedup happens here: a batch_id that already landed is acknowledged
// without touching the per-slot tables, which keeps agent-side replays
// from duplicating append-only fine rows.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"waterline/pkg/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS upload_batches (
	batch_id TEXT PRIMARY KEY,
	sent_ts DOUBLE PRECISION NOT NULL,
	received_ts DOUBLE PRECISION NOT NULL,
	node_id TEXT NOT NULL,
	node_type TEXT NOT NULL,
	slots_json TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS baseline_all (
	node_id TEXT NOT NULL,
	slot BIGINT NOT NULL,
	trace_id TEXT NOT NULL,
	created_ts DOUBLE PRECISION NOT NULL,
	payload_json TEXT NOT NULL,
	PRIMARY KEY (node_id, slot)
);
CREATE TABLE IF NOT EXISTS detect_all (
	node_id TEXT NOT NULL,
	slot BIGINT NOT NULL,
	trace_id TEXT NOT NULL,
	created_ts DOUBLE PRECISION NOT NULL,
	abnormal INTEGER NOT NULL,
	payload_json TEXT NOT NULL,
	PRIMARY KEY (node_id, slot)
);
CREATE TABLE IF NOT EXISTS fine_all (
	id BIGSERIAL PRIMARY KEY,
	node_id TEXT NOT NULL,
	slot BIGINT NOT NULL,
	trace_id TEXT NOT NULL,
	created_ts DOUBLE PRECISION NOT NULL,
	offloaded INTEGER NOT NULL,
	executed_on TEXT NOT NULL,
	origin TEXT NOT NULL,
	ok INTEGER NOT NULL,
	duration_ms DOUBLE PRECISION NOT NULL,
	payload_json TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_fine_all_node_slot ON fine_all (node_id, slot);
`

// Store wraps the collector database.
type Store struct {
	db     *sql.DB
	logger logrus.FieldLogger
}

// New wraps an open database handle.
func New(db *sql.DB, logger logrus.FieldLogger) *Store {
	return &Store{db: db, logger: logger}
}

// EnsureSchema creates the collector tables if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ensure collector schema: %w", err)
	}
	return nil
}

// DB exposes the underlying handle for health checks.
func (s *Store) DB() *sql.DB {
	return s.db
}

// InsertBatch stores one uploaded batch in a single transaction and reports
// whether it was new. A replayed batch_id short-circuits before any per-slot
// write. Baseline and detect rows upsert per (node_id, slot); fine rows
// append.
func (s *Store) InsertBatch(ctx context.Context, batch *models.UploadBatch) (bool, error) {
	slotsJSON, err := json.Marshal(batch.Slots)
	if err != nil {
		return false, fmt.Errorf("encode batch slots: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO upload_batches (batch_id, sent_ts, received_ts, node_id, node_type, slots_json)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (batch_id) DO NOTHING`,
		batch.BatchID, batch.SentTS, nowSeconds(), batch.NodeID, batch.NodeType, string(slotsJSON))
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected == 0 {
		s.logger.WithFields(logrus.Fields{
			"batch_id": batch.BatchID,
			"node_id":  batch.NodeID,
		}).Info("Duplicate batch, skipping")
		return false, tx.Commit()
	}

	for _, row := range batch.Baseline {
		payload, err := json.Marshal(row.Payload)
		if err != nil {
			return false, fmt.Errorf("encode baseline payload: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO baseline_all (node_id, slot, trace_id, created_ts, payload_json)
			 VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (node_id, slot) DO UPDATE SET trace_id = EXCLUDED.trace_id, created_ts = EXCLUDED.created_ts, payload_json = EXCLUDED.payload_json`,
			batch.NodeID, row.Slot, row.TraceID, row.CreatedTS, string(payload)); err != nil {
			return false, err
		}
	}

	for _, row := range batch.Detect {
		payload, err := json.Marshal(row.Payload)
		if err != nil {
			return false, fmt.Errorf("encode detect payload: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO detect_all (node_id, slot, trace_id, created_ts, abnormal, payload_json)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 ON CONFLICT (node_id, slot) DO UPDATE SET trace_id = EXCLUDED.trace_id, created_ts = EXCLUDED.created_ts, abnormal = EXCLUDED.abnormal, payload_json = EXCLUDED.payload_json`,
			batch.NodeID, row.Slot, row.TraceID, row.CreatedTS, row.Abnormal, string(payload)); err != nil {
			return false, err
		}
	}

	for _, row := range batch.Fine {
		payload, err := json.Marshal(row.Payload)
		if err != nil {
			return false, fmt.Errorf("encode fine payload: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO fine_all (node_id, slot, trace_id, created_ts, offloaded, executed_on, origin, ok, duration_ms, payload_json)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			batch.NodeID, row.Slot, row.TraceID, row.CreatedTS, row.Offloaded, row.ExecutedOn, row.Origin, row.OK, row.DurationMS, string(payload)); err != nil {
			return false, err
		}
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

func nowSeconds() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}
