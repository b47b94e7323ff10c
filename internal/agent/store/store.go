// Package store is the edge agent's durable slot store, an embedded SQLite
// database on the node's local disk. Results survive restarts; upload marks
// make batch shipping crash-safe.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"

	"waterline/pkg/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS baseline (
	slot INTEGER PRIMARY KEY,
	trace_id TEXT NOT NULL,
	created_ts REAL NOT NULL,
	payload_json TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS detect_result (
	slot INTEGER PRIMARY KEY,
	trace_id TEXT NOT NULL,
	created_ts REAL NOT NULL,
	abnormal INTEGER NOT NULL,
	payload_json TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS fine_result (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	slot INTEGER NOT NULL,
	trace_id TEXT NOT NULL,
	created_ts REAL NOT NULL,
	offloaded INTEGER NOT NULL,
	executed_on TEXT NOT NULL,
	origin TEXT NOT NULL,
	ok INTEGER NOT NULL,
	duration_ms REAL NOT NULL,
	payload_json TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_fine_slot ON fine_result(slot);
CREATE TABLE IF NOT EXISTS upload_mark (
	slot INTEGER PRIMARY KEY,
	batch_id TEXT NOT NULL,
	uploaded_ts REAL NOT NULL
);
`

// Store wraps the agent's SQLite database.
type Store struct {
	db     *sql.DB
	logger logrus.FieldLogger
}

// Open opens (creating if needed) the slot store at path and ensures the
// schema exists. WAL keeps the single writer from blocking readers.
func Open(path string, logger logrus.FieldLogger) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open slot store: %w", err)
	}
	// all writes funnel through the orchestrator and uploader; one
	// connection avoids SQLITE_BUSY churn
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure slot store schema: %w", err)
	}
	logger.WithField("db_path", path).Info("Slot store ready")
	return &Store{db: db, logger: logger}, nil
}

// DB exposes the underlying handle for health checks.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// UpsertBaseline stores the estimate result for a closed slot, replacing any
// previous row for the same slot.
func (s *Store) UpsertBaseline(slot int64, traceID string, payload map[string]interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode baseline: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO baseline(slot, trace_id, created_ts, payload_json) VALUES(?, ?, ?, ?)
		 ON CONFLICT(slot) DO UPDATE SET trace_id = excluded.trace_id, created_ts = excluded.created_ts, payload_json = excluded.payload_json`,
		slot, traceID, nowSeconds(), string(raw))
	return err
}

// GetBaseline returns the stored baseline for a slot, or nil when absent.
// A row whose payload no longer parses comes back as {"raw": text} rather
// than an error; detect still gets something to work with.
func (s *Store) GetBaseline(slot int64) (map[string]interface{}, error) {
	var raw string
	err := s.db.QueryRow(`SELECT payload_json FROM baseline WHERE slot = ?`, slot).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeOrRaw(raw), nil
}

// UpsertDetect stores the detect result for a slot, replacing any previous
// row. Reruns after a crash overwrite rather than duplicate.
func (s *Store) UpsertDetect(slot int64, traceID string, abnormal bool, payload map[string]interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode detect result: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO detect_result(slot, trace_id, created_ts, abnormal, payload_json) VALUES(?, ?, ?, ?, ?)
		 ON CONFLICT(slot) DO UPDATE SET trace_id = excluded.trace_id, created_ts = excluded.created_ts, abnormal = excluded.abnormal, payload_json = excluded.payload_json`,
		slot, traceID, nowSeconds(), boolInt(abnormal), string(raw))
	return err
}

// InsertFine appends a fine-stage attempt for a slot. Fine rows accumulate:
// a failed remote attempt and its local fallback are both kept.
func (s *Store) InsertFine(slot int64, traceID string, offloaded bool, executedOn, origin string, ok bool, durationMS float64, payload map[string]interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode fine result: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO fine_result(slot, trace_id, created_ts, offloaded, executed_on, origin, ok, duration_ms, payload_json)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		slot, traceID, nowSeconds(), boolInt(offloaded), executedOn, origin, boolInt(ok), durationMS, string(raw))
	return err
}

// ListUnuploadedSlots returns, oldest first, every slot that has a baseline
// but no upload mark.
func (s *Store) ListUnuploadedSlots() ([]int64, error) {
	rows, err := s.db.Query(
		`SELECT b.slot FROM baseline b
		 LEFT JOIN upload_mark u ON u.slot = b.slot
		 WHERE u.slot IS NULL
		 ORDER BY b.slot ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var slots []int64
	for rows.Next() {
		var slot int64
		if err := rows.Scan(&slot); err != nil {
			return nil, err
		}
		slots = append(slots, slot)
	}
	return slots, rows.Err()
}

// ExportBatch gathers every stored row for the given slots into upload form.
func (s *Store) ExportBatch(slots []int64) ([]models.BaselineRecord, []models.DetectRecord, []models.FineRecord, error) {
	if len(slots) == 0 {
		return nil, nil, nil, nil
	}
	placeholders, args := slotArgs(slots)

	var baselines []models.BaselineRecord
	rows, err := s.db.Query(
		`SELECT slot, trace_id, created_ts, payload_json FROM baseline WHERE slot IN (`+placeholders+`) ORDER BY slot`, args...)
	if err != nil {
		return nil, nil, nil, err
	}
	for rows.Next() {
		var rec models.BaselineRecord
		var raw string
		if err := rows.Scan(&rec.Slot, &rec.TraceID, &rec.CreatedTS, &raw); err != nil {
			rows.Close()
			return nil, nil, nil, err
		}
		rec.Payload = decodeOrRaw(raw)
		baselines = append(baselines, rec)
	}
	if err := closeRows(rows); err != nil {
		return nil, nil, nil, err
	}

	var detects []models.DetectRecord
	rows, err = s.db.Query(
		`SELECT slot, trace_id, created_ts, abnormal, payload_json FROM detect_result WHERE slot IN (`+placeholders+`) ORDER BY slot`, args...)
	if err != nil {
		return nil, nil, nil, err
	}
	for rows.Next() {
		var rec models.DetectRecord
		var raw string
		if err := rows.Scan(&rec.Slot, &rec.TraceID, &rec.CreatedTS, &rec.Abnormal, &raw); err != nil {
			rows.Close()
			return nil, nil, nil, err
		}
		rec.Payload = decodeOrRaw(raw)
		detects = append(detects, rec)
	}
	if err := closeRows(rows); err != nil {
		return nil, nil, nil, err
	}

	var fines []models.FineRecord
	rows, err = s.db.Query(
		`SELECT slot, trace_id, created_ts, offloaded, executed_on, origin, ok, duration_ms, payload_json
		 FROM fine_result WHERE slot IN (`+placeholders+`) ORDER BY slot, id`, args...)
	if err != nil {
		return nil, nil, nil, err
	}
	for rows.Next() {
		var rec models.FineRecord
		var raw string
		if err := rows.Scan(&rec.Slot, &rec.TraceID, &rec.CreatedTS, &rec.Offloaded, &rec.ExecutedOn, &rec.Origin, &rec.OK, &rec.DurationMS, &raw); err != nil {
			rows.Close()
			return nil, nil, nil, err
		}
		rec.Payload = decodeOrRaw(raw)
		fines = append(fines, rec)
	}
	if err := closeRows(rows); err != nil {
		return nil, nil, nil, err
	}

	return baselines, detects, fines, nil
}

// MarkUploaded records, in one transaction, that the given slots were shipped
// in the named batch and acknowledged by the collector.
func (s *Store) MarkUploaded(slots []int64, batchID string) error {
	if len(slots) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	now := nowSeconds()
	for _, slot := range slots {
		if _, err := tx.Exec(`INSERT OR REPLACE INTO upload_mark(slot, batch_id, uploaded_ts) VALUES(?, ?, ?)`, slot, batchID, now); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func slotArgs(slots []int64) (string, []interface{}) {
	args := make([]interface{}, len(slots))
	for i, s := range slots {
		args[i] = s
	}
	return strings.TrimSuffix(strings.Repeat("?,", len(slots)), ","), args
}

func closeRows(rows *sql.Rows) error {
	err := rows.Err()
	rows.Close()
	return err
}

func decodeOrRaw(raw string) map[string]interface{} {
	var data map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return map[string]interface{}{"raw": raw}
	}
	return data
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nowSeconds() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}
