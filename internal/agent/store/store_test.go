package store

import (
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	s, err := Open(filepath.Join(t.TempDir(), "agent.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestBaselineUpsertReplaces(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.UpsertBaseline(3, "t1", map[string]interface{}{"mean": 1.0}))
	require.NoError(t, s.UpsertBaseline(3, "t2", map[string]interface{}{"mean": 2.0}))

	got, err := s.GetBaseline(3)
	require.NoError(t, err)
	assert.Equal(t, 2.0, got["mean"])
}

func TestGetBaselineAbsentIsNil(t *testing.T) {
	s := newTestStore(t)

	got, err := s.GetBaseline(99)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestGetBaselineMalformedRowFallsBackToRaw(t *testing.T) {
	s := newTestStore(t)

	_, err := s.DB().Exec(
		`INSERT INTO baseline(slot, trace_id, created_ts, payload_json) VALUES(1, 't', 0, 'not-json')`)
	require.NoError(t, err)

	got, err := s.GetBaseline(1)
	require.NoError(t, err)
	assert.Equal(t, "not-json", got["raw"])
}

func TestDetectUpsertReplaces(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.UpsertDetect(4, "t1", true, map[string]interface{}{"abnormal": true}))
	require.NoError(t, s.UpsertDetect(4, "t2", false, map[string]interface{}{"abnormal": false}))

	require.NoError(t, s.UpsertBaseline(4, "t2", map[string]interface{}{}))
	_, detects, _, err := s.ExportBatch([]int64{4})
	require.NoError(t, err)
	require.Len(t, detects, 1)
	assert.Equal(t, 0, detects[0].Abnormal)
	assert.Equal(t, "t2", detects[0].TraceID)
}

func TestFineRowsAppend(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.InsertFine(5, "t", true, "http://up2-1:9100", "node-a", false, 120, map[string]interface{}{"error": "timeout"}))
	require.NoError(t, s.InsertFine(5, "t", false, "node-a", "node-a", true, 340, map[string]interface{}{"label": "leak"}))

	_, _, fines, err := s.ExportBatch([]int64{5})
	require.NoError(t, err)
	require.Len(t, fines, 2)
	assert.Equal(t, 1, fines[0].Offloaded)
	assert.Equal(t, 0, fines[0].OK)
	assert.Equal(t, 0, fines[1].Offloaded)
	assert.Equal(t, 1, fines[1].OK)
	assert.Equal(t, "leak", fines[1].Payload["label"])
}

func TestListUnuploadedSlotsAscending(t *testing.T) {
	s := newTestStore(t)

	for _, slot := range []int64{7, 2, 5} {
		require.NoError(t, s.UpsertBaseline(slot, "t", map[string]interface{}{}))
	}
	require.NoError(t, s.MarkUploaded([]int64{5}, "batch-1"))

	slots, err := s.ListUnuploadedSlots()
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 7}, slots)
}

func TestMarkUploadedIdempotent(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.UpsertBaseline(1, "t", map[string]interface{}{}))
	require.NoError(t, s.MarkUploaded([]int64{1}, "batch-1"))
	require.NoError(t, s.MarkUploaded([]int64{1}, "batch-2"))

	slots, err := s.ListUnuploadedSlots()
	require.NoError(t, err)
	assert.Empty(t, slots)
}

func TestReopenKeepsRows(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	path := filepath.Join(t.TempDir(), "agent.db")

	s, err := Open(path, logger)
	require.NoError(t, err)
	require.NoError(t, s.UpsertBaseline(0, "t", map[string]interface{}{"mean": 3.0}))
	require.NoError(t, s.Close())

	s, err = Open(path, logger)
	require.NoError(t, err)
	defer s.Close()

	got, err := s.GetBaseline(0)
	require.NoError(t, err)
	assert.Equal(t, 3.0, got["mean"])
}

func TestExportBatchEmptySlots(t *testing.T) {
	s := newTestStore(t)

	baselines, detects, fines, err := s.ExportBatch(nil)
	require.NoError(t, err)
	assert.Nil(t, baselines)
	assert.Nil(t, detects)
	assert.Nil(t, fines)
}
