package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"waterline/internal/agent/orchestrator"
	"waterline/internal/agent/stages"
	"waterline/internal/agent/state"
	"waterline/internal/agent/store"
	"waterline/pkg/models"
)

type stubCaller struct {
	fineOut stages.Outcome
}

func (s *stubCaller) Estimate(ctx context.Context, slot int64, traceID string, payload map[string]interface{}) stages.Outcome {
	return stages.Outcome{OK: true, Result: map[string]interface{}{}}
}

func (s *stubCaller) Detect(ctx context.Context, slot int64, traceID string, payload, baseline map[string]interface{}) stages.Outcome {
	return stages.Outcome{OK: true, Result: map[string]interface{}{"abnormal": false}}
}

func (s *stubCaller) Fine(ctx context.Context, slot int64, traceID string, payload map[string]interface{}) stages.Outcome {
	return s.fineOut
}

func (s *stubCaller) ExecuteRemote(ctx context.Context, peerURL string, req models.ExecuteRequest) stages.Outcome {
	return stages.Outcome{OK: true, Result: map[string]interface{}{}}
}

func setupRouter(t *testing.T, queueSize int) (*gin.Engine, *state.AgentState) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	s, err := store.Open(filepath.Join(t.TempDir(), "agent.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	st := state.New(queueSize, nil)
	orch := orchestrator.New("node-a", st, s, &stubCaller{
		fineOut: stages.Outcome{OK: true, Result: map[string]interface{}{"label": "leak"}},
	}, logger, nil)
	h := New("node-a", "pi", 300, st, orch, logger)

	router := gin.New()
	router.POST("/ingest", h.HandleIngest)
	router.POST("/execute", h.HandleExecute)
	router.GET("/health", h.HandleHealth)
	return router, st
}

func postJSON(router *gin.Engine, path string, body interface{}) *httptest.ResponseRecorder {
	raw, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestIngestAcceptsAndAssignsSlot(t *testing.T) {
	router, st := setupRouter(t, 8)

	eventTime := 650.0
	w := postJSON(router, "/ingest", models.IngestRequest{
		Payload:   map[string]interface{}{"turbidity": 4.2},
		TraceID:   "trace-1",
		EventTime: &eventTime,
	})

	require.Equal(t, http.StatusOK, w.Code)
	var resp models.IngestResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Accepted)
	assert.Equal(t, int64(2), resp.Slot)
	assert.Equal(t, "trace-1", resp.TraceID)
	assert.Equal(t, 1, st.QueueLen())
}

func TestIngestGeneratesTraceID(t *testing.T) {
	router, _ := setupRouter(t, 8)

	w := postJSON(router, "/ingest", map[string]interface{}{
		"payload": map[string]interface{}{"v": 1},
	})

	require.Equal(t, http.StatusOK, w.Code)
	var resp models.IngestResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.TraceID)
}

func TestIngestMissingPayloadRejected(t *testing.T) {
	router, _ := setupRouter(t, 8)

	w := postJSON(router, "/ingest", map[string]interface{}{"trace_id": "t"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestIngestQueueFullReturns429(t *testing.T) {
	router, _ := setupRouter(t, 1)

	eventTime := 0.0
	body := models.IngestRequest{
		Payload:   map[string]interface{}{"v": 1},
		EventTime: &eventTime,
	}
	require.Equal(t, http.StatusOK, postJSON(router, "/ingest", body).Code)

	w := postJSON(router, "/ingest", body)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Contains(t, w.Body.String(), "ingest queue full")
}

func TestExecuteRunsFine(t *testing.T) {
	router, _ := setupRouter(t, 8)

	w := postJSON(router, "/execute", models.ExecuteRequest{
		Stage: "fine", Slot: 3, TraceID: "t", Origin: "node-b",
		Payload: map[string]interface{}{"v": 1},
	})

	require.Equal(t, http.StatusOK, w.Code)
	var resp models.ExecuteResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.OK)
	assert.Equal(t, "node-a", resp.ExecutedOn)
	assert.Equal(t, "leak", resp.Result["label"])
}

func TestExecuteRejectsOtherStages(t *testing.T) {
	router, _ := setupRouter(t, 8)

	w := postJSON(router, "/execute", models.ExecuteRequest{
		Stage: "detect", Slot: 1, TraceID: "t", Origin: "node-b",
	})

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "unsupported stage")
}

func TestHealthDocumentShape(t *testing.T) {
	router, st := setupRouter(t, 8)
	st.SetActiveSlot(12)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp models.HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "node-a", resp.NodeID)
	assert.Equal(t, "pi", resp.NodeType)
	require.NotNil(t, resp.ActiveSlot)
	assert.Equal(t, int64(12), *resp.ActiveSlot)
	assert.Contains(t, resp.AvgMS, "fine")
	assert.NotNil(t, resp.Peers)
}

func TestHealthActiveSlotNullBeforeFirstIngest(t *testing.T) {
	router, _ := setupRouter(t, 8)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	var resp models.HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Nil(t, resp.ActiveSlot)
}
