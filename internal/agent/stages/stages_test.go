package stages

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"waterline/pkg/models"
)

func newCaller(estURL, detURL, fineURL string) *Caller {
	return NewCaller(Config{
		EstURL:         estURL,
		DetURL:         detURL,
		FineURL:        fineURL,
		HTTPTimeout:    2 * time.Second,
		ExecuteTimeout: 2 * time.Second,
	})
}

func TestEstimateSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, float64(3), body["slot"])
		assert.Equal(t, "trace-1", body["trace_id"])

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{"mean": 7.25})
	}))
	defer server.Close()

	c := newCaller(server.URL, server.URL, server.URL)
	out := c.Estimate(context.Background(), 3, "trace-1", map[string]interface{}{"v": 1})

	assert.True(t, out.OK)
	assert.Empty(t, out.Err)
	assert.Equal(t, 7.25, out.Result["mean"])
	assert.Greater(t, out.DurationMS, 0.0)
}

func TestDetectSendsBaseline(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		baseline, ok := body["baseline"].(map[string]interface{})
		require.True(t, ok)
		assert.Equal(t, 5.0, baseline["mean"])

		json.NewEncoder(w).Encode(map[string]interface{}{"abnormal": true})
	}))
	defer server.Close()

	c := newCaller(server.URL, server.URL, server.URL)
	out := c.Detect(context.Background(), 4, "t", map[string]interface{}{}, map[string]interface{}{"mean": 5.0})

	assert.True(t, out.OK)
	assert.Equal(t, true, out.Result["abnormal"])
}

func TestMalformedBodyIsStillSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("oops not json"))
	}))
	defer server.Close()

	c := newCaller(server.URL, server.URL, server.URL)
	out := c.Fine(context.Background(), 1, "t", nil)

	assert.True(t, out.OK)
	assert.Equal(t, "oops not json", out.Result["raw"])
}

func TestServerErrorIsFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model crashed", http.StatusInternalServerError)
	}))
	defer server.Close()

	c := newCaller(server.URL, server.URL, server.URL)
	out := c.Fine(context.Background(), 1, "t", nil)

	assert.False(t, out.OK)
	assert.Contains(t, out.Err, "status 500")
	assert.Contains(t, out.Err, "model crashed")
	assert.Empty(t, out.Result)
}

func TestTimeoutIsFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer server.Close()

	c := NewCaller(Config{
		EstURL:         server.URL,
		DetURL:         server.URL,
		FineURL:        server.URL,
		HTTPTimeout:    50 * time.Millisecond,
		ExecuteTimeout: 50 * time.Millisecond,
	})
	out := c.Estimate(context.Background(), 1, "t", nil)

	assert.False(t, out.OK)
	assert.NotEmpty(t, out.Err)
}

func TestExecuteRemotePathAndBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/execute", r.URL.Path)

		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "fine", body["stage"])
		assert.Equal(t, "node-a", body["origin"])

		json.NewEncoder(w).Encode(map[string]interface{}{"ok": true, "executed_on": "node-b"})
	}))
	defer server.Close()

	c := newCaller(server.URL, server.URL, server.URL)
	out := c.ExecuteRemote(context.Background(), server.URL+"/", models.ExecuteRequest{
		Stage: "fine", Slot: 2, TraceID: "t", Origin: "node-a",
		Payload: map[string]interface{}{"v": 1},
	})

	assert.True(t, out.OK)
	assert.Equal(t, "node-b", out.Result["executed_on"])
}
