package peers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"waterline/internal/agent/state"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func TestRefreshPeerRecordsTelemetry(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"node_id":   "node-b",
			"node_type": "up2",
			"avg_ms":    map[string]float64{"fine": 420},
			"in_flight": 2,
			"queue_len": 5,
		})
	}))
	defer server.Close()

	st := state.New(1, []string{server.URL})
	m := NewMonitor([]string{server.URL}, time.Second, time.Second, st, testLogger())
	m.refreshPeer(context.Background(), server.URL)

	ps := st.SnapshotPeers()[server.URL]
	assert.True(t, ps.OK)
	assert.Equal(t, "node-b", ps.NodeID)
	assert.Equal(t, "up2", ps.NodeType)
	assert.Equal(t, 420.0, ps.AvgMS["fine"])
	assert.Equal(t, 2, ps.InFlight)
	assert.Equal(t, 5, ps.QueueLen)
	assert.Less(t, ps.LastRTTMS, 9999.0)
	assert.Greater(t, ps.LastSeenTS, 0.0)
}

func TestRefreshPeerFailureKeepsLastTelemetry(t *testing.T) {
	fail := false
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail {
			http.Error(w, "down", http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"node_id": "node-b", "node_type": "up2",
			"avg_ms": map[string]float64{"fine": 100},
		})
	}))
	defer server.Close()

	st := state.New(1, []string{server.URL})
	m := NewMonitor([]string{server.URL}, time.Second, time.Second, st, testLogger())

	m.refreshPeer(context.Background(), server.URL)
	fail = true
	m.refreshPeer(context.Background(), server.URL)

	ps := st.SnapshotPeers()[server.URL]
	assert.False(t, ps.OK)
	assert.Equal(t, "node-b", ps.NodeID)
	assert.Equal(t, 100.0, ps.AvgMS["fine"])
}

func TestScore(t *testing.T) {
	ps := state.PeerState{
		LastRTTMS: 10,
		AvgMS:     map[string]float64{"fine": 200},
		InFlight:  3,
		QueueLen:  4,
	}
	assert.Equal(t, 10+200+30*3.0+10*4.0, Score(ps))
}

func TestPickTargetForFineArgmin(t *testing.T) {
	peers := map[string]state.PeerState{
		"http://a:9100": {OK: true, LastRTTMS: 50, AvgMS: map[string]float64{"fine": 500}},
		"http://b:9100": {OK: true, LastRTTMS: 20, AvgMS: map[string]float64{"fine": 100}},
		"http://c:9100": {OK: false, LastRTTMS: 1},
	}
	assert.Equal(t, "http://b:9100", PickTargetForFine(peers))
}

func TestPickTargetForFineDeterministicTie(t *testing.T) {
	peers := map[string]state.PeerState{
		"http://b:9100": {OK: true, LastRTTMS: 10},
		"http://a:9100": {OK: true, LastRTTMS: 10},
	}
	for i := 0; i < 20; i++ {
		require.Equal(t, "http://a:9100", PickTargetForFine(peers))
	}
}

func TestPickTargetForFineNoUsablePeers(t *testing.T) {
	assert.Equal(t, "", PickTargetForFine(nil))
	assert.Equal(t, "", PickTargetForFine(map[string]state.PeerState{
		"http://a:9100": {OK: false},
	}))
}
