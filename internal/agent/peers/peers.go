// Package peers tracks the health and load of configured peer agents and
// picks an offload target for the fine stage.
package peers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"waterline/internal/agent/state"
	"waterline/pkg/clients"
	"waterline/pkg/models"
)

// Monitor polls each configured peer's /health document on an interval and
// folds the telemetry into the shared peer map.
type Monitor struct {
	peers    []string
	interval time.Duration
	state    *state.AgentState
	client   *http.Client
	logger   logrus.FieldLogger
}

// NewMonitor creates a peer monitor. With no peers configured Run returns
// immediately.
func NewMonitor(peers []string, interval, timeout time.Duration, st *state.AgentState, logger logrus.FieldLogger) *Monitor {
	return &Monitor{
		peers:    peers,
		interval: interval,
		state:    st,
		client:   &http.Client{Timeout: timeout, Transport: clients.DefaultTransport()},
		logger:   logger,
	}
}

// Run polls peers until the context is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	if len(m.peers) == 0 {
		return
	}
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		for _, peer := range m.peers {
			m.refreshPeer(ctx, peer)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (m *Monitor) refreshPeer(ctx context.Context, peer string) {
	start := time.Now()
	doc, err := m.fetchHealth(ctx, peer)
	rttMS := float64(time.Since(start)) / float64(time.Millisecond)
	now := float64(time.Now().UnixNano()) / 1e9

	// rtt and last-seen update on every probe; identity and load only on a
	// good response, so a flapping peer keeps its last known telemetry
	m.state.UpdatePeer(peer, func(ps *state.PeerState) {
		ps.LastRTTMS = rttMS
		ps.LastSeenTS = now
		ps.OK = err == nil
		if err == nil {
			ps.NodeID = doc.NodeID
			ps.NodeType = doc.NodeType
			ps.AvgMS = doc.AvgMS
			ps.InFlight = doc.InFlight
			ps.QueueLen = doc.QueueLen
		}
	})

	if err != nil {
		m.logger.WithFields(logrus.Fields{
			"peer":  peer,
			"error": err.Error(),
		}).Debug("Peer health probe failed")
	}
}

func (m *Monitor) fetchHealth(ctx context.Context, peer string) (*models.HealthResponse, error) {
	url := strings.TrimRight(peer, "/") + "/health"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("peer health returned status %d", resp.StatusCode)
	}
	var doc models.HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode peer health: %w", err)
	}
	return &doc, nil
}

// Score ranks a peer for fine offload; lower is better. RTT and the peer's
// average fine duration approximate completion time, in-flight and queue
// length penalize load.
func Score(ps state.PeerState) float64 {
	avgFine := 0.0
	if ps.AvgMS != nil {
		avgFine = ps.AvgMS[state.StageFine]
	}
	return ps.LastRTTMS + avgFine + 30*float64(ps.InFlight) + 10*float64(ps.QueueLen)
}

// PickTargetForFine returns the healthy peer with the lowest score, or ""
// when no peer is usable. Iteration is over sorted URLs so a score tie
// resolves the same way every time.
func PickTargetForFine(peers map[string]state.PeerState) string {
	urls := make([]string, 0, len(peers))
	for url := range peers {
		urls = append(urls, url)
	}
	sort.Strings(urls)

	best := ""
	bestScore := 0.0
	for _, url := range urls {
		ps := peers[url]
		if !ps.OK {
			continue
		}
		score := Score(ps)
		if best == "" || score < bestScore {
			best = url
			bestScore = score
		}
	}
	return best
}
