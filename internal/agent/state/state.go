// Package state holds the edge agent's shared runtime state: the ingest
// queue, slot tracking caches, per-stage latency estimates, and the peer
// telemetry map. One mutex guards everything; critical sections stay small
// and no lock is ever held across network I/O.
package state

import (
	"sync"
	"time"
)

// Stage names used for latency tracking.
const (
	StageEstimate   = "estimate"
	StageDetect     = "detect"
	StageFine       = "fine"
	StageFineRemote = "fine_remote"
)

// DefaultEWMAAlpha is the smoothing factor for stage duration estimates.
const DefaultEWMAAlpha = 0.2

// EWMA is an exponentially-weighted moving average of stage durations in
// milliseconds. The first sample initializes the value without smoothing.
type EWMA struct {
	alpha       float64
	valueMS     float64
	initialized bool
}

// NewEWMA creates an EWMA with the default smoothing factor.
func NewEWMA() *EWMA {
	return &EWMA{alpha: DefaultEWMAAlpha}
}

// Update folds a new sample into the average and returns the new value.
func (e *EWMA) Update(sampleMS float64) float64 {
	if sampleMS < 0 {
		sampleMS = 0
	}
	if !e.initialized {
		e.valueMS = sampleMS
		e.initialized = true
	} else {
		e.valueMS = e.alpha*sampleMS + (1-e.alpha)*e.valueMS
	}
	return e.valueMS
}

// Value returns the current average in milliseconds.
func (e *EWMA) Value() float64 {
	return e.valueMS
}

// PeerState is the last known telemetry for one configured peer agent.
type PeerState struct {
	URL        string
	LastRTTMS  float64
	LastSeenTS float64
	NodeID     string
	NodeType   string
	AvgMS      map[string]float64
	InFlight   int
	QueueLen   int
	OK         bool
}

// IngestItem is one queued ingest event. Items are ephemeral: created per
// request, consumed by the orchestrator worker, never persisted.
type IngestItem struct {
	Slot      int64
	EventTime float64
	TraceID   string
	Payload   map[string]interface{}
}

// AgentState is the process-wide runtime state shared by the HTTP handlers,
// the orchestrator worker, the peer monitor, and the uploader.
type AgentState struct {
	StartedTS float64

	// IngestQ is the bounded ingest queue; exactly one worker consumes it.
	IngestQ chan IngestItem

	// UploadSignal is edge-triggered: the orchestrator pulses it when a slot
	// closes and the uploader drains it before checking for work.
	UploadSignal chan struct{}

	mu            sync.Mutex
	activeSlot    int64
	activeSlotSet bool
	payloadCache  map[int64]map[string]interface{} // last payload per slot
	detectDone    map[int64]bool
	ewma          map[string]*EWMA
	inFlight      int
	peers         map[string]*PeerState
}

// New creates agent state with an empty peer entry per configured URL.
func New(queueSize int, peerURLs []string) *AgentState {
	st := &AgentState{
		StartedTS:    nowSeconds(),
		IngestQ:      make(chan IngestItem, queueSize),
		UploadSignal: make(chan struct{}, 1),
		payloadCache: make(map[int64]map[string]interface{}),
		detectDone:   make(map[int64]bool),
		ewma: map[string]*EWMA{
			StageEstimate:   NewEWMA(),
			StageDetect:     NewEWMA(),
			StageFine:       NewEWMA(),
			StageFineRemote: NewEWMA(),
		},
		peers: make(map[string]*PeerState),
	}
	for _, url := range peerURLs {
		st.peers[url] = &PeerState{URL: url, LastRTTMS: 9999}
	}
	return st
}

// TryEnqueue attempts a non-blocking put on the ingest queue and reports
// whether the item was accepted.
func (st *AgentState) TryEnqueue(item IngestItem) bool {
	select {
	case st.IngestQ <- item:
		return true
	default:
		return false
	}
}

// QueueLen returns the number of pending ingest items.
func (st *AgentState) QueueLen() int {
	return len(st.IngestQ)
}

// SignalUpload pulses the upload signal; a pulse already pending is enough.
func (st *AgentState) SignalUpload() {
	select {
	case st.UploadSignal <- struct{}{}:
	default:
	}
}

// ActiveSlot returns the current frontier slot, if any slot has been seen.
func (st *AgentState) ActiveSlot() (int64, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.activeSlot, st.activeSlotSet
}

// SetActiveSlot moves the frontier. The orchestrator only ever moves it
// forward.
func (st *AgentState) SetActiveSlot(slot int64) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.activeSlot = slot
	st.activeSlotSet = true
}

// CachePayload records the latest payload seen for a slot (last writer wins).
func (st *AgentState) CachePayload(slot int64, payload map[string]interface{}) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.payloadCache[slot] = payload
}

// CachedPayload returns the cached payload for a slot, if present.
func (st *AgentState) CachedPayload(slot int64) (map[string]interface{}, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	p, ok := st.payloadCache[slot]
	return p, ok
}

// MarkDetectDone records that detect ran for a slot and reports whether this
// was the first sighting.
func (st *AgentState) MarkDetectDone(slot int64) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.detectDone[slot] {
		return false
	}
	st.detectDone[slot] = true
	return true
}

// Prune drops cache and detect-done entries for slots before the horizon.
// Durable rows are unaffected.
func (st *AgentState) Prune(before int64) {
	st.mu.Lock()
	defer st.mu.Unlock()
	for slot := range st.payloadCache {
		if slot < before {
			delete(st.payloadCache, slot)
		}
	}
	for slot := range st.detectDone {
		if slot < before {
			delete(st.detectDone, slot)
		}
	}
}

// BeginCall marks one outstanding stage call.
func (st *AgentState) BeginCall() {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.inFlight++
}

// EndCall clears an outstanding stage call and folds its duration into the
// stage's latency estimate.
func (st *AgentState) EndCall(stage string, durationMS float64) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.inFlight--
	if e, ok := st.ewma[stage]; ok {
		e.Update(durationMS)
	}
}

// InFlight returns the number of outstanding stage calls.
func (st *AgentState) InFlight() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.inFlight
}

// AvgMS returns a snapshot of the per-stage latency estimates.
func (st *AgentState) AvgMS() map[string]float64 {
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make(map[string]float64, len(st.ewma))
	for stage, e := range st.ewma {
		out[stage] = e.Value()
	}
	return out
}

// UpdatePeer applies fn to the state of one peer, creating the entry if the
// URL is new.
func (st *AgentState) UpdatePeer(url string, fn func(*PeerState)) {
	st.mu.Lock()
	defer st.mu.Unlock()
	ps, ok := st.peers[url]
	if !ok {
		ps = &PeerState{URL: url, LastRTTMS: 9999}
		st.peers[url] = ps
	}
	fn(ps)
}

// SnapshotPeers returns a copy of the peer map safe to read without the lock.
func (st *AgentState) SnapshotPeers() map[string]PeerState {
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make(map[string]PeerState, len(st.peers))
	for url, ps := range st.peers {
		cp := *ps
		if ps.AvgMS != nil {
			cp.AvgMS = make(map[string]float64, len(ps.AvgMS))
			for k, v := range ps.AvgMS {
				cp.AvgMS[k] = v
			}
		}
		out[url] = cp
	}
	return out
}

func nowSeconds() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}
