// Package orchestrator runs the slot state machine: a single worker consumes
// the ingest queue, advances the active slot (closing prior slots through
// estimate), runs first-sight detect, and dispatches the fine stage locally
// or to a peer. Serializing everything through one worker keeps slot
// transitions deterministic without per-slot locking.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"waterline/internal/agent/peers"
	"waterline/internal/agent/stages"
	"waterline/internal/agent/state"
	"waterline/internal/agent/store"
	"waterline/pkg/models"
)

// PruneHorizon is how many slots behind the frontier the in-memory payload
// cache and detect-done set are kept.
const PruneHorizon = 50

// StageCaller is the slice of the stage client the orchestrator needs.
type StageCaller interface {
	Estimate(ctx context.Context, slot int64, traceID string, payload map[string]interface{}) stages.Outcome
	Detect(ctx context.Context, slot int64, traceID string, payload, baseline map[string]interface{}) stages.Outcome
	Fine(ctx context.Context, slot int64, traceID string, payload map[string]interface{}) stages.Outcome
	ExecuteRemote(ctx context.Context, peerURL string, req models.ExecuteRequest) stages.Outcome
}

// Metrics holds the optional Prometheus instruments for stage calls. A nil
// Metrics (or nil fields) disables recording, which keeps tests quiet.
type Metrics struct {
	StageCalls    *prometheus.CounterVec
	StageDuration *prometheus.HistogramVec
}

func (m *Metrics) observe(stage string, ok bool, durationMS float64) {
	if m == nil {
		return
	}
	status := "ok"
	if !ok {
		status = "error"
	}
	if m.StageCalls != nil {
		m.StageCalls.WithLabelValues(stage, status).Inc()
	}
	if m.StageDuration != nil {
		m.StageDuration.WithLabelValues(stage).Observe(durationMS / 1000.0)
	}
}

// Orchestrator owns the ingest worker and the fine-offload policy.
type Orchestrator struct {
	nodeID  string
	state   *state.AgentState
	store   *store.Store
	caller  StageCaller
	logger  logrus.FieldLogger
	metrics *Metrics
}

// New creates an orchestrator.
func New(nodeID string, st *state.AgentState, slotStore *store.Store, caller StageCaller, logger logrus.FieldLogger, metrics *Metrics) *Orchestrator {
	return &Orchestrator{
		nodeID:  nodeID,
		state:   st,
		store:   slotStore,
		caller:  caller,
		logger:  logger,
		metrics: metrics,
	}
}

// Run consumes the ingest queue until the context is cancelled. A failing
// item is logged and dropped; the worker itself never dies.
func (o *Orchestrator) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case item := <-o.state.IngestQ:
			o.ProcessItem(ctx, item)
		}
	}
}

// ProcessItem handles one ingest event end to end.
func (o *Orchestrator) ProcessItem(ctx context.Context, item state.IngestItem) {
	// flush probe: advance and close slots, nothing else. Replay clients
	// send one after the last real event so the final slot gets a baseline.
	if flush, ok := item.Payload["__flush__"].(bool); ok && flush {
		o.advance(ctx, item.Slot)
		return
	}

	o.advance(ctx, item.Slot)
	o.state.CachePayload(item.Slot, item.Payload)

	if o.state.MarkDetectDone(item.Slot) {
		o.runDetectAndMaybeFine(ctx, item.Slot, item.TraceID, item.Payload)
	}
}

// advance closes every slot in [active, newSlot) that has a cached payload
// by running estimate, then moves the frontier and prunes old entries. The
// frontier never moves backwards, so late events cannot rewind it.
func (o *Orchestrator) advance(ctx context.Context, newSlot int64) {
	active, ok := o.state.ActiveSlot()
	if !ok {
		o.state.SetActiveSlot(newSlot)
		return
	}
	if newSlot <= active {
		return
	}

	for s := active; s < newSlot; s++ {
		cached, ok := o.state.CachedPayload(s)
		if !ok {
			continue
		}
		o.runEstimate(ctx, s, cached)
		o.state.SignalUpload()
	}

	o.state.SetActiveSlot(newSlot)
	o.state.Prune(newSlot - PruneHorizon)
}

// runEstimate closes a slot. The baseline row is written whether or not the
// call succeeded so downstream always has something to read.
func (o *Orchestrator) runEstimate(ctx context.Context, slot int64, payload map[string]interface{}) {
	traceID := fmt.Sprintf("est-%d", slot)
	out := o.observe(state.StageEstimate, func() stages.Outcome {
		return o.caller.Estimate(ctx, slot, traceID, payload)
	})

	stored := out.Result
	if !out.OK {
		stored = map[string]interface{}{"error": out.Err, "result": out.Result}
	}
	if err := o.store.UpsertBaseline(slot, traceID, stored); err != nil {
		o.logger.WithFields(logrus.Fields{"slot": slot, "error": err.Error()}).Error("Failed to persist baseline")
	}
	o.logger.WithFields(logrus.Fields{
		"slot": slot, "ok": out.OK, "duration_ms": out.DurationMS,
	}).Info("Slot closed")
}

func (o *Orchestrator) runDetectAndMaybeFine(ctx context.Context, slot int64, traceID string, payload map[string]interface{}) {
	baseline, err := o.store.GetBaseline(slot - 1)
	if err != nil {
		o.logger.WithFields(logrus.Fields{"slot": slot, "error": err.Error()}).Error("Failed to read baseline")
	}

	out := o.observe(state.StageDetect, func() stages.Outcome {
		return o.caller.Detect(ctx, slot, traceID, payload, baseline)
	})

	abnormal := false
	stored := out.Result
	if out.OK {
		abnormal, _ = out.Result["abnormal"].(bool)
	} else {
		stored = map[string]interface{}{"error": out.Err, "result": out.Result}
	}
	if err := o.store.UpsertDetect(slot, traceID, abnormal, stored); err != nil {
		o.logger.WithFields(logrus.Fields{"slot": slot, "error": err.Error()}).Error("Failed to persist detect result")
	}

	if abnormal {
		o.fineWithOffload(ctx, slot, traceID, payload)
	}
}

// fineWithOffload tries the best-scoring peer first, then falls back to the
// local fine service. Every attempt leaves a row.
func (o *Orchestrator) fineWithOffload(ctx context.Context, slot int64, traceID string, payload map[string]interface{}) {
	target := peers.PickTargetForFine(o.state.SnapshotPeers())
	if target != "" {
		out := o.observe(state.StageFineRemote, func() stages.Outcome {
			return o.caller.ExecuteRemote(ctx, target, models.ExecuteRequest{
				Stage: "fine", Slot: slot, TraceID: traceID,
				Payload: payload, Origin: o.nodeID,
			})
		})

		if out.OK {
			if err := o.store.InsertFine(slot, traceID, true, target, o.nodeID, true, out.DurationMS, out.Result); err != nil {
				o.logger.WithFields(logrus.Fields{"slot": slot, "error": err.Error()}).Error("Failed to persist fine result")
			}
			return
		}

		o.logger.WithFields(logrus.Fields{
			"slot": slot, "peer": target, "error": out.Err,
		}).Warn("Remote fine failed, falling back to local")
		if err := o.store.InsertFine(slot, traceID, true, target, o.nodeID, false, out.DurationMS,
			map[string]interface{}{"error": out.Err, "result": out.Result}); err != nil {
			o.logger.WithFields(logrus.Fields{"slot": slot, "error": err.Error()}).Error("Failed to persist fine result")
		}
	}

	out := o.observe(state.StageFine, func() stages.Outcome {
		return o.caller.Fine(ctx, slot, traceID, payload)
	})
	stored := out.Result
	if !out.OK {
		stored = map[string]interface{}{"error": out.Err, "result": out.Result}
	}
	if err := o.store.InsertFine(slot, traceID, false, o.nodeID, o.nodeID, out.OK, out.DurationMS, stored); err != nil {
		o.logger.WithFields(logrus.Fields{"slot": slot, "error": err.Error()}).Error("Failed to persist fine result")
	}
}

// ExecuteFine runs the local fine stage on behalf of a peer and records the
// attempt against this node.
func (o *Orchestrator) ExecuteFine(ctx context.Context, req models.ExecuteRequest) models.ExecuteResponse {
	out := o.observe(state.StageFine, func() stages.Outcome {
		return o.caller.Fine(ctx, req.Slot, req.TraceID, req.Payload)
	})

	stored := out.Result
	result := out.Result
	if !out.OK {
		stored = map[string]interface{}{"fine_result": out.Result, "error": out.Err}
		result = map[string]interface{}{"error": out.Err}
	}
	if err := o.store.InsertFine(req.Slot, req.TraceID, true, o.nodeID, req.Origin, out.OK, out.DurationMS, stored); err != nil {
		o.logger.WithFields(logrus.Fields{"slot": req.Slot, "error": err.Error()}).Error("Failed to persist fine result")
	}

	return models.ExecuteResponse{
		OK:         out.OK,
		ExecutedOn: o.nodeID,
		Slot:       req.Slot,
		TraceID:    req.TraceID,
		DurationMS: out.DurationMS,
		Result:     result,
		Error:      out.Err,
	}
}

// observe wraps a stage call with in-flight accounting, wall-clock timing,
// the EWMA update, and metrics. The wall clock is what feeds avg_ms so peers
// score us on observed latency, not the service's self-reported one.
func (o *Orchestrator) observe(stage string, fn func() stages.Outcome) stages.Outcome {
	o.state.BeginCall()
	start := time.Now()
	out := fn()
	durationMS := float64(time.Since(start)) / float64(time.Millisecond)
	out.DurationMS = durationMS
	o.state.EndCall(stage, durationMS)
	o.metrics.observe(stage, out.OK, durationMS)
	return out
}
