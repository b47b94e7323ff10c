// Package stages calls the computation microservices (estimate, detect,
// fine) and the /execute endpoint of peer agents. Every call reports the
// same outcome shape; retry policy belongs to the orchestrator, not here.
package stages

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"waterline/pkg/clients"
	"waterline/pkg/models"
)

// Outcome is the uniform result of one stage call. OK means the transport
// round-trip succeeded with a 2xx status; whatever the service computed,
// including its own failure reports, lives in Result.
type Outcome struct {
	OK         bool
	Result     map[string]interface{}
	DurationMS float64
	Err        string
}

// Caller posts JSON to the stage services. Local calls use the short timeout;
// remote /execute calls get the longer one since the peer does real work.
type Caller struct {
	estURL  string
	detURL  string
	fineURL string

	local  *http.Client
	remote *http.Client
}

// Config for a stage caller.
type Config struct {
	EstURL         string
	DetURL         string
	FineURL        string
	HTTPTimeout    time.Duration
	ExecuteTimeout time.Duration
}

// NewCaller creates a stage caller with pooled transports.
func NewCaller(cfg Config) *Caller {
	return &Caller{
		estURL:  cfg.EstURL,
		detURL:  cfg.DetURL,
		fineURL: cfg.FineURL,
		local:   &http.Client{Timeout: cfg.HTTPTimeout, Transport: clients.DefaultTransport()},
		remote:  &http.Client{Timeout: cfg.ExecuteTimeout, Transport: clients.DefaultTransport()},
	}
}

// Estimate runs the coarse baseline estimation for a slot.
func (c *Caller) Estimate(ctx context.Context, slot int64, traceID string, payload map[string]interface{}) Outcome {
	return c.post(ctx, c.local, c.estURL, map[string]interface{}{
		"slot": slot, "trace_id": traceID, "payload": payload,
	})
}

// Detect runs anomaly detection for a slot against the previous slot's
// baseline, which may be nil.
func (c *Caller) Detect(ctx context.Context, slot int64, traceID string, payload, baseline map[string]interface{}) Outcome {
	return c.post(ctx, c.local, c.detURL, map[string]interface{}{
		"slot": slot, "trace_id": traceID, "payload": payload, "baseline": baseline,
	})
}

// Fine runs the fine-grained classification locally.
func (c *Caller) Fine(ctx context.Context, slot int64, traceID string, payload map[string]interface{}) Outcome {
	return c.post(ctx, c.local, c.fineURL, map[string]interface{}{
		"slot": slot, "trace_id": traceID, "payload": payload,
	})
}

// ExecuteRemote asks a peer agent to run a stage on our behalf.
func (c *Caller) ExecuteRemote(ctx context.Context, peerURL string, req models.ExecuteRequest) Outcome {
	url := strings.TrimRight(peerURL, "/") + "/execute"
	return c.post(ctx, c.remote, url, map[string]interface{}{
		"stage": req.Stage, "slot": req.Slot, "trace_id": req.TraceID,
		"payload": req.Payload, "origin": req.Origin,
	})
}

func (c *Caller) post(ctx context.Context, client *http.Client, url string, body map[string]interface{}) Outcome {
	start := time.Now()
	fail := func(err error) Outcome {
		return Outcome{
			Result:     map[string]interface{}{},
			DurationMS: millisSince(start),
			Err:        err.Error(),
		}
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return fail(fmt.Errorf("encode request: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return fail(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fail(err)
	}
	defer resp.Body.Close()

	text, err := io.ReadAll(resp.Body)
	if err != nil {
		return fail(fmt.Errorf("read response: %w", err))
	}
	durMS := millisSince(start)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Outcome{
			Result:     map[string]interface{}{},
			DurationMS: durMS,
			Err:        fmt.Sprintf("%s returned status %d: %s", url, resp.StatusCode, strings.TrimSpace(string(text))),
		}
	}

	var result map[string]interface{}
	if err := json.Unmarshal(text, &result); err != nil {
		// 2xx with a body we cannot parse still counts as success
		result = map[string]interface{}{"raw": string(text)}
	}
	return Outcome{OK: true, Result: result, DurationMS: durMS}
}

func millisSince(start time.Time) float64 {
	return float64(time.Since(start)) / float64(time.Millisecond)
}
