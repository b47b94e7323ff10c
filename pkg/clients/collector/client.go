// Package collector provides the HTTP client used by edge agents to ship
// result batches to the collector sink.
package collector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"waterline/pkg/clients"
	"waterline/pkg/logging"
	"waterline/pkg/models"
)

// Client represents a collector API client
type Client struct {
	baseURL     string
	httpClient  *http.Client
	logger      logging.Logger
	retryConfig clients.RetryConfig
}

// Config represents the configuration for the collector client
type Config struct {
	BaseURL     string
	Timeout     time.Duration
	Logger      logging.Logger
	RetryConfig *clients.RetryConfig
}

// NewClient creates a new collector client
func NewClient(config Config) *Client {
	if config.Timeout == 0 {
		config.Timeout = 15 * time.Second
	}

	retryConfig := clients.DefaultRetryConfig()
	if config.RetryConfig != nil {
		retryConfig = *config.RetryConfig
	}

	return &Client{
		baseURL: config.BaseURL,
		httpClient: &http.Client{
			Timeout:   config.Timeout,
			Transport: clients.DefaultTransport(),
		},
		logger:      config.Logger,
		retryConfig: retryConfig,
	}
}

// UploadBatch ships a deduplicated result batch to the collector. Delivery is
// at-least-once: the collector short-circuits on a repeated batch_id, so
// retrying a delivered batch is harmless.
func (c *Client) UploadBatch(ctx context.Context, batch *models.UploadBatch) (*models.UploadResponse, error) {
	jsonData, err := json.Marshal(batch)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal upload batch: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/upload_batch", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := clients.DoWithRetry(ctx, c.httpClient, httpReq, c.retryConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to upload batch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("collector error (%d): %s", resp.StatusCode, string(body))
	}

	var out models.UploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode collector response: %w", err)
	}

	return &out, nil
}
