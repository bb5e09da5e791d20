// Package staging asks the HSM staging service to bring archives onto fast
// storage before they are unpacked.
package staging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Stager requests that files be staged.
type Stager interface {
	Stage(ctx context.Context, paths []string) error
}

// Nop never stages anything.
type Nop struct{}

// Stage does nothing.
func (Nop) Stage(context.Context, []string) error { return nil }

// Client talks to the staging service over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
	log        *zap.Logger
}

// NewClient creates a staging client.
func NewClient(log *zap.Logger, baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		log: log,
	}
}

type stageRequest struct {
	Paths []string `json:"paths"`
}

type stageResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// Stage posts the paths to the service and checks the reported status.
func (c *Client) Stage(ctx context.Context, paths []string) error {
	body, err := json.Marshal(stageRequest{Paths: paths})
	if err != nil {
		return fmt.Errorf("failed to encode stage request: %w", err)
	}

	c.log.Debug("staging request", zap.Strings("paths", paths))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("staging request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("staging service returned status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}

	var out stageResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("failed to decode staging response: %w", err)
	}
	if out.Status != "ok" && out.Status != "staged" {
		return fmt.Errorf("staging failed: %s %s", out.Status, out.Message)
	}
	return nil
}

// BestEffort wraps a stager so failures are logged instead of returned.
type BestEffort struct {
	Stager Stager
	Log    *zap.Logger
}

// Stage forwards to the wrapped stager and swallows its error.
func (b BestEffort) Stage(ctx context.Context, paths []string) error {
	if err := b.Stager.Stage(ctx, paths); err != nil {
		b.Log.Warn("staging failed, continuing", zap.Strings("paths", paths), zap.Error(err))
	}
	return nil
}
