// Package engine wraps the compute engine's HTTP and push APIs. The engine
// is treated as an untrusted, possibly-unavailable collaborator: every call
// can fail and callers are expected to degrade instead of crashing.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dverbeek/synthd/pkg/logging"
	"github.com/dverbeek/synthd/pkg/metrics"
	"github.com/dverbeek/synthd/pkg/retry"
)

// ImageOutput identifies one produced image in the engine's output store.
type ImageOutput struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

// NodeOutput holds the outputs one graph node produced.
type NodeOutput struct {
	Images []ImageOutput `json:"images,omitempty"`
}

// HistoryEntry is the engine's record of one submitted execution.
type HistoryEntry struct {
	Outputs map[string]NodeOutput `json:"outputs"`
	Status  struct {
		Completed bool              `json:"completed"`
		Messages  []json.RawMessage `json:"messages,omitempty"`
	} `json:"status"`
}

// QueueStatus is a best-effort snapshot of the engine's internal queue.
type QueueStatus struct {
	Running int `json:"running"`
	Pending int `json:"pending"`
}

type submitResponse struct {
	TicketID   string                     `json:"prompt_id"`
	Number     int                        `json:"number"`
	NodeErrors map[string]json.RawMessage `json:"node_errors,omitempty"`
}

// Client talks to one compute engine instance.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *logging.Logger
	retryCfg   retry.Config
}

func NewClient(baseURL string, logger *logging.Logger) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger,
		retryCfg:   retry.DefaultConfig(),
	}
}

// BaseURL returns the engine's HTTP base.
func (c *Client) BaseURL() string { return c.baseURL }

// Submit sends an execution graph and returns the engine's ticket. Graph
// validation errors from the engine are returned verbatim and are not
// retryable.
func (c *Client) Submit(ctx context.Context, graph interface{}, clientID string) (string, error) {
	body, err := json.Marshal(map[string]interface{}{
		"prompt":    graph,
		"client_id": clientID,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode graph: %w", err)
	}

	var resp submitResponse
	err = retry.Do(ctx, c.retryCfg, func() error {
		return c.postJSON(ctx, "/prompt", body, &resp)
	})
	if err != nil {
		metrics.EngineRequests.WithLabelValues("submit", "error").Inc()
		return "", err
	}
	if len(resp.NodeErrors) > 0 {
		detail, _ := json.Marshal(resp.NodeErrors)
		metrics.EngineRequests.WithLabelValues("submit", "rejected").Inc()
		return "", fmt.Errorf("engine rejected graph: %s", detail)
	}
	if resp.TicketID == "" {
		return "", fmt.Errorf("engine returned no ticket")
	}
	metrics.EngineRequests.WithLabelValues("submit", "ok").Inc()
	return resp.TicketID, nil
}

// History fetches the execution record for a ticket. Returns (nil, nil) when
// the engine has no entry yet. Both response shapes the engine emits are
// accepted: a bare entry and a map keyed by ticket.
func (c *Client) History(ctx context.Context, ticket string) (*HistoryEntry, error) {
	raw, err := c.getJSON(ctx, "/history/"+url.PathEscape(ticket))
	if err != nil {
		metrics.EngineRequests.WithLabelValues("history", "error").Inc()
		return nil, err
	}
	metrics.EngineRequests.WithLabelValues("history", "ok").Inc()

	var direct HistoryEntry
	if err := json.Unmarshal(raw, &direct); err == nil && direct.Outputs != nil {
		return &direct, nil
	}
	var keyed map[string]HistoryEntry
	if err := json.Unmarshal(raw, &keyed); err == nil {
		if entry, ok := keyed[ticket]; ok {
			return &entry, nil
		}
	}
	return nil, nil
}

// Queue reports the engine's internal queue depth. Best-effort; used for
// diagnostics only.
func (c *Client) Queue(ctx context.Context) (*QueueStatus, error) {
	raw, err := c.getJSON(ctx, "/queue")
	if err != nil {
		return nil, err
	}
	var body struct {
		Running []json.RawMessage `json:"queue_running"`
		Pending []json.RawMessage `json:"queue_pending"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, fmt.Errorf("failed to decode queue status: %w", err)
	}
	return &QueueStatus{Running: len(body.Running), Pending: len(body.Pending)}, nil
}

// Capabilities returns the set of node class types the engine supports.
// Returns nil (skip the check, best effort) when the manifest is
// unavailable.
func (c *Client) Capabilities(ctx context.Context) map[string]bool {
	raw, err := c.getJSON(ctx, "/object_info")
	if err != nil {
		c.logger.Warn("capability manifest unavailable", map[string]interface{}{
			"error": err.Error(),
		})
		return nil
	}
	var manifest map[string]json.RawMessage
	if err := json.Unmarshal(raw, &manifest); err != nil {
		c.logger.Warn("capability manifest unreadable", map[string]interface{}{
			"error": err.Error(),
		})
		return nil
	}
	supported := make(map[string]bool, len(manifest))
	for classType := range manifest {
		supported[classType] = true
	}
	return supported
}

// DeviceCount reports the engine's compute devices, for worker sizing.
// Returns 1 when the engine does not answer.
func (c *Client) DeviceCount(ctx context.Context) int {
	raw, err := c.getJSON(ctx, "/system_stats")
	if err != nil {
		return 1
	}
	var body struct {
		Devices []json.RawMessage `json:"devices"`
	}
	if err := json.Unmarshal(raw, &body); err != nil || len(body.Devices) == 0 {
		return 1
	}
	return len(body.Devices)
}

// View streams one output image. The caller owns the returned reader.
func (c *Client) View(ctx context.Context, filename, subfolder, kind string) (io.ReadCloser, string, error) {
	q := url.Values{}
	q.Set("filename", filename)
	q.Set("subfolder", subfolder)
	q.Set("type", kind)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/view?"+q.Encode(), nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.EngineRequests.WithLabelValues("view", "error").Inc()
		return nil, "", fmt.Errorf("engine view failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
		resp.Body.Close()
		metrics.EngineRequests.WithLabelValues("view", "error").Inc()
		return nil, "", fmt.Errorf("engine view failed (%d): %s", resp.StatusCode, body)
	}
	metrics.EngineRequests.WithLabelValues("view", "ok").Inc()
	return resp.Body, resp.Header.Get("Content-Type"), nil
}

func (c *Client) postJSON(ctx context.Context, path string, body []byte, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("engine %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	text, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("engine %s read failed: %w", path, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("engine %s failed (%d): %s", path, resp.StatusCode, truncate(text, 500))
	}
	return json.Unmarshal(text, out)
}

func (c *Client) getJSON(ctx context.Context, path string) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("engine %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	text, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("engine %s read failed: %w", path, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("engine %s failed (%d): %s", path, resp.StatusCode, truncate(text, 500))
	}
	return json.RawMessage(text), nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
