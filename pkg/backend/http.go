package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/jdziat/declarative-pipeline/pkg/core"
)

// HTTPConfig configures an HTTPBackend (§6.1: "a configuration record
// containing at least a url and optional token").
type HTTPConfig struct {
	URL   string
	Token string
	// HealthPath overrides the default "/health_check" probe path; the
	// spec allows either "/health_check" or "/health".
	HealthPath string
}

// HTTPBackend is a reference adapter implementing the §6.1 wire contract
// against a Modal/Ray-style HTTP compute service. It is deliberately
// thin: a bearer-authed JSON POST/GET, nothing more — see DESIGN.md for
// why this stays on net/http rather than a third-party HTTP client.
type HTTPBackend struct {
	cfg    HTTPConfig
	client *http.Client
}

// NewHTTPBackend builds an adapter from cfg, using a 120s-timeout client
// per §5's "timeouts at the backend transport level (e.g., 120s default)".
func NewHTTPBackend(cfg HTTPConfig) *HTTPBackend {
	return &HTTPBackend{cfg: cfg, client: &http.Client{Timeout: 120 * time.Second}}
}

func (b *HTTPBackend) request(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var rdr io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		rdr = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, b.cfg.URL+path, rdr)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if b.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+b.cfg.Token)
	}
	return b.client.Do(req)
}

// Execute forwards the task to "<url>/run_task" (§6.1).
func (b *HTTPBackend) Execute(ctx context.Context, req core.TaskRequest) (any, error) {
	resp, err := b.request(ctx, http.MethodPost, "/run_task", map[string]any{
		"task_type": req.Task,
		"payload":   req.Payload,
	})
	if err != nil {
		return nil, &core.BackendExecutionError{Task: req.Task, Err: err}
	}
	defer resp.Body.Close()

	var out struct {
		Result any    `json:"result"`
		Error  string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil && err != io.EOF {
		return nil, &core.BackendExecutionError{Task: req.Task, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 || out.Error != "" {
		msg := out.Error
		if msg == "" {
			msg = fmt.Sprintf("remote returned status %d", resp.StatusCode)
		}
		return nil, &core.BackendExecutionError{Task: req.Task, Err: fmt.Errorf("%s", msg)}
	}
	return out.Result, nil
}

// GetStatus retrieves remote execution state from "<url>/status/<id>".
func (b *HTTPBackend) GetStatus(ctx context.Context, taskID string) (*core.TaskResult, error) {
	resp, err := b.request(ctx, http.MethodGet, "/status/"+taskID, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var out core.TaskResult
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	out.ID = taskID
	return &out, nil
}

// IsHealthy probes "<url>/health_check" (or HealthPath if set), timed out
// at 5s per §4.2/§6.1.
func (b *HTTPBackend) IsHealthy(ctx context.Context) bool {
	path := b.cfg.HealthPath
	if path == "" {
		path = "/health_check"
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	resp, err := b.request(ctx, http.MethodGet, path, nil)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// GetResources is optional per §6.1; this reference adapter does not
// implement it.
func (b *HTTPBackend) GetResources(ctx context.Context) (*core.ResourcePool, error) {
	return nil, core.ErrNotSupported
}

// Cancel is optional per §6.1; this reference adapter does not implement it.
func (b *HTTPBackend) Cancel(ctx context.Context, taskID string) (bool, error) {
	return false, core.ErrNotSupported
}
