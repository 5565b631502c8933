package effects

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/jdziat/declarative-pipeline/pkg/core"
	"github.com/jdziat/declarative-pipeline/pkg/template"
)

var httpClient = &http.Client{Timeout: 10 * time.Second}

// handleToast emits a UI notification record (§4.4 toast).
func (d *Dispatcher) handleToast(ctx context.Context, e core.Effect, ectx EffectContext) error {
	if d.toastCh == nil {
		return nil
	}
	msg, err := interpolateField(e, "message", ectx)
	if err != nil {
		return err
	}
	select {
	case d.toastCh <- ToastRecord{JobID: ectx.JobID, Message: msg, Kind: e.String("kind")}:
	default:
	}
	return nil
}

// handleWebhook posts {task, result, error, jobId} to the declared URL
// (§6.3), merging caller headers over Content-Type: application/json.
func (d *Dispatcher) handleWebhook(ctx context.Context, e core.Effect, ectx EffectContext) error {
	url, err := interpolateField(e, "url", ectx)
	if err != nil {
		return err
	}
	if url == "" {
		return fmt.Errorf("webhook effect missing url")
	}
	method := e.String("method")
	if method == "" {
		method = http.MethodPost
	}

	body := map[string]any{
		"task":   ectx.Task,
		"result": ectx.Result,
		"error":  errString(ectx.Err),
		"jobId":  ectx.JobID,
	}
	buf, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range e.StringMap("headers") {
		req.Header.Set(k, v)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// handleNotify routes a templated message to slack/discord/email (§4.4).
func (d *Dispatcher) handleNotify(ctx context.Context, e core.Effect, ectx EffectContext) error {
	channel := e.String("channel")
	message, err := interpolateField(e, "message", ectx)
	if err != nil {
		return err
	}

	switch channel {
	case "slack":
		return postIncomingWebhook(ctx, d.slackWebhookURL, map[string]any{"text": message})
	case "discord":
		return postIncomingWebhook(ctx, d.discordWebhookURL, map[string]any{"content": message})
	case "email":
		// Handler-extensible per §4.4; no email transport ships with the
		// core. A caller installs their own via Dispatcher.Register("notify", ...).
		d.logger.Warn("notify effect targets email but no email transport is configured", "job_id", ectx.JobID)
		return nil
	default:
		return fmt.Errorf("notify effect: unsupported channel %q", channel)
	}
}

func postIncomingWebhook(ctx context.Context, url string, body map[string]any) error {
	if url == "" {
		return fmt.Errorf("no webhook URL configured for this channel")
	}
	buf, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("incoming webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// handleInvalidate emits a cache-invalidation record (§4.4, §6.3).
func (d *Dispatcher) handleInvalidate(ctx context.Context, e core.Effect, ectx EffectContext) error {
	if d.invalidateCh == nil {
		return nil
	}
	var tags []string
	if raw, ok := e["tags"].([]any); ok {
		for _, t := range raw {
			if s, ok := t.(string); ok {
				tags = append(tags, s)
			}
		}
	}
	select {
	case d.invalidateCh <- InvalidateRecord{Path: e.String("path"), Tags: tags, TaskID: ectx.JobID}:
	default:
	}
	return nil
}

// handleEmit emits a custom named event (§4.4, §6.3).
func (d *Dispatcher) handleEmit(ctx context.Context, e core.Effect, ectx EffectContext) error {
	if d.emitCh == nil {
		return nil
	}
	select {
	case d.emitCh <- EmitRecord{Name: e.String("name"), Data: e.Map("data")}:
	default:
	}
	return nil
}

// handleEnqueue builds a child Job by deep-interpolating the declared
// template and enqueues it (§4.4 enqueue — "the core's mechanism for
// fan-out / chaining").
func (d *Dispatcher) handleEnqueue(ctx context.Context, e core.Effect, ectx EffectContext) error {
	if d.enqueue == nil {
		return fmt.Errorf("enqueue effect: no queue wired into the dispatcher")
	}
	jobTemplate := e.Map("job")
	if jobTemplate == nil {
		return fmt.Errorf("enqueue effect missing 'job' field")
	}
	resolved, err := template.InterpolateJSON(jobTemplate, ectx.AsTemplateContext())
	if err != nil {
		return fmt.Errorf("enqueue effect: %w", err)
	}
	buf, err := json.Marshal(resolved)
	if err != nil {
		return err
	}
	var job core.Job
	if err := json.Unmarshal(buf, &job); err != nil {
		return fmt.Errorf("enqueue effect: child job shape mismatch after interpolation: %w", err)
	}
	_, err = d.enqueue(ctx, &job)
	return err
}

func interpolateField(e core.Effect, key string, ectx EffectContext) (string, error) {
	return template.ResolveString(e.String(key), ectx.AsTemplateContext())
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
