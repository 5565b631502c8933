// Package effects implements the Effect Dispatcher (spec §4.4): a
// mapping from a "$event" discriminant to a handler closure, registered
// once at construction, exactly as §9's Design Notes recommend. Grounded
// on the teacher's hook/event-channel plumbing in pkg/queue/queue.go
// (OnJobStart/.../Emit/Events()).
package effects

import (
	"context"
	"log/slog"

	"github.com/jdziat/declarative-pipeline/pkg/core"
	"github.com/jdziat/declarative-pipeline/pkg/metrics"
)

// EffectContext is the common context every handler receives (§4.4).
type EffectContext struct {
	JobID    string
	Task     string
	Result   any
	Err      error
	Progress int
}

// AsTemplateContext flattens the effect context into the shape the
// template resolver expects, for interpolating effect string fields.
func (c EffectContext) AsTemplateContext() map[string]any {
	errMsg := ""
	if c.Err != nil {
		errMsg = c.Err.Error()
	}
	return map[string]any{
		"jobId":    c.JobID,
		"task":     c.Task,
		"result":   c.Result,
		"error":    errMsg,
		"progress": c.Progress,
	}
}

// Handler processes one effect record.
type Handler func(ctx context.Context, effect core.Effect, ectx EffectContext) error

// ToastRecord, InvalidateRecord, and EmitRecord are the in-process channel
// payloads for the channel-only handlers (§6.3).
type ToastRecord struct {
	JobID   string
	Message string
	Kind    string
}

type InvalidateRecord struct {
	Path   string
	Tags   []string
	TaskID string
}

type EmitRecord struct {
	Name string
	Data map[string]any
}

// EnqueueFunc is how the "enqueue" handler submits a child job; wired to
// pkg/queue.Queue.Enqueue at composition time (a function value, not an
// import, so effects does not depend on queue while queue depends on
// effects — see SPEC_FULL.md C4 notes).
type EnqueueFunc func(ctx context.Context, job *core.Job) (string, error)

// Dispatcher holds the $event -> Handler mapping and the optional
// channel subscribers for the in-process-only effect kinds.
type Dispatcher struct {
	handlers map[string]Handler
	logger   *slog.Logger

	toastCh      chan ToastRecord
	invalidateCh chan InvalidateRecord
	emitCh       chan EmitRecord

	slackWebhookURL   string
	discordWebhookURL string
	enqueue           EnqueueFunc
}

// Option configures a Dispatcher at construction.
type Option func(*Dispatcher)

func WithLogger(l *slog.Logger) Option { return func(d *Dispatcher) { d.logger = l } }
func WithSlackWebhookURL(url string) Option {
	return func(d *Dispatcher) { d.slackWebhookURL = url }
}
func WithDiscordWebhookURL(url string) Option {
	return func(d *Dispatcher) { d.discordWebhookURL = url }
}
func WithEnqueue(fn EnqueueFunc) Option { return func(d *Dispatcher) { d.enqueue = fn } }

// WithToastChannel installs a buffered subscriber channel for "toast"
// effects; if none is installed, toast effects are dispatched with no I/O
// (§4.4: "No I/O if no subscriber.").
func WithToastChannel(ch chan ToastRecord) Option {
	return func(d *Dispatcher) { d.toastCh = ch }
}
func WithInvalidateChannel(ch chan InvalidateRecord) Option {
	return func(d *Dispatcher) { d.invalidateCh = ch }
}
func WithEmitChannel(ch chan EmitRecord) Option {
	return func(d *Dispatcher) { d.emitCh = ch }
}

// New builds a Dispatcher with the standard handler set (toast/webhook/
// notify/invalidate/emit/enqueue) registered.
func New(opts ...Option) *Dispatcher {
	d := &Dispatcher{handlers: map[string]Handler{}, logger: slog.Default()}
	for _, opt := range opts {
		opt(d)
	}
	d.handlers["toast"] = d.handleToast
	d.handlers["webhook"] = d.handleWebhook
	d.handlers["notify"] = d.handleNotify
	d.handlers["invalidate"] = d.handleInvalidate
	d.handlers["emit"] = d.handleEmit
	d.handlers["enqueue"] = d.handleEnqueue
	return d
}

// Register installs or overrides a handler for $event == name, letting a
// caller add effect kinds without forking the dispatcher (§9).
func (d *Dispatcher) Register(name string, h Handler) {
	d.handlers[name] = h
}

// Dispatch invokes the handler matching each effect's "$event" in
// declaration order, awaiting each before the next (§5 ordering
// guarantee). A handler failure is logged and swallowed — effects never
// affect job outcome (§4.4, §7 EffectFailure) — and every subsequent
// handler in the list still runs (§8 "Effect resilience").
func (d *Dispatcher) Dispatch(ctx context.Context, effectList []core.Effect, ectx EffectContext) {
	for _, e := range effectList {
		event := e.Event()
		h, ok := d.handlers[event]
		if !ok {
			d.logger.Warn("unknown effect kind", "event", event, "job_id", ectx.JobID)
			continue
		}
		if err := h(ctx, e, ectx); err != nil {
			metrics.EffectFailuresTotal.WithLabelValues(event).Inc()
			d.logger.Error("effect handler failed", "event", event, "job_id", ectx.JobID,
				"error", (&core.EffectError{Event: event, Err: err}).Error())
		}
	}
}
