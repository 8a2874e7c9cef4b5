// Package director contains the coordination engine: the event-driven loop
// that fuses queue messages, model health updates, and webhook callbacks into
// a single prediction lifecycle.
package director

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/replicate/director/internal/events"
	"github.com/replicate/director/internal/httputil"
	"github.com/replicate/director/internal/logging"
	"github.com/replicate/director/internal/monitor"
	"github.com/replicate/director/internal/queue"
	"github.com/replicate/director/internal/schema"
	"github.com/replicate/director/internal/tasks"
	"github.com/replicate/director/internal/trace"
	"github.com/replicate/director/internal/tracker"
	"github.com/replicate/director/internal/upload"
	"github.com/replicate/director/internal/webhook"
)

const (
	// PollInterval is how often cancelation and shutdown signals are checked
	// while a prediction is running.
	PollInterval = 100 * time.Millisecond

	// PredictionCreateTimeout bounds the create request to the model server.
	PredictionCreateTimeout = 5 * time.Second

	// CancelWait is the grace window for a cancelation to complete.
	CancelWait = 30 * time.Second

	// HealthcheckWait bounds the pre-message health confirmation. It must be
	// at least as long as the healthchecker's complete retry chain.
	HealthcheckWait = 10 * time.Second

	setupPollInterval    = 1 * time.Second
	readyHealthInterval  = 5 * time.Second
	sidecarCreateRetries = 3
	sidecarRetryInterval = 100 * time.Millisecond
	shutdownModelTimeout = 1 * time.Second
	cancelTimeout        = 1 * time.Second
)

// ErrAborted marks errors that terminate the director's main loop.
var ErrAborted = errors.New("director aborted")

// Healthchecker is the director's view of the health prober.
type Healthchecker interface {
	RequestStatus()
	SetInterval(time.Duration)
}

// Registrar is the director's view of the dispatcher worker registration.
type Registrar interface {
	Prepare()
	Idle()
	Busy()
	Shutdown()
	Queue() string
	Expired() bool
	Switched() bool
	ResetSwitched()
}

// Consumer drains prediction requests from the queue.
type Consumer interface {
	Consume(ctx context.Context, opts queue.ConsumeOptions) error
}

type Config struct {
	// SidecarURL is the base URL of the colocated model server.
	SidecarURL string

	// IngressWebhookURL is the local address rewritten into every message's
	// webhook field before it is forwarded to the model server.
	IngressWebhookURL string

	ConsumeTimeout  time.Duration
	PredictTimeout  time.Duration
	MaxFailureCount int
}

// Director owns every other component and runs the prediction lifecycle.
type Director struct {
	events        *events.Bus
	healthchecker Healthchecker
	worker        Registrar
	consumer      Consumer
	monitor       *monitor.Monitor
	executor      *tasks.Executor
	cfg           Config
	logger        *logging.Logger

	client *http.Client
	tracer oteltrace.Tracer

	shouldExit    atomic.Bool
	failureCount  int
	shutdownHooks []func()
	signals       chan os.Signal
}

func New(
	bus *events.Bus,
	healthchecker Healthchecker,
	worker Registrar,
	consumer Consumer,
	mon *monitor.Monitor,
	executor *tasks.Executor,
	cfg Config,
	logger *logging.Logger,
) *Director {
	return &Director{
		events:        bus,
		healthchecker: healthchecker,
		worker:        worker,
		consumer:      consumer,
		monitor:       mon,
		executor:      executor,
		cfg:           cfg,
		logger:        logger.Named("director"),
		client: httputil.NewClientWithRetries(0, "", httputil.RetryPolicy{
			MaxRetries:      sidecarCreateRetries,
			InitialInterval: sidecarRetryInterval,
			Statuses:        httputil.DefaultRetryStatuses(),
			Methods:         []string{http.MethodPost},
		}),
		tracer: trace.Tracer(),
	}
}

// RegisterShutdownHook adds a hook run after the main loop exits, in
// registration order.
func (d *Director) RegisterShutdownHook(hook func()) {
	d.shutdownHooks = append(d.shutdownHooks, hook)
}

// Start runs the director to completion: setup wait, main loop, shutdown.
func (d *Director) Start(ctx context.Context) error {
	d.installSignalHandlers()
	markReady(d.logger)

	d.worker.Prepare()

	runErr := d.run(ctx)

	d.logger.Info("shutting down worker: bye bye!")
	signal.Stop(d.signals)
	close(d.signals)

	d.shutdownModel(ctx)
	d.worker.Shutdown()

	for _, hook := range d.shutdownHooks {
		d.runHook(hook)
	}

	return runErr
}

func (d *Director) run(ctx context.Context) error {
	if err := d.setup(ctx); err != nil {
		return err
	}
	d.worker.Idle()
	return d.loop(ctx)
}

func (d *Director) installSignalHandlers() {
	d.signals = make(chan os.Signal, 1)
	signal.Notify(d.signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		for sig := range d.signals {
			d.logger.Warn("received termination signal", zap.String("signal", sig.String()))
			d.shouldExit.Store(true)
		}
	}()
}

func (d *Director) aborted() bool {
	return d.shouldExit.Load() || d.worker.Expired()
}

// abort requests loop termination and returns the error that unwinds to it.
func (d *Director) abort(msg string, fields ...zap.Field) error {
	d.shouldExit.Store(true)
	d.logger.Error(msg, fields...)
	return fmt.Errorf("%s: %w", msg, ErrAborted)
}

// setup waits for the model container to report a completed setup.
func (d *Director) setup(ctx context.Context) error {
	mark := time.Now()

	for !d.aborted() {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		ev, ok := d.events.Poll(setupPollInterval)
		if !ok {
			d.logger.Info("setup: waiting for model container",
				zap.Duration("wait", time.Since(mark)))
			continue
		}

		he, isHealth := ev.(events.HealthEvent)
		if !isHealth {
			d.logger.Warn("setup: received unexpected event", zap.Any("event", ev))
			continue
		}

		if he.Health != schema.HealthReady && he.Health != schema.HealthSetupFailed {
			d.logger.Warn("setup: health status changed", zap.String("health", he.Health.String()))
			continue
		}

		d.logger.Info("setup: model container finished setup",
			zap.Duration("wait", time.Since(mark)),
			zap.String("health", he.Health.String()),
		)

		if he.Health == schema.HealthSetupFailed {
			return d.abort("model container failed setup")
		}

		// Setup is done; no need to probe every 100ms anymore.
		d.healthchecker.SetInterval(readyHealthInterval)
		return nil
	}

	return fmt.Errorf("setup aborted: %w", ErrAborted)
}

// loop consumes the assigned queue until the director aborts or the
// dispatcher leaves it without a queue.
func (d *Director) loop(ctx context.Context) error {
	for {
		queueName := d.worker.Queue()

		err := d.consumer.Consume(ctx, queue.ConsumeOptions{
			Queue:          queueName,
			Timeout:        d.cfg.ConsumeTimeout,
			OnMessage:      func(body []byte, ack func()) { d.onMessage(ctx, body, ack) },
			OnPreMessage:   d.confirmModelHealth,
			Aborted:        d.aborted,
			Switched:       d.worker.Switched,
			OnStartConsume: d.worker.ResetSwitched,
		})
		if err != nil && !errors.Is(err, ErrAborted) {
			return err
		}

		if d.aborted() {
			return nil
		}
		if d.worker.Queue() == "" {
			d.logger.Info("no next queue to consume")
			return nil
		}
	}
}

// onMessage brackets message handling: busy/idle reports, span lifecycle,
// and the single ack once the handler has returned.
func (d *Director) onMessage(ctx context.Context, body []byte, ack func()) {
	d.logger.Info("received message")
	d.worker.Busy()

	ctx, span := d.tracer.Start(ctx, "cog.prediction",
		oteltrace.WithAttributes(trace.SpanAttributesFromEnv()...))

	if err := d.handleMessage(ctx, span, body); err != nil {
		d.logger.Error("caught error while running prediction", zap.Error(err))
		d.recordFailure(span)
	}
	span.End()

	d.monitor.SetCurrentPrediction(nil)

	ack()
	d.worker.Idle()
	d.logger.Info("acked message")
}

// handleMessage runs one prediction end to end. An error return means the
// prediction terminated abnormally and counts toward the failure breaker;
// protocol failures surfaced through the tracker are counted inline and
// return nil.
func (d *Director) handleMessage(ctx context.Context, span oteltrace.Span, body []byte) error {
	var msg schema.PredictionMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return fmt.Errorf("failed to decode prediction message: %w", err)
	}
	predictionID := msg.ID

	log := d.logger.With(zap.String("prediction_id", predictionID))
	log.Info("running prediction")

	var uploadFn webhook.UploadFunc
	if msg.Upload != nil {
		uploadFn = upload.New(*msg.Upload, d.logger).Caller()
	}

	var emitter tracker.Emitter
	if msg.Webhook != nil && msg.Webhook.URL != "" {
		emitter = webhook.NewCaller(msg.Webhook.URL, msg.Webhook.Headers, uploadFn, d.executor, d.logger)
	}

	// The tracker deliberately only exists within this method so state can
	// never leak between predictions.
	t := tracker.New(msg.PredictionResponse, emitter, d.logger)
	resp := t.Response()
	d.monitor.SetCurrentPrediction(&resp)
	d.setSpanAttributes(span, t)

	payload, err := schema.SidecarPayload(body, d.cfg.IngressWebhookURL)
	if err != nil {
		t.Fail("Unknown error handling prediction.")
		log.Error("prediction failed: could not rewrite message", zap.Error(err))
		d.recordFailure(span)
		return nil
	}

	if ok := d.createPrediction(ctx, span, t, predictionID, payload, log); !ok {
		return nil
	}

	t.Start()

	// Wait for completion, relaying webhook updates and watching health.
	// The deadline arms cancelation; a health desync aborts the director.
	for !t.IsComplete() {
		ev, ok := d.events.Poll(PollInterval)
		if ok {
			switch e := ev.(type) {
			case events.WebhookEvent:
				t.UpdateFromWebhookPayload(e.Payload)
			case events.HealthEvent:
				log.Info("received healthcheck status update", zap.String("health", e.Health.String()))
				if e.Health != schema.HealthBusy && e.Health != schema.HealthReady {
					t.Fail("Model stopped responding during prediction.")
					return d.abort("prediction failed: model container failed healthchecks",
						zap.String("health", e.Health.String()))
				}
			default:
				log.Warn("received unknown event", zap.Any("event", ev))
			}
		}

		if d.cfg.PredictTimeout > 0 && t.Runtime() > d.cfg.PredictTimeout {
			log.Warn("prediction cancelation requested due to timeout",
				zap.Duration("predict_timeout", d.cfg.PredictTimeout))
			t.TimedOut()
			if err := d.cancelPrediction(ctx, span, predictionID); err != nil {
				return err
			}
			break
		}
	}

	// Cancelation grace: only webhook updates can complete the prediction
	// now; health and abort signals wait.
	mark := time.Now()
	for !t.IsComplete() && time.Since(mark) < CancelWait {
		ev, ok := d.events.Poll(PollInterval)
		if !ok {
			continue
		}
		if e, isWebhook := ev.(events.WebhookEvent); isWebhook {
			t.UpdateFromWebhookPayload(e.Payload)
		}
	}

	// If the prediction is *still* not complete, something is badly wrong.
	if !t.IsComplete() {
		t.ForceCancel()
		return d.abort("prediction failed to complete after cancelation")
	}

	switch t.Status() {
	case schema.StatusFailed:
		log.Warn("prediction failed")
		d.recordFailure(span)
	case schema.StatusCanceled:
		log.Info("prediction canceled")
		d.recordSuccess()
	default:
		log.Info("prediction succeeded")
		d.recordSuccess()
	}
	d.monitor.RecordOutcome(t.Status(), t.Runtime().Seconds())
	d.setSpanAttributes(span, t)
	return nil
}

// createPrediction issues the async create request to the model server.
// Returns false when the prediction already failed; the failure has been
// surfaced through the tracker and counted.
func (d *Director) createPrediction(ctx context.Context, span oteltrace.Span, t *tracker.Tracker, predictionID string, payload []byte, log *logging.Logger) bool {
	createCtx, cancel := context.WithTimeout(ctx, PredictionCreateTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(createCtx, http.MethodPut,
		d.cfg.SidecarURL+"/predictions/"+predictionID, bytes.NewReader(payload))
	if err != nil {
		t.Fail("Unknown error handling prediction.")
		log.Error("prediction failed: could not build create request", zap.Error(err))
		d.recordFailure(span)
		return false
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Prefer", "respond-async")

	resp, err := d.client.Do(req)
	if err != nil {
		t.Fail("Unknown error handling prediction.")
		log.Error("prediction failed: could not create prediction", zap.Error(err))
		d.recordFailure(span)
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
		if resp.StatusCode == http.StatusUnprocessableEntity {
			t.Fail(fmt.Sprintf("Prediction input failed validation: %s", respBody))
			log.Warn("prediction failed: failed input validation",
				zap.Int("status_code", resp.StatusCode),
				zap.ByteString("response", respBody),
			)
		} else {
			t.Fail("Unknown error handling prediction.")
			log.Error("prediction failed: invalid response status from create request",
				zap.Int("status_code", resp.StatusCode),
				zap.ByteString("response", respBody),
			)
		}
		d.recordFailure(span)
		return false
	}

	_, _ = io.Copy(io.Discard, resp.Body)
	return true
}

// confirmModelHealth is the barrier before each drain: request a forced
// health report and require READY within the wait budget. Anything else is a
// loss of synchronization with the model container.
func (d *Director) confirmModelHealth() error {
	d.healthchecker.RequestStatus()
	deadline := time.Now().Add(HealthcheckWait)

	for time.Now().Before(deadline) {
		ev, ok := d.events.Poll(PollInterval)
		if !ok {
			continue
		}

		he, isHealth := ev.(events.HealthEvent)
		if !isHealth {
			d.logger.Warn("healthcheck confirmation: received unexpected event while waiting",
				zap.Any("event", ev))
			continue
		}

		if he.Health == schema.HealthReady {
			return nil
		}

		return d.abort("healthcheck confirmation: model container is not healthy",
			zap.String("health", he.Health.String()))
	}

	return d.abort("healthcheck confirmation: waited too long without response",
		zap.Duration("wait", HealthcheckWait))
}

func (d *Director) cancelPrediction(ctx context.Context, span oteltrace.Span, predictionID string) error {
	span.SetAttributes(
		attribute.String("prediction.status", "canceled"),
		attribute.Bool("prediction.timed_out", true),
	)

	cancelCtx, cancel := context.WithTimeout(ctx, cancelTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(cancelCtx, http.MethodPost,
		d.cfg.SidecarURL+"/predictions/"+predictionID+"/cancel", nil)
	if err != nil {
		return fmt.Errorf("failed to build cancel request: %w", err)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to cancel prediction: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 400 {
		return fmt.Errorf("cancel request returned status %d", resp.StatusCode)
	}
	return nil
}

// recordFailure tracks runs of failures to catch a worker stuck in a state
// where it can only fail predictions but never exits.
func (d *Director) recordFailure(span oteltrace.Span) {
	if span != nil {
		span.SetAttributes(attribute.String("prediction.status", "failed"))
	}

	if d.cfg.MaxFailureCount == 0 {
		return
	}
	d.failureCount++
	d.monitor.SetConsecutiveFailures(d.failureCount)
	if d.failureCount > d.cfg.MaxFailureCount {
		_ = d.abort("saw too many failures in a row", zap.Int("failure_count", d.failureCount))
	}
}

func (d *Director) recordSuccess() {
	d.failureCount = 0
	d.monitor.SetConsecutiveFailures(0)
}

func (d *Director) shutdownModel(ctx context.Context) {
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownModelTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(shutdownCtx, http.MethodPost, d.cfg.SidecarURL+"/shutdown", nil)
	if err != nil {
		d.logger.Error("failed to build model shutdown request", zap.Error(err))
		return
	}

	resp, err := d.client.Do(req)
	if err != nil {
		d.logger.Error("caught error while shutting down model", zap.Error(err))
		return
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	d.logger.Info("requested model container shutdown", zap.Int("response_code", resp.StatusCode))
}

func (d *Director) runHook(hook func()) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("caught panic while running shutdown hook", zap.Any("panic", r))
		}
	}()
	hook()
}

func (d *Director) setSpanAttributes(span oteltrace.Span, t *tracker.Tracker) {
	resp := t.Response()

	span.SetAttributes(attribute.String("prediction.uuid", resp.ID))
	if resp.Error != "" {
		span.SetAttributes(attribute.String("prediction.error", resp.Error))
	}
	if resp.Version != "" {
		span.SetAttributes(attribute.String("model.version", resp.Version))
	}
	if resp.Status != "" {
		span.SetAttributes(attribute.String("prediction.status", string(resp.Status)))
	}
	for _, ts := range []struct {
		key   string
		value string
	}{
		{"prediction.created_at", resp.CreatedAt},
		{"prediction.started_at", resp.StartedAt},
		{"prediction.completed_at", resp.CompletedAt},
	} {
		if ts.value == "" {
			continue
		}
		if parsed, err := time.Parse(schema.TimeFormat, ts.value); err == nil {
			span.SetAttributes(attribute.Float64(ts.key, float64(parsed.UnixNano())/float64(time.Second)))
		}
	}
}
