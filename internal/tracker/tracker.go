// Package tracker holds the in-memory lifecycle of a single prediction. A
// tracker is constructed for one prediction id and never reused.
package tracker

import (
	"time"

	"go.uber.org/zap"

	"github.com/replicate/director/internal/logging"
	"github.com/replicate/director/internal/schema"
)

// Emitter delivers a snapshot of the prediction state to the user's webhook.
type Emitter func(schema.PredictionResponse)

// Tracker owns the canonical PredictionResponse for one prediction. It is
// confined to the director's goroutine; emitters receive value snapshots.
type Tracker struct {
	response schema.PredictionResponse
	emitter  Emitter
	logger   *logging.Logger

	timedOut    bool
	startedAt   time.Time
	completedAt time.Time
}

func New(response schema.PredictionResponse, emitter Emitter, logger *logging.Logger) *Tracker {
	return &Tracker{
		response: response,
		emitter:  emitter,
		logger:   logger.Named("tracker").With(zap.String("prediction_id", response.ID)),
	}
}

// Start marks the prediction as processing. It must be called at most once;
// a prediction that fails before it is created is never started.
func (t *Tracker) Start() {
	now := time.Now()
	t.startedAt = now
	t.response.Status = schema.StatusProcessing
	if t.response.StartedAt == "" {
		t.response.StartedAt = now.UTC().Format(schema.TimeFormat)
	}
	t.emit()
}

// UpdateFromWebhookPayload merges state reported by the model server. Updates
// arriving after completion are dropped; terminal status and completed_at are
// monotone.
func (t *Tracker) UpdateFromWebhookPayload(p schema.PredictionResponse) {
	if t.IsComplete() {
		t.logger.Warn("ignoring webhook update for completed prediction",
			zap.String("status", string(p.Status)))
		return
	}

	if p.Output != nil {
		t.response.Output = p.Output
	}
	if len(p.Logs) > 0 {
		t.response.Logs = p.Logs
	}
	if p.Error != "" {
		t.response.Error = p.Error
	}
	if p.Metrics != nil {
		t.response.Metrics = p.Metrics
	}
	if p.Status != "" {
		t.response.Status = p.Status
	}

	if t.response.Status.IsTerminal() {
		t.complete(p.CompletedAt)
	}

	t.emit()
}

// TimedOut flags the prediction as having exceeded its deadline. It does not
// change status; a later cancelation is externalized as a failure.
func (t *Tracker) TimedOut() {
	t.timedOut = true
}

// ForceCancel marks the prediction canceled without waiting for the model
// server to confirm.
func (t *Tracker) ForceCancel() {
	if t.IsComplete() {
		return
	}
	t.response.Status = schema.StatusCanceled
	t.complete("")
	t.emit()
}

// Fail marks the prediction failed with the given message and emits the
// terminal webhook immediately.
func (t *Tracker) Fail(msg string) {
	if t.IsComplete() {
		return
	}
	t.response.Error = msg
	t.response.Status = schema.StatusFailed
	t.complete("")
	t.emit()
}

// IsComplete reports whether the prediction reached a terminal status. Once
// true it remains true.
func (t *Tracker) IsComplete() bool {
	return t.response.Status.IsTerminal()
}

func (t *Tracker) Status() schema.Status {
	return t.response.Status
}

// Runtime is the wall time since Start, frozen at completion.
func (t *Tracker) Runtime() time.Duration {
	if t.startedAt.IsZero() {
		return 0
	}
	if !t.completedAt.IsZero() {
		return t.completedAt.Sub(t.startedAt)
	}
	return time.Since(t.startedAt)
}

// Response returns a snapshot of the current prediction state.
func (t *Tracker) Response() schema.PredictionResponse {
	return t.response
}

// complete freezes completed_at, preferring the model server's reported
// timestamp when it parses.
func (t *Tracker) complete(reportedAt string) {
	now := time.Now()
	t.completedAt = now

	if reportedAt != "" {
		if parsed, err := time.Parse(schema.TimeFormat, reportedAt); err == nil {
			t.completedAt = parsed
			t.response.CompletedAt = reportedAt
			return
		}
	}
	if t.response.CompletedAt == "" {
		t.response.CompletedAt = now.UTC().Format(schema.TimeFormat)
	}
}

// emit hands a snapshot to the webhook caller. A timed-out prediction that
// the model server reports as canceled goes out as a failure: the timeout is
// ours, not a user cancel.
func (t *Tracker) emit() {
	if t.emitter == nil {
		return
	}

	snapshot := t.response
	if t.timedOut && snapshot.Status == schema.StatusCanceled {
		snapshot.Status = schema.StatusFailed
		snapshot.Error = "Prediction timed out."
	}
	t.emitter(snapshot)
}
