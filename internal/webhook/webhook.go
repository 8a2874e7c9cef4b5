// Package webhook delivers prediction state to the caller-supplied webhook
// URL, throttling intermediate updates and retrying terminal ones.
package webhook

import (
	"bytes"
	"encoding/json"
	"io"
	"maps"
	"net/http"
	"os"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/replicate/director/internal/httputil"
	"github.com/replicate/director/internal/logging"
	"github.com/replicate/director/internal/schema"
	"github.com/replicate/director/internal/tasks"
)

const (
	// DefaultThrottleInterval is the minimum spacing between non-terminal
	// emissions when COG_THROTTLE_RESPONSE_INTERVAL is unset.
	DefaultThrottleInterval = 300 * time.Millisecond

	// Terminal responses retry 12 times (roughly 25-40s of backoff) to ride
	// out transient networking and availability issues.
	terminalRetries         = 12
	terminalInitialInterval = 100 * time.Millisecond

	enqueueWait = 5 * time.Second
)

// UploadFunc rewrites inlined binary outputs to object-storage URLs. It
// never fails: per-item upload errors fall back to the original value.
type UploadFunc func(output any) any

// ResponseThrottler enforces minimum spacing between successive emissions
// for one prediction. Terminal responses always pass.
type ResponseThrottler struct {
	interval time.Duration
	lastSent time.Time
}

func NewResponseThrottler(interval time.Duration) *ResponseThrottler {
	return &ResponseThrottler{interval: interval}
}

func (t *ResponseThrottler) ShouldSend(resp schema.PredictionResponse) bool {
	if resp.Status.IsTerminal() {
		return true
	}
	return time.Since(t.lastSent) >= t.interval
}

func (t *ResponseThrottler) MarkSent() {
	t.lastSent = time.Now()
}

// ThrottleIntervalFromEnv reads COG_THROTTLE_RESPONSE_INTERVAL (fractional
// seconds).
func ThrottleIntervalFromEnv() time.Duration {
	raw := os.Getenv("COG_THROTTLE_RESPONSE_INTERVAL")
	if raw == "" {
		return DefaultThrottleInterval
	}
	seconds, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return DefaultThrottleInterval
	}
	return time.Duration(seconds * float64(time.Second))
}

// Caller builds emitters bound to one prediction's webhook destination.
type Caller struct {
	url       string
	headers   map[string]string
	upload    UploadFunc
	executor  *tasks.Executor
	throttler *ResponseThrottler
	logger    *logging.Logger

	defaultClient *http.Client
	retryClient   *http.Client
}

// NewCaller returns an emitter for the given destination. Non-terminal
// responses get a single attempt; terminal ones use the retrying client, and
// succeeded ones trigger output upload first. When executor is non-nil, sends run on its
// goroutine so the caller never blocks on remote HTTP.
func NewCaller(url string, headers map[string]string, upload UploadFunc, executor *tasks.Executor, logger *logging.Logger) func(schema.PredictionResponse) {
	authToken := os.Getenv("WEBHOOK_AUTH_TOKEN")

	c := &Caller{
		url:           url,
		headers:       headers,
		upload:        upload,
		executor:      executor,
		throttler:     NewResponseThrottler(ThrottleIntervalFromEnv()),
		logger:        logger.Named("webhook"),
		defaultClient: httputil.NewClient(0, authToken),
		retryClient: httputil.NewClientWithRetries(0, authToken, httputil.RetryPolicy{
			MaxRetries:      terminalRetries,
			InitialInterval: terminalInitialInterval,
			Statuses:        httputil.DefaultRetryStatuses(),
			Methods:         []string{http.MethodPost},
		}),
	}

	return c.emit
}

func (c *Caller) emit(resp schema.PredictionResponse) {
	if !c.throttler.ShouldSend(resp) {
		c.logger.Debug("response throttled",
			zap.String("prediction_id", resp.ID),
			zap.String("status", string(resp.Status)),
		)
		return
	}
	c.throttler.MarkSent()

	terminal := resp.Status.IsTerminal()
	send := func() {
		c.send(resp, terminal)
	}

	switch {
	case c.executor == nil:
		send()
	case terminal:
		c.executor.AddWait("webhook.emit", send, enqueueWait)
	default:
		c.executor.Add("webhook.emit", send)
	}
}

func (c *Caller) send(resp schema.PredictionResponse, terminal bool) {
	if c.upload != nil && resp.Status == schema.StatusSucceeded && resp.Output != nil {
		start := time.Now()
		resp.Output = c.upload(resp.Output)

		// The metrics map is shared with the tracker's copy; clone before
		// annotating.
		metrics := make(map[string]any, len(resp.Metrics)+1)
		maps.Copy(metrics, resp.Metrics)
		metrics["upload_time"] = time.Since(start).Seconds()
		resp.Metrics = metrics
	}

	body, err := json.Marshal(resp)
	if err != nil {
		c.logger.Error("failed to marshal webhook payload", zap.Error(err))
		return
	}

	req, err := http.NewRequest(http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		c.logger.Error("failed to build webhook request", zap.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	client := c.defaultClient
	if terminal {
		client = c.retryClient
	}

	res, err := client.Do(req)
	if err != nil {
		c.logger.Warn("caught error while sending webhook",
			zap.String("prediction_id", resp.ID),
			zap.Error(err),
		)
		return
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, res.Body)

	if res.StatusCode >= 400 {
		c.logger.Warn("webhook returned error status",
			zap.String("prediction_id", resp.ID),
			zap.Int("status_code", res.StatusCode),
		)
	}
}
