package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/replicate/director/internal/events"
	"github.com/replicate/director/internal/loggingtest"
	"github.com/replicate/director/internal/monitor"
	"github.com/replicate/director/internal/schema"
)

func newTestServer(t *testing.T) (*httptest.Server, *events.Bus, *monitor.Monitor) {
	t.Helper()

	bus := events.NewBus(32, loggingtest.NewTestLogger(t))
	mon := monitor.New()
	handler := NewHandler(bus, mon, loggingtest.NewTestLogger(t))
	ts := httptest.NewServer(NewServeMux(handler, mon))
	t.Cleanup(ts.Close)
	return ts, bus, mon
}

func TestWebhookEnqueuesEvent(t *testing.T) {
	t.Parallel()

	ts, bus, _ := newTestServer(t)

	payload := schema.PredictionResponse{ID: "p1", Status: schema.StatusProcessing}
	body, err := json.Marshal(payload)
	require.NoError(t, err)

	resp, err := http.Post(ts.URL+"/webhook", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ev, ok := bus.Poll(time.Second)
	require.True(t, ok)
	webhookEvent, isWebhook := ev.(events.WebhookEvent)
	require.True(t, isWebhook)
	assert.Equal(t, "p1", webhookEvent.Payload.ID)
	assert.Equal(t, schema.StatusProcessing, webhookEvent.Payload.Status)
}

func TestWebhookRejectsMalformedBody(t *testing.T) {
	t.Parallel()

	ts, bus, _ := newTestServer(t)

	resp, err := http.Post(ts.URL+"/webhook", "application/json", bytes.NewReader([]byte("{not json")))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	_, ok := bus.Poll(50 * time.Millisecond)
	assert.False(t, ok)
}

func TestHealthReportsCurrentPrediction(t *testing.T) {
	t.Parallel()

	ts, _, mon := newTestServer(t)

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	resp.Body.Close()
	assert.Equal(t, "ok", body["status"])
	assert.NotContains(t, body, "prediction_id")

	mon.SetCurrentPrediction(&schema.PredictionResponse{ID: "p9"})

	resp, err = http.Get(ts.URL + "/health")
	require.NoError(t, err)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	resp.Body.Close()
	assert.Equal(t, "p9", body["prediction_id"])
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	ts, _, mon := newTestServer(t)
	mon.RecordOutcome(schema.StatusSucceeded, 1.5)

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
