package schema

import (
	"encoding/json"
	"fmt"
	"strings"
)

// TimeFormat is the timestamp layout used on the wire by the model server.
const TimeFormat = "2006-01-02T15:04:05.999999-07:00"

// Health describes the model server as reported by its /health-check
// endpoint. Transitions are always reported by the server, never inferred.
type Health int

const (
	HealthInvalid Health = iota - 1
	HealthUnknown
	HealthStarting
	HealthReady
	HealthBusy
	HealthSetupFailed
)

func (h Health) String() string {
	switch h {
	case HealthUnknown:
		return "UNKNOWN"
	case HealthStarting:
		return "STARTING"
	case HealthReady:
		return "READY"
	case HealthBusy:
		return "BUSY"
	case HealthSetupFailed:
		return "SETUP_FAILED"
	default:
		return "INVALID"
	}
}

func HealthFromString(s string) (Health, error) {
	switch s {
	case "UNKNOWN":
		return HealthUnknown, nil
	case "STARTING":
		return HealthStarting, nil
	case "READY":
		return HealthReady, nil
	case "BUSY":
		return HealthBusy, nil
	case "SETUP_FAILED":
		return HealthSetupFailed, nil
	default:
		return HealthInvalid, fmt.Errorf("unknown health: %s", s)
	}
}

// HealthCheck is the body of the model server's GET /health-check response.
type HealthCheck struct {
	Status string       `json:"status"`
	Setup  *SetupResult `json:"setup,omitempty"`
}

type SetupResult struct {
	StartedAt   string `json:"started_at,omitempty"`
	CompletedAt string `json:"completed_at,omitempty"`
	Status      string `json:"status,omitempty"`
	Logs        string `json:"logs,omitempty"`
}

type Status string

const (
	StatusStarting   Status = "starting"
	StatusProcessing Status = "processing"
	StatusSucceeded  Status = "succeeded"
	StatusCanceled   Status = "canceled"
	StatusFailed     Status = "failed"
)

// IsTerminal reports whether the status is final. Terminal status and
// completed_at are monotone once set.
func (s Status) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusCanceled || s == StatusFailed
}

// LogsSlice is a []string that marshals to/from a newline-joined string in JSON.
type LogsSlice []string

func (l LogsSlice) String() string {
	r := strings.Join(l, "\n")
	if r != "" {
		r += "\n"
	}
	return r
}

func (l LogsSlice) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.String())
}

func (l *LogsSlice) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}

	if str == "" {
		*l = nil
		return nil
	}

	parts := strings.Split(str, "\n")
	if len(parts) > 0 && parts[len(parts)-1] == "" {
		parts = parts[:len(parts)-1]
	}
	*l = LogsSlice(parts)
	return nil
}

// PredictionResponse is the prediction state as reported by the model server
// and relayed to the user's webhook.
type PredictionResponse struct {
	ID      string         `json:"id"`
	Version string         `json:"version,omitempty"`
	Input   any            `json:"input,omitempty"`
	Output  any            `json:"output,omitempty"`
	Status  Status         `json:"status,omitempty"`
	Error   string         `json:"error,omitempty"`
	Logs    LogsSlice      `json:"logs,omitempty"`
	Metrics map[string]any `json:"metrics,omitempty"`

	CreatedAt   string `json:"created_at,omitempty"`
	StartedAt   string `json:"started_at,omitempty"`
	CompletedAt string `json:"completed_at,omitempty"`
}

// WebhookConfig is the caller-supplied webhook destination on an inbound
// queue message.
type WebhookConfig struct {
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
}

// UploadParams configures object-storage upload of inlined binary outputs.
type UploadParams struct {
	URL        string `json:"url"`
	Bucket     string `json:"bucket"`
	AccessKey  string `json:"access_key"`
	SecretKey  string `json:"secret_key"`
	URLPrefix  string `json:"url_prefix"`
	PathPrefix string `json:"path_prefix,omitempty"`
	ObjectKey  string `json:"object_key,omitempty"`
}

// PredictionMessage is an inbound prediction request from the queue. Beyond
// the typed fields it carries arbitrary PredictionResponse fields (input,
// version, created_at, ...) which are forwarded to the model server verbatim.
type PredictionMessage struct {
	Webhook *WebhookConfig `json:"webhook,omitempty"`
	Upload  *UploadParams  `json:"upload,omitempty"`

	PredictionResponse
}

// UnmarshalJSON decodes the embedded response fields and the webhook/upload
// envelope. Unknown fields are not kept here; the director forwards the
// original body through SidecarPayload so they are not lost.
func (m *PredictionMessage) UnmarshalJSON(data []byte) error {
	var resp PredictionResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return err
	}

	var envelope struct {
		Webhook *WebhookConfig `json:"webhook"`
		Upload  *UploadParams  `json:"upload"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return err
	}

	m.Webhook = envelope.Webhook
	m.Upload = envelope.Upload
	m.PredictionResponse = resp
	return nil
}

// SidecarPayload returns the message body with the webhook field rewritten to
// the given URL, so the model server's callbacks come back to the local
// ingress. All other fields are forwarded untouched.
func SidecarPayload(body []byte, webhookURL string) ([]byte, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode message body: %w", err)
	}
	rewritten, err := json.Marshal(webhookURL)
	if err != nil {
		return nil, err
	}
	raw["webhook"] = rewritten
	return json.Marshal(raw)
}
