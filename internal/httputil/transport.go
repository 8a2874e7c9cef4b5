package httputil

import (
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/replicate/director/internal/version"
)

const (
	AuthorizationHeader = "Authorization"
	UserAgentHeader     = "User-Agent"
)

func UserAgent() string {
	return "director/" + version.Version()
}

// Transport writes default headers onto every request before delegating to
// the base round tripper.
type Transport struct {
	Headers map[string]string
	Base    http.RoundTripper
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	for k, v := range t.Headers {
		if req.Header.Get(k) == "" {
			req.Header.Set(k, v)
		}
	}

	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(req)
}

// RetryPolicy configures the retrying round tripper. Zero MaxRetries means a
// single attempt.
type RetryPolicy struct {
	MaxRetries      int
	InitialInterval time.Duration
	Statuses        []int
	Methods         []string
}

// DefaultRetryStatuses are the response codes worth retrying: throttling and
// transient upstream failures.
func DefaultRetryStatuses() []int {
	return []int{http.StatusTooManyRequests, http.StatusInternalServerError,
		http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout}
}

type retryRoundTripper struct {
	base     http.RoundTripper
	policy   RetryPolicy
	statuses map[int]bool
	methods  map[string]bool
}

func (t *retryRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if len(t.methods) > 0 && !t.methods[req.Method] {
		return t.base.RoundTrip(req)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = t.policy.InitialInterval
	bo.MaxElapsedTime = 0
	bo.Reset()

	var resp *http.Response
	var err error
	for attempt := 0; ; attempt++ {
		resp, err = t.base.RoundTrip(req)

		retryable := err != nil || t.statuses[resp.StatusCode]
		if !retryable || attempt >= t.policy.MaxRetries {
			return resp, err
		}

		if resp != nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
		}

		// Requests with a body can only be retried when it is replayable.
		if req.Body != nil {
			if req.GetBody == nil {
				return resp, err
			}
			body, bodyErr := req.GetBody()
			if bodyErr != nil {
				return resp, err
			}
			req.Body = body
		}

		wait := bo.NextBackOff()
		select {
		case <-req.Context().Done():
			return nil, req.Context().Err()
		case <-time.After(wait):
		}
	}
}

// NewClient returns a client that sends the director user agent and, when
// authToken is non-empty, a bearer Authorization header. A zero timeout
// leaves requests unbounded; callers bound them per request via context.
func NewClient(timeout time.Duration, authToken string) *http.Client {
	headers := map[string]string{
		UserAgentHeader: UserAgent(),
	}
	if authToken != "" {
		headers[AuthorizationHeader] = "Bearer " + authToken
	}

	return &http.Client{
		Timeout:   timeout,
		Transport: &Transport{Headers: headers},
	}
}

// NewClientWithRetries layers the retry policy under the header transport so
// each attempt carries the same headers.
func NewClientWithRetries(timeout time.Duration, authToken string, policy RetryPolicy) *http.Client {
	statuses := make(map[int]bool, len(policy.Statuses))
	for _, s := range policy.Statuses {
		statuses[s] = true
	}
	methods := make(map[string]bool, len(policy.Methods))
	for _, m := range policy.Methods {
		methods[m] = true
	}

	client := NewClient(timeout, authToken)
	transport := client.Transport.(*Transport)
	transport.Base = &retryRoundTripper{
		base:     http.DefaultTransport,
		policy:   policy,
		statuses: statuses,
		methods:  methods,
	}
	return client
}
