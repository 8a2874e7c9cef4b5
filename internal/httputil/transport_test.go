package httputil

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientSetsDefaultHeaders(t *testing.T) {
	t.Parallel()

	var gotUA, gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get(UserAgentHeader)
		gotAuth = r.Header.Get(AuthorizationHeader)
	}))
	defer server.Close()

	client := NewClient(time.Second, "secret")
	resp, err := client.Get(server.URL)
	require.NoError(t, err)
	resp.Body.Close()

	assert.True(t, strings.HasPrefix(gotUA, "director/"))
	assert.Equal(t, "Bearer secret", gotAuth)
}

func TestRetryClientRetriesUntilSuccess(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	var bodies []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		bodies = append(bodies, string(body))
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewClientWithRetries(5*time.Second, "", RetryPolicy{
		MaxRetries:      12,
		InitialInterval: time.Millisecond,
		Statuses:        DefaultRetryStatuses(),
		Methods:         []string{http.MethodPost},
	})

	resp, err := client.Post(server.URL, "application/json", bytes.NewReader([]byte(`{"ok":true}`)))
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(3), calls.Load())
	// Each attempt must replay the full body.
	for _, body := range bodies {
		assert.Equal(t, `{"ok":true}`, body)
	}
}

func TestRetryClientExhaustsAttempts(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client := NewClientWithRetries(5*time.Second, "", RetryPolicy{
		MaxRetries:      2,
		InitialInterval: time.Millisecond,
		Statuses:        DefaultRetryStatuses(),
		Methods:         []string{http.MethodPost},
	})

	resp, err := client.Post(server.URL, "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, int32(3), calls.Load())
}

func TestRetryClientLeavesOtherMethodsAlone(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := NewClientWithRetries(5*time.Second, "", RetryPolicy{
		MaxRetries:      5,
		InitialInterval: time.Millisecond,
		Statuses:        DefaultRetryStatuses(),
		Methods:         []string{http.MethodPost},
	})

	resp, err := client.Get(server.URL)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, int32(1), calls.Load())
}

func TestRetryClientDoesNotRetryNonListedStatus(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer server.Close()

	client := NewClientWithRetries(5*time.Second, "", RetryPolicy{
		MaxRetries:      5,
		InitialInterval: time.Millisecond,
		Statuses:        DefaultRetryStatuses(),
		Methods:         []string{http.MethodPost},
	})

	resp, err := client.Post(server.URL, "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, int32(1), calls.Load())
}
