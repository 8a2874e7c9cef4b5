package worker

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/replicate/director/internal/loggingtest"
	"github.com/replicate/director/internal/tasks"
)

type dispatcherStub struct {
	mu        sync.Mutex
	requests  []string
	nextQueue string
	hasQueue  bool
	auth      string
}

func (d *dispatcherStub) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d.mu.Lock()
		d.requests = append(d.requests, r.Method+" "+r.URL.String())
		d.auth = r.Header.Get("Authorization")
		d.mu.Unlock()

		if r.Method == http.MethodGet {
			w.Header().Set("Content-Type", "application/json")
			if d.hasQueue {
				_, _ = w.Write([]byte(`{"queue": "` + d.nextQueue + `"}`))
			} else {
				_, _ = w.Write([]byte(`{}`))
			}
			return
		}
		w.WriteHeader(http.StatusOK)
	})
}

func (d *dispatcherStub) recorded() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.requests...)
}

func newWorkerWithStub(t *testing.T, stub *dispatcherStub) (*Worker, *tasks.Executor) {
	t.Helper()

	ts := httptest.NewServer(stub.handler())
	t.Cleanup(ts.Close)

	exec := tasks.NewExecutor(16, loggingtest.NewTestLogger(t))
	exec.Start()
	t.Cleanup(func() {
		exec.Stop()
		exec.Join()
	})

	return New("test-queue", "w1", ts.URL, "report-secret", exec, loggingtest.NewTestLogger(t)), exec
}

func TestReportSendsStatus(t *testing.T) {
	t.Parallel()

	stub := &dispatcherStub{}
	w, _ := newWorkerWithStub(t, stub)

	w.Prepare()
	w.Idle()
	w.Busy()
	w.Shutdown()

	require.Eventually(t, func() bool {
		return len(stub.recorded()) == 4
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, []string{
		"PUT /worker/status/w1?status=prepare",
		"PUT /worker/status/w1?status=idle",
		"PUT /worker/status/w1?status=busy",
		"PUT /worker/status/w1?status=shutdown",
	}, stub.recorded())
	assert.Equal(t, "Bearer report-secret", stub.auth)
}

func TestNextQueueSwitch(t *testing.T) {
	t.Parallel()

	stub := &dispatcherStub{nextQueue: "other-queue", hasQueue: true}
	w, _ := newWorkerWithStub(t, stub)

	w.nextQueue()

	assert.False(t, w.Expired())
	assert.True(t, w.Switched())
	assert.Equal(t, "other-queue", w.Queue())

	w.ResetSwitched()
	assert.False(t, w.Switched())
}

func TestNextQueueUnchanged(t *testing.T) {
	t.Parallel()

	stub := &dispatcherStub{nextQueue: "test-queue", hasQueue: true}
	w, _ := newWorkerWithStub(t, stub)

	w.nextQueue()

	assert.False(t, w.Expired())
	assert.False(t, w.Switched())
	assert.Equal(t, "test-queue", w.Queue())
}

func TestNextQueueExpired(t *testing.T) {
	t.Parallel()

	stub := &dispatcherStub{}
	w, _ := newWorkerWithStub(t, stub)

	w.nextQueue()

	assert.True(t, w.Expired())
	assert.Equal(t, "", w.Queue())
}

func TestNextQueueErrorLeavesStateUntouched(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(ts.Close)

	exec := tasks.NewExecutor(16, loggingtest.NewTestLogger(t))
	w := New("test-queue", "w1", ts.URL, "", exec, loggingtest.NewTestLogger(t))

	w.nextQueue()

	assert.False(t, w.Expired())
	assert.False(t, w.Switched())
	assert.Equal(t, "test-queue", w.Queue())
}

func TestNoReportURLMeansNoop(t *testing.T) {
	t.Parallel()

	exec := tasks.NewExecutor(16, loggingtest.NewTestLogger(t))
	w := New("test-queue", "w1", "", "", exec, loggingtest.NewTestLogger(t))

	// Nothing is enqueued and nothing panics.
	w.Prepare()
	w.nextQueue()
	assert.Equal(t, "test-queue", w.Queue())
}
