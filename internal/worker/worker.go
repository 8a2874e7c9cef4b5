// Package worker reports lifecycle status to the remote dispatcher and polls
// it for queue reassignment and expiry. All remote calls are best-effort.
package worker

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/replicate/director/internal/httputil"
	"github.com/replicate/director/internal/logging"
	"github.com/replicate/director/internal/tasks"
)

// NextQueueInterval is how often the dispatcher is polled for reassignment.
const NextQueueInterval = 30 * time.Second

const (
	StatusPrepare  = "prepare"
	StatusIdle     = "idle"
	StatusBusy     = "busy"
	StatusShutdown = "shutdown"

	requestTimeout = 10 * time.Second
	reportRetries  = 1
)

// Worker tracks this process's registration with the dispatcher. When no
// report URL is configured every method is a no-op.
type Worker struct {
	id        string
	reportURL string
	client    *http.Client
	tasks     *tasks.Executor
	logger    *logging.Logger

	mu    sync.Mutex
	queue string

	expired  atomic.Bool
	switched atomic.Bool

	stop chan struct{}
	done chan struct{}
}

func New(queue, id, reportURL, reportKey string, exec *tasks.Executor, logger *logging.Logger) *Worker {
	w := &Worker{
		id:     id,
		queue:  queue,
		tasks:  exec,
		logger: logger.Named("worker"),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	if reportURL != "" {
		w.reportURL = reportURL + "/worker"
	}
	w.client = httputil.NewClientWithRetries(requestTimeout, reportKey, httputil.RetryPolicy{
		MaxRetries:      reportRetries,
		InitialInterval: 100 * time.Millisecond,
		Statuses:        httputil.DefaultRetryStatuses(),
		Methods:         []string{http.MethodPut},
	})
	return w
}

func (w *Worker) Start() {
	go w.run()
}

func (w *Worker) Stop() {
	select {
	case <-w.stop:
	default:
		close(w.stop)
	}
}

func (w *Worker) Join() {
	<-w.done
}

func (w *Worker) run() {
	defer close(w.done)

	ticker := time.NewTicker(NextQueueInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			w.nextQueue()
		}
	}
}

// Queue returns the currently assigned queue name; "" once the dispatcher has
// revoked the assignment.
func (w *Worker) Queue() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.queue
}

// Expired reports whether the dispatcher revoked this worker.
func (w *Worker) Expired() bool {
	return w.expired.Load()
}

// Switched reports whether the assigned queue changed during the current
// idle period.
func (w *Worker) Switched() bool {
	return w.switched.Load()
}

// ResetSwitched clears the switch flag at the start of a consume cycle.
func (w *Worker) ResetSwitched() {
	w.switched.Store(false)
}

func (w *Worker) Prepare()  { w.report(StatusPrepare) }
func (w *Worker) Idle()     { w.report(StatusIdle) }
func (w *Worker) Busy()     { w.report(StatusBusy) }
func (w *Worker) Shutdown() { w.report(StatusShutdown) }

// report queues a fire-and-forget status update; failures are logged and
// swallowed.
func (w *Worker) report(status string) {
	if !w.canReport() {
		return
	}

	w.tasks.Add("worker.report", func() {
		url := fmt.Sprintf("%s/status/%s?status=%s", w.reportURL, w.id, status)
		req, err := http.NewRequest(http.MethodPut, url, nil)
		if err != nil {
			w.logger.Error("failed to build status report", zap.Error(err))
			return
		}

		resp, err := w.client.Do(req)
		if err != nil {
			w.logger.Error("failed to report worker status", zap.String("status", status), zap.Error(err))
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 400 {
			w.logger.Error("dispatcher rejected status report",
				zap.String("status", status),
				zap.Int("status_code", resp.StatusCode),
			)
		}
	})
}

// nextQueue asks the dispatcher for this worker's current assignment. A
// response without a queue means the worker has expired; a different queue
// marks a switch. Errors leave the worker state untouched.
func (w *Worker) nextQueue() {
	if !w.canReport() {
		return
	}

	resp, err := w.client.Get(fmt.Sprintf("%s/next_queue/%s", w.reportURL, w.id))
	if err != nil {
		w.logger.Error("failed to get next queue", zap.Error(err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		w.logger.Error("dispatcher rejected next queue request", zap.Int("status_code", resp.StatusCode))
		return
	}

	var body struct {
		Queue *string `json:"queue"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		w.logger.Error("failed to decode next queue response", zap.Error(err))
		return
	}

	next := ""
	if body.Queue != nil {
		next = *body.Queue
	}

	w.expired.Store(next == "")

	w.mu.Lock()
	defer w.mu.Unlock()
	if next != w.queue {
		w.logger.Info("worker queue switched", zap.String("from", w.queue), zap.String("to", next))
		w.switched.Store(true)
		w.queue = next
	}
}

func (w *Worker) canReport() bool {
	if w.id == "" || w.reportURL == "" {
		return false
	}
	return true
}
