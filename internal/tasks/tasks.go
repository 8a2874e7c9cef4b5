// Package tasks runs fire-and-forget work off the director's event loop:
// dispatcher reports and webhook emissions, whose worst-case retry chains
// must never stall message handling.
package tasks

import (
	"time"

	"go.uber.org/zap"

	"github.com/replicate/director/internal/logging"
)

type task struct {
	name string
	fn   func()
}

// Executor drains a bounded queue of tasks on a single goroutine, preserving
// submission order.
type Executor struct {
	queue  chan task
	stop   chan struct{}
	done   chan struct{}
	logger *logging.Logger
}

func NewExecutor(capacity int, logger *logging.Logger) *Executor {
	return &Executor{
		queue:  make(chan task, capacity),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		logger: logger.Named("tasks"),
	}
}

func (e *Executor) Start() {
	go e.run()
}

// Add enqueues without blocking. Overflow drops the task with a warning;
// callers using Add accept best-effort execution.
func (e *Executor) Add(name string, fn func()) bool {
	select {
	case e.queue <- task{name: name, fn: fn}:
		return true
	default:
		e.logger.Warn("task queue full, dropping task", zap.String("task", name))
		return false
	}
}

// AddWait enqueues, blocking up to timeout for room. Used for work that
// should not be dropped under load, like terminal webhook emissions.
func (e *Executor) AddWait(name string, fn func(), timeout time.Duration) bool {
	select {
	case e.queue <- task{name: name, fn: fn}:
		return true
	default:
	}

	t := time.NewTimer(timeout)
	defer t.Stop()

	select {
	case e.queue <- task{name: name, fn: fn}:
		return true
	case <-t.C:
		e.logger.Error("task queue full, dropping task after wait", zap.String("task", name))
		return false
	}
}

// Stop signals the run loop to finish. Queued tasks are drained before the
// goroutine exits.
func (e *Executor) Stop() {
	select {
	case <-e.stop:
	default:
		close(e.stop)
	}
}

func (e *Executor) Join() {
	<-e.done
}

func (e *Executor) run() {
	defer close(e.done)

	for {
		select {
		case t := <-e.queue:
			e.execute(t)
		case <-e.stop:
			// Drain whatever was queued before the stop signal.
			for {
				select {
				case t := <-e.queue:
					e.execute(t)
				default:
					return
				}
			}
		}
	}
}

func (e *Executor) execute(t task) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("task panicked", zap.String("task", t.name), zap.Any("panic", r))
		}
	}()

	start := time.Now()
	t.fn()
	e.logger.Debug("task executed",
		zap.String("task", t.name),
		zap.Duration("elapsed", time.Since(start)),
	)
}
