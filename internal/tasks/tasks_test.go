package tasks

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/replicate/director/internal/loggingtest"
)

func TestExecutorRunsTasksInOrder(t *testing.T) {
	t.Parallel()

	exec := NewExecutor(8, loggingtest.NewTestLogger(t))
	exec.Start()

	var order []int
	done := make(chan struct{})
	for i := 1; i <= 3; i++ {
		i := i
		exec.Add("test", func() {
			order = append(order, i)
			if i == 3 {
				close(done)
			}
		})
	}

	<-done
	exec.Stop()
	exec.Join()

	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestExecutorDrainsQueueOnStop(t *testing.T) {
	t.Parallel()

	exec := NewExecutor(8, loggingtest.NewTestLogger(t))

	var ran atomic.Int32
	for i := 0; i < 5; i++ {
		assert.True(t, exec.Add("test", func() { ran.Add(1) }))
	}

	// Stop before start: the run loop must still drain what was queued.
	exec.Stop()
	exec.Start()
	exec.Join()

	assert.Equal(t, int32(5), ran.Load())
}

func TestExecutorAddDropsOnOverflow(t *testing.T) {
	t.Parallel()

	exec := NewExecutor(1, loggingtest.NewTestLogger(t))

	assert.True(t, exec.Add("first", func() {}))
	assert.False(t, exec.Add("second", func() {}))
}

func TestExecutorAddWaitTimesOut(t *testing.T) {
	t.Parallel()

	exec := NewExecutor(1, loggingtest.NewTestLogger(t))
	exec.Add("blocker", func() {})

	start := time.Now()
	assert.False(t, exec.AddWait("waited", func() {}, 50*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestExecutorRecoversFromPanic(t *testing.T) {
	t.Parallel()

	exec := NewExecutor(8, loggingtest.NewTestLogger(t))
	exec.Start()

	var ran atomic.Bool
	done := make(chan struct{})
	exec.Add("panics", func() { panic("boom") })
	exec.Add("survives", func() { ran.Store(true); close(done) })

	<-done
	exec.Stop()
	exec.Join()

	assert.True(t, ran.Load())
}
