package pool

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/colligo/internal/common"
	"github.com/ternarybob/colligo/internal/models"
)

func newTestWorker(t *testing.T, resultCh chan taskResult) *Worker {
	t.Helper()
	return NewWorker("worker-1", nil, stubFactory(), newStubDriver(alwaysOK), time.Second, time.Second, 1, resultCh, common.GetLogger())
}

func TestWorker_AssignAfterTerminate(t *testing.T) {
	resultCh := make(chan taskResult, 1)
	w := newTestWorker(t, resultCh)
	require.NoError(t, w.Start(context.Background()))

	w.Terminate()

	task := models.NewPOTask("PO-1", models.PriorityNormal, 0)
	err := w.AssignTask(task)
	require.Error(t, err)
	assert.Equal(t, models.WorkerStatusTerminated, w.Status())
}

func TestWorker_TerminateIsIdempotent(t *testing.T) {
	resultCh := make(chan taskResult, 1)
	w := newTestWorker(t, resultCh)
	require.NoError(t, w.Start(context.Background()))

	w.Terminate()
	w.Terminate()
	assert.Equal(t, models.WorkerStatusTerminated, w.Status())
}

func TestWorker_ConcurrentAssignAndTerminate(t *testing.T) {
	for i := 0; i < 25; i++ {
		resultCh := make(chan taskResult, 16)
		w := newTestWorker(t, resultCh)
		require.NoError(t, w.Start(context.Background()))

		var wg sync.WaitGroup
		wg.Add(2)
		go func(round int) {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				task := models.NewPOTask(fmt.Sprintf("PO-%d-%d", round, j), models.PriorityNormal, 0)
				task.Transition(models.TaskStatusAssigned)
				// Either outcome is fine; the assignment must never panic
				// against a concurrent terminate
				w.AssignTask(task)
			}
		}(i)
		go func() {
			defer wg.Done()
			w.Terminate()
		}()
		wg.Wait()

		assert.Equal(t, models.WorkerStatusTerminated, w.Status())
	}
}
