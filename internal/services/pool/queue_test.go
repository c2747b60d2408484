package pool

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/colligo/internal/models"
)

func TestQueue_PriorityOrdering(t *testing.T) {
	q := NewTaskQueue()

	low := models.NewPOTask("PO-1", models.PriorityLow, 0)
	urgent := models.NewPOTask("PO-2", models.PriorityUrgent, 0)
	normal := models.NewPOTask("PO-3", models.PriorityNormal, 0)

	require.True(t, q.Enqueue(low))
	require.True(t, q.Enqueue(urgent))
	require.True(t, q.Enqueue(normal))

	assert.Equal(t, "PO-2", q.TryDequeue().BusinessKey)
	assert.Equal(t, "PO-3", q.TryDequeue().BusinessKey)
	assert.Equal(t, "PO-1", q.TryDequeue().BusinessKey)
	assert.Nil(t, q.TryDequeue())
}

func TestQueue_AgingBeatsSamePriorityNewcomers(t *testing.T) {
	// Fixed clock so the aged task's score is deterministic
	now := time.Now()
	q := newTaskQueueWithClock(func() time.Time { return now })

	aged := models.NewPOTask("PO-old", models.PriorityNormal, 0)
	aged.CreatedAt = now.Add(-3 * time.Hour)
	fresh := models.NewPOTask("PO-new", models.PriorityNormal, 0)
	fresh.CreatedAt = now

	require.True(t, q.Enqueue(fresh))
	require.True(t, q.Enqueue(aged))

	// score(aged) = 2*10+3 = 23 beats score(fresh) = 20
	assert.Equal(t, "PO-old", q.TryDequeue().BusinessKey)
}

func TestQueue_AgeBonusNeverOutranksHigherPriority(t *testing.T) {
	now := time.Now()
	q := newTaskQueueWithClock(func() time.Time { return now })

	// Age bonus caps at 5, so 2*10+5 = 25 < 3*10
	ancient := models.NewPOTask("PO-old", models.PriorityNormal, 0)
	ancient.CreatedAt = now.Add(-100 * time.Hour)
	high := models.NewPOTask("PO-high", models.PriorityHigh, 0)
	high.CreatedAt = now

	require.True(t, q.Enqueue(ancient))
	require.True(t, q.Enqueue(high))

	assert.Equal(t, "PO-high", q.TryDequeue().BusinessKey)
}

func TestQueue_DeduplicatesBusinessKeys(t *testing.T) {
	q := NewTaskQueue()

	require.True(t, q.Enqueue(models.NewPOTask("PO-1", models.PriorityNormal, 0)))
	assert.False(t, q.Enqueue(models.NewPOTask("PO-1", models.PriorityUrgent, 0)))
	assert.Equal(t, 1, q.Len())

	// Dequeuing releases the key for a later batch
	q.TryDequeue()
	assert.True(t, q.Enqueue(models.NewPOTask("PO-1", models.PriorityNormal, 0)))
}

func TestQueue_DequeueBlocksUntilEnqueue(t *testing.T) {
	q := NewTaskQueue()

	got := make(chan *models.POTask, 1)
	go func() {
		task, err := q.Dequeue(context.Background())
		require.NoError(t, err)
		got <- task
	}()

	time.Sleep(20 * time.Millisecond)
	require.True(t, q.Enqueue(models.NewPOTask("PO-1", models.PriorityNormal, 0)))

	select {
	case task := <-got:
		assert.Equal(t, "PO-1", task.BusinessKey)
	case <-time.After(2 * time.Second):
		t.Fatal("dequeue did not wake on enqueue")
	}
}

func TestQueue_DequeueObservesContextCancel(t *testing.T) {
	q := NewTaskQueue()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := q.Dequeue(ctx)
		errCh <- err
	}()

	cancel()
	q.mu.Lock()
	q.cond.Broadcast()
	q.mu.Unlock()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(10 * time.Second):
		t.Fatal("dequeue did not observe cancellation")
	}
}

func TestQueue_CloseDrainsThenReturnsNil(t *testing.T) {
	q := NewTaskQueue()
	require.True(t, q.Enqueue(models.NewPOTask("PO-1", models.PriorityNormal, 0)))
	q.Close()

	task, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	require.NotNil(t, task)

	task, err = q.Dequeue(context.Background())
	require.NoError(t, err)
	assert.Nil(t, task)

	assert.False(t, q.Enqueue(models.NewPOTask("PO-2", models.PriorityNormal, 0)))
}

func TestQueue_RequeueRespectsRetryBudget(t *testing.T) {
	q := NewTaskQueue()

	task := models.NewPOTask("PO-1", models.PriorityNormal, 2)
	require.NoError(t, task.Transition(models.TaskStatusAssigned))
	require.NoError(t, task.Transition(models.TaskStatusProcessing))
	require.NoError(t, task.Transition(models.TaskStatusRetrying))

	assert.True(t, q.Requeue(task))
	assert.Equal(t, 1, task.RetryCount)
	assert.Equal(t, models.TaskStatusPending, task.Status)
	assert.Empty(t, task.AssignedWorker)

	// Exhaust the budget
	task = q.TryDequeue()
	require.NoError(t, task.Transition(models.TaskStatusAssigned))
	require.NoError(t, task.Transition(models.TaskStatusProcessing))
	require.NoError(t, task.Transition(models.TaskStatusRetrying))
	assert.True(t, q.Requeue(task))

	task = q.TryDequeue()
	require.NoError(t, task.Transition(models.TaskStatusAssigned))
	require.NoError(t, task.Transition(models.TaskStatusProcessing))
	require.NoError(t, task.Transition(models.TaskStatusRetrying))
	assert.False(t, q.Requeue(task), "third attempt exceeds max_retries=2")
}

func TestQueue_RequeueAfterCloseLeavesTaskUntouched(t *testing.T) {
	q := NewTaskQueue()

	task := models.NewPOTask("PO-1", models.PriorityNormal, 2)
	require.NoError(t, task.Transition(models.TaskStatusAssigned))
	require.NoError(t, task.Transition(models.TaskStatusProcessing))
	require.NoError(t, task.Transition(models.TaskStatusRetrying))

	q.Close()

	assert.False(t, q.Requeue(task))
	assert.Equal(t, models.TaskStatusRetrying, task.Status, "refused task keeps its status")
	assert.Equal(t, 0, task.RetryCount, "refused task keeps its retry count")

	// The caller can still drive the refused task to a terminal status
	require.NoError(t, task.Transition(models.TaskStatusFailed))
	assert.True(t, task.Status.IsTerminal())
}
