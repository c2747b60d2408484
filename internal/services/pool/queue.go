package pool

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/ternarybob/colligo/internal/models"
)

// TaskQueue is a priority queue with business-key deduplication.
// Ordering is by descending priority score, which folds task age into the
// base priority so old low-priority tasks are never starved by a stream of
// same-priority newcomers.
type TaskQueue struct {
	items  *taskHeap
	seen   map[string]bool // business key -> enqueued
	mu     sync.Mutex
	cond   *sync.Cond
	closed bool
	now    func() time.Time
}

// taskHeap implements heap.Interface for priority-score ordering
type taskHeap struct {
	tasks []*models.POTask
	now   func() time.Time
}

func (h *taskHeap) Len() int { return len(h.tasks) }

func (h *taskHeap) Less(i, j int) bool {
	now := h.now()
	si, sj := h.tasks[i].PriorityScore(now), h.tasks[j].PriorityScore(now)
	if si != sj {
		return si > sj // Higher score dispatches first
	}
	return h.tasks[i].CreatedAt.Before(h.tasks[j].CreatedAt)
}

func (h *taskHeap) Swap(i, j int) {
	h.tasks[i], h.tasks[j] = h.tasks[j], h.tasks[i]
}

func (h *taskHeap) Push(x interface{}) {
	h.tasks = append(h.tasks, x.(*models.POTask))
}

func (h *taskHeap) Pop() interface{} {
	old := h.tasks
	n := len(old)
	task := old[n-1]
	h.tasks = old[0 : n-1]
	return task
}

// NewTaskQueue creates an empty task queue
func NewTaskQueue() *TaskQueue {
	return newTaskQueueWithClock(time.Now)
}

func newTaskQueueWithClock(now func() time.Time) *TaskQueue {
	h := &taskHeap{now: now}
	heap.Init(h)
	q := &TaskQueue{
		items: h,
		seen:  make(map[string]bool),
		now:   now,
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Enqueue adds a task, rejecting duplicates of a business key already in
// flight. Returns false for duplicates and after Close.
func (q *TaskQueue) Enqueue(task *models.POTask) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	if q.seen[task.BusinessKey] {
		return false
	}

	q.seen[task.BusinessKey] = true
	heap.Push(q.items, task)
	q.cond.Signal()
	return true
}

// Dequeue removes and returns the highest-priority task, blocking until one
// is available, the context is cancelled, or the queue is closed (nil, nil).
func (q *TaskQueue) Dequeue(ctx context.Context) (*models.POTask, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	const maxWait = 5 * time.Second

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		if q.items.Len() > 0 {
			task := heap.Pop(q.items).(*models.POTask)
			delete(q.seen, task.BusinessKey)
			return task, nil
		}

		if q.closed {
			return nil, nil
		}

		// Bounded wait so context cancellation is observed even with no
		// Enqueue or Close to wake us
		timer := time.AfterFunc(maxWait, func() {
			q.cond.Broadcast()
		})
		q.cond.Wait()
		timer.Stop()
	}
}

// TryDequeue removes and returns the highest-priority task without blocking,
// or nil when the queue is empty
func (q *TaskQueue) TryDequeue() *models.POTask {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.items.Len() == 0 {
		return nil
	}
	task := heap.Pop(q.items).(*models.POTask)
	delete(q.seen, task.BusinessKey)
	return task
}

// Requeue returns a task to the queue after a transient failure: the retry
// count is incremented and assignment fields are cleared. Returns false when
// the retry budget is exhausted; the caller finalizes the task as failed.
func (q *TaskQueue) Requeue(task *models.POTask) bool {
	if !task.CanRetry() {
		return false
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	// A closed queue refuses the task before touching it, so the caller can
	// still drive it to a terminal status
	if q.closed {
		return false
	}

	task.RetryCount++
	task.ResetAssignment()
	if err := task.Transition(models.TaskStatusPending); err != nil {
		return false
	}

	q.seen[task.BusinessKey] = true
	heap.Push(q.items, task)
	q.cond.Signal()
	return true
}

// Len returns the number of queued tasks
func (q *TaskQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// Close stops accepting tasks and wakes all blocked Dequeue calls
func (q *TaskQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}
