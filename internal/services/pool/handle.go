package pool

import (
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/colligo/internal/models"
)

// resultBoard is the shared completion arena for one batch. Handles carry
// only a task ID and a reference to the board, so a handle never keeps a
// worker or pool alive on its own.
type resultBoard struct {
	mu        sync.Mutex
	cond      *sync.Cond
	tasks     map[string]*models.POTask
	done      map[string]chan struct{}
	cancelled map[string]bool
	remaining int
}

func newResultBoard() *resultBoard {
	b := &resultBoard{
		tasks:     make(map[string]*models.POTask),
		done:      make(map[string]chan struct{}),
		cancelled: make(map[string]bool),
	}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// register adds a task to the board and returns its handle
func (b *resultBoard) register(task *models.POTask) *TaskHandle {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.tasks[task.ID] = task
	b.done[task.ID] = make(chan struct{})
	b.remaining++
	return &TaskHandle{id: task.ID, board: b}
}

// finalize marks a task terminal and wakes its waiters. Calling finalize
// twice for the same task is a no-op.
func (b *resultBoard) finalize(taskID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, ok := b.done[taskID]
	if !ok {
		return
	}
	select {
	case <-ch:
		return // already finalized
	default:
	}
	close(ch)
	b.remaining--
	b.cond.Broadcast()
}

// requestCancel flags a task for cooperative cancellation. Returns false
// when the task is already terminal or unknown.
func (b *resultBoard) requestCancel(taskID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	task, ok := b.tasks[taskID]
	if !ok || task.Status.IsTerminal() {
		return false
	}
	b.cancelled[taskID] = true
	return true
}

// cancelRequested reports whether a cancel was requested for the task
func (b *resultBoard) cancelRequested(taskID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cancelled[taskID]
}

// waitAll blocks until every registered task is finalized or the timeout
// elapses. Returns false on timeout.
func (b *resultBoard) waitAll(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)

	b.mu.Lock()
	defer b.mu.Unlock()

	for b.remaining > 0 {
		wait := time.Until(deadline)
		if wait <= 0 {
			return false
		}

		timer := time.AfterFunc(wait, func() {
			b.cond.Broadcast()
		})
		b.cond.Wait()
		timer.Stop()
	}
	return true
}

// outstanding returns the number of tasks not yet finalized
func (b *resultBoard) outstanding() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.remaining
}

// TaskHandle is the caller's reference to one submitted task
type TaskHandle struct {
	id    string
	board *resultBoard
}

// ID returns the task ID this handle tracks
func (h *TaskHandle) ID() string { return h.id }

// Wait blocks until the task reaches a terminal status or the timeout
// elapses. A zero or negative timeout only checks current completion.
func (h *TaskHandle) Wait(timeout time.Duration) (*models.POTask, error) {
	h.board.mu.Lock()
	ch, ok := h.board.done[h.id]
	h.board.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("unknown task %s", h.id)
	}

	select {
	case <-ch:
	default:
		if timeout <= 0 {
			return nil, fmt.Errorf("task %s not complete", h.id)
		}
		select {
		case <-ch:
		case <-time.After(timeout):
			return nil, fmt.Errorf("timed out after %s waiting for task %s", timeout, h.id)
		}
	}

	h.board.mu.Lock()
	defer h.board.mu.Unlock()
	return h.board.tasks[h.id], nil
}

// Cancel requests cooperative cancellation. Queued tasks are cancelled
// before dispatch; in-flight tasks run to completion or their own timeout.
// Returns false when the task is already terminal.
func (h *TaskHandle) Cancel() bool {
	return h.board.requestCancel(h.id)
}
