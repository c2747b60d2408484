package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TaskPriority orders tasks in the queue. Higher values dispatch first.
type TaskPriority int

const (
	PriorityLow    TaskPriority = 1
	PriorityNormal TaskPriority = 2
	PriorityHigh   TaskPriority = 3
	PriorityUrgent TaskPriority = 4
)

func (p TaskPriority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	default:
		return "unknown"
	}
}

// TaskStatus tracks a task through its lifecycle
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusAssigned   TaskStatus = "assigned"
	TaskStatusProcessing TaskStatus = "processing"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
	TaskStatusRetrying   TaskStatus = "retrying"
	TaskStatusCancelled  TaskStatus = "cancelled"
)

// taskTransitions is the allowed status transition table.
// A task is only ASSIGNED from PENDING. Transient failures take
// PROCESSING -> RETRYING -> PENDING; FAILED is only set once the retry
// budget is exhausted and is terminal along with COMPLETED and CANCELLED.
var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskStatusPending:    {TaskStatusAssigned, TaskStatusCancelled},
	TaskStatusAssigned:   {TaskStatusProcessing, TaskStatusPending, TaskStatusCancelled},
	TaskStatusProcessing: {TaskStatusCompleted, TaskStatusFailed, TaskStatusRetrying},
	TaskStatusRetrying:   {TaskStatusPending, TaskStatusFailed, TaskStatusCancelled},
	TaskStatusFailed:     {},
	TaskStatusCompleted:  {},
	TaskStatusCancelled:  {},
}

// IsTerminal reports whether no further transitions are allowed
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusCancelled
}

// CanTransition reports whether a transition from s to next is allowed
func (s TaskStatus) CanTransition(next TaskStatus) bool {
	for _, allowed := range taskTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// TaskError records one failed attempt
type TaskError struct {
	Attempt   int       `json:"attempt"`
	WorkerID  string    `json:"worker_id"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// POTask is one unit of business work: fetch attachments for one business record.
type POTask struct {
	ID          string       `json:"id"`
	BusinessKey string       `json:"business_key"`
	Priority    TaskPriority `json:"priority"`
	Status      TaskStatus   `json:"status"`

	// Timing
	CreatedAt   time.Time  `json:"created_at"`
	AssignedAt  *time.Time `json:"assigned_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Retry budget
	RetryCount int `json:"retry_count"`
	MaxRetries int `json:"max_retries"`

	// Per-task timeout override; zero means use the pool default
	TimeoutOverride time.Duration `json:"timeout_override,omitempty"`

	// Assignment and outcome
	AssignedWorker string        `json:"assigned_worker,omitempty"`
	ErrorHistory   []TaskError   `json:"error_history,omitempty"`
	Result         *DriverResult `json:"result,omitempty"`
	Artifacts      []string      `json:"artifacts,omitempty"`
}

// NewPOTask creates a pending task for one business record
func NewPOTask(businessKey string, priority TaskPriority, maxRetries int) *POTask {
	return &POTask{
		ID:          "task_" + uuid.New().String(),
		BusinessKey: businessKey,
		Priority:    priority,
		Status:      TaskStatusPending,
		CreatedAt:   time.Now(),
		MaxRetries:  maxRetries,
	}
}

// Transition moves the task to the next status, enforcing the transition table.
// The status is left unchanged on an illegal transition.
func (t *POTask) Transition(next TaskStatus) error {
	if !t.Status.CanTransition(next) {
		return fmt.Errorf("illegal task transition %s -> %s for task %s", t.Status, next, t.ID)
	}
	t.Status = next

	now := time.Now()
	switch next {
	case TaskStatusAssigned:
		t.AssignedAt = &now
	case TaskStatusProcessing:
		t.StartedAt = &now
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		t.CompletedAt = &now
	}
	return nil
}

// PriorityScore combines priority level with task age so old low-priority
// tasks are never starved by a stream of same-priority newcomers.
// score = weight*10 + min(5, age in hours)
func (t *POTask) PriorityScore(now time.Time) int {
	ageHours := int(now.Sub(t.CreatedAt).Hours())
	if ageHours > 5 {
		ageHours = 5
	}
	if ageHours < 0 {
		ageHours = 0
	}
	return int(t.Priority)*10 + ageHours
}

// RecordError appends a failed attempt to the error history
func (t *POTask) RecordError(workerID, message string) {
	t.ErrorHistory = append(t.ErrorHistory, TaskError{
		Attempt:   t.RetryCount + 1,
		WorkerID:  workerID,
		Message:   message,
		Timestamp: time.Now(),
	})
}

// LastError returns the most recent error message, or empty
func (t *POTask) LastError() string {
	if len(t.ErrorHistory) == 0 {
		return ""
	}
	return t.ErrorHistory[len(t.ErrorHistory)-1].Message
}

// CanRetry reports whether the retry budget allows another attempt
func (t *POTask) CanRetry() bool {
	return t.RetryCount < t.MaxRetries
}

// ResetAssignment clears assignment fields for a requeue
func (t *POTask) ResetAssignment() {
	t.AssignedWorker = ""
	t.AssignedAt = nil
	t.StartedAt = nil
}
