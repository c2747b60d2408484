package models

import (
	"fmt"
	"time"
)

// WorkerStatus tracks a worker through its lifecycle
type WorkerStatus string

const (
	WorkerStatusStarting    WorkerStatus = "starting"
	WorkerStatusReady       WorkerStatus = "ready"
	WorkerStatusProcessing  WorkerStatus = "processing"
	WorkerStatusIdle        WorkerStatus = "idle"
	WorkerStatusTerminating WorkerStatus = "terminating"
	WorkerStatusTerminated  WorkerStatus = "terminated"
	WorkerStatusCrashed     WorkerStatus = "crashed"
	WorkerStatusRestarting  WorkerStatus = "restarting"
)

// workerTransitions is the fixed transition table.
// TERMINATED is absorbing; a CRASHED worker may only restart or terminate.
var workerTransitions = map[WorkerStatus][]WorkerStatus{
	WorkerStatusStarting:    {WorkerStatusReady, WorkerStatusCrashed},
	WorkerStatusReady:       {WorkerStatusProcessing, WorkerStatusTerminating, WorkerStatusCrashed},
	WorkerStatusProcessing:  {WorkerStatusIdle, WorkerStatusReady, WorkerStatusTerminating, WorkerStatusCrashed},
	WorkerStatusIdle:        {WorkerStatusReady, WorkerStatusTerminating, WorkerStatusCrashed},
	WorkerStatusTerminating: {WorkerStatusTerminated},
	WorkerStatusCrashed:     {WorkerStatusRestarting, WorkerStatusTerminated},
	WorkerStatusRestarting:  {WorkerStatusReady, WorkerStatusCrashed},
	WorkerStatusTerminated:  {},
}

// CanTransition reports whether a transition from s to next is allowed
func (s WorkerStatus) CanTransition(next WorkerStatus) bool {
	for _, allowed := range workerTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// ValidateTransition returns a descriptive error for an illegal transition
func (s WorkerStatus) ValidateTransition(next WorkerStatus) error {
	if !s.CanTransition(next) {
		return fmt.Errorf("illegal worker transition %s -> %s", s, next)
	}
	return nil
}

// CanAcceptTask reports whether a worker in this state may be assigned work
func (s WorkerStatus) CanAcceptTask() bool {
	return s == WorkerStatusReady || s == WorkerStatusIdle
}

// WorkerHealth is a point-in-time snapshot of one worker
type WorkerHealth struct {
	WorkerID       string        `json:"worker_id"`
	Status         WorkerStatus  `json:"status"`
	Uptime         time.Duration `json:"uptime"`
	MemoryBytes    uint64        `json:"memory_bytes"`
	ProcessedCount int           `json:"processed_count"`
	ErrorCount     int           `json:"error_count"`
	RestartCount   int           `json:"restart_count"`
	CurrentTaskID  string        `json:"current_task_id,omitempty"`
	LastError      string        `json:"last_error,omitempty"`
	LastActivity   time.Time     `json:"last_activity"`
}
