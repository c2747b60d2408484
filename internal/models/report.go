package models

import (
	"strings"
	"time"
)

// ProcessingMode identifies how a batch was executed
type ProcessingMode string

const (
	ModeParallel       ProcessingMode = "parallel"        // Profile-isolated worker pool
	ModeSharedParallel ProcessingMode = "shared_parallel" // Worker pool without profile isolation
	ModeSequential     ProcessingMode = "sequential"      // Single session, one task at a time
)

// ErrorCategory buckets task failures for the report histogram
type ErrorCategory string

const (
	ErrorCategoryTimeout  ErrorCategory = "timeout"
	ErrorCategoryAuth     ErrorCategory = "auth"
	ErrorCategorySession  ErrorCategory = "session"
	ErrorCategoryProfile  ErrorCategory = "profile"
	ErrorCategoryPage     ErrorCategory = "page"
	ErrorCategoryNotFound ErrorCategory = "not_found"
	ErrorCategoryUnknown  ErrorCategory = "unknown"
)

// CategorizeError buckets an error message for the report histogram
func CategorizeError(message string) ErrorCategory {
	lower := strings.ToLower(message)
	switch {
	case strings.Contains(lower, "timeout") || strings.Contains(lower, "deadline exceeded"):
		return ErrorCategoryTimeout
	case strings.Contains(lower, "unauthorized") || strings.Contains(lower, "authenticat"):
		return ErrorCategoryAuth
	case strings.Contains(lower, "session"):
		return ErrorCategorySession
	case strings.Contains(lower, "profile"):
		return ErrorCategoryProfile
	case strings.Contains(lower, "not found"):
		return ErrorCategoryNotFound
	case strings.Contains(lower, "page"):
		return ErrorCategoryPage
	default:
		return ErrorCategoryUnknown
	}
}

// TaskOutcome is one finalized task in the session report
type TaskOutcome struct {
	TaskID      string        `json:"task_id"`
	BusinessKey string        `json:"business_key"`
	Status      TaskStatus    `json:"status"`
	WorkerID    string        `json:"worker_id,omitempty"`
	Error       string        `json:"error,omitempty"`
	Artifacts   []string      `json:"artifacts,omitempty"`
	Duration    time.Duration `json:"duration"`
	RetryCount  int           `json:"retry_count"`
}

// WorkerStats summarizes one worker's contribution to a batch
type WorkerStats struct {
	WorkerID     string `json:"worker_id"`
	Succeeded    int    `json:"succeeded"`
	Failed       int    `json:"failed"`
	RestartCount int    `json:"restart_count"`
}

// Degradation records one step of the mode-fallback chain; never silent.
type Degradation struct {
	From      ProcessingMode `json:"from"`
	To        ProcessingMode `json:"to"`
	Reason    string         `json:"reason"`
	Timestamp time.Time      `json:"timestamp"`
}

// SessionReport is the structured summary of a completed batch
type SessionReport struct {
	Mode           ProcessingMode         `json:"processing_mode"`
	WorkerCount    int                    `json:"worker_count"`
	StartedAt      time.Time              `json:"started_at"`
	FinishedAt     time.Time              `json:"finished_at"`
	Duration       time.Duration          `json:"duration"`
	SuccessCount   int                    `json:"success_count"`
	FailCount      int                    `json:"fail_count"`
	CancelledCount int                    `json:"cancelled_count"`
	Results        []TaskOutcome          `json:"results"`
	WorkerStats    map[string]WorkerStats `json:"worker_stats,omitempty"`
	ErrorHistogram map[ErrorCategory]int  `json:"error_histogram,omitempty"`
	Degradations   []Degradation          `json:"degradations,omitempty"`
}

// NewSessionReport creates an empty report for a starting batch
func NewSessionReport(mode ProcessingMode, workerCount int) *SessionReport {
	return &SessionReport{
		Mode:           mode,
		WorkerCount:    workerCount,
		StartedAt:      time.Now(),
		WorkerStats:    make(map[string]WorkerStats),
		ErrorHistogram: make(map[ErrorCategory]int),
	}
}

// AddOutcome records one finalized task into counts, histogram and worker stats
func (r *SessionReport) AddOutcome(o TaskOutcome) {
	r.Results = append(r.Results, o)

	switch o.Status {
	case TaskStatusCompleted:
		r.SuccessCount++
	case TaskStatusCancelled:
		r.CancelledCount++
	default:
		r.FailCount++
		r.ErrorHistogram[CategorizeError(o.Error)]++
	}

	if o.WorkerID != "" {
		stats := r.WorkerStats[o.WorkerID]
		stats.WorkerID = o.WorkerID
		if o.Status == TaskStatusCompleted {
			stats.Succeeded++
		} else if o.Status != TaskStatusCancelled {
			stats.Failed++
		}
		r.WorkerStats[o.WorkerID] = stats
	}
}

// RecordDegradation appends a mode-fallback step to the report
func (r *SessionReport) RecordDegradation(from, to ProcessingMode, reason string) {
	r.Degradations = append(r.Degradations, Degradation{
		From:      from,
		To:        to,
		Reason:    reason,
		Timestamp: time.Now(),
	})
	r.Mode = to
}

// Finalize stamps the end time and duration
func (r *SessionReport) Finalize() {
	r.FinishedAt = time.Now()
	r.Duration = r.FinishedAt.Sub(r.StartedAt)
}
