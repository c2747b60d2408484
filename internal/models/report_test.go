package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAddOutcomeCounts(t *testing.T) {
	report := NewSessionReport(ModeParallel, 2)

	report.AddOutcome(TaskOutcome{TaskID: "t1", Status: TaskStatusCompleted, WorkerID: "w1"})
	report.AddOutcome(TaskOutcome{TaskID: "t2", Status: TaskStatusCompleted, WorkerID: "w2"})
	report.AddOutcome(TaskOutcome{TaskID: "t3", Status: TaskStatusFailed, WorkerID: "w1", Error: "request timeout"})
	report.AddOutcome(TaskOutcome{TaskID: "t4", Status: TaskStatusCancelled})

	assert.Equal(t, 2, report.SuccessCount)
	assert.Equal(t, 1, report.FailCount)
	assert.Equal(t, 1, report.CancelledCount)
	assert.Len(t, report.Results, 4)

	assert.Equal(t, 1, report.WorkerStats["w1"].Succeeded)
	assert.Equal(t, 1, report.WorkerStats["w1"].Failed)
	assert.Equal(t, 1, report.WorkerStats["w2"].Succeeded)

	assert.Equal(t, 1, report.ErrorHistogram[ErrorCategoryTimeout])
}

func TestCategorizeError(t *testing.T) {
	cases := map[string]ErrorCategory{
		"context deadline exceeded":    ErrorCategoryTimeout,
		"session lost during task":     ErrorCategorySession,
		"unauthorized: login required": ErrorCategoryAuth,
		"profile corrupted":            ErrorCategoryProfile,
		"record not found":             ErrorCategoryNotFound,
		"page render error":            ErrorCategoryPage,
		"something odd":                ErrorCategoryUnknown,
	}
	for msg, want := range cases {
		assert.Equal(t, want, CategorizeError(msg), msg)
	}
}

func TestRecordDegradation(t *testing.T) {
	report := NewSessionReport(ModeParallel, 3)

	report.RecordDegradation(ModeParallel, ModeSharedParallel, "no profiles available")
	report.RecordDegradation(ModeSharedParallel, ModeSequential, "pool failed to start")

	assert.Len(t, report.Degradations, 2)
	assert.Equal(t, ModeSequential, report.Mode)
	assert.Equal(t, "no profiles available", report.Degradations[0].Reason)
}

func TestFinalizeStampsDuration(t *testing.T) {
	report := NewSessionReport(ModeSequential, 1)
	report.Finalize()

	assert.False(t, report.FinishedAt.IsZero())
	assert.GreaterOrEqual(t, report.Duration.Nanoseconds(), int64(0))
}
