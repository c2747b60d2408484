package processing

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/colligo/internal/common"
	"github.com/ternarybob/colligo/internal/interfaces"
	"github.com/ternarybob/colligo/internal/models"
	"github.com/ternarybob/colligo/internal/services/pool"
	"github.com/ternarybob/colligo/internal/services/profiles"
)

// Session orchestrates one batch: selects a processing mode, runs the batch
// through the worker pool or a single sequential session, degrades mode on
// systemic failures, and aggregates the session report. Task-level errors
// never abort a batch; the caller always receives a complete report.
type Session struct {
	config   *common.Config
	factory  interfaces.SessionFactory
	driver   interfaces.AutomationDriver
	sinks    []interfaces.ResultSink
	observer interfaces.ProgressObserver
	logger   arbor.ILogger

	numCPU func() int
}

// NewSession creates a processing session
func NewSession(config *common.Config, factory interfaces.SessionFactory, driver interfaces.AutomationDriver, logger arbor.ILogger) *Session {
	return &Session{
		config:  config,
		factory: factory,
		driver:  driver,
		logger:  logger,
		numCPU:  runtime.NumCPU,
	}
}

// AddSink registers a result sink; each finalized task is written to every
// sink, best-effort
func (s *Session) AddSink(sink interfaces.ResultSink) {
	s.sinks = append(s.sinks, sink)
}

// SetObserver registers the progress observer. Observer calls are
// fire-and-forget; the batch never blocks on them.
func (s *Session) SetObserver(observer interfaces.ProgressObserver) {
	s.observer = observer
}

// selectMode picks the processing mode once per batch: sequential when
// parallelism is disabled, the batch is trivial, or the host is too small.
func (s *Session) selectMode(batchSize int) models.ProcessingMode {
	switch {
	case !s.config.Pool.ParallelEnabled:
		return models.ModeSequential
	case batchSize <= 1:
		return models.ModeSequential
	case s.numCPU() < 2:
		return models.ModeSequential
	default:
		return models.ModeParallel
	}
}

// ProcessBatch runs every task to a terminal status and returns the success
// and failure counts plus the full session report.
func (s *Session) ProcessBatch(ctx context.Context, tasks []*models.POTask) (int, int, *models.SessionReport) {
	mode := s.selectMode(len(tasks))
	report := models.NewSessionReport(mode, s.config.Pool.WorkerCount)

	s.logger.Info().
		Str("mode", string(mode)).
		Int("tasks", len(tasks)).
		Int("workers", s.config.Pool.WorkerCount).
		Msg("Processing batch")

	progress := newProgressTracker(len(tasks), mode, s.observer, s.logger)
	progress.announce()

	switch mode {
	case models.ModeParallel:
		if err := s.runPool(ctx, tasks, report, progress, true); err != nil {
			report.RecordDegradation(models.ModeParallel, models.ModeSharedParallel, err.Error())
			progress.setMode(models.ModeSharedParallel)
			s.logger.Warn().Err(err).Msg("Parallel mode unavailable; degrading to shared-parallel")

			if err := s.runPool(ctx, tasks, report, progress, false); err != nil {
				report.RecordDegradation(models.ModeSharedParallel, models.ModeSequential, err.Error())
				progress.setMode(models.ModeSequential)
				s.logger.Warn().Err(err).Msg("Shared-parallel mode unavailable; degrading to sequential")

				s.runSequential(ctx, tasks, report, progress)
			}
		}
	default:
		s.runSequential(ctx, tasks, report, progress)
	}

	report.Finalize()

	if report.SuccessCount+report.FailCount+report.CancelledCount != len(tasks) {
		// Accounting must cover the whole batch; surface the discrepancy
		// loudly rather than hide it
		s.logger.Error().
			Int("batch", len(tasks)).
			Int("success", report.SuccessCount).
			Int("failed", report.FailCount).
			Int("cancelled", report.CancelledCount).
			Msg("Batch accounting mismatch")
	}

	s.logger.Info().
		Str("mode", string(report.Mode)).
		Int("success", report.SuccessCount).
		Int("failed", report.FailCount).
		Int("cancelled", report.CancelledCount).
		Dur("duration", report.Duration).
		Msg("Batch complete")

	return report.SuccessCount, report.FailCount, report
}

// runPool executes the batch on a worker pool. With isolated set, each
// worker gets its own profile clone; without it the pool runs profile-less
// (the shared-parallel degraded mode). Returns an error only for systemic
// failures that warrant mode degradation.
func (s *Session) runPool(ctx context.Context, tasks []*models.POTask, report *models.SessionReport, progress *progressTracker, isolated bool) error {
	var store *profiles.Store
	var verifier *profiles.Verifier

	if isolated {
		var err error
		store, err = profiles.NewStore(s.config.Profiles, s.logger)
		if err != nil {
			return fmt.Errorf("profile store unavailable: %w", err)
		}
		if s.config.Profiles.VerifyProfiles {
			verifier = profiles.NewVerifier(s.config.Profiles, s.logger)
		}
	}

	p := pool.NewWorkerPool(s.config.Pool, store, verifier, s.factory, s.driver, s.logger)

	var mu sync.Mutex
	p.SetTaskCallback(func(task *models.POTask) {
		outcome := outcomeFor(task)

		mu.Lock()
		report.AddOutcome(outcome)
		mu.Unlock()

		progress.record(task.Status)
		s.persist(task)
	})

	if err := p.Start(ctx); err != nil {
		p.Shutdown(s.config.Pool.ShutdownTimeout)
		if store != nil {
			store.ShutdownAll()
		}
		return err
	}

	if _, err := p.Submit(tasks); err != nil {
		p.Shutdown(s.config.Pool.ShutdownTimeout)
		if store != nil {
			store.ShutdownAll()
		}
		return fmt.Errorf("batch submission refused: %w", err)
	}

	if err := p.WaitForCompletion(s.batchDeadline(len(tasks))); err != nil {
		s.logger.Warn().Err(err).Msg("Batch did not drain before the deadline")
	}

	if err := p.Shutdown(s.config.Pool.ShutdownTimeout); err != nil {
		s.logger.Warn().Err(err).Msg("Pool shutdown reported an error")
	}

	// Worker restart counts are only known after the run
	mu.Lock()
	for _, health := range p.Status().Workers {
		stats := report.WorkerStats[health.WorkerID]
		stats.WorkerID = health.WorkerID
		stats.RestartCount = health.RestartCount
		report.WorkerStats[health.WorkerID] = stats
	}
	mu.Unlock()

	if store != nil {
		if err := store.ShutdownAll(); err != nil {
			s.logger.Warn().Err(err).Msg("Profile cleanup reported an error")
		}
	}
	return nil
}

// batchDeadline bounds WaitForCompletion: every task may use its full
// timeout on every attempt, serialized in the worst case
func (s *Session) batchDeadline(batchSize int) time.Duration {
	attempts := time.Duration(s.config.Pool.MaxRetries + 1)
	deadline := s.config.Pool.TaskTimeout*attempts*time.Duration(batchSize) + s.config.Pool.StartupTimeout
	return deadline
}

// runSequential processes tasks one at a time on a single session without
// profile isolation. Per-task failures never stop the batch; if the session
// itself cannot start, every task is finalized as cancelled so the batch
// accounting stays complete.
func (s *Session) runSequential(ctx context.Context, tasks []*models.POTask, report *models.SessionReport, progress *progressTracker) {
	session := s.factory("sequential", "")

	if err := session.Start(ctx); err != nil {
		s.logger.Error().Err(err).Msg("Sequential session failed to start")
		s.cancelRemaining(tasks, report, progress, fmt.Sprintf("session start failed: %v", err))
		return
	}
	defer session.Close()

	if ok, err := session.Authenticate(ctx); err != nil || !ok {
		s.logger.Error().Err(err).Msg("Sequential session failed to authenticate")
		s.cancelRemaining(tasks, report, progress, "session authentication failed")
		return
	}

	for _, task := range tasks {
		if task.Status.IsTerminal() {
			continue
		}
		select {
		case <-ctx.Done():
			s.cancelRemaining(tasks, report, progress, "batch cancelled")
			return
		default:
		}

		s.runOneSequential(ctx, session, task)

		report.AddOutcome(outcomeFor(task))
		progress.record(task.Status)
		s.persist(task)
	}
}

// runOneSequential drives one task through assignment, execution, and a
// terminal status on the shared sequential session
func (s *Session) runOneSequential(ctx context.Context, session interfaces.AutomationSession, task *models.POTask) {
	task.AssignedWorker = "sequential"
	task.Transition(models.TaskStatusAssigned)
	task.Transition(models.TaskStatusProcessing)

	timeout := s.config.Pool.TaskTimeout
	if task.TimeoutOverride > 0 {
		timeout = task.TimeoutOverride
	}

	for {
		taskCtx, cancel := context.WithTimeout(ctx, timeout)
		handle, err := session.OpenTask(taskCtx, task.ID)
		if err != nil {
			cancel()
			task.RecordError("sequential", fmt.Sprintf("failed to open task tab: %v", err))
			s.finalizeSequential(task)
			return
		}

		result, err := s.driver.ProcessRecord(taskCtx, task.BusinessKey)
		session.CloseTask(context.Background(), handle)

		if result != nil && result.Status == models.DriverStatusSessionLost {
			cancel()
			if session.Recover(ctx) {
				s.logger.Info().Str("task_id", task.ID).Msg("Sequential session recovered; retrying record")
				// One more attempt on the recovered session
				taskCtx, cancel = context.WithTimeout(ctx, timeout)
				result, err = s.driver.ProcessRecord(taskCtx, task.BusinessKey)
				cancel()
			} else {
				task.RecordError("sequential", "session lost and recovery failed")
				s.finalizeSequential(task)
				return
			}
		} else {
			cancel()
		}

		switch {
		case err != nil:
			task.RecordError("sequential", err.Error())
		case result == nil:
			task.RecordError("sequential", "driver returned no result")
		case result.Validate() != nil:
			task.RecordError("sequential", fmt.Sprintf("invalid driver result: %v", result.Validate()))
		case result.Success():
			task.Result = result
			task.Artifacts = result.Artifacts
			task.Transition(models.TaskStatusCompleted)
			return
		default:
			task.Result = result
			task.RecordError("sequential", result.Message)
		}

		// Transient failure: retry in place within the task's budget
		if task.CanRetry() && (result == nil || result.Status != models.DriverStatusNotFound) {
			task.RetryCount++
			task.Transition(models.TaskStatusRetrying)
			task.Transition(models.TaskStatusPending)
			task.Transition(models.TaskStatusAssigned)
			task.Transition(models.TaskStatusProcessing)
			continue
		}
		s.finalizeSequential(task)
		return
	}
}

func (s *Session) finalizeSequential(task *models.POTask) {
	if task.Status == models.TaskStatusProcessing {
		task.Transition(models.TaskStatusFailed)
	}
}

// cancelRemaining finalizes every non-terminal task as cancelled with the
// given reason
func (s *Session) cancelRemaining(tasks []*models.POTask, report *models.SessionReport, progress *progressTracker, reason string) {
	for _, task := range tasks {
		if task.Status.IsTerminal() {
			continue
		}
		task.RecordError("", reason)
		task.Transition(models.TaskStatusCancelled)
		report.AddOutcome(outcomeFor(task))
		progress.record(task.Status)
	}
}

// persist writes one finalized task to every sink, best-effort
func (s *Session) persist(task *models.POTask) {
	if len(s.sinks) == 0 {
		return
	}

	fields := map[string]any{
		"task_id":      task.ID,
		"business_key": task.BusinessKey,
		"status":       string(task.Status),
		"retry_count":  task.RetryCount,
		"worker_id":    task.AssignedWorker,
		"error":        task.LastError(),
	}
	if task.Result != nil {
		fields["found_count"] = task.Result.FoundCount
		fields["downloaded_count"] = task.Result.DownloadedCount
		fields["status_code"] = task.Result.StatusCode
	}
	if len(task.Artifacts) > 0 {
		fields["artifacts"] = task.Artifacts
	}

	for _, sink := range s.sinks {
		if err := sink.Persist(context.Background(), task.BusinessKey, fields); err != nil {
			s.logger.Warn().
				Str("business_key", task.BusinessKey).
				Err(err).
				Msg("Result sink write failed")
		}
	}
}

// outcomeFor converts a finalized task into its report entry
func outcomeFor(task *models.POTask) models.TaskOutcome {
	var duration time.Duration
	if task.StartedAt != nil && task.CompletedAt != nil {
		duration = task.CompletedAt.Sub(*task.StartedAt)
	}

	return models.TaskOutcome{
		TaskID:      task.ID,
		BusinessKey: task.BusinessKey,
		Status:      task.Status,
		WorkerID:    task.AssignedWorker,
		Error:       task.LastError(),
		Artifacts:   task.Artifacts,
		Duration:    duration,
		RetryCount:  task.RetryCount,
	}
}
