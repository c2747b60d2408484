package pool

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/colligo/internal/interfaces"
	"github.com/ternarybob/colligo/internal/models"
)

// taskResult is what a worker reports back to the pool for one attempt
type taskResult struct {
	workerID string
	task     *models.POTask
	result   *models.DriverResult
	err      error
	timedOut bool
	crashed  bool
	duration time.Duration
}

// Worker wraps one profile clone and one automation session. It processes
// exactly one task at a time on its own goroutine, receiving tasks over a
// channel and reporting outcomes over the pool's result channel.
type Worker struct {
	id             string
	profile        *models.Profile
	session        interfaces.AutomationSession
	factory        interfaces.SessionFactory
	driver         interfaces.AutomationDriver
	taskTimeout    time.Duration
	startupTimeout time.Duration
	maxRestarts    int
	logger         arbor.ILogger

	taskCh   chan *models.POTask
	resultCh chan<- taskResult

	mu              sync.Mutex
	status          models.WorkerStatus
	processedCount  int
	errorCount      int
	restartAttempts int
	currentTaskID   string
	lastError       string
	startedAt       time.Time
	lastActivity    time.Time
	recoveryFailed  bool // set after a failed in-place recovery; next session loss crashes the worker
}

// NewWorker creates a worker in STARTING state. Start launches the session.
func NewWorker(id string, profile *models.Profile, factory interfaces.SessionFactory, driver interfaces.AutomationDriver, taskTimeout, startupTimeout time.Duration, maxRestarts int, resultCh chan<- taskResult, logger arbor.ILogger) *Worker {
	return &Worker{
		id:             id,
		profile:        profile,
		factory:        factory,
		driver:         driver,
		taskTimeout:    taskTimeout,
		startupTimeout: startupTimeout,
		maxRestarts:    maxRestarts,
		logger:         logger,
		taskCh:         make(chan *models.POTask, 1),
		resultCh:       resultCh,
		status:         models.WorkerStatusStarting,
	}
}

// ID returns the worker identifier
func (w *Worker) ID() string { return w.id }

// Profile returns the profile clone this worker owns, if any
func (w *Worker) Profile() *models.Profile { return w.profile }

// Status returns the current lifecycle status
func (w *Worker) Status() models.WorkerStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// transition enforces the worker state table under the lock
func (w *Worker) transition(next models.WorkerStatus) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.transitionLocked(next)
}

func (w *Worker) transitionLocked(next models.WorkerStatus) error {
	if err := w.status.ValidateTransition(next); err != nil {
		return fmt.Errorf("worker %s: %w", w.id, err)
	}
	w.status = next
	w.lastActivity = time.Now()
	return nil
}

// Start launches the automation session and runs the startup authentication
// check. On success the worker is READY and its processing goroutine is
// running. The given context is the worker's lifetime: the startup timeout
// bounds only the session launch and authentication, never task execution.
func (w *Worker) Start(ctx context.Context) error {
	profileDir := ""
	if w.profile != nil {
		profileDir = w.profile.ClonePath
	}
	session := w.factory(w.id, profileDir)

	startCtx, cancel := context.WithTimeout(ctx, w.startupTimeout)
	defer cancel()

	if err := session.Start(startCtx); err != nil {
		w.markCrashed(fmt.Sprintf("session start failed: %v", err))
		return fmt.Errorf("worker %s failed to start session: %w", w.id, err)
	}

	authenticated, err := session.Authenticate(startCtx)
	if err != nil {
		session.Close()
		w.markCrashed(fmt.Sprintf("authentication error: %v", err))
		return fmt.Errorf("worker %s authentication error: %w", w.id, err)
	}
	if !authenticated {
		session.Close()
		w.markCrashed("authentication rejected")
		return fmt.Errorf("worker %s is not authenticated", w.id)
	}

	w.mu.Lock()
	w.session = session
	w.startedAt = time.Now()
	if err := w.transitionLocked(models.WorkerStatusReady); err != nil {
		w.mu.Unlock()
		session.Close()
		return err
	}
	w.mu.Unlock()

	if w.profile != nil {
		w.profile.Status = models.ProfileStatusInUse
	}

	go w.run(ctx)

	w.logger.Info().
		Str("worker_id", w.id).
		Str("profile_dir", profileDir).
		Msg("Worker started")
	return nil
}

// run is the worker's processing loop: one task at a time off the channel
func (w *Worker) run(ctx context.Context) {
	for task := range w.taskCh {
		w.resultCh <- w.execute(ctx, task)
	}
}

// AssignTask hands the worker one task. Fails unless the worker is
// READY or IDLE.
func (w *Worker) AssignTask(task *models.POTask) error {
	w.mu.Lock()
	if !w.status.CanAcceptTask() {
		status := w.status
		w.mu.Unlock()
		return fmt.Errorf("worker %s cannot accept a task in status %s", w.id, status)
	}

	// IDLE passes through READY per the state table
	if w.status == models.WorkerStatusIdle {
		if err := w.transitionLocked(models.WorkerStatusReady); err != nil {
			w.mu.Unlock()
			return err
		}
	}
	if err := w.transitionLocked(models.WorkerStatusProcessing); err != nil {
		w.mu.Unlock()
		return err
	}
	w.currentTaskID = task.ID
	task.AssignedWorker = w.id

	// The send stays under the lock so Terminate cannot close the channel
	// between the status check and the hand-off
	select {
	case w.taskCh <- task:
		w.mu.Unlock()
		return nil
	default:
		// The one-slot channel is full only if accounting is broken
		w.transitionLocked(models.WorkerStatusIdle)
		w.currentTaskID = ""
		w.mu.Unlock()
		return fmt.Errorf("worker %s already has a task in flight", w.id)
	}
}

// execute runs one task attempt bounded by the task timeout
func (w *Worker) execute(ctx context.Context, task *models.POTask) taskResult {
	startTime := time.Now()
	res := taskResult{workerID: w.id, task: task}

	timeout := w.taskTimeout
	if task.TimeoutOverride > 0 {
		timeout = task.TimeoutOverride
	}
	taskCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := task.Transition(models.TaskStatusProcessing); err != nil {
		res.err = err
		res.duration = time.Since(startTime)
		return res
	}

	w.mu.Lock()
	session := w.session
	w.mu.Unlock()
	if session == nil {
		res.err = fmt.Errorf("worker %s has no session", w.id)
		res.duration = time.Since(startTime)
		return res
	}

	handle, err := session.OpenTask(taskCtx, task.ID)
	if err != nil {
		res.err = fmt.Errorf("failed to open task tab: %w", err)
		res.timedOut = taskCtx.Err() == context.DeadlineExceeded
		res.duration = time.Since(startTime)
		return res
	}
	defer func() {
		if closeErr := session.CloseTask(context.Background(), handle); closeErr != nil {
			w.logger.Warn().
				Str("worker_id", w.id).
				Str("task_id", task.ID).
				Err(closeErr).
				Msg("Failed to close task tab")
		}
		// Drivers can leave popups or download tabs behind; sweep anything
		// that is neither the anchor nor a tracked task tab
		if closed, sweepErr := session.SweepStrayTabs(context.Background()); sweepErr == nil && closed > 0 {
			w.logger.Debug().
				Str("worker_id", w.id).
				Int("closed", closed).
				Msg("Closed stray tabs after task")
		}
	}()

	driverResult, err := w.driver.ProcessRecord(taskCtx, task.BusinessKey)

	// A lost session gets exactly one in-place recovery attempt; a second
	// consecutive loss escalates to a worker crash
	if w.sessionLost(driverResult) {
		w.mu.Lock()
		alreadyFailed := w.recoveryFailed
		w.mu.Unlock()

		if alreadyFailed || !session.Recover(taskCtx) {
			w.mu.Lock()
			w.recoveryFailed = true
			w.mu.Unlock()
			res.crashed = true
			res.err = fmt.Errorf("session lost and recovery failed")
			res.duration = time.Since(startTime)
			w.markCrashed(res.err.Error())
			return res
		}

		w.logger.Info().
			Str("worker_id", w.id).
			Str("task_id", task.ID).
			Msg("Session recovered in place; retrying record")
		driverResult, err = w.driver.ProcessRecord(taskCtx, task.BusinessKey)
		if w.sessionLost(driverResult) {
			w.mu.Lock()
			w.recoveryFailed = true
			w.mu.Unlock()
			res.crashed = true
			res.err = fmt.Errorf("session lost again after recovery")
			res.duration = time.Since(startTime)
			w.markCrashed(res.err.Error())
			return res
		}
	}

	res.duration = time.Since(startTime)
	res.timedOut = taskCtx.Err() == context.DeadlineExceeded

	if err != nil {
		res.err = err
		return res
	}
	if driverResult == nil {
		res.err = fmt.Errorf("driver returned no result for %s", task.BusinessKey)
		return res
	}
	if verr := driverResult.Validate(); verr != nil {
		res.err = fmt.Errorf("driver returned an invalid result: %w", verr)
		return res
	}
	res.result = driverResult

	// A clean attempt clears the consecutive-loss marker
	w.mu.Lock()
	w.recoveryFailed = false
	w.mu.Unlock()
	return res
}

func (w *Worker) sessionLost(result *models.DriverResult) bool {
	return result != nil && result.Status == models.DriverStatusSessionLost
}

// SessionHealthy probes the worker's live session
func (w *Worker) SessionHealthy() bool {
	w.mu.Lock()
	session := w.session
	w.mu.Unlock()
	return session != nil && session.Healthy()
}

// CompleteTask records the outcome of the current task and returns the
// worker to IDLE
func (w *Worker) CompleteTask(success bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.processedCount++
	if !success {
		w.errorCount++
	}
	w.currentTaskID = ""

	if w.status == models.WorkerStatusProcessing {
		if err := w.transitionLocked(models.WorkerStatusIdle); err != nil {
			w.logger.Warn().Str("worker_id", w.id).Err(err).Msg("Failed to return worker to idle")
		}
	}
}

// markCrashed forces the worker into CRASHED from whatever state allows it
func (w *Worker) markCrashed(reason string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.lastError = reason
	if w.status.CanTransition(models.WorkerStatusCrashed) {
		w.status = models.WorkerStatusCrashed
		w.lastActivity = time.Now()
	}

	w.logger.Warn().
		Str("worker_id", w.id).
		Str("status", string(w.status)).
		Str("reason", reason).
		Msg("Worker crashed")
}

// Restart consumes one restart attempt and brings the worker back through
// STARTING with a fresh session on the same profile clone. Fails permanently
// once the budget is exhausted.
func (w *Worker) Restart(ctx context.Context) error {
	w.mu.Lock()
	if w.restartAttempts >= w.maxRestarts {
		w.mu.Unlock()
		return fmt.Errorf("worker %s exhausted its restart budget (%d)", w.id, w.maxRestarts)
	}
	if err := w.transitionLocked(models.WorkerStatusRestarting); err != nil {
		w.mu.Unlock()
		return err
	}
	w.restartAttempts++
	attempts := w.restartAttempts
	session := w.session
	w.mu.Unlock()

	if session != nil {
		session.Close()
	}

	w.logger.Info().
		Str("worker_id", w.id).
		Int("attempt", attempts).
		Int("budget", w.maxRestarts).
		Msg("Restarting worker")

	profileDir := ""
	if w.profile != nil {
		profileDir = w.profile.ClonePath
	}
	fresh := w.factory(w.id, profileDir)

	startCtx, cancel := context.WithTimeout(ctx, w.startupTimeout)
	defer cancel()

	if err := fresh.Start(startCtx); err != nil {
		w.markCrashed(fmt.Sprintf("restart failed: %v", err))
		return fmt.Errorf("worker %s restart failed: %w", w.id, err)
	}
	if ok, err := fresh.Authenticate(startCtx); err != nil || !ok {
		fresh.Close()
		w.markCrashed("restart authentication failed")
		return fmt.Errorf("worker %s failed to re-authenticate after restart", w.id)
	}

	w.mu.Lock()
	w.session = fresh
	w.recoveryFailed = false
	err := w.transitionLocked(models.WorkerStatusReady)
	w.mu.Unlock()
	return err
}

// Terminate drives the worker to TERMINATED and closes its session.
// Safe to call from any state, including an already-terminated worker.
func (w *Worker) Terminate() {
	w.mu.Lock()
	if w.status == models.WorkerStatusTerminated {
		w.mu.Unlock()
		return
	}
	if w.status.CanTransition(models.WorkerStatusTerminating) {
		w.status = models.WorkerStatusTerminating
	}
	w.status = models.WorkerStatusTerminated
	session := w.session
	w.session = nil
	// Closed under the same lock AssignTask sends under, so a send can
	// never race the close
	close(w.taskCh)
	w.mu.Unlock()

	if session != nil {
		if err := session.Close(); err != nil {
			w.logger.Warn().Str("worker_id", w.id).Err(err).Msg("Failed to close session during terminate")
		}
	}

	w.logger.Info().Str("worker_id", w.id).Msg("Worker terminated")
}

// HealthSnapshot returns a point-in-time view of the worker
func (w *Worker) HealthSnapshot() models.WorkerHealth {
	w.mu.Lock()
	defer w.mu.Unlock()

	var uptime time.Duration
	if !w.startedAt.IsZero() {
		uptime = time.Since(w.startedAt)
	}

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	return models.WorkerHealth{
		WorkerID:       w.id,
		Status:         w.status,
		Uptime:         uptime,
		MemoryBytes:    memStats.HeapAlloc,
		ProcessedCount: w.processedCount,
		ErrorCount:     w.errorCount,
		RestartCount:   w.restartAttempts,
		CurrentTaskID:  w.currentTaskID,
		LastError:      w.lastError,
		LastActivity:   w.lastActivity,
	}
}
