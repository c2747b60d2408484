package pool

import (
	"context"
	"fmt"
	"sync"
	"syscall"
	"time"

	"github.com/ternarybob/arbor"
	"golang.org/x/time/rate"

	"github.com/ternarybob/colligo/internal/common"
	"github.com/ternarybob/colligo/internal/interfaces"
	"github.com/ternarybob/colligo/internal/models"
	"github.com/ternarybob/colligo/internal/services/profiles"
)

// ErrNoWorkers is the systemic failure surfaced when the pool cannot start
// a single worker. The processing session reacts by degrading mode.
var ErrNoWorkers = fmt.Errorf("no workers could be started")

// dispatchInterval paces the dispatch loop so a hot retry loop never spins
const dispatchInterval = 50 * time.Millisecond

// PoolStatus is a point-in-time snapshot of the pool
type PoolStatus struct {
	Workers     []models.WorkerHealth `json:"workers"`
	QueueDepth  int                   `json:"queue_depth"`
	Outstanding int                   `json:"outstanding"`
	Completed   int                   `json:"completed"`
	Failed      int                   `json:"failed"`
	Cancelled   int                   `json:"cancelled"`
}

// WorkerPool owns N workers, a shared task queue, and the dispatch loop
// matching free workers to the highest-priority pending task. A nil profile
// store runs the pool without profile isolation (the shared-parallel
// degraded mode).
type WorkerPool struct {
	config      common.PoolConfig
	store       *profiles.Store
	verifier    *profiles.Verifier
	factory     interfaces.SessionFactory
	driver      interfaces.AutomationDriver
	logger      arbor.ILogger
	limiter     *rate.Limiter
	memoryLimit uint64 // bytes; a worker released over this limit is restarted

	queue    *TaskQueue
	board    *resultBoard
	resultCh chan taskResult
	free     chan *Worker

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu            sync.Mutex
	workers       map[string]*Worker
	liveWorkers   int
	completed     int
	failed        int
	cancelled     int
	started       bool
	stopRequested bool
	shutdownDone  bool

	// onTaskDone is invoked synchronously after each task is finalized;
	// the processing session fans it out to observers and sinks
	onTaskDone func(task *models.POTask)
}

// NewWorkerPool creates a pool. Pass a nil store and verifier to run
// without profile isolation.
func NewWorkerPool(config common.PoolConfig, store *profiles.Store, verifier *profiles.Verifier, factory interfaces.SessionFactory, driver interfaces.AutomationDriver, logger arbor.ILogger) *WorkerPool {
	n := config.WorkerCount
	return &WorkerPool{
		config:      config,
		store:       store,
		verifier:    verifier,
		factory:     factory,
		driver:      driver,
		logger:      logger,
		limiter:     rate.NewLimiter(rate.Every(dispatchInterval), 1),
		memoryLimit: memoryLimitBytes(config.MemoryThreshold),
		queue:       NewTaskQueue(),
		board:       newResultBoard(),
		resultCh:    make(chan taskResult, n),
		free:        make(chan *Worker, n),
		workers:     make(map[string]*Worker, n),
	}
}

// memoryLimitBytes resolves the configured memory ratio against total
// system memory. Zero disables the check.
func memoryLimitBytes(ratio float64) uint64 {
	if ratio <= 0 {
		return 0
	}
	var info syscall.Sysinfo_t
	if err := syscall.Sysinfo(&info); err != nil {
		return 0
	}
	total := uint64(info.Totalram) * uint64(info.Unit)
	return uint64(ratio * float64(total))
}

// SetTaskCallback installs a hook run after each task reaches a terminal
// status. Must be called before Start.
func (p *WorkerPool) SetTaskCallback(fn func(task *models.POTask)) {
	p.onTaskDone = fn
}

// Start brings up the configured number of workers, staggering startups to
// avoid a thundering-herd resource spike. Workers that fail to start are
// skipped; the pool starts degraded if at least one worker comes up and
// returns ErrNoWorkers when none do.
func (p *WorkerPool) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return fmt.Errorf("pool already started")
	}
	p.started = true
	p.mu.Unlock()

	p.ctx, p.cancel = context.WithCancel(ctx)

	for i := 0; i < p.config.WorkerCount; i++ {
		if i > 0 && p.config.StartupStagger > 0 {
			time.Sleep(p.config.StartupStagger)
		}

		workerID := fmt.Sprintf("worker-%d", i+1)
		worker, err := p.startWorker(ctx, workerID)
		if err != nil {
			p.logger.Warn().
				Str("worker_id", workerID).
				Err(err).
				Msg("Worker failed to start; continuing with a smaller pool")
			continue
		}

		p.mu.Lock()
		p.workers[workerID] = worker
		p.liveWorkers++
		p.mu.Unlock()
		p.free <- worker
	}

	p.mu.Lock()
	live := p.liveWorkers
	p.mu.Unlock()
	if live == 0 {
		return ErrNoWorkers
	}

	p.wg.Add(2)
	common.SafeGo(p.logger, "pool-dispatch", func() {
		defer p.wg.Done()
		p.dispatchLoop()
	})
	common.SafeGo(p.logger, "pool-collect", func() {
		defer p.wg.Done()
		p.collectLoop()
	})

	p.logger.Info().
		Int("workers", live).
		Int("requested", p.config.WorkerCount).
		Msg("Worker pool started")
	return nil
}

// startWorker clones a profile (when isolation is on), verifies it, and
// starts the worker's session
func (p *WorkerPool) startWorker(ctx context.Context, workerID string) (*Worker, error) {
	var profile *models.Profile

	if p.store != nil {
		var err error
		profile, err = p.store.CreateProfile(workerID)
		if err != nil {
			return nil, fmt.Errorf("profile clone failed: %w", err)
		}

		if p.verifier != nil {
			verdict := p.verifier.Verify(ctx, workerID, profile)
			if !verdict.Usable(p.allowPartialProfiles()) {
				p.store.CleanupProfile(profile)
				return nil, fmt.Errorf("profile verification verdict %s", verdict.Status)
			}
		}
	}

	worker := NewWorker(workerID, profile, p.factory, p.driver, p.config.TaskTimeout, p.config.StartupTimeout, p.config.MaxRestartAttempts, p.resultCh, p.logger)

	// The worker's processing goroutine must outlive startup: it runs on
	// the pool's context, and the worker scopes its own startup timeout
	// around the session launch
	if err := worker.Start(p.ctx); err != nil {
		if p.store != nil && profile != nil {
			p.store.CleanupProfile(profile)
		}
		return nil, err
	}
	return worker, nil
}

func (p *WorkerPool) allowPartialProfiles() bool {
	// Wired through the profile store config when present
	if p.store == nil {
		return true
	}
	return p.store.AllowPartial()
}

// Submit enqueues a batch and returns one handle per task. Duplicate
// business keys within the pool's lifetime are rejected with a cancelled
// handle rather than queued twice.
func (p *WorkerPool) Submit(tasks []*models.POTask) ([]*TaskHandle, error) {
	p.mu.Lock()
	if p.stopRequested {
		p.mu.Unlock()
		return nil, fmt.Errorf("pool is shutting down")
	}
	p.mu.Unlock()

	handles := make([]*TaskHandle, 0, len(tasks))
	for _, task := range tasks {
		handle := p.board.register(task)
		handles = append(handles, handle)

		if !p.queue.Enqueue(task) {
			task.RecordError("", fmt.Sprintf("duplicate business key %s", task.BusinessKey))
			task.Transition(models.TaskStatusCancelled)
			p.addCancelled()
			p.board.finalize(task.ID)
			p.notify(task)
		}
	}

	p.logger.Debug().
		Int("submitted", len(tasks)).
		Int("queue_depth", p.queue.Len()).
		Msg("Batch submitted")
	return handles, nil
}

// dispatchLoop matches free workers to the highest-priority pending task
func (p *WorkerPool) dispatchLoop() {
	for {
		if err := p.limiter.Wait(p.ctx); err != nil {
			return
		}

		select {
		case <-p.ctx.Done():
			return
		case worker, ok := <-p.free:
			if !ok {
				return
			}

			task, err := p.queue.Dequeue(p.ctx)
			if err != nil || task == nil {
				// Cancelled or closed-and-drained; the worker stays free
				p.free <- worker
				if task == nil && err == nil {
					return
				}
				continue
			}

			if p.board.cancelRequested(task.ID) {
				task.Transition(models.TaskStatusCancelled)
				p.addCancelled()
				p.board.finalize(task.ID)
				p.notify(task)
				p.free <- worker
				continue
			}

			if err := task.Transition(models.TaskStatusAssigned); err != nil {
				p.logger.Warn().Str("task_id", task.ID).Err(err).Msg("Dropping task with illegal status")
				p.board.finalize(task.ID)
				p.free <- worker
				continue
			}

			if err := worker.AssignTask(task); err != nil {
				// Worker went unhealthy between free and assign; return the
				// task and leave the worker to the collector's restart path
				p.logger.Warn().
					Str("worker_id", worker.ID()).
					Str("task_id", task.ID).
					Err(err).
					Msg("Assignment refused; requeueing task")
				task.Transition(models.TaskStatusPending)
				if !p.queue.Enqueue(task) {
					// Queue already closed; the task still gets a terminal
					// status and a finalized handle
					task.RecordError("", "pool shut down before assignment")
					task.Transition(models.TaskStatusCancelled)
					p.addCancelled()
					p.board.finalize(task.ID)
					p.notify(task)
				}
				continue
			}
		}
	}
}

// collectLoop receives per-attempt outcomes from workers and finalizes or
// requeues tasks. Exits once the pool context is cancelled, after draining
// anything still buffered.
func (p *WorkerPool) collectLoop() {
	for {
		select {
		case <-p.ctx.Done():
			for {
				select {
				case result := <-p.resultCh:
					p.handleResult(result)
				default:
					return
				}
			}
		case result := <-p.resultCh:
			p.handleResult(result)
		}
	}
}

func (p *WorkerPool) handleResult(r taskResult) {
	p.mu.Lock()
	worker := p.workers[r.workerID]
	p.mu.Unlock()

	task := r.task

	switch {
	case r.crashed:
		// The attempt died with the session; retry on another worker if the
		// budget allows, then restart this one
		task.RecordError(r.workerID, r.err.Error())
		if worker != nil {
			worker.CompleteTask(false)
		}

		if task.Transition(models.TaskStatusRetrying) == nil && p.queue.Requeue(task) {
			p.logger.Info().
				Str("task_id", task.ID).
				Int("retry", task.RetryCount).
				Msg("Task requeued after worker crash")
		} else {
			p.finalizeFailed(task)
		}

		if worker != nil {
			p.restartWorker(worker)
		}

	case r.timedOut:
		// A task that outlives its timeout is marked failed, never silently
		// dropped, and its worker is flagged for restart
		task.RecordError(r.workerID, fmt.Sprintf("task timed out after %s", r.duration.Round(time.Millisecond)))
		if worker != nil {
			worker.CompleteTask(false)
		}
		p.finalizeFailed(task)

		if worker != nil {
			worker.markCrashed("task timeout")
			p.restartWorker(worker)
		}

	case r.err != nil || !r.result.Success():
		message := ""
		if r.err != nil {
			message = r.err.Error()
		} else {
			message = r.result.Message
			task.Result = r.result
		}
		task.RecordError(r.workerID, message)
		if worker != nil {
			worker.CompleteTask(false)
		}

		retryable := r.err != nil || r.result.Status != models.DriverStatusNotFound
		if retryable && task.Transition(models.TaskStatusRetrying) == nil && p.queue.Requeue(task) {
			p.logger.Debug().
				Str("task_id", task.ID).
				Int("retry", task.RetryCount).
				Str("error", message).
				Msg("Task requeued after transient failure")
		} else {
			p.finalizeFailed(task)
		}
		p.releaseWorker(worker)

	default:
		task.Result = r.result
		task.Artifacts = r.result.Artifacts
		task.Transition(models.TaskStatusCompleted)
		p.mu.Lock()
		p.completed++
		p.mu.Unlock()
		p.board.finalize(task.ID)
		p.notify(task)

		if worker != nil {
			worker.CompleteTask(true)
		}
		p.releaseWorker(worker)
	}
}

// finalizeFailed drives a task to FAILED from whatever non-terminal status
// it holds and finalizes its handle
func (p *WorkerPool) finalizeFailed(task *models.POTask) {
	if !task.Status.IsTerminal() {
		if task.Status != models.TaskStatusProcessing && task.Status != models.TaskStatusRetrying {
			// FAILED is only reachable from PROCESSING or RETRYING
			task.Transition(models.TaskStatusRetrying)
		}
		task.Transition(models.TaskStatusFailed)
	}

	p.mu.Lock()
	p.failed++
	p.mu.Unlock()
	p.board.finalize(task.ID)
	p.notify(task)
}

// releaseWorker returns a worker to the free pool after an attempt. A
// worker whose session has gone unhealthy or whose memory footprint is
// over the configured threshold is restarted instead of reused.
func (p *WorkerPool) releaseWorker(worker *Worker) {
	if worker == nil {
		return
	}

	if !worker.SessionHealthy() {
		worker.markCrashed("session unhealthy on release")
		p.restartWorker(worker)
		return
	}

	if p.memoryLimit > 0 {
		if health := worker.HealthSnapshot(); health.MemoryBytes > p.memoryLimit {
			p.logger.Warn().
				Str("worker_id", worker.ID()).
				Int64("memory_bytes", int64(health.MemoryBytes)).
				Int64("limit_bytes", int64(p.memoryLimit)).
				Msg("Worker over memory threshold; restarting")
			worker.markCrashed("memory threshold exceeded")
			p.restartWorker(worker)
			return
		}
	}

	if worker.Status().CanAcceptTask() {
		p.free <- worker
	}
}

// restartWorker consumes one restart attempt; a worker that cannot restart
// is terminated and its profile released
func (p *WorkerPool) restartWorker(worker *Worker) {
	if err := worker.Restart(p.ctx); err != nil {
		p.logger.Warn().
			Str("worker_id", worker.ID()).
			Err(err).
			Msg("Worker restart failed; terminating")

		worker.Terminate()
		if p.store != nil && worker.Profile() != nil {
			p.store.CleanupProfile(worker.Profile())
		}

		p.mu.Lock()
		p.liveWorkers--
		live := p.liveWorkers
		p.mu.Unlock()

		if live == 0 {
			p.failRemaining("no live workers remain")
		}
		return
	}
	p.free <- worker
}

// failRemaining cancels every still-queued task so the batch always reaches
// a terminal accounting even with no workers left
func (p *WorkerPool) failRemaining(reason string) {
	for {
		task := p.queue.TryDequeue()
		if task == nil {
			return
		}
		task.RecordError("", reason)
		task.Transition(models.TaskStatusCancelled)
		p.addCancelled()
		p.board.finalize(task.ID)
		p.notify(task)
	}
}

func (p *WorkerPool) addCancelled() {
	p.mu.Lock()
	p.cancelled++
	p.mu.Unlock()
}

func (p *WorkerPool) notify(task *models.POTask) {
	if p.onTaskDone != nil {
		p.onTaskDone(task)
	}
}

// WaitForCompletion blocks until every submitted task reaches a terminal
// status or the timeout elapses
func (p *WorkerPool) WaitForCompletion(timeout time.Duration) error {
	if !p.board.waitAll(timeout) {
		return fmt.Errorf("batch incomplete after %s (%d tasks outstanding)", timeout, p.board.outstanding())
	}
	return nil
}

// Shutdown stops accepting submissions, drains in-flight tasks up to the
// shutdown timeout, then terminates workers and releases every profile.
// Idempotent: repeated calls return immediately.
func (p *WorkerPool) Shutdown(timeout time.Duration) error {
	p.mu.Lock()
	if p.shutdownDone {
		p.mu.Unlock()
		return nil
	}
	p.shutdownDone = true
	p.stopRequested = true
	p.mu.Unlock()

	p.logger.Info().Dur("timeout", timeout).Msg("Worker pool shutting down")

	p.queue.Close()

	drained := p.board.waitAll(timeout)
	if !drained {
		p.logger.Warn().
			Int("outstanding", p.board.outstanding()).
			Msg("Shutdown timeout elapsed with tasks in flight; force-terminating")
	}

	if p.cancel != nil {
		p.cancel()
	}

	// Cancel anything still queued or stranded mid-flight so every handle
	// resolves
	p.failRemaining("pool shut down")

	p.mu.Lock()
	workers := make([]*Worker, 0, len(p.workers))
	for _, w := range p.workers {
		workers = append(workers, w)
	}
	p.mu.Unlock()

	var lastErr error
	for _, w := range workers {
		w.Terminate()
		if p.store != nil && w.Profile() != nil {
			if err := p.store.CleanupProfile(w.Profile()); err != nil {
				p.logger.Warn().Str("worker_id", w.ID()).Err(err).Msg("Profile cleanup failed during shutdown")
				lastErr = err
			}
		}
	}

	p.wg.Wait()

	p.logger.Info().
		Int("completed", p.completed).
		Int("failed", p.failed).
		Int("cancelled", p.cancelled).
		Bool("drained", drained).
		Msg("Worker pool shut down")
	return lastErr
}

// Status returns a snapshot of workers, queue depth, and counters
func (p *WorkerPool) Status() PoolStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	status := PoolStatus{
		QueueDepth:  p.queue.Len(),
		Outstanding: p.board.outstanding(),
		Completed:   p.completed,
		Failed:      p.failed,
		Cancelled:   p.cancelled,
	}
	for _, w := range p.workers {
		status.Workers = append(status.Workers, w.HealthSnapshot())
	}
	return status
}

// Counts returns the completed/failed/cancelled tallies
func (p *WorkerPool) Counts() (completed, failed, cancelled int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.completed, p.failed, p.cancelled
}
