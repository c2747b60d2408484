package processing

import (
	"sync"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/colligo/internal/common"
	"github.com/ternarybob/colligo/internal/interfaces"
	"github.com/ternarybob/colligo/internal/models"
)

// progressTracker fans batch progress out to the observer without ever
// blocking the caller: each notification runs on its own goroutine.
type progressTracker struct {
	observer interfaces.ProgressObserver
	logger   arbor.ILogger

	mu        sync.Mutex
	total     int
	completed int
	failed    int
	mode      models.ProcessingMode
}

func newProgressTracker(total int, mode models.ProcessingMode, observer interfaces.ProgressObserver, logger arbor.ILogger) *progressTracker {
	return &progressTracker{
		observer: observer,
		logger:   logger,
		total:    total,
		mode:     mode,
	}
}

// setMode updates the reported mode after a degradation step
func (p *progressTracker) setMode(mode models.ProcessingMode) {
	p.mu.Lock()
	p.mode = mode
	p.mu.Unlock()
	p.announce()
}

// record counts one finalized task and notifies the observer
func (p *progressTracker) record(status models.TaskStatus) {
	p.mu.Lock()
	if status == models.TaskStatusCompleted {
		p.completed++
	} else {
		p.failed++
	}
	p.mu.Unlock()
	p.announce()
}

// announce sends the current snapshot, fire-and-forget
func (p *progressTracker) announce() {
	if p.observer == nil {
		return
	}

	p.mu.Lock()
	snapshot := interfaces.ProgressSnapshot{
		Total:     p.total,
		Completed: p.completed,
		Failed:    p.failed,
		Active:    p.total - p.completed - p.failed,
		Mode:      p.mode,
	}
	p.mu.Unlock()

	common.SafeGo(p.logger, "progress-notify", func() {
		p.observer.OnProgress(snapshot)
	})
}
