package processing

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/colligo/internal/common"
	"github.com/ternarybob/colligo/internal/interfaces"
	"github.com/ternarybob/colligo/internal/models"
)

// stubSession is a scriptable AutomationSession for batch tests
type stubSession struct {
	mu       sync.Mutex
	startErr error
	tabSeq   int
}

func (s *stubSession) Start(ctx context.Context) error { return s.startErr }

func (s *stubSession) Authenticate(ctx context.Context) (bool, error) { return true, nil }

func (s *stubSession) OpenTask(ctx context.Context, taskID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tabSeq++
	return fmt.Sprintf("tab-%d", s.tabSeq), nil
}

func (s *stubSession) CloseTask(ctx context.Context, handle string) error { return nil }

func (s *stubSession) Recover(ctx context.Context) bool { return true }

func (s *stubSession) SweepStrayTabs(ctx context.Context) (int, error) { return 0, nil }

func (s *stubSession) Healthy() bool { return true }

func (s *stubSession) Close() error { return nil }

type stubDriver struct {
	mu       sync.Mutex
	attempts map[string]int
	script   func(key string, attempt int) (*models.DriverResult, error)
}

func newStubDriver(script func(key string, attempt int) (*models.DriverResult, error)) *stubDriver {
	return &stubDriver{attempts: make(map[string]int), script: script}
}

func (d *stubDriver) ProcessRecord(ctx context.Context, key string) (*models.DriverResult, error) {
	d.mu.Lock()
	d.attempts[key]++
	attempt := d.attempts[key]
	d.mu.Unlock()
	return d.script(key, attempt)
}

func alwaysOK(key string, attempt int) (*models.DriverResult, error) {
	return &models.DriverResult{Status: models.DriverStatusOK, StatusCode: 200, Message: "done", FoundCount: 1, DownloadedCount: 1}, nil
}

// recordingObserver captures progress snapshots
type recordingObserver struct {
	mu        sync.Mutex
	snapshots []interfaces.ProgressSnapshot
}

func (o *recordingObserver) OnProgress(snapshot interfaces.ProgressSnapshot) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.snapshots = append(o.snapshots, snapshot)
}

func (o *recordingObserver) last() (interfaces.ProgressSnapshot, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.snapshots) == 0 {
		return interfaces.ProgressSnapshot{}, false
	}
	return o.snapshots[len(o.snapshots)-1], true
}

func testConfig(t *testing.T) *common.Config {
	config := common.NewDefaultConfig()
	config.Pool.WorkerCount = 2
	config.Pool.StartupStagger = 0
	config.Pool.TaskTimeout = 5 * time.Second
	config.Pool.StartupTimeout = 5 * time.Second
	config.Pool.ShutdownTimeout = 2 * time.Second
	config.Pool.MaxRetries = 1
	config.Pool.MaxRestartAttempts = 1
	config.Pool.OutputDir = t.TempDir()
	// A base path without the required profile structure; parallel mode
	// degrades unless a test provisions a real base
	config.Profiles.BasePath = t.TempDir()
	config.Profiles.CloneRoot = t.TempDir()
	return config
}

func stubFactory() interfaces.SessionFactory {
	return func(workerID, profileDir string) interfaces.AutomationSession {
		return &stubSession{}
	}
}

func newBatch(maxRetries int, keys ...string) []*models.POTask {
	tasks := make([]*models.POTask, 0, len(keys))
	for _, key := range keys {
		tasks = append(tasks, models.NewPOTask(key, models.PriorityNormal, maxRetries))
	}
	return tasks
}

func TestSelectMode(t *testing.T) {
	tests := []struct {
		name      string
		parallel  bool
		batchSize int
		cpus      int
		want      models.ProcessingMode
	}{
		{"parallel disabled", false, 10, 8, models.ModeSequential},
		{"single task", true, 1, 8, models.ModeSequential},
		{"empty batch", true, 0, 8, models.ModeSequential},
		{"single core host", true, 10, 1, models.ModeSequential},
		{"normal batch", true, 6, 4, models.ModeParallel},
		{"two tasks two cores", true, 2, 2, models.ModeParallel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := testConfig(t)
			config.Pool.ParallelEnabled = tt.parallel

			session := NewSession(config, stubFactory(), newStubDriver(alwaysOK), common.GetLogger())
			session.numCPU = func() int { return tt.cpus }

			assert.Equal(t, tt.want, session.selectMode(tt.batchSize))
		})
	}
}

func TestProcessBatch_SingleTaskRunsSequential(t *testing.T) {
	config := testConfig(t)
	driver := newStubDriver(alwaysOK)
	session := NewSession(config, stubFactory(), driver, common.GetLogger())

	success, failed, report := session.ProcessBatch(context.Background(), newBatch(1, "PO-1"))

	assert.Equal(t, 1, success)
	assert.Equal(t, 0, failed)
	assert.Equal(t, models.ModeSequential, report.Mode)
	assert.Empty(t, report.Degradations)
}

// writeBase lays out a minimal valid base profile under dir
func writeBase(t *testing.T, dir string) {
	t.Helper()

	require.NoError(t, os.MkdirAll(filepath.Join(dir, "Default", "Network"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Local State"), []byte(`{"browser":{}}`), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Default", "Cookies"), []byte("cookie-db"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Default", "Preferences"), []byte("{}"), 0644))
}

func TestProcessBatch_IsolatedParallelWithValidBase(t *testing.T) {
	config := testConfig(t)
	writeBase(t, config.Profiles.BasePath)

	driver := newStubDriver(alwaysOK)
	session := NewSession(config, stubFactory(), driver, common.GetLogger())
	session.numCPU = func() int { return 4 }

	tasks := newBatch(1, "PO-1", "PO-2", "PO-3", "PO-4")
	success, failed, report := session.ProcessBatch(context.Background(), tasks)

	assert.Equal(t, 4, success)
	assert.Equal(t, 0, failed)
	assert.Equal(t, models.ModeParallel, report.Mode, "a valid base keeps the batch in isolated parallel mode")
	assert.Empty(t, report.Degradations)

	entries, err := os.ReadDir(config.Profiles.CloneRoot)
	require.NoError(t, err)
	assert.Empty(t, entries, "every clone is released after the batch")
}

func TestProcessBatch_SharedParallelWhenProfilesUnavailable(t *testing.T) {
	// The configured base profile has no required markers, so isolated
	// parallel mode is structurally unavailable
	config := testConfig(t)
	driver := newStubDriver(alwaysOK)
	session := NewSession(config, stubFactory(), driver, common.GetLogger())
	session.numCPU = func() int { return 4 }

	tasks := newBatch(1, "PO-1", "PO-2", "PO-3", "PO-4", "PO-5", "PO-6")
	success, failed, report := session.ProcessBatch(context.Background(), tasks)

	assert.Equal(t, 6, success)
	assert.Equal(t, 0, failed)
	assert.Equal(t, models.ModeSharedParallel, report.Mode)

	require.Len(t, report.Degradations, 1)
	assert.Equal(t, models.ModeParallel, report.Degradations[0].From)
	assert.Equal(t, models.ModeSharedParallel, report.Degradations[0].To)
	assert.NotEmpty(t, report.Degradations[0].Reason)
}

func TestProcessBatch_FallsAllTheWayToSequential(t *testing.T) {
	config := testConfig(t)
	driver := newStubDriver(alwaysOK)

	// Pool workers never start; only the sequential session comes up
	factory := func(workerID, profileDir string) interfaces.AutomationSession {
		if workerID == "sequential" {
			return &stubSession{}
		}
		return &stubSession{startErr: fmt.Errorf("browser launch failed")}
	}
	session := NewSession(config, factory, driver, common.GetLogger())
	session.numCPU = func() int { return 4 }

	tasks := newBatch(1, "PO-1", "PO-2", "PO-3")
	success, failed, report := session.ProcessBatch(context.Background(), tasks)

	assert.Equal(t, 3, success)
	assert.Equal(t, 0, failed)
	assert.Equal(t, models.ModeSequential, report.Mode)
	require.Len(t, report.Degradations, 2)
	assert.Equal(t, models.ModeSequential, report.Degradations[1].To)
}

func TestProcessBatch_CountInvariant(t *testing.T) {
	config := testConfig(t)
	driver := newStubDriver(func(key string, attempt int) (*models.DriverResult, error) {
		if key == "PO-2" {
			return &models.DriverResult{Status: models.DriverStatusPageError, Message: "page render failed"}, nil
		}
		return alwaysOK(key, attempt)
	})
	session := NewSession(config, stubFactory(), driver, common.GetLogger())

	tasks := newBatch(0, "PO-1", "PO-2", "PO-3")
	success, failed, report := session.ProcessBatch(context.Background(), tasks)

	assert.Equal(t, len(tasks), success+failed+report.CancelledCount)
	assert.Equal(t, 2, success)
	assert.Equal(t, 1, failed)
	assert.Len(t, report.Results, 3)
	assert.Equal(t, 1, report.ErrorHistogram[models.ErrorCategoryPage])
}

func TestProcessBatch_SequentialRetriesTransientFailures(t *testing.T) {
	config := testConfig(t)
	config.Pool.ParallelEnabled = false

	driver := newStubDriver(func(key string, attempt int) (*models.DriverResult, error) {
		if attempt == 1 {
			return nil, fmt.Errorf("transient page error")
		}
		return alwaysOK(key, attempt)
	})
	session := NewSession(config, stubFactory(), driver, common.GetLogger())

	success, failed, report := session.ProcessBatch(context.Background(), newBatch(1, "PO-1", "PO-2"))

	assert.Equal(t, 2, success)
	assert.Equal(t, 0, failed)
	for _, outcome := range report.Results {
		assert.Equal(t, 1, outcome.RetryCount)
	}
}

func TestProcessBatch_SequentialSessionFailureCancelsBatch(t *testing.T) {
	config := testConfig(t)
	config.Pool.ParallelEnabled = false

	factory := func(workerID, profileDir string) interfaces.AutomationSession {
		return &stubSession{startErr: fmt.Errorf("no display available")}
	}
	session := NewSession(config, factory, newStubDriver(alwaysOK), common.GetLogger())

	tasks := newBatch(0, "PO-1", "PO-2")
	success, failed, report := session.ProcessBatch(context.Background(), tasks)

	assert.Equal(t, 0, success)
	assert.Equal(t, 0, failed)
	assert.Equal(t, 2, report.CancelledCount)
	assert.Equal(t, len(tasks), success+failed+report.CancelledCount)
}

func TestProcessBatch_ObserverSeesFinalSnapshot(t *testing.T) {
	config := testConfig(t)
	config.Pool.ParallelEnabled = false

	observer := &recordingObserver{}
	session := NewSession(config, stubFactory(), newStubDriver(alwaysOK), common.GetLogger())
	session.SetObserver(observer)

	session.ProcessBatch(context.Background(), newBatch(0, "PO-1", "PO-2"))

	// Observer calls are asynchronous; wait for the final snapshot
	require.Eventually(t, func() bool {
		last, ok := observer.last()
		return ok && last.Completed == 2 && last.Active == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestProcessBatch_SinkReceivesEveryTask(t *testing.T) {
	config := testConfig(t)
	config.Pool.ParallelEnabled = false

	sink := &recordingSink{}
	session := NewSession(config, stubFactory(), newStubDriver(alwaysOK), common.GetLogger())
	session.AddSink(sink)

	session.ProcessBatch(context.Background(), newBatch(0, "PO-1", "PO-2", "PO-3"))

	assert.ElementsMatch(t, []string{"PO-1", "PO-2", "PO-3"}, sink.keys())
}

type recordingSink struct {
	mu   sync.Mutex
	rows []string
}

func (s *recordingSink) Persist(ctx context.Context, businessKey string, fields map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = append(s.rows, businessKey)
	return nil
}

func (s *recordingSink) Close() error { return nil }

func (s *recordingSink) keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.rows...)
}
