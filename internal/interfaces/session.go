package interfaces

import "context"

// AutomationSession wraps one persistent browser session owned by a worker.
// A session keeps a permanent anchor tab alive so the underlying browser
// process always has at least one live context; per-task tabs are opened
// and closed around each unit of work.
type AutomationSession interface {
	// Start launches the underlying browser and opens the anchor tab
	Start(ctx context.Context) error

	// Authenticate performs the one-time login check for the session
	Authenticate(ctx context.Context) (bool, error)

	// OpenTask opens a short-lived tab for one task and returns its handle
	OpenTask(ctx context.Context, taskID string) (string, error)

	// CloseTask closes the tab identified by handle (never the anchor)
	CloseTask(ctx context.Context, handle string) error

	// Recover re-authenticates and restores cookies after a session loss
	Recover(ctx context.Context) bool

	// SweepStrayTabs closes targets that are neither the anchor nor a
	// tracked task tab, returning how many were closed
	SweepStrayTabs(ctx context.Context) (int, error)

	// Healthy reports whether the session is currently usable
	Healthy() bool

	// Close tears the session down including the anchor tab
	Close() error
}

// SessionFactory builds a session bound to a profile clone directory.
// An empty profileDir starts the session without profile isolation.
type SessionFactory func(workerID, profileDir string) AutomationSession
