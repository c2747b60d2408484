package interfaces

import "github.com/ternarybob/colligo/internal/models"

// ProgressSnapshot is a point-in-time view of a running batch
type ProgressSnapshot struct {
	Total     int                   `json:"total"`
	Completed int                   `json:"completed"`
	Failed    int                   `json:"failed"`
	Active    int                   `json:"active"`
	Mode      models.ProcessingMode `json:"mode"`
}

// ProgressObserver receives progress updates on every task completion and
// at mode-selection time. The core never blocks on observer calls.
type ProgressObserver interface {
	OnProgress(snapshot ProgressSnapshot)
}
