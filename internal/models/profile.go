package models

import (
	"time"

	"github.com/google/uuid"
)

// ProfileStatus tracks a profile clone through its lifecycle
type ProfileStatus string

const (
	ProfileStatusCloning   ProfileStatus = "cloning"
	ProfileStatusReady     ProfileStatus = "ready"
	ProfileStatusInUse     ProfileStatus = "in_use"
	ProfileStatusCleanup   ProfileStatus = "cleanup"
	ProfileStatusRemoved   ProfileStatus = "removed"
	ProfileStatusCorrupted ProfileStatus = "corrupted"
	ProfileStatusFailed    ProfileStatus = "failed"
)

// Profile represents an isolated browser-profile directory clone.
// A clone path is unique per profile and never equals the base path;
// at most one worker holds a profile in use at a time.
type Profile struct {
	ID        string        `json:"id"`
	BasePath  string        `json:"base_path"`
	ClonePath string        `json:"clone_path"`
	WorkerID  string        `json:"worker_id,omitempty"`
	Status    ProfileStatus `json:"status"`

	Corrupted        bool   `json:"corrupted"`
	CorruptionReason string `json:"corruption_reason,omitempty"`

	SizeBytes   int64      `json:"size_bytes"`
	ClonedAt    time.Time  `json:"cloned_at"`
	ValidatedAt *time.Time `json:"validated_at,omitempty"`
}

// NewProfile creates a profile record in CLONING state
func NewProfile(basePath, clonePath, workerID string) *Profile {
	return &Profile{
		ID:        "profile_" + uuid.New().String(),
		BasePath:  basePath,
		ClonePath: clonePath,
		WorkerID:  workerID,
		Status:    ProfileStatusCloning,
		ClonedAt:  time.Now(),
	}
}

// MarkCorrupted flags the profile and records the reason
func (p *Profile) MarkCorrupted(reason string) {
	p.Corrupted = true
	p.CorruptionReason = reason
	p.Status = ProfileStatusCorrupted
}

// MarkValidated records a successful validation pass
func (p *Profile) MarkValidated() {
	now := time.Now()
	p.ValidatedAt = &now
}
