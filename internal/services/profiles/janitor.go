package profiles

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/colligo/internal/common"
)

const clonePrefix = "colligo-profile-"

// Janitor periodically sweeps the clone root for orphaned profile clones:
// directories left behind by a crashed run that no live profile owns.
type Janitor struct {
	store  *Store
	config common.JanitorConfig
	cron   *cron.Cron
	logger arbor.ILogger
}

// NewJanitor creates a janitor bound to the given store
func NewJanitor(store *Store, config common.JanitorConfig, logger arbor.ILogger) *Janitor {
	return &Janitor{
		store:  store,
		config: config,
		cron:   cron.New(),
		logger: logger,
	}
}

// Start registers the sweep on the configured cron schedule and runs one
// sweep immediately so stale clones from a previous run are reclaimed at
// startup.
func (j *Janitor) Start() error {
	if !j.config.Enabled {
		j.logger.Debug().Msg("Profile janitor disabled")
		return nil
	}

	if _, err := j.cron.AddFunc(j.config.Schedule, func() {
		if _, err := j.Sweep(); err != nil {
			j.logger.Warn().Err(err).Msg("Profile sweep failed")
		}
	}); err != nil {
		return fmt.Errorf("invalid janitor schedule %q: %w", j.config.Schedule, err)
	}

	j.cron.Start()

	if _, err := j.Sweep(); err != nil {
		j.logger.Warn().Err(err).Msg("Startup profile sweep failed")
	}

	j.logger.Info().Str("schedule", j.config.Schedule).Msg("Profile janitor started")
	return nil
}

// Stop halts the cron scheduler. Safe to call when never started.
func (j *Janitor) Stop() {
	ctx := j.cron.Stop()
	<-ctx.Done()
}

// Sweep removes orphaned clone directories under the clone root and returns
// how many were removed. A clone is orphaned when no live profile owns it
// and it is older than the configured max age.
func (j *Janitor) Sweep() (int, error) {
	entries, err := os.ReadDir(j.store.config.CloneRoot)
	if err != nil {
		return 0, fmt.Errorf("failed to read clone root: %w", err)
	}

	owned := j.store.ownedPaths()
	cutoff := time.Now().Add(-j.config.MaxAge)

	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), clonePrefix) {
			continue
		}

		path := filepath.Join(j.store.config.CloneRoot, entry.Name())
		if owned[path] {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}

		if err := os.RemoveAll(path); err != nil {
			j.logger.Warn().Err(err).Str("path", path).Msg("Failed to remove orphaned clone")
			continue
		}

		j.logger.Info().Str("path", path).Msg("Removed orphaned profile clone")
		removed++
	}

	return removed, nil
}

// ownedPaths returns the clone paths of every live profile
func (s *Store) ownedPaths() map[string]bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	owned := make(map[string]bool, len(s.profiles))
	for _, p := range s.profiles {
		owned[p.ClonePath] = true
	}
	return owned
}
