package profiles

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/colligo/internal/common"
	"github.com/ternarybob/colligo/internal/models"
)

// requiredMarkerFiles must exist in the base profile for it to be cloneable.
// A base missing any of these is reported corrupted before any clone starts.
var requiredMarkerFiles = []string{
	"Local State",
}

// requiredMarkerDirs are checked relative to the base profile root
var requiredMarkerDirs = []string{
	"Default",
}

// excludedDirs are volatile or large subdirectories skipped during cloning
var excludedDirs = map[string]bool{
	"Cache":               true,
	"Code Cache":          true,
	"GPUCache":            true,
	"ShaderCache":         true,
	"GrShaderCache":       true,
	"Service Worker":      true,
	"Crashpad":            true,
	"CrashpadMetrics":     true,
	"component_crx_cache": true,
}

// excludedFiles are lock/singleton markers that must never be inherited
// by a clone, so clones never start in a "locked" state.
var excludedFiles = map[string]bool{
	"SingletonLock":      true,
	"SingletonCookie":    true,
	"SingletonSocket":    true,
	"lockfile":           true,
	"LOCK":               true,
	"DevToolsActivePort": true,
}

// Store clones the base browser profile into per-worker isolated copies.
// Clone operations are bounded by a semaphore sized to MaxConcurrentClones
// so starting many workers at once never thrashes the disk.
type Store struct {
	config   common.ProfilesConfig
	logger   arbor.ILogger
	cloneSem chan struct{}

	mu       sync.Mutex
	profiles map[string]*models.Profile

	inFlight     int64
	peakInFlight int64
}

// NewStore validates the base profile and creates a profile store.
// A structurally invalid base fails here, before any clone is attempted.
func NewStore(config common.ProfilesConfig, logger arbor.ILogger) (*Store, error) {
	if config.MaxConcurrentClones <= 0 {
		config.MaxConcurrentClones = 1
	}

	s := &Store{
		config:   config,
		logger:   logger,
		cloneSem: make(chan struct{}, config.MaxConcurrentClones),
		profiles: make(map[string]*models.Profile),
	}

	if err := s.validateBase(); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(config.CloneRoot, 0755); err != nil {
		if os.IsPermission(err) {
			return nil, fmt.Errorf("clone root %s: %w", config.CloneRoot, ErrPermissionDenied)
		}
		return nil, fmt.Errorf("failed to create clone root %s: %w", config.CloneRoot, err)
	}

	logger.Info().
		Str("base_path", config.BasePath).
		Str("clone_root", config.CloneRoot).
		Int("max_concurrent_clones", config.MaxConcurrentClones).
		Msg("Profile store initialized")

	return s, nil
}

// validateBase checks the base profile exists, is readable, and carries the
// minimum required structure
func (s *Store) validateBase() error {
	info, err := os.Stat(s.config.BasePath)
	if err != nil {
		if os.IsNotExist(err) {
			return &CorruptedError{Path: s.config.BasePath, Reason: "base profile directory does not exist"}
		}
		if os.IsPermission(err) {
			return fmt.Errorf("base profile %s: %w", s.config.BasePath, ErrPermissionDenied)
		}
		return fmt.Errorf("failed to stat base profile: %w", err)
	}
	if !info.IsDir() {
		return &CorruptedError{Path: s.config.BasePath, Reason: "base profile path is not a directory"}
	}

	for _, marker := range requiredMarkerFiles {
		markerPath := filepath.Join(s.config.BasePath, marker)
		fi, err := os.Stat(markerPath)
		if err != nil || fi.IsDir() {
			return &CorruptedError{Path: s.config.BasePath, Reason: fmt.Sprintf("missing required marker file %q", marker)}
		}
		// A zero-byte state file means the profile never initialized
		if fi.Size() == 0 {
			return &CorruptedError{Path: s.config.BasePath, Reason: fmt.Sprintf("marker file %q is empty", marker)}
		}
	}

	for _, marker := range requiredMarkerDirs {
		fi, err := os.Stat(filepath.Join(s.config.BasePath, marker))
		if err != nil || !fi.IsDir() {
			return &CorruptedError{Path: s.config.BasePath, Reason: fmt.Sprintf("missing required profile directory %q", marker)}
		}
	}

	// A singleton lock in the base means a live browser owns it
	if _, err := os.Stat(filepath.Join(s.config.BasePath, "SingletonLock")); err == nil {
		return ErrProfileLocked
	}

	return nil
}

// CreateProfile clones the base profile for one worker.
// Blocks while MaxConcurrentClones other clones are in flight.
func (s *Store) CreateProfile(workerID string) (*models.Profile, error) {
	s.cloneSem <- struct{}{}
	defer func() { <-s.cloneSem }()

	current := atomic.AddInt64(&s.inFlight, 1)
	defer atomic.AddInt64(&s.inFlight, -1)
	for {
		peak := atomic.LoadInt64(&s.peakInFlight)
		if current <= peak || atomic.CompareAndSwapInt64(&s.peakInFlight, peak, current) {
			break
		}
	}

	// Re-check the base on every clone; it may have been locked or damaged
	// since store construction
	if err := s.validateBase(); err != nil {
		return nil, err
	}

	cloneName := fmt.Sprintf("colligo-profile-%s-%s", workerID, uuid.New().String()[:8])
	clonePath := filepath.Join(s.config.CloneRoot, cloneName)

	profile := models.NewProfile(s.config.BasePath, clonePath, workerID)

	estimated, err := dirSize(s.config.BasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to estimate base profile size: %w", err)
	}

	if err := s.checkDiskSpace(estimated); err != nil {
		profile.Status = models.ProfileStatusFailed
		return nil, err
	}

	startTime := time.Now()
	s.logger.Debug().
		Str("worker_id", workerID).
		Str("clone_path", clonePath).
		Int64("estimated_bytes", estimated).
		Msg("Cloning profile")

	copied, err := copyProfileTree(s.config.BasePath, clonePath)
	if err != nil {
		// Remove whatever partial copy exists
		os.RemoveAll(clonePath)
		profile.Status = models.ProfileStatusFailed
		if os.IsPermission(err) {
			return nil, fmt.Errorf("clone %s: %w", clonePath, ErrPermissionDenied)
		}
		return nil, fmt.Errorf("failed to clone profile: %w", err)
	}

	profile.SizeBytes = copied
	profile.Status = models.ProfileStatusReady

	s.mu.Lock()
	s.profiles[profile.ID] = profile
	s.mu.Unlock()

	s.logger.Info().
		Str("worker_id", workerID).
		Str("profile_id", profile.ID).
		Int64("size_bytes", copied).
		Dur("duration", time.Since(startTime)).
		Msg("Profile cloned")

	return profile, nil
}

// CleanupProfile removes a clone directory. Idempotent: cleaning up an
// already-removed profile is not an error. The base profile is never touched.
func (s *Store) CleanupProfile(profile *models.Profile) error {
	if profile == nil {
		return nil
	}

	// Defense in depth: refuse to remove the base or anything outside the
	// clone root
	if profile.ClonePath == s.config.BasePath || profile.ClonePath == "" {
		s.logger.Warn().
			Str("profile_id", profile.ID).
			Msg("Refusing to clean up base profile path")
		return nil
	}
	if !strings.HasPrefix(filepath.Clean(profile.ClonePath), filepath.Clean(s.config.CloneRoot)) {
		return fmt.Errorf("profile clone path %s is outside the clone root", profile.ClonePath)
	}

	profile.Status = models.ProfileStatusCleanup

	if err := os.RemoveAll(profile.ClonePath); err != nil {
		profile.Status = models.ProfileStatusFailed
		return fmt.Errorf("failed to remove profile clone %s: %w", profile.ClonePath, err)
	}

	profile.Status = models.ProfileStatusRemoved
	profile.WorkerID = ""

	s.mu.Lock()
	delete(s.profiles, profile.ID)
	s.mu.Unlock()

	s.logger.Debug().
		Str("profile_id", profile.ID).
		Str("clone_path", profile.ClonePath).
		Msg("Profile clone removed")

	return nil
}

// ShutdownAll removes every live clone. Errors are collected; cleanup
// continues past individual failures so shutdown always releases as much
// as it can.
func (s *Store) ShutdownAll() error {
	s.mu.Lock()
	remaining := make([]*models.Profile, 0, len(s.profiles))
	for _, p := range s.profiles {
		remaining = append(remaining, p)
	}
	s.mu.Unlock()

	var lastErr error
	for _, p := range remaining {
		if err := s.CleanupProfile(p); err != nil {
			s.logger.Warn().Err(err).Str("profile_id", p.ID).Msg("Failed to clean up profile during shutdown")
			lastErr = err
		}
	}

	s.logger.Info().Int("profiles_removed", len(remaining)).Msg("Profile store shut down")
	return lastErr
}

// ActiveCount returns the number of live clones
func (s *Store) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.profiles)
}

// PeakConcurrentClones returns the highest number of clone operations
// observed in flight at once
func (s *Store) PeakConcurrentClones() int {
	return int(atomic.LoadInt64(&s.peakInFlight))
}

// AllowPartial reports whether profiles with a PARTIAL verification verdict
// may be used
func (s *Store) AllowPartial() bool {
	return s.config.AllowPartial
}

// checkDiskSpace refuses a clone whose estimated size exceeds free space
func (s *Store) checkDiskSpace(estimated int64) error {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(s.config.CloneRoot, &stat); err != nil {
		// Precheck is best-effort; the copy itself still fails on a full disk
		s.logger.Warn().Err(err).Msg("Disk space precheck unavailable")
		return nil
	}

	free := int64(stat.Bavail) * int64(stat.Bsize)
	if estimated > free {
		return fmt.Errorf("clone needs %d bytes, %d free: %w", estimated, free, ErrInsufficientSpace)
	}
	return nil
}

// copyProfileTree copies the base profile excluding volatile directories and
// lock files. Returns bytes copied.
func copyProfileTree(src, dst string) (int64, error) {
	var copied int64

	err := filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return os.MkdirAll(dst, 0755)
		}

		name := info.Name()
		if info.IsDir() {
			if excludedDirs[name] {
				return filepath.SkipDir
			}
			return os.MkdirAll(filepath.Join(dst, rel), info.Mode().Perm())
		}

		if excludedFiles[name] {
			return nil
		}
		// Symlinks (singleton markers on some platforms) are never copied
		if info.Mode()&os.ModeSymlink != 0 {
			return nil
		}

		n, err := copyFile(path, filepath.Join(dst, rel), info.Mode().Perm())
		copied += n
		return err
	})

	return copied, err
}

func copyFile(src, dst string, perm os.FileMode) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return 0, err
	}

	n, err := io.Copy(out, in)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	return n, err
}

// dirSize sums file sizes under root, honoring the clone exclusions
func dirSize(root string) (int64, error) {
	var total int64
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			if excludedDirs[info.Name()] && path != root {
				return filepath.SkipDir
			}
			return nil
		}
		if !excludedFiles[info.Name()] {
			total += info.Size()
		}
		return nil
	})
	return total, err
}
