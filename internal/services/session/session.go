package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/colligo/internal/common"
	"github.com/ternarybob/colligo/internal/interfaces"
)

// ChromeSession owns one persistent browser process for a worker.
// The browser context created at Start acts as the permanent anchor tab;
// per-task tabs are opened off it and closed after each task, so the
// browser never drops to zero targets mid-batch.
type ChromeSession struct {
	workerID   string
	profileDir string
	config     common.SessionConfig
	headless   bool
	disableGPU bool
	noSandbox  bool
	logger     arbor.ILogger

	mu            sync.Mutex
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
	anchorID      target.ID
	taskTabs      map[string]context.CancelFunc
	savedCookies  []*network.Cookie
	started       bool
}

// NewChromeSession creates a session bound to a profile clone directory.
// An empty profileDir launches the browser without profile isolation.
func NewChromeSession(workerID, profileDir string, config common.SessionConfig, headless bool, logger arbor.ILogger) *ChromeSession {
	return &ChromeSession{
		workerID:   workerID,
		profileDir: profileDir,
		config:     config,
		headless:   headless,
		disableGPU: config.DisableGPU,
		noSandbox:  config.NoSandbox,
		logger:     logger,
		taskTabs:   make(map[string]context.CancelFunc),
	}
}

// Factory returns a SessionFactory producing ChromeSessions with the given
// configuration
func Factory(config common.SessionConfig, headless bool, logger arbor.ILogger) interfaces.SessionFactory {
	return func(workerID, profileDir string) interfaces.AutomationSession {
		return NewChromeSession(workerID, profileDir, config, headless, logger)
	}
}

// Start launches the browser against the profile clone and probes it for
// responsiveness before reporting success.
func (s *ChromeSession) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("session for worker %s already started", s.workerID)
	}

	allocatorOpts := append(
		chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", s.headless),
		chromedp.Flag("disable-gpu", s.disableGPU),
		chromedp.Flag("no-sandbox", s.noSandbox),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-background-timer-throttling", false),
		chromedp.Flag("disable-backgrounding-occluded-windows", false),
		chromedp.Flag("disable-renderer-backgrounding", false),
		chromedp.UserAgent(s.config.UserAgent),
	)
	if s.profileDir != "" {
		allocatorOpts = append(allocatorOpts, chromedp.UserDataDir(s.profileDir))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, allocatorOpts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	// Startup probe: the browser must navigate and answer a title query
	// within the configured window or the session is unusable
	probeCtx, probeCancel := context.WithTimeout(browserCtx, s.config.StartupProbe)
	defer probeCancel()

	startTime := time.Now()
	if err := chromedp.Run(probeCtx, chromedp.Navigate("about:blank")); err != nil {
		browserCancel()
		allocCancel()
		return fmt.Errorf("browser failed startup navigation: %w", err)
	}

	var title string
	if err := chromedp.Run(probeCtx, chromedp.Title(&title)); err != nil {
		browserCancel()
		allocCancel()
		return fmt.Errorf("browser failed responsiveness probe: %w", err)
	}

	if err := chromedp.Run(probeCtx, network.Enable()); err != nil {
		browserCancel()
		allocCancel()
		return fmt.Errorf("failed to enable network domain: %w", err)
	}

	s.allocCancel = allocCancel
	s.browserCtx = browserCtx
	s.browserCancel = browserCancel
	if c := chromedp.FromContext(browserCtx); c != nil && c.Target != nil {
		s.anchorID = c.Target.TargetID
	}
	s.started = true

	s.logger.Info().
		Str("worker_id", s.workerID).
		Str("profile_dir", s.profileDir).
		Dur("startup_time", time.Since(startTime)).
		Msg("Browser session started")

	return nil
}

// Authenticate performs the one-time login check: navigate the anchor tab
// to the login page and look for the auth cookie. On success the cookie set
// is snapshotted so Recover can restore it later.
func (s *ChromeSession) Authenticate(ctx context.Context) (bool, error) {
	s.mu.Lock()
	browserCtx := s.browserCtx
	s.mu.Unlock()

	if browserCtx == nil {
		return false, fmt.Errorf("session not started")
	}

	// Nothing to verify against; treat the session as usable
	if s.config.LoginURL == "" || s.config.AuthCookieName == "" {
		return true, nil
	}

	runCtx, cancel := context.WithTimeout(browserCtx, s.config.StartupProbe)
	defer cancel()

	var cookies []*network.Cookie
	err := chromedp.Run(runCtx,
		chromedp.Navigate(s.config.LoginURL),
		chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			cookies, err = network.GetCookies().WithURLs([]string{s.config.LoginURL}).Do(ctx)
			return err
		}),
	)
	if err != nil {
		return false, fmt.Errorf("authentication check failed: %w", err)
	}

	for _, c := range cookies {
		if c.Name == s.config.AuthCookieName {
			s.mu.Lock()
			s.savedCookies = cookies
			s.mu.Unlock()

			s.logger.Info().
				Str("worker_id", s.workerID).
				Int("cookies", len(cookies)).
				Msg("Session authenticated")
			return true, nil
		}
	}

	s.logger.Warn().
		Str("worker_id", s.workerID).
		Str("cookie", s.config.AuthCookieName).
		Msg("Auth cookie not present; session is unauthenticated")
	return false, nil
}

// OpenTask opens a short-lived tab for one task and returns its target ID
// as the tab handle
func (s *ChromeSession) OpenTask(ctx context.Context, taskID string) (string, error) {
	s.mu.Lock()
	browserCtx := s.browserCtx
	s.mu.Unlock()

	if browserCtx == nil {
		return "", fmt.Errorf("session not started")
	}

	tabCtx, tabCancel := chromedp.NewContext(browserCtx)

	runCtx, cancel := context.WithTimeout(tabCtx, s.config.StartupProbe)
	defer cancel()

	// A target only materializes once something runs in it
	if err := chromedp.Run(runCtx, chromedp.Navigate("about:blank")); err != nil {
		tabCancel()
		return "", fmt.Errorf("failed to open tab for task %s: %w", taskID, err)
	}

	c := chromedp.FromContext(tabCtx)
	if c == nil || c.Target == nil {
		tabCancel()
		return "", fmt.Errorf("tab for task %s has no target", taskID)
	}
	handle := string(c.Target.TargetID)

	s.mu.Lock()
	s.taskTabs[handle] = tabCancel
	s.mu.Unlock()

	s.logger.Debug().
		Str("worker_id", s.workerID).
		Str("task_id", taskID).
		Str("tab", handle).
		Msg("Task tab opened")

	return handle, nil
}

// CloseTask closes the tab identified by handle. The anchor tab is never
// registered as a task tab, so it cannot be closed through this path.
func (s *ChromeSession) CloseTask(ctx context.Context, handle string) error {
	s.mu.Lock()
	cancel, ok := s.taskTabs[handle]
	if ok {
		delete(s.taskTabs, handle)
	}
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("unknown tab handle %s", handle)
	}

	cancel()

	s.logger.Debug().
		Str("worker_id", s.workerID).
		Str("tab", handle).
		Msg("Task tab closed")
	return nil
}

// SweepStrayTabs closes browser targets that are neither the anchor nor a
// live task tab. Pages opened by page scripts (popups, target=_blank) are
// reclaimed here between tasks.
func (s *ChromeSession) SweepStrayTabs(ctx context.Context) (int, error) {
	s.mu.Lock()
	browserCtx := s.browserCtx
	known := make(map[string]bool, len(s.taskTabs)+1)
	known[string(s.anchorID)] = true
	for handle := range s.taskTabs {
		known[handle] = true
	}
	s.mu.Unlock()

	if browserCtx == nil {
		return 0, fmt.Errorf("session not started")
	}

	targets, err := chromedp.Targets(browserCtx)
	if err != nil {
		return 0, fmt.Errorf("failed to list browser targets: %w", err)
	}

	stray := strayTargets(known, targets)
	closed := 0
	for _, id := range stray {
		if err := chromedp.Run(browserCtx, chromedp.ActionFunc(func(ctx context.Context) error {
			return target.CloseTarget(id).Do(ctx)
		})); err != nil {
			s.logger.Warn().
				Str("worker_id", s.workerID).
				Str("target", string(id)).
				Err(err).
				Msg("Failed to close stray tab")
			continue
		}
		closed++
	}

	if closed > 0 {
		s.logger.Debug().
			Str("worker_id", s.workerID).
			Int("closed", closed).
			Msg("Stray tabs swept")
	}
	return closed, nil
}

// Recover attempts one in-place session recovery: probe the anchor tab,
// restore the saved cookie set, and re-run the authentication check.
func (s *ChromeSession) Recover(ctx context.Context) bool {
	s.mu.Lock()
	browserCtx := s.browserCtx
	saved := s.savedCookies
	s.mu.Unlock()

	if browserCtx == nil {
		return false
	}

	runCtx, cancel := context.WithTimeout(browserCtx, s.config.StartupProbe)
	defer cancel()

	if err := chromedp.Run(runCtx, chromedp.Navigate("about:blank")); err != nil {
		s.logger.Warn().
			Str("worker_id", s.workerID).
			Err(err).
			Msg("Anchor tab unresponsive; session is not recoverable in place")
		return false
	}

	if len(saved) > 0 {
		if err := chromedp.Run(runCtx,
			network.Enable(),
			chromedp.ActionFunc(func(ctx context.Context) error {
				for _, c := range saved {
					setCookie := network.SetCookie(c.Name, c.Value).
						WithDomain(c.Domain).
						WithPath(c.Path).
						WithSecure(c.Secure).
						WithHTTPOnly(c.HTTPOnly)
					if c.SameSite != "" {
						setCookie = setCookie.WithSameSite(c.SameSite)
					}
					if c.Expires > 0 {
						expires := cdp.TimeSinceEpoch(time.Unix(int64(c.Expires), 0))
						setCookie = setCookie.WithExpires(&expires)
					}
					if err := setCookie.Do(ctx); err != nil {
						s.logger.Warn().
							Str("cookie", c.Name).
							Err(err).
							Msg("Failed to restore cookie")
					}
				}
				return nil
			}),
		); err != nil {
			s.logger.Warn().
				Str("worker_id", s.workerID).
				Err(err).
				Msg("Cookie restore failed during recovery")
			return false
		}
	}

	ok, err := s.Authenticate(ctx)
	if err != nil || !ok {
		s.logger.Warn().
			Str("worker_id", s.workerID).
			Err(err).
			Msg("Re-authentication failed during recovery")
		return false
	}

	s.logger.Info().Str("worker_id", s.workerID).Msg("Session recovered in place")
	return true
}

// Healthy probes the anchor tab with a short title query
func (s *ChromeSession) Healthy() bool {
	s.mu.Lock()
	browserCtx := s.browserCtx
	started := s.started
	s.mu.Unlock()

	if !started || browserCtx == nil {
		return false
	}

	probeCtx, cancel := context.WithTimeout(browserCtx, 5*time.Second)
	defer cancel()

	var title string
	return chromedp.Run(probeCtx, chromedp.Title(&title)) == nil
}

// Close tears the session down: all task tabs, the anchor, then the
// browser process itself. Safe to call more than once.
func (s *ChromeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return nil
	}

	for handle, cancel := range s.taskTabs {
		cancel()
		delete(s.taskTabs, handle)
	}
	if s.browserCancel != nil {
		s.browserCancel()
	}
	if s.allocCancel != nil {
		s.allocCancel()
	}
	s.started = false
	s.browserCtx = nil

	s.logger.Info().Str("worker_id", s.workerID).Msg("Browser session closed")
	return nil
}
