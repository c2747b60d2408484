package profiles

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/colligo/internal/common"
	"github.com/ternarybob/colligo/internal/models"
)

// Probe checks one aspect of a freshly cloned profile
type Probe interface {
	Kind() models.ProbeKind
	Run(ctx context.Context, profile *models.Profile) error
}

// Verifier runs a probe set against a fresh clone with per-probe timeout
// and retry, producing an aggregated verdict.
type Verifier struct {
	probes  []Probe
	timeout time.Duration
	retries int
	logger  arbor.ILogger
}

// NewVerifier creates a verifier with the default probe set
func NewVerifier(config common.ProfilesConfig, logger arbor.ILogger) *Verifier {
	return &Verifier{
		probes: []Probe{
			&fileIntegrityProbe{},
			&capabilityProbe{},
			&authenticationProbe{},
		},
		timeout: config.ProbeTimeout,
		retries: config.ProbeRetries,
		logger:  logger,
	}
}

// NewVerifierWithProbes creates a verifier with a custom probe set
func NewVerifierWithProbes(probes []Probe, timeout time.Duration, retries int, logger arbor.ILogger) *Verifier {
	return &Verifier{probes: probes, timeout: timeout, retries: retries, logger: logger}
}

// Verify runs every probe and aggregates the verdict. Each probe gets the
// configured timeout and up to retries additional attempts; a timeout is
// recorded distinctly from a normal failure.
func (v *Verifier) Verify(ctx context.Context, workerID string, profile *models.Profile) *models.VerificationResult {
	result := &models.VerificationResult{
		WorkerID:  workerID,
		StartedAt: time.Now(),
	}

	for _, probe := range v.probes {
		method := v.runProbe(ctx, probe, profile, result)
		result.Probes = append(result.Probes, method)
	}

	result.FinishedAt = time.Now()
	result.Aggregate()

	if result.Status == models.VerificationSuccess {
		profile.MarkValidated()
	} else if result.Status == models.VerificationFailed || result.Status == models.VerificationTimeout {
		profile.MarkCorrupted(fmt.Sprintf("verification %s", result.Status))
	}

	v.logger.Info().
		Str("worker_id", workerID).
		Str("profile_id", profile.ID).
		Str("status", string(result.Status)).
		Int("probes", len(result.Probes)).
		Dur("duration", result.FinishedAt.Sub(result.StartedAt)).
		Msg("Profile verification complete")

	return result
}

func (v *Verifier) runProbe(ctx context.Context, probe Probe, profile *models.Profile, result *models.VerificationResult) models.MethodResult {
	method := models.MethodResult{Kind: probe.Kind()}
	start := time.Now()

	var lastErr error
	for attempt := 0; attempt <= v.retries; attempt++ {
		if attempt > 0 {
			result.RetryCount++
		}

		probeCtx, cancel := context.WithTimeout(ctx, v.timeout)
		lastErr = probe.Run(probeCtx, profile)
		timedOut := probeCtx.Err() == context.DeadlineExceeded
		cancel()

		if lastErr == nil {
			method.Success = true
			method.TimedOut = false
			break
		}

		method.TimedOut = timedOut
		v.logger.Debug().
			Str("probe", string(probe.Kind())).
			Int("attempt", attempt+1).
			Bool("timed_out", timedOut).
			Err(lastErr).
			Msg("Verification probe failed")
	}

	if lastErr != nil {
		method.Error = lastErr.Error()
	}
	method.Duration = time.Since(start)
	return method
}

// fileIntegrityProbe checks the clone carries the required marker files
type fileIntegrityProbe struct{}

func (p *fileIntegrityProbe) Kind() models.ProbeKind { return models.ProbeFileIntegrity }

func (p *fileIntegrityProbe) Run(ctx context.Context, profile *models.Profile) error {
	for _, marker := range requiredMarkerFiles {
		fi, err := os.Stat(filepath.Join(profile.ClonePath, marker))
		if err != nil {
			return fmt.Errorf("clone missing marker file %q: %w", marker, err)
		}
		if fi.Size() == 0 {
			return fmt.Errorf("clone marker file %q is empty", marker)
		}
	}
	for _, marker := range requiredMarkerDirs {
		fi, err := os.Stat(filepath.Join(profile.ClonePath, marker))
		if err != nil || !fi.IsDir() {
			return fmt.Errorf("clone missing profile directory %q", marker)
		}
	}
	// A clone must never inherit a singleton lock
	if _, err := os.Stat(filepath.Join(profile.ClonePath, "SingletonLock")); err == nil {
		return fmt.Errorf("clone inherited a singleton lock")
	}
	return nil
}

// capabilityProbe checks the clone directory is usable as a browser
// user-data-dir: writable and not shadowing the base
type capabilityProbe struct{}

func (p *capabilityProbe) Kind() models.ProbeKind { return models.ProbeCapability }

func (p *capabilityProbe) Run(ctx context.Context, profile *models.Profile) error {
	if profile.ClonePath == profile.BasePath {
		return fmt.Errorf("clone path equals base path")
	}

	probeFile := filepath.Join(profile.ClonePath, ".colligo-probe")
	if err := os.WriteFile(probeFile, []byte("ok"), 0644); err != nil {
		return fmt.Errorf("clone is not writable: %w", err)
	}
	return os.Remove(probeFile)
}

// authenticationProbe checks the clone carries a cookie store so the
// session can restore authentication state
type authenticationProbe struct{}

func (p *authenticationProbe) Kind() models.ProbeKind { return models.ProbeAuthentication }

func (p *authenticationProbe) Run(ctx context.Context, profile *models.Profile) error {
	candidates := []string{
		filepath.Join(profile.ClonePath, "Default", "Cookies"),
		filepath.Join(profile.ClonePath, "Default", "Network", "Cookies"),
	}
	for _, candidate := range candidates {
		if fi, err := os.Stat(candidate); err == nil && fi.Size() > 0 {
			return nil
		}
	}
	return fmt.Errorf("clone has no cookie store; session will need a fresh login")
}
