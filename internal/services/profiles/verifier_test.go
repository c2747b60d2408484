package profiles

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/colligo/internal/common"
	"github.com/ternarybob/colligo/internal/models"
)

type fakeProbe struct {
	kind     models.ProbeKind
	failures int // fail this many attempts before succeeding
	block    bool
	calls    int
}

func (p *fakeProbe) Kind() models.ProbeKind { return p.kind }

func (p *fakeProbe) Run(ctx context.Context, profile *models.Profile) error {
	p.calls++
	if p.block {
		<-ctx.Done()
		return ctx.Err()
	}
	if p.calls <= p.failures {
		return fmt.Errorf("probe attempt %d failed", p.calls)
	}
	return nil
}

func clonedProfile(t *testing.T) *models.Profile {
	t.Helper()

	clone := t.TempDir()
	writeBaseProfile(t, clone)

	profile := models.NewProfile(t.TempDir(), clone, "worker-1")
	profile.Status = models.ProfileStatusReady
	return profile
}

func TestVerify_AllProbesPass(t *testing.T) {
	verifier := NewVerifier(testProfilesConfig(t), common.GetLogger())
	profile := clonedProfile(t)

	result := verifier.Verify(context.Background(), "worker-1", profile)

	assert.Equal(t, models.VerificationSuccess, result.Status)
	assert.Len(t, result.Probes, 3)
	assert.NotNil(t, profile.ValidatedAt)
	assert.False(t, profile.Corrupted)
}

func TestVerify_PartialVerdict(t *testing.T) {
	verifier := NewVerifier(testProfilesConfig(t), common.GetLogger())
	profile := clonedProfile(t)

	// Remove the cookie store so only the authentication probe fails
	require.NoError(t, os.Remove(filepath.Join(profile.ClonePath, "Default", "Cookies")))

	result := verifier.Verify(context.Background(), "worker-1", profile)

	assert.Equal(t, models.VerificationPartial, result.Status)
	assert.True(t, result.Usable(true))
	assert.False(t, result.Usable(false))
}

func TestVerify_FailedMarksProfileCorrupted(t *testing.T) {
	probes := []Probe{
		&fakeProbe{kind: models.ProbeCapability, failures: 100},
		&fakeProbe{kind: models.ProbeFileIntegrity, failures: 100},
	}
	verifier := NewVerifierWithProbes(probes, time.Second, 0, common.GetLogger())
	profile := clonedProfile(t)

	result := verifier.Verify(context.Background(), "worker-1", profile)

	assert.Equal(t, models.VerificationFailed, result.Status)
	assert.True(t, profile.Corrupted)
	assert.Equal(t, models.ProfileStatusCorrupted, profile.Status)
}

func TestVerify_RetriesBeforeFailing(t *testing.T) {
	probe := &fakeProbe{kind: models.ProbeCapability, failures: 1}
	verifier := NewVerifierWithProbes([]Probe{probe}, time.Second, 2, common.GetLogger())

	result := verifier.Verify(context.Background(), "worker-1", clonedProfile(t))

	assert.Equal(t, models.VerificationSuccess, result.Status)
	assert.Equal(t, 2, probe.calls)
	assert.Equal(t, 1, result.RetryCount)
}

func TestVerify_TimeoutVerdict(t *testing.T) {
	probe := &fakeProbe{kind: models.ProbeCapability, block: true}
	verifier := NewVerifierWithProbes([]Probe{probe}, 20*time.Millisecond, 0, common.GetLogger())

	result := verifier.Verify(context.Background(), "worker-1", clonedProfile(t))

	assert.Equal(t, models.VerificationTimeout, result.Status)
	require.Len(t, result.Probes, 1)
	assert.True(t, result.Probes[0].TimedOut)
}

func TestFileIntegrityProbe_RejectsInheritedLock(t *testing.T) {
	profile := clonedProfile(t)
	require.NoError(t, os.WriteFile(filepath.Join(profile.ClonePath, "SingletonLock"), []byte("x"), 0644))

	probe := &fileIntegrityProbe{}
	err := probe.Run(context.Background(), profile)
	assert.Error(t, err)
}

func TestCapabilityProbe_RejectsBaseAsClone(t *testing.T) {
	profile := clonedProfile(t)
	profile.BasePath = profile.ClonePath

	probe := &capabilityProbe{}
	err := probe.Run(context.Background(), profile)
	assert.Error(t, err)
}
