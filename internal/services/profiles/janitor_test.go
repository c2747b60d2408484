package profiles

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/colligo/internal/common"
)

func TestSweep_RemovesOrphanedClones(t *testing.T) {
	config := testProfilesConfig(t)
	store, err := NewStore(config, common.GetLogger())
	require.NoError(t, err)

	// A live clone owned by the store
	live, err := store.CreateProfile("worker-1")
	require.NoError(t, err)

	// An orphan from a previous run, aged past the cutoff
	orphan := filepath.Join(config.CloneRoot, clonePrefix+"dead-12345678")
	require.NoError(t, os.MkdirAll(orphan, 0755))
	old := time.Now().Add(-3 * time.Hour)
	require.NoError(t, os.Chtimes(orphan, old, old))

	// An unrelated directory the janitor must ignore
	unrelated := filepath.Join(config.CloneRoot, "keep-me")
	require.NoError(t, os.MkdirAll(unrelated, 0755))
	require.NoError(t, os.Chtimes(unrelated, old, old))

	janitor := NewJanitor(store, common.JanitorConfig{
		Enabled:  true,
		Schedule: "@every 10m",
		MaxAge:   time.Hour,
	}, common.GetLogger())

	removed, err := janitor.Sweep()
	require.NoError(t, err)

	assert.Equal(t, 1, removed)
	assert.NoDirExists(t, orphan)
	assert.DirExists(t, live.ClonePath)
	assert.DirExists(t, unrelated)
}

func TestSweep_KeepsYoungOrphans(t *testing.T) {
	config := testProfilesConfig(t)
	store, err := NewStore(config, common.GetLogger())
	require.NoError(t, err)

	fresh := filepath.Join(config.CloneRoot, clonePrefix+"fresh-12345678")
	require.NoError(t, os.MkdirAll(fresh, 0755))

	janitor := NewJanitor(store, common.JanitorConfig{MaxAge: time.Hour}, common.GetLogger())

	removed, err := janitor.Sweep()
	require.NoError(t, err)

	assert.Equal(t, 0, removed)
	assert.DirExists(t, fresh)
}

func TestJanitor_StartDisabled(t *testing.T) {
	store, err := NewStore(testProfilesConfig(t), common.GetLogger())
	require.NoError(t, err)

	janitor := NewJanitor(store, common.JanitorConfig{Enabled: false}, common.GetLogger())
	require.NoError(t, janitor.Start())
	janitor.Stop()
}

func TestJanitor_BadSchedule(t *testing.T) {
	store, err := NewStore(testProfilesConfig(t), common.GetLogger())
	require.NoError(t, err)

	janitor := NewJanitor(store, common.JanitorConfig{
		Enabled:  true,
		Schedule: "not-a-schedule",
	}, common.GetLogger())

	assert.Error(t, janitor.Start())
}
