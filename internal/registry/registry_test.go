package registry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/periscope-sec/periscope/internal/models"
)

func validSource(id string) models.Source {
	return models.Source{
		ID:             id,
		Kind:           models.KindFeed,
		Endpoint:       "https://example.com/" + id,
		CadenceSeconds: 300,
		Credibility:    0.8,
	}
}

func TestReloadInstallsSnapshot(t *testing.T) {
	r := New()
	require.NoError(t, r.Reload([]models.Source{validSource("a"), validSource("b")}))

	assert.Len(t, r.Snapshot(), 2)
	src, ok := r.Lookup("a")
	assert.True(t, ok)
	assert.Equal(t, "a", src.ID)
}

func TestReloadRejectsInvalidAndKeepsPrevious(t *testing.T) {
	r := New()
	require.NoError(t, r.Reload([]models.Source{validSource("a")}))

	bad := validSource("b")
	bad.CadenceSeconds = 5 // below the floor
	err := r.Reload([]models.Source{validSource("a"), bad})
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.ErrConfig))

	// Previous snapshot intact, no partial update.
	assert.Len(t, r.Snapshot(), 1)
	_, ok := r.Lookup("b")
	assert.False(t, ok)
}

func TestReloadRejectsDuplicateIDs(t *testing.T) {
	r := New()
	err := r.Reload([]models.Source{validSource("a"), validSource("a")})
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.ErrConfig))
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sources.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
sources:
  - id: cisa
    kind: feed
    endpoint: https://www.cisa.gov/advisories.xml
    cadence_seconds: 900
    credibility: 0.95
`), 0o644))

	r, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, r.Snapshot(), 1)

	// A broken rewrite is rejected and the old snapshot stays live.
	require.NoError(t, os.WriteFile(path, []byte("sources: [{id: broken}]"), 0o644))
	assert.Error(t, r.ReloadFromFile())
	assert.Len(t, r.Snapshot(), 1)
}
