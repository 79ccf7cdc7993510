// ABOUTME: Tests for plugin catalog listing and per-agent synchronization
// ABOUTME: Covers add/remove round trips, unknown names, overwrite, and stale detection

package plugins

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/smbctl/internal/share"
)

const agentX = "HOST1-AA:BB:CC:DD:EE:FF"

func setup(t *testing.T) (*Distributor, string, string) {
	t.Helper()
	base := t.TempDir()
	catalog := filepath.Join(base, "plugins")
	root := filepath.Join(base, "share")
	require.NoError(t, os.MkdirAll(catalog, 0755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "ProjectA", agentX), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(catalog, "keylog.ps1"), []byte("keylog v1"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(catalog, "screens.ps1"), []byte("screens"), 0644))
	require.NoError(t, os.MkdirAll(filepath.Join(catalog, "subdir"), 0755))
	return NewDistributor(catalog, share.NewResolver(root, nil), nil), catalog, root
}

func installedNames(t *testing.T, d *Distributor) []string {
	t.Helper()
	names, err := d.Installed("ProjectA", agentX)
	require.NoError(t, err)
	return names
}

func TestList(t *testing.T) {
	d, _, _ := setup(t)
	names, err := d.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"keylog.ps1", "screens.ps1"}, names, "directories are not plugins")
}

func TestList_MissingCatalog(t *testing.T) {
	d := NewDistributor(filepath.Join(t.TempDir(), "none"), share.NewResolver(t.TempDir(), nil), nil)
	names, err := d.List()
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestSync_CreatesPluginDir(t *testing.T) {
	d, _, root := setup(t)
	entries, err := d.Sync("ProjectA", agentX, nil, nil)
	require.NoError(t, err)

	info, err := os.Stat(filepath.Join(root, "ProjectA", agentX, "plugins"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	assert.Equal(t, []Entry{{"keylog.ps1", StateAbsent}, {"screens.ps1", StateAbsent}}, entries)
}

func TestSync_AddThenRemoveRestoresState(t *testing.T) {
	d, _, _ := setup(t)
	_, err := d.Sync("ProjectA", agentX, []string{"screens.ps1"}, nil)
	require.NoError(t, err)
	before := installedNames(t, d)

	entries, err := d.Sync("ProjectA", agentX, []string{"keylog.ps1"}, nil)
	require.NoError(t, err)
	assert.Equal(t, []Entry{{"keylog.ps1", StateInstalled}, {"screens.ps1", StateInstalled}}, entries)

	_, err = d.Sync("ProjectA", agentX, nil, []string{"keylog.ps1"})
	require.NoError(t, err)
	assert.Equal(t, before, installedNames(t, d))
}

func TestSync_UnknownAndAbsentNamesAreIgnored(t *testing.T) {
	d, _, _ := setup(t)
	entries, err := d.Sync("ProjectA", agentX, []string{"nope.exe"}, []string{"never-installed", "../escape"})
	require.NoError(t, err)
	assert.Empty(t, installedNames(t, d))
	for _, e := range entries {
		assert.False(t, e.Installed())
	}
}

func TestSync_OverwritesAndDetectsStale(t *testing.T) {
	d, catalog, root := setup(t)
	_, err := d.Sync("ProjectA", agentX, []string{"keylog.ps1"}, nil)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(catalog, "keylog.ps1"), []byte("keylog v2 with more bytes"), 0644))
	entries, err := d.Status("ProjectA", agentX)
	require.NoError(t, err)
	assert.Equal(t, StateStale, entries[0].State)

	_, err = d.Sync("ProjectA", agentX, []string{"keylog.ps1"}, nil)
	require.NoError(t, err)
	data, err := os.ReadFile(filepath.Join(root, "ProjectA", agentX, "plugins", "keylog.ps1"))
	require.NoError(t, err)
	assert.Equal(t, "keylog v2 with more bytes", string(data))
}

func TestDigest(t *testing.T) {
	p := filepath.Join(t.TempDir(), "f")
	require.NoError(t, os.WriteFile(p, []byte("abc"), 0644))
	sum, err := Digest(p)
	require.NoError(t, err)
	assert.Len(t, sum, 64)
}
