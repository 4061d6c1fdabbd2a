package scratch

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastSpec(ext, token string) Spec {
	return Spec{
		Extensions:     []string{ext},
		Token:          token,
		Timeout:        300 * time.Millisecond,
		PollInterval:   10 * time.Millisecond,
		StableInterval: 5 * time.Millisecond,
	}
}

func TestArea_WorkerDirsAndPurge(t *testing.T) {
	fs := afero.NewMemMapFs()
	area := NewArea(fs, "/scratch")
	require.NoError(t, area.Clean())

	d0, err := area.WorkerDir(0)
	require.NoError(t, err)
	d1, err := area.WorkerDir(1)
	require.NoError(t, err)
	assert.NotEqual(t, d0, d1)

	require.NoError(t, afero.WriteFile(fs, filepath.Join(d0, "a.zip"), []byte("zip"), 0o644))

	dirs, err := area.WorkerDirs()
	require.NoError(t, err)
	assert.Len(t, dirs, 2)

	require.NoError(t, area.Purge())
	exists, err := afero.DirExists(fs, "/scratch")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestArea_CleanRemovesLeftovers(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/scratch/stale.zip", []byte("old"), 0o644))

	area := NewArea(fs, "/scratch")
	require.NoError(t, area.Clean())

	exists, err := afero.Exists(fs, "/scratch/stale.zip")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestAwait_FindsCompleteFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/dl", 0o755))
	require.NoError(t, afero.WriteFile(fs, "/dl/carteira_atlas_20251208.xml", []byte("<xml/>"), 0o644))

	path, ok, err := Await(context.Background(), fs, "/dl", fastSpec(".xml", "atlas"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "/dl/carteira_atlas_20251208.xml", path)
}

func TestAwait_Timeout(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/dl", 0o755))

	_, ok, err := Await(context.Background(), fs, "/dl", fastSpec(".zip", ""))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAwait_IgnoresInProgressMarkers(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/dl", 0o755))
	require.NoError(t, afero.WriteFile(fs, "/dl/report.zip.partial", []byte("half"), 0o644))

	_, ok, err := Await(context.Background(), fs, "/dl", fastSpec(".zip", ""))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAwait_SidecarMarkerBlocksCandidate(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/dl", 0o755))
	require.NoError(t, afero.WriteFile(fs, "/dl/report.zip", []byte("zipbytes"), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/dl/report.zip.crdownload", []byte(""), 0o644))

	_, ok, err := Await(context.Background(), fs, "/dl", fastSpec(".zip", ""))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAwait_MatchesAnyListedExtension(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/dl", 0o755))
	require.NoError(t, afero.WriteFile(fs, "/dl/atlas_20251208.xml", []byte("<xml/>"), 0o644))

	spec := fastSpec(".zip", "")
	spec.Extensions = []string{".zip", ".xml"}

	path, ok, err := Await(context.Background(), fs, "/dl", spec)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "/dl/atlas_20251208.xml", path)

	// A .pdf satisfies neither listed extension.
	spec.Extensions = []string{".zip", ".pdf"}
	_, ok, err = Await(context.Background(), fs, "/dl", spec)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAwait_TokenFilter(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/dl", 0o755))
	require.NoError(t, afero.WriteFile(fs, "/dl/carteira_OUTRO_20251208.xml", []byte("<xml/>"), 0o644))

	_, ok, err := Await(context.Background(), fs, "/dl", fastSpec(".xml", "atlas"))
	require.NoError(t, err)
	assert.False(t, ok)

	// Token matching is case-insensitive.
	path, ok, err := Await(context.Background(), fs, "/dl", fastSpec(".xml", "OuTrO"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Contains(t, path, "OUTRO")
}

func TestAwait_BaselineExcludesEarlierArtifacts(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/dl", 0o755))
	require.NoError(t, afero.WriteFile(fs, "/dl/previous.zip", []byte("zipbytes"), 0o644))

	spec := fastSpec(".zip", "")
	spec.After = time.Now().Add(10 * time.Millisecond)

	_, ok, err := Await(context.Background(), fs, "/dl", spec)
	require.NoError(t, err)
	assert.False(t, ok)

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = afero.WriteFile(fs, "/dl/next.zip", []byte("zipbytes"), 0o644)
	}()

	path, ok, err := Await(context.Background(), fs, "/dl", spec)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "/dl/next.zip", path)
}

func TestAwait_FileArrivesLate(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/dl", 0o755))

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = afero.WriteFile(fs, "/dl/late.zip", []byte("zipbytes"), 0o644)
	}()

	path, ok, err := Await(context.Background(), fs, "/dl", fastSpec(".zip", ""))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "/dl/late.zip", path)
}

func TestAwait_ContextCancel(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/dl", 0o755))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	spec := fastSpec(".zip", "")
	spec.Timeout = 5 * time.Second
	_, ok, err := Await(ctx, fs, "/dl", spec)
	assert.False(t, ok)
	assert.Error(t, err)
}

func TestAwait_ZeroSizeNotComplete(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/dl", 0o755))
	require.NoError(t, afero.WriteFile(fs, "/dl/empty.xml", nil, 0o644))

	_, ok, err := Await(context.Background(), fs, "/dl", fastSpec(".xml", ""))
	require.NoError(t, err)
	assert.False(t, ok)
}
