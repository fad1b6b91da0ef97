package cache

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	robosync "github.com/wolfeidau/robosync"
	"github.com/wolfeidau/robosync/archive"
)

// buildPayload packages the given files and returns the archive path and
// matching metadata.
func buildPayload(t *testing.T, name, version string, files map[string]string) (string, *robosync.ArtifactMetadata) {
	t.Helper()

	src := t.TempDir()
	for fname, content := range files {
		path := filepath.Join(src, filepath.FromSlash(fname))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}

	archivePath := filepath.Join(t.TempDir(), name+".tgz")
	res, err := archive.PackFile(src, archivePath)
	require.NoError(t, err)

	return archivePath, &robosync.ArtifactMetadata{
		Name:        name,
		Version:     version,
		Fingerprint: res.Fingerprint,
		Size:        res.Size,
	}
}

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	c, err := New(filepath.Join(t.TempDir(), "cache"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestCacheStoreLookup(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	archivePath, meta := buildPayload(t, "kbot", "v1", map[string]string{
		"robot.urdf":      "<robot/>",
		"meshes/base.stl": "solid base",
	})

	entry, err := c.Store(ctx, meta, archivePath)
	require.NoError(t, err)
	require.Equal(t, meta.Fingerprint, entry.Fingerprint)
	require.DirExists(t, entry.Path)

	got, err := c.Lookup(ctx, meta.Ref())
	require.NoError(t, err)
	require.Equal(t, entry.Path, got.Path)
	require.Equal(t, entry.Fingerprint, got.Fingerprint)

	content, err := os.ReadFile(filepath.Join(got.Path, "robot.urdf"))
	require.NoError(t, err)
	require.Equal(t, "<robot/>", string(content))
}

func TestCacheLookupMiss(t *testing.T) {
	c := newTestCache(t)

	_, err := c.Lookup(context.Background(), robosync.ArtifactRef{Name: "kbot", Version: "v1"})
	require.ErrorIs(t, err, robosync.ErrNotFound)
}

func TestCacheLookupRequiresPinnedRef(t *testing.T) {
	c := newTestCache(t)

	_, err := c.Lookup(context.Background(), robosync.NewRef("kbot"))
	require.Error(t, err)
	require.NotErrorIs(t, err, robosync.ErrNotFound)
}

func TestCacheStoreIntegrityMismatch(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	archivePath, meta := buildPayload(t, "kbot", "v1", map[string]string{"robot.urdf": "<robot/>"})
	meta.Fingerprint = robosync.FingerprintBytes([]byte("something else"))

	_, err := c.Store(ctx, meta, archivePath)
	require.ErrorIs(t, err, robosync.ErrIntegrity)

	// Nothing was promoted.
	_, err = c.Lookup(ctx, meta.Ref())
	require.ErrorIs(t, err, robosync.ErrNotFound)
}

func TestCacheStoreSizeMismatch(t *testing.T) {
	c := newTestCache(t)

	archivePath, meta := buildPayload(t, "kbot", "v1", map[string]string{"robot.urdf": "<robot/>"})
	meta.Size++

	_, err := c.Store(context.Background(), meta, archivePath)
	require.ErrorIs(t, err, robosync.ErrIntegrity)
}

func TestCacheStoreReplacesExisting(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	oldArchive, oldMeta := buildPayload(t, "kbot", "v1", map[string]string{"robot.urdf": "old"})
	_, err := c.Store(ctx, oldMeta, oldArchive)
	require.NoError(t, err)

	newArchive, newMeta := buildPayload(t, "kbot", "v1", map[string]string{"robot.urdf": "new payload"})
	entry, err := c.Store(ctx, newMeta, newArchive)
	require.NoError(t, err)

	got, err := c.Lookup(ctx, newMeta.Ref())
	require.NoError(t, err)
	require.Equal(t, entry.Fingerprint, got.Fingerprint)

	content, err := os.ReadFile(filepath.Join(got.Path, "robot.urdf"))
	require.NoError(t, err)
	require.Equal(t, "new payload", string(content))
}

func TestCacheLookupDetectsTampering(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	archivePath, meta := buildPayload(t, "kbot", "v1", map[string]string{"robot.urdf": "<robot/>"})
	entry, err := c.Store(ctx, meta, archivePath)
	require.NoError(t, err)

	// Tamper with the payload behind the cache's back.
	require.NoError(t, os.WriteFile(filepath.Join(entry.Path, "robot.urdf"), []byte("tampered with extra bytes"), 0o644))

	_, err = c.Lookup(ctx, meta.Ref())
	require.ErrorIs(t, err, robosync.ErrNotFound)

	// The untrustworthy entry was evicted entirely.
	require.NoDirExists(t, entry.Path)
	_, err = c.Lookup(ctx, meta.Ref())
	require.ErrorIs(t, err, robosync.ErrNotFound)
}

func TestCacheLookupDetectsDeletedFile(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	archivePath, meta := buildPayload(t, "kbot", "v1", map[string]string{
		"robot.urdf":      "<robot/>",
		"meshes/base.stl": "solid base",
	})
	entry, err := c.Store(ctx, meta, archivePath)
	require.NoError(t, err)

	require.NoError(t, os.Remove(filepath.Join(entry.Path, "meshes", "base.stl")))

	_, err = c.Lookup(ctx, meta.Ref())
	require.ErrorIs(t, err, robosync.ErrNotFound)
}

func TestCacheEvictPinned(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	archivePath, meta := buildPayload(t, "kbot", "v1", map[string]string{"robot.urdf": "<robot/>"})
	entry, err := c.Store(ctx, meta, archivePath)
	require.NoError(t, err)

	require.NoError(t, c.Evict(ctx, meta.Ref()))
	require.NoDirExists(t, entry.Path)

	_, err = c.Lookup(ctx, meta.Ref())
	require.ErrorIs(t, err, robosync.ErrNotFound)

	// Evicting an absent entry is fine.
	require.NoError(t, c.Evict(ctx, meta.Ref()))
}

func TestCacheEvictAllVersions(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	for _, version := range []string{"v1", "v2", "v3"} {
		archivePath, meta := buildPayload(t, "kbot", version, map[string]string{"robot.urdf": version})
		_, err := c.Store(ctx, meta, archivePath)
		require.NoError(t, err)
	}
	otherArchive, otherMeta := buildPayload(t, "zbot", "v1", map[string]string{"robot.urdf": "other"})
	_, err := c.Store(ctx, otherMeta, otherArchive)
	require.NoError(t, err)

	require.NoError(t, c.Evict(ctx, robosync.NewRef("kbot")))

	entries, err := c.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "zbot@v1", entries[0].Key())
}

func TestCacheList(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	entries, err := c.List(ctx)
	require.NoError(t, err)
	require.Empty(t, entries)

	archivePath, meta := buildPayload(t, "kbot", "v1", map[string]string{"robot.urdf": "<robot/>"})
	_, err = c.Store(ctx, meta, archivePath)
	require.NoError(t, err)

	entries, err = c.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "kbot@v1", entries[0].Key())
}

func TestCacheSweepsStaleStaging(t *testing.T) {
	root := filepath.Join(t.TempDir(), "cache")
	stale := filepath.Join(root, "staging", "leftover")
	require.NoError(t, os.MkdirAll(stale, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(stale, "partial.tgz"), []byte("junk"), 0o644))

	c, err := New(root)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	require.NoDirExists(t, stale)
}
