package syncer

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	robosync "github.com/wolfeidau/robosync"
	"github.com/wolfeidau/robosync/archive"
	"github.com/wolfeidau/robosync/cache"
)

// fakeTransport is an in-memory artifact store. It counts metadata and
// payload round trips so tests can assert how often the network was hit.
type fakeTransport struct {
	mu       sync.Mutex
	archives map[string][]byte
	latest   map[string]string
	versions map[string]int

	fetches   atomic.Int32
	downloads atomic.Int32
	uploadErr error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		archives: map[string][]byte{},
		latest:   map[string]string{},
		versions: map[string]int{},
	}
}

// publish stores a packaged payload as the next version of name.
func (f *fakeTransport) publish(name string, payload []byte) robosync.ArtifactRef {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.versions[name]++
	version := fmt.Sprintf("v%d", f.versions[name])
	f.archives[name+"@"+version] = payload
	f.latest[name] = version
	return robosync.ArtifactRef{Name: name, Version: version}
}

// replace swaps the payload behind an already published version, simulating
// upstream divergence.
func (f *fakeTransport) replace(name, version string, payload []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.archives[name+"@"+version] = payload
}

func (f *fakeTransport) metadataLocked(name, version string) (*robosync.ArtifactMetadata, error) {
	data, ok := f.archives[name+"@"+version]
	if !ok {
		return nil, fmt.Errorf("no artifact %s@%s: %w", name, version, robosync.ErrNotFound)
	}
	return &robosync.ArtifactMetadata{
		Name:        name,
		Version:     version,
		Fingerprint: robosync.FingerprintBytes(data),
		Size:        int64(len(data)),
		DownloadURL: "https://blobs.invalid/" + name + "-" + version + ".tgz",
	}, nil
}

func (f *fakeTransport) FetchMetadata(ctx context.Context, ref robosync.ArtifactRef) (*robosync.ArtifactMetadata, error) {
	f.fetches.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()

	version := ref.Version
	if version == "" {
		version = f.latest[ref.Name]
		if version == "" {
			return nil, fmt.Errorf("no artifact %s: %w", ref.Name, robosync.ErrNotFound)
		}
	}
	return f.metadataLocked(ref.Name, version)
}

func (f *fakeTransport) Download(ctx context.Context, meta *robosync.ArtifactMetadata, dest string) error {
	f.downloads.Add(1)
	f.mu.Lock()
	data, ok := f.archives[meta.Name+"@"+meta.Version]
	f.mu.Unlock()
	if !ok {
		return fmt.Errorf("no payload for %s: %w", meta.Ref(), robosync.ErrNotFound)
	}
	return os.WriteFile(dest, data, 0o644)
}

func (f *fakeTransport) Upload(ctx context.Context, ref robosync.ArtifactRef, archivePath string, fp robosync.Fingerprint, size int64) (*robosync.ArtifactMetadata, error) {
	if f.uploadErr != nil {
		return nil, f.uploadErr
	}
	data, err := os.ReadFile(archivePath)
	if err != nil {
		return nil, err
	}
	published := f.publish(ref.Name, data)

	f.mu.Lock()
	defer f.mu.Unlock()
	return f.metadataLocked(published.Name, published.Version)
}

// packPayload packages a file tree and returns the archive bytes.
func packPayload(t *testing.T, files map[string]string) []byte {
	t.Helper()
	src := t.TempDir()
	for name, content := range files {
		path := filepath.Join(src, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
	var buf bytes.Buffer
	_, err := archive.Pack(src, &buf)
	require.NoError(t, err)
	return buf.Bytes()
}

func newTestSyncer(t *testing.T, tr Transport, opts ...Option) *Syncer {
	t.Helper()
	c, err := cache.New(filepath.Join(t.TempDir(), "cache"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return New(tr, c, opts...)
}

func TestDownloadPinned(t *testing.T) {
	tr := newFakeTransport()
	ref := tr.publish("kbot", packPayload(t, map[string]string{"robot.urdf": "<robot/>"}))
	s := newTestSyncer(t, tr)
	ctx := context.Background()

	path, err := s.Download(ctx, ref)
	require.NoError(t, err)

	content, err := os.ReadFile(filepath.Join(path, "robot.urdf"))
	require.NoError(t, err)
	require.Equal(t, "<robot/>", string(content))
	require.Equal(t, int32(1), tr.downloads.Load())

	// A second call is served from the cache with no network at all.
	again, err := s.Download(ctx, ref)
	require.NoError(t, err)
	require.Equal(t, path, again)
	require.Equal(t, int32(1), tr.fetches.Load())
	require.Equal(t, int32(1), tr.downloads.Load())
}

func TestDownloadUnpinnedMemoizesResolution(t *testing.T) {
	tr := newFakeTransport()
	tr.publish("kbot", packPayload(t, map[string]string{"robot.urdf": "<robot/>"}))
	s := newTestSyncer(t, tr)
	ctx := context.Background()

	path, err := s.Download(ctx, robosync.NewRef("kbot"))
	require.NoError(t, err)
	require.Equal(t, int32(1), tr.fetches.Load())

	// Within the memo TTL the second unpinned call resolves in-process and
	// hits the cache, no store round trips.
	again, err := s.Download(ctx, robosync.NewRef("kbot"))
	require.NoError(t, err)
	require.Equal(t, path, again)
	require.Equal(t, int32(1), tr.fetches.Load())
	require.Equal(t, int32(1), tr.downloads.Load())
}

func TestDownloadUnpinnedAlwaysResolvesWithoutMemo(t *testing.T) {
	tr := newFakeTransport()
	tr.publish("kbot", packPayload(t, map[string]string{"robot.urdf": "<robot/>"}))
	s := newTestSyncer(t, tr, WithResolveTTL(0))
	ctx := context.Background()

	_, err := s.Download(ctx, robosync.NewRef("kbot"))
	require.NoError(t, err)
	_, err = s.Download(ctx, robosync.NewRef("kbot"))
	require.NoError(t, err)

	// Resolution goes to the store each time, but the payload itself is
	// still cache-served.
	require.Equal(t, int32(2), tr.fetches.Load())
	require.Equal(t, int32(1), tr.downloads.Load())
}

func TestDownloadUnpinnedPicksUpNewVersion(t *testing.T) {
	tr := newFakeTransport()
	tr.publish("kbot", packPayload(t, map[string]string{"robot.urdf": "first"}))
	s := newTestSyncer(t, tr, WithResolveTTL(0))
	ctx := context.Background()

	first, err := s.Download(ctx, robosync.NewRef("kbot"))
	require.NoError(t, err)

	tr.publish("kbot", packPayload(t, map[string]string{"robot.urdf": "second"}))

	second, err := s.Download(ctx, robosync.NewRef("kbot"))
	require.NoError(t, err)
	require.NotEqual(t, first, second)

	content, err := os.ReadFile(filepath.Join(second, "robot.urdf"))
	require.NoError(t, err)
	require.Equal(t, "second", string(content))
	require.Equal(t, int32(2), tr.downloads.Load())
}

func TestDownloadRefetchesDivergedVersion(t *testing.T) {
	tr := newFakeTransport()
	ref := tr.publish("kbot", packPayload(t, map[string]string{"robot.urdf": "original"}))
	s := newTestSyncer(t, tr, WithResolveTTL(0))
	ctx := context.Background()

	_, err := s.Download(ctx, robosync.NewRef("kbot"))
	require.NoError(t, err)

	// The store republished the same version with different content. The
	// cached entry no longer matches the resolved fingerprint.
	tr.replace(ref.Name, ref.Version, packPayload(t, map[string]string{"robot.urdf": "rewritten"}))

	path, err := s.Download(ctx, robosync.NewRef("kbot"))
	require.NoError(t, err)

	content, err := os.ReadFile(filepath.Join(path, "robot.urdf"))
	require.NoError(t, err)
	require.Equal(t, "rewritten", string(content))
	require.Equal(t, int32(2), tr.downloads.Load())
}

func TestDownloadNotFound(t *testing.T) {
	tr := newFakeTransport()
	s := newTestSyncer(t, tr)

	_, err := s.Download(context.Background(), robosync.NewRef("nope"))
	require.ErrorIs(t, err, robosync.ErrNotFound)
}

func TestDownloadRecoversFromTampering(t *testing.T) {
	tr := newFakeTransport()
	ref := tr.publish("kbot", packPayload(t, map[string]string{"robot.urdf": "<robot/>"}))
	s := newTestSyncer(t, tr)
	ctx := context.Background()

	path, err := s.Download(ctx, ref)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(path, "robot.urdf"), []byte("scribbled over, longer"), 0o644))

	healed, err := s.Download(ctx, ref)
	require.NoError(t, err)

	content, err := os.ReadFile(filepath.Join(healed, "robot.urdf"))
	require.NoError(t, err)
	require.Equal(t, "<robot/>", string(content))
	require.Equal(t, int32(2), tr.downloads.Load())
}

func TestConcurrentDownloadsShareOneFetch(t *testing.T) {
	tr := newFakeTransport()
	ref := tr.publish("kbot", packPayload(t, map[string]string{"robot.urdf": "<robot/>"}))
	s := newTestSyncer(t, tr)

	const workers = 10
	paths := make([]string, workers)
	errs := make([]error, workers)

	var wg sync.WaitGroup
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			paths[i], errs[i] = s.Download(context.Background(), ref)
		}()
	}
	wg.Wait()

	for i := range workers {
		require.NoError(t, errs[i])
		require.Equal(t, paths[0], paths[i])
	}
	require.Equal(t, int32(1), tr.downloads.Load())
}

func TestUploadDownloadRoundTrip(t *testing.T) {
	tr := newFakeTransport()
	s := newTestSyncer(t, tr)
	ctx := context.Background()

	src := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(src, "meshes"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "robot.urdf"), []byte("<robot/>"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "meshes", "base.stl"), []byte("solid base"), 0o644))

	meta, err := s.Upload(ctx, src, robosync.NewRef("kbot"))
	require.NoError(t, err)
	require.Equal(t, "v1", meta.Version)

	// The upload primed the cache, so fetching it back needs no payload
	// round trip.
	path, err := s.Download(ctx, meta.Ref())
	require.NoError(t, err)
	require.Equal(t, int32(0), tr.downloads.Load())

	content, err := os.ReadFile(filepath.Join(path, "meshes", "base.stl"))
	require.NoError(t, err)
	require.Equal(t, "solid base", string(content))
}

func TestUploadConflictLeavesCacheUnchanged(t *testing.T) {
	tr := newFakeTransport()
	tr.uploadErr = fmt.Errorf("identical payload already published: %w", robosync.ErrConflict)
	s := newTestSyncer(t, tr)
	ctx := context.Background()

	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "robot.urdf"), []byte("<robot/>"), 0o644))

	_, err := s.Upload(ctx, src, robosync.NewRef("kbot"))
	require.ErrorIs(t, err, robosync.ErrConflict)

	entries, err := s.List(ctx)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestUploadInvalidatesLatestResolution(t *testing.T) {
	tr := newFakeTransport()
	tr.publish("kbot", packPayload(t, map[string]string{"robot.urdf": "first"}))
	s := newTestSyncer(t, tr)
	ctx := context.Background()

	_, err := s.Download(ctx, robosync.NewRef("kbot"))
	require.NoError(t, err)

	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "robot.urdf"), []byte("second"), 0o644))
	meta, err := s.Upload(ctx, src, robosync.NewRef("kbot"))
	require.NoError(t, err)
	require.Equal(t, "v2", meta.Version)

	// Even with the memo TTL still running, "latest" now resolves past the
	// stale entry to the version just published.
	path, err := s.Download(ctx, robosync.NewRef("kbot"))
	require.NoError(t, err)

	content, err := os.ReadFile(filepath.Join(path, "robot.urdf"))
	require.NoError(t, err)
	require.Equal(t, "second", string(content))
}

func TestPurge(t *testing.T) {
	tr := newFakeTransport()
	ref := tr.publish("kbot", packPayload(t, map[string]string{"robot.urdf": "<robot/>"}))
	s := newTestSyncer(t, tr)
	ctx := context.Background()

	_, err := s.Download(ctx, ref)
	require.NoError(t, err)

	require.NoError(t, s.Purge(ctx, robosync.NewRef("kbot")))

	entries, err := s.List(ctx)
	require.NoError(t, err)
	require.Empty(t, entries)

	// The next download goes back to the store.
	_, err = s.Download(ctx, ref)
	require.NoError(t, err)
	require.Equal(t, int32(2), tr.downloads.Load())
}
