// Package syncer orchestrates artifact synchronization: resolving a
// reference, deciding whether the local cache can satisfy it, downloading
// and storing a fresh copy when it cannot, and publishing local
// directories as new versions. Concurrent operations on the same
// (name, version) are collapsed to a single fetch; unrelated keys proceed
// in parallel.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	robosync "github.com/wolfeidau/robosync"
	"github.com/wolfeidau/robosync/archive"
	"github.com/wolfeidau/robosync/cache"
	"github.com/wolfeidau/robosync/telemetry"
)

// Transport is the store-facing side of a sync operation. The transport
// package implements it.
type Transport interface {
	FetchMetadata(ctx context.Context, ref robosync.ArtifactRef) (*robosync.ArtifactMetadata, error)
	Download(ctx context.Context, meta *robosync.ArtifactMetadata, dest string) error
	Upload(ctx context.Context, ref robosync.ArtifactRef, archivePath string, fp robosync.Fingerprint, size int64) (*robosync.ArtifactMetadata, error)
}

// Cache is the disk-facing side of a sync operation. The cache package
// implements it.
type Cache interface {
	Lookup(ctx context.Context, ref robosync.ArtifactRef) (*cache.Entry, error)
	Store(ctx context.Context, meta *robosync.ArtifactMetadata, archivePath string) (*cache.Entry, error)
	Evict(ctx context.Context, ref robosync.ArtifactRef) error
	List(ctx context.Context) ([]*cache.Entry, error)
}

// Syncer coordinates Transport and Cache. All disk mutation goes through
// the cache's atomic promote and evict operations, never direct writes.
type Syncer struct {
	transport Transport
	cache     Cache
	flight    *flight
	uploads   *keyedLocks
	memo      *resolveMemo
	logger    *slog.Logger
	metrics   *telemetry.Metrics
	now       func() time.Time

	resolveTTL time.Duration
}

// Option configures a Syncer.
type Option func(*Syncer)

// WithLogger sets the logger for the syncer.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Syncer) {
		s.logger = logger
	}
}

// WithMetrics sets the metric instruments recorded by sync operations.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(s *Syncer) {
		s.metrics = m
	}
}

// WithResolveTTL sets how long latest-version resolutions are memoized
// in-process. Zero disables the memo, forcing a store round trip for every
// unpinned download.
func WithResolveTTL(ttl time.Duration) Option {
	return func(s *Syncer) {
		s.resolveTTL = ttl
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(s *Syncer) {
		s.now = now
	}
}

// New creates a Syncer over the given transport and cache.
func New(transport Transport, c Cache, opts ...Option) *Syncer {
	s := &Syncer{
		transport:  transport,
		cache:      c,
		uploads:    newKeyedLocks(),
		logger:     slog.Default(),
		now:        time.Now,
		resolveTTL: DefaultResolveTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.flight = &flight{logger: s.logger}
	s.memo = newResolveMemo(s.resolveTTL, s.now)
	return s
}

// Download ensures a valid local copy of the referenced artifact and
// returns its payload directory. An unpinned reference is resolved to the
// current latest version first; the resolution is memoized briefly but the
// on-disk cache is only ever trusted for concrete versions.
func (s *Syncer) Download(ctx context.Context, ref robosync.ArtifactRef) (string, error) {
	start := s.now()

	var meta *robosync.ArtifactMetadata
	if !ref.Pinned() {
		m, err := s.resolveLatest(ctx, ref)
		if err != nil {
			s.record(ctx, "download", start, err)
			return "", err
		}
		meta = m
		ref = m.Ref()
	}

	// Fast path: a trustworthy cached copy of the concrete version.
	if entry, err := s.cache.Lookup(ctx, ref); err == nil {
		if meta == nil || entry.Fingerprint == meta.Fingerprint {
			s.logger.Debug("cache hit", "ref", ref.String(), "path", entry.Path)
			s.metrics.AddCacheLookup(ctx, true)
			s.record(ctx, "download", start, nil)
			return entry.Path, nil
		}
		// Same version, different fingerprint upstream: the entry is
		// stale and will be replaced by the fetch below.
		s.logger.Warn("cached fingerprint diverged from store, re-fetching",
			"ref", ref.String(),
			"cached", entry.Fingerprint.ShortString(),
			"store", meta.Fingerprint.ShortString())
	} else if !errors.Is(err, robosync.ErrNotFound) {
		s.record(ctx, "download", start, err)
		return "", err
	}
	s.metrics.AddCacheLookup(ctx, false)

	path, shared, err := s.flight.do(ctx, ref.Key(), func(fctx context.Context) (string, error) {
		return s.fetch(fctx, ref, meta)
	})
	if err != nil {
		s.record(ctx, "download", start, err)
		return "", err
	}
	if shared {
		s.logger.Debug("fetch shared with concurrent caller", "ref", ref.String())
	}
	s.record(ctx, "download", start, nil)
	return path, nil
}

// Upload packages dir deterministically, publishes it as a new version of
// ref, and stores the payload locally so the fresh version is available
// without a re-download. Uploads for the same artifact name are serialized;
// a store rejection surfaces robosync.ErrConflict with the cache unchanged.
func (s *Syncer) Upload(ctx context.Context, dir string, ref robosync.ArtifactRef) (*robosync.ArtifactMetadata, error) {
	start := s.now()

	unlock := s.uploads.lock(ref.Name)
	defer unlock()

	workDir, err := os.MkdirTemp("", "robosync-upload-*")
	if err != nil {
		return nil, fmt.Errorf("creating work directory: %w", err)
	}
	defer func() { _ = os.RemoveAll(workDir) }()

	archivePath := filepath.Join(workDir, ref.Name+".tgz")
	res, err := archive.PackFile(dir, archivePath)
	if err != nil {
		err = fmt.Errorf("packaging %s: %w", dir, err)
		s.record(ctx, "upload", start, err)
		return nil, err
	}
	s.logger.Debug("packaged artifact",
		"ref", ref.String(),
		"fingerprint", res.Fingerprint.ShortString(),
		"size", res.Size)

	meta, err := s.transport.Upload(ctx, ref, archivePath, res.Fingerprint, res.Size)
	if err != nil {
		s.record(ctx, "upload", start, err)
		return nil, err
	}
	s.metrics.AddTransferBytes(ctx, "upload", res.Size)

	if _, err := s.cache.Store(ctx, meta, archivePath); err != nil {
		// The version is published; failing to prime the local cache only
		// costs a re-download later.
		s.logger.Warn("priming cache after upload", "ref", meta.Ref().String(), "error", err)
	}
	s.memo.invalidate(ref.Name)

	s.record(ctx, "upload", start, nil)
	s.logger.Info("published artifact",
		"ref", meta.Ref().String(),
		"fingerprint", meta.Fingerprint.ShortString())
	return meta, nil
}

// Purge removes cached copies of the referenced artifact: one version for
// a pinned reference, every version otherwise.
func (s *Syncer) Purge(ctx context.Context, ref robosync.ArtifactRef) error {
	s.memo.invalidate(ref.Name)
	if err := s.cache.Evict(ctx, ref); err != nil {
		return fmt.Errorf("purging %s: %w", ref, err)
	}
	return nil
}

// List returns the entries currently held in the local cache.
func (s *Syncer) List(ctx context.Context) ([]*cache.Entry, error) {
	return s.cache.List(ctx)
}

// resolveLatest asks the store which concrete version "latest" means.
// Resolutions are memoized for a short TTL; the memo never substitutes for
// the versioned cache entry itself.
func (s *Syncer) resolveLatest(ctx context.Context, ref robosync.ArtifactRef) (*robosync.ArtifactMetadata, error) {
	if meta := s.memo.get(ref.Name); meta != nil {
		s.logger.Debug("latest resolution memoized", "name", ref.Name, "version", meta.Version)
		return meta, nil
	}

	meta, err := s.transport.FetchMetadata(ctx, ref)
	if err != nil {
		return nil, err
	}
	s.memo.set(ref.Name, meta)
	s.logger.Debug("resolved latest version", "name", ref.Name, "version", meta.Version)
	return meta, nil
}

// fetch is the single-flighted miss path: metadata (if still needed),
// payload download into a scratch area, verified store into the cache.
func (s *Syncer) fetch(ctx context.Context, ref robosync.ArtifactRef, meta *robosync.ArtifactMetadata) (string, error) {
	// A concurrent flight may have stored the entry between our lookup
	// and joining the flight.
	if entry, err := s.cache.Lookup(ctx, ref); err == nil {
		if meta == nil || entry.Fingerprint == meta.Fingerprint {
			return entry.Path, nil
		}
	} else if !errors.Is(err, robosync.ErrNotFound) {
		return "", err
	}

	if meta == nil {
		m, err := s.transport.FetchMetadata(ctx, ref)
		if err != nil {
			return "", err
		}
		meta = m
	}

	workDir, err := os.MkdirTemp("", "robosync-download-*")
	if err != nil {
		return "", fmt.Errorf("creating work directory: %w", err)
	}
	defer func() { _ = os.RemoveAll(workDir) }()

	archivePath := filepath.Join(workDir, ref.Name+".tgz")
	if err := s.transport.Download(ctx, meta, archivePath); err != nil {
		return "", err
	}
	s.metrics.AddTransferBytes(ctx, "download", meta.Size)

	entry, err := s.cache.Store(ctx, meta, archivePath)
	if err != nil {
		return "", err
	}
	return entry.Path, nil
}

func (s *Syncer) record(ctx context.Context, op string, start time.Time, err error) {
	s.metrics.RecordSync(ctx, op, err, s.now().Sub(start))
}
