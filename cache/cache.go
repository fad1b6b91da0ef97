// Package cache maintains the local on-disk copies of artifact payloads.
// Each (name, version) pair maps to one unpacked directory; a bbolt index
// records the fingerprint and a cheap directory state so lookups can detect
// tampering without re-hashing. All mutation goes through the staged
// unpack-verify-promote path, so a crash mid-write never leaves a corrupted
// entry visible.
package cache

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	robosync "github.com/wolfeidau/robosync"
	"github.com/wolfeidau/robosync/archive"
)

const (
	indexFile   = "index.db"
	stagingDir  = "staging"
	artifactDir = "artifacts"
)

// Entry records one cached artifact version. The fingerprint is the digest
// of the packaged payload the directory was unpacked from; if the directory
// no longer matches the recorded state the entry is untrustworthy and is
// treated as absent.
type Entry struct {
	Name          string               `json:"name"`
	Version       string               `json:"version"`
	Fingerprint   robosync.Fingerprint `json:"fingerprint"`
	Path          string               `json:"path"`
	Size          int64                `json:"size"`
	FileCount     int                  `json:"file_count"`
	PayloadBytes  int64                `json:"payload_bytes"`
	CachedAt      time.Time            `json:"cached_at"`
	LastValidated time.Time            `json:"last_validated"`
}

// Ref returns the pinned reference for this entry.
func (e *Entry) Ref() robosync.ArtifactRef {
	return robosync.ArtifactRef{Name: e.Name, Version: e.Version}
}

// Key returns the index key "name@version".
func (e *Entry) Key() string {
	return e.Ref().Key()
}

// Cache is the on-disk artifact cache. It is safe for concurrent use; the
// caller (the synchronizer) is responsible for serializing operations on
// the same key, the cache only guarantees that promotion and eviction are
// atomic with respect to lookups.
type Cache struct {
	root   string
	idx    *index
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets the logger for the cache.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		c.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// New opens the cache rooted at the given directory, creating it if
// needed. Stale staging directories from interrupted runs are removed.
func New(root string, opts ...Option) (*Cache, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving cache root: %w", err)
	}
	for _, dir := range []string{absRoot, filepath.Join(absRoot, stagingDir), filepath.Join(absRoot, artifactDir)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating cache directory %s: %w", dir, err)
		}
	}

	c := &Cache{
		root:   absRoot,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}

	c.sweepStaging()

	idx, err := openIndex(filepath.Join(absRoot, indexFile))
	if err != nil {
		return nil, err
	}
	c.idx = idx
	return c, nil
}

// Root returns the cache root directory.
func (c *Cache) Root() string {
	return c.root
}

// Close releases the cache index.
func (c *Cache) Close() error {
	return c.idx.close()
}

// Lookup returns the entry for a pinned reference if one exists and the
// payload directory still matches the recorded state. A missing or
// untrustworthy entry surfaces robosync.ErrNotFound; untrustworthy entries
// are evicted so the next sync re-fetches.
func (c *Cache) Lookup(ctx context.Context, ref robosync.ArtifactRef) (*Entry, error) {
	if !ref.Pinned() {
		return nil, fmt.Errorf("lookup requires a pinned reference, got %q", ref)
	}

	entry, err := c.idx.get(ref.Key())
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, fmt.Errorf("no cache entry for %s: %w", ref, robosync.ErrNotFound)
	}

	if err := c.verifyDirState(entry); err != nil {
		c.logger.Warn("cache entry no longer matches recorded state, evicting",
			"ref", ref.String(), "error", err)
		if everr := c.Evict(ctx, ref); everr != nil {
			c.logger.Warn("evicting untrustworthy entry", "ref", ref.String(), "error", everr)
		}
		return nil, fmt.Errorf("cache entry for %s is untrustworthy: %w", ref, robosync.ErrNotFound)
	}

	entry.LastValidated = c.now()
	if err := c.idx.put(entry); err != nil {
		c.logger.Warn("recording validation time", "ref", ref.String(), "error", err)
	}
	return entry, nil
}

// Store unpacks the packaged payload at archivePath into a staging
// directory, verifies it against the metadata's fingerprint and size, and
// atomically replaces any existing entry for that (name, version). A
// verification failure surfaces robosync.ErrIntegrity and leaves any
// existing entry untouched.
func (c *Cache) Store(ctx context.Context, meta *robosync.ArtifactMetadata, archivePath string) (*Entry, error) {
	staging := filepath.Join(c.root, stagingDir, uuid.NewString())
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return nil, fmt.Errorf("creating staging directory: %w", err)
	}

	success := false
	defer func() {
		if !success {
			_ = os.RemoveAll(staging)
		}
	}()

	if err := c.unpackVerified(meta, archivePath, staging); err != nil {
		return nil, err
	}

	files, bytes, err := dirState(staging)
	if err != nil {
		return nil, fmt.Errorf("recording directory state: %w", err)
	}

	final := filepath.Join(c.root, artifactDir, meta.Name, meta.Version)
	if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
		return nil, fmt.Errorf("creating artifact directory: %w", err)
	}
	if err := c.promote(staging, final); err != nil {
		return nil, err
	}
	success = true

	now := c.now()
	entry := &Entry{
		Name:          meta.Name,
		Version:       meta.Version,
		Fingerprint:   meta.Fingerprint,
		Path:          final,
		Size:          meta.Size,
		FileCount:     files,
		PayloadBytes:  bytes,
		CachedAt:      now,
		LastValidated: now,
	}
	if err := c.idx.put(entry); err != nil {
		return nil, fmt.Errorf("indexing entry for %s: %w", entry.Ref(), err)
	}

	c.logger.Debug("stored cache entry",
		"ref", entry.Ref().String(),
		"fingerprint", entry.Fingerprint.ShortString(),
		"files", files)
	return entry, nil
}

// Evict removes an entry and its directory. For an unpinned reference,
// every cached version of the artifact is removed. Evicting something that
// is not cached is not an error.
func (c *Cache) Evict(ctx context.Context, ref robosync.ArtifactRef) error {
	var entries []*Entry

	if ref.Pinned() {
		entry, err := c.idx.get(ref.Key())
		if err != nil {
			return err
		}
		if entry != nil {
			if err := c.idx.delete(ref.Key()); err != nil {
				return fmt.Errorf("deleting entry for %s: %w", ref, err)
			}
			entries = append(entries, entry)
		}
	} else {
		removed, err := c.idx.deleteByName(ref.Name)
		if err != nil {
			return fmt.Errorf("deleting entries for %s: %w", ref.Name, err)
		}
		entries = removed
	}

	for _, entry := range entries {
		if err := os.RemoveAll(entry.Path); err != nil {
			return fmt.Errorf("removing payload directory for %s: %w", entry.Ref(), err)
		}
	}
	// Drop the per-artifact parent when the last version is gone; ignore
	// failures, it is only tidiness.
	_ = os.Remove(filepath.Join(c.root, artifactDir, ref.Name))
	return nil
}

// List returns all cached entries in index order.
func (c *Cache) List(ctx context.Context) ([]*Entry, error) {
	return c.idx.list()
}

// unpackVerified unpacks the archive into staging while hashing the
// compressed stream, and rejects the result when it does not match the
// declared fingerprint or size.
func (c *Cache) unpackVerified(meta *robosync.ArtifactMetadata, archivePath, staging string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("opening archive: %w", err)
	}
	defer func() { _ = f.Close() }()

	hr := robosync.NewHashingReader(f)
	if err := archive.Unpack(hr, staging); err != nil {
		return fmt.Errorf("unpacking payload for %s: %w", meta.Ref(), err)
	}
	// The gzip stream may end before the file does; drain so the
	// fingerprint covers every byte.
	if _, err := io.Copy(io.Discard, hr); err != nil {
		return fmt.Errorf("draining archive: %w", err)
	}

	if hr.BytesRead() != meta.Size {
		return fmt.Errorf("payload for %s is %d bytes, metadata declared %d: %w",
			meta.Ref(), hr.BytesRead(), meta.Size, robosync.ErrIntegrity)
	}
	if got := hr.Sum(); got != meta.Fingerprint {
		return fmt.Errorf("payload for %s has fingerprint %s, metadata declared %s: %w",
			meta.Ref(), got.ShortString(), meta.Fingerprint.ShortString(), robosync.ErrIntegrity)
	}
	return nil
}

// promote atomically replaces final with staging. An existing directory is
// moved aside first, then removed once the new one is in place.
func (c *Cache) promote(staging, final string) error {
	old := ""
	if _, err := os.Stat(final); err == nil {
		old = filepath.Join(c.root, stagingDir, uuid.NewString()+".old")
		if err := os.Rename(final, old); err != nil {
			return fmt.Errorf("moving previous entry aside: %w", err)
		}
	}

	if err := os.Rename(staging, final); err != nil {
		if old != "" {
			// Best effort restore of the previous entry.
			if rerr := os.Rename(old, final); rerr != nil {
				c.logger.Warn("restoring previous entry", "path", final, "error", rerr)
			}
		}
		return fmt.Errorf("promoting staging directory: %w", err)
	}

	if old != "" {
		if err := os.RemoveAll(old); err != nil {
			c.logger.Warn("removing previous entry", "path", old, "error", err)
		}
	}
	return nil
}

// verifyDirState re-checks the cheap directory state recorded at store
// time. It does not re-hash; staleness beyond this check is the
// synchronizer's responsibility to catch via metadata comparison.
func (c *Cache) verifyDirState(entry *Entry) error {
	info, err := os.Stat(entry.Path)
	if err != nil {
		return fmt.Errorf("stat payload directory: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("payload path %s is not a directory", entry.Path)
	}

	files, bytes, err := dirState(entry.Path)
	if err != nil {
		return err
	}
	if files != entry.FileCount || bytes != entry.PayloadBytes {
		return fmt.Errorf("directory state changed: %d files/%d bytes, recorded %d/%d",
			files, bytes, entry.FileCount, entry.PayloadBytes)
	}
	return nil
}

// sweepStaging removes leftovers from interrupted runs. Entries already
// promoted are unaffected.
func (c *Cache) sweepStaging() {
	dir := filepath.Join(c.root, stagingDir)
	items, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, item := range items {
		path := filepath.Join(dir, item.Name())
		if err := os.RemoveAll(path); err != nil {
			c.logger.Warn("removing stale staging entry", "path", path, "error", err)
		}
	}
}

// dirState walks a payload directory and returns the regular file count
// and total byte size.
func dirState(dir string) (int, int64, error) {
	files := 0
	var bytes int64
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		files++
		bytes += info.Size()
		return nil
	})
	if err != nil {
		return 0, 0, fmt.Errorf("walking %s: %w", dir, err)
	}
	return files, bytes, nil
}
