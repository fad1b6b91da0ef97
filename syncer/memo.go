package syncer

import (
	"sync"
	"time"

	robosync "github.com/wolfeidau/robosync"
)

// DefaultResolveTTL is how long a "latest" resolution is trusted before
// the store is asked again.
const DefaultResolveTTL = 5 * time.Minute

// resolveMemo is a small TTL cache of latest-version resolutions, keyed by
// artifact name. It is a performance layer only; the on-disk cache entry
// remains the source of truth, and pinned references never consult it.
type resolveMemo struct {
	mu      sync.RWMutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]*memoEntry
}

type memoEntry struct {
	meta      *robosync.ArtifactMetadata
	expiresAt time.Time
}

func newResolveMemo(ttl time.Duration, now func() time.Time) *resolveMemo {
	return &resolveMemo{
		ttl:     ttl,
		now:     now,
		entries: make(map[string]*memoEntry),
	}
}

// get returns unexpired resolution metadata for the name, or nil.
func (m *resolveMemo) get(name string) *robosync.ArtifactMetadata {
	if m.ttl <= 0 {
		return nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if e, ok := m.entries[name]; ok && m.now().Before(e.expiresAt) {
		return e.meta
	}
	return nil
}

func (m *resolveMemo) set(name string, meta *robosync.ArtifactMetadata) {
	if m.ttl <= 0 {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	expiresAt := m.now().Add(m.ttl)
	// The presigned download URL may lapse before the memo does; cap the
	// memo at the URL's lifetime so a memoized hit never hands out a dead
	// URL.
	if !meta.ExpiresAt.IsZero() && meta.ExpiresAt.Before(expiresAt) {
		expiresAt = meta.ExpiresAt
	}
	m.entries[name] = &memoEntry{meta: meta, expiresAt: expiresAt}
}

// invalidate drops the memoized resolution for the name.
func (m *resolveMemo) invalidate(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, name)
}
