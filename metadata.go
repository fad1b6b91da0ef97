package robosync

import "time"

// ArtifactMetadata describes one concrete artifact version as reported by
// the store. It is obtained fresh on every resolution that cannot be
// satisfied from cache; only the fingerprint survives into a cache entry.
type ArtifactMetadata struct {
	// Name is the store-assigned artifact identifier.
	Name string

	// Version is the concrete resolved version, never empty.
	Version string

	// Fingerprint is the BLAKE3 digest of the packaged payload.
	Fingerprint Fingerprint

	// Size is the declared payload size in bytes.
	Size int64

	// DownloadURL is a time-limited presigned URL for the payload. It is
	// only meaningful for the duration of a single sync operation.
	DownloadURL string

	// ExpiresAt is when the download URL stops working. Zero when the
	// store did not report an expiry.
	ExpiresAt time.Time
}

// Ref returns the pinned reference for this metadata.
func (m *ArtifactMetadata) Ref() ArtifactRef {
	return ArtifactRef{Name: m.Name, Version: m.Version}
}
