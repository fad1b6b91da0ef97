package robosync

import (
	"fmt"
	"strings"
)

// ArtifactRef identifies an artifact in the remote store, optionally pinned
// to a concrete version. An unpinned ref (empty Version) means "latest" and
// is always resolved through the store before any cache access.
type ArtifactRef struct {
	Name    string
	Version string
}

// NewRef creates an unpinned reference for the given artifact name.
func NewRef(name string) ArtifactRef {
	return ArtifactRef{Name: name}
}

// ParseRef parses a reference string in the form "name" or "name@version".
// Names and versions are restricted to a filesystem-safe character set
// because they become cache directory components.
func ParseRef(s string) (ArtifactRef, error) {
	if s == "" {
		return ArtifactRef{}, fmt.Errorf("empty artifact ref")
	}

	name, version, pinned := strings.Cut(s, "@")
	if err := validateComponent(name); err != nil {
		return ArtifactRef{}, fmt.Errorf("invalid artifact name %q: %w", name, err)
	}
	if pinned {
		if err := validateComponent(version); err != nil {
			return ArtifactRef{}, fmt.Errorf("invalid artifact version %q: %w", version, err)
		}
	}

	return ArtifactRef{Name: name, Version: version}, nil
}

// Pinned reports whether the reference names a concrete version.
func (r ArtifactRef) Pinned() bool {
	return r.Version != ""
}

// WithVersion returns a copy of the reference pinned to the given version.
func (r ArtifactRef) WithVersion(version string) ArtifactRef {
	return ArtifactRef{Name: r.Name, Version: version}
}

// Key returns the canonical cache key "name@version". Only pinned
// references have a cache key; "latest" is never a key in its own right.
func (r ArtifactRef) Key() string {
	return r.Name + "@" + r.Version
}

// String returns "name@version" for pinned refs and "name" otherwise.
func (r ArtifactRef) String() string {
	if !r.Pinned() {
		return r.Name
	}
	return r.Key()
}

// validateComponent checks that a ref component is non-empty and contains
// only characters that are safe as a single path element.
func validateComponent(s string) error {
	if s == "" {
		return fmt.Errorf("empty component")
	}
	if s == "." || s == ".." {
		return fmt.Errorf("reserved path element")
	}
	for _, c := range s {
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '_' || c == '.':
		default:
			return fmt.Errorf("illegal character %q", c)
		}
	}
	return nil
}
