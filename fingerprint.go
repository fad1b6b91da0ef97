// Package robosync provides the core types for synchronizing robot
// description artifacts between a remote artifact store and a local
// on-disk cache.
package robosync

import (
	"encoding/hex"
	"fmt"
	"io"

	"github.com/zeebo/blake3"
)

// FingerprintSize is the size of a BLAKE3 fingerprint in bytes (256 bits).
const FingerprintSize = 32

// Fingerprint is a BLAKE3 256-bit digest of a packaged artifact payload.
// It is computed over the compressed archive bytes, so identical payloads
// always carry identical fingerprints.
type Fingerprint [FingerprintSize]byte

// String returns the hex-encoded representation of the fingerprint.
func (f Fingerprint) String() string {
	return hex.EncodeToString(f[:])
}

// ShortString returns a shortened hex representation for display.
func (f Fingerprint) ShortString() string {
	return hex.EncodeToString(f[:8])
}

// IsZero returns true if the fingerprint is all zeros (uninitialized).
func (f Fingerprint) IsZero() bool {
	return f == Fingerprint{}
}

// MarshalText implements encoding.TextMarshaler.
func (f Fingerprint) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (f *Fingerprint) UnmarshalText(text []byte) error {
	if len(text) != FingerprintSize*2 {
		return fmt.Errorf("invalid fingerprint length: expected %d hex chars, got %d", FingerprintSize*2, len(text))
	}
	_, err := hex.Decode(f[:], text)
	return err
}

// ParseFingerprint parses a hex-encoded fingerprint string.
func ParseFingerprint(s string) (Fingerprint, error) {
	var f Fingerprint
	if err := f.UnmarshalText([]byte(s)); err != nil {
		return Fingerprint{}, err
	}
	return f, nil
}

// FingerprintBytes computes the BLAKE3 fingerprint of the given bytes.
func FingerprintBytes(data []byte) Fingerprint {
	return Fingerprint(blake3.Sum256(data))
}

// FingerprintReader computes the BLAKE3 fingerprint of content from the
// reader. It returns the fingerprint and the number of bytes read.
func FingerprintReader(r io.Reader) (Fingerprint, int64, error) {
	h := blake3.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return Fingerprint{}, n, fmt.Errorf("hashing content: %w", err)
	}
	var f Fingerprint
	h.Sum(f[:0])
	return f, n, nil
}

// HashingReader wraps a reader and computes the fingerprint as data is read.
type HashingReader struct {
	r io.Reader
	h *blake3.Hasher
	n int64
}

// NewHashingReader creates a reader that computes a fingerprint as data is read.
func NewHashingReader(r io.Reader) *HashingReader {
	return &HashingReader{
		r: r,
		h: blake3.New(),
	}
}

// Read implements io.Reader.
func (hr *HashingReader) Read(p []byte) (int, error) {
	n, err := hr.r.Read(p)
	if n > 0 {
		_, _ = hr.h.Write(p[:n]) // blake3 Write never fails
		hr.n += int64(n)
	}
	return n, err
}

// Sum returns the fingerprint of all bytes read so far.
func (hr *HashingReader) Sum() Fingerprint {
	var f Fingerprint
	hr.h.Sum(f[:0])
	return f
}

// BytesRead returns the number of bytes read so far.
func (hr *HashingReader) BytesRead() int64 {
	return hr.n
}

// HashingWriter wraps a writer and computes the fingerprint as data is written.
type HashingWriter struct {
	w io.Writer
	h *blake3.Hasher
	n int64
}

// NewHashingWriter creates a writer that computes a fingerprint as data is written.
func NewHashingWriter(w io.Writer) *HashingWriter {
	return &HashingWriter{
		w: w,
		h: blake3.New(),
	}
}

// Write implements io.Writer.
func (hw *HashingWriter) Write(p []byte) (int, error) {
	n, err := hw.w.Write(p)
	if n > 0 {
		_, _ = hw.h.Write(p[:n])
		hw.n += int64(n)
	}
	return n, err
}

// Sum returns the fingerprint of all bytes written so far.
func (hw *HashingWriter) Sum() Fingerprint {
	var f Fingerprint
	hw.h.Sum(f[:0])
	return f
}

// BytesWritten returns the number of bytes written so far.
func (hw *HashingWriter) BytesWritten() int64 {
	return hw.n
}
