// Package archive packages artifact directories as deterministic gzipped
// tarballs. Packing the same directory tree twice yields byte-identical
// output, so payload fingerprints are stable across machines and runs.
package archive

import (
	"archive/tar"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"

	robosync "github.com/wolfeidau/robosync"
)

const (
	// MaxEntries is the maximum number of members accepted when unpacking.
	MaxEntries = 65536

	// MaxEntrySize is the maximum decompressed size of a single member,
	// a hard cap to prevent decompression bombs.
	MaxEntrySize = 1 << 31 // 2GB
)

// epoch is the fixed modification time stamped on every archive member.
var epoch = time.Unix(0, 0)

// Result describes a packed archive.
type Result struct {
	Fingerprint robosync.Fingerprint
	Size        int64
}

// Pack writes the directory tree rooted at dir to w as a gzipped tarball
// with stable member ordering, zeroed timestamps, and normalized ownership
// and permissions. It returns the fingerprint and size of the compressed
// stream. Only regular files and directories are packaged; any other entry
// type is an error.
func Pack(dir string, w io.Writer) (*Result, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("stat source directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("source %s is not a directory", dir)
	}

	hw := robosync.NewHashingWriter(w)

	gz, err := gzip.NewWriterLevel(hw, gzip.BestCompression)
	if err != nil {
		return nil, fmt.Errorf("creating gzip writer: %w", err)
	}
	tw := tar.NewWriter(gz)

	// WalkDir visits entries in lexical order, which gives the stable
	// member ordering the fingerprint depends on.
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == dir {
			return nil
		}

		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return fmt.Errorf("relativizing %s: %w", path, err)
		}
		name := filepath.ToSlash(rel)

		fi, err := d.Info()
		if err != nil {
			return fmt.Errorf("stat %s: %w", path, err)
		}

		switch {
		case fi.IsDir():
			hdr := &tar.Header{
				Typeflag: tar.TypeDir,
				Name:     name + "/",
				Mode:     0o755,
				ModTime:  epoch,
				Format:   tar.FormatUSTAR,
			}
			if err := tw.WriteHeader(hdr); err != nil {
				return fmt.Errorf("writing header for %s: %w", name, err)
			}
			return nil
		case fi.Mode().IsRegular():
			mode := int64(0o644)
			if fi.Mode()&0o111 != 0 {
				mode = 0o755
			}
			hdr := &tar.Header{
				Typeflag: tar.TypeReg,
				Name:     name,
				Mode:     mode,
				Size:     fi.Size(),
				ModTime:  epoch,
				Format:   tar.FormatUSTAR,
			}
			if err := tw.WriteHeader(hdr); err != nil {
				return fmt.Errorf("writing header for %s: %w", name, err)
			}
			f, err := os.Open(path)
			if err != nil {
				return fmt.Errorf("opening %s: %w", path, err)
			}
			defer func() { _ = f.Close() }()
			if _, err := io.Copy(tw, f); err != nil {
				return fmt.Errorf("copying %s: %w", path, err)
			}
			return nil
		default:
			return fmt.Errorf("unsupported entry type %s for %s", fi.Mode().Type(), name)
		}
	})
	if err != nil {
		return nil, err
	}

	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("closing tar writer: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("closing gzip writer: %w", err)
	}

	return &Result{Fingerprint: hw.Sum(), Size: hw.BytesWritten()}, nil
}

// PackFile packs dir into a new file at dest.
func PackFile(dir, dest string) (*Result, error) {
	f, err := os.Create(dest)
	if err != nil {
		return nil, fmt.Errorf("creating archive file: %w", err)
	}
	res, err := Pack(dir, f)
	if cerr := f.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("closing archive file: %w", cerr)
	}
	if err != nil {
		_ = os.Remove(dest)
		return nil, err
	}
	return res, nil
}

// Unpack extracts a gzipped tarball from r into dir, which must already
// exist. Member names are sanitized so a hostile archive cannot write
// outside dir; anything other than regular files and directories is
// rejected.
func Unpack(r io.Reader, dir string) error {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return fmt.Errorf("opening gzip stream: %w", err)
	}
	defer func() { _ = gz.Close() }()

	tr := tar.NewReader(gz)
	entries := 0

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading tar stream: %w", err)
		}

		entries++
		if entries > MaxEntries {
			return fmt.Errorf("archive has more than %d entries", MaxEntries)
		}

		target, err := sanitizePath(dir, hdr.Name)
		if err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("creating directory %s: %w", hdr.Name, err)
			}
		case tar.TypeReg:
			if hdr.Size > MaxEntrySize {
				return fmt.Errorf("entry %s exceeds maximum size", hdr.Name)
			}
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return fmt.Errorf("creating parent directory for %s: %w", hdr.Name, err)
			}
			if err := writeEntry(target, tr, hdr); err != nil {
				return err
			}
		default:
			return fmt.Errorf("unsupported entry type %q for %s", hdr.Typeflag, hdr.Name)
		}
	}
}

func writeEntry(target string, tr *tar.Reader, hdr *tar.Header) error {
	mode := os.FileMode(0o644)
	if hdr.Mode&0o111 != 0 {
		mode = 0o755
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return fmt.Errorf("creating file %s: %w", hdr.Name, err)
	}
	// LimitReader guards against a stream longer than the declared size.
	_, err = io.Copy(f, io.LimitReader(tr, MaxEntrySize))
	if cerr := f.Close(); err == nil && cerr != nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("writing file %s: %w", hdr.Name, err)
	}
	return nil
}

// sanitizePath resolves a tar member name below dir, rejecting absolute
// paths and any traversal outside the extraction root.
func sanitizePath(dir, name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("empty entry name")
	}
	clean := filepath.Clean(filepath.FromSlash(name))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(os.PathSeparator)) {
		return "", fmt.Errorf("entry %q escapes extraction root", name)
	}
	return filepath.Join(dir, clean), nil
}
