package workspace

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/klauspost/compress/gzip"
)

// Size limits applied while unpacking an archive into memory
var (
	maxArchiveEntrySize int64 = 64 << 20
	maxArchiveSize      int64 = 512 << 20
)

// LoadArchive unpacks a .tar.gz workspace snapshot into memory
func LoadArchive(name string) (billy.Filesystem, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()
	return ReadArchive(f)
}

// ReadArchive unpacks a gzip compressed tar stream into an in-memory
// filesystem. Only regular files are kept; entries escaping the archive
// root are rejected.
func ReadArchive(r io.Reader) (billy.Filesystem, error) {
	zr, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read archive: %w", err)
	}
	defer func() {
		_ = zr.Close()
	}()

	fs := memfs.New()
	tr := tar.NewReader(zr)
	var total int64
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return fs, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read archive: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}

		name := path.Clean(strings.TrimPrefix(hdr.Name, "/"))
		if name == "." || name == ".." || strings.HasPrefix(name, "../") {
			return nil, fmt.Errorf("archive entry %q escapes the workspace", hdr.Name)
		}
		if hdr.Size > maxArchiveEntrySize {
			return nil, fmt.Errorf("archive entry %s is %d bytes, limit is %d", name, hdr.Size, maxArchiveEntrySize)
		}
		data, err := io.ReadAll(io.LimitReader(tr, maxArchiveEntrySize+1))
		if err != nil {
			return nil, fmt.Errorf("failed to read %s from archive: %w", name, err)
		}
		if int64(len(data)) > maxArchiveEntrySize {
			return nil, fmt.Errorf("archive entry %s exceeds %d bytes", name, maxArchiveEntrySize)
		}
		total += int64(len(data))
		if total > maxArchiveSize {
			return nil, fmt.Errorf("archive exceeds %d bytes", maxArchiveSize)
		}
		if err := util.WriteFile(fs, name, data, 0o644); err != nil {
			return nil, fmt.Errorf("failed to unpack %s: %w", name, err)
		}
	}
}
