package vfs

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path/filepath"

	"unionvfs/internal/logging"
	"unionvfs/internal/platform"
)

var (
	dirLogger = logging.GetLogger().WithPrefix("dir")
)

// DirectoryArchive exposes a host directory tree through the platform
// primitives.
type DirectoryArchive struct {
	io       platform.IO
	root     string
	readOnly bool
}

var _ Archive = (*DirectoryArchive)(nil)

// NewDirectoryArchive creates an archive rooted at the host directory root.
// A readOnly archive refuses every mutating call with ErrReadOnlyArchive.
func NewDirectoryArchive(pio platform.IO, root string, readOnly bool) (*DirectoryArchive, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, newError(OpMount, root, ioFailure(err))
	}
	if !pio.IsDirectory(abs) {
		return nil, newError(OpMount, root, fmt.Errorf("%w: %s", ErrNotDirectory, abs))
	}

	dirLogger.Debug("Created directory archive at %q (readOnly=%v)", abs, readOnly)
	return &DirectoryArchive{io: pio, root: abs, readOnly: readOnly}, nil
}

// Name returns the host directory backing the archive.
func (a *DirectoryArchive) Name() string {
	return a.root
}

// Capabilities implements Archive.
func (a *DirectoryArchive) Capabilities() ArchiveCapabilities {
	return ArchiveCapabilities{
		Writable: !a.readOnly,
		Symlinks: a.io.Capabilities().Symlinks,
	}
}

// NativePath returns the host path of rel.
func (a *DirectoryArchive) NativePath(rel string) string {
	return a.io.ToNative(a.root, rel)
}

// RelPath converts a host path below the archive root back into an
// archive-relative path.
func (a *DirectoryArchive) RelPath(native string) (string, bool) {
	rel, err := filepath.Rel(a.root, native)
	if err != nil {
		return "", false
	}
	rel = filepath.ToSlash(rel)
	if rel == "." {
		return "", true
	}
	if rel == ".." || len(rel) > 2 && rel[:3] == "../" {
		return "", false
	}
	return rel, true
}

// OpenRead implements Archive.
func (a *DirectoryArchive) OpenRead(rel string) (ArchiveFile, error) {
	native := a.NativePath(rel)
	if a.io.IsDirectory(native) {
		return nil, ErrIsDirectory
	}

	f, err := a.io.OpenRead(native)
	if err != nil {
		dirLogger.Debug("Open %q for reading failed: %v", native, err)
		return nil, classify(err)
	}
	return f, nil
}

// OpenWrite implements Archive.
func (a *DirectoryArchive) OpenWrite(rel string, appending bool) (ArchiveFile, error) {
	if a.readOnly {
		return nil, ErrReadOnlyArchive
	}

	native := a.NativePath(rel)
	if a.io.IsDirectory(native) {
		return nil, ErrIsDirectory
	}

	var (
		f   *platform.File
		err error
	)
	if appending {
		f, err = a.io.OpenAppend(native)
	} else {
		f, err = a.io.OpenWrite(native)
	}
	if err != nil {
		dirLogger.Warn("Open %q for writing failed: %v", native, err)
		return nil, classify(err)
	}
	return f, nil
}

// Stat implements Archive.
func (a *DirectoryArchive) Stat(rel string) (Stat, error) {
	native := a.NativePath(rel)
	info, err := a.io.Stat(native)
	if err != nil {
		return Stat{}, classify(err)
	}

	st := Stat{
		Name:     info.Name(),
		Size:     info.Size(),
		ModTime:  info.ModTime(),
		ReadOnly: a.readOnly,
	}
	if rel == "" {
		st.Name = ""
	}
	switch {
	case info.Mode()&fs.ModeSymlink != 0:
		st.Kind = KindSymlink
	case info.IsDir():
		st.Kind = KindDirectory
		st.Size = 0
	default:
		st.Kind = KindFile
	}
	return st, nil
}

// Enumerate implements Archive. Entries are produced lazily in host order.
func (a *DirectoryArchive) Enumerate(rel string, omitSymlinks bool) (DirIterator, error) {
	native := a.NativePath(rel)
	if !a.io.IsDirectory(native) {
		if a.io.Exists(native) {
			return nil, ErrNotDirectory
		}
		return nil, ErrNotFound
	}

	reader, err := a.io.ReadDir(native)
	if err != nil {
		return nil, classify(err)
	}
	return &dirIterator{reader: reader, omitSymlinks: omitSymlinks && a.io.Capabilities().Symlinks}, nil
}

type dirIterator struct {
	reader       *platform.DirReader
	omitSymlinks bool
}

func (it *dirIterator) Next() (DirEntry, error) {
	for {
		entry, err := it.reader.Next()
		if errors.Is(err, io.EOF) {
			return DirEntry{}, io.EOF
		}
		if err != nil {
			return DirEntry{}, classify(err)
		}

		kind := KindFile
		switch {
		case entry.Type()&fs.ModeSymlink != 0:
			if it.omitSymlinks {
				continue
			}
			kind = KindSymlink
		case entry.IsDir():
			kind = KindDirectory
		}
		return DirEntry{Name: entry.Name(), Kind: kind}, nil
	}
}

func (it *dirIterator) Close() error {
	return it.reader.Close()
}

// Remove implements Archive. Directories must be empty.
func (a *DirectoryArchive) Remove(rel string) error {
	if a.readOnly {
		return ErrReadOnlyArchive
	}
	if rel == "" {
		return ErrInvalidPath
	}
	if err := a.io.Delete(a.NativePath(rel)); err != nil {
		return classify(err)
	}
	return nil
}

// Mkdir implements Archive. It creates a single directory.
func (a *DirectoryArchive) Mkdir(rel string) error {
	if a.readOnly {
		return ErrReadOnlyArchive
	}
	if err := a.io.Mkdir(a.NativePath(rel)); err != nil {
		return classify(err)
	}
	return nil
}

// Close implements Archive. Files opened from the archive stay usable.
func (a *DirectoryArchive) Close() error {
	dirLogger.Debug("Released directory archive %q", a.root)
	return nil
}
