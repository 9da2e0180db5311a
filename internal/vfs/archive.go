package vfs

import (
	"io"
	"time"
)

// EntryKind is the type of a directory entry.
type EntryKind int

const (
	KindFile EntryKind = iota
	KindDirectory
	KindSymlink
)

func (k EntryKind) String() string {
	switch k {
	case KindDirectory:
		return "directory"
	case KindSymlink:
		return "symlink"
	default:
		return "file"
	}
}

// DirEntry is a single name produced while enumerating a directory.
type DirEntry struct {
	Name string
	Kind EntryKind
}

// Stat describes an existing path.
type Stat struct {
	Name     string
	Kind     EntryKind
	Size     int64
	ModTime  time.Time
	ReadOnly bool
}

// IsDir reports whether the path is a directory.
func (s Stat) IsDir() bool { return s.Kind == KindDirectory }

// IsSymlink reports whether the path is a symbolic link.
func (s Stat) IsSymlink() bool { return s.Kind == KindSymlink }

// ArchiveCapabilities describes what an archive supports.
type ArchiveCapabilities struct {
	// Writable archives accept OpenWrite, Mkdir and Remove.
	Writable bool
	// Symlinks reports whether the archive can tell symlinks apart from
	// other entries.
	Symlinks bool
}

// ArchiveFile is an open file inside an archive. It is owned by exactly one
// File.
type ArchiveFile interface {
	io.Reader
	io.Writer
	io.Seeker
	Tell() (int64, error)
	Length() (int64, error)
	Flush() error
	Close() error
}

// DirIterator walks a directory once. Next returns io.EOF when the
// directory is exhausted.
type DirIterator interface {
	Next() (DirEntry, error)
	Close() error
}

// Archive is a backing store mounted into the namespace. All paths are
// archive-relative: forward-slash separated without a leading separator,
// with "" naming the archive root.
//
// Implementations report missing paths with errors matching ErrNotFound and
// keep the platform error text of every other failure.
type Archive interface {
	Name() string
	Capabilities() ArchiveCapabilities

	OpenRead(rel string) (ArchiveFile, error)
	OpenWrite(rel string, appending bool) (ArchiveFile, error)
	Stat(rel string) (Stat, error)
	Enumerate(rel string, omitSymlinks bool) (DirIterator, error)
	Remove(rel string) error
	Mkdir(rel string) error

	Close() error
}

// sliceIterator serves entries that are already in memory.
type sliceIterator struct {
	entries []DirEntry
}

func (it *sliceIterator) Next() (DirEntry, error) {
	if len(it.entries) == 0 {
		return DirEntry{}, io.EOF
	}
	entry := it.entries[0]
	it.entries = it.entries[1:]
	return entry, nil
}

func (it *sliceIterator) Close() error {
	it.entries = nil
	return nil
}
