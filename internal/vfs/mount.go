package vfs

import (
	"errors"

	"unionvfs/internal/logging"
)

var (
	mountLogger = logging.GetLogger().WithPrefix("mount")
)

// MountEntry associates an archive with a logical mount point.
type MountEntry struct {
	Archive    Archive
	MountPoint string
	Writable   bool
	// Priority is the insertion sequence number; lower values are searched
	// first.
	Priority int
}

// Candidate is a mount that may hold a path, together with the path
// relative to the mount's archive.
type Candidate struct {
	Entry *MountEntry
	Rel   string
}

// MountTable is the ordered list of mounted archives. Search order is
// insertion order and the first match wins.
//
// MountTable does no locking of its own; VFS serializes mutations against
// lookups.
type MountTable struct {
	entries []*MountEntry
	nextSeq int
}

// NewMountTable creates an empty table.
func NewMountTable() *MountTable {
	return &MountTable{}
}

// Mount appends archive at mountPoint. At most one entry may be writable.
// The table is unchanged when an error is returned.
func (t *MountTable) Mount(archive Archive, mountPoint string, writable bool) error {
	point, err := Normalize(mountPoint)
	if err != nil {
		return newError(OpMount, mountPoint, ErrInvalidPath)
	}

	for _, e := range t.entries {
		if e.Archive == archive {
			mountLogger.Warn("Archive %q is already mounted at %q", archive.Name(), e.MountPoint)
			return newError(OpMount, point, ErrAlreadyExists)
		}
		if writable && e.Writable {
			mountLogger.Warn("Cannot mount %q writable at %q: %q is already writable at %q",
				archive.Name(), point, e.Archive.Name(), e.MountPoint)
			return newError(OpMount, point, ErrMountConflict)
		}
	}

	if writable && !archive.Capabilities().Writable {
		return newError(OpMount, point, ErrReadOnlyArchive)
	}

	t.entries = append(t.entries, &MountEntry{
		Archive:    archive,
		MountPoint: point,
		Writable:   writable,
		Priority:   t.nextSeq,
	})
	t.nextSeq++

	mountLogger.Info("Mounted %q at %q (writable=%v)", archive.Name(), point, writable)
	return nil
}

// Unmount removes archive from the table and releases it. Files already
// opened from the archive stay valid until they are closed.
func (t *MountTable) Unmount(archive Archive) error {
	for i, e := range t.entries {
		if e.Archive != archive {
			continue
		}

		t.entries = append(t.entries[:i:i], t.entries[i+1:]...)
		mountLogger.Info("Unmounted %q from %q", archive.Name(), e.MountPoint)
		if err := archive.Close(); err != nil {
			mountLogger.Warn("Releasing %q failed: %v", archive.Name(), err)
		}
		return nil
	}

	return newError(OpUnmount, archive.Name(), ErrNotMounted)
}

// Resolve returns every mount whose mount point contains path, in search
// order. path must be normalized.
func (t *MountTable) Resolve(path string) []Candidate {
	var candidates []Candidate
	for _, e := range t.entries {
		if rel, ok := Rel(e.MountPoint, path); ok {
			candidates = append(candidates, Candidate{Entry: e, Rel: rel})
		}
	}
	return candidates
}

// Writable returns the writable mount, if any.
func (t *MountTable) Writable() (*MountEntry, bool) {
	for _, e := range t.entries {
		if e.Writable {
			return e, true
		}
	}
	return nil, false
}

// Lookup returns the entry for archive.
func (t *MountTable) Lookup(archive Archive) (*MountEntry, bool) {
	for _, e := range t.entries {
		if e.Archive == archive {
			return e, true
		}
	}
	return nil, false
}

// Children returns, in search order and without duplicates, the first path
// component of every mount point located strictly below path. These show up
// as directories even when no archive contains them.
func (t *MountTable) Children(path string) []string {
	var names []string
	seen := make(map[string]struct{})
	for _, e := range t.entries {
		name, ok := childOf(path, e.MountPoint)
		if !ok {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}
	return names
}

// HasMountBelow reports whether a mount point lies strictly below path.
func (t *MountTable) HasMountBelow(path string) bool {
	for _, e := range t.entries {
		if _, ok := childOf(path, e.MountPoint); ok {
			return true
		}
	}
	return false
}

// Entries returns a copy of the table in search order.
func (t *MountTable) Entries() []MountEntry {
	entries := make([]MountEntry, 0, len(t.entries))
	for _, e := range t.entries {
		entries = append(entries, *e)
	}
	return entries
}

// Len returns the number of mounted archives.
func (t *MountTable) Len() int {
	return len(t.entries)
}

// Close releases every archive and empties the table.
func (t *MountTable) Close() error {
	var errs []error
	for _, e := range t.entries {
		if err := e.Archive.Close(); err != nil {
			errs = append(errs, newError(OpUnmount, e.MountPoint, err))
		}
	}
	t.entries = nil
	return errors.Join(errs...)
}
