package vfs

import (
	"errors"
	"io"
	"io/fs"
	"strings"
	"sync"

	"unionvfs/internal/logging"
	"unionvfs/internal/platform"
)

var (
	vfsLogger = logging.GetLogger().WithPrefix("vfs")
)

// VFS is the virtual filesystem core. It resolves logical paths against an
// ordered set of mounted archives: reads are served by the first mount that
// has the path, mutations go to the single writable mount.
//
// All methods are safe for concurrent use. Mount, Unmount and Shutdown are
// exclusive; everything else runs in parallel under a shared lock.
//
// Symbolic links inside mounts are not followed unless PermitSymlinks is
// enabled. While they are forbidden, a path with any symlink component is
// treated as absent from that mount and listings never include symlinks.
type VFS struct {
	pio            platform.IO
	mounts         *MountTable
	files          *handleArena
	closed         bool
	permitSymlinks bool
	mu             sync.RWMutex // Protects mounts, closed and permitSymlinks
}

// New creates an empty VFS. pio is used by MountDirectory and may be nil
// when only prebuilt archives are mounted.
func New(pio platform.IO) *VFS {
	vfsLogger.Debug("Creating new virtual filesystem")
	return &VFS{
		pio:    pio,
		mounts: NewMountTable(),
		files:  newHandleArena(),
	}
}

func normalizeFor(op, path string) (string, error) {
	logical, err := Normalize(path)
	if err != nil {
		vfsLogger.Debug("Rejected path %q for %s", path, op)
		return "", newError(op, path, ErrInvalidPath)
	}
	return logical, nil
}

// Mount adds archive to the end of the search order at mountPoint.
func (v *VFS) Mount(archive Archive, mountPoint string, writable bool) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return newError(OpMount, mountPoint, ErrClosed)
	}
	return v.mounts.Mount(archive, mountPoint, writable)
}

// PermitSymlinks controls whether paths may pass through symbolic links.
// A permitted link is followed wherever it points, including outside its
// mount.
func (v *VFS) PermitSymlinks(allow bool) {
	v.mu.Lock()
	defer v.mu.Unlock()

	vfsLogger.Debug("Symbolic links permitted: %v", allow)
	v.permitSymlinks = allow
}

// SymlinksPermitted reports whether paths may pass through symbolic links.
func (v *VFS) SymlinksPermitted() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()

	return v.permitSymlinks
}

// checkSymlinks returns ErrSymlinkForbidden when a directory component of
// rel is a symbolic link in archive and links are not permitted. The final
// component is checked too when final is set; callers that stat it
// themselves inspect the result instead. Components past the first missing
// one cannot be links and are not checked.
func (v *VFS) checkSymlinks(archive Archive, rel string, final bool) error {
	if v.permitSymlinks || rel == "" {
		return nil
	}

	end := len(rel)
	if !final {
		end = strings.LastIndexByte(rel, '/')
	}
	for i := 0; i <= end; i++ {
		if i < end && rel[i] != '/' {
			continue
		}
		st, err := archive.Stat(rel[:i])
		if err != nil {
			if isMiss(err) {
				return nil
			}
			return err
		}
		if st.IsSymlink() {
			vfsLogger.Debug("Refusing %q in %q: %q is a symbolic link", rel, archive.Name(), rel[:i])
			return ErrSymlinkForbidden
		}
	}
	return nil
}

// MountDirectory creates a DirectoryArchive for the host directory root and
// mounts it.
func (v *VFS) MountDirectory(root, mountPoint string, writable bool) (*DirectoryArchive, error) {
	if v.pio == nil {
		return nil, newError(OpMount, root, errors.ErrUnsupported)
	}
	archive, err := NewDirectoryArchive(v.pio, root, !writable)
	if err != nil {
		return nil, err
	}
	if err := v.Mount(archive, mountPoint, writable); err != nil {
		return nil, err
	}
	return archive, nil
}

// Unmount removes archive from the search order. Files already opened from
// it stay valid until they are closed.
func (v *VFS) Unmount(archive Archive) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return newError(OpUnmount, archive.Name(), ErrClosed)
	}
	return v.mounts.Unmount(archive)
}

// Mounts returns the mount table in search order.
func (v *VFS) Mounts() []MountEntry {
	v.mu.RLock()
	defer v.mu.RUnlock()

	return v.mounts.Entries()
}

// WritableMount returns the writable mount, if any.
func (v *VFS) WritableMount() (MountEntry, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	entry, ok := v.mounts.Writable()
	if !ok {
		return MountEntry{}, false
	}
	return *entry, true
}

// isMiss reports whether err only means "not in this archive".
func isMiss(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrNotDirectory) ||
		errors.Is(err, ErrSymlinkForbidden)
}

// OpenRead opens the first file found at path in search order.
func (v *VFS) OpenRead(path string) (*File, error) {
	logical, err := normalizeFor(OpOpen, path)
	if err != nil {
		return nil, err
	}

	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.closed {
		return nil, newError(OpOpen, logical, ErrClosed)
	}

	lastErr := ErrNotFound
	for _, c := range v.mounts.Resolve(logical) {
		err := v.checkSymlinks(c.Entry.Archive, c.Rel, true)
		var af ArchiveFile
		if err == nil {
			af, err = c.Entry.Archive.OpenRead(c.Rel)
		}
		if err == nil {
			f := v.files.register(logical, c.Entry.MountPoint, ModeRead, af)
			vfsLogger.Debug("Opened %q for reading from %q", logical, c.Entry.Archive.Name())
			return f, nil
		}
		if !isMiss(err) {
			return nil, newError(OpOpen, logical, err)
		}
		vfsLogger.Trace("%q not in %q: %v", logical, c.Entry.Archive.Name(), err)
		lastErr = err
	}

	if logical == Root || v.mounts.HasMountBelow(logical) {
		return nil, newError(OpOpen, logical, ErrIsDirectory)
	}
	return nil, newError(OpOpen, logical, lastErr)
}

// OpenWrite creates or truncates path in the writable mount.
func (v *VFS) OpenWrite(path string) (*File, error) {
	return v.openWrite(path, ModeWrite)
}

// OpenAppend opens or creates path in the writable mount, positioned at
// its end.
func (v *VFS) OpenAppend(path string) (*File, error) {
	return v.openWrite(path, ModeAppend)
}

func (v *VFS) openWrite(path string, mode OpenMode) (*File, error) {
	logical, err := normalizeFor(OpOpen, path)
	if err != nil {
		return nil, err
	}

	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.closed {
		return nil, newError(OpOpen, logical, ErrClosed)
	}

	entry, rel, err := v.writeTarget(logical)
	if err != nil {
		return nil, newError(OpOpen, logical, err)
	}
	if rel == "" {
		return nil, newError(OpOpen, logical, ErrIsDirectory)
	}
	if err := v.checkSymlinks(entry.Archive, rel, true); err != nil {
		return nil, newError(OpOpen, logical, err)
	}
	if err := ensureParents(entry.Archive, rel); err != nil {
		return nil, newError(OpOpen, logical, err)
	}

	af, err := entry.Archive.OpenWrite(rel, mode == ModeAppend)
	if err != nil {
		return nil, newError(OpOpen, logical, err)
	}

	vfsLogger.Debug("Opened %q for %s in %q", logical, mode, entry.Archive.Name())
	return v.files.register(logical, entry.MountPoint, mode, af), nil
}

// writeTarget returns the writable mount and the path relative to it.
func (v *VFS) writeTarget(logical string) (*MountEntry, string, error) {
	entry, ok := v.mounts.Writable()
	if !ok {
		vfsLogger.Debug("No writable mount for %q", logical)
		return nil, "", ErrReadOnlyArchive
	}
	rel, ok := Rel(entry.MountPoint, logical)
	if !ok {
		vfsLogger.Debug("%q is outside the writable mount %q", logical, entry.MountPoint)
		return nil, "", ErrReadOnlyArchive
	}
	return entry, rel, nil
}

// ensureParents creates every missing directory above rel.
func ensureParents(archive Archive, rel string) error {
	idx := strings.LastIndexByte(rel, '/')
	if idx < 0 {
		return nil
	}
	return mkdirAll(archive, rel[:idx])
}

func mkdirAll(archive Archive, rel string) error {
	if !archive.Capabilities().Writable {
		return ErrReadOnlyArchive
	}

	parts := strings.Split(rel, "/")
	for i := range parts {
		dir := strings.Join(parts[:i+1], "/")

		st, err := archive.Stat(dir)
		if err == nil {
			if !st.IsDir() {
				return ErrNotDirectory
			}
			continue
		}
		if !errors.Is(err, ErrNotFound) {
			return err
		}

		if err := archive.Mkdir(dir); err != nil && !errors.Is(err, ErrAlreadyExists) {
			return err
		}
	}
	return nil
}

// Mkdir creates path and any missing parents in the writable mount. An
// existing directory is not an error.
func (v *VFS) Mkdir(path string) error {
	logical, err := normalizeFor(OpMkdir, path)
	if err != nil {
		return err
	}

	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.closed {
		return newError(OpMkdir, logical, ErrClosed)
	}

	entry, rel, err := v.writeTarget(logical)
	if err != nil {
		return newError(OpMkdir, logical, err)
	}
	if rel == "" {
		return nil
	}
	if err := v.checkSymlinks(entry.Archive, rel, true); err != nil {
		return newError(OpMkdir, logical, err)
	}

	if st, err := entry.Archive.Stat(rel); err == nil && !st.IsDir() {
		return newError(OpMkdir, logical, ErrAlreadyExists)
	}
	if err := mkdirAll(entry.Archive, rel); err != nil {
		return newError(OpMkdir, logical, err)
	}

	vfsLogger.Info("Created directory %q", logical)
	return nil
}

// Remove deletes a file or an empty directory from the writable mount.
func (v *VFS) Remove(path string) error {
	logical, err := normalizeFor(OpRemove, path)
	if err != nil {
		return err
	}

	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.closed {
		return newError(OpRemove, logical, ErrClosed)
	}

	entry, rel, err := v.writeTarget(logical)
	if err != nil {
		return newError(OpRemove, logical, err)
	}
	if rel == "" {
		return newError(OpRemove, logical, ErrInvalidPath)
	}
	if err := v.checkSymlinks(entry.Archive, rel, true); err != nil {
		return newError(OpRemove, logical, err)
	}
	if err := entry.Archive.Remove(rel); err != nil {
		return newError(OpRemove, logical, err)
	}

	vfsLogger.Info("Removed %q", logical)
	return nil
}

// Stat describes path as seen through the first mount that has it.
// Directories that only exist because a mount point lies below them are
// reported as read-only directories.
func (v *VFS) Stat(path string) (Stat, error) {
	logical, err := normalizeFor(OpStat, path)
	if err != nil {
		return Stat{}, err
	}

	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.closed {
		return Stat{}, newError(OpStat, logical, ErrClosed)
	}
	return v.stat(logical)
}

func (v *VFS) stat(logical string) (Stat, error) {
	_, base := Split(logical)

	lastErr := ErrNotFound
	for _, c := range v.mounts.Resolve(logical) {
		st, err := v.statCandidate(c)
		if err == nil {
			st.Name = base
			st.ReadOnly = st.ReadOnly || !c.Entry.Writable
			return st, nil
		}
		if !isMiss(err) {
			return Stat{}, newError(OpStat, logical, err)
		}
		lastErr = err
	}

	if logical == Root || v.mounts.HasMountBelow(logical) {
		return Stat{Name: base, Kind: KindDirectory, ReadOnly: true}, nil
	}
	return Stat{}, newError(OpStat, logical, lastErr)
}

// statCandidate stats the candidate without passing through symbolic
// links unless they are permitted.
func (v *VFS) statCandidate(c Candidate) (Stat, error) {
	if err := v.checkSymlinks(c.Entry.Archive, c.Rel, false); err != nil {
		return Stat{}, err
	}
	st, err := c.Entry.Archive.Stat(c.Rel)
	if err == nil && st.IsSymlink() && !v.permitSymlinks {
		return Stat{}, ErrSymlinkForbidden
	}
	return st, err
}

// Exists reports whether path exists in any mount.
func (v *VFS) Exists(path string) bool {
	_, err := v.Stat(path)
	return err == nil
}

// IsDirectory reports whether path is a directory.
func (v *VFS) IsDirectory(path string) bool {
	st, err := v.Stat(path)
	return err == nil && st.IsDir()
}

// IsSymlink reports whether path is a symbolic link.
func (v *VFS) IsSymlink(path string) (bool, error) {
	st, err := v.Stat(path)
	if err != nil {
		return false, err
	}
	return st.IsSymlink(), nil
}

// LastModified returns the modification time of path in seconds since the
// Unix epoch, or 0 when the archive does not record one.
func (v *VFS) LastModified(path string) (int64, error) {
	st, err := v.Stat(path)
	if err != nil {
		return -1, err
	}
	if st.ModTime.IsZero() {
		return 0, nil
	}
	return st.ModTime.Unix(), nil
}

// RealDir returns the name of the archive that supplies path.
func (v *VFS) RealDir(path string) (string, error) {
	logical, err := normalizeFor(OpStat, path)
	if err != nil {
		return "", err
	}

	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.closed {
		return "", newError(OpStat, logical, ErrClosed)
	}

	lastErr := ErrNotFound
	for _, c := range v.mounts.Resolve(logical) {
		_, err := v.statCandidate(c)
		if err == nil {
			return c.Entry.Archive.Name(), nil
		}
		if !isMiss(err) {
			return "", newError(OpStat, logical, err)
		}
		lastErr = err
	}
	return "", newError(OpStat, logical, lastErr)
}

// Enumerate calls fn for every entry of the directory at path, merged across
// all mounts. A name present in several mounts is reported once, from the
// mount that comes first in search order. Mount points located below path
// appear as directories. Returning fs.SkipAll from fn stops the walk
// without error; any other error is returned as is.
//
// The merged listing is collected before fn is called, so fn may call back
// into the VFS.
func (v *VFS) Enumerate(path string, omitSymlinks bool, fn func(DirEntry) error) error {
	logical, err := normalizeFor(OpEnumerate, path)
	if err != nil {
		return err
	}

	entries, err := v.collect(logical, omitSymlinks)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		if err := fn(entry); err != nil {
			if errors.Is(err, fs.SkipAll) {
				return nil
			}
			return err
		}
	}
	return nil
}

// ReadDir returns the merged listing of the directory at path.
func (v *VFS) ReadDir(path string, omitSymlinks bool) ([]DirEntry, error) {
	logical, err := normalizeFor(OpEnumerate, path)
	if err != nil {
		return nil, err
	}
	return v.collect(logical, omitSymlinks)
}

func (v *VFS) collect(logical string, omitSymlinks bool) ([]DirEntry, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.closed {
		return nil, newError(OpEnumerate, logical, ErrClosed)
	}

	var entries []DirEntry
	seen := make(map[string]struct{})
	add := func(entry DirEntry) {
		if _, dup := seen[entry.Name]; dup {
			return
		}
		seen[entry.Name] = struct{}{}
		entries = append(entries, entry)
	}

	omitSymlinks = omitSymlinks || !v.permitSymlinks

	found := false
	lastErr := ErrNotFound
	for _, c := range v.mounts.Resolve(logical) {
		err := v.checkSymlinks(c.Entry.Archive, c.Rel, true)
		var it DirIterator
		if err == nil {
			it, err = c.Entry.Archive.Enumerate(c.Rel, omitSymlinks)
		}
		if err != nil {
			if isMiss(err) {
				lastErr = err
				continue
			}
			return nil, newError(OpEnumerate, logical, err)
		}

		found = true
		err = drain(it, add)
		if closeErr := it.Close(); err == nil && closeErr != nil {
			err = classify(closeErr)
		}
		if err != nil {
			return nil, newError(OpEnumerate, logical, err)
		}
	}

	for _, name := range v.mounts.Children(logical) {
		found = true
		add(DirEntry{Name: name, Kind: KindDirectory})
	}

	if !found && logical != Root {
		return nil, newError(OpEnumerate, logical, lastErr)
	}

	vfsLogger.Trace("Directory %q has %d merged entries", logical, len(entries))
	return entries, nil
}

func drain(it DirIterator, add func(DirEntry)) error {
	for {
		entry, err := it.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		add(entry)
	}
}

// OpenHandles returns the number of files that are open and not yet closed.
func (v *VFS) OpenHandles() int {
	return v.files.len()
}

// Handle returns the open file registered under id.
func (v *VFS) Handle(id HandleID) (*File, bool) {
	return v.files.get(id)
}

// Shutdown closes every file still open, releases all archives and makes
// every further call fail with ErrClosed.
func (v *VFS) Shutdown() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return nil
	}
	v.closed = true

	var errs []error
	files := v.files.drain()
	if len(files) > 0 {
		vfsLogger.Warn("Closing %d files left open at shutdown", len(files))
	}
	for _, f := range files {
		f.arena = nil
		if err := f.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := v.mounts.Close(); err != nil {
		errs = append(errs, err)
	}

	vfsLogger.Info("Virtual filesystem shut down")
	return errors.Join(errs...)
}
