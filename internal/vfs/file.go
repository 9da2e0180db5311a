package vfs

import (
	"errors"
	"io"
	"sync"

	"github.com/google/uuid"

	"unionvfs/internal/logging"
)

var (
	fileLogger = logging.GetLogger().WithPrefix("file")
)

// HandleID identifies an open File in its VFS.
type HandleID = uuid.UUID

// OpenMode is the access mode a File was opened with.
type OpenMode int

const (
	ModeRead OpenMode = iota
	ModeWrite
	ModeAppend
)

func (m OpenMode) String() string {
	switch m {
	case ModeWrite:
		return "write"
	case ModeAppend:
		return "append"
	default:
		return "read"
	}
}

// File is an open handle on a file in the virtual namespace. It exclusively
// owns the archive file it was opened from.
//
// A File must not be used from several goroutines at once.
type File struct {
	id    HandleID
	path  string
	mode  OpenMode
	mount string
	af    ArchiveFile
	arena *handleArena
}

// ID returns the handle identifier.
func (f *File) ID() HandleID { return f.id }

// Path returns the logical path the file was opened with.
func (f *File) Path() string { return f.path }

// Mode returns the access mode.
func (f *File) Mode() OpenMode { return f.mode }

// MountPoint returns the mount point of the archive the file came from.
func (f *File) MountPoint() string { return f.mount }

func (f *File) check(op string) error {
	if f.af == nil {
		return newError(op, f.path, ErrClosed)
	}
	return nil
}

func (f *File) wrap(op string, err error) error {
	if err == nil || errors.Is(err, io.EOF) {
		return err
	}
	return newError(op, f.path, classify(err))
}

// Read implements io.Reader. The end of the data is reported as io.EOF,
// which is not an ErrIOFailure.
func (f *File) Read(p []byte) (int, error) {
	if err := f.check(OpRead); err != nil {
		return 0, err
	}
	if f.mode != ModeRead {
		return 0, newError(OpRead, f.path, ErrWriteOnly)
	}
	n, err := f.af.Read(p)
	return n, f.wrap(OpRead, err)
}

// Write writes p and reports how much of it reached the file. A short write
// is returned together with its error and is not retried.
func (f *File) Write(p []byte) (int, error) {
	if err := f.check(OpWrite); err != nil {
		return 0, err
	}
	if f.mode == ModeRead {
		return 0, newError(OpWrite, f.path, ErrReadOnlyArchive)
	}
	n, err := f.af.Write(p)
	if err == nil && n < len(p) {
		err = io.ErrShortWrite
	}
	return n, f.wrap(OpWrite, err)
}

// Seek implements io.Seeker.
func (f *File) Seek(offset int64, whence int) (int64, error) {
	if err := f.check(OpSeek); err != nil {
		return 0, err
	}
	pos, err := f.af.Seek(offset, whence)
	return pos, f.wrap(OpSeek, err)
}

// Tell returns the current offset.
func (f *File) Tell() (int64, error) {
	if err := f.check(OpSeek); err != nil {
		return 0, err
	}
	pos, err := f.af.Tell()
	return pos, f.wrap(OpSeek, err)
}

// Length returns the size of the file.
func (f *File) Length() (int64, error) {
	if err := f.check(OpStat); err != nil {
		return 0, err
	}
	n, err := f.af.Length()
	return n, f.wrap(OpStat, err)
}

// EOF reports whether the offset is at the end of the file. A zero length
// file is always at EOF.
func (f *File) EOF() (bool, error) {
	length, err := f.Length()
	if err != nil {
		return false, err
	}
	if length == 0 {
		return true, nil
	}
	pos, err := f.Tell()
	if err != nil {
		return false, err
	}
	return pos >= length, nil
}

// Flush forces buffered writes to durable storage. It does nothing for
// files opened for reading.
func (f *File) Flush() error {
	if err := f.check(OpFlush); err != nil {
		return err
	}
	if f.mode == ModeRead {
		return nil
	}
	return f.wrap(OpFlush, f.af.Flush())
}

// Close releases the handle. The handle is consumed even when the
// underlying close fails; closing again returns nil.
func (f *File) Close() error {
	if f.af == nil {
		return nil
	}

	af := f.af
	f.af = nil
	if f.arena != nil {
		f.arena.remove(f.id)
	}

	fileLogger.Trace("Closing %s handle %s on %q", f.mode, f.id, f.path)
	if err := af.Close(); err != nil {
		fileLogger.Warn("Close of %q failed: %v", f.path, err)
		return newError(OpClose, f.path, classify(err))
	}
	return nil
}

// handleArena tracks every open File of a VFS by identifier so that
// Shutdown can sweep the ones callers never closed.
type handleArena struct {
	mu      sync.Mutex
	handles map[HandleID]*File
}

func newHandleArena() *handleArena {
	return &handleArena{handles: make(map[HandleID]*File)}
}

func (a *handleArena) register(path, mount string, mode OpenMode, af ArchiveFile) *File {
	f := &File{
		id:    uuid.New(),
		path:  path,
		mode:  mode,
		mount: mount,
		af:    af,
		arena: a,
	}

	a.mu.Lock()
	a.handles[f.id] = f
	a.mu.Unlock()
	return f
}

func (a *handleArena) remove(id HandleID) {
	a.mu.Lock()
	delete(a.handles, id)
	a.mu.Unlock()
}

func (a *handleArena) get(id HandleID) (*File, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	f, ok := a.handles[id]
	return f, ok
}

func (a *handleArena) len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.handles)
}

// drain removes and returns every registered handle.
func (a *handleArena) drain() []*File {
	a.mu.Lock()
	defer a.mu.Unlock()
	files := make([]*File, 0, len(a.handles))
	for id, f := range a.handles {
		files = append(files, f)
		delete(a.handles, id)
	}
	return files
}
