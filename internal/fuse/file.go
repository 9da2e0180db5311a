package fuse

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"syscall"

	"bazil.org/fuse"
	fusefs "bazil.org/fuse/fs"

	"unionvfs/internal/logging"
	"unionvfs/internal/vfs"
)

var (
	fileLogger = logging.GetLogger().WithPrefix("fuse/file")
)

// File is a regular file of the unified namespace.
type File struct {
	fs   *FS
	path string
}

var (
	_ fusefs.Node          = (*File)(nil)
	_ fusefs.NodeOpener    = (*File)(nil)
	_ fusefs.NodeSetattrer = (*File)(nil)
)

// Attr implements the Node interface, returning the file's attributes.
func (f *File) Attr(_ context.Context, a *fuse.Attr) error {
	fileLogger.Trace("Getting attributes for file: %q", f.path)

	st, err := f.fs.vfs.Stat(f.path)
	if err != nil {
		return toFuseError(err)
	}
	f.fs.attr(st, a)

	fileLogger.Trace("File attributes: mode=%v, size=%d, mtime=%v", a.Mode, a.Size, a.Mtime)
	return nil
}

// Open implements the NodeOpener interface. Read-only opens are served by
// the first mount holding the file; anything else goes to the writable
// mount. Writes without O_TRUNC keep what the writable mount already holds.
func (f *File) Open(_ context.Context, req *fuse.OpenRequest, resp *fuse.OpenResponse) (fusefs.Handle, error) {
	flags := int(req.Flags)
	fileLogger.Debug("Opening file %q with flags %#x", f.path, flags)

	var (
		file *vfs.File
		err  error
	)
	switch {
	case req.Flags.IsReadOnly():
		file, err = f.fs.vfs.OpenRead(f.path)
	case flags&os.O_TRUNC != 0:
		file, err = f.fs.vfs.OpenWrite(f.path)
	default:
		file, err = f.fs.vfs.OpenAppend(f.path)
	}
	if err != nil {
		fileLogger.Debug("Failed to open %q: %v", f.path, err)
		return nil, toFuseError(err)
	}

	resp.Flags |= fuse.OpenDirectIO
	return newHandle(file), nil
}

// Setattr implements the NodeSetattrer interface. Only truncation to zero
// is supported; other attribute changes are accepted and ignored.
func (f *File) Setattr(ctx context.Context, req *fuse.SetattrRequest, resp *fuse.SetattrResponse) error {
	if req.Valid.Size() {
		if req.Size != 0 {
			return fuse.Errno(syscall.ENOTSUP)
		}
		fileLogger.Debug("Truncating %q", f.path)
		file, err := f.fs.vfs.OpenWrite(f.path)
		if err != nil {
			return toFuseError(err)
		}
		if err := file.Close(); err != nil {
			return toFuseError(err)
		}
	}
	return f.Attr(ctx, &resp.Attr)
}

// Handle is an open file. The kernel may issue requests on one handle
// concurrently, so positioned I/O is serialized.
type Handle struct {
	file *vfs.File
	mu   sync.Mutex
}

var (
	_ fusefs.HandleReader   = (*Handle)(nil)
	_ fusefs.HandleWriter   = (*Handle)(nil)
	_ fusefs.HandleFlusher  = (*Handle)(nil)
	_ fusefs.HandleReleaser = (*Handle)(nil)
)

func newHandle(file *vfs.File) *Handle {
	return &Handle{file: file}
}

// Read implements the HandleReader interface, reading data at the requested
// offset.
func (h *Handle) Read(_ context.Context, req *fuse.ReadRequest, resp *fuse.ReadResponse) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	fileLogger.Trace("Reading %d bytes from file %q at offset %d", req.Size, h.file.Path(), req.Offset)

	if _, err := h.file.Seek(req.Offset, io.SeekStart); err != nil {
		return toFuseError(err)
	}

	buf := make([]byte, req.Size)
	n, err := io.ReadFull(h.file, buf)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		fileLogger.Error("Failed to read from file: %v", err)
		return toFuseError(err)
	}

	resp.Data = buf[:n]
	return nil
}

// Write implements the HandleWriter interface, writing data at the requested
// offset.
func (h *Handle) Write(_ context.Context, req *fuse.WriteRequest, resp *fuse.WriteResponse) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	fileLogger.Trace("Writing %d bytes to file %q at offset %d", len(req.Data), h.file.Path(), req.Offset)

	if _, err := h.file.Seek(req.Offset, io.SeekStart); err != nil {
		return toFuseError(err)
	}
	n, err := h.file.Write(req.Data)
	resp.Size = n
	if err != nil {
		fileLogger.Error("Failed to write to file: %v", err)
		return toFuseError(err)
	}
	return nil
}

// Flush implements the HandleFlusher interface.
func (h *Handle) Flush(_ context.Context, _ *fuse.FlushRequest) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	return toFuseError(h.file.Flush())
}

// Release implements the HandleReleaser interface, closing the file handle.
func (h *Handle) Release(_ context.Context, _ *fuse.ReleaseRequest) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	fileLogger.Debug("Closing file %q", h.file.Path())
	return toFuseError(h.file.Close())
}
