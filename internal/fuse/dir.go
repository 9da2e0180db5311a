package fuse

import (
	"context"
	"os"
	"syscall"

	"bazil.org/fuse"
	fusefs "bazil.org/fuse/fs"

	"unionvfs/internal/logging"
	"unionvfs/internal/vfs"
)

var (
	dirLogger = logging.GetLogger().WithPrefix("fuse/dir")
)

// Dir is a directory of the unified namespace.
type Dir struct {
	fs   *FS
	path string
}

var (
	_ fusefs.Node               = (*Dir)(nil)
	_ fusefs.NodeStringLookuper = (*Dir)(nil)
	_ fusefs.HandleReadDirAller = (*Dir)(nil)
	_ fusefs.NodeMkdirer        = (*Dir)(nil)
	_ fusefs.NodeRemover        = (*Dir)(nil)
	_ fusefs.NodeCreater        = (*Dir)(nil)
)

func (d *Dir) child(name string) string {
	return vfs.Join(d.path, name)
}

// Attr implements the Node interface, returning directory attributes.
func (d *Dir) Attr(_ context.Context, a *fuse.Attr) error {
	dirLogger.Trace("Getting attributes for directory: %q", d.path)

	st, err := d.fs.vfs.Stat(d.path)
	if err != nil {
		return toFuseError(err)
	}
	d.fs.attr(st, a)
	return nil
}

// Lookup implements the NodeStringLookuper interface, finding a child node.
func (d *Dir) Lookup(_ context.Context, name string) (fusefs.Node, error) {
	childPath := d.child(name)
	dirLogger.Debug("Looking up %q in directory %q", name, d.path)

	st, err := d.fs.vfs.Stat(childPath)
	if err != nil {
		dirLogger.Debug("Path not found: %q", childPath)
		return nil, toFuseError(err)
	}

	if st.IsDir() {
		return &Dir{fs: d.fs, path: childPath}, nil
	}
	return &File{fs: d.fs, path: childPath}, nil
}

// ReadDirAll implements the HandleReadDirAller interface, listing the merged
// directory contents.
func (d *Dir) ReadDirAll(_ context.Context) ([]fuse.Dirent, error) {
	dirLogger.Debug("Reading directory contents: %q", d.path)

	entries, err := d.fs.vfs.ReadDir(d.path, false)
	if err != nil {
		return nil, toFuseError(err)
	}

	dirents := make([]fuse.Dirent, 0, len(entries)+2)
	dirents = append(dirents, fuse.Dirent{Name: ".", Type: fuse.DT_Dir})
	dirents = append(dirents, fuse.Dirent{Name: "..", Type: fuse.DT_Dir})
	for _, entry := range entries {
		typ := fuse.DT_File
		if entry.Kind == vfs.KindDirectory {
			typ = fuse.DT_Dir
		}
		dirents = append(dirents, fuse.Dirent{Name: entry.Name, Type: typ})
	}

	dirLogger.Debug("Directory %q contains %d entries", d.path, len(entries))
	return dirents, nil
}

// Mkdir implements the NodeMkdirer interface, creating a directory in the
// writable mount.
func (d *Dir) Mkdir(_ context.Context, req *fuse.MkdirRequest) (fusefs.Node, error) {
	newPath := d.child(req.Name)
	dirLogger.Info("Creating new directory %q", newPath)

	if d.fs.vfs.Exists(newPath) {
		return nil, fuse.Errno(syscall.EEXIST)
	}
	if err := d.fs.vfs.Mkdir(newPath); err != nil {
		dirLogger.Warn("Failed to create directory %q: %v", newPath, err)
		return nil, toFuseError(err)
	}

	return &Dir{fs: d.fs, path: newPath}, nil
}

// Remove implements the NodeRemover interface, removing a file or an empty
// directory from the writable mount.
func (d *Dir) Remove(_ context.Context, req *fuse.RemoveRequest) error {
	childPath := d.child(req.Name)
	dirLogger.Info("Removing %q (isDir=%v)", childPath, req.Dir)

	st, err := d.fs.vfs.Stat(childPath)
	if err != nil {
		return toFuseError(err)
	}
	if req.Dir && !st.IsDir() {
		return fuse.Errno(syscall.ENOTDIR)
	}
	if !req.Dir && st.IsDir() {
		return fuse.Errno(syscall.EISDIR)
	}

	if err := d.fs.vfs.Remove(childPath); err != nil {
		dirLogger.Warn("Failed to remove %q: %v", childPath, err)
		return toFuseError(err)
	}
	return nil
}

// Create implements the NodeCreater interface, creating and opening a file
// in the writable mount.
func (d *Dir) Create(_ context.Context, req *fuse.CreateRequest, resp *fuse.CreateResponse) (fusefs.Node, fusefs.Handle, error) {
	childPath := d.child(req.Name)
	flags := int(req.Flags)
	dirLogger.Debug("Creating file %q with flags %#x", childPath, flags)

	if flags&os.O_EXCL != 0 && d.fs.vfs.Exists(childPath) {
		return nil, nil, fuse.Errno(syscall.EEXIST)
	}

	var (
		file *vfs.File
		err  error
	)
	if flags&os.O_TRUNC != 0 {
		file, err = d.fs.vfs.OpenWrite(childPath)
	} else {
		file, err = d.fs.vfs.OpenAppend(childPath)
	}
	if err != nil {
		dirLogger.Warn("Failed to create %q: %v", childPath, err)
		return nil, nil, toFuseError(err)
	}

	resp.Flags |= fuse.OpenDirectIO
	return &File{fs: d.fs, path: childPath}, newHandle(file), nil
}
