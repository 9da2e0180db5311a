package platform

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// OS implements IO on top of the host operating system.
type OS struct {
	ctx  *Context
	caps Capabilities
}

var _ IO = (*OS)(nil)

// NewOS creates the host implementation and negotiates its capabilities.
func NewOS(ctx *Context) *OS {
	caps := Capabilities{
		Symlinks:     symlinksSupported,
		DurableFlush: true,
	}
	logger.Debug("Negotiated capabilities: %+v", caps)
	return &OS{ctx: ctx, caps: caps}
}

// Context returns the platform context the implementation was created with.
func (o *OS) Context() *Context {
	return o.ctx
}

// Capabilities returns the negotiated capability set.
func (o *OS) Capabilities() Capabilities {
	return o.caps
}

// ToNative converts a forward-slash path relative to root into a host path.
func (o *OS) ToNative(root, rel string) string {
	if rel == "" {
		return filepath.Clean(root)
	}
	return filepath.Join(root, filepath.FromSlash(rel))
}

func (o *OS) open(path string, flag int, readOnly bool) (*File, error) {
	f, err := os.OpenFile(path, flag, 0o644)
	if err != nil {
		return nil, err
	}
	logger.Trace("Opened %q (flag=%#x)", path, flag)
	return &File{f: f, readOnly: readOnly}, nil
}

// OpenRead opens an existing file for reading.
func (o *OS) OpenRead(path string) (*File, error) {
	return o.open(path, os.O_RDONLY, true)
}

// OpenWrite creates or truncates a file for writing.
func (o *OS) OpenWrite(path string) (*File, error) {
	return o.open(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, false)
}

// OpenAppend opens or creates a file for writing, positioned at its end.
func (o *OS) OpenAppend(path string) (*File, error) {
	f, err := o.open(path, os.O_WRONLY|os.O_CREATE, false)
	if err != nil {
		return nil, err
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		f.Close()
		return nil, fmt.Errorf("seek to end of %s: %w", path, err)
	}
	return f, nil
}

// Exists reports whether anything exists at path. Symbolic links are not
// followed.
func (o *OS) Exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}

// IsDirectory reports whether path is a directory.
func (o *OS) IsDirectory(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// IsSymlink reports whether path itself is a symbolic link.
func (o *OS) IsSymlink(path string) (bool, error) {
	if !o.caps.Symlinks {
		return false, errors.ErrUnsupported
	}
	return isSymlink(path)
}

// LastModified returns the modification time of path in seconds since the
// Unix epoch.
func (o *OS) LastModified(path string) (int64, error) {
	return lastModified(path)
}

// Stat returns metadata for path without following a final symbolic link.
func (o *OS) Stat(path string) (fs.FileInfo, error) {
	return os.Lstat(path)
}

// ReadDir opens path for lazy enumeration.
func (o *OS) ReadDir(path string) (*DirReader, error) {
	dir, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return &DirReader{dir: dir}, nil
}

// Mkdir creates a single directory.
func (o *OS) Mkdir(path string) error {
	return os.Mkdir(path, 0o755)
}

// Delete removes a file or an empty directory.
func (o *OS) Delete(path string) error {
	return os.Remove(path)
}

// NewMutex creates a native exclusive lock.
func (o *OS) NewMutex() *Mutex {
	return NewMutex()
}
