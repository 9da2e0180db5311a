// Package fuse serves a virtual filesystem through the kernel FUSE interface.
package fuse

import (
	"errors"
	"os"
	"strconv"

	"bazil.org/fuse"
	fusefs "bazil.org/fuse/fs"

	"unionvfs/internal/logging"
	"unionvfs/internal/vfs"
)

var (
	fsLogger = logging.GetLogger().WithPrefix("fuse")
)

// FS adapts a vfs.VFS to the bazil.org/fuse node API.
type FS struct {
	vfs *vfs.VFS
	uid uint32 // Owner reported for every node
	gid uint32 // Group reported for every node
}

var _ fusefs.FS = (*FS)(nil)

// New creates the FUSE frontend for v. Ownership defaults to the current
// process and can be overridden with the PUID and PGID environment
// variables.
func New(v *vfs.VFS) *FS {
	uid := safeIntToUint32(os.Getuid())
	gid := safeIntToUint32(os.Getgid())

	if puidStr := os.Getenv("PUID"); puidStr != "" {
		if puid, err := strconv.ParseUint(puidStr, 10, 32); err == nil {
			uid = uint32(puid)
			fsLogger.Debug("Using PUID from environment: %d", uid)
		}
	}
	if pgidStr := os.Getenv("PGID"); pgidStr != "" {
		if pgid, err := strconv.ParseUint(pgidStr, 10, 32); err == nil {
			gid = uint32(pgid)
			fsLogger.Debug("Using PGID from environment: %d", gid)
		}
	}

	return &FS{vfs: v, uid: uid, gid: gid}
}

// Root implements the fusefs.FS interface, returning the root directory node.
func (f *FS) Root() (fusefs.Node, error) {
	fsLogger.Trace("Getting root directory node")
	return &Dir{fs: f, path: vfs.Root}, nil
}

// MountOptions returns the options the filesystem is mounted with.
func MountOptions(name string) []fuse.MountOption {
	return []fuse.MountOption{
		fuse.FSName(name),
		fuse.Subtype(name),
		fuse.AllowOther(),
		fuse.DefaultPermissions(),
	}
}

// toFuseError converts a VFS error to the errno FUSE reports to the kernel.
func toFuseError(err error) error {
	if err == nil {
		return nil
	}
	errno := vfs.ToErrno(err)
	var vfsErr *vfs.Error
	if errors.As(err, &vfsErr) {
		fsLogger.Trace("Converting %v to %v", vfsErr, errno)
	} else {
		fsLogger.Debug("Converting standard error %v to %v", err, errno)
	}
	return fuse.Errno(errno)
}

// attr fills a from st.
func (f *FS) attr(st vfs.Stat, a *fuse.Attr) {
	a.Uid = f.uid
	a.Gid = f.gid
	a.Mtime = st.ModTime
	a.Atime = st.ModTime // Access time is not tracked
	a.Ctime = st.ModTime // Change time is not tracked

	perm := os.FileMode(0o644)
	if st.IsDir() {
		perm = 0o755
	}
	if st.ReadOnly {
		perm &^= 0o222
	}

	if st.IsDir() {
		a.Mode = os.ModeDir | perm
		return
	}
	a.Mode = perm
	a.Size = safeInt64ToUint64(st.Size)
	a.BlockSize = 4096
	a.Blocks = safeInt64ToUint64((st.Size + 511) / 512)
}

func safeInt64ToUint64(n int64) uint64 {
	if n < 0 {
		return 0
	}
	return uint64(n)
}

func safeIntToUint32(n int) uint32 {
	if n < 0 {
		return 0
	}
	return uint32(n)
}
