// Package platform holds the per-OS primitives the virtual filesystem core is
// built on: opening and reading host files, enumerating host directories,
// metadata queries, directory creation and deletion, user directory
// discovery and the native mutex.
//
// Every path that crosses this package boundary is a host-native path. The
// core works on forward-slash logical paths and converts them with ToNative
// right before calling in.
package platform

import (
	"io/fs"

	"unionvfs/internal/logging"
)

var (
	logger = logging.GetLogger().WithPrefix("platform")
)

// Capabilities is the fixed set of optional features negotiated once at
// startup. Operations that depend on a missing capability return
// errors.ErrUnsupported instead of emulating it.
type Capabilities struct {
	// Symlinks reports whether symbolic links can be detected.
	Symlinks bool
	// DurableFlush reports whether Flush forces data to stable storage.
	DurableFlush bool
}

// IO is the narrow primitive interface consumed by directory-backed
// archives.
type IO interface {
	Context() *Context
	Capabilities() Capabilities
	ToNative(root, rel string) string

	OpenRead(path string) (*File, error)
	OpenWrite(path string) (*File, error)
	OpenAppend(path string) (*File, error)

	Exists(path string) bool
	IsDirectory(path string) bool
	IsSymlink(path string) (bool, error)
	LastModified(path string) (int64, error)
	Stat(path string) (fs.FileInfo, error)
	ReadDir(path string) (*DirReader, error)

	Mkdir(path string) error
	Delete(path string) error

	NewMutex() *Mutex
}
