// Package vfs implements the virtual filesystem core.
//
// This file contains error types and error handling utilities.
package vfs

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"syscall"

	"unionvfs/internal/logging"
)

var (
	errLogger = logging.GetLogger().WithPrefix("error")

	// ErrInvalidPath indicates a malformed path or one escaping the root
	ErrInvalidPath = errors.New("invalid path")

	// ErrNotFound indicates a path doesn't exist in any mount
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists indicates path already exists
	ErrAlreadyExists = errors.New("already exists")

	// ErrReadOnlyArchive indicates a write against a non-writable mount
	ErrReadOnlyArchive = errors.New("archive is read-only")

	// ErrMountConflict indicates a second writable mount was requested
	ErrMountConflict = errors.New("mount conflict")

	// ErrNotMounted indicates the archive is not in the mount table
	ErrNotMounted = errors.New("not mounted")

	// ErrIOFailure wraps an underlying platform error
	ErrIOFailure = errors.New("i/o failure")

	// ErrOutOfMemory indicates an allocation could not be satisfied
	ErrOutOfMemory = errors.New("out of memory")

	// ErrIsDirectory indicates a file operation on a directory
	ErrIsDirectory = errors.New("is a directory")

	// ErrNotDirectory indicates a directory operation on a file
	ErrNotDirectory = errors.New("not a directory")

	// ErrClosed indicates use of a closed file, archive or filesystem
	ErrClosed = errors.New("already closed")

	// ErrWriteOnly indicates a read from a file opened for writing
	ErrWriteOnly = errors.New("file is open for writing")

	// ErrSymlinkForbidden indicates a path crossing a symbolic link while
	// symbolic links are not permitted
	ErrSymlinkForbidden = errors.New("symbolic link forbidden")
)

// Error wraps filesystem errors with context about the operation and
// affected path.
type Error struct {
	Op   string // Operation that failed (e.g., "open", "enumerate")
	Path string // Affected logical path
	Err  error  // Underlying error
}

// Error implements the error interface, providing a formatted error message
func (e *Error) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

// Unwrap implements error unwrapping for the errors.Is/As functions
func (e *Error) Unwrap() error {
	return e.Err
}

// newError creates a new Error with the given operation, path, and
// underlying error. An err that already is an *Error is returned as is.
func newError(op string, path string, err error) error {
	var vfsErr *Error
	if errors.As(err, &vfsErr) {
		return err
	}
	vfsErr = &Error{
		Op:   op,
		Path: path,
		Err:  err,
	}
	errLogger.Trace("Created error: %v", vfsErr)
	return vfsErr
}

// ioFailure marks err as an ErrIOFailure while keeping the platform error
// text and its identity reachable through errors.Is.
func ioFailure(err error) error {
	return fmt.Errorf("%w: %w", ErrIOFailure, err)
}

// classify maps a platform error onto the taxonomy.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case isTaxonomy(err):
		return err
	case errors.Is(err, fs.ErrNotExist):
		return ErrNotFound
	case errors.Is(err, fs.ErrExist):
		return ErrAlreadyExists
	case errors.Is(err, syscall.ENOMEM):
		return ErrOutOfMemory
	case errors.Is(err, syscall.EISDIR):
		return fmt.Errorf("%w: %w", ErrIsDirectory, err)
	case errors.Is(err, syscall.ENOTDIR):
		return fmt.Errorf("%w: %w", ErrNotDirectory, err)
	default:
		return ioFailure(err)
	}
}

var taxonomy = []error{
	ErrInvalidPath, ErrNotFound, ErrAlreadyExists, ErrReadOnlyArchive,
	ErrMountConflict, ErrNotMounted, ErrIOFailure, ErrOutOfMemory,
	ErrIsDirectory, ErrNotDirectory, ErrClosed, ErrWriteOnly,
	ErrSymlinkForbidden, errors.ErrUnsupported,
}

func isTaxonomy(err error) bool {
	for _, sentinel := range taxonomy {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return false
}

// Common operation names for consistent logging and error reporting
const (
	OpMount     = "mount"
	OpUnmount   = "unmount"
	OpNormalize = "normalize"
	OpOpen      = "open"
	OpRead      = "read"
	OpWrite     = "write"
	OpSeek      = "seek"
	OpFlush     = "flush"
	OpClose     = "close"
	OpStat      = "stat"
	OpEnumerate = "enumerate"
	OpMkdir     = "mkdir"
	OpRemove    = "remove"
	OpWatch     = "watch"
)

// ToErrno converts an error to the errno a kernel filesystem interface
// expects.
func ToErrno(err error) syscall.Errno {
	if err == nil {
		return 0
	}

	var errno syscall.Errno
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, os.ErrNotExist):
		return syscall.ENOENT
	case errors.Is(err, ErrInvalidPath):
		return syscall.EINVAL
	case errors.Is(err, ErrReadOnlyArchive):
		return syscall.EROFS
	case errors.Is(err, ErrAlreadyExists):
		return syscall.EEXIST
	case errors.Is(err, ErrIsDirectory):
		return syscall.EISDIR
	case errors.Is(err, ErrNotDirectory):
		return syscall.ENOTDIR
	case errors.Is(err, ErrClosed), errors.Is(err, ErrWriteOnly):
		return syscall.EBADF
	case errors.Is(err, ErrSymlinkForbidden):
		return syscall.ELOOP
	case errors.Is(err, ErrOutOfMemory):
		return syscall.ENOMEM
	case errors.Is(err, ErrMountConflict), errors.Is(err, ErrNotMounted):
		return syscall.EBUSY
	case errors.Is(err, errors.ErrUnsupported):
		return syscall.ENOSYS
	case errors.Is(err, os.ErrPermission):
		return syscall.EACCES
	case errors.As(err, &errno):
		return errno
	default:
		errLogger.Debug("Unknown error type, returning EIO: %v", err)
		return syscall.EIO
	}
}
