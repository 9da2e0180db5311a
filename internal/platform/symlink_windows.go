//go:build windows

package platform

import (
	"io/fs"
	"unsafe"

	"golang.org/x/sys/windows"
)

const symlinksSupported = true

// isSymlink inspects the reparse tag reported by FindFirstFile, which is the
// only place Windows exposes it without opening the file.
func isSymlink(path string) (bool, error) {
	p, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return false, &fs.PathError{Op: "FindFirstFile", Path: path, Err: err}
	}

	var data windows.Win32finddata
	h, err := windows.FindFirstFile(p, &data)
	if err != nil {
		return false, &fs.PathError{Op: "FindFirstFile", Path: path, Err: err}
	}
	windows.FindClose(h)

	return data.FileAttributes&windows.FILE_ATTRIBUTE_REPARSE_POINT != 0 &&
		data.Reserved0 == windows.IO_REPARSE_TAG_SYMLINK, nil
}

func lastModified(path string) (int64, error) {
	p, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return -1, &fs.PathError{Op: "GetFileAttributesEx", Path: path, Err: err}
	}

	var data windows.Win32FileAttributeData
	if err := windows.GetFileAttributesEx(p, windows.GetFileExInfoStandard, (*byte)(unsafe.Pointer(&data))); err != nil {
		return -1, &fs.PathError{Op: "GetFileAttributesEx", Path: path, Err: err}
	}

	ft := uint64(data.LastWriteTime.HighDateTime)<<32 | uint64(data.LastWriteTime.LowDateTime)
	return FiletimeToUnix(ft), nil
}
