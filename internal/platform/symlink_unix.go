//go:build unix

package platform

import (
	"io/fs"
	"os"

	"golang.org/x/sys/unix"
)

const symlinksSupported = true

func isSymlink(path string) (bool, error) {
	var st unix.Stat_t
	if err := unix.Lstat(path, &st); err != nil {
		return false, &fs.PathError{Op: "lstat", Path: path, Err: err}
	}
	return st.Mode&unix.S_IFMT == unix.S_IFLNK, nil
}

func lastModified(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return -1, err
	}
	return info.ModTime().Unix(), nil
}
