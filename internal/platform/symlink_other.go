//go:build !unix && !windows

package platform

import (
	"errors"
	"os"
)

const symlinksSupported = false

func isSymlink(string) (bool, error) {
	return false, errors.ErrUnsupported
}

func lastModified(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return -1, err
	}
	return info.ModTime().Unix(), nil
}
