// Package state provides persistent mount configuration for the virtual
// filesystem.
package state

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// CurrentVersion is the configuration format written by this build.
const CurrentVersion = "1.1.0"

// compatibleVersions lists the configuration formats this build can read.
const compatibleVersions = ">= 1.0.0, < 2.0.0"

// Archive kinds
const (
	KindDirectory = "directory"
	KindCPIO      = "cpio"
)

var (
	// ErrIncompatibleVersion indicates a configuration written by an
	// incompatible release
	ErrIncompatibleVersion = errors.New("incompatible configuration version")

	// ErrInvalidConfig indicates a configuration that cannot be mounted
	ErrInvalidConfig = errors.New("invalid configuration")
)

// MountConfig is the persisted mount table. Mounts are listed in search
// order.
type MountConfig struct {
	// Version of the configuration format (semantic version)
	Version string `json:"version"`

	// Archives to mount, first match wins
	Mounts []MountSpec `json:"mounts"`
}

// MountSpec describes one archive to mount.
type MountSpec struct {
	// Host directory or container file
	Source string `json:"source"`

	// Logical mount point, "/" when empty
	MountPoint string `json:"mount_point,omitempty"`

	// KindDirectory or KindCPIO
	Kind string `json:"kind"`

	// Whether this is the write target
	Writable bool `json:"writable,omitempty"`
}

// KindOf guesses the archive kind from the source name.
func KindOf(source string) string {
	if strings.EqualFold(filepath.Ext(source), ".cpio") {
		return KindCPIO
	}
	return KindDirectory
}

// ParseMountArg parses a "source[=mountpoint]" command line argument.
func ParseMountArg(arg string) (MountSpec, error) {
	source, mountPoint, _ := strings.Cut(arg, "=")
	if source == "" {
		return MountSpec{}, fmt.Errorf("%w: empty source in %q", ErrInvalidConfig, arg)
	}
	if mountPoint == "" {
		mountPoint = "/"
	}
	return MountSpec{
		Source:     source,
		MountPoint: mountPoint,
		Kind:       KindOf(source),
	}, nil
}

// Validate checks that the configuration describes a mountable table.
func (c *MountConfig) Validate() error {
	writable := -1
	for i, m := range c.Mounts {
		if m.Source == "" {
			return fmt.Errorf("%w: mount %d has no source", ErrInvalidConfig, i)
		}
		switch m.Kind {
		case KindDirectory:
		case KindCPIO:
			if m.Writable {
				return fmt.Errorf("%w: container %q cannot be writable", ErrInvalidConfig, m.Source)
			}
		default:
			return fmt.Errorf("%w: mount %q has unknown kind %q", ErrInvalidConfig, m.Source, m.Kind)
		}
		if m.Writable {
			if writable >= 0 {
				return fmt.Errorf("%w: both %q and %q are writable",
					ErrInvalidConfig, c.Mounts[writable].Source, m.Source)
			}
			writable = i
		}
	}
	return nil
}
