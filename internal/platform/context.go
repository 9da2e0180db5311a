package platform

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"
)

// Context carries host facts discovered once at startup by NewContext and
// handed to the OS implementation.
type Context struct {
	// BaseDir is the directory holding the executable, with a trailing
	// separator.
	BaseDir string
	// UserDir is the user's home directory, with a trailing separator. It
	// falls back to BaseDir when no home directory can be determined.
	UserDir string
	// UserName is the login name of the current user, empty when unknown.
	UserName string

	configDir string
}

// NewContext discovers the base and user directories. argv0 is the program
// name as invoked; when it contains a path separator its directory is used as
// the base directory, otherwise the resolved executable path is used.
func NewContext(argv0 string) (*Context, error) {
	baseDir, err := calcBaseDir(argv0)
	if err != nil {
		return nil, fmt.Errorf("determine base directory: %w", err)
	}

	ctx := &Context{BaseDir: baseDir}

	if home, err := os.UserHomeDir(); err == nil && home != "" {
		ctx.UserDir = withTrailingSeparator(home)
	} else {
		logger.Warn("No home directory (%v), using base directory %q", err, baseDir)
		ctx.UserDir = baseDir
	}

	if u, err := user.Current(); err == nil {
		ctx.UserName = u.Username
	} else {
		logger.Debug("Cannot determine user name: %v", err)
	}

	if dir, err := os.UserConfigDir(); err == nil {
		ctx.configDir = dir
	} else {
		ctx.configDir = filepath.Join(ctx.UserDir, ".config")
	}

	logger.Debug("Platform context: base=%q user=%q name=%q", ctx.BaseDir, ctx.UserDir, ctx.UserName)
	return ctx, nil
}

func calcBaseDir(argv0 string) (string, error) {
	if strings.ContainsAny(argv0, `/\`) {
		abs, err := filepath.Abs(filepath.Dir(argv0))
		if err != nil {
			return "", err
		}
		return withTrailingSeparator(abs), nil
	}

	exe, err := os.Executable()
	if err != nil {
		return "", err
	}
	return withTrailingSeparator(filepath.Dir(exe)), nil
}

// PrefDir returns the per-user, per-application directory for writing
// settings and saved data, creating it if needed.
func (c *Context) PrefDir(org, app string) (string, error) {
	if app == "" {
		return "", fmt.Errorf("application name must not be empty")
	}

	dir := filepath.Join(c.configDir, org, app)
	if org == "" {
		dir = filepath.Join(c.configDir, app)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create preference directory %s: %w", dir, err)
	}
	return withTrailingSeparator(dir), nil
}

// RealPath resolves path against the current directory and removes "." and
// ".." entries. The path does not need to exist.
func RealPath(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("real path: %w", os.ErrInvalid)
	}
	return filepath.Abs(path)
}

func withTrailingSeparator(dir string) string {
	if strings.HasSuffix(dir, string(filepath.Separator)) {
		return dir
	}
	return dir + string(filepath.Separator)
}
