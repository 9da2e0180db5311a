package vfs

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// setupTestVFS mounts a read-only base layer at "/" and a writable layer
// after it.
func setupTestVFS(t *testing.T) (*VFS, *DirectoryArchive, *DirectoryArchive) {
	t.Helper()

	v := New(newTestIO(t))
	t.Cleanup(func() { v.Shutdown() })

	base := newTestDir(t, true, map[string]string{
		"config.ini":        "base",
		"shared/common.txt": "from base",
		"shared/base.txt":   "base only",
		"docs/":             "",
	})
	write := newTestDir(t, false, map[string]string{
		"config.ini":        "override",
		"shared/common.txt": "from write",
		"shared/write.txt":  "write only",
	})

	require.NoError(t, v.Mount(base, "/", false))
	require.NoError(t, v.Mount(write, "/", true))
	return v, base, write
}

func TestOpenReadFirstMountWins(t *testing.T) {
	v, _, _ := setupTestVFS(t)

	assert.Equal(t, "base", readAll(t, v, "/config.ini"))
	assert.Equal(t, "from base", readAll(t, v, "shared/common.txt"))
	assert.Equal(t, "write only", readAll(t, v, "/shared/write.txt"))

	_, err := v.OpenRead("/nope.txt")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = v.OpenRead("/shared")
	assert.ErrorIs(t, err, ErrIsDirectory)

	_, err = v.OpenRead("/../etc/passwd")
	assert.ErrorIs(t, err, ErrInvalidPath)

	var vfsErr *Error
	require.ErrorAs(t, err, &vfsErr)
	assert.Equal(t, OpOpen, vfsErr.Op)
}

func TestOpenReadThroughFileComponent(t *testing.T) {
	v, _, _ := setupTestVFS(t)

	_, err := v.OpenRead("/config.ini/child")
	assert.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound) || errors.Is(err, ErrNotDirectory), "got %v", err)
}

func TestWriteReadRoundTrip(t *testing.T) {
	v, _, write := setupTestVFS(t)

	f, err := v.OpenWrite("/saves/slot1/game.sav")
	require.NoError(t, err)
	n, err := f.Write([]byte{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	require.NoError(t, f.Flush())
	require.NoError(t, f.Close())

	st, err := write.Stat("saves/slot1")
	require.NoError(t, err)
	assert.True(t, st.IsDir(), "intermediate directories are created")

	r, err := v.OpenRead("/saves/slot1/game.sav")
	require.NoError(t, err)
	defer r.Close()

	length, err := r.Length()
	require.NoError(t, err)
	assert.EqualValues(t, 3, length)

	buf := make([]byte, 10)
	n, err = r.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, buf[:n])

	eof, err := r.EOF()
	require.NoError(t, err)
	assert.True(t, eof)

	n, err = r.Read(buf)
	assert.Zero(t, n)
	assert.ErrorIs(t, err, io.EOF)
	assert.NotErrorIs(t, err, ErrIOFailure)
}

func TestOpenAppend(t *testing.T) {
	v, _, _ := setupTestVFS(t)

	for _, chunk := range []string{"a", "b", "c"} {
		f, err := v.OpenAppend("/log.txt")
		require.NoError(t, err)
		_, err = f.Write([]byte(chunk))
		require.NoError(t, err)
		require.NoError(t, f.Close())
	}
	assert.Equal(t, "abc", readAll(t, v, "/log.txt"))

	f, err := v.OpenWrite("/log.txt")
	require.NoError(t, err)
	require.NoError(t, f.Close())
	assert.Equal(t, "", readAll(t, v, "/log.txt"), "open for writing truncates")
}

func TestZeroLengthFileIsAtEOF(t *testing.T) {
	v, _, _ := setupTestVFS(t)

	f, err := v.OpenWrite("/empty")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	r, err := v.OpenRead("/empty")
	require.NoError(t, err)
	defer r.Close()

	eof, err := r.EOF()
	require.NoError(t, err)
	assert.True(t, eof)
}

func TestWriteWithoutWritableMount(t *testing.T) {
	v := New(newTestIO(t))
	t.Cleanup(func() { v.Shutdown() })

	base := newTestDir(t, true, map[string]string{"a.txt": "original"})
	require.NoError(t, v.Mount(base, "/", false))

	_, err := v.OpenWrite("/a.txt")
	assert.ErrorIs(t, err, ErrReadOnlyArchive)
	_, err = v.OpenAppend("/a.txt")
	assert.ErrorIs(t, err, ErrReadOnlyArchive)
	assert.ErrorIs(t, v.Mkdir("/dir"), ErrReadOnlyArchive)
	assert.ErrorIs(t, v.Remove("/a.txt"), ErrReadOnlyArchive)

	data, err := os.ReadFile(base.NativePath("a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "original", string(data), "content is unchanged")
}

func TestWriteOutsideWritableMount(t *testing.T) {
	v := New(newTestIO(t))
	t.Cleanup(func() { v.Shutdown() })

	write := newTestDir(t, false, nil)
	require.NoError(t, v.Mount(write, "/save", true))

	_, err := v.OpenWrite("/other/file")
	assert.ErrorIs(t, err, ErrReadOnlyArchive)

	f, err := v.OpenWrite("/save/file")
	require.NoError(t, err)
	require.NoError(t, f.Close())
	assert.True(t, v.Exists("/save/file"))

	_, err = v.OpenWrite("/save")
	assert.ErrorIs(t, err, ErrIsDirectory)
}

func TestFileModeChecks(t *testing.T) {
	v, _, _ := setupTestVFS(t)

	r, err := v.OpenRead("/config.ini")
	require.NoError(t, err)
	_, err = r.Write([]byte("x"))
	assert.ErrorIs(t, err, ErrReadOnlyArchive)
	require.NoError(t, r.Flush(), "flushing a read handle does nothing")
	require.NoError(t, r.Close())

	w, err := v.OpenWrite("/new.txt")
	require.NoError(t, err)
	_, err = w.Read(make([]byte, 1))
	assert.ErrorIs(t, err, ErrWriteOnly)
	require.NoError(t, w.Close())
}

func TestCloseIsIdempotent(t *testing.T) {
	v, _, _ := setupTestVFS(t)

	f, err := v.OpenRead("/config.ini")
	require.NoError(t, err)
	assert.Equal(t, 1, v.OpenHandles())

	got, ok := v.Handle(f.ID())
	require.True(t, ok)
	assert.Same(t, f, got)

	require.NoError(t, f.Close())
	require.NoError(t, f.Close())
	assert.Zero(t, v.OpenHandles())

	_, ok = v.Handle(f.ID())
	assert.False(t, ok)

	_, err = f.Read(make([]byte, 1))
	assert.ErrorIs(t, err, ErrClosed)
	_, err = f.Seek(0, io.SeekStart)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = f.Tell()
	assert.ErrorIs(t, err, ErrClosed)
}

func TestSeekTell(t *testing.T) {
	v, _, _ := setupTestVFS(t)

	f, err := v.OpenRead("/shared/write.txt")
	require.NoError(t, err)
	defer f.Close()

	pos, err := f.Seek(6, io.SeekStart)
	require.NoError(t, err)
	assert.EqualValues(t, 6, pos)

	tell, err := f.Tell()
	require.NoError(t, err)
	assert.EqualValues(t, 6, tell)

	rest, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, "only", string(rest))
}

func TestEnumerateMergesMounts(t *testing.T) {
	v, _, _ := setupTestVFS(t)

	entries, err := v.ReadDir("/shared", false)
	require.NoError(t, err)
	names := entryNames(entries)
	assert.ElementsMatch(t, []string{"common.txt", "base.txt", "write.txt"}, names)

	seen := make(map[string]int)
	for _, name := range names {
		seen[name]++
	}
	for name, count := range seen {
		assert.Equal(t, 1, count, "%q is reported once", name)
	}

	root, err := v.ReadDir("/", false)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"config.ini", "shared", "docs"}, entryNames(root))
}

func TestEnumerateFirstOccurrenceWins(t *testing.T) {
	v := New(newTestIO(t))
	t.Cleanup(func() { v.Shutdown() })

	files := newTestDir(t, true, map[string]string{"thing": "a file"})
	dirs := newTestDir(t, true, map[string]string{"thing/": ""})
	require.NoError(t, v.Mount(files, "/", false))
	require.NoError(t, v.Mount(dirs, "/", false))

	entries, err := v.ReadDir("/", false)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, KindFile, entries[0].Kind)
}

func TestEnumerateMountPoints(t *testing.T) {
	v := New(newTestIO(t))
	t.Cleanup(func() { v.Shutdown() })

	mods := newTestCPIO(t, "mods.cpio", cpioEntry{name: "mod.lua", body: "return {}"})
	require.NoError(t, v.Mount(mods, "/game/mods", false))

	root, err := v.ReadDir("/", false)
	require.NoError(t, err)
	assert.Equal(t, []DirEntry{{Name: "game", Kind: KindDirectory}}, root)

	game, err := v.ReadDir("/game", false)
	require.NoError(t, err)
	assert.Equal(t, []DirEntry{{Name: "mods", Kind: KindDirectory}}, game)

	assert.True(t, v.IsDirectory("/game"))
	assert.Equal(t, "return {}", readAll(t, v, "/game/mods/mod.lua"))

	_, err = v.ReadDir("/nothing", false)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEnumerateCallback(t *testing.T) {
	v, _, _ := setupTestVFS(t)

	var visited int
	err := v.Enumerate("/shared", false, func(DirEntry) error {
		visited++
		return fs.SkipAll
	})
	require.NoError(t, err)
	assert.Equal(t, 1, visited)

	stop := errors.New("stop")
	err = v.Enumerate("/shared", false, func(DirEntry) error { return stop })
	assert.ErrorIs(t, err, stop)

	err = v.Enumerate("/", false, func(entry DirEntry) error {
		_, err := v.Stat(Join("/", entry.Name))
		return err
	})
	assert.NoError(t, err, "callbacks may call back into the filesystem")

	err = v.Enumerate("/config.ini", false, func(DirEntry) error { return nil })
	assert.ErrorIs(t, err, ErrNotDirectory)
}

func TestStatQueries(t *testing.T) {
	v, base, _ := setupTestVFS(t)

	st, err := v.Stat("/config.ini")
	require.NoError(t, err)
	assert.Equal(t, "config.ini", st.Name)
	assert.Equal(t, KindFile, st.Kind)
	assert.EqualValues(t, 4, st.Size)
	assert.True(t, st.ReadOnly, "served from the read-only layer")

	st, err = v.Stat("/shared/write.txt")
	require.NoError(t, err)
	assert.False(t, st.ReadOnly)

	st, err = v.Stat("/")
	require.NoError(t, err)
	assert.True(t, st.IsDir())

	assert.True(t, v.Exists("/docs"))
	assert.True(t, v.IsDirectory("/docs"))
	assert.False(t, v.IsDirectory("/config.ini"))
	assert.False(t, v.Exists("/missing"))

	isLink, err := v.IsSymlink("/config.ini")
	require.NoError(t, err)
	assert.False(t, isLink)

	_, err = v.IsSymlink("/missing")
	assert.ErrorIs(t, err, ErrNotFound)

	modified, err := v.LastModified("/config.ini")
	require.NoError(t, err)
	info, err := os.Stat(base.NativePath("config.ini"))
	require.NoError(t, err)
	assert.Equal(t, info.ModTime().Unix(), modified)

	modified, err = v.LastModified("/missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.EqualValues(t, -1, modified)

	source, err := v.RealDir("/config.ini")
	require.NoError(t, err)
	assert.Equal(t, base.Name(), source)
}

func TestMkdirAndRemove(t *testing.T) {
	v, _, write := setupTestVFS(t)

	require.NoError(t, v.Mkdir("/a/b/c"))
	require.NoError(t, v.Mkdir("/a/b/c"), "existing directory is not an error")
	assert.True(t, v.IsDirectory("/a/b/c"))

	assert.ErrorIs(t, v.Mkdir("/shared/write.txt"), ErrAlreadyExists)
	require.NoError(t, v.Mkdir("/"))

	require.NoError(t, v.Remove("/a/b/c"))
	assert.False(t, v.Exists("/a/b/c"))

	assert.ErrorIs(t, v.Remove("/"), ErrInvalidPath)
	assert.ErrorIs(t, v.Remove("/missing"), ErrNotFound)

	require.NoError(t, v.Remove("/shared/write.txt"))
	_, err := write.Stat("shared/write.txt")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUnmountKeepsOpenFiles(t *testing.T) {
	v := New(newTestIO(t))
	t.Cleanup(func() { v.Shutdown() })

	archive := newTestCPIO(t, "data.cpio", cpioEntry{name: "f", body: "still here"})
	require.NoError(t, v.Mount(archive, "/", false))

	f, err := v.OpenRead("/f")
	require.NoError(t, err)

	require.NoError(t, v.Unmount(archive))
	assert.False(t, v.Exists("/f"))
	assert.Empty(t, v.Mounts())

	data, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, "still here", string(data))
	require.NoError(t, f.Close())

	assert.ErrorIs(t, v.Unmount(archive), ErrNotMounted)
}

func TestWritableMount(t *testing.T) {
	v, _, write := setupTestVFS(t)

	entry, ok := v.WritableMount()
	require.True(t, ok)
	assert.Same(t, write, entry.Archive)
	assert.Equal(t, "/", entry.MountPoint)

	other := newTestDir(t, false, nil)
	assert.ErrorIs(t, v.Mount(other, "/x", true), ErrMountConflict)
	assert.Len(t, v.Mounts(), 2)
}

func TestMountDirectory(t *testing.T) {
	v := New(newTestIO(t))
	t.Cleanup(func() { v.Shutdown() })

	dir := t.TempDir()
	writeTree(t, dir, map[string]string{"x": "y"})

	archive, err := v.MountDirectory(dir, "/host", false)
	require.NoError(t, err)
	assert.False(t, archive.Capabilities().Writable)
	assert.Equal(t, "y", readAll(t, v, "/host/x"))

	_, err = New(nil).MountDirectory(dir, "/", false)
	assert.ErrorIs(t, err, errors.ErrUnsupported)
}

func TestShutdown(t *testing.T) {
	v, base, _ := setupTestVFS(t)

	f, err := v.OpenRead("/config.ini")
	require.NoError(t, err)
	_, err = v.OpenWrite("/leaked.txt")
	require.NoError(t, err)
	assert.Equal(t, 2, v.OpenHandles())

	require.NoError(t, v.Shutdown())
	assert.Zero(t, v.OpenHandles())

	_, err = f.Read(make([]byte, 1))
	assert.ErrorIs(t, err, ErrClosed)
	require.NoError(t, f.Close())

	_, err = v.OpenRead("/config.ini")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, v.Mount(newTestDir(t, true, nil), "/", false), ErrClosed)
	assert.ErrorIs(t, v.Unmount(base), ErrClosed)
	_, err = v.RealDir("/config.ini")
	assert.ErrorIs(t, err, ErrClosed)
	require.NoError(t, v.Shutdown())
}

func TestSymlinksStayInsideMounts(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("creating symlinks needs privileges on windows")
	}

	outside := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(outside, "secret"), []byte("host secret"), 0o644))

	v := New(newTestIO(t))
	t.Cleanup(func() { v.Shutdown() })
	write := newTestDir(t, false, map[string]string{"plain.txt": "plain"})
	require.NoError(t, os.Symlink(outside, write.NativePath("link")))
	require.NoError(t, os.Symlink("plain.txt", write.NativePath("alias.txt")))
	require.NoError(t, v.Mount(write, "/", true))
	assert.False(t, v.SymlinksPermitted())

	t.Run("Forbidden", func(t *testing.T) {
		_, err := v.OpenRead("/link/secret")
		assert.ErrorIs(t, err, ErrSymlinkForbidden)
		_, err = v.OpenRead("/alias.txt")
		assert.ErrorIs(t, err, ErrSymlinkForbidden)
		_, err = v.Stat("/link")
		assert.ErrorIs(t, err, ErrSymlinkForbidden)
		assert.False(t, v.Exists("/link/secret"))
		_, err = v.RealDir("/link/secret")
		assert.ErrorIs(t, err, ErrSymlinkForbidden)

		_, err = v.ReadDir("/link", true)
		assert.ErrorIs(t, err, ErrSymlinkForbidden)
		root, err := v.ReadDir("/", false)
		require.NoError(t, err)
		assert.Equal(t, []string{"plain.txt"}, entryNames(root))

		_, err = v.OpenWrite("/link/planted")
		assert.ErrorIs(t, err, ErrSymlinkForbidden)
		_, err = v.OpenAppend("/alias.txt")
		assert.ErrorIs(t, err, ErrSymlinkForbidden)
		assert.ErrorIs(t, v.Mkdir("/link/sub"), ErrSymlinkForbidden)
		assert.ErrorIs(t, v.Remove("/link/secret"), ErrSymlinkForbidden)

		entries, err := os.ReadDir(outside)
		require.NoError(t, err)
		assert.Len(t, entries, 1, "nothing was created outside the mount")
		assert.Equal(t, "plain", readAll(t, v, "/plain.txt"))
	})

	t.Run("Permitted", func(t *testing.T) {
		v.PermitSymlinks(true)
		defer v.PermitSymlinks(false)

		assert.Equal(t, "host secret", readAll(t, v, "/link/secret"))
		assert.Equal(t, "plain", readAll(t, v, "/alias.txt"))

		isLink, err := v.IsSymlink("/alias.txt")
		require.NoError(t, err)
		assert.True(t, isLink)

		root, err := v.ReadDir("/", false)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"plain.txt", "link", "alias.txt"}, entryNames(root))

		root, err = v.ReadDir("/", true)
		require.NoError(t, err)
		assert.Equal(t, []string{"plain.txt"}, entryNames(root))
	})
}

func TestConcurrentAccess(t *testing.T) {
	v, _, _ := setupTestVFS(t)

	var g errgroup.Group
	for i := 0; i < 16; i++ {
		i := i
		g.Go(func() error {
			name := fmt.Sprintf("/worker/%d/out.txt", i)
			w, err := v.OpenWrite(name)
			if err != nil {
				return err
			}
			if _, err := fmt.Fprintf(w, "worker %d", i); err != nil {
				w.Close()
				return err
			}
			if err := w.Close(); err != nil {
				return err
			}

			r, err := v.OpenRead("/config.ini")
			if err != nil {
				return err
			}
			defer r.Close()
			data, err := io.ReadAll(r)
			if err != nil {
				return err
			}
			if string(data) != "base" {
				return fmt.Errorf("worker %d read %q", i, data)
			}
			_, err = v.ReadDir("/worker", false)
			return err
		})
	}
	extra := newTestCPIO(t, "extra.cpio", cpioEntry{name: "e", body: "e"})
	g.Go(func() error {
		if err := v.Mount(extra, "/extra", false); err != nil {
			return err
		}
		return v.Unmount(extra)
	})
	require.NoError(t, g.Wait())

	entries, err := v.ReadDir("/worker", false)
	require.NoError(t, err)
	assert.Len(t, entries, 16)
	assert.Equal(t, "worker 7", readAll(t, v, "/worker/7/out.txt"))
	assert.Zero(t, v.OpenHandles())
}

func TestToErrno(t *testing.T) {
	tests := []struct {
		err  error
		want syscall.Errno
	}{
		{newError(OpOpen, "/x", ErrNotFound), syscall.ENOENT},
		{newError(OpOpen, "/x", ErrReadOnlyArchive), syscall.EROFS},
		{newError(OpMkdir, "/x", ErrAlreadyExists), syscall.EEXIST},
		{newError(OpOpen, "/x", ErrIsDirectory), syscall.EISDIR},
		{newError(OpEnumerate, "/x", ErrNotDirectory), syscall.ENOTDIR},
		{newError(OpRead, "/x", ErrClosed), syscall.EBADF},
		{newError(OpRead, "/x", ErrWriteOnly), syscall.EBADF},
		{newError(OpOpen, "/x", ErrInvalidPath), syscall.EINVAL},
		{newError(OpMount, "/x", ErrMountConflict), syscall.EBUSY},
		{newError(OpStat, "/x", ErrSymlinkForbidden), syscall.ELOOP},
		{ioFailure(errors.New("disk on fire")), syscall.EIO},
		{os.ErrNotExist, syscall.ENOENT},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, ToErrno(tt.err), "%v", tt.err)
	}
	assert.Zero(t, ToErrno(nil))
}
