package platform

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestOS(t *testing.T) *OS {
	t.Helper()
	ctx, err := NewContext(os.Args[0])
	require.NoError(t, err)
	return NewOS(ctx)
}

func TestFileLifecycle(t *testing.T) {
	p := newTestOS(t)
	path := filepath.Join(t.TempDir(), "data.bin")

	w, err := p.OpenWrite(path)
	require.NoError(t, err)

	eof, err := w.EOF()
	require.NoError(t, err)
	assert.True(t, eof, "zero length file is always at EOF")

	n, err := w.Write([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	require.NoError(t, w.Flush())
	require.NoError(t, w.Close())

	a, err := p.OpenAppend(path)
	require.NoError(t, err)
	pos, err := a.Tell()
	require.NoError(t, err)
	assert.EqualValues(t, 5, pos, "append starts at the end")
	_, err = a.Write([]byte(" world"))
	require.NoError(t, err)
	require.NoError(t, a.Close())

	r, err := p.OpenRead(path)
	require.NoError(t, err)
	defer r.Close()

	length, err := r.Length()
	require.NoError(t, err)
	assert.EqualValues(t, 11, length)

	_, err = r.Seek(6, io.SeekStart)
	require.NoError(t, err)
	rest, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "world", string(rest))

	eof, err = r.EOF()
	require.NoError(t, err)
	assert.True(t, eof)
	assert.NoError(t, r.Flush(), "flush on a read-only file is a no-op")
}

func TestOpenReadMissing(t *testing.T) {
	p := newTestOS(t)
	_, err := p.OpenRead(filepath.Join(t.TempDir(), "missing"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestDirectoryOperations(t *testing.T) {
	p := newTestOS(t)
	root := t.TempDir()

	sub := p.ToNative(root, "a/b")
	require.NoError(t, p.Mkdir(p.ToNative(root, "a")))
	require.NoError(t, p.Mkdir(sub))
	assert.True(t, p.IsDirectory(sub))
	assert.True(t, p.Exists(sub))

	for _, name := range []string{"one", "two", "three"} {
		require.NoError(t, os.WriteFile(filepath.Join(sub, name), nil, 0o644))
	}

	reader, err := p.ReadDir(sub)
	require.NoError(t, err)
	var names []string
	for {
		entry, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		names = append(names, entry.Name())
	}
	require.NoError(t, reader.Close())
	assert.ElementsMatch(t, []string{"one", "two", "three"}, names)

	modified, err := p.LastModified(filepath.Join(sub, "one"))
	require.NoError(t, err)
	assert.InDelta(t, time.Now().Unix(), modified, 60)

	assert.Error(t, p.Delete(sub), "non-empty directory cannot be deleted")
	for _, name := range names {
		require.NoError(t, p.Delete(filepath.Join(sub, name)))
	}
	require.NoError(t, p.Delete(sub))
	assert.False(t, p.Exists(sub))
}

func TestIsSymlink(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("creating symlinks requires privileges on windows")
	}
	p := newTestOS(t)
	root := t.TempDir()
	target := filepath.Join(root, "target")
	link := filepath.Join(root, "link")
	require.NoError(t, os.WriteFile(target, []byte("x"), 0o644))
	require.NoError(t, os.Symlink(target, link))

	isLink, err := p.IsSymlink(link)
	require.NoError(t, err)
	assert.True(t, isLink)

	isLink, err = p.IsSymlink(target)
	require.NoError(t, err)
	assert.False(t, isLink)

	_, err = p.IsSymlink(filepath.Join(root, "missing"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestFiletimeToUnix(t *testing.T) {
	tests := []struct {
		name     string
		filetime uint64
		expected int64
	}{
		{name: "unix epoch", filetime: 116444736000000000, expected: 0},
		{name: "one second later", filetime: 116444736010000000, expected: 1},
		{name: "sub-second ticks truncate", filetime: 116444736019999999, expected: 1},
		{name: "2001-09-09T01:46:40Z", filetime: 126444736000000000, expected: 1000000000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, FiletimeToUnix(tt.filetime))
		})
	}
}

func TestContext(t *testing.T) {
	dir := t.TempDir()
	ctx, err := NewContext(filepath.Join(dir, "prog"))
	require.NoError(t, err)
	assert.Equal(t, dir+string(filepath.Separator), ctx.BaseDir)
	assert.NotEmpty(t, ctx.UserDir)

	ctx.configDir = dir
	pref, err := ctx.PrefDir("acme", "game")
	require.NoError(t, err)
	assert.DirExists(t, pref)
	assert.Equal(t, filepath.Join(dir, "acme", "game")+string(filepath.Separator), pref)

	_, err = ctx.PrefDir("acme", "")
	assert.Error(t, err)
}

func TestMutex(t *testing.T) {
	m := NewMutex()
	counter := 0
	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func() {
			for j := 0; j < 100; j++ {
				m.Acquire()
				counter++
				m.Release()
			}
			done <- struct{}{}
		}()
	}
	for i := 0; i < 8; i++ {
		<-done
	}
	assert.Equal(t, 800, counter)

	m.Destroy()
	assert.Panics(t, m.Acquire)
}
