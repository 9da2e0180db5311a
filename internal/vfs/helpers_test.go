package vfs

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/cavaliergopher/cpio"
	"github.com/stretchr/testify/require"

	"unionvfs/internal/platform"
)

// newTestIO returns the host platform rooted at the test binary.
func newTestIO(t *testing.T) platform.IO {
	t.Helper()
	ctx, err := platform.NewContext(os.Args[0])
	require.NoError(t, err)
	return platform.NewOS(ctx)
}

// writeTree creates files below dir. Keys ending in "/" create directories.
func writeTree(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		native := filepath.Join(dir, filepath.FromSlash(name))
		if name[len(name)-1] == '/' {
			require.NoError(t, os.MkdirAll(native, 0o755))
			continue
		}
		require.NoError(t, os.MkdirAll(filepath.Dir(native), 0o755))
		require.NoError(t, os.WriteFile(native, []byte(content), 0o644))
	}
}

// newTestDir creates a populated temporary directory archive.
func newTestDir(t *testing.T, readOnly bool, files map[string]string) *DirectoryArchive {
	t.Helper()
	dir := t.TempDir()
	writeTree(t, dir, files)
	archive, err := NewDirectoryArchive(newTestIO(t), dir, readOnly)
	require.NoError(t, err)
	return archive
}

type cpioEntry struct {
	name   string
	body   string
	dir    bool
	target string
}

// buildCPIO encodes entries into a newc stream.
func buildCPIO(t *testing.T, entries ...cpioEntry) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := cpio.NewWriter(&buf)

	for _, e := range entries {
		hdr := &cpio.Header{Name: e.name}
		var body string
		switch {
		case e.dir:
			hdr.Mode = cpio.TypeDir | 0o755
		case e.target != "":
			hdr.Mode = cpio.TypeSymlink | cpio.ModePerm
			body = e.target
		default:
			hdr.Mode = cpio.TypeReg | 0o644
			body = e.body
		}
		hdr.Size = int64(len(body))

		require.NoError(t, w.WriteHeader(hdr))
		if body != "" {
			_, err := w.Write([]byte(body))
			require.NoError(t, err)
		}
	}

	require.NoError(t, w.Close())
	return buf.Bytes()
}

func newTestCPIO(t *testing.T, name string, entries ...cpioEntry) *CPIOArchive {
	t.Helper()
	archive, err := NewCPIOArchive(name, bytes.NewReader(buildCPIO(t, entries...)))
	require.NoError(t, err)
	return archive
}

func readAll(t *testing.T, v *VFS, path string) string {
	t.Helper()
	f, err := v.OpenRead(path)
	require.NoError(t, err)
	defer f.Close()

	data, err := io.ReadAll(f)
	require.NoError(t, err)
	return string(data)
}

func entryNames(entries []DirEntry) []string {
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name)
	}
	return names
}
