package vfs

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/cavaliergopher/cpio"

	"unionvfs/internal/logging"
)

var (
	cpioLogger = logging.GetLogger().WithPrefix("cpio")
)

type cpioNode struct {
	kind     EntryKind
	data     []byte
	modTime  time.Time
	children []string
}

// CPIOArchive is a read-only container archive decoded from a cpio stream.
// The whole tree is indexed in memory when the archive is opened; files
// opened from it keep their data after the archive is closed.
type CPIOArchive struct {
	name  string
	nodes map[string]*cpioNode
}

var _ Archive = (*CPIOArchive)(nil)

// OpenCPIOArchive reads the cpio file at the host path.
func OpenCPIOArchive(path string) (*CPIOArchive, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, newError(OpMount, path, classify(err))
	}
	defer f.Close()

	return NewCPIOArchive(path, f)
}

// NewCPIOArchive decodes a cpio stream. Parent directories missing from the
// stream are synthesized. Later entries replace earlier ones with the same
// name, matching how the kernel unpacks an initramfs.
func NewCPIOArchive(name string, r io.Reader) (*CPIOArchive, error) {
	a := &CPIOArchive{
		name: name,
		nodes: map[string]*cpioNode{
			"": {kind: KindDirectory},
		},
	}

	reader := cpio.NewReader(r)
	for {
		hdr, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, newError(OpMount, name, ioFailure(err))
		}

		rel, err := cpioRelPath(hdr.Name)
		if err != nil {
			return nil, newError(OpMount, name, fmt.Errorf("entry %q: %w", hdr.Name, err))
		}
		if rel == "" {
			continue
		}

		mode := hdr.FileInfo().Mode()
		node := &cpioNode{modTime: hdr.ModTime}
		switch {
		case mode.IsDir():
			node.kind = KindDirectory
		case mode&fs.ModeSymlink != 0:
			node.kind = KindSymlink
			node.data = []byte(hdr.Linkname)
		case mode.IsRegular():
			node.kind = KindFile
			data, err := io.ReadAll(reader)
			if err != nil {
				return nil, newError(OpMount, name, ioFailure(err))
			}
			node.data = data
		default:
			cpioLogger.Debug("Skipping special entry %q (mode %v)", hdr.Name, mode)
			continue
		}

		a.insert(rel, node)
	}

	cpioLogger.Debug("Indexed %d entries from %q", len(a.nodes), name)
	return a, nil
}

func cpioRelPath(name string) (string, error) {
	name = strings.TrimPrefix(name, "./")
	if name == "" || name == "." {
		return "", nil
	}
	logical, err := Normalize(name)
	if err != nil {
		return "", err
	}
	return strings.TrimPrefix(logical, Root), nil
}

func (a *CPIOArchive) insert(rel string, node *cpioNode) {
	parent, base := Split(Root + rel)
	parentRel := strings.TrimPrefix(parent, Root)

	dir, ok := a.nodes[parentRel]
	if !ok || dir.kind != KindDirectory {
		a.insert(parentRel, &cpioNode{kind: KindDirectory, modTime: node.modTime})
		dir = a.nodes[parentRel]
	}

	if existing, ok := a.nodes[rel]; ok {
		if existing.kind == KindDirectory && node.kind == KindDirectory {
			existing.modTime = node.modTime
			return
		}
		a.nodes[rel] = node
		if node.kind == KindDirectory {
			node.children = existing.children
		} else if existing.kind == KindDirectory {
			for name := range a.nodes {
				if strings.HasPrefix(name, rel+"/") {
					delete(a.nodes, name)
				}
			}
		}
		return
	}

	a.nodes[rel] = node
	dir.children = append(dir.children, base)
}

// Name returns the name the archive was opened with.
func (a *CPIOArchive) Name() string {
	return a.name
}

// Capabilities implements Archive.
func (a *CPIOArchive) Capabilities() ArchiveCapabilities {
	return ArchiveCapabilities{Writable: false, Symlinks: true}
}

func (a *CPIOArchive) lookup(rel string) (*cpioNode, error) {
	if a.nodes == nil {
		return nil, ErrClosed
	}
	node, ok := a.nodes[rel]
	if !ok {
		return nil, ErrNotFound
	}
	return node, nil
}

// maxLinkHops bounds symbolic link resolution so cycles terminate.
const maxLinkHops = 40

// resolve follows symbolic links starting at rel. Link targets are
// interpreted inside the archive; a target leaving it does not exist.
func (a *CPIOArchive) resolve(rel string) (*cpioNode, error) {
	for hops := 0; ; hops++ {
		node, err := a.lookup(rel)
		if err != nil || node.kind != KindSymlink {
			return node, err
		}
		if hops == maxLinkHops {
			return nil, fmt.Errorf("%w: too many levels of symbolic links at %s", ErrNotFound, rel)
		}

		target := string(node.data)
		if !strings.HasPrefix(target, "/") {
			parent, _ := Split(Root + rel)
			target = Join(parent, target)
		}
		logical, err := Normalize(target)
		if err != nil {
			cpioLogger.Debug("Link %q points outside %q: %q", rel, a.name, node.data)
			return nil, ErrNotFound
		}
		rel = strings.TrimPrefix(logical, Root)
	}
}

// OpenRead implements Archive. Symbolic links are followed within the
// archive.
func (a *CPIOArchive) OpenRead(rel string) (ArchiveFile, error) {
	node, err := a.resolve(rel)
	if err != nil {
		return nil, err
	}
	if node.kind == KindDirectory {
		return nil, ErrIsDirectory
	}
	return &memFile{reader: bytes.NewReader(node.data), size: int64(len(node.data))}, nil
}

// OpenWrite implements Archive.
func (a *CPIOArchive) OpenWrite(string, bool) (ArchiveFile, error) {
	return nil, ErrReadOnlyArchive
}

// Stat implements Archive.
func (a *CPIOArchive) Stat(rel string) (Stat, error) {
	node, err := a.lookup(rel)
	if err != nil {
		return Stat{}, err
	}
	_, base := Split(Root + rel)
	st := Stat{
		Name:     base,
		Kind:     node.kind,
		ModTime:  node.modTime,
		ReadOnly: true,
	}
	if node.kind != KindDirectory {
		st.Size = int64(len(node.data))
	}
	return st, nil
}

// Enumerate implements Archive. Entries keep their order in the stream.
func (a *CPIOArchive) Enumerate(rel string, omitSymlinks bool) (DirIterator, error) {
	node, err := a.lookup(rel)
	if err != nil {
		return nil, err
	}
	if node.kind != KindDirectory {
		return nil, ErrNotDirectory
	}

	entries := make([]DirEntry, 0, len(node.children))
	for _, name := range node.children {
		child := a.nodes[relJoin(rel, name)]
		if omitSymlinks && child.kind == KindSymlink {
			continue
		}
		entries = append(entries, DirEntry{Name: name, Kind: child.kind})
	}
	return &sliceIterator{entries: entries}, nil
}

// Remove implements Archive.
func (a *CPIOArchive) Remove(string) error {
	return ErrReadOnlyArchive
}

// Mkdir implements Archive.
func (a *CPIOArchive) Mkdir(string) error {
	return ErrReadOnlyArchive
}

// Close drops the index.
func (a *CPIOArchive) Close() error {
	a.nodes = nil
	return nil
}

// memFile is a read-only view of an in-memory file body.
type memFile struct {
	reader *bytes.Reader
	size   int64
}

func (f *memFile) Read(p []byte) (int, error) {
	return f.reader.Read(p)
}

func (f *memFile) Write([]byte) (int, error) {
	return 0, ErrReadOnlyArchive
}

func (f *memFile) Seek(offset int64, whence int) (int64, error) {
	return f.reader.Seek(offset, whence)
}

func (f *memFile) Tell() (int64, error) {
	return f.reader.Seek(0, io.SeekCurrent)
}

func (f *memFile) Length() (int64, error) {
	return f.size, nil
}

func (f *memFile) Flush() error {
	return nil
}

func (f *memFile) Close() error {
	return nil
}
