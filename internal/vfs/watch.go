package vfs

import (
	"sync"

	"github.com/fsnotify/fsnotify"

	"unionvfs/internal/logging"
)

var (
	watchLogger = logging.GetLogger().WithPrefix("watch")
)

// EventOp describes a change reported by a Watcher.
type EventOp uint32

const (
	EventCreate EventOp = 1 << iota
	EventWrite
	EventRemove
	EventRename
	EventChmod
)

// Has reports whether op includes other.
func (op EventOp) Has(other EventOp) bool { return op&other != 0 }

// Event is a change to an entry of a watched directory, addressed by its
// logical path.
type Event struct {
	Path string
	Op   EventOp
}

// nativeArchive is implemented by archives backed by a host directory.
type nativeArchive interface {
	NativePath(rel string) string
	RelPath(native string) (string, bool)
}

type watchRoot struct {
	archive    nativeArchive
	mountPoint string
}

// Watcher reports changes to the entries of one logical directory in every
// host-backed mount that provides it. Container archives never change and
// are not watched.
type Watcher struct {
	w      *fsnotify.Watcher
	path   string
	roots  []watchRoot
	evC    chan Event
	erC    chan error
	done   chan struct{}
	wg     sync.WaitGroup
	closer sync.Once
}

// Watch starts watching the directory at path.
func (v *VFS) Watch(path string) (*Watcher, error) {
	logical, err := normalizeFor(OpWatch, path)
	if err != nil {
		return nil, err
	}

	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.closed {
		return nil, newError(OpWatch, logical, ErrClosed)
	}

	var (
		roots   []watchRoot
		natives []string
	)
	for _, c := range v.mounts.Resolve(logical) {
		na, ok := unwrapArchive(c.Entry.Archive).(nativeArchive)
		if !ok {
			continue
		}
		st, err := v.statCandidate(c)
		if err != nil || !st.IsDir() {
			continue
		}
		roots = append(roots, watchRoot{archive: na, mountPoint: c.Entry.MountPoint})
		natives = append(natives, na.NativePath(c.Rel))
	}
	if len(roots) == 0 {
		return nil, newError(OpWatch, logical, ErrNotFound)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, newError(OpWatch, logical, ioFailure(err))
	}
	for _, native := range natives {
		if err := fw.Add(native); err != nil {
			fw.Close()
			return nil, newError(OpWatch, logical, classify(err))
		}
	}

	w := &Watcher{
		w:     fw,
		path:  logical,
		roots: roots,
		evC:   make(chan Event, 128),
		erC:   make(chan error, 1),
		done:  make(chan struct{}),
	}
	w.wg.Add(1)
	go w.loop()

	watchLogger.Debug("Watching %q in %d directories", logical, len(natives))
	return w, nil
}

func translateOp(op fsnotify.Op) EventOp {
	var out EventOp
	if op.Has(fsnotify.Create) {
		out |= EventCreate
	}
	if op.Has(fsnotify.Write) {
		out |= EventWrite
	}
	if op.Has(fsnotify.Remove) {
		out |= EventRemove
	}
	if op.Has(fsnotify.Rename) {
		out |= EventRename
	}
	if op.Has(fsnotify.Chmod) {
		out |= EventChmod
	}
	return out
}

// logicalPath maps a host path reported by fsnotify back into the namespace.
func (w *Watcher) logicalPath(native string) (string, bool) {
	for _, root := range w.roots {
		rel, ok := root.archive.RelPath(native)
		if !ok {
			continue
		}
		if rel == "" {
			return root.mountPoint, true
		}
		return Join(root.mountPoint, rel), true
	}
	return "", false
}

func (w *Watcher) loop() {
	defer w.wg.Done()
	defer close(w.erC)
	defer close(w.evC)
	for {
		select {
		case ev, ok := <-w.w.Events:
			if !ok {
				return
			}
			logical, ok := w.logicalPath(ev.Name)
			if !ok {
				watchLogger.Trace("Dropping event for unmapped path %q", ev.Name)
				continue
			}
			select {
			case w.evC <- Event{Path: logical, Op: translateOp(ev.Op)}:
			case <-w.done:
				return
			}
		case err, ok := <-w.w.Errors:
			if !ok {
				return
			}
			select {
			case w.erC <- newError(OpWatch, w.path, ioFailure(err)):
			default:
				watchLogger.Warn("Dropping watch error for %q: %v", w.path, err)
			}
		case <-w.done:
			return
		}
	}
}

// Path returns the watched logical directory.
func (w *Watcher) Path() string { return w.path }

// Events returns the channel changes are delivered on. It is closed once
// the watcher stops.
func (w *Watcher) Events() <-chan Event { return w.evC }

// Errors returns the channel watch failures are delivered on. It is closed
// once the watcher stops.
func (w *Watcher) Errors() <-chan error { return w.erC }

// Close stops the watcher. Pending events are discarded.
func (w *Watcher) Close() error {
	var err error
	w.closer.Do(func() {
		close(w.done)
		err = w.w.Close()
		w.wg.Wait()
	})
	return err
}
