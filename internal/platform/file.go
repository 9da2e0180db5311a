package platform

import (
	"errors"
	"io"
	"io/fs"
	"os"
)

// File is an open host file. It is not safe for concurrent use.
type File struct {
	f        *os.File
	readOnly bool
}

// Name returns the native path the file was opened with.
func (f *File) Name() string {
	return f.f.Name()
}

// ReadOnly reports whether the file was opened for reading only.
func (f *File) ReadOnly() bool {
	return f.readOnly
}

func (f *File) Read(p []byte) (int, error) {
	return f.f.Read(p)
}

func (f *File) Write(p []byte) (int, error) {
	return f.f.Write(p)
}

// Seek implements io.Seeker.
func (f *File) Seek(offset int64, whence int) (int64, error) {
	return f.f.Seek(offset, whence)
}

// Tell returns the current offset.
func (f *File) Tell() (int64, error) {
	return f.f.Seek(0, io.SeekCurrent)
}

// Length returns the current size of the file.
func (f *File) Length() (int64, error) {
	info, err := f.f.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// EOF reports whether the offset has reached the end of the file. A zero
// length file is always at EOF.
func (f *File) EOF() (bool, error) {
	length, err := f.Length()
	if err != nil {
		return false, err
	}
	if length == 0 {
		return true, nil
	}

	pos, err := f.Tell()
	if err != nil {
		return false, err
	}
	return pos >= length, nil
}

// Flush forces written data to stable storage. It is a no-op for read-only
// files.
func (f *File) Flush() error {
	if f.readOnly {
		return nil
	}
	return f.f.Sync()
}

// Close releases the native handle.
func (f *File) Close() error {
	return f.f.Close()
}

// DirReader lazily enumerates a host directory in batches. It never yields
// "." or "..".
type DirReader struct {
	dir     *os.File
	pending []fs.DirEntry
	done    bool
}

const dirBatchSize = 64

// Next returns the next entry or io.EOF once the directory is exhausted.
func (r *DirReader) Next() (fs.DirEntry, error) {
	for {
		if len(r.pending) > 0 {
			entry := r.pending[0]
			r.pending = r.pending[1:]
			if name := entry.Name(); name == "." || name == ".." {
				continue
			}
			return entry, nil
		}
		if r.done {
			return nil, io.EOF
		}

		batch, err := r.dir.ReadDir(dirBatchSize)
		if errors.Is(err, io.EOF) || (err == nil && len(batch) == 0) {
			r.done = true
			continue
		}
		if err != nil {
			return nil, err
		}
		r.pending = batch
	}
}

// Close releases the directory handle.
func (r *DirReader) Close() error {
	return r.dir.Close()
}
