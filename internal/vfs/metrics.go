package vfs

import (
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	archivePrometheusMetrics sync.Once

	archiveOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "unionvfs",
			Subsystem: "archive",
			Name:      "operations_total",
			Help:      "Number of archive operations, partitioned by archive type, operation and result.",
		},
		[]string{"archive_type", "operation", "result"})
	archiveFilesOpened = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "unionvfs",
			Subsystem: "archive",
			Name:      "files_opened_total",
			Help:      "Number of times a file was opened from an archive.",
		},
		[]string{"archive_type", "mode"})
	archiveFilesClosed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "unionvfs",
			Subsystem: "archive",
			Name:      "files_closed_total",
			Help:      "Number of times a file opened from an archive was closed.",
		},
		[]string{"archive_type"})
)

type metricsArchive struct {
	Archive
	archiveType string
}

// NewMetricsArchive creates a decorator for Archive that exposes Prometheus
// metrics on the operations performed against it and on how many files are
// opened and closed.
func NewMetricsArchive(base Archive, archiveType string) Archive {
	archivePrometheusMetrics.Do(func() {
		prometheus.MustRegister(archiveOperations)
		prometheus.MustRegister(archiveFilesOpened)
		prometheus.MustRegister(archiveFilesClosed)
	})

	return &metricsArchive{
		Archive:     base,
		archiveType: archiveType,
	}
}

// Unwrap returns the decorated archive.
func (a *metricsArchive) Unwrap() Archive {
	return a.Archive
}

func (a *metricsArchive) observe(operation string, err error) {
	result := "success"
	switch {
	case err == nil:
	case errors.Is(err, ErrNotFound):
		result = "not_found"
	default:
		result = "failure"
	}
	archiveOperations.WithLabelValues(a.archiveType, operation, result).Inc()
}

func (a *metricsArchive) wrapFile(f ArchiveFile, mode OpenMode) ArchiveFile {
	archiveFilesOpened.WithLabelValues(a.archiveType, mode.String()).Inc()
	return &metricsFile{
		ArchiveFile: f,
		closed:      archiveFilesClosed.WithLabelValues(a.archiveType),
	}
}

func (a *metricsArchive) OpenRead(rel string) (ArchiveFile, error) {
	f, err := a.Archive.OpenRead(rel)
	a.observe(OpOpen, err)
	if err != nil {
		return nil, err
	}
	return a.wrapFile(f, ModeRead), nil
}

func (a *metricsArchive) OpenWrite(rel string, appending bool) (ArchiveFile, error) {
	f, err := a.Archive.OpenWrite(rel, appending)
	a.observe(OpOpen, err)
	if err != nil {
		return nil, err
	}
	mode := ModeWrite
	if appending {
		mode = ModeAppend
	}
	return a.wrapFile(f, mode), nil
}

func (a *metricsArchive) Stat(rel string) (Stat, error) {
	st, err := a.Archive.Stat(rel)
	a.observe(OpStat, err)
	return st, err
}

func (a *metricsArchive) Enumerate(rel string, omitSymlinks bool) (DirIterator, error) {
	it, err := a.Archive.Enumerate(rel, omitSymlinks)
	a.observe(OpEnumerate, err)
	return it, err
}

func (a *metricsArchive) Remove(rel string) error {
	err := a.Archive.Remove(rel)
	a.observe(OpRemove, err)
	return err
}

func (a *metricsArchive) Mkdir(rel string) error {
	err := a.Archive.Mkdir(rel)
	a.observe(OpMkdir, err)
	return err
}

type metricsFile struct {
	ArchiveFile
	closed prometheus.Counter
}

func (f *metricsFile) Close() error {
	err := f.ArchiveFile.Close()
	f.ArchiveFile = nil
	f.closed.Inc()
	return err
}

// unwrapArchive strips decorators such as the one returned by
// NewMetricsArchive.
func unwrapArchive(a Archive) Archive {
	for {
		u, ok := a.(interface{ Unwrap() Archive })
		if !ok {
			return a
		}
		a = u.Unwrap()
	}
}
