package minhash

import (
	"context"
	"os"
	"time"
)

// TrashEntry is a file waiting in the trash for permanent removal.
type TrashEntry struct {
	Path        string    `json:"-"`
	SidecarPath string    `json:"-"`
	Checksum    string    `json:"checksum"`
	Size        int64     `json:"size"`
	DeletedAt   time.Time `json:"deleted_at"`
}

// Archiver keeps a copy of a trash entry before it is purged.
type Archiver interface {
	Archive(ctx context.Context, entry TrashEntry) error
}

// FileStore manages content-addressed signature files and their trash.
type FileStore interface {
	// StagingFile creates a temp file on the same filesystem as the store.
	StagingFile() (*os.File, error)
	FileSHA256Hex(path string) (string, error)
	CanonicalPath(checksum string) string
	// EnsureFile moves tmpPath to the canonical path for checksum. When the
	// canonical file already exists, tmpPath is removed and created is false.
	EnsureFile(tmpPath, checksum string) (finalPath string, created bool, err error)
	MoveToTrash(path, checksum string) (string, error)
	Exists(path string) (bool, error)
	// CheckFileIntegrity reports whether the file hashes to expected. A
	// missing file is reported as false with no error.
	CheckFileIntegrity(path, expected string) (bool, error)
	ReadFile(path string) ([]byte, error)
	// PurgeOlderThan removes trash entries deleted before cutoff. A non-nil
	// archiver must succeed for an entry before it is removed.
	PurgeOlderThan(ctx context.Context, cutoff time.Time, archiver Archiver) (int, error)
	// Ingest runs fn so that no SweepOrphans pass overlaps it.
	Ingest(ctx context.Context, fn func() error) error
	// SweepOrphans removes canonical and staging files older than olderThan
	// whose checksum referenced reports as unused.
	SweepOrphans(ctx context.Context, referenced func(checksum string) (bool, error), olderThan time.Time) (int, error)
}
