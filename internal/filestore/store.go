// Package filestore keeps signature files in a content-addressed directory
// tree and moves deleted files into a dated trash tree.
package filestore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"minhash-go/internal/errclass"
	"minhash-go/internal/lock"
	"minhash-go/internal/minhash"
)

const (
	stagingDirName    = ".staging"
	ingestLockName    = ".ingest.lock"
	fileExt           = ".sig"
	hashBufSize       = 8 * 1024
	ingestLockTimeout = 5 * time.Minute
)

// Store is a filesystem implementation of minhash.FileStore. Files live at
//
//	<root>/<c0>/<c1>/<checksum>.sig
//
// where c0 and c1 are the first two pairs of hex characters of the checksum.
type Store struct {
	root       string
	trashRoot  string
	stagingDir string
	logger     minhash.Logger
	clock      minhash.Clock
}

var _ minhash.FileStore = (*Store)(nil)

// NewStore creates the store, staging and trash directories if needed.
func NewStore(root, trashRoot string, logger minhash.Logger, clock minhash.Clock) (*Store, error) {
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving signature dir: %w", err)
	}
	trashRoot, err = filepath.Abs(trashRoot)
	if err != nil {
		return nil, fmt.Errorf("resolving trash dir: %w", err)
	}
	if root == trashRoot {
		return nil, errclass.ErrMalformed.WithMessagef("trash dir must differ from signature dir: %s", root)
	}

	s := &Store{
		root:       root,
		trashRoot:  trashRoot,
		stagingDir: filepath.Join(root, stagingDirName),
		logger:     logger,
		clock:      clock,
	}
	for _, dir := range []string{s.root, s.stagingDir, s.trashRoot} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating directory %s: %w", dir, err)
		}
	}
	return s, nil
}

// Root returns the absolute signature directory.
func (s *Store) Root() string { return s.root }

func (s *Store) ingestLockPath() string { return filepath.Join(s.root, ingestLockName) }

// Ingest runs fn under a shared lock that SweepOrphans takes exclusively.
// Placing a file and recording its reference inside fn keeps a sweep from
// seeing the file unreferenced in between.
func (s *Store) Ingest(ctx context.Context, fn func() error) error {
	return lock.WithShared(ctx, s.ingestLockPath(), ingestLockTimeout, fn)
}

// StagingFile creates a temp file under the store root.
func (s *Store) StagingFile() (*os.File, error) {
	f, err := os.CreateTemp(s.stagingDir, "upload-*"+fileExt)
	if err != nil {
		return nil, fmt.Errorf("creating staging file: %w", err)
	}
	return f, nil
}

// FileSHA256Hex hashes the file at path.
func (s *Store) FileSHA256Hex(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", errclass.ErrNotFound.WithMessagef("file %s", path)
		}
		return "", fmt.Errorf("opening file: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	buf := make([]byte, hashBufSize)
	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return "", fmt.Errorf("hashing file: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// CanonicalPath returns where a file with checksum is stored.
func (s *Store) CanonicalPath(checksum string) string {
	checksum = strings.ToLower(checksum)
	return filepath.Join(s.root, checksum[0:2], checksum[2:4], checksum+fileExt)
}

// EnsureFile moves tmpPath to its canonical location. If the canonical file
// already exists the temp file is discarded and the existing file's mtime
// is refreshed.
func (s *Store) EnsureFile(tmpPath, checksum string) (string, bool, error) {
	if _, err := minhash.ParseFileChecksum(checksum); err != nil {
		return "", false, err
	}
	finalPath := s.CanonicalPath(checksum)
	dir := filepath.Dir(finalPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", false, fmt.Errorf("creating shard directory: %w", err)
	}

	// Touching the existing file restarts its orphan grace period. If a
	// sweep removed it in the meantime, the staged copy takes its place.
	now := time.Now()
	err := os.Chtimes(finalPath, now, now)
	if err == nil {
		if err := os.Remove(tmpPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return "", false, fmt.Errorf("removing staged duplicate: %w", err)
		}
		return finalPath, false, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return "", false, fmt.Errorf("touching %s: %w", finalPath, err)
	}

	// Identical content may land here concurrently; renaming over it is harmless.
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return "", false, fmt.Errorf("moving staged file: %w", err)
	}
	if err := fsyncDir(dir); err != nil {
		return "", false, err
	}
	return finalPath, true, nil
}

// Exists reports whether path exists.
func (s *Store) Exists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("checking %s: %w", path, err)
}

// CheckFileIntegrity compares the file's SHA-256 against expected.
func (s *Store) CheckFileIntegrity(path, expected string) (bool, error) {
	sum, err := s.FileSHA256Hex(path)
	if err != nil {
		if errors.Is(err, errclass.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return sum == strings.ToLower(expected), nil
}

// ReadFile returns the contents of a stored file.
func (s *Store) ReadFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, errclass.ErrNotFound.WithMessagef("file %s", path)
		}
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return data, nil
}

// writeFileAtomic writes data to path via a temp file in the same directory.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to write data: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	success = true
	return fsyncDir(dir)
}

func fsyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("opening directory for sync: %w", err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("syncing directory: %w", err)
	}
	return nil
}

// moveFile renames src to dst, falling back to copy and remove when the two
// paths are on different filesystems.
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}

	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("creating %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return fmt.Errorf("copying to %s: %w", dst, err)
	}
	if err := out.Sync(); err != nil {
		out.Close()
		os.Remove(dst)
		return fmt.Errorf("syncing %s: %w", dst, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", dst, err)
	}
	return os.Remove(src)
}
