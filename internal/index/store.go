// Package index stores sketches in a searchable index: a Sequence Bloom Tree
// kept in a single file, or a read-only reverse index kept in Pebble.
package index

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"minhash-go/internal/errclass"
	"minhash-go/internal/lock"
	"minhash-go/internal/minhash"
	"minhash-go/internal/sketch"
)

// Format selects the index backend.
type Format string

const (
	FormatSBT     Format = "SBT"
	FormatReverse Format = "rocksdb"
)

// ParseFormat accepts the backend names case-insensitively.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "sbt", "":
		return FormatSBT, nil
	case "rocksdb", "reverse":
		return FormatReverse, nil
	}
	return "", errclass.ErrMalformed.WithMessagef("unknown index format %q", s)
}

// DefaultPath is where an index of format f lives under the signature dir.
func DefaultPath(signatureDir string, f Format) string {
	return filepath.Join(signatureDir, "indexes", fmt.Sprintf("genomes_%s_index", f))
}

const (
	DefaultLockTimeout   = 5 * time.Minute
	DefaultBloomCapacity = 100000
	DefaultBloomFPRate   = 0.01
)

// Options configures a Store.
type Options struct {
	Format          Format
	Path            string
	KSize           int
	LockTimeout     time.Duration
	CreateIfMissing bool
	BloomCapacity   uint
	BloomFPRate     float64
	Logger          minhash.Logger
}

// Store implements minhash.Index over either backend. Readers load the index
// lazily and reload it when the file on disk changes. Mutations hold an
// exclusive file lock for the whole read-modify-write and always start from
// the current file.
type Store struct {
	opts   Options
	logger minhash.Logger

	mu    sync.Mutex
	tree  *sbt
	stamp fileStamp
	rev   *revIndex
}

var _ minhash.Index = (*Store)(nil)

type fileStamp struct {
	size    int64
	modTime time.Time
}

// NewStore validates options; nothing is read until first use.
func NewStore(opts Options) (*Store, error) {
	if opts.Path == "" {
		return nil, errclass.ErrMalformed.WithMessage("index path is required")
	}
	if opts.KSize <= 0 {
		return nil, errclass.ErrMalformed.WithMessagef("invalid ksize %d", opts.KSize)
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = DefaultLockTimeout
	}
	if opts.BloomCapacity == 0 {
		opts.BloomCapacity = DefaultBloomCapacity
	}
	if opts.BloomFPRate <= 0 || opts.BloomFPRate >= 1 {
		opts.BloomFPRate = DefaultBloomFPRate
	}
	logger := opts.Logger
	if logger == nil {
		logger = minhash.NewNopLogger()
	}
	return &Store{opts: opts, logger: logger}, nil
}

// Format reports the backend in use.
func (s *Store) Format() Format { return s.opts.Format }

// Path is the index file (SBT) or directory (reverse index).
func (s *Store) Path() string { return s.opts.Path }

func (s *Store) lockPath() string { return s.opts.Path + ".lock" }

// Close releases the reverse index handle, if open. Readers still holding
// it close it when they finish.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rev == nil {
		return nil
	}
	r := s.rev
	s.rev = nil
	return s.retire(r)
}

// retire closes r now if no reader holds it, otherwise on its last release.
// Callers hold s.mu.
func (s *Store) retire(r *revIndex) error {
	r.retired = true
	if r.refs > 0 || r.db == nil {
		return nil
	}
	return r.Close()
}

func (s *Store) missing(reason error) error {
	return errclass.ErrNotFound.Wrap(reason, fmt.Sprintf("index %s", s.opts.Path))
}

// readSBT loads the tree from disk. A file that does not exist or does not
// decode is treated as missing.
func (s *Store) readSBT() (*sbt, fileStamp, error) {
	f, err := os.Open(s.opts.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			if s.opts.CreateIfMissing {
				return s.emptySBT(), fileStamp{}, nil
			}
			return nil, fileStamp{}, s.missing(err)
		}
		return nil, fileStamp{}, fmt.Errorf("reading index: %w", err)
	}
	defer f.Close()

	// Stamp and contents come from the same open file, so a concurrent
	// rename never pairs one file's stamp with another's tree.
	info, err := f.Stat()
	if err != nil {
		return nil, fileStamp{}, fmt.Errorf("reading index: %w", err)
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fileStamp{}, fmt.Errorf("reading index: %w", err)
	}

	tree, err := decodeSBT(bytes.NewReader(data))
	if err != nil {
		if s.opts.CreateIfMissing {
			s.logger.Warn("index unreadable, starting from an empty tree", "path", s.opts.Path, "error", err)
			return s.emptySBT(), fileStamp{}, nil
		}
		return nil, fileStamp{}, s.missing(err)
	}
	if tree.ksize != s.opts.KSize && len(tree.nodes) > 0 {
		return nil, fileStamp{}, errclass.ErrMalformed.WithMessagef("index %s has ksize %d, configured %d", s.opts.Path, tree.ksize, s.opts.KSize)
	}
	return tree, fileStamp{size: info.Size(), modTime: info.ModTime()}, nil
}

func (s *Store) emptySBT() *sbt {
	return newSBT(s.opts.KSize, s.opts.BloomCapacity, s.opts.BloomFPRate)
}

// cachedSBT returns the tree, reloading it if the file changed.
func (s *Store) cachedSBT() (*sbt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tree != nil {
		info, err := os.Stat(s.opts.Path)
		if err == nil && info.Size() == s.stamp.size && info.ModTime().Equal(s.stamp.modTime) {
			return s.tree, nil
		}
	}
	tree, stamp, err := s.readSBT()
	if err != nil {
		return nil, err
	}
	s.tree, s.stamp = tree, stamp
	return tree, nil
}

// reverse returns the live reverse index, reopening it when a rebuild has
// published a new version. Callers must pass the handle to release.
func (s *Store) reverse() (*revIndex, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir, err := currentVersion(s.opts.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			if s.opts.CreateIfMissing {
				return &revIndex{meta: revMeta{KSize: s.opts.KSize}}, nil
			}
			return nil, s.missing(err)
		}
		return nil, err
	}
	if s.rev != nil && s.rev.dir == dir {
		s.rev.refs++
		return s.rev, nil
	}

	r, err := openRevIndex(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, s.missing(err)
		}
		return nil, err
	}
	if s.rev != nil {
		s.logger.Info("reverse index rebuilt, reopening", "path", s.opts.Path, "version", filepath.Base(dir))
		if err := s.retire(s.rev); err != nil {
			s.logger.Warn("closing previous reverse index", "path", s.rev.dir, "error", err)
		}
	}
	s.rev = r
	r.refs++
	return r, nil
}

func (s *Store) release(r *revIndex) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.refs > 0 {
		r.refs--
	}
	if r.retired && r.refs == 0 && r.db != nil {
		if err := r.Close(); err != nil {
			s.logger.Warn("closing previous reverse index", "path", r.dir, "error", err)
		}
	}
}

// ListSignatures returns every entry in the index.
func (s *Store) ListSignatures(ctx context.Context) ([]minhash.IndexEntry, error) {
	if s.opts.Format == FormatReverse {
		r, err := s.reverse()
		if err != nil {
			return nil, err
		}
		defer s.release(r)
		if r.db == nil {
			return nil, nil
		}
		return r.entries()
	}
	tree, err := s.cachedSBT()
	if err != nil {
		return nil, err
	}
	return tree.entries(), nil
}

// Search returns every entry scoring at least params.Threshold, unordered.
func (s *Store) Search(ctx context.Context, query *sketch.Sketch, params sketch.SearchParams) ([]sketch.Match, error) {
	if s.opts.Format == FormatReverse {
		r, err := s.reverse()
		if err != nil {
			return nil, err
		}
		defer s.release(r)
		return r.search(ctx, query, params)
	}
	tree, err := s.cachedSBT()
	if err != nil {
		return nil, err
	}
	return tree.search(query, params)
}

// AddSignatures inserts sketches under the index lock.
func (s *Store) AddSignatures(ctx context.Context, sketches []*sketch.Sketch, dedupe bool) (*minhash.AddResult, error) {
	if s.opts.Format != FormatSBT {
		return nil, errclass.ErrNotSupported.WithMessagef("%s index is read-only", s.opts.Format)
	}
	if len(sketches) == 0 {
		return &minhash.AddResult{OK: false, Warnings: []string{"no signatures given"}}, nil
	}

	res := &minhash.AddResult{OK: true}
	err := lock.With(ctx, s.lockPath(), s.opts.LockTimeout, func() error {
		tree, _, err := s.readSBT()
		if err != nil {
			return err
		}
		present := tree.md5s()
		for _, sk := range sketches {
			if dedupe {
				if _, ok := present[sk.MD5()]; ok {
					continue
				}
			}
			if err := tree.insert(sk); err != nil {
				return err
			}
			present[sk.MD5()] = struct{}{}
			res.AddedMD5s = append(res.AddedMD5s, sk.MD5())
		}
		res.AddedCount = len(res.AddedMD5s)
		if res.AddedCount == 0 {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		return s.save(tree)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("added signatures to index", "path", s.opts.Path, "added", res.AddedCount, "requested", len(sketches))
	return res, nil
}

// RemoveSignatures drops the named sketches by rebuilding the tree without
// them. Names not in the index are reported as warnings.
func (s *Store) RemoveSignatures(ctx context.Context, names []string) (*minhash.RemoveResult, error) {
	if s.opts.Format != FormatSBT {
		return nil, errclass.ErrNotSupported.WithMessagef("%s index is read-only", s.opts.Format)
	}

	res := &minhash.RemoveResult{OK: true}
	err := lock.With(ctx, s.lockPath(), s.opts.LockTimeout, func() error {
		tree, _, err := s.readSBT()
		if err != nil {
			return err
		}
		present := tree.md5s()
		drop := make(map[string]struct{}, len(names))
		for _, name := range names {
			if _, ok := present[name]; !ok {
				res.OK = false
				res.Warnings = append(res.Warnings, fmt.Sprintf("signature %s not in index", name))
				continue
			}
			if _, dup := drop[name]; !dup {
				drop[name] = struct{}{}
				res.Removed = append(res.Removed, name)
			}
		}
		res.RemovedCount = len(res.Removed)
		if res.RemovedCount == 0 {
			return nil
		}

		rebuilt, err := tree.without(drop)
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		return s.save(rebuilt)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("removed signatures from index", "path", s.opts.Path, "removed", res.RemovedCount, "requested", len(names))
	return res, nil
}

// save writes the tree into a temp directory next to the index and renames
// it into place.
func (s *Store) save(tree *sbt) error {
	dir := filepath.Dir(s.opts.Path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating index directory: %w", err)
	}
	tmpDir, err := os.MkdirTemp(dir, ".sbt-tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp directory: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	tmpPath := filepath.Join(tmpDir, filepath.Base(s.opts.Path))
	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("creating temp index: %w", err)
	}
	if err := tree.encode(f); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("syncing temp index: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing temp index: %w", err)
	}
	if err := os.Rename(tmpPath, s.opts.Path); err != nil {
		return fmt.Errorf("replacing index: %w", err)
	}
	if d, err := os.Open(dir); err == nil {
		d.Sync()
		d.Close()
	}

	s.mu.Lock()
	s.tree = nil
	s.mu.Unlock()
	return nil
}
