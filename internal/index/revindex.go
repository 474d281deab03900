package index

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"

	"minhash-go/internal/errclass"
	"minhash-go/internal/minhash"
	"minhash-go/internal/sketch"
)

// Key layout of the reverse index:
//
//	h/<hash, 8 bytes big-endian>  -> concatenated 16-byte raw MD5s
//	s/<md5 hex>                   -> sketch JSON
//	meta                          -> revMeta JSON
var (
	hashPrefix   = []byte("h/")
	sketchPrefix = []byte("s/")
	metaKey      = []byte("meta")
)

type revMeta struct {
	KSize int `json:"ksize"`
	Count int `json:"count"`
}

func revHashKey(h uint64) []byte {
	k := make([]byte, len(hashPrefix)+8)
	copy(k, hashPrefix)
	binary.BigEndian.PutUint64(k[len(hashPrefix):], h)
	return k
}

func revSketchKey(md5 string) []byte {
	return append(append([]byte{}, sketchPrefix...), md5...)
}

func prefixUpperBound(prefix []byte) []byte {
	end := append([]byte{}, prefix...)
	end[len(end)-1]++
	return end
}

// revIndex is a read-only hash -> sketch index stored in Pebble. dir is the
// version directory it was opened from. A retired handle is closed once its
// last reader releases it.
type revIndex struct {
	db   *pebble.DB
	meta revMeta
	dir  string

	refs    int
	retired bool
}

func openRevIndex(path string) (*revIndex, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	db, err := pebble.Open(path, &pebble.Options{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("opening reverse index: %w", err)
	}

	r := &revIndex{db: db, dir: path}
	v, closer, err := db.Get(metaKey)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("reading reverse index metadata: %w", err)
	}
	err = json.Unmarshal(v, &r.meta)
	closer.Close()
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("decoding reverse index metadata: %w", err)
	}
	return r, nil
}

func (r *revIndex) Close() error { return r.db.Close() }

func (r *revIndex) loadSketch(md5 string) (*sketch.Sketch, error) {
	v, closer, err := r.db.Get(revSketchKey(md5))
	if err != nil {
		return nil, fmt.Errorf("reading sketch %s: %w", md5, err)
	}
	defer closer.Close()
	var s sketch.Sketch
	if err := json.Unmarshal(v, &s); err != nil {
		return nil, fmt.Errorf("decoding sketch %s: %w", md5, err)
	}
	return &s, nil
}

func (r *revIndex) entries() ([]minhash.IndexEntry, error) {
	it, err := r.db.NewIter(&pebble.IterOptions{
		LowerBound: sketchPrefix,
		UpperBound: prefixUpperBound(sketchPrefix),
	})
	if err != nil {
		return nil, fmt.Errorf("iterating reverse index: %w", err)
	}
	defer it.Close()

	var out []minhash.IndexEntry
	for it.First(); it.Valid(); it.Next() {
		var s sketch.Sketch
		if err := json.Unmarshal(it.Value(), &s); err != nil {
			return nil, fmt.Errorf("decoding sketch %s: %w", it.Key(), err)
		}
		out = append(out, minhash.IndexEntry{Name: s.MD5(), Filename: s.Filename, SampleName: s.Name})
	}
	return out, it.Error()
}

// search counts shared hashes through the postings lists and scores only
// candidates whose count can still reach the threshold.
func (r *revIndex) search(ctx context.Context, query *sketch.Sketch, params sketch.SearchParams) ([]sketch.Match, error) {
	if r.meta.Count == 0 {
		return nil, nil
	}
	if int(query.MinHash.KSize) != r.meta.KSize {
		return nil, errclass.ErrMalformed.WithMessagef("query has ksize %d, index uses %d", query.MinHash.KSize, r.meta.KSize)
	}

	shared := make(map[string]int)
	for _, h := range query.MinHash.Mins {
		v, closer, err := r.db.Get(revHashKey(h))
		if errors.Is(err, pebble.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("reading postings: %w", err)
		}
		for i := 0; i+16 <= len(v); i += 16 {
			shared[hex.EncodeToString(v[i:i+16])]++
		}
		closer.Close()
	}

	type candidate struct {
		md5    string
		shared int
	}
	cands := make([]candidate, 0, len(shared))
	for md5, n := range shared {
		cands = append(cands, candidate{md5, n})
	}
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].shared != cands[j].shared {
			return cands[i].shared > cands[j].shared
		}
		return cands[i].md5 < cands[j].md5
	})

	threshold := params.Threshold
	qsize := query.MinHash.Size()
	var matches []sketch.Match
	for _, c := range cands {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !params.UsesAbundance(query.MinHash) && params.Metric != sketch.MaxContainment &&
			float64(c.shared)/float64(qsize) < threshold {
			continue
		}
		s, err := r.loadSketch(c.md5)
		if err != nil {
			return nil, err
		}
		score, err := sketch.Score(query.MinHash, s.MinHash, params)
		if err != nil {
			return nil, err
		}
		if score >= threshold {
			matches = append(matches, sketch.Match{Sketch: s, Similarity: score})
			if params.BestOnly && score > threshold {
				threshold = score
			}
		}
	}
	return matches, nil
}

// BuildReverseIndex writes a new reverse index at path holding sketches.
// The index is built in a temp directory and published as a new version, so
// readers never see a partial or missing index.
func BuildReverseIndex(ctx context.Context, path string, ksize int, sketches []*sketch.Sketch) (int, error) {
	parent := filepath.Dir(path)
	if err := os.MkdirAll(parent, 0755); err != nil {
		return 0, fmt.Errorf("creating index directory: %w", err)
	}
	tmpDir, err := os.MkdirTemp(parent, ".revindex-tmp-*")
	if err != nil {
		return 0, fmt.Errorf("creating temp directory: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	dbPath := filepath.Join(tmpDir, "db")
	db, err := pebble.Open(dbPath, &pebble.Options{})
	if err != nil {
		return 0, fmt.Errorf("creating reverse index: %w", err)
	}

	postings := make(map[uint64][]byte)
	seen := make(map[string]struct{})
	batch := db.NewBatch()
	for _, s := range sketches {
		if err := ctx.Err(); err != nil {
			batch.Close()
			db.Close()
			return 0, err
		}
		if int(s.MinHash.KSize) != ksize {
			batch.Close()
			db.Close()
			return 0, errclass.ErrMalformed.WithMessagef("sketch %s has ksize %d, index uses %d", s.MD5(), s.MinHash.KSize, ksize)
		}
		if _, dup := seen[s.MD5()]; dup {
			continue
		}
		seen[s.MD5()] = struct{}{}

		raw, err := hex.DecodeString(s.MD5())
		if err != nil || len(raw) != 16 {
			batch.Close()
			db.Close()
			return 0, errclass.ErrMalformed.WithMessagef("sketch checksum %q", s.MD5())
		}
		for _, h := range s.MinHash.Mins {
			postings[h] = append(postings[h], raw...)
		}
		data, err := json.Marshal(s)
		if err != nil {
			batch.Close()
			db.Close()
			return 0, fmt.Errorf("encoding sketch: %w", err)
		}
		batch.Set(revSketchKey(s.MD5()), data, nil)
	}

	for h, list := range postings {
		batch.Set(revHashKey(h), list, nil)
	}
	meta, _ := json.Marshal(revMeta{KSize: ksize, Count: len(seen)})
	batch.Set(metaKey, meta, nil)

	if err := batch.Commit(pebble.Sync); err != nil {
		batch.Close()
		db.Close()
		return 0, fmt.Errorf("writing reverse index: %w", err)
	}
	batch.Close()
	if err := db.Close(); err != nil {
		return 0, fmt.Errorf("closing reverse index: %w", err)
	}

	if err := publishVersion(dbPath, path); err != nil {
		return 0, err
	}
	return len(seen), nil
}

// The reverse index path is a symlink naming the live version, a sibling
// directory "<base>.<uuid>". Publishing renames a fresh symlink over it, so
// the path always resolves to a complete index.

func versionPrefix(path string) string { return filepath.Base(path) + "." }

// currentVersion resolves path to the directory readers should open. A plain
// directory at path is an index written before versioning.
func currentVersion(path string) (string, error) {
	target, err := os.Readlink(path)
	if err == nil {
		if !filepath.IsAbs(target) {
			target = filepath.Join(filepath.Dir(path), target)
		}
		return target, nil
	}
	info, statErr := os.Lstat(path)
	if statErr != nil {
		return "", statErr
	}
	if info.IsDir() {
		return path, nil
	}
	return "", fmt.Errorf("reverse index %s is neither a directory nor a link", path)
}

// publishVersion moves the built index src into a new version directory and
// points path at it. The replaced version is kept for readers still holding
// it; anything older is removed.
func publishVersion(src, path string) error {
	parent := filepath.Dir(path)
	prev, err := currentVersion(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		prev = ""
	case err != nil:
		return err
	case prev == path:
		// A plain directory cannot be replaced by rename; convert it to a
		// version first.
		legacy := filepath.Join(parent, versionPrefix(path)+uuid.NewString())
		if err := os.Rename(path, legacy); err != nil {
			return fmt.Errorf("moving previous index aside: %w", err)
		}
		prev = legacy
	}

	name := versionPrefix(path) + uuid.NewString()
	if err := os.Rename(src, filepath.Join(parent, name)); err != nil {
		return fmt.Errorf("moving index into place: %w", err)
	}
	link := filepath.Join(parent, ".revindex-link-"+uuid.NewString())
	if err := os.Symlink(name, link); err != nil {
		return fmt.Errorf("linking index version: %w", err)
	}
	if err := os.Rename(link, path); err != nil {
		os.Remove(link)
		return fmt.Errorf("switching index version: %w", err)
	}
	if d, err := os.Open(parent); err == nil {
		d.Sync()
		d.Close()
	}
	return pruneVersions(path, name, filepath.Base(prev))
}

func pruneVersions(path string, keep ...string) error {
	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		return fmt.Errorf("listing index versions: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), versionPrefix(path)) || slices.Contains(keep, e.Name()) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(filepath.Dir(path), e.Name())); err != nil {
			return fmt.Errorf("removing old index version: %w", err)
		}
	}
	return nil
}
