package index

import (
	"compress/gzip"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/bits-and-blooms/bloom/v3"

	"minhash-go/internal/errclass"
	"minhash-go/internal/minhash"
	"minhash-go/internal/sketch"
)

const sbtFormatVersion = 1

// sbtNode is either an internal node (Bloom set) or a leaf (Leaf set).
type sbtNode struct {
	Bloom     *bloom.BloomFilter
	MinNBelow int
	Leaf      *sketch.Sketch
}

func (n *sbtNode) isLeaf() bool { return n.Leaf != nil }

// sbt is a binary Sequence Bloom Tree stored in array layout: the children
// of position p are 2p+1 and 2p+2 and the root is an internal node at 0.
// Internal node blooms hold every hash of the leaves below them.
type sbt struct {
	ksize    int
	capacity uint
	fpRate   float64
	nodes    map[int]*sbtNode
	next     int
}

func newSBT(ksize int, capacity uint, fpRate float64) *sbt {
	return &sbt{ksize: ksize, capacity: capacity, fpRate: fpRate, nodes: map[int]*sbtNode{}}
}

func parentPos(pos int) int { return (pos - 1) / 2 }

func hashKey(h uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], h)
	return b[:]
}

func (t *sbt) newInternal() *sbtNode {
	return &sbtNode{Bloom: bloom.NewWithEstimates(t.capacity, t.fpRate)}
}

func (n *sbtNode) absorb(leaf *sketch.Sketch) {
	for _, h := range leaf.MinHash.Mins {
		n.Bloom.Add(hashKey(h))
	}
	size := leaf.MinHash.Size()
	if n.MinNBelow == 0 || size < n.MinNBelow {
		n.MinNBelow = size
	}
}

func (t *sbt) leaves() []*sketch.Sketch {
	positions := make([]int, 0, len(t.nodes))
	for pos, n := range t.nodes {
		if n.isLeaf() {
			positions = append(positions, pos)
		}
	}
	sort.Ints(positions)
	out := make([]*sketch.Sketch, len(positions))
	for i, pos := range positions {
		out[i] = t.nodes[pos].Leaf
	}
	return out
}

func (t *sbt) entries() []minhash.IndexEntry {
	leaves := t.leaves()
	out := make([]minhash.IndexEntry, len(leaves))
	for i, l := range leaves {
		out[i] = minhash.IndexEntry{Name: l.MD5(), Filename: l.Filename, SampleName: l.Name}
	}
	return out
}

func (t *sbt) md5s() map[string]struct{} {
	out := make(map[string]struct{})
	for _, n := range t.nodes {
		if n.isLeaf() {
			out[n.Leaf.MD5()] = struct{}{}
		}
	}
	return out
}

// insert places leaf at the next free position. If that position's parent
// is a leaf, the parent leaf moves down to the first child, the parent
// becomes internal and the new leaf takes the second child.
func (t *sbt) insert(leaf *sketch.Sketch) error {
	if int(leaf.MinHash.KSize) != t.ksize {
		return errclass.ErrMalformed.WithMessagef("sketch %s has ksize %d, index uses %d", leaf.MD5(), leaf.MinHash.KSize, t.ksize)
	}
	if len(t.nodes) == 0 {
		t.nodes[0] = t.newInternal()
		t.next = 1
	}

	pos := t.next
	parent := parentPos(pos)
	p := t.nodes[parent]
	if p == nil {
		return fmt.Errorf("tree has a gap at position %d", parent)
	}
	if p.isLeaf() {
		internal := t.newInternal()
		internal.absorb(p.Leaf)
		internal.absorb(leaf)
		t.nodes[parent] = internal
		t.nodes[2*parent+1] = &sbtNode{Leaf: p.Leaf, MinNBelow: p.Leaf.MinHash.Size()}
		t.nodes[2*parent+2] = &sbtNode{Leaf: leaf, MinNBelow: leaf.MinHash.Size()}
	} else {
		t.nodes[pos] = &sbtNode{Leaf: leaf, MinNBelow: leaf.MinHash.Size()}
		p.absorb(leaf)
	}

	for anc := parent; anc > 0; {
		anc = parentPos(anc)
		t.nodes[anc].absorb(leaf)
	}

	for t.nodes[t.next] != nil {
		t.next++
	}
	return nil
}

// without rebuilds the tree leaving out the named sketches.
func (t *sbt) without(names map[string]struct{}) (*sbt, error) {
	out := newSBT(t.ksize, t.capacity, t.fpRate)
	for _, leaf := range t.leaves() {
		if _, drop := names[leaf.MD5()]; drop {
			continue
		}
		if err := out.insert(leaf); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// bound is an upper bound on the score of any leaf below an internal node.
func bound(n *sbtNode, query *sketch.MinHash, params sketch.SearchParams) float64 {
	shared := 0
	for _, h := range query.Mins {
		if n.Bloom.Test(hashKey(h)) {
			shared++
		}
	}
	if params.UsesAbundance(query) {
		if shared > 0 {
			return 1
		}
		return 0
	}
	denom := query.Size()
	if params.Metric == sketch.MaxContainment {
		denom = min(denom, n.MinNBelow)
	}
	if denom == 0 {
		return 0
	}
	return float64(shared) / float64(denom)
}

func (t *sbt) search(query *sketch.Sketch, params sketch.SearchParams) ([]sketch.Match, error) {
	if len(t.nodes) == 0 {
		return nil, nil
	}
	if int(query.MinHash.KSize) != t.ksize {
		return nil, errclass.ErrMalformed.WithMessagef("query has ksize %d, index uses %d", query.MinHash.KSize, t.ksize)
	}

	threshold := params.Threshold
	var matches []sketch.Match
	stack := []int{0}
	for len(stack) > 0 {
		pos := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		n := t.nodes[pos]
		if n == nil {
			continue
		}

		if n.isLeaf() {
			score, err := sketch.Score(query.MinHash, n.Leaf.MinHash, params)
			if err != nil {
				return nil, err
			}
			if score >= threshold {
				matches = append(matches, sketch.Match{Sketch: n.Leaf, Similarity: score})
				if params.BestOnly && score > threshold {
					threshold = score
				}
			}
			continue
		}

		if bound(n, query.MinHash, params) < threshold {
			continue
		}
		stack = append(stack, 2*pos+2, 2*pos+1)
	}
	return matches, nil
}

type sbtFile struct {
	Version       int           `json:"version"`
	KSize         int           `json:"ksize"`
	BloomCapacity uint          `json:"bloom_capacity"`
	BloomFPRate   float64       `json:"bloom_fp_rate"`
	Nodes         []sbtFileNode `json:"nodes"`
}

type sbtFileNode struct {
	Pos       int                `json:"pos"`
	MinNBelow int                `json:"min_n_below"`
	Bloom     *bloom.BloomFilter `json:"bloom,omitempty"`
	Leaf      *sketch.Sketch     `json:"leaf,omitempty"`
}

func (t *sbt) encode(w io.Writer) error {
	f := sbtFile{
		Version:       sbtFormatVersion,
		KSize:         t.ksize,
		BloomCapacity: t.capacity,
		BloomFPRate:   t.fpRate,
	}
	positions := make([]int, 0, len(t.nodes))
	for pos := range t.nodes {
		positions = append(positions, pos)
	}
	sort.Ints(positions)
	for _, pos := range positions {
		n := t.nodes[pos]
		f.Nodes = append(f.Nodes, sbtFileNode{Pos: pos, MinNBelow: n.MinNBelow, Bloom: n.Bloom, Leaf: n.Leaf})
	}

	zw := gzip.NewWriter(w)
	if err := json.NewEncoder(zw).Encode(&f); err != nil {
		zw.Close()
		return fmt.Errorf("encoding tree: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("compressing tree: %w", err)
	}
	return nil
}

func decodeSBT(r io.Reader) (*sbt, error) {
	zr, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("opening tree: %w", err)
	}
	defer zr.Close()

	var f sbtFile
	if err := json.NewDecoder(zr).Decode(&f); err != nil {
		return nil, fmt.Errorf("decoding tree: %w", err)
	}
	if f.Version != sbtFormatVersion {
		return nil, fmt.Errorf("unsupported tree version %d", f.Version)
	}

	t := newSBT(f.KSize, f.BloomCapacity, f.BloomFPRate)
	for _, fn := range f.Nodes {
		if (fn.Bloom == nil) == (fn.Leaf == nil) {
			return nil, fmt.Errorf("node %d must be either internal or a leaf", fn.Pos)
		}
		t.nodes[fn.Pos] = &sbtNode{Bloom: fn.Bloom, MinNBelow: fn.MinNBelow, Leaf: fn.Leaf}
	}
	if len(t.nodes) > 0 {
		if root := t.nodes[0]; root == nil || root.isLeaf() {
			return nil, fmt.Errorf("tree has no internal root")
		}
	}
	for t.nodes[t.next] != nil {
		t.next++
	}
	return t, nil
}
