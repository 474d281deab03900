package index

import (
	"bytes"
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"minhash-go/internal/sketch"
	"minhash-go/internal/testutil"
)

func TestSBTInsertLayout(t *testing.T) {
	tree := newSBT(testutil.KSize, 1000, 0.01)
	a := testutil.Sketch("a", 1, 2)
	b := testutil.Sketch("b", 3, 4, 5)
	c := testutil.Sketch("c", 6)

	require.NoError(t, tree.insert(a))
	require.NoError(t, tree.insert(b))
	assert.False(t, tree.nodes[0].isLeaf())
	assert.Equal(t, a, tree.nodes[1].Leaf)
	assert.Equal(t, b, tree.nodes[2].Leaf)

	// Third leaf splits position 1: a moves to 3, c lands on 4.
	require.NoError(t, tree.insert(c))
	assert.False(t, tree.nodes[1].isLeaf())
	assert.Equal(t, a, tree.nodes[3].Leaf)
	assert.Equal(t, c, tree.nodes[4].Leaf)
	assert.Equal(t, 5, tree.next)

	assert.Equal(t, 1, tree.nodes[0].MinNBelow)
	assert.Equal(t, 1, tree.nodes[1].MinNBelow)
	for _, h := range []uint64{1, 2, 3, 4, 5, 6} {
		assert.True(t, tree.nodes[0].Bloom.Test(hashKey(h)), "root bloom holds %d", h)
	}
	assert.True(t, tree.nodes[1].Bloom.Test(hashKey(6)))
}

func TestSBTRejectsOtherKSize(t *testing.T) {
	tree := newSBT(testutil.KSize, 1000, 0.01)
	other := &sketch.Sketch{Name: "x", MinHash: sketch.NewScaled(21, 1000, []uint64{1}, nil)}
	assert.Error(t, tree.insert(other))
}

func linearSearch(t *testing.T, leaves []*sketch.Sketch, q *sketch.Sketch, p sketch.SearchParams) []string {
	t.Helper()
	var out []string
	for _, l := range leaves {
		score, err := sketch.Score(q.MinHash, l.MinHash, p)
		require.NoError(t, err)
		if score >= p.Threshold {
			out = append(out, l.MD5())
		}
	}
	sort.Strings(out)
	return out
}

func names(matches []sketch.Match) []string {
	out := make([]string, len(matches))
	for i, m := range matches {
		out[i] = m.Sketch.MD5()
	}
	sort.Strings(out)
	return out
}

func TestSBTSearchMatchesLinearScan(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	tree := newSBT(testutil.KSize, 5000, 0.001)
	var leaves []*sketch.Sketch
	for i := 0; i < 40; i++ {
		base := uint64(rng.Intn(5)) * 100
		var hashes []uint64
		for j := 0; j < 20+rng.Intn(30); j++ {
			hashes = append(hashes, base+uint64(rng.Intn(120)))
		}
		sk := testutil.Sketch("s", dedupe(hashes)...)
		leaves = append(leaves, sk)
		require.NoError(t, tree.insert(sk))
	}

	for _, metric := range []sketch.Metric{sketch.Jaccard, sketch.Containment, sketch.MaxContainment} {
		for _, threshold := range []float64{0, 0.2, 0.5, 0.9} {
			for qi := 0; qi < 5; qi++ {
				q := leaves[qi*7]
				p := sketch.SearchParams{Threshold: threshold, Metric: metric}
				got, err := tree.search(q, p)
				require.NoError(t, err)
				assert.Equal(t, linearSearch(t, leaves, q, p), names(got), "metric=%s threshold=%v", metric, threshold)
			}
		}
	}
}

func dedupe(hs []uint64) []uint64 {
	seen := map[uint64]bool{}
	var out []uint64
	for _, h := range hs {
		if !seen[h] {
			seen[h] = true
			out = append(out, h)
		}
	}
	return out
}

func TestSBTBestOnlyFindsBest(t *testing.T) {
	tree := newSBT(testutil.KSize, 1000, 0.01)
	q := testutil.Sketch("q", testutil.Range(0, 10)...)
	for _, sk := range []*sketch.Sketch{
		testutil.Sketch("weak", testutil.Range(8, 30)...),
		testutil.Sketch("strong", testutil.Range(0, 9)...),
		testutil.Sketch("mid", testutil.Range(3, 15)...),
	} {
		require.NoError(t, tree.insert(sk))
	}

	got, err := tree.search(q, sketch.SearchParams{Threshold: 0.05, Metric: sketch.Jaccard, BestOnly: true})
	require.NoError(t, err)
	best := got[0]
	for _, m := range got {
		if m.Similarity > best.Similarity {
			best = m
		}
	}
	assert.Equal(t, "strong", best.Sketch.Name)
}

func TestSBTEncodeDecode(t *testing.T) {
	tree := newSBT(testutil.KSize, 1000, 0.01)
	for i := uint64(0); i < 5; i++ {
		require.NoError(t, tree.insert(testutil.Sketch("s", testutil.Range(i*10, i*10+5)...)))
	}

	var buf bytes.Buffer
	require.NoError(t, tree.encode(&buf))
	loaded, err := decodeSBT(&buf)
	require.NoError(t, err)

	assert.Equal(t, tree.entries(), loaded.entries())
	assert.Equal(t, tree.next, loaded.next)
	q := testutil.Sketch("q", testutil.Range(20, 25)...)
	got, err := loaded.search(q, sketch.SearchParams{Threshold: 0.5, Metric: sketch.Jaccard})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, q.MD5(), got[0].Sketch.MD5())
}

func TestSBTWithout(t *testing.T) {
	tree := newSBT(testutil.KSize, 1000, 0.01)
	a, b, c := testutil.Sketch("a", 1), testutil.Sketch("b", 2), testutil.Sketch("c", 3)
	for _, sk := range []*sketch.Sketch{a, b, c} {
		require.NoError(t, tree.insert(sk))
	}

	rebuilt, err := tree.without(map[string]struct{}{b.MD5(): {}})
	require.NoError(t, err)
	assert.Equal(t, map[string]struct{}{a.MD5(): {}, c.MD5(): {}}, rebuilt.md5s())

	got, err := rebuilt.search(b, sketch.SearchParams{Threshold: 0.1, Metric: sketch.Jaccard})
	require.NoError(t, err)
	assert.Empty(t, got)
}
