package cluster

import (
	"errors"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"minhash-go/internal/errclass"
	"minhash-go/internal/sketch"
)

var threePoints = [][]float64{
	{0, 0.2, 0.8},
	{0.2, 0, 0.6},
	{0.8, 0.6, 0},
}

func TestBuildLinkage(t *testing.T) {
	labels := []string{"a", "b", "c"}
	tests := []struct {
		method Method
		want   string
	}{
		{Single, "(c:0.60,(a:0.20,b:0.20):0.40);"},
		{Complete, "(c:0.80,(a:0.20,b:0.20):0.60);"},
		{Average, "(c:0.70,(a:0.20,b:0.20):0.50);"},
		{NeighborJoining, "((a:0.20,b:0.00):0.30,c:0.30);"},
	}
	for _, tt := range tests {
		t.Run(string(tt.method), func(t *testing.T) {
			root, err := Build(labels, threePoints, tt.method)
			require.NoError(t, err)
			assert.Equal(t, tt.want, root.Newick())
		})
	}
}

func TestBuildTwoLeaves(t *testing.T) {
	root, err := Build([]string{"x", "y"}, [][]float64{{0, 0.5}, {0.5, 0}}, Single)
	require.NoError(t, err)
	assert.Equal(t, "(x:0.50,y:0.50);", root.Newick())

	root, err = Build([]string{"x", "y"}, [][]float64{{0, 0.5}, {0.5, 0}}, NeighborJoining)
	require.NoError(t, err)
	assert.Equal(t, "(x:0.25,y:0.25);", root.Newick())
}

func TestBuildDoesNotModifyInput(t *testing.T) {
	in := [][]float64{{0, 0.2, 0.8}, {0.2, 0, 0.6}, {0.8, 0.6, 0}}
	_, err := Build([]string{"a", "b", "c"}, in, Average)
	require.NoError(t, err)
	assert.Equal(t, threePoints, in)
}

func TestBuildRejects(t *testing.T) {
	_, err := Build([]string{"a"}, threePoints, Single)
	assert.True(t, errors.Is(err, errclass.ErrMalformed))

	_, err = Build([]string{"a", "b", "c"}, threePoints, "ward")
	assert.True(t, errors.Is(err, errclass.ErrMalformed))
}

func mk(name string, hashes ...uint64) *sketch.Sketch {
	return &sketch.Sketch{Name: name, MinHash: sketch.NewScaled(31, 1000, hashes, nil)}
}

func TestNewickLeafSetMatchesInput(t *testing.T) {
	sketches := []*sketch.Sketch{
		mk("a", 1, 2, 3, 4),
		mk("b", 1, 2, 3, 5),
		mk("c", 10, 11, 12),
		mk("d", 10, 11, 13),
		mk("e", 1, 10, 20),
	}
	for _, m := range []Method{Single, Complete, Average, NeighborJoining} {
		t.Run(string(m), func(t *testing.T) {
			dist, err := DistanceMatrix(sketches)
			require.NoError(t, err)
			labels := make([]string, len(sketches))
			for i, s := range sketches {
				labels[i] = s.MD5()
			}
			root, err := Build(labels, dist, m)
			require.NoError(t, err)

			got := root.Leaves()
			sort.Strings(got)
			want := append([]string(nil), labels...)
			sort.Strings(want)
			assert.Equal(t, want, got)

			newick, err := Newick(sketches, m)
			require.NoError(t, err)
			assert.Equal(t, root.Newick(), newick)
			assert.NotContains(t, newick, "-")
		})
	}
}

func TestNewickSmallInputs(t *testing.T) {
	got, err := Newick(nil, Single)
	require.NoError(t, err)
	assert.Equal(t, "()", got)

	got, err = Newick([]*sketch.Sketch{mk("a", 1)}, Average)
	require.NoError(t, err)
	assert.Equal(t, "()", got)

	a, b := mk("a", 1, 2), mk("b", 1, 2)
	got, err = Newick([]*sketch.Sketch{a, b}, Single)
	require.NoError(t, err)
	assert.Equal(t, "("+a.MD5()+":0.00,"+b.MD5()+":0.00);", got)
}

func TestDistanceMatrixIgnoresAbundance(t *testing.T) {
	a := &sketch.Sketch{Name: "a", MinHash: sketch.NewScaled(31, 1000, []uint64{1, 2}, []uint64{1, 100})}
	b := &sketch.Sketch{Name: "b", MinHash: sketch.NewScaled(31, 1000, []uint64{1, 2}, []uint64{100, 1})}
	d, err := DistanceMatrix([]*sketch.Sketch{a, b})
	require.NoError(t, err)
	assert.Equal(t, 0.0, d[0][1])
}

func TestParseMethod(t *testing.T) {
	m, err := ParseMethod("")
	require.NoError(t, err)
	assert.Equal(t, Single, m)

	_, err = ParseMethod("upgma")
	assert.True(t, errors.Is(err, errclass.ErrMalformed))
}
