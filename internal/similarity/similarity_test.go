package similarity

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"minhash-go/internal/errclass"
	"minhash-go/internal/sketch"
)

// linearSearcher scores every subject; good enough to drive Search.
type linearSearcher struct {
	subjects []*sketch.Sketch
	params   sketch.SearchParams
}

func (l *linearSearcher) Search(_ context.Context, q *sketch.Sketch, p sketch.SearchParams) ([]sketch.Match, error) {
	l.params = p
	var out []sketch.Match
	for _, s := range l.subjects {
		score, err := sketch.Score(q.MinHash, s.MinHash, p)
		if err != nil {
			return nil, err
		}
		if score >= p.Threshold {
			out = append(out, sketch.Match{Sketch: s, Similarity: score})
		}
	}
	return out, nil
}

func mk(name string, hashes ...uint64) *sketch.Sketch {
	return &sketch.Sketch{Name: name, MinHash: sketch.NewScaled(31, 1000, hashes, nil)}
}

func intPtr(v int) *int { return &v }

func TestSearchOrdersAndLimits(t *testing.T) {
	q := mk("q", 1, 2, 3, 4)
	idx := &linearSearcher{subjects: []*sketch.Sketch{
		mk("far", 4, 5, 6, 7),
		q,
		mk("near", 1, 2, 3, 9),
	}}

	got, err := Search(context.Background(), idx, q, Config{MinSimilarity: 0.1})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "q", got[0].Sketch.Name)
	assert.Equal(t, "near", got[1].Sketch.Name)
	assert.Equal(t, "far", got[2].Sketch.Name)
	assert.False(t, idx.params.BestOnly)

	got, err = Search(context.Background(), idx, q, Config{MinSimilarity: 0.1, Limit: intPtr(1)})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, idx.params.BestOnly)

	got, err = Search(context.Background(), idx, q, Config{MinSimilarity: 0.1, Limit: intPtr(2)})
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.False(t, idx.params.BestOnly)
}

func TestSearchSubset(t *testing.T) {
	q := mk("q", 1, 2, 3, 4)
	near := mk("near", 1, 2, 3, 9)
	idx := &linearSearcher{subjects: []*sketch.Sketch{q, near}}

	got, err := Search(context.Background(), idx, q, Config{
		SubsetChecksums: map[string]struct{}{near.MD5(): {}},
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "near", got[0].Sketch.Name)
}

func TestSearchFlattensQuery(t *testing.T) {
	q := &sketch.Sketch{Name: "q", MinHash: sketch.NewScaled(31, 1000, []uint64{1, 2}, []uint64{3, 4})}
	idx := &linearSearcher{subjects: []*sketch.Sketch{mk("s", 1, 2)}}

	got, err := Search(context.Background(), idx, q, Config{IgnoreAbundance: true})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 1.0, got[0].Similarity)
	assert.True(t, q.MinHash.TrackAbundance(), "caller's query is untouched")
}

func TestSearchValidates(t *testing.T) {
	idx := &linearSearcher{}
	q := mk("q", 1)
	tests := []Config{
		{MinSimilarity: 1.5},
		{MinSimilarity: -0.1},
		{Limit: intPtr(0)},
		{Estimate: "ani"},
	}
	for _, cfg := range tests {
		_, err := Search(context.Background(), idx, q, cfg)
		assert.True(t, errors.Is(err, errclass.ErrMalformed), "config %+v", cfg)
	}
}

func TestSearchEngineErrorsAreFatal(t *testing.T) {
	q := &sketch.Sketch{Name: "q", MinHash: &sketch.MinHash{Num: 10, KSize: 31, Seed: 42, Mins: []uint64{1}}}
	idx := &linearSearcher{subjects: []*sketch.Sketch{q}}

	_, err := Search(context.Background(), idx, q, Config{Estimate: sketch.Containment})
	assert.True(t, errors.Is(err, errclass.ErrMalformed))
}
