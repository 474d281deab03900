// Package similarity runs similarity queries against an index.
package similarity

import (
	"context"
	"fmt"
	"sort"

	"minhash-go/internal/errclass"
	"minhash-go/internal/sketch"
)

// Searcher is the part of an index used for queries.
type Searcher interface {
	Search(ctx context.Context, query *sketch.Sketch, params sketch.SearchParams) ([]sketch.Match, error)
}

// Config describes one similarity query.
type Config struct {
	MinSimilarity float64
	// Limit caps the number of results; nil means unlimited. A limit of 1
	// lets the index prune with the best score found so far.
	Limit           *int
	Estimate        sketch.Metric
	IgnoreAbundance bool
	// SubsetChecksums restricts results to these sketch MD5s when non-nil.
	SubsetChecksums map[string]struct{}
}

func (c Config) Validate() error {
	if c.MinSimilarity < 0 || c.MinSimilarity > 1 {
		return errclass.ErrMalformed.WithMessagef("min similarity %v outside [0, 1]", c.MinSimilarity)
	}
	if c.Limit != nil && *c.Limit < 1 {
		return errclass.ErrMalformed.WithMessagef("limit must be positive, got %d", *c.Limit)
	}
	if _, err := sketch.ParseMetric(string(c.Estimate)); err != nil {
		return err
	}
	return nil
}

// Params converts the config to index search parameters.
func (c Config) Params() sketch.SearchParams {
	metric := c.Estimate
	if metric == "" {
		metric = sketch.Jaccard
	}
	return sketch.SearchParams{
		Threshold:       c.MinSimilarity,
		Metric:          metric,
		IgnoreAbundance: c.IgnoreAbundance,
		BestOnly:        c.Limit != nil && *c.Limit == 1,
	}
}

// Search returns matches at or above the threshold ordered by decreasing
// similarity, ties broken by MD5.
func Search(ctx context.Context, idx Searcher, query *sketch.Sketch, cfg Config) ([]sketch.Match, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	q := query
	if cfg.IgnoreAbundance && query.MinHash.TrackAbundance() {
		q = &sketch.Sketch{Name: query.Name, Filename: query.Filename, MinHash: query.MinHash.Flatten()}
	}

	matches, err := idx.Search(ctx, q, cfg.Params())
	if err != nil {
		return nil, fmt.Errorf("searching index: %w", err)
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Similarity != matches[j].Similarity {
			return matches[i].Similarity > matches[j].Similarity
		}
		return matches[i].Sketch.MD5() < matches[j].Sketch.MD5()
	})

	if cfg.SubsetChecksums != nil {
		filtered := matches[:0]
		for _, m := range matches {
			if _, ok := cfg.SubsetChecksums[m.Sketch.MD5()]; ok {
				filtered = append(filtered, m)
			}
		}
		matches = filtered
	}

	if cfg.Limit != nil && len(matches) > *cfg.Limit {
		matches = matches[:*cfg.Limit]
	}
	return matches, nil
}
