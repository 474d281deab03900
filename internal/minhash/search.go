package minhash

import (
	"context"
	"fmt"

	"minhash-go/internal/cluster"
	"minhash-go/internal/similarity"
	"minhash-go/internal/sketch"
)

// SearchOptions are the parameters of search_similar.
type SearchOptions struct {
	MinSimilarity float64
	// Limit caps the number of results; nil means unlimited.
	Limit           *int
	Estimate        sketch.Metric
	IgnoreAbundance bool
	// SubsetSampleIDs restricts results to these samples when non-empty.
	SubsetSampleIDs []string
}

// SimilarSample is one search_similar result.
type SimilarSample struct {
	SampleID   string  `json:"sample_id"`
	Similarity float64 `json:"similarity"`
}

// SearchSimilar finds indexed samples similar to sampleID, most similar
// first. The query sample itself is included when it is indexed. Only
// samples flagged as indexed are returned, and never those excluded from
// analysis or pending deletion.
func (s *Service) SearchSimilar(ctx context.Context, sampleID string, opts SearchOptions) ([]SimilarSample, error) {
	rec, err := s.record(ctx, sampleID)
	if err != nil {
		return nil, err
	}
	query, err := s.loadSketch(rec)
	if err != nil {
		return nil, err
	}

	cfg := similarity.Config{
		MinSimilarity:   opts.MinSimilarity,
		Limit:           opts.Limit,
		Estimate:        opts.Estimate,
		IgnoreAbundance: opts.IgnoreAbundance,
	}
	if len(opts.SubsetSampleIDs) > 0 {
		subset, err := s.records(ctx, opts.SubsetSampleIDs)
		if err != nil {
			return nil, err
		}
		cfg.SubsetChecksums = make(map[string]struct{}, len(subset))
		for _, r := range subset {
			cfg.SubsetChecksums[r.SignatureChecksum] = struct{}{}
		}
	}

	results, err := s.search(ctx, query, cfg)
	if err != nil {
		return nil, err
	}
	// The best-only search prunes on a hit that may be hidden; fall back to a
	// full search then.
	if len(results) == 0 && cfg.Limit != nil && *cfg.Limit == 1 {
		cfg.Limit = nil
		if results, err = s.search(ctx, query, cfg); err != nil {
			return nil, err
		}
	}

	if opts.Limit != nil && len(results) > *opts.Limit {
		results = results[:*opts.Limit]
	}
	s.logger.Debug("similarity search", "sample_id", sampleID, "results", len(results))
	return results, nil
}

// search runs one query and resolves matches to visible samples.
func (s *Service) search(ctx context.Context, query *sketch.Sketch, cfg similarity.Config) ([]SimilarSample, error) {
	limit := cfg.Limit
	if limit != nil && *limit > 1 {
		// Hidden samples are dropped after the search, so the limit is
		// applied by the caller.
		cfg.Limit = nil
	}
	matches, err := similarity.Search(ctx, s.index, query, cfg)
	if err != nil {
		return nil, err
	}

	results := []SimilarSample{}
	for _, m := range matches {
		recs, err := s.db.FindBySignatureChecksum(ctx, m.Sketch.MD5())
		if err != nil {
			return nil, err
		}
		for _, r := range recs {
			if !r.HasBeenIndexed || r.ExcludeFromAnalysis || r.MarkedForDeletion {
				continue
			}
			results = append(results, SimilarSample{SampleID: r.SampleID, Similarity: m.Similarity})
		}
	}
	return results, nil
}

// ClusterSamples builds a Newick tree over the samples' sketches. Leaves are
// labelled with signature checksums.
func (s *Service) ClusterSamples(ctx context.Context, sampleIDs []string, method cluster.Method) (string, error) {
	method, err := cluster.ParseMethod(string(method))
	if err != nil {
		return "", err
	}
	recs, err := s.records(ctx, sampleIDs)
	if err != nil {
		return "", err
	}
	sketches := make([]*sketch.Sketch, 0, len(recs))
	for _, rec := range recs {
		sk, err := s.loadSketch(rec)
		if err != nil {
			return "", err
		}
		sketches = append(sketches, sk)
	}

	newick, err := cluster.Newick(sketches, method)
	if err != nil {
		return "", fmt.Errorf("clustering %d samples: %w", len(sketches), err)
	}
	return newick, nil
}

// FindSimilarAndCluster searches for samples similar to sampleID and
// clusters the hits. Fewer than two hits yield "()".
func (s *Service) FindSimilarAndCluster(ctx context.Context, sampleID string, opts SearchOptions, method cluster.Method) (string, error) {
	results, err := s.SearchSimilar(ctx, sampleID, opts)
	if err != nil {
		return "", err
	}
	if len(results) < 2 {
		return "()", nil
	}
	ids := make([]string, len(results))
	for i, r := range results {
		ids[i] = r.SampleID
	}
	return s.ClusterSamples(ctx, ids, method)
}
