package sketch

import (
	"minhash-go/internal/errclass"
)

// Metric selects the similarity estimator used for a search.
type Metric string

const (
	Jaccard        Metric = "jaccard"
	Containment    Metric = "containment"
	MaxContainment Metric = "max_containment"
)

// ParseMetric accepts the estimator names used in task arguments. The empty
// string selects Jaccard.
func ParseMetric(s string) (Metric, error) {
	switch Metric(s) {
	case "", Jaccard:
		return Jaccard, nil
	case Containment, MaxContainment:
		return Metric(s), nil
	}
	return "", errclass.ErrMalformed.WithMessagef("unknown similarity estimate %q", s)
}

// SearchParams controls how an index is searched.
type SearchParams struct {
	Threshold       float64
	Metric          Metric
	IgnoreAbundance bool
	BestOnly        bool
}

// UsesAbundance reports whether scores for query under p are
// abundance-weighted.
func (p SearchParams) UsesAbundance(query *MinHash) bool {
	return p.Metric == Jaccard && !p.IgnoreAbundance && query.TrackAbundance()
}

// Match is a search hit.
type Match struct {
	Sketch     *Sketch `json:"sketch"`
	Similarity float64 `json:"similarity"`
}

// Score computes the similarity of subject to query under p.
func Score(query, subject *MinHash, p SearchParams) (float64, error) {
	switch p.Metric {
	case Containment:
		return query.Containment(subject)
	case MaxContainment:
		return query.MaxContainment(subject)
	}
	if p.UsesAbundance(query) && subject.TrackAbundance() {
		return query.AngularSimilarity(subject)
	}
	return query.Jaccard(subject)
}
