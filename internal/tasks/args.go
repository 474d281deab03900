package tasks

import (
	"bytes"
	"encoding/json"

	"minhash-go/internal/errclass"
	"minhash-go/internal/minhash"
	"minhash-go/internal/sketch"
)

type sampleArgs struct {
	SampleID string `json:"sample_id"`
}

type addSignatureArgs struct {
	SampleID string `json:"sample_id"`
	// Signature is the signature file, either as a JSON-encoded string or
	// inline.
	Signature json.RawMessage `json:"signature"`
}

func (a addSignatureArgs) data() ([]byte, error) {
	raw := bytes.TrimSpace(a.Signature)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, errclass.ErrMalformed.WithMessage("signature is required")
	}
	if raw[0] != '"' {
		return raw, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, errclass.ErrMalformed.Wrap(err, "decoding signature string")
	}
	return []byte(s), nil
}

type sampleListArgs struct {
	SampleIDs []string `json:"sample_ids"`
}

func (a sampleListArgs) validate() error {
	if len(a.SampleIDs) == 0 {
		return errclass.ErrMalformed.WithMessage("sample_ids is required")
	}
	return nil
}

type searchArgs struct {
	SampleID        string   `json:"sample_id"`
	EstimateANI     string   `json:"estimate_ani"`
	MinSimilarity   float64  `json:"min_similarity"`
	Limit           *int     `json:"limit"`
	IgnoreAbundance *bool    `json:"ignore_abundance"`
	SubsetSampleIDs []string `json:"subset_sample_ids"`
	ClusterMethod   string   `json:"cluster_method"`
}

// options defaults ignore_abundance to true.
func (a searchArgs) options() (minhash.SearchOptions, error) {
	metric, err := sketch.ParseMetric(a.EstimateANI)
	if err != nil {
		return minhash.SearchOptions{}, err
	}
	ignore := true
	if a.IgnoreAbundance != nil {
		ignore = *a.IgnoreAbundance
	}
	return minhash.SearchOptions{
		MinSimilarity:   a.MinSimilarity,
		Limit:           a.Limit,
		Estimate:        metric,
		IgnoreAbundance: ignore,
		SubsetSampleIDs: a.SubsetSampleIDs,
	}, nil
}

type clusterArgs struct {
	SampleIDs     []string `json:"sample_ids"`
	ClusterMethod string   `json:"cluster_method"`
}

type integrityArgs struct {
	InitiatedBy string `json:"initiated_by"`
	StoreReport *bool  `json:"store_report"`
}

func (a integrityArgs) initiatedBy() (minhash.InitiatedBy, error) {
	switch by := minhash.InitiatedBy(a.InitiatedBy); by {
	case "":
		return minhash.InitiatedBySystem, nil
	case minhash.InitiatedBySystem, minhash.InitiatedByUser:
		return by, nil
	}
	return "", errclass.ErrMalformed.WithMessagef("unknown initiator %q", a.InitiatedBy)
}

type noArgs struct{}

// decode reads kwargs strictly: unknown fields are rejected. Empty kwargs
// decode to the zero value.
func decode[T any](task string, kwargs json.RawMessage) (T, error) {
	var args T
	raw := bytes.TrimSpace(kwargs)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return args, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&args); err != nil {
		return args, errclass.ErrMalformed.Wrap(err, "decoding arguments of "+task)
	}
	return args, nil
}
