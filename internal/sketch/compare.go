package sketch

import (
	"math"

	"minhash-go/internal/errclass"
)

// IsScaled reports whether the sketch keeps every hash under MaxHash rather
// than a fixed number of smallest hashes.
func (m *MinHash) IsScaled() bool { return m.Num == 0 }

// TrackAbundance reports whether the sketch carries hash multiplicities.
func (m *MinHash) TrackAbundance() bool { return len(m.Abundances) > 0 }

// Size is the number of hashes in the sketch.
func (m *MinHash) Size() int { return len(m.Mins) }

// Flatten returns a copy of the sketch without abundances.
func (m *MinHash) Flatten() *MinHash {
	c := *m
	c.Abundances = nil
	return &c
}

func (m *MinHash) downsample(maxHash uint64) *MinHash {
	if maxHash == 0 || maxHash >= m.MaxHash && m.MaxHash != 0 {
		return m
	}
	c := *m
	c.MaxHash = maxHash
	c.Mins = nil
	c.Abundances = nil
	for i, h := range m.Mins {
		if h > maxHash {
			break
		}
		c.Mins = append(c.Mins, h)
		if m.Abundances != nil {
			c.Abundances = append(c.Abundances, m.Abundances[i])
		}
	}
	return &c
}

// compatible brings two sketches to a common resolution.
func compatible(a, b *MinHash) (*MinHash, *MinHash, error) {
	if a.KSize != b.KSize {
		return nil, nil, errclass.ErrMalformed.WithMessagef("cannot compare sketches with ksize %d and %d", a.KSize, b.KSize)
	}
	if a.Seed != b.Seed {
		return nil, nil, errclass.ErrMalformed.WithMessagef("cannot compare sketches with seed %d and %d", a.Seed, b.Seed)
	}
	if a.IsScaled() != b.IsScaled() {
		return nil, nil, errclass.ErrMalformed.WithMessage("cannot compare a scaled sketch with a num sketch")
	}
	if a.IsScaled() {
		maxHash := min(a.MaxHash, b.MaxHash)
		return a.downsample(maxHash), b.downsample(maxHash), nil
	}
	return a, b, nil
}

// CountCommon returns the number of hashes in both sorted slices.
func CountCommon(a, b []uint64) int {
	var i, j, n int
	for i < len(a) && j < len(b) {
		switch {
		case a[i] < b[j]:
			i++
		case a[i] > b[j]:
			j++
		default:
			n++
			i++
			j++
		}
	}
	return n
}

// Jaccard estimates |A∩B| / |A∪B|. Num sketches use the bottom-k of the
// union as the sample.
func (m *MinHash) Jaccard(other *MinHash) (float64, error) {
	a, b, err := compatible(m, other)
	if err != nil {
		return 0, err
	}
	if a.IsScaled() {
		common := CountCommon(a.Mins, b.Mins)
		union := len(a.Mins) + len(b.Mins) - common
		if union == 0 {
			return 0, nil
		}
		return float64(common) / float64(union), nil
	}

	k := int(min(a.Num, b.Num))
	var i, j, taken, common int
	for taken < k && (i < len(a.Mins) || j < len(b.Mins)) {
		switch {
		case j >= len(b.Mins) || i < len(a.Mins) && a.Mins[i] < b.Mins[j]:
			i++
		case i >= len(a.Mins) || b.Mins[j] < a.Mins[i]:
			j++
		default:
			common++
			i++
			j++
		}
		taken++
	}
	if taken == 0 {
		return 0, nil
	}
	return float64(common) / float64(taken), nil
}

// Containment estimates |A∩B| / |A| where A is the receiver.
func (m *MinHash) Containment(other *MinHash) (float64, error) {
	a, b, err := scaledPair(m, other, "containment")
	if err != nil {
		return 0, err
	}
	if len(a.Mins) == 0 {
		return 0, nil
	}
	return float64(CountCommon(a.Mins, b.Mins)) / float64(len(a.Mins)), nil
}

// MaxContainment estimates |A∩B| / min(|A|, |B|).
func (m *MinHash) MaxContainment(other *MinHash) (float64, error) {
	a, b, err := scaledPair(m, other, "max containment")
	if err != nil {
		return 0, err
	}
	denom := min(len(a.Mins), len(b.Mins))
	if denom == 0 {
		return 0, nil
	}
	return float64(CountCommon(a.Mins, b.Mins)) / float64(denom), nil
}

func scaledPair(m, other *MinHash, what string) (*MinHash, *MinHash, error) {
	if !m.IsScaled() || !other.IsScaled() {
		return nil, nil, errclass.ErrMalformed.WithMessagef("%s requires scaled sketches", what)
	}
	return compatible(m, other)
}

// AngularSimilarity compares abundance-weighted sketches as vectors:
// 1 - 2*acos(cos)/pi.
func (m *MinHash) AngularSimilarity(other *MinHash) (float64, error) {
	if !m.TrackAbundance() || !other.TrackAbundance() {
		return 0, errclass.ErrMalformed.WithMessage("angular similarity requires abundances on both sketches")
	}
	a, b, err := compatible(m, other)
	if err != nil {
		return 0, err
	}

	var dot, normA, normB float64
	for _, v := range a.Abundances {
		normA += float64(v) * float64(v)
	}
	for _, v := range b.Abundances {
		normB += float64(v) * float64(v)
	}
	var i, j int
	for i < len(a.Mins) && j < len(b.Mins) {
		switch {
		case a.Mins[i] < b.Mins[j]:
			i++
		case a.Mins[i] > b.Mins[j]:
			j++
		default:
			dot += float64(a.Abundances[i]) * float64(b.Abundances[j])
			i++
			j++
		}
	}
	if normA == 0 || normB == 0 {
		return 0, nil
	}
	cos := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	cos = math.Max(-1, math.Min(1, cos))
	return 1 - 2*math.Acos(cos)/math.Pi, nil
}
