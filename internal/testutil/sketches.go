package testutil

import (
	"fmt"
	"testing"

	"minhash-go/internal/sketch"
)

const (
	// KSize is the k-mer size used by fixtures and test configs.
	KSize = 31
	// Scaled is the scaled factor used by fixtures.
	Scaled = 1000
)

// MinHash builds a scaled fixture sketch at KSize.
func MinHash(hashes ...uint64) *sketch.MinHash {
	return sketch.NewScaled(KSize, Scaled, hashes, nil)
}

// Sketch builds a named fixture sketch at KSize.
func Sketch(name string, hashes ...uint64) *sketch.Sketch {
	return &sketch.Sketch{Name: name, MinHash: MinHash(hashes...)}
}

// SignatureJSON renders a sourmash signature file holding one sketch at
// KSize and one at k=21, so that k-mer selection is exercised.
func SignatureJSON(t testing.TB, name string, hashes ...uint64) []byte {
	t.Helper()
	other := sketch.NewScaled(21, Scaled, hashes, nil)
	data, err := sketch.Encode([]sketch.Signature{{
		Class:        "sourmash_signature",
		HashFunction: "0.murmur64",
		Filename:     name + ".fasta",
		Name:         name,
		License:      "CC0",
		Signatures:   []sketch.MinHash{*other, *MinHash(hashes...)},
		Version:      0.4,
	}})
	if err != nil {
		t.Fatalf("encoding fixture signature: %v", err)
	}
	return data
}

// Range returns the hashes lo, lo+1, ..., hi-1.
func Range(lo, hi uint64) []uint64 {
	if hi < lo {
		panic(fmt.Sprintf("testutil.Range(%d, %d)", lo, hi))
	}
	out := make([]uint64, 0, hi-lo)
	for h := lo; h < hi; h++ {
		out = append(out, h)
	}
	return out
}
