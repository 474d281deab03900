// Package sketch models sourmash MinHash signatures: parsing the JSON file
// format, computing sketch checksums, and comparing sketches.
package sketch

import (
	"bytes"
	"compress/gzip"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"

	"minhash-go/internal/errclass"
)

// MinHash is a single sketch as it appears in the "signatures" list of a
// sourmash signature object.
type MinHash struct {
	Num        uint32   `json:"num"`
	KSize      uint32   `json:"ksize"`
	Seed       uint32   `json:"seed"`
	MaxHash    uint64   `json:"max_hash"`
	Mins       []uint64 `json:"mins"`
	Abundances []uint64 `json:"abundances,omitempty"`
	MD5Sum     string   `json:"md5sum"`
	Molecule   string   `json:"molecule"`
}

// Signature is one entry of a sourmash signature file.
type Signature struct {
	Class        string    `json:"class,omitempty"`
	Email        string    `json:"email"`
	HashFunction string    `json:"hash_function,omitempty"`
	Filename     string    `json:"filename,omitempty"`
	Name         string    `json:"name,omitempty"`
	License      string    `json:"license,omitempty"`
	Signatures   []MinHash `json:"signatures"`
	Version      float64   `json:"version"`
}

// Sketch is the sketch selected from a signature file for a configured k-mer
// size, together with the names it is indexed under.
type Sketch struct {
	Name     string   `json:"name"`
	Filename string   `json:"filename,omitempty"`
	MinHash  *MinHash `json:"minhash"`
}

// MD5 returns the sketch checksum.
func (s *Sketch) MD5() string { return s.MinHash.MD5Sum }

const DefaultSeed = 42

var gzipMagic = []byte{0x1f, 0x8b}

// IsGzip reports whether data starts with the gzip magic number.
func IsGzip(data []byte) bool {
	return bytes.HasPrefix(data, gzipMagic)
}

// Decompress returns data unchanged unless it is gzip-compressed.
func Decompress(data []byte) ([]byte, error) {
	if !IsGzip(data) {
		return data, nil
	}
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, errclass.ErrMalformed.Wrap(err, "opening gzip stream")
	}
	defer zr.Close()
	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, errclass.ErrMalformed.Wrap(err, "decompressing signature")
	}
	return out, nil
}

// Parse decodes a signature file. Both a JSON array of signatures and a
// single signature object are accepted. Sketches are normalized so that
// mins are ascending, and md5sums are verified when present.
func Parse(data []byte) ([]Signature, error) {
	data, err := Decompress(data)
	if err != nil {
		return nil, err
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, errclass.ErrMalformed.WithMessage("empty signature file")
	}

	var sigs []Signature
	if data[0] == '{' {
		var sig Signature
		if err := json.Unmarshal(data, &sig); err != nil {
			return nil, errclass.ErrMalformed.Wrap(err, "decoding signature")
		}
		sigs = []Signature{sig}
	} else if err := json.Unmarshal(data, &sigs); err != nil {
		return nil, errclass.ErrMalformed.Wrap(err, "decoding signature list")
	}
	if len(sigs) == 0 {
		return nil, errclass.ErrMalformed.WithMessage("signature file holds no signatures")
	}

	for i := range sigs {
		if len(sigs[i].Signatures) == 0 {
			return nil, errclass.ErrMalformed.WithMessagef("signature %d holds no sketches", i)
		}
		for j := range sigs[i].Signatures {
			if err := sigs[i].Signatures[j].normalize(); err != nil {
				return nil, err
			}
		}
	}
	return sigs, nil
}

// Load parses data and selects the first sketch with the given k-mer size.
func Load(data []byte, ksize int) (*Sketch, error) {
	sigs, err := Parse(data)
	if err != nil {
		return nil, err
	}
	for _, sig := range sigs {
		for i := range sig.Signatures {
			mh := sig.Signatures[i]
			if int(mh.KSize) != ksize {
				continue
			}
			name := sig.Name
			if name == "" {
				name = sig.Filename
			}
			return &Sketch{Name: name, MinHash: &mh}, nil
		}
	}
	return nil, errclass.ErrMalformed.WithMessagef("no sketch with ksize %d", ksize)
}

// Encode writes signatures in the canonical list form.
func Encode(sigs []Signature) ([]byte, error) {
	data, err := json.Marshal(sigs)
	if err != nil {
		return nil, fmt.Errorf("encoding signatures: %w", err)
	}
	return data, nil
}

func (m *MinHash) normalize() error {
	if m.KSize == 0 {
		return errclass.ErrMalformed.WithMessage("sketch has ksize 0")
	}
	if m.Abundances != nil && len(m.Abundances) != len(m.Mins) {
		return errclass.ErrMalformed.WithMessagef("sketch has %d mins but %d abundances", len(m.Mins), len(m.Abundances))
	}
	if !sort.SliceIsSorted(m.Mins, func(i, j int) bool { return m.Mins[i] < m.Mins[j] }) {
		idx := make([]int, len(m.Mins))
		for i := range idx {
			idx[i] = i
		}
		sort.Slice(idx, func(a, b int) bool { return m.Mins[idx[a]] < m.Mins[idx[b]] })
		mins := make([]uint64, len(idx))
		var abunds []uint64
		if m.Abundances != nil {
			abunds = make([]uint64, len(idx))
		}
		for i, k := range idx {
			mins[i] = m.Mins[k]
			if abunds != nil {
				abunds[i] = m.Abundances[k]
			}
		}
		m.Mins, m.Abundances = mins, abunds
	}

	sum := ComputeMD5(m.KSize, m.Mins)
	if m.MD5Sum != "" && m.MD5Sum != sum {
		return errclass.ErrMalformed.WithMessagef("md5sum mismatch: file says %s, sketch hashes to %s", m.MD5Sum, sum)
	}
	m.MD5Sum = sum
	return nil
}

// ComputeMD5 returns the sourmash md5sum of a sketch: the MD5 of the decimal
// k-mer size followed by each hash in ascending order.
func ComputeMD5(ksize uint32, mins []uint64) string {
	h := md5.New()
	io.WriteString(h, strconv.FormatUint(uint64(ksize), 10))
	for _, v := range mins {
		io.WriteString(h, strconv.FormatUint(v, 10))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// MaxHashForScaled converts a scaled factor into the max_hash threshold.
func MaxHashForScaled(scaled uint64) uint64 {
	switch scaled {
	case 0:
		return 0
	case 1:
		return math.MaxUint64
	}
	v := math.Round(math.Exp2(64) / float64(scaled))
	if v >= math.Exp2(64) {
		return math.MaxUint64
	}
	return uint64(v)
}

// NewScaled builds a scaled DNA sketch from hashes, keeping only those under
// the threshold. abundances may be nil.
func NewScaled(ksize uint32, scaled uint64, hashes []uint64, abundances []uint64) *MinHash {
	maxHash := MaxHashForScaled(scaled)
	m := &MinHash{KSize: ksize, Seed: DefaultSeed, MaxHash: maxHash, Molecule: "DNA"}
	for i, h := range hashes {
		if maxHash != 0 && h > maxHash {
			continue
		}
		m.Mins = append(m.Mins, h)
		if abundances != nil {
			m.Abundances = append(m.Abundances, abundances[i])
		}
	}
	if m.Mins == nil {
		m.Mins = []uint64{}
	}
	m.normalize()
	return m
}
