package minhash

import (
	"regexp"
	"strings"
	"time"

	"minhash-go/internal/errclass"
)

var sampleIDPattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,200}$`)

// ValidateSampleID rejects identifiers that are empty, too long, or contain
// characters outside [A-Za-z0-9._-].
func ValidateSampleID(id string) error {
	if !sampleIDPattern.MatchString(id) {
		return errclass.ErrMalformed.WithMessagef("invalid sample id %q", id)
	}
	return nil
}

// ParseFileChecksum normalizes a SHA-256 hex digest of a signature file.
func ParseFileChecksum(s string) (string, error) {
	return parseHex(s, 64, "file checksum")
}

// ParseSignatureChecksum normalizes an MD5 hex digest of a sketch.
func ParseSignatureChecksum(s string) (string, error) {
	return parseHex(s, 32, "signature checksum")
}

func parseHex(s string, n int, what string) (string, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if len(s) != n {
		return "", errclass.ErrMalformed.WithMessagef("%s must be %d hex characters, got %d", what, n, len(s))
	}
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return "", errclass.ErrMalformed.WithMessagef("%s %q is not hex", what, s)
		}
	}
	return s, nil
}

// SignatureRecord is the metadata kept for one uploaded sample.
type SignatureRecord struct {
	ID                  string     `json:"id,omitempty"`
	Version             int        `json:"version"`
	SampleID            string     `json:"sample_id"`
	SignaturePath       string     `json:"signature_path"`
	FileChecksum        string     `json:"file_checksum"`
	SignatureChecksum   string     `json:"signature_checksum"`
	HasBeenIndexed      bool       `json:"has_been_indexed"`
	IndexedAt           *time.Time `json:"indexed_at,omitempty"`
	ExcludeFromAnalysis bool       `json:"exclude_from_analysis"`
	MarkedForDeletion   bool       `json:"marked_for_deletion"`
	UploadedAt          time.Time  `json:"uploaded_at"`
}

// RecordVersion is the schema version written into new records.
const RecordVersion = 1

// SignatureStatus is the answer to check_signature.
type SignatureStatus struct {
	Exists              bool   `json:"exists"`
	SampleID            string `json:"sample_id"`
	FileChecksum        string `json:"file_checksum,omitempty"`
	SignatureChecksum   string `json:"signature_checksum,omitempty"`
	HasBeenIndexed      bool   `json:"has_been_indexed"`
	ExcludeFromAnalysis bool   `json:"exclude_from_analysis"`
}
