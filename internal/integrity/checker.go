// Package integrity cross-checks signature records against the file store
// and the index.
package integrity

import (
	"context"
	"fmt"

	"minhash-go/internal/minhash"
)

// Checker builds integrity reports. It only reads; drift is reported, not
// repaired.
type Checker struct {
	repo    minhash.Repository
	files   minhash.FileStore
	index   minhash.Index
	clock   minhash.Clock
	version string
}

var _ minhash.IntegrityChecker = (*Checker)(nil)

func NewChecker(repo minhash.Repository, files minhash.FileStore, index minhash.Index, clock minhash.Clock, version string) *Checker {
	return &Checker{repo: repo, files: files, index: index, clock: clock, version: version}
}

// Check walks every record. A file that is absent is missing; one that
// hashes to another checksum is corrupted. Records flagged as indexed must
// have their sketch in the index listing, and unflagged ones must not.
func (c *Checker) Check(ctx context.Context, initiatedBy minhash.InitiatedBy) (*minhash.IntegrityReport, error) {
	start := c.clock.Now()

	entries, err := c.index.ListSignatures(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing index: %w", err)
	}
	inIndex := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		inIndex[e.Name] = struct{}{}
	}

	report := &minhash.IntegrityReport{
		Timestamp:          start,
		InitiatedBy:        initiatedBy,
		SWVersion:          c.version,
		MissingFiles:       []string{},
		CorruptedFiles:     []string{},
		ShouldBeIndexed:    []string{},
		ShouldNotBeIndexed: []string{},
	}

	for rec, err := range c.repo.GetAllSignatures(ctx) {
		if err != nil {
			return nil, fmt.Errorf("listing signatures: %w", err)
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		report.TotalRecords++
		if rec.HasBeenIndexed {
			report.TotalIndexed++
		}

		exists, err := c.files.Exists(rec.SignaturePath)
		if err != nil {
			return nil, err
		}
		if !exists {
			report.MissingFiles = append(report.MissingFiles, rec.SampleID)
		} else {
			ok, err := c.files.CheckFileIntegrity(rec.SignaturePath, rec.FileChecksum)
			if err != nil {
				return nil, fmt.Errorf("checking file of %s: %w", rec.SampleID, err)
			}
			if !ok {
				report.CorruptedFiles = append(report.CorruptedFiles, rec.SampleID)
			}
		}

		_, indexed := inIndex[rec.SignatureChecksum]
		switch {
		case rec.HasBeenIndexed && !indexed:
			report.ShouldBeIndexed = append(report.ShouldBeIndexed, rec.SampleID)
		case !rec.HasBeenIndexed && indexed:
			report.ShouldNotBeIndexed = append(report.ShouldNotBeIndexed, rec.SampleID)
		}
	}

	report.DurationSeconds = c.clock.Now().Sub(start).Seconds()
	return report, nil
}
