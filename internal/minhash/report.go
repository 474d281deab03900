package minhash

import (
	"context"
	"encoding/json"
	"time"
)

// InitiatedBy records who started an integrity check.
type InitiatedBy string

const (
	InitiatedByUser   InitiatedBy = "user"
	InitiatedBySystem InitiatedBy = "system"
)

// IntegrityReport summarizes a consistency scan over records, files and the index.
type IntegrityReport struct {
	ID                 string      `json:"id,omitempty"`
	Timestamp          time.Time   `json:"timestamp"`
	InitiatedBy        InitiatedBy `json:"initiated_by"`
	DurationSeconds    float64     `json:"duration_s"`
	SWVersion          string      `json:"sw_version"`
	TotalRecords       int         `json:"total_records"`
	TotalIndexed       int         `json:"total_indexed"`
	MissingFiles       []string    `json:"missing_files"`
	CorruptedFiles     []string    `json:"corrupted_files"`
	ShouldBeIndexed    []string    `json:"should_be_indexed"`
	ShouldNotBeIndexed []string    `json:"should_not_be_indexed"`
}

// HasErrors is true when files are missing or corrupted.
func (r *IntegrityReport) HasErrors() bool {
	return len(r.MissingFiles) > 0 || len(r.CorruptedFiles) > 0
}

// HasWarnings is true when the index disagrees with the records.
func (r *IntegrityReport) HasWarnings() bool {
	return len(r.ShouldBeIndexed) > 0 || len(r.ShouldNotBeIndexed) > 0
}

func (r *IntegrityReport) ErrorCount() int {
	return len(r.MissingFiles) + len(r.CorruptedFiles)
}

func (r *IntegrityReport) WarningCount() int {
	return len(r.ShouldBeIndexed) + len(r.ShouldNotBeIndexed)
}

// MarshalJSON adds the derived has_errors, has_warnings, error_count and
// warning_count fields. Empty lists encode as [].
func (r IntegrityReport) MarshalJSON() ([]byte, error) {
	type fields IntegrityReport
	out := struct {
		fields
		HasErrors    bool `json:"has_errors"`
		HasWarnings  bool `json:"has_warnings"`
		ErrorCount   int  `json:"error_count"`
		WarningCount int  `json:"warning_count"`
	}{
		fields:       fields(r),
		HasErrors:    r.HasErrors(),
		HasWarnings:  r.HasWarnings(),
		ErrorCount:   r.ErrorCount(),
		WarningCount: r.WarningCount(),
	}
	for _, l := range []*[]string{&out.MissingFiles, &out.CorruptedFiles, &out.ShouldBeIndexed, &out.ShouldNotBeIndexed} {
		if *l == nil {
			*l = []string{}
		}
	}
	return json.Marshal(out)
}

// IntegrityChecker produces integrity reports.
type IntegrityChecker interface {
	Check(ctx context.Context, initiatedBy InitiatedBy) (*IntegrityReport, error)
}
