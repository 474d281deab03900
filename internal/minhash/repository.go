package minhash

import (
	"context"
	"iter"
	"time"
)

// Repository persists SignatureRecords. Lookups that find nothing return
// nil, nil. Inserting a duplicate sample id fails with errclass.ErrAlreadyExists.
type Repository interface {
	AddSignature(ctx context.Context, rec *SignatureRecord) (string, error)
	// GetBySampleIDOrChecksum looks a record up by exactly one of its sample id
	// or its signature checksum.
	GetBySampleIDOrChecksum(ctx context.Context, sampleID, checksum string) (*SignatureRecord, error)
	GetAllSignatures(ctx context.Context) iter.Seq2[*SignatureRecord, error]
	// GetUnindexedSignatures yields at most limit records; limit <= 0 means all.
	GetUnindexedSignatures(ctx context.Context, limit int) iter.Seq2[*SignatureRecord, error]
	// FindBySignatureChecksum returns every record whose sketch has the
	// given MD5, ordered by sample id.
	FindBySignatureChecksum(ctx context.Context, checksum string) ([]*SignatureRecord, error)
	CountByChecksum(ctx context.Context, checksum string) (int64, error)
	// CountByFileChecksum counts the records that reference one canonical file.
	CountByFileChecksum(ctx context.Context, checksum string) (int64, error)

	// The flag setters report whether the stored value changed.
	MarkIndexed(ctx context.Context, sampleID string, at time.Time) (bool, error)
	UnmarkIndexed(ctx context.Context, sampleID string) (bool, error)
	ExcludeFromAnalysis(ctx context.Context, sampleID string) (bool, error)
	IncludeInAnalysis(ctx context.Context, sampleID string) (bool, error)
	MarkForDeletion(ctx context.Context, sampleID string) (bool, error)

	RemoveBySampleID(ctx context.Context, sampleID string) (int64, error)
	EnsureIndexes(ctx context.Context) error
	Close() error
}

// EventType classifies audit events.
type EventType string

const (
	EventUpload EventType = "upload"
	EventIndex  EventType = "index"
	EventDelete EventType = "delete"
	EventError  EventType = "error"
	EventOther  EventType = "other"
)

// AuditEvent is one append-only audit trail entry.
type AuditEvent struct {
	ID        string            `json:"id,omitempty"`
	EventType EventType         `json:"event_type"`
	SampleID  string            `json:"sample_id,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Details   string            `json:"details,omitempty"`
	UserID    string            `json:"user_id,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// AuditTrail appends audit events. Entries are never updated or removed.
type AuditTrail interface {
	LogEvent(ctx context.Context, event *AuditEvent) (string, error)
	Events(ctx context.Context, sampleID string) ([]*AuditEvent, error)
}

// ReportStore persists integrity reports.
type ReportStore interface {
	SaveReport(ctx context.Context, report *IntegrityReport) (string, error)
	// LatestReport returns nil, nil when no report has been stored yet.
	LatestReport(ctx context.Context) (*IntegrityReport, error)
}

// Database bundles the stores a metadata backend provides.
type Database interface {
	Repository
	AuditTrail
	ReportStore
}
