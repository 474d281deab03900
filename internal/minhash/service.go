package minhash

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"minhash-go/internal/errclass"
	"minhash-go/internal/sketch"
)

// ServiceConfig holds the tunables of Service.
type ServiceConfig struct {
	KmerSize       int
	TrashRetention time.Duration
	SweepOrphans   bool
	OrphanGrace    time.Duration
	ReportLevel    NotifyLevel
	Recipients     []string
}

// DefaultTrashRetention is how long removed files stay in the trash.
const DefaultTrashRetention = 14 * 24 * time.Hour

// Deps are the collaborators of Service. Checker, Notifier and Archiver
// are optional.
type Deps struct {
	Database Database
	Files    FileStore
	Index    Index
	Checker  IntegrityChecker
	Notifier Notifier
	Archiver Archiver
	Logger   Logger
	Clock    Clock
}

// Service implements the signature store operations. Every exported method
// is the body of one queue task.
type Service struct {
	db       Database
	files    FileStore
	index    Index
	checker  IntegrityChecker
	notifier Notifier
	archiver Archiver
	logger   Logger
	clock    Clock
	cfg      ServiceConfig
}

// NewService creates a Service with the provided dependencies.
func NewService(deps Deps, cfg ServiceConfig) *Service {
	if cfg.TrashRetention <= 0 {
		cfg.TrashRetention = DefaultTrashRetention
	}
	if cfg.ReportLevel == "" {
		cfg.ReportLevel = NotifyNever
	}
	logger := deps.Logger
	if logger == nil {
		logger = NewNopLogger()
	}
	clock := deps.Clock
	if clock == nil {
		clock = RealClock{}
	}
	return &Service{
		db:       deps.Database,
		files:    deps.Files,
		index:    deps.Index,
		checker:  deps.Checker,
		notifier: deps.Notifier,
		archiver: deps.Archiver,
		logger:   logger,
		clock:    clock,
		cfg:      cfg,
	}
}

// record looks up a sample and fails with ErrNotFound when it is absent.
func (s *Service) record(ctx context.Context, sampleID string) (*SignatureRecord, error) {
	if err := ValidateSampleID(sampleID); err != nil {
		return nil, err
	}
	rec, err := s.db.GetBySampleIDOrChecksum(ctx, sampleID, "")
	if err != nil {
		return nil, fmt.Errorf("looking up sample %s: %w", sampleID, err)
	}
	if rec == nil {
		return nil, errclass.ErrNotFound.WithMessagef("sample %s", sampleID)
	}
	return rec, nil
}

func (s *Service) records(ctx context.Context, sampleIDs []string) ([]*SignatureRecord, error) {
	recs := make([]*SignatureRecord, 0, len(sampleIDs))
	for _, id := range sampleIDs {
		rec, err := s.record(ctx, id)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// loadSketch reads a record's signature file and selects the configured
// k-mer size. The file must hash to the recorded checksums.
func (s *Service) loadSketch(rec *SignatureRecord) (*sketch.Sketch, error) {
	data, err := s.files.ReadFile(rec.SignaturePath)
	if err != nil {
		return nil, fmt.Errorf("reading signature of %s: %w", rec.SampleID, err)
	}
	if got := sha256Hex(data); got != rec.FileChecksum {
		return nil, errclass.ErrIntegrityViolation.WithMessagef(
			"signature file of %s hashes to %s, record says %s", rec.SampleID, got, rec.FileChecksum)
	}
	sk, err := sketch.Load(data, s.cfg.KmerSize)
	if err != nil {
		return nil, fmt.Errorf("loading signature of %s: %w", rec.SampleID, err)
	}
	if sk.MD5() != rec.SignatureChecksum {
		return nil, errclass.ErrIntegrityViolation.WithMessagef(
			"sketch of %s has md5 %s, record says %s", rec.SampleID, sk.MD5(), rec.SignatureChecksum)
	}
	sk.Name = rec.SampleID
	sk.Filename = rec.SignaturePath
	return sk, nil
}

func (s *Service) audit(ctx context.Context, event *AuditEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = s.clock.Now()
	}
	if _, err := s.db.LogEvent(ctx, event); err != nil {
		s.logger.Error("writing audit event failed", "event_type", event.EventType, "sample_id", event.SampleID, "error", err)
	}
}

// RecordFailure writes an error audit event for a task that failed with a
// permanent error class. Lock timeouts and unexpected faults are left to
// the queue's retry and failure records.
func (s *Service) RecordFailure(ctx context.Context, task, sampleID string, err error) {
	if !errclass.IsPermanent(err) {
		return
	}
	s.audit(context.WithoutCancel(ctx), &AuditEvent{
		EventType: EventError,
		SampleID:  sampleID,
		Details:   err.Error(),
		Metadata:  map[string]string{"task": task, "class": errclass.ClassOf(err).Code},
	})
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
