package minhash

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"

	"minhash-go/internal/errclass"
	"minhash-go/internal/sketch"
)

// AddSignature validates a sourmash signature, stores it content-addressed
// and inserts a record for sampleID. Identical bytes under a new sample id
// share the stored file.
func (s *Service) AddSignature(ctx context.Context, sampleID string, data []byte) (*SignatureRecord, error) {
	if err := ValidateSampleID(sampleID); err != nil {
		return nil, err
	}
	raw, err := sketch.Decompress(data)
	if err != nil {
		return nil, err
	}
	sk, err := sketch.Load(raw, s.cfg.KmerSize)
	if err != nil {
		return nil, err
	}

	existing, err := s.db.GetBySampleIDOrChecksum(ctx, sampleID, "")
	if err != nil {
		return nil, fmt.Errorf("looking up sample %s: %w", sampleID, err)
	}
	if existing != nil {
		return nil, errclass.ErrAlreadyExists.WithMessagef("sample %s", sampleID)
	}

	tmp, err := s.files.StagingFile()
	if err != nil {
		return nil, err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("writing staged signature: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("syncing staged signature: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("closing staged signature: %w", err)
	}

	fileChecksum, err := s.files.FileSHA256Hex(tmpPath)
	if err != nil {
		return nil, err
	}
	rec := &SignatureRecord{
		Version:           RecordVersion,
		SampleID:          sampleID,
		FileChecksum:      fileChecksum,
		SignatureChecksum: sk.MD5(),
		UploadedAt:        s.clock.Now(),
	}
	var created bool
	err = s.files.Ingest(ctx, func() error {
		finalPath, c, err := s.files.EnsureFile(tmpPath, fileChecksum)
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rec.SignaturePath, created = finalPath, c
		id, err := s.db.AddSignature(ctx, rec)
		if err != nil {
			return err
		}
		rec.ID = id
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.audit(ctx, &AuditEvent{
		EventType: EventUpload,
		SampleID:  sampleID,
		Details:   "signature uploaded",
		Metadata: map[string]string{
			"file_checksum":      fileChecksum,
			"signature_checksum": rec.SignatureChecksum,
			"deduplicated":       strconv.FormatBool(!created),
		},
	})
	s.logger.Info("signature added", "sample_id", sampleID, "checksum", rec.SignatureChecksum, "deduplicated", !created)
	return rec, nil
}

// RemoveSignature deletes a sample. The stored file is trashed once no
// record references it, and the sketch leaves the index once no record
// shares its checksum.
func (s *Service) RemoveSignature(ctx context.Context, sampleID string) error {
	rec, err := s.record(ctx, sampleID)
	if err != nil {
		return err
	}

	if _, err := s.db.MarkForDeletion(ctx, sampleID); err != nil {
		return err
	}
	n, err := s.db.RemoveBySampleID(ctx, sampleID)
	if err != nil {
		return err
	}
	if n == 0 {
		return errclass.ErrNotFound.WithMessagef("sample %s", sampleID)
	}

	details := "signature removed"
	fileRefs, err := s.db.CountByFileChecksum(ctx, rec.FileChecksum)
	if err != nil {
		return err
	}
	if fileRefs == 0 {
		trashed, err := s.files.MoveToTrash(rec.SignaturePath, rec.FileChecksum)
		switch {
		case errors.Is(err, errclass.ErrNotFound):
			s.logger.Warn("signature file already gone", "sample_id", sampleID, "path", rec.SignaturePath)
		case err != nil:
			return err
		default:
			s.logger.Info("signature file trashed", "sample_id", sampleID, "trash_path", trashed)
		}
	}

	sigRefs, err := s.db.CountByChecksum(ctx, rec.SignatureChecksum)
	if err != nil {
		return err
	}
	// The indexed flag can drift from the index, so the last reference always
	// removes the sketch; an absent entry only yields a warning.
	if sigRefs == 0 {
		_, err := s.index.RemoveSignatures(ctx, []string{rec.SignatureChecksum})
		switch {
		case err == nil, errors.Is(err, errclass.ErrNotFound):
		case errors.Is(err, errclass.ErrNotSupported):
			if rec.HasBeenIndexed {
				details = "signature removed; index is read-only and still lists it"
				s.logger.Warn("index is read-only, entry left in place", "sample_id", sampleID, "checksum", rec.SignatureChecksum)
			}
		default:
			return fmt.Errorf("removing %s from index: %w", sampleID, err)
		}
	}

	s.audit(ctx, &AuditEvent{
		EventType: EventDelete,
		SampleID:  sampleID,
		Details:   details,
		Metadata: map[string]string{
			"file_checksum":      rec.FileChecksum,
			"signature_checksum": rec.SignatureChecksum,
		},
	})
	s.logger.Info("signature removed", "sample_id", sampleID)
	return nil
}

// CheckSignature reports whether a sample exists and its state.
func (s *Service) CheckSignature(ctx context.Context, sampleID string) (*SignatureStatus, error) {
	if err := ValidateSampleID(sampleID); err != nil {
		return nil, err
	}
	rec, err := s.db.GetBySampleIDOrChecksum(ctx, sampleID, "")
	if err != nil {
		return nil, fmt.Errorf("looking up sample %s: %w", sampleID, err)
	}
	if rec == nil {
		return &SignatureStatus{SampleID: sampleID}, nil
	}
	return &SignatureStatus{
		Exists:              true,
		SampleID:            rec.SampleID,
		FileChecksum:        rec.FileChecksum,
		SignatureChecksum:   rec.SignatureChecksum,
		HasBeenIndexed:      rec.HasBeenIndexed,
		ExcludeFromAnalysis: rec.ExcludeFromAnalysis,
	}, nil
}

// ExcludeFromAnalysis hides samples from search results. It returns the
// samples whose flag changed.
func (s *Service) ExcludeFromAnalysis(ctx context.Context, sampleIDs []string) ([]string, error) {
	return s.setFlag(ctx, sampleIDs, s.db.ExcludeFromAnalysis)
}

// IncludeInAnalysis reverses ExcludeFromAnalysis.
func (s *Service) IncludeInAnalysis(ctx context.Context, sampleIDs []string) ([]string, error) {
	return s.setFlag(ctx, sampleIDs, s.db.IncludeInAnalysis)
}

func (s *Service) setFlag(ctx context.Context, sampleIDs []string, set func(context.Context, string) (bool, error)) ([]string, error) {
	if _, err := s.records(ctx, sampleIDs); err != nil {
		return nil, err
	}
	changed := []string{}
	for _, id := range sampleIDs {
		ok, err := set(ctx, id)
		if err != nil {
			return nil, err
		}
		if ok {
			changed = append(changed, id)
		}
	}
	return changed, nil
}
