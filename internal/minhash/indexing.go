package minhash

import (
	"context"
	"fmt"
	"strings"
	"time"

	"minhash-go/internal/sketch"
)

// AddToIndex inserts the samples' sketches into the index and flags every
// record whose checksum the index now lists. Samples pending deletion are
// skipped with a warning; exclusion from analysis does not affect indexing.
func (s *Service) AddToIndex(ctx context.Context, sampleIDs []string) (*AddResult, error) {
	recs, err := s.records(ctx, sampleIDs)
	if err != nil {
		return nil, err
	}

	var warnings []string
	var sketches []*sketch.Sketch
	seen := make(map[string]struct{})
	for _, rec := range recs {
		if rec.MarkedForDeletion {
			warnings = append(warnings, fmt.Sprintf("sample %s is marked for deletion", rec.SampleID))
			continue
		}
		if _, dup := seen[rec.SignatureChecksum]; dup {
			continue
		}
		sk, err := s.loadSketch(rec)
		if err != nil {
			return nil, err
		}
		seen[rec.SignatureChecksum] = struct{}{}
		sketches = append(sketches, sk)
	}

	res, err := s.index.AddSignatures(ctx, sketches, true)
	if err != nil {
		return nil, err
	}
	res.Warnings = append(warnings, res.Warnings...)
	if len(sketches) == 0 {
		return res, nil
	}

	now := s.clock.Now()
	for _, sk := range sketches {
		if err := s.markChecksum(ctx, sk.MD5(), now); err != nil {
			return nil, err
		}
	}

	s.audit(ctx, &AuditEvent{
		EventType: EventIndex,
		Details:   fmt.Sprintf("added %d of %d signatures to index", res.AddedCount, len(sketches)),
		Metadata:  map[string]string{"sample_ids": joinIDs(sampleIDs)},
	})
	return res, nil
}

// markChecksum flags every live record with the given sketch checksum as
// indexed.
func (s *Service) markChecksum(ctx context.Context, checksum string, at time.Time) error {
	recs, err := s.db.FindBySignatureChecksum(ctx, checksum)
	if err != nil {
		return err
	}
	for _, rec := range recs {
		if rec.MarkedForDeletion {
			continue
		}
		if _, err := s.db.MarkIndexed(ctx, rec.SampleID, at); err != nil {
			return err
		}
	}
	return nil
}

func joinIDs(ids []string) string {
	return strings.Join(ids, ",")
}

// RemoveFromIndex drops the samples' sketches from the index and clears the
// indexed flag of every record sharing a removed checksum.
func (s *Service) RemoveFromIndex(ctx context.Context, sampleIDs []string) (*RemoveResult, error) {
	recs, err := s.records(ctx, sampleIDs)
	if err != nil {
		return nil, err
	}

	var names []string
	seen := make(map[string]struct{})
	for _, rec := range recs {
		if _, dup := seen[rec.SignatureChecksum]; dup {
			continue
		}
		seen[rec.SignatureChecksum] = struct{}{}
		names = append(names, rec.SignatureChecksum)
	}

	res, err := s.index.RemoveSignatures(ctx, names)
	if err != nil {
		return nil, err
	}

	// Requested samples are unflagged even when the index did not list
	// them, which repairs drift.
	for _, rec := range recs {
		if _, err := s.db.UnmarkIndexed(ctx, rec.SampleID); err != nil {
			return nil, err
		}
	}
	for _, name := range res.Removed {
		shared, err := s.db.FindBySignatureChecksum(ctx, name)
		if err != nil {
			return nil, err
		}
		for _, rec := range shared {
			if _, err := s.db.UnmarkIndexed(ctx, rec.SampleID); err != nil {
				return nil, err
			}
		}
	}

	s.audit(ctx, &AuditEvent{
		EventType: EventIndex,
		Details:   fmt.Sprintf("removed %d signatures from index", res.RemovedCount),
		Metadata:  map[string]string{"sample_ids": joinIDs(sampleIDs)},
	})
	return res, nil
}

// IndexedSketches loads one sketch per distinct checksum among the records
// flagged as indexed. It is the input for rebuilding an index from scratch.
func (s *Service) IndexedSketches(ctx context.Context) ([]*sketch.Sketch, error) {
	var sketches []*sketch.Sketch
	seen := make(map[string]struct{})
	for rec, err := range s.db.GetAllSignatures(ctx) {
		if err != nil {
			return nil, fmt.Errorf("listing signatures: %w", err)
		}
		if !rec.HasBeenIndexed || rec.MarkedForDeletion {
			continue
		}
		if _, dup := seen[rec.SignatureChecksum]; dup {
			continue
		}
		sk, err := s.loadSketch(rec)
		if err != nil {
			return nil, err
		}
		seen[rec.SignatureChecksum] = struct{}{}
		sketches = append(sketches, sk)
	}
	return sketches, nil
}
