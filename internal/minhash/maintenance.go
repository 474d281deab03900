package minhash

import (
	"context"
	"encoding/json"
	"fmt"

	"minhash-go/internal/errclass"
)

// CheckDataIntegrity scans records, files and the index. With store, the
// report is saved and an audit event written. A notification is sent when
// the configured level asks for one; delivery failures are only logged.
func (s *Service) CheckDataIntegrity(ctx context.Context, initiatedBy InitiatedBy, store bool) (*IntegrityReport, error) {
	if s.checker == nil {
		return nil, errclass.ErrNotSupported.WithMessage("no integrity checker configured")
	}
	report, err := s.checker.Check(ctx, initiatedBy)
	if err != nil {
		return nil, fmt.Errorf("checking integrity: %w", err)
	}
	s.logger.Info("integrity check finished",
		"errors", report.ErrorCount(), "warnings", report.WarningCount(), "duration_s", report.DurationSeconds)

	if store {
		id, err := s.db.SaveReport(ctx, report)
		if err != nil {
			return nil, fmt.Errorf("saving integrity report: %w", err)
		}
		report.ID = id
		s.audit(ctx, &AuditEvent{
			EventType: EventOther,
			Details:   fmt.Sprintf("integrity check: %d errors, %d warnings", report.ErrorCount(), report.WarningCount()),
			UserID:    string(initiatedBy),
			Metadata:  map[string]string{"report_id": id},
		})
	}

	if s.notifier != nil && s.cfg.ReportLevel.ShouldNotify(report) {
		s.notify(ctx, report)
	}
	return report, nil
}

func (s *Service) notify(ctx context.Context, report *IntegrityReport) {
	body, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		s.logger.Error("encoding integrity report failed", "error", err)
		return
	}
	n := Notification{
		Recipient:   s.cfg.Recipients,
		Subject:     fmt.Sprintf("Integrity report: %d errors, %d warnings", report.ErrorCount(), report.WarningCount()),
		Message:     string(body),
		ContentType: "plain",
	}
	if err := s.notifier.Send(ctx, n); err != nil {
		s.logger.Error("sending integrity notification failed", "error", err)
	}
}

// GetIntegrityReport returns the most recent stored report, or nil.
func (s *Service) GetIntegrityReport(ctx context.Context) (*IntegrityReport, error) {
	report, err := s.db.LatestReport(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading integrity report: %w", err)
	}
	return report, nil
}

// CleanupResult counts the files removed by CleanupRemovedFiles.
type CleanupResult struct {
	Purged int `json:"purged"`
	Swept  int `json:"swept"`
}

// CleanupRemovedFiles purges trash entries older than the retention
// period, archiving them first when an archiver is configured. With orphan
// sweeping enabled it also removes canonical files no record references.
func (s *Service) CleanupRemovedFiles(ctx context.Context) (*CleanupResult, error) {
	now := s.clock.Now()
	res := &CleanupResult{}

	purged, err := s.files.PurgeOlderThan(ctx, now.Add(-s.cfg.TrashRetention), s.archiver)
	res.Purged = purged
	if err != nil {
		return res, fmt.Errorf("purging trash: %w", err)
	}

	if s.cfg.SweepOrphans {
		swept, err := s.files.SweepOrphans(ctx, func(checksum string) (bool, error) {
			n, err := s.db.CountByFileChecksum(ctx, checksum)
			return n > 0, err
		}, now.Add(-s.cfg.OrphanGrace))
		res.Swept = swept
		if err != nil {
			return res, fmt.Errorf("sweeping orphans: %w", err)
		}
	}

	if res.Purged > 0 || res.Swept > 0 {
		s.audit(ctx, &AuditEvent{
			EventType: EventDelete,
			Details:   fmt.Sprintf("purged %d trashed files, swept %d orphans", res.Purged, res.Swept),
			Metadata:  map[string]string{"purged": fmt.Sprint(res.Purged), "swept": fmt.Sprint(res.Swept)},
		})
	}
	s.logger.Info("cleanup finished", "purged", res.Purged, "swept", res.Swept)
	return res, nil
}
