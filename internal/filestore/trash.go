package filestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"minhash-go/internal/errclass"
	"minhash-go/internal/lock"
	"minhash-go/internal/minhash"
)

const sidecarExt = ".json"

// MoveToTrash moves a stored file into
//
//	<trash>/<YYYY>/<c0>/<c1>/<name>
//
// next to a sidecar <name>.json describing it. The sidecar is written first
// so that every trashed file can be aged.
func (s *Store) MoveToTrash(path, checksum string) (string, error) {
	checksum, err := minhash.ParseFileChecksum(checksum)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", errclass.ErrNotFound.WithMessagef("file %s", path)
		}
		return "", fmt.Errorf("checking %s: %w", path, err)
	}

	now := s.clock.Now().UTC()
	dir := filepath.Join(s.trashRoot, now.Format("2006"), checksum[0:2], checksum[2:4])
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("creating trash directory: %w", err)
	}
	dest := filepath.Join(dir, filepath.Base(path))

	sidecar, err := json.Marshal(minhash.TrashEntry{
		Checksum:  checksum,
		Size:      info.Size(),
		DeletedAt: now,
	})
	if err != nil {
		return "", fmt.Errorf("encoding sidecar: %w", err)
	}
	if err := writeFileAtomic(dest+sidecarExt, sidecar); err != nil {
		return "", fmt.Errorf("writing sidecar: %w", err)
	}
	if err := moveFile(path, dest); err != nil {
		os.Remove(dest + sidecarExt)
		return "", fmt.Errorf("moving %s to trash: %w", path, err)
	}

	s.logger.Debug("file moved to trash", "path", path, "trash_path", dest)
	return dest, nil
}

// TrashEntries lists every entry in the trash that has a readable sidecar.
// Unreadable subdirectories are logged and skipped.
func (s *Store) TrashEntries() ([]minhash.TrashEntry, error) {
	var entries []minhash.TrashEntry
	err := filepath.WalkDir(s.trashRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == s.trashRoot {
				return err
			}
			s.logger.Warn("skipping unreadable trash path", "path", path, "error", err)
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() || !strings.HasSuffix(path, sidecarExt) {
			return nil
		}
		entry, err := readSidecar(path)
		if err != nil {
			s.logger.Warn("skipping unreadable trash sidecar", "path", path, "error", err)
			return nil
		}
		entries = append(entries, entry)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking trash: %w", err)
	}
	return entries, nil
}

func readSidecar(path string) (minhash.TrashEntry, error) {
	var entry minhash.TrashEntry
	data, err := os.ReadFile(path)
	if err != nil {
		return entry, err
	}
	if err := json.Unmarshal(data, &entry); err != nil {
		return entry, fmt.Errorf("decoding sidecar: %w", err)
	}
	entry.SidecarPath = path
	entry.Path = strings.TrimSuffix(path, sidecarExt)
	return entry, nil
}

// PurgeOlderThan permanently removes trash entries deleted before cutoff.
// Failures on individual entries are logged and the entry is left for the
// next run.
func (s *Store) PurgeOlderThan(ctx context.Context, cutoff time.Time, archiver minhash.Archiver) (int, error) {
	entries, err := s.TrashEntries()
	if err != nil {
		return 0, err
	}

	purged := 0
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return purged, err
		}
		if !entry.DeletedAt.Before(cutoff) {
			continue
		}
		if archiver != nil {
			if err := archiver.Archive(ctx, entry); err != nil {
				s.logger.Warn("archiving trash entry failed, keeping it", "path", entry.Path, "error", err)
				continue
			}
		}
		if err := os.Remove(entry.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("removing trash file failed", "path", entry.Path, "error", err)
			continue
		}
		if err := os.Remove(entry.SidecarPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("removing trash sidecar failed", "path", entry.SidecarPath, "error", err)
			continue
		}
		purged++
	}

	if purged > 0 {
		s.logger.Info("purged trash", "count", purged, "cutoff", cutoff.Format(time.RFC3339))
	}
	return purged, nil
}

// SweepOrphans removes canonical files nobody references and abandoned
// staging files. Only files last modified before olderThan are touched.
// The walk holds the ingest lock exclusively, and referenced is asked about
// each candidate right before it is removed.
func (s *Store) SweepOrphans(ctx context.Context, referenced func(checksum string) (bool, error), olderThan time.Time) (int, error) {
	removed := 0
	err := lock.With(ctx, s.ingestLockPath(), ingestLockTimeout, func() error {
		return filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}

			info, err := d.Info()
			if err != nil {
				return nil
			}
			if !info.ModTime().Before(olderThan) {
				return nil
			}

			rel, err := filepath.Rel(s.root, path)
			if err != nil {
				return nil
			}
			parts := strings.Split(rel, string(filepath.Separator))

			switch {
			case parts[0] == stagingDirName:
			case len(parts) == 3 && strings.HasSuffix(parts[2], fileExt):
				checksum, err := minhash.ParseFileChecksum(strings.TrimSuffix(parts[2], fileExt))
				if err != nil || checksum[0:2] != parts[0] || checksum[2:4] != parts[1] {
					return nil
				}
				used, err := referenced(checksum)
				if err != nil {
					return fmt.Errorf("checking references of %s: %w", checksum, err)
				}
				if used {
					return nil
				}
			default:
				return nil
			}

			if err := os.Remove(path); err != nil {
				s.logger.Warn("removing orphan failed", "path", path, "error", err)
				return nil
			}
			s.logger.Info("removed orphan file", "path", path)
			removed++
			return nil
		})
	})
	if err != nil {
		return removed, fmt.Errorf("sweeping orphans: %w", err)
	}
	return removed, nil
}
