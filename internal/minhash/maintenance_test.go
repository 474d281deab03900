package minhash_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"minhash-go/internal/errclass"
	"minhash-go/internal/minhash"
	"minhash-go/internal/testutil"
)

func TestService_CheckDataIntegrity(t *testing.T) {
	ctx := context.Background()

	t.Run("detects drift and notifies once", func(t *testing.T) {
		e := newEnv(t, withConfig(func(cfg *minhash.ServiceConfig) {
			cfg.ReportLevel = minhash.NotifyError
			cfg.Recipients = []string{"ops@example.org"}
		}))
		rec := e.add(t, "S1", testutil.Range(0, 100)...)
		e.add(t, "S2", testutil.Range(200, 300)...)
		require.NoError(t, os.Remove(rec.SignaturePath))

		report, err := e.svc.CheckDataIntegrity(ctx, minhash.InitiatedBySystem, true)
		require.NoError(t, err)
		assert.Equal(t, []string{"S1"}, report.MissingFiles)
		assert.True(t, report.HasErrors())
		assert.GreaterOrEqual(t, report.ErrorCount(), 1)
		assert.NotEmpty(t, report.ID)

		stored, err := e.svc.GetIntegrityReport(ctx)
		require.NoError(t, err)
		require.NotNil(t, stored)
		assert.Equal(t, []string{"S1"}, stored.MissingFiles)

		require.Len(t, e.notifier.sent, 1)
		assert.Equal(t, []string{"ops@example.org"}, e.notifier.sent[0].Recipient)
		assert.Contains(t, e.notifier.sent[0].Message, "S1")

		events := e.events(t, "")
		assert.Equal(t, minhash.EventOther, events[len(events)-1].EventType)
	})

	t.Run("clean report does not notify", func(t *testing.T) {
		e := newEnv(t, withConfig(func(cfg *minhash.ServiceConfig) {
			cfg.ReportLevel = minhash.NotifyWarning
		}))
		e.add(t, "S1", testutil.Range(0, 100)...)

		report, err := e.svc.CheckDataIntegrity(ctx, minhash.InitiatedByUser, false)
		require.NoError(t, err)
		assert.False(t, report.HasErrors())
		assert.Empty(t, e.notifier.sent)

		stored, err := e.svc.GetIntegrityReport(ctx)
		require.NoError(t, err)
		assert.Nil(t, stored, "report was not stored")
	})

	t.Run("warning level notifies on index drift", func(t *testing.T) {
		e := newEnv(t, withConfig(func(cfg *minhash.ServiceConfig) {
			cfg.ReportLevel = minhash.NotifyWarning
		}))
		e.add(t, "S1", testutil.Range(0, 100)...)
		_, err := e.db.MarkIndexed(ctx, "S1", e.clock.Now())
		require.NoError(t, err)

		report, err := e.svc.CheckDataIntegrity(ctx, minhash.InitiatedBySystem, true)
		require.NoError(t, err)
		assert.Equal(t, []string{"S1"}, report.ShouldBeIndexed)
		assert.Len(t, e.notifier.sent, 1)
	})

	t.Run("notifier failure is swallowed", func(t *testing.T) {
		e := newEnv(t, withConfig(func(cfg *minhash.ServiceConfig) {
			cfg.ReportLevel = minhash.NotifyError
		}))
		e.notifier.err = errclass.ErrExternalUnavailable.WithMessage("down")
		rec := e.add(t, "S1", testutil.Range(0, 100)...)
		require.NoError(t, os.Remove(rec.SignaturePath))

		_, err := e.svc.CheckDataIntegrity(ctx, minhash.InitiatedBySystem, true)
		require.NoError(t, err)
		assert.Len(t, e.notifier.sent, 1)
	})

	t.Run("remediation reaches a fixed point", func(t *testing.T) {
		e := newEnv(t, withoutNotifier())
		e.add(t, "S1", testutil.Range(0, 100)...)
		e.add(t, "S2", testutil.Range(200, 300)...)
		_, err := e.db.MarkIndexed(ctx, "S1", e.clock.Now())
		require.NoError(t, err)
		_, err = e.svc.AddToIndex(ctx, []string{"S2"})
		require.NoError(t, err)
		_, err = e.db.UnmarkIndexed(ctx, "S2")
		require.NoError(t, err)

		report, err := e.svc.CheckDataIntegrity(ctx, minhash.InitiatedBySystem, false)
		require.NoError(t, err)
		assert.Equal(t, []string{"S1"}, report.ShouldBeIndexed)
		assert.Equal(t, []string{"S2"}, report.ShouldNotBeIndexed)

		_, err = e.svc.AddToIndex(ctx, report.ShouldBeIndexed)
		require.NoError(t, err)
		_, err = e.svc.RemoveFromIndex(ctx, report.ShouldNotBeIndexed)
		require.NoError(t, err)

		report, err = e.svc.CheckDataIntegrity(ctx, minhash.InitiatedBySystem, false)
		require.NoError(t, err)
		assert.Empty(t, report.ShouldBeIndexed)
		assert.Empty(t, report.ShouldNotBeIndexed)
	})

	t.Run("requires a checker", func(t *testing.T) {
		e := newEnv(t, func(_ *env, _ *minhash.ServiceConfig, deps *minhash.Deps) { deps.Checker = nil })
		_, err := e.svc.CheckDataIntegrity(ctx, minhash.InitiatedByUser, false)
		assert.True(t, errors.Is(err, errclass.ErrNotSupported))
	})
}

func TestService_CleanupRemovedFiles(t *testing.T) {
	ctx := context.Background()

	t.Run("purges after retention and archives first", func(t *testing.T) {
		e := newEnv(t, withArchiver())
		rec := e.add(t, "S1", testutil.Range(0, 100)...)
		require.NoError(t, e.svc.RemoveSignature(ctx, "S1"))

		res, err := e.svc.CleanupRemovedFiles(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, res.Purged, "still within retention")

		e.clock.Advance(minhash.DefaultTrashRetention + time.Hour)
		res, err = e.svc.CleanupRemovedFiles(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, res.Purged)
		require.Len(t, e.archiver.archived, 1)
		assert.Equal(t, rec.FileChecksum, e.archiver.archived[0].Checksum)

		entries, err := e.files.TrashEntries()
		require.NoError(t, err)
		assert.Empty(t, entries)
	})

	t.Run("archive failure keeps the entry", func(t *testing.T) {
		e := newEnv(t, withArchiver())
		e.archiver.fail = true
		e.add(t, "S1", testutil.Range(0, 100)...)
		require.NoError(t, e.svc.RemoveSignature(ctx, "S1"))

		e.clock.Advance(minhash.DefaultTrashRetention + time.Hour)
		res, err := e.svc.CleanupRemovedFiles(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, res.Purged)

		entries, err := e.files.TrashEntries()
		require.NoError(t, err)
		assert.Len(t, entries, 1)
	})

	t.Run("sweeps unreferenced canonical files", func(t *testing.T) {
		e := newEnv(t, withConfig(func(cfg *minhash.ServiceConfig) {
			cfg.SweepOrphans = true
		}))
		e.clock.Set(time.Now().UTC().Add(-48 * time.Hour))
		kept := e.add(t, "S1", testutil.Range(0, 100)...)

		data := testutil.SignatureJSON(t, "orphan", 1, 2, 3)
		tmp, err := e.files.StagingFile()
		require.NoError(t, err)
		_, err = tmp.Write(data)
		require.NoError(t, err)
		require.NoError(t, tmp.Close())
		orphan, _, err := e.files.EnsureFile(tmp.Name(), testutil.SHA256Hex(data))
		require.NoError(t, err)

		res, err := e.svc.CleanupRemovedFiles(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, res.Swept, "files are younger than the grace period")

		e.clock.Set(time.Now().UTC().Add(2 * time.Hour))
		res, err = e.svc.CleanupRemovedFiles(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, res.Swept)
		assert.NoFileExists(t, orphan)
		assert.FileExists(t, kept.SignaturePath)
	})

	t.Run("upload deduplicated onto an aged orphan survives the sweep", func(t *testing.T) {
		e := newEnv(t, withConfig(func(cfg *minhash.ServiceConfig) {
			cfg.SweepOrphans = true
		}))
		data := testutil.SignatureJSON(t, "genome", testutil.Range(0, 100)...)
		tmp, err := e.files.StagingFile()
		require.NoError(t, err)
		_, err = tmp.Write(data)
		require.NoError(t, err)
		require.NoError(t, tmp.Close())
		orphan, _, err := e.files.EnsureFile(tmp.Name(), testutil.SHA256Hex(data))
		require.NoError(t, err)
		old := time.Now().Add(-48 * time.Hour)
		require.NoError(t, os.Chtimes(orphan, old, old))

		rec, err := e.svc.AddSignature(ctx, "S1", data)
		require.NoError(t, err)
		assert.Equal(t, orphan, rec.SignaturePath)

		// Even with the mtime pushed back again the live reference keeps it.
		require.NoError(t, os.Chtimes(orphan, old, old))
		e.clock.Set(time.Now().UTC())
		res, err := e.svc.CleanupRemovedFiles(ctx)
		require.NoError(t, err)
		assert.Zero(t, res.Swept)
		assert.FileExists(t, orphan)
		assert.Equal(t, testutil.SHA256Hex(data), e.get(t, "S1").FileChecksum)
	})
}
