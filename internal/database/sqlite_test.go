package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"minhash-go/internal/errclass"
	"minhash-go/internal/minhash"
)

var testTime = time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)

type seqIDs struct{ n int }

func (g *seqIDs) New() string {
	g.n++
	return fmt.Sprintf("id-%d", g.n)
}

// newTestDB creates a migrated in-memory database.
func newTestDB(t *testing.T) *SQLiteDatabase {
	t.Helper()
	db, err := NewSQLiteDatabase(":memory:", &seqIDs{})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func newRecord(sampleID string, n int) *minhash.SignatureRecord {
	fileSum := fmt.Sprintf("%064x", n)
	return &minhash.SignatureRecord{
		SampleID:          sampleID,
		SignaturePath:     "/sigs/" + fileSum[:2] + "/" + fileSum[2:4] + "/" + fileSum + ".sig",
		FileChecksum:      fileSum,
		SignatureChecksum: fmt.Sprintf("%032x", n),
		UploadedAt:        testTime,
	}
}

func TestSQLiteDatabase_AddSignature(t *testing.T) {
	ctx := context.Background()

	t.Run("inserts and finds by sample id", func(t *testing.T) {
		db := newTestDB(t)
		id, err := db.AddSignature(ctx, newRecord("S1", 1))
		require.NoError(t, err)
		assert.Equal(t, "id-1", id)

		got, err := db.GetBySampleIDOrChecksum(ctx, "S1", "")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "id-1", got.ID)
		assert.Equal(t, minhash.RecordVersion, got.Version)
		assert.Equal(t, fmt.Sprintf("%032x", 1), got.SignatureChecksum)
		assert.False(t, got.HasBeenIndexed)
		assert.Nil(t, got.IndexedAt)
		assert.True(t, got.UploadedAt.Equal(testTime))
		assert.Equal(t, time.UTC, got.UploadedAt.Location())
	})

	t.Run("duplicate sample id is AlreadyExists", func(t *testing.T) {
		db := newTestDB(t)
		_, err := db.AddSignature(ctx, newRecord("S1", 1))
		require.NoError(t, err)

		_, err = db.AddSignature(ctx, newRecord("S1", 2))
		assert.True(t, errors.Is(err, errclass.ErrAlreadyExists), "got %v", err)
	})

	t.Run("same checksum under two samples", func(t *testing.T) {
		db := newTestDB(t)
		_, err := db.AddSignature(ctx, newRecord("S1", 7))
		require.NoError(t, err)
		_, err = db.AddSignature(ctx, newRecord("S2", 7))
		require.NoError(t, err)

		n, err := db.CountByChecksum(ctx, fmt.Sprintf("%032x", 7))
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)

		n, err = db.CountByFileChecksum(ctx, fmt.Sprintf("%064x", 7))
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)

		recs, err := db.FindBySignatureChecksum(ctx, fmt.Sprintf("%032x", 7))
		require.NoError(t, err)
		require.Len(t, recs, 2)
		assert.Equal(t, "S1", recs[0].SampleID)
		assert.Equal(t, "S2", recs[1].SampleID)

		recs, err = db.FindBySignatureChecksum(ctx, fmt.Sprintf("%032x", 8))
		require.NoError(t, err)
		assert.Empty(t, recs)
	})
}

func TestSQLiteDatabase_GetBySampleIDOrChecksum(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	_, err := db.AddSignature(ctx, newRecord("S1", 1))
	require.NoError(t, err)

	t.Run("by checksum", func(t *testing.T) {
		got, err := db.GetBySampleIDOrChecksum(ctx, "", fmt.Sprintf("%032x", 1))
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "S1", got.SampleID)
	})

	t.Run("missing returns nil", func(t *testing.T) {
		got, err := db.GetBySampleIDOrChecksum(ctx, "nope", "")
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("requires exactly one key", func(t *testing.T) {
		_, err := db.GetBySampleIDOrChecksum(ctx, "", "")
		assert.True(t, errors.Is(err, errclass.ErrMalformed))
		_, err = db.GetBySampleIDOrChecksum(ctx, "S1", fmt.Sprintf("%032x", 1))
		assert.True(t, errors.Is(err, errclass.ErrMalformed))
	})
}

func TestSQLiteDatabase_FlagSetters(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	_, err := db.AddSignature(ctx, newRecord("S1", 1))
	require.NoError(t, err)

	changed, err := db.MarkIndexed(ctx, "S1", testTime.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = db.MarkIndexed(ctx, "S1", testTime.Add(2*time.Hour))
	require.NoError(t, err)
	assert.False(t, changed, "second mark should not change anything")

	rec, err := db.GetBySampleIDOrChecksum(ctx, "S1", "")
	require.NoError(t, err)
	assert.True(t, rec.HasBeenIndexed)
	require.NotNil(t, rec.IndexedAt)
	assert.True(t, rec.IndexedAt.Equal(testTime.Add(time.Hour)))

	changed, err = db.UnmarkIndexed(ctx, "S1")
	require.NoError(t, err)
	assert.True(t, changed)
	rec, err = db.GetBySampleIDOrChecksum(ctx, "S1", "")
	require.NoError(t, err)
	assert.False(t, rec.HasBeenIndexed)
	assert.Nil(t, rec.IndexedAt)

	changed, err = db.ExcludeFromAnalysis(ctx, "S1")
	require.NoError(t, err)
	assert.True(t, changed)
	changed, err = db.ExcludeFromAnalysis(ctx, "S1")
	require.NoError(t, err)
	assert.False(t, changed)
	changed, err = db.IncludeInAnalysis(ctx, "S1")
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = db.MarkForDeletion(ctx, "S1")
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = db.MarkIndexed(ctx, "missing", testTime)
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestSQLiteDatabase_RemoveBySampleID(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	_, err := db.AddSignature(ctx, newRecord("S1", 1))
	require.NoError(t, err)

	n, err := db.RemoveBySampleID(ctx, "S1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = db.RemoveBySampleID(ctx, "S1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestSQLiteDatabase_Iterators(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	total := pageSize + 25
	for i := range total {
		_, err := db.AddSignature(ctx, newRecord(fmt.Sprintf("S%04d", i), i))
		require.NoError(t, err)
	}
	_, err := db.MarkIndexed(ctx, "S0000", testTime)
	require.NoError(t, err)

	t.Run("all records in sample id order across pages", func(t *testing.T) {
		recs, err := minhash.Collect(db.GetAllSignatures(ctx))
		require.NoError(t, err)
		require.Len(t, recs, total)
		for i := 1; i < len(recs); i++ {
			assert.Less(t, recs[i-1].SampleID, recs[i].SampleID)
		}
	})

	t.Run("unindexed honours limit", func(t *testing.T) {
		recs, err := minhash.Collect(db.GetUnindexedSignatures(ctx, 3))
		require.NoError(t, err)
		require.Len(t, recs, 3)
		assert.Equal(t, "S0001", recs[0].SampleID)
	})

	t.Run("unindexed without limit", func(t *testing.T) {
		recs, err := minhash.Collect(db.GetUnindexedSignatures(ctx, 0))
		require.NoError(t, err)
		assert.Len(t, recs, total-1)
	})

	t.Run("iterator is single use", func(t *testing.T) {
		seq := db.GetUnindexedSignatures(ctx, 1)
		_, err := minhash.Collect(seq)
		require.NoError(t, err)
		_, err = minhash.Collect(seq)
		assert.True(t, errors.Is(err, errclass.ErrNotSupported))
	})

	t.Run("database usable while iterating", func(t *testing.T) {
		for rec, err := range db.GetUnindexedSignatures(ctx, 2) {
			require.NoError(t, err)
			_, err = db.MarkIndexed(ctx, rec.SampleID, testTime)
			require.NoError(t, err)
		}
	})
}

func TestSQLiteDatabase_AuditTrail(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	local := time.FixedZone("UTC+2", 2*60*60)
	_, err := db.LogEvent(ctx, &minhash.AuditEvent{
		EventType: minhash.EventUpload,
		SampleID:  "S1",
		Timestamp: time.Date(2024, 1, 15, 12, 30, 0, 0, local),
		Details:   "uploaded",
		Metadata:  map[string]string{"file_checksum": strings.Repeat("a", 64)},
	})
	require.NoError(t, err)
	_, err = db.LogEvent(ctx, &minhash.AuditEvent{EventType: minhash.EventDelete, SampleID: "S1", Timestamp: testTime})
	require.NoError(t, err)
	_, err = db.LogEvent(ctx, &minhash.AuditEvent{EventType: minhash.EventOther, Timestamp: testTime})
	require.NoError(t, err)

	events, err := db.Events(ctx, "S1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, minhash.EventUpload, events[0].EventType)
	assert.Equal(t, time.UTC, events[0].Timestamp.Location())
	assert.True(t, events[0].Timestamp.Equal(testTime))
	assert.Equal(t, strings.Repeat("a", 64), events[0].Metadata["file_checksum"])
	assert.Equal(t, minhash.EventDelete, events[1].EventType)

	all, err := db.Events(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	t.Run("append only", func(t *testing.T) {
		_, err := db.db.ExecContext(ctx, `DELETE FROM audit_events`)
		assert.Error(t, err)
		_, err = db.db.ExecContext(ctx, `UPDATE audit_events SET details = 'x'`)
		assert.Error(t, err)
	})

	t.Run("rejects unknown event type", func(t *testing.T) {
		_, err := db.LogEvent(ctx, &minhash.AuditEvent{EventType: "bogus", Timestamp: testTime})
		assert.Error(t, err)
	})
}

func TestSQLiteDatabase_Reports(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	latest, err := db.LatestReport(ctx)
	require.NoError(t, err)
	assert.Nil(t, latest)

	_, err = db.SaveReport(ctx, &minhash.IntegrityReport{
		Timestamp:    testTime,
		InitiatedBy:  minhash.InitiatedBySystem,
		SWVersion:    "dev",
		TotalRecords: 2,
	})
	require.NoError(t, err)
	_, err = db.SaveReport(ctx, &minhash.IntegrityReport{
		Timestamp:       testTime.Add(time.Hour),
		InitiatedBy:     minhash.InitiatedByUser,
		DurationSeconds: 1.5,
		SWVersion:       "dev",
		TotalRecords:    2,
		TotalIndexed:    1,
		MissingFiles:    []string{"S1"},
		ShouldBeIndexed: []string{"S2"},
	})
	require.NoError(t, err)

	latest, err = db.LatestReport(ctx)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, minhash.InitiatedByUser, latest.InitiatedBy)
	assert.Equal(t, []string{"S1"}, latest.MissingFiles)
	assert.Equal(t, []string{}, latest.CorruptedFiles)
	assert.Equal(t, []string{"S2"}, latest.ShouldBeIndexed)
	assert.True(t, latest.HasErrors())
	assert.True(t, latest.HasWarnings())
	assert.InDelta(t, 1.5, latest.DurationSeconds, 1e-9)

	t.Run("summary columns are persisted", func(t *testing.T) {
		var hasErrors, hasWarnings bool
		var errorCount, warningCount int
		err := db.db.QueryRowContext(ctx, `SELECT has_errors, has_warnings, error_count, warning_count
			FROM integrity_reports WHERE id = ?`, latest.ID).Scan(&hasErrors, &hasWarnings, &errorCount, &warningCount)
		require.NoError(t, err)
		assert.True(t, hasErrors)
		assert.True(t, hasWarnings)
		assert.Equal(t, 1, errorCount)
		assert.Equal(t, 1, warningCount)
	})

	t.Run("returned report encodes the summary", func(t *testing.T) {
		data, err := json.Marshal(latest)
		require.NoError(t, err)
		var got map[string]any
		require.NoError(t, json.Unmarshal(data, &got))
		assert.Equal(t, true, got["has_errors"])
		assert.Equal(t, true, got["has_warnings"])
		assert.EqualValues(t, 1, got["error_count"])
		assert.EqualValues(t, 1, got["warning_count"])
		assert.Equal(t, []any{}, got["corrupted_files"])
	})
}

func TestSQLiteDatabase_File(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "minhash.db")

	db, err := NewSQLiteDatabase(path, nil)
	require.NoError(t, err)
	_, err = db.AddSignature(ctx, newRecord("S1", 1))
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = NewSQLiteDatabase(path, nil)
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, db.EnsureIndexes(ctx))

	rec, err := db.GetBySampleIDOrChecksum(ctx, "S1", "")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Len(t, rec.ID, 36)
}
