package integrity

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"minhash-go/internal/filestore"
	"minhash-go/internal/index"
	"minhash-go/internal/minhash"
	"minhash-go/internal/sketch"
	"minhash-go/internal/testutil"
)

type fixture struct {
	db    minhash.Database
	files *filestore.Store
	index *index.Store
	clock *testutil.StubClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	base := t.TempDir()
	clock := testutil.FixedClock()
	files, err := filestore.NewStore(filepath.Join(base, "sigs"), filepath.Join(base, "trash"), minhash.NewNopLogger(), clock)
	require.NoError(t, err)
	idx, err := index.NewStore(index.Options{
		Format:          index.FormatSBT,
		Path:            index.DefaultPath(files.Root(), index.FormatSBT),
		KSize:           testutil.KSize,
		LockTimeout:     time.Second,
		CreateIfMissing: true,
		BloomCapacity:   1000,
	})
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })
	return &fixture{db: testutil.NewTestDatabase(t), files: files, index: idx, clock: clock}
}

// add stores a signature file and a record for sampleID, optionally also
// putting its sketch into the index.
func (f *fixture) add(t *testing.T, sampleID string, indexed, inIndex bool, hashes ...uint64) *minhash.SignatureRecord {
	t.Helper()
	data := testutil.SignatureJSON(t, sampleID, hashes...)
	tmp, err := f.files.StagingFile()
	require.NoError(t, err)
	_, err = tmp.Write(data)
	require.NoError(t, err)
	require.NoError(t, tmp.Close())

	sum := testutil.SHA256Hex(data)
	path, _, err := f.files.EnsureFile(tmp.Name(), sum)
	require.NoError(t, err)

	sk, err := sketch.Load(data, testutil.KSize)
	require.NoError(t, err)
	rec := &minhash.SignatureRecord{
		Version:           minhash.RecordVersion,
		SampleID:          sampleID,
		SignaturePath:     path,
		FileChecksum:      sum,
		SignatureChecksum: sk.MD5(),
		UploadedAt:        f.clock.Now(),
	}
	_, err = f.db.AddSignature(context.Background(), rec)
	require.NoError(t, err)

	if indexed {
		_, err = f.db.MarkIndexed(context.Background(), sampleID, f.clock.Now())
		require.NoError(t, err)
	}
	if inIndex {
		sk.Name = sampleID
		_, err = f.index.AddSignatures(context.Background(), []*sketch.Sketch{sk}, true)
		require.NoError(t, err)
	}
	return rec
}

func (f *fixture) checker() *Checker {
	return NewChecker(f.db, f.files, f.index, f.clock, "1.2.3")
}

func TestCheckConsistentStore(t *testing.T) {
	f := newFixture(t)
	f.add(t, "s1", true, true, testutil.Range(1, 50)...)
	f.add(t, "s2", false, false, testutil.Range(100, 150)...)

	report, err := f.checker().Check(context.Background(), minhash.InitiatedByUser)
	require.NoError(t, err)

	assert.Equal(t, 2, report.TotalRecords)
	assert.Equal(t, 1, report.TotalIndexed)
	assert.Equal(t, "1.2.3", report.SWVersion)
	assert.Equal(t, minhash.InitiatedByUser, report.InitiatedBy)
	assert.Equal(t, f.clock.Now(), report.Timestamp)
	assert.False(t, report.HasErrors())
	assert.False(t, report.HasWarnings())
	assert.NotNil(t, report.MissingFiles)
}

func TestCheckDetectsDrift(t *testing.T) {
	f := newFixture(t)
	missing := f.add(t, "missing", false, false, testutil.Range(1, 50)...)
	corrupt := f.add(t, "corrupt", false, false, testutil.Range(100, 150)...)
	f.add(t, "flagged", true, false, testutil.Range(200, 250)...)
	f.add(t, "unflagged", false, true, testutil.Range(300, 350)...)

	require.NoError(t, os.Remove(missing.SignaturePath))
	require.NoError(t, os.WriteFile(corrupt.SignaturePath, []byte("garbage"), 0644))

	report, err := f.checker().Check(context.Background(), minhash.InitiatedBySystem)
	require.NoError(t, err)

	assert.Equal(t, []string{"missing"}, report.MissingFiles)
	assert.Equal(t, []string{"corrupt"}, report.CorruptedFiles)
	assert.Equal(t, []string{"flagged"}, report.ShouldBeIndexed)
	assert.Equal(t, []string{"unflagged"}, report.ShouldNotBeIndexed)
	assert.Equal(t, 2, report.ErrorCount())
	assert.Equal(t, 2, report.WarningCount())
}

func TestCheckIsFixedPoint(t *testing.T) {
	f := newFixture(t)
	f.add(t, "s1", true, true, testutil.Range(1, 50)...)
	f.add(t, "s2", true, false, testutil.Range(60, 90)...)

	first, err := f.checker().Check(context.Background(), minhash.InitiatedBySystem)
	require.NoError(t, err)
	second, err := f.checker().Check(context.Background(), minhash.InitiatedBySystem)
	require.NoError(t, err)

	assert.Equal(t, first.ShouldBeIndexed, second.ShouldBeIndexed)
	assert.Equal(t, first.MissingFiles, second.MissingFiles)
	assert.Equal(t, first.TotalRecords, second.TotalRecords)
}

func TestCheckCanceled(t *testing.T) {
	f := newFixture(t)
	f.add(t, "s1", false, false, testutil.Range(1, 50)...)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.checker().Check(ctx, minhash.InitiatedBySystem)
	assert.Error(t, err)
}
