package minhash_test

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"minhash-go/internal/errclass"
	"minhash-go/internal/minhash"
	"minhash-go/internal/testutil"
)

func indexedNames(t *testing.T, e *env) []string {
	t.Helper()
	entries, err := e.index.ListSignatures(context.Background())
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, entry.Name)
	}
	return names
}

func TestService_AddToIndex(t *testing.T) {
	ctx := context.Background()

	t.Run("ingest then index", func(t *testing.T) {
		e := newEnv(t)
		rec := e.add(t, "S1", testutil.Range(0, 100)...)

		res, err := e.svc.AddToIndex(ctx, []string{"S1"})
		require.NoError(t, err)
		assert.True(t, res.OK)
		assert.Equal(t, []string{rec.SignatureChecksum}, res.AddedMD5s)

		stored := e.get(t, "S1")
		assert.True(t, stored.HasBeenIndexed)
		require.NotNil(t, stored.IndexedAt)
		assert.Equal(t, e.clock.Now(), *stored.IndexedAt)
		assert.Equal(t, []string{rec.SignatureChecksum}, indexedNames(t, e))

		entries, err := e.index.ListSignatures(ctx)
		require.NoError(t, err)
		assert.Equal(t, "S1", entries[0].SampleName)
	})

	t.Run("flags every record sharing an added checksum", func(t *testing.T) {
		e := newEnv(t)
		data := testutil.SignatureJSON(t, "genome", testutil.Range(0, 100)...)
		_, err := e.svc.AddSignature(ctx, "S1", data)
		require.NoError(t, err)
		_, err = e.svc.AddSignature(ctx, "S2", data)
		require.NoError(t, err)
		e.add(t, "S3", testutil.Range(500, 600)...)

		res, err := e.svc.AddToIndex(ctx, []string{"S1", "S2", "S3"})
		require.NoError(t, err)
		assert.Equal(t, 2, res.AddedCount)

		for _, md5 := range res.AddedMD5s {
			recs, err := e.db.FindBySignatureChecksum(ctx, md5)
			require.NoError(t, err)
			for _, rec := range recs {
				assert.True(t, rec.HasBeenIndexed, rec.SampleID)
			}
			assert.Contains(t, indexedNames(t, e), md5)
		}
	})

	t.Run("already indexed sketches are not added twice", func(t *testing.T) {
		e := newEnv(t)
		e.add(t, "S1", testutil.Range(0, 100)...)
		_, err := e.svc.AddToIndex(ctx, []string{"S1"})
		require.NoError(t, err)

		res, err := e.svc.AddToIndex(ctx, []string{"S1"})
		require.NoError(t, err)
		assert.Equal(t, 0, res.AddedCount)
		assert.Len(t, indexedNames(t, e), 1)
	})

	t.Run("excluded samples are still indexed", func(t *testing.T) {
		e := newEnv(t)
		rec := e.add(t, "S1", testutil.Range(0, 100)...)
		_, err := e.svc.ExcludeFromAnalysis(ctx, []string{"S1"})
		require.NoError(t, err)

		res, err := e.svc.AddToIndex(ctx, []string{"S1"})
		require.NoError(t, err)
		assert.True(t, res.OK)
		assert.Empty(t, res.Warnings)
		assert.Equal(t, []string{rec.SignatureChecksum}, indexedNames(t, e))
		assert.True(t, e.get(t, "S1").HasBeenIndexed)

		_, err = e.svc.IncludeInAnalysis(ctx, []string{"S1"})
		require.NoError(t, err)
		stored := e.get(t, "S1")
		assert.False(t, stored.ExcludeFromAnalysis)
		assert.True(t, stored.HasBeenIndexed)
		assert.Equal(t, []string{rec.SignatureChecksum}, indexedNames(t, e))
	})

	t.Run("skips samples pending deletion", func(t *testing.T) {
		e := newEnv(t)
		e.add(t, "S1", testutil.Range(0, 100)...)
		_, err := e.db.MarkForDeletion(ctx, "S1")
		require.NoError(t, err)

		res, err := e.svc.AddToIndex(ctx, []string{"S1"})
		require.NoError(t, err)
		assert.False(t, res.OK)
		assert.NotEmpty(t, res.Warnings)
		assert.Empty(t, indexedNames(t, e))
		assert.False(t, e.get(t, "S1").HasBeenIndexed)
	})

	t.Run("unknown sample", func(t *testing.T) {
		e := newEnv(t)
		_, err := e.svc.AddToIndex(ctx, []string{"nope"})
		assert.True(t, errors.Is(err, errclass.ErrNotFound))
	})

	t.Run("corrupted file is an integrity violation", func(t *testing.T) {
		e := newEnv(t)
		rec := e.add(t, "S1", testutil.Range(0, 100)...)
		require.NoError(t, os.WriteFile(rec.SignaturePath, []byte("[]"), 0644))

		_, err := e.svc.AddToIndex(ctx, []string{"S1"})
		assert.True(t, errors.Is(err, errclass.ErrIntegrityViolation))
		assert.Empty(t, indexedNames(t, e))
	})

	t.Run("canceled job leaves index and flags untouched", func(t *testing.T) {
		e := newEnv(t)
		e.add(t, "S1", testutil.Range(0, 100)...)
		cctx, cancel := context.WithCancel(ctx)
		cancel()

		_, err := e.svc.AddToIndex(cctx, []string{"S1"})
		require.Error(t, err)
		assert.Empty(t, indexedNames(t, e))
		assert.False(t, e.get(t, "S1").HasBeenIndexed)
	})

	t.Run("writes an index audit event", func(t *testing.T) {
		e := newEnv(t)
		e.add(t, "S1", testutil.Range(0, 100)...)
		_, err := e.svc.AddToIndex(ctx, []string{"S1"})
		require.NoError(t, err)

		events := e.events(t, "")
		require.Len(t, events, 2)
		assert.Equal(t, minhash.EventIndex, events[1].EventType)
		assert.Equal(t, "S1", events[1].Metadata["sample_ids"])
	})
}

func TestService_RemoveFromIndex(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	data := testutil.SignatureJSON(t, "genome", testutil.Range(0, 100)...)
	_, err := e.svc.AddSignature(ctx, "S1", data)
	require.NoError(t, err)
	_, err = e.svc.AddSignature(ctx, "S2", data)
	require.NoError(t, err)
	e.add(t, "S3", testutil.Range(500, 600)...)
	_, err = e.svc.AddToIndex(ctx, []string{"S1", "S3"})
	require.NoError(t, err)

	res, err := e.svc.RemoveFromIndex(ctx, []string{"S1"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.RemovedCount)
	assert.False(t, e.get(t, "S1").HasBeenIndexed)
	assert.False(t, e.get(t, "S2").HasBeenIndexed)
	assert.True(t, e.get(t, "S3").HasBeenIndexed)
	assert.Equal(t, []string{e.get(t, "S3").SignatureChecksum}, indexedNames(t, e))

	t.Run("missing entry is a warning", func(t *testing.T) {
		res, err := e.svc.RemoveFromIndex(ctx, []string{"S2"})
		require.NoError(t, err)
		assert.False(t, res.OK)
		assert.Len(t, res.Warnings, 1)
	})
}

func TestService_IndexedSketches(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	a := e.add(t, "S1", testutil.Range(0, 50)...)
	e.add(t, "S2", testutil.Range(0, 50)...)
	e.add(t, "S3", testutil.Range(100, 150)...)
	_, err := e.svc.AddToIndex(ctx, []string{"S1"})
	require.NoError(t, err)

	sketches, err := e.svc.IndexedSketches(ctx)
	require.NoError(t, err)
	require.Len(t, sketches, 1)
	assert.Equal(t, a.SignatureChecksum, sketches[0].MD5())
}
