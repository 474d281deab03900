package vault

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"minhash-go/internal/encryption"
	"minhash-go/internal/errclass"
	"minhash-go/internal/minhash"
	"minhash-go/internal/testutil"
)

func trashEntry(t *testing.T, data []byte) minhash.TrashEntry {
	t.Helper()
	sum := testutil.SHA256Hex(data)
	path := filepath.Join(t.TempDir(), sum+".sig")
	require.NoError(t, os.WriteFile(path, data, 0644))
	return minhash.TrashEntry{
		Path:      path,
		Checksum:  sum,
		Size:      int64(len(data)),
		DeletedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestArchiver_PlainRoundTrip(t *testing.T) {
	ctx := context.Background()
	v := NewMemoryVault()
	a := NewArchiver(v, nil, minhash.NewNopLogger())
	data := []byte(`[{"signatures":[]}]`)
	entry := trashEntry(t, data)

	require.NoError(t, a.Archive(ctx, entry))
	assert.Equal(t, "signatures/"+entry.Checksum[:2]+"/"+entry.Checksum+".sig", a.Key(entry.Checksum))

	var sidecar bytes.Buffer
	require.NoError(t, v.GetContent(ctx, a.Key(entry.Checksum)+".json", &sidecar))
	var meta minhash.TrashEntry
	require.NoError(t, json.Unmarshal(sidecar.Bytes(), &meta))
	assert.Equal(t, entry.Checksum, meta.Checksum)
	assert.Equal(t, entry.Size, meta.Size)

	var restored bytes.Buffer
	require.NoError(t, a.Restore(ctx, entry.Checksum, &restored, nil))
	assert.Equal(t, data, restored.Bytes())

	// Archiving twice is harmless.
	require.NoError(t, a.Archive(ctx, entry))
	assert.Len(t, v.Keys(), 2)
}

func TestArchiver_EncryptedRoundTrip(t *testing.T) {
	ctx := context.Background()
	v := NewMemoryVault()
	enc := encryption.NewTestEncryptor()
	a := NewArchiver(v, enc, minhash.NewNopLogger())
	data := []byte(`[{"signatures":[{"ksize":31}]}]`)
	entry := trashEntry(t, data)

	require.NoError(t, a.Archive(ctx, entry))

	var stored bytes.Buffer
	require.NoError(t, v.GetContent(ctx, a.Key(entry.Checksum), &stored))
	assert.NotEqual(t, data, stored.Bytes())

	err := a.Restore(ctx, entry.Checksum, &bytes.Buffer{}, nil)
	assert.Error(t, err, "restore without a key must fail")

	dec, err := enc.Unlock("")
	require.NoError(t, err)
	var restored bytes.Buffer
	require.NoError(t, a.Restore(ctx, entry.Checksum, &restored, dec))
	assert.Equal(t, data, restored.Bytes())
}

func TestArchiver_RestoreDetectsCorruption(t *testing.T) {
	ctx := context.Background()
	v := NewMemoryVault()
	a := NewArchiver(v, nil, minhash.NewNopLogger())
	sum := testutil.SHA256Hex([]byte("original"))

	require.NoError(t, v.PutContent(ctx, a.Key(sum), bytes.NewReader([]byte("tampered")), 8))

	err := a.Restore(ctx, sum, &bytes.Buffer{}, nil)
	assert.True(t, errors.Is(err, errclass.ErrIntegrityViolation), "got %v", err)
}

func TestArchiver_MissingEntry(t *testing.T) {
	a := NewArchiver(NewMemoryVault(), nil, minhash.NewNopLogger())
	err := a.Archive(context.Background(), minhash.TrashEntry{Path: "/does/not/exist", Checksum: "abcd"})
	assert.Error(t, err)

	err = a.Restore(context.Background(), testutil.SHA256Hex([]byte("x")), &bytes.Buffer{}, nil)
	assert.True(t, errors.Is(err, errclass.ErrNotFound))
}
