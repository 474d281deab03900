package vault

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"minhash-go/internal/errclass"
	"minhash-go/internal/minhash"
)

const sigKey = "signatures/9f/9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08.sig"

// exerciseVault checks the contract shared by every minhash.Vault.
func exerciseVault(t *testing.T, v minhash.Vault) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, v.ValidateSetup(ctx))

	t.Run("missing key", func(t *testing.T) {
		has, err := v.HasContent(ctx, sigKey)
		require.NoError(t, err)
		assert.False(t, has)
		assert.ErrorIs(t, v.GetContent(ctx, sigKey, &bytes.Buffer{}), errclass.ErrNotFound)
	})

	body := strings.Repeat("ACGT", 2500)
	t.Run("put then get", func(t *testing.T) {
		require.NoError(t, v.PutContent(ctx, sigKey, strings.NewReader(body), int64(len(body))))
		has, err := v.HasContent(ctx, sigKey)
		require.NoError(t, err)
		assert.True(t, has)

		var got bytes.Buffer
		require.NoError(t, v.GetContent(ctx, sigKey, &got))
		assert.Equal(t, body, got.String())
	})

	t.Run("second put keeps the first object", func(t *testing.T) {
		require.NoError(t, v.PutContent(ctx, sigKey, strings.NewReader("other"), 5))
		var got bytes.Buffer
		require.NoError(t, v.GetContent(ctx, sigKey, &got))
		assert.Equal(t, body, got.String())
	})

	t.Run("empty object", func(t *testing.T) {
		require.NoError(t, v.PutContent(ctx, sigKey+".json", strings.NewReader(""), 0))
	})

	t.Run("short body", func(t *testing.T) {
		err := v.PutContent(ctx, "short", strings.NewReader("hello"), 100)
		assert.ErrorIs(t, err, errclass.ErrIntegrityViolation)
		has, err := v.HasContent(ctx, "short")
		require.NoError(t, err)
		assert.False(t, has)
	})

	t.Run("bad keys", func(t *testing.T) {
		for _, key := range []string{"", "../outside", "/etc/passwd", "a/../../b", "a//b", `a\b`, "./a"} {
			err := v.PutContent(ctx, key, strings.NewReader("x"), 1)
			assert.ErrorIs(t, err, errclass.ErrMalformed, "key %q", key)
		}
	})
}

func TestMemoryVault(t *testing.T) {
	v := NewMemoryVault()
	exerciseVault(t, v)
	assert.Equal(t, []string{sigKey, sigKey + ".json"}, v.Keys())
}
