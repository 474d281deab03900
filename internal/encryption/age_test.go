package encryption

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"minhash-go/internal/config"
	"minhash-go/internal/errclass"
)

func newTestAgeEncryptor(t *testing.T) *AgeEncryptor {
	t.Helper()
	pub := filepath.Join(t.TempDir(), "keys", "archive.pub")
	return NewAgeEncryptor(pub, PrivateKeyPath(pub))
}

func TestPrivateKeyPath(t *testing.T) {
	assert.Equal(t, "/k/archive.key", PrivateKeyPath("/k/archive.pub"))
	assert.Equal(t, "/k/archive.key", PrivateKeyPath("/k/archive"))
}

func TestAgeEncryptor_Setup(t *testing.T) {
	t.Parallel()

	t.Run("writes both halves", func(t *testing.T) {
		e := newTestAgeEncryptor(t)
		assert.False(t, e.IsConfigured())
		require.NoError(t, e.Setup("test-passphrase"))
		assert.True(t, e.IsConfigured())

		info, err := os.Stat(e.privPath)
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

		pub, err := os.ReadFile(e.pubPath)
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(string(pub), "age1"))

		leftovers, err := filepath.Glob(filepath.Join(filepath.Dir(e.pubPath), ".key-*"))
		require.NoError(t, err)
		assert.Empty(t, leftovers)
	})

	t.Run("refuses to replace keys", func(t *testing.T) {
		e := newTestAgeEncryptor(t)
		require.NoError(t, e.Setup("first"))
		before, err := os.ReadFile(e.pubPath)
		require.NoError(t, err)

		err = e.Setup("second")
		assert.ErrorIs(t, err, errclass.ErrAlreadyExists)
		after, err := os.ReadFile(e.pubPath)
		require.NoError(t, err)
		assert.Equal(t, before, after)
	})

	t.Run("empty passphrase", func(t *testing.T) {
		e := newTestAgeEncryptor(t)
		assert.ErrorIs(t, e.Setup(""), errclass.ErrMalformed)
		assert.False(t, e.IsConfigured())
	})
}

func TestAgeEncryptor_EncryptDecryptRoundTrip(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input []byte
	}{
		{name: "signature json", input: []byte(`[{"signatures":[{"ksize":31}]}]`)},
		{name: "empty", input: []byte{}},
		{name: "large data", input: bytes.Repeat([]byte("abcdef"), 10000)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			e := newTestAgeEncryptor(t)
			require.NoError(t, e.Setup("test-passphrase"))

			// a second encryptor has to read the recipient from disk
			cold := NewAgeEncryptor(e.pubPath, e.privPath)
			var encrypted bytes.Buffer
			require.NoError(t, cold.Encrypt(bytes.NewReader(tt.input), &encrypted))
			if len(tt.input) > 0 {
				assert.NotContains(t, encrypted.String(), string(tt.input))
			}

			dec, err := e.Unlock("test-passphrase")
			require.NoError(t, err)
			var decrypted bytes.Buffer
			require.NoError(t, dec.Decrypt(&encrypted, &decrypted))
			assert.True(t, bytes.Equal(tt.input, decrypted.Bytes()))
		})
	}
}

func TestAgeEncryptor_Errors(t *testing.T) {
	t.Parallel()

	t.Run("wrong passphrase", func(t *testing.T) {
		e := newTestAgeEncryptor(t)
		require.NoError(t, e.Setup("correct-passphrase"))
		_, err := e.Unlock("wrong-passphrase")
		assert.ErrorIs(t, err, ErrWrongPassphrase)
	})

	t.Run("encrypt before setup", func(t *testing.T) {
		e := newTestAgeEncryptor(t)
		var buf bytes.Buffer
		err := e.Encrypt(strings.NewReader("data"), &buf)
		assert.ErrorIs(t, err, errclass.ErrNotFound)
	})

	t.Run("unlock before setup", func(t *testing.T) {
		e := newTestAgeEncryptor(t)
		_, err := e.Unlock("passphrase")
		assert.ErrorIs(t, err, errclass.ErrNotFound)
	})

	t.Run("garbled recipient", func(t *testing.T) {
		e := newTestAgeEncryptor(t)
		require.NoError(t, os.MkdirAll(filepath.Dir(e.pubPath), 0700))
		require.NoError(t, os.WriteFile(e.pubPath, []byte("# comment\nnot-a-key\n"), 0644))
		err := e.Encrypt(strings.NewReader("data"), io.Discard)
		assert.ErrorIs(t, err, errclass.ErrMalformed)
	})

	t.Run("tampered archive", func(t *testing.T) {
		e := newTestAgeEncryptor(t)
		require.NoError(t, e.Setup("pw"))
		var encrypted bytes.Buffer
		require.NoError(t, e.Encrypt(strings.NewReader(strings.Repeat("ACGT", 100)), &encrypted))
		raw := encrypted.Bytes()
		raw[len(raw)-1] ^= 0xff

		dec, err := e.Unlock("pw")
		require.NoError(t, err)
		err = dec.Decrypt(bytes.NewReader(raw), io.Discard)
		assert.ErrorIs(t, err, errclass.ErrIntegrityViolation)
	})

	t.Run("foreign key", func(t *testing.T) {
		a := newTestAgeEncryptor(t)
		b := newTestAgeEncryptor(t)
		require.NoError(t, a.Setup("pw"))
		require.NoError(t, b.Setup("pw"))
		var encrypted bytes.Buffer
		require.NoError(t, a.Encrypt(strings.NewReader("data"), &encrypted))

		dec, err := b.Unlock("pw")
		require.NoError(t, err)
		err = dec.Decrypt(&encrypted, io.Discard)
		assert.ErrorIs(t, err, errclass.ErrIntegrityViolation)
	})
}

func TestNewEncryptorFromConfig(t *testing.T) {
	none, err := NewEncryptorFromConfig(config.ArchiveConfig{Encryption: "none"})
	require.NoError(t, err)
	assert.Nil(t, none)

	age, err := NewEncryptorFromConfig(config.ArchiveConfig{Encryption: "age", PublicKeyPath: "/k/archive.pub"})
	require.NoError(t, err)
	assert.IsType(t, &AgeEncryptor{}, age)

	test, err := NewEncryptorFromConfig(config.ArchiveConfig{Encryption: "test"})
	require.NoError(t, err)
	assert.IsType(t, &TestEncryptor{}, test)

	_, err = NewEncryptorFromConfig(config.ArchiveConfig{Encryption: "rot13"})
	assert.ErrorIs(t, err, errclass.ErrMalformed)
}
