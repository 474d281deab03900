package minhash

import (
	"context"
	"io"
)

// Vault is a content-addressed blob store used to archive purged trash.
type Vault interface {
	// PutContent stores content under key. Storing an existing key again is
	// a no-op.
	PutContent(ctx context.Context, key string, r io.Reader, size int64) error
	// GetContent writes the content stored under key to w. A missing key is
	// errclass.ErrNotFound.
	GetContent(ctx context.Context, key string, w io.Writer) error
	HasContent(ctx context.Context, key string) (bool, error)
	ValidateSetup(ctx context.Context) error
}

// Encryptor encrypts archived content. Encryption uses the public key only
// and needs no user intervention.
type Encryptor interface {
	Encrypt(r io.Reader, w io.Writer) error
	// Unlock decrypts the private key with passphrase. An incorrect
	// passphrase is an error.
	Unlock(passphrase string) (DecryptionContext, error)
}

// DecryptionContext holds an unlocked private key in memory only.
type DecryptionContext interface {
	Decrypt(r io.Reader, w io.Writer) error
}
