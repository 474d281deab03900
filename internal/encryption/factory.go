package encryption

import (
	"minhash-go/internal/config"
	"minhash-go/internal/errclass"
	"minhash-go/internal/minhash"
)

// NewEncryptorFromConfig picks the archive encryptor. Plain archives get a
// nil Encryptor.
func NewEncryptorFromConfig(cfg config.ArchiveConfig) (minhash.Encryptor, error) {
	switch cfg.Encryption {
	case "", "none":
		return nil, nil
	case "test":
		return NewTestEncryptor(), nil
	case "age":
		return NewAgeEncryptor(cfg.PublicKeyPath, PrivateKeyPath(cfg.PublicKeyPath)), nil
	}
	return nil, errclass.ErrMalformed.WithMessagef("unknown archive encryption %q", cfg.Encryption)
}
