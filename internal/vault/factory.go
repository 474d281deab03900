package vault

import (
	"context"

	"minhash-go/internal/config"
	"minhash-go/internal/errclass"
	"minhash-go/internal/minhash"
)

// NewVaultFromConfig opens the archive named by cfg.Type. A nil Vault means
// purged trash is discarded without an archive copy.
func NewVaultFromConfig(ctx context.Context, cfg config.ArchiveConfig) (minhash.Vault, error) {
	switch cfg.Type {
	case "", "none":
		return nil, nil
	case "memory":
		return NewMemoryVault(), nil
	case "filesystem":
		if cfg.FSRoot == "" {
			return nil, errclass.ErrMalformed.WithMessage("archive type filesystem needs archive.fs_root")
		}
		fsv, err := NewFileSystemVault(cfg.FSRoot)
		if err != nil {
			return nil, err
		}
		return fsv, nil
	case "s3":
		s3v, err := NewS3Vault(ctx, S3Options{
			Bucket:          cfg.S3Bucket,
			Prefix:          cfg.S3Prefix,
			Region:          cfg.S3Region,
			Endpoint:        cfg.S3Endpoint,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
		})
		if err != nil {
			return nil, err
		}
		return s3v, nil
	}
	return nil, errclass.ErrMalformed.WithMessagef("unknown archive type %q", cfg.Type)
}
