package vault

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"minhash-go/internal/errclass"
	"minhash-go/internal/minhash"
)

// Archiver copies trash entries into a Vault before they are purged,
// optionally encrypting them first.
type Archiver struct {
	vault     minhash.Vault
	encryptor minhash.Encryptor
	logger    minhash.Logger
}

var _ minhash.Archiver = (*Archiver)(nil)

// NewArchiver returns an Archiver. encryptor may be nil.
func NewArchiver(v minhash.Vault, encryptor minhash.Encryptor, logger minhash.Logger) *Archiver {
	return &Archiver{vault: v, encryptor: encryptor, logger: logger}
}

// Key returns the vault key of an archived signature file.
func (a *Archiver) Key(checksum string) string {
	key := "signatures/" + checksum[:2] + "/" + checksum + ".sig"
	if a.encryptor != nil {
		key += ".enc"
	}
	return key
}

// Archive stores the entry's file and its sidecar metadata.
func (a *Archiver) Archive(ctx context.Context, entry minhash.TrashEntry) error {
	if len(entry.Checksum) < 2 {
		return errclass.ErrMalformed.WithMessagef("trash entry %s has no checksum", entry.Path)
	}
	key := a.Key(entry.Checksum)

	f, err := os.Open(entry.Path)
	if err != nil {
		return fmt.Errorf("opening trash entry: %w", err)
	}
	defer f.Close()

	var body io.Reader = f
	var size int64
	if a.encryptor != nil {
		spool, err := os.CreateTemp("", "minhash-archive-*")
		if err != nil {
			return fmt.Errorf("creating spool file: %w", err)
		}
		defer os.Remove(spool.Name())
		defer spool.Close()

		if err := a.encryptor.Encrypt(f, spool); err != nil {
			return fmt.Errorf("encrypting %s: %w", entry.Path, err)
		}
		if size, err = spool.Seek(0, io.SeekCurrent); err != nil {
			return fmt.Errorf("sizing spool file: %w", err)
		}
		if _, err := spool.Seek(0, io.SeekStart); err != nil {
			return fmt.Errorf("rewinding spool file: %w", err)
		}
		body = spool
	} else {
		info, err := f.Stat()
		if err != nil {
			return fmt.Errorf("stat trash entry: %w", err)
		}
		size = info.Size()
	}

	if err := a.vault.PutContent(ctx, key, body, size); err != nil {
		return fmt.Errorf("archiving %s: %w", entry.Path, err)
	}

	meta, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encoding sidecar: %w", err)
	}
	if err := a.vault.PutContent(ctx, key+".json", bytes.NewReader(meta), int64(len(meta))); err != nil {
		return fmt.Errorf("archiving sidecar for %s: %w", entry.Path, err)
	}

	a.logger.Debug("archived trash entry", "checksum", entry.Checksum, "key", key, "size", size)
	return nil
}

// Restore writes the archived file with the given checksum to w. dec is
// required when archives are encrypted. The restored bytes must hash to
// checksum.
func (a *Archiver) Restore(ctx context.Context, checksum string, w io.Writer, dec minhash.DecryptionContext) error {
	checksum, err := minhash.ParseFileChecksum(checksum)
	if err != nil {
		return err
	}

	var stored bytes.Buffer
	if err := a.vault.GetContent(ctx, a.Key(checksum), &stored); err != nil {
		return err
	}

	plain := stored.Bytes()
	if a.encryptor != nil {
		if dec == nil {
			return fmt.Errorf("archive is encrypted; a decryption key is required")
		}
		var out bytes.Buffer
		if err := dec.Decrypt(&stored, &out); err != nil {
			return fmt.Errorf("decrypting archive: %w", err)
		}
		plain = out.Bytes()
	}

	sum := sha256.Sum256(plain)
	if got := hex.EncodeToString(sum[:]); got != checksum {
		return errclass.ErrIntegrityViolation.WithMessagef("archived content hashes to %s, want %s", got, checksum)
	}
	if _, err := w.Write(plain); err != nil {
		return fmt.Errorf("writing restored content: %w", err)
	}
	return nil
}
