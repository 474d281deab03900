package encryption

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"filippo.io/age"

	"minhash-go/internal/errclass"
	"minhash-go/internal/minhash"
)

// ErrWrongPassphrase is returned by Unlock when the passphrase does not open
// the archive private key.
var ErrWrongPassphrase = errors.New("incorrect archive passphrase")

// AgeEncryptor encrypts archived signature files to an X25519 recipient.
// The recipient is stored in plaintext next to a passphrase-wrapped identity;
// only restores need the passphrase.
type AgeEncryptor struct {
	pubPath  string
	privPath string

	mu        sync.Mutex
	recipient *age.X25519Recipient
}

var _ minhash.Encryptor = (*AgeEncryptor)(nil)

func NewAgeEncryptor(publicKeyPath, privateKeyPath string) *AgeEncryptor {
	return &AgeEncryptor{pubPath: publicKeyPath, privPath: privateKeyPath}
}

// PrivateKeyPath derives the identity file from the recipient file:
// archive.pub pairs with archive.key.
func PrivateKeyPath(publicKeyPath string) string {
	return strings.TrimSuffix(publicKeyPath, filepath.Ext(publicKeyPath)) + ".key"
}

// IsConfigured reports whether both halves of the key pair are on disk.
func (e *AgeEncryptor) IsConfigured() bool {
	for _, p := range []string{e.pubPath, e.privPath} {
		if _, err := os.Stat(p); err != nil {
			return false
		}
	}
	return true
}

// Setup generates a fresh key pair. It never replaces existing keys.
func (e *AgeEncryptor) Setup(passphrase string) error {
	if passphrase == "" {
		return errclass.ErrMalformed.WithMessage("archive passphrase must not be empty")
	}
	for _, p := range []string{e.pubPath, e.privPath} {
		if _, err := os.Stat(p); err == nil {
			return errclass.ErrAlreadyExists.WithMessagef("archive key already exists at %s", p)
		}
	}

	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return fmt.Errorf("generating archive identity: %w", err)
	}
	wrap, err := age.NewScryptRecipient(passphrase)
	if err != nil {
		return fmt.Errorf("deriving passphrase key: %w", err)
	}

	// Identity first: a recipient on disk implies its identity is there too.
	err = writeKeyFile(e.privPath, 0600, func(w io.Writer) error {
		aw, err := age.Encrypt(w, wrap)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintln(aw, identity.String()); err != nil {
			return err
		}
		return aw.Close()
	})
	if err != nil {
		return fmt.Errorf("writing archive identity: %w", err)
	}
	err = writeKeyFile(e.pubPath, 0644, func(w io.Writer) error {
		_, err := fmt.Fprintln(w, identity.Recipient().String())
		return err
	})
	if err != nil {
		return fmt.Errorf("writing archive recipient: %w", err)
	}

	e.mu.Lock()
	e.recipient = identity.Recipient()
	e.mu.Unlock()
	return nil
}

// Encrypt streams r to w encrypted for the archive recipient.
func (e *AgeEncryptor) Encrypt(r io.Reader, w io.Writer) error {
	rcpt, err := e.loadRecipient()
	if err != nil {
		return err
	}
	aw, err := age.Encrypt(w, rcpt)
	if err != nil {
		return fmt.Errorf("starting archive encryption: %w", err)
	}
	if _, err := io.Copy(aw, r); err != nil {
		return fmt.Errorf("encrypting archive: %w", err)
	}
	return aw.Close()
}

// Unlock opens the identity file with passphrase. The returned context keeps
// the identity in memory only.
func (e *AgeEncryptor) Unlock(passphrase string) (minhash.DecryptionContext, error) {
	f, err := os.Open(e.privPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, errclass.ErrNotFound.WithMessagef("no archive identity at %s", e.privPath)
	}
	if err != nil {
		return nil, fmt.Errorf("opening archive identity: %w", err)
	}
	defer f.Close()

	scrypt, err := age.NewScryptIdentity(passphrase)
	if err != nil {
		return nil, fmt.Errorf("deriving passphrase key: %w", err)
	}
	plain, err := age.Decrypt(f, scrypt)
	var noMatch *age.NoIdentityMatchError
	if errors.As(err, &noMatch) {
		return nil, ErrWrongPassphrase
	}
	if err != nil {
		return nil, errclass.ErrIntegrityViolation.Wrap(err, "archive identity file is damaged")
	}

	line, err := firstLine(plain)
	if err != nil {
		return nil, fmt.Errorf("reading archive identity: %w", err)
	}
	identity, err := age.ParseX25519Identity(line)
	if err != nil {
		return nil, errclass.ErrMalformed.Wrap(err, "archive identity")
	}
	return &AgeDecryptionContext{identity: identity}, nil
}

func (e *AgeEncryptor) loadRecipient() (*age.X25519Recipient, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.recipient != nil {
		return e.recipient, nil
	}

	f, err := os.Open(e.pubPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, errclass.ErrNotFound.WithMessagef("no archive recipient at %s; run archive setup", e.pubPath)
	}
	if err != nil {
		return nil, fmt.Errorf("opening archive recipient: %w", err)
	}
	defer f.Close()

	line, err := firstLine(f)
	if err != nil {
		return nil, fmt.Errorf("reading archive recipient: %w", err)
	}
	rcpt, err := age.ParseX25519Recipient(line)
	if err != nil {
		return nil, errclass.ErrMalformed.Wrap(err, "archive recipient")
	}
	e.recipient = rcpt
	return rcpt, nil
}

// AgeDecryptionContext decrypts archives with an unlocked identity.
type AgeDecryptionContext struct {
	identity *age.X25519Identity
}

var _ minhash.DecryptionContext = (*AgeDecryptionContext)(nil)

// Decrypt streams the plaintext of an archive to w. A header that does not
// match the identity, or a damaged payload, is an integrity violation.
func (c *AgeDecryptionContext) Decrypt(r io.Reader, w io.Writer) error {
	plain, err := age.Decrypt(r, c.identity)
	if err != nil {
		return errclass.ErrIntegrityViolation.Wrap(err, "archive header")
	}
	if _, err := io.Copy(w, plain); err != nil {
		return errclass.ErrIntegrityViolation.Wrap(err, "archive payload")
	}
	return nil
}

func firstLine(r io.Reader) (string, error) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" && !strings.HasPrefix(line, "#") {
			return line, nil
		}
	}
	if err := sc.Err(); err != nil {
		return "", err
	}
	return "", io.ErrUnexpectedEOF
}

// writeKeyFile writes a key through a temp file in the same directory so a
// crash never leaves half a key behind.
func writeKeyFile(path string, perm os.FileMode, fill func(io.Writer) error) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".key-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return err
	}
	if err := fill(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
