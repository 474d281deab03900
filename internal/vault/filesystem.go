package vault

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"minhash-go/internal/errclass"
	"minhash-go/internal/minhash"
)

// FileSystemVault mirrors vault keys as paths below <root>/objects. Objects
// are write-once: they appear through a rename and are never rewritten.
type FileSystemVault struct {
	objects string
}

var _ minhash.Vault = (*FileSystemVault)(nil)

func NewFileSystemVault(root string) (*FileSystemVault, error) {
	objects := filepath.Join(root, "objects")
	if err := os.MkdirAll(objects, 0o755); err != nil {
		return nil, fmt.Errorf("creating vault at %s: %w", root, err)
	}
	return &FileSystemVault{objects: objects}, nil
}

func (v *FileSystemVault) resolve(key string) (string, error) {
	if err := checkKey(key); err != nil {
		return "", err
	}
	return filepath.Join(v.objects, filepath.FromSlash(key)), nil
}

func (v *FileSystemVault) PutContent(_ context.Context, key string, r io.Reader, size int64) error {
	dst, err := v.resolve(key)
	if err != nil {
		return err
	}
	if _, err := os.Stat(dst); err == nil {
		n, err := io.Copy(io.Discard, r)
		if err != nil {
			return err
		}
		if n != size {
			return sizeMismatch(key, size, n)
		}
		return nil
	}

	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".put-*")
	if err != nil {
		return fmt.Errorf("staging %s: %w", key, err)
	}
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	n, err := io.Copy(tmp, r)
	if err != nil {
		return fmt.Errorf("writing %s: %w", key, err)
	}
	if n != size {
		return sizeMismatch(key, size, n)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("syncing %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", key, err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return fmt.Errorf("committing %s: %w", key, err)
	}
	committed = true
	return nil
}

func (v *FileSystemVault) GetContent(_ context.Context, key string, w io.Writer) error {
	src, err := v.resolve(key)
	if err != nil {
		return err
	}
	f, err := os.Open(src)
	if errors.Is(err, fs.ErrNotExist) {
		return errclass.ErrNotFound.WithMessagef("archived content %s", key)
	}
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(w, f)
	return err
}

func (v *FileSystemVault) HasContent(_ context.Context, key string) (bool, error) {
	p, err := v.resolve(key)
	if err != nil {
		return false, err
	}
	switch _, err := os.Stat(p); {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, err
	}
}

// ValidateSetup checks that the objects directory exists and accepts writes.
func (v *FileSystemVault) ValidateSetup(context.Context) error {
	info, err := os.Stat(v.objects)
	if err != nil {
		return fmt.Errorf("vault not accessible: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("vault path %s is not a directory", v.objects)
	}
	check, err := os.CreateTemp(v.objects, ".writable-*")
	if err != nil {
		return fmt.Errorf("vault not writable: %w", err)
	}
	check.Close()
	return os.Remove(check.Name())
}
