package vault

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileSystemVault(t *testing.T) {
	root := filepath.Join(t.TempDir(), "vault")
	v, err := NewFileSystemVault(root)
	require.NoError(t, err)

	exerciseVault(t, v)

	assert.FileExists(t, filepath.Join(root, "objects", filepath.FromSlash(sigKey)))
	var stray []string
	require.NoError(t, filepath.WalkDir(root, func(p string, d os.DirEntry, err error) error {
		if err == nil && strings.HasPrefix(d.Name(), ".") {
			stray = append(stray, p)
		}
		return err
	}))
	assert.Empty(t, stray, "temp and write-check files are cleaned up")
}

func TestFileSystemVault_ValidateSetup(t *testing.T) {
	root := t.TempDir()
	v, err := NewFileSystemVault(root)
	require.NoError(t, err)
	require.NoError(t, v.ValidateSetup(context.Background()))

	require.NoError(t, os.RemoveAll(filepath.Join(root, "objects")))
	assert.Error(t, v.ValidateSetup(context.Background()))

	require.NoError(t, os.WriteFile(filepath.Join(root, "objects"), nil, 0o644))
	assert.Error(t, v.ValidateSetup(context.Background()))
}
