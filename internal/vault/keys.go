package vault

import (
	"strings"

	"minhash-go/internal/errclass"
)

// checkKey enforces the key grammar shared by every vault: slash separated,
// relative, no empty, "." or ".." segments and no backslashes.
func checkKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") || strings.ContainsRune(key, '\\') {
		return errclass.ErrMalformed.WithMessagef("invalid vault key %q", key)
	}
	for seg := range strings.SplitSeq(key, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return errclass.ErrMalformed.WithMessagef("invalid vault key %q", key)
		}
	}
	return nil
}

func sizeMismatch(key string, want, got int64) error {
	return errclass.ErrIntegrityViolation.WithMessagef("%s: expected %d bytes, received %d", key, want, got)
}
