// Package lock provides interprocess locks backed by flock(2). Exclusive
// locks guard read-modify-write cycles; shared locks let many writers of
// independent data exclude a single maintenance pass.
package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"minhash-go/internal/errclass"
)

const retryDelay = 100 * time.Millisecond

// FileLock is a held lock on a lock file.
type FileLock struct {
	path string
	fl   *flock.Flock
}

// Acquire blocks until the exclusive lock at path is held, the timeout
// expires (errclass.ErrLocked) or ctx is done.
func Acquire(ctx context.Context, path string, timeout time.Duration) (*FileLock, error) {
	return acquire(ctx, path, timeout, (*flock.Flock).TryLockContext)
}

// AcquireShared is Acquire for a shared lock. Any number of shared holders
// may coexist; they exclude exclusive holders.
func AcquireShared(ctx context.Context, path string, timeout time.Duration) (*FileLock, error) {
	return acquire(ctx, path, timeout, (*flock.Flock).TryRLockContext)
}

type tryFunc func(fl *flock.Flock, ctx context.Context, retryDelay time.Duration) (bool, error)

func acquire(ctx context.Context, path string, timeout time.Duration, try tryFunc) (*FileLock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}

	fl := flock.New(path)
	lctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ok, err := try(fl, lctx, retryDelay)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("waiting for lock %s: %w", path, ctx.Err())
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, errclass.ErrLocked.WithMessagef("%s still held after %s", path, timeout)
		}
		return nil, fmt.Errorf("acquiring lock %s: %w", path, err)
	}
	if !ok {
		return nil, errclass.ErrLocked.WithMessagef("%s still held after %s", path, timeout)
	}
	return &FileLock{path: path, fl: fl}, nil
}

// Release drops the lock. The lock file itself is left in place.
func (l *FileLock) Release() error {
	if err := l.fl.Unlock(); err != nil {
		return fmt.Errorf("releasing lock %s: %w", l.path, err)
	}
	return nil
}

// With runs fn while holding the exclusive lock at path.
func With(ctx context.Context, path string, timeout time.Duration, fn func() error) error {
	l, err := Acquire(ctx, path, timeout)
	if err != nil {
		return err
	}
	return run(l, fn)
}

// WithShared runs fn while holding a shared lock at path.
func WithShared(ctx context.Context, path string, timeout time.Duration, fn func() error) error {
	l, err := AcquireShared(ctx, path, timeout)
	if err != nil {
		return err
	}
	return run(l, fn)
}

func run(l *FileLock, fn func() error) (err error) {
	defer func() {
		if rerr := l.Release(); rerr != nil && err == nil {
			err = rerr
		}
	}()
	return fn()
}
