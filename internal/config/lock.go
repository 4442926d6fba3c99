package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// InstanceLock keeps a second bridge from driving the same debugging port.
type InstanceLock struct {
	lock *flock.Flock
}

// LockPath returns the lock file for port under dir.
func LockPath(dir string, port int) string {
	return filepath.Join(dir, fmt.Sprintf("bridge-%d.lock", port))
}

// AcquireInstanceLock takes the exclusive lock for port, retrying until
// timeout. It fails if another process holds it.
func AcquireInstanceLock(ctx context.Context, dir string, port int, timeout time.Duration) (*InstanceLock, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}

	path := LockPath(dir, port)
	fileLock := flock.New(path)

	lockCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	locked, err := fileLock.TryLockContext(lockCtx, 50*time.Millisecond)
	if err != nil && lockCtx.Err() == nil {
		return nil, fmt.Errorf("failed to acquire lock %s: %w", path, err)
	}
	if !locked {
		return nil, fmt.Errorf("another bridge already holds port %d (lock %s)", port, path)
	}
	return &InstanceLock{lock: fileLock}, nil
}

// Path returns the lock file path.
func (l *InstanceLock) Path() string {
	return l.lock.Path()
}

// Release unlocks and removes the lock file.
func (l *InstanceLock) Release() error {
	if err := l.lock.Unlock(); err != nil {
		return err
	}
	_ = os.Remove(l.lock.Path())
	return nil
}
