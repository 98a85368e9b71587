package ledger

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrLocked is returned by TryLock when another holder owns the lock.
var ErrLocked = errors.New("ledger is locked by another cycle")

// LockPath returns the advisory lock file guarding the ledger.
func LockPath(stateDir string) string {
	return filepath.Join(stateDir, "sync", "ledger.lock")
}

// Lock is an exclusive advisory lock on the ledger. The lock is held on an
// open file description, so two holders in one process exclude each other
// just like two processes do.
type Lock struct {
	f *os.File
}

// AcquireLock blocks until the ledger lock for stateDir is held.
func AcquireLock(stateDir string) (*Lock, error) {
	return acquire(stateDir, true)
}

// TryLock takes the ledger lock without waiting. It returns ErrLocked when
// another cycle holds it.
func TryLock(stateDir string) (*Lock, error) {
	return acquire(stateDir, false)
}

func acquire(stateDir string, wait bool) (*Lock, error) {
	path := LockPath(stateDir)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create ledger dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open ledger lock: %w", err)
	}
	if err := lockFile(f, wait); err != nil {
		_ = f.Close()
		return nil, err
	}
	return &Lock{f: f}, nil
}

// Release drops the lock. It is safe to call on a nil Lock.
func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	err := unlockFile(l.f)
	if cerr := l.f.Close(); err == nil {
		err = cerr
	}
	l.f = nil
	return err
}
