//go:build unix

package ledger

import (
	"errors"
	"testing"
	"time"
)

func TestTryLock_Exclusive(t *testing.T) {
	dir := t.TempDir()
	held, err := TryLock(dir)
	if err != nil {
		t.Fatalf("TryLock: %v", err)
	}
	if _, err := TryLock(dir); !errors.Is(err, ErrLocked) {
		t.Fatalf("second TryLock: expected ErrLocked, got %v", err)
	}
	if err := held.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	again, err := TryLock(dir)
	if err != nil {
		t.Fatalf("TryLock after release: %v", err)
	}
	_ = again.Release()
}

func TestAcquireLock_WaitsForRelease(t *testing.T) {
	dir := t.TempDir()
	held, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("AcquireLock: %v", err)
	}

	acquired := make(chan *Lock, 1)
	go func() {
		l, err := AcquireLock(dir)
		if err != nil {
			t.Errorf("AcquireLock: %v", err)
		}
		acquired <- l
	}()

	select {
	case <-acquired:
		t.Fatal("lock acquired while still held")
	case <-time.After(50 * time.Millisecond):
	}
	if err := held.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	select {
	case l := <-acquired:
		_ = l.Release()
	case <-time.After(5 * time.Second):
		t.Fatal("waiter never acquired the lock")
	}
}

func TestRelease_Nil(t *testing.T) {
	var l *Lock
	if err := l.Release(); err != nil {
		t.Fatalf("nil Release: %v", err)
	}
}
