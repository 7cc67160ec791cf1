package lock

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestAcquireAndRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "LOCK")

	l, err := Acquire(path)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read lock file: %v", err)
	}
	if pid := parsePID(string(data)); pid != os.Getpid() {
		t.Errorf("pid in lock file = %d, want %d", pid, os.Getpid())
	}

	if err := l.Release(); err != nil {
		t.Errorf("Release() error = %v", err)
	}
}

func TestDoubleAcquireFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "LOCK")

	l1, err := Acquire(path)
	if err != nil {
		t.Fatalf("first Acquire() error = %v", err)
	}
	defer func() { _ = l1.Release() }()

	_, err = Acquire(path)
	if err == nil {
		t.Fatal("second Acquire() should fail")
	}

	var held *HeldError
	if !errors.As(err, &held) {
		t.Errorf("expected HeldError, got %T: %v", err, err)
	}
}

func TestProbe(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "WINDOW")

	held, err := Probe(path)
	if err != nil {
		t.Fatalf("Probe() error = %v", err)
	}
	if held {
		t.Fatal("Probe() = true before anyone acquired the lock")
	}

	l, err := Acquire(path)
	if err != nil {
		t.Fatal(err)
	}
	held, err = Probe(path)
	if err != nil {
		t.Fatalf("Probe() error = %v", err)
	}
	if !held {
		t.Error("Probe() = false while the lock is held")
	}

	_ = l.Release()
	if held, _ := Probe(path); held {
		t.Error("Probe() = true after release")
	}
}

func TestReleaseNil(t *testing.T) {
	var l *Lock
	if err := l.Release(); err != nil {
		t.Errorf("nil Release() error = %v", err)
	}
}

func TestReleaseIdempotent(t *testing.T) {
	l, err := Acquire(filepath.Join(t.TempDir(), "LOCK"))
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	if err := l.Release(); err != nil {
		t.Errorf("first Release() error = %v", err)
	}
	if err := l.Release(); err != nil {
		t.Errorf("second Release() error = %v", err)
	}
}
