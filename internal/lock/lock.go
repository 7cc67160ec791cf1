package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// HeldError is returned when another process holds the lock.
type HeldError struct {
	PID  int
	Path string
}

func (e *HeldError) Error() string {
	return fmt.Sprintf("lock %s held by PID %d", e.Path, e.PID)
}

// Lock represents an acquired lock file.
type Lock struct {
	file *os.File
	path string
}

// Acquire takes an exclusive, non-blocking flock on the file at path.
// Returns *HeldError if another process already holds it.
func Acquire(path string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		data, _ := os.ReadFile(path)
		_ = f.Close()
		return nil, &HeldError{PID: parsePID(string(data)), Path: path}
	}

	if err := f.Truncate(0); err != nil {
		_ = f.Close()
		return nil, err
	}
	if _, err := f.Seek(0, 0); err != nil {
		_ = f.Close()
		return nil, err
	}
	content := fmt.Sprintf("pid=%d\ntime=%s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339))
	if _, err := f.WriteString(content); err != nil {
		_ = f.Close()
		return nil, err
	}

	return &Lock{file: f, path: path}, nil
}

// Probe reports whether some process currently holds the lock at path
// without keeping it. A missing file means nobody holds it.
func Probe(path string) (bool, error) {
	l, err := Acquire(path)
	if err == nil {
		return false, l.Release()
	}
	var held *HeldError
	if errors.As(err, &held) {
		return true, nil
	}
	return false, err
}

// Release releases the lock. Safe to call on nil receiver.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	// Remove before closing so the next holder never reads a stale pid.
	_ = os.Remove(l.path)
	err := l.file.Close()
	l.file = nil
	return err
}

func parsePID(content string) int {
	for _, line := range strings.Split(content, "\n") {
		if after, ok := strings.CutPrefix(line, "pid="); ok {
			pid, _ := strconv.Atoi(after)
			return pid
		}
	}
	return 0
}
