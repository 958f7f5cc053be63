// Package lock implements the per-(stanza, kind) advisory file lock that
// guards every mutating command (spec.md §4.9). Acquisition is
// non-blocking; a held lock is reported with the holder's PID so the
// caller can produce a user-reported "lock held by peer" error (spec.md
// §7) instead of hanging.
package lock

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/gofrs/flock"
)

// Kind is the lock namespace: archive commands and backup commands use
// separate locks so an archive-push can proceed while a backup runs.
type Kind string

const (
	KindArchive Kind = "archive"
	KindBackup  Kind = "backup"
)

// FileLock wraps gofrs/flock scoped to (stanza, kind).
type FileLock struct {
	fl   *flock.Flock
	path string
}

// New returns the lock file for stanza/kind under lockPath, e.g.
// <lockPath>/<stanza>-<kind>.lock.
func New(lockPath, stanza string, kind Kind) *FileLock {
	name := filepath.Join(lockPath, fmt.Sprintf("%s-%s.lock", stanza, kind))
	return &FileLock{fl: flock.New(name), path: name}
}

// TryLock attempts a non-blocking exclusive lock and writes this process's
// PID into the file so a conflicting acquirer can report who holds it.
func (l *FileLock) TryLock() (bool, error) {
	ok, err := l.fl.TryLock()
	if err != nil || !ok {
		return ok, err
	}
	if err := os.WriteFile(l.path, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		_ = l.fl.Unlock()
		return false, fmt.Errorf("lock: write pid: %w", err)
	}
	return true, nil
}

// HolderPID reads the PID recorded by whichever process currently holds (or
// most recently held) this lock file. Returns 0 if unreadable.
func (l *FileLock) HolderPID() int {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(string(data))
	if err != nil {
		return 0
	}
	return pid
}

// Unlock releases the OS-level lock and best-effort removes the lock file.
func (l *FileLock) Unlock() error {
	if err := l.fl.Unlock(); err != nil {
		return err
	}
	_ = os.Remove(l.path)
	return nil
}

// Path returns the underlying lock file path, mainly for logging.
func (l *FileLock) Path() string { return l.path }
