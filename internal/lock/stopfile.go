package lock

import (
	"fmt"
	"os"
	"path/filepath"
)

// StopFilePath returns the path of the stop-file `start`/`stop` manage
// for stanza. An empty stanza addresses every stanza under lockPath
// (`stop` with no `--stanza` per the source system's "stop all" form).
func StopFilePath(lockPath, stanza string) string {
	name := "all.stop"
	if stanza != "" {
		name = stanza + ".stop"
	}
	return filepath.Join(lockPath, name)
}

// WriteStopFile implements `stop`: archive-push, backup, restore and
// expire check this (through the CLI) before trying their own FileLock,
// so operators can halt that activity against a stanza (or every stanza)
// without racing whichever command happens to hold the lock right now.
// stanza-create, stanza-upgrade and stanza-delete do not check it.
func WriteStopFile(lockPath, stanza string) error {
	if err := os.MkdirAll(lockPath, 0o750); err != nil {
		return fmt.Errorf("lock: stop: %w", err)
	}
	return os.WriteFile(StopFilePath(lockPath, stanza), nil, 0o644)
}

// RemoveStopFile implements `start`: clears a previously written stop
// file. Removing a file that doesn't exist is not an error — `start`
// without a prior `stop` is a no-op, not a failure.
func RemoveStopFile(lockPath, stanza string) error {
	err := os.Remove(StopFilePath(lockPath, stanza))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("lock: start: %w", err)
	}
	return nil
}

// Stopped reports whether stop-file coordination currently forbids
// running a command against stanza: either this stanza's own stop file
// exists, or the global "stop everything" file does.
func Stopped(lockPath, stanza string) bool {
	if _, err := os.Stat(StopFilePath(lockPath, "")); err == nil {
		return true
	}
	if stanza == "" {
		return false
	}
	_, err := os.Stat(StopFilePath(lockPath, stanza))
	return err == nil
}
