// Package lockfile provides the global advisory lock that serializes backup
// and restore runs against one installation. The two workflows share a
// temporary-workspace convention and a target directory, so concurrent runs
// are refused rather than interleaved.
package lockfile

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
)

// ErrLocked is returned when another process holds the lock.
var ErrLocked = errors.New("another backup/restore run is in progress")

// Lock is a held advisory lock file.
type Lock struct {
	path string
}

// Acquire takes the advisory lock, writing the owner pid into the lock file.
// A lock left behind by a dead process is detected and replaced.
func Acquire(path string) (*Lock, error) {
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			fmt.Fprintf(f, "%d\n", os.Getpid())
			f.Close()
			return &Lock{path: path}, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("cannot create lock file %s: %w", path, err)
		}

		pid, readErr := readOwner(path)
		if readErr == nil && processAlive(pid) {
			return nil, fmt.Errorf("%w (pid %d, lock file %s)", ErrLocked, pid, path)
		}

		// Stale lock: owner is gone. Remove and retry once.
		if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
			return nil, fmt.Errorf("cannot remove stale lock file %s: %w", path, rmErr)
		}
	}
	return nil, fmt.Errorf("%w (lock file %s)", ErrLocked, path)
}

// Release removes the lock file.
func (l *Lock) Release() error {
	if l == nil {
		return nil
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("cannot remove lock file %s: %w", l.path, err)
	}
	return nil
}

func readOwner(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	// Signal 0 probes existence without delivering a signal.
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}
