// Package daemon controls the headless monitor process: detach,
// PID-file bookkeeping, status and stop.
package daemon

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/gofrs/flock"
)

// WritePIDFile records the current process id, guarded by a flock on a
// sibling .lock file so concurrent starts cannot both win.
func WritePIDFile(path string) (release func(), err error) {
	lock := flock.New(path + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire daemon lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("daemon already running (lock held)")
	}

	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		_ = lock.Unlock()
		return nil, fmt.Errorf("write pid file: %w", err)
	}

	return func() {
		_ = os.Remove(path)
		_ = lock.Unlock()
	}, nil
}

// ReadPID returns the recorded daemon pid, or 0 when no daemon is
// running (missing file, stale entry).
func ReadPID(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0
	}
	if !processAlive(pid) {
		return 0
	}
	return pid
}

// Stop sends SIGTERM to the recorded daemon and removes the PID file.
// A missing daemon is a no-op.
func Stop(path string) error {
	pid := ReadPID(path)
	if pid == 0 {
		_ = os.Remove(path)
		return nil
	}
	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		return fmt.Errorf("signal daemon pid %d: %w", pid, err)
	}
	_ = os.Remove(path)
	return nil
}

// processAlive probes a pid with signal 0.
func processAlive(pid int) bool {
	return syscall.Kill(pid, 0) == nil
}
