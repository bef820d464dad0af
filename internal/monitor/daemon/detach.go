package daemon

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
)

// ChildEnv marks a re-executed process as the detached daemon child.
const ChildEnv = "OCWATCH_DAEMON_CHILD"

// IsChild reports whether this process is the detached daemon child.
func IsChild() bool {
	return os.Getenv(ChildEnv) == "1"
}

// Detach re-executes the current binary as a session leader with
// stdout/stderr appended to the daemon log. The original command-line
// args are passed through so the child keeps flags like --log-level
// and --metrics-addr. Returns the child pid.
func Detach(logPath, pidPath string, args []string) (int, error) {
	if pid := ReadPID(pidPath); pid != 0 {
		return 0, fmt.Errorf("daemon already running (pid %d)", pid)
	}

	if err := os.MkdirAll(filepath.Dir(logPath), 0o750); err != nil {
		return 0, fmt.Errorf("create daemon dir: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return 0, fmt.Errorf("open daemon log: %w", err)
	}
	defer logFile.Close()

	self, err := os.Executable()
	if err != nil {
		return 0, fmt.Errorf("resolve executable: %w", err)
	}

	cmd := exec.Command(self, args...)
	cmd.Env = append(os.Environ(), ChildEnv+"=1")
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Stdin = nil
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("start daemon: %w", err)
	}
	return cmd.Process.Pid, nil
}
