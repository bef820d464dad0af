package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ocwatch/ocwatch/internal/util/testutil"
)

// TestDetachHelper is the re-exec target for TestDetach_ForwardsArgs.
// It only does anything when running as the detached child, where it
// echoes its argv into the daemon log.
func TestDetachHelper(t *testing.T) {
	if !IsChild() {
		t.Skip("runs only as the detached child")
	}
	fmt.Println("detach-helper-args:", strings.Join(os.Args[1:], " "))
}

func TestDetach_ForwardsArgs(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "daemon.log")
	pidPath := filepath.Join(dir, "daemon.pid")

	pid, err := Detach(logPath, pidPath, []string{"-test.run=TestDetachHelper"})
	require.NoError(t, err)
	require.NotZero(t, pid)

	testutil.RequireEventually(t, func() bool {
		out, _ := os.ReadFile(logPath)
		return strings.Contains(string(out), "detach-helper-args: -test.run=TestDetachHelper")
	})
}
