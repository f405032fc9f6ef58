//go:build !windows

package procutil

import (
	"fmt"
	"os"
	"syscall"
)

// killQuiet sends SIGKILL to pid, treating "already gone" as success. This
// mirrors the process-group kill pattern in the teacher pack's
// edirooss-zmux-server processmgr, narrowed to a single pid since
// descendants are enumerated explicitly rather than addressed as a group.
func killQuiet(pid int) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return nil //nolint:nilerr // FindProcess never errors on unix; a missing pid is not a failure here
	}
	if err := proc.Signal(syscall.SIGKILL); err != nil && err != os.ErrProcessDone {
		return fmt.Errorf("procutil: kill pid %d: %w", pid, err)
	}
	return nil
}
