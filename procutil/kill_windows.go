//go:build windows

package procutil

import (
	"fmt"
	"os"
)

// killQuiet forcibly terminates pid via os.Process.Kill. Windows has no
// SIGKILL; Process.Kill maps to TerminateProcess, which is unconditional.
func killQuiet(pid int) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return nil //nolint:nilerr // a missing pid is not a failure here
	}
	if err := proc.Kill(); err != nil && err != os.ErrProcessDone {
		return fmt.Errorf("procutil: kill pid %d: %w", pid, err)
	}
	return nil
}
