//go:build windows

package stage

import (
	"os"
	"syscall"
)

// supportsGracefulTermination is false on Windows: there is no portable
// equivalent of SIGTERM for an arbitrary console process, so the soft
// exit-timeout step is a no-op and only the hard timeout has effect.
const supportsGracefulTermination = false

// signalGraceful is a no-op on Windows; only DestroyForcibly has effect.
func signalGraceful(proc *os.Process) error {
	return nil
}

// setProcessGroup is a no-op on Windows; descendant cleanup goes through
// procutil.DestroyTree's process-table walk instead of a process group.
func setProcessGroup(attr *syscall.SysProcAttr) {}
