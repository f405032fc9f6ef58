//go:build !windows

package stage

import (
	"os"
	"syscall"
)

// supportsGracefulTermination is true on platforms where SIGTERM can be
// delivered to request a clean shutdown.
const supportsGracefulTermination = true

// signalGraceful requests graceful termination of the process group
// rooted at proc, mirroring the teacher's Setpgid-based group signal.
func signalGraceful(proc *os.Process) error {
	return syscall.Kill(-proc.Pid, syscall.SIGTERM)
}

// setProcessGroup configures attr so the spawned child becomes the leader
// of its own process group, so a later signalGraceful call can target the
// whole group at once. The forcible path (Handle.DestroyForcibly) does not
// use the group; it kills the pid and its enumerated descendants.
func setProcessGroup(attr *syscall.SysProcAttr) {
	attr.Setpgid = true
}
