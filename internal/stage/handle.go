package stage

import (
	"fmt"
	"os"
	"sync"
	"time"

	ps "github.com/mitchellh/go-ps"

	"github.com/a2y-d5l/pipeproc/procutil"
)

// Handle is the waitable handle passed to a stage's while-running hook. It
// exposes the spawned child's identity and lifecycle, independent of the
// Runner's own internal bookkeeping.
type Handle struct {
	command string
	args    []string

	mu       sync.Mutex
	process  *os.Process
	exited   bool
	exitCode int
	waitErr  error
	done     chan struct{}
}

func newHandle(command string, args []string, process *os.Process) *Handle {
	return &Handle{
		command: command,
		args:    args,
		process: process,
		done:    make(chan struct{}),
	}
}

// markExited records the reaped exit status. Called once by the waiter
// task after the child has actually exited.
func (h *Handle) markExited(code int, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.exited {
		return
	}
	h.exited = true
	h.exitCode = code
	h.waitErr = err
	close(h.done)
}

// Command returns the stage's configured executable path.
func (h *Handle) Command() string { return h.command }

// Args returns the stage's configured argument vector.
func (h *Handle) Args() []string { return h.args }

// Pid returns the child's process id.
func (h *Handle) Pid() int {
	if h.process == nil {
		return 0
	}
	return h.process.Pid
}

// IsAlive reports whether the child has not yet been reaped.
func (h *Handle) IsAlive() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.exited
}

// ExitCode returns the child's exit code. It fails if the child is still
// running.
func (h *Handle) ExitCode() (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.exited {
		return 0, fmt.Errorf("stage: process %d has not exited", h.Pid())
	}
	return h.exitCode, nil
}

// WaitFor blocks uninterruptibly until the child exits.
func (h *Handle) WaitFor() {
	<-h.done
}

// WaitForTimeout blocks until the child exits or d elapses, reporting
// which occurred.
func (h *Handle) WaitForTimeout(d time.Duration) bool {
	select {
	case <-h.done:
		return true
	case <-time.After(d):
		return false
	}
}

// Children returns the pids of the child's direct descendants.
func (h *Handle) Children() ([]int, error) {
	procs, err := ps.Processes()
	if err != nil {
		return nil, fmt.Errorf("stage: list processes: %w", err)
	}
	var out []int
	for _, p := range procs {
		if p.PPid() == h.Pid() {
			out = append(out, p.Pid())
		}
	}
	return out, nil
}

// Descendants returns the pids of every process transitively parented by
// the child.
func (h *Handle) Descendants() ([]int, error) {
	return procutil.Descendants(h.Pid())
}

// Destroy requests graceful termination of the child (SIGTERM on
// platforms that support it; a no-op request elsewhere, matching the
// soft-exit-timeout no-op resolution).
func (h *Handle) Destroy() error {
	if h.process == nil {
		return nil
	}
	return signalGraceful(h.process)
}

// DestroyForcibly kills the child and every descendant, capturing the
// descendant set before killing.
func (h *Handle) DestroyForcibly() error {
	if h.process == nil {
		return nil
	}
	return procutil.DestroyTree(h.process.Pid)
}
