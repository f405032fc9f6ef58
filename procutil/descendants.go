// Package procutil provides the thin, public process utilities named in the
// spec's "Utilities" surface: resolving an executable on the search path,
// finding the current runtime executable, reporting the native character
// set, and forcibly destroying a process along with its descendants.
package procutil

import (
	"fmt"

	ps "github.com/mitchellh/go-ps"
)

// Descendants returns the pids of every process transitively parented by
// pid, in breadth-first discovery order. It walks the full OS process
// table once and groups children by parent pid, so it stays correct even
// when intermediate processes have already exited (ps.Processes still
// reports them until the kernel reaps them).
func Descendants(pid int) ([]int, error) {
	procs, err := ps.Processes()
	if err != nil {
		return nil, fmt.Errorf("procutil: list processes: %w", err)
	}

	childrenOf := make(map[int][]int, len(procs))
	for _, p := range procs {
		childrenOf[p.PPid()] = append(childrenOf[p.PPid()], p.Pid())
	}

	var (
		out   []int
		queue = append([]int{}, childrenOf[pid]...)
	)
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		out = append(out, next)
		queue = append(queue, childrenOf[next]...)
	}

	return out, nil
}

// DestroyTree forcibly terminates pid and every descendant captured at call
// time. The descendant set is captured before any process is killed, since
// killing a process can orphan its children beyond further discovery
// through the same parent-pid walk.
func DestroyTree(pid int) error {
	descendants, err := Descendants(pid)
	if err != nil {
		return err
	}

	// Kill bottom-up: descendants are already discovery-ordered from the
	// root outward, so reverse to kill leaves before their parents.
	for i := len(descendants) - 1; i >= 0; i-- {
		killQuiet(descendants[i])
	}

	return killQuiet(pid)
}
