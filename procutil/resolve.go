package procutil

import (
	"fmt"
	"os"
	"os/exec"
)

// ResolveExecutable finds name on the search path, honoring the platform's
// executable suffix list (PATHEXT on Windows via exec.LookPath).
func ResolveExecutable(name string) (string, error) {
	path, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("procutil: resolve %q: %w", name, err)
	}
	return path, nil
}

// CurrentExecutable returns the absolute path of the running program's own
// binary.
func CurrentExecutable() (string, error) {
	path, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("procutil: current executable: %w", err)
	}
	return path, nil
}
