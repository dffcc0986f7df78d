//go:build !windows

package util

import (
	"fmt"

	ps "github.com/mitchellh/go-ps"
)

// ProcessExecutableName returns the base name of the executable owning the given
// process id.
func ProcessExecutableName(pid uint32) (string, error) {
	process, err := ps.FindProcess(int(pid))
	if err != nil {
		return "", fmt.Errorf("find process name by pid %d: %w", pid, err)
	}

	if process == nil {
		return "", fmt.Errorf("no such process: %d", pid)
	}

	return process.Executable(), nil
}
