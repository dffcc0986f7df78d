package util

import (
	"fmt"
	"path/filepath"

	ps "github.com/mitchellh/go-ps"

	"github.com/lavoca/soundpanel/pkg/win"
)

// ProcessExecutableName returns the base name of the executable owning the given
// process id. go-ps covers the common case; for processes its snapshot can't see
// (elevated, protected) we fall back to querying the full image name directly.
func ProcessExecutableName(pid uint32) (string, error) {
	process, err := ps.FindProcess(int(pid))
	if err == nil && process != nil {
		return process.Executable(), nil
	}

	imagePath, imageErr := win.QueryProcessImageName(pid)
	if imageErr != nil {
		if err == nil {
			err = imageErr
		}
		return "", fmt.Errorf("find process name by pid %d: %w", pid, err)
	}

	return filepath.Base(imagePath), nil
}
