package win

import (
	"fmt"
	"syscall"
	"unsafe"

	"golang.org/x/sys/windows"
)

var (
	modkernel32 = windows.NewLazySystemDLL("kernel32.dll")

	procQueryFullProcessImageNameW = modkernel32.NewProc("QueryFullProcessImageNameW")
)

const (
	// PROCESS_QUERY_LIMITED_INFORMATION is enough for image name queries and
	// works against elevated processes too
	processQueryLimitedInformation = 0x1000

	maxImagePathLength = 1024
)

// QueryProcessImageName returns the full Win32 path of the executable image
// backing the given process id.
func QueryProcessImageName(pid uint32) (string, error) {
	handle, err := windows.OpenProcess(processQueryLimitedInformation, false, pid)
	if err != nil {
		return "", fmt.Errorf("open process %d: %w", pid, err)
	}
	defer windows.CloseHandle(handle)

	buffer := make([]uint16, maxImagePathLength)
	size := uint32(len(buffer))

	ret, _, err := procQueryFullProcessImageNameW.Call(
		uintptr(handle),
		0,
		uintptr(unsafe.Pointer(&buffer[0])),
		uintptr(unsafe.Pointer(&size)))

	if ret == 0 {
		return "", fmt.Errorf("query image name for pid %d: %w", pid, err)
	}

	return syscall.UTF16ToString(buffer[:size]), nil
}
