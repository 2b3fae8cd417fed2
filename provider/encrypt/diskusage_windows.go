//go:build windows

package encrypt

import (
	"fmt"
	"syscall"
	"unsafe"
)

var getFreeDiskSpace = syscall.NewLazyDLL("kernel32.dll").NewProc("GetDiskFreeSpaceExW")

// diskUsage reports total and used bytes for root, matching
// backend/local/about_windows.go's GetDiskFreeSpaceExW call.
func diskUsage(root string) (total, used int64, err error) {
	var available, totalBytes, free int64
	_, _, e1 := getFreeDiskSpace.Call(
		uintptr(unsafe.Pointer(syscall.StringToUTF16Ptr(root))),
		uintptr(unsafe.Pointer(&available)),
		uintptr(unsafe.Pointer(&totalBytes)),
		uintptr(unsafe.Pointer(&free)),
	)
	if e1 != syscall.Errno(0) {
		return 0, 0, fmt.Errorf("encrypt: failed to read disk usage: %w", e1)
	}
	return totalBytes, totalBytes - free, nil
}
