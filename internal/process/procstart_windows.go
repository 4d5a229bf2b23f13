//go:build windows

package process

import (
	"syscall"
	"unsafe"
)

var getProcessTimes = syscall.NewLazyDLL("kernel32.dll").NewProc("GetProcessTimes")

// StartTime returns when pid started, in Unix seconds, or 0 when unknown.
func StartTime(pid int) int64 {
	if pid <= 0 {
		return 0
	}
	h, err := syscall.OpenProcess(syscall.PROCESS_QUERY_INFORMATION, false, uint32(pid))
	if err != nil {
		return 0
	}
	defer func() { _ = syscall.CloseHandle(h) }()

	var creation, exit, kernel, user syscall.Filetime
	ret, _, _ := getProcessTimes.Call(uintptr(h),
		uintptr(unsafe.Pointer(&creation)), uintptr(unsafe.Pointer(&exit)),
		uintptr(unsafe.Pointer(&kernel)), uintptr(unsafe.Pointer(&user)))
	if ret == 0 {
		return 0
	}
	return creation.Nanoseconds() / 1e9
}
