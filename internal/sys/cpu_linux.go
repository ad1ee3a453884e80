//go:build linux

package sys

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// CurrentCPU returns the CPU the calling thread is running on. The value
// is advisory: the thread may migrate immediately after the call, which
// the per-CPU cache tolerates by locking the slot it picked.
func CurrentCPU() int {
	var cpu int
	_, _, errno := unix.Syscall(unix.SYS_GETCPU, uintptr(unsafe.Pointer(&cpu)), 0, 0)
	if errno != 0 || cpu < 0 {
		return 0
	}
	return cpu
}
