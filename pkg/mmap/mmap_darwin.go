//go:build darwin
// +build darwin

package mmap

import (
	"syscall"
	"unsafe"
)

const madvSequential = 2

// mmap wraps the mmap system call
func mmap(fd int, length int) ([]byte, error) {
	return syscall.Mmap(fd, 0, length, syscall.PROT_READ, syscall.MAP_SHARED)
}

// munmap wraps the munmap system call
func munmap(b []byte) error {
	return syscall.Munmap(b)
}

// adviseSequential tells the kernel pages will be read in order.
func adviseSequential(b []byte) error {
	// On macOS, we need to use the madvise system call directly
	_, _, err := syscall.Syscall(syscall.SYS_MADVISE, uintptr(unsafe.Pointer(&b[0])), uintptr(len(b)), uintptr(madvSequential))
	if err != 0 {
		return err
	}
	return nil
}
