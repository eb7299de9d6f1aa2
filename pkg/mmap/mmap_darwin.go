//go:build darwin

package mmap

import (
	"os"
	"syscall"
	"unsafe"
)

// mmap maps length bytes of f read-only
func mmap(f *os.File, length int) ([]byte, error) {
	return syscall.Mmap(int(f.Fd()), 0, length, syscall.PROT_READ, syscall.MAP_SHARED)
}

func munmap(b []byte) error {
	return syscall.Munmap(b)
}

// madvise calls the system call directly; syscall has no wrapper on macOS
func madvise(b []byte, advice int) error {
	if len(b) == 0 {
		return nil
	}
	_, _, errno := syscall.Syscall(syscall.SYS_MADVISE, uintptr(unsafe.Pointer(&b[0])), uintptr(len(b)), uintptr(advice))
	if errno != 0 {
		return errno
	}
	return nil
}

const (
	MadvSequential = 2 //nolint:stylecheck
	MadvWillneed   = 3 //nolint:stylecheck
)
