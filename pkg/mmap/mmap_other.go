//go:build !linux && !darwin

package mmap

import (
	"io"
	"os"
)

// mmap falls back to reading the file into memory
func mmap(f *os.File, length int) ([]byte, error) {
	b := make([]byte, length)
	if _, err := io.ReadFull(f, b); err != nil {
		return nil, err
	}
	return b, nil
}

func munmap([]byte) error { return nil }

func madvise([]byte, int) error { return nil }

const (
	MadvSequential = 0
	MadvWillneed   = 0
)
