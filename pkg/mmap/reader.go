// Package mmap maps read-only files into memory
package mmap

import (
	"os"
	"sync"

	"github.com/ajitpratap0/posevol/pkg/errors"
)

// Reader holds a read-only mapping of a whole file
type Reader struct {
	file *os.File
	data []byte

	mu     sync.Mutex
	closed bool
}

// NewReader maps filename for sequential reading. Missing files fail with
// ErrorTypeNotFound and empty files with ErrorTypeData.
func NewReader(filename string) (*Reader, error) {
	file, err := os.Open(filename) //nolint:gosec // G304: caller owns the path
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeNotFound, "failed to open file").WithDetail("path", filename)
	}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeFile, "failed to stat file").WithDetail("path", filename)
	}
	if stat.Size() == 0 {
		file.Close()
		return nil, errors.New(errors.ErrorTypeData, "file is empty").WithDetail("path", filename)
	}

	data, err := mmap(file, int(stat.Size()))
	if err != nil {
		file.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeFile, "failed to mmap file").WithDetail("path", filename)
	}
	// Advice is a hint only
	_ = madvise(data, MadvSequential)

	return &Reader{file: file, data: data}, nil
}

// Bytes returns the mapped contents. The slice is invalid after Close.
func (r *Reader) Bytes() []byte {
	return r.data
}

// Len returns the mapped size
func (r *Reader) Len() int {
	return len(r.data)
}

// Close unmaps the file and closes it. Repeated calls are no-ops.
func (r *Reader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true

	err := munmap(r.data)
	r.data = nil
	if cerr := r.file.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeFile, "failed to release mapping")
	}
	return nil
}

// ReadFile maps filename, hands its contents to fn and unmaps it.
// fn must not retain the slice.
func ReadFile(filename string, fn func([]byte) error) error {
	r, err := NewReader(filename)
	if err != nil {
		return err
	}
	defer r.Close()
	return fn(r.Bytes())
}
