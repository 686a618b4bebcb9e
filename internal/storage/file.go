package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// File is a Medium backed by a preallocated regular file.
type File struct {
	f        *os.File
	path     string
	capacity int64
	off      int64
	detached bool
}

// OpenFile opens or creates path and grows it to capacity bytes.
func OpenFile(path string, capacity int64) (*File, error) {
	f, err := openSized(path, capacity)
	if err != nil {
		return nil, err
	}
	return &File{f: f, path: path, capacity: capacity}, nil
}

// openSized opens path for read-write and makes sure it is at least size bytes.
func openSized(path string, size int64) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create medium directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open medium file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat medium file: %w", err)
	}
	if info.Size() < size {
		if err := f.Truncate(size); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to allocate medium file: %w", err)
		}
	}
	return f, nil
}

// Path returns the backing file path.
func (m *File) Path() string { return m.path }

func (m *File) Capacity() int64 { return m.capacity }

func (m *File) Read(p []byte) (int, error) {
	if m.detached {
		return 0, ErrDetached
	}
	if m.off >= m.capacity {
		return 0, io.EOF
	}
	if rem := m.capacity - m.off; int64(len(p)) > rem {
		p = p[:rem]
	}
	n, err := m.f.ReadAt(p, m.off)
	m.off += int64(n)
	if err == io.EOF && n > 0 {
		err = nil
	}
	return n, err
}

func (m *File) Write(p []byte) (int, error) {
	if m.detached {
		return 0, ErrDetached
	}
	if m.off+int64(len(p)) > m.capacity {
		return 0, ErrCapacity
	}
	n, err := m.f.WriteAt(p, m.off)
	m.off += int64(n)
	return n, err
}

func (m *File) Seek(offset int64, whence int) (int64, error) {
	if m.detached {
		return 0, ErrDetached
	}
	abs, err := seekOffset(m.off, m.capacity, offset, whence)
	if err != nil {
		return 0, err
	}
	m.off = abs
	return abs, nil
}

// Sync commits written bytes to stable storage.
func (m *File) Sync() error {
	if m.detached {
		return ErrDetached
	}
	return m.f.Sync()
}

// Detach syncs and closes the file.
func (m *File) Detach() error {
	if m.detached {
		return nil
	}
	m.detached = true
	var errs []error
	if err := m.f.Sync(); err != nil {
		errs = append(errs, err)
	}
	if err := m.f.Close(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("errors detaching file medium: %v", errs)
	}
	return nil
}
