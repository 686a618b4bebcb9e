//go:build unix

package storage

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Mmap is a Medium backed by a shared memory mapping of a preallocated file.
type Mmap struct {
	region
	f    *os.File
	path string
}

// OpenMmap opens or creates path, grows it to capacity bytes and maps it.
func OpenMmap(path string, capacity int64) (*Mmap, error) {
	f, err := openSized(path, capacity)
	if err != nil {
		return nil, err
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(capacity), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to mmap medium file: %w", err)
	}
	return &Mmap{region: region{data: data}, f: f, path: path}, nil
}

// Path returns the mapped file path.
func (m *Mmap) Path() string { return m.path }

// Sync flushes dirty pages to the backing file.
func (m *Mmap) Sync() error {
	if m.detached {
		return ErrDetached
	}
	return unix.Msync(m.data, unix.MS_SYNC)
}

// Detach flushes, unmaps and closes the backing file.
func (m *Mmap) Detach() error {
	if m.detached {
		return nil
	}
	var firstErr error
	if err := unix.Msync(m.data, unix.MS_SYNC); err != nil {
		firstErr = fmt.Errorf("failed to msync medium: %w", err)
	}
	if err := unix.Munmap(m.data); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("failed to unmap medium: %w", err)
	}
	if err := m.f.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("failed to close medium file: %w", err)
	}
	m.detached = true
	m.data = nil
	return firstErr
}
