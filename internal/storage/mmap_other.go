//go:build !unix

package storage

// Mmap is unavailable on this platform.
type Mmap struct {
	region
}

// OpenMmap always fails with ErrUnsupported on this platform.
func OpenMmap(path string, capacity int64) (*Mmap, error) {
	return nil, ErrUnsupported
}

func (m *Mmap) Sync() error { return ErrUnsupported }

func (m *Mmap) Detach() error { return nil }
