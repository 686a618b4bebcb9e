package storage

import "io"

// region implements the cursor-based I/O shared by byte-slice backed media.
type region struct {
	data     []byte
	off      int64
	detached bool
}

func (r *region) Read(p []byte) (int, error) {
	if r.detached {
		return 0, ErrDetached
	}
	if r.off >= int64(len(r.data)) {
		return 0, io.EOF
	}
	n := copy(p, r.data[r.off:])
	r.off += int64(n)
	return n, nil
}

func (r *region) Write(p []byte) (int, error) {
	if r.detached {
		return 0, ErrDetached
	}
	if r.off+int64(len(p)) > int64(len(r.data)) {
		return 0, ErrCapacity
	}
	n := copy(r.data[r.off:], p)
	r.off += int64(n)
	return n, nil
}

func (r *region) Seek(offset int64, whence int) (int64, error) {
	if r.detached {
		return 0, ErrDetached
	}
	abs, err := seekOffset(r.off, int64(len(r.data)), offset, whence)
	if err != nil {
		return 0, err
	}
	r.off = abs
	return abs, nil
}

func (r *region) Capacity() int64 { return int64(len(r.data)) }

// Memory is a Medium backed by a heap-allocated byte slice.
type Memory struct {
	region
}

// NewMemory allocates a zeroed in-memory medium of capacity bytes.
func NewMemory(capacity int64) *Memory {
	return &Memory{region{data: make([]byte, capacity)}}
}

// Bytes exposes the backing region. The slice aliases the medium.
func (m *Memory) Bytes() []byte { return m.data }

// Detach releases the backing region.
func (m *Memory) Detach() error {
	if m.detached {
		return nil
	}
	m.detached = true
	m.data = nil
	return nil
}
