// Package storage provides the byte-addressable media a queue persists to.
//
// A Medium is a fixed-capacity, seekable region. Three implementations are
// provided:
//
//	File   - a preallocated regular file accessed with ReadAt/WriteAt
//	Memory - a heap-allocated region, lost when the process exits
//	Mmap   - a preallocated file mapped into memory (unix only)
package storage

import (
	"errors"
	"fmt"
	"io"
	"strings"
)

var (
	// ErrIO is the root of every fatal medium error.
	ErrIO = errors.New("storage I/O error")
	// ErrCapacity is returned when a write would cross the medium capacity.
	ErrCapacity = errors.New("write exceeds medium capacity")
	// ErrDetached is returned by operations on a detached medium.
	ErrDetached = errors.New("medium is detached")
	// ErrUnsupported is returned when a medium kind is unavailable on this platform.
	ErrUnsupported = errors.New("medium kind not supported on this platform")
	// ErrNegativeOffset is returned by Seek when the resulting offset is negative.
	ErrNegativeOffset = errors.New("negative seek offset")
)

// Medium is the storage contract a queue drives. Seek/Read/Write follow the
// io package semantics; Detach releases the underlying resource.
type Medium interface {
	io.ReadWriteSeeker
	// Capacity is the fixed number of addressable bytes.
	Capacity() int64
	// Detach flushes and releases the resource. The medium is unusable afterwards.
	Detach() error
}

// Syncer is implemented by media that can force written bytes to stable storage.
type Syncer interface {
	Sync() error
}

// IOError describes a failed medium operation.
type IOError struct {
	Op     string
	Offset int64
	Err    error
}

func (e *IOError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s at offset %d failed", e.Op, e.Offset)
	}
	return fmt.Sprintf("%s at offset %d: %v", e.Op, e.Offset, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// Is makes every IOError match ErrIO.
func (e *IOError) Is(target error) bool { return target == ErrIO }

// Fail builds the fatal error raised for a failed operation on a medium.
func Fail(op string, offset int64, err error) error {
	return &IOError{Op: op, Offset: offset, Err: err}
}

// Kind names a Medium implementation.
type Kind string

const (
	KindFile   Kind = "file"
	KindMemory Kind = "memory"
	KindMmap   Kind = "mmap"
)

// ParseKind parses a medium kind string.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "file":
		return KindFile, nil
	case "memory", "mem":
		return KindMemory, nil
	case "mmap":
		return KindMmap, nil
	default:
		return "", fmt.Errorf("unknown medium kind: %q", s)
	}
}

// Open creates a medium of the given kind. path is ignored for KindMemory.
func Open(kind Kind, path string, capacity int64) (Medium, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("medium capacity must be positive, got %d", capacity)
	}
	switch kind {
	case KindFile:
		f, err := OpenFile(path, capacity)
		if err != nil {
			return nil, err
		}
		return f, nil
	case KindMemory:
		return NewMemory(capacity), nil
	case KindMmap:
		m, err := OpenMmap(path, capacity)
		if err != nil {
			return nil, err
		}
		return m, nil
	default:
		return nil, fmt.Errorf("unknown medium kind: %q", kind)
	}
}

// seekOffset resolves a Seek request against the current offset and size.
func seekOffset(cur, size, offset int64, whence int) (int64, error) {
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = cur + offset
	case io.SeekEnd:
		abs = size + offset
	default:
		return 0, fmt.Errorf("invalid whence: %d", whence)
	}
	if abs < 0 {
		return 0, ErrNegativeOffset
	}
	return abs, nil
}
