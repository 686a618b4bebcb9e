package queue

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/szibis/spoolq/internal/chunk"
	"github.com/szibis/spoolq/internal/storage"
)

const (
	// metaFixedSize covers dimension, write_to, read_from, items (u64 each)
	// and the name length (u32).
	metaFixedSize = 4*8 + 4
	maxNameLen    = 4096
)

// Serialize writes the queue state to w. The layout is positional, with no
// magic number or version:
//
//	+-----------------+----------------+-----------------+-------------+
//	| dimension (u64) | write_to (u64) | read_from (u64) | items (u64) |
//	+-----------------+----------------+-----------------+-------------+
//	| name-len (u32)  | name []byte    | medium bytes [0, write_to)    |
//	+-----------------+----------------+-------------------------------+
//
// All integers are little endian.
func (q *Queue) Serialize(w io.Writer) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.usableLocked(); err != nil {
		return err
	}

	meta := make([]byte, metaFixedSize+len(q.name))
	binary.LittleEndian.PutUint64(meta[0:8], uint64(q.st.dimension))
	binary.LittleEndian.PutUint64(meta[8:16], uint64(q.st.writeTo))
	binary.LittleEndian.PutUint64(meta[16:24], uint64(q.st.readFrom))
	binary.LittleEndian.PutUint64(meta[24:32], uint64(q.st.items))
	binary.LittleEndian.PutUint32(meta[32:36], uint32(len(q.name)))
	copy(meta[metaFixedSize:], q.name)

	if err := writeFull(w, meta); err != nil {
		return fmt.Errorf("failed to write queue metadata: %w", err)
	}

	var off int64
	for off < q.st.writeTo {
		n := int64(len(q.scratch))
		if rem := q.st.writeTo - off; n > rem {
			n = rem
		}
		block := q.scratch[:n]
		if err := q.readAtLocked(block, off, "serialize read"); err != nil {
			return err
		}
		if err := writeFull(w, block); err != nil {
			return fmt.Errorf("failed to write queue content at offset %d: %w", off, err)
		}
		off += n
	}

	incCheckpoint(q.name, "serialize")
	q.log.Info("queue serialized", map[string]interface{}{
		"queue":     q.name,
		"items":     q.st.items,
		"write_to":  q.st.writeTo,
		"read_from": q.st.readFrom,
		"bytes":     int64(len(meta)) + q.st.writeTo,
	})
	return nil
}

// Deserialize replaces the queue state with one written by Serialize. The
// metadata block is read first, then every remaining byte of r is copied into
// the medium from offset 0. A dump larger than the medium fails on the
// medium's capacity check and leaves the queue broken.
func (q *Queue) Deserialize(r io.Reader) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.usableLocked(); err != nil {
		return err
	}

	var fixed [metaFixedSize]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		return fmt.Errorf("failed to read queue metadata: %w", err)
	}
	st := state{
		dimension: int64(binary.LittleEndian.Uint64(fixed[0:8])),
		writeTo:   int64(binary.LittleEndian.Uint64(fixed[8:16])),
		readFrom:  int64(binary.LittleEndian.Uint64(fixed[16:24])),
		items:     int64(binary.LittleEndian.Uint64(fixed[24:32])),
	}
	nameLen := binary.LittleEndian.Uint32(fixed[32:36])
	if nameLen == 0 || nameLen > maxNameLen {
		return fmt.Errorf("%w: name length %d", ErrInvalidState, nameLen)
	}
	name := make([]byte, nameLen)
	if _, err := io.ReadFull(r, name); err != nil {
		return fmt.Errorf("failed to read queue name: %w", err)
	}
	if err := st.check(); err != nil {
		return err
	}
	if capacity := q.medium.Capacity(); st.dimension > capacity {
		// the restored content and its sentinel must fit the medium we own
		if st.writeTo+chunk.Size > capacity {
			return fmt.Errorf("%w: dump holds %d content bytes, medium holds %d: %w", ErrInvalidState, st.writeTo, capacity, storage.ErrCapacity)
		}
		q.log.Warn("restored dimension exceeds medium capacity, clamping", map[string]interface{}{
			"queue":    q.name,
			"restored": st.dimension,
			"capacity": capacity,
		})
		st.dimension = capacity
	}

	// The medium is overwritten from here on; any failure leaves the queue broken.
	copied, err := q.copyInLocked(r)
	if err != nil {
		return err
	}
	if copied < st.writeTo {
		return q.failLocked("restore", copied, fmt.Errorf("%w: dump holds %d content bytes, expected %d", ErrInvalidState, copied, st.writeTo))
	}

	if st.dimension != q.st.dimension {
		q.log.Warn("restored dimension differs from configured dimension", map[string]interface{}{
			"queue":      q.name,
			"configured": q.st.dimension,
			"restored":   st.dimension,
		})
	}

	oldName := q.name
	q.st = st
	q.name = string(name)
	if oldName != q.name {
		forgetMetrics(oldName)
	}

	if q.st.writeTo+chunk.Size <= q.medium.Capacity() {
		if err := q.writeHeaderLocked(chunk.Header{}, q.st.writeTo); err != nil {
			return err
		}
	}
	_, last, err := q.walkLocked(nil)
	if err != nil {
		return err
	}
	q.lastSize = last.Size

	incCheckpoint(q.name, "deserialize")
	q.observeLocked()
	q.log.Info("queue restored", map[string]interface{}{
		"queue":     q.name,
		"items":     q.st.items,
		"write_to":  q.st.writeTo,
		"read_from": q.st.readFrom,
		"bytes":     copied,
	})
	return nil
}

// copyInLocked copies r into the medium from offset 0 until r is exhausted.
func (q *Queue) copyInLocked(r io.Reader) (int64, error) {
	var off int64
	for {
		n, err := r.Read(q.scratch)
		if n > 0 {
			if werr := q.writeAtLocked(q.scratch[:n], off, "restore write"); werr != nil {
				return off, werr
			}
			off += int64(n)
		}
		if err == io.EOF {
			return off, nil
		}
		if err != nil {
			return off, q.failLocked("restore read", off, err)
		}
	}
}

func writeFull(w io.Writer, p []byte) error {
	n, err := w.Write(p)
	if err != nil {
		return err
	}
	if n != len(p) {
		return fmt.Errorf("expected to write %d bytes, but wrote only %d: %w", len(p), n, io.ErrShortWrite)
	}
	return nil
}
