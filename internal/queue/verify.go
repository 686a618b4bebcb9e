package queue

import "github.com/szibis/spoolq/internal/chunk"

// walkLocked follows the header chain from readFrom to writeTo, calling visit
// for every live chunk. It returns the number of chunks and the last header.
func (q *Queue) walkLocked(visit func(offset int64, h chunk.Header) error) (int64, chunk.Header, error) {
	var (
		count int64
		last  chunk.Header
	)
	off := q.st.readFrom
	for off < q.st.writeTo {
		h, err := q.readHeaderLocked(off)
		if err != nil {
			return count, last, err
		}
		if h.Size == 0 {
			return count, last, q.corruptLocked("walk", off, "sentinel found before tail at %d", q.st.writeTo)
		}
		if off+h.FrameLen() > q.st.writeTo {
			return count, last, q.corruptLocked("walk", off, "chunk of %d bytes overruns tail at %d", h.Size, q.st.writeTo)
		}
		if visit != nil {
			if err := visit(off, h); err != nil {
				return count, last, err
			}
		}
		last = h
		count++
		off += h.FrameLen()
	}
	return count, last, nil
}

// Verify walks every live chunk and checks the framing: header checksums,
// prior links, the record count and the sentinel at the tail. Any mismatch is
// an I/O-class error and leaves the queue broken.
func (q *Queue) Verify() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.usableLocked(); err != nil {
		return err
	}

	var prior uint32
	count, _, err := q.walkLocked(func(off int64, h chunk.Header) error {
		if !h.Valid() {
			return q.corruptLocked("verify", off, "header checksum mismatch")
		}
		if h.Prior != prior {
			return q.corruptLocked("verify", off, "prior link %d, expected %d", h.Prior, prior)
		}
		prior = h.Size
		return nil
	})
	if err != nil {
		return err
	}
	if count != q.st.items {
		return q.corruptLocked("verify", q.st.readFrom, "found %d chunks, expected %d", count, q.st.items)
	}

	if q.st.writeTo+chunk.Size <= q.medium.Capacity() {
		tail, err := q.readHeaderLocked(q.st.writeTo)
		if err != nil {
			return err
		}
		if !tail.IsSentinel() {
			return q.corruptLocked("verify", q.st.writeTo, "missing sentinel at tail")
		}
	}
	return nil
}
