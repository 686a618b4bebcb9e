package queue

import "github.com/szibis/spoolq/internal/chunk"

// remapLocked moves the live range [readFrom, writeTo) down to offset 0.
//
// The copy runs low to high through the scratch buffer. Destination offsets
// never exceed source offsets, so every source block is read before any write
// can overlap it.
func (q *Queue) remapLocked() error {
	before := q.st
	q.log.Info("compaction started", map[string]interface{}{
		"queue":     q.name,
		"read_from": before.readFrom,
		"write_to":  before.writeTo,
		"items":     before.items,
	})

	src := q.st.readFrom
	var dst int64
	remaining := q.st.usedSpace()
	for remaining > 0 {
		n := int64(len(q.scratch))
		if n > remaining {
			n = remaining
		}
		block := q.scratch[:n]
		if err := q.readAtLocked(block, src, "compact read"); err != nil {
			return err
		}
		if err := q.writeAtLocked(block, dst, "compact write"); err != nil {
			return err
		}
		src += n
		dst += n
		remaining -= n
	}

	q.st.writeTo -= q.st.readFrom
	q.st.readFrom = 0
	if err := q.writeHeaderLocked(chunk.Header{}, q.st.writeTo); err != nil {
		return err
	}

	incCompaction(q.name, before.usedSpace())
	q.log.Info("compaction finished", map[string]interface{}{
		"queue":            q.name,
		"read_from_before": before.readFrom,
		"write_to_before":  before.writeTo,
		"read_from":        q.st.readFrom,
		"write_to":         q.st.writeTo,
		"reclaimed_bytes":  before.readFrom,
	})
	return nil
}
