// Package queue implements a durable, fixed-capacity FIFO byte queue on top of
// a storage.Medium.
//
// Records are framed by a 16-byte chunk header and appended at the write
// offset. Pop consumes from the read offset. When the read offset has moved
// far enough into the medium the live range is compacted back to offset 0.
// A zero header (the sentinel) always sits at the write offset.
//
// One producer and one consumer may share a Queue; every public method holds
// the queue mutex for its whole duration.
package queue

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/szibis/spoolq/internal/chunk"
	"github.com/szibis/spoolq/internal/storage"
)

const (
	defaultDirtyRatio  = 0.25
	defaultScratchSize = 8 * 1024

	// minDimension fits one aligned record plus its sentinel.
	minDimension = 2*chunk.Size + chunk.Alignment
)

var (
	// ErrEmptyPayload is returned when Push is called with a zero-length payload.
	ErrEmptyPayload = errors.New("payload must not be empty")
	// ErrPayloadTooLarge is returned when Push is called with a payload the
	// chunk header cannot describe.
	ErrPayloadTooLarge = chunk.ErrTooLarge
	// ErrClosed is returned when operations are attempted on a closed queue.
	ErrClosed = errors.New("queue is closed")
	// ErrBroken is returned after a fatal I/O error until the queue is reopened.
	ErrBroken = errors.New("queue is unusable after a fatal I/O error")
	// ErrCorrupted is returned when on-medium framing is inconsistent.
	ErrCorrupted = errors.New("queue data is corrupted")
	// ErrInvalidState is returned when restored counters violate queue invariants.
	ErrInvalidState = errors.New("invalid queue state")
	// ErrIO matches every fatal medium error.
	ErrIO = storage.ErrIO
)

// Logger receives queue events. *logging.Logger satisfies it.
type Logger interface {
	Info(msg string, fields ...map[string]interface{})
	Warn(msg string, fields ...map[string]interface{})
}

type nopLogger struct{}

func (nopLogger) Info(string, ...map[string]interface{}) {}
func (nopLogger) Warn(string, ...map[string]interface{}) {}

// Config holds the queue configuration.
type Config struct {
	// Name identifies the queue in logs, metrics and checkpoint file names.
	Name string
	// Dimension is the fixed capacity in bytes. It must not exceed the medium capacity.
	Dimension int64
	// DirtyRatio is the fraction of Dimension the read offset must pass before
	// compaction is worthwhile (default: 0.25).
	DirtyRatio float64
	// ScratchSize is the compaction and checkpoint copy buffer size (default: 8KiB).
	ScratchSize int
	// VerifyChecksums makes Pop and Peek reject headers whose checksum does not match.
	VerifyChecksums bool
	// Logger receives queue events. Nil disables logging.
	Logger Logger
}

// DefaultConfig returns a default queue configuration.
func DefaultConfig() Config {
	return Config{
		Name:        "default",
		Dimension:   64 * 1024 * 1024,
		DirtyRatio:  defaultDirtyRatio,
		ScratchSize: defaultScratchSize,
	}
}

// state co-locates the position counters so invariants are checked in one place.
type state struct {
	dimension int64
	writeTo   int64
	readFrom  int64
	items     int64
}

func (s state) check() error {
	if s.dimension <= 0 {
		return fmt.Errorf("%w: dimension %d", ErrInvalidState, s.dimension)
	}
	if s.readFrom < 0 || s.readFrom > s.writeTo || s.writeTo > s.dimension {
		return fmt.Errorf("%w: read_from=%d write_to=%d dimension=%d", ErrInvalidState, s.readFrom, s.writeTo, s.dimension)
	}
	if s.items < 0 || (s.items == 0) != (s.readFrom == s.writeTo) {
		return fmt.Errorf("%w: items=%d read_from=%d write_to=%d", ErrInvalidState, s.items, s.readFrom, s.writeTo)
	}
	return nil
}

func (s state) freeSpace() int64 { return s.dimension - s.writeTo }
func (s state) usedSpace() int64 { return s.writeTo - s.readFrom }
func (s state) isFull() bool     { return s.writeTo >= s.dimension }
func (s state) isEmpty() bool    { return s.items == 0 }

func (s state) isDirty(ratio float64) bool {
	return s.readFrom > 0 && s.readFrom > int64(float64(s.dimension)*ratio)
}

// checkPayload rejects payload lengths Push can never frame.
func checkPayload(n int64) error {
	if n == 0 {
		return ErrEmptyPayload
	}
	return chunk.CheckLen(n)
}

// pushSize is the room a payload needs: its frame plus the trailing sentinel.
func pushSize(payloadLen int) int64 {
	return 2*chunk.Size + int64(chunk.RoundUp(payloadLen))
}

// Stats is a point-in-time snapshot of the queue counters.
type Stats struct {
	Name      string
	Dimension int64
	WriteTo   int64
	ReadFrom  int64
	Items     int64
	FreeSpace int64
	UsedSpace int64
	Dirty     bool
	Full      bool
}

// Queue is a durable FIFO byte queue over a storage.Medium.
type Queue struct {
	mu sync.Mutex

	name       string
	medium     storage.Medium
	st         state
	lastSize   uint32 // size field of the newest record, linked as prior by the next push
	dirtyRatio float64
	verify     bool
	scratch    []byte
	log        Logger

	closed bool
	broken error
}

// New creates an empty queue over m. The medium is owned by the queue from
// now on and released by Close.
func New(cfg Config, m storage.Medium) (*Queue, error) {
	if m == nil {
		return nil, errors.New("queue requires a storage medium")
	}
	if cfg.Name == "" {
		return nil, errors.New("queue name must not be empty")
	}
	if cfg.Dimension < minDimension {
		return nil, fmt.Errorf("queue dimension must be at least %d bytes, got %d", minDimension, cfg.Dimension)
	}
	if cfg.Dimension > m.Capacity() {
		return nil, fmt.Errorf("queue dimension %d exceeds medium capacity %d", cfg.Dimension, m.Capacity())
	}
	if cfg.DirtyRatio <= 0 || cfg.DirtyRatio >= 1 {
		cfg.DirtyRatio = defaultDirtyRatio
	}
	if cfg.ScratchSize <= 0 {
		cfg.ScratchSize = defaultScratchSize
	}

	q := &Queue{
		name:       cfg.Name,
		medium:     m,
		st:         state{dimension: cfg.Dimension},
		dirtyRatio: cfg.DirtyRatio,
		verify:     cfg.VerifyChecksums,
		scratch:    make([]byte, cfg.ScratchSize),
		log:        cfg.Logger,
	}
	if q.log == nil {
		q.log = nopLogger{}
	}

	if err := q.flushLocked(); err != nil {
		return nil, fmt.Errorf("failed to initialize queue: %w", err)
	}
	q.observeLocked()
	return q, nil
}

// Push appends payload to the queue. It returns false without side effects
// when the record does not fit even after compaction.
func (q *Queue) Push(payload []byte) (bool, error) {
	if err := checkPayload(int64(len(payload))); err != nil {
		return false, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.usableLocked(); err != nil {
		return false, err
	}

	need := pushSize(len(payload))
	if q.st.isFull() || need >= q.st.freeSpace() {
		// compaction reclaims exactly readFrom bytes; a rejected push must not move anything
		if !q.st.isDirty(q.dirtyRatio) || need >= q.st.freeSpace()+q.st.readFrom {
			q.log.Warn("queue full, push rejected", map[string]interface{}{
				"queue":      q.name,
				"payload":    len(payload),
				"push_size":  need,
				"free_space": q.st.freeSpace(),
				"read_from":  q.st.readFrom,
				"write_to":   q.st.writeTo,
				"dirty":      q.st.isDirty(q.dirtyRatio),
			})
			incPushRejected(q.name)
			return false, nil
		}
		if _, err := q.cleanupLocked(); err != nil {
			return false, err
		}
	}

	prior := chunk.Header{Size: q.lastSize}
	if q.st.isEmpty() {
		prior = chunk.Header{}
	}
	h := chunk.Init(prior, len(payload))

	// header | payload | pad | sentinel, written in one call
	frame := make([]byte, need)
	h.Encode(frame)
	copy(frame[chunk.Size:], payload)

	if err := q.writeAtLocked(frame, q.st.writeTo, "write chunk"); err != nil {
		return false, err
	}

	q.st.writeTo += h.FrameLen()
	q.st.items++
	q.lastSize = h.Size

	incPush(q.name, len(payload))
	q.observeLocked()
	return true, nil
}

// Pop removes and returns the oldest payload. It returns nil, nil when the
// queue is empty.
func (q *Queue) Pop() ([]byte, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.usableLocked(); err != nil {
		return nil, err
	}
	if q.st.isEmpty() {
		return nil, nil
	}

	h, payload, err := q.readChunkLocked(q.st.readFrom)
	if err != nil {
		return nil, err
	}

	q.st.items--
	if q.st.items > 0 {
		q.st.readFrom += h.FrameLen()
		// the new front has no predecessor from the reader's point of view
		next, err := q.readHeaderLocked(q.st.readFrom)
		if err != nil {
			return nil, err
		}
		if err := q.writeHeaderLocked(next.Relink(0), q.st.readFrom); err != nil {
			return nil, err
		}
	} else {
		q.st.readFrom = 0
		q.st.writeTo = 0
		q.lastSize = 0
		if err := q.writeHeaderLocked(chunk.Header{}, 0); err != nil {
			return nil, err
		}
	}

	incPop(q.name, len(payload))
	q.observeLocked()
	return payload, nil
}

// Peek returns the oldest payload without removing it.
func (q *Queue) Peek() ([]byte, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.usableLocked(); err != nil {
		return nil, err
	}
	if q.st.isEmpty() {
		return nil, nil
	}
	_, payload, err := q.readChunkLocked(q.st.readFrom)
	return payload, err
}

// Flush discards every record. Capacity is unaffected.
func (q *Queue) Flush() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.usableLocked(); err != nil {
		return err
	}
	if err := q.flushLocked(); err != nil {
		return err
	}
	q.observeLocked()
	return nil
}

func (q *Queue) flushLocked() error {
	q.st.readFrom = 0
	q.st.writeTo = 0
	q.st.items = 0
	q.lastSize = 0
	return q.writeHeaderLocked(chunk.Header{}, 0)
}

// Cleanup compacts the queue when it is dirty and reports whether it did.
func (q *Queue) Cleanup() (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.usableLocked(); err != nil {
		return false, err
	}
	done, err := q.cleanupLocked()
	if done {
		q.observeLocked()
	}
	return done, err
}

func (q *Queue) cleanupLocked() (bool, error) {
	if !q.st.isDirty(q.dirtyRatio) {
		return false, nil
	}
	if err := q.remapLocked(); err != nil {
		return false, err
	}
	return true, nil
}

// IsDirty reports whether the read offset has advanced far enough for
// compaction to be worthwhile.
func (q *Queue) IsDirty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.st.isDirty(q.dirtyRatio)
}

// IsFull reports whether the tail has reached the dimension. Cleanup may
// still free room.
func (q *Queue) IsFull() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.st.isFull()
}

// IsEmpty reports whether the queue holds no records.
func (q *Queue) IsEmpty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.st.isEmpty()
}

// Len returns the number of live records.
func (q *Queue) Len() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.st.items
}

// FreeSpace returns the bytes between the tail and the dimension.
func (q *Queue) FreeSpace() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.st.freeSpace()
}

// UsedSpace returns the bytes held by live records.
func (q *Queue) UsedSpace() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.st.usedSpace()
}

// PushSize returns the bytes a push of payload needs, including the sentinel.
func (q *Queue) PushSize(payload []byte) int64 {
	return pushSize(len(payload))
}

// WillFit reports whether payload fits behind the current tail without compaction.
func (q *Queue) WillFit(payload []byte) bool {
	if checkPayload(int64(len(payload))) != nil {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return pushSize(len(payload)) < q.st.freeSpace()
}

// Name returns the queue name.
func (q *Queue) Name() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.name
}

// Dimension returns the fixed capacity in bytes.
func (q *Queue) Dimension() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.st.dimension
}

// Stats returns a snapshot of the queue counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Name:      q.name,
		Dimension: q.st.dimension,
		WriteTo:   q.st.writeTo,
		ReadFrom:  q.st.readFrom,
		Items:     q.st.items,
		FreeSpace: q.st.freeSpace(),
		UsedSpace: q.st.usedSpace(),
		Dirty:     q.st.isDirty(q.dirtyRatio),
		Full:      q.st.isFull(),
	}
}

// Sync forces medium contents to stable storage when the medium supports it.
func (q *Queue) Sync() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.usableLocked(); err != nil {
		return err
	}
	if s, ok := q.medium.(storage.Syncer); ok {
		if err := s.Sync(); err != nil {
			return q.failLocked("sync", 0, err)
		}
	}
	return nil
}

// Close detaches the medium. The counters are not persisted; call
// SaveCheckpoint first for durability.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil
	}
	q.closed = true
	forgetMetrics(q.name)
	if err := q.medium.Detach(); err != nil {
		return fmt.Errorf("failed to detach medium: %w", err)
	}
	return nil
}

// Health returns nil while the queue accepts operations, ErrClosed after Close,
// or an ErrBroken error after a fatal I/O failure.
func (q *Queue) Health() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.usableLocked()
}

func (q *Queue) usableLocked() error {
	if q.closed {
		return ErrClosed
	}
	if q.broken != nil {
		return fmt.Errorf("%w: %v", ErrBroken, q.broken)
	}
	return nil
}

// failLocked marks the queue broken and returns the fatal error for op.
func (q *Queue) failLocked(op string, offset int64, err error) error {
	var ioErr *storage.IOError
	if !errors.As(err, &ioErr) {
		err = storage.Fail(op, offset, err)
	}
	q.broken = err
	incIOError(q.name, op)
	return err
}

// corruptLocked reports inconsistent framing found at offset.
func (q *Queue) corruptLocked(op string, offset int64, format string, args ...interface{}) error {
	return q.failLocked(op, offset, fmt.Errorf("%w: %s", ErrCorrupted, fmt.Sprintf(format, args...)))
}

func (q *Queue) readAtLocked(p []byte, offset int64, op string) error {
	if _, err := q.medium.Seek(offset, io.SeekStart); err != nil {
		return q.failLocked(op, offset, err)
	}
	n, err := io.ReadFull(q.medium, p)
	if err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return q.failLocked(op, offset, fmt.Errorf("expected to read %d bytes, but read only %d: %w", len(p), n, err))
	}
	return nil
}

func (q *Queue) writeAtLocked(p []byte, offset int64, op string) error {
	if _, err := q.medium.Seek(offset, io.SeekStart); err != nil {
		return q.failLocked(op, offset, err)
	}
	n, err := q.medium.Write(p)
	if n != len(p) {
		if err == nil {
			err = io.ErrShortWrite
		}
		return q.failLocked(op, offset, fmt.Errorf("expected to write %d bytes, but wrote only %d: %w", len(p), n, err))
	}
	if err != nil {
		return q.failLocked(op, offset, err)
	}
	return nil
}

func (q *Queue) readHeaderLocked(offset int64) (chunk.Header, error) {
	if _, err := q.medium.Seek(offset, io.SeekStart); err != nil {
		return chunk.Header{}, q.failLocked("read header", offset, err)
	}
	h, err := chunk.Read(q.medium)
	if err != nil {
		return chunk.Header{}, q.failLocked("read header", offset, err)
	}
	if q.verify && !h.Valid() {
		return chunk.Header{}, q.failLocked("read header", offset, fmt.Errorf("%w: %w", ErrCorrupted, chunk.ErrChecksum))
	}
	return h, nil
}

func (q *Queue) writeHeaderLocked(h chunk.Header, offset int64) error {
	if _, err := q.medium.Seek(offset, io.SeekStart); err != nil {
		return q.failLocked("write header", offset, err)
	}
	if err := chunk.Write(q.medium, h); err != nil {
		return q.failLocked("write header", offset, err)
	}
	return nil
}

// readChunkLocked reads the record at offset, which must be a live chunk.
func (q *Queue) readChunkLocked(offset int64) (chunk.Header, []byte, error) {
	h, err := q.readHeaderLocked(offset)
	if err != nil {
		return chunk.Header{}, nil, err
	}
	if h.Size == 0 || h.PayloadLen() <= 0 {
		return chunk.Header{}, nil, q.corruptLocked("read chunk", offset, "empty chunk header")
	}
	if offset+h.FrameLen() > q.st.writeTo {
		return chunk.Header{}, nil, q.corruptLocked("read chunk", offset, "chunk of %d bytes overruns tail at %d", h.Size, q.st.writeTo)
	}

	data := make([]byte, h.Size)
	if err := q.readAtLocked(data, offset+chunk.Size, "read payload"); err != nil {
		return chunk.Header{}, nil, err
	}
	return h, data[:h.PayloadLen()], nil
}

func (q *Queue) observeLocked() {
	updateStateMetrics(q.name, q.st)
}
