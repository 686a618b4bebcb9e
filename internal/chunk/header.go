// Package chunk encodes and decodes the fixed-size header that frames every
// record stored in a queue.
package chunk

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// Size is the encoded length of a header in bytes. It keeps frames 4-byte
// aligned and leaves reserved room for future fields.
const Size = 16

// Alignment is the payload alignment. Payloads are padded up to a multiple of it.
const Alignment = 4

// MaxPayloadLen is the largest payload whose padded length fits the u32 size field.
const MaxPayloadLen = math.MaxUint32 &^ (Alignment - 1)

var (
	// ErrShortHeader is returned when fewer than Size bytes are available.
	ErrShortHeader = errors.New("chunk header is truncated")
	// ErrChecksum is returned when a header checksum does not match its fields.
	ErrChecksum = errors.New("chunk header checksum mismatch")
	// ErrTooLarge is returned for payloads longer than MaxPayloadLen.
	ErrTooLarge = errors.New("payload exceeds maximum chunk size")
)

// Header describes one record on the medium. The layout is
//
//	+--------------+---------------+------------------+-----------+----------------+
//	| size (u32le) | prior (u32le) | checksum (u16le) | pad (u8)  | reserved [5]u8 |
//	+--------------+---------------+------------------+-----------+----------------+
//
// size is the padded payload length, prior is the size field of the chunk
// written just before this one (0 when there is none).
type Header struct {
	Size     uint32
	Prior    uint32
	Checksum uint16
	Pad      uint8
}

// RoundUp returns n rounded up to the payload alignment.
func RoundUp(n int) int {
	return (n + Alignment - 1) &^ (Alignment - 1)
}

// Sum folds size, prior and pad into the 16-bit header checksum.
func Sum(size, prior uint32, pad uint8) uint16 {
	return uint16(uint32(pad) ^ size ^ (size >> 16) ^ prior ^ (prior >> 16))
}

// CheckLen returns ErrTooLarge when n bytes cannot be described by a header.
func CheckLen(n int64) error {
	if n > MaxPayloadLen {
		return fmt.Errorf("%w: %d bytes, limit %d", ErrTooLarge, n, int64(MaxPayloadLen))
	}
	return nil
}

// Init builds the header for a payload of payloadLen bytes written after the
// chunk described by prior. payloadLen must pass CheckLen.
func Init(prior Header, payloadLen int) Header {
	size := uint32(RoundUp(payloadLen))
	pad := uint8(size - uint32(payloadLen))
	return Header{
		Size:     size,
		Prior:    prior.Size,
		Pad:      pad,
		Checksum: Sum(size, prior.Size, pad),
	}
}

// Relink returns a copy of h pointing at a different predecessor, with the
// checksum recomputed.
func (h Header) Relink(prior uint32) Header {
	h.Prior = prior
	h.Checksum = Sum(h.Size, h.Prior, h.Pad)
	return h
}

// PayloadLen is the unpadded payload length.
func (h Header) PayloadLen() int {
	return int(h.Size) - int(h.Pad)
}

// FrameLen is the number of medium bytes taken by the header and its padded payload.
func (h Header) FrameLen() int64 {
	return Size + int64(h.Size)
}

// IsSentinel reports whether h is the all-zero end marker.
func (h Header) IsSentinel() bool {
	return h == Header{}
}

// Valid reports whether the checksum matches and the padding is consistent.
func (h Header) Valid() bool {
	if h.Pad >= Alignment || h.Size%Alignment != 0 {
		return false
	}
	return h.Checksum == Sum(h.Size, h.Prior, h.Pad)
}

// Encode writes h into dst, which must hold at least Size bytes. Reserved
// bytes are zeroed.
func (h Header) Encode(dst []byte) {
	_ = dst[Size-1]
	binary.LittleEndian.PutUint32(dst[0:4], h.Size)
	binary.LittleEndian.PutUint32(dst[4:8], h.Prior)
	binary.LittleEndian.PutUint16(dst[8:10], h.Checksum)
	dst[10] = h.Pad
	clear(dst[11:Size])
}

// Decode parses a header from src.
func Decode(src []byte) (Header, error) {
	if len(src) < Size {
		return Header{}, ErrShortHeader
	}
	return Header{
		Size:     binary.LittleEndian.Uint32(src[0:4]),
		Prior:    binary.LittleEndian.Uint32(src[4:8]),
		Checksum: binary.LittleEndian.Uint16(src[8:10]),
		Pad:      src[10],
	}, nil
}

// Read reads exactly one header from r.
func Read(r io.Reader) (Header, error) {
	var buf [Size]byte
	n, err := io.ReadFull(r, buf[:])
	if err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return Header{}, fmt.Errorf("expected to read %d header bytes, but read only %d: %w", Size, n, io.ErrUnexpectedEOF)
		}
		return Header{}, err
	}
	return Decode(buf[:])
}

// Write writes h to w, reporting short writes as errors.
func Write(w io.Writer, h Header) error {
	var buf [Size]byte
	h.Encode(buf[:])
	n, err := w.Write(buf[:])
	if n != Size {
		if err == nil {
			err = io.ErrShortWrite
		}
		return fmt.Errorf("expected to write %d header bytes, but wrote only %d: %w", Size, n, err)
	}
	return err
}
