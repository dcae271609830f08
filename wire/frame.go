// Package wire defines the on-the-wire layout of a bus message frame: the
// fixed header written ahead of every message's payload, in both
// fixed-width slots and the variable-width byte ring.
package wire

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Magic resynchronizes a variable-width reader after it loses track of
// frame boundaries (e.g. an overwrite split the frame it was reading).
const Magic uint64 = 0xd5ffabcdef0102d5

// HeaderSize is the encoded size in bytes of a Frame header, excluding the
// payload.
const HeaderSize = 8 + 8 + 4 + 4 + 8 + 8 // magic, serial, flags, pid, timestamp, length

// Frame is the header written immediately before every message's payload.
type Frame struct {
	Magic     uint64
	Serial    uint64
	Flags     uint32
	Pid       uint32
	Timestamp float64 // wall-clock seconds at post time
	Length    uint64  // payload length in bytes, excluding the frame
}

// Encode writes the frame header to dst, which must be at least
// HeaderSize bytes long.
func (f Frame) Encode(dst []byte) {
	binary.LittleEndian.PutUint64(dst[0:8], f.Magic)
	binary.LittleEndian.PutUint64(dst[8:16], f.Serial)
	binary.LittleEndian.PutUint32(dst[16:20], f.Flags)
	binary.LittleEndian.PutUint32(dst[20:24], f.Pid)
	binary.LittleEndian.PutUint64(dst[24:32], math.Float64bits(f.Timestamp))
	binary.LittleEndian.PutUint64(dst[32:40], f.Length)
}

// Decode parses a frame header from src, which must be at least HeaderSize
// bytes long.
func Decode(src []byte) (Frame, error) {
	if len(src) < HeaderSize {
		return Frame{}, fmt.Errorf("frame header needs %d bytes, got %d", HeaderSize, len(src))
	}
	return Frame{
		Magic:     binary.LittleEndian.Uint64(src[0:8]),
		Serial:    binary.LittleEndian.Uint64(src[8:16]),
		Flags:     binary.LittleEndian.Uint32(src[16:20]),
		Pid:       binary.LittleEndian.Uint32(src[20:24]),
		Timestamp: math.Float64frombits(binary.LittleEndian.Uint64(src[24:32])),
		Length:    binary.LittleEndian.Uint64(src[32:40]),
	}, nil
}

// AlignUp8 advances n to the next strictly-higher multiple of 8: if n is
// already 8-aligned, a full 8-byte pad is still inserted. This mirrors the
// original implementation's `align = 8 - (head % 8)` exactly (never zero),
// which always leaves a nonzero gap between the end of one frame and the
// resync scan's first candidate offset.
func AlignUp8(n uint64) uint64 {
	return n + (8 - n%8)
}
