// Package ring implements the bus's message framing and ring-buffer
// read/write procedures over a raw byte view of shared memory, in both
// fixed-width-slot and variable-width-byte-ring modes.
package ring

import "encoding/binary"

// HeaderSize is the fixed size in bytes of the shared-memory header prefix.
// The data region begins immediately after it. The bytes beyond the four
// tracked fields are reserved as client scratch space (see ExtraOffset).
const HeaderSize = 4096

// Header field byte offsets within the 4 KiB prefix.
const (
	offHead     = 0
	offSerial   = 8
	offNumItems = 16
	offItemSize = 24
	// ExtraOffset is where the unsynchronized client scratch area begins.
	ExtraOffset = 32
)

// Header is a thin accessor over the shared-memory header prefix. All
// mutation must happen under the bus's write lock; reads must happen under
// its read lock, per spec — Header itself performs no synchronization.
type Header struct {
	buf []byte // HeaderSize bytes
}

// NewHeader wraps buf, which must be at least HeaderSize bytes.
func NewHeader(buf []byte) Header {
	return Header{buf: buf[:HeaderSize]}
}

func (h Header) Head() uint64      { return binary.LittleEndian.Uint64(h.buf[offHead:]) }
func (h Header) SetHead(v uint64)  { binary.LittleEndian.PutUint64(h.buf[offHead:], v) }
func (h Header) Serial() uint64    { return binary.LittleEndian.Uint64(h.buf[offSerial:]) }
func (h Header) SetSerial(v uint64) {
	binary.LittleEndian.PutUint64(h.buf[offSerial:], v)
}
func (h Header) NumItems() uint64 { return binary.LittleEndian.Uint64(h.buf[offNumItems:]) }
func (h Header) SetNumItems(v uint64) {
	binary.LittleEndian.PutUint64(h.buf[offNumItems:], v)
}
func (h Header) ItemSize() uint64 { return binary.LittleEndian.Uint64(h.buf[offItemSize:]) }
func (h Header) SetItemSize(v uint64) {
	binary.LittleEndian.PutUint64(h.buf[offItemSize:], v)
}

// Zero clears the entire header, including the extra scratch area.
func (h Header) Zero() {
	clear(h.buf)
}

// Extra returns a view of the unsynchronized client scratch area. It must
// be at least n bytes, else ok is false — resolves spec Open Question (a):
// this area is deliberately left without its own lock; callers needing
// synchronization must layer one over it themselves.
func (h Header) Extra(n int) (area []byte, ok bool) {
	if ExtraOffset+n > len(h.buf) {
		return nil, false
	}
	return h.buf[ExtraOffset : ExtraOffset+n], true
}
