package ring

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/yanet-platform/shmbus/wire"
)

// Cursor is a consumer's private read position: a byte offset (variable
// mode) or slot index (fixed mode), plus the serial of the newest message
// the consumer has already evaluated. Cursors are never written back to
// shared memory.
type Cursor struct {
	Head       uint64
	LastSerial uint64
}

// Ring lays messages out in the data region of a bus's shared-memory
// segment, either as a circular array of fixed-size slots or as a
// variable-length byte ring with inline framing.
type Ring struct {
	data   []byte
	header Header

	fixed      bool
	numItems   uint64
	itemSize   uint64 // payload capacity per message
	dataSize   uint64 // fixed mode: bytes per slot, including the frame header
	bufferSize uint64 // total addressable bytes of the data region

	resyncCount atomic.Uint64
	log         *zap.SugaredLogger
}

// New builds a Ring over data (the bytes immediately following the 4 KiB
// shared header) using the mode selected by numItems: numItems == 0 means
// variable-width mode, where itemSize is the whole ring capacity in bytes;
// otherwise fixed-width mode with numItems slots of itemSize payload bytes
// each.
func New(data []byte, header Header, numItems, itemSize uint64, log *zap.SugaredLogger) *Ring {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	r := &Ring{
		data:     data,
		header:   header,
		numItems: numItems,
		itemSize: itemSize,
		log:      log,
	}
	if numItems == 0 {
		r.fixed = false
		r.bufferSize = itemSize
	} else {
		r.fixed = true
		r.dataSize = itemSize + wire.HeaderSize
		r.bufferSize = r.dataSize * numItems
	}
	return r
}

// BufferSize returns the size in bytes required from the shared-memory
// segment's data region to back this ring's configuration.
func BufferSize(numItems, itemSize uint64) uint64 {
	if numItems == 0 {
		return itemSize
	}
	return (itemSize + wire.HeaderSize) * numItems
}

// ResyncCount reports how many times a variable-width reader has had to
// resynchronize after losing track of frame boundaries, for diagnostics.
func (r *Ring) ResyncCount() uint64 {
	return r.resyncCount.Load()
}

// Write posts one message under the caller's write lock. It returns false
// (not an error) if payload is too large for the configured mode — the
// caller is expected to silently drop oversized messages per spec.
func (r *Ring) Write(pid uint32, timestamp float64, payload []byte) (bool, error) {
	length := uint64(len(payload))
	if r.fixed {
		if length > r.itemSize {
			return false, nil
		}
	} else if length+wire.HeaderSize > r.bufferSize {
		return false, nil
	}

	serial := r.header.Serial() + 1
	r.header.SetSerial(serial)

	frame := wire.Frame{
		Magic:     wire.Magic,
		Serial:    serial,
		Pid:       pid,
		Timestamp: timestamp,
		Length:    length,
	}

	if r.fixed {
		head := (r.header.Head() + 1) % r.numItems
		r.header.SetHead(head)
		slot := r.data[head*r.dataSize : (head+1)*r.dataSize]
		frame.Encode(slot[:wire.HeaderSize])
		copy(slot[wire.HeaderSize:], payload)
		return true, nil
	}

	hdrBuf := make([]byte, wire.HeaderSize)
	frame.Encode(hdrBuf)
	r.rbWrite(hdrBuf)
	r.rbWrite(payload)

	newHead := wire.AlignUp8(r.header.Head()) % r.bufferSize
	r.header.SetHead(newHead)
	return true, nil
}

// Read delivers at most one message to the consumer owning cursor, under
// the caller's read lock. delivered is true only when a message was
// actually handed back (self-produced and overrun-skipped messages advance
// the cursor without being delivered).
func (r *Ring) Read(cursor *Cursor, selfPid uint32) (payload []byte, delivered bool, err error) {
	if r.fixed {
		return r.readFixed(cursor, selfPid)
	}
	return r.readVariable(cursor, selfPid)
}

func (r *Ring) readFixed(cursor *Cursor, selfPid uint32) ([]byte, bool, error) {
	slot := r.data[cursor.Head*r.dataSize : (cursor.Head+1)*r.dataSize]
	frame, err := wire.Decode(slot[:wire.HeaderSize])
	if err != nil {
		return nil, false, err
	}

	var payload []byte
	delivered := false
	if frame.Serial > cursor.LastSerial {
		cursor.LastSerial = frame.Serial
		if frame.Pid != selfPid && frame.Length <= r.itemSize {
			// +1 reserves a trailing NUL slot for host-language bindings
			// that want to expose the result as a zero-copy C string.
			payload = make([]byte, frame.Length+1)
			copy(payload, slot[wire.HeaderSize:wire.HeaderSize+frame.Length])
			delivered = true
		}
	}
	cursor.Head = (cursor.Head + 1) % r.numItems
	return payload, delivered, nil
}

func (r *Ring) readVariable(cursor *Cursor, selfPid uint32) ([]byte, bool, error) {
	for attempt := 0; ; attempt++ {
		hdrBuf := make([]byte, wire.HeaderSize)
		r.rbReadAt(cursor.Head, hdrBuf)
		frame, err := wire.Decode(hdrBuf)
		if err != nil {
			return nil, false, err
		}

		if frame.Magic != wire.Magic {
			if attempt >= 2 {
				r.log.Debugw("giving up resync, resetting cursor to shared head",
					zap.Uint64("attempts", uint64(attempt)))
				cursor.Head = r.header.Head()
				return nil, false, nil
			}
			r.resyncCount.Add(1)
			cursor.Head = r.resync(cursor.Head)
			continue
		}

		var payload []byte
		delivered := false
		if frame.Serial > cursor.LastSerial {
			cursor.LastSerial = frame.Serial
			if frame.Pid != selfPid && frame.Length < r.bufferSize {
				payload = make([]byte, frame.Length+1)
				r.rbReadAt(r.advance(cursor.Head, wire.HeaderSize), payload[:frame.Length])
				delivered = true
			}
		}
		cursor.Head = r.alignHead(r.advance(cursor.Head, wire.HeaderSize+frame.Length))
		return payload, delivered, nil
	}
}

// MoveToHead walks cursor forward (variable mode only) to the start of the
// most recent message this consumer would be allowed to deliver, so the
// next Read call returns only that one message. This implements the
// skip-to-head behavior used by Get(skipToHead=true).
func (r *Ring) MoveToHead(cursor *Cursor, selfPid uint32) (bool, error) {
	if r.fixed {
		return false, fmt.Errorf("skip-to-head is not implemented for fixed-width mode")
	}

	validHead := int64(-1)
	var validSerial uint64
	curHead := cursor.Head
	curSerial := cursor.LastSerial

	for attempt := 0; r.header.Serial() != curSerial && attempt < 2; {
		hdrBuf := make([]byte, wire.HeaderSize)
		r.rbReadAt(curHead, hdrBuf)
		frame, err := wire.Decode(hdrBuf)
		if err != nil {
			return false, err
		}

		if frame.Magic != wire.Magic {
			curHead = r.resync(curHead)
			attempt++
			continue
		}

		msgHead := curHead
		if frame.Serial > curSerial {
			curSerial = frame.Serial
			if frame.Pid != selfPid && frame.Length < r.bufferSize {
				validHead = int64(msgHead)
				validSerial = frame.Serial - 1
			}
		}
		curHead = r.alignHead(r.advance(curHead, wire.HeaderSize+frame.Length))
	}

	if validHead >= 0 {
		cursor.Head = uint64(validHead)
		cursor.LastSerial = validSerial
		return true, nil
	}
	cursor.Head = curHead
	cursor.LastSerial = curSerial
	return false, nil
}

// resync scans forward from head+8, 8 bytes at a time, looking for an
// aligned frame magic. If the scan wraps all the way around without
// finding one, it surrenders and jumps to the shared write head — losing
// any undelivered messages in between. This loss is intentional per spec.
func (r *Ring) resync(head uint64) uint64 {
	if head%8 != 0 {
		r.log.Errorw("resync entered with misaligned cursor, jumping to shared head",
			zap.Uint64("head", head))
		return r.header.Head()
	}

	cur := (head + 8) % r.bufferSize
	for cur != head {
		var magicBuf [8]byte
		r.rbReadAt(cur, magicBuf[:])
		if binary.LittleEndian.Uint64(magicBuf[:]) == wire.Magic {
			return cur
		}
		cur = (cur + 8) % r.bufferSize
	}
	return r.header.Head()
}

func (r *Ring) alignHead(head uint64) uint64 {
	return wire.AlignUp8(head) % r.bufferSize
}

func (r *Ring) advance(head, n uint64) uint64 {
	return (head + n) % r.bufferSize
}

// rbWrite copies src into the data region starting at the shared write
// head, splitting the copy across the wrap point if necessary, then
// advances the shared head by len(src) bytes (mod bufferSize).
func (r *Ring) rbWrite(src []byte) {
	start := r.header.Head()
	n := uint64(len(src))
	if start+n <= r.bufferSize {
		copy(r.data[start:start+n], src)
	} else {
		chunk1 := (start + n) - r.bufferSize
		chunk0 := n - chunk1
		copy(r.data[start:start+chunk0], src[:chunk0])
		copy(r.data[0:chunk1], src[chunk0:])
	}
	r.header.SetHead((start + n) % r.bufferSize)
}

// rbReadAt copies len(dst) bytes starting at offset into dst, splitting
// the copy across the wrap point if necessary. It does not mutate any
// cursor or header state.
func (r *Ring) rbReadAt(offset uint64, dst []byte) {
	n := uint64(len(dst))
	if offset+n <= r.bufferSize {
		copy(dst, r.data[offset:offset+n])
		return
	}
	chunk1 := (offset + n) - r.bufferSize
	chunk0 := n - chunk1
	copy(dst[:chunk0], r.data[offset:offset+chunk0])
	copy(dst[chunk0:], r.data[0:chunk1])
}
