// Package bus implements the event bus: a shared-memory message ring with a
// cross-process readers-writer lock and notification semaphore, addressed by
// a filesystem path or a pair of raw System V IPC keys.
package bus

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/yanet-platform/shmbus/ipc"
	"github.com/yanet-platform/shmbus/ring"
)

// EventBus is one process's handle onto a shared-memory message bus. A
// handle is not safe for concurrent use by multiple goroutines: callers
// needing concurrent posts and reads should open one handle per goroutine,
// or serialize access themselves, same as the original's single-threaded
// client contract.
type EventBus struct {
	pid   uint32
	keys  ipc.Keys
	group *ipc.Group
	seg   *ipc.Segment
	hdr   ring.Header
	ring  *ring.Ring

	cursor ring.Cursor

	log   *zap.SugaredLogger
	valid bool
}

// Open attaches to (or creates) the bus identified by path, deriving its
// IPC keys with ipc.DeriveKeys. numItems and itemSize select fixed-width
// (numItems > 0) or variable-width (numItems == 0) mode when the bus does
// not already exist; an existing bus's stored dimensions always win.
func Open(ctx context.Context, path string, numItems, itemSize uint64, opts ...Option) (*EventBus, error) {
	keys, err := ipc.DeriveKeys(path)
	if err != nil {
		return nil, fmt.Errorf("open bus %q: %w", path, err)
	}
	return OpenWithKeys(ctx, keys, numItems, itemSize, opts...)
}

// OpenWithKeys is Open for callers that already hold the bus's raw IPC keys,
// e.g. a CLI flag pair or a key recovered from a prior Dump.
func OpenWithKeys(ctx context.Context, keys ipc.Keys, numItems, itemSize uint64, opts ...Option) (*EventBus, error) {
	o := newOptions()
	for _, opt := range opts {
		opt(o)
	}
	pid := o.pid
	if pid == 0 {
		pid = uint32(os.Getpid())
	}

	group, existedSem, err := ipc.OpenGroup(keys.Sem)
	if err != nil {
		return nil, fmt.Errorf("open bus: %w", err)
	}
	forceInit := !existedSem

	bufSize := ring.BufferSize(numItems, itemSize)
	seg, err := ipc.AcquireSegment(ctx, keys.Shm, int(bufSize), ring.HeaderSize)
	if err != nil {
		return nil, fmt.Errorf("open bus: %w", err)
	}
	forceInit = forceInit || seg.Forced

	hdr := ring.NewHeader(seg.Base)
	if forceInit {
		hdr.Zero()
		hdr.SetNumItems(numItems)
		hdr.SetItemSize(itemSize)
		if err := group.Init(); err != nil {
			_ = seg.Release()
			return nil, fmt.Errorf("open bus: %w", err)
		}
		o.log.Infow("initialized bus", "sem_key", keys.Sem, "shm_key", keys.Shm,
			"num_items", numItems, "item_size", itemSize)
	} else {
		numItems = hdr.NumItems()
		itemSize = hdr.ItemSize()
	}

	r := ring.New(seg.Data, hdr, numItems, itemSize, o.log)

	if err := group.ReadLock(); err != nil {
		_ = seg.Release()
		return nil, fmt.Errorf("open bus: initial cursor read: %w", err)
	}
	cursor := ring.Cursor{Head: hdr.Head(), LastSerial: hdr.Serial()}
	if err := group.Unlock(); err != nil {
		_ = seg.Release()
		return nil, fmt.Errorf("open bus: initial cursor read: %w", err)
	}

	return &EventBus{
		pid:    pid,
		keys:   keys,
		group:  group,
		seg:    seg,
		hdr:    hdr,
		ring:   r,
		cursor: cursor,
		log:    o.log,
		valid:  true,
	}, nil
}

// Close detaches the bus's shared-memory segment. It does not remove the
// underlying kernel objects: other processes may still be attached.
func (b *EventBus) Close() error {
	if !b.valid {
		return nil
	}
	b.valid = false
	if err := b.seg.Release(); err != nil {
		return fmt.Errorf("close bus: %w", err)
	}
	return nil
}

// ResetLocks forcibly reinitializes the bus's lock semaphores to their
// unlocked state (n_read=0, n_write=0, can_write=1), regardless of whether
// the bus already existed. This backs the CLI's --init-locks flag, which
// recovers a bus wedged by a holder that died without SEM_UNDO cleanup (a
// crashed signal handler, a container killed with SIGKILL under a PID
// namespace it didn't own). It does not touch the message ring itself.
func (b *EventBus) ResetLocks() error {
	return b.group.Init()
}

// Post appends payload to the bus and wakes any blocked readers. The
// returned bool is false, with a nil error, when payload does not fit the
// bus's configured message size and was silently dropped, matching spec.
func (b *EventBus) Post(ctx context.Context, payload []byte) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := b.group.WriteLock(); err != nil {
		return false, fmt.Errorf("post: %w", err)
	}
	ok, writeErr := b.ring.Write(b.pid, nowSeconds(), payload)
	unlockErr := b.group.Unlock()
	if writeErr != nil {
		return false, fmt.Errorf("post: %w", writeErr)
	}
	if unlockErr != nil {
		return false, fmt.Errorf("post: %w", unlockErr)
	}
	if !ok {
		return false, nil
	}
	if err := b.group.Notify(); err != nil {
		return true, fmt.Errorf("post: notify: %w", err)
	}
	return true, nil
}

// PostMany appends every payload under a single write-lock acquisition,
// notifying readers once at the end. It returns the number of payloads that
// fit and were posted; payloads that didn't fit are skipped, not an error.
func (b *EventBus) PostMany(ctx context.Context, payloads [][]byte) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := b.group.WriteLock(); err != nil {
		return 0, fmt.Errorf("post many: %w", err)
	}

	posted := 0
	var writeErr error
	ts := nowSeconds()
	for _, payload := range payloads {
		ok, err := b.ring.Write(b.pid, ts, payload)
		if err != nil {
			writeErr = err
			break
		}
		if ok {
			posted++
		}
	}

	unlockErr := b.group.Unlock()
	if writeErr != nil {
		return posted, fmt.Errorf("post many: %w", writeErr)
	}
	if unlockErr != nil {
		return posted, fmt.Errorf("post many: %w", unlockErr)
	}
	if posted > 0 {
		if err := b.group.Notify(); err != nil {
			return posted, fmt.Errorf("post many: notify: %w", err)
		}
	}
	return posted, nil
}

// Get blocks until a message this handle has not yet seen and did not
// itself produce becomes available, then returns it. If skipToHead is true
// and the consumer is behind, intervening messages are discarded and only
// the newest is delivered — skipToHead is rejected with an error in
// fixed-width mode, matching the original, which never implemented it there.
func (b *EventBus) Get(ctx context.Context, skipToHead bool) ([]byte, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := b.group.ReadLock(); err != nil {
			return nil, fmt.Errorf("get: %w", err)
		}

		if b.hdr.Serial() == b.cursor.LastSerial {
			if err := b.group.Unlock(); err != nil {
				return nil, fmt.Errorf("get: %w", err)
			}
			if err := b.group.WaitForNotification(ctx); err != nil {
				return nil, fmt.Errorf("get: %w", err)
			}
			continue
		}

		if skipToHead {
			if _, err := b.ring.MoveToHead(&b.cursor, b.pid); err != nil {
				_ = b.group.Unlock()
				return nil, fmt.Errorf("get: %w", err)
			}
		}

		payload, delivered, err := b.ring.Read(&b.cursor, b.pid)
		unlockErr := b.group.Unlock()
		if err != nil {
			return nil, fmt.Errorf("get: %w", err)
		}
		if unlockErr != nil {
			return nil, fmt.Errorf("get: %w", unlockErr)
		}
		if delivered {
			return payload, nil
		}
		// Message belonged to us or was overrun; loop and check again
		// without waiting, since the header serial may already have
		// advanced further.
	}
}

// GetMany drains every currently available message this handle has not yet
// seen and did not itself produce, blocking until at least one such message
// exists. It never skips to head regardless of backlog size.
func (b *EventBus) GetMany(ctx context.Context) ([][]byte, error) {
	first, err := b.Get(ctx, false)
	if err != nil {
		return nil, err
	}
	out := [][]byte{first}

	for {
		if err := b.group.ReadLock(); err != nil {
			return out, fmt.Errorf("get many: %w", err)
		}
		if b.hdr.Serial() == b.cursor.LastSerial {
			if err := b.group.Unlock(); err != nil {
				return out, fmt.Errorf("get many: %w", err)
			}
			return out, nil
		}

		headBefore := b.cursor.Head
		serialBefore := b.cursor.LastSerial
		payload, delivered, err := b.ring.Read(&b.cursor, b.pid)
		unlockErr := b.group.Unlock()
		if err != nil {
			return out, fmt.Errorf("get many: %w", err)
		}
		if unlockErr != nil {
			return out, fmt.Errorf("get many: %w", unlockErr)
		}
		if delivered {
			out = append(out, payload)
			continue
		}
		// Stop once the cursor stops advancing at all: Read may reset
		// b.cursor.Head back to the shared write head without moving
		// LastSerial when it hits corruption it cannot resync past,
		// which would otherwise spin forever on the same unreadable data.
		if b.cursor.Head == headBefore && b.cursor.LastSerial == serialBefore {
			return out, nil
		}
	}
}

// GetExtraHeaderArea returns a view into the n bytes of unsynchronized
// scratch space available past the bus's own fields in the shared header,
// for application-defined metadata. Callers are responsible for their own
// concurrency control over this region; the bus never reads or writes it.
func (b *EventBus) GetExtraHeaderArea(n int) ([]byte, error) {
	area, ok := b.hdr.Extra(n)
	if !ok {
		return nil, fmt.Errorf("get extra header area: %d bytes exceeds available space", n)
	}
	return area, nil
}

// Stats summarizes a bus handle's state for diagnostics.
type Stats struct {
	SemKey      int32
	ShmKey      int32
	HeadSerial  uint64
	CursorAt    uint64
	LastSerial  uint64
	ResyncCount uint64
}

// Stats returns a snapshot of this handle's bus and cursor state.
func (b *EventBus) Stats() Stats {
	return Stats{
		SemKey:      b.keys.Sem,
		ShmKey:      b.keys.Shm,
		HeadSerial:  b.hdr.Serial(),
		CursorAt:    b.cursor.Head,
		LastSerial:  b.cursor.LastSerial,
		ResyncCount: b.ring.ResyncCount(),
	}
}

// Dump renders the bus's segment, lock, and cursor state for the CLI's
// --dump flag.
func (b *EventBus) Dump() string {
	return fmt.Sprintf("%s\nlocks: %s\ncursor: head=%d last_serial=%d resyncs=%d",
		b.seg.Dump(), b.group.Dump(), b.cursor.Head, b.cursor.LastSerial, b.ring.ResyncCount())
}

func nowSeconds() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}
