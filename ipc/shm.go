package ipc

import (
	"context"
	"errors"
	"fmt"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sys/unix"
)

// ErrNoDimensions is returned by AcquireSegment when the segment doesn't
// exist yet and the caller passed a zero buffer size, so there is nothing
// to create.
var ErrNoDimensions = errors.New("shared memory segment does not exist and no size was given")

// Segment is a System V shared-memory segment, optionally offset past a
// fixed header region reserved for bus metadata.
type Segment struct {
	key    int32
	id     int
	Base   []byte // the full mapped segment
	Data   []byte // Base[headerBytes:]
	Forced bool   // true if this Acquire call created (force-initialized) the segment
}

// AcquireSegment attaches to the shared-memory segment identified by key. If
// no such segment exists, it is created with size headerBytes+bufferSize and
// Segment.Forced is set so the caller knows to zero and initialize it.
//
// If bufferSize is zero and no segment exists yet, acquisition fails: the
// caller has no way to size a segment it didn't ask to create.
func AcquireSegment(ctx context.Context, key int32, bufferSize, headerBytes int) (*Segment, error) {
	id, existed, err := getOrCreateSegment(ctx, key, bufferSize, headerBytes)
	if err != nil {
		return nil, err
	}

	base, err := unix.SysvShmAttach(id, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("attach shared memory segment %d: %w", id, err)
	}

	return &Segment{
		key:    key,
		id:     id,
		Base:   base,
		Data:   base[headerBytes:],
		Forced: !existed,
	}, nil
}

// getOrCreateSegment returns the shmid for key, creating it if absent. The
// returned bool reports whether the segment already existed.
func getOrCreateSegment(ctx context.Context, key int32, bufferSize, headerBytes int) (id int, existed bool, err error) {
	id, err = unix.SysvShmGet(int(key), 0, 0)
	if err == nil {
		return id, true, nil
	}

	if bufferSize == 0 {
		return 0, false, ErrNoDimensions
	}

	size := headerBytes + bufferSize

	// Two processes may race to create the segment for a brand new bus, or a
	// stale segment of the wrong size may be left behind. If our creation
	// attempt fails, retry a bounded number of times rather than failing the
	// whole Open.
	op := func() (int, error) {
		id, createErr := unix.SysvShmGet(int(key), size, unix.IPC_CREAT|0666)
		if createErr == nil {
			return id, nil
		}

		// Destroy a conflicting pre-existing segment (e.g. wrong size from a
		// previous run with different dimensions) and retry once, matching
		// the original's "delete existing and make new" recovery.
		if existingID, statErr := unix.SysvShmGet(int(key), 0, 0); statErr == nil {
			_, _ = unix.SysvShmCtl(existingID, unix.IPC_RMID, nil)
		}

		id, createErr = unix.SysvShmGet(int(key), size, unix.IPC_CREAT|0666)
		if createErr != nil {
			return 0, fmt.Errorf("create shared memory segment: %w", createErr)
		}
		return id, nil
	}

	id, err = backoff.Retry(ctx, op, backoff.WithMaxTries(3))
	if err != nil {
		return 0, false, err
	}
	return id, false, nil
}

// Release detaches the segment. It does not destroy the underlying kernel
// object; System V shared memory persists until removed by external
// administrative action.
func (s *Segment) Release() error {
	if s == nil || s.Base == nil {
		return nil
	}
	err := unix.SysvShmDetach(s.Base)
	s.Base, s.Data = nil, nil
	return err
}

// Dump renders the segment's identity for diagnostics.
func (s *Segment) Dump() string {
	return fmt.Sprintf("shmid=%d key=%d size=%d forced=%v", s.id, s.key, len(s.Base), s.Forced)
}
