// Package ipc implements the System V IPC primitives the bus is built on:
// key derivation from a filesystem path, the shared-memory segment, and the
// semaphore-backed cross-process readers-writer lock.
package ipc

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Keys holds the two System V IPC keys derived from a bus's identity path.
// One selects the semaphore group, the other the shared-memory segment.
type Keys struct {
	Sem int32
	Shm int32
}

// projSem and projShm are the proj-id bytes used to derive Keys.Sem and
// Keys.Shm from the same path, matching the original's two ftok(path, 1)
// and ftok(path, 2) calls.
const (
	projSem = 1
	projShm = 2
)

// DeriveKeys computes the semaphore and shared-memory keys for path. The
// path must already exist; it is never created or written to, only stat'd.
//
// This reimplements ftok(3) directly since golang.org/x/sys/unix does not
// wrap it: key = proj_id<<24 | (dev&0xff)<<16 | (ino&0xffff).
func DeriveKeys(path string) (Keys, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return Keys{}, fmt.Errorf("stat %q: %w", path, err)
	}

	return Keys{
		Sem: ftok(st, projSem),
		Shm: ftok(st, projShm),
	}, nil
}

func ftok(st unix.Stat_t, projID byte) int32 {
	dev := uint32(st.Dev)
	ino := uint32(st.Ino)
	return int32(uint32(projID)<<24 | (dev&0xff)<<16 | (ino & 0xffff))
}
