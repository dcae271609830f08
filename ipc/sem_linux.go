//go:build linux

package ipc

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// Linux semaphore control commands and flags, per <sys/sem.h>. These are not
// exported by golang.org/x/sys/unix, which stops at the raw syscall numbers
// (SYS_SEMGET/SYS_SEMOP/SYS_SEMCTL) and leaves the glibc-level wrappers
// unimplemented for every platform — see its own "// Semctl / Semget /
// Semop" placeholder comments. We call the syscalls directly instead.
const (
	semGetVal = 12
	semSetVal = 16

	// semUndo marks an operation for automatic undo when the owning process
	// exits or is killed, so a crashed lock holder doesn't wedge the bus.
	semUndo = 0x1000
)

// sembuf mirrors Linux's struct sembuf.
type sembuf struct {
	SemNum uint16
	SemOp  int16
	SemFlg int16
}

// semGroup is a handle to a System V semaphore set.
type semGroup struct {
	id int
}

// getOrCreateSemaphores returns a handle to the semaphore set for key,
// creating a set of count semaphores if one doesn't already exist. The
// returned bool reports whether the set already existed.
func getOrCreateSemaphores(key int32, count int) (semGroup, bool, error) {
	id, _, errno := unix.Syscall(unix.SYS_SEMGET, uintptr(key), uintptr(count), 0)
	if errno == 0 {
		return semGroup{id: int(id)}, true, nil
	}

	id, _, errno = unix.Syscall(unix.SYS_SEMGET, uintptr(key), uintptr(count), uintptr(unix.IPC_CREAT|0666))
	if errno != 0 {
		return semGroup{}, false, errno
	}
	return semGroup{id: int(id)}, false, nil
}

// semop performs the given operations atomically, retrying automatically on
// EINTR. Every operation is tagged with SEM_UNDO per spec: a crashing holder
// must not permanently wedge the lock.
func (g semGroup) semop(ops ...sembuf) error {
	for i := range ops {
		ops[i].SemFlg |= semUndo
	}
	for {
		_, _, errno := unix.Syscall(unix.SYS_SEMOP, uintptr(g.id), uintptr(unsafe.Pointer(&ops[0])), uintptr(len(ops)))
		if errno == 0 {
			return nil
		}
		if errno == unix.EINTR {
			continue
		}
		return errno
	}
}

// semopRaw is like semop but does not force SEM_UNDO, for the
// wait-for-zero/re-arm notification protocol, which must survive across
// process lifetimes rather than unwind on exit.
func (g semGroup) semopRaw(ops ...sembuf) error {
	for {
		_, _, errno := unix.Syscall(unix.SYS_SEMOP, uintptr(g.id), uintptr(unsafe.Pointer(&ops[0])), uintptr(len(ops)))
		if errno == 0 {
			return nil
		}
		if errno == unix.EINTR {
			continue
		}
		return errno
	}
}

// semopTimedOut is returned by semopTimed when the operation did not
// complete within the given timeout.
var semopTimedOut = unix.EAGAIN

// semopTimed is like semopRaw but bounds the wait with timeout, returning
// semopTimedOut if it expires. This is what lets WaitForNotification honor
// context cancellation: the original blocks on a plain semop indefinitely
// and relies on process signals to break out (spec §5); Go's idiom is a
// cancellable context, so we poll with SYS_SEMTIMEDOP instead.
func (g semGroup) semopTimed(timeout unix.Timespec, ops ...sembuf) error {
	for {
		_, _, errno := unix.Syscall6(unix.SYS_SEMTIMEDOP,
			uintptr(g.id), uintptr(unsafe.Pointer(&ops[0])), uintptr(len(ops)),
			uintptr(unsafe.Pointer(&timeout)), 0, 0)
		if errno == 0 {
			return nil
		}
		if errno == unix.EINTR {
			continue
		}
		return errno
	}
}

// setVal sets the value of semaphore index to v, retrying on EINTR.
func (g semGroup) setVal(index int, v int) error {
	for {
		_, _, errno := unix.Syscall6(unix.SYS_SEMCTL, uintptr(g.id), uintptr(index), semSetVal, uintptr(v), 0, 0)
		if errno == 0 {
			return nil
		}
		if errno == unix.EINTR {
			continue
		}
		return errno
	}
}

// getVal returns the current value of semaphore index.
func (g semGroup) getVal(index int) (int, error) {
	r1, _, errno := unix.Syscall6(unix.SYS_SEMCTL, uintptr(g.id), uintptr(index), semGetVal, 0, 0, 0)
	if errno != 0 {
		return 0, errno
	}
	return int(r1), nil
}
