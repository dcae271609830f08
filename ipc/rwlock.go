package ipc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// notifyPollInterval bounds how long each WaitForNotification poll blocks
// before rechecking ctx. Keeping it short makes context cancellation feel
// immediate without busy-spinning.
const notifyPollInterval = 200 * time.Millisecond

// Semaphore indices within a bus's 4-semaphore group.
const (
	semNotify   = 0
	semNRead    = 1
	semNWrite   = 2
	semCanWrite = 3
)

// lockState tracks what, if anything, the calling process currently holds.
type lockState int

const (
	lockNone lockState = iota
	lockRead
	lockWrite
)

// Group is a System V semaphore set backing one bus: a notification
// semaphore at index 0, plus three semaphores implementing a cross-process
// readers-writer lock at indices 1-3 (n_read, n_write, can_write).
//
// The kernel semaphores alone only provide a process-scoped reservation
// (via SEM_UNDO); a per-process mutex+condvar on top keeps a single
// process's goroutines from racing to take the lock from multiple threads
// at once, which would corrupt the SEM_UNDO bookkeeping. Per spec this
// also means only one goroutine in a process can hold a read lock at a
// time — an accepted restriction, not relaxed here.
type Group struct {
	sem semGroup

	mu    sync.Mutex
	cond  *sync.Cond
	state lockState
}

// OpenGroup attaches to (or creates) the 4-semaphore group identified by
// key. The returned bool reports whether the group already existed.
func OpenGroup(key int32) (*Group, bool, error) {
	sem, existed, err := getOrCreateSemaphores(key, 4)
	if err != nil {
		return nil, false, fmt.Errorf("get semaphore group: %w", err)
	}

	g := &Group{sem: sem}
	g.cond = sync.NewCond(&g.mu)
	return g, existed, nil
}

// Init writes the lock's initial semaphore values: n_read=0, n_write=0,
// can_write=1. Only the bus creator calls this, during force-init.
func (g *Group) Init() error {
	if err := g.sem.setVal(semNRead, 0); err != nil {
		return fmt.Errorf("init n_read: %w", err)
	}
	if err := g.sem.setVal(semNWrite, 0); err != nil {
		return fmt.Errorf("init n_write: %w", err)
	}
	if err := g.sem.setVal(semCanWrite, 1); err != nil {
		return fmt.Errorf("init can_write: %w", err)
	}
	return nil
}

// ReadLock takes a cross-process read lock: +1 on n_read, then wait for
// n_write == 0, evaluated as one atomic semaphore operation.
func (g *Group) ReadLock() error {
	g.mu.Lock()
	for g.state != lockNone {
		g.cond.Wait()
	}
	err := g.sem.semop(
		sembuf{SemNum: semNRead, SemOp: 1},
		sembuf{SemNum: semNWrite, SemOp: 0},
	)
	if err == nil {
		g.state = lockRead
	}
	g.mu.Unlock()
	return err
}

// WriteLock takes a cross-process write lock: wait for n_read == 0, +1 on
// n_write, -1 on can_write, evaluated as one atomic semaphore operation.
func (g *Group) WriteLock() error {
	g.mu.Lock()
	for g.state != lockNone {
		g.cond.Wait()
	}
	err := g.sem.semop(
		sembuf{SemNum: semNRead, SemOp: 0},
		sembuf{SemNum: semNWrite, SemOp: 1},
		sembuf{SemNum: semCanWrite, SemOp: -1},
	)
	if err == nil {
		g.state = lockWrite
	}
	g.mu.Unlock()
	return err
}

// Unlock releases whichever lock is currently held.
func (g *Group) Unlock() error {
	g.mu.Lock()
	defer func() {
		g.state = lockNone
		g.cond.Broadcast()
		g.mu.Unlock()
	}()

	switch g.state {
	case lockRead:
		return g.sem.semop(sembuf{SemNum: semNRead, SemOp: -1})
	case lockWrite:
		return g.sem.semop(
			sembuf{SemNum: semNWrite, SemOp: -1},
			sembuf{SemNum: semCanWrite, SemOp: 1},
		)
	default:
		return fmt.Errorf("unlock called with no lock held")
	}
}

// Notify pulses the notification semaphore, waking every process currently
// blocked in WaitForNotification. Callers must hold no lock when calling
// this; it is invoked after the write lock has been released.
func (g *Group) Notify() error {
	return g.sem.setVal(semNotify, 0)
}

// WaitForNotification blocks until the notification semaphore reads zero,
// then immediately re-arms it by incrementing back to (at least) one so the
// next wait blocks again.
//
// The re-arm step is a known-lossy broadcast: if another producer pulses
// the semaphore between our wakeup and our re-arm, that pulse is absorbed
// without waking anyone else. Callers compensate by treating every wakeup —
// spurious or not — as a cue to recheck header.serial under the read lock,
// per spec.
func (g *Group) WaitForNotification(ctx context.Context) error {
	ts := unix.NsecToTimespec(notifyPollInterval.Nanoseconds())
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := g.sem.semopTimed(ts, sembuf{SemNum: semNotify, SemOp: 0})
		if err == nil {
			break
		}
		if err == semopTimedOut {
			continue
		}
		return fmt.Errorf("wait for notification: %w", err)
	}

	if err := g.sem.semopRaw(sembuf{SemNum: semNotify, SemOp: 1}); err != nil {
		return fmt.Errorf("re-arm notification: %w", err)
	}
	return nil
}

// Dump renders the group's four semaphore values for diagnostics.
func (g *Group) Dump() string {
	vals := make([]int, 4)
	for i := range vals {
		v, err := g.sem.getVal(i)
		if err != nil {
			return fmt.Sprintf("failed to read semaphore %d: %v", i, err)
		}
		vals[i] = v
	}
	return fmt.Sprintf("notify=%d n_read=%d n_write=%d can_write=%d", vals[0], vals[1], vals[2], vals[3])
}
