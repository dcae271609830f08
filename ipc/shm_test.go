package ipc

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func testShmKey(t *testing.T) int32 {
	t.Helper()
	return int32(uint32(time.Now().UnixNano()>>8) & 0x3fffffff)
}

func cleanupSegment(t *testing.T, s *Segment) {
	t.Helper()
	id := s.id
	t.Cleanup(func() {
		_ = s.Release()
		_, _ = unix.SysvShmCtl(id, unix.IPC_RMID, nil)
	})
}

func TestAcquireSegmentCreatesThenAttaches(t *testing.T) {
	key := testShmKey(t)
	ctx := context.Background()

	s1, err := AcquireSegment(ctx, key, 4096, 128)
	require.NoError(t, err)
	cleanupSegment(t, s1)
	require.True(t, s1.Forced)
	require.Len(t, s1.Base, 4096+128)
	require.Len(t, s1.Data, 4096)

	s2, err := AcquireSegment(ctx, key, 0, 128)
	require.NoError(t, err)
	require.False(t, s2.Forced)
	require.Equal(t, len(s1.Base), len(s2.Base))
	require.NoError(t, s2.Release())
}

func TestAcquireSegmentFailsWithoutDimensions(t *testing.T) {
	key := testShmKey(t)
	ctx := context.Background()

	_, err := AcquireSegment(ctx, key, 0, 128)
	require.ErrorIs(t, err, ErrNoDimensions)
}

func TestSegmentDataIsSharedAcrossAttachments(t *testing.T) {
	key := testShmKey(t)
	ctx := context.Background()

	s1, err := AcquireSegment(ctx, key, 64, 0)
	require.NoError(t, err)
	cleanupSegment(t, s1)

	s2, err := AcquireSegment(ctx, key, 0, 0)
	require.NoError(t, err)
	defer s2.Release()

	copy(s1.Data, []byte("hello"))
	require.Equal(t, "hello", string(s2.Data[:5]))
}
