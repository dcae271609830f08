package ring

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/yanet-platform/shmbus/wire"
)

func newVariableRing(t *testing.T, capacity uint64) *Ring {
	t.Helper()
	hdrBuf := make([]byte, HeaderSize)
	data := make([]byte, capacity)
	h := NewHeader(hdrBuf)
	h.SetNumItems(0)
	h.SetItemSize(capacity)
	return New(data, h, 0, capacity, zaptest.NewLogger(t).Sugar())
}

func newFixedRing(t *testing.T, numItems, itemSize uint64) *Ring {
	t.Helper()
	hdrBuf := make([]byte, HeaderSize)
	data := make([]byte, BufferSize(numItems, itemSize))
	h := NewHeader(hdrBuf)
	h.SetNumItems(numItems)
	h.SetItemSize(itemSize)
	return New(data, h, numItems, itemSize, zaptest.NewLogger(t).Sugar())
}

func TestVariableWriteRead(t *testing.T) {
	r := newVariableRing(t, 4096)

	ok, err := r.Write(100, 1.0, []byte("hello"))
	require.NoError(t, err)
	require.True(t, ok)

	var cursor Cursor
	payload, delivered, err := r.Read(&cursor, 200)
	require.NoError(t, err)
	require.True(t, delivered)
	assert.Equal(t, "hello\x00", string(payload))
}

func TestVariableSelfFilter(t *testing.T) {
	r := newVariableRing(t, 4096)

	ok, err := r.Write(100, 1.0, []byte("mine"))
	require.NoError(t, err)
	require.True(t, ok)

	var cursor Cursor
	payload, delivered, err := r.Read(&cursor, 100)
	require.NoError(t, err)
	assert.False(t, delivered)
	assert.Nil(t, payload)
	// the cursor still advances past the self-produced message
	assert.Equal(t, uint64(1), cursor.LastSerial)
}

func TestVariableMultipleMessages(t *testing.T) {
	r := newVariableRing(t, 4096)

	for _, msg := range []string{"one", "two", "three"} {
		ok, err := r.Write(1, 1.0, []byte(msg))
		require.NoError(t, err)
		require.True(t, ok)
	}

	var cursor Cursor
	var got []string
	for range 3 {
		payload, delivered, err := r.Read(&cursor, 2)
		require.NoError(t, err)
		require.True(t, delivered)
		got = append(got, string(payload[:len(payload)-1]))
	}
	assert.Equal(t, []string{"one", "two", "three"}, got)
}

func TestVariableOversizedWriteRejected(t *testing.T) {
	r := newVariableRing(t, 64)

	ok, err := r.Write(1, 1.0, make([]byte, 1024))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVariableWraparound(t *testing.T) {
	// Small enough that a handful of messages force the write head to wrap.
	r := newVariableRing(t, 128)

	var cursor Cursor
	for i := range 10 {
		ok, err := r.Write(1, float64(i), []byte{byte(i)})
		require.NoError(t, err)
		require.True(t, ok)

		payload, delivered, err := r.Read(&cursor, 2)
		require.NoError(t, err)
		require.True(t, delivered)
		assert.Equal(t, []byte{byte(i), 0}, payload)
	}
}

func TestVariableResyncOnCorruption(t *testing.T) {
	r := newVariableRing(t, 256)

	ok, err := r.Write(1, 1.0, []byte("abc"))
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = r.Write(1, 2.0, []byte("defg"))
	require.NoError(t, err)
	require.True(t, ok)

	// Corrupt the first frame's magic so a reader starting at offset 0 must
	// resync past it to find the second message.
	r.data[0] = 0xff

	var cursor Cursor
	payload, delivered, err := r.Read(&cursor, 2)
	require.NoError(t, err)
	require.True(t, delivered)
	assert.Equal(t, "defg\x00", string(payload))
	assert.Equal(t, uint64(1), r.ResyncCount())
}

func TestFixedWriteRead(t *testing.T) {
	// 3 writes into 4 slots: Write advances the head before writing, so they
	// land in slots 1-3 and slot 0 stays empty. A cursor starting at the
	// initial head first passes over slot 0 without delivering, then reads
	// all three in order. Writing a 4th would overwrite slot 0 with the
	// newest serial before a fresh cursor ever reaches the others.
	r := newFixedRing(t, 4, 16)

	for i := range 3 {
		ok, err := r.Write(1, float64(i), []byte{byte(i)})
		require.NoError(t, err)
		require.True(t, ok)
	}

	var cursor Cursor
	payload, delivered, err := r.Read(&cursor, 2)
	require.NoError(t, err)
	require.False(t, delivered)
	require.Nil(t, payload)

	for i := range 3 {
		payload, delivered, err := r.Read(&cursor, 2)
		require.NoError(t, err)
		require.True(t, delivered)
		assert.Equal(t, byte(i), payload[0])
	}
}

func TestFixedOversizedWriteRejected(t *testing.T) {
	r := newFixedRing(t, 4, 8)

	ok, err := r.Write(1, 1.0, make([]byte, 64))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMoveToHeadRejectedInFixedMode(t *testing.T) {
	r := newFixedRing(t, 4, 16)
	var cursor Cursor
	_, err := r.MoveToHead(&cursor, 1)
	assert.Error(t, err)
}

func TestMoveToHeadSkipsToNewest(t *testing.T) {
	r := newVariableRing(t, 4096)

	for _, msg := range []string{"old", "older", "newest"} {
		ok, err := r.Write(1, 1.0, []byte(msg))
		require.NoError(t, err)
		require.True(t, ok)
	}

	var cursor Cursor
	moved, err := r.MoveToHead(&cursor, 2)
	require.NoError(t, err)
	require.True(t, moved)

	payload, delivered, err := r.Read(&cursor, 2)
	require.NoError(t, err)
	require.True(t, delivered)
	assert.Equal(t, "newest\x00", string(payload))
}

func TestBufferSize(t *testing.T) {
	assert.Equal(t, uint64(1024), BufferSize(0, 1024))
	assert.Equal(t, (16+wire.HeaderSize)*4, int(BufferSize(4, 16)))
}
