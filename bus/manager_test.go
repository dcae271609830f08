package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"
)

func TestManagerFlushesQueuedPosts(t *testing.T) {
	path := testBusPath(t)
	producer := openTestBus(t, path, 1, 0, 4096)
	consumer := openTestBus(t, path, 2, 0, 4096)

	m := NewManager(WithLog(zaptest.NewLogger(t).Sugar()))

	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return m.Run(ctx) })

	m.Post(producer, []byte("queued-one"))
	m.Post(producer, []byte("queued-two"))

	getCtx, getCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer getCancel()
	msgs, err := consumer.GetMany(getCtx)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, "queued-one\x00", string(msgs[0]))
	require.Equal(t, "queued-two\x00", string(msgs[1]))

	cancel()
	require.NoError(t, g.Wait())
}

func TestManagerStopsOnContextCancel(t *testing.T) {
	m := NewManager()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

func TestAddBusReturnsBoundSender(t *testing.T) {
	path := testBusPath(t)
	producer := openTestBus(t, path, 1, 0, 4096)
	consumer := openTestBus(t, path, 2, 0, 4096)

	m := NewManager(WithLog(zaptest.NewLogger(t).Sugar()))
	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return m.Run(ctx) })

	send := m.AddBus(producer)
	send([]byte("via-closure"))

	getCtx, getCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer getCancel()
	msg, err := consumer.Get(getCtx, false)
	require.NoError(t, err)
	require.Equal(t, "via-closure\x00", string(msg))

	cancel()
	require.NoError(t, g.Wait())
}
