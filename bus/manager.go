package bus

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// pendingPost is one queued message awaiting the manager's next batch flush.
type pendingPost struct {
	bus     *EventBus
	payload []byte
}

// Manager batches posts across any number of buses opened through it,
// flushing them from a single background goroutine so producers never block
// on a bus's write lock on the calling goroutine. This mirrors the
// original's EventBusManager, which exists so many independent emitters in
// one process don't each pay the cost of taking a kernel semaphore per
// message.
//
// Buses are tracked by the manager only for as long as they have pending
// posts; Go's GC retires the EventBus itself once the caller drops its last
// reference, so there is no analogue of the original's explicit refcounting
// needed here.
type Manager struct {
	log *zap.SugaredLogger

	mu      sync.Mutex
	cond    *sync.Cond
	pending []pendingPost
	closed  bool
}

// NewManager constructs a Manager. Call Run to start its background flush
// loop before posting through it.
func NewManager(opts ...Option) *Manager {
	o := newOptions()
	for _, opt := range opts {
		opt(o)
	}
	m := &Manager{log: o.log}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// Post queues payload for b and returns immediately without waiting for the
// flush. Errors from the eventual post are only observable via logging,
// same as the original's fire-and-forget async post.
func (m *Manager) Post(b *EventBus, payload []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.pending = append(m.pending, pendingPost{bus: b, payload: payload})
	m.cond.Signal()
}

// Run starts the manager's flush loop and blocks until ctx is canceled,
// draining any final pending posts before returning. Callers typically run
// this inside an errgroup alongside the rest of a process's background work.
func (m *Manager) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		m.mu.Lock()
		m.closed = true
		m.cond.Broadcast()
		m.mu.Unlock()
		return nil
	})
	g.Go(func() error {
		m.flushLoop()
		return nil
	})
	return g.Wait()
}

func (m *Manager) flushLoop() {
	for {
		m.mu.Lock()
		for len(m.pending) == 0 && !m.closed {
			m.cond.Wait()
		}
		if len(m.pending) == 0 && m.closed {
			m.mu.Unlock()
			return
		}
		batch := m.pending
		m.pending = nil
		done := m.closed
		m.mu.Unlock()

		m.flushBatch(batch)

		if done {
			return
		}
	}
}

// flushBatch groups the batch by destination bus so each bus pays for one
// write-lock acquisition regardless of how many messages were queued for it,
// matching the original's post_many batching.
func (m *Manager) flushBatch(batch []pendingPost) {
	groups := make(map[*EventBus][][]byte)
	order := make([]*EventBus, 0, len(batch))
	for _, p := range batch {
		if _, ok := groups[p.bus]; !ok {
			order = append(order, p.bus)
		}
		groups[p.bus] = append(groups[p.bus], p.payload)
	}

	for _, b := range order {
		payloads := groups[b]
		posted, err := b.PostMany(context.Background(), payloads)
		if err != nil {
			m.log.Errorw("async post failed", "error", err, "queued", len(payloads))
			continue
		}
		if posted != len(payloads) {
			m.log.Warnw("async post dropped oversized messages",
				"queued", len(payloads), "posted", posted)
		}
	}
}

// AddBus is a convenience wrapper that returns a closure bound to Post on
// an already opened bus, for callers that want a simple send function
// rather than passing the *EventBus on every call.
func (m *Manager) AddBus(b *EventBus) func(payload []byte) {
	return func(payload []byte) {
		m.Post(b, payload)
	}
}
