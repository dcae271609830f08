package bus

import "go.uber.org/zap"

type options struct {
	log *zap.SugaredLogger
	pid uint32
}

func newOptions() *options {
	return &options{
		log: zap.NewNop().Sugar(),
	}
}

// Option configures an EventBus or Manager at construction time.
type Option func(*options)

// WithLog sets the logger used for bus lifecycle and diagnostic events.
func WithLog(log *zap.SugaredLogger) Option {
	return func(o *options) {
		o.log = log
	}
}

// WithPID overrides the process identifier a bus tags its own posts with
// and uses for self-filtering on read. It defaults to os.Getpid().
//
// This exists so tests can open two EventBus handles against the same keys
// from a single test process and still exercise cross-process self-filter
// and delivery semantics — spec's scenarios (S1-S6) assume literal separate
// OS processes, which a single Go test binary cannot reproduce directly.
func WithPID(pid uint32) Option {
	return func(o *options) {
		o.pid = pid
	}
}
