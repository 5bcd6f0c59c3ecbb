package adapter

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roffe/canbus"
)

var ErrDroppedFrame = errors.New("receive queue full, frame dropped")

const defaultQueueSize = 1024

// BaseAdapter holds the receive queue and the close bookkeeping shared by
// the transports in this package. Reader goroutines push with deliver and
// report asynchronous failures with setError or fail.
type BaseAdapter struct {
	name    string
	channel string
	log     *slog.Logger

	recv  chan canbus.Frame
	err   chan error
	close chan struct{}
	once  sync.Once

	closed atomic.Bool
	failed atomic.Pointer[error]
	state  atomic.Int32

	dropped atomic.Uint64
}

func NewBaseAdapter(name string, cfg *canbus.Config) *BaseAdapter {
	queue, err := cfg.IntOption("queue", defaultQueueSize)
	if err != nil || queue <= 0 {
		queue = defaultQueueSize
	}
	return &BaseAdapter{
		name:    name,
		channel: cfg.Channel,
		log:     cfg.Log().With("adapter", name, "channel", cfg.Channel),
		recv:    make(chan canbus.Frame, queue),
		err:     make(chan error, 10),
		close:   make(chan struct{}),
	}
}

func (base *BaseAdapter) Name() string {
	return base.name
}

// Recv implements canbus.Transport.
func (base *BaseAdapter) Recv(timeout time.Duration) (*canbus.Frame, error) {
	if base.closed.Load() {
		return nil, canbus.NewClosedError("recv")
	}
	select {
	case f := <-base.recv:
		return &f, nil
	case err := <-base.err:
		return nil, err
	default:
	}
	if errp := base.failed.Load(); errp != nil {
		return nil, *errp
	}
	if timeout == 0 {
		return nil, nil
	}

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}
	select {
	case f := <-base.recv:
		return &f, nil
	case err := <-base.err:
		return nil, err
	case <-base.close:
		return nil, canbus.NewClosedError("recv")
	case <-timer:
		return nil, nil
	}
}

func (base *BaseAdapter) State() canbus.BusState {
	return canbus.BusState(base.state.Load())
}

func (base *BaseAdapter) setState(s canbus.BusState) {
	if old := canbus.BusState(base.state.Swap(int32(s))); old != s {
		base.log.Info("bus state changed", "from", old, "to", s)
	}
}

// deliver stamps f and queues it for Recv. A full queue drops the frame.
func (base *BaseAdapter) deliver(f canbus.Frame) {
	if f.Timestamp().IsZero() {
		f = f.WithTimestamp(time.Now())
	}
	f = f.WithChannel(base.channel)
	select {
	case base.recv <- f:
	default:
		base.dropped.Add(1)
		base.setError(ErrDroppedFrame)
	}
}

// Dropped returns the number of frames lost to a full receive queue.
func (base *BaseAdapter) Dropped() uint64 {
	return base.dropped.Load()
}

// setError reports a recoverable failure through the next Recv.
func (base *BaseAdapter) setError(err error) {
	select {
	case base.err <- err:
	default:
		base.log.Warn("adapter error channel full", "err", err)
	}
}

// fail marks the transport unusable. Every later Recv returns err once the
// queue is drained.
func (base *BaseAdapter) fail(err error) {
	if base.closed.Load() {
		return
	}
	if base.failed.CompareAndSwap(nil, &err) {
		base.log.Error("adapter failed", "err", err)
		base.setError(err)
	}
}

// Failed returns the error passed to fail, if any.
func (base *BaseAdapter) Failed() error {
	if errp := base.failed.Load(); errp != nil {
		return *errp
	}
	return nil
}

// Closed reports whether Close was called.
func (base *BaseAdapter) Closed() bool {
	return base.closed.Load()
}

// Close marks the adapter closed. It reports whether this call did it.
func (base *BaseAdapter) Close() bool {
	closed := false
	base.once.Do(func() {
		base.closed.Store(true)
		close(base.close)
		closed = true
	})
	return closed
}
