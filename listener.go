package canbus

import (
	"errors"
	"sync/atomic"
	"time"
)

// Listener consumes frames and error events delivered by a Notifier. A
// returned error counts as a failed delivery. Listeners are registered by
// identity, so implementations must be comparable (pointer receivers are).
type Listener interface {
	OnFrame(Frame) error
	OnError(ErrorEvent) error
}

// ErrNotHandled is returned by a listener method for an event class the
// listener does not consume. The Notifier does not count it as a delivery
// or a failure.
var ErrNotHandled = errors.New("event not handled")

// BaseListener implements both Listener methods returning ErrNotHandled.
// Embed it to implement only one of them.
type BaseListener struct{}

func (BaseListener) OnFrame(Frame) error      { return ErrNotHandled }
func (BaseListener) OnError(ErrorEvent) error { return ErrNotHandled }

type frameFunc struct {
	BaseListener
	fn func(Frame) error
}

func (l *frameFunc) OnFrame(f Frame) error { return l.fn(f) }

// FrameFunc adapts fn to a Listener that ignores error events. Each call
// returns a distinct listener.
func FrameFunc(fn func(Frame) error) Listener {
	return &frameFunc{fn: fn}
}

type errorFunc struct {
	BaseListener
	fn func(ErrorEvent) error
}

func (l *errorFunc) OnError(ev ErrorEvent) error { return l.fn(ev) }

// ErrorFunc adapts fn to a Listener that ignores frames.
func ErrorFunc(fn func(ErrorEvent) error) Listener {
	return &errorFunc{fn: fn}
}

var ErrBufferFull = errors.New("buffer full")

// BufferedReader queues received frames for a consumer polling with Get.
// When the queue is full OnFrame fails, so a consumer that stops reading is
// eventually dropped by the Notifier.
type BufferedReader struct {
	BaseListener
	ch      chan Frame
	stopped atomic.Bool
	dropped atomic.Uint64
}

func NewBufferedReader(size int) *BufferedReader {
	if size <= 0 {
		size = 1024
	}
	return &BufferedReader{ch: make(chan Frame, size)}
}

func (r *BufferedReader) OnFrame(f Frame) error {
	if r.stopped.Load() {
		return NewClosedError("buffered reader")
	}
	select {
	case r.ch <- f:
		return nil
	default:
		r.dropped.Add(1)
		return ErrBufferFull
	}
}

// Get returns the oldest queued frame, waiting up to timeout. It returns
// nil on timeout.
func (r *BufferedReader) Get(timeout time.Duration) *Frame {
	if timeout == 0 {
		select {
		case f := <-r.ch:
			return &f
		default:
			return nil
		}
	}
	if timeout < 0 {
		f := <-r.ch
		return &f
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case f := <-r.ch:
		return &f
	case <-t.C:
		return nil
	}
}

// Len returns the number of queued frames.
func (r *BufferedReader) Len() int {
	return len(r.ch)
}

func (r *BufferedReader) Dropped() uint64 {
	return r.dropped.Load()
}

// Stop makes further deliveries fail. Queued frames can still be read.
func (r *BufferedReader) Stop() {
	r.stopped.Store(true)
}

// RedirectReader forwards every frame it receives to another Bus.
type RedirectReader struct {
	BaseListener
	bus     *Bus
	timeout time.Duration
}

func NewRedirectReader(bus *Bus, timeout time.Duration) *RedirectReader {
	return &RedirectReader{bus: bus, timeout: timeout}
}

func (r *RedirectReader) OnFrame(f Frame) error {
	return r.bus.Send(f, r.timeout)
}
