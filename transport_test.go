package canbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// fakeTransport is an in-memory Transport fed through push.
type fakeTransport struct {
	rx       chan Frame
	closedCh chan struct{}
	closed   atomic.Bool

	mu      sync.Mutex
	sent    []Frame
	sendErr error
	recvErr error
	hwSets  [][]Filter

	shutdowns atomic.Int32
	state     atomic.Int32
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		rx:       make(chan Frame, 4096),
		closedCh: make(chan struct{}),
	}
}

func (t *fakeTransport) push(frames ...Frame) {
	for _, f := range frames {
		t.rx <- f
	}
}

func (t *fakeTransport) Send(f Frame, timeout time.Duration) error {
	if t.closed.Load() {
		return NewClosedError("send")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sendErr != nil {
		return t.sendErr
	}
	t.sent = append(t.sent, f)
	return nil
}

func (t *fakeTransport) Recv(timeout time.Duration) (*Frame, error) {
	if t.closed.Load() {
		return nil, NewClosedError("recv")
	}
	t.mu.Lock()
	err := t.recvErr
	t.mu.Unlock()
	if err != nil {
		return nil, err
	}
	var timer <-chan time.Time
	if timeout >= 0 {
		tm := time.NewTimer(timeout)
		defer tm.Stop()
		timer = tm.C
	}
	select {
	case f := <-t.rx:
		f = f.WithTimestamp(time.Now())
		return &f, nil
	case <-t.closedCh:
		return nil, NewClosedError("recv")
	case <-timer:
		return nil, nil
	}
}

func (t *fakeTransport) Shutdown() error {
	t.shutdowns.Add(1)
	if t.closed.CompareAndSwap(false, true) {
		close(t.closedCh)
	}
	return nil
}

func (t *fakeTransport) State() BusState {
	return BusState(t.state.Load())
}

func (t *fakeTransport) Sent() []Frame {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Frame(nil), t.sent...)
}

func (t *fakeTransport) setRecvErr(err error) {
	t.mu.Lock()
	t.recvErr = err
	t.mu.Unlock()
}

// hwFilterTransport also accepts hardware filters.
type hwFilterTransport struct {
	*fakeTransport
}

func (t hwFilterTransport) SetFilters(filters []Filter) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.hwSets = append(t.hwSets, filters)
	return nil
}
