package canbus

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emirpasic/gods/maps/linkedhashmap"
	"golang.org/x/sync/errgroup"
)

type NotifierConfig struct {
	// PollInterval is the receive timeout of each reader and bounds how
	// long Stop waits for an idle reader. Default 100ms.
	PollInterval time.Duration
	// FailureThreshold is the number of consecutive failed deliveries
	// after which a listener is unregistered. Default 3.
	FailureThreshold int
	Logger           *slog.Logger
}

const (
	DefaultPollInterval     = 100 * time.Millisecond
	DefaultFailureThreshold = 3
)

type ListenerStats struct {
	Delivered           uint64
	Failures            uint64
	ConsecutiveFailures int
	LastDelivery        time.Time
	LastDuration        time.Duration
}

type listenerState struct {
	listener Listener
	stats    ListenerStats
}

// Notifier reads from one or more buses in the background and hands every
// frame to all registered listeners, in registration order, before reading
// the next one. Listeners are never invoked concurrently.
type Notifier struct {
	cfg NotifierConfig
	log *slog.Logger

	mu        sync.RWMutex
	listeners *linkedhashmap.Map // Listener -> *listenerState

	// deliverMu serializes delivery across readers.
	deliverMu sync.Mutex
	pending   atomic.Int64

	busMu   sync.Mutex
	buses   []*Bus
	group   errgroup.Group
	stopped bool
	stop    chan struct{}
	done    chan struct{}
	err     error
}

// NewNotifier starts one reader per bus.
func NewNotifier(cfg NotifierConfig, buses ...*Bus) *Notifier {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultFailureThreshold
	}
	n := &Notifier{
		cfg:       cfg,
		log:       discardLogger,
		listeners: linkedhashmap.New(),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	if cfg.Logger != nil {
		n.log = cfg.Logger
	}
	for _, b := range buses {
		if err := n.AddBus(b); err != nil {
			n.log.Error("add bus", "err", err)
		}
	}
	return n
}

// AddBus starts watching another bus.
func (n *Notifier) AddBus(b *Bus) error {
	n.busMu.Lock()
	defer n.busMu.Unlock()
	if n.stopped {
		return errors.New("notifier stopped")
	}
	n.buses = append(n.buses, b)
	n.group.Go(func() error {
		return n.reader(b)
	})
	return nil
}

// Add registers l. Adding a registered listener is a no-op and keeps its
// position.
func (n *Notifier) Add(l Listener) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, found := n.listeners.Get(l); found {
		return
	}
	n.listeners.Put(l, &listenerState{listener: l})
}

// Remove unregisters l. It reports whether l was registered.
func (n *Notifier) Remove(l Listener) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, found := n.listeners.Get(l); !found {
		return false
	}
	n.listeners.Remove(l)
	return true
}

// Listeners returns the registered listeners in registration order.
func (n *Notifier) Listeners() []Listener {
	n.mu.RLock()
	defer n.mu.RUnlock()
	keys := n.listeners.Keys()
	out := make([]Listener, len(keys))
	for i, k := range keys {
		out[i] = k.(Listener)
	}
	return out
}

// Stats returns delivery statistics of a registered listener.
func (n *Notifier) Stats(l Listener) (ListenerStats, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	v, found := n.listeners.Get(l)
	if !found {
		return ListenerStats{}, false
	}
	return v.(*listenerState).stats, true
}

// Pending returns the number of received frames waiting for delivery.
func (n *Notifier) Pending() int {
	return int(n.pending.Load())
}

func (n *Notifier) snapshot() []*listenerState {
	n.mu.RLock()
	defer n.mu.RUnlock()
	values := n.listeners.Values()
	out := make([]*listenerState, len(values))
	for i, v := range values {
		out[i] = v.(*listenerState)
	}
	return out
}

func (n *Notifier) registered(st *listenerState) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	v, found := n.listeners.Get(st.listener)
	return found && v.(*listenerState) == st
}

func (n *Notifier) stopping() bool {
	select {
	case <-n.stop:
		return true
	default:
		return false
	}
}

func (n *Notifier) reader(b *Bus) error {
	for !n.stopping() {
		f, err := b.Recv(n.cfg.PollInterval)
		if err != nil {
			if errors.Is(err, ErrClosed) {
				n.log.Debug("bus closed, reader exiting", "channel", b.Channel())
				return nil
			}
			n.dispatch(func(l Listener) error {
				return l.OnError(ErrorEvent{Kind: ErrorKindTransport, State: b.State(), Channel: b.Channel(), Err: err})
			})
			if Unrecoverable(err) {
				return fmt.Errorf("%s: %w", b.Channel(), err)
			}
			select {
			case <-n.stop:
			case <-time.After(n.cfg.PollInterval):
			}
			continue
		}
		if f == nil {
			continue
		}
		frame := *f
		if frame.IsError() {
			n.dispatch(func(l Listener) error {
				return l.OnError(ErrorEvent{Kind: ErrorKindErrorFrame, State: b.State(), Channel: b.Channel(), Frame: &frame})
			})
			continue
		}
		n.dispatch(func(l Listener) error {
			return l.OnFrame(frame)
		})
	}
	return nil
}

// dispatch invokes call for every listener registered when delivery starts.
func (n *Notifier) dispatch(call func(Listener) error) {
	n.pending.Add(1)
	n.deliverMu.Lock()
	defer n.deliverMu.Unlock()
	n.pending.Add(-1)
	for _, st := range n.snapshot() {
		if !n.registered(st) {
			continue
		}
		start := time.Now()
		err := safeCall(st.listener, call)
		n.account(st, start, time.Since(start), err)
	}
}

func safeCall(l Listener, call func(Listener) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return call(l)
}

func (n *Notifier) account(st *listenerState, start time.Time, took time.Duration, err error) {
	if errors.Is(err, ErrNotHandled) {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	st.stats.LastDelivery = start
	st.stats.LastDuration = took
	if err == nil {
		st.stats.Delivered++
		st.stats.ConsecutiveFailures = 0
		return
	}
	st.stats.Failures++
	st.stats.ConsecutiveFailures++
	n.log.Warn("listener failed", "err", &ListenerError{Listener: st.listener, Err: err}, "consecutive", st.stats.ConsecutiveFailures)
	if st.stats.ConsecutiveFailures < n.cfg.FailureThreshold {
		return
	}
	if v, found := n.listeners.Get(st.listener); found && v.(*listenerState) == st {
		n.listeners.Remove(st.listener)
		n.log.Warn("listener unregistered", "listener", fmt.Sprintf("%T", st.listener), "failures", st.stats.ConsecutiveFailures)
	}
}

// Stop signals every reader to exit after the delivery in progress and
// waits up to timeout for them. It reports whether they all exited in
// time; false means goroutines are still running. Forever waits
// indefinitely.
func (n *Notifier) Stop(timeout time.Duration) bool {
	n.busMu.Lock()
	if !n.stopped {
		n.stopped = true
		close(n.stop)
		go func() {
			n.err = n.group.Wait()
			close(n.done)
		}()
	}
	n.busMu.Unlock()

	if timeout < 0 {
		<-n.done
		return true
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-n.done:
		return true
	case <-t.C:
		n.log.Warn("notifier did not stop in time", "timeout", timeout)
		return false
	}
}

// Done is closed once every reader has exited after Stop.
func (n *Notifier) Done() <-chan struct{} {
	return n.done
}

// Err returns the first unrecoverable bus error once the notifier is done.
func (n *Notifier) Err() error {
	select {
	case <-n.done:
		return n.err
	default:
		return nil
	}
}
