package canbus

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

type filterSet struct {
	filters []Filter
}

// Bus is the object applications talk to. It owns one Transport and the
// active filter set. A Bus is safe for concurrent use.
type Bus struct {
	transport Transport
	channel   string
	log       *slog.Logger

	filters atomic.Pointer[filterSet]
	state   atomic.Int32

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error

	stats counters

	taskMu sync.Mutex
	tasks  map[*PeriodicTask]struct{}
}

// New creates the transport registered under cfg.Interface and binds a Bus
// to it.
func New(cfg *Config) (*Bus, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	t, err := NewTransport(cfg)
	if err != nil {
		return nil, err
	}
	b, err := NewWithTransport(t, cfg)
	if err != nil {
		t.Shutdown()
		return nil, err
	}
	return b, nil
}

// NewWithTransport binds a Bus to an already created transport. cfg may be
// nil.
func NewWithTransport(t Transport, cfg *Config) (*Bus, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	b := &Bus{
		transport: t,
		channel:   cfg.Channel,
		log:       cfg.Log().With("channel", cfg.Channel),
		tasks:     make(map[*PeriodicTask]struct{}),
	}
	b.filters.Store(&filterSet{})
	if err := b.SetFilters(cfg.Filters); err != nil {
		return nil, err
	}
	b.state.Store(int32(t.State()))
	b.log.Debug("bus opened", "filters", FiltersString(cfg.Filters))
	return b, nil
}

// Channel returns the configured channel name.
func (b *Bus) Channel() string {
	return b.channel
}

// Send transmits f unchanged. Filters are not applied to outgoing frames.
func (b *Bus) Send(f Frame, timeout time.Duration) error {
	if b.closed.Load() {
		return NewClosedError("send")
	}
	if err := b.transport.Send(f, timeout); err != nil {
		b.stats.errors.Add(1)
		return err
	}
	b.stats.sent.Add(1)
	return nil
}

// Recv returns the next frame passing the filter set, or nil when timeout
// elapses first. The timeout is cumulative over discarded frames. Forever
// blocks until a frame arrives or the transport fails.
func (b *Bus) Recv(timeout time.Duration) (*Frame, error) {
	if b.closed.Load() {
		return nil, NewClosedError("recv")
	}
	var deadline time.Time
	if timeout >= 0 {
		deadline = time.Now().Add(timeout)
	}
	for {
		remaining := Forever
		if timeout >= 0 {
			remaining = max(time.Until(deadline), 0)
		}
		f, err := b.transport.Recv(remaining)
		if err != nil {
			b.stats.errors.Add(1)
			return nil, err
		}
		if f != nil {
			b.stats.received.Add(1)
			if Matches(*f, b.filters.Load().filters) {
				return f, nil
			}
			b.stats.filtered.Add(1)
		}
		if timeout >= 0 && !time.Now().Before(deadline) {
			return nil, nil
		}
	}
}

// SetFilters atomically replaces the active filter set. A nil or empty set
// accepts every frame.
func (b *Bus) SetFilters(filters []Filter) error {
	if b.closed.Load() {
		return NewClosedError("set filters")
	}
	if err := ValidateFilters(filters); err != nil {
		return err
	}
	set := &filterSet{filters: append([]Filter(nil), filters...)}
	if fs, ok := b.transport.(FilterSetter); ok {
		if err := fs.SetFilters(set.filters); err != nil {
			b.log.Warn("hardware filters rejected, filtering in software", "err", err)
		}
	}
	b.filters.Store(set)
	return nil
}

// Filters returns a copy of the active filter set.
func (b *Bus) Filters() []Filter {
	return append([]Filter(nil), b.filters.Load().filters...)
}

// State reports the transport error state. After Shutdown the last known
// state is returned.
func (b *Bus) State() BusState {
	if b.closed.Load() {
		return BusState(b.state.Load())
	}
	s := b.transport.State()
	b.state.Store(int32(s))
	return s
}

func (b *Bus) Stats() Stats {
	return b.stats.snapshot()
}

// Closed reports whether Shutdown has been called.
func (b *Bus) Closed() bool {
	return b.closed.Load()
}

// Shutdown stops all periodic tasks and shuts the transport down. Only the
// first call reaches the transport; later calls return the same result.
func (b *Bus) Shutdown() error {
	b.closeOnce.Do(func() {
		b.state.Store(int32(b.transport.State()))
		b.closed.Store(true)
		b.StopAllPeriodicTasks()
		b.closeErr = b.transport.Shutdown()
		b.log.Debug("bus closed", "stats", b.stats.snapshot().String())
	})
	return b.closeErr
}
