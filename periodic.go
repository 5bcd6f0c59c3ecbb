package canbus

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Sender is anything a periodic task can transmit through, normally a *Bus.
type Sender interface {
	Send(f Frame, timeout time.Duration) error
}

type periodicOpts struct {
	count       int
	duration    time.Duration
	sendTimeout time.Duration
	onError     func(error)
	log         *slog.Logger
	now         func() time.Time
}

type PeriodicOption func(*periodicOpts)

// WithCount stops the task after n sends.
func WithCount(n int) PeriodicOption {
	return func(o *periodicOpts) { o.count = n }
}

// WithDuration stops the task once d has elapsed since start.
func WithDuration(d time.Duration) PeriodicOption {
	return func(o *periodicOpts) { o.duration = d }
}

// WithSendTimeout bounds each send, the default is one period.
func WithSendTimeout(t time.Duration) PeriodicOption {
	return func(o *periodicOpts) { o.sendTimeout = t }
}

// OnSendError is called after every failed send. Failures never stop the
// schedule.
func OnSendError(fn func(error)) PeriodicOption {
	return func(o *periodicOpts) { o.onError = fn }
}

func withLogger(l *slog.Logger) PeriodicOption {
	return func(o *periodicOpts) { o.log = l }
}

func withClock(now func() time.Time) PeriodicOption {
	return func(o *periodicOpts) { o.now = now }
}

// PeriodicTask resends a frame template at a fixed period. Sends target the
// absolute deadlines start+k*period so jitter does not accumulate.
type PeriodicTask struct {
	sender Sender
	period time.Duration
	opts   periodicOpts
	frame  atomic.Pointer[Frame]
	start  time.Time

	// sendMu is held across the stopped check and the send itself.
	sendMu  sync.Mutex
	stopped bool

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
	onStop   func(*PeriodicTask)

	issued   atomic.Uint64
	sent     atomic.Uint64
	failures atomic.Uint64
}

// StartPeriodic starts sending f through sender every period.
func StartPeriodic(sender Sender, f Frame, period time.Duration, opts ...PeriodicOption) (*PeriodicTask, error) {
	t, err := newPeriodicTask(sender, f, period, opts...)
	if err != nil {
		return nil, err
	}
	t.run()
	return t, nil
}

func newPeriodicTask(sender Sender, f Frame, period time.Duration, opts ...PeriodicOption) (*PeriodicTask, error) {
	if sender == nil {
		return nil, errors.New("periodic: nil sender")
	}
	if period <= 0 {
		return nil, fmt.Errorf("periodic: invalid period %s", period)
	}
	t := &PeriodicTask{
		sender: sender,
		period: period,
		opts:   periodicOpts{sendTimeout: period, log: discardLogger, now: time.Now},
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(&t.opts)
	}
	if t.opts.count < 0 {
		return nil, fmt.Errorf("periodic: invalid count %d", t.opts.count)
	}
	t.frame.Store(&f)
	return t, nil
}

func (t *PeriodicTask) run() {
	t.start = t.opts.now()
	go t.loop()
}

func (t *PeriodicTask) deadline(k int64) time.Time {
	return t.start.Add(time.Duration(k) * t.period)
}

func (t *PeriodicTask) loop() {
	defer close(t.done)
	defer t.finish()
	timer := time.NewTimer(0)
	defer timer.Stop()
	var k int64
	for {
		select {
		case <-t.stop:
			return
		case <-timer.C:
		}
		late := t.opts.now().Sub(t.deadline(k)) > t.period
		if !t.fire() {
			return
		}
		if t.opts.count > 0 && t.issued.Load() >= uint64(t.opts.count) {
			return
		}
		now := t.opts.now()
		if late {
			// missed by more than a period: the send above was the single
			// catch-up, continue from the first future deadline
			k = int64(now.Sub(t.start)/t.period) + 1
		} else {
			k++
		}
		next := t.deadline(k)
		if t.opts.duration > 0 && next.Sub(t.start) >= t.opts.duration {
			return
		}
		timer.Reset(next.Sub(now))
	}
}

// fire sends one frame unless the task was stopped.
func (t *PeriodicTask) fire() bool {
	t.sendMu.Lock()
	if t.stopped {
		t.sendMu.Unlock()
		return false
	}
	f := *t.frame.Load()
	t.issued.Add(1)
	err := t.sender.Send(f, t.opts.sendTimeout)
	t.sendMu.Unlock()
	if err != nil {
		t.failures.Add(1)
		if t.opts.onError != nil {
			t.opts.onError(err)
		} else {
			t.opts.log.Warn("periodic send failed", "id", f.ID(), "err", err)
		}
		return true
	}
	t.sent.Add(1)
	return true
}

func (t *PeriodicTask) finish() {
	t.sendMu.Lock()
	t.stopped = true
	t.sendMu.Unlock()
	if t.onStop != nil {
		t.onStop(t)
	}
}

// Stop cancels all future sends. It waits for a send already in progress
// and guarantees none starts afterwards. Stop is idempotent.
func (t *PeriodicTask) Stop() {
	t.stopOnce.Do(func() {
		t.sendMu.Lock()
		t.stopped = true
		t.sendMu.Unlock()
		close(t.stop)
	})
}

// Modify swaps the frame template. The identifier must not change.
func (t *PeriodicTask) Modify(f Frame) error {
	cur := t.frame.Load()
	if cur.ID() != f.ID() || cur.IsExtended() != f.IsExtended() {
		return fmt.Errorf("periodic: cannot change identifier %s to %s", cur.idString(), f.idString())
	}
	t.frame.Store(&f)
	return nil
}

// Frame returns the current template.
func (t *PeriodicTask) Frame() Frame {
	return *t.frame.Load()
}

func (t *PeriodicTask) Period() time.Duration {
	return t.period
}

// Done is closed once the task has stopped sending.
func (t *PeriodicTask) Done() <-chan struct{} {
	return t.done
}

// Sent returns the number of successful sends.
func (t *PeriodicTask) Sent() uint64 {
	return t.sent.Load()
}

func (t *PeriodicTask) Failures() uint64 {
	return t.failures.Load()
}

// SendPeriodic starts a periodic task sending f through b. The task is
// stopped automatically when the Bus shuts down.
func (b *Bus) SendPeriodic(f Frame, period time.Duration, opts ...PeriodicOption) (*PeriodicTask, error) {
	if b.closed.Load() {
		return nil, NewClosedError("send periodic")
	}
	opts = append([]PeriodicOption{withLogger(b.log)}, opts...)
	t, err := newPeriodicTask(b, f, period, opts...)
	if err != nil {
		return nil, err
	}
	t.onStop = b.forgetTask
	b.taskMu.Lock()
	b.tasks[t] = struct{}{}
	b.taskMu.Unlock()
	t.run()
	return t, nil
}

func (b *Bus) forgetTask(t *PeriodicTask) {
	b.taskMu.Lock()
	delete(b.tasks, t)
	b.taskMu.Unlock()
}

// PeriodicTasks returns the tasks still running on b.
func (b *Bus) PeriodicTasks() []*PeriodicTask {
	b.taskMu.Lock()
	defer b.taskMu.Unlock()
	out := make([]*PeriodicTask, 0, len(b.tasks))
	for t := range b.tasks {
		out = append(out, t)
	}
	return out
}

// StopAllPeriodicTasks stops every task started through SendPeriodic.
func (b *Bus) StopAllPeriodicTasks() {
	for _, t := range b.PeriodicTasks() {
		t.Stop()
	}
}
