package canbus

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// timedSender records send times and can be made to block or fail.
type timedSender struct {
	mu     sync.Mutex
	times  []time.Time
	data   [][]byte
	delay  func(n int) time.Duration
	err    error
	now    func() time.Time
	onSend func(n int)
}

func (s *timedSender) Send(f Frame, timeout time.Duration) error {
	s.mu.Lock()
	n := len(s.times)
	now := time.Now
	if s.now != nil {
		now = s.now
	}
	s.times = append(s.times, now())
	s.data = append(s.data, f.Data())
	delay, err, onSend := s.delay, s.err, s.onSend
	s.mu.Unlock()
	if onSend != nil {
		onSend(n)
	}
	if delay != nil {
		time.Sleep(delay(n))
	}
	return err
}

// jumpClock is the wall clock plus an offset that tests advance to
// simulate the process being suspended.
type jumpClock struct {
	offset atomic.Int64
}

func (c *jumpClock) now() time.Time {
	return time.Now().Add(time.Duration(c.offset.Load()))
}

func (c *jumpClock) jump(d time.Duration) {
	c.offset.Add(int64(d))
}

func (s *timedSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.times)
}

func (s *timedSender) sendTimes() []time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Time(nil), s.times...)
}

func TestPeriodicCount(t *testing.T) {
	s := &timedSender{}
	task, err := StartPeriodic(s, MustFrame(0x100, []byte{1}), 20*time.Millisecond, WithCount(3))
	require.NoError(t, err)
	select {
	case <-task.Done():
	case <-time.After(time.Second):
		t.Fatal("task did not finish")
	}
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 3, s.count())
	assert.Equal(t, uint64(3), task.Sent())

	times := s.sendTimes()
	for i := 1; i < len(times); i++ {
		assert.GreaterOrEqual(t, times[i].Sub(times[0]), time.Duration(i)*20*time.Millisecond-5*time.Millisecond)
	}
}

func TestPeriodicDuration(t *testing.T) {
	s := &timedSender{}
	task, err := StartPeriodic(s, MustFrame(0x100, nil), 20*time.Millisecond, WithDuration(70*time.Millisecond))
	require.NoError(t, err)
	select {
	case <-task.Done():
	case <-time.After(time.Second):
		t.Fatal("task did not finish")
	}
	// deadlines at 0, 20, 40 and 60ms fall inside the window
	assert.Equal(t, 4, s.count())
}

func TestPeriodicStop(t *testing.T) {
	s := &timedSender{}
	task, err := StartPeriodic(s, MustFrame(0x100, nil), 10*time.Millisecond)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return s.count() >= 2 }, time.Second, time.Millisecond)

	task.Stop()
	task.Stop()
	stopped := s.count()
	<-task.Done()
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, stopped, s.count())
}

func TestPeriodicStopWaitsForSend(t *testing.T) {
	s := &timedSender{delay: func(int) time.Duration { return 50 * time.Millisecond }}
	task, err := StartPeriodic(s, MustFrame(0x100, nil), time.Second)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return s.count() == 1 }, time.Second, time.Millisecond)

	start := time.Now()
	task.Stop()
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	<-task.Done()
	assert.Equal(t, 1, s.count())
}

func TestPeriodicErrorsDoNotStop(t *testing.T) {
	s := &timedSender{err: errors.New("bus off")}
	var mu sync.Mutex
	var seen int
	task, err := StartPeriodic(s, MustFrame(0x100, nil), 5*time.Millisecond, WithCount(4), OnSendError(func(error) {
		mu.Lock()
		seen++
		mu.Unlock()
	}))
	require.NoError(t, err)
	<-task.Done()
	assert.Equal(t, 4, s.count())
	assert.Equal(t, uint64(4), task.Failures())
	assert.Zero(t, task.Sent())
	mu.Lock()
	assert.Equal(t, 4, seen)
	mu.Unlock()
}

func TestPeriodicNoBurstAfterStall(t *testing.T) {
	s := &timedSender{delay: func(n int) time.Duration {
		if n == 0 {
			return 350 * time.Millisecond
		}
		return 0
	}}
	task, err := StartPeriodic(s, MustFrame(0x100, nil), 50*time.Millisecond)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return s.count() >= 5 }, 2*time.Second, time.Millisecond)
	task.Stop()

	times := s.sendTimes()
	// one catch-up send right after the stall, then back on the grid
	for i := 2; i < len(times); i++ {
		assert.GreaterOrEqual(t, times[i].Sub(times[i-1]), 25*time.Millisecond, "gap %d", i)
	}
}

func TestPeriodicNoBurstAfterLateWakeup(t *testing.T) {
	clk := &jumpClock{}
	s := &timedSender{now: clk.now}
	s.onSend = func(n int) {
		if n == 1 {
			// suspended while waiting for the third deadline
			clk.jump(325 * time.Millisecond)
		}
	}
	start := clk.now()
	task, err := StartPeriodic(s, MustFrame(0x100, nil), 50*time.Millisecond, withClock(clk.now))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return s.count() >= 6 }, 2*time.Second, time.Millisecond)
	task.Stop()

	times := s.sendTimes()
	// the late wake-up sends once, the next send waits for the grid
	assert.GreaterOrEqual(t, times[2].Sub(start), 325*time.Millisecond)
	for i := 3; i < len(times); i++ {
		assert.GreaterOrEqual(t, times[i].Sub(times[i-1]), 10*time.Millisecond, "gap %d", i)
	}
	assert.InDelta(t, float64(400*time.Millisecond), float64(times[3].Sub(start)), float64(15*time.Millisecond))
}

func TestPeriodicModify(t *testing.T) {
	s := &timedSender{}
	task, err := StartPeriodic(s, MustFrame(0x100, []byte{1}), 10*time.Millisecond)
	require.NoError(t, err)
	defer task.Stop()

	require.NoError(t, task.Modify(MustFrame(0x100, []byte{2})))
	assert.Equal(t, []byte{2}, task.Frame().Data())
	assert.Error(t, task.Modify(MustFrame(0x101, []byte{2})))
	assert.Error(t, task.Modify(MustFrame(0x100, []byte{2}, Extended())))

	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return len(s.data) > 0 && s.data[len(s.data)-1][0] == 2
	}, time.Second, time.Millisecond)
}

func TestPeriodicInvalidArguments(t *testing.T) {
	s := &timedSender{}
	_, err := StartPeriodic(s, MustFrame(1, nil), 0)
	assert.Error(t, err)
	_, err = StartPeriodic(s, MustFrame(1, nil), time.Second, WithCount(-1))
	assert.Error(t, err)
	_, err = StartPeriodic(nil, MustFrame(1, nil), time.Second)
	assert.Error(t, err)
}

func TestBusShutdownStopsPeriodicTasks(t *testing.T) {
	b, tr := newTestBus(t)
	task, err := b.SendPeriodic(MustFrame(0x100, nil), 5*time.Millisecond)
	require.NoError(t, err)
	task2, err := b.SendPeriodic(MustFrame(0x200, nil), 5*time.Millisecond)
	require.NoError(t, err)
	assert.Len(t, b.PeriodicTasks(), 2)
	require.Eventually(t, func() bool { return len(tr.Sent()) >= 4 }, time.Second, time.Millisecond)

	require.NoError(t, b.Shutdown())
	<-task.Done()
	<-task2.Done()
	sent := len(tr.Sent())
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, sent, len(tr.Sent()))
	assert.Empty(t, b.PeriodicTasks())
}

func TestBusPeriodicTaskForgottenWhenFinished(t *testing.T) {
	b, _ := newTestBus(t)
	task, err := b.SendPeriodic(MustFrame(0x100, nil), time.Millisecond, WithCount(1))
	require.NoError(t, err)
	<-task.Done()
	assert.Empty(t, b.PeriodicTasks())
}
