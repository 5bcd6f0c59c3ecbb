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

func newTestBus(t *testing.T, filters ...Filter) (*Bus, *fakeTransport) {
	t.Helper()
	tr := newFakeTransport()
	b, err := NewWithTransport(tr, &Config{Channel: "test", Filters: filters})
	require.NoError(t, err)
	t.Cleanup(func() { b.Shutdown() })
	return b, tr
}

func TestBusFilterDelivery(t *testing.T) {
	b, tr := newTestBus(t, NewFilter(0x100, 0x7FF))
	tr.push(MustFrame(0x101, []byte{1}), MustFrame(0x100, []byte{2}))

	f, err := b.Recv(time.Second)
	require.NoError(t, err)
	require.NotNil(t, f)
	assert.Equal(t, uint32(0x100), f.ID())
	assert.False(t, f.Timestamp().IsZero())

	f, err = b.Recv(20 * time.Millisecond)
	assert.NoError(t, err)
	assert.Nil(t, f)

	st := b.Stats()
	assert.Equal(t, uint64(2), st.Received)
	assert.Equal(t, uint64(1), st.Filtered)
}

func TestBusRecvTimeoutIsCumulative(t *testing.T) {
	b, tr := newTestBus(t, NewFilter(0x100, 0x7FF))

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		for {
			select {
			case <-stop:
				return
			case <-time.After(time.Millisecond):
				tr.push(MustFrame(0x200, nil))
			}
		}
	}()

	start := time.Now()
	f, err := b.Recv(100 * time.Millisecond)
	assert.NoError(t, err)
	assert.Nil(t, f)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestBusRecvPoll(t *testing.T) {
	b, tr := newTestBus(t)
	f, err := b.Recv(0)
	assert.NoError(t, err)
	assert.Nil(t, f)

	tr.push(MustFrame(0x7, nil))
	f, err = b.Recv(Forever)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x7), f.ID())
}

func TestBusSendSkipsFilters(t *testing.T) {
	b, tr := newTestBus(t, NewFilter(0x100, 0x7FF))
	f := MustFrame(0x555, []byte{9})
	require.NoError(t, b.Send(f, time.Second))
	sent := tr.Sent()
	require.Len(t, sent, 1)
	assert.True(t, f.Equal(sent[0]))
	assert.Equal(t, uint64(1), b.Stats().Sent)
}

func TestBusSendError(t *testing.T) {
	b, tr := newTestBus(t)
	tr.sendErr = NewTimeoutError("send", time.Millisecond)
	err := b.Send(MustFrame(1, nil), time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, uint64(1), b.Stats().Errors)
}

func TestBusShutdown(t *testing.T) {
	b, tr := newTestBus(t)
	require.NoError(t, b.Shutdown())
	require.NoError(t, b.Shutdown())
	assert.Equal(t, int32(1), tr.shutdowns.Load())
	assert.True(t, b.Closed())

	assert.ErrorIs(t, b.Send(MustFrame(1, nil), time.Second), ErrClosed)
	_, err := b.Recv(time.Second)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, b.SetFilters(nil), ErrClosed)
	_, err = b.SendPeriodic(MustFrame(1, nil), time.Second)
	assert.ErrorIs(t, err, ErrClosed)

	// the transport is never touched again
	assert.Empty(t, tr.Sent())
	assert.Equal(t, int32(1), tr.shutdowns.Load())
}

func TestBusStateAfterShutdown(t *testing.T) {
	b, tr := newTestBus(t)
	tr.state.Store(int32(StateErrorWarning))
	assert.Equal(t, StateErrorWarning, b.State())
	require.NoError(t, b.Shutdown())
	tr.state.Store(int32(StateBusOff))
	assert.Equal(t, StateErrorWarning, b.State())
}

func TestBusSetFiltersInvalidKeepsOldSet(t *testing.T) {
	b, _ := newTestBus(t, NewFilter(0x100, 0x7FF))
	err := b.SetFilters([]Filter{StandardFilter(0xFFFF, 0x7FF)})
	assert.ErrorIs(t, err, ErrInvalidFilter)
	assert.Equal(t, []Filter{NewFilter(0x100, 0x7FF)}, b.Filters())
}

func TestBusHardwareFilters(t *testing.T) {
	tr := hwFilterTransport{newFakeTransport()}
	b, err := NewWithTransport(tr, nil)
	require.NoError(t, err)
	defer b.Shutdown()
	require.NoError(t, b.SetFilters([]Filter{NewFilter(0x1, 0x7FF)}))

	tr.mu.Lock()
	defer tr.mu.Unlock()
	require.Len(t, tr.hwSets, 2)
	assert.Empty(t, tr.hwSets[0])
	assert.Equal(t, []Filter{NewFilter(0x1, 0x7FF)}, tr.hwSets[1])
}

func TestNewWithInvalidConfigFilters(t *testing.T) {
	_, err := NewWithTransport(newFakeTransport(), &Config{Filters: []Filter{NewFilter(0, 0xFFFFFFFF)}})
	assert.ErrorIs(t, err, ErrInvalidFilter)
}

func TestNewUnknownAdapter(t *testing.T) {
	_, err := New(&Config{Interface: "does-not-exist"})
	assert.ErrorIs(t, err, ErrUnknownAdapter)
}

func TestNewFromRegistry(t *testing.T) {
	tr := newFakeTransport()
	require.NoError(t, RegisterAdapter(&AdapterInfo{
		Name: "FakeRegistry",
		New:  func(*Config) (Transport, error) { return tr, nil },
	}))
	assert.Error(t, RegisterAdapter(&AdapterInfo{
		Name: "fakeregistry",
		New:  func(*Config) (Transport, error) { return tr, nil },
	}))
	assert.Contains(t, ListAdapterNames(), "FakeRegistry")

	b, err := New(&Config{Interface: "fakeregistry", Channel: "x"})
	require.NoError(t, err)
	assert.Equal(t, "x", b.Channel())
	require.NoError(t, b.Shutdown())
	assert.Equal(t, int32(1), tr.shutdowns.Load())
}

// Every frame must be judged against one complete filter set, never a mix
// of an old and a new one.
func TestBusSetFiltersConcurrentWithDelivery(t *testing.T) {
	setA := []Filter{NewFilter(0x100, 0x7FF), NewFilter(0x200, 0x7FF)}
	setB := []Filter{NewFilter(0x300, 0x7FF), NewFilter(0x400, 0x7FF)}
	b, tr := newTestBus(t, setA...)

	ids := []uint32{0x100, 0x200, 0x300, 0x400, 0x500}
	go func() {
		for i := 0; i < 2000; i++ {
			tr.push(MustFrame(ids[i%len(ids)], nil))
		}
	}()

	var torn atomic.Int32
	var wg sync.WaitGroup
	done := make(chan struct{})
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-done:
				return
			default:
			}
			set := setA
			if i%2 == 1 {
				set = setB
			}
			if err := b.SetFilters(set); err != nil {
				t.Error(err)
				return
			}
		}
	}()
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			default:
			}
			got := b.Filters()
			if !assert.ObjectsAreEqual(got, setA) && !assert.ObjectsAreEqual(got, setB) {
				torn.Add(1)
			}
		}
	}()

	var received int
	for received < 200 {
		f, err := b.Recv(time.Second)
		require.NoError(t, err)
		if f == nil {
			break
		}
		received++
		assert.NotEqual(t, uint32(0x500), f.ID())
		assert.True(t, Matches(*f, setA) || Matches(*f, setB))
	}
	close(done)
	wg.Wait()
	assert.Zero(t, torn.Load())
	assert.Positive(t, received)
}

func TestTransportErrorMatching(t *testing.T) {
	err := NewDisconnectedError("recv", errors.New("usb unplugged"))
	assert.ErrorIs(t, err, ErrDisconnected)
	assert.NotErrorIs(t, err, ErrClosed)
	assert.True(t, Unrecoverable(err))
	assert.Contains(t, err.Error(), "usb unplugged")
	assert.False(t, Unrecoverable(NewTimeoutError("send", time.Second)))
	assert.Equal(t, "send: timeout after 1s", NewTimeoutError("send", time.Second).Error())
}
