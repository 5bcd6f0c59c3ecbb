package canbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBufferedReader(t *testing.T) {
	r := NewBufferedReader(2)
	assert.Nil(t, r.Get(0))
	assert.Nil(t, r.Get(10*time.Millisecond))

	require.NoError(t, r.OnFrame(MustFrame(1, nil)))
	require.NoError(t, r.OnFrame(MustFrame(2, nil)))
	assert.ErrorIs(t, r.OnFrame(MustFrame(3, nil)), ErrBufferFull)
	assert.Equal(t, uint64(1), r.Dropped())
	assert.Equal(t, 2, r.Len())

	assert.Equal(t, uint32(1), r.Get(0).ID())
	assert.Equal(t, uint32(2), r.Get(Forever).ID())

	r.Stop()
	assert.ErrorIs(t, r.OnFrame(MustFrame(4, nil)), ErrClosed)
	assert.ErrorIs(t, r.OnError(ErrorEvent{}), ErrNotHandled)
}

func TestBufferedReaderGetWaits(t *testing.T) {
	r := NewBufferedReader(0)
	go func() {
		time.Sleep(10 * time.Millisecond)
		r.OnFrame(MustFrame(0x42, nil))
	}()
	f := r.Get(time.Second)
	require.NotNil(t, f)
	assert.Equal(t, uint32(0x42), f.ID())
}

func TestRedirectReader(t *testing.T) {
	src, srcTr := newTestBus(t)
	dst, dstTr := newTestBus(t)
	n := newTestNotifier(t, src)
	n.Add(NewRedirectReader(dst, time.Second))

	srcTr.push(MustFrame(0x321, []byte{7}))
	require.Eventually(t, func() bool { return len(dstTr.Sent()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, uint32(0x321), dstTr.Sent()[0].ID())

	// a closed target fails every delivery until the reader is dropped
	require.NoError(t, dst.Shutdown())
	for i := 0; i < DefaultFailureThreshold; i++ {
		srcTr.push(MustFrame(0x321, nil))
	}
	require.Eventually(t, func() bool { return len(n.Listeners()) == 0 }, time.Second, time.Millisecond)
}

func TestFuncListeners(t *testing.T) {
	var got Frame
	l := FrameFunc(func(f Frame) error { got = f; return nil })
	require.NoError(t, l.OnFrame(MustFrame(5, nil)))
	assert.Equal(t, uint32(5), got.ID())
	assert.ErrorIs(t, l.OnError(ErrorEvent{}), ErrNotHandled)

	var ev ErrorEvent
	e := ErrorFunc(func(e ErrorEvent) error { ev = e; return nil })
	require.NoError(t, e.OnError(ErrorEvent{Kind: ErrorKindErrorFrame}))
	assert.Equal(t, ErrorKindErrorFrame, ev.Kind)
	assert.ErrorIs(t, e.OnFrame(MustFrame(5, nil)), ErrNotHandled)

	assert.True(t, FrameFunc(nil) != FrameFunc(nil))
}
