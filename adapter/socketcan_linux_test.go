package adapter

import (
	"testing"

	"github.com/roffe/canbus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.einride.tech/can"
	"go.einride.tech/can/pkg/socketcan"
)

func TestStateFromErrorFrame(t *testing.T) {
	tests := []struct {
		name string
		ef   socketcan.ErrorFrame
		cur  canbus.BusState
		want canbus.BusState
	}{
		{"bus off", socketcan.ErrorFrame{ErrorClass: socketcan.ErrorClassBusOff}, canbus.StateActive, canbus.StateBusOff},
		{"restarted", socketcan.ErrorFrame{ErrorClass: socketcan.ErrorClassRestarted}, canbus.StateBusOff, canbus.StateActive},
		{"rx passive", socketcan.ErrorFrame{ErrorClass: socketcan.ErrorClassController, ControllerError: socketcan.ControllerErrorRxPassive}, canbus.StateActive, canbus.StateErrorPassive},
		{"tx warning", socketcan.ErrorFrame{ErrorClass: socketcan.ErrorClassController, ControllerError: socketcan.ControllerErrorTxWarning}, canbus.StateActive, canbus.StateErrorWarning},
		{"back to active", socketcan.ErrorFrame{ErrorClass: socketcan.ErrorClassController, ControllerError: socketcan.ControllerErrorActive}, canbus.StateErrorPassive, canbus.StateActive},
		{"protocol error keeps state", socketcan.ErrorFrame{ErrorClass: socketcan.ErrorClass(0x08)}, canbus.StateErrorWarning, canbus.StateErrorWarning},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, stateFromErrorFrame(tt.ef, tt.cur))
		})
	}
}

func TestErrorFrameToFrame(t *testing.T) {
	f := errorFrameToFrame(socketcan.ErrorFrame{ErrorClass: socketcan.ErrorClassController, ControllerError: socketcan.ControllerErrorRxWarning})
	assert.True(t, f.IsError())
	assert.Equal(t, uint32(socketcan.ErrorClassController), f.ID())
	assert.Equal(t, byte(socketcan.ControllerErrorRxWarning), f.Byte(1))
}

func TestEinrideConversion(t *testing.T) {
	frames := []canbus.Frame{
		canbus.MustFrame(0x123, []byte{1, 2, 3}),
		canbus.MustFrame(0x1ABCDEFF, make([]byte, 8), canbus.Extended()),
		canbus.MustFrame(0x7DF, nil, canbus.Remote(), canbus.RemoteLength(8)),
	}
	for _, f := range frames {
		ef, err := toEinride(f)
		require.NoError(t, err)
		back, err := fromEinride(ef)
		require.NoError(t, err)
		assert.True(t, f.Equal(back), "%s != %s", f, back)
	}

	_, err := toEinride(canbus.MustFrame(0x1, nil, canbus.FD()))
	assert.ErrorIs(t, err, canbus.ErrUnsupported)

	_, err = fromEinride(can.Frame{ID: 0x800, Length: 0})
	assert.ErrorIs(t, err, canbus.ErrMalformedFrame)
}
