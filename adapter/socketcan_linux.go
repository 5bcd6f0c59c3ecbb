package adapter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"runtime"
	"time"

	"github.com/roffe/canbus"
	"go.einride.tech/can"
	"go.einride.tech/can/pkg/candevice"
	"go.einride.tech/can/pkg/socketcan"
)

func init() {
	if err := canbus.RegisterAdapter(&canbus.AdapterInfo{
		Name:               "socketcan",
		Description:        "Linux kernel SocketCAN",
		RequiresSerialPort: false,
		Capabilities: canbus.AdapterCapabilities{
			FD:              false,
			ErrorFrames:     true,
			HardwareFilters: false,
		},
		New: NewSocketCAN,
	}); err != nil {
		panic(err)
	}
}

// SocketCAN uses a raw CAN socket. Channel is the interface name, e.g.
// can0. When Bitrate is set the interface is reconfigured and brought up,
// which needs CAP_NET_ADMIN, and brought down again on Shutdown.
type SocketCAN struct {
	*BaseAdapter
	d    *candevice.Device
	conn net.Conn
	tx   *socketcan.Transmitter
	rx   *socketcan.Receiver

	recvDone chan struct{}
}

func NewSocketCAN(cfg *canbus.Config) (canbus.Transport, error) {
	if cfg.Channel == "" {
		return nil, errors.New("no interface given")
	}
	if cfg.FD {
		return nil, fmt.Errorf("can fd: %w", canbus.ErrUnsupported)
	}
	a := &SocketCAN{
		BaseAdapter: NewBaseAdapter("socketcan", cfg),
		recvDone:    make(chan struct{}),
	}
	if cfg.ReceiveOwnMessages {
		a.log.Warn("receive own messages is not supported, ignoring")
	}

	if cfg.Bitrate > 0 {
		d, err := candevice.New(cfg.Channel)
		if err != nil {
			return nil, err
		}
		if err := d.SetDown(); err != nil {
			return nil, fmt.Errorf("set %s down: %w", cfg.Channel, err)
		}
		if err := d.SetBitrate(uint32(cfg.Bitrate)); err != nil {
			return nil, fmt.Errorf("set %s bitrate: %w", cfg.Channel, err)
		}
		if err := d.SetUp(); err != nil {
			return nil, fmt.Errorf("set %s up: %w", cfg.Channel, err)
		}
		a.d = d
	}

	dialTimeout, err := cfg.DurationOption("dial_timeout", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid dial_timeout: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	conn, err := socketcan.DialContext(ctx, "can", cfg.Channel)
	if err != nil {
		a.setDown()
		return nil, err
	}
	a.conn = conn
	a.tx = socketcan.NewTransmitter(conn)
	a.rx = socketcan.NewReceiver(conn)

	go a.recvManager()
	return a, nil
}

func (a *SocketCAN) recvManager() {
	defer close(a.recvDone)
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	for a.rx.Receive() {
		if a.rx.HasErrorFrame() {
			ef := a.rx.ErrorFrame()
			a.setState(stateFromErrorFrame(ef, a.State()))
			a.deliver(errorFrameToFrame(ef))
			continue
		}
		f, err := fromEinride(a.rx.Frame())
		if err != nil {
			a.setError(err)
			continue
		}
		a.deliver(f)
	}
	if !a.Closed() {
		err := a.rx.Err()
		if err == nil {
			err = io.EOF
		}
		a.fail(canbus.NewDisconnectedError("recv", err))
	}
}

// Send transmits f. Timeouts <= 0 wait for the kernel without a deadline.
func (a *SocketCAN) Send(f canbus.Frame, timeout time.Duration) error {
	if a.Closed() {
		return canbus.NewClosedError("send")
	}
	if err := a.Failed(); err != nil {
		return err
	}
	frame, err := toEinride(f)
	if err != nil {
		return err
	}
	ctx := context.Background()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if err := a.tx.TransmitFrame(ctx, frame); err != nil {
		switch {
		case a.Closed():
			return canbus.NewClosedError("send")
		case errors.Is(err, context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded):
			return canbus.NewTimeoutError("send", timeout)
		case errors.Is(err, net.ErrClosed):
			return canbus.NewDisconnectedError("send", err)
		}
		return fmt.Errorf("send: %w", err)
	}
	return nil
}

func (a *SocketCAN) Shutdown() error {
	if !a.Close() {
		return nil
	}
	err := a.conn.Close()
	<-a.recvDone
	a.setDown()
	return err
}

func (a *SocketCAN) setDown() {
	if a.d == nil {
		return
	}
	if err := a.d.SetDown(); err != nil {
		a.log.Warn("set interface down", "err", err)
	}
}

func toEinride(f canbus.Frame) (can.Frame, error) {
	if f.IsFD() {
		return can.Frame{}, fmt.Errorf("can fd: %w", canbus.ErrUnsupported)
	}
	if f.IsError() {
		return can.Frame{}, fmt.Errorf("error frames: %w", canbus.ErrUnsupported)
	}
	frame := can.Frame{
		ID:         f.ID(),
		Length:     f.DLC(),
		IsRemote:   f.IsRemote(),
		IsExtended: f.IsExtended(),
	}
	copy(frame.Data[:], f.Data())
	return frame, nil
}

func fromEinride(f can.Frame) (canbus.Frame, error) {
	var opts []canbus.FrameOption
	if f.IsExtended {
		opts = append(opts, canbus.Extended())
	}
	if f.IsRemote {
		opts = append(opts, canbus.Remote(), canbus.RemoteLength(f.Length))
		return canbus.NewFrame(f.ID, nil, opts...)
	}
	return canbus.NewFrame(f.ID, f.Data[:f.Length], opts...)
}

// stateFromErrorFrame maps the kernel error class and controller detail to
// a bus state. Classes that say nothing about the state keep cur.
func stateFromErrorFrame(ef socketcan.ErrorFrame, cur canbus.BusState) canbus.BusState {
	switch {
	case ef.ErrorClass&socketcan.ErrorClassBusOff != 0:
		return canbus.StateBusOff
	case ef.ErrorClass&socketcan.ErrorClassRestarted != 0:
		return canbus.StateActive
	case ef.ErrorClass&socketcan.ErrorClassController == 0:
		return cur
	}
	switch {
	case ef.ControllerError&(socketcan.ControllerErrorRxPassive|socketcan.ControllerErrorTxPassive) != 0:
		return canbus.StateErrorPassive
	case ef.ControllerError&(socketcan.ControllerErrorRxWarning|socketcan.ControllerErrorTxWarning) != 0:
		return canbus.StateErrorWarning
	default:
		return canbus.StateActive
	}
}

// errorFrameToFrame surfaces ef as an error Frame carrying the class in the
// identifier and the controller detail in byte 1, as the kernel lays it out.
func errorFrameToFrame(ef socketcan.ErrorFrame) canbus.Frame {
	data := make([]byte, 8)
	data[1] = byte(ef.ControllerError)
	return canbus.MustFrame(uint32(ef.ErrorClass)&canbus.MaxExtendedID, data, canbus.Extended(), canbus.ErrorFrame())
}
