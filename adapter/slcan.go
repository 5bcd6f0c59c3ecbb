package adapter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/avast/retry-go"
	"github.com/roffe/canbus"
	"go.bug.st/serial"
	"go.uber.org/ratelimit"
)

func init() {
	if err := canbus.RegisterAdapter(&canbus.AdapterInfo{
		Name:               "slcan",
		Description:        "Lawicel / CANable ASCII protocol over a serial port",
		RequiresSerialPort: true,
		Capabilities: canbus.AdapterCapabilities{
			FD:              true,
			ErrorFrames:     false,
			HardwareFilters: false,
		},
		New: NewSLCan,
	}); err != nil {
		panic(err)
	}
}

// serialPort is the part of serial.Port the adapter uses.
type serialPort interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
	ResetInputBuffer() error
	ResetOutputBuffer() error
}

var slcanBitrates = map[int]string{
	10000:   "S0",
	20000:   "S1",
	50000:   "S2",
	100000:  "S3",
	125000:  "S4",
	250000:  "S5",
	500000:  "S6",
	800000:  "S7",
	1000000: "S8",
}

var slcanDataBitrates = map[int]string{
	2000000: "Y2",
	5000000: "Y5",
}

const (
	slcanReadTimeout  = 10 * time.Millisecond
	slcanReplyTimeout = 500 * time.Millisecond
)

// SLCan talks the Lawicel ASCII protocol. Channel is the serial port name.
//
// Options:
//
//	baudrate         serial speed, default 115200
//	mode             normal or listen, default normal
//	rate             max commands written per second, default 1000
//	status_interval  F status polling period, 0 disables, default 1s
//	open_attempts    handshake attempts, default 3
type SLCan struct {
	*BaseAdapter
	port    serialPort
	fd      bool
	version string

	send     chan []byte
	limiter  ratelimit.Limiter
	interval time.Duration

	sendDone chan struct{}
	recvDone chan struct{}
	pollDone chan struct{}
}

func NewSLCan(cfg *canbus.Config) (canbus.Transport, error) {
	if cfg.Channel == "" {
		return nil, errors.New("no serial port given")
	}
	baud, err := cfg.IntOption("baudrate", 115200)
	if err != nil {
		return nil, fmt.Errorf("invalid baudrate: %w", err)
	}
	mode := &serial.Mode{
		BaudRate: baud,
		Parity:   serial.NoParity,
		DataBits: 8,
		StopBits: serial.OneStopBit,
	}
	p, err := serial.Open(cfg.Channel, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open com port %q: %w", cfg.Channel, err)
	}
	sl, err := newSLCan(cfg, p)
	if err != nil {
		p.Close()
		return nil, err
	}
	return sl, nil
}

// slcanSetup returns the commands that configure and open the channel.
func slcanSetup(cfg *canbus.Config) ([]string, error) {
	var cmds []string
	if cfg.Bitrate > 0 {
		code, ok := slcanBitrates[cfg.Bitrate]
		if !ok {
			return nil, fmt.Errorf("bitrate %d: %w", cfg.Bitrate, canbus.ErrUnsupported)
		}
		cmds = append(cmds, code)
	}
	if cfg.FD && cfg.DataBitrate > 0 && cfg.DataBitrate != cfg.Bitrate {
		code, ok := slcanDataBitrates[cfg.DataBitrate]
		if !ok {
			return nil, fmt.Errorf("data bitrate %d: %w", cfg.DataBitrate, canbus.ErrUnsupported)
		}
		cmds = append(cmds, code)
	}
	switch mode := cfg.Option("mode", "normal"); mode {
	case "normal":
		cmds = append(cmds, "O")
	case "listen":
		cmds = append(cmds, "L")
	default:
		return nil, fmt.Errorf("unknown mode %q", mode)
	}
	return cmds, nil
}

func newSLCan(cfg *canbus.Config, p serialPort) (*SLCan, error) {
	cmds, err := slcanSetup(cfg)
	if err != nil {
		return nil, err
	}
	rate, err := cfg.IntOption("rate", 1000)
	if err != nil || rate <= 0 {
		return nil, fmt.Errorf("invalid rate %q", cfg.Option("rate", ""))
	}
	interval, err := cfg.DurationOption("status_interval", time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid status_interval: %w", err)
	}
	attempts, err := cfg.IntOption("open_attempts", 3)
	if err != nil || attempts <= 0 {
		return nil, fmt.Errorf("invalid open_attempts %q", cfg.Option("open_attempts", ""))
	}

	sl := &SLCan{
		BaseAdapter: NewBaseAdapter("slcan", cfg),
		port:        p,
		fd:          cfg.FD,
		send:        make(chan []byte, 32),
		limiter:     ratelimit.New(rate),
		interval:    interval,
		sendDone:    make(chan struct{}),
		recvDone:    make(chan struct{}),
		pollDone:    make(chan struct{}),
	}
	if err := sl.open(cmds, uint(attempts)); err != nil {
		return nil, err
	}

	go sl.sendManager()
	go sl.recvManager()
	go sl.statusPoller()
	return sl, nil
}

func (sl *SLCan) open(cmds []string, attempts uint) error {
	if err := sl.port.SetReadTimeout(slcanReadTimeout); err != nil {
		return err
	}
	sl.port.ResetOutputBuffer()
	sl.port.ResetInputBuffer()

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(attempts)*2*time.Second)
	defer cancel()
	err := retry.Do(func() error {
		// close a channel left open by an earlier session, the reply is
		// a bell when it was already closed
		sl.command("C", 50*time.Millisecond)
		if reply, err := sl.command("V", slcanReplyTimeout); err == nil {
			if v, err := decodeVersion(reply); err == nil {
				sl.version = v
			}
		}
		for _, c := range cmds {
			if _, err := sl.command(c, slcanReplyTimeout); err != nil {
				return err
			}
		}
		return nil
	},
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(50*time.Millisecond),
		retry.OnRetry(func(n uint, err error) {
			sl.log.Warn("slcan handshake failed, retrying", "attempt", n+1, "err", err)
		}),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return fmt.Errorf("slcan handshake: %w", err)
	}
	sl.log.Info("slcan channel open", "version", sl.version, "setup", strings.Join(cmds, " "))
	return nil
}

// command writes cmd and waits for its CR terminated reply. A bell means
// the adapter rejected the command.
func (sl *SLCan) command(cmd string, timeout time.Duration) ([]byte, error) {
	if _, err := sl.port.Write([]byte(cmd + "\r")); err != nil {
		return nil, fmt.Errorf("write %q: %w", cmd, err)
	}
	var reply bytes.Buffer
	buf := make([]byte, 32)
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		n, err := sl.port.Read(buf)
		if err != nil {
			return nil, fmt.Errorf("read reply to %q: %w", cmd, err)
		}
		for _, b := range buf[:n] {
			switch b {
			case '\r':
				return reply.Bytes(), nil
			case 0x07:
				return nil, fmt.Errorf("command %q rejected", cmd)
			default:
				reply.WriteByte(b)
			}
		}
	}
	return nil, fmt.Errorf("no reply to %q within %s", cmd, timeout)
}

// Version returns the adapter version reported during the handshake.
func (sl *SLCan) Version() string {
	return sl.version
}

func (sl *SLCan) Send(f canbus.Frame, timeout time.Duration) error {
	if sl.Closed() {
		return canbus.NewClosedError("send")
	}
	if err := sl.Failed(); err != nil {
		return err
	}
	if f.IsFD() && !sl.fd {
		return fmt.Errorf("send fd frame on classic channel: %w", canbus.ErrUnsupported)
	}
	msg, err := encodeSLCAN(f)
	if err != nil {
		return err
	}
	return sl.enqueue(msg, timeout)
}

func (sl *SLCan) enqueue(msg []byte, timeout time.Duration) error {
	if timeout == 0 {
		select {
		case sl.send <- msg:
			return nil
		default:
			return canbus.NewTimeoutError("send", timeout)
		}
	}
	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}
	select {
	case sl.send <- msg:
		return nil
	case <-sl.close:
		return canbus.NewClosedError("send")
	case <-timer:
		return canbus.NewTimeoutError("send", timeout)
	}
}

func (sl *SLCan) sendManager() {
	defer close(sl.sendDone)
	for {
		select {
		case <-sl.close:
			return
		case msg := <-sl.send:
			sl.limiter.Take()
			if _, err := sl.port.Write(msg); err != nil {
				sl.fail(canbus.NewDisconnectedError("send", err))
				return
			}
			sl.log.Debug(">> " + strings.TrimSuffix(string(msg), "\r"))
		}
	}
}

func (sl *SLCan) recvManager() {
	defer close(sl.recvDone)
	buff := bytes.NewBuffer(nil)
	readBuffer := make([]byte, 64)
	for !sl.Closed() {
		n, err := sl.port.Read(readBuffer)
		if err != nil {
			if !sl.Closed() {
				sl.fail(canbus.NewDisconnectedError("recv", err))
			}
			return
		}
		for _, b := range readBuffer[:n] {
			switch b {
			case '\r':
				if buff.Len() > 0 {
					sl.parse(buff.Bytes())
				}
				buff.Reset()
			case 0x07:
				sl.log.Warn("slcan command rejected")
				buff.Reset()
			default:
				buff.WriteByte(b)
			}
		}
	}
}

func (sl *SLCan) parse(line []byte) {
	switch line[0] {
	case 't', 'T', 'r', 'R', 'd', 'D', 'b', 'B':
		sl.log.Debug("<< " + string(line))
		f, err := decodeSLCAN(line)
		if err != nil {
			sl.setError(err)
			return
		}
		sl.deliver(f)
	case 'F':
		st, err := decodeStatus(line)
		if err != nil {
			sl.setError(err)
			return
		}
		sl.setState(st.State())
		if st.lostFrames() {
			sl.setError(fmt.Errorf("slcan status: %s", st))
		}
	case 'z', 'Z':
		// transmit acknowledged
	default:
		sl.log.Debug("unknown slcan message", "line", string(line))
	}
}

func (sl *SLCan) statusPoller() {
	defer close(sl.pollDone)
	if sl.interval <= 0 {
		return
	}
	t := time.NewTicker(sl.interval)
	defer t.Stop()
	for {
		select {
		case <-sl.close:
			return
		case <-t.C:
			select {
			case sl.send <- []byte("F\r"):
			default:
			}
		}
	}
}

// Shutdown closes the CAN channel and the serial port.
func (sl *SLCan) Shutdown() error {
	if !sl.Close() {
		return nil
	}
	<-sl.sendDone
	<-sl.pollDone
	if sl.Failed() == nil {
		sl.port.Write([]byte("C\r"))
	}
	err := sl.port.Close()
	<-sl.recvDone
	return err
}
