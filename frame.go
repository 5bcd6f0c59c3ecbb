package canbus

import (
	"fmt"
	"strings"
	"time"

	"github.com/fatih/color"
)

const (
	MaxStandardID = 0x7FF
	MaxExtendedID = 0x1FFFFFFF

	MaxClassicLen = 8
	MaxFDLen      = 64
)

var fdLengths = [16]int{0, 1, 2, 3, 4, 5, 6, 7, 8, 12, 16, 20, 24, 32, 48, 64}

// DLCToLength returns the payload length encoded by a data length code.
func DLCToLength(dlc uint8) int {
	if dlc > 15 {
		return MaxFDLen
	}
	return fdLengths[dlc]
}

// LengthToDLC returns the smallest data length code able to hold n bytes.
func LengthToDLC(n int) uint8 {
	for dlc, l := range fdLengths {
		if n <= l {
			return uint8(dlc)
		}
	}
	return 15
}

// Frame is one CAN message or error condition. Frames are values, every
// field is read through an accessor and the payload lives in a fixed array
// so a copy never shares memory with the original.
type Frame struct {
	id        uint32
	extended  bool
	remote    bool
	errFrame  bool
	fd        bool
	brs       bool
	esi       bool
	dlc       uint8
	data      [MaxFDLen]byte
	timestamp time.Time
	channel   string
}

type FrameOption func(*Frame)

// Extended marks the identifier as 29 bit.
func Extended() FrameOption { return func(f *Frame) { f.extended = true } }

// Remote marks the frame as a remote transmission request.
func Remote() FrameOption { return func(f *Frame) { f.remote = true } }

// ErrorFrame marks the frame as a bus error report.
func ErrorFrame() FrameOption { return func(f *Frame) { f.errFrame = true } }

// FD marks the frame as CAN FD.
func FD() FrameOption { return func(f *Frame) { f.fd = true } }

// BitrateSwitch sets the FD bitrate switch flag.
func BitrateSwitch() FrameOption { return func(f *Frame) { f.brs = true } }

// ErrorStateIndicator sets the FD error state indicator flag.
func ErrorStateIndicator() FrameOption { return func(f *Frame) { f.esi = true } }

// At sets the frame timestamp.
func At(t time.Time) FrameOption { return func(f *Frame) { f.timestamp = t } }

// OnChannel sets the originating or destination channel.
func OnChannel(ch string) FrameOption { return func(f *Frame) { f.channel = ch } }

// RemoteLength sets the DLC carried by a remote frame.
func RemoteLength(dlc uint8) FrameOption { return func(f *Frame) { f.dlc = dlc } }

// NewFrame creates a new Frame, copying data.
func NewFrame(id uint32, data []byte, opts ...FrameOption) (Frame, error) {
	var f Frame
	f.id = id
	for _, opt := range opts {
		opt(&f)
	}
	if err := f.validate(len(data)); err != nil {
		return Frame{}, err
	}
	if !f.remote {
		f.dlc = LengthToDLC(len(data))
	}
	copy(f.data[:], data)
	return f, nil
}

// MustFrame is like NewFrame but panics on invalid input.
func MustFrame(id uint32, data []byte, opts ...FrameOption) Frame {
	f, err := NewFrame(id, data, opts...)
	if err != nil {
		panic(err)
	}
	return f
}

func (f *Frame) validate(n int) error {
	if f.extended {
		if f.id > MaxExtendedID {
			return fmt.Errorf("%w: extended identifier 0x%X out of range", ErrMalformedFrame, f.id)
		}
	} else if f.id > MaxStandardID {
		return fmt.Errorf("%w: standard identifier 0x%X out of range", ErrMalformedFrame, f.id)
	}
	if f.fd {
		if n > MaxFDLen {
			return fmt.Errorf("%w: %d bytes exceed FD payload", ErrMalformedFrame, n)
		}
		if f.remote {
			return fmt.Errorf("%w: FD frames cannot be remote", ErrMalformedFrame)
		}
	} else {
		if n > MaxClassicLen {
			return fmt.Errorf("%w: %d bytes exceed classic payload", ErrMalformedFrame, n)
		}
		if f.brs || f.esi {
			return fmt.Errorf("%w: BRS/ESI require an FD frame", ErrMalformedFrame)
		}
	}
	if f.remote {
		if n > 0 {
			return fmt.Errorf("%w: remote frame with %d data bytes", ErrMalformedFrame, n)
		}
		if f.dlc > MaxClassicLen {
			return fmt.Errorf("%w: remote DLC %d", ErrMalformedFrame, f.dlc)
		}
	}
	return nil
}

// ID returns the arbitration identifier, 11 or 29 bits wide.
func (f Frame) ID() uint32 { return f.id }

// IsExtended reports a 29-bit identifier.
func (f Frame) IsExtended() bool { return f.extended }

// IsRemote reports a remote transmission request.
func (f Frame) IsRemote() bool { return f.remote }

// IsError reports an error frame raised by the controller.
func (f Frame) IsError() bool { return f.errFrame }

// IsFD reports a CAN FD frame.
func (f Frame) IsFD() bool { return f.fd }

// BitrateSwitch reports whether an FD frame switches to the data bitrate.
func (f Frame) BitrateSwitch() bool { return f.brs }

// ErrorStateIndicator reports the ESI flag of an FD frame.
func (f Frame) ErrorStateIndicator() bool { return f.esi }

// DLC returns the raw data length code.
func (f Frame) DLC() uint8 { return f.dlc }

// Timestamp is the receive time, or the time set with At.
func (f Frame) Timestamp() time.Time { return f.timestamp }

// Channel names the bus the frame was received on.
func (f Frame) Channel() string { return f.channel }

// Len returns the payload length in bytes. Remote frames carry none.
func (f Frame) Len() int {
	if f.remote {
		return 0
	}
	return DLCToLength(f.dlc)
}

// Data returns a copy of the payload.
func (f Frame) Data() []byte {
	out := make([]byte, f.Len())
	copy(out, f.data[:])
	return out
}

// Byte returns payload byte i, or 0 when i is out of range.
func (f Frame) Byte(i int) byte {
	if i < 0 || i >= f.Len() {
		return 0
	}
	return f.data[i]
}

// WithTimestamp returns a copy of f stamped with t.
func (f Frame) WithTimestamp(t time.Time) Frame {
	f.timestamp = t
	return f
}

// WithChannel returns a copy of f bound to ch.
func (f Frame) WithChannel(ch string) Frame {
	f.channel = ch
	return f
}

// Equal reports whether the frames are structurally identical.
func (f Frame) Equal(o Frame) bool {
	return f.id == o.id &&
		f.extended == o.extended &&
		f.remote == o.remote &&
		f.errFrame == o.errFrame &&
		f.fd == o.fd &&
		f.brs == o.brs &&
		f.esi == o.esi &&
		f.dlc == o.dlc &&
		f.data == o.data &&
		f.timestamp.Equal(o.timestamp) &&
		f.channel == o.channel
}

func (f Frame) idString() string {
	if f.extended {
		return fmt.Sprintf("%08X", f.id)
	}
	return fmt.Sprintf("%03X", f.id)
}

func (f Frame) flagString() string {
	var flags []string
	if f.remote {
		flags = append(flags, "RTR")
	}
	if f.errFrame {
		flags = append(flags, "ERR")
	}
	if f.fd {
		flags = append(flags, "FD")
	}
	if f.brs {
		flags = append(flags, "BRS")
	}
	if f.esi {
		flags = append(flags, "ESI")
	}
	return strings.Join(flags, " ")
}

func (f Frame) hexString() string {
	var out strings.Builder
	for i := 0; i < f.Len(); i++ {
		if i > 0 {
			out.WriteByte(' ')
		}
		fmt.Fprintf(&out, "%02X", f.data[i])
	}
	return out.String()
}

// String renders the frame as "123 [2] DE AD".
func (f Frame) String() string {
	var out strings.Builder
	out.WriteString(f.idString())
	fmt.Fprintf(&out, " [%d]", f.Len())
	if flags := f.flagString(); flags != "" {
		out.WriteString(" " + flags)
	}
	if f.Len() > 0 {
		out.WriteString(" " + f.hexString())
	}
	return out.String()
}

var (
	blue   = color.New(color.FgHiBlue).SprintfFunc()
	red    = color.New(color.FgRed).SprintfFunc()
	green  = color.New(color.FgGreen).SprintfFunc()
)

// ColorString is String for terminals.
func (f Frame) ColorString() string {
	var out strings.Builder
	if f.channel != "" {
		out.WriteString(f.channel + " || ")
	}
	out.WriteString(green(f.idString()) + " || ")
	fmt.Fprintf(&out, "%2d || ", f.Len())
	if flags := f.flagString(); flags != "" {
		out.WriteString(red(flags) + " || ")
	}
	out.WriteString(fmt.Sprintf("%-23s", f.hexString()))
	out.WriteString(" || ")
	out.WriteString(blue(onlyPrintable(f.data[:f.Len()])))
	return out.String()
}

func onlyPrintable(data []byte) string {
	var out strings.Builder
	for _, b := range data {
		if b < 32 || b > 126 {
			out.WriteString("·")
		} else {
			out.WriteByte(b)
		}
	}
	return out.String()
}
