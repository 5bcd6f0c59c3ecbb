package adapter

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/roffe/canbus"
)

// encodeSLCAN renders f as one SLCAN command including the trailing CR.
//
//	t iii l dd..   standard data      T iiiiiiii l dd..  extended data
//	r iii l        standard remote    R iiiiiiii l       extended remote
//	d iii L dd..   standard FD        D iiiiiiii L dd..  extended FD
//	b iii L dd..   standard FD+BRS    B iiiiiiii L dd..  extended FD+BRS
//
// l is the classic length 0-8, L the FD DLC code 0-F.
func encodeSLCAN(f canbus.Frame) ([]byte, error) {
	if f.IsError() {
		return nil, fmt.Errorf("slcan cannot send error frames: %w", canbus.ErrUnsupported)
	}
	if f.ErrorStateIndicator() {
		return nil, fmt.Errorf("slcan cannot send ESI: %w", canbus.ErrUnsupported)
	}
	var cmd byte
	switch {
	case f.IsRemote():
		cmd = 'r'
	case f.IsFD() && f.BitrateSwitch():
		cmd = 'b'
	case f.IsFD():
		cmd = 'd'
	default:
		cmd = 't'
	}
	var sb strings.Builder
	if f.IsExtended() {
		sb.WriteByte(cmd - 'a' + 'A')
		fmt.Fprintf(&sb, "%08X", f.ID())
	} else {
		sb.WriteByte(cmd)
		fmt.Fprintf(&sb, "%03X", f.ID())
	}
	fmt.Fprintf(&sb, "%X", f.DLC())
	if !f.IsRemote() {
		sb.WriteString(strings.ToUpper(hex.EncodeToString(f.Data())))
	}
	sb.WriteByte('\r')
	return []byte(sb.String()), nil
}

// decodeSLCAN parses one received frame line without its CR. A trailing
// four digit timestamp, as sent with Z1 enabled, is ignored.
func decodeSLCAN(line []byte) (canbus.Frame, error) {
	if len(line) == 0 {
		return canbus.Frame{}, fmt.Errorf("%w: empty slcan line", canbus.ErrMalformedFrame)
	}
	var (
		opts  []canbus.FrameOption
		idLen = 3
		fd    bool
	)
	switch line[0] {
	case 't':
	case 'T':
		idLen = 8
	case 'r':
		opts = append(opts, canbus.Remote())
	case 'R':
		idLen = 8
		opts = append(opts, canbus.Remote())
	case 'd':
		fd = true
	case 'D':
		idLen, fd = 8, true
	case 'b':
		fd = true
		opts = append(opts, canbus.BitrateSwitch())
	case 'B':
		idLen, fd = 8, true
		opts = append(opts, canbus.BitrateSwitch())
	default:
		return canbus.Frame{}, fmt.Errorf("%w: unknown slcan command %q", canbus.ErrMalformedFrame, line[0])
	}
	if idLen == 8 {
		opts = append(opts, canbus.Extended())
	}
	if fd {
		opts = append(opts, canbus.FD())
	}
	if len(line) < 2+idLen {
		return canbus.Frame{}, fmt.Errorf("%w: short slcan line %q", canbus.ErrMalformedFrame, line)
	}

	id, err := strconv.ParseUint(string(line[1:1+idLen]), 16, 32)
	if err != nil {
		return canbus.Frame{}, fmt.Errorf("%w: identifier %q", canbus.ErrMalformedFrame, line[1:1+idLen])
	}
	dlc, err := strconv.ParseUint(string(line[1+idLen:2+idLen]), 16, 8)
	if err != nil {
		return canbus.Frame{}, fmt.Errorf("%w: length %q", canbus.ErrMalformedFrame, line[1+idLen])
	}
	if !fd && dlc > canbus.MaxClassicLen {
		return canbus.Frame{}, fmt.Errorf("%w: classic length %d", canbus.ErrMalformedFrame, dlc)
	}

	body := line[2+idLen:]
	n := int(dlc)
	if fd {
		n = canbus.DLCToLength(uint8(dlc))
	}
	if line[0] == 'r' || line[0] == 'R' {
		opts = append(opts, canbus.RemoteLength(uint8(dlc)))
		n = 0
	}
	if len(body) != 2*n && len(body) != 2*n+4 {
		return canbus.Frame{}, fmt.Errorf("%w: body %q does not match length %d", canbus.ErrMalformedFrame, body, n)
	}
	data, err := hex.DecodeString(string(body[:2*n]))
	if err != nil {
		return canbus.Frame{}, fmt.Errorf("%w: body: %v", canbus.ErrMalformedFrame, err)
	}
	return canbus.NewFrame(uint32(id), data, opts...)
}
