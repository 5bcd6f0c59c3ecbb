package adapter

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/albenik/bcd"
	"github.com/roffe/canbus"
)

// slcanStatus is the SJA1000 style flag byte returned by the F command.
type slcanStatus uint8

const (
	statusRxFIFOFull slcanStatus = 1 << iota
	statusTxFIFOFull
	statusErrorWarning
	statusDataOverrun
	_
	statusErrorPassive
	statusArbitrationLost
	statusBusError
)

var statusNames = []struct {
	flag slcanStatus
	name string
}{
	{statusRxFIFOFull, "rx fifo full"},
	{statusTxFIFOFull, "tx fifo full"},
	{statusErrorWarning, "error warning"},
	{statusDataOverrun, "data overrun"},
	{statusErrorPassive, "error passive"},
	{statusArbitrationLost, "arbitration lost"},
	{statusBusError, "bus error"},
}

// decodeStatus parses an "Fxx" reply.
func decodeStatus(b []byte) (slcanStatus, error) {
	if len(b) != 3 || b[0] != 'F' {
		return 0, fmt.Errorf("invalid status reply %q", b)
	}
	raw, err := hex.DecodeString(string(b[1:]))
	if err != nil {
		return 0, fmt.Errorf("invalid status reply %q: %w", b, err)
	}
	return slcanStatus(raw[0]), nil
}

func (s slcanStatus) State() canbus.BusState {
	switch {
	case s&statusErrorPassive != 0:
		return canbus.StateErrorPassive
	case s&statusErrorWarning != 0:
		return canbus.StateErrorWarning
	default:
		return canbus.StateActive
	}
}

// lostFrames reports whether the adapter dropped received frames.
func (s slcanStatus) lostFrames() bool {
	return s&(statusRxFIFOFull|statusDataOverrun) != 0
}

func (s slcanStatus) String() string {
	if s == 0 {
		return "ok"
	}
	var out []string
	for _, n := range statusNames {
		if s&n.flag != 0 {
			out = append(out, n.name)
		}
	}
	return strings.Join(out, ", ")
}

// decodeVersion parses a "Vhhss" reply where hh and ss are the BCD encoded
// hardware and software versions.
func decodeVersion(b []byte) (string, error) {
	if len(b) != 5 || b[0] != 'V' {
		return "", fmt.Errorf("invalid version reply %q", b)
	}
	raw, err := hex.DecodeString(string(b[1:]))
	if err != nil {
		return "", fmt.Errorf("invalid version reply %q: %w", b, err)
	}
	hw := bcd.ToUint16(raw[:1])
	sw := bcd.ToUint16(raw[1:])
	return fmt.Sprintf("hw %d.%d sw %d.%d", hw/10, hw%10, sw/10, sw%10), nil
}
