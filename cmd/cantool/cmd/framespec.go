package cmd

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/roffe/canbus"
)

// parseFrame reads the frame notation used by can-utils:
//
//	123#DEADBEEF      standard data frame
//	1ABCDEFF#0102     extended, any identifier written with 8 digits
//	123#R             remote frame, 123#R8 with a length code
//	123##1DEADBEEF    CAN FD, the digit after ## holds the flags
//	                  (1 = bitrate switch, 2 = error state indicator)
//
// Data bytes may be separated by dots.
func parseFrame(s string) (canbus.Frame, error) {
	idPart, body, ok := strings.Cut(s, "#")
	if !ok {
		return canbus.Frame{}, fmt.Errorf("invalid frame %q, missing #", s)
	}
	var opts []canbus.FrameOption
	switch len(idPart) {
	case 3:
	case 8:
		opts = append(opts, canbus.Extended())
	default:
		return canbus.Frame{}, fmt.Errorf("invalid identifier %q, want 3 or 8 hex digits", idPart)
	}
	id, err := strconv.ParseUint(idPart, 16, 32)
	if err != nil {
		return canbus.Frame{}, fmt.Errorf("invalid identifier %q: %w", idPart, err)
	}

	switch {
	case strings.HasPrefix(body, "R"):
		opts = append(opts, canbus.Remote())
		if len(body) > 1 {
			dlc, err := strconv.ParseUint(body[1:], 16, 8)
			if err != nil {
				return canbus.Frame{}, fmt.Errorf("invalid remote length %q", body[1:])
			}
			opts = append(opts, canbus.RemoteLength(uint8(dlc)))
		}
		return canbus.NewFrame(uint32(id), nil, opts...)
	case strings.HasPrefix(body, "#"):
		if len(body) < 2 {
			return canbus.Frame{}, fmt.Errorf("invalid fd frame %q, missing flags", s)
		}
		flags, err := strconv.ParseUint(body[1:2], 16, 8)
		if err != nil {
			return canbus.Frame{}, fmt.Errorf("invalid fd flags %q", body[1:2])
		}
		opts = append(opts, canbus.FD())
		if flags&1 != 0 {
			opts = append(opts, canbus.BitrateSwitch())
		}
		if flags&2 != 0 {
			opts = append(opts, canbus.ErrorStateIndicator())
		}
		body = body[2:]
	}
	data, err := hex.DecodeString(strings.ReplaceAll(body, ".", ""))
	if err != nil {
		return canbus.Frame{}, fmt.Errorf("invalid data %q: %w", body, err)
	}
	return canbus.NewFrame(uint32(id), data, opts...)
}

// parseFilters reads id:mask pairs. An identifier with 8 digits only
// matches extended frames, one with 3 digits only standard frames.
func parseFilters(specs []string) ([]canbus.Filter, error) {
	var out []canbus.Filter
	for _, s := range specs {
		idPart, maskPart, ok := strings.Cut(s, ":")
		if !ok {
			return nil, fmt.Errorf("invalid filter %q, want id:mask", s)
		}
		id, err := strconv.ParseUint(idPart, 16, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid filter id %q: %w", idPart, err)
		}
		mask, err := strconv.ParseUint(maskPart, 16, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid filter mask %q: %w", maskPart, err)
		}
		f := canbus.NewFilter(uint32(id), uint32(mask))
		switch len(idPart) {
		case 3:
			f.Width = canbus.StandardID
		case 8:
			f.Width = canbus.ExtendedID
		}
		if err := f.Validate(); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}
