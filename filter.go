package canbus

import (
	"fmt"
	"strings"
)

// IDWidth restricts a Filter to one identifier width.
type IDWidth uint8

const (
	AnyID IDWidth = iota
	StandardID
	ExtendedID
)

func (w IDWidth) String() string {
	switch w {
	case AnyID:
		return "any"
	case StandardID:
		return "std"
	case ExtendedID:
		return "ext"
	default:
		return "unknown"
	}
}

// Filter accepts a frame when (frame.ID & Mask) == (ID & Mask). A Width other
// than AnyID additionally requires the frame identifier width to match.
type Filter struct {
	ID    uint32
	Mask  uint32
	Width IDWidth
}

// NewFilter matches on id and mask regardless of identifier width.
func NewFilter(id, mask uint32) Filter {
	return Filter{ID: id, Mask: mask}
}

func StandardFilter(id, mask uint32) Filter {
	return Filter{ID: id, Mask: mask, Width: StandardID}
}

func ExtendedFilter(id, mask uint32) Filter {
	return Filter{ID: id, Mask: mask, Width: ExtendedID}
}

// AcceptAll matches every frame.
func AcceptAll() Filter {
	return Filter{}
}

// Validate checks the id/mask combination.
func (flt Filter) Validate() error {
	switch flt.Width {
	case AnyID, ExtendedID:
		if flt.ID > MaxExtendedID || flt.Mask > MaxExtendedID {
			return fmt.Errorf("%w: %s exceeds 29 bits", ErrInvalidFilter, flt)
		}
	case StandardID:
		if flt.ID > MaxStandardID || flt.Mask > MaxStandardID {
			return fmt.Errorf("%w: %s exceeds 11 bits", ErrInvalidFilter, flt)
		}
	default:
		return fmt.Errorf("%w: unknown width %d", ErrInvalidFilter, flt.Width)
	}
	return nil
}

// Match reports whether f passes this filter.
func (flt Filter) Match(f Frame) bool {
	switch flt.Width {
	case StandardID:
		if f.extended {
			return false
		}
	case ExtendedID:
		if !f.extended {
			return false
		}
	}
	return f.id&flt.Mask == flt.ID&flt.Mask
}

func (flt Filter) String() string {
	return fmt.Sprintf("%X/%X(%s)", flt.ID, flt.Mask, flt.Width)
}

// Matches reports whether f passes any filter in the set. An empty set
// accepts everything.
func Matches(f Frame, filters []Filter) bool {
	if len(filters) == 0 {
		return true
	}
	for _, flt := range filters {
		if flt.Match(f) {
			return true
		}
	}
	return false
}

// ValidateFilters validates every filter in the set.
func ValidateFilters(filters []Filter) error {
	for i, flt := range filters {
		if err := flt.Validate(); err != nil {
			return fmt.Errorf("filter %d: %w", i, err)
		}
	}
	return nil
}

// FiltersString renders a filter set for logs.
func FiltersString(filters []Filter) string {
	if len(filters) == 0 {
		return "accept-all"
	}
	out := make([]string, len(filters))
	for i, flt := range filters {
		out[i] = flt.String()
	}
	return strings.Join(out, ",")
}

// RangeFilters returns the shortest list of mask filters accepting exactly
// the identifiers lo..hi inclusive.
func RangeFilters(lo, hi uint32, width IDWidth) []Filter {
	full := uint64(MaxExtendedID)
	if width == StandardID {
		full = MaxStandardID
	}
	if lo > hi {
		lo, hi = hi, lo
	}
	if uint64(hi) > full {
		hi = uint32(full)
	}
	if uint64(lo) > full {
		return nil
	}
	var out []Filter
	start, end := uint64(lo), uint64(hi)
	for start <= end {
		size := uint64(1)
		for {
			next := size << 1
			if next > full+1 || start&(next-1) != 0 || start+next-1 > end {
				break
			}
			size = next
		}
		out = append(out, Filter{
			ID:    uint32(start),
			Mask:  uint32(full &^ (size - 1)),
			Width: width,
		})
		start += size
	}
	return out
}
