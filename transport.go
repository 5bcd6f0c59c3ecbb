package canbus

import "time"

// Forever as a timeout blocks until the operation completes or the
// transport is closed.
const Forever time.Duration = -1

// BusState is the CAN error state reported by the medium.
type BusState int32

const (
	StateActive BusState = iota
	StatePassive
	StateErrorWarning
	StateErrorPassive
	StateBusOff
)

func (s BusState) String() string {
	switch s {
	case StateActive:
		return "ACTIVE"
	case StatePassive:
		return "PASSIVE"
	case StateErrorWarning:
		return "ERROR-WARNING"
	case StateErrorPassive:
		return "ERROR-PASSIVE"
	case StateBusOff:
		return "BUS-OFF"
	default:
		return "UNKNOWN"
	}
}

// Transport is the duplex channel a backend implements. Implementations
// must be safe for one concurrent sender and one concurrent receiver.
type Transport interface {
	// Send blocks up to timeout delivering f to the medium. It fails with
	// errors matching ErrTimeout, ErrDisconnected or ErrClosed.
	Send(f Frame, timeout time.Duration) error
	// Recv returns the next frame or nil when timeout elapses first.
	// Returned frames carry a timestamp.
	Recv(timeout time.Duration) (*Frame, error)
	// Shutdown releases the underlying resources. It is idempotent.
	Shutdown() error
	State() BusState
}

// FilterSetter is implemented by transports able to program acceptance
// filters in hardware. The Bus keeps filtering in software regardless.
type FilterSetter interface {
	SetFilters([]Filter) error
}
