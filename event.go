package canbus

import "fmt"

type ErrorKind int

const (
	// ErrorKindTransport is a failed receive on the transport.
	ErrorKindTransport ErrorKind = iota
	// ErrorKindErrorFrame is an error frame reported by the medium.
	ErrorKindErrorFrame
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorKindTransport:
		return "TRANSPORT"
	case ErrorKindErrorFrame:
		return "ERROR-FRAME"
	default:
		return "UNKNOWN"
	}
}

// ErrorEvent is handed to Listener.OnError.
type ErrorEvent struct {
	Kind    ErrorKind
	State   BusState
	Channel string
	Frame   *Frame // originating frame, if any
	Err     error
}

func (e ErrorEvent) String() string {
	s := fmt.Sprintf("[%s] state=%s", e.Kind, e.State)
	if e.Channel != "" {
		s += " channel=" + e.Channel
	}
	if e.Frame != nil {
		s += " frame=" + e.Frame.String()
	}
	if e.Err != nil {
		s += " err=" + e.Err.Error()
	}
	return s
}
