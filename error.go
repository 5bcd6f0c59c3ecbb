package canbus

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrMalformedFrame = errors.New("malformed frame")
	ErrInvalidFilter  = errors.New("invalid filter")
	ErrTimeout        = errors.New("timeout")
	ErrDisconnected   = errors.New("disconnected")
	ErrClosed         = errors.New("closed")
	ErrUnknownAdapter = errors.New("unknown adapter")
	ErrUnsupported    = errors.New("not supported by transport")
)

// TransportError is returned by transports and the Bus for failures of the
// underlying medium. Kind is one of ErrTimeout, ErrDisconnected or ErrClosed
// and is matched by errors.Is.
type TransportError struct {
	Op      string
	Kind    error
	Timeout time.Duration
	Err     error
}

func (e *TransportError) Error() string {
	msg := e.Op + ": " + e.Kind.Error()
	if e.Kind == ErrTimeout && e.Timeout > 0 {
		msg += fmt.Sprintf(" after %s", e.Timeout)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *TransportError) Is(target error) bool {
	return target == e.Kind
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func NewTimeoutError(op string, timeout time.Duration) error {
	return &TransportError{Op: op, Kind: ErrTimeout, Timeout: timeout}
}

func NewDisconnectedError(op string, err error) error {
	return &TransportError{Op: op, Kind: ErrDisconnected, Err: err}
}

func NewClosedError(op string) error {
	return &TransportError{Op: op, Kind: ErrClosed}
}

// ListenerError describes a failed listener invocation.
type ListenerError struct {
	Listener Listener
	Err      error
}

func (e *ListenerError) Error() string {
	return fmt.Sprintf("listener %T: %v", e.Listener, e.Err)
}

func (e *ListenerError) Unwrap() error {
	return e.Err
}

// Unrecoverable reports whether err leaves the transport unusable.
func Unrecoverable(err error) bool {
	return errors.Is(err, ErrClosed) || errors.Is(err, ErrDisconnected)
}
