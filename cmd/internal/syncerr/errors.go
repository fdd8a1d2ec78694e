// Package syncerr defines the error taxonomy shared by the sync engine.
//
// Every component failure is an OpError whose Kind is one of the sentinel
// kinds below. Callers branch with errors.Is on the kind; the underlying
// cause stays reachable through errors.Is/As as well.
package syncerr

import (
	"errors"
	"fmt"
)

var (
	// ErrTransport: the realtime channel or an API call could not be reached.
	ErrTransport = errors.New("transport error")
	// ErrWrite: a durable write was rejected; optimistic state was rolled back.
	ErrWrite = errors.New("write error")
	// ErrProtocol: an event referenced unknown state. Benign, logged and dropped.
	ErrProtocol = errors.New("protocol error")
	// ErrValidation: the caller supplied an invalid input.
	ErrValidation = errors.New("validation error")
)

var (
	// ErrNotConnected is the cause used when an outbound signal is attempted
	// while the channel is not connected.
	ErrNotConnected = errors.New("not connected")
	// ErrClosed is the cause used after the session was closed.
	ErrClosed = errors.New("session closed")
)

// OpError is a typed operation error with a stable Op + Kind contract.
// Msg is human-readable context and must not carry credentials.
type OpError struct {
	Op   string
	Kind error
	Msg  string
	Err  error
}

func (e OpError) Error() string {
	s := fmt.Sprintf("%s: %v", e.Op, e.Kind)
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e OpError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Transport wraps err as a transport failure of op.
func Transport(op string, err error) error {
	return OpError{Op: op, Kind: ErrTransport, Err: err}
}

// Write wraps err as a rejected durable write of op.
func Write(op string, err error) error {
	return OpError{Op: op, Kind: ErrWrite, Err: err}
}

// Protocol reports an event that referenced unknown state.
func Protocol(op, msg string) error {
	return OpError{Op: op, Kind: ErrProtocol, Msg: msg}
}

// Validation reports invalid caller input.
func Validation(op, msg string) error {
	return OpError{Op: op, Kind: ErrValidation, Msg: msg}
}

// IsTransport reports whether err represents ErrTransport.
func IsTransport(err error) bool { return errors.Is(err, ErrTransport) }

// IsWrite reports whether err represents ErrWrite.
func IsWrite(err error) bool { return errors.Is(err, ErrWrite) }

// IsProtocol reports whether err represents ErrProtocol.
func IsProtocol(err error) bool { return errors.Is(err, ErrProtocol) }

// IsValidation reports whether err represents ErrValidation.
func IsValidation(err error) bool { return errors.Is(err, ErrValidation) }
