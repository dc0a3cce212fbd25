package policy

import (
	"errors"
	"fmt"
)

var (
	// Framing errors. All of them end the connection.
	ErrMalformedLine    = errors.New("policy: malformed attribute line")
	ErrInvalidEscape    = errors.New("policy: invalid %XX escape")
	ErrTruncatedRequest = errors.New("policy: connection closed mid-request")
	ErrRequestTooLarge  = errors.New("policy: request exceeds size limits")

	// ErrConnectionClosed is returned by Reader.ReadRequest when the peer
	// closes the connection at a block boundary. It is not a failure.
	ErrConnectionClosed = errors.New("policy: connection closed")

	ErrInvalidAction  = errors.New("policy: invalid action")
	ErrCancelled      = errors.New("policy: connection cancelled")
	ErrHandlerTimeout = errors.New("policy: handler timed out")
)

// maxErrorLine bounds how much of an offending line is kept in a ProtocolError.
const maxErrorLine = 128

// ProtocolError describes a framing failure together with the line that caused it.
type ProtocolError struct {
	Err  error
	Line []byte
}

func newProtocolError(err error, line []byte) *ProtocolError {
	if len(line) > maxErrorLine {
		line = line[:maxErrorLine]
	}
	return &ProtocolError{Err: err, Line: append([]byte(nil), line...)}
}

func (e *ProtocolError) Error() string {
	if len(e.Line) == 0 {
		return e.Err.Error()
	}
	return fmt.Sprintf("%v: %q", e.Err, e.Line)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// Reason tells why a connection ended.
type Reason int

const (
	ReasonClosed Reason = iota
	ReasonProtocol
	ReasonTransport
	ReasonHandler
	ReasonTimeout
	ReasonCancelled
)

func (r Reason) String() string {
	switch r {
	case ReasonClosed:
		return "closed"
	case ReasonProtocol:
		return "protocol_error"
	case ReasonTransport:
		return "transport_error"
	case ReasonHandler:
		return "handler_error"
	case ReasonTimeout:
		return "handler_timeout"
	case ReasonCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// SessionError is returned by Conn.Serve when a connection ends for any reason
// other than an orderly close by the peer.
type SessionError struct {
	Reason Reason
	Err    error
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("policy session ended (%s): %v", e.Reason, e.Err)
}

func (e *SessionError) Unwrap() error {
	return e.Err
}

// ReasonOf classifies the error returned by Conn.Serve. A nil error is an
// orderly close.
func ReasonOf(err error) Reason {
	if err == nil {
		return ReasonClosed
	}
	var se *SessionError
	if errors.As(err, &se) {
		return se.Reason
	}
	switch {
	case errors.Is(err, ErrConnectionClosed):
		return ReasonClosed
	case errors.Is(err, ErrCancelled):
		return ReasonCancelled
	case errors.Is(err, ErrHandlerTimeout):
		return ReasonTimeout
	case isFramingError(err):
		return ReasonProtocol
	}
	return ReasonTransport
}

func isFramingError(err error) bool {
	return errors.Is(err, ErrMalformedLine) ||
		errors.Is(err, ErrInvalidEscape) ||
		errors.Is(err, ErrTruncatedRequest) ||
		errors.Is(err, ErrRequestTooLarge)
}
