package callerr

import (
	"errors"
	"fmt"
)

// Kinds of failure surfaced by the call stack. Match with errors.Is.
var (
	ErrMediaDenied       = errors.New("media acquisition denied")
	ErrNegotiationFailed = errors.New("negotiation failed")
	ErrTransportFailed   = errors.New("transport failed")
	ErrDisconnected      = errors.New("transport disconnected")
	ErrProtocolViolation = errors.New("protocol violation")
	ErrNotOpen           = errors.New("connection not open")
	ErrWrongKind         = errors.New("operation not supported for this connection kind")
	ErrClosed            = errors.New("connection closed")
	ErrPeerUnavailable   = errors.New("peer unavailable")
	ErrIDTaken           = errors.New("participant id already in use")
	ErrSignaling         = errors.New("signaling server error")
	ErrSignalingClosed   = errors.New("signaling link closed")
	ErrTimeout           = errors.New("timeout")
)

// Error annotates a failure with the operation and, when known, the remote peer.
type Error struct {
	Op      string
	Peer    string
	Err     error
	Details string
}

func (e *Error) Error() string {
	msg := e.Op
	if e.Peer != "" {
		msg += " " + e.Peer
	}
	if e.Details != "" {
		return fmt.Sprintf("%s: %v (%s)", msg, e.Err, e.Details)
	}
	return fmt.Sprintf("%s: %v", msg, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func New(op string, err error) *Error {
	return &Error{Op: op, Err: err}
}

func NewPeer(op, peer string, err error) *Error {
	return &Error{Op: op, Peer: peer, Err: err}
}

func Wrap(op string, err error, details string) *Error {
	return &Error{Op: op, Err: err, Details: details}
}
