package session

import (
	"github.com/BioHazard786/meshcall/internal/rtc"
)

// NegotiationState is the lifecycle of one connection.
type NegotiationState int

const (
	StateNew NegotiationState = iota
	StateOfferSent
	StateAnswerPending
	StateAnswerSent
	StateConnected
	StateDisconnected
	StateFailed
	StateClosed
)

func (s NegotiationState) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateOfferSent:
		return "offer-sent"
	case StateAnswerPending:
		return "answer-pending"
	case StateAnswerSent:
		return "answer-sent"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

func (s NegotiationState) terminal() bool {
	return s == StateDisconnected || s == StateFailed || s == StateClosed
}

// EventKind tags an Event.
type EventKind int

const (
	// EventIncoming: a remote peer opened a connection to us. Media
	// connections wait for Connection.Answer.
	EventIncoming EventKind = iota + 1
	EventOpen
	EventStream
	EventData
	EventError
	// EventClosed fires exactly once per connection.
	EventClosed
)

func (k EventKind) String() string {
	switch k {
	case EventIncoming:
		return "incoming"
	case EventOpen:
		return "open"
	case EventStream:
		return "stream"
	case EventData:
		return "data"
	case EventError:
		return "error"
	case EventClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Event is delivered to the endpoint's Handler on the endpoint loop.
type Event struct {
	Kind EventKind

	// Conn is nil for endpoint-level errors such as a lost signaling link.
	Conn   *Connection
	Stream rtc.MediaHandle
	Data   []byte
	Err    error

	// Local is set on EventClosed when this side tore the connection down.
	Local bool
}

// Handler receives every event of an endpoint. It runs on the endpoint loop
// and may call Endpoint and Connection methods directly.
type Handler func(Event)
