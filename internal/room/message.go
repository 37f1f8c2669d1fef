package room

import (
	"fmt"

	"github.com/BioHazard786/meshcall/internal/callerr"
	"github.com/vmihailenco/msgpack/v5"
)

// MessageType tags a room protocol message.
type MessageType string

const (
	// Connect asks the root to admit the sender. Guest to root.
	Connect MessageType = "connect"
	// OnConnect carries the root's full membership. Root to guest.
	OnConnect MessageType = "onconnect"
	// DropUser names members the root removed. Root to guest.
	DropUser MessageType = "dropuser"
	// Disconnect reports a lost media peer. Guest to root.
	Disconnect MessageType = "disconnect"
)

func (t MessageType) valid() bool {
	switch t {
	case Connect, OnConnect, DropUser, Disconnect:
		return true
	}
	return false
}

// Message is one room protocol message. Value is always a list, even when it
// names a single participant.
type Message struct {
	Type  MessageType `msgpack:"type"`
	Value []string    `msgpack:"value"`
}

func EncodeMessage(t MessageType, ids []string) ([]byte, error) {
	if ids == nil {
		ids = []string{}
	}
	return msgpack.Marshal(&Message{Type: t, Value: ids})
}

func DecodeMessage(data []byte) (*Message, error) {
	var m Message
	if err := msgpack.Unmarshal(data, &m); err != nil {
		return nil, callerr.Wrap("decode room message", callerr.ErrProtocolViolation, err.Error())
	}
	if !m.Type.valid() {
		return nil, callerr.Wrap("decode room message", callerr.ErrProtocolViolation, fmt.Sprintf("unknown type %q", m.Type))
	}
	return &m, nil
}
