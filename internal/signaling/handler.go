package signaling

import (
	"context"

	"github.com/BioHazard786/meshcall/internal/callerr"
)

// Link is the message channel to the relay. A closed Incoming channel means
// the link is gone.
type Link interface {
	Send(msg *Message) error
	Incoming() <-chan *Message
	Close()
}

// WaitOpen blocks until the relay accepts or rejects the id this link
// registered with. Messages other than the handshake reply are discarded.
func WaitOpen(ctx context.Context, link Link) error {
	for {
		select {
		case <-ctx.Done():
			return callerr.Wrap("wait for relay", callerr.ErrTimeout, ctx.Err().Error())

		case msg, ok := <-link.Incoming():
			if !ok {
				return callerr.New("wait for relay", callerr.ErrSignalingClosed)
			}

			switch msg.Type {
			case MessageTypeOpen:
				return nil
			case MessageTypeIDTaken:
				return callerr.New("register id", callerr.ErrIDTaken)
			case MessageTypeError:
				var p ErrorPayload
				_ = msg.DecodePayload(&p)
				return callerr.Wrap("register id", callerr.ErrSignaling, p.Msg)
			}
		}
	}
}
