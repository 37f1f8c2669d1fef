// Package relay is the rendezvous server: it registers participants by id and
// forwards signaling messages between them.
package relay

import (
	"context"
	"log/slog"

	"github.com/BioHazard786/meshcall/internal/roomid"
	"github.com/BioHazard786/meshcall/internal/signaling"
)

type inbound struct {
	from *Client
	msg  *signaling.Message
}

// Hub owns every registered client. All state is touched only by Run.
type Hub struct {
	clients map[string]*Client

	register   chan *Client
	unregister chan *Client
	route      chan inbound
	done       chan struct{}

	log *slog.Logger
}

func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		clients:    make(map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		route:      make(chan inbound, 256),
		done:       make(chan struct{}),
		log:        log,
	}
}

// Run processes registrations and messages until ctx is done, then
// disconnects every client.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)

	for {
		select {
		case c := <-h.register:
			h.handleRegister(c)

		case c := <-h.unregister:
			h.handleUnregister(c)

		case in := <-h.route:
			h.handleMessage(in.from, in.msg)

		case <-ctx.Done():
			for id, c := range h.clients {
				delete(h.clients, id)
				close(c.send)
			}
			h.log.Info("relay hub stopped")
			return nil
		}
	}
}

func (h *Hub) handleRegister(c *Client) {
	if !roomid.Valid(c.id) && !validUUID(c.id) {
		h.log.Warn("rejected participant id", "id", c.id)
		c.send <- &signaling.Message{Type: signaling.MessageTypeIDTaken, Dst: c.id}
		close(c.send)
		return
	}
	if _, taken := h.clients[c.id]; taken {
		h.log.Info("participant id taken", "id", c.id)
		c.send <- &signaling.Message{Type: signaling.MessageTypeIDTaken, Dst: c.id}
		close(c.send)
		return
	}

	h.clients[c.id] = c
	c.registered = true
	c.send <- &signaling.Message{Type: signaling.MessageTypeOpen, Dst: c.id}
	h.log.Info("participant registered", "id", c.id, "remote", c.remoteAddr, "online", len(h.clients))
}

func (h *Hub) handleUnregister(c *Client) {
	if !c.registered || h.clients[c.id] != c {
		return
	}
	h.drop(c)
	h.log.Info("participant left", "id", c.id, "online", len(h.clients))
}

// drop removes c and tells everyone it exchanged messages with.
func (h *Hub) drop(c *Client) {
	delete(h.clients, c.id)
	close(c.send)

	for peer := range c.contacts {
		if other, ok := h.clients[peer]; ok {
			h.deliver(other, &signaling.Message{Type: signaling.MessageTypeLeave, Src: c.id, Dst: peer})
		}
	}
}

func (h *Hub) handleMessage(from *Client, msg *signaling.Message) {
	if h.clients[from.id] != from {
		return
	}

	switch msg.Type {
	case signaling.MessageTypeHeartbeat:
		return
	case signaling.MessageTypeOffer, signaling.MessageTypeAnswer,
		signaling.MessageTypeCandidate, signaling.MessageTypeLeave:
	default:
		h.log.Warn("unsupported message type", "src", from.id, "type", msg.Type)
		h.deliver(from, errorMessage(from.id, "unsupported message type "+msg.Type))
		return
	}

	msg.Src = from.id
	dst, ok := h.clients[msg.Dst]
	if !ok {
		h.log.Debug("destination offline", "src", from.id, "dst", msg.Dst, "type", msg.Type)
		h.deliver(from, &signaling.Message{Type: signaling.MessageTypeExpire, Src: msg.Dst, Dst: from.id})
		return
	}

	from.contacts[dst.id] = struct{}{}
	dst.contacts[from.id] = struct{}{}
	h.log.Debug("relaying", "src", from.id, "dst", dst.id, "type", msg.Type)
	h.deliver(dst, msg)
}

// deliver never blocks the hub; a client whose buffer is full is dropped.
func (h *Hub) deliver(c *Client, msg *signaling.Message) {
	select {
	case c.send <- msg:
	default:
		h.log.Warn("slow participant dropped", "id", c.id)
		h.drop(c)
	}
}

func errorMessage(dst, text string) *signaling.Message {
	msg, err := signaling.NewMessage(signaling.MessageTypeError, dst, signaling.ErrorPayload{Msg: text})
	if err != nil {
		return &signaling.Message{Type: signaling.MessageTypeError, Dst: dst}
	}
	return msg
}
