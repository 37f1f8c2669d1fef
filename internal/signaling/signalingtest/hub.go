// Package signalingtest routes signaling messages in memory, the way the
// relay does, so session tests need no sockets.
package signalingtest

import (
	"sync"

	"github.com/BioHazard786/meshcall/internal/callerr"
	"github.com/BioHazard786/meshcall/internal/signaling"
)

const queueSize = 4096

// Hub connects in-memory links by participant id.
type Hub struct {
	mu        sync.Mutex
	links     map[string]*Link
	hold      func(*signaling.Message) bool
	held      []*signaling.Message
	delivered []*signaling.Message
}

func NewHub() *Hub {
	return &Hub{links: make(map[string]*Link)}
}

// Connect registers id and returns its link. The first message on the link is
// "open", or "id-taken" when id is already registered.
func (h *Hub) Connect(id string) *Link {
	l := &Link{hub: h, id: id, incoming: make(chan *signaling.Message, queueSize)}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, taken := h.links[id]; taken || id == "" {
		l.incoming <- &signaling.Message{Type: signaling.MessageTypeIDTaken}
		l.closed = true
		close(l.incoming)
		return l
	}
	h.links[id] = l
	l.incoming <- &signaling.Message{Type: signaling.MessageTypeOpen}
	return l
}

// Hold parks every message matching match until Release is called.
func (h *Hub) Hold(match func(*signaling.Message) bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.hold = match
}

// Release stops holding and delivers parked messages in order.
func (h *Hub) Release() {
	h.mu.Lock()
	held := h.held
	h.held, h.hold = nil, nil
	h.mu.Unlock()

	for _, msg := range held {
		h.route(msg)
	}
}

// Held reports how many messages are parked.
func (h *Hub) Held() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.held)
}

// Count reports how many delivered messages match.
func (h *Hub) Count(match func(*signaling.Message) bool) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, msg := range h.delivered {
		if match(msg) {
			n++
		}
	}
	return n
}

func (h *Hub) route(msg *signaling.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.hold != nil && h.hold(msg) {
		h.held = append(h.held, msg)
		return
	}

	dst, ok := h.links[msg.Dst]
	if !ok {
		if src, ok := h.links[msg.Src]; ok {
			src.push(&signaling.Message{Type: signaling.MessageTypeExpire, Src: msg.Dst})
		}
		return
	}
	h.delivered = append(h.delivered, msg)
	dst.push(msg)
}

func (h *Hub) remove(l *Link) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.links[l.id] == l {
		delete(h.links, l.id)
	}
}

// Link is one participant's end. It implements signaling.Link.
type Link struct {
	hub      *Hub
	id       string
	incoming chan *signaling.Message

	// guarded by hub.mu
	closed bool
}

func (l *Link) Send(msg *signaling.Message) error {
	l.hub.mu.Lock()
	closed := l.closed
	l.hub.mu.Unlock()
	if closed {
		return callerr.New("send "+msg.Type, callerr.ErrSignalingClosed)
	}

	out := *msg
	out.Src = l.id
	l.hub.route(&out)
	return nil
}

func (l *Link) Incoming() <-chan *signaling.Message { return l.incoming }

func (l *Link) Close() {
	l.hub.remove(l)

	l.hub.mu.Lock()
	defer l.hub.mu.Unlock()
	if !l.closed {
		l.closed = true
		close(l.incoming)
	}
}

// push must be called with hub.mu held.
func (l *Link) push(msg *signaling.Message) {
	if l.closed {
		return
	}
	l.incoming <- msg
}
