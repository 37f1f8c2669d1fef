// Package session manages the peer connections of one participant: offer and
// answer exchange, candidate trickling, and the per-peer connection registry.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/BioHazard786/meshcall/internal/callerr"
	"github.com/BioHazard786/meshcall/internal/rtc"
	"github.com/BioHazard786/meshcall/internal/signaling"
	"github.com/pion/webrtc/v4"
)

const (
	// candidates held per unknown connection id
	maxLostPerConnection = 64
	maxLostConnections   = 256
	// glare-dropped connection ids remembered, oldest forgotten first
	maxIgnored = 256
)

// Options configures an Endpoint.
type Options struct {
	ID      string
	Link    signaling.Link
	Factory rtc.Factory
	Filter  rtc.DescriptorFilter
	Logger  *slog.Logger
}

type pairKey struct {
	remote string
	kind   ConnectionKind
}

// Endpoint owns the participant's signaling link and every connection it has
// with other participants. All state lives on one event loop.
type Endpoint struct {
	id      string
	link    signaling.Link
	factory rtc.Factory
	filter  rtc.DescriptorFilter
	log     *slog.Logger

	loop    *loop
	started atomic.Bool
	handler Handler

	byID   map[string]*Connection
	byPeer map[pairKey]*Connection

	// signaling for connection ids not created yet, replayed on answer
	lost map[string][]*signaling.Message
	// connection ids dropped while resolving simultaneous calls
	ignored      map[string]struct{}
	ignoredOrder []string

	closed bool
}

func NewEndpoint(opts Options) (*Endpoint, error) {
	if opts.ID == "" {
		return nil, errors.New("session: participant id is required")
	}
	if opts.Link == nil || opts.Factory == nil {
		return nil, errors.New("session: link and factory are required")
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	return &Endpoint{
		id:      opts.ID,
		link:    opts.Link,
		factory: opts.Factory,
		filter:  opts.Filter,
		log:     log.With("self", opts.ID),
		loop:    newLoop(),
		byID:    make(map[string]*Connection),
		byPeer:  make(map[pairKey]*Connection),
		lost:    make(map[string][]*signaling.Message),
		ignored: make(map[string]struct{}),
	}, nil
}

// ID returns the participant id this endpoint registered with.
func (e *Endpoint) ID() string { return e.id }

// Start waits for the relay to accept the id, then begins routing signaling
// to handler.
func (e *Endpoint) Start(ctx context.Context, handler Handler) error {
	if err := signaling.WaitOpen(ctx, e.link); err != nil {
		return err
	}
	if !e.started.CompareAndSwap(false, true) {
		return errors.New("session: endpoint already started")
	}

	e.handler = handler
	go e.loop.run()
	go e.pump()

	e.log.Debug("endpoint started")
	return nil
}

// Close tears down every connection locally and closes the link. It must not
// be called from the endpoint loop.
func (e *Endpoint) Close() {
	if !e.started.Load() {
		e.link.Close()
		return
	}
	if e.loop.post(e.shutdown) {
		<-e.loop.done
	}
}

func (e *Endpoint) shutdown() {
	if e.closed {
		return
	}
	e.closed = true
	for _, c := range e.snapshot() {
		c.shutdown(true)
	}
	e.link.Close()
	e.loop.stop()
	e.log.Debug("endpoint closed")
}

// Do schedules fn on the endpoint loop. It reports false once the endpoint is closed.
func (e *Endpoint) Do(fn func()) bool { return e.post(fn) }

// Call runs fn on the endpoint loop and waits for it.
func (e *Endpoint) Call(ctx context.Context, fn func()) error { return e.loop.call(ctx, fn) }

// AfterFunc runs fn on the endpoint loop once d has elapsed.
func (e *Endpoint) AfterFunc(d time.Duration, fn func()) *time.Timer {
	return e.loop.afterFunc(d, fn)
}

func (e *Endpoint) post(fn func()) bool { return e.loop.post(fn) }

// ConnectMedia calls remote. A live media connection to remote is reused.
func (e *Endpoint) ConnectMedia(remote string, local rtc.LocalMedia) (*Connection, error) {
	return e.connect(remote, KindMedia, local, nil)
}

// ConnectData opens the ordered, reliable message channel to remote. A live
// data connection to remote is reused.
func (e *Endpoint) ConnectData(remote string, metadata json.RawMessage) (*Connection, error) {
	return e.connect(remote, KindData, nil, metadata)
}

func (e *Endpoint) connect(remote string, kind ConnectionKind, local rtc.LocalMedia, metadata json.RawMessage) (*Connection, error) {
	if e.closed {
		return nil, callerr.NewPeer("connect", remote, callerr.ErrClosed)
	}
	if remote == "" || remote == e.id {
		return nil, callerr.Wrap("connect", callerr.ErrProtocolViolation, "invalid remote id "+remote)
	}
	if existing := e.byPeer[pairKey{remote, kind}]; existing != nil {
		return existing, nil
	}

	c := newConnection(e, remote, kind, true, newConnectionID(kind))
	c.metadata = metadata
	c.local = local
	e.register(c)

	if err := c.neg.startAsOriginator(local); err != nil {
		c.fail(err)
		return nil, err
	}
	return c, nil
}

// Connection returns the live connection of kind to remote, or nil.
func (e *Endpoint) Connection(remote string, kind ConnectionKind) *Connection {
	return e.byPeer[pairKey{remote, kind}]
}

// Connections lists live connections of kind.
func (e *Endpoint) Connections(kind ConnectionKind) []*Connection {
	var out []*Connection
	for key, c := range e.byPeer {
		if key.kind == kind {
			out = append(out, c)
		}
	}
	return out
}

func (e *Endpoint) snapshot() []*Connection {
	out := make([]*Connection, 0, len(e.byID))
	for _, c := range e.byID {
		out = append(out, c)
	}
	return out
}

func (e *Endpoint) register(c *Connection) {
	e.byID[c.id] = c
	e.byPeer[pairKey{c.remote, c.kind}] = c
}

func (e *Endpoint) forget(c *Connection) {
	if e.byID[c.id] == c {
		delete(e.byID, c.id)
	}
	key := pairKey{c.remote, c.kind}
	if e.byPeer[key] == c {
		delete(e.byPeer, key)
	}
	delete(e.lost, c.id)
}

func (e *Endpoint) emit(ev Event) {
	if e.handler != nil {
		e.handler(ev)
	}
}

func (e *Endpoint) transform(sdp string) string {
	if e.filter == nil {
		return sdp
	}
	return e.filter(sdp)
}

func (e *Endpoint) pump() {
	for msg := range e.link.Incoming() {
		e.post(func() { e.route(msg) })
	}
	e.post(e.linkLost)
}

func (e *Endpoint) linkLost() {
	if e.closed {
		return
	}
	e.log.Warn("signaling link lost; existing connections stay up")
	e.emit(Event{Kind: EventError, Err: callerr.New("signaling", callerr.ErrSignalingClosed)})
}

func (e *Endpoint) route(msg *signaling.Message) {
	if e.closed {
		return
	}

	switch msg.Type {
	case signaling.MessageTypeOffer:
		e.handleOffer(msg)

	case signaling.MessageTypeAnswer:
		e.handleAnswer(msg)

	case signaling.MessageTypeCandidate:
		e.handleCandidate(msg)

	case signaling.MessageTypeExpire:
		e.abandonPending(msg.Src, callerr.ErrPeerUnavailable)

	case signaling.MessageTypeLeave:
		e.abandonPending(msg.Src, callerr.ErrDisconnected)

	case signaling.MessageTypeError:
		var p signaling.ErrorPayload
		_ = msg.DecodePayload(&p)
		e.log.Error("relay error", "msg", p.Msg)
		e.emit(Event{Kind: EventError, Err: callerr.Wrap("relay", callerr.ErrSignaling, p.Msg)})

	case signaling.MessageTypeOpen, signaling.MessageTypeHeartbeat:

	default:
		e.log.Warn("unknown signaling message", "type", msg.Type, "src", msg.Src)
	}
}

func (e *Endpoint) handleOffer(msg *signaling.Message) {
	var p signaling.DescriptionPayload
	if err := msg.DecodePayload(&p); err != nil {
		e.log.Warn("malformed offer", "src", msg.Src, "error", err)
		return
	}
	kind := ConnectionKind(p.Type)
	if !kind.valid() || p.ConnectionID == "" || msg.Src == "" {
		e.log.Warn("offer rejected", "src", msg.Src, "kind", p.Type, "error", callerr.ErrProtocolViolation)
		return
	}
	if _, dup := e.byID[p.ConnectionID]; dup {
		e.log.Warn("renegotiation is not supported, offer dropped", "src", msg.Src, "connection_id", p.ConnectionID)
		return
	}

	if existing := e.byPeer[pairKey{msg.Src, kind}]; existing != nil {
		// Both sides called each other: the smaller id keeps its own call.
		if existing.originator && !existing.open && e.id < msg.Src {
			e.log.Debug("simultaneous call, keeping ours", "peer", msg.Src, "dropped", p.ConnectionID)
			e.ignore(p.ConnectionID)
			delete(e.lost, p.ConnectionID)
			return
		}
		existing.shutdown(true)
	}

	c := newConnection(e, msg.Src, kind, false, p.ConnectionID)
	c.metadata = p.Metadata
	if p.Label != "" {
		c.label = p.Label
	}
	c.reliable = p.Reliable
	e.register(c)

	if kind == KindMedia {
		offer := p.SDP
		c.pendingOffer = &offer
		e.emit(Event{Kind: EventIncoming, Conn: c})
		return
	}

	e.emit(Event{Kind: EventIncoming, Conn: c})
	if c.closed {
		return
	}
	if err := c.neg.startAsAnswerer(p.SDP, nil); err != nil {
		c.fail(err)
		return
	}
	e.replayLost(c)
}

func (e *Endpoint) handleAnswer(msg *signaling.Message) {
	var p signaling.DescriptionPayload
	if err := msg.DecodePayload(&p); err != nil {
		e.log.Warn("malformed answer", "src", msg.Src, "error", err)
		return
	}

	c := e.byID[p.ConnectionID]
	if c == nil || c.remote != msg.Src {
		e.log.Warn("answer for unknown connection", "src", msg.Src, "connection_id", p.ConnectionID)
		return
	}

	if err := c.neg.handleAnswer(p.SDP); err != nil {
		if errors.Is(err, callerr.ErrProtocolViolation) {
			c.log.Warn("answer ignored", "error", err)
			return
		}
		c.fail(err)
	}
}

func (e *Endpoint) handleCandidate(msg *signaling.Message) {
	var p signaling.CandidatePayload
	if err := msg.DecodePayload(&p); err != nil {
		e.log.Warn("malformed candidate", "src", msg.Src, "error", err)
		return
	}

	c := e.byID[p.ConnectionID]
	if c == nil {
		e.keepLost(p.ConnectionID, msg)
		return
	}
	if c.remote != msg.Src {
		e.log.Warn("candidate from wrong peer", "src", msg.Src, "connection_id", p.ConnectionID)
		return
	}

	if err := c.neg.handleCandidate(p.Candidate); err != nil {
		c.fail(err)
	}
}

func (e *Endpoint) keepLost(id string, msg *signaling.Message) {
	if _, ok := e.ignored[id]; ok || id == "" {
		return
	}
	queue, known := e.lost[id]
	if !known && len(e.lost) >= maxLostConnections {
		e.log.Warn("too many unknown connections, candidate dropped", "connection_id", id)
		return
	}
	if len(queue) >= maxLostPerConnection {
		return
	}
	e.lost[id] = append(queue, msg)
}

func (e *Endpoint) ignore(id string) {
	if _, ok := e.ignored[id]; ok {
		return
	}
	if len(e.ignoredOrder) >= maxIgnored {
		delete(e.ignored, e.ignoredOrder[0])
		e.ignoredOrder = e.ignoredOrder[1:]
	}
	e.ignored[id] = struct{}{}
	e.ignoredOrder = append(e.ignoredOrder, id)
}

func (e *Endpoint) replayLost(c *Connection) {
	msgs := e.lost[c.id]
	delete(e.lost, c.id)
	for _, msg := range msgs {
		if c.closed {
			return
		}
		e.route(msg)
	}
}

// abandonPending closes connections to remote that can no longer finish
// negotiating. Connected ones do not need the relay and stay up.
func (e *Endpoint) abandonPending(remote string, cause error) {
	for _, c := range e.snapshot() {
		if c.remote != remote || c.open {
			continue
		}
		c.fail(callerr.NewPeer("signaling", remote, cause))
	}
}

func (e *Endpoint) sendDescription(msgType string, c *Connection, desc webrtc.SessionDescription) error {
	msg, err := signaling.NewMessage(msgType, c.remote, signaling.DescriptionPayload{
		SDP:          desc,
		Type:         string(c.kind),
		ConnectionID: c.id,
		Metadata:     c.metadata,
		Label:        c.label,
		Reliable:     c.reliable,
	})
	if err != nil {
		return err
	}
	return e.link.Send(msg)
}

func (e *Endpoint) sendCandidate(c *Connection, cand webrtc.ICECandidateInit) error {
	msg, err := signaling.NewMessage(signaling.MessageTypeCandidate, c.remote, signaling.CandidatePayload{
		Candidate:    cand,
		Type:         string(c.kind),
		ConnectionID: c.id,
	})
	if err != nil {
		return err
	}
	return e.link.Send(msg)
}
