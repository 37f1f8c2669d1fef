package session

import (
	"encoding/json"
	"log/slog"

	"github.com/BioHazard786/meshcall/internal/callerr"
	"github.com/BioHazard786/meshcall/internal/rtc"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

// ConnectionKind distinguishes calls from message channels.
type ConnectionKind string

const (
	KindMedia ConnectionKind = "media"
	KindData  ConnectionKind = "data"
)

func (k ConnectionKind) valid() bool {
	return k == KindMedia || k == KindData
}

const (
	mediaIDPrefix = "mc_"
	dataIDPrefix  = "dc_"
	dataLabel     = "room"
)

func newConnectionID(kind ConnectionKind) string {
	prefix := mediaIDPrefix
	if kind == KindData {
		prefix = dataIDPrefix
	}
	return prefix + uuid.NewString()
}

// Connection is one negotiated link to a remote participant. Its methods
// must run on the endpoint loop: inside a Handler or through Endpoint.Do.
type Connection struct {
	ep  *Endpoint
	log *slog.Logger
	neg *negotiator

	id         string
	remote     string
	kind       ConnectionKind
	originator bool
	metadata   json.RawMessage
	label      string
	reliable   bool

	local        rtc.LocalMedia
	remoteStream rtc.MediaHandle
	seenStreams  map[string]struct{}

	channel     rtc.DataChannel
	channelOpen bool

	// inbound media offer waiting for Answer
	pendingOffer *webrtc.SessionDescription

	open   bool
	closed bool
}

func newConnection(ep *Endpoint, remote string, kind ConnectionKind, originator bool, id string) *Connection {
	c := &Connection{
		ep:          ep,
		id:          id,
		remote:      remote,
		kind:        kind,
		originator:  originator,
		label:       dataLabel,
		reliable:    true,
		seenStreams: make(map[string]struct{}),
	}
	c.log = ep.log.With("peer", remote, "kind", string(kind), "connection_id", id)
	c.neg = &negotiator{conn: c}
	return c
}

func (c *Connection) ID() string                    { return c.id }
func (c *Connection) Remote() string                { return c.remote }
func (c *Connection) Kind() ConnectionKind          { return c.kind }
func (c *Connection) Originator() bool              { return c.originator }
func (c *Connection) State() NegotiationState       { return c.neg.state }
func (c *Connection) Metadata() json.RawMessage     { return c.metadata }
func (c *Connection) Label() string                 { return c.label }
func (c *Connection) LocalStream() rtc.MediaHandle  { return c.local }
func (c *Connection) RemoteStream() rtc.MediaHandle { return c.remoteStream }
func (c *Connection) Closed() bool                  { return c.closed }

// Open reports whether the Open event has fired and the connection is still up.
func (c *Connection) Open() bool { return c.open && !c.closed }

// WasOpen reports whether the Open event ever fired, even if the connection
// has closed since. A connection closed before opening failed negotiation.
func (c *Connection) WasOpen() bool { return c.open }

// Answer accepts an inbound call, sending local (nil for receive-only).
func (c *Connection) Answer(local rtc.LocalMedia) error {
	if c.kind != KindMedia {
		return callerr.NewPeer("answer", c.remote, callerr.ErrWrongKind)
	}
	if c.closed {
		return callerr.NewPeer("answer", c.remote, callerr.ErrClosed)
	}
	if c.pendingOffer == nil {
		return callerr.Wrap("answer", callerr.ErrProtocolViolation, "no pending offer")
	}

	offer := *c.pendingOffer
	c.pendingOffer = nil
	c.local = local

	if err := c.neg.startAsAnswerer(offer, local); err != nil {
		c.fail(err)
		return err
	}
	c.ep.replayLost(c)
	return nil
}

// Send writes one message on a data connection.
func (c *Connection) Send(data []byte) error {
	if c.kind != KindData {
		return callerr.NewPeer("send", c.remote, callerr.ErrWrongKind)
	}
	if c.closed || c.neg.state != StateConnected || c.channel == nil || !c.channelOpen {
		return callerr.NewPeer("send", c.remote, callerr.ErrNotOpen)
	}
	if err := c.channel.Send(data); err != nil {
		return callerr.Wrap("send", callerr.ErrNotOpen, err.Error())
	}
	return nil
}

// Close tears the connection down locally. Calling it again does nothing.
func (c *Connection) Close() {
	c.shutdown(true)
}

func (c *Connection) shutdown(local bool) {
	if c.closed {
		return
	}
	c.closed = true
	c.pendingOffer = nil

	c.neg.close()
	if c.channel != nil {
		c.channel.Close()
	}
	c.local = nil

	c.ep.forget(c)
	c.log.Debug("connection closed", "local", local)
	c.ep.emit(Event{Kind: EventClosed, Conn: c, Local: local})
}

// fail reports err and closes the connection. There is no retry here.
func (c *Connection) fail(err error) {
	if c.closed {
		return
	}
	c.log.Warn("connection failed", "error", err)
	c.ep.emit(Event{Kind: EventError, Conn: c, Err: err})
	c.shutdown(false)
}

func (c *Connection) markOpen() {
	if c.open || c.closed {
		return
	}
	c.open = true
	c.log.Debug("connection open")
	c.ep.emit(Event{Kind: EventOpen, Conn: c})
}

func (c *Connection) onTransportUp() {
	if c.kind == KindMedia {
		c.markOpen()
		return
	}
	if c.channelOpen {
		c.markOpen()
	}
}

func (c *Connection) onRemoteStream(h rtc.MediaHandle) {
	if c.closed || h == nil {
		return
	}
	if _, dup := c.seenStreams[h.ID()]; dup {
		c.log.Debug("duplicate stream delivery suppressed", "stream", h.ID())
		return
	}
	c.seenStreams[h.ID()] = struct{}{}
	c.remoteStream = h
	c.ep.emit(Event{Kind: EventStream, Conn: c, Stream: h})
}

func (c *Connection) onRemoteChannel(dc rtc.DataChannel) {
	if c.closed || c.channel != nil {
		dc.Close()
		return
	}
	c.attachChannel(dc)
}

func (c *Connection) attachChannel(dc rtc.DataChannel) {
	c.channel = dc
	ep := c.ep
	dc.OnOpen(func() { ep.post(c.onChannelOpen) })
	dc.OnClose(func() { ep.post(c.onChannelClose) })
	dc.OnMessage(func(data []byte) {
		ep.post(func() { c.onChannelMessage(data) })
	})
}

func (c *Connection) onChannelOpen() {
	if c.closed || c.channelOpen {
		return
	}
	c.channelOpen = true
	// An open channel proves the transport is up even if its state change
	// has not been processed yet.
	if !c.neg.state.terminal() {
		c.neg.state = StateConnected
	}
	c.markOpen()
}

func (c *Connection) onChannelClose() {
	if c.closed {
		return
	}
	c.channelOpen = false
	c.shutdown(false)
}

func (c *Connection) onChannelMessage(data []byte) {
	if c.closed {
		return
	}
	c.ep.emit(Event{Kind: EventData, Conn: c, Data: data})
}
