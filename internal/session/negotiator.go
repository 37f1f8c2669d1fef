package session

import (
	"log/slog"

	"github.com/BioHazard786/meshcall/internal/callerr"
	"github.com/BioHazard786/meshcall/internal/rtc"
	"github.com/BioHazard786/meshcall/internal/signaling"
	"github.com/pion/webrtc/v4"
)

// negotiator drives the offer/answer exchange of one connection over its
// primitive. It only runs on the endpoint loop.
type negotiator struct {
	conn  *Connection
	pc    rtc.PeerConnection
	state NegotiationState

	// candidates received before a remote description was applied
	pending []webrtc.ICECandidateInit
}

func (n *negotiator) setup() error {
	c := n.conn
	ep := c.ep

	pc, err := ep.factory.NewPeerConnection()
	if err != nil {
		return callerr.Wrap("create peer connection", callerr.ErrNegotiationFailed, err.Error())
	}
	n.pc = pc

	pc.OnICECandidate(func(cand webrtc.ICECandidateInit) {
		ep.post(func() { n.sendCandidate(cand) })
	})
	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		ep.post(func() { n.onTransportState(s) })
	})

	switch c.kind {
	case KindData:
		pc.OnDataChannel(func(dc rtc.DataChannel) {
			ep.post(func() { c.onRemoteChannel(dc) })
		})
	case KindMedia:
		pc.OnStream(func(h rtc.MediaHandle) {
			ep.post(func() { c.onRemoteStream(h) })
		})
	}
	return nil
}

func (n *negotiator) attachLocal(local rtc.LocalMedia) error {
	if n.conn.kind != KindMedia {
		return nil
	}
	var err error
	if local != nil {
		err = n.pc.AddMedia(local)
	} else {
		err = n.pc.ReceiveMedia()
	}
	if err != nil {
		return callerr.Wrap("attach media", callerr.ErrNegotiationFailed, err.Error())
	}
	return nil
}

// startAsOriginator creates the primitive, attaches local media or the data
// channel, and sends the offer.
func (n *negotiator) startAsOriginator(local rtc.LocalMedia) error {
	c := n.conn
	if err := n.setup(); err != nil {
		return err
	}
	if err := n.attachLocal(local); err != nil {
		return err
	}

	if c.kind == KindData {
		dc, err := n.pc.CreateDataChannel(c.label, c.reliable)
		if err != nil {
			return callerr.Wrap("create data channel", callerr.ErrNegotiationFailed, err.Error())
		}
		c.attachChannel(dc)
	}

	offer, err := n.pc.CreateOffer()
	if err != nil {
		return callerr.Wrap("create offer", callerr.ErrNegotiationFailed, err.Error())
	}
	offer.SDP = c.ep.transform(offer.SDP)
	if err := n.pc.SetLocalDescription(offer); err != nil {
		return callerr.Wrap("set local offer", callerr.ErrNegotiationFailed, err.Error())
	}

	n.state = StateOfferSent
	if err := c.ep.sendDescription(signaling.MessageTypeOffer, c, offer); err != nil {
		return err
	}
	c.log.Debug("offer sent")
	return nil
}

// startAsAnswerer applies the remote offer, flushes queued candidates and
// sends the answer.
func (n *negotiator) startAsAnswerer(offer webrtc.SessionDescription, local rtc.LocalMedia) error {
	c := n.conn
	if err := n.setup(); err != nil {
		return err
	}
	if err := n.attachLocal(local); err != nil {
		return err
	}

	if err := n.pc.SetRemoteDescription(offer); err != nil {
		return callerr.Wrap("set remote offer", callerr.ErrNegotiationFailed, err.Error())
	}
	n.state = StateAnswerPending
	if err := n.flushPending(); err != nil {
		return err
	}

	answer, err := n.pc.CreateAnswer()
	if err != nil {
		return callerr.Wrap("create answer", callerr.ErrNegotiationFailed, err.Error())
	}
	answer.SDP = c.ep.transform(answer.SDP)
	if err := n.pc.SetLocalDescription(answer); err != nil {
		return callerr.Wrap("set local answer", callerr.ErrNegotiationFailed, err.Error())
	}

	n.state = StateAnswerSent
	if err := c.ep.sendDescription(signaling.MessageTypeAnswer, c, answer); err != nil {
		return err
	}
	c.log.Debug("answer sent")
	return nil
}

// handleAnswer is only valid after our offer went out.
func (n *negotiator) handleAnswer(answer webrtc.SessionDescription) error {
	if n.state != StateOfferSent || n.pc == nil || n.pc.HasRemoteDescription() {
		return callerr.Wrap("handle answer", callerr.ErrProtocolViolation, "unexpected in state "+n.state.String())
	}
	if err := n.pc.SetRemoteDescription(answer); err != nil {
		return callerr.Wrap("set remote answer", callerr.ErrNegotiationFailed, err.Error())
	}
	return n.flushPending()
}

func (n *negotiator) handleCandidate(cand webrtc.ICECandidateInit) error {
	if n.pc == nil || !n.pc.HasRemoteDescription() {
		n.pending = append(n.pending, cand)
		return nil
	}
	if err := n.pc.AddICECandidate(cand); err != nil {
		return callerr.Wrap("add candidate", callerr.ErrNegotiationFailed, err.Error())
	}
	return nil
}

func (n *negotiator) flushPending() error {
	pending := n.pending
	n.pending = nil
	for _, cand := range pending {
		if err := n.pc.AddICECandidate(cand); err != nil {
			return callerr.Wrap("add queued candidate", callerr.ErrNegotiationFailed, err.Error())
		}
	}
	return nil
}

func (n *negotiator) sendCandidate(cand webrtc.ICECandidateInit) {
	c := n.conn
	if c.closed {
		return
	}
	if err := c.ep.sendCandidate(c, cand); err != nil {
		c.log.Warn("candidate not sent", "error", err)
	}
}

func (n *negotiator) onTransportState(s webrtc.ICEConnectionState) {
	c := n.conn
	if c.closed {
		return
	}
	c.log.Debug("transport state", "state", s.String())

	switch s {
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		if n.state.terminal() || n.state == StateConnected {
			return
		}
		n.state = StateConnected
		c.onTransportUp()

	case webrtc.ICEConnectionStateFailed:
		n.state = StateFailed
		c.fail(callerr.NewPeer("transport", c.remote, callerr.ErrTransportFailed))

	case webrtc.ICEConnectionStateDisconnected:
		n.state = StateDisconnected
		c.fail(callerr.NewPeer("transport", c.remote, callerr.ErrDisconnected))

	case webrtc.ICEConnectionStateClosed:
		c.shutdown(false)
	}
}

// close releases the primitive. Callbacks are detached by the primitive
// itself, and everything already posted is ignored once the connection is
// marked closed.
func (n *negotiator) close() {
	n.state = StateClosed
	n.pending = nil
	if n.pc != nil {
		if err := n.pc.Close(); err != nil {
			slog.Debug("peer connection close", "error", err)
		}
	}
}
