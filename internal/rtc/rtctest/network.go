// Package rtctest provides an in-memory peer-connection primitive. Peers on
// one Network connect once both descriptions are applied and each side has
// received at least one candidate from the other.
package rtctest

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/BioHazard786/meshcall/internal/rtc"
	"github.com/pion/webrtc/v4"
)

const sdpPrefix = "fake "

var errNoRemote = errors.New("rtctest: remote description not set")

// Network implements rtc.Factory.
type Network struct {
	mu    sync.Mutex
	seq   int
	peers map[string]*Peer

	// DuplicateStreams makes every remote stream arrive twice, as browsers do
	// when a stream carries an audio and a video track.
	DuplicateStreams bool
}

func NewNetwork() *Network {
	return &Network{peers: make(map[string]*Peer), DuplicateStreams: true}
}

func (n *Network) NewPeerConnection() (rtc.PeerConnection, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.seq++
	p := &Peer{net: n, name: fmt.Sprintf("pc%d", n.seq), state: webrtc.ICEConnectionStateNew}
	n.peers[p.name] = p
	return p, nil
}

// Connected counts peers currently in the connected state.
func (n *Network) Connected() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	count := 0
	for _, p := range n.peers {
		if p.state == webrtc.ICEConnectionStateConnected {
			count++
		}
	}
	return count
}

// FailLink fails every connected pair where one side sends the stream
// localStream and the other sends remoteStream, as a lost transport would.
// It returns the number of pairs failed.
func (n *Network) FailLink(localStream, remoteStream string) int {
	n.mu.Lock()
	var hit []*Peer
	for _, p := range n.peers {
		q := p.remotePeer
		if q == nil || p.state != webrtc.ICEConnectionStateConnected {
			continue
		}
		if sends(p, localStream) && sends(q, remoteStream) {
			hit = append(hit, p, q)
		}
	}
	n.mu.Unlock()

	for _, p := range hit {
		p.Fail(webrtc.ICEConnectionStateFailed)
	}
	return len(hit) / 2
}

func sends(p *Peer, stream string) bool {
	for _, m := range p.media {
		if m.ID() == stream {
			return true
		}
	}
	return false
}

// Peer is one fake peer connection. All fields are guarded by the network lock.
type Peer struct {
	net  *Network
	name string

	local, remote *webrtc.SessionDescription
	remotePeer    *Peer
	gotCandidate  bool
	state         webrtc.ICEConnectionState
	closed        bool

	media    []rtc.LocalMedia
	channels []*Channel

	onCandidate   func(webrtc.ICECandidateInit)
	onState       func(webrtc.ICEConnectionState)
	onDataChannel func(rtc.DataChannel)
	onStream      func(rtc.MediaHandle)
}

func (p *Peer) CreateOffer() (webrtc.SessionDescription, error) {
	p.net.mu.Lock()
	defer p.net.mu.Unlock()
	if p.closed {
		return webrtc.SessionDescription{}, errors.New("rtctest: peer closed")
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdpPrefix + p.name}, nil
}

func (p *Peer) CreateAnswer() (webrtc.SessionDescription, error) {
	p.net.mu.Lock()
	defer p.net.mu.Unlock()
	if p.closed {
		return webrtc.SessionDescription{}, errors.New("rtctest: peer closed")
	}
	if p.remote == nil {
		return webrtc.SessionDescription{}, errNoRemote
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdpPrefix + p.name}, nil
}

func (p *Peer) SetLocalDescription(d webrtc.SessionDescription) error {
	p.net.mu.Lock()
	if p.closed {
		p.net.mu.Unlock()
		return errors.New("rtctest: peer closed")
	}
	p.local = &d
	cb := p.onCandidate
	p.net.mu.Unlock()

	if cb != nil {
		cb(webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 2130706431 127.0.0.1 9 typ host " + p.name})
	}
	p.net.tryConnect(p)
	return nil
}

func (p *Peer) SetRemoteDescription(d webrtc.SessionDescription) error {
	p.net.mu.Lock()
	name := strings.TrimPrefix(d.SDP, sdpPrefix)
	remote, ok := p.net.peers[name]
	if !ok || !strings.HasPrefix(d.SDP, sdpPrefix) {
		p.net.mu.Unlock()
		return fmt.Errorf("rtctest: unknown description %q", d.SDP)
	}
	if p.closed {
		p.net.mu.Unlock()
		return errors.New("rtctest: peer closed")
	}
	p.remote = &d
	p.remotePeer = remote
	p.net.mu.Unlock()

	p.net.tryConnect(p)
	return nil
}

func (p *Peer) HasRemoteDescription() bool {
	p.net.mu.Lock()
	defer p.net.mu.Unlock()
	return p.remote != nil
}

func (p *Peer) AddICECandidate(c webrtc.ICECandidateInit) error {
	p.net.mu.Lock()
	if p.remote == nil {
		p.net.mu.Unlock()
		return errNoRemote
	}
	if c.Candidate == "" {
		p.net.mu.Unlock()
		return errors.New("rtctest: empty candidate")
	}
	p.gotCandidate = true
	p.net.mu.Unlock()

	p.net.tryConnect(p)
	return nil
}

func (p *Peer) AddMedia(m rtc.LocalMedia) error {
	p.net.mu.Lock()
	defer p.net.mu.Unlock()
	p.media = append(p.media, m)
	return nil
}

func (p *Peer) ReceiveMedia() error { return nil }

func (p *Peer) CreateDataChannel(label string, ordered bool) (rtc.DataChannel, error) {
	p.net.mu.Lock()
	defer p.net.mu.Unlock()
	ch := &Channel{label: label}
	p.channels = append(p.channels, ch)
	return ch, nil
}

func (p *Peer) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	p.net.mu.Lock()
	defer p.net.mu.Unlock()
	p.onCandidate = fn
}

func (p *Peer) OnICEConnectionStateChange(fn func(webrtc.ICEConnectionState)) {
	p.net.mu.Lock()
	defer p.net.mu.Unlock()
	p.onState = fn
}

func (p *Peer) OnDataChannel(fn func(rtc.DataChannel)) {
	p.net.mu.Lock()
	defer p.net.mu.Unlock()
	p.onDataChannel = fn
}

func (p *Peer) OnStream(fn func(rtc.MediaHandle)) {
	p.net.mu.Lock()
	defer p.net.mu.Unlock()
	p.onStream = fn
}

// Close detaches callbacks, closes channels and tells a connected remote
// that the transport went away.
func (p *Peer) Close() error {
	p.net.mu.Lock()
	if p.closed {
		p.net.mu.Unlock()
		return nil
	}
	p.closed = true
	wasConnected := p.state == webrtc.ICEConnectionStateConnected
	p.state = webrtc.ICEConnectionStateClosed
	p.onCandidate, p.onState, p.onDataChannel, p.onStream = nil, nil, nil, nil
	remote := p.remotePeer
	channels := p.channels
	p.net.mu.Unlock()

	for _, ch := range channels {
		ch.Close()
	}
	if wasConnected && remote != nil {
		remote.Fail(webrtc.ICEConnectionStateDisconnected)
	}
	return nil
}

// Fail moves the peer to state s and notifies its state handler, as a real
// transport does on loss of connectivity.
func (p *Peer) Fail(s webrtc.ICEConnectionState) {
	p.net.mu.Lock()
	if p.closed || p.state == s {
		p.net.mu.Unlock()
		return
	}
	p.state = s
	cb := p.onState
	p.net.mu.Unlock()

	if cb != nil {
		cb(s)
	}
}

func (n *Network) tryConnect(p *Peer) {
	n.mu.Lock()
	q := p.remotePeer
	if q == nil || q.remotePeer != p || !ready(p) || !ready(q) {
		n.mu.Unlock()
		return
	}

	p.state = webrtc.ICEConnectionStateConnected
	q.state = webrtc.ICEConnectionStateConnected

	var fire []func()
	for _, side := range []*Peer{p, q} {
		if cb := side.onState; cb != nil {
			fire = append(fire, func() { cb(webrtc.ICEConnectionStateConnected) })
		}
	}

	// Pair channels created by either side with a fresh channel on the other.
	var opened []*Channel
	for _, pair := range [][2]*Peer{{p, q}, {q, p}} {
		owner, other := pair[0], pair[1]
		for _, ch := range owner.channels {
			if ch.paired() {
				continue
			}
			mirror := &Channel{label: ch.label, peer: ch}
			ch.pair(mirror)
			other.channels = append(other.channels, mirror)
			opened = append(opened, ch, mirror)
			if cb := other.onDataChannel; cb != nil {
				fire = append(fire, func() { cb(mirror) })
			}
		}
	}
	for _, ch := range opened {
		fire = append(fire, ch.markOpen)
	}

	for _, pair := range [][2]*Peer{{p, q}, {q, p}} {
		sender, receiver := pair[0], pair[1]
		cb := receiver.onStream
		if cb == nil {
			continue
		}
		for _, m := range sender.media {
			h := Stream{id: m.ID()}
			fire = append(fire, func() { cb(h) })
			if n.DuplicateStreams {
				fire = append(fire, func() { cb(h) })
			}
		}
	}
	n.mu.Unlock()

	for _, f := range fire {
		f()
	}
}

func ready(p *Peer) bool {
	return !p.closed &&
		p.local != nil && p.remote != nil && p.gotCandidate &&
		p.state != webrtc.ICEConnectionStateConnected
}

// Stream is the remote view of a fake local media.
type Stream struct{ id string }

func (s Stream) ID() string { return s.id }
