package rtc

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/intervalpli"
	"github.com/pion/webrtc/v4"
)

// DefaultPLIInterval is how often a keyframe is requested for remote video.
const DefaultPLIInterval = 3 * time.Second

// Settings configures the pion-backed factory.
type Settings struct {
	ICEServers  []webrtc.ICEServer
	ForceRelay  bool
	PLIInterval time.Duration
}

// PionFactory builds peer connections on a shared pion API.
type PionFactory struct {
	api    *webrtc.API
	config webrtc.Configuration
}

// NewPionFactory registers the default codecs and interceptors plus a
// periodic PLI generator, and prepares the ICE configuration.
func NewPionFactory(s Settings) (*PionFactory, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	interval := s.PLIInterval
	if interval <= 0 {
		interval = DefaultPLIInterval
	}
	pli, err := intervalpli.NewReceiverInterceptor(intervalpli.GeneratorInterval(interval))
	if err != nil {
		return nil, fmt.Errorf("create pli interceptor: %w", err)
	}
	registry.Add(pli)

	config := webrtc.Configuration{ICEServers: s.ICEServers}
	if s.ForceRelay {
		config.ICETransportPolicy = webrtc.ICETransportPolicyRelay
	}

	return &PionFactory{
		api:    webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithInterceptorRegistry(registry)),
		config: config,
	}, nil
}

// NewPeerConnection implements Factory.
func (f *PionFactory) NewPeerConnection() (PeerConnection, error) {
	pc, err := f.api.NewPeerConnection(f.config)
	if err != nil {
		return nil, err
	}
	p := &pionPeer{pc: pc, streams: make(map[string]*RemoteStream)}
	return p, nil
}

type pionPeer struct {
	pc       *webrtc.PeerConnection
	detached atomic.Bool

	mu      sync.Mutex
	streams map[string]*RemoteStream
}

func (p *pionPeer) CreateOffer() (webrtc.SessionDescription, error) {
	return p.pc.CreateOffer(nil)
}

func (p *pionPeer) CreateAnswer() (webrtc.SessionDescription, error) {
	return p.pc.CreateAnswer(nil)
}

func (p *pionPeer) SetLocalDescription(d webrtc.SessionDescription) error {
	return p.pc.SetLocalDescription(d)
}

func (p *pionPeer) SetRemoteDescription(d webrtc.SessionDescription) error {
	return p.pc.SetRemoteDescription(d)
}

func (p *pionPeer) HasRemoteDescription() bool {
	return p.pc.RemoteDescription() != nil
}

func (p *pionPeer) AddICECandidate(c webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(c)
}

func (p *pionPeer) AddMedia(m LocalMedia) error {
	for _, track := range m.Tracks() {
		sender, err := p.pc.AddTrack(track)
		if err != nil {
			return fmt.Errorf("add track %s: %w", track.ID(), err)
		}
		// RTCP has to be read for the interceptors to see NACKs and PLIs.
		go func() {
			buf := make([]byte, 1500)
			for {
				if _, _, err := sender.Read(buf); err != nil {
					return
				}
			}
		}()
	}
	return nil
}

func (p *pionPeer) ReceiveMedia() error {
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		_, err := p.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		})
		if err != nil {
			return fmt.Errorf("add %s transceiver: %w", kind, err)
		}
	}
	return nil
}

func (p *pionPeer) CreateDataChannel(label string, ordered bool) (DataChannel, error) {
	dc, err := p.pc.CreateDataChannel(label, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return nil, err
	}
	return wrapChannel(dc), nil
}

func (p *pionPeer) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || p.detached.Load() {
			return
		}
		fn(c.ToJSON())
	})
}

func (p *pionPeer) OnICEConnectionStateChange(fn func(webrtc.ICEConnectionState)) {
	p.pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		if p.detached.Load() {
			return
		}
		fn(s)
	})
}

func (p *pionPeer) OnDataChannel(fn func(DataChannel)) {
	p.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if p.detached.Load() {
			dc.Close()
			return
		}
		fn(wrapChannel(dc))
	})
}

// OnStream groups remote tracks by stream id. fn fires for every track, with
// the same *RemoteStream for tracks of one stream.
func (p *pionPeer) OnStream(fn func(MediaHandle)) {
	p.pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		if p.detached.Load() {
			return
		}

		p.mu.Lock()
		stream, ok := p.streams[track.StreamID()]
		if !ok {
			stream = newRemoteStream(track.StreamID())
			p.streams[track.StreamID()] = stream
		}
		p.mu.Unlock()

		stream.push(RemoteTrack{Remote: track, Receiver: receiver})
		fn(stream)
	})
}

func (p *pionPeer) Close() error {
	p.detached.Store(true)

	p.mu.Lock()
	streams := p.streams
	p.streams = make(map[string]*RemoteStream)
	p.mu.Unlock()

	for _, s := range streams {
		s.close()
	}
	return p.pc.Close()
}

// RemoteTrack is one received track with its receiver.
type RemoteTrack struct {
	Remote   *webrtc.TrackRemote
	Receiver *webrtc.RTPReceiver
}

// RemoteStream collects the tracks the remote side sent under one stream id.
type RemoteStream struct {
	id     string
	tracks chan RemoteTrack

	mu     sync.Mutex
	closed bool
}

func newRemoteStream(id string) *RemoteStream {
	return &RemoteStream{id: id, tracks: make(chan RemoteTrack, 8)}
}

func (s *RemoteStream) ID() string { return s.id }

// Tracks yields every track as it arrives and is closed with the peer connection.
func (s *RemoteStream) Tracks() <-chan RemoteTrack { return s.tracks }

func (s *RemoteStream) push(t RemoteTrack) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.tracks <- t:
	default:
		slog.Warn("remote track dropped, stream buffer full", "stream", s.id, "track", t.Remote.ID())
	}
}

func (s *RemoteStream) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.tracks)
	}
}

// pionChannel holds inbound messages until a handler is attached, so nothing
// is lost between OnDataChannel and the owner wiring OnMessage.
type pionChannel struct {
	dc *webrtc.DataChannel

	mu        sync.Mutex
	onMessage func([]byte)
	backlog   [][]byte
}

func wrapChannel(dc *webrtc.DataChannel) *pionChannel {
	c := &pionChannel{dc: dc}
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.onMessage == nil {
			c.backlog = append(c.backlog, msg.Data)
			return
		}
		c.onMessage(msg.Data)
	})
	return c
}

func (c *pionChannel) Label() string { return c.dc.Label() }

func (c *pionChannel) OnOpen(fn func()) { c.dc.OnOpen(fn) }

func (c *pionChannel) OnClose(fn func()) { c.dc.OnClose(fn) }

func (c *pionChannel) OnMessage(fn func([]byte)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMessage = fn
	for _, data := range c.backlog {
		fn(data)
	}
	c.backlog = nil
}

func (c *pionChannel) Send(data []byte) error { return c.dc.Send(data) }

func (c *pionChannel) IsOpen() bool { return c.dc.ReadyState() == webrtc.DataChannelStateOpen }

func (c *pionChannel) Close() error { return c.dc.Close() }
