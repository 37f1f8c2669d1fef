// Package rtc hides the WebRTC peer-connection primitive behind small
// interfaces so the session layer can run on pion or on an in-memory fake.
package rtc

import (
	"github.com/pion/webrtc/v4"
)

// MediaHandle identifies a media stream. Two handles with the same ID are the
// same stream.
type MediaHandle interface {
	ID() string
}

// LocalMedia is a captured stream that can be attached to a peer connection.
type LocalMedia interface {
	MediaHandle
	Tracks() []webrtc.TrackLocal
	Close() error
}

// DataChannel is an ordered message channel riding a peer connection.
// Handlers must not block; they are invoked from transport goroutines.
type DataChannel interface {
	Label() string
	OnOpen(func())
	OnClose(func())
	OnMessage(func([]byte))
	Send(data []byte) error
	IsOpen() bool
	Close() error
}

// PeerConnection is the subset of a WebRTC peer connection the session layer
// drives. Callbacks stop firing once Close has been called.
type PeerConnection interface {
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error
	HasRemoteDescription() bool
	AddICECandidate(webrtc.ICECandidateInit) error

	// AddMedia sends every track of m. ReceiveMedia asks for remote media
	// when there is nothing local to send.
	AddMedia(m LocalMedia) error
	ReceiveMedia() error
	CreateDataChannel(label string, ordered bool) (DataChannel, error)

	OnICECandidate(func(webrtc.ICECandidateInit))
	OnICEConnectionStateChange(func(webrtc.ICEConnectionState))
	OnDataChannel(func(DataChannel))
	OnStream(func(MediaHandle))

	Close() error
}

// Factory creates peer connections.
type Factory interface {
	NewPeerConnection() (PeerConnection, error)
}
