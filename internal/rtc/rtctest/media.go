package rtctest

import (
	"sync/atomic"

	"github.com/pion/webrtc/v4"
)

// Media is a local stream without tracks.
type Media struct {
	id     string
	closed atomic.Bool
}

func NewMedia(id string) *Media { return &Media{id: id} }

func (m *Media) ID() string                  { return m.id }
func (m *Media) Tracks() []webrtc.TrackLocal { return nil }
func (m *Media) Closed() bool                { return m.closed.Load() }

func (m *Media) Close() error {
	m.closed.Store(true)
	return nil
}
