// Package media provides local audio/video sources and the receive side of
// remote streams.
package media

import (
	"context"
	"sync"

	"github.com/BioHazard786/meshcall/internal/callerr"
	"github.com/BioHazard786/meshcall/internal/rtc"
	"github.com/pion/webrtc/v4"
)

// Constraints selects which kinds of track a Source should produce.
type Constraints struct {
	Audio bool
	Video bool
}

// Source acquires the participant's local media.
type Source interface {
	Acquire(ctx context.Context, c Constraints) (rtc.LocalMedia, error)
}

// Disabled refuses every request, as a user denying device access would.
type Disabled struct{}

func (Disabled) Acquire(context.Context, Constraints) (rtc.LocalMedia, error) {
	return nil, callerr.Wrap("acquire media", callerr.ErrMediaDenied, "media disabled")
}

// LocalStream is a set of local tracks fed by background writers.
type LocalStream struct {
	id     string
	tracks []webrtc.TrackLocal

	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

func (s *LocalStream) ID() string                  { return s.id }
func (s *LocalStream) Tracks() []webrtc.TrackLocal { return s.tracks }

// Close stops the writers and waits for them to return.
func (s *LocalStream) Close() error {
	s.once.Do(func() {
		s.cancel()
		s.wg.Wait()
	})
	return nil
}

func (s *LocalStream) spawn(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}
