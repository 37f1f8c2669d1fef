package media

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/BioHazard786/meshcall/internal/callerr"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
)

func TestDisabledDenies(t *testing.T) {
	_, err := Disabled{}.Acquire(context.Background(), Constraints{Audio: true, Video: true})
	if !errors.Is(err, callerr.ErrMediaDenied) {
		t.Fatalf("Acquire() error = %v, want ErrMediaDenied", err)
	}
}

func TestFileSourceSilence(t *testing.T) {
	src := &FileSource{StreamID: "alice"}
	m, err := src.Acquire(context.Background(), Constraints{Audio: true, Video: true})
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	defer m.Close()

	if m.ID() != "alice" {
		t.Errorf("ID() = %q, want alice", m.ID())
	}
	tracks := m.Tracks()
	if len(tracks) != 1 || tracks[0].Kind().String() != "audio" {
		t.Fatalf("tracks = %v, want one audio track", tracks)
	}
	if tracks[0].StreamID() != "alice" {
		t.Errorf("StreamID() = %q", tracks[0].StreamID())
	}
	if err := m.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func TestFileSourceMissingFile(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "nope.ivf")
	tests := []struct {
		name string
		src  FileSource
		c    Constraints
	}{
		{"video file", FileSource{VideoFile: missing}, Constraints{Audio: true, Video: true}},
		{"audio file", FileSource{AudioFile: missing}, Constraints{Audio: true}},
		{"video only without file", FileSource{}, Constraints{Video: true}},
		{"nothing requested", FileSource{}, Constraints{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.src.Acquire(context.Background(), tt.c)
			if !errors.Is(err, callerr.ErrMediaDenied) {
				t.Errorf("Acquire() error = %v, want ErrMediaDenied", err)
			}
		})
	}
}

func TestCounterLoss(t *testing.T) {
	c := newCounter("s")
	for _, seq := range []uint16{65534, 65535, 2, 1, 3} {
		c.observe(&rtp.Packet{Header: rtp.Header{SSRC: 7, SequenceNumber: seq}}, 100)
	}
	c.observe(&rtp.Packet{Header: rtp.Header{SSRC: 9, SequenceNumber: 500}}, 50)
	c.observeRTCP([]rtcp.Packet{&rtcp.SenderReport{SSRC: 7}, &rtcp.ReceiverReport{}})

	got := c.snapshot()
	if got.Packets != 6 || got.Bytes != 550 {
		t.Errorf("packets=%d bytes=%d, want 6 and 550", got.Packets, got.Bytes)
	}
	// 65535 -> 2 skips 0 and 1
	if got.Lost != 2 {
		t.Errorf("Lost = %d, want 2", got.Lost)
	}
	if got.SenderReports != 1 {
		t.Errorf("SenderReports = %d, want 1", got.SenderReports)
	}
}
