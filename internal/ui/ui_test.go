package ui

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/BioHazard786/meshcall/internal/media"
)

type handle string

func (h handle) ID() string { return string(h) }

func TestRoomUITracksMembers(t *testing.T) {
	ui := NewRoomUI(RoomHeader{Self: "me", RoomID: "host"})
	ui.MemberAdded("host")
	ui.MemberAdded("me")
	ui.MemberAdded("bob")
	ui.MemberAdded("bob")
	ui.RemoteStream("bob", handle("bob-cam"))
	ui.SetStats("bob", media.Stats{Packets: 10, Bytes: 1000})
	ui.MemberRemoved("host")

	view := ui.render("*")
	if !strings.Contains(view, "bob") || strings.Contains(view, "Waiting for others") {
		t.Errorf("view missing bob:\n%s", view)
	}

	s := ui.Summary()
	if s.Peers != 2 || s.MaxPeers != 2 {
		t.Errorf("peers=%d max=%d, want 2 and 2", s.Peers, s.MaxPeers)
	}
	if s.Packets != 10 || s.Status != "Left" {
		t.Errorf("summary = %+v", s)
	}
}

func TestRoomUIStatsAcrossStreams(t *testing.T) {
	ui := NewRoomUI(RoomHeader{Self: "me", RoomID: "me"})
	ui.MemberAdded("bob")
	ui.SetStats("bob", media.Stats{Packets: 10, Bytes: 100})
	// bob reconnected; his new stream starts counting from zero
	ui.SetStats("bob", media.Stats{Packets: 4, Bytes: 40})

	if got := ui.Summary().Packets; got != 14 {
		t.Errorf("Packets = %d, want 14", got)
	}
}

func TestRoomUIDone(t *testing.T) {
	ui := NewRoomUI(RoomHeader{Self: "me", RoomID: "host"})
	ui.FatalError(errors.New("camera denied"))
	ui.FatalError(errors.New("second"))

	select {
	case <-ui.Done():
	case <-time.After(time.Second):
		t.Fatal("Done not closed after fatal error")
	}
	if ui.Err() == nil || ui.Err().Error() != "camera denied" {
		t.Errorf("Err() = %v, want first error", ui.Err())
	}
	if s := ui.Summary(); !strings.HasPrefix(s.Status, "Failed") {
		t.Errorf("Status = %q", s.Status)
	}

	empty := NewRoomUI(RoomHeader{Self: "host", RoomID: "host"})
	empty.RoomEmpty()
	<-empty.Done()
	if s := empty.Summary(); s.Status != "Room empty" || !s.Host {
		t.Errorf("summary = %+v", s)
	}
}

func TestRenderSummary(t *testing.T) {
	var buf bytes.Buffer
	RenderSummary(&buf, CallSummary{
		RoomID:   "cozy-otter-ramen-01",
		Self:     "me",
		Status:   "Left",
		Duration: 90 * time.Second,
		Peers:    1,
		MaxPeers: 1,
		PerPeer:  []PeerSummary{{ID: "bob", Stats: media.Stats{Packets: 5, Bytes: 2048}}},
	})

	out := buf.String()
	for _, want := range []string{"Call Summary", "cozy-otter-ramen-01", "1m30s", "bob", "2.00 KB"} {
		if !strings.Contains(out, want) {
			t.Errorf("summary missing %q:\n%s", want, out)
		}
	}
}

func TestFormatting(t *testing.T) {
	if got := formatBitrate(125000); got != "1.0 Mbps" {
		t.Errorf("formatBitrate(125000) = %q", got)
	}
	if got := formatDuration(3700 * time.Second); got != "1h1m" {
		t.Errorf("formatDuration = %q", got)
	}
	if got := truncateString("abcdefgh", 6); got != "abc..." {
		t.Errorf("truncateString = %q", got)
	}
}
