package ui

import (
	"fmt"
	"io"
	"time"

	"github.com/BioHazard786/meshcall/internal/media"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

type PeerSummary struct {
	ID    string
	Stats media.Stats
}

// CallSummary is printed when the call ends.
type CallSummary struct {
	RoomID   string
	Self     string
	Host     bool
	Status   string
	Duration time.Duration
	Peers    int
	MaxPeers int
	Packets  uint64
	Bytes    uint64
	Lost     uint64
	PerPeer  []PeerSummary
}

// RenderSummary writes the end-of-call tables to w.
func RenderSummary(w io.Writer, s CallSummary) {
	role := "guest"
	if s.Host {
		role = "host"
	}

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetTitle(IconStats + " Call Summary")
	t.SetStyle(table.StyleRounded)
	t.Style().Title.Align = text.AlignCenter
	t.AppendHeader(table.Row{"Metric", "Value"})
	t.AppendRows([]table.Row{
		{"Room", s.RoomID},
		{"You", fmt.Sprintf("%s (%s)", s.Self, role)},
		{"Status", s.Status},
		{"Duration", formatDuration(s.Duration)},
		{"Peers met", s.Peers},
		{"Largest mesh", s.MaxPeers + 1},
		{"Received", fmt.Sprintf("%s in %d packets", formatBytes(s.Bytes), s.Packets)},
		{"Lost packets", s.Lost},
	})
	t.Render()

	if len(s.PerPeer) == 0 {
		return
	}

	pt := table.NewWriter()
	pt.SetOutputMirror(w)
	pt.SetStyle(table.StyleRounded)
	pt.AppendHeader(table.Row{"Peer", "Tracks", "Packets", "Bytes", "Lost", "Sender reports"})
	for _, p := range s.PerPeer {
		pt.AppendRow(table.Row{
			p.ID,
			p.Stats.Tracks,
			p.Stats.Packets,
			formatBytes(p.Stats.Bytes),
			p.Stats.Lost,
			p.Stats.SenderReports,
		})
	}
	pt.SetColumnConfigs([]table.ColumnConfig{
		{Number: 3, Align: text.AlignRight},
		{Number: 4, Align: text.AlignRight},
		{Number: 5, Align: text.AlignRight},
	})
	pt.Render()
}
