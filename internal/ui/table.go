package ui

import (
	"fmt"
	"time"

	"github.com/BioHazard786/meshcall/internal/media"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

// MemberRow is one remote participant in the room view.
type MemberRow struct {
	ID      string
	Since   time.Duration
	Media   bool
	Stats   media.Stats
	Bitrate float64
}

// MemberTableView renders the remote members with their receive counters.
func MemberTableView(self, roomID string, rows []MemberRow) string {
	if len(rows) == 0 {
		return MutedStyle.Render("No one else is here")
	}

	headers := []string{"Peer", "Media", "Packets", "Lost", "Rate", "In call"}
	var cells [][]string
	for _, r := range rows {
		name := truncateString(r.ID, 32)
		if r.ID == roomID {
			name = MemberRootStyle.Render(IconHost + " " + name)
		}
		state := IconWaiting
		if r.Media {
			state = IconCamera
		}
		cells = append(cells, []string{
			name,
			state,
			fmt.Sprintf("%d", r.Stats.Packets),
			fmt.Sprintf("%d", r.Stats.Lost),
			formatBitrate(r.Bitrate),
			formatDuration(r.Since),
		})
	}

	tbl := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(Primary)).
		Headers(headers...).
		Rows(cells...).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return TableHeaderStyle
			case row%2 == 0:
				return TableRowStyle
			default:
				return TableRowAltStyle
			}
		})

	return tbl.Render()
}

type RoomInfo struct {
	RoomID   string
	RoomLink string
}

func NewRoomInfo(roomID, roomLink string) *RoomInfo {
	return &RoomInfo{
		RoomID:   roomID,
		RoomLink: roomLink,
	}
}

func (r *RoomInfo) View() string {
	content := fmt.Sprintf("%s Room Open!\n\n%s Room ID:    %s\n%s Room Link:  %s\n\n%s",
		IconSuccess,
		IconCopy, BoldStyle.Foreground(Primary).Render(r.RoomID),
		IconLink, MutedStyle.Render(r.RoomLink),
		MutedStyle.Render("Others join with: meshcall join "+r.RoomID),
	)
	return SuccessBoxStyle.Render(content)
}
