package ui

import (
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
)

// Palette. Mint marks this participant, indigo marks the room host.
var (
	Primary   = lipgloss.Color("#34d399")
	Secondary = lipgloss.Color("#818CF8")
	Success   = lipgloss.Color("#10B981")
	Warning   = lipgloss.Color("#F59E0B")
	Error     = lipgloss.Color("#EF4444")
	Muted     = lipgloss.Color("#6B7280")
	panel     = lipgloss.Color("#1F2937")
)

var (
	SuccessStyle = lipgloss.NewStyle().Foreground(Success).Bold(true)
	ErrorStyle   = lipgloss.NewStyle().Foreground(Error).Bold(true)
	WarningStyle = lipgloss.NewStyle().Foreground(Warning)
	MutedStyle   = lipgloss.NewStyle().Foreground(Muted)
	BoldStyle    = lipgloss.NewStyle().Bold(true)
	SpinnerStyle = lipgloss.NewStyle().Foreground(Primary)

	SuccessBoxStyle = lipgloss.NewStyle().
			Border(lipgloss.DoubleBorder()).
			BorderForeground(Success).
			Padding(1, 2)
)

// Room view
var (
	HeaderStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(Primary).
			Background(panel).
			Padding(0, 2).
			MarginBottom(1)

	MemberSelfStyle = lipgloss.NewStyle().Foreground(Primary).Bold(true)
	MemberRootStyle = lipgloss.NewStyle().Foreground(Secondary)

	EventLogStyle = MutedStyle.PaddingLeft(2)
	FooterStyle   = MutedStyle.MarginTop(1)
)

// Member table
var (
	TableHeaderStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(Primary).
				Align(lipgloss.Center)

	tableCellStyle   = lipgloss.NewStyle().Padding(0, 1)
	TableRowStyle    = tableCellStyle.Foreground(lipgloss.Color("255"))
	TableRowAltStyle = tableCellStyle.Foreground(lipgloss.Color("245"))
)

const (
	IconSuccess = "✅"
	IconError   = "❌"
	IconWarning = "⚠️"
	IconInfo    = "ℹ️"
	IconLink    = "🔗"
	IconRoom    = "🚪"
	IconPeer    = "👤"
	IconHost    = "👑"
	IconCamera  = "🎥"
	IconMuted   = "🔇"
	IconLeave   = "👋"
	IconTime    = "⏱️"
	IconWaiting = "⏳"
	IconCopy    = "📋"
	IconStats   = "📊"
)

// Out receives everything the package prints outside the room view.
var Out io.Writer = os.Stdout

func notice(icon string, style lipgloss.Style, msg string) {
	fmt.Fprintf(Out, "%s %s\n", style.Render(icon), style.Render(msg))
}

func PrintError(msg string)   { notice(IconError, ErrorStyle, msg) }
func PrintWarning(msg string) { notice(IconWarning, WarningStyle, msg) }
func PrintSuccess(msg string) { notice(IconSuccess, SuccessStyle, msg) }
func PrintInfo(msg string)    { notice(IconInfo, lipgloss.NewStyle(), msg) }

func PrintSuccessf(format string, args ...any) { PrintSuccess(fmt.Sprintf(format, args...)) }
func PrintInfof(format string, args ...any)    { PrintInfo(fmt.Sprintf(format, args...)) }

// FormatError renders err the way PrintError prints it.
func FormatError(err error) string {
	return ErrorStyle.Render(IconError) + " " + ErrorStyle.Render(err.Error())
}
