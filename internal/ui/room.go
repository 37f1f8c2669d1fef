package ui

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/BioHazard786/meshcall/internal/media"
	"github.com/BioHazard786/meshcall/internal/rtc"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
)

const (
	maxLogLines = 6
	refreshRate = 250 * time.Millisecond
)

type member struct {
	id       string
	joinedAt time.Time
	stream   string
	stats    media.Stats
	lastRate float64
	lastAt   time.Time
}

// RoomUI renders the live room: members, their streams and receive
// counters, and recent events. It is the room observer of the CLI; observer
// methods never block.
type RoomUI struct {
	self   string
	roomID string
	link   string
	isRoot bool

	mu        sync.RWMutex
	members   map[string]*member
	local     string
	logLines  []string
	fatal     error
	empty     bool
	startedAt time.Time

	// totals for the summary
	peersSeen map[string]struct{}
	maxPeers  int
	received  map[string]media.Stats

	program  *tea.Program
	nudge    chan struct{}
	quit     chan struct{}
	quitOnce sync.Once
	wg       sync.WaitGroup
}

type RoomHeader struct {
	Self   string
	RoomID string
	Link   string
}

func NewRoomUI(h RoomHeader) *RoomUI {
	return &RoomUI{
		self:      h.Self,
		roomID:    h.RoomID,
		link:      h.Link,
		isRoot:    h.Self == h.RoomID,
		members:   make(map[string]*member),
		startedAt: time.Now(),
		peersSeen: make(map[string]struct{}),
		received:  make(map[string]media.Stats),
		nudge:     make(chan struct{}, 1),
		quit:      make(chan struct{}),
	}
}

// Start runs the terminal program in the background.
func (ui *RoomUI) Start() {
	model := newRoomModel(ui)
	ui.program = tea.NewProgram(model)
	ui.wg.Add(1)
	go func() {
		defer ui.wg.Done()
		if _, err := ui.program.Run(); err != nil {
			fmt.Fprintf(Out, "UI error: %v\n", err)
		}
		ui.closeQuit()
	}()
}

// Stop ends the terminal program and waits for it to restore the terminal.
func (ui *RoomUI) Stop() {
	if ui.program != nil {
		ui.program.Quit()
	}
	ui.wg.Wait()
	ui.closeQuit()
}

// Done is closed when the user quits the view, or a fatal error or an empty
// room ends the call.
func (ui *RoomUI) Done() <-chan struct{} { return ui.quit }

// Err returns the fatal error reported by the room, if any.
func (ui *RoomUI) Err() error {
	ui.mu.RLock()
	defer ui.mu.RUnlock()
	return ui.fatal
}

func (ui *RoomUI) closeQuit() {
	ui.quitOnce.Do(func() { close(ui.quit) })
}

func (ui *RoomUI) refresh() {
	select {
	case ui.nudge <- struct{}{}:
	default:
	}
}

func (ui *RoomUI) logf(format string, args ...any) {
	line := time.Now().Format("15:04:05") + " " + fmt.Sprintf(format, args...)
	ui.logLines = append(ui.logLines, line)
	if len(ui.logLines) > maxLogLines {
		ui.logLines = ui.logLines[len(ui.logLines)-maxLogLines:]
	}
}

func (ui *RoomUI) MemberAdded(id string) {
	ui.mu.Lock()
	if _, ok := ui.members[id]; !ok {
		ui.members[id] = &member{id: id, joinedAt: time.Now()}
		if id != ui.self {
			ui.peersSeen[id] = struct{}{}
			ui.logf("%s %s joined", IconPeer, id)
		}
		if n := len(ui.members) - 1; n > ui.maxPeers {
			ui.maxPeers = n
		}
	}
	ui.mu.Unlock()
	ui.refresh()
}

func (ui *RoomUI) MemberRemoved(id string) {
	ui.mu.Lock()
	if _, ok := ui.members[id]; ok {
		delete(ui.members, id)
		ui.logf("%s %s left", IconLeave, id)
	}
	ui.mu.Unlock()
	ui.refresh()
}

func (ui *RoomUI) RemoteStream(id string, stream rtc.MediaHandle) {
	ui.mu.Lock()
	m, ok := ui.members[id]
	if !ok {
		// streams can beat the membership update
		m = &member{id: id, joinedAt: time.Now()}
		ui.members[id] = m
		ui.peersSeen[id] = struct{}{}
	}
	m.stream = stream.ID()
	ui.logf("%s receiving %s", IconCamera, id)
	ui.mu.Unlock()
	ui.refresh()
}

func (ui *RoomUI) StreamRemoved(id string) {
	ui.mu.Lock()
	if m, ok := ui.members[id]; ok && m.stream != "" {
		m.stream = ""
		ui.logf("%s lost media from %s", IconMuted, id)
	}
	ui.mu.Unlock()
	ui.refresh()
}

func (ui *RoomUI) LocalStream(stream rtc.MediaHandle) {
	ui.mu.Lock()
	ui.local = stream.ID()
	ui.logf("%s sending local media", IconCamera)
	ui.mu.Unlock()
	ui.refresh()
}

func (ui *RoomUI) FatalError(err error) {
	ui.mu.Lock()
	if ui.fatal == nil {
		ui.fatal = err
		ui.logf("%s %v", IconError, err)
	}
	ui.mu.Unlock()
	ui.refresh()
	ui.closeQuit()
}

func (ui *RoomUI) RoomEmpty() {
	ui.mu.Lock()
	ui.empty = true
	ui.logf("%s everyone left", IconWaiting)
	ui.mu.Unlock()
	ui.refresh()
	ui.closeQuit()
}

// SetStats records receive counters for peer.
func (ui *RoomUI) SetStats(peer string, s media.Stats) {
	ui.mu.Lock()
	now := time.Now()
	if m, ok := ui.members[peer]; ok {
		if !m.lastAt.IsZero() && s.Bytes >= m.stats.Bytes {
			if elapsed := now.Sub(m.lastAt).Seconds(); elapsed > 0 {
				m.lastRate = float64(s.Bytes-m.stats.Bytes) / elapsed
			}
		}
		m.stats = s
		m.lastAt = now
	}
	prev := ui.received[peer]
	if s.Packets >= prev.Packets {
		ui.received[peer] = s
	} else {
		// a new stream from the same peer restarts its counters
		ui.received[peer] = addStats(prev, s)
	}
	ui.mu.Unlock()
	ui.refresh()
}

func addStats(a, b media.Stats) media.Stats {
	a.Packets += b.Packets
	a.Bytes += b.Bytes
	a.Lost += b.Lost
	a.SenderReports += b.SenderReports
	return a
}

// Summary returns the totals for the end-of-call table.
func (ui *RoomUI) Summary() CallSummary {
	ui.mu.RLock()
	defer ui.mu.RUnlock()

	s := CallSummary{
		RoomID:   ui.roomID,
		Self:     ui.self,
		Host:     ui.isRoot,
		Duration: time.Since(ui.startedAt),
		Peers:    len(ui.peersSeen),
		MaxPeers: ui.maxPeers,
	}
	for peer, st := range ui.received {
		s.PerPeer = append(s.PerPeer, PeerSummary{ID: peer, Stats: st})
		s.Packets += st.Packets
		s.Bytes += st.Bytes
		s.Lost += st.Lost
	}
	sort.Slice(s.PerPeer, func(i, j int) bool { return s.PerPeer[i].ID < s.PerPeer[j].ID })
	switch {
	case ui.fatal != nil:
		s.Status = "Failed: " + ui.fatal.Error()
	case ui.empty:
		s.Status = "Room empty"
	default:
		s.Status = "Left"
	}
	return s
}

type refreshMsg struct{}

type roomModel struct {
	ui      *RoomUI
	spinner spinner.Model
}

func newRoomModel(ui *RoomUI) *roomModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = SpinnerStyle
	return &roomModel{ui: ui, spinner: s}
}

func (m *roomModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.waitForRefresh())
}

func (m *roomModel) waitForRefresh() tea.Cmd {
	return func() tea.Msg {
		select {
		case <-m.ui.nudge:
		case <-time.After(refreshRate):
		}
		return refreshMsg{}
	}
}

func (m *roomModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.ui.closeQuit()
			return m, tea.Quit
		}

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case refreshMsg:
		return m, m.waitForRefresh()
	}
	return m, nil
}

func (m *roomModel) View() string {
	return m.ui.render(m.spinner.View())
}

func (ui *RoomUI) render(spin string) string {
	ui.mu.RLock()
	defer ui.mu.RUnlock()

	var b strings.Builder

	role := IconPeer + " Guest"
	if ui.isRoot {
		role = IconHost + " Host"
	}
	b.WriteString(HeaderStyle.Render(fmt.Sprintf("%s Room %s", IconRoom, ui.roomID)))
	b.WriteString("\n")
	b.WriteString(fmt.Sprintf("%s · you are %s\n", role, MemberSelfStyle.Render(ui.self)))
	if ui.link != "" {
		b.WriteString(MutedStyle.Render(fmt.Sprintf("%s %s", IconLink, ui.link)) + "\n")
	}
	b.WriteString("\n")

	if ui.fatal != nil {
		b.WriteString(FormatError(ui.fatal) + "\n\n")
	}

	peers := ui.sortedPeers()
	if len(peers) == 0 {
		b.WriteString(fmt.Sprintf("%s Waiting for others to join...\n", spin))
	} else {
		b.WriteString(MemberTableView(ui.self, ui.roomID, peers) + "\n")
	}

	if len(ui.logLines) > 0 {
		b.WriteString("\n")
		for _, line := range ui.logLines {
			b.WriteString(EventLogStyle.Render(line) + "\n")
		}
	}

	b.WriteString(FooterStyle.Render(fmt.Sprintf("%s %s · press q to leave", IconTime, formatDuration(time.Since(ui.startedAt)))))
	return b.String()
}

func (ui *RoomUI) sortedPeers() []MemberRow {
	rows := make([]MemberRow, 0, len(ui.members))
	for _, m := range ui.members {
		if m.id == ui.self {
			continue
		}
		rows = append(rows, MemberRow{
			ID:      m.id,
			Since:   time.Since(m.joinedAt),
			Media:   m.stream != "",
			Stats:   m.stats,
			Bitrate: m.lastRate,
		})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].ID < rows[j].ID })
	return rows
}
