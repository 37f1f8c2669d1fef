// Package room runs the membership protocol of a full-mesh call. The root
// participant, whose id is the room id, is the only source of membership;
// guests adopt its snapshots and dial every other member.
package room

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/BioHazard786/meshcall/internal/callerr"
	"github.com/BioHazard786/meshcall/internal/media"
	"github.com/BioHazard786/meshcall/internal/rtc"
	"github.com/BioHazard786/meshcall/internal/session"
)

const (
	DefaultRenderDelay      = 500 * time.Millisecond
	DefaultWatchdogInterval = 2 * time.Second
	DefaultWatchdogConfirm  = 3 * time.Second

	// media re-calls the root attempts for a member before giving up on it
	maxRepairs = 3
)

// Observer receives room changes. Calls happen on the endpoint loop and must
// not block.
type Observer interface {
	MemberAdded(id string)
	MemberRemoved(id string)
	RemoteStream(id string, stream rtc.MediaHandle)
	StreamRemoved(id string)
	LocalStream(stream rtc.MediaHandle)
	FatalError(err error)
	RoomEmpty()
}

// Store persists membership between runs of the same profile.
type Store interface {
	Members(room string) ([]string, error)
	SaveMembers(room string, ids []string) error
}

type nopStore struct{}

func (nopStore) Members(string) ([]string, error)   { return nil, nil }
func (nopStore) SaveMembers(string, []string) error { return nil }

// Endpoint is the part of session.Endpoint the coordinator drives.
type Endpoint interface {
	ID() string
	ConnectMedia(remote string, local rtc.LocalMedia) (*session.Connection, error)
	ConnectData(remote string, metadata json.RawMessage) (*session.Connection, error)
	Connection(remote string, kind session.ConnectionKind) *session.Connection
	Connections(kind session.ConnectionKind) []*session.Connection
	Do(fn func()) bool
	Call(ctx context.Context, fn func()) error
	AfterFunc(d time.Duration, fn func()) *time.Timer
}

type Config struct {
	RoomID           string
	RenderDelay      time.Duration
	WatchdogInterval time.Duration
	WatchdogConfirm  time.Duration
	Constraints      media.Constraints
	Logger           *slog.Logger
}

type mediaState int

const (
	mediaIdle mediaState = iota
	mediaAcquiring
	mediaReady
	mediaDenied
)

type mediaWaiter struct {
	ready  func(rtc.LocalMedia)
	failed func()
}

// joinMetadata rides on the guest's data connection offer.
type joinMetadata struct {
	Room string `json:"room"`
}

// Coordinator owns the MembershipSet of one participant. Except for New,
// Activate and Leave, its methods run on the endpoint loop.
type Coordinator struct {
	cfg    Config
	ep     Endpoint
	source media.Source
	obs    Observer
	store  Store
	log    *slog.Logger

	self   string
	isRoot bool

	ctx    context.Context
	cancel context.CancelFunc

	members *MembershipSet
	streams map[string]string

	// guest side
	rootConn    *session.Connection
	connectSent bool

	// root side
	lastSeen   map[string]time.Time
	repairs    map[string]int
	hadGuests  bool
	aloneSince time.Time
	emptyFired bool
	watchdog   *time.Timer

	local      rtc.LocalMedia
	mediaState mediaState
	waiters    []mediaWaiter

	timers    []*time.Timer
	activated bool
	left      bool
}

// New builds a coordinator for ep. A nil store disables persistence.
func New(cfg Config, ep Endpoint, source media.Source, obs Observer, store Store) *Coordinator {
	if cfg.RenderDelay <= 0 {
		cfg.RenderDelay = DefaultRenderDelay
	}
	if cfg.WatchdogInterval <= 0 {
		cfg.WatchdogInterval = DefaultWatchdogInterval
	}
	if cfg.WatchdogConfirm <= 0 {
		cfg.WatchdogConfirm = DefaultWatchdogConfirm
	}
	if !cfg.Constraints.Audio && !cfg.Constraints.Video {
		cfg.Constraints = media.Constraints{Audio: true, Video: true}
	}
	if store == nil {
		store = nopStore{}
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	self := ep.ID()
	return &Coordinator{
		cfg:      cfg,
		ep:       ep,
		source:   source,
		obs:      obs,
		store:    store,
		log:      log.With("room", cfg.RoomID, "self", self),
		self:     self,
		isRoot:   self == cfg.RoomID,
		ctx:      ctx,
		cancel:   cancel,
		members:  NewMembershipSet(),
		streams:  make(map[string]string),
		lastSeen: make(map[string]time.Time),
		repairs:  make(map[string]int),
	}
}

// IsRoot reports whether this participant hosts the room.
func (c *Coordinator) IsRoot() bool { return c.isRoot }

// Members returns the current membership. Loop only.
func (c *Coordinator) Members() []string { return c.members.Snapshot() }

// Activate joins or opens the room.
func (c *Coordinator) Activate() {
	c.ep.Do(c.activate)
}

// Leave closes every connection locally, stops timers and releases local
// media. It waits for the loop unless ctx ends first.
func (c *Coordinator) Leave(ctx context.Context) error {
	return c.ep.Call(ctx, c.leave)
}

func (c *Coordinator) activate() {
	if c.activated || c.left {
		return
	}
	c.activated = true
	c.restore()

	if c.isRoot {
		c.log.Info("room opened")
		c.addMember(c.self)
		c.withLocalMedia(func(rtc.LocalMedia) {}, nil)
		c.scheduleWatchdog()
		return
	}

	c.log.Info("joining room")
	c.withLocalMedia(func(rtc.LocalMedia) {}, nil)

	meta, _ := json.Marshal(joinMetadata{Room: c.cfg.RoomID})
	conn, err := c.ep.ConnectData(c.cfg.RoomID, meta)
	if err != nil {
		c.log.Error("room unreachable", "error", err)
		c.obs.FatalError(err)
		return
	}
	c.rootConn = conn
}

func (c *Coordinator) restore() {
	ids, err := c.store.Members(c.cfg.RoomID)
	if err != nil {
		c.log.Warn("saved membership unreadable", "error", err)
		return
	}
	now := time.Now()
	for _, id := range ids {
		if c.members.Add(id) {
			c.lastSeen[id] = now
			c.obs.MemberAdded(id)
		}
		if c.isRoot && id != c.self {
			c.hadGuests = true
		}
	}
	if len(ids) > 0 {
		c.log.Debug("membership restored", "members", len(ids))
	}
}

func (c *Coordinator) leave() {
	if c.left {
		return
	}
	c.left = true
	c.cancel()

	if c.watchdog != nil {
		c.watchdog.Stop()
	}
	for _, t := range c.timers {
		t.Stop()
	}
	c.timers = nil

	for _, kind := range []session.ConnectionKind{session.KindMedia, session.KindData} {
		for _, conn := range c.ep.Connections(kind) {
			conn.Close()
		}
	}
	c.rootConn = nil

	for _, w := range c.waiters {
		if w.failed != nil {
			w.failed()
		}
	}
	c.waiters = nil
	if c.local != nil {
		c.local.Close()
		c.local = nil
	}
	c.log.Info("left room")
}

// HandleEvent is the session.Handler of the coordinator's endpoint.
func (c *Coordinator) HandleEvent(ev session.Event) {
	if c.left {
		if ev.Kind == session.EventIncoming {
			ev.Conn.Close()
		}
		return
	}

	switch ev.Kind {
	case session.EventIncoming:
		c.onIncoming(ev.Conn)
	case session.EventOpen:
		c.onOpen(ev.Conn)
	case session.EventStream:
		c.onStream(ev.Conn, ev.Stream)
	case session.EventData:
		c.onData(ev.Conn, ev.Data)
	case session.EventError:
		if ev.Conn == nil {
			c.log.Warn("endpoint error", "error", ev.Err)
			return
		}
		c.log.Debug("connection error", "peer", ev.Conn.Remote(), "kind", ev.Conn.Kind(), "error", ev.Err)
	case session.EventClosed:
		c.onClosed(ev.Conn, ev.Local)
	}
}

func (c *Coordinator) onIncoming(conn *session.Connection) {
	if conn.Kind() == session.KindData {
		if !c.isRoot {
			c.log.Debug("unexpected data connection", "peer", conn.Remote())
		}
		return
	}

	c.withLocalMedia(func(local rtc.LocalMedia) {
		if conn.Closed() {
			return
		}
		if err := conn.Answer(local); err != nil {
			c.log.Warn("answer failed", "peer", conn.Remote(), "error", err)
		}
	}, conn.Close)
}

func (c *Coordinator) onOpen(conn *session.Connection) {
	remote := conn.Remote()
	switch conn.Kind() {
	case session.KindData:
		if conn == c.rootConn {
			c.sendConnect()
		}
	case session.KindMedia:
		delete(c.repairs, remote)
		c.lastSeen[remote] = time.Now()
		c.log.Debug("media connected", "peer", remote, "originator", conn.Originator())
	}
}

func (c *Coordinator) onStream(conn *session.Connection, stream rtc.MediaHandle) {
	remote := conn.Remote()
	if c.streams[remote] == stream.ID() {
		return
	}
	c.streams[remote] = stream.ID()
	c.obs.RemoteStream(remote, stream)
}

func (c *Coordinator) onData(conn *session.Connection, data []byte) {
	msg, err := DecodeMessage(data)
	if err != nil {
		c.log.Warn("room message dropped", "peer", conn.Remote(), "error", err)
		return
	}
	c.log.Debug("room message", "peer", conn.Remote(), "type", msg.Type, "value", msg.Value)

	if c.isRoot {
		switch msg.Type {
		case Connect:
			c.handleConnect(conn, msg.Value)
		case Disconnect:
			c.handleDisconnect(conn, msg.Value)
		default:
			c.violation(conn, msg, "guest-bound message sent to root")
		}
		return
	}

	if conn != c.rootConn {
		c.violation(conn, msg, "room message from a guest")
		return
	}
	switch msg.Type {
	case OnConnect:
		c.handleOnConnect(msg.Value)
	case DropUser:
		c.handleDropUser(msg.Value)
	default:
		c.violation(conn, msg, "root-bound message sent to guest")
	}
}

func (c *Coordinator) violation(conn *session.Connection, msg *Message, reason string) {
	c.log.Warn("room message dropped",
		"peer", conn.Remote(), "type", msg.Type,
		"error", callerr.Wrap("room", callerr.ErrProtocolViolation, reason))
}

// root

func (c *Coordinator) handleConnect(conn *session.Connection, ids []string) {
	g := conn.Remote()
	if len(ids) != 1 || ids[0] != g {
		c.violation(conn, &Message{Type: Connect, Value: ids}, "connect must name its sender")
		return
	}

	c.hadGuests = true
	c.lastSeen[g] = time.Now()
	c.addMember(g)

	c.send(conn, OnConnect, c.members.Snapshot())
	c.broadcast(OnConnect, c.members.Snapshot(), g)
	c.call(g)
}

func (c *Coordinator) handleDisconnect(conn *session.Connection, ids []string) {
	x := conn.Remote()
	if !c.members.Contains(x) {
		c.violation(conn, &Message{Type: Disconnect, Value: ids}, "disconnect from non-member")
		return
	}

	for _, y := range ids {
		switch {
		case y == c.self:
			c.call(x)
		case c.members.Contains(y) && c.alive(y):
			c.send(conn, OnConnect, c.members.Snapshot())
		case c.members.Contains(y):
			c.dropMember(y)
		default:
			c.send(conn, DropUser, []string{y})
		}
	}
}

func (c *Coordinator) dropMember(id string) {
	if id == c.self || !c.removeMember(id) {
		return
	}
	delete(c.lastSeen, id)

	for _, kind := range []session.ConnectionKind{session.KindMedia, session.KindData} {
		if conn := c.ep.Connection(id, kind); conn != nil {
			conn.Close()
		}
	}
	c.log.Info("member dropped", "peer", id)
	c.broadcast(DropUser, []string{id}, "")
}

func (c *Coordinator) alive(id string) bool {
	return c.ep.Connection(id, session.KindData) != nil || c.ep.Connection(id, session.KindMedia) != nil
}

func (c *Coordinator) scheduleWatchdog() {
	if c.left {
		return
	}
	c.watchdog = c.ep.AfterFunc(c.cfg.WatchdogInterval, c.checkRoom)
}

// checkRoom drops members that have had no connection for longer than the
// confirmation delay and reports a room that stayed root-only as long.
func (c *Coordinator) checkRoom() {
	if c.left {
		return
	}
	now := time.Now()

	for _, id := range c.members.Snapshot() {
		if id == c.self {
			continue
		}
		if c.alive(id) {
			c.lastSeen[id] = now
			continue
		}
		if seen, ok := c.lastSeen[id]; !ok {
			c.lastSeen[id] = now
		} else if now.Sub(seen) >= c.cfg.WatchdogConfirm {
			c.log.Debug("stale member", "peer", id, "since", seen)
			c.dropMember(id)
		}
	}

	if c.members.Len() == 1 && c.hadGuests {
		if c.aloneSince.IsZero() {
			c.aloneSince = now
		} else if now.Sub(c.aloneSince) >= c.cfg.WatchdogConfirm && !c.emptyFired {
			c.emptyFired = true
			c.log.Info("room empty")
			c.obs.RoomEmpty()
		}
	} else {
		c.aloneSince = time.Time{}
		c.emptyFired = false
	}

	c.scheduleWatchdog()
}

// guest

func (c *Coordinator) sendConnect() {
	if c.rootConn == nil {
		return
	}
	c.connectSent = true
	c.send(c.rootConn, Connect, []string{c.self})
}

func (c *Coordinator) handleOnConnect(ids []string) {
	if !c.connectSent {
		c.log.Warn("room message dropped", "type", OnConnect,
			"error", callerr.Wrap("room", callerr.ErrProtocolViolation, "onconnect before connect"))
		return
	}

	added, removed := c.members.Replace(ids)
	for _, id := range removed {
		c.obs.MemberRemoved(id)
		c.hangUp(id)
	}
	for _, id := range added {
		c.obs.MemberAdded(id)
	}
	if len(added) > 0 || len(removed) > 0 {
		c.persist()
	}

	i := 0
	for _, id := range ids {
		if id == c.self || c.ep.Connection(id, session.KindMedia) != nil {
			continue
		}
		c.dialLater(id, time.Duration(i)*c.cfg.RenderDelay)
		i++
	}
}

func (c *Coordinator) handleDropUser(ids []string) {
	for _, id := range ids {
		if id == c.self {
			c.log.Info("root dropped us, rejoining")
			c.sendConnect()
			continue
		}
		if c.removeMember(id) {
			c.hangUp(id)
		}
	}
}

func (c *Coordinator) dialLater(id string, delay time.Duration) {
	dial := func() {
		if c.left || !c.members.Contains(id) || c.ep.Connection(id, session.KindMedia) != nil {
			return
		}
		c.call(id)
	}
	if delay <= 0 {
		dial()
		return
	}
	c.timers = append(c.timers, c.ep.AfterFunc(delay, dial))
}

func (c *Coordinator) hangUp(id string) {
	if conn := c.ep.Connection(id, session.KindMedia); conn != nil {
		conn.Close()
	}
}

// both

func (c *Coordinator) onClosed(conn *session.Connection, local bool) {
	remote := conn.Remote()

	if conn.Kind() == session.KindData {
		if conn == c.rootConn {
			c.rootConn = nil
			c.connectSent = false
			if !local {
				c.log.Warn("lost the room root", "peer", remote)
				c.removeMember(remote)
			}
			return
		}
		if c.isRoot && !local && c.members.Contains(remote) && c.ep.Connection(remote, session.KindMedia) == nil {
			c.dropMember(remote)
		}
		return
	}

	if _, ok := c.streams[remote]; ok {
		delete(c.streams, remote)
		c.obs.StreamRemoved(remote)
	}
	if local || !c.members.Contains(remote) {
		return
	}
	if !conn.WasOpen() {
		c.log.Debug("call never opened, not retried", "peer", remote)
		return
	}
	if c.isRoot && c.ep.Connection(remote, session.KindData) == nil {
		c.dropMember(remote)
		return
	}

	c.repairs[remote]++
	if c.repairs[remote] > maxRepairs {
		c.log.Warn("giving up on media repair", "peer", remote)
		return
	}

	if !c.isRoot {
		if c.rootConn != nil && c.rootConn.Open() {
			c.send(c.rootConn, Disconnect, []string{remote})
		}
		return
	}
	c.log.Debug("repairing media", "peer", remote, "attempt", c.repairs[remote])
	c.dialLater(remote, c.cfg.RenderDelay)
}

func (c *Coordinator) call(id string) {
	if id == c.self {
		return
	}
	c.withLocalMedia(func(local rtc.LocalMedia) {
		if c.left || !c.members.Contains(id) {
			return
		}
		if _, err := c.ep.ConnectMedia(id, local); err != nil {
			c.log.Warn("call failed", "peer", id, "error", err)
		}
	}, nil)
}

func (c *Coordinator) send(conn *session.Connection, t MessageType, ids []string) {
	data, err := EncodeMessage(t, ids)
	if err != nil {
		c.log.Error("encode room message", "type", t, "error", err)
		return
	}
	if err := conn.Send(data); err != nil {
		c.log.Debug("room message not sent", "peer", conn.Remote(), "type", t, "error", err)
	}
}

// broadcast sends to every member with an open data connection except skip.
func (c *Coordinator) broadcast(t MessageType, ids []string, skip string) {
	for _, id := range c.members.Snapshot() {
		if id == c.self || id == skip {
			continue
		}
		if conn := c.ep.Connection(id, session.KindData); conn != nil && conn.Open() {
			c.send(conn, t, ids)
		}
	}
}

func (c *Coordinator) addMember(id string) {
	if c.members.Add(id) {
		c.obs.MemberAdded(id)
		c.persist()
	}
}

func (c *Coordinator) removeMember(id string) bool {
	if !c.members.Remove(id) {
		return false
	}
	delete(c.repairs, id)
	c.obs.MemberRemoved(id)
	c.persist()
	return true
}

func (c *Coordinator) persist() {
	if err := c.store.SaveMembers(c.cfg.RoomID, c.members.Snapshot()); err != nil {
		c.log.Warn("membership not saved", "error", err)
	}
}

// withLocalMedia runs ready with the shared local stream, acquiring it on
// first use. After a denial every later request runs failed instead.
func (c *Coordinator) withLocalMedia(ready func(rtc.LocalMedia), failed func()) {
	switch c.mediaState {
	case mediaReady:
		ready(c.local)
		return
	case mediaDenied:
		if failed != nil {
			failed()
		}
		return
	}

	c.waiters = append(c.waiters, mediaWaiter{ready: ready, failed: failed})
	if c.mediaState == mediaAcquiring {
		return
	}
	c.mediaState = mediaAcquiring

	ctx := c.ctx
	go func() {
		local, err := c.source.Acquire(ctx, c.cfg.Constraints)
		if !c.ep.Do(func() { c.mediaAcquired(local, err) }) && local != nil {
			local.Close()
		}
	}()
}

func (c *Coordinator) mediaAcquired(local rtc.LocalMedia, err error) {
	if c.left {
		if local != nil {
			local.Close()
		}
		return
	}

	waiters := c.waiters
	c.waiters = nil

	if err != nil {
		c.mediaState = mediaDenied
		if !errors.Is(err, callerr.ErrMediaDenied) {
			err = callerr.Wrap("acquire media", callerr.ErrMediaDenied, err.Error())
		}
		c.log.Error("local media unavailable", "error", err)
		c.obs.FatalError(err)
		for _, w := range waiters {
			if w.failed != nil {
				w.failed()
			}
		}
		return
	}

	c.mediaState = mediaReady
	c.local = local
	c.obs.LocalStream(local)
	for _, w := range waiters {
		w.ready(local)
	}
}
