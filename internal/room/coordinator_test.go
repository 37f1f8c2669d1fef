package room

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BioHazard786/meshcall/internal/callerr"
	"github.com/BioHazard786/meshcall/internal/media"
	"github.com/BioHazard786/meshcall/internal/rtc"
	"github.com/BioHazard786/meshcall/internal/rtc/rtctest"
	"github.com/BioHazard786/meshcall/internal/session"
	"github.com/BioHazard786/meshcall/internal/signaling/signalingtest"
)

const waitFor = 3 * time.Second

type fakeSource struct {
	id     string
	denied bool
}

func (s fakeSource) Acquire(context.Context, media.Constraints) (rtc.LocalMedia, error) {
	if s.denied {
		return nil, callerr.Wrap("acquire media", callerr.ErrMediaDenied, "permission denied")
	}
	return rtctest.NewMedia(s.id + "-cam"), nil
}

type recorder struct {
	mu      sync.Mutex
	streams map[string]int
	removed []string
	fatal   []error
	empty   int
	local   int
	added   int
	dropped int
}

func newRecorder() *recorder { return &recorder{streams: make(map[string]int)} }

func (r *recorder) MemberAdded(string) { r.mu.Lock(); r.added++; r.mu.Unlock() }
func (r *recorder) MemberRemoved(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dropped++
	r.removed = append(r.removed, id)
}
func (r *recorder) RemoteStream(id string, _ rtc.MediaHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.streams[id]++
}
func (r *recorder) StreamRemoved(string)        {}
func (r *recorder) LocalStream(rtc.MediaHandle) { r.mu.Lock(); r.local++; r.mu.Unlock() }
func (r *recorder) FatalError(err error)        { r.mu.Lock(); r.fatal = append(r.fatal, err); r.mu.Unlock() }
func (r *recorder) RoomEmpty()                  { r.mu.Lock(); r.empty++; r.mu.Unlock() }

type memStore struct {
	mu    sync.Mutex
	saved map[string][]string
}

func (s *memStore) Members(room string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saved[room], nil
}

func (s *memStore) SaveMembers(room string, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saved == nil {
		s.saved = make(map[string][]string)
	}
	s.saved[room] = ids
	return nil
}

type participant struct {
	t     *testing.T
	id    string
	link  *signalingtest.Link
	ep    *session.Endpoint
	coord *Coordinator
	obs   *recorder
	store *memStore
}

// countingFactory counts the peer connections an endpoint creates.
type countingFactory struct {
	rtc.Factory
	created atomic.Int64
}

func (f *countingFactory) NewPeerConnection() (rtc.PeerConnection, error) {
	f.created.Add(1)
	return f.Factory.NewPeerConnection()
}

type joinOptions struct {
	source  media.Source
	factory rtc.Factory
	store   *memStore
}

type mesh struct {
	t   *testing.T
	hub *signalingtest.Hub
	net *rtctest.Network
	cfg Config
}

func newMesh(t *testing.T, room string) *mesh {
	return &mesh{
		t:   t,
		hub: signalingtest.NewHub(),
		net: rtctest.NewNetwork(),
		cfg: Config{
			RoomID:           room,
			RenderDelay:      10 * time.Millisecond,
			WatchdogInterval: 20 * time.Millisecond,
			WatchdogConfirm:  60 * time.Millisecond,
		},
	}
}

func (m *mesh) join(id string, src media.Source) *participant {
	m.t.Helper()
	return m.joinWith(id, joinOptions{source: src})
}

func (m *mesh) joinWith(id string, opts joinOptions) *participant {
	m.t.Helper()
	if opts.source == nil {
		opts.source = fakeSource{id: id}
	}
	if opts.factory == nil {
		opts.factory = m.net
	}
	if opts.store == nil {
		opts.store = &memStore{}
	}
	link := m.hub.Connect(id)
	ep, err := session.NewEndpoint(session.Options{ID: id, Link: link, Factory: opts.factory})
	if err != nil {
		m.t.Fatalf("NewEndpoint(%s): %v", id, err)
	}
	p := &participant{t: m.t, id: id, link: link, ep: ep, obs: newRecorder(), store: opts.store}
	p.coord = New(m.cfg, ep, opts.source, p.obs, p.store)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	if err := ep.Start(ctx, p.coord.HandleEvent); err != nil {
		m.t.Fatalf("Start(%s): %v", id, err)
	}
	m.t.Cleanup(ep.Close)
	p.coord.Activate()
	return p
}

func (p *participant) leave() {
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	if err := p.coord.Leave(ctx); err != nil {
		p.t.Fatalf("Leave(%s): %v", p.id, err)
	}
	p.ep.Close()
}

func (p *participant) do(fn func()) {
	p.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	if err := p.ep.Call(ctx, fn); err != nil {
		p.t.Fatalf("call on %s: %v", p.id, err)
	}
}

func (p *participant) members() []string {
	var out []string
	p.do(func() { out = p.coord.Members() })
	sort.Strings(out)
	return out
}

// openMedia returns the ids of open media connections by remote.
func (p *participant) openMedia() map[string]string {
	out := make(map[string]string)
	p.do(func() {
		for _, c := range p.ep.Connections(session.KindMedia) {
			if c.Open() {
				out[c.Remote()] = c.ID()
			}
		}
	})
	return out
}

// sendRoom sends a room message over p's data connection to remote.
func (p *participant) sendRoom(remote string, t MessageType, ids ...string) {
	p.t.Helper()
	p.do(func() {
		conn := p.ep.Connection(remote, session.KindData)
		if conn == nil {
			p.t.Errorf("%s has no data connection to %s", p.id, remote)
			return
		}
		data, err := EncodeMessage(t, ids)
		if err != nil {
			p.t.Errorf("EncodeMessage: %v", err)
			return
		}
		if err := conn.Send(data); err != nil {
			p.t.Errorf("Send: %v", err)
		}
	})
}

func hasMember(p *participant, id string) bool {
	for _, m := range p.members() {
		if m == id {
			return true
		}
	}
	return false
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitFor)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func sameMembers(ps []*participant, want ...string) func() bool {
	sort.Strings(want)
	return func() bool {
		for _, p := range ps {
			got := p.members()
			if len(got) != len(want) {
				return false
			}
			for i := range got {
				if got[i] != want[i] {
					return false
				}
			}
		}
		return true
	}
}

func fullMesh(ps []*participant) func() bool {
	return func() bool {
		for _, p := range ps {
			if len(p.openMedia()) != len(ps)-1 {
				return false
			}
		}
		return true
	}
}

func TestTwoGuestScenario(t *testing.T) {
	m := newMesh(t, "r")
	r := m.join("r", nil)
	a := m.join("a", nil)

	eventually(t, "R and A agree", sameMembers([]*participant{r, a}, "r", "a"))
	eventually(t, "R-A media", fullMesh([]*participant{r, a}))

	b := m.join("b", nil)
	all := []*participant{r, a, b}
	eventually(t, "all agree", sameMembers(all, "r", "a", "b"))
	eventually(t, "full mesh", fullMesh(all))

	ids := make(map[string]bool)
	for _, p := range all {
		for remote, id := range p.openMedia() {
			ids[id] = true
			other := map[string]*participant{"r": r, "a": a, "b": b}[remote]
			if other.openMedia()[p.id] != id {
				t.Errorf("%s and %s disagree on media connection %s", p.id, remote, id)
			}
		}
	}
	if len(ids) != 3 {
		t.Errorf("media connections = %d, want 3", len(ids))
	}

	eventually(t, "streams both ways", func() bool {
		for _, p := range all {
			p.obs.mu.Lock()
			n := len(p.obs.streams)
			p.obs.mu.Unlock()
			if n != 2 {
				return false
			}
		}
		return true
	})
	for _, p := range all {
		p.obs.mu.Lock()
		for remote, n := range p.obs.streams {
			if n != 1 {
				t.Errorf("%s saw %d streams from %s, want 1", p.id, n, remote)
			}
		}
		p.obs.mu.Unlock()
	}
}

func TestConvergence(t *testing.T) {
	m := newMesh(t, "root")
	root := m.join("root", nil)
	ps := []*participant{root}
	ids := []string{"root"}

	for _, id := range []string{"g1", "g2", "g3"} {
		ps = append(ps, m.join(id, nil))
		ids = append(ids, id)
	}

	eventually(t, "membership converges", sameMembers(ps, ids...))
	eventually(t, "full mesh", fullMesh(ps))

	unique := make(map[string]bool)
	for _, p := range ps {
		for _, id := range p.openMedia() {
			unique[id] = true
		}
	}
	n := len(ps) - 1
	if want := n * (n + 1) / 2; len(unique) != want {
		t.Errorf("media connections = %d, want %d", len(unique), want)
	}
	// two primitives per media pair, plus each guest's data connection to the root
	if got, want := m.net.Connected(), n*(n+1)+2*n; got != want {
		t.Errorf("connected primitives = %d, want %d", got, want)
	}
}

func TestIdempotentJoin(t *testing.T) {
	m := newMesh(t, "r")
	r := m.join("r", nil)
	a := m.join("a", nil)
	eventually(t, "joined", sameMembers([]*participant{r, a}, "r", "a"))
	eventually(t, "media", fullMesh([]*participant{r, a}))

	a.do(func() {
		conn := a.ep.Connection("r", session.KindData)
		data, _ := EncodeMessage(Connect, []string{"a"})
		for i := 0; i < 2; i++ {
			if err := conn.Send(data); err != nil {
				t.Errorf("Send: %v", err)
			}
		}
	})
	time.Sleep(100 * time.Millisecond)

	if got := r.members(); len(got) != 2 {
		t.Errorf("root members = %v, want [a r]", got)
	}
	if n := len(r.openMedia()); n != 1 {
		t.Errorf("root media connections = %d, want 1", n)
	}
}

func TestLeavePropagation(t *testing.T) {
	m := newMesh(t, "r")
	r := m.join("r", nil)
	a := m.join("a", nil)
	b := m.join("b", nil)
	eventually(t, "all joined", sameMembers([]*participant{r, a, b}, "r", "a", "b"))
	eventually(t, "mesh", fullMesh([]*participant{r, a, b}))

	b.leave()

	eventually(t, "b dropped everywhere", sameMembers([]*participant{r, a}, "r", "a"))
	eventually(t, "media to b gone", func() bool {
		_, rb := r.openMedia()["b"]
		_, ab := a.openMedia()["b"]
		return !rb && !ab
	})
	eventually(t, "root persisted", func() bool {
		r.store.mu.Lock()
		defer r.store.mu.Unlock()
		return len(r.store.saved["r"]) == 2
	})
}

func TestRoomEmptyWatchdog(t *testing.T) {
	m := newMesh(t, "r")
	r := m.join("r", nil)

	// a root that never had guests stays open
	time.Sleep(150 * time.Millisecond)
	r.obs.mu.Lock()
	early := r.obs.empty
	r.obs.mu.Unlock()
	if early != 0 {
		t.Fatalf("RoomEmpty before any guest joined")
	}

	a := m.join("a", nil)
	eventually(t, "joined", sameMembers([]*participant{r, a}, "r", "a"))
	a.leave()

	eventually(t, "room empty", func() bool {
		r.obs.mu.Lock()
		defer r.obs.mu.Unlock()
		return r.obs.empty > 0
	})
	time.Sleep(150 * time.Millisecond)
	r.obs.mu.Lock()
	defer r.obs.mu.Unlock()
	if r.obs.empty != 1 {
		t.Errorf("RoomEmpty fired %d times, want 1", r.obs.empty)
	}
}

func TestStaleMemberCollected(t *testing.T) {
	m := newMesh(t, "r")
	r := m.join("r", nil)

	// a member restored from a previous run that never comes back
	r.do(func() {
		r.coord.members.Add("ghost")
		r.coord.lastSeen["ghost"] = time.Now()
	})
	eventually(t, "ghost collected", func() bool {
		got := r.members()
		return len(got) == 1 && got[0] == "r"
	})
}

func TestMediaDenied(t *testing.T) {
	m := newMesh(t, "r")
	r := m.join("r", nil)
	a := m.join("a", fakeSource{id: "a", denied: true})

	eventually(t, "membership", sameMembers([]*participant{r, a}, "r", "a"))
	eventually(t, "fatal reported", func() bool {
		a.obs.mu.Lock()
		defer a.obs.mu.Unlock()
		return len(a.obs.fatal) > 0
	})
	// let any further calls play out
	time.Sleep(200 * time.Millisecond)

	a.obs.mu.Lock()
	defer a.obs.mu.Unlock()
	if len(a.obs.fatal) != 1 {
		t.Errorf("FatalError reported %d times, want 1", len(a.obs.fatal))
	}
	if !errors.Is(a.obs.fatal[0], callerr.ErrMediaDenied) {
		t.Errorf("FatalError(%v), want ErrMediaDenied", a.obs.fatal[0])
	}
	if a.obs.local != 0 {
		t.Error("LocalStream reported despite denial")
	}
}

func TestGuestRejoinsAfterDrop(t *testing.T) {
	m := newMesh(t, "r")
	r := m.join("r", nil)
	a := m.join("a", nil)
	eventually(t, "joined", sameMembers([]*participant{r, a}, "r", "a"))

	// the root wrongly believes a is gone
	r.do(func() {
		conn := r.ep.Connection("a", session.KindData)
		r.coord.removeMember("a")
		r.coord.send(conn, DropUser, []string{"a"})
	})

	eventually(t, "a readmitted", sameMembers([]*participant{r, a}, "r", "a"))
}

func TestMembershipPersisted(t *testing.T) {
	m := newMesh(t, "r")
	r := m.join("r", nil)
	a := m.join("a", nil)
	eventually(t, "joined", sameMembers([]*participant{r, a}, "r", "a"))

	a.store.mu.Lock()
	got := append([]string(nil), a.store.saved["r"]...)
	a.store.mu.Unlock()
	sort.Strings(got)
	if len(got) != 2 || got[0] != "a" || got[1] != "r" {
		t.Errorf("guest persisted %v, want [a r]", got)
	}
}

func TestFailedCallNotRetried(t *testing.T) {
	m := newMesh(t, "r")
	r := m.join("r", nil)
	y := m.join("y", nil)
	eventually(t, "R-Y mesh", fullMesh([]*participant{r, y}))

	// y stays in the room over its peer links but can no longer be reached
	// through the relay, so every call to y expires before it opens
	y.link.Close()

	counter := &countingFactory{Factory: m.net}
	a := m.joinWith("a", joinOptions{factory: counter})
	eventually(t, "a admitted", sameMembers([]*participant{r, a}, "a", "r", "y"))
	eventually(t, "A-R media", func() bool {
		_, ok := a.openMedia()["r"]
		return ok
	})

	time.Sleep(150 * time.Millisecond)
	settled := counter.created.Load()
	time.Sleep(300 * time.Millisecond)
	after := counter.created.Load()

	if after != settled {
		t.Errorf("a kept creating peer connections: %d then %d", settled, after)
	}
	// data to the root, media with the root, one call to y
	if settled > 4 {
		t.Errorf("a created %d peer connections, want at most 4", settled)
	}
	if !hasMember(a, "y") {
		t.Error("guest removed y from local evidence")
	}
}

func TestGuestRecalledAfterRootHangsUp(t *testing.T) {
	m := newMesh(t, "r")
	r := m.join("r", nil)
	a := m.join("a", nil)
	eventually(t, "mesh", fullMesh([]*participant{r, a}))
	before := r.openMedia()["a"]

	// a reports the root itself as lost, so the root calls a again
	r.do(func() { r.ep.Connection("a", session.KindMedia).Close() })

	eventually(t, "media restored", func() bool {
		id, ok := r.openMedia()["a"]
		return ok && id != before && a.openMedia()["r"] == id
	})
	if got := r.members(); len(got) != 2 {
		t.Errorf("root members = %v, want [a r]", got)
	}
}

func TestGuestLinkLossRemeshes(t *testing.T) {
	m := newMesh(t, "r")
	r := m.join("r", nil)
	a := m.join("a", nil)
	b := m.join("b", nil)
	all := []*participant{r, a, b}
	eventually(t, "mesh", fullMesh(all))

	before := a.openMedia()["b"]
	rootA := r.openMedia()["a"]
	rootB := r.openMedia()["b"]

	if n := m.net.FailLink("a-cam", "b-cam"); n != 1 {
		t.Fatalf("FailLink failed %d pairs, want 1", n)
	}

	eventually(t, "A-B media restored", func() bool {
		id, ok := a.openMedia()["b"]
		return ok && id != before && b.openMedia()["a"] == id
	})
	eventually(t, "full mesh", fullMesh(all))

	if r.openMedia()["a"] != rootA || r.openMedia()["b"] != rootB {
		t.Error("root media connections changed on a guest-to-guest loss")
	}
	for _, p := range all {
		if got := p.members(); len(got) != 3 {
			t.Errorf("%s members = %v, want 3", p.id, got)
		}
	}
}

func TestDisconnectDropsDeadMember(t *testing.T) {
	m := newMesh(t, "r")
	m.cfg.WatchdogConfirm = time.Hour
	r := m.join("r", nil)
	a := m.join("a", nil)
	eventually(t, "joined", sameMembers([]*participant{r, a}, "r", "a"))

	// a member with no connection, which the watchdog would not collect yet
	r.do(func() { r.coord.addMember("ghost") })

	a.sendRoom("r", Disconnect, "ghost")

	eventually(t, "ghost dropped", sameMembers([]*participant{r, a}, "r", "a"))
}

func TestDisconnectForNonMemberAnswersDropUser(t *testing.T) {
	m := newMesh(t, "r")
	r := m.join("r", nil)
	a := m.join("a", nil)
	eventually(t, "joined", sameMembers([]*participant{r, a}, "r", "a"))

	// a holds a stale member the root never had
	a.do(func() { a.coord.members.Add("stranger") })
	a.sendRoom("r", Disconnect, "stranger")

	eventually(t, "stranger dropped by a", func() bool { return !hasMember(a, "stranger") })
	if got := r.members(); len(got) != 2 {
		t.Errorf("root members = %v, want [a r]", got)
	}
}

func TestOnConnectBeforeConnectIgnored(t *testing.T) {
	m := newMesh(t, "r")
	r := m.join("r", nil)
	a := m.join("a", nil)
	eventually(t, "joined", sameMembers([]*participant{r, a}, "r", "a"))

	a.do(func() {
		a.coord.connectSent = false
		data, _ := EncodeMessage(OnConnect, []string{"r", "a", "intruder"})
		a.coord.onData(a.coord.rootConn, data)
	})

	if hasMember(a, "intruder") {
		t.Error("onconnect before connect changed membership")
	}
	a.do(func() {
		if a.ep.Connection("intruder", session.KindMedia) != nil {
			t.Error("onconnect before connect dialed a member")
		}
	})
}

func TestUnknownRoomMessageDropped(t *testing.T) {
	m := newMesh(t, "r")
	r := m.join("r", nil)
	a := m.join("a", nil)
	eventually(t, "joined", sameMembers([]*participant{r, a}, "r", "a"))
	eventually(t, "mesh", fullMesh([]*participant{r, a}))

	a.sendRoom("r", MessageType("kick"), "r")
	a.sendRoom("r", DropUser, "r")
	r.sendRoom("a", MessageType("kick"), "a")
	r.sendRoom("a", Connect, "a")
	time.Sleep(100 * time.Millisecond)

	for _, p := range []*participant{r, a} {
		if got := p.members(); len(got) != 2 {
			t.Errorf("%s members = %v, want [a r]", p.id, got)
		}
	}
	a.do(func() {
		if conn := a.ep.Connection("r", session.KindData); conn == nil || !conn.Open() {
			t.Error("data connection to the root closed after a bad message")
		}
	})
	if len(r.openMedia()) != 1 {
		t.Error("media connection lost after a bad message")
	}
}

func TestRestoredRootReportsEmpty(t *testing.T) {
	m := newMesh(t, "r")
	st := &memStore{saved: map[string][]string{"r": {"r", "gone"}}}
	r := m.joinWith("r", joinOptions{store: st})

	eventually(t, "restored guest collected", func() bool {
		got := r.members()
		return len(got) == 1 && got[0] == "r"
	})
	eventually(t, "room empty", func() bool {
		r.obs.mu.Lock()
		defer r.obs.mu.Unlock()
		return r.obs.empty == 1
	})
}
