package relay

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/BioHazard786/meshcall/internal/signaling"
	"github.com/gorilla/websocket"
)

func startRelay(t *testing.T) *httptest.Server {
	t.Helper()
	s := NewServer(Options{Path: "/"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.hub.Run(ctx)
		close(done)
	}()

	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		cancel()
		<-done
	})
	return ts
}

func dial(t *testing.T, ts *httptest.Server, id string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?id=" + id
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", id, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func read(t *testing.T, conn *websocket.Conn) *signaling.Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg signaling.Message
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	return &msg
}

func expectType(t *testing.T, conn *websocket.Conn, want string) *signaling.Message {
	t.Helper()
	msg := read(t, conn)
	if msg.Type != want {
		t.Fatalf("got %q message, want %q", msg.Type, want)
	}
	return msg
}

func TestRegisterAndIDTaken(t *testing.T) {
	ts := startRelay(t)

	alice := dial(t, ts, "cozy-otter-ramen-01")
	expectType(t, alice, signaling.MessageTypeOpen)

	dup := dial(t, ts, "cozy-otter-ramen-01")
	expectType(t, dup, signaling.MessageTypeIDTaken)

	bad := dial(t, ts, "Not Valid")
	expectType(t, bad, signaling.MessageTypeIDTaken)
}

func TestRelayForwardsAndStampsSource(t *testing.T) {
	ts := startRelay(t)
	alice := dial(t, ts, "alice-1")
	expectType(t, alice, signaling.MessageTypeOpen)
	bob := dial(t, ts, "bob-2")
	expectType(t, bob, signaling.MessageTypeOpen)

	msg, err := signaling.NewMessage(signaling.MessageTypeOffer, "bob-2", signaling.DescriptionPayload{
		Type:         "data",
		ConnectionID: "dc_1",
	})
	if err != nil {
		t.Fatal(err)
	}
	msg.Src = "mallory"
	if err := alice.WriteJSON(msg); err != nil {
		t.Fatalf("write: %v", err)
	}

	got := expectType(t, bob, signaling.MessageTypeOffer)
	if got.Src != "alice-1" {
		t.Errorf("Src = %q, want alice-1", got.Src)
	}
	if got.ConnectionID() != "dc_1" {
		t.Errorf("ConnectionID() = %q, want dc_1", got.ConnectionID())
	}
}

func TestUnknownDestinationExpires(t *testing.T) {
	ts := startRelay(t)
	alice := dial(t, ts, "alice-1")
	expectType(t, alice, signaling.MessageTypeOpen)

	alice.WriteJSON(&signaling.Message{Type: signaling.MessageTypeCandidate, Dst: "ghost-9"})

	got := expectType(t, alice, signaling.MessageTypeExpire)
	if got.Src != "ghost-9" {
		t.Errorf("expire Src = %q, want ghost-9", got.Src)
	}
}

func TestLeaveSentToContacts(t *testing.T) {
	ts := startRelay(t)
	alice := dial(t, ts, "alice-1")
	expectType(t, alice, signaling.MessageTypeOpen)
	bob := dial(t, ts, "bob-2")
	expectType(t, bob, signaling.MessageTypeOpen)
	carol := dial(t, ts, "carol-3")
	expectType(t, carol, signaling.MessageTypeOpen)

	alice.WriteJSON(&signaling.Message{Type: signaling.MessageTypeCandidate, Dst: "bob-2"})
	expectType(t, bob, signaling.MessageTypeCandidate)

	alice.Close()

	got := expectType(t, bob, signaling.MessageTypeLeave)
	if got.Src != "alice-1" {
		t.Errorf("leave Src = %q, want alice-1", got.Src)
	}

	// carol never talked to alice
	carol.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	var msg signaling.Message
	if err := carol.ReadJSON(&msg); err == nil {
		t.Errorf("carol got unexpected %q", msg.Type)
	}
}

func TestUnsupportedTypeGetsError(t *testing.T) {
	ts := startRelay(t)
	alice := dial(t, ts, "alice-1")
	expectType(t, alice, signaling.MessageTypeOpen)

	alice.WriteJSON(&signaling.Message{Type: "open", Dst: "alice-1"})
	got := expectType(t, alice, signaling.MessageTypeError)

	var p signaling.ErrorPayload
	if err := got.DecodePayload(&p); err != nil || !strings.Contains(p.Msg, "unsupported") {
		t.Errorf("error payload = %+v, %v", p, err)
	}
}

func TestHTTPRoutes(t *testing.T) {
	ts := startRelay(t)

	resp, err := http.Get(ts.URL + "/id")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var body struct{ ID string }
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.ID == "" {
		t.Errorf("/id returned %+v, %v", body, err)
	}
	if resp.Header.Get(requestIDHeader) == "" {
		t.Error("missing request id header")
	}

	resp, err = http.Get(ts.URL + "/r/cozy-otter-ramen-01")
	if err != nil {
		t.Fatal(err)
	}
	text, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(text), "meshcall join cozy-otter-ramen-01") {
		t.Errorf("/r/ body = %q", text)
	}

	resp, err = http.Get(ts.URL + "/ws")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("/ws without id status = %d, want 400", resp.StatusCode)
	}
}
