package relay

import (
	"log/slog"
	"time"

	"github.com/BioHazard786/meshcall/internal/signaling"
	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// SDP offers with many candidates fit comfortably.
	maxMessageSize = 64 * 1024

	sendBuffer = 256
)

// Client is one participant's websocket.
type Client struct {
	hub        *Hub
	conn       *websocket.Conn
	id         string
	remoteAddr string

	// buffered outbound messages, closed by the hub
	send chan *signaling.Message

	// owned by the hub goroutine
	registered bool
	contacts   map[string]struct{}
}

func newClient(hub *Hub, conn *websocket.Conn, id string) *Client {
	return &Client{
		hub:        hub,
		conn:       conn,
		id:         id,
		remoteAddr: conn.RemoteAddr().String(),
		send:       make(chan *signaling.Message, sendBuffer),
		contacts:   make(map[string]struct{}),
	}
}

// readPump forwards messages from the websocket to the hub. It is the only
// reader of the connection.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg signaling.Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				slog.Debug("relay read failed", "id", c.id, "error", err)
			}
			return
		}

		select {
		case c.hub.route <- inbound{from: c, msg: &msg}:
		case <-c.hub.done:
			return
		}
	}
}

// writePump writes hub messages and pings to the websocket. It is the only
// writer of the connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				slog.Debug("relay write failed", "id", c.id, "error", err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
