package rtctest

import (
	"errors"
	"sync"
)

// Channel is a fake data channel. Messages sent on one end are delivered to
// its pair in order; they queue until the receiver attaches OnMessage.
type Channel struct {
	label string

	mu        sync.Mutex
	peer      *Channel
	open      bool
	closed    bool
	onOpen    func()
	onClose   func()
	onMessage func([]byte)
	backlog   [][]byte
}

func (c *Channel) Label() string { return c.label }

// OnOpen fires immediately when the channel is already open.
func (c *Channel) OnOpen(fn func()) {
	c.mu.Lock()
	c.onOpen = fn
	open := c.open
	c.mu.Unlock()
	if open && fn != nil {
		fn()
	}
}

func (c *Channel) OnClose(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onClose = fn
}

func (c *Channel) OnMessage(fn func([]byte)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMessage = fn
	for _, data := range c.backlog {
		fn(data)
	}
	c.backlog = nil
}

func (c *Channel) Send(data []byte) error {
	c.mu.Lock()
	if !c.open || c.closed {
		c.mu.Unlock()
		return errors.New("rtctest: channel not open")
	}
	peer := c.peer
	c.mu.Unlock()

	buf := append([]byte(nil), data...)
	peer.deliver(buf)
	return nil
}

func (c *Channel) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open && !c.closed
}

func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.open = false
	peer, fn := c.peer, c.onClose
	c.mu.Unlock()

	if fn != nil {
		fn()
	}
	if peer != nil {
		peer.Close()
	}
	return nil
}

func (c *Channel) paired() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peer != nil
}

func (c *Channel) pair(other *Channel) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.peer = other
}

func (c *Channel) deliver(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if c.onMessage == nil {
		c.backlog = append(c.backlog, data)
		return
	}
	c.onMessage(data)
}

func (c *Channel) markOpen() {
	c.mu.Lock()
	if c.closed || c.open {
		c.mu.Unlock()
		return
	}
	c.open = true
	fn := c.onOpen
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
}
