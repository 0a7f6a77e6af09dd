package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"refuge.voxelcraft.ai/internal/protocol"
)

// Conn is the client end of a refuge websocket session.
type Conn struct {
	conn    *websocket.Conn
	welcome protocol.WelcomeMsg
	in      chan []byte

	wmu  sync.Mutex
	once sync.Once
	done chan struct{}
}

// Dial connects to url, performs the HELLO/WELCOME handshake and starts reading.
func Dial(ctx context.Context, url, username string) (*Conn, error) {
	c, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	hello := protocol.HelloMsg{Type: protocol.TypeHello, ProtocolVersion: protocol.Version, Username: username}
	if err := writeJSON(c, hello); err != nil {
		_ = c.Close()
		return nil, err
	}
	_ = c.SetReadDeadline(time.Now().Add(10 * time.Second))
	_, msg, err := c.ReadMessage()
	if err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("handshake: %w", err)
	}
	var w protocol.WelcomeMsg
	if err := json.Unmarshal(msg, &w); err != nil || w.Type != protocol.TypeWelcome {
		_ = c.Close()
		return nil, errors.New("handshake: expected WELCOME")
	}
	_ = c.SetReadDeadline(time.Time{})
	conn := &Conn{conn: c, welcome: w, in: make(chan []byte, 256), done: make(chan struct{})}
	go conn.readLoop()
	return conn, nil
}

func (c *Conn) Welcome() protocol.WelcomeMsg { return c.welcome }

// Incoming yields raw server messages; it is closed when the connection drops.
func (c *Conn) Incoming() <-chan []byte { return c.in }

func (c *Conn) readLoop() {
	defer close(c.in)
	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		select {
		case c.in <- msg:
		case <-c.done:
			return
		}
	}
}

func (c *Conn) Send(v any) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return writeJSON(c.conn, v)
}

func (c *Conn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		c.wmu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.wmu.Unlock()
		err = c.conn.Close()
	})
	return err
}
