// Package loopback connects an in-process client to the refuge server loop without a
// socket. Singleplayer runs over it.
package loopback

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"refuge.voxelcraft.ai/internal/protocol"
	"refuge.voxelcraft.ai/internal/refuge/server"
)

type Hub interface {
	Join() chan<- server.JoinRequest
	Leave() chan<- string
	Inbox() chan<- server.Envelope
}

type Conn struct {
	hub      Hub
	username string
	welcome  protocol.WelcomeMsg
	in       chan []byte

	once sync.Once
	done chan struct{}
}

// Dial joins hub as username. The hub's loop must be running.
func Dial(ctx context.Context, hub Hub, username string) (*Conn, error) {
	out := make(chan []byte, 256)
	resp := make(chan server.JoinResponse, 1)
	select {
	case hub.Join() <- server.JoinRequest{Username: username, Out: out, Resp: resp}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	var r server.JoinResponse
	select {
	case r = <-resp:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if r.Err != "" {
		return nil, errors.New(r.Err)
	}
	c := &Conn{hub: hub, username: username, welcome: r.Welcome, in: make(chan []byte, 256), done: make(chan struct{})}
	go c.pump(out)
	return c, nil
}

func (c *Conn) pump(out <-chan []byte) {
	defer close(c.in)
	for {
		select {
		case <-c.done:
			return
		case b := <-out:
			select {
			case c.in <- b:
			case <-c.done:
				return
			}
		}
	}
}

func (c *Conn) Welcome() protocol.WelcomeMsg { return c.welcome }
func (c *Conn) Incoming() <-chan []byte       { return c.in }

func (c *Conn) Send(v any) error {
	select {
	case <-c.done:
		return errors.New("loopback: closed")
	default:
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.hub.Inbox() <- server.Envelope{Username: c.username, Raw: b}
	return nil
}

func (c *Conn) Close() error {
	c.once.Do(func() {
		close(c.done)
		c.hub.Leave() <- c.username
	})
	return nil
}
