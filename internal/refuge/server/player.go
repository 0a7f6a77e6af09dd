package server

import (
	"golang.org/x/time/rate"

	"refuge.voxelcraft.ai/internal/host"
)

// Player is a connected player as the server process sees it. Its state is replicated
// from the client; its inventory is server-owned.
type Player struct {
	name  string
	state host.PlayerState
	inv   *host.Container
	out   chan []byte
	valid bool

	limiter *rate.Limiter
}

var _ host.Player = (*Player)(nil)

func (p *Player) Username() (string, error) {
	if p == nil || !p.valid {
		return "", host.ErrPlayerGone
	}
	return p.name, nil
}

func (p *Player) IsValid() bool { return p != nil && p.valid }

func (p *Player) State() (host.PlayerState, error) {
	if !p.IsValid() {
		return host.PlayerState{}, host.ErrPlayerGone
	}
	return p.state, nil
}

func (p *Player) Inventory() *host.Container {
	if !p.IsValid() {
		return nil
	}
	return p.inv
}
