// Package env classifies the running process and decides who may mutate shared state.
package env

import "sync"

type Mode int

const (
	ModeUnknown Mode = iota
	ModeSingleplayer
	ModeDedicatedServer
	ModeMultiplayerClient
	// ModeCoopHost is (server, client) both true. The host runs cooperative games as two
	// separate processes, so this combination is never observed.
	ModeCoopHost
)

func (m Mode) String() string {
	switch m {
	case ModeSingleplayer:
		return "singleplayer"
	case ModeDedicatedServer:
		return "dedicated"
	case ModeMultiplayerClient:
		return "client"
	case ModeCoopHost:
		return "coop_host"
	default:
		return "unknown"
	}
}

// Flags are the host's process flags. They are only meaningful once WorldReady is true.
type Flags interface {
	IsServer() bool
	IsClient() bool
	WorldReady() bool
}

// StaticFlags is a Flags value fixed at construction.
type StaticFlags struct {
	Server bool
	Client bool
	Ready  bool
}

func (f StaticFlags) IsServer() bool   { return f.Server }
func (f StaticFlags) IsClient() bool   { return f.Client }
func (f StaticFlags) WorldReady() bool { return f.Ready }

type Detector struct {
	flags Flags

	mu     sync.Mutex
	cached bool
	mode   Mode
}

func NewDetector(flags Flags) *Detector {
	return &Detector{flags: flags}
}

func classify(server, client bool) Mode {
	switch {
	case !server && !client:
		return ModeSingleplayer
	case server && !client:
		return ModeDedicatedServer
	case !server && client:
		return ModeMultiplayerClient
	default:
		return ModeCoopHost
	}
}

// Mode returns the cached classification, or a direct query if the world is not ready yet.
func (d *Detector) Mode() Mode {
	if d == nil || d.flags == nil {
		return ModeUnknown
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cached {
		return d.mode
	}
	m := classify(d.flags.IsServer(), d.flags.IsClient())
	if d.flags.WorldReady() {
		d.mode = m
		d.cached = true
	}
	return m
}

func (d *Detector) IsServerAuthority() bool {
	switch d.Mode() {
	case ModeSingleplayer, ModeDedicatedServer, ModeCoopHost:
		return true
	}
	return false
}

func (d *Detector) IsServerProcess() bool {
	m := d.Mode()
	return m == ModeDedicatedServer || m == ModeCoopHost
}

func (d *Detector) IsClientProcess() bool {
	m := d.Mode()
	return m == ModeMultiplayerClient || m == ModeCoopHost
}

// CanModifyData reports whether local code may write the persisted registry.
func (d *Detector) CanModifyData() bool { return d.IsServerAuthority() }
