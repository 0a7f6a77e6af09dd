// Package client is the player-side refuge runtime. It mirrors the server registry,
// runs the client half of the entry handshake against its own view of the world, and
// holds item locks for in-flight upgrade requests.
//
// A Client is driven from one goroutine: Handle for every server message and Tick once
// per host tick. Run does both for a live connection.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"refuge.voxelcraft.ai/internal/env"
	"refuge.voxelcraft.ai/internal/gridworld"
	"refuge.voxelcraft.ai/internal/host"
	"refuge.voxelcraft.ai/internal/protocol"
	"refuge.voxelcraft.ai/internal/refuge/registry"
	"refuge.voxelcraft.ai/internal/refuge/structure"
	"refuge.voxelcraft.ai/internal/refuge/txn"
	"refuge.voxelcraft.ai/internal/sched"
	"refuge.voxelcraft.ai/internal/tuning"
)

var (
	ErrInProgress     = errors.New("client: entry already in progress")
	ErrUnknownUpgrade = errors.New("client: unknown upgrade or level")
	ErrClosed         = errors.New("client: connection closed")
)

// Transport is a connected session to the refuge server (websocket or loopback).
type Transport interface {
	Welcome() protocol.WelcomeMsg
	Incoming() <-chan []byte
	Send(v any) error
	Close() error
}

// Phase is the UI-facing state of the entry handshake.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseRequested
	PhaseTeleporting
	PhaseGenerating
	PhaseReady
	PhaseError
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "Idle"
	case PhaseRequested:
		return "Requested"
	case PhaseTeleporting:
		return "Teleporting"
	case PhaseGenerating:
		return "Generating"
	case PhaseReady:
		return "Ready"
	case PhaseError:
		return "Error"
	default:
		return "Unknown"
	}
}

func (p Phase) busy() bool {
	return p == PhaseRequested || p == PhaseTeleporting || p == PhaseGenerating
}

type Config struct {
	Tuning tuning.Tuning
	// Flags default to a multiplayer client.
	Flags env.Flags
	Clock host.Clock
	Log   *log.Logger
	// Start is the player's position when the session begins.
	Start host.Vec3
}

type Client struct {
	conn  Transport
	name  string
	tune  tuning.Tuning
	clock host.Clock
	log   *log.Logger
	env   *env.Detector

	world *gridworld.World
	sched *sched.Scheduler
	reg   *registry.Registry
	gen   *structure.Generator
	txns  *txn.Manager

	state     host.PlayerState
	inv       *host.Container
	phase     Phase
	lastErr   *protocol.Error
	returnPos *protocol.ReturnPosition
	pollID    sched.ID
	synced    bool

	// upgrades maps open transaction ids to the upgrade they were sent for.
	upgrades map[string]string
	// Upgraded records committed upgrade levels by id, for callers waiting on a result.
	upgraded map[string]int
}

func New(conn Transport, cfg Config) (*Client, error) {
	if conn == nil {
		return nil, errors.New("client: nil transport")
	}
	if cfg.Flags == nil {
		cfg.Flags = env.StaticFlags{Client: true, Ready: true}
	}
	if cfg.Clock == nil {
		cfg.Clock = host.SystemClock{}
	}
	c := &Client{
		conn:     conn,
		name:     conn.Welcome().Username,
		tune:     cfg.Tuning,
		clock:    cfg.Clock,
		log:      cfg.Log,
		env:      env.NewDetector(cfg.Flags),
		sched:    sched.New(),
		inv:      host.NewContainer(conn.Welcome().Username + "_inv"),
		upgrades: map[string]string{},
		upgraded: map[string]int{},
	}
	c.world = gridworld.New(gridworld.Config{
		ChunkSize:      cfg.Tuning.World.ChunkSize,
		LoadDelayTicks: cfg.Tuning.World.LoadDelayTicks,
		ViewChunks:     cfg.Tuning.World.ViewChunks,
	})
	reg, err := registry.Open(registry.NewMemStore(), c.env, cfg.Tuning, cfg.Clock, cfg.Log)
	if err != nil {
		return nil, err
	}
	c.reg = reg
	c.gen = structure.New(c.world, cfg.Tuning, c.env, nil, cfg.Log)
	c.txns = txn.New(c.sched, cfg.Clock, cfg.Tuning.Ticks(cfg.Tuning.Timing.TransactionTimeoutSeconds), cfg.Log)
	c.txns.OnRollback = c.onRollback

	c.state.Pos = cfg.Start
	c.world.Focus(c.name, cfg.Start)
	return c, nil
}

func (c *Client) logf(format string, args ...any) {
	if c.log != nil {
		c.log.Printf(format, args...)
	}
}

func (c *Client) Username() string           { return c.name }
func (c *Client) Phase() Phase               { return c.phase }
func (c *Client) State() host.PlayerState    { return c.state }
func (c *Client) Inventory() *host.Container { return c.inv }
func (c *Client) World() *gridworld.World    { return c.world }
func (c *Client) Transactions() *txn.Manager { return c.txns }
func (c *Client) Synced() bool               { return c.synced }

// ReturnPosition is the last return position reported by ModDataResponse.
func (c *Client) ReturnPosition() *protocol.ReturnPosition { return c.returnPos }

// Refuge returns the mirrored record of this player's refuge.
func (c *Client) Refuge() (*registry.Record, bool) { return c.reg.Get(c.name) }

// Mirror returns every mirrored record.
func (c *Client) Mirror() []*registry.Record { return c.reg.All() }

// LastError returns the most recent error reply, if any.
func (c *Client) LastError() (protocol.Error, bool) {
	if c.lastErr == nil {
		return protocol.Error{}, false
	}
	return *c.lastErr, true
}

// ClearError forgets the last error reply so the next one can be told apart.
func (c *Client) ClearError() { c.lastErr = nil }

// UpgradeLevel returns the level last committed for upgradeID in this session.
func (c *Client) UpgradeLevel(upgradeID string) (int, bool) {
	lvl, ok := c.upgraded[upgradeID]
	return lvl, ok
}

// Tick advances the local world view and every pending poll, delay and lock timeout.
func (c *Client) Tick() {
	c.world.Tick()
	c.sched.Tick()
}

// Run pumps server messages and ticks until ctx ends, the connection drops, or step
// returns true. step runs after every message and tick.
func (c *Client) Run(ctx context.Context, step func(*Client) bool) error {
	hz := c.conn.Welcome().TickRateHz
	if hz <= 0 {
		hz = c.tune.TickRateHz
	}
	ticker := time.NewTicker(time.Second / time.Duration(hz))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case b, ok := <-c.conn.Incoming():
			if !ok {
				return ErrClosed
			}
			c.Handle(b)
		case <-ticker.C:
			c.Tick()
		}
		if step != nil && step(c) {
			return nil
		}
	}
}

func (c *Client) send(v any) {
	if err := c.conn.Send(v); err != nil {
		c.logf("send: %v", err)
	}
}

func (c *Client) command(cmd protocol.Command) {
	msg, err := protocol.EncodeCommand(cmd)
	if err != nil {
		c.logf("encode %s: %v", cmd.CommandName(), err)
		return
	}
	c.send(msg)
}

// SetState replaces the local player state and replicates it to the server.
func (c *Client) SetState(st host.PlayerState) {
	moved := st.Pos != c.state.Pos
	c.state = st
	if moved {
		c.world.Focus(c.name, st.Pos)
	}
	c.send(protocol.PlayerStateMsg{Type: protocol.TypePlayerState, ProtocolVersion: protocol.Version, State: st})
}

// MoveTo walks the player to pos.
func (c *Client) MoveTo(pos host.Vec3) {
	st := c.state
	st.Pos = pos
	c.SetState(st)
}

func (c *Client) RequestModData() { c.command(protocol.RequestModData{}) }

// SyncRooms reports the room ids the client sees inside its refuge.
func (c *Client) SyncRooms(ids []int64) { c.command(protocol.SyncClientData{RoomIDs: ids}) }

// MoveRelic asks the server to put the relic in the corner at (dx, dy).
func (c *Client) MoveRelic(dx, dy int) {
	name, _ := registry.CornerName(dx, dy)
	c.command(protocol.RequestMoveRelic{CornerDx: dx, CornerDy: dy, CornerName: name})
}

// Handle applies one raw server message.
func (c *Client) Handle(raw []byte) {
	base, err := protocol.DecodeBase(raw)
	if err != nil || base.ProtocolVersion != protocol.Version {
		return
	}
	switch base.Type {
	case protocol.TypeModData:
		var msg protocol.ModDataMsg
		if err := json.Unmarshal(raw, &msg); err != nil {
			return
		}
		c.reg.Replace(msg.Refuges)
		c.synced = true
	case protocol.TypeInventory:
		var msg protocol.InventoryMsg
		if err := json.Unmarshal(raw, &msg); err != nil || msg.Inventory == nil {
			return
		}
		c.inv = msg.Inventory
	case protocol.TypeCommand:
		var msg protocol.CommandMsg
		if err := json.Unmarshal(raw, &msg); err != nil || msg.Module != protocol.Module {
			return
		}
		r, err := protocol.DecodeReply(msg)
		if err != nil {
			c.logf("decode %s: %v", msg.Command, err)
			return
		}
		c.onReply(r)
	}
}

func (c *Client) onReply(r protocol.Reply) {
	switch v := r.(type) {
	case protocol.ModDataResponse:
		c.mergeRecord(v.RefugeData)
		c.returnPos = v.ReturnPosition
	case protocol.TeleportTo:
		c.onTeleportTo(v)
	case protocol.GenerationComplete:
		c.onGenerationComplete(v)
	case protocol.ExitReady:
		c.onExitReady(v)
	case protocol.MoveRelicComplete:
		c.mergeRecord(v.RefugeData)
		c.logf("relic moved to %s", v.CornerName)
	case protocol.FeatureUpgradeComplete:
		c.onUpgradeComplete(v)
	case protocol.FeatureUpgradeError:
		c.fail(protocol.Error{MessageKey: v.Reason, MessageArgs: v.ReasonArgs, TransactionID: v.TransactionID})
	case protocol.ClearZombies:
		for _, id := range v.ZombieIDs {
			c.world.RemoveEntity(id)
		}
	case protocol.Error:
		c.fail(v)
	}
}

// mergeRecord puts a single record received in a reply into the mirror.
func (c *Client) mergeRecord(d *protocol.RefugeData) {
	if d == nil {
		return
	}
	all := c.reg.Snapshot()
	all[d.Username] = *d
	c.reg.Replace(all)
}

// entryErrors are the keys the server answers RequestEnter or ChunksReady with. Error
// replies carry no command, so any other key belongs to some other request.
var entryErrors = map[string]bool{
	protocol.ErrCooldown:        true,
	protocol.ErrBusy:            true,
	protocol.ErrDead:            true,
	protocol.ErrInVehicle:       true,
	protocol.ErrFalling:         true,
	protocol.ErrClimbing:        true,
	protocol.ErrOverloaded:      true,
	protocol.ErrAlreadyInside:   true,
	protocol.ErrNoRefuge:        true,
	protocol.ErrGridFull:        true,
	protocol.ErrChunksTimeout:   true,
	protocol.ErrEnterInProgress: true,
	protocol.ErrNoAuthority:     true,
}

// endsEntry reports whether e terminates the handshake in the current phase. Internal
// errors only count once ChunksReady is out, when generation is the only open request.
func (c *Client) endsEntry(e protocol.Error) bool {
	if !c.phase.busy() {
		return false
	}
	if e.MessageKey == protocol.ErrInternal {
		return c.phase == PhaseGenerating
	}
	return entryErrors[e.MessageKey]
}

// fail records an error reply. Transaction errors release their locks; entry errors end
// the handshake. Anything else leaves the handshake running.
func (c *Client) fail(e protocol.Error) {
	c.lastErr = &e
	if e.TransactionID != "" {
		if err := c.txns.Rollback(e.TransactionID, e.MessageKey); err != nil {
			c.logf("rollback %s: %v", e.TransactionID, err)
		}
		return
	}
	if c.endsEntry(e) {
		c.cancelPoll()
		c.phase = PhaseError
	}
	c.logf("server error: %s", e.Error())
}

func (c *Client) cancelPoll() {
	if c.pollID != 0 {
		c.sched.Remove(c.pollID)
		c.pollID = 0
	}
}
