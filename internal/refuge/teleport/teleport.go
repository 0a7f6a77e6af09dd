// Package teleport runs the server half of the two-phase entry handshake and the
// single-phase exit.
//
// Entry: RequestEnter validates, stores the return position and replies TeleportTo.
// The client teleports, waits for its own chunks and sends ChunksReady. The server then
// polls its own view of the refuge area for a bounded number of ticks and either
// generates (or just resweeps) and replies GenerationComplete, or gives up with an Error.
package teleport

import (
	"errors"
	"log"

	"refuge.voxelcraft.ai/internal/host"
	"refuge.voxelcraft.ai/internal/metrics"
	"refuge.voxelcraft.ai/internal/protocol"
	"refuge.voxelcraft.ai/internal/refuge/audit"
	"refuge.voxelcraft.ai/internal/refuge/cooldown"
	"refuge.voxelcraft.ai/internal/refuge/registry"
	"refuge.voxelcraft.ai/internal/refuge/structure"
	"refuge.voxelcraft.ai/internal/refuge/validate"
	"refuge.voxelcraft.ai/internal/sched"
	"refuge.voxelcraft.ai/internal/tuning"
)

type Phase int

const (
	PhaseIdle Phase = iota
	PhaseRequested
	PhaseAwaitClientChunks
	PhaseAwaitServerChunks
	PhaseGenerating
	PhaseReady
	PhaseError
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "IDLE"
	case PhaseRequested:
		return "REQUESTED"
	case PhaseAwaitClientChunks:
		return "TELEPORTED_AWAIT_CLIENT_CHUNKS"
	case PhaseAwaitServerChunks:
		return "AWAIT_SERVER_CHUNKS"
	case PhaseGenerating:
		return "GENERATING"
	case PhaseReady:
		return "READY"
	case PhaseError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// InProgress reports whether an entry handshake is still running.
func (p Phase) InProgress() bool {
	return p == PhaseRequested || p == PhaseAwaitClientChunks || p == PhaseAwaitServerChunks || p == PhaseGenerating
}

// Sender delivers a reply to one player.
type Sender func(username string, r protocol.Reply)

type Deps struct {
	Registry  *registry.Registry
	Generator *structure.Generator
	Cooldowns *cooldown.Tracker
	Scheduler *sched.Scheduler
	World     host.World
	Tuning    tuning.Tuning
	Send      Sender
	Metrics   *metrics.Metrics
	Audit     audit.Logger
	Log       *log.Logger
}

type session struct {
	phase  Phase
	player host.Player
	pollID sched.ID
}

type Coordinator struct {
	Deps
	sessions map[string]*session
}

func New(d Deps) *Coordinator {
	return &Coordinator{Deps: d, sessions: map[string]*session{}}
}

func (c *Coordinator) logf(format string, args ...any) {
	if c.Log != nil {
		c.Log.Printf(format, args...)
	}
}

func (c *Coordinator) send(username string, r protocol.Reply) {
	if c.Send != nil {
		c.Send(username, r)
	}
}

func (c *Coordinator) fail(username, key string, args ...any) {
	c.send(username, protocol.NewError(key, args...))
}

// Phase returns the current handshake phase for username.
func (c *Coordinator) Phase(username string) Phase {
	if s, ok := c.sessions[username]; ok {
		return s.phase
	}
	return PhaseIdle
}

// Active returns how many handshakes are in progress.
func (c *Coordinator) Active() int {
	n := 0
	for _, s := range c.sessions {
		if s.phase.InProgress() {
			n++
		}
	}
	return n
}

func (c *Coordinator) setPhase(username string, s *session, p Phase) {
	was := s.phase.InProgress()
	s.phase = p
	now := p.InProgress()
	switch {
	case now && !was:
		c.Metrics.SessionStarted()
	case was && !now:
		c.Metrics.SessionEnded()
	}
	if !now && p != PhaseReady && p != PhaseError {
		delete(c.sessions, username)
	}
}

// Cancel drops any in-flight handshake for username without replying.
func (c *Coordinator) Cancel(username string) {
	s, ok := c.sessions[username]
	if !ok {
		return
	}
	if s.pollID != 0 {
		c.Scheduler.Remove(s.pollID)
	}
	c.setPhase(username, s, PhaseIdle)
	delete(c.sessions, username)
}

// RequestEnter handles IDLE -> REQUESTED -> TELEPORTED_AWAIT_CLIENT_CHUNKS.
func (c *Coordinator) RequestEnter(p host.Player, req protocol.RequestEnter) {
	name, err := p.Username()
	if err != nil {
		return
	}
	if c.Phase(name).InProgress() {
		c.fail(name, protocol.ErrEnterInProgress)
		return
	}
	state, err := p.State()
	if err != nil {
		return
	}
	if ok, _ := c.Cooldowns.Check(cooldown.Teleport, name); !ok {
		c.fail(name, protocol.ErrCooldown, c.Cooldowns.RemainingSeconds(cooldown.Teleport, name))
		return
	}
	if ok, reason := validate.CanEnterRefuge(state, validate.LimitsFrom(c.Tuning)); !ok {
		c.fail(name, reason)
		return
	}

	s := &session{player: p}
	c.sessions[name] = s
	c.setPhase(name, s, PhaseRequested)

	rec, created, err := c.Registry.GetOrCreate(p)
	if err != nil {
		c.abort(name, s, registryErrorKey(err))
		return
	}
	if created {
		audit.Write(c.Audit, audit.Entry{Tick: c.Scheduler.Now(), Actor: name, Action: audit.ActionCreate, Pos: audit.Pos(rec.Center()),
			Details: map[string]any{"slot": rec.GridSlot}})
	}

	rp := registry.ReturnPosition{Pos: host.Vec3{X: req.ReturnX, Y: req.ReturnY, Z: req.ReturnZ}}
	if req.FromVehicle {
		rp.Vehicle = &host.VehicleRef{ID: req.VehicleID, Seat: req.VehicleSeat, Pos: rp.Pos}
	}
	if err := c.Registry.SetReturnPosition(name, rp); err != nil {
		// Entering again from inside the refuge keeps the original way out.
		if !errors.Is(err, registry.ErrReturnInsideRefuge) {
			c.abort(name, s, registryErrorKey(err))
			return
		}
		if _, ok := c.Registry.PeekReturnPosition(name); !ok {
			c.abort(name, s, protocol.ErrAlreadyInside)
			return
		}
	}

	penalty := cooldown.EncumbrancePenalty(state, c.Tuning.Encumbrance)
	c.Cooldowns.RecordUseWithPenalty(cooldown.Teleport, name, penalty)

	c.setPhase(name, s, PhaseAwaitClientChunks)
	c.awaitAck(name, s)
	c.send(name, protocol.TeleportTo{
		CenterX:            rec.CenterX,
		CenterY:            rec.CenterY,
		CenterZ:            rec.CenterZ,
		Tier:               rec.Tier,
		Radius:             rec.Radius,
		RefugeID:           rec.RefugeID,
		EncumbrancePenalty: penalty.Seconds(),
	})
	audit.Write(c.Audit, audit.Entry{Tick: c.Scheduler.Now(), Actor: name, Action: audit.ActionEnter, Pos: audit.Pos(rp.Pos),
		Details: map[string]any{"refuge": rec.RefugeID, "penalty_s": penalty.Seconds()}})
}

// AckDeadlineTicks bounds the wait for ChunksReady: the client's own chunk wait plus
// one server poll of slack.
func (c *Coordinator) AckDeadlineTicks() int {
	return max(c.Tuning.Ticks(c.Tuning.Timing.ClientChunkPollSeconds+c.Tuning.Timing.ServerChunkPollSeconds), 1)
}

// awaitAck fails the handshake with ChunksTimeout if ChunksReady has not arrived by
// the deadline.
func (c *Coordinator) awaitAck(name string, s *session) {
	s.pollID = c.Scheduler.Poll(sched.PollSpec{
		MaxTicks: c.AckDeadlineTicks(),
		Alive: func() bool {
			return host.Alive(s.player) && c.sessions[name] == s
		},
		Check: func() bool { return s.phase != PhaseAwaitClientChunks },
		OnTimeout: func() {
			s.pollID = 0
			c.logf("no ChunksReady from %s", name)
			c.abort(name, s, protocol.ErrChunksTimeout)
		},
		OnAbort: func() {
			s.pollID = 0
			if c.sessions[name] == s {
				c.setPhase(name, s, PhaseIdle)
			}
		},
	})
}

func registryErrorKey(err error) string {
	switch {
	case errors.Is(err, registry.ErrGridFull):
		return protocol.ErrGridFull
	case errors.Is(err, registry.ErrNoAuthority):
		return protocol.ErrNoAuthority
	case errors.Is(err, registry.ErrReturnInsideRefuge):
		return protocol.ErrAlreadyInside
	default:
		return protocol.ErrInternal
	}
}

func (c *Coordinator) abort(name string, s *session, key string, args ...any) {
	c.setPhase(name, s, PhaseError)
	c.fail(name, key, args...)
}

// ChunksReady handles the client's acknowledgement and starts the server chunk poll.
// Duplicates and acknowledgements outside a handshake are ignored.
func (c *Coordinator) ChunksReady(p host.Player) {
	name, err := p.Username()
	if err != nil {
		return
	}
	s, ok := c.sessions[name]
	if !ok || s.phase != PhaseAwaitClientChunks {
		c.logf("ignored ChunksReady from %s in phase %s", name, c.Phase(name))
		return
	}
	if s.pollID != 0 {
		c.Scheduler.Remove(s.pollID)
		s.pollID = 0
	}
	rec, ok := c.Registry.Get(name)
	if !ok {
		c.abort(name, s, protocol.ErrNoRefuge)
		return
	}
	s.player = p
	c.setPhase(name, s, PhaseAwaitServerChunks)
	s.pollID = c.Scheduler.Poll(sched.PollSpec{
		MaxTicks: max(c.Tuning.Ticks(c.Tuning.Timing.ServerChunkPollSeconds), 1),
		Alive: func() bool {
			return host.Alive(p) && c.sessions[name] == s
		},
		Check: func() bool {
			return c.AreaReady(rec)
		},
		OnDone: func() {
			s.pollID = 0
			c.generate(name, s)
		},
		OnTimeout: func() {
			s.pollID = 0
			c.logf("chunk poll timeout for %s", name)
			c.abort(name, s, protocol.ErrChunksTimeout)
		},
		OnAbort: func() {
			s.pollID = 0
			c.logf("abandoned handshake for %s: player gone", name)
			if c.sessions[name] == s {
				c.setPhase(name, s, PhaseIdle)
				delete(c.sessions, name)
			}
		},
	})
}

// SamplePoints are the refuge center and the four corners of the box covering the
// interior, the wall ring and the relic.
func SamplePoints(rec *registry.Record) []host.Vec3 {
	box := host.Square(rec.Center(), rec.Radius+1).Expand(rec.RelicX, rec.RelicY)
	z := rec.CenterZ
	return []host.Vec3{
		rec.Center(),
		{X: box.MinX, Y: box.MinY, Z: z},
		{X: box.MaxX, Y: box.MinY, Z: z},
		{X: box.MinX, Y: box.MaxY, Z: z},
		{X: box.MaxX, Y: box.MaxY, Z: z},
	}
}

// AreaReady reports whether every sample point is loaded and the whole area is writable.
func (c *Coordinator) AreaReady(rec *registry.Record) bool {
	for _, pt := range SamplePoints(rec) {
		if !c.World.IsLoaded(pt.X, pt.Y, pt.Z) {
			return false
		}
	}
	return c.Generator.AreaLoaded(rec, rec.Radius)
}

func (c *Coordinator) generate(name string, s *session) {
	rec, ok := c.Registry.Get(name)
	if !ok {
		c.abort(name, s, protocol.ErrNoRefuge)
		return
	}
	c.setPhase(name, s, PhaseGenerating)

	path := "resweep"
	if c.Generator.RelicExists(rec) {
		c.Generator.ClearZombies(rec, name, false)
	} else {
		path = "full"
		res, err := c.Generator.EnsureStructures(rec, name)
		if err != nil {
			c.logf("generate %s: %v", rec.RefugeID, err)
			c.abort(name, s, protocol.ErrInternal)
			return
		}
		audit.Write(c.Audit, audit.Entry{Tick: c.Scheduler.Now(), Actor: name, Action: audit.ActionGenerate, Pos: audit.Pos(rec.Center()),
			Details: map[string]any{"walls": res.Walls, "swept": len(res.Swept)}})
	}
	c.Metrics.Generation(path)

	area := host.Square(rec.Center(), rec.Radius+1)
	if rooms := c.World.RoomsIn(area); !sameRooms(rooms, rec.RoomIDs) {
		rec.RoomIDs = rooms
		if err := c.Registry.Save(rec); err != nil {
			c.logf("save rooms %s: %v", rec.RefugeID, err)
		}
	}

	c.setPhase(name, s, PhaseReady)
	c.send(name, protocol.GenerationComplete{
		CenterX: rec.CenterX,
		CenterY: rec.CenterY,
		CenterZ: rec.CenterZ,
		Tier:    rec.Tier,
		Radius:  rec.Radius,
		RoomIDs: rec.RoomIDs,
	})
	c.Scheduler.After(c.Tuning.Timing.RecalcDelayTicks, func() {
		c.World.RecalcVisibility(area)
	})
}

func sameRooms(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// RequestExit consumes the stored return position and sends the player back.
func (c *Coordinator) RequestExit(p host.Player) {
	name, err := p.Username()
	if err != nil {
		return
	}
	rp, ok, err := c.Registry.TakeReturnPosition(name)
	if err != nil {
		c.fail(name, registryErrorKey(err))
		return
	}
	if !ok {
		c.fail(name, protocol.ErrNoReturnPosition)
		return
	}
	c.Cancel(name)
	w := rp.Wire()
	c.send(name, protocol.ExitReady{
		ReturnX:     w.X,
		ReturnY:     w.Y,
		ReturnZ:     w.Z,
		FromVehicle: w.FromVehicle,
		VehicleID:   w.VehicleID,
		VehicleSeat: w.VehicleSeat,
		VehicleX:    w.VehicleX,
		VehicleY:    w.VehicleY,
		VehicleZ:    w.VehicleZ,
	})
	audit.Write(c.Audit, audit.Entry{Tick: c.Scheduler.Now(), Actor: name, Action: audit.ActionExit, Pos: audit.Pos(rp.Pos)})
}

// OnDeath handles a player dying. Inside their own refuge the record and return
// position are dropped; the physical structures stay in the world.
func (c *Coordinator) OnDeath(username string, pos host.Vec3) bool {
	c.Cancel(username)
	if _, ok := c.Registry.PeekReturnPosition(username); !ok {
		return false
	}
	rec, ok := c.Registry.FindByCoordinate(pos.X, pos.Y)
	if !ok || rec.Username != username {
		return false
	}
	if _, _, err := c.Registry.TakeReturnPosition(username); err != nil {
		c.logf("death %s: clear return position: %v", username, err)
	}
	if err := c.Registry.Delete(username); err != nil {
		c.logf("death %s: delete record: %v", username, err)
		return false
	}
	audit.Write(c.Audit, audit.Entry{Tick: c.Scheduler.Now(), Actor: username, Action: audit.ActionDeath, Pos: audit.Pos(pos),
		Details: map[string]any{"refuge": rec.RefugeID}})
	return true
}
