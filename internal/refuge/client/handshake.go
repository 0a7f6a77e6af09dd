package client

import (
	"refuge.voxelcraft.ai/internal/host"
	"refuge.voxelcraft.ai/internal/protocol"
	"refuge.voxelcraft.ai/internal/refuge/registry"
	"refuge.voxelcraft.ai/internal/sched"
)

// Enter asks the server for the player's refuge from the current position. A driver is
// dismounted first; the vehicle is sent along so the exit can seat them again.
func (c *Client) Enter() error {
	if c.phase.busy() {
		return ErrInProgress
	}
	req := protocol.RequestEnter{ReturnX: c.state.Pos.X, ReturnY: c.state.Pos.Y, ReturnZ: c.state.Pos.Z}
	if v := c.state.Vehicle; v != nil {
		req.FromVehicle, req.VehicleID, req.VehicleSeat = true, v.ID, v.Seat
		st := c.state
		st.Vehicle = nil
		c.SetState(st)
	}
	c.lastErr = nil
	c.phase = PhaseRequested
	c.command(req)
	return nil
}

// Exit asks to go back to the stored return position. Leaving is never gated.
func (c *Client) Exit() {
	c.command(protocol.RequestExit{})
}

// onTeleportTo moves the player and waits for the local view of the destination chunk
// before acknowledging. The acknowledgement is sent even if the wait runs out; the
// server runs its own bounded poll and reports the failure.
func (c *Client) onTeleportTo(t protocol.TeleportTo) {
	if c.phase != PhaseRequested {
		c.logf("TeleportTo in phase %s", c.phase)
	}
	c.cancelPoll()
	c.phase = PhaseTeleporting
	center := host.Vec3{X: t.CenterX, Y: t.CenterY, Z: t.CenterZ}
	c.MoveTo(center)
	if t.EncumbrancePenalty > 0 {
		c.logf("entry cooldown extended by %.0fs for encumbrance", t.EncumbrancePenalty)
	}
	c.pollID = c.sched.Poll(sched.PollSpec{
		MaxTicks: max(c.tune.Ticks(c.tune.Timing.ClientChunkPollSeconds), 1),
		Alive:    func() bool { return c.phase == PhaseTeleporting },
		Check:    func() bool { return c.world.IsLoaded(center.X, center.Y, center.Z) },
		OnDone: func() {
			c.pollID = 0
			c.chunksReady()
		},
		OnTimeout: func() {
			c.pollID = 0
			c.logf("local chunks at (%d,%d,%d) not loaded in time", center.X, center.Y, center.Z)
			c.chunksReady()
		},
		OnAbort: func() { c.pollID = 0 },
	})
}

func (c *Client) chunksReady() {
	c.phase = PhaseGenerating
	c.command(protocol.ChunksReady{})
}

// onGenerationComplete restores protection flags on whatever part of the refuge the
// local view holds. The host's save path drops them.
func (c *Client) onGenerationComplete(g protocol.GenerationComplete) {
	c.cancelPoll()
	rec, ok := c.reg.Get(c.name)
	if !ok {
		rec = &registry.Record{RefugeID: registry.RefugeIDFor(c.name), Username: c.name}
		rec.SetRelic(host.Vec3{X: g.CenterX, Y: g.CenterY, Z: g.CenterZ}, registry.CornerCenter, 0, 0)
	}
	rec.CenterX, rec.CenterY, rec.CenterZ = g.CenterX, g.CenterY, g.CenterZ
	rec.Tier, rec.Radius = g.Tier, g.Radius
	if n := c.gen.ReapplyProtection(rec); n > 0 {
		c.logf("reapplied protection to %d objects in %s", n, rec.RefugeID)
	}
	c.phase = PhaseReady
}

func (c *Client) onExitReady(e protocol.ExitReady) {
	c.cancelPoll()
	st := c.state
	st.Pos = host.Vec3{X: e.ReturnX, Y: e.ReturnY, Z: e.ReturnZ}
	st.Vehicle = nil
	if e.FromVehicle {
		st.Vehicle = &host.VehicleRef{
			ID:   e.VehicleID,
			Seat: e.VehicleSeat,
			Pos:  host.Vec3{X: e.VehicleX, Y: e.VehicleY, Z: e.VehicleZ},
		}
	}
	c.SetState(st)
	c.returnPos = nil
	c.phase = PhaseIdle
}
